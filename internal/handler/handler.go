// Package handler exposes the exam engine over a JSON HTTP API: student
// attempts on one side, teacher sessions and their monitoring loops on the
// other.
package handler

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	appI18n "github.com/pavelanni/testroom/internal/i18n"
	"github.com/pavelanni/testroom/internal/metrics"
	"github.com/pavelanni/testroom/internal/monitor"
	"github.com/pavelanni/testroom/internal/progress"
	"github.com/pavelanni/testroom/internal/session"
	"github.com/pavelanni/testroom/internal/store"
)

// ErrUnknownAttempt is returned for attempt ids that are not hosted here.
var ErrUnknownAttempt = errors.New("unknown attempt")

// Handler holds shared dependencies for HTTP handlers.
type Handler struct {
	store           *store.Store
	evaluator       session.Evaluator
	tracker         progress.Tracker
	metrics         *metrics.Metrics
	logger          *slog.Logger
	monitorInterval time.Duration
	now             func() time.Time

	mu       sync.Mutex
	attempts map[string]*attemptHost
	monitors map[string]*monitorHost
}

// Option configures a Handler.
type Option func(*Handler)

// WithTracker stores live progress somewhere other than the SQL store.
func WithTracker(t progress.Tracker) Option {
	return func(h *Handler) { h.tracker = t }
}

// WithMetrics records engine metrics and serves them on /metrics.
func WithMetrics(m *metrics.Metrics) Option {
	return func(h *Handler) { h.metrics = m }
}

// WithLogger sets the handler logger.
func WithLogger(l *slog.Logger) Option {
	return func(h *Handler) { h.logger = l }
}

// WithMonitorInterval sets the polling period of monitoring loops.
func WithMonitorInterval(d time.Duration) Option {
	return func(h *Handler) { h.monitorInterval = d }
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(h *Handler) { h.now = now }
}

// New creates a new Handler. Progress goes to the store unless WithTracker
// says otherwise.
func New(s *store.Store, evaluator session.Evaluator, opts ...Option) *Handler {
	h := &Handler{
		store:           s,
		evaluator:       evaluator,
		tracker:         s,
		logger:          slog.Default(),
		monitorInterval: monitor.DefaultInterval,
		now:             time.Now,
		attempts:        make(map[string]*attemptHost),
		monitors:        make(map[string]*monitorHost),
	}
	for _, o := range opts {
		o(h)
	}
	return h
}

// Routes registers all HTTP routes.
func (h *Handler) Routes(r chi.Router) {
	r.Get("/api/tests", h.handleListTests)

	r.Route("/api/attempts", func(r chi.Router) {
		r.Post("/", h.handleCreateAttempt)
		r.Route("/{attemptID}", func(r chi.Router) {
			r.Get("/", h.handleGetAttempt)
			r.Delete("/", h.handleDetachAttempt)
			r.Post("/start", h.handleStartAttempt)
			r.Post("/next", h.handleNext)
			r.Post("/prev", h.handlePrev)
			r.Post("/goto/{index}", h.handleGoTo)
			r.Put("/answer", h.handleAnswer)
			r.Post("/finish", h.handleFinish)
			r.Post("/confirm", h.handleConfirm)
			r.Post("/integrity", h.handleIntegrity)
		})
	})

	r.Route("/api/sessions", func(r chi.Router) {
		r.Post("/", h.handleCreateSession)
		r.Route("/{sessionID}", func(r chi.Router) {
			r.Get("/", h.handleGetSession)
			r.Post("/monitor", h.handleStartMonitor)
			r.Get("/monitor", h.handleGetMonitor)
			r.Delete("/monitor", h.handleStopMonitor)
			r.Post("/close", h.handleCloseSession)
			r.Post("/cancel", h.handleCancelSession)
		})
	})

	if h.metrics != nil {
		r.Method(http.MethodGet, "/metrics", h.metrics.Handler())
	}
}

// Router builds the full middleware stack around Routes.
func (h *Handler) Router(corsOrigins []string) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID, middleware.RealIP, middleware.Logger, middleware.Recoverer)
	if len(corsOrigins) > 0 {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins: corsOrigins,
			AllowedMethods: []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
			AllowedHeaders: []string{"Accept-Language", "Content-Type"},
			MaxAge:         300,
		}))
	}
	r.Use(appI18n.Middleware())
	h.Routes(r)
	return r
}

// Close stops every monitoring loop and detaches every attempt view, then
// waits until attempts already submitted have been graded and written. It
// returns ctx.Err() if that takes longer than ctx allows.
func (h *Handler) Close(ctx context.Context) error {
	h.mu.Lock()
	attempts, monitors := h.attempts, h.monitors
	h.attempts = make(map[string]*attemptHost)
	h.monitors = make(map[string]*monitorHost)
	h.mu.Unlock()

	for _, m := range monitors {
		m.loop.Stop()
	}
	for _, a := range attempts {
		a.teardown()
	}

	for _, a := range attempts {
		if st := a.ctrl.State(); st != session.Submitting && st != session.Completed {
			continue
		}
		select {
		case <-a.ctrl.Done():
		case <-ctx.Done():
			h.logger.Warn("shutdown before grading finished", "error", ctx.Err())
			return ctx.Err()
		}
	}
	return nil
}

func (h *Handler) handleListTests(w http.ResponseWriter, r *http.Request) {
	tests, err := h.store.ListTests(r.Context())
	if err != nil {
		h.logger.Error("list tests failed", "error", err)
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, tests)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func decodeJSON(r *http.Request, v any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}
