package handler

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	appI18n "github.com/pavelanni/testroom/internal/i18n"
	"github.com/pavelanni/testroom/internal/model"
	"github.com/pavelanni/testroom/internal/monitor"
	"github.com/pavelanni/testroom/internal/progress"
	"github.com/pavelanni/testroom/internal/store"
)

// statusSource polls progress from the tracker and closes sessions in the
// store.
type statusSource struct {
	tracker progress.Tracker
	store   *store.Store
}

func (s statusSource) FetchStudentStatuses(ctx context.Context, sessionID string) ([]model.StudentStatus, error) {
	return s.tracker.FetchStudentStatuses(ctx, sessionID)
}

func (s statusSource) CloseSession(ctx context.Context, sessionID string) error {
	return s.store.CloseSession(ctx, sessionID)
}

type monitorHost struct {
	loop *monitor.Loop
	view *monitorView
}

// monitorView is the Observer of a monitoring loop.
type monitorView struct {
	mu        sync.Mutex
	snap      *monitor.Snapshot
	remaining *time.Duration
	lastErr   error
	closed    bool
}

func (v *monitorView) Countdown(remaining time.Duration) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.remaining = &remaining
}

func (v *monitorView) Render(snap monitor.Snapshot) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.snap = &snap
	v.lastErr = nil
}

func (v *monitorView) Error(err error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.lastErr = err
}

func (v *monitorView) Closed(model.TestSession) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.closed = true
	if v.snap != nil {
		v.snap.Status = model.SessionFinished
	}
}

type createSessionRequest struct {
	TestID          string   `json:"test_id"`
	Title           string   `json:"title"`
	DurationSeconds int      `json:"duration_seconds"`
	Roster          []string `json:"roster"`
}

func (h *Handler) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	var req createSessionRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	if req.TestID == "" {
		writeError(w, http.StatusBadRequest, "test_id is required")
		return
	}
	meta, err := h.store.FetchTestMetadata(r.Context(), req.TestID)
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	sess := model.TestSession{
		ID:        uuid.NewString(),
		TestID:    req.TestID,
		Title:     req.Title,
		StartTime: h.now().Truncate(time.Second),
		Duration:  time.Duration(req.DurationSeconds) * time.Second,
		Status:    model.SessionActive,
		Roster:    req.Roster,
	}
	if sess.Title == "" {
		sess.Title = meta.Title
	}
	if sess.Duration <= 0 {
		sess.Duration = meta.Duration
	}
	if err := h.store.CreateSession(r.Context(), sess); err != nil {
		h.logger.Error("create session failed", "error", err)
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	h.logger.Info("session started", "session_id", sess.ID, "test_id", sess.TestID, "roster", len(sess.Roster))
	writeJSON(w, http.StatusCreated, sess)
}

func (h *Handler) handleGetSession(w http.ResponseWriter, r *http.Request) {
	sess, err := h.store.GetSession(r.Context(), chi.URLParam(r, "sessionID"))
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, sess)
}

func (h *Handler) monitorFor(id string) (*monitorHost, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	m, ok := h.monitors[id]
	return m, ok
}

func (h *Handler) handleStartMonitor(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "sessionID")
	if m, ok := h.monitorFor(id); ok {
		writeJSON(w, http.StatusOK, h.monitorResponse(r.Context(), m))
		return
	}

	sess, err := h.store.GetSession(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if sess.Status != model.SessionActive {
		writeError(w, http.StatusConflict, fmt.Sprintf("session %s is %s", id, sess.Status))
		return
	}

	view := &monitorView{}
	m := &monitorHost{
		view: view,
		loop: monitor.New(sess, statusSource{tracker: h.tracker, store: h.store}, view,
			monitor.WithInterval(h.monitorInterval),
			monitor.WithClock(h.now),
			monitor.WithLogger(h.logger),
			monitor.WithMetrics(h.metrics),
		),
	}

	h.mu.Lock()
	if existing, ok := h.monitors[id]; ok {
		h.mu.Unlock()
		writeJSON(w, http.StatusOK, h.monitorResponse(r.Context(), existing))
		return
	}
	h.monitors[id] = m
	h.mu.Unlock()

	// The loop lives until the view is torn down, not until this request ends.
	m.loop.Start(context.WithoutCancel(r.Context()))
	writeJSON(w, http.StatusAccepted, h.monitorResponse(r.Context(), m))
}

func (h *Handler) handleGetMonitor(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "sessionID")
	m, ok := h.monitorFor(id)
	if !ok {
		writeError(w, http.StatusNotFound, fmt.Sprintf("session %s is not being monitored", id))
		return
	}
	writeJSON(w, http.StatusOK, h.monitorResponse(r.Context(), m))
}

func (h *Handler) handleStopMonitor(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "sessionID")
	h.mu.Lock()
	m, ok := h.monitors[id]
	delete(h.monitors, id)
	h.mu.Unlock()
	if !ok {
		writeError(w, http.StatusNotFound, fmt.Sprintf("session %s is not being monitored", id))
		return
	}
	m.loop.Stop()
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) handleCloseSession(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "sessionID")

	m, monitored := h.monitorFor(id)
	var err error
	if monitored {
		err = m.loop.CloseTest(r.Context())
	} else {
		err = h.store.CloseSession(r.Context(), id)
	}
	if err != nil {
		h.writeSessionError(w, r, err, "ErrSessionClose")
		return
	}
	h.dropMonitor(id)
	h.handleGetSession(w, r)
}

func (h *Handler) handleCancelSession(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "sessionID")
	if err := h.store.CancelSession(r.Context(), id); err != nil {
		h.writeSessionError(w, r, err, "ErrSessionClose")
		return
	}
	h.dropMonitor(id)
	h.handleGetSession(w, r)
}

// dropMonitor stops and forgets the loop of a session that left the active
// status.
func (h *Handler) dropMonitor(id string) {
	h.mu.Lock()
	m, ok := h.monitors[id]
	delete(h.monitors, id)
	h.mu.Unlock()
	if ok {
		m.loop.Stop()
	}
}

func (h *Handler) writeSessionError(w http.ResponseWriter, r *http.Request, err error, msgID string) {
	switch {
	case errors.Is(err, store.ErrNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, store.ErrSessionNotActive), errors.Is(err, monitor.ErrNotActive):
		writeError(w, http.StatusConflict, err.Error())
	default:
		h.logger.Error("session update failed", "error", err)
		writeJSON(w, http.StatusBadGateway, map[string]string{
			"error":  err.Error(),
			"notice": appI18n.T(r.Context(), msgID),
		})
	}
}

type monitorRow struct {
	monitor.Row
	Label string `json:"label"`
}

type monitorResponse struct {
	SessionID        string              `json:"session_id"`
	Title            string              `json:"title"`
	Status           model.SessionStatus `json:"status"`
	Running          bool                `json:"running"`
	RemainingSeconds int64               `json:"remaining_seconds"`
	RemainingText    string              `json:"remaining_text"`
	Students         int                 `json:"students"`
	Joined           int                 `json:"joined"`
	JoinedText       string              `json:"joined_text"`
	Completed        int                 `json:"completed"`
	AverageProgress  float64             `json:"average_progress"`
	Rows             []monitorRow        `json:"rows"`
	UpdatedAt        *time.Time          `json:"updated_at,omitempty"`
	Error            string              `json:"error,omitempty"`
	Notice           string              `json:"notice,omitempty"`
}

func (h *Handler) monitorResponse(ctx context.Context, m *monitorHost) monitorResponse {
	sess := m.loop.Session()
	m.view.mu.Lock()
	var snap monitor.Snapshot
	if m.view.snap != nil {
		snap = *m.view.snap
	}
	lastErr, closed := m.view.lastErr, m.view.closed
	countdown := m.view.remaining
	m.view.mu.Unlock()

	running := !closed
	select {
	case <-m.loop.Done():
		running = false
	default:
	}

	resp := monitorResponse{
		SessionID:       sess.ID,
		Title:           sess.Title,
		Status:          sess.Status,
		Running:         running,
		Students:        snap.Students,
		Joined:          snap.Joined,
		JoinedText:      appI18n.Tp(ctx, "StudentsJoined", snap.Joined),
		Completed:       snap.Completed,
		AverageProgress: snap.AverageProgress,
		Rows:            make([]monitorRow, 0, len(snap.Rows)),
	}
	remaining := sess.Remaining(h.now())
	if countdown != nil {
		remaining = *countdown
	}
	if !snap.At.IsZero() {
		at := snap.At
		resp.UpdatedAt = &at
	}
	resp.RemainingSeconds = int64(remaining / time.Second)
	resp.RemainingText = appI18n.Td(ctx, "TimeRemaining", map[string]any{"Remaining": formatClock(remaining)})
	for _, row := range snap.Rows {
		resp.Rows = append(resp.Rows, monitorRow{Row: row, Label: appI18n.StatusLabel(ctx, row.Status)})
	}
	if lastErr != nil {
		resp.Error = lastErr.Error()
		resp.Notice = appI18n.T(ctx, "ErrStatusFetch")
	}
	return resp
}

func formatClock(d time.Duration) string {
	s := int64(d / time.Second)
	return fmt.Sprintf("%02d:%02d", s/60, s%60)
}
