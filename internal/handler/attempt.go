package handler

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	appI18n "github.com/pavelanni/testroom/internal/i18n"
	"github.com/pavelanni/testroom/internal/integrity"
	"github.com/pavelanni/testroom/internal/model"
	"github.com/pavelanni/testroom/internal/progress"
	"github.com/pavelanni/testroom/internal/session"
	"github.com/pavelanni/testroom/internal/store"
)

const reportTimeout = 5 * time.Second

// attemptHost ties one Controller to its integrity monitor and view.
type attemptHost struct {
	ctrl     *session.Controller
	feed     *integrity.Feed
	guard    *integrity.Monitor
	view     *attemptView
	maxScore int

	mu      sync.Mutex
	started time.Time
}

func (a *attemptHost) teardown() {
	a.guard.Stop()
	a.ctrl.Detach()
}

func (a *attemptHost) startedAt() time.Time {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.started
}

// attemptView is the Presenter and Obstructor of a hosted attempt. The HTTP
// client polls it instead of receiving pushes.
type attemptView struct {
	mu         sync.Mutex
	submitting bool
	obscured   bool
	notice     string
	lastErr    error
}

func (v *attemptView) IntroReady(string) {}
func (v *attemptView) QuestionShown(model.Question, session.Navigation) {}
func (v *attemptView) ConfirmFinish() {}

func (v *attemptView) Submitting(on bool) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.submitting = on
}

func (v *attemptView) Completed(result model.TestResult) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if !result.Graded() && v.notice == "" {
		v.notice = "GradingUnavailable"
	}
}

func (v *attemptView) Error(err error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.lastErr = err
}

func (v *attemptView) SetObscured(on bool) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.obscured = on
}

func (v *attemptView) setNotice(id string) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.notice = id
}

type viewState struct {
	submitting bool
	obscured   bool
	notice     string
	lastErr    error
}

func (v *attemptView) state() viewState {
	v.mu.Lock()
	defer v.mu.Unlock()
	return viewState{v.submitting, v.obscured, v.notice, v.lastErr}
}

type createAttemptRequest struct {
	TestID    string `json:"test_id"`
	SessionID string `json:"session_id"`
	StudentID string `json:"student_id"`
}

func (h *Handler) handleCreateAttempt(w http.ResponseWriter, r *http.Request) {
	var req createAttemptRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	if req.TestID == "" || req.StudentID == "" {
		writeError(w, http.StatusBadRequest, "test_id and student_id are required")
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
	if req.SessionID != "" {
		sess, err := h.store.GetSession(r.Context(), req.SessionID)
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, err.Error())
			return
		}
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		if sess.Status != model.SessionActive || sess.TestID != req.TestID {
			writeError(w, http.StatusConflict, fmt.Sprintf("session %s is not accepting attempts for %s", sess.ID, req.TestID))
			return
		}
	}

	host := h.newAttempt(session.Attempt{
		ID:        uuid.NewString(),
		StudentID: req.StudentID,
		TestID:    req.TestID,
		SessionID: req.SessionID,
	}, meta.MaxScore())

	if err := host.ctrl.LoadIntro(r.Context()); err != nil {
		host.view.setNotice("ErrIntroLoad")
	}
	writeJSON(w, http.StatusCreated, h.attemptResponse(r.Context(), host, nil))
}

func (h *Handler) newAttempt(attempt session.Attempt, maxScore int) *attemptHost {
	view := &attemptView{}
	host := &attemptHost{view: view, feed: integrity.NewFeed(), maxScore: maxScore}

	logger := h.logger.With("attempt_id", attempt.ID)
	host.ctrl = session.New(attempt, h.store, h.evaluator, view,
		session.WithResultWriter(h.store),
		session.WithLogger(h.logger),
		session.WithMetrics(h.metrics),
		session.WithClock(h.now),
		// Progress is bookkeeping, so it is reported even after the view is gone.
		session.WithOnCompleted(func(model.TestResult) {
			ctx, cancel := context.WithTimeout(context.Background(), reportTimeout)
			defer cancel()
			h.reportProgress(ctx, host)
		}),
	)
	host.guard = integrity.NewMonitor(func(integrity.Signal) {
		if host.ctrl.ForceFinish(context.Background()) {
			view.setNotice("IntegrityViolation")
		}
	},
		integrity.WithObstructor(view),
		integrity.WithLogger(logger),
		integrity.WithMetrics(h.metrics),
	)
	host.guard.Watch(host.feed)

	h.mu.Lock()
	h.attempts[attempt.ID] = host
	h.mu.Unlock()
	return host
}

func (h *Handler) attempt(r *http.Request) (*attemptHost, error) {
	id := chi.URLParam(r, "attemptID")
	h.mu.Lock()
	defer h.mu.Unlock()
	host, ok := h.attempts[id]
	if !ok {
		return nil, fmt.Errorf("attempt %s: %w", id, ErrUnknownAttempt)
	}
	return host, nil
}

// withAttempt resolves the attempt and runs fn. When report is set the
// student's progress is pushed to the tracker afterwards.
func (h *Handler) withAttempt(report bool, fn func(r *http.Request, host *attemptHost) (bool, error)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		host, err := h.attempt(r)
		if err != nil {
			writeError(w, http.StatusNotFound, err.Error())
			return
		}
		accepted, err := fn(r, host)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		if report && accepted {
			h.reportProgress(r.Context(), host)
		}
		writeJSON(w, http.StatusOK, h.attemptResponse(r.Context(), host, &accepted))
	}
}

func (h *Handler) reportProgress(ctx context.Context, host *attemptHost) {
	attempt := host.ctrl.Attempt()
	if attempt.SessionID == "" || h.tracker == nil {
		return
	}
	st := progress.FromSnapshot(attempt.StudentID, host.ctrl.Snapshot(), host.startedAt())
	if err := h.tracker.ReportStatus(ctx, attempt.SessionID, st); err != nil {
		h.logger.Warn("progress report failed", "attempt_id", attempt.ID, "error", err)
	}
}

func (h *Handler) handleGetAttempt(w http.ResponseWriter, r *http.Request) {
	host, err := h.attempt(r)
	if err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, h.attemptResponse(r.Context(), host, nil))
}

func (h *Handler) handleDetachAttempt(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "attemptID")
	h.mu.Lock()
	host, ok := h.attempts[id]
	delete(h.attempts, id)
	h.mu.Unlock()
	if !ok {
		writeError(w, http.StatusNotFound, fmt.Sprintf("attempt %s: %s", id, ErrUnknownAttempt))
		return
	}
	host.teardown()
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) handleStartAttempt(w http.ResponseWriter, r *http.Request) {
	h.withAttempt(true, func(r *http.Request, host *attemptHost) (bool, error) {
		err := host.ctrl.StartTest(r.Context())
		if errors.Is(err, session.ErrInvalidState) {
			return false, nil
		}
		host.mu.Lock()
		host.started = h.now()
		host.mu.Unlock()
		if err != nil {
			host.view.setNotice("ErrQuestionsLoad")
		}
		return true, nil
	})(w, r)
}

func (h *Handler) handleNext(w http.ResponseWriter, r *http.Request) {
	h.withAttempt(true, func(_ *http.Request, host *attemptHost) (bool, error) {
		return host.ctrl.Next(), nil
	})(w, r)
}

func (h *Handler) handlePrev(w http.ResponseWriter, r *http.Request) {
	h.withAttempt(true, func(_ *http.Request, host *attemptHost) (bool, error) {
		return host.ctrl.Prev(), nil
	})(w, r)
}

func (h *Handler) handleGoTo(w http.ResponseWriter, r *http.Request) {
	h.withAttempt(true, func(r *http.Request, host *attemptHost) (bool, error) {
		index, err := strconv.Atoi(chi.URLParam(r, "index"))
		if err != nil {
			return false, fmt.Errorf("invalid question index: %w", err)
		}
		return host.ctrl.GoTo(index), nil
	})(w, r)
}

type answerRequest struct {
	Text string `json:"text"`
}

func (h *Handler) handleAnswer(w http.ResponseWriter, r *http.Request) {
	h.withAttempt(true, func(r *http.Request, host *attemptHost) (bool, error) {
		var req answerRequest
		if err := decodeJSON(r, &req); err != nil {
			return false, fmt.Errorf("invalid request body: %w", err)
		}
		return host.ctrl.SetAnswer(req.Text), nil
	})(w, r)
}

func (h *Handler) handleFinish(w http.ResponseWriter, r *http.Request) {
	h.withAttempt(false, func(_ *http.Request, host *attemptHost) (bool, error) {
		return host.ctrl.Finish(), nil
	})(w, r)
}

type confirmRequest struct {
	Confirm bool `json:"confirm"`
}

func (h *Handler) handleConfirm(w http.ResponseWriter, r *http.Request) {
	h.withAttempt(false, func(r *http.Request, host *attemptHost) (bool, error) {
		var req confirmRequest
		if err := decodeJSON(r, &req); err != nil {
			return false, fmt.Errorf("invalid request body: %w", err)
		}
		return host.ctrl.ConfirmFinish(r.Context(), req.Confirm), nil
	})(w, r)
}

type integrityRequest struct {
	Signal integrity.Kind `json:"signal"`
	Active bool           `json:"active"`
}

func (h *Handler) handleIntegrity(w http.ResponseWriter, r *http.Request) {
	h.withAttempt(false, func(r *http.Request, host *attemptHost) (bool, error) {
		var req integrityRequest
		if err := decodeJSON(r, &req); err != nil {
			return false, fmt.Errorf("invalid request body: %w", err)
		}
		switch req.Signal {
		case integrity.Screenshot:
			host.feed.ScreenshotTaken()
		case integrity.Capture:
			host.feed.CaptureChanged(req.Active)
		default:
			return false, fmt.Errorf("unknown signal %q", req.Signal)
		}
		return true, nil
	})(w, r)
}

type questionView struct {
	ID     string `json:"id"`
	Topic  string `json:"topic"`
	Prompt string `json:"prompt"`
	Answer string `json:"answer"`
}

type resultView struct {
	Graded         bool                  `json:"graded"`
	Answers        map[string]string     `json:"answers"`
	OverallScore   *float64              `json:"overall_score,omitempty"`
	Feedback       *string               `json:"feedback,omitempty"`
	QuestionScores []model.QuestionScore `json:"question_scores"`
}

type attemptResponse struct {
	ID         string             `json:"id"`
	StudentID  string             `json:"student_id"`
	TestID     string             `json:"test_id"`
	SessionID  string             `json:"session_id,omitempty"`
	State      session.State      `json:"state"`
	Accepted   *bool              `json:"accepted,omitempty"`
	Intro      string             `json:"intro,omitempty"`
	Question   *questionView      `json:"question,omitempty"`
	Navigation session.Navigation `json:"navigation"`
	Answered   int                `json:"answered"`
	Submitting bool               `json:"submitting"`
	Obscured   bool               `json:"obscured"`
	Trigger    session.Trigger    `json:"trigger,omitempty"`
	Result     *resultView        `json:"result,omitempty"`
	Notice     string             `json:"notice,omitempty"`
	Error      string             `json:"error,omitempty"`
}

func (h *Handler) attemptResponse(ctx context.Context, host *attemptHost, accepted *bool) attemptResponse {
	attempt := host.ctrl.Attempt()
	snap := host.ctrl.Snapshot()
	vs := host.view.state()

	resp := attemptResponse{
		ID:         attempt.ID,
		StudentID:  attempt.StudentID,
		TestID:     attempt.TestID,
		SessionID:  attempt.SessionID,
		State:      snap.State,
		Accepted:   accepted,
		Navigation: snap.Navigation,
		Answered:   snap.Answered(),
		Submitting: vs.submitting,
		Obscured:   vs.obscured,
		Trigger:    snap.Trigger,
	}
	if vs.notice != "" {
		resp.Notice = appI18n.T(ctx, vs.notice)
	}
	if vs.lastErr != nil {
		resp.Error = vs.lastErr.Error()
	}
	// Content stays hidden while the screen is being captured.
	if !vs.obscured {
		resp.Intro = snap.Intro
		if q, ok := snap.Current(); ok && (snap.State == session.InProgress || snap.State == session.ConfirmingFinish) {
			resp.Question = &questionView{ID: q.ID, Topic: q.Topic, Prompt: q.Prompt, Answer: q.AnswerText()}
		}
	}
	if snap.Result != nil {
		resp.Result = newResultView(*snap.Result, host.maxScore)
	}
	return resp
}

func newResultView(r model.TestResult, maxScore int) *resultView {
	v := &resultView{
		Graded:         r.Graded(),
		Answers:        r.Answers,
		OverallScore:   r.OverallScore,
		Feedback:       r.Feedback,
		QuestionScores: make([]model.QuestionScore, 0, len(r.QuestionScores)),
	}
	for _, qs := range r.QuestionScores {
		qs.Score = model.ClampScore(qs.Score, maxScore)
		v.QuestionScores = append(v.QuestionScores, qs)
	}
	return v
}
