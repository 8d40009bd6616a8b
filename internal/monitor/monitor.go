// Package monitor runs the teacher-side polling loop for one test session.
//
// Every tick recomputes the time remaining, fetches a full status snapshot
// for the roster and hands the aggregated view to an Observer. A failed fetch
// or close is reported and the loop keeps running; the next tick is the retry.
package monitor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/pavelanni/testroom/internal/metrics"
	"github.com/pavelanni/testroom/internal/model"
)

// DefaultInterval is the polling period when none is configured.
const DefaultInterval = 5 * time.Second

// ErrNotActive is returned by CloseTest when the session already left the
// active status.
var ErrNotActive = errors.New("session is not active")

// StatusSource is the backend the loop polls.
type StatusSource interface {
	FetchStudentStatuses(ctx context.Context, sessionID string) ([]model.StudentStatus, error)
	CloseSession(ctx context.Context, sessionID string) error
}

// Observer receives the monitoring view. Calls are serialized, never happen
// after Stop returns, and must not call back into the Loop.
type Observer interface {
	// Countdown is called at the start of every tick, before the status
	// fetch, so the remaining time keeps moving while the backend fails.
	Countdown(remaining time.Duration)
	Render(snap Snapshot)
	Error(err error)
	Closed(session model.TestSession)
}

// Row is one student line of the monitoring view.
type Row struct {
	StudentID       string              `json:"student_id"`
	Status          model.DisplayStatus `json:"status"`
	Progress        float64             `json:"progress"`
	CurrentQuestion int                 `json:"current_question"`
	TotalQuestions  int                 `json:"total_questions"`
	StartTime       *time.Time          `json:"start_time,omitempty"`
}

// Snapshot is the aggregated result of one tick.
type Snapshot struct {
	SessionID       string              `json:"session_id"`
	Title           string              `json:"title"`
	Status          model.SessionStatus `json:"status"`
	Remaining       time.Duration       `json:"remaining"`
	Students        int                 `json:"students"`
	Joined          int                 `json:"joined"`
	Completed       int                 `json:"completed"`
	AverageProgress float64             `json:"average_progress"`
	Rows            []Row               `json:"rows"`
	At              time.Time           `json:"at"`
}

// Aggregate builds the monitoring view of session from statuses at now.
// Rows follow the roster order; roster members without a status are shown as
// not joined, and statuses for students outside the roster are appended.
// The average progress is taken over joined students only.
func Aggregate(session model.TestSession, statuses []model.StudentStatus, now time.Time) Snapshot {
	byID := make(map[string]model.StudentStatus, len(statuses))
	for _, st := range statuses {
		byID[st.StudentID] = st
	}

	ordered := make([]model.StudentStatus, 0, len(session.Roster)+len(statuses))
	seen := make(map[string]bool, len(session.Roster))
	for _, id := range session.Roster {
		if seen[id] {
			continue
		}
		seen[id] = true
		st, ok := byID[id]
		if !ok {
			st = model.StudentStatus{StudentID: id}
		}
		ordered = append(ordered, st)
	}
	for _, st := range statuses {
		if !seen[st.StudentID] {
			seen[st.StudentID] = true
			ordered = append(ordered, st)
		}
	}

	snap := Snapshot{
		SessionID: session.ID,
		Title:     session.Title,
		Status:    session.Status,
		Remaining: session.Remaining(now),
		Students:  len(ordered),
		Rows:      make([]Row, 0, len(ordered)),
		At:        now,
	}
	var sum float64
	for _, st := range ordered {
		row := Row{
			StudentID:       st.StudentID,
			Status:          st.Display(),
			Progress:        st.Progress,
			CurrentQuestion: st.CurrentQuestion,
			TotalQuestions:  st.TotalQuestions,
			StartTime:       st.StartTime,
		}
		snap.Rows = append(snap.Rows, row)
		if !st.Joined {
			continue
		}
		snap.Joined++
		sum += st.Progress
		if row.Status == model.DisplayCompleted {
			snap.Completed++
		}
	}
	if snap.Joined > 0 {
		snap.AverageProgress = sum / float64(snap.Joined)
	}
	return snap
}

// Loop polls a StatusSource on a fixed interval.
type Loop struct {
	source   StatusSource
	observer Observer
	interval time.Duration
	now      func() time.Time
	logger   *slog.Logger
	metrics  *metrics.Metrics

	mu      sync.Mutex
	session model.TestSession
	last    *Snapshot
	started bool
	stopped bool
	cancel  context.CancelFunc
	done    chan struct{}
}

// Option configures a Loop.
type Option func(*Loop)

// WithInterval sets the polling period.
func WithInterval(d time.Duration) Option {
	return func(l *Loop) {
		if d > 0 {
			l.interval = d
		}
	}
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(l *Loop) { l.now = now }
}

// WithLogger sets the loop logger.
func WithLogger(lg *slog.Logger) Option {
	return func(l *Loop) { l.logger = lg }
}

// WithMetrics counts ticks and running loops.
func WithMetrics(m *metrics.Metrics) Option {
	return func(l *Loop) { l.metrics = m }
}

// New creates a stopped Loop for session.
func New(session model.TestSession, source StatusSource, observer Observer, opts ...Option) *Loop {
	l := &Loop{
		source:   source,
		observer: observer,
		interval: DefaultInterval,
		now:      time.Now,
		logger:   slog.Default(),
		session:  session,
		done:     make(chan struct{}),
	}
	for _, o := range opts {
		o(l)
	}
	l.logger = l.logger.With("session_id", session.ID)
	return l
}

// Session returns the session as last known to the loop.
func (l *Loop) Session() model.TestSession {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.session
}

// Last returns the most recent successful snapshot.
func (l *Loop) Last() (Snapshot, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.last == nil {
		return Snapshot{}, false
	}
	return *l.last, true
}

// Done is closed once the loop goroutine has exited.
func (l *Loop) Done() <-chan struct{} { return l.done }

// Start runs the first tick immediately and then one per interval until Stop
// or a successful CloseTest. It returns false if the loop was already started
// or stopped.
func (l *Loop) Start(ctx context.Context) bool {
	l.mu.Lock()
	if l.started || l.stopped {
		l.mu.Unlock()
		return false
	}
	l.started = true
	ctx, l.cancel = context.WithCancel(ctx)
	l.mu.Unlock()

	l.metrics.MonitorStarted()
	l.logger.Info("monitoring started", "interval", l.interval)
	go l.run(ctx)
	return true
}

func (l *Loop) run(ctx context.Context) {
	defer close(l.done)
	defer l.metrics.MonitorStopped()

	l.Tick(ctx)

	ticker := time.NewTicker(l.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			l.Tick(ctx)
		}
	}
}

// Stop ends the loop. It is safe to call more than once and from any
// goroutine other than an Observer callback.
func (l *Loop) Stop() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.stopLocked()
}

func (l *Loop) stopLocked() {
	if l.stopped {
		return
	}
	l.stopped = true
	if l.cancel != nil {
		l.cancel()
	} else {
		close(l.done)
	}
	l.logger.Info("monitoring stopped")
}

// Tick performs one poll and renders the result.
func (l *Loop) Tick(ctx context.Context) (Snapshot, error) {
	l.mu.Lock()
	session := l.session
	remaining := session.Remaining(l.now())
	if l.stopped {
		l.mu.Unlock()
		return Snapshot{}, context.Canceled
	}
	if l.last != nil {
		l.last.Remaining = remaining
	}
	l.observer.Countdown(remaining)
	l.mu.Unlock()

	statuses, err := l.source.FetchStudentStatuses(ctx, session.ID)
	l.metrics.MonitorTick(err == nil)

	l.mu.Lock()
	defer l.mu.Unlock()
	if l.stopped {
		return Snapshot{}, context.Canceled
	}
	if err != nil {
		if ctx.Err() != nil {
			return Snapshot{}, ctx.Err()
		}
		l.logger.Warn("status fetch failed", "error", err)
		err = fmt.Errorf("fetch student statuses: %w", err)
		l.observer.Error(err)
		return Snapshot{}, err
	}

	snap := Aggregate(l.session, statuses, l.now())
	l.last = &snap
	l.observer.Render(snap)
	return snap, nil
}

// CloseTest finishes the session. On success the loop stops and the
// Observer is told; on failure the session stays active and polling
// continues.
func (l *Loop) CloseTest(ctx context.Context) error {
	l.mu.Lock()
	id, status := l.session.ID, l.session.Status
	l.mu.Unlock()
	if !model.CanTransition(status, model.SessionFinished) {
		return fmt.Errorf("close session %s in %s: %w", id, status, ErrNotActive)
	}

	if err := l.source.CloseSession(ctx, id); err != nil {
		l.logger.Warn("session close failed", "error", err)
		err = fmt.Errorf("close session: %w", err)
		l.mu.Lock()
		if !l.stopped {
			l.observer.Error(err)
		}
		l.mu.Unlock()
		return err
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	l.session.Status = model.SessionFinished
	if l.last != nil {
		l.last.Status = model.SessionFinished
	}
	if !l.stopped {
		l.observer.Closed(l.session)
	}
	l.stopLocked()
	return nil
}
