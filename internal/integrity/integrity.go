// Package integrity turns OS-level screenshot and screen-capture signals for
// one exam view into violation notifications.
//
// A screenshot is a point event and always counts as a new violation. Screen
// capture is a level: only its off→on edge is a violation, and the view stays
// obscured for as long as the level is on.
package integrity

import (
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pavelanni/testroom/internal/metrics"
)

// Kind identifies the signal type.
type Kind string

const (
	Screenshot Kind = "screenshot"
	Capture    Kind = "capture"
)

// Signal is a single observation from the signal source. Active is only
// meaningful for Capture.
type Signal struct {
	Kind   Kind
	Active bool
	At     time.Time
}

// Source delivers signals to subscribers until the returned function is called.
type Source interface {
	Subscribe(fn func(Signal)) (unsubscribe func())
}

// Obstructor hides the exam content while capture is active.
type Obstructor interface {
	SetObscured(on bool)
}

// Feed is an in-process Source. Publishers are whatever observes the OS;
// in the server that is the client reporting over HTTP.
type Feed struct {
	mu   sync.Mutex
	next int
	subs map[int]func(Signal)
}

// NewFeed creates an empty Feed.
func NewFeed() *Feed {
	return &Feed{subs: make(map[int]func(Signal))}
}

// Subscribe registers fn for every published signal.
func (f *Feed) Subscribe(fn func(Signal)) func() {
	f.mu.Lock()
	id := f.next
	f.next++
	f.subs[id] = fn
	f.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			f.mu.Lock()
			delete(f.subs, id)
			f.mu.Unlock()
		})
	}
}

// Publish delivers s to the current subscribers.
func (f *Feed) Publish(s Signal) {
	if s.At.IsZero() {
		s.At = time.Now()
	}
	f.mu.Lock()
	subs := make([]func(Signal), 0, len(f.subs))
	for _, fn := range f.subs {
		subs = append(subs, fn)
	}
	f.mu.Unlock()

	for _, fn := range subs {
		fn(s)
	}
}

// ScreenshotTaken publishes a screenshot point event.
func (f *Feed) ScreenshotTaken() {
	f.Publish(Signal{Kind: Screenshot})
}

// CaptureChanged publishes the current screen-capture level.
func (f *Feed) CaptureChanged(active bool) {
	f.Publish(Signal{Kind: Capture, Active: active})
}

// Monitor observes a Source on behalf of one exam view.
type Monitor struct {
	mu        sync.Mutex
	capturing bool

	onViolation func(Signal)
	obstructor  Obstructor
	logger      *slog.Logger
	metrics     *metrics.Metrics

	stopped     atomic.Bool
	unsubscribe func()
}

// Option configures a Monitor.
type Option func(*Monitor)

// WithObstructor sets the view that gets obscured during capture.
func WithObstructor(o Obstructor) Option {
	return func(m *Monitor) { m.obstructor = o }
}

// WithLogger sets the monitor logger.
func WithLogger(l *slog.Logger) Option {
	return func(m *Monitor) { m.logger = l }
}

// WithMetrics counts raised violations.
func WithMetrics(mt *metrics.Metrics) Option {
	return func(m *Monitor) { m.metrics = mt }
}

// NewMonitor creates a Monitor that calls onViolation once per triggering
// event. Callbacks run synchronously on the publishing goroutine, in signal
// order, and must not call back into the Monitor.
func NewMonitor(onViolation func(Signal), opts ...Option) *Monitor {
	m := &Monitor{
		onViolation: onViolation,
		logger:      slog.Default(),
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

// Watch subscribes the monitor to src.
func (m *Monitor) Watch(src Source) {
	m.unsubscribe = src.Subscribe(m.Handle)
}

// Stop unsubscribes from the source. Signals arriving afterwards are ignored.
func (m *Monitor) Stop() {
	if m.stopped.Swap(true) {
		return
	}
	if m.unsubscribe != nil {
		m.unsubscribe()
	}
}

// Capturing reports whether the capture level is currently on.
func (m *Monitor) Capturing() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.capturing
}

// Handle processes one signal.
func (m *Monitor) Handle(s Signal) {
	if m.stopped.Load() {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	switch s.Kind {
	case Screenshot:
		m.raise(s)
	case Capture:
		if s.Active == m.capturing {
			return
		}
		m.capturing = s.Active
		if m.obstructor != nil {
			m.obstructor.SetObscured(s.Active)
		}
		if s.Active {
			m.raise(s)
		}
	default:
		m.logger.Warn("unknown integrity signal", "kind", s.Kind)
	}
}

func (m *Monitor) raise(s Signal) {
	m.logger.Info("integrity violation", "kind", s.Kind, "at", s.At)
	m.metrics.Violation()
	if m.onViolation != nil {
		m.onViolation(s)
	}
}
