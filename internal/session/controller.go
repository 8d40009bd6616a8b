// Package session implements the state machine for one student's attempt at
// a test: intro, question loading, navigation, answer capture, voluntary or
// forced finish, and submission for grading.
//
// A Controller accepts at most one submission per attempt. Finish requests
// that arrive once Submitting has been entered are rejected as no-ops, and
// answer edits after that point are dropped.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/pavelanni/testroom/internal/metrics"
	"github.com/pavelanni/testroom/internal/model"
)

// ErrInvalidState is returned by the loading operations when called out of order.
var ErrInvalidState = errors.New("operation not valid in current state")

// Attempt identifies whose attempt a Controller runs.
type Attempt struct {
	ID        string
	StudentID string
	TestID    string
	SessionID string
}

// Catalog provides the test content for an attempt.
type Catalog interface {
	FetchIntro(ctx context.Context, testID string) (string, error)
	FetchQuestionsForAttempt(ctx context.Context, testID string) ([]model.Question, error)
	FetchTestMetadata(ctx context.Context, testID string) (model.TestMetadata, error)
}

// Evaluator grades a submitted attempt. It must always return a result.
type Evaluator interface {
	Evaluate(ctx context.Context, meta model.TestMetadata, questions []model.Question, answers map[string]string) model.TestResult
}

// ResultWriter persists the finished attempt.
type ResultWriter interface {
	SaveStudentTestAnswer(ctx context.Context, rec model.StudentTestAnswer) error
}

// Presenter receives view updates. Calls are serialized by the Controller
// but may come from different goroutines.
type Presenter interface {
	IntroReady(text string)
	QuestionShown(q model.Question, nav Navigation)
	ConfirmFinish()
	Submitting(on bool)
	Completed(result model.TestResult)
	Error(err error)
}

// Navigation describes the cursor position for the view.
type Navigation struct {
	Index     int  `json:"index"`
	Total     int  `json:"total"`
	CanGoPrev bool `json:"can_go_prev"`
	CanGoNext bool `json:"can_go_next"`
}

// Trigger records why an attempt was submitted.
type Trigger string

const (
	TriggerVoluntary Trigger = "voluntary"
	TriggerForced    Trigger = "forced"
)

// Controller runs one attempt.
type Controller struct {
	attempt     Attempt
	catalog     Catalog
	evaluator   Evaluator
	writer      ResultWriter
	onCompleted func(model.TestResult)
	logger      *slog.Logger
	metrics     *metrics.Metrics
	now         func() time.Time

	mu        sync.Mutex
	state     State
	intro     string
	meta      model.TestMetadata
	questions []model.Question
	index     int
	trigger   Trigger
	result    *model.TestResult

	viewMu    sync.Mutex
	presenter Presenter

	forced atomic.Bool
	done   chan struct{}
}

// Option configures a Controller.
type Option func(*Controller)

// WithResultWriter persists the StudentTestAnswer once the attempt completes.
func WithResultWriter(w ResultWriter) Option {
	return func(c *Controller) { c.writer = w }
}

// WithOnCompleted registers a hook that runs once the result is written.
// Unlike the Presenter it survives Detach.
func WithOnCompleted(fn func(model.TestResult)) Option {
	return func(c *Controller) { c.onCompleted = fn }
}

// WithLogger sets the controller logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Controller) { c.logger = l }
}

// WithMetrics counts submissions.
func WithMetrics(m *metrics.Metrics) Option {
	return func(c *Controller) { c.metrics = m }
}

// WithClock overrides time.Now for completion timestamps.
func WithClock(now func() time.Time) Option {
	return func(c *Controller) { c.now = now }
}

// New creates a Controller in the NotStarted state.
func New(attempt Attempt, catalog Catalog, evaluator Evaluator, presenter Presenter, opts ...Option) *Controller {
	if attempt.ID == "" {
		attempt.ID = uuid.NewString()
	}
	if presenter == nil {
		presenter = nopPresenter{}
	}
	c := &Controller{
		attempt:   attempt,
		catalog:   catalog,
		evaluator: evaluator,
		presenter: presenter,
		logger:    slog.Default(),
		now:       time.Now,
		done:      make(chan struct{}),
	}
	for _, o := range opts {
		o(c)
	}
	c.logger = c.logger.With("attempt_id", attempt.ID, "student_id", attempt.StudentID, "test_id", attempt.TestID)
	return c
}

// Attempt returns the attempt identity.
func (c *Controller) Attempt() Attempt { return c.attempt }

// Done is closed once the attempt is Completed and its result has been
// written and handed to the WithOnCompleted hook.
func (c *Controller) Done() <-chan struct{} { return c.done }

// Detach drops the presenter. Later updates, including a grading result that
// arrives after the view is gone, are discarded.
func (c *Controller) Detach() {
	c.viewMu.Lock()
	c.presenter = nopPresenter{}
	c.viewMu.Unlock()
}

func (c *Controller) notify(fn func(Presenter)) {
	c.viewMu.Lock()
	defer c.viewMu.Unlock()
	fn(c.presenter)
}

// LoadIntro fetches the intro text. A failed fetch still moves the attempt to
// IntroReady, with no intro text, and the error is reported to the presenter.
func (c *Controller) LoadIntro(ctx context.Context) error {
	c.mu.Lock()
	if c.state != NotStarted {
		c.mu.Unlock()
		return fmt.Errorf("load intro in %s: %w", c.state, ErrInvalidState)
	}
	c.state = IntroLoading
	c.mu.Unlock()

	text, err := c.catalog.FetchIntro(ctx, c.attempt.TestID)

	c.mu.Lock()
	c.state = IntroReady
	if err == nil {
		c.intro = text
	}
	c.mu.Unlock()

	if err != nil {
		c.logger.Warn("intro load failed", "error", err)
		err = fmt.Errorf("fetch intro: %w", err)
		c.notify(func(p Presenter) { p.Error(err) })
		return err
	}
	c.notify(func(p Presenter) { p.IntroReady(text) })
	return nil
}

// StartTest loads the question sequence and enters InProgress. A failed or
// empty fetch yields an attempt with no questions rather than an error state.
func (c *Controller) StartTest(ctx context.Context) error {
	c.mu.Lock()
	if c.state != IntroReady {
		c.mu.Unlock()
		return fmt.Errorf("start test in %s: %w", c.state, ErrInvalidState)
	}
	c.state = QuestionsLoading
	c.mu.Unlock()

	meta, metaErr := c.catalog.FetchTestMetadata(ctx, c.attempt.TestID)
	if metaErr != nil {
		c.logger.Warn("test metadata load failed", "error", metaErr)
		meta = model.TestMetadata{ID: c.attempt.TestID}
	}
	questions, err := c.catalog.FetchQuestionsForAttempt(ctx, c.attempt.TestID)
	if err != nil {
		c.logger.Warn("question load failed", "error", err)
		questions = nil
	}

	loaded := make([]model.Question, len(questions))
	for i, q := range questions {
		loaded[i] = model.Question{ID: q.ID, Topic: q.Topic, Prompt: q.Prompt}
	}

	c.mu.Lock()
	c.meta = meta
	c.questions = loaded
	c.index = 0
	c.state = InProgress
	current, nav, _ := c.currentLocked()
	c.mu.Unlock()

	c.logger.Info("attempt started", "questions", len(loaded))
	// An empty attempt is shown with Total 0 and a zero question.
	c.notify(func(p Presenter) { p.QuestionShown(current, nav) })
	if err != nil {
		err = fmt.Errorf("fetch questions: %w", err)
		c.notify(func(p Presenter) { p.Error(err) })
		return err
	}
	return nil
}

// SetAnswer writes text into the current question. It is a no-op outside
// InProgress.
func (c *Controller) SetAnswer(text string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != InProgress || !c.validLocked(c.index) {
		return false
	}
	c.questions[c.index].Answer = &text
	return true
}

// Next moves to the following question. It is a no-op on the last question.
func (c *Controller) Next() bool {
	return c.move(func(i int) int { return i + 1 })
}

// Prev moves to the previous question. It is a no-op on the first question.
func (c *Controller) Prev() bool {
	return c.move(func(i int) int { return i - 1 })
}

// GoTo jumps to index. Out-of-range indices are ignored.
func (c *Controller) GoTo(index int) bool {
	return c.move(func(int) int { return index })
}

func (c *Controller) move(to func(int) int) bool {
	c.mu.Lock()
	if c.state != InProgress {
		c.mu.Unlock()
		return false
	}
	next := to(c.index)
	if !c.validLocked(next) || next == c.index {
		c.mu.Unlock()
		return false
	}
	c.index = next
	current, nav, _ := c.currentLocked()
	c.mu.Unlock()

	c.notify(func(p Presenter) { p.QuestionShown(current, nav) })
	return true
}

// Finish asks the student to confirm a voluntary finish.
func (c *Controller) Finish() bool {
	c.mu.Lock()
	if c.state != InProgress {
		c.mu.Unlock()
		return false
	}
	c.state = ConfirmingFinish
	c.mu.Unlock()

	c.notify(func(p Presenter) { p.ConfirmFinish() })
	return true
}

// ConfirmFinish resolves the confirmation. On no the attempt returns to
// InProgress unchanged; on yes it is submitted.
func (c *Controller) ConfirmFinish(ctx context.Context, yes bool) bool {
	c.mu.Lock()
	if c.state != ConfirmingFinish {
		c.mu.Unlock()
		return false
	}
	if !yes {
		c.state = InProgress
		current, nav, ok := c.currentLocked()
		c.mu.Unlock()
		if ok {
			c.notify(func(p Presenter) { p.QuestionShown(current, nav) })
		}
		return true
	}
	c.submitLocked(ctx, TriggerVoluntary)
	return true
}

// ForceFinish submits the attempt without confirmation. It only acts while
// the test is in progress or awaiting confirmation; a rejected call leaves no
// trace, and once a forced finish went through every later call is a no-op.
func (c *Controller) ForceFinish(ctx context.Context) bool {
	c.mu.Lock()
	if c.state != InProgress && c.state != ConfirmingFinish {
		c.mu.Unlock()
		return false
	}
	if !c.forced.CompareAndSwap(false, true) {
		c.mu.Unlock()
		return false
	}
	c.submitLocked(ctx, TriggerForced)
	return true
}

// submitLocked is called with c.mu held and releases it. It snapshots the
// answers and starts grading in the background.
func (c *Controller) submitLocked(ctx context.Context, trigger Trigger) {
	c.state = Submitting
	c.trigger = trigger
	meta := c.meta
	questions := make([]model.Question, len(c.questions))
	answers := make(map[string]string, len(c.questions))
	for i, q := range c.questions {
		text := q.AnswerText()
		answers[q.ID] = text
		questions[i] = model.Question{ID: q.ID, Topic: q.Topic, Prompt: q.Prompt, Answer: &text}
	}
	c.mu.Unlock()

	c.logger.Info("attempt submitted", "trigger", trigger, "questions", len(questions))
	c.metrics.Submission(string(trigger))
	c.notify(func(p Presenter) { p.Submitting(true) })

	// Grading outlives the request or view that triggered it.
	go c.evaluate(context.WithoutCancel(ctx), meta, questions, answers)
}

func (c *Controller) evaluate(ctx context.Context, meta model.TestMetadata, questions []model.Question, answers map[string]string) {
	result := c.safeEvaluate(ctx, meta, questions, answers)

	defer close(c.done)

	c.mu.Lock()
	c.state = Completed
	c.result = &result
	c.mu.Unlock()

	c.notify(func(p Presenter) {
		p.Submitting(false)
		p.Completed(result)
	})

	if c.writer != nil {
		rec := model.NewStudentTestAnswer(uuid.NewString(), c.attempt.SessionID, c.attempt.StudentID, c.attempt.TestID, result, c.now())
		if err := c.writer.SaveStudentTestAnswer(ctx, rec); err != nil {
			c.logger.Error("failed to save attempt result", "error", err)
		}
	}
	if c.onCompleted != nil {
		c.onCompleted(result)
	}
}

func (c *Controller) safeEvaluate(ctx context.Context, meta model.TestMetadata, questions []model.Question, answers map[string]string) (result model.TestResult) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("evaluator panicked, using fallback result", "panic", r)
			result = model.FallbackResult(answers)
		}
	}()
	return c.evaluator.Evaluate(ctx, meta, questions, answers)
}

func (c *Controller) validLocked(i int) bool {
	return i >= 0 && i < len(c.questions)
}

func (c *Controller) currentLocked() (model.Question, Navigation, bool) {
	nav := Navigation{Index: c.index, Total: len(c.questions)}
	if !c.validLocked(c.index) {
		return model.Question{}, nav, false
	}
	nav.CanGoPrev = c.index > 0
	nav.CanGoNext = c.index < len(c.questions)-1
	return copyQuestion(c.questions[c.index]), nav, true
}

func copyQuestion(q model.Question) model.Question {
	if q.Answer != nil {
		text := *q.Answer
		q.Answer = &text
	}
	return q
}

type nopPresenter struct{}

func (nopPresenter) IntroReady(string) {}
func (nopPresenter) QuestionShown(model.Question, Navigation) {}
func (nopPresenter) ConfirmFinish() {}
func (nopPresenter) Submitting(bool) {}
func (nopPresenter) Completed(model.TestResult) {}
func (nopPresenter) Error(error) {}
