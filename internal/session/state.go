package session

import "github.com/pavelanni/testroom/internal/model"

// State is a step of the attempt lifecycle.
type State int

const (
	NotStarted State = iota
	IntroLoading
	IntroReady
	QuestionsLoading
	InProgress
	ConfirmingFinish
	Submitting
	Completed
)

var stateNames = [...]string{
	NotStarted:       "not_started",
	IntroLoading:     "intro_loading",
	IntroReady:       "intro_ready",
	QuestionsLoading: "questions_loading",
	InProgress:       "in_progress",
	ConfirmingFinish: "confirming_finish",
	Submitting:       "submitting",
	Completed:        "completed",
}

func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return "unknown"
	}
	return stateNames[s]
}

// MarshalText encodes the state by name.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Snapshot is a consistent copy of the controller state.
type Snapshot struct {
	State      State
	Intro      string
	Questions  []model.Question
	Navigation Navigation
	Trigger    Trigger
	Result     *model.TestResult
}

// Current returns the question under the cursor, if any.
func (s Snapshot) Current() (model.Question, bool) {
	i := s.Navigation.Index
	if i < 0 || i >= len(s.Questions) {
		return model.Question{}, false
	}
	return s.Questions[i], true
}

// Answered counts questions with a non-empty answer.
func (s Snapshot) Answered() int {
	n := 0
	for _, q := range s.Questions {
		if q.AnswerText() != "" {
			n++
		}
	}
	return n
}

// Snapshot returns a copy of the current state.
func (c *Controller) Snapshot() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()

	qs := make([]model.Question, len(c.questions))
	for i, q := range c.questions {
		qs[i] = copyQuestion(q)
	}
	_, nav, _ := c.currentLocked()
	snap := Snapshot{
		State:      c.state,
		Intro:      c.intro,
		Questions:  qs,
		Navigation: nav,
		Trigger:    c.trigger,
	}
	if c.result != nil {
		r := *c.result
		snap.Result = &r
	}
	return snap
}

// State returns the current lifecycle state.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Result returns the attempt result once Completed.
func (c *Controller) Result() (model.TestResult, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.result == nil {
		return model.TestResult{}, false
	}
	return *c.result, true
}
