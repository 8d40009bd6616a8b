package model

import (
	"time"
)

// DefaultMaxScore is the per-question maximum when a test does not set one.
const DefaultMaxScore = 10

// SessionStatus represents the status of a teacher-started test session.
type SessionStatus string

const (
	SessionActive    SessionStatus = "active"
	SessionFinished  SessionStatus = "finished"
	SessionCancelled SessionStatus = "cancelled"
)

// CanTransition reports whether a session may move from one status to another.
// Only active sessions move, and only to a terminal status.
func CanTransition(from, to SessionStatus) bool {
	return from == SessionActive && (to == SessionFinished || to == SessionCancelled)
}

// DisplayStatus is the per-student status shown on the monitoring view.
type DisplayStatus string

const (
	DisplayNotJoined  DisplayStatus = "not-joined"
	DisplayInProgress DisplayStatus = "in-progress"
	DisplayCompleted  DisplayStatus = "completed"
)

// Question represents one question of an attempt. Answer is nil until the
// student edits it.
type Question struct {
	ID     string  `json:"id" yaml:"id"`
	Topic  string  `json:"topic" yaml:"topic"`
	Prompt string  `json:"prompt" yaml:"prompt"`
	Answer *string `json:"answer,omitempty" yaml:"-"`
}

// AnswerText returns the current answer, or an empty string when unanswered.
func (q Question) AnswerText() string {
	if q.Answer == nil {
		return ""
	}
	return *q.Answer
}

// TestMetadata describes a test as seen by the grading request.
type TestMetadata struct {
	ID                  string        `json:"id"`
	Title               string        `json:"title"`
	Description         string        `json:"description"`
	Intro               string        `json:"intro"`
	MaxScorePerQuestion int           `json:"max_score_per_question"`
	Duration            time.Duration `json:"duration"`
}

// MaxScore returns the per-question maximum, falling back to DefaultMaxScore.
func (m TestMetadata) MaxScore() int {
	if m.MaxScorePerQuestion <= 0 {
		return DefaultMaxScore
	}
	return m.MaxScorePerQuestion
}

// QuestionScore holds the grading outcome for a single question.
type QuestionScore struct {
	QuestionID string  `json:"question_id"`
	Score      float64 `json:"score"`
	Feedback   string  `json:"feedback"`
}

// TestResult is what an attempt resolves to. Answers is always total over the
// attempt's questions; the optional fields are set together or not at all.
type TestResult struct {
	Answers        map[string]string `json:"answers"`
	OverallScore   *float64          `json:"overall_score,omitempty"`
	QuestionScores []QuestionScore   `json:"question_scores"`
	Feedback       *string           `json:"feedback,omitempty"`
}

// FallbackResult builds the result used when grading could not complete.
func FallbackResult(answers map[string]string) TestResult {
	cp := make(map[string]string, len(answers))
	for k, v := range answers {
		cp[k] = v
	}
	return TestResult{Answers: cp, QuestionScores: []QuestionScore{}}
}

// Graded reports whether the result carries scores from a successful grading.
func (r TestResult) Graded() bool {
	return r.OverallScore != nil && r.Feedback != nil
}

// ClampScore bounds a score reported by the scoring service to [0, max].
func ClampScore(score float64, max int) float64 {
	if score < 0 {
		return 0
	}
	if m := float64(max); score > m {
		return m
	}
	return score
}

// TestSession is a teacher-started run of a test for a roster of students.
type TestSession struct {
	ID        string        `json:"id"`
	TestID    string        `json:"test_id"`
	Title     string        `json:"title"`
	StartTime time.Time     `json:"start_time"`
	Duration  time.Duration `json:"duration"`
	Status    SessionStatus `json:"status"`
	Roster    []string      `json:"roster"`
}

// Remaining returns the time left in the session at now, never negative.
func (s TestSession) Remaining(now time.Time) time.Duration {
	left := s.Duration - now.Sub(s.StartTime)
	if left < 0 {
		return 0
	}
	return left
}

// StudentStatus is a per-student progress snapshot.
type StudentStatus struct {
	StudentID       string     `json:"student_id"`
	Joined          bool       `json:"joined"`
	StartTime       *time.Time `json:"start_time,omitempty"`
	Progress        float64    `json:"progress"`
	CurrentQuestion int        `json:"current_question"`
	TotalQuestions  int        `json:"total_questions"`
}

// Display derives the status shown to the teacher.
func (s StudentStatus) Display() DisplayStatus {
	switch {
	case !s.Joined:
		return DisplayNotJoined
	case s.Progress >= 1.0:
		return DisplayCompleted
	default:
		return DisplayInProgress
	}
}

// StudentTestAnswer is the persisted record of a finished attempt.
type StudentTestAnswer struct {
	ID             string            `json:"id"`
	SessionID      string            `json:"session_id"`
	StudentID      string            `json:"student_id"`
	TestID         string            `json:"test_id"`
	Answers        map[string]string `json:"answers"`
	OverallScore   float64           `json:"overall_score"`
	QuestionScores []QuestionScore   `json:"question_scores"`
	Feedback       string            `json:"feedback"`
	Graded         bool              `json:"graded"`
	CompletedAt    time.Time         `json:"completed_at"`
}

// NewStudentTestAnswer converts a result into a storable record, substituting
// zero values for the fields a fallback result leaves out.
func NewStudentTestAnswer(id, sessionID, studentID, testID string, r TestResult, completedAt time.Time) StudentTestAnswer {
	rec := StudentTestAnswer{
		ID:             id,
		SessionID:      sessionID,
		StudentID:      studentID,
		TestID:         testID,
		Answers:        r.Answers,
		QuestionScores: r.QuestionScores,
		Graded:         r.Graded(),
		CompletedAt:    completedAt,
	}
	if rec.Answers == nil {
		rec.Answers = map[string]string{}
	}
	if rec.QuestionScores == nil {
		rec.QuestionScores = []QuestionScore{}
	}
	if r.OverallScore != nil {
		rec.OverallScore = *r.OverallScore
	}
	if r.Feedback != nil {
		rec.Feedback = *r.Feedback
	}
	return rec
}

// TestImport is used for loading tests from JSON or YAML files.
type TestImport struct {
	ID                  string     `json:"id" yaml:"id"`
	Title               string     `json:"title" yaml:"title"`
	Description         string     `json:"description" yaml:"description"`
	Intro               string     `json:"intro" yaml:"intro"`
	MaxScorePerQuestion int        `json:"max_score_per_question" yaml:"max_score_per_question"`
	DurationMinutes     int        `json:"duration_minutes" yaml:"duration_minutes"`
	Questions           []Question `json:"questions" yaml:"questions"`
}
