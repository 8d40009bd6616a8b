package model

import (
	"testing"
	"time"
)

func TestCanTransition(t *testing.T) {
	tests := []struct {
		from, to SessionStatus
		want     bool
	}{
		{SessionActive, SessionFinished, true},
		{SessionActive, SessionCancelled, true},
		{SessionActive, SessionActive, false},
		{SessionFinished, SessionActive, false},
		{SessionFinished, SessionCancelled, false},
		{SessionCancelled, SessionFinished, false},
	}
	for _, tt := range tests {
		t.Run(string(tt.from)+"->"+string(tt.to), func(t *testing.T) {
			if got := CanTransition(tt.from, tt.to); got != tt.want {
				t.Errorf("CanTransition(%s, %s) = %v, want %v", tt.from, tt.to, got, tt.want)
			}
		})
	}
}

func TestStudentStatusDisplay(t *testing.T) {
	tests := []struct {
		name   string
		status StudentStatus
		want   DisplayStatus
	}{
		{"not joined", StudentStatus{}, DisplayNotJoined},
		{"not joined ignores progress", StudentStatus{Progress: 1}, DisplayNotJoined},
		{"started", StudentStatus{Joined: true, Progress: 0.5}, DisplayInProgress},
		{"done", StudentStatus{Joined: true, Progress: 1.0}, DisplayCompleted},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.status.Display(); got != tt.want {
				t.Errorf("Display() = %s, want %s", got, tt.want)
			}
		})
	}
}

func TestRemaining(t *testing.T) {
	start := time.Date(2026, 1, 1, 10, 0, 0, 0, time.UTC)
	s := TestSession{StartTime: start, Duration: 30 * time.Minute}

	if got := s.Remaining(start.Add(10 * time.Minute)); got != 20*time.Minute {
		t.Errorf("Remaining after 10m = %v, want 20m", got)
	}
	if got := s.Remaining(start.Add(time.Hour)); got != 0 {
		t.Errorf("Remaining after 1h = %v, want 0", got)
	}
}

func TestNewStudentTestAnswerFallback(t *testing.T) {
	r := FallbackResult(map[string]string{"1": "a", "2": ""})
	rec := NewStudentTestAnswer("r1", "s1", "st1", "t1", r, time.Now())

	if rec.Graded {
		t.Error("fallback record should not be graded")
	}
	if rec.OverallScore != 0 || rec.Feedback != "" {
		t.Errorf("expected zero defaults, got score=%v feedback=%q", rec.OverallScore, rec.Feedback)
	}
	if rec.QuestionScores == nil || len(rec.QuestionScores) != 0 {
		t.Errorf("expected empty non-nil question scores, got %#v", rec.QuestionScores)
	}
	if len(rec.Answers) != 2 {
		t.Errorf("expected 2 answers, got %d", len(rec.Answers))
	}
}

func TestClampScore(t *testing.T) {
	if got := ClampScore(-1, 10); got != 0 {
		t.Errorf("ClampScore(-1) = %v", got)
	}
	if got := ClampScore(12, 10); got != 10 {
		t.Errorf("ClampScore(12) = %v", got)
	}
	if got := ClampScore(7.5, 10); got != 7.5 {
		t.Errorf("ClampScore(7.5) = %v", got)
	}
}
