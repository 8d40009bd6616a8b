package model

import "time"

// ExamExport is the top-level JSON structure for result export.
type ExamExport struct {
	ExportedAt time.Time       `json:"exported_at"`
	NumResults int             `json:"num_results"`
	Results    []StudentResult `json:"results"`
}

// StudentResult holds one student's finished attempt for export.
type StudentResult struct {
	StudentID    string           `json:"student_id"`
	SessionID    string           `json:"session_id"`
	TestID       string           `json:"test_id"`
	TestTitle    string           `json:"test_title"`
	Graded       bool             `json:"graded"`
	OverallScore float64          `json:"overall_score"`
	Feedback     string           `json:"feedback"`
	CompletedAt  time.Time        `json:"completed_at"`
	Questions    []QuestionResult `json:"questions"`
}

// QuestionResult holds per-question data for export.
type QuestionResult struct {
	QuestionID string  `json:"question_id"`
	Topic      string  `json:"topic"`
	Prompt     string  `json:"prompt"`
	Answer     string  `json:"answer"`
	MaxScore   int     `json:"max_score"`
	Score      float64 `json:"score"`
	Feedback   string  `json:"feedback"`
}
