package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/pavelanni/testroom/internal/model"
)

// SaveStudentTestAnswer stores a finished attempt. Saving the same record id
// twice keeps the first write.
func (s *Store) SaveStudentTestAnswer(ctx context.Context, rec model.StudentTestAnswer) error {
	answers, err := json.Marshal(rec.Answers)
	if err != nil {
		return fmt.Errorf("encode answers: %w", err)
	}
	scores := rec.QuestionScores
	if scores == nil {
		scores = []model.QuestionScore{}
	}
	scoresJSON, err := json.Marshal(scores)
	if err != nil {
		return fmt.Errorf("encode question scores: %w", err)
	}
	graded := 0
	if rec.Graded {
		graded = 1
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO student_test_answers
		 (id, session_id, student_id, test_id, answers_json, overall_score, question_scores_json, feedback, graded, completed_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		 ON CONFLICT (id) DO NOTHING`,
		rec.ID, rec.SessionID, rec.StudentID, rec.TestID, string(answers), rec.OverallScore,
		string(scoresJSON), rec.Feedback, graded, rec.CompletedAt.Unix(),
	)
	if err != nil {
		return fmt.Errorf("insert student test answer %s: %w", rec.ID, err)
	}
	return nil
}

// ListStudentTestAnswers returns all finished attempts, oldest first.
func (s *Store) ListStudentTestAnswers(ctx context.Context) ([]model.StudentTestAnswer, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, session_id, student_id, test_id, answers_json, overall_score, question_scores_json, feedback, graded, completed_at
		 FROM student_test_answers ORDER BY completed_at, id`,
	)
	if err != nil {
		return nil, fmt.Errorf("list student test answers: %w", err)
	}
	defer rows.Close()

	var recs []model.StudentTestAnswer
	for rows.Next() {
		var rec model.StudentTestAnswer
		var answersJSON, scoresJSON string
		var graded int
		var completedUnix int64
		if err := rows.Scan(&rec.ID, &rec.SessionID, &rec.StudentID, &rec.TestID, &answersJSON,
			&rec.OverallScore, &scoresJSON, &rec.Feedback, &graded, &completedUnix); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(answersJSON), &rec.Answers); err != nil {
			return nil, fmt.Errorf("decode answers of %s: %w", rec.ID, err)
		}
		if err := json.Unmarshal([]byte(scoresJSON), &rec.QuestionScores); err != nil {
			return nil, fmt.Errorf("decode question scores of %s: %w", rec.ID, err)
		}
		rec.Graded = graded != 0
		rec.CompletedAt = time.Unix(completedUnix, 0)
		recs = append(recs, rec)
	}
	return recs, rows.Err()
}

// ReportStatus records the latest progress of a student in a session.
func (s *Store) ReportStatus(ctx context.Context, sessionID string, st model.StudentStatus) error {
	var start sql.NullInt64
	if st.StartTime != nil {
		start = sql.NullInt64{Int64: st.StartTime.Unix(), Valid: true}
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO student_progress (session_id, student_id, start_time, progress, current_question, total_questions, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)
		 ON CONFLICT (session_id, student_id) DO UPDATE SET
		 start_time = COALESCE(student_progress.start_time, excluded.start_time),
		 progress = excluded.progress, current_question = excluded.current_question,
		 total_questions = excluded.total_questions, updated_at = excluded.updated_at`,
		sessionID, st.StudentID, start, st.Progress, st.CurrentQuestion, st.TotalQuestions, time.Now().Unix(),
	)
	if err != nil {
		return fmt.Errorf("report status of %s in %s: %w", st.StudentID, sessionID, err)
	}
	return nil
}

// FetchStudentStatuses returns the reported progress of every student that
// joined the session. Roster members that never reported are absent.
func (s *Store) FetchStudentStatuses(ctx context.Context, sessionID string) ([]model.StudentStatus, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT student_id, start_time, progress, current_question, total_questions
		 FROM student_progress WHERE session_id = $1 ORDER BY student_id`, sessionID,
	)
	if err != nil {
		return nil, fmt.Errorf("list statuses of %s: %w", sessionID, err)
	}
	defer rows.Close()

	var statuses []model.StudentStatus
	for rows.Next() {
		st := model.StudentStatus{Joined: true}
		var start sql.NullInt64
		if err := rows.Scan(&st.StudentID, &start, &st.Progress, &st.CurrentQuestion, &st.TotalQuestions); err != nil {
			return nil, err
		}
		if start.Valid {
			t := time.Unix(start.Int64, 0)
			st.StartTime = &t
		}
		statuses = append(statuses, st)
	}
	return statuses, rows.Err()
}
