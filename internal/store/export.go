package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/pavelanni/testroom/internal/model"
)

// ExportAll builds export-ready student results from all finished attempts.
func (s *Store) ExportAll(ctx context.Context) ([]model.StudentResult, error) {
	recs, err := s.ListStudentTestAnswers(ctx)
	if err != nil {
		return nil, err
	}

	type testInfo struct {
		meta      model.TestMetadata
		questions []model.Question
	}
	tests := make(map[string]*testInfo)

	results := make([]model.StudentResult, 0, len(recs))
	for _, rec := range recs {
		info, ok := tests[rec.TestID]
		if !ok {
			info = &testInfo{}
			meta, err := s.FetchTestMetadata(ctx, rec.TestID)
			switch {
			case errors.Is(err, ErrNotFound):
				// The test was removed after the attempt; export what the record holds.
				meta = model.TestMetadata{ID: rec.TestID}
			case err != nil:
				return nil, fmt.Errorf("get test %s: %w", rec.TestID, err)
			}
			info.meta = meta
			if info.questions, err = s.FetchQuestionsForAttempt(ctx, rec.TestID); err != nil {
				return nil, err
			}
			tests[rec.TestID] = info
		}

		scores := make(map[string]model.QuestionScore, len(rec.QuestionScores))
		for _, qs := range rec.QuestionScores {
			scores[qs.QuestionID] = qs
		}

		var questions []model.QuestionResult
		for _, q := range info.questions {
			qr := model.QuestionResult{
				QuestionID: q.ID,
				Topic:      q.Topic,
				Prompt:     q.Prompt,
				Answer:     rec.Answers[q.ID],
				MaxScore:   info.meta.MaxScore(),
			}
			if sc, ok := scores[q.ID]; ok {
				qr.Score = model.ClampScore(sc.Score, qr.MaxScore)
				qr.Feedback = sc.Feedback
			}
			questions = append(questions, qr)
		}

		results = append(results, model.StudentResult{
			StudentID:    rec.StudentID,
			SessionID:    rec.SessionID,
			TestID:       rec.TestID,
			TestTitle:    info.meta.Title,
			Graded:       rec.Graded,
			OverallScore: rec.OverallScore,
			Feedback:     rec.Feedback,
			CompletedAt:  rec.CompletedAt,
			Questions:    questions,
		})
	}
	return results, nil
}
