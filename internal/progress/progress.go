// Package progress records live per-student progress for the monitoring view.
package progress

import (
	"context"
	"time"

	"github.com/pavelanni/testroom/internal/model"
	"github.com/pavelanni/testroom/internal/session"
)

// Tracker stores the latest StudentStatus of each student in a session.
// The SQL store and RedisTracker both implement it.
type Tracker interface {
	ReportStatus(ctx context.Context, sessionID string, st model.StudentStatus) error
	FetchStudentStatuses(ctx context.Context, sessionID string) ([]model.StudentStatus, error)
}

// FromSnapshot derives the reported status of an attempt. Progress is the
// share of answered questions, and 1.0 once the attempt is completed.
func FromSnapshot(studentID string, snap session.Snapshot, started time.Time) model.StudentStatus {
	st := model.StudentStatus{
		StudentID:      studentID,
		Joined:         true,
		TotalQuestions: snap.Navigation.Total,
	}
	if !started.IsZero() {
		st.StartTime = &started
	}
	if snap.Navigation.Total > 0 {
		st.CurrentQuestion = snap.Navigation.Index + 1
		st.Progress = float64(snap.Answered()) / float64(snap.Navigation.Total)
	}
	if snap.State == session.Completed {
		st.Progress = 1.0
	}
	return st
}
