package progress

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/pavelanni/testroom/internal/model"
	"github.com/pavelanni/testroom/internal/session"
)

func answered(text string) *string { return &text }

func TestFromSnapshot(t *testing.T) {
	started := time.Unix(1767000000, 0)
	questions := []model.Question{
		{ID: "1", Answer: answered("a")},
		{ID: "2", Answer: answered("")},
		{ID: "3"},
		{ID: "4", Answer: answered("d")},
	}

	tests := []struct {
		name         string
		snap         session.Snapshot
		wantProgress float64
		wantCurrent  int
		wantTotal    int
	}{
		{
			name: "in progress",
			snap: session.Snapshot{
				State:      session.InProgress,
				Questions:  questions,
				Navigation: session.Navigation{Index: 2, Total: 4},
			},
			wantProgress: 0.5,
			wantCurrent:  3,
			wantTotal:    4,
		},
		{
			name: "completed counts as done",
			snap: session.Snapshot{
				State:      session.Completed,
				Questions:  questions,
				Navigation: session.Navigation{Index: 0, Total: 4},
			},
			wantProgress: 1.0,
			wantCurrent:  1,
			wantTotal:    4,
		},
		{
			name:         "empty attempt",
			snap:         session.Snapshot{State: session.InProgress},
			wantProgress: 0,
			wantCurrent:  0,
			wantTotal:    0,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			st := FromSnapshot("s1", tt.snap, started)
			assert.Equal(t, "s1", st.StudentID)
			assert.True(t, st.Joined)
			assert.InDelta(t, tt.wantProgress, st.Progress, 1e-9)
			assert.Equal(t, tt.wantCurrent, st.CurrentQuestion)
			assert.Equal(t, tt.wantTotal, st.TotalQuestions)
			if assert.NotNil(t, st.StartTime) {
				assert.True(t, started.Equal(*st.StartTime))
			}
		})
	}
}

func TestFromSnapshotWithoutStart(t *testing.T) {
	st := FromSnapshot("s1", session.Snapshot{}, time.Time{})
	assert.Nil(t, st.StartTime)
}
