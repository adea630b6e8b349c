package maintenance

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/af-corp/switchboard/internal/config"
	"github.com/af-corp/switchboard/internal/state"
	"github.com/af-corp/switchboard/internal/types"
)

type sweeper struct{ calls atomic.Int32 }

func (s *sweeper) SweepSessions() int { s.calls.Add(1); return 2 }

type refresher struct{ calls atomic.Int32 }

func (r *refresher) Refresh() { r.calls.Add(1) }

func TestScheduler_AddValidatesSchedule(t *testing.T) {
	tests := []struct {
		name      string
		schedule  string
		wantError bool
		wantEntry bool
	}{
		{name: "daily", schedule: "0 3 * * *", wantEntry: true},
		{name: "every", schedule: "@every 10m", wantEntry: true},
		{name: "empty schedule disables job", schedule: ""},
		{name: "invalid", schedule: "not a schedule", wantError: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := NewScheduler(nil)
			err := s.Add(context.Background(), Job{Name: "job", Schedule: tt.schedule, Run: func(context.Context) error { return nil }})
			if tt.wantError {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)

			s.Start(context.Background())
			defer s.Stop()
			_, ok := s.NextRun("job")
			assert.Equal(t, tt.wantEntry, ok)
		})
	}
}

func TestScheduler_DuplicateName(t *testing.T) {
	s := NewScheduler(nil)
	job := Job{Name: "job", Schedule: "@every 1m", Run: func(context.Context) error { return nil }}
	require.NoError(t, s.Add(context.Background(), job))
	assert.Error(t, s.Add(context.Background(), job))
}

func TestScheduler_StopsWithContext(t *testing.T) {
	s := NewScheduler(nil)
	ctx, cancel := context.WithCancel(context.Background())
	s.Start(ctx)
	assert.True(t, s.IsRunning())

	cancel()
	assert.Eventually(t, func() bool { return !s.IsRunning() }, time.Second, 10*time.Millisecond)
}

func TestScheduler_RunsEveryJob(t *testing.T) {
	s := NewScheduler(nil)
	var runs atomic.Int32
	require.NoError(t, s.Add(context.Background(), Job{Name: "tick", Schedule: "@every 1s", Run: func(context.Context) error {
		runs.Add(1)
		return nil
	}}))
	s.Start(context.Background())
	defer s.Stop()

	assert.Eventually(t, func() bool { return runs.Load() > 0 }, 3*time.Second, 50*time.Millisecond)
}

func TestRegister_PruneAttempts(t *testing.T) {
	store := state.NewMemoryStore()
	now := time.Date(2026, 3, 10, 3, 0, 0, 0, time.UTC)
	ctx := context.Background()
	require.NoError(t, store.AppendAttempt(ctx, types.Attempt{RequestID: "old", CreatedAt: now.Add(-8 * 24 * time.Hour)}))
	require.NoError(t, store.AppendAttempt(ctx, types.Attempt{RequestID: "new", CreatedAt: now.Add(-time.Hour)}))

	s := NewScheduler(nil)
	cfg := config.MaintenanceConfig{AttemptRetentionDays: 7, PruneSchedule: "0 3 * * *"}
	require.NoError(t, Register(ctx, s, cfg, Deps{Attempts: store, Now: func() time.Time { return now }}))

	require.NoError(t, s.RunNow(ctx, JobPruneAttempts))
	rows := store.Attempts()
	require.Len(t, rows, 1)
	assert.Equal(t, "new", rows[0].RequestID)
}

func TestRegister_SweepAndRefresh(t *testing.T) {
	sw := &sweeper{}
	rf := &refresher{}
	s := NewScheduler(nil)
	cfg := config.DefaultConfig().Maintenance
	require.NoError(t, Register(context.Background(), s, cfg, Deps{Sessions: sw, Health: rf}))

	require.NoError(t, s.RunNow(context.Background(), JobSweepSessions))
	require.NoError(t, s.RunNow(context.Background(), JobHealthRefresh))
	assert.Equal(t, int32(1), sw.calls.Load())
	assert.Equal(t, int32(1), rf.calls.Load())

	err := s.RunNow(context.Background(), JobPruneAttempts)
	assert.Error(t, err, "prune job is not registered without a pruner")
}

func TestScheduler_RunNowReturnsJobError(t *testing.T) {
	s := NewScheduler(nil)
	boom := errors.New("boom")
	require.NoError(t, s.Add(context.Background(), Job{Name: "bad", Schedule: "", Run: func(context.Context) error { return boom }}))
	assert.ErrorIs(t, s.RunNow(context.Background(), "bad"), boom)
}
