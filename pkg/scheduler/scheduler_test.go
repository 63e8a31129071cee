package scheduler_test

import (
	"context"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openmemory/openmemory-go/pkg/scheduler"
	sqliteStore "github.com/openmemory/openmemory-go/pkg/storage/sqlite"
)

func setupScheduler(t *testing.T) *scheduler.Scheduler {
	t.Helper()
	client, err := sqliteStore.NewClient(&sqliteStore.Config{
		Path: filepath.Join(t.TempDir(), "scheduler_test.db"),
	})
	require.NoError(t, err)
	require.NoError(t, client.Migrate(context.Background()))
	t.Cleanup(func() { _ = client.Close() })
	return scheduler.New(client)
}

func TestScheduler_RunsRegisteredJobs(t *testing.T) {
	s := setupScheduler(t)

	var runs atomic.Int64
	s.Register("tick-counter", 20*time.Millisecond, func(ctx context.Context) error {
		runs.Add(1)
		return nil
	})
	s.Start()
	defer s.Stop()

	require.Eventually(t, func() bool {
		return runs.Load() >= 2
	}, 2*time.Second, 10*time.Millisecond)
}

func TestScheduler_SkipsOverlappingTicks(t *testing.T) {
	s := setupScheduler(t)

	var started atomic.Int64
	release := make(chan struct{})
	s.Register("slow-job", 20*time.Millisecond, func(ctx context.Context) error {
		started.Add(1)
		<-release
		return nil
	})
	s.Start()
	defer s.Stop()

	require.Eventually(t, func() bool {
		return started.Load() == 1
	}, 2*time.Second, 10*time.Millisecond)

	// Several intervals pass while the first run is still in flight; the
	// ticks must be skipped, not queued.
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, int64(1), started.Load())
	assert.Contains(t, s.Running(), "slow-job")

	close(release)
	require.Eventually(t, func() bool {
		return len(s.Running()) == 0
	}, 2*time.Second, 10*time.Millisecond)
}

func TestScheduler_StopDrainsInFlightJob(t *testing.T) {
	s := setupScheduler(t)

	var finished atomic.Bool
	s.Register("draining-job", 30*time.Millisecond, func(ctx context.Context) error {
		time.Sleep(100 * time.Millisecond)
		finished.Store(true)
		return nil
	})
	s.Start()

	require.Eventually(t, func() bool {
		return len(s.Running()) == 1
	}, 2*time.Second, 5*time.Millisecond)

	// Stop must wait for the run in flight rather than abandon it.
	s.Stop()
	assert.True(t, finished.Load())
	assert.Empty(t, s.Running())
}

func TestScheduler_RegisterAfterStartIgnored(t *testing.T) {
	s := setupScheduler(t)
	s.Start()
	defer s.Stop()

	var runs atomic.Int64
	s.Register("late-job", 10*time.Millisecond, func(ctx context.Context) error {
		runs.Add(1)
		return nil
	})
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, int64(0), runs.Load())
}
