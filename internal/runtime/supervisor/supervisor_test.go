package supervisor

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGoRecoversPanics(t *testing.T) {
	t.Parallel()

	s := New(context.Background())
	s.Go("boom", func(context.Context) error { panic("bad") })
	s.Go("clean", func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	err := s.Stop(ctx)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "boom")

	snap := s.Snapshot()
	assert.Equal(t, uint64(2), snap.Counters.Started)
	assert.Zero(t, snap.Counters.Active)
	for _, g := range snap.Goroutines {
		if g.Name == "boom" {
			assert.Equal(t, uint64(1), g.Panics)
		}
		if g.Name == "clean" {
			assert.Empty(t, g.LastErr)
		}
	}
}

func TestGoRestartRetriesUntilNil(t *testing.T) {
	t.Parallel()

	s := New(context.Background())
	var calls atomic.Int32
	s.GoRestart("flaky", func(context.Context) error {
		if calls.Add(1) < 3 {
			return errors.New("not yet")
		}
		return nil
	}, WithRestartBackoff(time.Millisecond, 2*time.Millisecond))

	require.Eventually(t, func() bool { return s.Counters().Active == 0 }, 2*time.Second, time.Millisecond)
	assert.Equal(t, int32(3), calls.Load())
	require.NoError(t, s.Stop(context.Background()))

	var restarts uint64
	for _, g := range s.Snapshot().Goroutines {
		if g.Name == "flaky" {
			restarts = g.Restarts
		}
	}
	assert.Equal(t, uint64(2), restarts)
}

func TestGoRestartGivesUp(t *testing.T) {
	t.Parallel()

	s := New(context.Background())
	var calls atomic.Int32
	s.GoRestart("broken", func(context.Context) error {
		calls.Add(1)
		return errors.New("always")
	}, WithRestartBackoff(time.Millisecond, time.Millisecond), WithMaxRestarts(2))

	err := s.Wait(context.Background())
	require.Error(t, err)
	assert.Equal(t, int32(3), calls.Load())
	assert.Contains(t, err.Error(), "broken")
}

func TestWaitHonoursContext(t *testing.T) {
	t.Parallel()

	s := New(context.Background())
	block := make(chan struct{})
	s.Go("stuck", func(context.Context) error {
		<-block
		return nil
	})
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, s.Stop(ctx), context.DeadlineExceeded)
	close(block)
	assert.NoError(t, s.Wait(context.Background()))
}

func TestNilSupervisorCounters(t *testing.T) {
	t.Parallel()

	var s *Supervisor
	assert.Equal(t, Counters{}, s.Counters())
	assert.Equal(t, Snapshot{}, s.Snapshot())
}
