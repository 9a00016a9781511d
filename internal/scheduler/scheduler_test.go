package scheduler

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"identity-service/internal/clock"
)

type fakeSweeper struct {
	mu    sync.Mutex
	calls int
	block chan struct{}
	err   error
}

func (f *fakeSweeper) Sweep(context.Context) (int, error) {
	f.mu.Lock()
	f.calls++
	block, err := f.block, f.err
	f.mu.Unlock()
	if block != nil {
		<-block
	}
	return 1, err
}

func (f *fakeSweeper) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type fakeReanchorer struct {
	cutoff time.Time
	limit  int
}

func (f *fakeReanchorer) ReanchorPending(_ context.Context, issuedBefore time.Time, limit int) (int, error) {
	f.cutoff, f.limit = issuedBefore, limit
	return 2, nil
}

func TestRunReanchor_UsesGracePeriod(t *testing.T) {
	now := time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC)
	anchors := &fakeReanchorer{}
	s := New(nil, anchors, clock.NewFake(now), Config{AnchorGrace: 10 * time.Minute}, zap.NewNop())

	s.RunReanchor()

	assert.Equal(t, now.Add(-10*time.Minute), anchors.cutoff)
	assert.Equal(t, reanchorBatch, anchors.limit)
}

func TestRunSweep_SkipsOverlappingRuns(t *testing.T) {
	sweeper := &fakeSweeper{block: make(chan struct{})}
	s := New(sweeper, nil, clock.Real(), Config{}, zap.NewNop())

	done := make(chan struct{})
	go func() {
		s.RunSweep()
		close(done)
	}()
	require.Eventually(t, func() bool { return sweeper.count() == 1 }, time.Second, time.Millisecond)

	s.RunSweep()
	assert.Equal(t, 1, sweeper.count())

	close(sweeper.block)
	<-done

	sweeper.mu.Lock()
	sweeper.block = nil
	sweeper.err = errors.New("store unavailable")
	sweeper.mu.Unlock()
	s.RunSweep()
	assert.Equal(t, 2, sweeper.count())
}

func TestStart_RejectsBadSchedule(t *testing.T) {
	s := New(&fakeSweeper{}, nil, clock.Real(), Config{SweepSchedule: "whenever"}, zap.NewNop())
	require.Error(t, s.Start())
}

func TestStart_RunsJobs(t *testing.T) {
	sweeper := &fakeSweeper{}
	s := New(sweeper, &fakeReanchorer{}, clock.Real(), Config{
		SweepSchedule:  "@every 1s",
		AnchorSchedule: "@every 1h",
	}, zap.NewNop())
	require.NoError(t, s.Start())
	defer s.Stop()

	require.Eventually(t, func() bool { return sweeper.count() > 0 }, 3*time.Second, 50*time.Millisecond)
}
