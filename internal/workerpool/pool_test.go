package workerpool

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestSubmitAndWaitRunsTask(t *testing.T) {
	p := New(Config{MaxWorkers: 2, QueueSize: 4})
	var ran atomic.Bool
	err := p.SubmitAndWait(context.Background(), func(ctx context.Context) error {
		ran.Store(true)
		return nil
	})
	require.NoError(t, err)
	require.True(t, ran.Load())
}

func TestSubmitAndWaitPropagatesError(t *testing.T) {
	p := New(Config{MaxWorkers: 1})
	wantErr := context.DeadlineExceeded
	err := p.SubmitAndWait(context.Background(), func(ctx context.Context) error {
		return wantErr
	})
	require.ErrorIs(t, err, wantErr)
}

func TestSubmitRunsAsynchronously(t *testing.T) {
	p := New(Config{MaxWorkers: 1})
	done := make(chan struct{})
	err := p.Submit(context.Background(), func(ctx context.Context) error {
		close(done)
		return nil
	})
	require.NoError(t, err)

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("task did not run")
	}
}

func TestStopWaitsForInFlightTasks(t *testing.T) {
	p := New(Config{MaxWorkers: 1})
	started := make(chan struct{})
	finish := make(chan struct{})
	require.NoError(t, p.Submit(context.Background(), func(ctx context.Context) error {
		close(started)
		<-finish
		return nil
	}))

	<-started
	go func() {
		time.Sleep(20 * time.Millisecond)
		close(finish)
	}()
	require.NoError(t, p.Stop(time.Second))
}

func TestStopTimesOutOnSlowTask(t *testing.T) {
	p := New(Config{MaxWorkers: 1})
	started := make(chan struct{})
	require.NoError(t, p.Submit(context.Background(), func(ctx context.Context) error {
		close(started)
		time.Sleep(200 * time.Millisecond)
		return nil
	}))
	<-started
	err := p.Stop(10 * time.Millisecond)
	require.Error(t, err)
}

func TestSubmitRespectsCancelledContext(t *testing.T) {
	// One worker permanently busy and a one-slot queue already occupied,
	// so a cancelled-context Submit can only take the ctx.Done() branch.
	p := New(Config{MaxWorkers: 1, QueueSize: 1})
	block := make(chan struct{})
	require.NoError(t, p.Submit(context.Background(), func(ctx context.Context) error {
		<-block
		return nil
	}))
	require.NoError(t, p.Submit(context.Background(), func(ctx context.Context) error {
		<-block
		return nil
	}))
	defer close(block)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := p.Submit(ctx, func(ctx context.Context) error { return nil })
	require.Error(t, err)
}

func TestStatsReflectActivity(t *testing.T) {
	p := New(Config{MaxWorkers: 2})
	for i := 0; i < 5; i++ {
		require.NoError(t, p.SubmitAndWait(context.Background(), func(ctx context.Context) error { return nil }))
	}
	stats := p.Stats()
	require.EqualValues(t, 5, stats.Submitted)
	require.EqualValues(t, 5, stats.Completed)
	require.EqualValues(t, 0, stats.Errors)
}

func TestFutureGetBlocksUntilResolved(t *testing.T) {
	f := RunAsync(context.Background(), func(ctx context.Context) (int, error) {
		time.Sleep(20 * time.Millisecond)
		return 42, nil
	})
	v, err := f.Get(context.Background())
	require.NoError(t, err)
	require.Equal(t, 42, v)

	// Repeated Get still observes the same value.
	v2, err := f.Get(context.Background())
	require.NoError(t, err)
	require.Equal(t, 42, v2)
}

func TestFutureTryGetReportsPending(t *testing.T) {
	release := make(chan struct{})
	f := RunAsync(context.Background(), func(ctx context.Context) (int, error) {
		<-release
		return 7, nil
	})

	_, ok, _ := f.TryGet()
	require.False(t, ok)

	close(release)
	time.Sleep(20 * time.Millisecond)
	v, ok, err := f.TryGet()
	require.True(t, ok)
	require.NoError(t, err)
	require.Equal(t, 7, v)
}
