package pool

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func TestGoroutinePool_RunsAndDrains(t *testing.T) {
	p := NewGoroutinePool(Config{Workers: 4, QueueSize: 100}, zaptest.NewLogger(t))

	var n atomic.Int32
	for range 50 {
		require.NoError(t, p.Submit("count", func(ctx context.Context) error {
			n.Add(1)
			return nil
		}))
	}
	require.NoError(t, p.Close(context.Background()))

	assert.Equal(t, int32(50), n.Load())
	st := p.Stats()
	assert.Equal(t, int64(50), st.Submitted)
	assert.Equal(t, int64(50), st.Completed)
	assert.Zero(t, st.Dropped)
}

func TestGoroutinePool_DropsWhenFull(t *testing.T) {
	var dropped []string
	p := NewGoroutinePool(Config{Workers: 1, QueueSize: 1}, zaptest.NewLogger(t),
		WithDropHook(func(name string) { dropped = append(dropped, name) }))

	release := make(chan struct{})
	started := make(chan struct{})
	require.NoError(t, p.Submit("blocker", func(ctx context.Context) error {
		close(started)
		<-release
		return nil
	}))
	<-started

	require.NoError(t, p.Submit("queued", func(ctx context.Context) error { return nil }))
	err := p.Submit("overflow", func(ctx context.Context) error { return nil })
	assert.ErrorIs(t, err, ErrPoolFull)
	assert.Equal(t, []string{"overflow"}, dropped)

	close(release)
	require.NoError(t, p.Close(context.Background()))
	assert.Equal(t, int64(1), p.Stats().Dropped)
}

func TestGoroutinePool_FailuresAndPanics(t *testing.T) {
	var failures atomic.Int32
	p := NewGoroutinePool(Config{Workers: 2}, zaptest.NewLogger(t),
		WithFailureHook(func(string, error) { failures.Add(1) }))

	require.NoError(t, p.Submit("err", func(ctx context.Context) error { return errors.New("boom") }))
	require.NoError(t, p.Submit("panic", func(ctx context.Context) error { panic("bad") }))
	require.NoError(t, p.Close(context.Background()))

	assert.Equal(t, int32(2), failures.Load())
	assert.Equal(t, int64(2), p.Stats().Failed)
}

func TestGoroutinePool_TaskTimeout(t *testing.T) {
	p := NewGoroutinePool(Config{Workers: 1, TaskTimeout: 20 * time.Millisecond}, nil)

	var got error
	require.NoError(t, p.Submit("slow", func(ctx context.Context) error {
		<-ctx.Done()
		got = ctx.Err()
		return got
	}))
	require.NoError(t, p.Close(context.Background()))
	assert.ErrorIs(t, got, context.DeadlineExceeded)
}

func TestGoroutinePool_SubmitAfterClose(t *testing.T) {
	p := NewGoroutinePool(Config{}, nil)
	require.NoError(t, p.Close(context.Background()))
	require.NoError(t, p.Close(context.Background()))

	err := p.Submit("late", func(ctx context.Context) error { return nil })
	assert.ErrorIs(t, err, ErrPoolClosed)
}
