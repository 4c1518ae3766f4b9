package async

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCallerRunHandlerRunsAllTasks(t *testing.T) {
	h := NewCallerRunHandler(CallerRunOptions{
		CoreWorkers:      2,
		MaxWorkers:       4,
		MaxWaitQueueSize: 4,
		MaxIdleTimeout:   time.Second,
	})

	var ran atomic.Int32
	for i := 0; i < 100; i++ {
		require.NoError(t, h.Submit(func() {
			time.Sleep(time.Millisecond)
			ran.Add(1)
		}))
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	require.NoError(t, h.Shutdown(ctx))

	assert.Equal(t, int32(100), ran.Load())
}

func TestSubmitAfterShutdown(t *testing.T) {
	h := NewCallerRunHandler(DefaultCallerRunOptions())
	require.NoError(t, h.Shutdown(context.Background()))

	assert.ErrorIs(t, h.Submit(func() {}), ErrHadBeClosed)
	// idempotent
	assert.NoError(t, h.Shutdown(context.Background()))
}

func TestPanicDoesNotKillWorker(t *testing.T) {
	h := NewCallerRunHandler(CallerRunOptions{CoreWorkers: 1, MaxWorkers: 2})

	var ran atomic.Bool
	require.NoError(t, h.Submit(func() { panic("boom") }))
	require.NoError(t, h.Submit(func() { ran.Store(true) }))

	require.NoError(t, h.Shutdown(context.Background()))
	assert.True(t, ran.Load())
}
