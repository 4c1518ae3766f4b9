package offlineq

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/cockroachdb/pebble/vfs"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/sweemingdow/sdchat/external/emodel/msgmodel"
	"github.com/sweemingdow/sdchat/pkg/myerr"
)

func openMem(t *testing.T, fs vfs.FS) *Queue {
	t.Helper()

	q, err := Open("oq", Options{FS: fs})
	require.NoError(t, err)
	return q
}

func enqueueN(t *testing.T, q *Queue, convId string, n int) {
	for i := 0; i < n; i++ {
		_, err := q.Enqueue(context.Background(), convId, Entry{
			ClientId: fmt.Sprintf("c%d", i),
			Content:  msgmodel.MsgContent{Text: fmt.Sprintf("m%d", i)},
		})
		require.NoError(t, err)
	}
}

func clientIds(es []Entry) []string {
	out := make([]string, len(es))
	for i, e := range es {
		out[i] = e.ClientId
	}
	return out
}

func TestFlushSendsInOrderOnce(t *testing.T) {
	ctx := context.Background()
	q := openMem(t, vfs.NewMem())
	defer q.GracefulStop(ctx)

	enqueueN(t, q, "p2p:a:b", 5)
	enqueueN(t, q, "grp:1", 1)

	var sent []string
	rst, err := q.Flush(ctx, "p2p:a:b", func(_ context.Context, e Entry) error {
		sent = append(sent, e.ClientId)
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"c0", "c1", "c2", "c3", "c4"}, sent)
	assert.Len(t, rst.Sent, 5)

	rst, err = q.Flush(ctx, "p2p:a:b", func(context.Context, Entry) error {
		t.Fatal("nothing left to send")
		return nil
	})
	require.NoError(t, err)
	assert.Empty(t, rst.Sent)

	other, err := q.List(ctx, "grp:1")
	require.NoError(t, err)
	assert.Len(t, other, 1)
}

func TestTransientErrorStopsAndKeepsOrder(t *testing.T) {
	ctx := context.Background()
	q := openMem(t, vfs.NewMem())
	defer q.GracefulStop(ctx)

	enqueueN(t, q, "c", 4)

	rst, err := q.Flush(ctx, "c", func(_ context.Context, e Entry) error {
		if e.ClientId == "c1" {
			return errors.New("connection reset")
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"c0"}, clientIds(rst.Sent))
	assert.Equal(t, []string{"c1", "c2", "c3"}, clientIds(rst.Requeued))

	left, err := q.List(ctx, "c")
	require.NoError(t, err)
	assert.Equal(t, []string{"c1", "c2", "c3"}, clientIds(left))
	assert.Equal(t, 1, left[0].Attempts)
	assert.Equal(t, 0, left[1].Attempts)
}

func TestAttemptsExhaustedFailsEntry(t *testing.T) {
	ctx := context.Background()
	q := openMem(t, vfs.NewMem())
	defer q.GracefulStop(ctx)

	enqueueN(t, q, "c", 2)

	boom := func(_ context.Context, e Entry) error {
		if e.ClientId == "c0" {
			return errors.New("timeout")
		}
		return nil
	}

	for i := 0; i < 2; i++ {
		_, err := q.Flush(ctx, "c", boom)
		require.NoError(t, err)
	}

	rst, err := q.Flush(ctx, "c", boom)
	require.NoError(t, err)
	assert.Equal(t, []string{"c0"}, clientIds(rst.Failed))
	assert.Equal(t, []string{"c1"}, clientIds(rst.Sent))

	left, err := q.List(ctx, "c")
	require.NoError(t, err)
	require.Len(t, left, 1)
	assert.True(t, left[0].Failed)
	assert.Equal(t, 3, left[0].Attempts)

	// failed entries are surfaced, never flushed again
	rst, err = q.Flush(ctx, "c", boom)
	require.NoError(t, err)
	assert.Empty(t, rst.Sent)
	assert.Empty(t, rst.Failed)

	require.NoError(t, q.Remove(ctx, "c", left[0].Seq))
	left, err = q.List(ctx, "c")
	require.NoError(t, err)
	assert.Empty(t, left)
}

func TestNotAttemptedSendsKeepAttempts(t *testing.T) {
	ctx := context.Background()
	q := openMem(t, vfs.NewMem())
	defer q.GracefulStop(ctx)

	enqueueN(t, q, "c", 2)

	// more flushes than MaxAttempts, none of them reaches the wire
	for i := 0; i < 5; i++ {
		rst, err := q.Flush(ctx, "c", func(context.Context, Entry) error {
			return ErrNotAttempted
		})
		require.NoError(t, err)
		assert.Equal(t, []string{"c0", "c1"}, clientIds(rst.Requeued))
		assert.Empty(t, rst.Failed)
	}

	cctx, cancel := context.WithCancel(ctx)
	rst, err := q.Flush(cctx, "c", func(context.Context, Entry) error {
		cancel()
		return context.Canceled
	})
	require.NoError(t, err)
	assert.Empty(t, rst.Failed)

	left, err := q.List(ctx, "c")
	require.NoError(t, err)
	require.Len(t, left, 2)
	for _, e := range left {
		assert.False(t, e.Failed)
		assert.Zero(t, e.Attempts)
	}

	rst, err = q.Flush(ctx, "c", func(context.Context, Entry) error { return nil })
	require.NoError(t, err)
	assert.Equal(t, []string{"c0", "c1"}, clientIds(rst.Sent))
}

func TestPermissionErrorFailsAtOnce(t *testing.T) {
	ctx := context.Background()
	q := openMem(t, vfs.NewMem())
	defer q.GracefulStop(ctx)

	enqueueN(t, q, "c", 2)

	rst, err := q.Flush(ctx, "c", func(_ context.Context, e Entry) error {
		if e.ClientId == "c0" {
			return myerr.Permission("", "archived")
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"c0"}, clientIds(rst.Failed))
	assert.Equal(t, []string{"c1"}, clientIds(rst.Sent))
}

func TestConcurrentFlushIsGuarded(t *testing.T) {
	ctx := context.Background()
	q := openMem(t, vfs.NewMem())
	defer q.GracefulStop(ctx)

	enqueueN(t, q, "c", 1)

	entered := make(chan struct{})
	release := make(chan struct{})

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		_, err := q.Flush(ctx, "c", func(context.Context, Entry) error {
			close(entered)
			<-release
			return nil
		})
		assert.NoError(t, err)
	}()

	<-entered
	_, err := q.Flush(ctx, "c", func(context.Context, Entry) error { return nil })
	assert.ErrorIs(t, err, ErrFlushInFlight)

	close(release)
	wg.Wait()
}

func TestReopenKeepsEntriesAndSequence(t *testing.T) {
	ctx := context.Background()
	fs := vfs.NewMem()

	q := openMem(t, fs)
	enqueueN(t, q, "c", 2)
	require.NoError(t, q.GracefulStop(ctx))

	q = openMem(t, fs)
	defer q.GracefulStop(ctx)

	e, err := q.Enqueue(ctx, "c", Entry{ClientId: "late"})
	require.NoError(t, err)
	assert.Equal(t, uint64(3), e.Seq)

	left, err := q.List(ctx, "c")
	require.NoError(t, err)
	assert.Equal(t, []string{"c0", "c1", "late"}, clientIds(left))

	require.NoError(t, q.MarkFailed(ctx, "c", e.Seq))
	assert.True(t, myerr.IsNotFound(q.MarkFailed(ctx, "c", 99)))
}
