package ephem

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/sweemingdow/sdchat/external/emodel/presmodel"
	"github.com/sweemingdow/sdchat/pkg/constt"
)

func TestDropFiresDisconnectHooks(t *testing.T) {
	ctx := context.Background()
	mb := NewMemBackend()
	writer := mb.OpenMem()
	observer := mb.OpenMem()

	var seen []presmodel.State
	unwatch := observer.Watch("presence:a", func(_ string, rec presmodel.Record) {
		seen = append(seen, rec.State)
	})
	defer unwatch()

	var states []constt.ConnState
	writer.OnConnectionState(func(s constt.ConnState) { states = append(states, s) })

	require.NoError(t, writer.OnDisconnect(ctx, "presence:a", presmodel.Record{State: presmodel.Offline, ChangedAt: 2}))
	require.NoError(t, writer.Set(ctx, "presence:a", presmodel.Record{State: presmodel.Online, ChangedAt: 1}))

	writer.Drop()

	rec, ok, err := observer.Get(ctx, "presence:a")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, presmodel.Offline, rec.State)
	assert.Equal(t, []presmodel.State{presmodel.Online, presmodel.Offline}, seen)
	assert.Equal(t, []constt.ConnState{constt.Connected, constt.Disconnected}, states)

	assert.ErrorIs(t, writer.Set(ctx, "presence:a", presmodel.Record{State: presmodel.Online}), ErrNotConnected)
	assert.Empty(t, writer.ArmedHooks())

	writer.Restore()
	assert.Equal(t, constt.Connected, states[len(states)-1])
}

func TestCancelOnDisconnect(t *testing.T) {
	ctx := context.Background()
	conn := NewMemStore()

	require.NoError(t, conn.OnDisconnect(ctx, "k", presmodel.Record{State: presmodel.Offline}))
	require.NoError(t, conn.CancelOnDisconnect(ctx, "k"))
	require.NoError(t, conn.Close(ctx))

	_, ok, err := conn.Get(ctx, "k")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestTTLAndPrefixWatch(t *testing.T) {
	ctx := context.Background()
	mb := NewMemBackend()
	now := time.Unix(100, 0)
	mb.now = func() time.Time { return now }
	conn := mb.OpenMem()

	var keys []string
	conn.WatchPrefix("typing:c1:", func(key string, _ presmodel.Record) { keys = append(keys, key) })

	require.NoError(t, conn.SetTTL(ctx, "typing:c1:a", presmodel.Record{State: presmodel.Typing}, time.Second))
	require.NoError(t, conn.SetTTL(ctx, "typing:c2:a", presmodel.Record{State: presmodel.Typing}, time.Second))
	assert.Equal(t, []string{"typing:c1:a"}, keys)

	_, ok, _ := conn.Get(ctx, "typing:c1:a")
	assert.True(t, ok)

	now = now.Add(time.Second)
	_, ok, _ = conn.Get(ctx, "typing:c1:a")
	assert.False(t, ok)
}
