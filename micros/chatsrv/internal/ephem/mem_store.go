package ephem

import (
	"context"
	"sync"
	"time"

	"github.com/sweemingdow/sdchat/external/emodel/presmodel"
	"github.com/sweemingdow/sdchat/pkg/constt"
)

type memEntry struct {
	rec      presmodel.Record
	expireAt time.Time
}

// MemBackend keeps everything in process. Connections opened from the same
// backend see each other's writes.
type MemBackend struct {
	mu   sync.Mutex
	data map[string]memEntry
	ws   watchers
	now  func() time.Time
}

func NewMemBackend() *MemBackend {
	return &MemBackend{
		data: make(map[string]memEntry),
		now:  time.Now,
	}
}

func (mb *MemBackend) Open(_ context.Context) (Conn, error) {
	return mb.OpenMem(), nil
}

func (mb *MemBackend) OpenMem() *MemConn {
	return &MemConn{
		mb:        mb,
		hooks:     make(map[string]presmodel.Record),
		connected: true,
	}
}

// NewMemStore opens a connection on a private backend.
func NewMemStore() *MemConn {
	return NewMemBackend().OpenMem()
}

func (mb *MemBackend) set(key string, rec presmodel.Record, ttl time.Duration) {
	var expireAt time.Time
	if ttl > 0 {
		expireAt = mb.now().Add(ttl)
	}

	mb.mu.Lock()
	mb.data[key] = memEntry{rec: rec, expireAt: expireAt}
	mb.mu.Unlock()

	mb.ws.notify(key, rec)
}

func (mb *MemBackend) get(key string) (presmodel.Record, bool) {
	mb.mu.Lock()
	defer mb.mu.Unlock()

	e, ok := mb.data[key]
	if !ok {
		return presmodel.Record{}, false
	}

	if !e.expireAt.IsZero() && !mb.now().Before(e.expireAt) {
		delete(mb.data, key)
		return presmodel.Record{}, false
	}

	return e.rec, true
}

type MemConn struct {
	mb        *MemBackend
	mu        sync.Mutex
	hooks     map[string]presmodel.Record
	connected bool
	closed    bool
	listeners connListeners
}

func (mc *MemConn) Set(ctx context.Context, key string, rec presmodel.Record) error {
	return mc.SetTTL(ctx, key, rec, 0)
}

func (mc *MemConn) SetTTL(_ context.Context, key string, rec presmodel.Record, ttl time.Duration) error {
	if err := mc.checkUsable(); err != nil {
		return err
	}

	mc.mb.set(key, rec, ttl)
	return nil
}

func (mc *MemConn) Get(_ context.Context, key string) (presmodel.Record, bool, error) {
	rec, ok := mc.mb.get(key)
	return rec, ok, nil
}

func (mc *MemConn) Watch(key string, fn WatchFunc) func() {
	return mc.mb.ws.add(key, false, fn)
}

func (mc *MemConn) WatchPrefix(prefix string, fn WatchFunc) func() {
	return mc.mb.ws.add(prefix, true, fn)
}

func (mc *MemConn) OnConnectionState(fn func(constt.ConnState)) func() {
	unsub := mc.listeners.add(fn)

	mc.mu.Lock()
	state := mc.stateLocked()
	mc.mu.Unlock()

	fn(state)

	return unsub
}

func (mc *MemConn) OnDisconnect(_ context.Context, key string, rec presmodel.Record) error {
	mc.mu.Lock()
	defer mc.mu.Unlock()

	if mc.closed {
		return ErrConnClosed
	}

	mc.hooks[key] = rec
	return nil
}

func (mc *MemConn) CancelOnDisconnect(_ context.Context, key string) error {
	mc.mu.Lock()
	defer mc.mu.Unlock()

	delete(mc.hooks, key)
	return nil
}

// Drop simulates losing the connection: armed hooks fire once and listeners
// see Disconnected.
func (mc *MemConn) Drop() {
	mc.mu.Lock()
	if !mc.connected || mc.closed {
		mc.mu.Unlock()
		return
	}
	mc.connected = false
	hooks := mc.takeHooksLocked()
	mc.mu.Unlock()

	mc.applyHooks(hooks)
	mc.listeners.notify(constt.Disconnected)
}

func (mc *MemConn) Restore() {
	mc.mu.Lock()
	if mc.connected || mc.closed {
		mc.mu.Unlock()
		return
	}
	mc.connected = true
	mc.mu.Unlock()

	mc.listeners.notify(constt.Connected)
}

func (mc *MemConn) Close(_ context.Context) error {
	mc.mu.Lock()
	if mc.closed {
		mc.mu.Unlock()
		return nil
	}
	mc.closed = true
	mc.connected = false
	hooks := mc.takeHooksLocked()
	mc.mu.Unlock()

	mc.applyHooks(hooks)
	return nil
}

// ArmedHooks is a copy of the pending disconnect writes.
func (mc *MemConn) ArmedHooks() map[string]presmodel.Record {
	mc.mu.Lock()
	defer mc.mu.Unlock()

	out := make(map[string]presmodel.Record, len(mc.hooks))
	for k, v := range mc.hooks {
		out[k] = v
	}
	return out
}

func (mc *MemConn) checkUsable() error {
	mc.mu.Lock()
	defer mc.mu.Unlock()

	if mc.closed {
		return ErrConnClosed
	}
	if !mc.connected {
		return ErrNotConnected
	}
	return nil
}

func (mc *MemConn) stateLocked() constt.ConnState {
	if mc.connected && !mc.closed {
		return constt.Connected
	}
	return constt.Disconnected
}

func (mc *MemConn) takeHooksLocked() map[string]presmodel.Record {
	hooks := mc.hooks
	mc.hooks = make(map[string]presmodel.Record)
	return hooks
}

func (mc *MemConn) applyHooks(hooks map[string]presmodel.Record) {
	for key, rec := range hooks {
		mc.mb.set(key, rec, 0)
	}
}
