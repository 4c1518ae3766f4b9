package session

import (
	"sync"
)

type Identity struct {
	Uid   string `json:"uid"`
	Email string `json:"email,omitempty"`
}

// AuthProvider yields the signed-in user and notifies on sign in/out.
type AuthProvider interface {
	CurrentUser() (Identity, bool)

	// OnSessionChange is called with signedIn=false on sign out.
	OnSessionChange(fn func(id Identity, signedIn bool)) (unsubscribe func())
}

// Holder is an in-process AuthProvider, one per client connection.
type Holder struct {
	mu        sync.RWMutex
	current   *Identity
	nextId    uint64
	listeners map[uint64]func(Identity, bool)
}

func NewHolder() *Holder {
	return &Holder{
		listeners: make(map[uint64]func(Identity, bool)),
	}
}

func (h *Holder) CurrentUser() (Identity, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	if h.current == nil {
		return Identity{}, false
	}
	return *h.current, true
}

func (h *Holder) OnSessionChange(fn func(Identity, bool)) func() {
	h.mu.Lock()
	h.nextId++
	id := h.nextId
	h.listeners[id] = fn
	h.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			h.mu.Lock()
			delete(h.listeners, id)
			h.mu.Unlock()
		})
	}
}

// SignIn replaces the current identity. Signing in as the same uid again is
// not a change.
func (h *Holder) SignIn(id Identity) {
	h.mu.Lock()
	if h.current != nil && h.current.Uid == id.Uid {
		h.mu.Unlock()
		return
	}
	h.current = &id
	fns := h.snapshotLocked()
	h.mu.Unlock()

	for _, fn := range fns {
		fn(id, true)
	}
}

func (h *Holder) SignOut() {
	h.mu.Lock()
	if h.current == nil {
		h.mu.Unlock()
		return
	}
	prev := *h.current
	h.current = nil
	fns := h.snapshotLocked()
	h.mu.Unlock()

	for _, fn := range fns {
		fn(prev, false)
	}
}

func (h *Holder) snapshotLocked() []func(Identity, bool) {
	fns := make([]func(Identity, bool), 0, len(h.listeners))
	for _, fn := range h.listeners {
		fns = append(fns, fn)
	}
	return fns
}
