package presmgr

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sweemingdow/sdchat/micros/chatsrv/internal/session"
	"github.com/sweemingdow/sdchat/pkg/mylog"
)

type Options struct {
	HeartbeatInterval time.Duration
	// FreshWindow bounds how old a last-active timestamp may be and still
	// count as online
	FreshWindow time.Duration
	TypingTtl   time.Duration
	Now         func() time.Time
}

func (o *Options) applyDefaults() {
	if o.HeartbeatInterval <= 0 {
		o.HeartbeatInterval = 25 * time.Second
	}
	if o.FreshWindow <= 0 {
		o.FreshWindow = 45 * time.Second
	}
	if o.TypingTtl <= 0 {
		o.TypingTtl = 6 * time.Second
	}
	if o.Now == nil {
		o.Now = time.Now
	}
}

// Manager owns at most one active Session.
type Manager struct {
	deps      Deps
	opts      Options
	mu        sync.Mutex
	current   *Session
	hibernate atomic.Bool
}

func NewManager(deps Deps, opts Options) *Manager {
	opts.applyDefaults()

	return &Manager{
		deps: deps,
		opts: opts,
	}
}

// Switch stops the previous session fully before the next one starts.
func (m *Manager) Switch(ctx context.Context, uid string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.current != nil {
		if m.current.Uid() == uid {
			return
		}
		m.current.Stop(ctx)
		m.current = nil
	}

	if uid == "" {
		return
	}

	s := newSession(m.deps, uid, m.opts.HeartbeatInterval, m.opts.Now, m.hibernate.Load)
	s.Start(ctx)
	m.current = s

	lg := mylog.WithUid(uid)
	lg.Debug().Msg("presence session started")
}

func (m *Manager) StopCurrent(ctx context.Context) {
	m.Switch(ctx, "")
}

func (m *Manager) Current() *Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.current
}

// SetHibernate suppresses online writes. Offline writes still happen.
func (m *Manager) SetHibernate(ctx context.Context, on bool) {
	if m.hibernate.Swap(on) == on {
		return
	}

	if s := m.Current(); s != nil {
		s.refresh(ctx)
	}
}

func (m *Manager) OnAppState(ctx context.Context, foreground bool) {
	if s := m.Current(); s != nil {
		s.OnAppState(ctx, foreground)
	}
}

// BindAuth follows sign in and sign out of ap.
func (m *Manager) BindAuth(ctx context.Context, ap session.AuthProvider) (unbind func()) {
	if id, ok := ap.CurrentUser(); ok {
		m.Switch(ctx, id.Uid)
	}

	return ap.OnSessionChange(func(id session.Identity, signedIn bool) {
		if signedIn {
			m.Switch(context.Background(), id.Uid)
			return
		}
		m.StopCurrent(context.Background())
	})
}

func (m *Manager) GracefulStop(ctx context.Context) error {
	m.StopCurrent(ctx)
	return nil
}
