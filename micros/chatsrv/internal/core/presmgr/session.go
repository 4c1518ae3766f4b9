package presmgr

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/sweemingdow/sdchat/external/eglobal/chatconst"
	"github.com/sweemingdow/sdchat/external/emodel/presmodel"
	"github.com/sweemingdow/sdchat/micros/chatsrv/internal/ephem"
	"github.com/sweemingdow/sdchat/micros/chatsrv/internal/metrics"
	"github.com/sweemingdow/sdchat/micros/chatsrv/internal/realtime"
	"github.com/sweemingdow/sdchat/micros/chatsrv/internal/repostories/presencerepo"
	"github.com/sweemingdow/sdchat/pkg/constt"
	"github.com/sweemingdow/sdchat/pkg/mylog"
)

const writeTimeout = 5 * time.Second

type Deps struct {
	Store ephem.Store
	Pr    presencerepo.PresenceRepository
	Hub   realtime.Hub
}

// Session keeps one signed-in user's presence alive. It is owned by a
// Manager, nothing else starts or stops it.
type Session struct {
	Deps
	uid       string
	interval  time.Duration
	now       func() time.Time
	suspended func() bool

	mu         sync.Mutex
	foreground bool
	connected  bool
	online     bool
	stopped    bool

	unsubConn func()
	stopCh    chan struct{}
	stopOnce  sync.Once
	lg        zerolog.Logger
}

func newSession(deps Deps, uid string, interval time.Duration, now func() time.Time, suspended func() bool) *Session {
	return &Session{
		Deps:       deps,
		uid:        uid,
		interval:   interval,
		now:        now,
		suspended:  suspended,
		foreground: true,
		stopCh:     make(chan struct{}),
		lg:         mylog.WithUid(uid),
	}
}

func (s *Session) Uid() string {
	return s.uid
}

// Start arms the disconnect hook and begins heartbeats. The connection
// listener fires right away with the current state.
func (s *Session) Start(_ context.Context) {
	s.unsubConn = s.Store.OnConnectionState(s.onConnState)

	go s.heartbeatLoop()
}

func (s *Session) heartbeatLoop() {
	tk := time.NewTicker(s.interval)
	defer tk.Stop()

	for {
		select {
		case <-s.stopCh:
			return
		case <-tk.C:
			s.beat()
		}
	}
}

func (s *Session) beat() {
	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.stopped || !s.connected || !s.wantOnlineLocked() {
		return
	}

	s.writeOnlineLocked(ctx)
}

func (s *Session) onConnState(state constt.ConnState) {
	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.stopped {
		return
	}

	switch state {
	case constt.Connected:
		s.connected = true
		if s.wantOnlineLocked() {
			s.armLocked(ctx)
			s.writeOnlineLocked(ctx)
		}
	case constt.Disconnected:
		// the backend applies the armed offline write on its own
		s.connected = false
		s.setOnlineLocked(false)
		s.lg.Debug().Msg("presence connection lost")
	}
}

// OnAppState flips presence at once, without waiting for the next beat.
func (s *Session) OnAppState(ctx context.Context, foreground bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.stopped {
		return
	}

	s.foreground = foreground
	s.reconcileLocked(ctx)
}

// refresh re-applies the wanted state, e.g. after hibernation toggled.
func (s *Session) refresh(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.stopped {
		return
	}

	s.reconcileLocked(ctx)
}

func (s *Session) reconcileLocked(ctx context.Context) {
	if s.wantOnlineLocked() {
		if s.connected && !s.online {
			s.armLocked(ctx)
			s.writeOnlineLocked(ctx)
		}
		return
	}

	if s.online {
		s.writeOfflineLocked(ctx)
	}
}

// Stop writes offline exactly once. Later calls do nothing.
func (s *Session) Stop(ctx context.Context) {
	s.stopOnce.Do(func() {
		close(s.stopCh)

		if s.unsubConn != nil {
			s.unsubConn()
		}

		s.mu.Lock()
		defer s.mu.Unlock()

		s.stopped = true
		s.writeOfflineLocked(ctx)

		if err := s.Store.CancelOnDisconnect(ctx, chatconst.PresenceKey(s.uid)); err != nil {
			s.lg.Debug().Err(err).Msg("cancel presence disconnect hook failed")
		}
	})
}

func (s *Session) wantOnlineLocked() bool {
	return s.foreground && !s.suspended()
}

func (s *Session) armLocked(ctx context.Context) {
	err := s.Store.OnDisconnect(ctx, chatconst.PresenceKey(s.uid), presmodel.Record{
		State:     presmodel.Offline,
		ChangedAt: s.now().UnixMilli(),
	})
	if err != nil {
		s.lg.Warn().Err(err).Msg("arm presence disconnect hook failed")
	}
}

func (s *Session) writeOnlineLocked(ctx context.Context) {
	s.writeLocked(ctx, presmodel.Online)
}

func (s *Session) writeOfflineLocked(ctx context.Context) {
	s.writeLocked(ctx, presmodel.Offline)
}

func (s *Session) writeLocked(ctx context.Context, state presmodel.State) {
	ts := s.now().UnixMilli()

	if err := s.Pr.Save(ctx, s.uid, state, ts); err != nil {
		s.lg.Error().Stack().Err(err).Str("state", string(state)).Msg("save presence failed")
		return
	}

	// the store may be down, the durable record above is authoritative
	if err := s.Store.Set(ctx, chatconst.PresenceKey(s.uid), presmodel.Record{State: state, ChangedAt: ts}); err != nil {
		s.lg.Debug().Err(err).Str("state", string(state)).Msg("set ephemeral presence failed")
	}

	s.setOnlineLocked(state == presmodel.Online)

	err := s.Hub.Publish(ctx, realtime.Event{
		Topic:  chatconst.PresenceKey(s.uid),
		Reason: string(state),
		Key:    s.uid,
		Ts:     ts,
	})
	if err != nil {
		s.lg.Warn().Err(err).Msg("publish presence failed")
	}
}

func (s *Session) setOnlineLocked(online bool) {
	if s.online == online {
		return
	}

	s.online = online
	if online {
		metrics.PresenceOnline.Inc()
	} else {
		metrics.PresenceOnline.Dec()
	}
}
