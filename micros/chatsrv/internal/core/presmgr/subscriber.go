package presmgr

import (
	"context"
	"sync"
	"time"

	"github.com/sweemingdow/sdchat/external/eglobal/chatconst"
	"github.com/sweemingdow/sdchat/external/emodel/presmodel"
	"github.com/sweemingdow/sdchat/micros/chatsrv/internal/core"
	"github.com/sweemingdow/sdchat/micros/chatsrv/internal/realtime"
	"github.com/sweemingdow/sdchat/pkg/mylog"
)

type subscriber struct {
	deps Deps
	opts Options
}

// NewSubscriber derives other users' presence. An online record only
// counts while its last-active timestamp is inside the fresh window, and
// an offline value in the ephemeral store (an applied disconnect hook)
// overrides it.
func NewSubscriber(deps Deps, opts Options) core.PresenceSubscriber {
	opts.applyDefaults()

	return &subscriber{
		deps: deps,
		opts: opts,
	}
}

type presenceWatch struct {
	sub    *subscriber
	uid    string
	fn     func(presmodel.Presence)
	mu     sync.Mutex
	closed bool
	timer  *time.Timer
	last   *presmodel.Presence
}

func (ps *subscriber) SubscribePresence(uid string, fn func(p presmodel.Presence)) func() {
	pw := &presenceWatch{
		sub: ps,
		uid: uid,
		fn:  fn,
	}

	key := chatconst.PresenceKey(uid)
	unsubHub := ps.deps.Hub.Subscribe(key, func(realtime.Event) {
		pw.evaluate()
	})
	unsubStore := ps.deps.Store.Watch(key, func(string, presmodel.Record) {
		pw.evaluate()
	})

	pw.evaluate()

	var once sync.Once
	return func() {
		once.Do(func() {
			unsubHub()
			unsubStore()

			pw.mu.Lock()
			pw.closed = true
			if pw.timer != nil {
				pw.timer.Stop()
			}
			pw.mu.Unlock()
		})
	}
}

func (pw *presenceWatch) evaluate() {
	pw.mu.Lock()
	defer pw.mu.Unlock()

	if pw.closed {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()

	p, expireIn, err := pw.sub.derive(ctx, pw.uid)
	if err != nil {
		lg := mylog.WithUid(pw.uid)
		lg.Error().Stack().Err(err).Msg("derive presence failed")
		return
	}

	if pw.timer != nil {
		pw.timer.Stop()
		pw.timer = nil
	}

	// a stale online decays without any new event
	if p.Online {
		pw.timer = time.AfterFunc(expireIn, pw.evaluate)
	}

	if pw.last != nil && *pw.last == p {
		return
	}

	pw.last = &p
	pw.fn(p)
}

// derive returns the presence of uid and, when online, how long until the
// last-active timestamp goes stale.
func (ps *subscriber) derive(ctx context.Context, uid string) (presmodel.Presence, time.Duration, error) {
	p := presmodel.Presence{Uid: uid}

	pojo, err := ps.deps.Pr.Find(ctx, uid)
	if err != nil {
		return p, 0, err
	}

	if pojo == nil {
		return p, 0, nil
	}

	p.LastActiveTs = pojo.LastActiveTs
	if presmodel.State(pojo.State) != presmodel.Online {
		return p, 0, nil
	}

	rec, ok, err := ps.deps.Store.Get(ctx, chatconst.PresenceKey(uid))
	if err != nil {
		return p, 0, err
	}

	if ok && rec.State == presmodel.Offline {
		return p, 0, nil
	}

	age := ps.opts.Now().Sub(time.UnixMilli(pojo.LastActiveTs))
	if age >= ps.opts.FreshWindow {
		return p, 0, nil
	}

	p.Online = true
	return p, ps.opts.FreshWindow - age, nil
}
