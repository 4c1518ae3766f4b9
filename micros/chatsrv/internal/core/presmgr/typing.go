package presmgr

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/sweemingdow/sdchat/external/eglobal/chatconst"
	"github.com/sweemingdow/sdchat/external/emodel/presmodel"
	"github.com/sweemingdow/sdchat/micros/chatsrv/internal/core"
	"github.com/sweemingdow/sdchat/micros/chatsrv/internal/ephem"
)

type typingTracker struct {
	store ephem.Store
	opts  Options
}

// NewTypingTracker keeps typing flags in the ephemeral store with a short
// ttl, so a client that vanishes mid-sentence stops typing on its own.
func NewTypingTracker(store ephem.Store, opts Options) core.TypingTracker {
	opts.applyDefaults()

	return &typingTracker{
		store: store,
		opts:  opts,
	}
}

func (tt *typingTracker) SetTyping(ctx context.Context, convId, uid string, typing bool) error {
	state := presmodel.Idle
	if typing {
		state = presmodel.Typing
	}

	return tt.store.SetTTL(ctx, chatconst.TypingKey(convId, uid), presmodel.Record{
		State:     state,
		ChangedAt: tt.opts.Now().UnixMilli(),
	}, tt.opts.TypingTtl)
}

type typingWatch struct {
	convId string
	ttl    time.Duration
	now    func() time.Time
	fn     func(presmodel.TypingState)
	mu     sync.Mutex
	closed bool
	until  map[string]time.Time
	timer  *time.Timer
}

func (tt *typingTracker) SubscribeTyping(convId string, fn func(ts presmodel.TypingState)) func() {
	tw := &typingWatch{
		convId: convId,
		ttl:    tt.opts.TypingTtl,
		now:    tt.opts.Now,
		fn:     fn,
		until:  make(map[string]time.Time),
	}

	prefix := chatconst.TypingPrefix(convId)
	unsub := tt.store.WatchPrefix(prefix, func(key string, rec presmodel.Record) {
		tw.apply(strings.TrimPrefix(key, prefix), rec)
	})

	fn(presmodel.TypingState{ConvId: convId, Uids: []string{}})

	var once sync.Once
	return func() {
		once.Do(func() {
			unsub()

			tw.mu.Lock()
			tw.closed = true
			if tw.timer != nil {
				tw.timer.Stop()
			}
			tw.mu.Unlock()
		})
	}
}

func (tw *typingWatch) apply(uid string, rec presmodel.Record) {
	tw.mu.Lock()
	defer tw.mu.Unlock()

	if tw.closed {
		return
	}

	if rec.State == presmodel.Typing {
		tw.until[uid] = time.UnixMilli(rec.ChangedAt).Add(tw.ttl)
	} else {
		delete(tw.until, uid)
	}

	tw.emitLocked()
}

func (tw *typingWatch) expire() {
	tw.mu.Lock()
	defer tw.mu.Unlock()

	if tw.closed {
		return
	}

	tw.emitLocked()
}

func (tw *typingWatch) emitLocked() {
	now := tw.now()

	var (
		uids = make([]string, 0, len(tw.until))
		next time.Time
	)
	for uid, until := range tw.until {
		if !now.Before(until) {
			delete(tw.until, uid)
			continue
		}

		uids = append(uids, uid)
		if next.IsZero() || until.Before(next) {
			next = until
		}
	}
	sort.Strings(uids)

	if tw.timer != nil {
		tw.timer.Stop()
		tw.timer = nil
	}

	if !next.IsZero() {
		tw.timer = time.AfterFunc(next.Sub(now), tw.expire)
	}

	tw.fn(presmodel.TypingState{ConvId: tw.convId, Uids: uids})
}
