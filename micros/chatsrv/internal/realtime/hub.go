package realtime

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/alphadose/haxmap"
	"github.com/sweemingdow/sdchat/pkg/mylog"
)

// Event only says that something under Topic changed. Subscribers re-read
// the state they render.
type Event struct {
	Topic  string `json:"topic"`
	Reason string `json:"reason,omitempty"`
	Key    string `json:"key,omitempty"`
	Ts     int64  `json:"ts,omitempty"`
}

type Hub interface {
	Publish(ctx context.Context, ev Event) error

	// Subscribe returns an idempotent unsubscribe.
	Subscribe(topic string, fn func(Event)) (unsubscribe func())
}

type subscriber struct {
	id     uint64
	fn     func(Event)
	closed atomic.Bool
}

type topicSubs struct {
	mu   sync.RWMutex
	subs []*subscriber
}

// memHub delivers events synchronously on the publisher's goroutine.
type memHub struct {
	topics *haxmap.Map[string, *topicSubs]
	nextId atomic.Uint64
}

func NewMemHub() Hub {
	return newMemHub()
}

func newMemHub() *memHub {
	return &memHub{
		topics: haxmap.New[string, *topicSubs](),
	}
}

func (mh *memHub) Publish(_ context.Context, ev Event) error {
	mh.dispatch(ev)
	return nil
}

func (mh *memHub) dispatch(ev Event) {
	ts, ok := mh.topics.Get(ev.Topic)
	if !ok {
		return
	}

	ts.mu.RLock()
	subs := make([]*subscriber, len(ts.subs))
	copy(subs, ts.subs)
	ts.mu.RUnlock()

	for _, sub := range subs {
		if sub.closed.Load() {
			continue
		}
		safeCall(sub, ev)
	}
}

func (mh *memHub) Subscribe(topic string, fn func(Event)) func() {
	sub := &subscriber{
		id: mh.nextId.Add(1),
		fn: fn,
	}

	ts, _ := mh.topics.GetOrCompute(topic, func() *topicSubs {
		return &topicSubs{}
	})

	ts.mu.Lock()
	ts.subs = append(ts.subs, sub)
	ts.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			sub.closed.Store(true)

			ts.mu.Lock()
			for i, s := range ts.subs {
				if s.id == sub.id {
					ts.subs = append(ts.subs[:i:i], ts.subs[i+1:]...)
					break
				}
			}
			ts.mu.Unlock()
		})
	}
}

func (mh *memHub) subscriberCount(topic string) int {
	ts, ok := mh.topics.Get(topic)
	if !ok {
		return 0
	}

	ts.mu.RLock()
	defer ts.mu.RUnlock()

	return len(ts.subs)
}

func safeCall(sub *subscriber, ev Event) {
	defer func() {
		if r := recover(); r != nil {
			lg := mylog.AppLogger()
			lg.Error().Str("topic", ev.Topic).Msgf("realtime subscriber panic, err:%v", r)
		}
	}()

	sub.fn(ev)
}
