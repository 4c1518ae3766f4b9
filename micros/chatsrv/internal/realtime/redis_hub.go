package realtime

import (
	"context"
	"strings"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sweemingdow/sdchat/pkg/mylog"
	"github.com/sweemingdow/sdchat/pkg/parser/json"
)

const (
	RedisHubLifetimeTag = "realtime-redis-hub"

	channelPrefix = "sdchat:rt:"
)

// RedisHub fans events out across chatsrv nodes. Every node keeps a local
// memHub and a single pattern subscription that feeds it.
type RedisHub struct {
	rc     redis.UniversalClient
	local  *memHub
	pubsub *redis.PubSub
	done   chan struct{}
	closed atomic.Bool
}

func NewRedisHub(ctx context.Context, rc redis.UniversalClient) (*RedisHub, error) {
	ps := rc.PSubscribe(ctx, channelPrefix+"*")

	// wait for the subscription to be confirmed
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, err
	}

	rh := &RedisHub{
		rc:     rc,
		local:  newMemHub(),
		pubsub: ps,
		done:   make(chan struct{}),
	}

	go rh.receiveLoop()

	return rh, nil
}

func (rh *RedisHub) Publish(ctx context.Context, ev Event) error {
	if ev.Ts == 0 {
		ev.Ts = time.Now().UnixMilli()
	}

	body, err := json.FmtStr(ev)
	if err != nil {
		return err
	}

	return rh.rc.Publish(ctx, channelPrefix+ev.Topic, body).Err()
}

func (rh *RedisHub) Subscribe(topic string, fn func(Event)) func() {
	return rh.local.Subscribe(topic, fn)
}

func (rh *RedisHub) receiveLoop() {
	lg := mylog.AppLogger()

	ch := rh.pubsub.Channel()
	for {
		select {
		case <-rh.done:
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}

			var ev Event
			if err := json.ParseStr(msg.Payload, &ev); err != nil {
				lg.Warn().Err(err).Str("channel", msg.Channel).Msg("drop malformed realtime event")
				continue
			}

			if ev.Topic == "" {
				ev.Topic = strings.TrimPrefix(msg.Channel, channelPrefix)
			}

			rh.local.dispatch(ev)
		}
	}
}

func (rh *RedisHub) GracefulStop(_ context.Context) error {
	if !rh.closed.CompareAndSwap(false, true) {
		return nil
	}

	close(rh.done)

	return rh.pubsub.Close()
}
