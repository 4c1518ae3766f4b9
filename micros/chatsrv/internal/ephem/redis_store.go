package ephem

import (
	"context"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/alphadose/haxmap"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/sweemingdow/sdchat/external/emodel/presmodel"
	"github.com/sweemingdow/sdchat/pkg/constt"
	"github.com/sweemingdow/sdchat/pkg/mylog"
	"github.com/sweemingdow/sdchat/pkg/parser/json"
)

const (
	RedisBackendLifetimeTag = "ephem-redis-backend"

	kvKeyPrefix     = "ephem:kv:"
	changeChPrefix  = "ephem:ch:"
	onDcKeyPrefix   = "ephem:ondc:"
	leaseZsetKey    = "ephem:leases"
	fieldState      = "state"
	fieldChangedAt  = "changed_at"
	defaultLeaseTTL = 15 * time.Second
	defaultPingIntv = 5 * time.Second
)

type RedisOptions struct {
	PingInterval time.Duration
	// a session whose lease is older than this is reaped
	LeaseTTL time.Duration
}

func (ro *RedisOptions) applyDefaults() {
	if ro.PingInterval <= 0 {
		ro.PingInterval = defaultPingIntv
	}
	if ro.LeaseTTL <= ro.PingInterval {
		ro.LeaseTTL = max(defaultLeaseTTL, 3*ro.PingInterval)
	}
}

type changeMsg struct {
	Key string           `json:"key"`
	Rec presmodel.Record `json:"rec"`
}

// RedisBackend shares one client, one pattern subscription and one ping loop
// among all connections opened on this node.
type RedisBackend struct {
	rc        redis.UniversalClient
	opts      RedisOptions
	ws        watchers
	sessions  *haxmap.Map[string, *RedisConn]
	connected atomic.Bool
	pubsub    *redis.PubSub
	done      chan struct{}
	closed    atomic.Bool
}

func NewRedisBackend(ctx context.Context, rc redis.UniversalClient, opts RedisOptions) (*RedisBackend, error) {
	opts.applyDefaults()

	ps := rc.PSubscribe(ctx, changeChPrefix+"*")
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, err
	}

	rb := &RedisBackend{
		rc:       rc,
		opts:     opts,
		sessions: haxmap.New[string, *RedisConn](),
		pubsub:   ps,
		done:     make(chan struct{}),
	}
	rb.connected.Store(true)

	go rb.receiveLoop()
	go rb.pingLoop()

	return rb, nil
}

func (rb *RedisBackend) Open(ctx context.Context) (Conn, error) {
	if rb.closed.Load() {
		return nil, ErrConnClosed
	}

	conn := &RedisConn{
		rb:        rb,
		sessionId: uuid.NewString(),
	}

	rb.sessions.Set(conn.sessionId, conn)

	if err := rb.renewLeases(ctx, []string{conn.sessionId}); err != nil {
		rb.sessions.Del(conn.sessionId)
		return nil, err
	}

	return conn, nil
}

func (rb *RedisBackend) GracefulStop(ctx context.Context) error {
	if !rb.closed.CompareAndSwap(false, true) {
		return nil
	}

	close(rb.done)

	var conns []*RedisConn
	rb.sessions.ForEach(func(_ string, c *RedisConn) bool {
		conns = append(conns, c)
		return true
	})

	for _, c := range conns {
		_ = c.Close(ctx)
	}

	return rb.pubsub.Close()
}

func (rb *RedisBackend) receiveLoop() {
	lg := mylog.AppLogger()

	ch := rb.pubsub.Channel()
	for {
		select {
		case <-rb.done:
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}

			var cm changeMsg
			if err := json.ParseStr(msg.Payload, &cm); err != nil {
				lg.Warn().Err(err).Str("channel", msg.Channel).Msg("drop malformed ephemeral change")
				continue
			}

			if cm.Key == "" {
				cm.Key = strings.TrimPrefix(msg.Channel, changeChPrefix)
			}

			rb.ws.notify(cm.Key, cm.Rec)
		}
	}
}

func (rb *RedisBackend) pingLoop() {
	lg := mylog.AppLogger()

	ticker := time.NewTicker(rb.opts.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-rb.done:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), rb.opts.PingInterval)
			err := rb.rc.Ping(ctx).Err()

			if err == nil {
				var sids []string
				rb.sessions.ForEach(func(sid string, _ *RedisConn) bool {
					sids = append(sids, sid)
					return true
				})
				err = rb.renewLeases(ctx, sids)
			}
			cancel()

			up := err == nil
			if rb.connected.CompareAndSwap(!up, up) {
				state := constt.Disconnected
				if up {
					state = constt.Connected
				}

				lg.Info().Bool("connected", up).Err(err).Msg("ephemeral store connection changed")

				rb.sessions.ForEach(func(_ string, c *RedisConn) bool {
					c.listeners.notify(state)
					return true
				})
			}
		}
	}
}

func (rb *RedisBackend) renewLeases(ctx context.Context, sids []string) error {
	if len(sids) == 0 {
		return nil
	}

	deadline := float64(time.Now().Add(rb.opts.LeaseTTL).UnixMilli())
	zs := make([]redis.Z, len(sids))
	for i, sid := range sids {
		zs[i] = redis.Z{Score: deadline, Member: sid}
	}

	return rb.rc.ZAdd(ctx, leaseZsetKey, zs...).Err()
}

func writeRecord(ctx context.Context, rc redis.UniversalClient, key string, rec presmodel.Record, ttl time.Duration) error {
	body, err := json.FmtStr(changeMsg{Key: key, Rec: rec})
	if err != nil {
		return err
	}

	_, err = rc.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		hk := kvKeyPrefix + key
		pipe.HSet(ctx, hk, fieldState, string(rec.State), fieldChangedAt, rec.ChangedAt)
		if ttl > 0 {
			pipe.PExpire(ctx, hk, ttl)
		} else {
			pipe.Persist(ctx, hk)
		}
		pipe.Publish(ctx, changeChPrefix+key, body)
		return nil
	})

	return err
}

// applyHooks writes every armed hook of sid. Callers own sid's lease.
func applyHooks(ctx context.Context, rc redis.UniversalClient, sid string) (int, error) {
	hooks, err := rc.HGetAll(ctx, onDcKeyPrefix+sid).Result()
	if err != nil {
		return 0, err
	}

	lg := mylog.AppLogger()

	applied := 0
	for key, raw := range hooks {
		var rec presmodel.Record
		if err = json.ParseStr(raw, &rec); err != nil {
			lg.Warn().Err(err).Str("session_id", sid).Str("key", key).Msg("skip malformed disconnect hook")
			continue
		}

		if err = writeRecord(ctx, rc, key, rec, 0); err != nil {
			lg.Warn().Err(err).Str("session_id", sid).Str("key", key).Msg("apply disconnect hook failed")
			continue
		}
		applied++
	}

	return applied, rc.Del(ctx, onDcKeyPrefix+sid).Err()
}

type RedisConn struct {
	rb        *RedisBackend
	sessionId string
	listeners connListeners
	closeOnce sync.Once
	closed    atomic.Bool
}

func (c *RedisConn) SessionId() string {
	return c.sessionId
}

func (c *RedisConn) Set(ctx context.Context, key string, rec presmodel.Record) error {
	return c.SetTTL(ctx, key, rec, 0)
}

func (c *RedisConn) SetTTL(ctx context.Context, key string, rec presmodel.Record, ttl time.Duration) error {
	if c.closed.Load() {
		return ErrConnClosed
	}
	return writeRecord(ctx, c.rb.rc, key, rec, ttl)
}

func (c *RedisConn) Get(ctx context.Context, key string) (presmodel.Record, bool, error) {
	vals, err := c.rb.rc.HGetAll(ctx, kvKeyPrefix+key).Result()
	if err != nil {
		return presmodel.Record{}, false, err
	}

	if len(vals) == 0 {
		return presmodel.Record{}, false, nil
	}

	changedAt, _ := strconv.ParseInt(vals[fieldChangedAt], 10, 64)
	return presmodel.Record{
		State:     presmodel.State(vals[fieldState]),
		ChangedAt: changedAt,
	}, true, nil
}

func (c *RedisConn) Watch(key string, fn WatchFunc) func() {
	return c.rb.ws.add(key, false, fn)
}

func (c *RedisConn) WatchPrefix(prefix string, fn WatchFunc) func() {
	return c.rb.ws.add(prefix, true, fn)
}

func (c *RedisConn) OnConnectionState(fn func(constt.ConnState)) func() {
	unsub := c.listeners.add(fn)

	state := constt.Disconnected
	if c.rb.connected.Load() && !c.closed.Load() {
		state = constt.Connected
	}
	fn(state)

	return unsub
}

func (c *RedisConn) OnDisconnect(ctx context.Context, key string, rec presmodel.Record) error {
	if c.closed.Load() {
		return ErrConnClosed
	}

	raw, err := json.FmtStr(rec)
	if err != nil {
		return err
	}

	if err = c.rb.rc.HSet(ctx, onDcKeyPrefix+c.sessionId, key, raw).Err(); err != nil {
		return err
	}

	return c.rb.renewLeases(ctx, []string{c.sessionId})
}

func (c *RedisConn) CancelOnDisconnect(ctx context.Context, key string) error {
	return c.rb.rc.HDel(ctx, onDcKeyPrefix+c.sessionId, key).Err()
}

func (c *RedisConn) Close(ctx context.Context) error {
	var err error
	c.closeOnce.Do(func() {
		c.closed.Store(true)
		c.rb.sessions.Del(c.sessionId)

		removed, e := c.rb.rc.ZRem(ctx, leaseZsetKey, c.sessionId).Result()
		if e != nil {
			err = e
			return
		}

		// a reaper already took the lease and applies the hooks
		if removed == 0 {
			return
		}

		_, err = applyHooks(ctx, c.rb.rc, c.sessionId)
	})
	return err
}
