package ephem

import (
	"context"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sweemingdow/sdchat/pkg/mylog"
)

const ReaperLifetimeTag = "ephem-reaper"

// Reaper applies the disconnect hooks of sessions whose lease lapsed, e.g.
// a chatsrv node that crashed. Any number of nodes may run one, ZREM decides
// which of them owns a lapsed session.
type Reaper struct {
	rc       redis.UniversalClient
	interval time.Duration
	done     chan struct{}
	closed   atomic.Bool
}

func NewReaper(rc redis.UniversalClient, interval time.Duration) *Reaper {
	if interval <= 0 {
		interval = defaultPingIntv
	}

	return &Reaper{
		rc:       rc,
		interval: interval,
		done:     make(chan struct{}),
	}
}

func (r *Reaper) Start() {
	go func() {
		ticker := time.NewTicker(r.interval)
		defer ticker.Stop()

		for {
			select {
			case <-r.done:
				return
			case <-ticker.C:
				ctx, cancel := context.WithTimeout(context.Background(), r.interval)
				_, _ = r.ReapOnce(ctx, time.Now())
				cancel()
			}
		}
	}()
}

// ReapOnce returns how many sessions it reaped.
func (r *Reaper) ReapOnce(ctx context.Context, now time.Time) (int, error) {
	lg := mylog.AppLogger()

	sids, err := r.rc.ZRangeByScore(ctx, leaseZsetKey, &redis.ZRangeBy{
		Min: "-inf",
		Max: strconv.FormatInt(now.UnixMilli(), 10),
	}).Result()
	if err != nil {
		lg.Warn().Err(err).Msg("scan lapsed ephemeral leases failed")
		return 0, err
	}

	reaped := 0
	for _, sid := range sids {
		removed, e := r.rc.ZRem(ctx, leaseZsetKey, sid).Result()
		if e != nil {
			lg.Warn().Err(e).Str("session_id", sid).Msg("claim lapsed lease failed")
			continue
		}

		if removed == 0 {
			continue
		}

		applied, e := applyHooks(ctx, r.rc, sid)
		if e != nil {
			lg.Warn().Err(e).Str("session_id", sid).Msg("reap session failed")
			continue
		}

		lg.Debug().Str("session_id", sid).Int("hooks", applied).Msg("reaped lapsed session")
		reaped++
	}

	return reaped, nil
}

func (r *Reaper) GracefulStop(_ context.Context) error {
	if !r.closed.CompareAndSwap(false, true) {
		return nil
	}

	close(r.done)
	return nil
}
