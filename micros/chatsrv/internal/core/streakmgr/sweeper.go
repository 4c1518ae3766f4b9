package streakmgr

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/adhocore/gronx"
	"github.com/sweemingdow/sdchat/micros/chatsrv/internal/repostories/streakrepo"
	"github.com/sweemingdow/sdchat/pkg/mylog"
)

const (
	SweeperLifetimeTag = "streak-sweeper"

	DefaultSweepCron = "5 0 * * *"
)

// Sweeper zeroes lapsed streaks on a cron schedule so stored counts match
// what Get reports.
type Sweeper struct {
	sr     streakrepo.StreakRepository
	expr   string
	loc    *time.Location
	now    func() time.Time
	done   chan struct{}
	closed atomic.Bool
}

func NewSweeper(sr streakrepo.StreakRepository, expr string, loc *time.Location) (*Sweeper, error) {
	if expr == "" {
		expr = DefaultSweepCron
	}

	if !gronx.New().IsValid(expr) {
		return nil, &InvalidCronErr{Expr: expr}
	}

	if loc == nil {
		loc = time.Local
	}

	return &Sweeper{
		sr:   sr,
		expr: expr,
		loc:  loc,
		now:  time.Now,
		done: make(chan struct{}),
	}, nil
}

type InvalidCronErr struct {
	Expr string
}

func (e *InvalidCronErr) Error() string {
	return "invalid streak sweep cron: " + e.Expr
}

func (sw *Sweeper) Start() {
	go sw.loop()
}

func (sw *Sweeper) loop() {
	lg := mylog.AppLogger()

	for {
		next, err := gronx.NextTickAfter(sw.expr, sw.now().In(sw.loc), false)
		if err != nil {
			lg.Error().Stack().Err(err).Str("cron", sw.expr).Msg("compute next streak sweep failed")
			return
		}

		timer := time.NewTimer(time.Until(next))
		select {
		case <-sw.done:
			timer.Stop()
			return
		case <-timer.C:
		}

		ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
		rows, err := sw.SweepOnce(ctx)
		cancel()

		if err != nil {
			lg.Error().Stack().Err(err).Msg("streak sweep failed")
			continue
		}

		lg.Info().Int64("rows", rows).Msg("streak sweep done")
	}
}

// SweepOnce zeroes every streak whose last day is before yesterday.
func (sw *Sweeper) SweepOnce(ctx context.Context) (int64, error) {
	lt := sw.now().In(sw.loc)
	yesterday := time.Date(lt.Year(), lt.Month(), lt.Day()-1, 12, 0, 0, 0, sw.loc).Format(dayLayout)

	return sw.sr.ZeroLapsed(ctx, yesterday)
}

func (sw *Sweeper) GracefulStop(_ context.Context) error {
	if !sw.closed.CompareAndSwap(false, true) {
		return nil
	}

	close(sw.done)
	return nil
}
