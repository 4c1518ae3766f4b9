package streakmgr

import (
	"context"
	"time"

	"github.com/sweemingdow/sdchat/micros/chatsrv/internal/core"
	"github.com/sweemingdow/sdchat/micros/chatsrv/internal/repostories/streakrepo"
)

const dayLayout = "2006-01-02"

type streakManager struct {
	sr  streakrepo.StreakRepository
	loc *time.Location
	now func() time.Time
}

func NewStreakManager(sr streakrepo.StreakRepository, loc *time.Location) core.StreakManager {
	return newStreakManager(sr, loc, time.Now)
}

func newStreakManager(sr streakrepo.StreakRepository, loc *time.Location, now func() time.Time) *streakManager {
	if loc == nil {
		loc = time.Local
	}

	return &streakManager{
		sr:  sr,
		loc: loc,
		now: now,
	}
}

func (sm *streakManager) day(t time.Time) string {
	return t.In(sm.loc).Format(dayLayout)
}

// prevDay steps back one calendar day, not 24h, so DST days count once.
func (sm *streakManager) prevDay(t time.Time) string {
	lt := t.In(sm.loc)
	return time.Date(lt.Year(), lt.Month(), lt.Day()-1, 12, 0, 0, 0, sm.loc).Format(dayLayout)
}

func (sm *streakManager) Record(ctx context.Context, key string, now time.Time) (int, bool, error) {
	today := sm.day(now)
	yesterday := sm.prevDay(now)

	var changed bool
	pojo, err := sm.sr.Update(ctx, key, func(cur *streakrepo.StreakPojo) *streakrepo.StreakPojo {
		switch {
		case cur == nil:
			changed = true
			return &streakrepo.StreakPojo{Cnt: 1, LastDay: today}
		case cur.LastDay == today:
			return nil
		case cur.LastDay > today:
			// a writer with a later clock got there first
			return nil
		case cur.LastDay == yesterday && cur.Cnt > 0:
			changed = true
			return &streakrepo.StreakPojo{Cnt: cur.Cnt + 1, LastDay: today}
		default:
			changed = true
			return &streakrepo.StreakPojo{Cnt: 1, LastDay: today}
		}
	})

	if err != nil {
		return 0, false, err
	}

	return pojo.Cnt, changed, nil
}

func (sm *streakManager) Get(ctx context.Context, key string) (core.Streak, error) {
	pojo, err := sm.sr.Find(ctx, key)
	if err != nil {
		return core.Streak{}, err
	}

	if pojo == nil {
		return core.Streak{Key: key}, nil
	}

	st := core.Streak{Key: key, Count: pojo.Cnt, LastDay: pojo.LastDay}

	now := sm.now()
	if pojo.LastDay != sm.day(now) && pojo.LastDay != sm.prevDay(now) {
		st.Count = 0
	}

	return st, nil
}
