package streakmgr

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/sweemingdow/sdchat/micros/chatsrv/internal/repostories/dbutil/dbtest"
	"github.com/sweemingdow/sdchat/micros/chatsrv/internal/repostories/streakrepo"
)

func TestRecordCalendarDays(t *testing.T) {
	ctx := context.Background()
	loc := time.FixedZone("UTC+8", 8*3600)
	sr := streakrepo.NewStreakRepository(dbtest.NewSqlite(t))

	now := time.Date(2026, 3, 1, 23, 50, 0, 0, loc)
	sm := newStreakManager(sr, loc, func() time.Time { return now })

	cnt, changed, err := sm.Record(ctx, "conv:x", now)
	require.NoError(t, err)
	assert.Equal(t, 1, cnt)
	assert.True(t, changed)

	// same calendar day
	cnt, changed, err = sm.Record(ctx, "conv:x", now.Add(5*time.Minute))
	require.NoError(t, err)
	assert.Equal(t, 1, cnt)
	assert.False(t, changed)

	// 20 minutes later is the next calendar day in loc
	next := now.Add(20 * time.Minute)
	cnt, changed, err = sm.Record(ctx, "conv:x", next)
	require.NoError(t, err)
	assert.Equal(t, 2, cnt)
	assert.True(t, changed)

	// skip a day
	later := next.Add(48 * time.Hour)
	cnt, _, err = sm.Record(ctx, "conv:x", later)
	require.NoError(t, err)
	assert.Equal(t, 1, cnt)
}

func TestGetLapses(t *testing.T) {
	ctx := context.Background()
	loc := time.UTC
	sr := streakrepo.NewStreakRepository(dbtest.NewSqlite(t))

	day1 := time.Date(2026, 5, 10, 10, 0, 0, 0, loc)
	now := day1
	sm := newStreakManager(sr, loc, func() time.Time { return now })

	_, _, err := sm.Record(ctx, "story:u", day1)
	require.NoError(t, err)
	_, _, err = sm.Record(ctx, "story:u", day1.Add(24*time.Hour))
	require.NoError(t, err)

	now = day1.Add(48 * time.Hour)
	st, err := sm.Get(ctx, "story:u")
	require.NoError(t, err)
	assert.Equal(t, 2, st.Count)

	now = day1.Add(72 * time.Hour)
	st, err = sm.Get(ctx, "story:u")
	require.NoError(t, err)
	assert.Equal(t, 0, st.Count)

	sw, err := NewSweeper(sr, "", loc)
	require.NoError(t, err)
	sw.now = func() time.Time { return now }

	rows, err := sw.SweepOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), rows)

	missing, err := sm.Get(ctx, "nobody")
	require.NoError(t, err)
	assert.Equal(t, 0, missing.Count)
}

func TestSweeperRejectsBadCron(t *testing.T) {
	_, err := NewSweeper(nil, "not a cron", time.UTC)
	assert.Error(t, err)
}
