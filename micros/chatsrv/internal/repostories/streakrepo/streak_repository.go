package streakrepo

import (
	"context"
	"errors"

	"github.com/gocraft/dbr/v2"
	"github.com/sweemingdow/sdchat/micros/chatsrv/internal/repostories/dbutil"
)

// StreakPojo.LastDay is a calendar day formatted as 2006-01-02.
type StreakPojo struct {
	StreakKey string `db:"streak_key"`
	Cnt       int    `db:"cnt"`
	LastDay   string `db:"last_day"`
	Uts       int64  `db:"uts"`
}

const (
	mysqlEnsureRow  = "insert into t_streak (streak_key, cnt, last_day, uts) values (?, 0, '', ?) on duplicate key update streak_key = streak_key"
	sqliteEnsureRow = "insert into t_streak (streak_key, cnt, last_day, uts) values (?, 0, '', ?) on conflict (streak_key) do nothing"
)

// errNoWrite rolls back the placeholder row of a key fn declined to create
var errNoWrite = errors.New("streak left unwritten")

type (
	StreakRepository interface {
		Find(ctx context.Context, key string) (*StreakPojo, error)

		// Update runs fn on the current row (nil when absent) inside a
		// transaction and stores what it returns. A nil result skips the write.
		Update(ctx context.Context, key string, fn func(cur *StreakPojo) *StreakPojo) (*StreakPojo, error)

		// ZeroLapsed sets cnt to 0 where last_day is before the given day.
		ZeroLapsed(ctx context.Context, beforeDay string) (int64, error)
	}

	streakRepository struct {
		sc *dbutil.SqlClient
	}
)

func NewStreakRepository(sc *dbutil.SqlClient) StreakRepository {
	return &streakRepository{
		sc: sc,
	}
}

func (sr *streakRepository) Find(ctx context.Context, key string) (*StreakPojo, error) {
	var pojos []*StreakPojo
	err := sr.sc.WithSess(func(sess *dbr.Session) error {
		_, e := sess.Select("*").From("t_streak").Where("streak_key = ?", key).LoadContext(ctx, &pojos)
		return e
	})

	if err != nil || len(pojos) == 0 {
		return nil, err
	}

	return pojos[0], nil
}

func (sr *streakRepository) Update(ctx context.Context, key string, fn func(cur *StreakPojo) *StreakPojo) (*StreakPojo, error) {
	ensure := mysqlEnsureRow
	if sr.sc.IsSqlite() {
		ensure = sqliteEnsureRow
	}

	var result *StreakPojo
	err := sr.sc.WithTransCtx(ctx, func(ctx context.Context, tx *dbr.Tx) error {
		// first writers of a key meet on the row lock instead of racing the insert
		if _, e := tx.InsertBySql(ensure, key, dbutil.NowMs()).ExecContext(ctx); e != nil {
			return e
		}

		stmt := tx.Select("*").From("t_streak").Where("streak_key = ?", key)
		if !sr.sc.IsSqlite() {
			stmt = stmt.Suffix("for update")
		}

		var pojos []*StreakPojo
		if _, e := stmt.LoadContext(ctx, &pojos); e != nil {
			return e
		}

		var cur *StreakPojo
		if len(pojos) > 0 && pojos[0].LastDay != "" {
			cur = pojos[0]
		}

		next := fn(cur)
		if next == nil {
			result = cur
			if cur == nil {
				return errNoWrite
			}
			return nil
		}

		next.StreakKey = key
		next.Uts = dbutil.NowMs()
		result = next

		_, e := tx.Update("t_streak").
			Set("cnt", next.Cnt).
			Set("last_day", next.LastDay).
			Set("uts", next.Uts).
			Where("streak_key = ?", key).
			ExecContext(ctx)
		return e
	})

	if errors.Is(err, errNoWrite) {
		return nil, nil
	}

	return result, err
}

func (sr *streakRepository) ZeroLapsed(ctx context.Context, beforeDay string) (int64, error) {
	var rows int64
	err := sr.sc.WithSess(func(sess *dbr.Session) error {
		rst, e := sess.Update("t_streak").
			Set("cnt", 0).
			Set("uts", dbutil.NowMs()).
			Where("last_day < ? and cnt > 0", beforeDay).
			ExecContext(ctx)
		if e != nil {
			return e
		}

		rows, _ = rst.RowsAffected()
		return nil
	})
	return rows, err
}
