package presencerepo

import (
	"context"

	"github.com/gocraft/dbr/v2"
	"github.com/sweemingdow/sdchat/external/emodel/presmodel"
	"github.com/sweemingdow/sdchat/micros/chatsrv/internal/repostories/dbutil"
)

type PresencePojo struct {
	Uid          string `db:"uid"`
	State        string `db:"state"`
	LastActiveTs int64  `db:"last_active_ts"`
	Uts          int64  `db:"uts"`
}

type (
	// PresenceRepository holds the authoritative last-active timestamp.
	PresenceRepository interface {
		Save(ctx context.Context, uid string, state presmodel.State, lastActiveTs int64) error

		// Find returns nil, nil for a user that never came online.
		Find(ctx context.Context, uid string) (*PresencePojo, error)
	}

	presenceRepository struct {
		sc *dbutil.SqlClient
	}
)

func NewPresenceRepository(sc *dbutil.SqlClient) PresenceRepository {
	return &presenceRepository{
		sc: sc,
	}
}

func (pr *presenceRepository) Save(ctx context.Context, uid string, state presmodel.State, lastActiveTs int64) error {
	err := pr.sc.WithTransCtx(ctx, func(ctx context.Context, tx *dbr.Tx) error {
		now := dbutil.NowMs()

		rst, e := tx.Update("t_user_presence").
			Set("state", string(state)).
			Set("last_active_ts", lastActiveTs).
			Set("uts", now).
			Where("uid = ?", uid).
			ExecContext(ctx)
		if e != nil {
			return e
		}

		if rows, _ := rst.RowsAffected(); rows > 0 {
			return nil
		}

		_, e = tx.InsertInto("t_user_presence").
			Pair("uid", uid).
			Pair("state", string(state)).
			Pair("last_active_ts", lastActiveTs).
			Pair("uts", now).
			ExecContext(ctx)
		return e
	})

	// lost an insert race, the other writer's row is as fresh
	if dbutil.IsDuplicateKey(err) {
		return nil
	}

	return err
}

func (pr *presenceRepository) Find(ctx context.Context, uid string) (*PresencePojo, error) {
	var pojos []*PresencePojo
	err := pr.sc.WithSess(func(sess *dbr.Session) error {
		_, e := sess.Select("*").From("t_user_presence").Where("uid = ?", uid).LoadContext(ctx, &pojos)
		return e
	})

	if err != nil || len(pojos) == 0 {
		return nil, err
	}

	return pojos[0], nil
}
