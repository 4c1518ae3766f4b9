package followrepo

import (
	"context"

	"github.com/gocraft/dbr/v2"
	"github.com/sweemingdow/sdchat/micros/chatsrv/internal/repostories/dbutil"
)

type (
	FollowRepository interface {
		Follow(ctx context.Context, follower, followee string) error

		Unfollow(ctx context.Context, follower, followee string) error

		// IsMutual reports whether a follows b and b follows a.
		IsMutual(ctx context.Context, a, b string) (bool, error)

		Followees(ctx context.Context, follower string) ([]string, error)
	}

	followRepository struct {
		sc *dbutil.SqlClient
	}
)

func NewFollowRepository(sc *dbutil.SqlClient) FollowRepository {
	return &followRepository{
		sc: sc,
	}
}

func (fr *followRepository) Follow(ctx context.Context, follower, followee string) error {
	err := fr.sc.WithSess(func(sess *dbr.Session) error {
		_, e := sess.InsertInto("t_follow").
			Pair("follower", follower).
			Pair("followee", followee).
			Pair("cts", dbutil.NowMs()).
			ExecContext(ctx)
		return e
	})

	if dbutil.IsDuplicateKey(err) {
		return nil
	}

	return err
}

func (fr *followRepository) Unfollow(ctx context.Context, follower, followee string) error {
	return fr.sc.WithSess(func(sess *dbr.Session) error {
		_, e := sess.DeleteFrom("t_follow").
			Where("follower = ? and followee = ?", follower, followee).
			ExecContext(ctx)
		return e
	})
}

func (fr *followRepository) IsMutual(ctx context.Context, a, b string) (bool, error) {
	if a == b {
		return false, nil
	}

	var cnt int
	err := fr.sc.WithSess(func(sess *dbr.Session) error {
		return sess.Select("count(*)").
			From("t_follow").
			Where("(follower = ? and followee = ?) or (follower = ? and followee = ?)", a, b, b, a).
			LoadOneContext(ctx, &cnt)
	})

	return cnt == 2, err
}

func (fr *followRepository) Followees(ctx context.Context, follower string) ([]string, error) {
	var uids []string
	err := fr.sc.WithSess(func(sess *dbr.Session) error {
		_, e := sess.Select("followee").
			From("t_follow").
			Where("follower = ?", follower).
			OrderAsc("cts").
			LoadContext(ctx, &uids)
		return e
	})
	return uids, err
}
