package convrepo

import (
	"context"
	"errors"
	"math"

	"github.com/gocraft/dbr/v2"
	"github.com/sweemingdow/sdchat/external/eglobal/chatconst"
	"github.com/sweemingdow/sdchat/external/emodel/convmodel"
	"github.com/sweemingdow/sdchat/micros/chatsrv/internal/repostories/dbutil"
)

var ErrConvExists = errors.New("conversation already exists")

type (
	ConvPojo struct {
		ConvId         string `db:"conv_id"`
		Kind           int8   `db:"kind"`
		Status         int8   `db:"status"`
		Creator        string `db:"creator"`
		Title          string `db:"title"`
		Pinned         int8   `db:"pinned"`
		Muted          int8   `db:"muted"`
		LastMsg        string `db:"last_msg"`
		LastMsgSender  string `db:"last_msg_sender"`
		LastMsgId      int64  `db:"last_msg_id"`
		LastMsgTs      int64  `db:"last_msg_ts"`
		MsgSeq         int64  `db:"msg_seq"`
		MsgFloorTs     int64  `db:"msg_floor_ts"`
		Initiator      string `db:"initiator"`
		Recipient      string `db:"recipient"`
		InviteCode     string `db:"invite_code"`
		InviteExpireAt int64  `db:"invite_expire_at"`
		Cts            int64  `db:"cts"`
		Uts            int64  `db:"uts"`
	}

	MemberPojo struct {
		ConvId     string `db:"conv_id"`
		Uid        string `db:"uid"`
		Role       int8   `db:"role"`
		LastReadTs int64  `db:"last_read_ts"`
		Cts        int64  `db:"cts"`
	}

	Preview struct {
		Text   string
		Sender string
		MsgId  int64
	}
)

const (
	convTable   = "t_conv"
	memberTable = "t_conv_member"
)

type (
	ConvRepository interface {
		// FindConv returns nil, nil when the conversation is missing.
		FindConv(ctx context.Context, convId string) (*convmodel.Conversation, error)

		FindConvByInvite(ctx context.Context, code string) (*convmodel.Conversation, error)

		// InsertConv validates c and writes it with its members. A racing
		// insert of the same id yields ErrConvExists.
		InsertConv(ctx context.Context, c *convmodel.Conversation) error

		// FindUserConvs is recency ordered and includes every broadcast. The
		// page starts after (beforeUts, beforeConvId) in (uts desc, conv_id asc)
		// order, an empty beforeConvId skips everything at beforeUts.
		FindUserConvs(ctx context.Context, uid string, beforeUts int64, beforeConvId string, limit int) ([]*convmodel.Conversation, error)

		// UpdateFlags leaves uts alone, per-viewer settings do not reorder lists.
		UpdateFlags(ctx context.Context, convId string, pinned, muted *bool) error

		// UpdateStatus moves from one status to another, clearing the request
		// fields unless the target is pending. Returns false when the current
		// status was not from.
		UpdateStatus(ctx context.Context, convId string, from, to chatconst.ConvStatus) (bool, error)

		SetRole(ctx context.Context, convId, uid string, role chatconst.MemberRole) error

		// AddMember is a no-op for an existing member and reports false.
		AddMember(ctx context.Context, convId, uid string, role chatconst.MemberRole) (bool, error)

		RemoveMember(ctx context.Context, convId, uid string) (bool, error)

		CountMembers(ctx context.Context, convId string) (int, error)

		SetInvite(ctx context.Context, convId string, invite convmodel.Invite) error

		SetPreview(ctx context.Context, convId string, pv Preview) error

		// MarkRead only moves last_read_ts forward.
		MarkRead(ctx context.Context, convId, uid string, ts int64) (bool, error)

		Touch(ctx context.Context, convId string) error

		// DeleteConv removes the conversation and member rows. Messages stay
		// but a later conversation with the same id never shows them.
		DeleteConv(ctx context.Context, convId string) error
	}

	convRepository struct {
		sc *dbutil.SqlClient
	}
)

func NewConvRepository(sc *dbutil.SqlClient) ConvRepository {
	return &convRepository{
		sc: sc,
	}
}

func (cr *convRepository) FindConv(ctx context.Context, convId string) (*convmodel.Conversation, error) {
	var pojos []*ConvPojo
	err := cr.sc.WithSess(func(sess *dbr.Session) error {
		_, e := sess.Select("*").From(convTable).Where("conv_id = ?", convId).LoadContext(ctx, &pojos)
		return e
	})

	if err != nil {
		return nil, err
	}

	if len(pojos) == 0 {
		return nil, nil
	}

	convs, err := cr.assemble(ctx, pojos)
	if err != nil {
		return nil, err
	}

	return convs[0], nil
}

func (cr *convRepository) FindConvByInvite(ctx context.Context, code string) (*convmodel.Conversation, error) {
	if code == "" {
		return nil, nil
	}

	var pojos []*ConvPojo
	err := cr.sc.WithSess(func(sess *dbr.Session) error {
		_, e := sess.Select("*").From(convTable).Where("invite_code = ?", code).Limit(1).LoadContext(ctx, &pojos)
		return e
	})

	if err != nil {
		return nil, err
	}

	if len(pojos) == 0 {
		return nil, nil
	}

	convs, err := cr.assemble(ctx, pojos)
	if err != nil {
		return nil, err
	}

	return convs[0], nil
}

func (cr *convRepository) InsertConv(ctx context.Context, c *convmodel.Conversation) error {
	if err := c.Validate(); err != nil {
		return err
	}

	pojo := toPojo(c)

	err := cr.sc.WithTransCtx(ctx, func(ctx context.Context, tx *dbr.Tx) error {
		// messages of a deleted incarnation with the same id stay below the floor
		var prev []struct {
			MaxSeq int64 `db:"max_seq"`
			MaxCts int64 `db:"max_cts"`
		}
		_, e := tx.Select("coalesce(max(seq), 0) as max_seq", "coalesce(max(cts), 0) as max_cts").
			From("t_msg").
			Where("conv_id = ?", pojo.ConvId).
			LoadContext(ctx, &prev)
		if e != nil {
			return e
		}

		if len(prev) > 0 && prev[0].MaxCts > 0 {
			pojo.MsgSeq = max(pojo.MsgSeq, prev[0].MaxSeq)
			pojo.LastMsgTs = max(pojo.LastMsgTs, prev[0].MaxCts)
			pojo.MsgFloorTs = prev[0].MaxCts + 1
		}

		_, e = tx.InsertInto(convTable).
			Pair("conv_id", pojo.ConvId).
			Pair("kind", pojo.Kind).
			Pair("status", pojo.Status).
			Pair("creator", pojo.Creator).
			Pair("title", pojo.Title).
			Pair("pinned", pojo.Pinned).
			Pair("muted", pojo.Muted).
			Pair("last_msg", pojo.LastMsg).
			Pair("last_msg_sender", pojo.LastMsgSender).
			Pair("last_msg_id", pojo.LastMsgId).
			Pair("last_msg_ts", pojo.LastMsgTs).
			Pair("msg_seq", pojo.MsgSeq).
			Pair("msg_floor_ts", pojo.MsgFloorTs).
			Pair("initiator", pojo.Initiator).
			Pair("recipient", pojo.Recipient).
			Pair("invite_code", pojo.InviteCode).
			Pair("invite_expire_at", pojo.InviteExpireAt).
			Pair("cts", pojo.Cts).
			Pair("uts", pojo.Uts).
			ExecContext(ctx)
		if e != nil {
			return e
		}

		for _, mp := range memberPojos(c) {
			_, e = tx.InsertInto(memberTable).
				Pair("conv_id", mp.ConvId).
				Pair("uid", mp.Uid).
				Pair("role", mp.Role).
				Pair("last_read_ts", mp.LastReadTs).
				Pair("cts", mp.Cts).
				ExecContext(ctx)
			if e != nil {
				return e
			}
		}

		return nil
	})

	if dbutil.IsDuplicateKey(err) {
		return ErrConvExists
	}

	if err == nil {
		c.MsgSeq = pojo.MsgSeq
		c.LastMsgTs = pojo.LastMsgTs
	}

	return err
}

func (cr *convRepository) FindUserConvs(ctx context.Context, uid string, beforeUts int64, beforeConvId string, limit int) ([]*convmodel.Conversation, error) {
	if beforeUts <= 0 {
		beforeUts = math.MaxInt64
		beforeConvId = ""
	}

	cursor := dbr.Expr("uts < ?", beforeUts)
	if beforeConvId != "" {
		cursor = dbr.Expr("(uts < ? or (uts = ? and conv_id > ?))", beforeUts, beforeUts, beforeConvId)
	}

	var pojos []*ConvPojo
	err := cr.sc.WithSess(func(sess *dbr.Session) error {
		_, e := sess.Select("*").
			From(convTable).
			Where(
				"(kind = ? or conv_id in (select conv_id from t_conv_member where uid = ? and role > 0)) and status != ?",
				chatconst.BroadcastConv,
				uid,
				chatconst.ConvArchived,
			).
			Where(cursor).
			OrderDesc("uts").
			OrderAsc("conv_id").
			Limit(uint64(limit)).
			LoadContext(ctx, &pojos)
		return e
	})

	if err != nil {
		return nil, err
	}

	return cr.assemble(ctx, pojos)
}

func (cr *convRepository) UpdateFlags(ctx context.Context, convId string, pinned, muted *bool) error {
	if pinned == nil && muted == nil {
		return nil
	}

	return cr.sc.WithSess(func(sess *dbr.Session) error {
		stmt := sess.Update(convTable)
		if pinned != nil {
			stmt = stmt.Set("pinned", dbutil.BoolToInt(*pinned))
		}
		if muted != nil {
			stmt = stmt.Set("muted", dbutil.BoolToInt(*muted))
		}

		_, e := stmt.Where("conv_id = ?", convId).ExecContext(ctx)
		return e
	})
}

func (cr *convRepository) UpdateStatus(ctx context.Context, convId string, from, to chatconst.ConvStatus) (bool, error) {
	var rows int64
	err := cr.sc.WithSess(func(sess *dbr.Session) error {
		stmt := sess.Update(convTable).
			Set("status", to).
			Set("uts", dbutil.NowMs())

		if to != chatconst.ConvPending {
			stmt = stmt.Set("initiator", "").Set("recipient", "")
		}

		rst, e := stmt.Where("conv_id = ? and status = ?", convId, from).ExecContext(ctx)
		if e != nil {
			return e
		}

		rows, _ = rst.RowsAffected()
		return nil
	})

	return rows > 0, err
}

func (cr *convRepository) SetRole(ctx context.Context, convId, uid string, role chatconst.MemberRole) error {
	return cr.sc.WithSess(func(sess *dbr.Session) error {
		_, e := sess.Update(memberTable).
			Set("role", role).
			Where("conv_id = ? and uid = ?", convId, uid).
			ExecContext(ctx)
		return e
	})
}

func (cr *convRepository) AddMember(ctx context.Context, convId, uid string, role chatconst.MemberRole) (bool, error) {
	var added bool
	err := cr.sc.WithTransCtx(ctx, func(ctx context.Context, tx *dbr.Tx) error {
		var cnt int
		e := tx.Select("count(*)").
			From(memberTable).
			Where("conv_id = ? and uid = ?", convId, uid).
			LoadOneContext(ctx, &cnt)
		if e != nil {
			return e
		}

		if cnt > 0 {
			return nil
		}

		now := dbutil.NowMs()
		_, e = tx.InsertInto(memberTable).
			Pair("conv_id", convId).
			Pair("uid", uid).
			Pair("role", role).
			Pair("last_read_ts", 0).
			Pair("cts", now).
			ExecContext(ctx)
		if e != nil {
			return e
		}

		_, e = tx.Update(convTable).Set("uts", now).Where("conv_id = ?", convId).ExecContext(ctx)
		if e != nil {
			return e
		}

		added = true
		return nil
	})

	if dbutil.IsDuplicateKey(err) {
		return false, nil
	}

	return added, err
}

func (cr *convRepository) RemoveMember(ctx context.Context, convId, uid string) (bool, error) {
	var rows int64
	err := cr.sc.WithTransCtx(ctx, func(ctx context.Context, tx *dbr.Tx) error {
		rst, e := tx.DeleteFrom(memberTable).Where("conv_id = ? and uid = ?", convId, uid).ExecContext(ctx)
		if e != nil {
			return e
		}

		rows, _ = rst.RowsAffected()
		if rows == 0 {
			return nil
		}

		_, e = tx.Update(convTable).Set("uts", dbutil.NowMs()).Where("conv_id = ?", convId).ExecContext(ctx)
		return e
	})

	return rows > 0, err
}

func (cr *convRepository) CountMembers(ctx context.Context, convId string) (int, error) {
	var cnt int
	err := cr.sc.WithSess(func(sess *dbr.Session) error {
		return sess.Select("count(*)").
			From(memberTable).
			Where("conv_id = ? and role > 0", convId).
			LoadOneContext(ctx, &cnt)
	})
	return cnt, err
}

func (cr *convRepository) SetInvite(ctx context.Context, convId string, invite convmodel.Invite) error {
	return cr.sc.WithSess(func(sess *dbr.Session) error {
		_, e := sess.Update(convTable).
			Set("invite_code", invite.Code).
			Set("invite_expire_at", invite.ExpireAt).
			Where("conv_id = ?", convId).
			ExecContext(ctx)
		return e
	})
}

func (cr *convRepository) SetPreview(ctx context.Context, convId string, pv Preview) error {
	return cr.sc.WithSess(func(sess *dbr.Session) error {
		_, e := sess.Update(convTable).
			Set("last_msg", pv.Text).
			Set("last_msg_sender", pv.Sender).
			Set("last_msg_id", pv.MsgId).
			Where("conv_id = ?", convId).
			ExecContext(ctx)
		return e
	})
}

func (cr *convRepository) MarkRead(ctx context.Context, convId, uid string, ts int64) (bool, error) {
	var rows int64
	err := cr.sc.WithSess(func(sess *dbr.Session) error {
		rst, e := sess.Update(memberTable).
			Set("last_read_ts", ts).
			Where("conv_id = ? and uid = ? and last_read_ts < ?", convId, uid, ts).
			ExecContext(ctx)
		if e != nil {
			return e
		}

		rows, _ = rst.RowsAffected()
		return nil
	})

	return rows > 0, err
}

func (cr *convRepository) Touch(ctx context.Context, convId string) error {
	return cr.sc.WithSess(func(sess *dbr.Session) error {
		_, e := sess.Update(convTable).Set("uts", dbutil.NowMs()).Where("conv_id = ?", convId).ExecContext(ctx)
		return e
	})
}

func (cr *convRepository) DeleteConv(ctx context.Context, convId string) error {
	return cr.sc.WithTransCtx(ctx, func(ctx context.Context, tx *dbr.Tx) error {
		if _, e := tx.DeleteFrom(memberTable).Where("conv_id = ?", convId).ExecContext(ctx); e != nil {
			return e
		}

		_, e := tx.DeleteFrom(convTable).Where("conv_id = ?", convId).ExecContext(ctx)
		return e
	})
}

func (cr *convRepository) assemble(ctx context.Context, pojos []*ConvPojo) ([]*convmodel.Conversation, error) {
	if len(pojos) == 0 {
		return nil, nil
	}

	convIds := make([]string, len(pojos))
	for i, p := range pojos {
		convIds[i] = p.ConvId
	}

	var members []*MemberPojo
	err := cr.sc.WithSess(func(sess *dbr.Session) error {
		_, e := sess.Select("*").
			From(memberTable).
			Where("conv_id in ?", convIds).
			OrderAsc("cts").
			OrderAsc("uid").
			LoadContext(ctx, &members)
		return e
	})

	if err != nil {
		return nil, err
	}

	convId2members := make(map[string][]*MemberPojo, len(pojos))
	for _, m := range members {
		convId2members[m.ConvId] = append(convId2members[m.ConvId], m)
	}

	convs := make([]*convmodel.Conversation, len(pojos))
	for i, p := range pojos {
		convs[i] = fromPojo(p, convId2members[p.ConvId])
	}

	return convs, nil
}
