package msgrepo

import (
	"context"
	"math"

	"github.com/gocraft/dbr/v2"
	"github.com/sweemingdow/sdchat/external/emodel/msgmodel"
	"github.com/sweemingdow/sdchat/external/erespcode"
	"github.com/sweemingdow/sdchat/micros/chatsrv/internal/repostories/dbutil"
	"github.com/sweemingdow/sdchat/pkg/parser/json"
)

type MsgPojo struct {
	MsgId       int64  `db:"msg_id"`
	ConvId      string `db:"conv_id"`
	ClientId    string `db:"client_id"`
	Sender      string `db:"sender"`
	Text        string `db:"text"`
	MediaUrl    string `db:"media_url"`
	MediaKind   string `db:"media_kind"`
	Seq         int64  `db:"seq"`
	Cts         int64  `db:"cts"`
	Deleted     int8   `db:"deleted"`
	EditedAt    int64  `db:"edited_at"`
	ReplyJson   string `db:"reply_json"`
	ForwardJson string `db:"forward_json"`
}

type (
	msgUidPojo struct {
		MsgId int64  `db:"msg_id"`
		Uid   string `db:"uid"`
	}

	reactionPojo struct {
		MsgId int64  `db:"msg_id"`
		Emoji string `db:"emoji"`
		Uid   string `db:"uid"`
	}
)

// floorCond keeps messages of a deleted incarnation of the same conv_id out.
const floorCond = "cts >= (select c.msg_floor_ts from t_conv c where c.conv_id = t_msg.conv_id)"

const (
	msgTable      = "t_msg"
	hiddenTable   = "t_msg_hidden"
	pinTable      = "t_msg_pin"
	reactionTable = "t_msg_reaction"
)

type (
	MsgRepository interface {
		// InsertWithSummary writes m and the conversation summary in one
		// transaction. Cts and Seq are assigned here: Cts is max(now, last+1),
		// both strictly increasing per conversation under concurrent writers.
		InsertWithSummary(ctx context.Context, m *msgmodel.Message, preview string, now int64) error

		// FindMsg returns nil, nil for a missing or orphaned message.
		FindMsg(ctx context.Context, msgId int64) (*msgmodel.Message, error)

		// FindConvMsgs pages backwards from beforeCts, newest first. Messages
		// left behind by a deleted conversation with the same id are skipped.
		FindConvMsgs(ctx context.Context, convId string, beforeCts int64, limit int) ([]*msgmodel.Message, error)

		HideFor(ctx context.Context, msgId int64, uid string) error

		MarkDeleted(ctx context.Context, msgId int64) error

		UpdateText(ctx context.Context, msgId int64, text string, editedAt int64) error

		// TogglePin reports whether uid pins the message afterwards.
		TogglePin(ctx context.Context, msgId int64, uid string) (bool, error)

		// ToggleReaction reports whether the reaction is present afterwards.
		ToggleReaction(ctx context.Context, msgId int64, uid, emoji string) (bool, error)
	}

	msgRepository struct {
		sc *dbutil.SqlClient
	}
)

func NewMsgRepository(sc *dbutil.SqlClient) MsgRepository {
	return &msgRepository{
		sc: sc,
	}
}

func (mr *msgRepository) InsertWithSummary(ctx context.Context, m *msgmodel.Message, preview string, now int64) error {
	replyJson, forwardJson, err := refsToJson(m)
	if err != nil {
		return err
	}

	return mr.sc.WithTransCtx(
		ctx,
		func(ctx context.Context, tx *dbr.Tx) error {
			// bump first so the row lock orders concurrent senders
			rst, e := tx.UpdateBySql(
				"update t_conv set msg_seq = msg_seq + 1, "+
					"last_msg_ts = case when last_msg_ts + 1 > ? then last_msg_ts + 1 else ? end "+
					"where conv_id = ?",
				now, now, m.ConvId,
			).ExecContext(ctx)
			if e != nil {
				return e
			}

			if rows, _ := rst.RowsAffected(); rows == 0 {
				return erespcode.NewConvNotFoundErr(m.ConvId)
			}

			var summaries []struct {
				MsgSeq    int64 `db:"msg_seq"`
				LastMsgTs int64 `db:"last_msg_ts"`
			}

			_, e = tx.Select("msg_seq", "last_msg_ts").
				From("t_conv").
				Where("conv_id = ?", m.ConvId).
				LoadContext(ctx, &summaries)
			if e != nil {
				return e
			}

			if len(summaries) == 0 {
				return erespcode.NewConvNotFoundErr(m.ConvId)
			}

			m.Seq = summaries[0].MsgSeq
			m.Cts = summaries[0].LastMsgTs

			_, e = tx.InsertInto(msgTable).
				Pair("msg_id", m.MsgId).
				Pair("conv_id", m.ConvId).
				Pair("client_id", m.ClientId).
				Pair("sender", m.Sender).
				Pair("text", m.Content.Text).
				Pair("media_url", m.Content.MediaUrl).
				Pair("media_kind", string(m.Content.MediaKind)).
				Pair("seq", m.Seq).
				Pair("cts", m.Cts).
				Pair("deleted", 0).
				Pair("edited_at", 0).
				Pair("reply_json", replyJson).
				Pair("forward_json", forwardJson).
				ExecContext(ctx)
			if e != nil {
				return e
			}

			_, e = tx.Update("t_conv").
				Set("last_msg", preview).
				Set("last_msg_sender", m.Sender).
				Set("last_msg_id", m.MsgId).
				Set("uts", m.Cts).
				Where("conv_id = ?", m.ConvId).
				ExecContext(ctx)

			return e
		})
}

func (mr *msgRepository) FindMsg(ctx context.Context, msgId int64) (*msgmodel.Message, error) {
	var pojos []*MsgPojo
	err := mr.sc.WithSess(func(sess *dbr.Session) error {
		_, e := sess.Select("*").From(msgTable).Where("msg_id = ? and "+floorCond, msgId).LoadContext(ctx, &pojos)
		return e
	})

	if err != nil {
		return nil, err
	}

	if len(pojos) == 0 {
		return nil, nil
	}

	msgs, err := mr.hydrate(ctx, pojos)
	if err != nil {
		return nil, err
	}

	return msgs[0], nil
}

func (mr *msgRepository) FindConvMsgs(ctx context.Context, convId string, beforeCts int64, limit int) ([]*msgmodel.Message, error) {
	if beforeCts <= 0 {
		beforeCts = math.MaxInt64
	}

	var pojos []*MsgPojo
	err := mr.sc.WithSess(func(sess *dbr.Session) error {
		_, e := sess.Select("*").
			From(msgTable).
			Where("conv_id = ? and cts < ? and "+floorCond, convId, beforeCts).
			OrderDesc("cts").
			OrderDesc("seq").
			Limit(uint64(limit)).
			LoadContext(ctx, &pojos)
		return e
	})

	if err != nil {
		return nil, err
	}

	return mr.hydrate(ctx, pojos)
}

func (mr *msgRepository) HideFor(ctx context.Context, msgId int64, uid string) error {
	err := mr.sc.WithSess(func(sess *dbr.Session) error {
		_, e := sess.InsertInto(hiddenTable).
			Pair("msg_id", msgId).
			Pair("uid", uid).
			Pair("cts", dbutil.NowMs()).
			ExecContext(ctx)
		return e
	})

	// hiding twice is fine
	if dbutil.IsDuplicateKey(err) {
		return nil
	}

	return err
}

func (mr *msgRepository) MarkDeleted(ctx context.Context, msgId int64) error {
	return mr.sc.WithSess(func(sess *dbr.Session) error {
		_, e := sess.Update(msgTable).Set("deleted", 1).Where("msg_id = ?", msgId).ExecContext(ctx)
		return e
	})
}

func (mr *msgRepository) UpdateText(ctx context.Context, msgId int64, text string, editedAt int64) error {
	return mr.sc.WithSess(func(sess *dbr.Session) error {
		_, e := sess.Update(msgTable).
			Set("text", text).
			Set("edited_at", editedAt).
			Where("msg_id = ?", msgId).
			ExecContext(ctx)
		return e
	})
}

func (mr *msgRepository) TogglePin(ctx context.Context, msgId int64, uid string) (bool, error) {
	return mr.toggle(ctx, func(tx *dbr.Tx) (int64, error) {
		rst, e := tx.DeleteFrom(pinTable).Where("msg_id = ? and uid = ?", msgId, uid).ExecContext(ctx)
		if e != nil {
			return 0, e
		}
		return rst.RowsAffected()
	}, func(tx *dbr.Tx) error {
		_, e := tx.InsertInto(pinTable).
			Pair("msg_id", msgId).
			Pair("uid", uid).
			Pair("cts", dbutil.NowMs()).
			ExecContext(ctx)
		return e
	})
}

func (mr *msgRepository) ToggleReaction(ctx context.Context, msgId int64, uid, emoji string) (bool, error) {
	return mr.toggle(ctx, func(tx *dbr.Tx) (int64, error) {
		rst, e := tx.DeleteFrom(reactionTable).
			Where("msg_id = ? and emoji = ? and uid = ?", msgId, emoji, uid).
			ExecContext(ctx)
		if e != nil {
			return 0, e
		}
		return rst.RowsAffected()
	}, func(tx *dbr.Tx) error {
		_, e := tx.InsertInto(reactionTable).
			Pair("msg_id", msgId).
			Pair("emoji", emoji).
			Pair("uid", uid).
			Pair("cts", dbutil.NowMs()).
			ExecContext(ctx)
		return e
	})
}

// toggle removes the row if present, otherwise inserts it.
func (mr *msgRepository) toggle(
	ctx context.Context,
	remove func(tx *dbr.Tx) (int64, error),
	insert func(tx *dbr.Tx) error,
) (bool, error) {
	var present bool
	err := mr.sc.WithTransCtx(ctx, func(_ context.Context, tx *dbr.Tx) error {
		rows, e := remove(tx)
		if e != nil {
			return e
		}

		if rows > 0 {
			present = false
			return nil
		}

		if e = insert(tx); e != nil {
			return e
		}

		present = true
		return nil
	})

	return present, err
}

// hydrate attaches the per-viewer sets. pojos keep their order.
func (mr *msgRepository) hydrate(ctx context.Context, pojos []*MsgPojo) ([]*msgmodel.Message, error) {
	if len(pojos) == 0 {
		return nil, nil
	}

	msgIds := make([]int64, len(pojos))
	for i, p := range pojos {
		msgIds[i] = p.MsgId
	}

	var (
		hidden    []*msgUidPojo
		pins      []*msgUidPojo
		reactions []*reactionPojo
	)

	err := mr.sc.WithSess(func(sess *dbr.Session) error {
		if _, e := sess.Select("msg_id", "uid").
			From(hiddenTable).
			Where("msg_id in ?", msgIds).
			OrderAsc("cts").
			LoadContext(ctx, &hidden); e != nil {
			return e
		}

		if _, e := sess.Select("msg_id", "uid").
			From(pinTable).
			Where("msg_id in ?", msgIds).
			OrderAsc("cts").
			LoadContext(ctx, &pins); e != nil {
			return e
		}

		_, e := sess.Select("msg_id", "emoji", "uid").
			From(reactionTable).
			Where("msg_id in ?", msgIds).
			OrderAsc("cts").
			OrderAsc("uid").
			LoadContext(ctx, &reactions)
		return e
	})

	if err != nil {
		return nil, err
	}

	msgs := make([]*msgmodel.Message, len(pojos))
	id2msg := make(map[int64]*msgmodel.Message, len(pojos))
	for i, p := range pojos {
		m, e := fromPojo(p)
		if e != nil {
			return nil, e
		}
		msgs[i] = m
		id2msg[m.MsgId] = m
	}

	for _, h := range hidden {
		if m, ok := id2msg[h.MsgId]; ok {
			m.DeletedFor = append(m.DeletedFor, h.Uid)
		}
	}

	for _, p := range pins {
		if m, ok := id2msg[p.MsgId]; ok {
			m.PinnedBy = append(m.PinnedBy, p.Uid)
		}
	}

	for _, r := range reactions {
		if m, ok := id2msg[r.MsgId]; ok {
			if m.Reactions == nil {
				m.Reactions = make(map[string][]string)
			}
			m.Reactions[r.Emoji] = append(m.Reactions[r.Emoji], r.Uid)
		}
	}

	return msgs, nil
}

func refsToJson(m *msgmodel.Message) (string, string, error) {
	var (
		replyJson   string
		forwardJson string
		err         error
	)

	if m.ReplyTo != nil {
		if replyJson, err = json.FmtStr(m.ReplyTo); err != nil {
			return "", "", err
		}
	}

	if m.ForwardOf != nil {
		if forwardJson, err = json.FmtStr(m.ForwardOf); err != nil {
			return "", "", err
		}
	}

	return replyJson, forwardJson, nil
}

func fromPojo(p *MsgPojo) (*msgmodel.Message, error) {
	m := &msgmodel.Message{
		MsgId:    p.MsgId,
		ClientId: p.ClientId,
		ConvId:   p.ConvId,
		Sender:   p.Sender,
		Content: msgmodel.MsgContent{
			Text:      p.Text,
			MediaUrl:  p.MediaUrl,
			MediaKind: msgmodel.MediaKind(p.MediaKind),
		},
		Cts:      p.Cts,
		Seq:      p.Seq,
		Deleted:  p.Deleted == 1,
		EditedAt: p.EditedAt,
	}

	if p.ReplyJson != "" {
		var rr msgmodel.ReplyRef
		if err := json.ParseStr(p.ReplyJson, &rr); err != nil {
			return nil, err
		}
		m.ReplyTo = &rr
	}

	if p.ForwardJson != "" {
		var fr msgmodel.ForwardRef
		if err := json.ParseStr(p.ForwardJson, &fr); err != nil {
			return nil, err
		}
		m.ForwardOf = &fr
	}

	return m, nil
}
