package msgmgr

import (
	"context"
	"strings"
	"time"
	"unicode"
	"unicode/utf8"

	"github.com/sweemingdow/sdchat/external/eglobal/chatconst"
	"github.com/sweemingdow/sdchat/external/emodel/convmodel"
	"github.com/sweemingdow/sdchat/external/emodel/msgmodel"
	"github.com/sweemingdow/sdchat/external/erespcode"
	"github.com/sweemingdow/sdchat/micros/chatsrv/internal/realtime"
	"github.com/sweemingdow/sdchat/micros/chatsrv/internal/repostories/convrepo"
	"github.com/sweemingdow/sdchat/pkg/mylog"
	"golang.org/x/time/rate"
)

const maxEmojiBytes = 32

// target loads a message of convId on behalf of a conversation member.
func (mm *msgManager) target(ctx context.Context, convId string, msgId int64, uid string) (*convmodel.Conversation, *msgmodel.Message, error) {
	c, err := mm.loadConv(ctx, convId)
	if err != nil {
		return nil, nil, err
	}

	if !c.IsMember(uid) {
		return nil, nil, erespcode.NewMebNotInGroupErr()
	}

	m, err := mm.Mr.FindMsg(ctx, msgId)
	if err != nil {
		return nil, nil, err
	}

	if m == nil || m.ConvId != convId {
		return nil, nil, erespcode.NewMsgNotFoundErr(msgId)
	}

	return c, m, nil
}

func (mm *msgManager) afterDelete(ctx context.Context, c *convmodel.Conversation, msgId int64, viewer string) {
	realtime.PublishMsgsChanged(ctx, mm.Hub, c.ConvId, chatconst.MsgChanged, msgId)

	if c.LastMsgId != msgId {
		return
	}

	mm.recomputePreview(ctx, c.ConvId, viewer)
	realtime.PublishConvChanged(ctx, mm.Hub, c, chatconst.ConvLastMsgUpdated)
}

func (mm *msgManager) DeleteForSelf(ctx context.Context, convId string, msgId int64, viewer string) error {
	c, m, err := mm.target(ctx, convId, msgId, viewer)
	if err != nil {
		return err
	}

	if m.HiddenFor(viewer) {
		return nil
	}

	if err = mm.Mr.HideFor(ctx, msgId, viewer); err != nil {
		return err
	}

	mm.afterDelete(ctx, c, msgId, viewer)
	return nil
}

func (mm *msgManager) DeleteForAll(ctx context.Context, convId string, msgId int64, actor string) error {
	c, m, err := mm.target(ctx, convId, msgId, actor)
	if err != nil {
		return err
	}

	if m.Sender != actor && !c.IsAdmin(actor) {
		return erespcode.NewMsgNotSenderErr()
	}

	if m.Deleted {
		return nil
	}

	if err = mm.Mr.MarkDeleted(ctx, msgId); err != nil {
		return err
	}

	lg := mylog.WithConv(convId)
	lg.Debug().Int64("msg_id", msgId).Str("actor", actor).Msg("message deleted for everyone")

	mm.afterDelete(ctx, c, msgId, actor)
	return nil
}

func (mm *msgManager) Edit(ctx context.Context, convId string, msgId int64, editor, text string) error {
	c, m, err := mm.target(ctx, convId, msgId, editor)
	if err != nil {
		return err
	}

	if m.Sender != editor {
		return erespcode.NewMsgNotSenderErr()
	}

	if m.Deleted {
		return erespcode.NewMsgDeletedErr()
	}

	m.Content.Text = text
	if m.Content.IsEmpty() {
		return erespcode.NewMsgEmptyContentErr()
	}

	if err = mm.Mr.UpdateText(ctx, msgId, text, mm.opts.Now().UnixMilli()); err != nil {
		return err
	}

	realtime.PublishMsgsChanged(ctx, mm.Hub, convId, chatconst.MsgChanged, msgId)

	if c.LastMsgId == msgId {
		pv := convrepo.Preview{Text: m.Content.Preview(), Sender: m.Sender, MsgId: m.MsgId}
		if err = mm.Cr.SetPreview(ctx, convId, pv); err != nil {
			return err
		}
		realtime.PublishConvChanged(ctx, mm.Hub, c, chatconst.ConvLastMsgUpdated)
	}

	return nil
}

func (mm *msgManager) TogglePin(ctx context.Context, convId string, msgId int64, uid string) (bool, error) {
	_, m, err := mm.target(ctx, convId, msgId, uid)
	if err != nil {
		return false, err
	}

	if m.Deleted {
		return false, erespcode.NewMsgDeletedErr()
	}

	pinned, err := mm.Mr.TogglePin(ctx, msgId, uid)
	if err != nil {
		return false, err
	}

	realtime.PublishMsgsChanged(ctx, mm.Hub, convId, chatconst.MsgChanged, msgId)
	return pinned, nil
}

func validEmoji(emoji string) bool {
	if emoji == "" || len(emoji) > maxEmojiBytes || !utf8.ValidString(emoji) {
		return false
	}
	return strings.IndexFunc(emoji, unicode.IsSpace) < 0
}

func (mm *msgManager) ToggleReaction(ctx context.Context, convId string, msgId int64, uid, emoji string) (bool, error) {
	if !validEmoji(emoji) {
		return false, erespcode.NewMsgBadEmojiErr()
	}

	_, m, err := mm.target(ctx, convId, msgId, uid)
	if err != nil {
		return false, err
	}

	if m.Deleted {
		return false, erespcode.NewMsgDeletedErr()
	}

	present, err := mm.Mr.ToggleReaction(ctx, msgId, uid, emoji)
	if err != nil {
		return false, err
	}

	realtime.PublishMsgsChanged(ctx, mm.Hub, convId, chatconst.MsgChanged, msgId)
	return present, nil
}

func (mm *msgManager) MarkRead(ctx context.Context, convId, uid string, nearBottom bool) (bool, error) {
	if !nearBottom {
		return false, nil
	}

	c, err := mm.loadConv(ctx, convId)
	if err != nil {
		return false, err
	}

	// broadcast readers have no member row to hold a read mark
	if c.Kind == chatconst.BroadcastConv {
		return false, nil
	}

	if !c.IsMember(uid) {
		return false, erespcode.NewMebNotInGroupErr()
	}

	now := mm.opts.Now()
	mm.sweepReadLimiters(now)

	lim, _ := mm.readLimiters.GetOrCompute(convId+"|"+uid, func() *rate.Limiter {
		return rate.NewLimiter(rate.Every(mm.opts.ReadInterval), 1)
	})

	rv := lim.ReserveN(now, 1)
	if rv.DelayFrom(now) > 0 {
		rv.CancelAt(now)
		return false, nil
	}

	ts := max(now.UnixMilli(), c.LastMsgTs)
	moved, err := mm.Cr.MarkRead(ctx, convId, uid, ts)
	if err != nil || !moved {
		// nothing written, the token goes back
		rv.CancelAt(now)
		return false, err
	}

	realtime.PublishConvChanged(ctx, mm.Hub, c, chatconst.ConvReadUpdated)
	return true, nil
}

// sweepReadLimiters drops limiters that are full again. A full limiter
// behaves like a fresh one, so nothing is lost.
func (mm *msgManager) sweepReadLimiters(now time.Time) {
	every := max(time.Minute, 10*mm.opts.ReadInterval)
	last := mm.lastSweep.Load()
	if now.UnixNano()-last < int64(every) || !mm.lastSweep.CompareAndSwap(last, now.UnixNano()) {
		return
	}

	var idle []string
	mm.readLimiters.ForEach(func(k string, lim *rate.Limiter) bool {
		if lim.TokensAt(now) >= float64(lim.Burst()) {
			idle = append(idle, k)
		}
		return true
	})

	if len(idle) > 0 {
		mm.readLimiters.Del(idle...)
	}
}
