package msgmgr

import (
	"context"
	"errors"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/alphadose/haxmap"
	"github.com/bwmarrin/snowflake"
	"github.com/sweemingdow/sdchat/external/eglobal/chatconst"
	"github.com/sweemingdow/sdchat/external/eglobal/nsqconst"
	"github.com/sweemingdow/sdchat/external/eglobal/nsqconst/payload/notifypd"
	"github.com/sweemingdow/sdchat/external/emodel/convmodel"
	"github.com/sweemingdow/sdchat/external/emodel/msgmodel"
	"github.com/sweemingdow/sdchat/external/erespcode"
	"github.com/sweemingdow/sdchat/micros/chatsrv/internal/blob"
	"github.com/sweemingdow/sdchat/micros/chatsrv/internal/core"
	"github.com/sweemingdow/sdchat/micros/chatsrv/internal/metrics"
	"github.com/sweemingdow/sdchat/micros/chatsrv/internal/notify"
	"github.com/sweemingdow/sdchat/micros/chatsrv/internal/realtime"
	"github.com/sweemingdow/sdchat/micros/chatsrv/internal/repostories/convrepo"
	"github.com/sweemingdow/sdchat/micros/chatsrv/internal/repostories/msgrepo"
	"github.com/sweemingdow/sdchat/pkg/async"
	"github.com/sweemingdow/sdchat/pkg/myerr"
	"github.com/sweemingdow/sdchat/pkg/mylog"
	"golang.org/x/time/rate"
)

var ErrMsgManagerClosed = errors.New("msg manager was closed")

type Options struct {
	PreviewPageSize int
	// pages scanned before the preview is cleared
	PreviewBudget int
	ReadInterval  time.Duration
	Now           func() time.Time
}

func (o *Options) applyDefaults() {
	if o.PreviewPageSize <= 0 {
		o.PreviewPageSize = 20
	}
	if o.PreviewBudget <= 0 {
		o.PreviewBudget = 5
	}
	if o.ReadInterval <= 0 {
		o.ReadInterval = 3 * time.Second
	}
	if o.Now == nil {
		o.Now = time.Now
	}
}

type Deps struct {
	Mr       msgrepo.MsgRepository
	Cr       convrepo.ConvRepository
	Hub      realtime.Hub
	Blob     blob.Store
	Notifier notify.Notifier
	Ah       async.AsyncHandler
	Streak   core.StreakManager
	Node     *snowflake.Node
}

type msgManager struct {
	Deps
	opts         Options
	readLimiters *haxmap.Map[string, *rate.Limiter]
	// unix nanos of the last idle limiter sweep
	lastSweep atomic.Int64
	closed    atomic.Bool
}

func NewMsgManager(deps Deps, opts Options) core.MsgManager {
	opts.applyDefaults()

	if deps.Notifier == nil {
		deps.Notifier = notify.NewNopNotifier()
	}

	return &msgManager{
		Deps:         deps,
		opts:         opts,
		readLimiters: haxmap.New[string, *rate.Limiter](),
	}
}

func (mm *msgManager) GracefulStop(_ context.Context) error {
	mm.closed.Store(true)
	return nil
}

func (mm *msgManager) loadConv(ctx context.Context, convId string) (*convmodel.Conversation, error) {
	c, err := mm.Cr.FindConv(ctx, convId)
	if err != nil {
		return nil, err
	}

	if c == nil {
		return nil, erespcode.NewConvNotFoundErr(convId)
	}

	return c, nil
}

// authorizeSend applies the write rules of each conversation kind and status.
func authorizeSend(c *convmodel.Conversation, sender string) error {
	if c.Status == chatconst.ConvArchived {
		return erespcode.NewConvArchivedErr()
	}

	if c.Kind == chatconst.BroadcastConv {
		if !c.IsAdmin(sender) {
			return erespcode.NewBroadcastAdminOnlyErr()
		}
		return nil
	}

	if !c.IsMember(sender) {
		return erespcode.NewMebNotInGroupErr()
	}

	if c.Status == chatconst.ConvPending && c.Direct != nil && c.Direct.RequestInitiatorId != sender {
		return erespcode.NewConvRequestPendingErr()
	}

	return nil
}

func (mm *msgManager) Send(ctx context.Context, pa core.SendParam) (msgId int64, err error) {
	defer func() {
		switch {
		case err == nil:
			metrics.MsgSendTotal.WithLabelValues(metrics.ResultOk).Inc()
		case myerr.IsPermission(err):
			metrics.MsgSendTotal.WithLabelValues(metrics.ResultDenied).Inc()
		default:
			metrics.MsgSendTotal.WithLabelValues(metrics.ResultError).Inc()
		}
	}()

	if mm.closed.Load() {
		return 0, ErrMsgManagerClosed
	}

	if pa.Sender == "" {
		return 0, erespcode.NewNotSignedInErr()
	}

	c, err := mm.loadConv(ctx, pa.ConvId)
	if err != nil {
		return 0, err
	}

	if err = authorizeSend(c, pa.Sender); err != nil {
		return 0, err
	}

	m := &msgmodel.Message{
		MsgId:    mm.Node.Generate().Int64(),
		ClientId: pa.ClientId,
		ConvId:   pa.ConvId,
		Sender:   pa.Sender,
		Content:  pa.Content,
	}

	if pa.ReplyTo != nil && pa.ReplyTo.MsgId != 0 {
		if m.ReplyTo, err = mm.replyRef(ctx, pa.ConvId, pa.ReplyTo.MsgId); err != nil {
			return 0, err
		}
	}

	if pa.ForwardOf != nil && pa.ForwardOf.MsgId != 0 {
		if err = mm.fillForward(ctx, m, pa.ForwardOf.MsgId); err != nil {
			return 0, err
		}
	}

	if m.Content.IsEmpty() {
		return 0, erespcode.NewMsgEmptyContentErr()
	}

	now := mm.opts.Now()
	if err = mm.Mr.InsertWithSummary(ctx, m, m.Content.Preview(), now.UnixMilli()); err != nil {
		lg := mylog.WithConv(pa.ConvId)
		lg.Error().Stack().Err(err).Str("sender", pa.Sender).Str("client_id", pa.ClientId).Msg("insert message failed")
		return 0, err
	}

	c.LastMsg = m.Content.Preview()
	c.LastMsgSender = m.Sender
	c.LastMsgId = m.MsgId
	c.LastMsgTs = m.Cts

	realtime.PublishMsgsChanged(ctx, mm.Hub, m.ConvId, chatconst.MsgAdded, m.MsgId)
	realtime.PublishConvChanged(ctx, mm.Hub, c, chatconst.ConvLastMsgUpdated)

	mm.afterSend(c, m, now)

	return m.MsgId, nil
}

func (mm *msgManager) replyRef(ctx context.Context, convId string, parentId int64) (*msgmodel.ReplyRef, error) {
	parent, err := mm.Mr.FindMsg(ctx, parentId)
	if err != nil {
		return nil, err
	}

	if parent == nil || parent.ConvId != convId {
		return nil, erespcode.NewMsgNotFoundErr(parentId)
	}

	if parent.Deleted {
		return nil, erespcode.NewMsgDeletedErr()
	}

	return &msgmodel.ReplyRef{
		MsgId:   parent.MsgId,
		Preview: parent.Content.Preview(),
		Sender:  parent.Sender,
	}, nil
}

func (mm *msgManager) fillForward(ctx context.Context, m *msgmodel.Message, srcId int64) error {
	src, err := mm.Mr.FindMsg(ctx, srcId)
	if err != nil {
		return err
	}

	if src == nil {
		return erespcode.NewMsgNotFoundErr(srcId)
	}

	if src.Deleted {
		return erespcode.NewMsgDeletedErr()
	}

	srcConv, err := mm.Cr.FindConv(ctx, src.ConvId)
	if err != nil {
		return err
	}

	// the source conversation may be gone, its messages stay forwardable
	if srcConv != nil && !srcConv.IsMember(m.Sender) {
		return erespcode.NewMebNotInGroupErr()
	}

	if m.Content.IsEmpty() {
		m.Content = src.Content
	}

	m.ForwardOf = &msgmodel.ForwardRef{
		ConvId: src.ConvId,
		MsgId:  src.MsgId,
		Sender: src.Sender,
	}

	return nil
}

// afterSend fires the push trigger and the streak update off the caller's path.
func (mm *msgManager) afterSend(c *convmodel.Conversation, m *msgmodel.Message, now time.Time) {
	task := func() {
		ctx := context.Background()

		mm.Notifier.Notify(ctx, nsqconst.NotifyKindMessage, notifypd.NotifyPayload{
			SubType: c.Kind.String(),
			ConvId:  c.ConvId,
			Sender:  m.Sender,
			Members: c.Others(m.Sender),
			Ts:      m.Cts,
			Data: map[string]any{
				"msgId":   strconv.FormatInt(m.MsgId, 10),
				"preview": m.Content.Preview(),
				"muted":   c.Muted,
			},
		})

		if c.Kind == chatconst.DirectConv && mm.Streak != nil {
			if _, _, err := mm.Streak.Record(ctx, chatconst.ConvStreakKey(c.ConvId), now); err != nil {
				lg := mylog.WithConv(c.ConvId)
				lg.Error().Stack().Err(err).Msg("record conversation streak failed")
			}
		}
	}

	if mm.Ah == nil {
		task()
		return
	}

	if err := mm.Ah.Submit(task); err != nil {
		lg := mylog.WithConv(c.ConvId)
		lg.Warn().Err(err).Int64("msg_id", m.MsgId).Msg("submit after-send task failed")
	}
}

func (mm *msgManager) UploadMedia(ctx context.Context, data []byte, contentType string) (string, error) {
	if mm.Blob == nil {
		return "", myerr.Invalid("", "media uploads are disabled")
	}

	return mm.Blob.Upload(ctx, data, contentType)
}

func (mm *msgManager) LoadOlderPage(ctx context.Context, convId string, beforeTs int64, pageSize int) ([]*msgmodel.Message, error) {
	if pageSize <= 0 {
		pageSize = 30
	}

	return mm.Mr.FindConvMsgs(ctx, convId, beforeTs, pageSize)
}

func (mm *msgManager) LoadVisiblePage(ctx context.Context, convId, viewer string, beforeTs int64, pageSize int) ([]*msgmodel.Message, error) {
	if pageSize <= 0 {
		pageSize = 30
	}

	out := make([]*msgmodel.Message, 0, pageSize)
	cursor := beforeTs
	for len(out) < pageSize {
		raw, err := mm.Mr.FindConvMsgs(ctx, convId, cursor, pageSize)
		if err != nil {
			return nil, err
		}

		for _, m := range raw {
			if !m.VisibleTo(viewer) {
				continue
			}

			out = append(out, m)
			if len(out) == pageSize {
				break
			}
		}

		if len(raw) < pageSize {
			break
		}

		cursor = raw[len(raw)-1].Cts
	}

	return out, nil
}
