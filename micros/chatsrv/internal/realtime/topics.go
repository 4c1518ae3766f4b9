package realtime

import (
	"context"
	"strconv"
	"time"

	"github.com/sweemingdow/sdchat/external/eglobal/chatconst"
	"github.com/sweemingdow/sdchat/external/emodel/convmodel"
	"github.com/sweemingdow/sdchat/pkg/mylog"
)

// PublishConvChanged tells the conversation document subscribers and the
// list of every member (or every user, for broadcasts) that c changed.
// extra receives list events too, e.g. a member that was just removed.
func PublishConvChanged(ctx context.Context, hub Hub, c *convmodel.Conversation, reason string, extra ...string) {
	now := time.Now().UnixMilli()

	publish(ctx, hub, Event{Topic: chatconst.ConvTopic(c.ConvId), Reason: reason, Key: c.ConvId, Ts: now})

	if c.Kind == chatconst.BroadcastConv {
		publish(ctx, hub, Event{Topic: chatconst.BroadcastListTopic, Reason: reason, Key: c.ConvId, Ts: now})
	}

	for _, uid := range c.Members {
		publish(ctx, hub, Event{Topic: chatconst.ConvListTopic(uid), Reason: reason, Key: c.ConvId, Ts: now})
	}

	for _, uid := range extra {
		publish(ctx, hub, Event{Topic: chatconst.ConvListTopic(uid), Reason: reason, Key: c.ConvId, Ts: now})
	}
}

func PublishMsgsChanged(ctx context.Context, hub Hub, convId, reason string, msgId int64) {
	publish(ctx, hub, Event{Topic: chatconst.MsgsTopic(convId), Reason: reason, Key: strconv.FormatInt(msgId, 10), Ts: time.Now().UnixMilli()})
}

func publish(ctx context.Context, hub Hub, ev Event) {
	if err := hub.Publish(ctx, ev); err != nil {
		lg := mylog.AppLogger()
		lg.Warn().Err(err).Str("topic", ev.Topic).Msg("publish realtime event failed")
	}
}
