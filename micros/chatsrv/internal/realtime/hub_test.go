package realtime

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/sweemingdow/sdchat/external/eglobal/chatconst"
	"github.com/sweemingdow/sdchat/external/emodel/convmodel"
)

func TestMemHubUnsubscribeIsIdempotent(t *testing.T) {
	mh := newMemHub()
	ctx := context.Background()

	var got []string
	unsub := mh.Subscribe("t", func(ev Event) {
		got = append(got, ev.Reason)
	})

	_ = mh.Publish(ctx, Event{Topic: "t", Reason: "one"})
	unsub()
	unsub()
	_ = mh.Publish(ctx, Event{Topic: "t", Reason: "two"})

	assert.Equal(t, []string{"one"}, got)
	assert.Equal(t, 0, mh.subscriberCount("t"))
}

func TestMemHubSurvivesPanickingSubscriber(t *testing.T) {
	mh := newMemHub()

	var calls int
	mh.Subscribe("t", func(Event) { panic("boom") })
	mh.Subscribe("t", func(Event) { calls++ })

	_ = mh.Publish(context.Background(), Event{Topic: "t"})
	assert.Equal(t, 1, calls)
}

func TestPublishConvChangedReachesMembers(t *testing.T) {
	mh := newMemHub()

	var topics []string
	for _, topic := range []string{
		chatconst.ConvTopic("grp:1"),
		chatconst.ConvListTopic("a"),
		chatconst.ConvListTopic("b"),
		chatconst.ConvListTopic("gone"),
	} {
		tp := topic
		mh.Subscribe(tp, func(Event) { topics = append(topics, tp) })
	}

	c := &convmodel.Conversation{Base: convmodel.Base{ConvId: "grp:1", Kind: chatconst.GroupConv, Members: []string{"a", "b"}}}
	PublishConvChanged(context.Background(), mh, c, chatconst.ConvMembersChanged, "gone")

	assert.ElementsMatch(t, []string{
		chatconst.ConvTopic("grp:1"),
		chatconst.ConvListTopic("a"),
		chatconst.ConvListTopic("b"),
		chatconst.ConvListTopic("gone"),
	}, topics)
}
