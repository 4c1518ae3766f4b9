package core

import (
	"context"

	"github.com/sweemingdow/sdchat/external/emodel/presmodel"
)

type PresenceSubscriber interface {
	// SubscribePresence derives online from the last active timestamp.
	SubscribePresence(uid string, fn func(p presmodel.Presence)) (unsubscribe func())
}

type TypingTracker interface {
	SetTyping(ctx context.Context, convId, uid string, typing bool) error

	SubscribeTyping(convId string, fn func(ts presmodel.TypingState)) (unsubscribe func())
}
