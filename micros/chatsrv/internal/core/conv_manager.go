package core

import (
	"context"
	"time"

	"github.com/sweemingdow/sdchat/external/emodel/convmodel"
	"github.com/sweemingdow/sdchat/pkg/graceful"
)

// 会话管理器
type ConvManager interface {
	graceful.Gracefully

	// FindOrCreateDirect returns the pair's conversation, creating it on
	// first contact.
	FindOrCreateDirect(ctx context.Context, self, other string) (convId string, created bool, err error)

	Get(ctx context.Context, convId string) (*convmodel.Conversation, error)

	// SubscribeList delivers uid's latest conversations, pinned first, on
	// every change.
	SubscribeList(uid string, limit int, fn func(items []convmodel.ListItem)) (unsubscribe func())

	LoadOlderPage(ctx context.Context, uid string, beforeTs int64, pageSize int) ([]convmodel.ListItem, error)

	// LoadOlderPageFrom continues after the last item of a page, beforeTs and
	// beforeConvId being that item's Uts and ConvId. Items sharing a Uts are
	// neither skipped nor repeated.
	LoadOlderPageFrom(ctx context.Context, uid string, beforeTs int64, beforeConvId string, pageSize int) ([]convmodel.ListItem, error)

	SubscribeConv(convId string, fn func(c *convmodel.Conversation)) (unsubscribe func())

	SetPinned(ctx context.Context, convId, actor string, pinned bool) error

	SetMuted(ctx context.Context, convId, actor string, muted bool) error

	Archive(ctx context.Context, convId, actor string) error

	// UpdateStatus answers a message request, only its recipient may.
	UpdateStatus(ctx context.Context, convId, actor string, accept bool) error

	CreateGroup(ctx context.Context, creator, title string, members []string) (string, error)

	CreateBroadcast(ctx context.Context, creator, title string) (string, error)

	AddGroupAdmin(ctx context.Context, convId, actor, uid string) error

	RemoveGroupAdmin(ctx context.Context, convId, actor, uid string) error

	// AddGroupMembers returns the uids that were actually added.
	AddGroupMembers(ctx context.Context, convId, actor string, uids []string) ([]string, error)

	RemoveGroupMember(ctx context.Context, convId, actor, uid string) error

	GenerateInviteLink(ctx context.Context, convId, actor string, ttl time.Duration) (convmodel.Invite, error)

	JoinViaInvite(ctx context.Context, code, uid string) (convId string, alreadyMember bool, err error)

	Delete(ctx context.Context, convId, actor string) error

	Follow(ctx context.Context, follower, followee string) error

	Unfollow(ctx context.Context, follower, followee string) error
}
