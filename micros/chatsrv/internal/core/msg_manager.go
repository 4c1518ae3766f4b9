package core

import (
	"context"

	"github.com/sweemingdow/sdchat/external/emodel/msgmodel"
	"github.com/sweemingdow/sdchat/pkg/graceful"
)

type SendParam struct {
	ConvId   string
	Sender   string
	ClientId string
	Content  msgmodel.MsgContent
	// only MsgId is read, preview and sender are filled from the parent
	ReplyTo *msgmodel.ReplyRef
	// ConvId and MsgId of the source, content is copied when Content is empty
	ForwardOf *msgmodel.ForwardRef
}

// 消息管理器
type MsgManager interface {
	graceful.Gracefully

	Send(ctx context.Context, pa SendParam) (int64, error)

	UploadMedia(ctx context.Context, data []byte, contentType string) (string, error)

	// Subscribe delivers the latest pageSize messages, newest first, on
	// every change.
	Subscribe(convId string, pageSize int, fn func(msgs []*msgmodel.Message)) (unsubscribe func())

	// LoadOlderPage is exhausted when it returns fewer than pageSize.
	LoadOlderPage(ctx context.Context, convId string, beforeTs int64, pageSize int) ([]*msgmodel.Message, error)

	// LoadVisiblePage pages like LoadOlderPage but fills the page with
	// messages viewer may see. Short still means exhausted.
	LoadVisiblePage(ctx context.Context, convId, viewer string, beforeTs int64, pageSize int) ([]*msgmodel.Message, error)

	DeleteForSelf(ctx context.Context, convId string, msgId int64, viewer string) error

	DeleteForAll(ctx context.Context, convId string, msgId int64, actor string) error

	Edit(ctx context.Context, convId string, msgId int64, editor, text string) error

	TogglePin(ctx context.Context, convId string, msgId int64, uid string) (bool, error)

	ToggleReaction(ctx context.Context, convId string, msgId int64, uid, emoji string) (bool, error)

	MarkRead(ctx context.Context, convId, uid string, nearBottom bool) (bool, error)
}
