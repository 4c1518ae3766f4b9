package erespcode

import "github.com/sweemingdow/sdchat/pkg/myerr"

func NewNotSignedInErr() error {
	return myerr.Permission(UserNotSignedIn, "%s", userRespCode2text[UserNotSignedIn])
}

func NewSelfTargetErr() error {
	return myerr.Invalid(UserSelfTarget, "%s", userRespCode2text[UserSelfTarget])
}

func NewMsgNotFoundErr(msgId int64) error {
	return myerr.NotFound(MsgNotFound, "%s: %d", userRespCode2text[MsgNotFound], msgId)
}

func NewMsgNotSenderErr() error {
	return myerr.Permission(MsgNotSender, "%s", userRespCode2text[MsgNotSender])
}

func NewMsgDeletedErr() error {
	return myerr.Invalid(MsgDeleted, "%s", userRespCode2text[MsgDeleted])
}

func NewMsgEmptyContentErr() error {
	return myerr.Invalid(MsgEmptyContent, "%s", userRespCode2text[MsgEmptyContent])
}

func NewMsgBadEmojiErr() error {
	return myerr.Invalid(MsgBadEmoji, "%s", userRespCode2text[MsgBadEmoji])
}
