package erespcode

const (
	UserNotSignedIn = "100000"
	UserSelfTarget  = "100001"
)

const (
	MsgNotFound     = "300000"
	MsgNotSender    = "300001"
	MsgDeleted      = "300002"
	MsgEmptyContent = "300003"
	MsgBadEmoji     = "300004"
)

var userRespCode2text = map[string]string{
	UserNotSignedIn: "not signed in",
	UserSelfTarget:  "cannot target yourself",
	MsgNotFound:     "message not found",
	MsgNotSender:    "only the sender may do this",
	MsgDeleted:      "message was deleted",
	MsgEmptyContent: "message has no content",
	MsgBadEmoji:     "emoji required",
}
