package chatconst

// realtime topics
const (
	msgsTopicPrefix     = "msgs:"
	convsTopicPrefix    = "convs:"
	convTopicPrefix     = "conv:"
	presenceTopicPrefix = "presence:"
	typingTopicPrefix   = "typing:"

	// broadcasts have no member rows, every list subscriber listens here
	BroadcastListTopic = "convs:*"
)

func MsgsTopic(convId string) string {
	return msgsTopicPrefix + convId
}

func ConvListTopic(uid string) string {
	return convsTopicPrefix + uid
}

func ConvTopic(convId string) string {
	return convTopicPrefix + convId
}

func PresenceKey(uid string) string {
	return presenceTopicPrefix + uid
}

func TypingKey(convId, uid string) string {
	return typingTopicPrefix + convId + ":" + uid
}

func TypingPrefix(convId string) string {
	return typingTopicPrefix + convId + ":"
}

// event reasons carried on realtime payloads
const (
	ConvAdded          = "ConvAdded"
	ConvLastMsgUpdated = "ConvLastMsgUpdated"
	ConvSettingChanged = "ConvSettingChanged"
	ConvMembersChanged = "ConvMembersChanged"
	ConvStatusChanged  = "ConvStatusChanged"
	ConvReadUpdated    = "ConvReadUpdated"
	ConvDeleted        = "ConvDeleted"

	MsgAdded   = "MsgAdded"
	MsgChanged = "MsgChanged"
)
