package erespcode

// conversation
const (
	ConvNotFound       = "200000"
	ConvArchived       = "200001"
	ConvRequestPending = "200002" // 请求未被接受
	ConvNotRecipient   = "200003"
	ConvBadState       = "200004"
	ConvRaceCreated    = "200005"
)

// group & broadcast
const (
	GroupMebNotIn        = "200100"
	GroupNotAdmin        = "200101"
	GroupCreatorFixed    = "200102" // 群主不能被移除/降级
	GroupFull            = "200103"
	GroupInviteExpired   = "200104"
	GroupInviteNotFound  = "200105"
	BroadcastAdminOnly   = "200106"
	GroupInvalidMembers  = "200107"
	GroupInvalidOperator = "200108"
)

var topicRespCode2text = map[string]string{
	ConvNotFound:         "conversation not found",
	ConvArchived:         "conversation archived",
	ConvRequestPending:   "message request not accepted yet",
	ConvNotRecipient:     "only the request recipient may answer",
	ConvBadState:         "conversation state does not allow this",
	ConvRaceCreated:      "conversation created concurrently",
	GroupMebNotIn:        "not a member",
	GroupNotAdmin:        "admin only",
	GroupCreatorFixed:    "cannot remove creator",
	GroupFull:            "group is full",
	GroupInviteExpired:   "invite expired",
	GroupInviteNotFound:  "invite not found",
	BroadcastAdminOnly:   "only admins may post to a broadcast",
	GroupInvalidMembers:  "invalid member list",
	GroupInvalidOperator: "operation not allowed",
}

func TopicText(code string) string {
	return topicRespCode2text[code]
}
