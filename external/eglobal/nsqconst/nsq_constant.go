package nsqconst

const (
	// push triggers fired after a successful send
	NotifyTopic = "sdchat_notify"
)

const (
	NotifyKindMessage = "message"
	NotifyKindInvite  = "invite"
	NotifyKindRequest = "request"
)
