package presmodel

type State string

const (
	Online  State = "online"
	Offline State = "offline"
	Typing  State = "typing"
	Idle    State = "idle"
)

// Record is the ephemeral value stored under presence and typing keys.
type Record struct {
	State     State `json:"state"`
	ChangedAt int64 `json:"changedAt"`
}

func (r Record) IsZero() bool {
	return r.State == "" && r.ChangedAt == 0
}

// Presence is what subscribers observe for another user.
type Presence struct {
	Uid          string `json:"uid"`
	Online       bool   `json:"online"`
	LastActiveTs int64  `json:"lastActiveTs"`
}

type TypingState struct {
	ConvId string   `json:"convId"`
	Uids   []string `json:"uids"`
}
