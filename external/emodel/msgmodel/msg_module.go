package msgmodel

import (
	"strings"
	"unicode/utf8"
)

type MediaKind string

const (
	MediaNone  MediaKind = ""
	MediaImage MediaKind = "image"
	MediaVideo MediaKind = "video"
	MediaAudio MediaKind = "audio"
	MediaFile  MediaKind = "file"
)

type MsgContent struct {
	Text      string    `json:"text,omitempty"`
	MediaUrl  string    `json:"mediaUrl,omitempty"`
	MediaKind MediaKind `json:"mediaKind,omitempty"`
}

func (mc MsgContent) IsEmpty() bool {
	return strings.TrimSpace(mc.Text) == "" && mc.MediaUrl == ""
}

const previewMaxRunes = 80

// Preview is the conversation summary text for this content.
func (mc MsgContent) Preview() string {
	text := strings.TrimSpace(mc.Text)
	if text == "" {
		switch mc.MediaKind {
		case MediaImage:
			return "[image]"
		case MediaVideo:
			return "[video]"
		case MediaAudio:
			return "[audio]"
		case MediaNone:
			if mc.MediaUrl == "" {
				return ""
			}
		}
		return "[file]"
	}

	if utf8.RuneCountInString(text) <= previewMaxRunes {
		return text
	}
	return string([]rune(text)[:previewMaxRunes]) + "…"
}

type ReplyRef struct {
	MsgId   int64  `json:"msgId"`
	Preview string `json:"preview"`
	Sender  string `json:"sender"`
}

type ForwardRef struct {
	ConvId string `json:"convId"`
	MsgId  int64  `json:"msgId"`
	Sender string `json:"sender"`
}

type Message struct {
	MsgId      int64               `json:"msgId"`
	ClientId   string              `json:"clientId,omitempty"`
	ConvId     string              `json:"convId"`
	Sender     string              `json:"sender"`
	Content    MsgContent          `json:"content"`
	Cts        int64               `json:"cts"`
	Seq        int64               `json:"seq"`
	Deleted    bool                `json:"deleted"`
	DeletedFor []string            `json:"deletedFor,omitempty"`
	PinnedBy   []string            `json:"pinnedBy,omitempty"`
	Reactions  map[string][]string `json:"reactions,omitempty"`
	EditedAt   int64               `json:"editedAt,omitempty"`
	ReplyTo    *ReplyRef           `json:"replyTo,omitempty"`
	ForwardOf  *ForwardRef         `json:"forwardOf,omitempty"`
}

func (m *Message) HiddenFor(viewer string) bool {
	for _, uid := range m.DeletedFor {
		if uid == viewer {
			return true
		}
	}
	return false
}

// VisibleTo reports whether viewer may see m.
func (m *Message) VisibleTo(viewer string) bool {
	return !m.Deleted && !m.HiddenFor(viewer)
}

func VisibleTo(msgs []*Message, viewer string) []*Message {
	out := make([]*Message, 0, len(msgs))
	for _, m := range msgs {
		if m.VisibleTo(viewer) {
			out = append(out, m)
		}
	}
	return out
}

type PendingStatus uint8

const (
	PendingSending PendingStatus = 1
	PendingSent    PendingStatus = 2
	PendingFailed  PendingStatus = 3
)

func (ps PendingStatus) String() string {
	switch ps {
	case PendingSending:
		return "sending"
	case PendingSent:
		return "sent"
	case PendingFailed:
		return "failed"
	}
	return "unknown"
}

// PendingMsg is the optimistic local copy of a message. It never reaches the store.
type PendingMsg struct {
	Message
	Status        PendingStatus `json:"status"`
	Failed        bool          `json:"failed"`
	Attempts      int           `json:"attempts"`
	LastAttemptAt int64         `json:"lastAttemptAt"`
}

// DisplayStatus is derived for the sender's view, never stored.
type DisplayStatus string

const (
	StatusSending   DisplayStatus = "sending"
	StatusFailed    DisplayStatus = "failed"
	StatusSent      DisplayStatus = "sent"
	StatusDelivered DisplayStatus = "delivered"
	StatusRead      DisplayStatus = "read"
)
