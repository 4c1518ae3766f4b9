package convmodel

import (
	"fmt"
	"time"

	"github.com/sweemingdow/sdchat/external/eglobal/chatconst"
)

func GenerateGroupConvId(no string) string {
	return "grp:" + no
}

func GenerateBroadcastConvId(no string) string {
	return "bc:" + no
}

// Base carries the fields every conversation kind shares.
type Base struct {
	ConvId        string               `json:"convId"`
	Kind          chatconst.ConvKind   `json:"kind"`
	Status        chatconst.ConvStatus `json:"status"`
	Creator       string               `json:"creator"`
	Members       []string             `json:"members"`
	Pinned        bool                 `json:"pinned"`
	Muted         bool                 `json:"muted"`
	LastMsg       string               `json:"lastMsg"`
	LastMsgSender string               `json:"lastMsgSender"`
	LastMsgId     int64                `json:"lastMsgId"`
	LastMsgTs     int64                `json:"lastMsgTs"`
	LastReadAtBy  map[string]int64     `json:"lastReadAtBy"`
	MsgSeq        int64                `json:"msgSeq"`
	Cts           int64                `json:"cts"`
	Uts           int64                `json:"uts"`
}

type DirectInfo struct {
	PairKey            string `json:"pairKey"`
	RequestInitiatorId string `json:"requestInitiatorId,omitempty"`
	RequestRecipientId string `json:"requestRecipientId,omitempty"`
}

type Invite struct {
	Code     string `json:"code"`
	ExpireAt int64  `json:"expireAt"`
}

func (iv *Invite) Expired(now time.Time) bool {
	return iv == nil || iv.Code == "" || now.UnixMilli() >= iv.ExpireAt
}

type GroupInfo struct {
	Title  string   `json:"title"`
	Admins []string `json:"admins"`
	Invite *Invite  `json:"invite,omitempty"`
}

type BroadcastInfo struct {
	Title  string   `json:"title"`
	Admins []string `json:"admins"`
}

// Conversation is a tagged variant, exactly one of Direct, Group or Broadcast
// is set and it matches Kind.
type Conversation struct {
	Base
	Direct    *DirectInfo    `json:"direct,omitempty"`
	Group     *GroupInfo     `json:"group,omitempty"`
	Broadcast *BroadcastInfo `json:"broadcast,omitempty"`
}

func (c *Conversation) IsMember(uid string) bool {
	if c.Kind == chatconst.BroadcastConv {
		return true
	}
	for _, m := range c.Members {
		if m == uid {
			return true
		}
	}
	return false
}

func (c *Conversation) Admins() []string {
	switch c.Kind {
	case chatconst.GroupConv:
		if c.Group != nil {
			return c.Group.Admins
		}
	case chatconst.BroadcastConv:
		if c.Broadcast != nil {
			return c.Broadcast.Admins
		}
	}
	return nil
}

func (c *Conversation) IsAdmin(uid string) bool {
	if uid == c.Creator && c.Kind != chatconst.DirectConv {
		return true
	}
	for _, a := range c.Admins() {
		if a == uid {
			return true
		}
	}
	return false
}

func (c *Conversation) Title() string {
	switch {
	case c.Group != nil:
		return c.Group.Title
	case c.Broadcast != nil:
		return c.Broadcast.Title
	}
	return ""
}

// Others returns the members other than uid.
func (c *Conversation) Others(uid string) []string {
	others := make([]string, 0, len(c.Members))
	for _, m := range c.Members {
		if m != uid {
			others = append(others, m)
		}
	}
	return others
}

// Validate checks the per-kind shape before a write reaches the store.
func (c *Conversation) Validate() error {
	if c.ConvId == "" {
		return fmt.Errorf("conversation: empty id")
	}

	if !chatconst.IsValidConvKind(c.Kind) {
		return fmt.Errorf("conversation %s: invalid kind %d", c.ConvId, c.Kind)
	}

	set := make(map[string]struct{}, len(c.Members))
	for _, m := range c.Members {
		if m == "" {
			return fmt.Errorf("conversation %s: empty member id", c.ConvId)
		}
		set[m] = struct{}{}
	}
	if len(set) != len(c.Members) {
		return fmt.Errorf("conversation %s: duplicate members", c.ConvId)
	}

	switch c.Kind {
	case chatconst.DirectConv:
		if c.Direct == nil || c.Group != nil || c.Broadcast != nil {
			return fmt.Errorf("conversation %s: direct variant mismatch", c.ConvId)
		}
		if len(c.Members) != 2 {
			return fmt.Errorf("conversation %s: direct requires exactly 2 members, got %d", c.ConvId, len(c.Members))
		}
		if c.Status == chatconst.ConvPending {
			if c.Direct.RequestInitiatorId == "" || c.Direct.RequestRecipientId == "" {
				return fmt.Errorf("conversation %s: pending requires initiator and recipient", c.ConvId)
			}
		}
	case chatconst.GroupConv:
		if c.Group == nil || c.Direct != nil || c.Broadcast != nil {
			return fmt.Errorf("conversation %s: group variant mismatch", c.ConvId)
		}
		if len(c.Members) < 2 || len(c.Members) > chatconst.MaxGroupMembers {
			return fmt.Errorf("conversation %s: group requires 2..%d members, got %d", c.ConvId, chatconst.MaxGroupMembers, len(c.Members))
		}
		if c.Status == chatconst.ConvPending {
			return fmt.Errorf("conversation %s: group cannot be pending", c.ConvId)
		}
	case chatconst.BroadcastConv:
		if c.Broadcast == nil || c.Direct != nil || c.Group != nil {
			return fmt.Errorf("conversation %s: broadcast variant mismatch", c.ConvId)
		}
		if len(c.Broadcast.Admins) == 0 {
			return fmt.Errorf("conversation %s: broadcast requires at least one admin", c.ConvId)
		}
		if c.Status == chatconst.ConvPending {
			return fmt.Errorf("conversation %s: broadcast cannot be pending", c.ConvId)
		}
	}

	return nil
}

// ListItem is the projection a conversation list renders.
type ListItem struct {
	ConvId        string               `json:"convId"`
	Kind          chatconst.ConvKind   `json:"kind"`
	Status        chatconst.ConvStatus `json:"status"`
	Title         string               `json:"title,omitempty"`
	Members       []string             `json:"members,omitempty"`
	Pinned        bool                 `json:"pinned"`
	Muted         bool                 `json:"muted"`
	LastMsg       string               `json:"lastMsg"`
	LastMsgSender string               `json:"lastMsgSender,omitempty"`
	LastMsgTs     int64                `json:"lastMsgTs"`
	Uts           int64                `json:"uts"`
	Initiator     string               `json:"initiator,omitempty"`
}

func ToListItem(c *Conversation) ListItem {
	li := ListItem{
		ConvId:        c.ConvId,
		Kind:          c.Kind,
		Status:        c.Status,
		Title:         c.Title(),
		Members:       c.Members,
		Pinned:        c.Pinned,
		Muted:         c.Muted,
		LastMsg:       c.LastMsg,
		LastMsgSender: c.LastMsgSender,
		LastMsgTs:     c.LastMsgTs,
		Uts:           c.Uts,
	}
	if c.Direct != nil {
		li.Initiator = c.Direct.RequestInitiatorId
	}
	return li
}
