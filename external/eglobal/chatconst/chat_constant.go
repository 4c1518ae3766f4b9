package chatconst

import (
	"fmt"
	"strings"
)

type ConvKind uint8

const (
	DirectConv    ConvKind = 1
	GroupConv     ConvKind = 2
	BroadcastConv ConvKind = 3
)

func (k ConvKind) String() string {
	switch k {
	case DirectConv:
		return "direct"
	case GroupConv:
		return "group"
	case BroadcastConv:
		return "broadcast"
	}
	return "unknown"
}

func IsValidConvKind(k ConvKind) bool {
	return k >= DirectConv && k <= BroadcastConv
}

type ConvStatus uint8

const (
	ConvActive   ConvStatus = 1
	ConvPending  ConvStatus = 2 // 消息请求, 对方尚未接受
	ConvArchived ConvStatus = 3
)

func (s ConvStatus) String() string {
	switch s {
	case ConvActive:
		return "active"
	case ConvPending:
		return "pending"
	case ConvArchived:
		return "archived"
	}
	return "unknown"
}

type MemberRole uint8

const (
	RoleMember  MemberRole = 1
	RoleAdmin   MemberRole = 2
	RoleCreator MemberRole = 3
)

func (r MemberRole) IsAdmin() bool {
	return r >= RoleAdmin
}

const (
	MaxGroupMembers = 100

	DirectConvPrefix = "p2p"
)

// DirectConvId is order independent: DirectConvId(a, b) == DirectConvId(b, a).
func DirectConvId(uid1, uid2 string) string {
	if uid1 > uid2 {
		uid1, uid2 = uid2, uid1
	}
	return fmt.Sprintf("%s:%s:%s", DirectConvPrefix, uid1, uid2)
}

func ParseDirectConvId(convId string) (string, string, bool) {
	parts := strings.Split(convId, ":")
	if len(parts) != 3 || parts[0] != DirectConvPrefix {
		return "", "", false
	}
	return parts[1], parts[2], true
}

// context keys for streaks
func ConvStreakKey(convId string) string {
	return "conv:" + convId
}

func StoryStreakKey(uid string) string {
	return "story:" + uid
}
