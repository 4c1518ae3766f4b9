package convmodel

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/sweemingdow/sdchat/external/eglobal/chatconst"
)

func direct(status chatconst.ConvStatus, members ...string) *Conversation {
	return &Conversation{
		Base: Base{
			ConvId:  chatconst.DirectConvId(members[0], members[len(members)-1]),
			Kind:    chatconst.DirectConv,
			Status:  status,
			Members: members,
		},
		Direct: &DirectInfo{PairKey: chatconst.DirectConvId(members[0], members[len(members)-1])},
	}
}

func TestValidateDirect(t *testing.T) {
	assert.NoError(t, direct(chatconst.ConvActive, "a", "b").Validate())
	assert.Error(t, direct(chatconst.ConvActive, "a").Validate())
	assert.Error(t, direct(chatconst.ConvActive, "a", "a").Validate())

	pending := direct(chatconst.ConvPending, "a", "b")
	assert.Error(t, pending.Validate())

	pending.Direct.RequestInitiatorId = "a"
	pending.Direct.RequestRecipientId = "b"
	assert.NoError(t, pending.Validate())
}

func TestValidateGroupBounds(t *testing.T) {
	mk := func(n int) *Conversation {
		members := make([]string, n)
		for i := range members {
			members[i] = fmt.Sprintf("u%d", i)
		}
		return &Conversation{
			Base:  Base{ConvId: "grp:1", Kind: chatconst.GroupConv, Status: chatconst.ConvActive, Members: members},
			Group: &GroupInfo{Title: "g"},
		}
	}

	assert.Error(t, mk(1).Validate())
	assert.NoError(t, mk(2).Validate())
	assert.NoError(t, mk(chatconst.MaxGroupMembers).Validate())
	assert.Error(t, mk(chatconst.MaxGroupMembers+1).Validate())
}

func TestBroadcastMembership(t *testing.T) {
	bc := &Conversation{
		Base:      Base{ConvId: "bc:1", Kind: chatconst.BroadcastConv, Status: chatconst.ConvActive, Creator: "root"},
		Broadcast: &BroadcastInfo{Title: "news"},
	}
	assert.Error(t, bc.Validate())

	bc.Broadcast.Admins = []string{"root"}
	assert.NoError(t, bc.Validate())
	assert.True(t, bc.IsMember("anyone"))
	assert.True(t, bc.IsAdmin("root"))
	assert.False(t, bc.IsAdmin("anyone"))
}

func TestInviteExpired(t *testing.T) {
	now := time.Now()
	var nilInvite *Invite
	assert.True(t, nilInvite.Expired(now))
	assert.True(t, (&Invite{Code: "x", ExpireAt: now.UnixMilli()}).Expired(now))
	assert.False(t, (&Invite{Code: "x", ExpireAt: now.Add(time.Minute).UnixMilli()}).Expired(now))
}
