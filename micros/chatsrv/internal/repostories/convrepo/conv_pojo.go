package convrepo

import (
	"github.com/sweemingdow/sdchat/external/eglobal/chatconst"
	"github.com/sweemingdow/sdchat/external/emodel/convmodel"
	"github.com/sweemingdow/sdchat/micros/chatsrv/internal/repostories/dbutil"
)

func toPojo(c *convmodel.Conversation) *ConvPojo {
	p := &ConvPojo{
		ConvId:        c.ConvId,
		Kind:          int8(c.Kind),
		Status:        int8(c.Status),
		Creator:       c.Creator,
		Title:         c.Title(),
		Pinned:        dbutil.BoolToInt(c.Pinned),
		Muted:         dbutil.BoolToInt(c.Muted),
		LastMsg:       c.LastMsg,
		LastMsgSender: c.LastMsgSender,
		LastMsgId:     c.LastMsgId,
		LastMsgTs:     c.LastMsgTs,
		MsgSeq:        c.MsgSeq,
		Cts:           c.Cts,
		Uts:           c.Uts,
	}

	if c.Direct != nil {
		p.Initiator = c.Direct.RequestInitiatorId
		p.Recipient = c.Direct.RequestRecipientId
	}

	if c.Group != nil && c.Group.Invite != nil {
		p.InviteCode = c.Group.Invite.Code
		p.InviteExpireAt = c.Group.Invite.ExpireAt
	}

	return p
}

// memberPojos stores broadcast admins as member rows, broadcast readers
// are never stored.
func memberPojos(c *convmodel.Conversation) []*MemberPojo {
	admins := make(map[string]struct{})
	for _, a := range c.Admins() {
		admins[a] = struct{}{}
	}

	roleOf := func(uid string) chatconst.MemberRole {
		if c.Kind != chatconst.DirectConv && uid == c.Creator {
			return chatconst.RoleCreator
		}
		if _, ok := admins[uid]; ok {
			return chatconst.RoleAdmin
		}
		return chatconst.RoleMember
	}

	uids := c.Members
	if c.Kind == chatconst.BroadcastConv {
		uids = c.Admins()
	}

	out := make([]*MemberPojo, 0, len(uids))
	for _, uid := range uids {
		var lastRead int64
		if c.LastReadAtBy != nil {
			lastRead = c.LastReadAtBy[uid]
		}

		out = append(out, &MemberPojo{
			ConvId:     c.ConvId,
			Uid:        uid,
			Role:       int8(roleOf(uid)),
			LastReadTs: lastRead,
			Cts:        c.Cts,
		})
	}

	return out
}

func fromPojo(p *ConvPojo, members []*MemberPojo) *convmodel.Conversation {
	c := &convmodel.Conversation{
		Base: convmodel.Base{
			ConvId:        p.ConvId,
			Kind:          chatconst.ConvKind(p.Kind),
			Status:        chatconst.ConvStatus(p.Status),
			Creator:       p.Creator,
			Pinned:        p.Pinned == 1,
			Muted:         p.Muted == 1,
			LastMsg:       p.LastMsg,
			LastMsgSender: p.LastMsgSender,
			LastMsgId:     p.LastMsgId,
			LastMsgTs:     p.LastMsgTs,
			LastReadAtBy:  make(map[string]int64, len(members)),
			MsgSeq:        p.MsgSeq,
			Cts:           p.Cts,
			Uts:           p.Uts,
		},
	}

	var admins []string
	for _, m := range members {
		if m.Role <= 0 {
			continue
		}

		if chatconst.MemberRole(m.Role).IsAdmin() {
			admins = append(admins, m.Uid)
		}

		if c.Kind != chatconst.BroadcastConv {
			c.Members = append(c.Members, m.Uid)
		}

		c.LastReadAtBy[m.Uid] = m.LastReadTs
	}

	switch c.Kind {
	case chatconst.DirectConv:
		c.Direct = &convmodel.DirectInfo{
			PairKey:            p.ConvId,
			RequestInitiatorId: p.Initiator,
			RequestRecipientId: p.Recipient,
		}
	case chatconst.GroupConv:
		c.Group = &convmodel.GroupInfo{
			Title:  p.Title,
			Admins: admins,
		}
		if p.InviteCode != "" {
			c.Group.Invite = &convmodel.Invite{Code: p.InviteCode, ExpireAt: p.InviteExpireAt}
		}
	case chatconst.BroadcastConv:
		c.Broadcast = &convmodel.BroadcastInfo{
			Title:  p.Title,
			Admins: admins,
		}
	}

	return c
}
