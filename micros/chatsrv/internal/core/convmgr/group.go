package convmgr

import (
	"context"
	"strings"
	"time"

	"github.com/sweemingdow/sdchat/external/eglobal/chatconst"
	"github.com/sweemingdow/sdchat/external/emodel/convmodel"
	"github.com/sweemingdow/sdchat/external/erespcode"
	"github.com/sweemingdow/sdchat/micros/chatsrv/internal/realtime"
	"github.com/sweemingdow/sdchat/pkg/mylog"
	"github.com/sweemingdow/sdchat/pkg/usli"
)

const defaultInviteTtl = 7 * 24 * time.Hour

func (cm *convManager) CreateGroup(ctx context.Context, creator, title string, members []string) (string, error) {
	if creator == "" {
		return "", erespcode.NewNotSignedInErr()
	}

	uids := usli.Uniq(append([]string{creator}, members...))
	uids = usli.Filter(uids, func(uid string) bool {
		return strings.TrimSpace(uid) != ""
	})

	if len(uids) < 2 {
		return "", erespcode.NewInvalidMembersErr("a group needs at least one other member")
	}

	if len(uids) > chatconst.MaxGroupMembers {
		return "", erespcode.NewGroupFullErr()
	}

	now := cm.nowMs()
	c := &convmodel.Conversation{
		Base: convmodel.Base{
			ConvId:  convmodel.GenerateGroupConvId(cm.node.Generate().String()),
			Kind:    chatconst.GroupConv,
			Status:  chatconst.ConvActive,
			Creator: creator,
			Members: uids,
			Cts:     now,
			Uts:     now,
		},
		Group: &convmodel.GroupInfo{
			Title:  strings.TrimSpace(title),
			Admins: []string{creator},
		},
	}

	if err := cm.cr.InsertConv(ctx, c); err != nil {
		return "", err
	}

	lg := mylog.WithConv(c.ConvId)
	lg.Debug().Str("creator", creator).Int("members", len(uids)).Msg("group created")

	realtime.PublishConvChanged(ctx, cm.hub, c, chatconst.ConvAdded)
	return c.ConvId, nil
}

func (cm *convManager) CreateBroadcast(ctx context.Context, creator, title string) (string, error) {
	if creator == "" {
		return "", erespcode.NewNotSignedInErr()
	}

	now := cm.nowMs()
	c := &convmodel.Conversation{
		Base: convmodel.Base{
			ConvId:  convmodel.GenerateBroadcastConvId(cm.node.Generate().String()),
			Kind:    chatconst.BroadcastConv,
			Status:  chatconst.ConvActive,
			Creator: creator,
			Cts:     now,
			Uts:     now,
		},
		Broadcast: &convmodel.BroadcastInfo{
			Title:  strings.TrimSpace(title),
			Admins: []string{creator},
		},
	}

	if err := cm.cr.InsertConv(ctx, c); err != nil {
		return "", err
	}

	lg := mylog.WithConv(c.ConvId)
	lg.Debug().Str("creator", creator).Msg("broadcast created")

	realtime.PublishConvChanged(ctx, cm.hub, c, chatconst.ConvAdded)
	return c.ConvId, nil
}

// administered loads a group or broadcast that actor administers.
func (cm *convManager) administered(ctx context.Context, convId, actor string) (*convmodel.Conversation, error) {
	c, err := cm.Get(ctx, convId)
	if err != nil {
		return nil, err
	}

	if c.Kind == chatconst.DirectConv {
		return nil, erespcode.NewOperatorNotAllowedErr("direct conversations have no admins")
	}

	if !c.IsAdmin(actor) {
		return nil, erespcode.NewNotAdminErr()
	}

	return c, nil
}

func (cm *convManager) AddGroupAdmin(ctx context.Context, convId, actor, uid string) error {
	_, err := cm.convSegLock.WithLock(convId, func() (any, error) {
		c, e := cm.administered(ctx, convId, actor)
		if e != nil {
			return nil, e
		}

		if c.IsAdmin(uid) {
			return nil, nil
		}

		switch c.Kind {
		case chatconst.GroupConv:
			if !c.IsMember(uid) {
				return nil, erespcode.NewMebNotInGroupErr()
			}
			e = cm.cr.SetRole(ctx, convId, uid, chatconst.RoleAdmin)
		case chatconst.BroadcastConv:
			_, e = cm.cr.AddMember(ctx, convId, uid, chatconst.RoleAdmin)
		}

		if e != nil {
			return nil, e
		}

		realtime.PublishConvChanged(ctx, cm.hub, c, chatconst.ConvMembersChanged)
		return nil, nil
	})

	return err
}

func (cm *convManager) RemoveGroupAdmin(ctx context.Context, convId, actor, uid string) error {
	_, err := cm.convSegLock.WithLock(convId, func() (any, error) {
		c, e := cm.administered(ctx, convId, actor)
		if e != nil {
			return nil, e
		}

		if uid == c.Creator {
			return nil, erespcode.NewCreatorFixedErr()
		}

		if !c.IsAdmin(uid) {
			return nil, nil
		}

		switch c.Kind {
		case chatconst.GroupConv:
			e = cm.cr.SetRole(ctx, convId, uid, chatconst.RoleMember)
		case chatconst.BroadcastConv:
			// broadcast readers are not stored, a demoted admin is just a reader
			_, e = cm.cr.RemoveMember(ctx, convId, uid)
		}

		if e != nil {
			return nil, e
		}

		realtime.PublishConvChanged(ctx, cm.hub, c, chatconst.ConvMembersChanged)
		return nil, nil
	})

	return err
}

func (cm *convManager) AddGroupMembers(ctx context.Context, convId, actor string, uids []string) ([]string, error) {
	v, err := cm.convSegLock.WithLock(convId, func() (any, error) {
		c, e := cm.administered(ctx, convId, actor)
		if e != nil {
			return nil, e
		}

		if c.Kind != chatconst.GroupConv {
			return nil, erespcode.NewOperatorNotAllowedErr("members can only be added to groups")
		}

		lg := mylog.WithConv(convId)
		size := len(c.Members)
		added := make([]string, 0, len(uids))
		for _, uid := range usli.Uniq(uids) {
			if uid == "" || c.IsMember(uid) {
				continue
			}

			if size >= chatconst.MaxGroupMembers {
				lg.Warn().Str("uid", uid).Int("size", size).Msg("group is full, member skipped")
				continue
			}

			ok, ae := cm.cr.AddMember(ctx, convId, uid, chatconst.RoleMember)
			if ae != nil {
				lg.Error().Stack().Err(ae).Str("uid", uid).Msg("add group member failed")
				continue
			}

			if ok {
				size++
				added = append(added, uid)
			}
		}

		if len(added) > 0 {
			c.Members = append(c.Members, added...)
			realtime.PublishConvChanged(ctx, cm.hub, c, chatconst.ConvMembersChanged)
		}

		return added, nil
	})

	if err != nil {
		return nil, err
	}

	return v.([]string), nil
}

func (cm *convManager) RemoveGroupMember(ctx context.Context, convId, actor, uid string) error {
	_, err := cm.convSegLock.WithLock(convId, func() (any, error) {
		c, e := cm.Get(ctx, convId)
		if e != nil {
			return nil, e
		}

		if c.Kind != chatconst.GroupConv {
			return nil, erespcode.NewOperatorNotAllowedErr("members can only be removed from groups")
		}

		if actor != uid && !c.IsAdmin(actor) {
			return nil, erespcode.NewNotAdminErr()
		}

		if uid == c.Creator {
			return nil, erespcode.NewCreatorFixedErr()
		}

		removed, e := cm.cr.RemoveMember(ctx, convId, uid)
		if e != nil {
			return nil, e
		}

		if !removed {
			return nil, erespcode.NewMebNotInGroupErr()
		}

		c.Members = c.Others(uid)
		realtime.PublishConvChanged(ctx, cm.hub, c, chatconst.ConvMembersChanged, uid)
		return nil, nil
	})

	return err
}

func (cm *convManager) GenerateInviteLink(ctx context.Context, convId, actor string, ttl time.Duration) (convmodel.Invite, error) {
	c, err := cm.administered(ctx, convId, actor)
	if err != nil {
		return convmodel.Invite{}, err
	}

	if c.Kind != chatconst.GroupConv {
		return convmodel.Invite{}, erespcode.NewOperatorNotAllowedErr("invites are for groups only")
	}

	if ttl <= 0 {
		ttl = defaultInviteTtl
	}

	iv := convmodel.Invite{
		Code:     cm.newInviteCode(),
		ExpireAt: cm.opts.Now().Add(ttl).UnixMilli(),
	}

	if err = cm.cr.SetInvite(ctx, convId, iv); err != nil {
		return convmodel.Invite{}, err
	}

	return iv, nil
}

func (cm *convManager) JoinViaInvite(ctx context.Context, code, uid string) (string, bool, error) {
	if uid == "" {
		return "", false, erespcode.NewNotSignedInErr()
	}

	c, err := cm.cr.FindConvByInvite(ctx, code)
	if err != nil {
		return "", false, err
	}

	if c == nil || c.Group == nil {
		return "", false, erespcode.NewInviteNotFoundErr()
	}

	convId := c.ConvId
	v, err := cm.convSegLock.WithLock(convId, func() (any, error) {
		// re-read under the lock, the member list may have moved
		c, e := cm.cr.FindConv(ctx, convId)
		if e != nil {
			return false, e
		}

		if c == nil || c.Group == nil || c.Group.Invite == nil || c.Group.Invite.Code != code {
			return false, erespcode.NewInviteNotFoundErr()
		}

		if c.Group.Invite.Expired(cm.opts.Now()) {
			return false, erespcode.NewInviteExpiredErr()
		}

		if c.IsMember(uid) {
			return true, nil
		}

		if len(c.Members) >= chatconst.MaxGroupMembers {
			return false, erespcode.NewGroupFullErr()
		}

		if _, e = cm.cr.AddMember(ctx, convId, uid, chatconst.RoleMember); e != nil {
			return false, e
		}

		c.Members = append(c.Members, uid)
		realtime.PublishConvChanged(ctx, cm.hub, c, chatconst.ConvMembersChanged)
		return false, nil
	})

	if err != nil {
		return "", false, err
	}

	return convId, v.(bool), nil
}
