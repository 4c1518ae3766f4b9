package convmgr

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/dgraph-io/ristretto/v2"
	"github.com/google/uuid"
	"github.com/sweemingdow/sdchat/external/eglobal/chatconst"
	"github.com/sweemingdow/sdchat/external/emodel/convmodel"
	"github.com/sweemingdow/sdchat/external/erespcode"
	"github.com/sweemingdow/sdchat/micros/chatsrv/internal/core"
	"github.com/sweemingdow/sdchat/micros/chatsrv/internal/realtime"
	"github.com/sweemingdow/sdchat/micros/chatsrv/internal/repostories/convrepo"
	"github.com/sweemingdow/sdchat/micros/chatsrv/internal/repostories/followrepo"
	"github.com/sweemingdow/sdchat/pkg/guc"
	"github.com/sweemingdow/sdchat/pkg/mylog"
	"github.com/sweemingdow/sdchat/pkg/usli"
	"golang.org/x/sync/singleflight"
)

type Options struct {
	// stripes of the per-conversation member lock
	Strip          int
	FollowCacheTtl time.Duration
	Now            func() time.Time
}

func (o *Options) applyDefaults() {
	if o.Strip <= 0 {
		o.Strip = 128
	}
	if o.FollowCacheTtl <= 0 {
		o.FollowCacheTtl = 30 * time.Second
	}
	if o.Now == nil {
		o.Now = time.Now
	}
}

type convManager struct {
	cr          convrepo.ConvRepository
	fr          followrepo.FollowRepository
	hub         realtime.Hub
	node        *snowflake.Node
	convSegLock *guc.SegmentRwLock[string]
	followLc    *ristretto.Cache[string, bool]
	sf          *singleflight.Group
	// bumped on every follow change, lookups started before it are not cached
	followGen atomic.Uint64
	opts        Options
	closed      atomic.Bool
}

func NewConvManager(
	cr convrepo.ConvRepository,
	fr followrepo.FollowRepository,
	hub realtime.Hub,
	node *snowflake.Node,
	opts Options,
) core.ConvManager {
	opts.applyDefaults()

	lc, err := ristretto.NewCache(&ristretto.Config[string, bool]{
		NumCounters: 1e5,
		MaxCost:     1 << 16,
		BufferItems: 64,
	})
	if err != nil {
		panic(err)
	}

	return &convManager{
		cr:          cr,
		fr:          fr,
		hub:         hub,
		node:        node,
		convSegLock: guc.NewSegmentRwLock[string](opts.Strip, nil),
		followLc:    lc,
		sf:          &singleflight.Group{},
		opts:        opts,
	}
}

func (cm *convManager) GracefulStop(_ context.Context) error {
	if !cm.closed.CompareAndSwap(false, true) {
		return nil
	}

	cm.followLc.Close()
	return nil
}

func (cm *convManager) nowMs() int64 {
	return cm.opts.Now().UnixMilli()
}

func (cm *convManager) FindOrCreateDirect(ctx context.Context, self, other string) (string, bool, error) {
	if self == "" || other == "" {
		return "", false, erespcode.NewNotSignedInErr()
	}

	if self == other {
		return "", false, erespcode.NewSelfTargetErr()
	}

	convId := chatconst.DirectConvId(self, other)
	lg := mylog.WithConv(convId)

	c, err := cm.cr.FindConv(ctx, convId)
	if err != nil {
		return "", false, err
	}

	if c != nil {
		return convId, false, nil
	}

	mutual, err := cm.isMutual(ctx, self, other)
	if err != nil {
		return "", false, err
	}

	now := cm.nowMs()
	c = &convmodel.Conversation{
		Base: convmodel.Base{
			ConvId:  convId,
			Kind:    chatconst.DirectConv,
			Status:  chatconst.ConvActive,
			Creator: self,
			Members: []string{self, other},
			Cts:     now,
			Uts:     now,
		},
		Direct: &convmodel.DirectInfo{PairKey: convId},
	}

	if !mutual {
		c.Status = chatconst.ConvPending
		c.Direct.RequestInitiatorId = self
		c.Direct.RequestRecipientId = other
	}

	err = cm.cr.InsertConv(ctx, c)
	if errors.Is(err, convrepo.ErrConvExists) {
		// the other side created it first, the key lookup is canonical
		lg.Debug().Msg("direct conversation created concurrently")
		return convId, false, nil
	}

	if err != nil {
		return "", false, err
	}

	lg.Debug().Str("status", c.Status.String()).Msg("direct conversation created")

	realtime.PublishConvChanged(ctx, cm.hub, c, chatconst.ConvAdded)

	return convId, true, nil
}

func followKey(a, b string) string {
	if a > b {
		a, b = b, a
	}
	return a + "|" + b
}

func (cm *convManager) isMutual(ctx context.Context, a, b string) (bool, error) {
	key := followKey(a, b)
	if v, ok := cm.followLc.Get(key); ok {
		return v, nil
	}

	gen := cm.followGen.Load()
	v, err, _ := cm.sf.Do(key, func() (any, error) {
		return cm.fr.IsMutual(ctx, a, b)
	})
	if err != nil {
		return false, err
	}

	mutual := v.(bool)
	if cm.followGen.Load() == gen {
		cm.followLc.SetWithTTL(key, mutual, 1, cm.opts.FollowCacheTtl)
	}

	return mutual, nil
}

func (cm *convManager) Follow(ctx context.Context, follower, followee string) error {
	if follower == followee {
		return erespcode.NewSelfTargetErr()
	}

	if err := cm.fr.Follow(ctx, follower, followee); err != nil {
		return err
	}

	cm.forgetFollow(follower, followee)
	return nil
}

func (cm *convManager) Unfollow(ctx context.Context, follower, followee string) error {
	if err := cm.fr.Unfollow(ctx, follower, followee); err != nil {
		return err
	}

	cm.forgetFollow(follower, followee)
	return nil
}

func (cm *convManager) forgetFollow(a, b string) {
	key := followKey(a, b)
	cm.sf.Forget(key)
	cm.followGen.Add(1)
	cm.followLc.Del(key)
	cm.followLc.Wait()
}

func (cm *convManager) Get(ctx context.Context, convId string) (*convmodel.Conversation, error) {
	c, err := cm.cr.FindConv(ctx, convId)
	if err != nil {
		return nil, err
	}

	if c == nil {
		return nil, erespcode.NewConvNotFoundErr(convId)
	}

	return c, nil
}

// member loads convId and checks that actor belongs to it.
func (cm *convManager) member(ctx context.Context, convId, actor string) (*convmodel.Conversation, error) {
	c, err := cm.Get(ctx, convId)
	if err != nil {
		return nil, err
	}

	if !c.IsMember(actor) {
		return nil, erespcode.NewMebNotInGroupErr()
	}

	return c, nil
}

func (cm *convManager) LoadOlderPage(ctx context.Context, uid string, beforeTs int64, pageSize int) ([]convmodel.ListItem, error) {
	return cm.LoadOlderPageFrom(ctx, uid, beforeTs, "", pageSize)
}

func (cm *convManager) LoadOlderPageFrom(ctx context.Context, uid string, beforeTs int64, beforeConvId string, pageSize int) ([]convmodel.ListItem, error) {
	if pageSize <= 0 {
		pageSize = 20
	}

	convs, err := cm.cr.FindUserConvs(ctx, uid, beforeTs, beforeConvId, pageSize)
	if err != nil {
		return nil, err
	}

	return usli.Conv(convs, func(c *convmodel.Conversation) convmodel.ListItem {
		return convmodel.ToListItem(c)
	}), nil
}

func (cm *convManager) SetPinned(ctx context.Context, convId, actor string, pinned bool) error {
	c, err := cm.member(ctx, convId, actor)
	if err != nil {
		return err
	}

	if err = cm.cr.UpdateFlags(ctx, convId, &pinned, nil); err != nil {
		return err
	}

	realtime.PublishConvChanged(ctx, cm.hub, c, chatconst.ConvSettingChanged)
	return nil
}

func (cm *convManager) SetMuted(ctx context.Context, convId, actor string, muted bool) error {
	c, err := cm.member(ctx, convId, actor)
	if err != nil {
		return err
	}

	if err = cm.cr.UpdateFlags(ctx, convId, nil, &muted); err != nil {
		return err
	}

	realtime.PublishConvChanged(ctx, cm.hub, c, chatconst.ConvSettingChanged)
	return nil
}

func (cm *convManager) Archive(ctx context.Context, convId, actor string) error {
	c, err := cm.member(ctx, convId, actor)
	if err != nil {
		return err
	}

	if c.Kind == chatconst.BroadcastConv && !c.IsAdmin(actor) {
		return erespcode.NewNotAdminErr()
	}

	if c.Status == chatconst.ConvArchived {
		return nil
	}

	if _, err = cm.cr.UpdateStatus(ctx, convId, c.Status, chatconst.ConvArchived); err != nil {
		return err
	}

	realtime.PublishConvChanged(ctx, cm.hub, c, chatconst.ConvStatusChanged)
	return nil
}

func (cm *convManager) UpdateStatus(ctx context.Context, convId, actor string, accept bool) error {
	c, err := cm.Get(ctx, convId)
	if err != nil {
		return err
	}

	if c.Kind != chatconst.DirectConv || c.Status != chatconst.ConvPending {
		return erespcode.NewConvBadStateErr("not a pending request")
	}

	if c.Direct.RequestRecipientId != actor {
		return erespcode.NewConvNotRecipientErr()
	}

	to := chatconst.ConvActive
	if !accept {
		to = chatconst.ConvArchived
	}

	ok, err := cm.cr.UpdateStatus(ctx, convId, chatconst.ConvPending, to)
	if err != nil {
		return err
	}

	if !ok {
		return erespcode.NewConvBadStateErr("request already answered")
	}

	lg := mylog.WithConv(convId)
	lg.Debug().Str("actor", actor).Bool("accept", accept).Msg("message request answered")

	realtime.PublishConvChanged(ctx, cm.hub, c, chatconst.ConvStatusChanged)
	return nil
}

func (cm *convManager) Delete(ctx context.Context, convId, actor string) error {
	c, err := cm.Get(ctx, convId)
	if err != nil {
		return err
	}

	switch c.Kind {
	case chatconst.DirectConv:
		if !c.IsMember(actor) {
			return erespcode.NewMebNotInGroupErr()
		}
	default:
		if !c.IsAdmin(actor) {
			return erespcode.NewNotAdminErr()
		}
	}

	if err = cm.cr.DeleteConv(ctx, convId); err != nil {
		return err
	}

	lg := mylog.WithConv(convId)
	lg.Info().Str("actor", actor).Msg("conversation deleted, messages kept")

	realtime.PublishConvChanged(ctx, cm.hub, c, chatconst.ConvDeleted)
	return nil
}

func (cm *convManager) newInviteCode() string {
	return uuid.NewString()
}
