package convrepo

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/sweemingdow/sdchat/external/eglobal/chatconst"
	"github.com/sweemingdow/sdchat/external/emodel/convmodel"
	"github.com/sweemingdow/sdchat/micros/chatsrv/internal/repostories/dbutil/dbtest"
)

func newDirect(a, b string, uts int64) *convmodel.Conversation {
	id := chatconst.DirectConvId(a, b)
	return &convmodel.Conversation{
		Base: convmodel.Base{
			ConvId:  id,
			Kind:    chatconst.DirectConv,
			Status:  chatconst.ConvActive,
			Creator: a,
			Members: []string{a, b},
			Cts:     uts,
			Uts:     uts,
		},
		Direct: &convmodel.DirectInfo{PairKey: id},
	}
}

func TestInsertAndFind(t *testing.T) {
	ctx := context.Background()
	cr := NewConvRepository(dbtest.NewSqlite(t))

	c := newDirect("alice", "bob", 100)
	c.Status = chatconst.ConvPending
	c.Direct.RequestInitiatorId = "alice"
	c.Direct.RequestRecipientId = "bob"
	require.NoError(t, cr.InsertConv(ctx, c))

	got, err := cr.FindConv(ctx, c.ConvId)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, chatconst.ConvPending, got.Status)
	assert.Equal(t, "alice", got.Direct.RequestInitiatorId)
	assert.ElementsMatch(t, []string{"alice", "bob"}, got.Members)

	assert.ErrorIs(t, cr.InsertConv(ctx, newDirect("bob", "alice", 200)), ErrConvExists)

	missing, err := cr.FindConv(ctx, "p2p:x:y")
	require.NoError(t, err)
	assert.Nil(t, missing)
}

func TestUpdateStatusClearsRequest(t *testing.T) {
	ctx := context.Background()
	cr := NewConvRepository(dbtest.NewSqlite(t))

	c := newDirect("a", "b", 1)
	c.Status = chatconst.ConvPending
	c.Direct.RequestInitiatorId = "a"
	c.Direct.RequestRecipientId = "b"
	require.NoError(t, cr.InsertConv(ctx, c))

	ok, err := cr.UpdateStatus(ctx, c.ConvId, chatconst.ConvPending, chatconst.ConvActive)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = cr.UpdateStatus(ctx, c.ConvId, chatconst.ConvPending, chatconst.ConvActive)
	require.NoError(t, err)
	assert.False(t, ok)

	got, err := cr.FindConv(ctx, c.ConvId)
	require.NoError(t, err)
	assert.Equal(t, chatconst.ConvActive, got.Status)
	assert.Empty(t, got.Direct.RequestInitiatorId)
}

func TestFindUserConvsIncludesBroadcast(t *testing.T) {
	ctx := context.Background()
	cr := NewConvRepository(dbtest.NewSqlite(t))

	require.NoError(t, cr.InsertConv(ctx, newDirect("u1", "u2", 10)))
	require.NoError(t, cr.InsertConv(ctx, newDirect("u3", "u4", 20)))
	require.NoError(t, cr.InsertConv(ctx, &convmodel.Conversation{
		Base: convmodel.Base{
			ConvId:  convmodel.GenerateBroadcastConvId("1"),
			Kind:    chatconst.BroadcastConv,
			Status:  chatconst.ConvActive,
			Creator: "root",
			Cts:     30,
			Uts:     30,
		},
		Broadcast: &convmodel.BroadcastInfo{Title: "news", Admins: []string{"root"}},
	}))

	convs, err := cr.FindUserConvs(ctx, "u1", 0, "", 10)
	require.NoError(t, err)
	require.Len(t, convs, 2)
	assert.Equal(t, "bc:1", convs[0].ConvId)
	assert.Equal(t, chatconst.DirectConvId("u1", "u2"), convs[1].ConvId)
	assert.Empty(t, convs[0].Members)
	assert.Equal(t, []string{"root"}, convs[0].Broadcast.Admins)

	older, err := cr.FindUserConvs(ctx, "u1", 30, "", 10)
	require.NoError(t, err)
	require.Len(t, older, 1)
}

func TestMembersAndRead(t *testing.T) {
	ctx := context.Background()
	cr := NewConvRepository(dbtest.NewSqlite(t))

	g := &convmodel.Conversation{
		Base: convmodel.Base{
			ConvId:  convmodel.GenerateGroupConvId("7"),
			Kind:    chatconst.GroupConv,
			Status:  chatconst.ConvActive,
			Creator: "c",
			Members: []string{"c", "m1"},
			Cts:     1,
			Uts:     1,
		},
		Group: &convmodel.GroupInfo{Title: "g"},
	}
	require.NoError(t, cr.InsertConv(ctx, g))

	added, err := cr.AddMember(ctx, g.ConvId, "m2", chatconst.RoleMember)
	require.NoError(t, err)
	assert.True(t, added)

	added, err = cr.AddMember(ctx, g.ConvId, "m2", chatconst.RoleMember)
	require.NoError(t, err)
	assert.False(t, added)

	cnt, err := cr.CountMembers(ctx, g.ConvId)
	require.NoError(t, err)
	assert.Equal(t, 3, cnt)

	require.NoError(t, cr.SetRole(ctx, g.ConvId, "m1", chatconst.RoleAdmin))

	marked, err := cr.MarkRead(ctx, g.ConvId, "m1", 50)
	require.NoError(t, err)
	assert.True(t, marked)

	marked, err = cr.MarkRead(ctx, g.ConvId, "m1", 40)
	require.NoError(t, err)
	assert.False(t, marked)

	got, err := cr.FindConv(ctx, g.ConvId)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"c", "m1"}, got.Group.Admins)
	assert.Equal(t, int64(50), got.LastReadAtBy["m1"])

	removed, err := cr.RemoveMember(ctx, g.ConvId, "m2")
	require.NoError(t, err)
	assert.True(t, removed)

	require.NoError(t, cr.DeleteConv(ctx, g.ConvId))
	got, err = cr.FindConv(ctx, g.ConvId)
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestFindUserConvsCursorKeepsTies(t *testing.T) {
	ctx := context.Background()
	cr := NewConvRepository(dbtest.NewSqlite(t))

	for _, other := range []string{"u2", "u3", "u4"} {
		require.NoError(t, cr.InsertConv(ctx, newDirect("u1", other, 10)))
	}
	require.NoError(t, cr.InsertConv(ctx, newDirect("u1", "u5", 20)))

	first, err := cr.FindUserConvs(ctx, "u1", 0, "", 2)
	require.NoError(t, err)
	require.Len(t, first, 2)
	assert.Equal(t, chatconst.DirectConvId("u1", "u5"), first[0].ConvId)
	assert.Equal(t, chatconst.DirectConvId("u1", "u2"), first[1].ConvId)

	last := first[1]
	rest, err := cr.FindUserConvs(ctx, "u1", last.Uts, last.ConvId, 2)
	require.NoError(t, err)
	require.Len(t, rest, 2, "conversations sharing the boundary uts are not skipped")
	assert.Equal(t, chatconst.DirectConvId("u1", "u3"), rest[0].ConvId)
	assert.Equal(t, chatconst.DirectConvId("u1", "u4"), rest[1].ConvId)

	// settings and preview rewrites keep the order
	on := true
	require.NoError(t, cr.UpdateFlags(ctx, last.ConvId, &on, &on))
	require.NoError(t, cr.SetPreview(ctx, last.ConvId, Preview{Text: "edited", Sender: "u1", MsgId: 3}))

	got, err := cr.FindConv(ctx, last.ConvId)
	require.NoError(t, err)
	assert.Equal(t, int64(10), got.Uts)
	assert.True(t, got.Pinned)
	assert.Equal(t, "edited", got.LastMsg)
}
