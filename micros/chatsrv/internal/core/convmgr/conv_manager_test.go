package convmgr

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/sweemingdow/sdchat/external/eglobal/chatconst"
	"github.com/sweemingdow/sdchat/external/emodel/convmodel"
	"github.com/sweemingdow/sdchat/micros/chatsrv/internal/core"
	"github.com/sweemingdow/sdchat/micros/chatsrv/internal/realtime"
	"github.com/sweemingdow/sdchat/micros/chatsrv/internal/repostories/convrepo"
	"github.com/sweemingdow/sdchat/micros/chatsrv/internal/repostories/dbutil/dbtest"
	"github.com/sweemingdow/sdchat/micros/chatsrv/internal/repostories/followrepo"
	"github.com/sweemingdow/sdchat/pkg/myerr"
)

type fixture struct {
	cm  core.ConvManager
	fr  followrepo.FollowRepository
	hub realtime.Hub
	now time.Time
	mu  sync.Mutex
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	sc := dbtest.NewSqlite(t)
	node, err := snowflake.NewNode(1)
	require.NoError(t, err)

	f := &fixture{
		fr:  followrepo.NewFollowRepository(sc),
		hub: realtime.NewMemHub(),
		now: time.Now(),
	}

	f.cm = NewConvManager(
		convrepo.NewConvRepository(sc),
		f.fr,
		f.hub,
		node,
		Options{Now: f.clock},
	)

	t.Cleanup(func() {
		_ = f.cm.GracefulStop(context.Background())
	})

	return f
}

func (f *fixture) clock() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

func (f *fixture) advance(d time.Duration) {
	f.mu.Lock()
	f.now = f.now.Add(d)
	f.mu.Unlock()
}

func (f *fixture) mutual(t *testing.T, a, b string) {
	ctx := context.Background()
	require.NoError(t, f.cm.Follow(ctx, a, b))
	require.NoError(t, f.cm.Follow(ctx, b, a))
}

func TestFindOrCreateDirectIsIdempotent(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.mutual(t, "alice", "bob")

	id1, created, err := f.cm.FindOrCreateDirect(ctx, "alice", "bob")
	require.NoError(t, err)
	assert.True(t, created)

	id2, created, err := f.cm.FindOrCreateDirect(ctx, "bob", "alice")
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, id1, id2)

	c, err := f.cm.Get(ctx, id1)
	require.NoError(t, err)
	assert.Equal(t, chatconst.ConvActive, c.Status)
	assert.ElementsMatch(t, []string{"alice", "bob"}, c.Members)

	_, _, err = f.cm.FindOrCreateDirect(ctx, "alice", "alice")
	assert.True(t, myerr.IsInvalid(err))
}

func TestFindOrCreateDirectConcurrent(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		ids     = map[string]struct{}{}
		creates int
	)

	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()

			self, other := "u1", "u2"
			if i%2 == 1 {
				self, other = other, self
			}

			id, created, err := f.cm.FindOrCreateDirect(ctx, self, other)
			assert.NoError(t, err)

			mu.Lock()
			ids[id] = struct{}{}
			if created {
				creates++
			}
			mu.Unlock()
		}(i)
	}
	wg.Wait()

	assert.Len(t, ids, 1)
	assert.Equal(t, 1, creates)
}

func TestPendingRequestAccept(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	convId, _, err := f.cm.FindOrCreateDirect(ctx, "alice", "bob")
	require.NoError(t, err)

	c, err := f.cm.Get(ctx, convId)
	require.NoError(t, err)
	assert.Equal(t, chatconst.ConvPending, c.Status)
	assert.Equal(t, "alice", c.Direct.RequestInitiatorId)
	assert.Equal(t, "bob", c.Direct.RequestRecipientId)

	err = f.cm.UpdateStatus(ctx, convId, "alice", true)
	assert.True(t, myerr.IsPermission(err))

	require.NoError(t, f.cm.UpdateStatus(ctx, convId, "bob", true))

	c, err = f.cm.Get(ctx, convId)
	require.NoError(t, err)
	assert.Equal(t, chatconst.ConvActive, c.Status)
	assert.Empty(t, c.Direct.RequestInitiatorId)

	err = f.cm.UpdateStatus(ctx, convId, "bob", true)
	assert.True(t, myerr.IsInvalid(err))
}

func TestPendingRequestDeclineArchives(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	convId, _, err := f.cm.FindOrCreateDirect(ctx, "alice", "bob")
	require.NoError(t, err)

	require.NoError(t, f.cm.UpdateStatus(ctx, convId, "bob", false))

	c, err := f.cm.Get(ctx, convId)
	require.NoError(t, err)
	assert.Equal(t, chatconst.ConvArchived, c.Status)

	items, err := f.cm.LoadOlderPage(ctx, "alice", 0, 10)
	require.NoError(t, err)
	assert.Empty(t, items)
}

func TestFollowInvalidatesMutualCache(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	require.NoError(t, f.cm.Follow(ctx, "a", "b"))
	pending, _, err := f.cm.FindOrCreateDirect(ctx, "a", "b")
	require.NoError(t, err)
	require.NoError(t, f.cm.Delete(ctx, pending, "a"))

	require.NoError(t, f.cm.Follow(ctx, "b", "a"))
	convId, created, err := f.cm.FindOrCreateDirect(ctx, "a", "b")
	require.NoError(t, err)
	assert.True(t, created)

	c, err := f.cm.Get(ctx, convId)
	require.NoError(t, err)
	assert.Equal(t, chatconst.ConvActive, c.Status)
}

func TestGetMissing(t *testing.T) {
	f := newFixture(t)

	_, err := f.cm.Get(context.Background(), "grp:nope")
	assert.True(t, myerr.IsNotFound(err))
}

func TestGroupAdminScenario(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	convId, err := f.cm.CreateGroup(ctx, "alice", "trip", []string{"bob", "carol"})
	require.NoError(t, err)

	_, err = f.cm.AddGroupMembers(ctx, convId, "bob", []string{"dave"})
	assert.True(t, myerr.IsPermission(err), "plain member cannot add")

	require.NoError(t, f.cm.AddGroupAdmin(ctx, convId, "alice", "bob"))

	added, err := f.cm.AddGroupMembers(ctx, convId, "bob", []string{"dave", "carol", "dave"})
	require.NoError(t, err)
	assert.Equal(t, []string{"dave"}, added)

	require.NoError(t, f.cm.RemoveGroupMember(ctx, convId, "bob", "carol"))

	err = f.cm.RemoveGroupAdmin(ctx, convId, "bob", "alice")
	assert.True(t, myerr.IsPermission(err), "creator cannot be demoted")

	err = f.cm.RemoveGroupMember(ctx, convId, "bob", "alice")
	assert.True(t, myerr.IsPermission(err), "creator cannot be removed")

	require.NoError(t, f.cm.RemoveGroupAdmin(ctx, convId, "alice", "bob"))

	err = f.cm.RemoveGroupMember(ctx, convId, "bob", "dave")
	assert.True(t, myerr.IsPermission(err), "demoted admin lost rights")

	// leaving is always allowed
	require.NoError(t, f.cm.RemoveGroupMember(ctx, convId, "dave", "dave"))

	c, err := f.cm.Get(ctx, convId)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"alice", "bob"}, c.Members)
	assert.Equal(t, []string{"alice"}, c.Admins())
	assert.Equal(t, "trip", c.Title())
}

func TestCreateGroupValidates(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	_, err := f.cm.CreateGroup(ctx, "alice", "solo", []string{"alice"})
	assert.True(t, myerr.IsInvalid(err))

	many := make([]string, chatconst.MaxGroupMembers)
	for i := range many {
		many[i] = fmt.Sprintf("u%03d", i)
	}
	_, err = f.cm.CreateGroup(ctx, "alice", "big", many)
	assert.True(t, myerr.IsInvalid(err))
}

func TestInviteJoin(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	convId, err := f.cm.CreateGroup(ctx, "alice", "club", []string{"bob"})
	require.NoError(t, err)

	_, err = f.cm.GenerateInviteLink(ctx, convId, "bob", time.Hour)
	assert.True(t, myerr.IsPermission(err))

	iv, err := f.cm.GenerateInviteLink(ctx, convId, "alice", time.Hour)
	require.NoError(t, err)
	assert.NotEmpty(t, iv.Code)

	got, already, err := f.cm.JoinViaInvite(ctx, iv.Code, "eve")
	require.NoError(t, err)
	assert.Equal(t, convId, got)
	assert.False(t, already)

	_, already, err = f.cm.JoinViaInvite(ctx, iv.Code, "eve")
	require.NoError(t, err)
	assert.True(t, already)

	_, _, err = f.cm.JoinViaInvite(ctx, "no-such-code", "eve")
	assert.True(t, myerr.IsNotFound(err))

	f.advance(2 * time.Hour)
	_, _, err = f.cm.JoinViaInvite(ctx, iv.Code, "mallory")
	assert.True(t, myerr.IsInvalid(err))
}

func TestInviteJoinRespectsCap(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	members := make([]string, chatconst.MaxGroupMembers-2)
	for i := range members {
		members[i] = fmt.Sprintf("m%03d", i)
	}

	convId, err := f.cm.CreateGroup(ctx, "owner", "full", members)
	require.NoError(t, err)

	iv, err := f.cm.GenerateInviteLink(ctx, convId, "owner", 0)
	require.NoError(t, err)

	_, _, err = f.cm.JoinViaInvite(ctx, iv.Code, "last")
	require.NoError(t, err)

	_, _, err = f.cm.JoinViaInvite(ctx, iv.Code, "overflow")
	assert.True(t, myerr.IsInvalid(err))

	c, err := f.cm.Get(ctx, convId)
	require.NoError(t, err)
	assert.Len(t, c.Members, chatconst.MaxGroupMembers)
}

type listRecorder struct {
	mu    sync.Mutex
	calls int
	last  []convmodel.ListItem
}

func (lp *listRecorder) fn(items []convmodel.ListItem) {
	lp.mu.Lock()
	defer lp.mu.Unlock()
	lp.calls++
	lp.last = items
}

func (lp *listRecorder) ids() []string {
	lp.mu.Lock()
	defer lp.mu.Unlock()

	out := make([]string, len(lp.last))
	for i, li := range lp.last {
		out[i] = li.ConvId
	}
	return out
}

func TestSubscribeListPinnedFirstWithBroadcasts(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.mutual(t, "alice", "bob")
	f.mutual(t, "alice", "carol")

	seen := &listRecorder{}
	unsub := f.cm.SubscribeList("alice", 10, seen.fn)
	defer unsub()
	assert.Empty(t, seen.ids())

	withBob, _, err := f.cm.FindOrCreateDirect(ctx, "alice", "bob")
	require.NoError(t, err)
	f.advance(time.Millisecond)
	withCarol, _, err := f.cm.FindOrCreateDirect(ctx, "carol", "alice")
	require.NoError(t, err)
	f.advance(time.Millisecond)

	require.NoError(t, f.cm.SetPinned(ctx, withBob, "alice", true))

	ids := seen.ids()
	require.Len(t, ids, 2)
	assert.Equal(t, []string{withBob, withCarol}, ids)

	// broadcasts reach readers who never joined
	f.advance(time.Millisecond)
	bc, err := f.cm.CreateBroadcast(ctx, "dave", "news")
	require.NoError(t, err)
	assert.Equal(t, []string{withBob, bc, withCarol}, seen.ids())

	unsub()
	unsub()

	before := seen.calls
	_, err = f.cm.CreateGroup(ctx, "alice", "g", []string{"bob"})
	require.NoError(t, err)
	assert.Equal(t, before, seen.calls)
}

func TestSubscribeConvSeesMembership(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	convId, err := f.cm.CreateGroup(ctx, "alice", "g", []string{"bob"})
	require.NoError(t, err)

	var (
		mu   sync.Mutex
		last *convmodel.Conversation
	)
	unsub := f.cm.SubscribeConv(convId, func(c *convmodel.Conversation) {
		mu.Lock()
		last = c
		mu.Unlock()
	})
	defer unsub()

	_, err = f.cm.AddGroupMembers(ctx, convId, "alice", []string{"carol"})
	require.NoError(t, err)

	mu.Lock()
	assert.ElementsMatch(t, []string{"alice", "bob", "carol"}, last.Members)
	mu.Unlock()

	require.NoError(t, f.cm.Delete(ctx, convId, "alice"))

	mu.Lock()
	assert.Nil(t, last)
	mu.Unlock()
}

func TestBroadcastArchiveAdminOnly(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	bc, err := f.cm.CreateBroadcast(ctx, "admin", "news")
	require.NoError(t, err)

	assert.True(t, myerr.IsPermission(f.cm.Archive(ctx, bc, "reader")))
	require.NoError(t, f.cm.Archive(ctx, bc, "admin"))

	items, err := f.cm.LoadOlderPage(ctx, "reader", 0, 10)
	require.NoError(t, err)
	assert.Empty(t, items)
}

// stallFollows holds the first IsMutual until released and answers with
// what it read before the hold.
type stallFollows struct {
	followrepo.FollowRepository
	once    sync.Once
	entered chan struct{}
	release chan struct{}
}

func (sf *stallFollows) IsMutual(ctx context.Context, a, b string) (bool, error) {
	v, err := sf.FollowRepository.IsMutual(ctx, a, b)

	stalled := false
	sf.once.Do(func() { stalled = true })
	if stalled {
		close(sf.entered)
		<-sf.release
	}
	return v, err
}

func TestFollowDuringLookupIsNotCachedStale(t *testing.T) {
	ctx := context.Background()
	sc := dbtest.NewSqlite(t)
	node, err := snowflake.NewNode(1)
	require.NoError(t, err)

	fr := &stallFollows{
		FollowRepository: followrepo.NewFollowRepository(sc),
		entered:          make(chan struct{}),
		release:          make(chan struct{}),
	}
	cm := NewConvManager(convrepo.NewConvRepository(sc), fr, realtime.NewMemHub(), node, Options{}).(*convManager)
	defer cm.GracefulStop(ctx)

	require.NoError(t, fr.FollowRepository.Follow(ctx, "alice", "bob"))

	done := make(chan bool, 1)
	go func() {
		v, _ := cm.isMutual(ctx, "alice", "bob")
		done <- v
	}()

	<-fr.entered
	require.NoError(t, cm.Follow(ctx, "bob", "alice"))
	close(fr.release)

	assert.False(t, <-done, "the lookup read before the follow")
	cm.followLc.Wait()

	mutual, err := cm.isMutual(ctx, "alice", "bob")
	require.NoError(t, err)
	assert.True(t, mutual)
}
