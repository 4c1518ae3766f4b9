package msgmgr

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/sweemingdow/sdchat/external/eglobal/chatconst"
	"github.com/sweemingdow/sdchat/external/eglobal/nsqconst"
	"github.com/sweemingdow/sdchat/external/emodel/msgmodel"
	"github.com/sweemingdow/sdchat/micros/chatsrv/internal/blob"
	"github.com/sweemingdow/sdchat/micros/chatsrv/internal/core"
	"github.com/sweemingdow/sdchat/micros/chatsrv/internal/core/convmgr"
	"github.com/sweemingdow/sdchat/micros/chatsrv/internal/core/streakmgr"
	"github.com/sweemingdow/sdchat/micros/chatsrv/internal/notify"
	"github.com/sweemingdow/sdchat/micros/chatsrv/internal/realtime"
	"github.com/sweemingdow/sdchat/micros/chatsrv/internal/repostories/convrepo"
	"github.com/sweemingdow/sdchat/micros/chatsrv/internal/repostories/dbutil/dbtest"
	"github.com/sweemingdow/sdchat/micros/chatsrv/internal/repostories/followrepo"
	"github.com/sweemingdow/sdchat/micros/chatsrv/internal/repostories/msgrepo"
	"github.com/sweemingdow/sdchat/micros/chatsrv/internal/repostories/streakrepo"
	"github.com/sweemingdow/sdchat/pkg/myerr"
)

type fixture struct {
	mm     core.MsgManager
	cm     core.ConvManager
	cr     convrepo.ConvRepository
	streak core.StreakManager
	rec    *notify.Recorder
	mu     sync.Mutex
	now    time.Time
}

func newFixture(t *testing.T, opts Options) *fixture {
	t.Helper()

	sc := dbtest.NewSqlite(t)
	node, err := snowflake.NewNode(2)
	require.NoError(t, err)

	bs, err := blob.NewFsStore(t.TempDir(), "http://localhost/media", 1<<20)
	require.NoError(t, err)

	f := &fixture{
		rec: notify.NewRecorder(),
		now: time.Now(),
	}
	opts.Now = f.clock

	hub := realtime.NewMemHub()
	cr := convrepo.NewConvRepository(sc)
	f.cr = cr
	f.cm = convmgr.NewConvManager(cr, followrepo.NewFollowRepository(sc), hub, node, convmgr.Options{})
	f.streak = streakmgr.NewStreakManager(streakrepo.NewStreakRepository(sc), time.UTC)
	f.mm = NewMsgManager(Deps{
		Mr:       msgrepo.NewMsgRepository(sc),
		Cr:       cr,
		Hub:      hub,
		Blob:     bs,
		Notifier: f.rec,
		Streak:   f.streak,
		Node:     node,
	}, opts)

	t.Cleanup(func() {
		ctx := context.Background()
		_ = f.mm.GracefulStop(ctx)
		_ = f.cm.GracefulStop(ctx)
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

// direct opens an active direct conversation between a and b.
func (f *fixture) direct(t *testing.T, a, b string) string {
	ctx := context.Background()
	require.NoError(t, f.cm.Follow(ctx, a, b))
	require.NoError(t, f.cm.Follow(ctx, b, a))

	convId, _, err := f.cm.FindOrCreateDirect(ctx, a, b)
	require.NoError(t, err)
	return convId
}

func (f *fixture) send(t *testing.T, convId, sender, text string) int64 {
	id, err := f.mm.Send(context.Background(), core.SendParam{
		ConvId:   convId,
		Sender:   sender,
		ClientId: fmt.Sprintf("%s-%s", sender, text),
		Content:  msgmodel.MsgContent{Text: text},
	})
	require.NoError(t, err)
	return id
}

func TestSendWritesMessageAndSummary(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, Options{})
	convId := f.direct(t, "alice", "bob")

	id1 := f.send(t, convId, "alice", "hi")
	id2 := f.send(t, convId, "bob", "hey")

	c, err := f.cm.Get(ctx, convId)
	require.NoError(t, err)
	assert.Equal(t, "hey", c.LastMsg)
	assert.Equal(t, "bob", c.LastMsgSender)
	assert.Equal(t, id2, c.LastMsgId)
	assert.Equal(t, int64(2), c.MsgSeq)

	msgs, err := f.mm.LoadOlderPage(ctx, convId, 0, 10)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, id2, msgs[0].MsgId)
	assert.Equal(t, id1, msgs[1].MsgId)
	assert.Greater(t, msgs[0].Cts, msgs[1].Cts, "cts is monotonic even with a frozen clock")
	assert.Equal(t, int64(1), msgs[1].Seq)
	assert.Equal(t, "alice-hi", msgs[1].ClientId)

	items := f.rec.Items()
	require.Len(t, items, 2)
	assert.Equal(t, nsqconst.NotifyKindMessage, items[0].Kind)
	assert.Equal(t, []string{"bob"}, items[0].Payload.Members)

	st, err := f.streak.Get(ctx, chatconst.ConvStreakKey(convId))
	require.NoError(t, err)
	assert.Equal(t, 1, st.Count)
}

func TestSendAuthorization(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, Options{})

	pending, _, err := f.cm.FindOrCreateDirect(ctx, "alice", "bob")
	require.NoError(t, err)

	_, err = f.mm.Send(ctx, core.SendParam{ConvId: pending, Sender: "bob", Content: msgmodel.MsgContent{Text: "x"}})
	assert.True(t, myerr.IsPermission(err), "recipient cannot write before accepting")

	_, err = f.mm.Send(ctx, core.SendParam{ConvId: pending, Sender: "alice", Content: msgmodel.MsgContent{Text: "hello?"}})
	require.NoError(t, err)

	_, err = f.mm.Send(ctx, core.SendParam{ConvId: pending, Sender: "mallory", Content: msgmodel.MsgContent{Text: "x"}})
	assert.True(t, myerr.IsPermission(err))

	bc, err := f.cm.CreateBroadcast(ctx, "editor", "news")
	require.NoError(t, err)

	_, err = f.mm.Send(ctx, core.SendParam{ConvId: bc, Sender: "reader", Content: msgmodel.MsgContent{Text: "x"}})
	assert.True(t, myerr.IsPermission(err))

	_, err = f.mm.Send(ctx, core.SendParam{ConvId: bc, Sender: "editor", Content: msgmodel.MsgContent{Text: "issue 1"}})
	require.NoError(t, err)

	require.NoError(t, f.cm.Archive(ctx, bc, "editor"))
	_, err = f.mm.Send(ctx, core.SendParam{ConvId: bc, Sender: "editor", Content: msgmodel.MsgContent{Text: "issue 2"}})
	assert.True(t, myerr.IsPermission(err))

	_, err = f.mm.Send(ctx, core.SendParam{ConvId: "grp:missing", Sender: "editor", Content: msgmodel.MsgContent{Text: "x"}})
	assert.True(t, myerr.IsNotFound(err))

	convId := f.direct(t, "c", "d")
	_, err = f.mm.Send(ctx, core.SendParam{ConvId: convId, Sender: "c", Content: msgmodel.MsgContent{Text: "  "}})
	assert.True(t, myerr.IsInvalid(err))
}

func TestSoftDeleteVisibility(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, Options{})
	convId := f.direct(t, "alice", "bob")

	f.send(t, convId, "alice", "one")
	two := f.send(t, convId, "bob", "two")

	require.NoError(t, f.mm.DeleteForSelf(ctx, convId, two, "alice"))

	msgs, err := f.mm.LoadOlderPage(ctx, convId, 0, 10)
	require.NoError(t, err)
	assert.Len(t, msgmodel.VisibleTo(msgs, "alice"), 1)
	assert.Len(t, msgmodel.VisibleTo(msgs, "bob"), 2)

	c, err := f.cm.Get(ctx, convId)
	require.NoError(t, err)
	assert.Equal(t, "one", c.LastMsg)

	err = f.mm.DeleteForAll(ctx, convId, two, "alice")
	assert.True(t, myerr.IsPermission(err), "only the sender deletes for everyone in a direct chat")

	require.NoError(t, f.mm.DeleteForAll(ctx, convId, two, "bob"))
	require.NoError(t, f.mm.DeleteForAll(ctx, convId, two, "bob"))

	msgs, err = f.mm.LoadOlderPage(ctx, convId, 0, 10)
	require.NoError(t, err)
	assert.Len(t, msgmodel.VisibleTo(msgs, "bob"), 1)
	assert.True(t, msgs[0].Deleted)
}

func TestPreviewFailsSafeToEmpty(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, Options{PreviewPageSize: 2, PreviewBudget: 2})
	convId := f.direct(t, "alice", "bob")

	f.send(t, convId, "bob", "oldest")
	var ids []int64
	for i := 0; i < 5; i++ {
		ids = append(ids, f.send(t, convId, "alice", fmt.Sprintf("m%d", i)))
	}

	// hide the newest five for alice, the only visible one is beyond two pages
	for _, id := range ids[:4] {
		require.NoError(t, f.mm.DeleteForSelf(ctx, convId, id, "alice"))
	}
	require.NoError(t, f.mm.DeleteForSelf(ctx, convId, ids[4], "alice"))

	c, err := f.cm.Get(ctx, convId)
	require.NoError(t, err)
	assert.Empty(t, c.LastMsg)
	assert.Zero(t, c.LastMsgId)
}

func TestPreviewFoundWithinBudget(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, Options{PreviewPageSize: 2, PreviewBudget: 3})
	convId := f.direct(t, "alice", "bob")

	keep := f.send(t, convId, "bob", "keep")
	var last int64
	for i := 0; i < 3; i++ {
		last = f.send(t, convId, "alice", fmt.Sprintf("m%d", i))
		require.NoError(t, f.mm.DeleteForAll(ctx, convId, last, "alice"))
	}

	c, err := f.cm.Get(ctx, convId)
	require.NoError(t, err)
	assert.Equal(t, keep, c.LastMsgId)
	assert.Equal(t, "keep", c.LastMsg)
	assert.NotEqual(t, last, c.LastMsgId)
}

func TestReactionDoubleToggle(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, Options{})
	convId := f.direct(t, "alice", "bob")
	id := f.send(t, convId, "alice", "lol")

	on, err := f.mm.ToggleReaction(ctx, convId, id, "bob", "😂")
	require.NoError(t, err)
	assert.True(t, on)

	msgs, err := f.mm.LoadOlderPage(ctx, convId, 0, 1)
	require.NoError(t, err)
	assert.Equal(t, []string{"bob"}, msgs[0].Reactions["😂"])

	on, err = f.mm.ToggleReaction(ctx, convId, id, "bob", "😂")
	require.NoError(t, err)
	assert.False(t, on)

	msgs, err = f.mm.LoadOlderPage(ctx, convId, 0, 1)
	require.NoError(t, err)
	assert.Empty(t, msgs[0].Reactions["😂"])

	_, err = f.mm.ToggleReaction(ctx, convId, id, "bob", "")
	assert.True(t, myerr.IsInvalid(err))

	_, err = f.mm.ToggleReaction(ctx, convId, id, "bob", "a b")
	assert.True(t, myerr.IsInvalid(err))
}

func TestTogglePinIsPerViewer(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, Options{})
	convId := f.direct(t, "alice", "bob")
	id := f.send(t, convId, "alice", "remember this")

	pinned, err := f.mm.TogglePin(ctx, convId, id, "alice")
	require.NoError(t, err)
	assert.True(t, pinned)

	msgs, err := f.mm.LoadOlderPage(ctx, convId, 0, 1)
	require.NoError(t, err)
	assert.Equal(t, []string{"alice"}, msgs[0].PinnedBy)

	pinned, err = f.mm.TogglePin(ctx, convId, id, "alice")
	require.NoError(t, err)
	assert.False(t, pinned)

	_, err = f.mm.TogglePin(ctx, convId, id, "eve")
	assert.True(t, myerr.IsPermission(err))
}

func TestEdit(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, Options{})
	convId := f.direct(t, "alice", "bob")
	id := f.send(t, convId, "alice", "helo")

	assert.True(t, myerr.IsPermission(f.mm.Edit(ctx, convId, id, "bob", "hello")))
	assert.True(t, myerr.IsInvalid(f.mm.Edit(ctx, convId, id, "alice", "")))

	f.advance(time.Second)
	require.NoError(t, f.mm.Edit(ctx, convId, id, "alice", "hello"))

	msgs, err := f.mm.LoadOlderPage(ctx, convId, 0, 1)
	require.NoError(t, err)
	assert.Equal(t, "hello", msgs[0].Content.Text)
	assert.Equal(t, f.clock().UnixMilli(), msgs[0].EditedAt)

	c, err := f.cm.Get(ctx, convId)
	require.NoError(t, err)
	assert.Equal(t, "hello", c.LastMsg)
}

func TestReplyAndForward(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, Options{})
	convId := f.direct(t, "alice", "bob")
	other := f.direct(t, "alice", "carol")

	parent := f.send(t, convId, "bob", strings.Repeat("x", 100))

	id, err := f.mm.Send(ctx, core.SendParam{
		ConvId:  convId,
		Sender:  "alice",
		Content: msgmodel.MsgContent{Text: "agreed"},
		ReplyTo: &msgmodel.ReplyRef{MsgId: parent},
	})
	require.NoError(t, err)

	fwd, err := f.mm.Send(ctx, core.SendParam{
		ConvId:    other,
		Sender:    "alice",
		ForwardOf: &msgmodel.ForwardRef{ConvId: convId, MsgId: id},
	})
	require.NoError(t, err)

	msgs, err := f.mm.LoadOlderPage(ctx, convId, 0, 1)
	require.NoError(t, err)
	require.NotNil(t, msgs[0].ReplyTo)
	assert.Equal(t, "bob", msgs[0].ReplyTo.Sender)
	assert.True(t, strings.HasSuffix(msgs[0].ReplyTo.Preview, "…"))

	msgs, err = f.mm.LoadOlderPage(ctx, other, 0, 1)
	require.NoError(t, err)
	assert.Equal(t, fwd, msgs[0].MsgId)
	assert.Equal(t, "agreed", msgs[0].Content.Text)
	require.NotNil(t, msgs[0].ForwardOf)
	assert.Equal(t, convId, msgs[0].ForwardOf.ConvId)

	// carol cannot forward out of a conversation she is not in
	_, err = f.mm.Send(ctx, core.SendParam{
		ConvId:    other,
		Sender:    "carol",
		ForwardOf: &msgmodel.ForwardRef{MsgId: parent},
	})
	assert.True(t, myerr.IsPermission(err))

	_, err = f.mm.Send(ctx, core.SendParam{
		ConvId:  other,
		Sender:  "alice",
		Content: msgmodel.MsgContent{Text: "x"},
		ReplyTo: &msgmodel.ReplyRef{MsgId: parent},
	})
	assert.True(t, myerr.IsNotFound(err), "reply parent must live in the same conversation")
}

func TestMarkReadIsThrottled(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, Options{ReadInterval: 3 * time.Second})
	convId := f.direct(t, "alice", "bob")
	f.send(t, convId, "alice", "hi")

	marked, err := f.mm.MarkRead(ctx, convId, "bob", false)
	require.NoError(t, err)
	assert.False(t, marked)

	marked, err = f.mm.MarkRead(ctx, convId, "bob", true)
	require.NoError(t, err)
	assert.True(t, marked)

	f.advance(time.Second)
	marked, err = f.mm.MarkRead(ctx, convId, "bob", true)
	require.NoError(t, err)
	assert.False(t, marked)

	f.advance(3 * time.Second)
	marked, err = f.mm.MarkRead(ctx, convId, "bob", true)
	require.NoError(t, err)
	assert.True(t, marked)

	c, err := f.cm.Get(ctx, convId)
	require.NoError(t, err)
	assert.Equal(t, f.clock().UnixMilli(), c.LastReadAtBy["bob"])
}

func TestMarkReadKeepsTokenWhenMarkStays(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, Options{ReadInterval: 3 * time.Second})
	convId := f.direct(t, "alice", "bob")
	f.send(t, convId, "alice", "hi")

	// another device of bob already read a little further
	start := f.clock().UnixMilli()
	_, err := f.cr.MarkRead(ctx, convId, "bob", start+500)
	require.NoError(t, err)

	marked, err := f.mm.MarkRead(ctx, convId, "bob", true)
	require.NoError(t, err)
	assert.False(t, marked)

	f.advance(time.Second)
	marked, err = f.mm.MarkRead(ctx, convId, "bob", true)
	require.NoError(t, err)
	assert.True(t, marked, "the earlier no-op did not use up the interval")
}

func TestIdleReadLimitersAreDropped(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, Options{ReadInterval: time.Second})
	convId := f.direct(t, "alice", "bob")
	f.send(t, convId, "alice", "hi")

	mm := f.mm.(*msgManager)

	_, err := f.mm.MarkRead(ctx, convId, "bob", true)
	require.NoError(t, err)
	assert.Equal(t, uintptr(1), mm.readLimiters.Len())

	f.advance(2 * time.Minute)
	_, err = f.mm.MarkRead(ctx, convId, "alice", true)
	require.NoError(t, err)
	assert.Equal(t, uintptr(1), mm.readLimiters.Len(), "bob's idle limiter was swept")

	_, ok := mm.readLimiters.Get(convId + "|alice")
	assert.True(t, ok)
}

func TestSubscribeDeliversWindow(t *testing.T) {
	f := newFixture(t, Options{})
	convId := f.direct(t, "alice", "bob")

	var (
		mu    sync.Mutex
		calls int
		last  []*msgmodel.Message
	)
	unsub := f.mm.Subscribe(convId, 2, func(msgs []*msgmodel.Message) {
		mu.Lock()
		calls++
		last = msgs
		mu.Unlock()
	})

	f.send(t, convId, "alice", "a")
	f.send(t, convId, "bob", "b")
	third := f.send(t, convId, "alice", "c")

	mu.Lock()
	assert.Equal(t, 4, calls)
	require.Len(t, last, 2)
	assert.Equal(t, third, last[0].MsgId)
	mu.Unlock()

	unsub()
	unsub()
	f.send(t, convId, "alice", "d")

	mu.Lock()
	assert.Equal(t, 4, calls)
	mu.Unlock()
}

func TestUploadMedia(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, Options{})

	url, err := f.mm.UploadMedia(ctx, []byte{0x89, 'P', 'N', 'G'}, "image/png")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(url, "http://localhost/media/"))
	assert.True(t, strings.HasSuffix(url, ".png"))

	_, err = f.mm.UploadMedia(ctx, []byte("x"), "application/x-sh")
	assert.True(t, myerr.IsInvalid(err))
}

func TestRecreatedDirectStartsWithEmptyHistory(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, Options{})
	convId := f.direct(t, "alice", "bob")

	old := f.send(t, convId, "alice", "secret")
	require.NoError(t, f.cm.Delete(ctx, convId, "alice"))

	again, created, err := f.cm.FindOrCreateDirect(ctx, "alice", "bob")
	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, convId, again, "direct ids are deterministic")

	fresh := f.send(t, convId, "bob", "fresh")

	msgs, err := f.mm.LoadOlderPage(ctx, convId, 0, 10)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, fresh, msgs[0].MsgId)
	assert.Equal(t, int64(2), msgs[0].Seq, "seq continues past the orphaned messages")

	_, err = f.mm.ToggleReaction(ctx, convId, old, "bob", "👍")
	assert.True(t, myerr.IsNotFound(err), "orphaned messages cannot be targeted")

	require.NoError(t, f.mm.DeleteForAll(ctx, convId, fresh, "bob"))
	c, err := f.cm.Get(ctx, convId)
	require.NoError(t, err)
	assert.Empty(t, c.LastMsg, "preview never falls back to an orphaned message")
}

func TestVisiblePageSkipsHiddenMessages(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, Options{})
	convId := f.direct(t, "alice", "bob")

	ids := make([]int64, 10)
	for i := range ids {
		ids[i] = f.send(t, convId, "bob", fmt.Sprintf("m%d", i))
	}
	require.NoError(t, f.mm.DeleteForSelf(ctx, convId, ids[9], "alice"))

	page, err := f.mm.LoadVisiblePage(ctx, convId, "alice", 0, 5)
	require.NoError(t, err)
	require.Len(t, page, 5, "a hidden message does not shorten the page")
	assert.Equal(t, ids[8], page[0].MsgId)
	assert.Equal(t, ids[4], page[4].MsgId)

	rest, err := f.mm.LoadVisiblePage(ctx, convId, "alice", page[4].Cts, 5)
	require.NoError(t, err)
	require.Len(t, rest, 4, "short page means history is exhausted")
	assert.Equal(t, ids[3], rest[0].MsgId)
	assert.Equal(t, ids[0], rest[3].MsgId)

	page, err = f.mm.LoadVisiblePage(ctx, convId, "bob", 0, 5)
	require.NoError(t, err)
	assert.Equal(t, ids[9], page[0].MsgId)
}
