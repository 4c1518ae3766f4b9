package hhttp

import (
	"context"
	"fmt"
	"io"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/gofiber/fiber/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/sweemingdow/sdchat/external/emodel/convmodel"
	"github.com/sweemingdow/sdchat/external/emodel/msgmodel"
	"github.com/sweemingdow/sdchat/micros/chatsrv/internal/core"
	"github.com/sweemingdow/sdchat/micros/chatsrv/internal/core/convmgr"
	"github.com/sweemingdow/sdchat/micros/chatsrv/internal/core/msgmgr"
	"github.com/sweemingdow/sdchat/micros/chatsrv/internal/core/streakmgr"
	"github.com/sweemingdow/sdchat/micros/chatsrv/internal/notify"
	"github.com/sweemingdow/sdchat/micros/chatsrv/internal/realtime"
	"github.com/sweemingdow/sdchat/micros/chatsrv/internal/repostories/convrepo"
	"github.com/sweemingdow/sdchat/micros/chatsrv/internal/repostories/dbutil/dbtest"
	"github.com/sweemingdow/sdchat/micros/chatsrv/internal/repostories/followrepo"
	"github.com/sweemingdow/sdchat/micros/chatsrv/internal/repostories/msgrepo"
	"github.com/sweemingdow/sdchat/micros/chatsrv/internal/repostories/streakrepo"
	"github.com/sweemingdow/sdchat/pkg/parser/json"
	"github.com/sweemingdow/sdchat/pkg/wrapper"
)

type server struct {
	app *fiber.App
	mm  core.MsgManager
	cm  core.ConvManager
}

func newServer(t *testing.T) *server {
	t.Helper()

	sc := dbtest.NewSqlite(t)
	node, err := snowflake.NewNode(4)
	require.NoError(t, err)

	hub := realtime.NewMemHub()
	cr := convrepo.NewConvRepository(sc)
	streak := streakmgr.NewStreakManager(streakrepo.NewStreakRepository(sc), time.UTC)

	s := &server{}
	s.cm = convmgr.NewConvManager(cr, followrepo.NewFollowRepository(sc), hub, node, convmgr.Options{})
	s.mm = msgmgr.NewMsgManager(msgmgr.Deps{
		Mr:       msgrepo.NewMsgRepository(sc),
		Cr:       cr,
		Hub:      hub,
		Notifier: notify.NewRecorder(),
		Streak:   streak,
		Node:     node,
	}, msgmgr.Options{})

	mhh := NewMsgHttpHandler(s.mm, s.cm, streak, 1<<20)
	chh := NewConvHttpHandler(s.cm)

	s.app = fiber.New(fiber.Config{ErrorHandler: ErrorHandler})
	api := s.app.Group("/api", RequireUid)
	api.Get("/msg/:convId/history", mhh.HandleHistory)
	api.Get("/conv/list", chh.HandleConvList)

	t.Cleanup(func() {
		ctx := context.Background()
		_ = s.mm.GracefulStop(ctx)
		_ = s.cm.GracefulStop(ctx)
	})

	return s
}

func getJson[T any](t *testing.T, s *server, uid, target string) T {
	t.Helper()

	req := httptest.NewRequest(fiber.MethodGet, target, nil)
	req.Header.Set(UidHeader, uid)

	resp, err := s.app.Test(req, -1)
	require.NoError(t, err)
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	require.Equal(t, fiber.StatusOK, resp.StatusCode, string(body))

	var out wrapper.HttpRespWrapper[T]
	require.NoError(t, json.Parse(body, &out))
	return out.Data
}

func TestHistoryPagesAreFullDespiteHiddenMessages(t *testing.T) {
	ctx := context.Background()
	s := newServer(t)

	require.NoError(t, s.cm.Follow(ctx, "a", "b"))
	require.NoError(t, s.cm.Follow(ctx, "b", "a"))
	convId, _, err := s.cm.FindOrCreateDirect(ctx, "a", "b")
	require.NoError(t, err)

	ids := make([]int64, 10)
	for i := range ids {
		ids[i], err = s.mm.Send(ctx, core.SendParam{
			ConvId:   convId,
			Sender:   "b",
			ClientId: fmt.Sprintf("c%d", i),
			Content:  msgmodel.MsgContent{Text: fmt.Sprintf("m%d", i)},
		})
		require.NoError(t, err)
	}
	require.NoError(t, s.mm.DeleteForSelf(ctx, convId, ids[9], "a"))

	page := getJson[[]*msgmodel.Message](t, s, "a", "/api/msg/"+convId+"/history?pageSize=5")
	require.Len(t, page, 5)
	assert.Equal(t, ids[8], page[0].MsgId)

	rest := getJson[[]*msgmodel.Message](t, s, "a", fmt.Sprintf("/api/msg/%s/history?pageSize=5&beforeTs=%d", convId, page[4].Cts))
	assert.Len(t, rest, 4)
}

func TestConvListCursorContinuesAfterLastItem(t *testing.T) {
	ctx := context.Background()
	s := newServer(t)

	for _, other := range []string{"b", "c", "d"} {
		require.NoError(t, s.cm.Follow(ctx, "a", other))
		require.NoError(t, s.cm.Follow(ctx, other, "a"))
		_, _, err := s.cm.FindOrCreateDirect(ctx, "a", other)
		require.NoError(t, err)
	}

	first := getJson[[]convmodel.ListItem](t, s, "a", "/api/conv/list?pageSize=2")
	require.Len(t, first, 2)

	last := first[1]
	rest := getJson[[]convmodel.ListItem](t, s, "a", fmt.Sprintf("/api/conv/list?pageSize=2&beforeTs=%d&beforeConvId=%s", last.Uts, last.ConvId))
	require.Len(t, rest, 1)

	seen := map[string]bool{}
	for _, it := range append(first, rest...) {
		assert.False(t, seen[it.ConvId], "no item is repeated")
		seen[it.ConvId] = true
	}
	assert.Len(t, seen, 3)
}
