package hws

import (
	"context"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/alphadose/haxmap"
	"github.com/sweemingdow/sdchat/micros/chatsrv/internal/core"
	"github.com/sweemingdow/sdchat/micros/chatsrv/internal/core/offlineq"
	"github.com/sweemingdow/sdchat/micros/chatsrv/internal/core/presmgr"
	"github.com/sweemingdow/sdchat/micros/chatsrv/internal/core/reconcile"
	"github.com/sweemingdow/sdchat/micros/chatsrv/internal/ephem"
	"github.com/sweemingdow/sdchat/micros/chatsrv/internal/realtime"
	"github.com/sweemingdow/sdchat/micros/chatsrv/internal/repostories/presencerepo"
	"github.com/sweemingdow/sdchat/pkg/mylog"
	"nhooyr.io/websocket"
)

const WsHandlerLifetimeTag = "ws-handler"

type Deps struct {
	Convs    core.ConvManager
	Msgs     core.MsgManager
	Presence core.PresenceSubscriber
	Typing   core.TypingTracker
	// every client opens its own connection on it
	Ephem ephem.Backend
	Pr    presencerepo.PresenceRepository
	Hub   realtime.Hub
	Queue *offlineq.Queue
}

type Options struct {
	Presence       presmgr.Options
	Engine         reconcile.Options
	OutBuffer      int
	ReadLimit      int64
	WriteTimeout   time.Duration
	OriginPatterns []string
}

func (o *Options) applyDefaults() {
	if o.OutBuffer <= 0 {
		o.OutBuffer = 256
	}
	if o.ReadLimit <= 0 {
		o.ReadLimit = 64 << 10
	}
	if o.WriteTimeout <= 0 {
		o.WriteTimeout = 5 * time.Second
	}
}

// WsHandler serves the realtime surface: one websocket per client, each with
// its own ephemeral connection, presence session and conversation engines.
type WsHandler struct {
	deps    Deps
	opts    Options
	clients *haxmap.Map[uint64, *wsClient]
	nextId  atomic.Uint64
	closed  atomic.Bool
}

func NewWsHandler(deps Deps, opts Options) *WsHandler {
	opts.applyDefaults()

	return &WsHandler{
		deps:    deps,
		opts:    opts,
		clients: haxmap.New[uint64, *wsClient](),
	}
}

func (wh *WsHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	lg := mylog.AppLogger()

	if wh.closed.Load() {
		http.Error(w, "shutting down", http.StatusServiceUnavailable)
		return
	}

	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: wh.opts.OriginPatterns,
	})
	if err != nil {
		lg.Warn().Err(err).Str("remote", r.RemoteAddr).Msg("websocket accept failed")
		return
	}
	ws.SetReadLimit(wh.opts.ReadLimit)

	// the request context ends when ServeHTTP returns
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ec, err := wh.deps.Ephem.Open(ctx)
	if err != nil {
		lg.Error().Stack().Err(err).Msg("open ephemeral connection failed")
		_ = ws.Close(websocket.StatusInternalError, "ephemeral store unavailable")
		return
	}

	id := wh.nextId.Add(1)
	wc := newWsClient(wh, id, ws, ec, ctx, cancel)
	wh.clients.Set(id, wc)
	defer wh.clients.Del(id)

	lg.Debug().Uint64("client_id", id).Str("remote", r.RemoteAddr).Msg("websocket client connected")

	wc.run()
}

func (wh *WsHandler) Clients() int {
	return int(wh.clients.Len())
}

func (wh *WsHandler) GracefulStop(ctx context.Context) error {
	if !wh.closed.CompareAndSwap(false, true) {
		return nil
	}

	wh.clients.ForEach(func(_ uint64, wc *wsClient) bool {
		wc.shutdown(websocket.StatusGoingAway, "server shutting down")
		return true
	})

	ticker := time.NewTicker(20 * time.Millisecond)
	defer ticker.Stop()

	for wh.clients.Len() > 0 {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}

	return nil
}
