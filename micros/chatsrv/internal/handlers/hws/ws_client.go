package hws

import (
	"context"
	"sync"

	"github.com/alphadose/haxmap"
	"github.com/rs/zerolog"
	"github.com/sweemingdow/sdchat/external/emodel/wsmodel"
	"github.com/sweemingdow/sdchat/external/erespcode"
	"github.com/sweemingdow/sdchat/micros/chatsrv/internal/core/presmgr"
	"github.com/sweemingdow/sdchat/micros/chatsrv/internal/core/reconcile"
	"github.com/sweemingdow/sdchat/micros/chatsrv/internal/ephem"
	"github.com/sweemingdow/sdchat/micros/chatsrv/internal/session"
	"github.com/sweemingdow/sdchat/pkg/myerr"
	"github.com/sweemingdow/sdchat/pkg/mylog"
	"github.com/sweemingdow/sdchat/pkg/parser/json"
	"nhooyr.io/websocket"
)

type wsClient struct {
	h      *WsHandler
	id     uint64
	ws     *websocket.Conn
	ec     ephem.Conn
	ctx    context.Context
	cancel context.CancelFunc
	out    chan []byte
	lg     zerolog.Logger

	holder     *session.Holder
	pres       *presmgr.Manager
	unbindAuth func()

	// subscription key -> unsubscribe
	subs    *haxmap.Map[string, func()]
	engines *haxmap.Map[string, *reconcile.Engine]

	closeOnce sync.Once
	wg        sync.WaitGroup
}

func newWsClient(h *WsHandler, id uint64, ws *websocket.Conn, ec ephem.Conn, ctx context.Context, cancel context.CancelFunc) *wsClient {
	wc := &wsClient{
		h:       h,
		id:      id,
		ws:      ws,
		ec:      ec,
		ctx:     ctx,
		cancel:  cancel,
		out:     make(chan []byte, h.opts.OutBuffer),
		lg:      mylog.AppLogger().With().Uint64("client_id", id).Logger(),
		holder:  session.NewHolder(),
		subs:    haxmap.New[string, func()](),
		engines: haxmap.New[string, *reconcile.Engine](),
	}

	wc.pres = presmgr.NewManager(presmgr.Deps{Store: ec, Pr: h.deps.Pr, Hub: h.deps.Hub}, h.opts.Presence)
	wc.unbindAuth = wc.pres.BindAuth(ctx, wc.holder)

	return wc
}

func (wc *wsClient) run() {
	wc.wg.Add(1)
	go func() {
		defer wc.wg.Done()
		wc.writeLoop()
	}()

	wc.readLoop()

	wc.shutdown(websocket.StatusNormalClosure, "")
	wc.wg.Wait()
	wc.cleanup()
}

func (wc *wsClient) readLoop() {
	for {
		typ, data, err := wc.ws.Read(wc.ctx)
		if err != nil {
			if websocket.CloseStatus(err) == -1 && wc.ctx.Err() == nil {
				wc.lg.Debug().Err(err).Msg("websocket read failed")
			}
			return
		}

		if typ != websocket.MessageText {
			continue
		}

		var cmd wsmodel.Command
		if err = json.Parse(data, &cmd); err != nil {
			wc.replyErr("", myerr.Invalid("", "bad frame: %v", err))
			continue
		}

		// commands run in arrival order, sends keep the order they were typed in
		rst, err := wc.dispatch(cmd)
		if err != nil {
			wc.replyErr(cmd.Id, err)
			continue
		}
		wc.reply(cmd.Id, rst)
	}
}

func (wc *wsClient) writeLoop() {
	for {
		select {
		case <-wc.ctx.Done():
			return
		case buf := <-wc.out:
			wctx, cancel := context.WithTimeout(wc.ctx, wc.h.opts.WriteTimeout)
			err := wc.ws.Write(wctx, websocket.MessageText, buf)
			cancel()

			if err != nil {
				wc.lg.Debug().Err(err).Msg("websocket write failed")
				wc.cancel()
				return
			}
		}
	}
}

func (wc *wsClient) push(v any) {
	buf, err := json.Fmt(v)
	if err != nil {
		wc.lg.Error().Stack().Err(err).Msg("format websocket frame failed")
		return
	}

	select {
	case wc.out <- buf:
	case <-wc.ctx.Done():
	default:
		wc.lg.Warn().Msg("websocket client too slow, closing")
		wc.shutdown(websocket.StatusPolicyViolation, "too slow")
	}
}

func (wc *wsClient) reply(id string, data any) {
	wc.push(wsmodel.Reply{Id: id, Code: wsmodel.CodeOk, Data: data})
}

func (wc *wsClient) replyErr(id string, err error) {
	subCode := myerr.CodeOf(err)
	if subCode == "" {
		subCode = myerr.KindOf(err).String()
	}

	if myerr.KindOf(err) == myerr.KindUnknown {
		wc.lg.Error().Stack().Err(err).Str("cmd_id", id).Msg("websocket command failed")
	}

	wc.push(wsmodel.Reply{Id: id, Code: wsmodel.CodeErr, SubCode: subCode, Msg: err.Error()})
}

func (wc *wsClient) event(ev, key string, data any) {
	wc.push(wsmodel.Event{Event: ev, Key: key, Data: data})
}

func (wc *wsClient) uid() (string, error) {
	id, ok := wc.holder.CurrentUser()
	if !ok {
		return "", erespcode.NewNotSignedInErr()
	}
	return id.Uid, nil
}

// addSub replaces any earlier subscription under key.
func (wc *wsClient) addSub(key string, unsub func()) {
	if prev, ok := wc.subs.Get(key); ok {
		prev()
	}
	wc.subs.Set(key, unsub)
}

func (wc *wsClient) unsub(key string) bool {
	unsub, ok := wc.subs.GetAndDel(key)
	if ok {
		unsub()
	}
	return ok
}

// dropSubs ends every subscription, they all belong to the signed-in user.
func (wc *wsClient) dropSubs() {
	var keys []string
	wc.subs.ForEach(func(k string, _ func()) bool {
		keys = append(keys, k)
		return true
	})

	for _, k := range keys {
		wc.unsub(k)
	}
}

func (wc *wsClient) shutdown(code websocket.StatusCode, reason string) {
	wc.closeOnce.Do(func() {
		wc.cancel()
		_ = wc.ws.Close(code, reason)
	})
}

func (wc *wsClient) cleanup() {
	wc.dropSubs()
	wc.unbindAuth()

	ctx, cancel := context.WithTimeout(context.Background(), wc.h.opts.WriteTimeout)
	defer cancel()

	_ = wc.pres.GracefulStop(ctx)
	if err := wc.ec.Close(ctx); err != nil {
		wc.lg.Warn().Err(err).Msg("close ephemeral connection failed")
	}

	wc.lg.Debug().Msg("websocket client gone")
}
