package hws

import (
	"context"
	"time"

	"github.com/sweemingdow/sdchat/external/emodel/convmodel"
	"github.com/sweemingdow/sdchat/external/emodel/presmodel"
	"github.com/sweemingdow/sdchat/external/emodel/wsmodel"
	"github.com/sweemingdow/sdchat/external/erespcode"
	"github.com/sweemingdow/sdchat/micros/chatsrv/internal/core/reconcile"
	"github.com/sweemingdow/sdchat/micros/chatsrv/internal/session"
	"github.com/sweemingdow/sdchat/pkg/myerr"
	"github.com/sweemingdow/sdchat/pkg/parser/json"
)

const cmdTimeout = 15 * time.Second

func decode[T any](cmd wsmodel.Command) (T, error) {
	var v T
	if len(cmd.Data) == 0 {
		return v, nil
	}
	if err := json.Parse(cmd.Data, &v); err != nil {
		return v, myerr.Invalid("", "bad %s data: %v", cmd.Op, err)
	}
	return v, nil
}

func (wc *wsClient) dispatch(cmd wsmodel.Command) (any, error) {
	ctx, cancel := context.WithTimeout(wc.ctx, cmdTimeout)
	defer cancel()

	switch cmd.Op {
	case wsmodel.OpPing:
		return "pong", nil
	case wsmodel.OpSignIn:
		req, err := decode[wsmodel.SignInReq](cmd)
		if err != nil {
			return nil, err
		}
		return nil, wc.signIn(req.Uid)
	case wsmodel.OpSignOut:
		wc.dropSubs()
		wc.holder.SignOut()
		return nil, nil
	case wsmodel.OpAppState:
		req, err := decode[wsmodel.FlagReq](cmd)
		if err != nil {
			return nil, err
		}
		wc.pres.OnAppState(ctx, req.On)
		return nil, nil
	case wsmodel.OpHibernate:
		req, err := decode[wsmodel.FlagReq](cmd)
		if err != nil {
			return nil, err
		}
		wc.pres.SetHibernate(ctx, req.On)
		return nil, nil
	case wsmodel.OpSubConvList:
		req, err := decode[wsmodel.SubConvListReq](cmd)
		if err != nil {
			return nil, err
		}
		return wc.subConvList(req)
	case wsmodel.OpSubConv:
		req, err := decode[wsmodel.ConvReq](cmd)
		if err != nil {
			return nil, err
		}
		return wc.subConv(ctx, req.ConvId)
	case wsmodel.OpOpenView:
		req, err := decode[wsmodel.OpenViewReq](cmd)
		if err != nil {
			return nil, err
		}
		return wc.openView(ctx, req)
	case wsmodel.OpSend:
		req, err := decode[wsmodel.SendReq](cmd)
		if err != nil {
			return nil, err
		}
		return wc.send(ctx, req)
	case wsmodel.OpRetry:
		req, err := decode[wsmodel.RetryReq](cmd)
		if err != nil {
			return nil, err
		}
		eng, err := wc.engineOf(req.ConvId)
		if err != nil {
			return nil, err
		}
		return nil, eng.Retry(ctx, req.ClientId)
	case wsmodel.OpSubPresence:
		req, err := decode[wsmodel.SubPresenceReq](cmd)
		if err != nil {
			return nil, err
		}
		return wc.subPresence(req.Uid)
	case wsmodel.OpSubTyping:
		req, err := decode[wsmodel.ConvReq](cmd)
		if err != nil {
			return nil, err
		}
		return wc.subTyping(ctx, req.ConvId)
	case wsmodel.OpTyping:
		req, err := decode[wsmodel.TypingReq](cmd)
		if err != nil {
			return nil, err
		}
		return nil, wc.setTyping(ctx, req)
	case wsmodel.OpMarkRead:
		req, err := decode[wsmodel.MarkReadReq](cmd)
		if err != nil {
			return nil, err
		}
		uid, err := wc.uid()
		if err != nil {
			return nil, err
		}
		moved, err := wc.h.deps.Msgs.MarkRead(ctx, req.ConvId, uid, req.NearBottom)
		if err != nil {
			return nil, err
		}
		return wsmodel.MarkReadResp{Moved: moved}, nil
	case wsmodel.OpUnsub:
		req, err := decode[wsmodel.UnsubReq](cmd)
		if err != nil {
			return nil, err
		}
		if !wc.unsub(req.Key) {
			return nil, myerr.NotFound("", "no subscription %q", req.Key)
		}
		return nil, nil
	}

	return nil, myerr.Invalid("", "unknown op %q", cmd.Op)
}

func (wc *wsClient) signIn(uid string) error {
	if uid == "" {
		return myerr.Invalid("", "uid is required")
	}

	if cur, ok := wc.holder.CurrentUser(); ok && cur.Uid != uid {
		wc.dropSubs()
	}

	wc.holder.SignIn(session.Identity{Uid: uid})
	wc.lg.Debug().Str("uid", uid).Msg("websocket client signed in")
	return nil
}

// member loads convId and checks that uid may read it.
func (wc *wsClient) member(ctx context.Context, convId, uid string) error {
	conv, err := wc.h.deps.Convs.Get(ctx, convId)
	if err != nil {
		return err
	}
	if !conv.IsMember(uid) {
		return erespcode.NewMebNotInGroupErr()
	}
	return nil
}

func (wc *wsClient) subConvList(req wsmodel.SubConvListReq) (any, error) {
	uid, err := wc.uid()
	if err != nil {
		return nil, err
	}

	key := wsmodel.ConvListKey()
	unsub := wc.h.deps.Convs.SubscribeList(uid, req.Limit, func(items []convmodel.ListItem) {
		wc.event(wsmodel.EvConvList, key, items)
	})
	wc.addSub(key, unsub)

	return wsmodel.SubResp{Key: key}, nil
}

func (wc *wsClient) subConv(ctx context.Context, convId string) (any, error) {
	uid, err := wc.uid()
	if err != nil {
		return nil, err
	}
	if err = wc.member(ctx, convId, uid); err != nil {
		return nil, err
	}

	key := wsmodel.ConvKey(convId)
	unsub := wc.h.deps.Convs.SubscribeConv(convId, func(c *convmodel.Conversation) {
		wc.event(wsmodel.EvConv, key, c)
	})
	wc.addSub(key, unsub)

	return wsmodel.SubResp{Key: key}, nil
}

func (wc *wsClient) openView(ctx context.Context, req wsmodel.OpenViewReq) (any, error) {
	uid, err := wc.uid()
	if err != nil {
		return nil, err
	}
	if err = wc.member(ctx, req.ConvId, uid); err != nil {
		return nil, err
	}

	opts := wc.h.opts.Engine
	if req.PageSize > 0 {
		opts.PageSize = req.PageSize
	}
	opts.QueueKey = uid + "/" + req.ConvId

	key := wsmodel.ViewKey(req.ConvId)
	eng := reconcile.NewEngine(
		reconcile.Deps{
			Msgs:     wc.h.deps.Msgs,
			Convs:    wc.h.deps.Convs,
			Presence: wc.h.deps.Presence,
			Conn:     wc.ec,
			Queue:    wc.h.deps.Queue,
		},
		uid,
		req.ConvId,
		opts,
		func(v reconcile.View) {
			wc.event(wsmodel.EvView, key, v)
		},
	)

	// the previous engine of this conversation goes first
	wc.unsub(key)

	if err = eng.Start(ctx); err != nil {
		return nil, err
	}

	wc.engines.Set(req.ConvId, eng)
	wc.addSub(key, func() {
		wc.engines.Del(req.ConvId)

		sctx, cancel := context.WithTimeout(context.Background(), wc.h.opts.WriteTimeout)
		defer cancel()
		_ = eng.GracefulStop(sctx)
	})

	return wsmodel.SubResp{Key: key}, nil
}

func (wc *wsClient) engineOf(convId string) (*reconcile.Engine, error) {
	if _, err := wc.uid(); err != nil {
		return nil, err
	}

	eng, ok := wc.engines.Get(convId)
	if !ok {
		return nil, myerr.Invalid("view_not_open", "open the view of %s first", convId)
	}
	return eng, nil
}

func (wc *wsClient) send(ctx context.Context, req wsmodel.SendReq) (any, error) {
	eng, err := wc.engineOf(req.ConvId)
	if err != nil {
		return nil, err
	}

	clientId, err := eng.Send(ctx, req.Content, reconcile.SendOptions{
		ReplyTo:   req.ReplyTo,
		ForwardOf: req.ForwardOf,
	})
	if err != nil && clientId == "" {
		return nil, err
	}

	// a failed write still has its clientId, the view shows it as failed
	return wsmodel.SendResp{ClientId: clientId}, nil
}

func (wc *wsClient) subPresence(other string) (any, error) {
	if _, err := wc.uid(); err != nil {
		return nil, err
	}
	if other == "" {
		return nil, myerr.Invalid("", "uid is required")
	}

	key := wsmodel.PresenceKey(other)
	unsub := wc.h.deps.Presence.SubscribePresence(other, func(p presmodel.Presence) {
		wc.event(wsmodel.EvPresence, key, p)
	})
	wc.addSub(key, unsub)

	return wsmodel.SubResp{Key: key}, nil
}

func (wc *wsClient) subTyping(ctx context.Context, convId string) (any, error) {
	uid, err := wc.uid()
	if err != nil {
		return nil, err
	}
	if err = wc.member(ctx, convId, uid); err != nil {
		return nil, err
	}

	key := wsmodel.TypingKey(convId)
	unsub := wc.h.deps.Typing.SubscribeTyping(convId, func(ts presmodel.TypingState) {
		// the typist does not see themselves
		others := ts.Uids[:0:0]
		for _, u := range ts.Uids {
			if u != uid {
				others = append(others, u)
			}
		}
		wc.event(wsmodel.EvTyping, key, presmodel.TypingState{ConvId: ts.ConvId, Uids: others})
	})
	wc.addSub(key, unsub)

	return wsmodel.SubResp{Key: key}, nil
}

func (wc *wsClient) setTyping(ctx context.Context, req wsmodel.TypingReq) error {
	uid, err := wc.uid()
	if err != nil {
		return err
	}
	if err = wc.member(ctx, req.ConvId, uid); err != nil {
		return err
	}

	return wc.h.deps.Typing.SetTyping(ctx, req.ConvId, uid, req.Typing)
}
