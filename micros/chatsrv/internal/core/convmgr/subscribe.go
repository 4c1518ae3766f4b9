package convmgr

import (
	"context"
	"sync"
	"time"

	"github.com/sweemingdow/sdchat/external/eglobal/chatconst"
	"github.com/sweemingdow/sdchat/external/emodel/convmodel"
	"github.com/sweemingdow/sdchat/micros/chatsrv/internal/realtime"
	"github.com/sweemingdow/sdchat/pkg/mylog"
)

const reloadTimeout = 5 * time.Second

func (cm *convManager) SubscribeList(uid string, limit int, fn func(items []convmodel.ListItem)) func() {
	if limit <= 0 {
		limit = 50
	}

	var (
		mu     sync.Mutex
		closed bool
	)

	reload := func(_ realtime.Event) {
		mu.Lock()
		defer mu.Unlock()

		if closed {
			return
		}

		ctx, cancel := context.WithTimeout(context.Background(), reloadTimeout)
		defer cancel()

		items, err := cm.LoadOlderPage(ctx, uid, 0, limit)
		if err != nil {
			lg := mylog.WithUid(uid)
			lg.Error().Stack().Err(err).Msg("reload conversation list failed")
			return
		}

		fn(SortConvList(items))
	}

	unsubOwn := cm.hub.Subscribe(chatconst.ConvListTopic(uid), reload)
	unsubBc := cm.hub.Subscribe(chatconst.BroadcastListTopic, reload)

	reload(realtime.Event{})

	var once sync.Once
	return func() {
		once.Do(func() {
			unsubOwn()
			unsubBc()

			mu.Lock()
			closed = true
			mu.Unlock()
		})
	}
}

func (cm *convManager) SubscribeConv(convId string, fn func(c *convmodel.Conversation)) func() {
	var (
		mu     sync.Mutex
		closed bool
	)

	reload := func(_ realtime.Event) {
		mu.Lock()
		defer mu.Unlock()

		if closed {
			return
		}

		ctx, cancel := context.WithTimeout(context.Background(), reloadTimeout)
		defer cancel()

		c, err := cm.cr.FindConv(ctx, convId)
		if err != nil {
			lg := mylog.WithConv(convId)
			lg.Error().Stack().Err(err).Msg("reload conversation failed")
			return
		}

		// nil tells the subscriber the conversation is gone
		fn(c)
	}

	unsub := cm.hub.Subscribe(chatconst.ConvTopic(convId), reload)

	reload(realtime.Event{})

	var once sync.Once
	return func() {
		once.Do(func() {
			unsub()

			mu.Lock()
			closed = true
			mu.Unlock()
		})
	}
}
