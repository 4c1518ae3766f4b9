package msgmgr

import (
	"context"
	"sync"
	"time"

	"github.com/sweemingdow/sdchat/external/eglobal/chatconst"
	"github.com/sweemingdow/sdchat/external/emodel/msgmodel"
	"github.com/sweemingdow/sdchat/micros/chatsrv/internal/realtime"
	"github.com/sweemingdow/sdchat/pkg/mylog"
)

const reloadTimeout = 5 * time.Second

func (mm *msgManager) Subscribe(convId string, pageSize int, fn func(msgs []*msgmodel.Message)) func() {
	if pageSize <= 0 {
		pageSize = 30
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

		msgs, err := mm.Mr.FindConvMsgs(ctx, convId, 0, pageSize)
		if err != nil {
			lg := mylog.WithConv(convId)
			lg.Error().Stack().Err(err).Msg("reload message window failed")
			return
		}

		fn(msgs)
	}

	unsub := mm.Hub.Subscribe(chatconst.MsgsTopic(convId), reload)

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
