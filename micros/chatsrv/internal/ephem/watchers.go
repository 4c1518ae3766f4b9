package ephem

import (
	"strings"
	"sync"
	"sync/atomic"

	"github.com/sweemingdow/sdchat/external/emodel/presmodel"
	"github.com/sweemingdow/sdchat/pkg/constt"
	"github.com/sweemingdow/sdchat/pkg/mylog"
)

type watcher struct {
	id     uint64
	key    string
	prefix bool
	fn     WatchFunc
	closed atomic.Bool
}

type watchers struct {
	mu     sync.RWMutex
	list   []*watcher
	nextId atomic.Uint64
}

func (ws *watchers) add(key string, prefix bool, fn WatchFunc) func() {
	w := &watcher{
		id:     ws.nextId.Add(1),
		key:    key,
		prefix: prefix,
		fn:     fn,
	}

	ws.mu.Lock()
	ws.list = append(ws.list, w)
	ws.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			w.closed.Store(true)

			ws.mu.Lock()
			defer ws.mu.Unlock()

			for i, it := range ws.list {
				if it.id == w.id {
					ws.list = append(ws.list[:i:i], ws.list[i+1:]...)
					return
				}
			}
		})
	}
}

func (ws *watchers) notify(key string, rec presmodel.Record) {
	ws.mu.RLock()
	matched := make([]*watcher, 0, 4)
	for _, w := range ws.list {
		if (w.prefix && strings.HasPrefix(key, w.key)) || (!w.prefix && w.key == key) {
			matched = append(matched, w)
		}
	}
	ws.mu.RUnlock()

	for _, w := range matched {
		if w.closed.Load() {
			continue
		}

		func() {
			defer func() {
				if r := recover(); r != nil {
					lg := mylog.AppLogger()
					lg.Error().Str("key", key).Msgf("ephemeral watcher panic, err:%v", r)
				}
			}()

			w.fn(key, rec)
		}()
	}
}

type connListeners struct {
	mu     sync.Mutex
	nextId uint64
	fns    map[uint64]func(constt.ConnState)
}

func (cl *connListeners) add(fn func(constt.ConnState)) func() {
	cl.mu.Lock()
	if cl.fns == nil {
		cl.fns = make(map[uint64]func(constt.ConnState))
	}
	cl.nextId++
	id := cl.nextId
	cl.fns[id] = fn
	cl.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			cl.mu.Lock()
			delete(cl.fns, id)
			cl.mu.Unlock()
		})
	}
}

func (cl *connListeners) notify(state constt.ConnState) {
	cl.mu.Lock()
	fns := make([]func(constt.ConnState), 0, len(cl.fns))
	for _, fn := range cl.fns {
		fns = append(fns, fn)
	}
	cl.mu.Unlock()

	for _, fn := range fns {
		fn(state)
	}
}
