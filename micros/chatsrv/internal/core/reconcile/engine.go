package reconcile

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	dq "github.com/sweemingdow/delay-queue"
	"github.com/sweemingdow/sdchat/external/eglobal/chatconst"
	"github.com/sweemingdow/sdchat/external/emodel/convmodel"
	"github.com/sweemingdow/sdchat/external/emodel/msgmodel"
	"github.com/sweemingdow/sdchat/external/emodel/presmodel"
	"github.com/sweemingdow/sdchat/micros/chatsrv/internal/core"
	"github.com/sweemingdow/sdchat/micros/chatsrv/internal/core/offlineq"
	"github.com/sweemingdow/sdchat/micros/chatsrv/internal/ephem"
	"github.com/sweemingdow/sdchat/micros/chatsrv/internal/metrics"
	"github.com/sweemingdow/sdchat/pkg/constt"
	"github.com/sweemingdow/sdchat/pkg/myerr"
	"github.com/sweemingdow/sdchat/pkg/mylog"
)

type Deps struct {
	Msgs     core.MsgManager
	Convs    core.ConvManager
	Presence core.PresenceSubscriber
	// Conn reports connectivity of the viewer's client
	Conn ephem.Store
	// Queue holds sends made while disconnected, nil fails them instead
	Queue *offlineq.Queue
}

type Options struct {
	PageSize    int
	SendTimeout time.Duration
	MaxAttempts int
	// RetryBackoff delays the automatic retry of a transient failure, it
	// grows with every attempt
	RetryBackoff time.Duration
	// QueueKey scopes offline entries in a queue shared by several viewers,
	// it defaults to the conversation id
	QueueKey string
	Now      func() time.Time
}

func (o *Options) applyDefaults() {
	if o.PageSize <= 0 {
		o.PageSize = 30
	}
	if o.SendTimeout <= 0 {
		o.SendTimeout = 10 * time.Second
	}
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = 3
	}
	if o.RetryBackoff <= 0 {
		o.RetryBackoff = 2 * time.Second
	}
	if o.Now == nil {
		o.Now = time.Now
	}
}

type View struct {
	ConvId string  `json:"convId"`
	Items  []*Item `json:"items"`
}

type SendOptions struct {
	ReplyTo   *msgmodel.ReplyRef
	ForwardOf *msgmodel.ForwardRef
}

type pendingEntry struct {
	msgmodel.PendingMsg
	param core.SendParam
	// lives in the offline queue until the next flush
	queued bool
	// no retry can succeed any more
	permanent bool
}

// sendDeadline is either the timeout of an attempt or, with retry set, the
// moment a transiently failed attempt is written again.
type sendDeadline struct {
	clientId string
	attempt  int
	retry    bool
	expire   time.Time
}

func (sd sendDeadline) GetExpire() time.Time {
	return sd.expire
}

// Engine keeps one viewer's view of one conversation: the authoritative
// window merged with local sends, annotated with delivery status.
type Engine struct {
	deps   Deps
	opts   Options
	viewer string
	convId string
	onView func(View)
	lg     zerolog.Logger

	mu         sync.Mutex
	auth       []*msgmodel.Message
	conv       *convmodel.Conversation
	online     map[string]bool
	presUnsubs map[string]func()
	connected  bool
	pending    map[string]*pendingEntry
	order      []string

	emitMu   sync.Mutex
	watchdog *dq.DelayQueue[sendDeadline]
	unsubs   []func()
	// lifeMu orders closing against spawning background work
	lifeMu sync.Mutex
	closed atomic.Bool
	done   chan struct{}
	wg     sync.WaitGroup
}

// NewEngine builds an engine, Start wires its inputs. onView is called
// after every change and must not call back into the engine.
func NewEngine(deps Deps, viewer, convId string, opts Options, onView func(View)) *Engine {
	opts.applyDefaults()
	if opts.QueueKey == "" {
		opts.QueueKey = convId
	}

	return &Engine{
		deps:       deps,
		opts:       opts,
		viewer:     viewer,
		convId:     convId,
		onView:     onView,
		lg:         mylog.WithConv(convId).With().Str("viewer", viewer).Logger(),
		online:     make(map[string]bool),
		presUnsubs: make(map[string]func()),
		pending:    make(map[string]*pendingEntry),
		watchdog: dq.NewDelayQueue(
			64,
			func(o1, o2 sendDeadline) bool {
				return o1.clientId == o2.clientId && o1.attempt == o2.attempt && o1.retry == o2.retry
			},
		),
		done: make(chan struct{}),
	}
}

func (e *Engine) Start(ctx context.Context) error {
	if err := e.restoreQueued(ctx); err != nil {
		return err
	}

	go e.startWatchdogTaker()

	e.unsubs = append(e.unsubs,
		e.deps.Convs.SubscribeConv(e.convId, e.onConv),
		e.deps.Msgs.Subscribe(e.convId, e.opts.PageSize, e.onMsgs),
		e.deps.Conn.OnConnectionState(e.onConn),
	)

	return nil
}

// restoreQueued surfaces sends that were queued by an earlier engine.
func (e *Engine) restoreQueued(ctx context.Context) error {
	if e.deps.Queue == nil {
		return nil
	}

	entries, err := e.deps.Queue.List(ctx, e.opts.QueueKey)
	if err != nil {
		return err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	for _, ent := range entries {
		pe := e.newPendingLocked(ent.ClientId, ent.Content, SendOptions{ReplyTo: ent.ReplyTo, ForwardOf: ent.ForwardOf}, ent.EnqueuedAt)
		pe.Attempts = ent.Attempts
		pe.queued = !ent.Failed
		if ent.Failed {
			pe.Status = msgmodel.PendingFailed
			pe.Failed = true
			pe.permanent = true
		}
	}

	return nil
}

func (e *Engine) newPendingLocked(clientId string, content msgmodel.MsgContent, so SendOptions, cts int64) *pendingEntry {
	pe := &pendingEntry{
		PendingMsg: msgmodel.PendingMsg{
			Message: msgmodel.Message{
				ClientId:  clientId,
				ConvId:    e.convId,
				Sender:    e.viewer,
				Content:   content,
				Cts:       cts,
				ReplyTo:   so.ReplyTo,
				ForwardOf: so.ForwardOf,
			},
			Status: msgmodel.PendingSending,
		},
		param: core.SendParam{
			ConvId:    e.convId,
			Sender:    e.viewer,
			ClientId:  clientId,
			Content:   content,
			ReplyTo:   so.ReplyTo,
			ForwardOf: so.ForwardOf,
		},
	}

	e.pending[clientId] = pe
	e.order = append(e.order, clientId)
	return pe
}

// Send shows the message at once and writes it, or queues it while
// disconnected. The returned error is the write error, the view carries it
// as a failed item too.
func (e *Engine) Send(ctx context.Context, content msgmodel.MsgContent, so SendOptions) (string, error) {
	if e.closed.Load() {
		return "", ErrEngineClosed
	}

	if content.IsEmpty() && so.ForwardOf == nil {
		return "", myerr.Invalid("", "empty message")
	}

	clientId := uuid.NewString()
	now := e.opts.Now().UnixMilli()

	e.mu.Lock()
	pe := e.newPendingLocked(clientId, content, so, now)
	connected := e.connected
	queue := e.deps.Queue
	if !connected && queue != nil {
		pe.queued = true
	}
	e.mu.Unlock()

	e.emit()

	if connected {
		return clientId, e.attempt(ctx, clientId)
	}

	if queue == nil {
		e.fail(clientId, 0, ErrDisconnected)
		return clientId, ErrDisconnected
	}

	_, err := queue.Enqueue(ctx, e.opts.QueueKey, offlineq.Entry{
		ClientId:   clientId,
		Content:    content,
		ReplyTo:    so.ReplyTo,
		ForwardOf:  so.ForwardOf,
		EnqueuedAt: now,
	})
	if err != nil {
		e.lg.Error().Stack().Err(err).Str("client_id", clientId).Msg("queue offline send failed")

		e.mu.Lock()
		pe.queued = false
		e.mu.Unlock()

		e.fail(clientId, 0, err)
		return clientId, err
	}

	// the link may have come back while the entry was being written
	e.mu.Lock()
	reconnected := e.connected
	e.mu.Unlock()
	if reconnected {
		e.spawn(e.onReconnect)
	}

	return clientId, nil
}

// attempt writes one pending message. It is a no-op for anything not
// waiting to be written.
func (e *Engine) attempt(ctx context.Context, clientId string) error {
	return e.attemptAfter(ctx, clientId, 0)
}

// attemptAfter is attempt restricted, when prev is not 0, to a message
// whose latest attempt prev failed and nothing has touched it since.
func (e *Engine) attemptAfter(ctx context.Context, clientId string, prev int) error {
	e.mu.Lock()
	pe, ok := e.pending[clientId]
	if !ok || pe.Status == msgmodel.PendingSent || pe.permanent {
		e.mu.Unlock()
		return nil
	}

	if prev != 0 && (pe.Attempts != prev || pe.Status != msgmodel.PendingFailed || pe.queued || !e.connected) {
		e.mu.Unlock()
		return nil
	}

	pe.Attempts++
	pe.Status = msgmodel.PendingSending
	pe.Failed = false
	pe.LastAttemptAt = e.opts.Now().UnixMilli()
	n := pe.Attempts
	param := pe.param
	e.mu.Unlock()

	if n > 1 {
		metrics.PendingRetryTotal.Inc()
	}

	e.emit()

	return e.write(ctx, clientId, n, param, true)
}

// write sends attempt n. backoff schedules a retry of a transient failure,
// queued entries are left to the next flush instead.
func (e *Engine) write(ctx context.Context, clientId string, n int, param core.SendParam, backoff bool) error {
	_ = e.watchdog.Offer(sendDeadline{
		clientId: clientId,
		attempt:  n,
		expire:   time.Now().Add(e.opts.SendTimeout),
	})

	sctx, cancel := context.WithTimeout(ctx, e.opts.SendTimeout)
	msgId, err := e.deps.Msgs.Send(sctx, param)
	cancel()

	if err != nil {
		if e.fail(clientId, n, err) && backoff {
			e.scheduleRetry(clientId, n)
		}
		return err
	}

	e.mu.Lock()
	// the echo may already have replaced it
	if pe, ok := e.pending[clientId]; ok && pe.Attempts == n {
		pe.Status = msgmodel.PendingSent
		pe.MsgId = msgId
	}
	e.mu.Unlock()

	e.emit()
	return nil
}

// fail flags attempt n of clientId as failed. n of 0 matches any attempt.
// It reports whether a later retry may still succeed.
func (e *Engine) fail(clientId string, n int, cause error) bool {
	e.mu.Lock()
	pe, ok := e.pending[clientId]
	if !ok || pe.Status == msgmodel.PendingSent || (n != 0 && pe.Attempts != n) {
		e.mu.Unlock()
		return false
	}

	pe.Status = msgmodel.PendingFailed
	pe.Failed = true
	if !myerr.IsTransient(cause) || pe.Attempts >= e.opts.MaxAttempts {
		pe.permanent = true
	}
	permanent := pe.permanent
	e.mu.Unlock()

	e.lg.Warn().Err(cause).Str("client_id", clientId).Int("attempt", n).Bool("permanent", permanent).Msg("send failed")

	e.emit()
	return !permanent
}

// scheduleRetry writes attempt n+1 after a backoff unless something else
// retried the message first.
func (e *Engine) scheduleRetry(clientId string, n int) {
	if e.closed.Load() {
		return
	}

	_ = e.watchdog.Offer(sendDeadline{
		clientId: clientId,
		attempt:  n,
		retry:    true,
		expire:   time.Now().Add(time.Duration(n) * e.opts.RetryBackoff),
	})
}

// Retry re-sends a failed message by hand.
func (e *Engine) Retry(ctx context.Context, clientId string) error {
	e.mu.Lock()
	pe, ok := e.pending[clientId]
	if !ok {
		e.mu.Unlock()
		return myerr.NotFound("", "no pending message %s", clientId)
	}

	if pe.Status != msgmodel.PendingFailed {
		e.mu.Unlock()
		return nil
	}

	if pe.permanent {
		e.mu.Unlock()
		return myerr.Invalid("retry_exhausted", "message %s can not be sent any more", clientId)
	}

	connected, queued := e.connected, pe.queued
	e.mu.Unlock()

	if !connected {
		return ErrDisconnected
	}

	if queued {
		_, err := e.flush(ctx)
		return err
	}

	return e.attempt(ctx, clientId)
}

func (e *Engine) onConv(c *convmodel.Conversation) {
	e.mu.Lock()
	e.conv = c

	want := make(map[string]struct{})
	if c != nil && c.Kind != chatconst.BroadcastConv {
		for _, uid := range c.Others(e.viewer) {
			want[uid] = struct{}{}
		}
	}

	var (
		add   []string
		drops []func()
	)
	for uid := range want {
		if _, ok := e.presUnsubs[uid]; !ok {
			add = append(add, uid)
		}
	}
	for uid, unsub := range e.presUnsubs {
		if _, ok := want[uid]; !ok {
			drops = append(drops, unsub)
			delete(e.presUnsubs, uid)
			delete(e.online, uid)
		}
	}
	e.mu.Unlock()

	for _, unsub := range drops {
		unsub()
	}

	// subscriptions deliver right away, they must not run under mu
	for _, uid := range add {
		unsub := e.deps.Presence.SubscribePresence(uid, e.onPresence)

		e.mu.Lock()
		if e.closed.Load() {
			e.mu.Unlock()
			unsub()
			continue
		}
		e.presUnsubs[uid] = unsub
		e.mu.Unlock()
	}

	e.emit()
}

func (e *Engine) onMsgs(msgs []*msgmodel.Message) {
	e.mu.Lock()
	e.auth = msgs
	for _, m := range msgs {
		if m.ClientId == "" {
			continue
		}
		if _, ok := e.pending[m.ClientId]; ok {
			delete(e.pending, m.ClientId)
		}
	}
	e.compactOrderLocked()
	e.mu.Unlock()

	e.emit()
}

func (e *Engine) compactOrderLocked() {
	kept := e.order[:0]
	for _, id := range e.order {
		if _, ok := e.pending[id]; ok {
			kept = append(kept, id)
		}
	}
	e.order = kept
}

func (e *Engine) onPresence(p presmodel.Presence) {
	e.mu.Lock()
	e.online[p.Uid] = p.Online
	e.mu.Unlock()

	e.emit()
}

func (e *Engine) onConn(state constt.ConnState) {
	e.mu.Lock()
	was := e.connected
	e.connected = state == constt.Connected
	now := e.connected
	e.mu.Unlock()

	if was == now || !now {
		return
	}

	e.spawn(e.onReconnect)
}

// spawn runs fn in the background unless the engine is closed. GracefulStop
// waits for it.
func (e *Engine) spawn(fn func()) bool {
	e.lifeMu.Lock()
	defer e.lifeMu.Unlock()

	if e.closed.Load() {
		return false
	}

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		fn()
	}()
	return true
}

// onReconnect replays the offline queue, then retries whatever failed
// transiently while online.
func (e *Engine) onReconnect() {
	ctx, cancel := context.WithTimeout(context.Background(), 4*e.opts.SendTimeout)
	defer cancel()

	if _, err := e.flush(ctx); err != nil {
		e.lg.Warn().Err(err).Msg("flush offline queue failed")
	}

	e.mu.Lock()
	var retry []string
	for _, id := range e.order {
		pe := e.pending[id]
		if pe.Status == msgmodel.PendingFailed && !pe.permanent && !pe.queued {
			retry = append(retry, id)
		}
	}
	e.mu.Unlock()

	for _, id := range retry {
		if e.closed.Load() {
			return
		}
		_ = e.attempt(ctx, id)
	}
}

func (e *Engine) flush(ctx context.Context) (offlineq.FlushResult, error) {
	if e.deps.Queue == nil {
		return offlineq.FlushResult{}, nil
	}

	rst, err := e.deps.Queue.Flush(ctx, e.opts.QueueKey, func(ctx context.Context, ent offlineq.Entry) error {
		e.mu.Lock()
		if !e.connected {
			e.mu.Unlock()
			return offlineq.ErrNotAttempted
		}

		pe, ok := e.pending[ent.ClientId]
		if !ok {
			// queued by an earlier engine that never surfaced it
			pe = e.newPendingLocked(ent.ClientId, ent.Content, SendOptions{ReplyTo: ent.ReplyTo, ForwardOf: ent.ForwardOf}, ent.EnqueuedAt)
		}
		pe.queued = false
		pe.Attempts = ent.Attempts + 1
		pe.Status = msgmodel.PendingSending
		pe.Failed = false
		n := pe.Attempts
		param := pe.param
		e.mu.Unlock()

		e.emit()
		return e.write(ctx, ent.ClientId, n, param, false)
	})

	e.mu.Lock()
	for _, ent := range rst.Requeued {
		if pe, ok := e.pending[ent.ClientId]; ok && pe.Status != msgmodel.PendingSent {
			pe.queued = true
		}
	}
	for _, ent := range rst.Failed {
		if pe, ok := e.pending[ent.ClientId]; ok {
			pe.Status = msgmodel.PendingFailed
			pe.Failed = true
			pe.permanent = true
		}
	}
	e.mu.Unlock()

	if len(rst.Requeued) > 0 || len(rst.Failed) > 0 {
		e.emit()
	}

	return rst, err
}

func (e *Engine) startWatchdogTaker() {
	for {
		item, err := e.watchdog.BlockTake()
		if err == dq.QueWasClosedErr {
			return
		}

		select {
		case <-e.done:
			return
		default:
		}

		if item.retry {
			clientId, prev := item.clientId, item.attempt
			e.spawn(func() {
				ctx, cancel := context.WithTimeout(context.Background(), e.opts.SendTimeout)
				defer cancel()
				_ = e.attemptAfter(ctx, clientId, prev)
			})
			continue
		}

		e.mu.Lock()
		pe, ok := e.pending[item.clientId]
		stuck := ok && pe.Status == msgmodel.PendingSending && pe.Attempts == item.attempt && !pe.queued
		e.mu.Unlock()

		if stuck {
			e.fail(item.clientId, item.attempt, ErrSendTimeout)
		}
	}
}

// Snapshot is the current view.
func (e *Engine) Snapshot() View {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.buildViewLocked()
}

func (e *Engine) emit() {
	if e.closed.Load() {
		return
	}

	e.emitMu.Lock()
	defer e.emitMu.Unlock()

	e.mu.Lock()
	v := e.buildViewLocked()
	e.mu.Unlock()

	e.onView(v)
}

func (e *Engine) buildViewLocked() View {
	pending := make([]*msgmodel.PendingMsg, 0, len(e.order))
	waiting := make(map[string]struct{}, len(e.order))
	for _, id := range e.order {
		pe := e.pending[id]
		pm := pe.PendingMsg
		pending = append(pending, &pm)
		if pe.Status != msgmodel.PendingSent {
			waiting[id] = struct{}{}
		}
	}

	in := StatusInputs{
		Viewer:             e.viewer,
		PendingIds:         waiting,
		RecipientsLastRead: make(map[string]int64),
		RecipientsOnline:   make(map[string]bool, len(e.online)),
	}
	if e.conv != nil && e.conv.Kind != chatconst.BroadcastConv {
		for _, uid := range e.conv.Others(e.viewer) {
			in.RecipientsLastRead[uid] = e.conv.LastReadAtBy[uid]
		}
	}
	for uid, online := range e.online {
		in.RecipientsOnline[uid] = online
	}

	merged := Merge(e.auth, pending)
	items := make([]*Item, 0, len(merged))
	for _, it := range merged {
		if !it.Pending && !it.VisibleTo(e.viewer) {
			continue
		}
		it.Status = DeriveStatus(it, in)
		items = append(items, it)
	}

	return View{ConvId: e.convId, Items: items}
}

func (e *Engine) GracefulStop(_ context.Context) error {
	e.lifeMu.Lock()
	swapped := e.closed.CompareAndSwap(false, true)
	e.lifeMu.Unlock()
	if !swapped {
		return nil
	}

	for _, unsub := range e.unsubs {
		unsub()
	}

	e.mu.Lock()
	presUnsubs := e.presUnsubs
	e.presUnsubs = make(map[string]func())
	e.mu.Unlock()

	for _, unsub := range presUnsubs {
		unsub()
	}

	close(e.done)
	// wake the taker so it sees done
	_ = e.watchdog.Offer(sendDeadline{expire: time.Now()})

	e.wg.Wait()
	return nil
}
