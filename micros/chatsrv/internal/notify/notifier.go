package notify

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/nsqio/go-nsq"
	"github.com/sweemingdow/sdchat/external/eglobal/nsqconst"
	"github.com/sweemingdow/sdchat/external/eglobal/nsqconst/payload/notifypd"
	"github.com/sweemingdow/sdchat/pkg/mylog"
	"github.com/sweemingdow/sdchat/pkg/parser/json"
)

const NsqNotifierLifetimeTag = "nsq-notifier"

// Notifier is the push trigger. Delivery is somebody else's problem.
type Notifier interface {
	Notify(ctx context.Context, kind string, pd notifypd.NotifyPayload)
}

type nopNotifier struct{}

func NewNopNotifier() Notifier {
	return nopNotifier{}
}

func (nopNotifier) Notify(context.Context, string, notifypd.NotifyPayload) {}

type NsqNotifier struct {
	pd       *nsq.Producer
	doneChan chan *nsq.ProducerTransaction
	done     chan struct{}
	closed   atomic.Bool
}

func NewNsqNotifier(pd *nsq.Producer) *NsqNotifier {
	nn := &NsqNotifier{
		pd:       pd,
		doneChan: make(chan *nsq.ProducerTransaction, 64),
		done:     make(chan struct{}),
	}

	go nn.receiveSendAsyncResult()

	return nn
}

func (nn *NsqNotifier) Notify(_ context.Context, kind string, pd notifypd.NotifyPayload) {
	lg := mylog.AppLogger()

	if nn.closed.Load() {
		return
	}

	pd.NotifyType = kind
	body, err := json.Fmt(pd)
	if err != nil {
		lg.Error().Stack().Err(err).Msgf("format notify payload failed, pd=%+v", pd)
		return
	}

	if err = nn.pd.PublishAsync(nsqconst.NotifyTopic, body, nn.doneChan, pd.ConvId, kind); err != nil {
		lg.Error().Stack().Err(err).Str("conv_id", pd.ConvId).Msg("publish notify payload failed")
	}
}

func (nn *NsqNotifier) receiveSendAsyncResult() {
	lg := mylog.AppLogger()

	for {
		select {
		case <-nn.done:
			return
		case pt, ok := <-nn.doneChan:
			if !ok {
				return
			}

			if pt.Error == nil {
				continue
			}

			var convId, kind string
			if len(pt.Args) == 2 {
				convId, _ = pt.Args[0].(string)
				kind, _ = pt.Args[1].(string)
			}

			lg.Warn().Err(pt.Error).Str("conv_id", convId).Str("kind", kind).Msg("notify publish was not acked")
		}
	}
}

func (nn *NsqNotifier) GracefulStop(_ context.Context) error {
	if !nn.closed.CompareAndSwap(false, true) {
		return nil
	}

	nn.pd.Stop()
	close(nn.done)

	return nil
}

type Recorded struct {
	Kind    string
	Payload notifypd.NotifyPayload
}

// Recorder keeps every trigger in memory.
type Recorder struct {
	mu    sync.Mutex
	items []Recorded
}

func NewRecorder() *Recorder {
	return &Recorder{}
}

func (r *Recorder) Notify(_ context.Context, kind string, pd notifypd.NotifyPayload) {
	pd.NotifyType = kind

	r.mu.Lock()
	r.items = append(r.items, Recorded{Kind: kind, Payload: pd})
	r.mu.Unlock()
}

func (r *Recorder) Items() []Recorded {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]Recorded, len(r.items))
	copy(out, r.items)
	return out
}
