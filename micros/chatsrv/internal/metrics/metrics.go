package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	MsgSendTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "sdchat_msg_send_total",
		Help: "Message sends by result.",
	}, []string{"result"})

	PendingRetryTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "sdchat_pending_retry_total",
		Help: "Retries of pending messages.",
	})

	OfflineQueueDepth = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "sdchat_offline_queue_depth",
		Help: "Entries waiting in offline queues.",
	})

	PresenceOnline = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "sdchat_presence_online",
		Help: "Presence sessions currently online.",
	})

	PreviewRecomputeTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "sdchat_preview_recompute_total",
		Help: "Preview recomputes after delete, by result.",
	}, []string{"result"})
)

const (
	ResultOk        = "ok"
	ResultError     = "error"
	ResultDenied    = "denied"
	ResultFound     = "found"
	ResultExhausted = "exhausted"
)

// Register adds every collector to reg.
func Register(reg prometheus.Registerer) error {
	for _, c := range []prometheus.Collector{
		MsgSendTotal,
		PendingRetryTotal,
		OfflineQueueDepth,
		PresenceOnline,
		PreviewRecomputeTotal,
	} {
		if err := reg.Register(c); err != nil {
			return err
		}
	}
	return nil
}
