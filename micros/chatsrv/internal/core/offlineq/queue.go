package offlineq

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/alphadose/haxmap"
	"github.com/cockroachdb/pebble"
	"github.com/cockroachdb/pebble/vfs"
	"github.com/gammazero/deque"
	"github.com/sweemingdow/sdchat/external/emodel/msgmodel"
	"github.com/sweemingdow/sdchat/micros/chatsrv/internal/metrics"
	"github.com/sweemingdow/sdchat/pkg/myerr"
	"github.com/sweemingdow/sdchat/pkg/mylog"
	"github.com/sweemingdow/sdchat/pkg/parser/json"
)

const (
	keyPrefix           = "oq/"
	OfflineqLifetimeTag = "offline-queue"
)

var (
	ErrFlushInFlight = errors.New("offline queue flush already running")
	ErrQueueClosed   = errors.New("offline queue was closed")
	// ErrNotAttempted is returned by a flush send that gave up before writing
	ErrNotAttempted = errors.New("offline entry was not attempted")
)

// Entry is one message written while disconnected.
type Entry struct {
	Seq        uint64               `json:"-"`
	ClientId   string               `json:"clientId"`
	Content    msgmodel.MsgContent  `json:"content"`
	ReplyTo    *msgmodel.ReplyRef   `json:"replyTo,omitempty"`
	ForwardOf  *msgmodel.ForwardRef `json:"forwardOf,omitempty"`
	Attempts   int                  `json:"attempts"`
	EnqueuedAt int64                `json:"enqueuedAt"`
	Failed     bool                 `json:"failed"`
}

type Options struct {
	// FS overrides the filesystem, vfs.NewMem() in tests
	FS          vfs.FS
	MaxAttempts int
	Now         func() time.Time
}

type Queue struct {
	db       *pebble.DB
	seq      atomic.Uint64
	inflight *haxmap.Map[string, *atomic.Bool]
	opts     Options
	closed   atomic.Bool
}

func Open(dir string, opts Options) (*Queue, error) {
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 3
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	po := &pebble.Options{}
	if opts.FS != nil {
		po.FS = opts.FS
	}

	db, err := pebble.Open(dir, po)
	if err != nil {
		return nil, fmt.Errorf("open offline queue at %s: %w", dir, err)
	}

	q := &Queue{
		db:       db,
		inflight: haxmap.New[string, *atomic.Bool](),
		opts:     opts,
	}

	if err = q.restoreSeq(); err != nil {
		_ = db.Close()
		return nil, err
	}

	return q, nil
}

// restoreSeq continues numbering after the largest stored sequence and
// re-counts the depth gauge.
func (q *Queue) restoreSeq() error {
	iter, err := q.db.NewIter(&pebble.IterOptions{
		LowerBound: []byte(keyPrefix),
		UpperBound: upperBound(keyPrefix),
	})
	if err != nil {
		return err
	}
	defer iter.Close()

	var (
		maxSeq uint64
		depth  int
	)
	for iter.First(); iter.Valid(); iter.Next() {
		k := string(iter.Key())
		seq, e := strconv.ParseUint(k[strings.LastIndexByte(k, '/')+1:], 10, 64)
		if e != nil {
			continue
		}
		maxSeq = max(maxSeq, seq)
		depth++
	}

	q.seq.Store(maxSeq)
	metrics.OfflineQueueDepth.Add(float64(depth))
	return iter.Error()
}

func convPrefix(convId string) string {
	return keyPrefix + convId + "/"
}

func entryKey(convId string, seq uint64) []byte {
	return []byte(fmt.Sprintf("%s%020d", convPrefix(convId), seq))
}

// upperBound is the first key after every key starting with prefix. prefix
// always ends in '/'.
func upperBound(prefix string) []byte {
	return []byte(prefix[:len(prefix)-1] + "0")
}

func (q *Queue) Enqueue(_ context.Context, convId string, e Entry) (Entry, error) {
	if q.closed.Load() {
		return Entry{}, ErrQueueClosed
	}

	e.Seq = q.seq.Add(1)
	if e.EnqueuedAt == 0 {
		e.EnqueuedAt = q.opts.Now().UnixMilli()
	}

	if err := q.put(convId, e); err != nil {
		return Entry{}, err
	}

	metrics.OfflineQueueDepth.Inc()
	return e, nil
}

func (q *Queue) put(convId string, e Entry) error {
	val, err := json.Fmt(e)
	if err != nil {
		return err
	}

	return q.db.Set(entryKey(convId, e.Seq), val, pebble.Sync)
}

// List returns the entries of convId in enqueue order, failed ones included.
func (q *Queue) List(_ context.Context, convId string) ([]Entry, error) {
	prefix := convPrefix(convId)
	iter, err := q.db.NewIter(&pebble.IterOptions{
		LowerBound: []byte(prefix),
		UpperBound: upperBound(prefix),
	})
	if err != nil {
		return nil, err
	}
	defer iter.Close()

	var out []Entry
	for iter.First(); iter.Valid(); iter.Next() {
		k := string(iter.Key())
		seq, e := strconv.ParseUint(strings.TrimPrefix(k, prefix), 10, 64)
		if e != nil {
			continue
		}

		var ent Entry
		if e = json.Parse(iter.Value(), &ent); e != nil {
			lg := mylog.WithConv(convId)
			lg.Warn().Err(e).Str("key", k).Msg("skip undecodable offline entry")
			continue
		}

		ent.Seq = seq
		out = append(out, ent)
	}

	return out, iter.Error()
}

func (q *Queue) Remove(_ context.Context, convId string, seq uint64) error {
	if err := q.db.Delete(entryKey(convId, seq), pebble.Sync); err != nil {
		return err
	}

	metrics.OfflineQueueDepth.Dec()
	return nil
}

func (q *Queue) MarkFailed(ctx context.Context, convId string, seq uint64) error {
	entries, err := q.List(ctx, convId)
	if err != nil {
		return err
	}

	for _, e := range entries {
		if e.Seq == seq {
			e.Failed = true
			return q.put(convId, e)
		}
	}

	return myerr.NotFound("", "offline entry %s/%d", convId, seq)
}

type FlushResult struct {
	Sent []Entry
	// Requeued stay for the next flush
	Requeued []Entry
	// Failed are permanently failed and stay stored until removed
	Failed []Entry
}

// Flush replays the pending entries of convId in order through send. The
// snapshot is cleared from the store before the first send, so a crash
// mid-flush can not double-send. A transient send error stops the flush
// and the rest is put back untouched, keeping the order. Any other error
// fails that entry for good. A send that returns ErrNotAttempted, or is
// cut short by ctx, stops the flush without counting an attempt.
func (q *Queue) Flush(ctx context.Context, convId string, send func(ctx context.Context, e Entry) error) (FlushResult, error) {
	var rst FlushResult

	if q.closed.Load() {
		return rst, ErrQueueClosed
	}

	flag, _ := q.inflight.GetOrCompute(convId, func() *atomic.Bool {
		return &atomic.Bool{}
	})
	if !flag.CompareAndSwap(false, true) {
		return rst, ErrFlushInFlight
	}
	defer flag.Store(false)

	entries, err := q.List(ctx, convId)
	if err != nil {
		return rst, err
	}

	var snapshot deque.Deque[Entry]
	b := q.db.NewBatch()
	for _, e := range entries {
		if e.Failed {
			continue
		}
		snapshot.PushBack(e)
		if err = b.Delete(entryKey(convId, e.Seq), nil); err != nil {
			_ = b.Close()
			return rst, err
		}
	}

	if snapshot.Len() == 0 {
		_ = b.Close()
		return rst, nil
	}

	if err = b.Commit(pebble.Sync); err != nil {
		_ = b.Close()
		return rst, err
	}
	_ = b.Close()
	metrics.OfflineQueueDepth.Sub(float64(snapshot.Len()))

	lg := mylog.WithConv(convId)
	stopped := false
	for snapshot.Len() > 0 {
		e := snapshot.PopFront()

		if stopped || ctx.Err() != nil {
			rst.Requeued = append(rst.Requeued, e)
			continue
		}

		se := send(ctx, e)
		if se == nil {
			rst.Sent = append(rst.Sent, e)
			continue
		}

		if notAttempted(ctx, se) {
			lg.Debug().Err(se).Str("client_id", e.ClientId).Msg("offline send not attempted, requeued")
			rst.Requeued = append(rst.Requeued, e)
			stopped = true
			continue
		}

		e.Attempts++
		if myerr.IsTransient(se) && e.Attempts < q.opts.MaxAttempts {
			lg.Warn().Err(se).Str("client_id", e.ClientId).Int("attempts", e.Attempts).Msg("offline send failed, requeued")
			rst.Requeued = append(rst.Requeued, e)
			stopped = true
			continue
		}

		lg.Error().Err(se).Str("client_id", e.ClientId).Int("attempts", e.Attempts).Msg("offline send failed permanently")
		e.Failed = true
		rst.Failed = append(rst.Failed, e)
	}

	for _, group := range [][]Entry{rst.Requeued, rst.Failed} {
		for _, e := range group {
			if pe := q.put(convId, e); pe != nil {
				lg.Error().Stack().Err(pe).Str("client_id", e.ClientId).Msg("re-persist offline entry failed")
				err = pe
				continue
			}
			metrics.OfflineQueueDepth.Inc()
		}
	}

	return rst, err
}

func notAttempted(ctx context.Context, err error) bool {
	if errors.Is(err, ErrNotAttempted) {
		return true
	}
	return errors.Is(err, context.Canceled) && ctx.Err() != nil
}

func (q *Queue) GracefulStop(_ context.Context) error {
	if !q.closed.CompareAndSwap(false, true) {
		return nil
	}

	return q.db.Close()
}
