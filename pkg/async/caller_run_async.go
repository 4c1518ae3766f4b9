package async

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/panjf2000/ants/v2"
	"github.com/sweemingdow/sdchat/pkg/mylog"
)

var (
	ErrHadBeClosed = errors.New("caller run handler was closed")
)

// callerRunHandler hands tasks to a fixed set of core workers, overflows into
// an ants pool, and runs the task on the caller's goroutine when both are full.
type callerRunHandler struct {
	pool         *ants.Pool
	coreWorkerCh chan Task
	done         chan struct{}
	closed       atomic.Bool
	mu           sync.RWMutex
	wg           sync.WaitGroup
}

type CallerRunOptions struct {
	CoreWorkers      int
	MaxWorkers       int
	MaxWaitQueueSize int
	MaxIdleTimeout   time.Duration
}

func DefaultCallerRunOptions() CallerRunOptions {
	return CallerRunOptions{
		CoreWorkers:      4,
		MaxWorkers:       64,
		MaxWaitQueueSize: 1024,
		MaxIdleTimeout:   30 * time.Second,
	}
}

func NewCallerRunHandler(options CallerRunOptions) AsyncHandler {
	if options.CoreWorkers <= 0 {
		options.CoreWorkers = 1
	}

	if options.MaxWorkers <= options.CoreWorkers {
		options.MaxWorkers = options.CoreWorkers + 1
	}

	h := &callerRunHandler{
		coreWorkerCh: make(chan Task, max(1, options.CoreWorkers-1)),
		done:         make(chan struct{}),
	}

	h.newDefaultPool(options)

	h.acquireTask(options)

	return h
}

func (h *callerRunHandler) Submit(task Task) error {
	h.mu.RLock()
	defer h.mu.RUnlock()

	if h.closed.Load() {
		return ErrHadBeClosed
	}

	select {
	case h.coreWorkerCh <- task:
		return nil
	default:
		// core workers were busy, fallback into pool
		err := h.pool.Submit(task)

		if errors.Is(err, ants.ErrPoolOverload) {
			safeRun(task)
			return nil
		}

		return err
	}
}

func (h *callerRunHandler) Shutdown(ctx context.Context) error {
	if !h.closed.CompareAndSwap(false, true) {
		return nil
	}

	// no Submit is in flight past this point
	h.mu.Lock()
	close(h.coreWorkerCh)
	h.mu.Unlock()

	stopDone := make(chan struct{})
	go func() {
		defer close(stopDone)

		h.wg.Wait()
		_ = h.pool.ReleaseTimeout(5 * time.Second)
	}()

	select {
	case <-ctx.Done():
		close(h.done)
		return ctx.Err()
	case <-stopDone:
		close(h.done)
		return nil
	}
}

func (h *callerRunHandler) newDefaultPool(options CallerRunOptions) {
	p, err := ants.NewPool(
		options.MaxWorkers-options.CoreWorkers,
		ants.WithPreAlloc(false),
		ants.WithNonblocking(true),
		ants.WithMaxBlockingTasks(options.MaxWaitQueueSize),
		ants.WithExpiryDuration(options.MaxIdleTimeout),
		ants.WithPanicHandler(func(a any) {
			lg := mylog.AppLogger()
			lg.Error().Stack().Msgf("async task panic, err:%v", a)
		}),
	)

	if err != nil {
		panic(fmt.Sprintf("create default pool failed, err=%v", err))
	}

	h.pool = p
}

func (h *callerRunHandler) acquireTask(options CallerRunOptions) {
	h.wg.Add(options.CoreWorkers)

	for i := 0; i < options.CoreWorkers; i++ {
		go func() {
			defer h.wg.Done()

			// drains remaining tasks after close
			for task := range h.coreWorkerCh {
				safeRun(task)
			}
		}()
	}
}

func safeRun(task Task) {
	defer func() {
		if r := recover(); r != nil {
			lg := mylog.AppLogger()
			lg.Error().Stack().Msgf("async task panic, err:%v", r)
		}
	}()

	task()
}
