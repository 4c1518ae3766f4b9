package async

import "context"

type Task func()

// AsyncHandler runs fire-and-forget side effects (push triggers, streak
// bookkeeping) off the caller's path.
type AsyncHandler interface {
	Submit(task Task) error

	Shutdown(ctx context.Context) error
}
