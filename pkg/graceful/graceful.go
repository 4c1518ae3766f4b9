package graceful

import "context"

type Gracefully interface {
	GracefulStop(ctx context.Context) error
}

// Func adapts a plain stop function, e.g. a server's Shutdown.
type Func func(ctx context.Context) error

func (f Func) GracefulStop(ctx context.Context) error {
	return f(ctx)
}
