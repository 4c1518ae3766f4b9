package reconcile

import "errors"

var (
	ErrEngineClosed = errors.New("reconcile engine was closed")
	ErrDisconnected = errors.New("not connected")
	ErrSendTimeout  = errors.New("send timed out")
)
