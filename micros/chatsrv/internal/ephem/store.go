package ephem

import (
	"context"
	"errors"
	"time"

	"github.com/sweemingdow/sdchat/external/emodel/presmodel"
	"github.com/sweemingdow/sdchat/pkg/constt"
)

var (
	ErrNotConnected = errors.New("ephemeral store is not connected")
	ErrConnClosed   = errors.New("ephemeral connection was closed")
)

type WatchFunc func(key string, rec presmodel.Record)

// Store is the realtime key-value store for presence and typing.
type Store interface {
	Set(ctx context.Context, key string, rec presmodel.Record) error

	// SetTTL expires the key after ttl. Watchers are not told about expiry.
	SetTTL(ctx context.Context, key string, rec presmodel.Record, ttl time.Duration) error

	// Get returns false for a missing or expired key.
	Get(ctx context.Context, key string) (presmodel.Record, bool, error)

	Watch(key string, fn WatchFunc) (unsubscribe func())

	WatchPrefix(prefix string, fn WatchFunc) (unsubscribe func())

	// OnConnectionState calls fn with the current state right away and on
	// every change afterwards.
	OnConnectionState(fn func(constt.ConnState)) (unsubscribe func())

	// OnDisconnect arms a write the backend applies once this connection is
	// lost, without the client's cooperation.
	OnDisconnect(ctx context.Context, key string, rec presmodel.Record) error

	CancelOnDisconnect(ctx context.Context, key string) error
}

// Conn is one client's connection to the store.
type Conn interface {
	Store

	// Close is a graceful disconnect, armed hooks fire.
	Close(ctx context.Context) error
}

type Backend interface {
	Open(ctx context.Context) (Conn, error)
}
