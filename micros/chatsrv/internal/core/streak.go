package core

import (
	"context"
	"time"
)

type Streak struct {
	Key     string `json:"key"`
	Count   int    `json:"count"`
	LastDay string `json:"lastDay,omitempty"`
}

type StreakManager interface {
	// Record counts activity for key at now, once per calendar day.
	Record(ctx context.Context, key string, now time.Time) (count int, changed bool, err error)

	// Get is 0 once the streak lapsed.
	Get(ctx context.Context, key string) (Streak, error)
}
