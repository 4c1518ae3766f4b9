package econfig

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

type RedisCfg struct {
	Addresses      []string      `yaml:"addresses"`
	Database       int           `yaml:"database"`
	Username       string        `yaml:"username"`
	Password       string        `yaml:"password"`
	MinimumIdle    int           `yaml:"minimum-idle"`
	MaximumIdle    int           `yaml:"maximum-idle"`
	Maximum        int           `yaml:"maximum"`
	MaxIdleTime    time.Duration `yaml:"max-idle-time"`
	ReadTimeout    time.Duration `yaml:"read-timeout"`
	WriteTimeout   time.Duration `yaml:"write-timeout"`
	MaxWaitTimeout time.Duration `yaml:"max-wait-timeout"`
	PingTimeout    time.Duration `yaml:"ping-timeout"`
}

func (rc RedisCfg) Enabled() bool {
	return len(rc.Addresses) > 0
}

// NewRedisClient returns a cluster client when more than one address is configured.
func NewRedisClient(ctx context.Context, cfg RedisCfg) (redis.UniversalClient, error) {
	rc := redis.NewUniversalClient(&redis.UniversalOptions{
		Addrs:           cfg.Addresses,
		DB:              cfg.Database,
		Username:        cfg.Username,
		Password:        cfg.Password,
		MinIdleConns:    cfg.MinimumIdle,
		MaxIdleConns:    cfg.MaximumIdle,
		PoolSize:        cfg.Maximum,
		ConnMaxIdleTime: cfg.MaxIdleTime,
		ReadTimeout:     cfg.ReadTimeout,
		WriteTimeout:    cfg.WriteTimeout,
		PoolTimeout:     cfg.MaxWaitTimeout,
	})

	pingTimeout := cfg.PingTimeout
	if pingTimeout <= 0 {
		pingTimeout = 3 * time.Second
	}

	pctx, cancel := context.WithTimeout(ctx, pingTimeout)
	defer cancel()

	if err := rc.Ping(pctx).Err(); err != nil {
		_ = rc.Close()
		return nil, err
	}

	return rc, nil
}
