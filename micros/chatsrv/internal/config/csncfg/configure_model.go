package csncfg

import (
	"fmt"
	"time"

	"github.com/adhocore/gronx"
	"github.com/sweemingdow/sdchat/external/econfig"
	"github.com/sweemingdow/sdchat/pkg/mylog"
)

type StaticConfig struct {
	SqlCfg econfig.SqlConfig `yaml:"sql-config"`

	RedisCfg econfig.RedisCfg `yaml:"redis-config"`

	NsqCfg econfig.NsqConfig `yaml:"nsq-config"`

	LogCfg mylog.LogConfig `yaml:"log-config"`

	ServerCfg ServerConfig `yaml:"server-config"`

	PresenceCfg PresenceConfig `yaml:"presence-config"`

	MessageCfg MessageConfig `yaml:"message-config"`

	StreakCfg StreakConfig `yaml:"streak-config"`

	OfflineCfg OfflineConfig `yaml:"offline-config"`

	BlobCfg BlobConfig `yaml:"blob-config"`
}

type ServerConfig struct {
	HttpAddr        string        `yaml:"http-addr"`
	WsAddr          string        `yaml:"ws-addr"`
	WsPath          string        `yaml:"ws-path"`
	SnowflakeNode   int64         `yaml:"snowflake-node"`
	ShutdownTimeout time.Duration `yaml:"shutdown-timeout"`
	BodyLimit       int           `yaml:"body-limit"`
}

type PresenceConfig struct {
	HeartbeatInterval time.Duration `yaml:"heartbeat-interval"`
	FreshWindow       time.Duration `yaml:"fresh-window"`
	TypingTtl         time.Duration `yaml:"typing-ttl"`
	// how often the reaper applies disconnect hooks of lapsed leases
	ReapInterval time.Duration `yaml:"reap-interval"`
}

type MessageConfig struct {
	PageSize        int           `yaml:"page-size"`
	PreviewPageSize int           `yaml:"preview-page-size"`
	PreviewBudget   int           `yaml:"preview-budget"`
	ReadInterval    time.Duration `yaml:"read-interval"`
	SendTimeout     time.Duration `yaml:"send-timeout"`
	MaxAttempts     int           `yaml:"max-attempts"`
	AsyncWorkers    int           `yaml:"async-workers"`
}

type StreakConfig struct {
	Timezone  string `yaml:"timezone"`
	SweepCron string `yaml:"sweep-cron"`
}

type OfflineConfig struct {
	Dir string `yaml:"dir"`
}

type BlobConfig struct {
	Dir        string `yaml:"dir"`
	PublicBase string `yaml:"public-base"`
	MaxBytes   int    `yaml:"max-bytes"`
}

func (sc *StaticConfig) ApplyDefaults() {
	if sc.SqlCfg.Schema == "" {
		sc.SqlCfg.Schema = econfig.SchemaSqlite
	}
	if sc.SqlCfg.Schema == econfig.SchemaSqlite && sc.SqlCfg.Database == "" {
		sc.SqlCfg.Database = "data/sdchat.db"
	}

	srv := &sc.ServerCfg
	if srv.HttpAddr == "" {
		srv.HttpAddr = ":8080"
	}
	if srv.WsAddr == "" {
		srv.WsAddr = ":8081"
	}
	if srv.WsPath == "" {
		srv.WsPath = "/ws"
	}
	if srv.SnowflakeNode == 0 {
		srv.SnowflakeNode = 1
	}
	if srv.ShutdownTimeout <= 0 {
		srv.ShutdownTimeout = 10 * time.Second
	}
	if srv.BodyLimit <= 0 {
		srv.BodyLimit = 16 << 20
	}

	pc := &sc.PresenceCfg
	if pc.HeartbeatInterval <= 0 {
		pc.HeartbeatInterval = 25 * time.Second
	}
	if pc.FreshWindow <= 0 {
		pc.FreshWindow = 45 * time.Second
	}
	if pc.TypingTtl <= 0 {
		pc.TypingTtl = 6 * time.Second
	}
	if pc.ReapInterval <= 0 {
		pc.ReapInterval = 10 * time.Second
	}

	mc := &sc.MessageCfg
	if mc.PageSize <= 0 {
		mc.PageSize = 30
	}
	if mc.PreviewPageSize <= 0 {
		mc.PreviewPageSize = 20
	}
	if mc.PreviewBudget <= 0 {
		mc.PreviewBudget = 5
	}
	if mc.ReadInterval <= 0 {
		mc.ReadInterval = 3 * time.Second
	}
	if mc.SendTimeout <= 0 {
		mc.SendTimeout = 10 * time.Second
	}
	if mc.MaxAttempts <= 0 {
		mc.MaxAttempts = 3
	}
	if mc.AsyncWorkers <= 0 {
		mc.AsyncWorkers = 64
	}

	if sc.StreakCfg.Timezone == "" {
		sc.StreakCfg.Timezone = "UTC"
	}
	if sc.StreakCfg.SweepCron == "" {
		sc.StreakCfg.SweepCron = "5 0 * * *"
	}

	if sc.OfflineCfg.Dir == "" {
		sc.OfflineCfg.Dir = "data/offlineq"
	}

	if sc.BlobCfg.Dir == "" {
		sc.BlobCfg.Dir = "data/media"
	}
	if sc.BlobCfg.PublicBase == "" {
		sc.BlobCfg.PublicBase = "/media"
	}
	if sc.BlobCfg.MaxBytes <= 0 {
		sc.BlobCfg.MaxBytes = 10 << 20
	}
}

func (sc *StaticConfig) Validate() error {
	if err := sc.SqlCfg.Validate(); err != nil {
		return err
	}

	if sc.ServerCfg.SnowflakeNode < 0 || sc.ServerCfg.SnowflakeNode > 1023 {
		return fmt.Errorf("server-config: snowflake-node must be in [0, 1023], got %d", sc.ServerCfg.SnowflakeNode)
	}

	if sc.PresenceCfg.FreshWindow <= sc.PresenceCfg.HeartbeatInterval {
		return fmt.Errorf(
			"presence-config: fresh-window %s must exceed heartbeat-interval %s",
			sc.PresenceCfg.FreshWindow,
			sc.PresenceCfg.HeartbeatInterval,
		)
	}

	if _, err := time.LoadLocation(sc.StreakCfg.Timezone); err != nil {
		return fmt.Errorf("streak-config: %w", err)
	}

	if !gronx.IsValid(sc.StreakCfg.SweepCron) {
		return fmt.Errorf("streak-config: invalid sweep-cron %q", sc.StreakCfg.SweepCron)
	}

	return nil
}

func (sc *StaticConfig) Location() *time.Location {
	loc, err := time.LoadLocation(sc.StreakCfg.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}
