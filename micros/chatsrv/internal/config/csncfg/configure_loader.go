package csncfg

import (
	"errors"
	"io/fs"
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
	perrors "github.com/pkg/errors"
	"github.com/sweemingdow/sdchat/pkg/parser/yaml"
)

const envPrefix = "SDCHAT_"

// Load reads the yaml file at path, then lets .env and SDCHAT_* variables
// override it. Defaults are applied before validation.
func Load(path string, envFiles ...string) (StaticConfig, error) {
	var cfg StaticConfig

	if err := loadEnvFiles(envFiles...); err != nil {
		return cfg, err
	}

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return cfg, perrors.Wrapf(err, "read config %s", path)
		}

		if err = yaml.Parse(data, &cfg); err != nil {
			return cfg, perrors.Wrapf(err, "parse config %s", path)
		}
	}

	if err := applyEnv(&cfg, os.LookupEnv); err != nil {
		return cfg, err
	}

	cfg.ApplyDefaults()

	if err := cfg.Validate(); err != nil {
		return cfg, err
	}

	return cfg, nil
}

func loadEnvFiles(files ...string) error {
	if len(files) == 0 {
		files = []string{".env"}
	}

	for _, f := range files {
		if err := godotenv.Load(f); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return perrors.Wrapf(err, "load env file %s", f)
		}
	}
	return nil
}

type lookupFunc func(key string) (string, bool)

func applyEnv(cfg *StaticConfig, lookup lookupFunc) error {
	str := func(key string, dst *string) {
		if v, ok := lookup(envPrefix + key); ok && v != "" {
			*dst = v
		}
	}

	str("SQL_SCHEMA", &cfg.SqlCfg.Schema)
	str("SQL_HOST", &cfg.SqlCfg.Host)
	str("SQL_DATABASE", &cfg.SqlCfg.Database)
	str("SQL_USERNAME", &cfg.SqlCfg.Username)
	str("SQL_PASSWORD", &cfg.SqlCfg.Password)
	str("REDIS_PASSWORD", &cfg.RedisCfg.Password)
	str("NSQD_ADDR", &cfg.NsqCfg.Producer.NsqdAddr)
	str("LOG_LEVEL", &cfg.LogCfg.Level)
	str("HTTP_ADDR", &cfg.ServerCfg.HttpAddr)
	str("WS_ADDR", &cfg.ServerCfg.WsAddr)
	str("OFFLINE_DIR", &cfg.OfflineCfg.Dir)
	str("BLOB_DIR", &cfg.BlobCfg.Dir)
	str("BLOB_PUBLIC_BASE", &cfg.BlobCfg.PublicBase)
	str("TIMEZONE", &cfg.StreakCfg.Timezone)

	if v, ok := lookup(envPrefix + "REDIS_ADDRESSES"); ok && v != "" {
		cfg.RedisCfg.Addresses = splitList(v)
	}

	if v, ok := lookup(envPrefix + "SQL_PORT"); ok && v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			return perrors.Wrapf(err, "%sSQL_PORT", envPrefix)
		}
		cfg.SqlCfg.Port = port
	}

	if v, ok := lookup(envPrefix + "SNOWFLAKE_NODE"); ok && v != "" {
		node, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return perrors.Wrapf(err, "%sSNOWFLAKE_NODE", envPrefix)
		}
		cfg.ServerCfg.SnowflakeNode = node
	}

	return nil
}

func splitList(s string) []string {
	parts := strings.Split(s, ",")
	out := parts[:0]
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
