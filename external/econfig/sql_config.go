package econfig

import (
	"fmt"
	"time"
)

const (
	SchemaMysql  = "mysql"
	SchemaSqlite = "sqlite"
)

type SqlConfig struct {
	Schema      string        `yaml:"schema"` // mysql | sqlite
	Host        string        `yaml:"host"`
	Port        int           `yaml:"port"`
	Database    string        `yaml:"database"` // file path for sqlite
	Username    string        `yaml:"username"`
	Password    string        `yaml:"password"`
	MaximumIdle int           `yaml:"maximum-idle"`
	Maximum     int           `yaml:"maximum"`
	MaxLifeTime time.Duration `yaml:"max-life-time"`
	MaxIdleTime time.Duration `yaml:"max-idle-time"`
	PingTimeout time.Duration `yaml:"ping-timeout"`
}

func (sc SqlConfig) Dsn() string {
	if sc.Schema == SchemaSqlite {
		return fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=foreign_keys(off)", sc.Database)
	}

	return fmt.Sprintf(
		"%s:%s@tcp(%s:%d)/%s?charset=utf8mb4&parseTime=true&loc=Local&clientFoundRows=true",
		sc.Username,
		sc.Password,
		sc.Host,
		sc.Port,
		sc.Database,
	)
}

func (sc SqlConfig) Validate() error {
	switch sc.Schema {
	case SchemaMysql:
		if sc.Host == "" || sc.Database == "" {
			return fmt.Errorf("sql-config: host and database are required for mysql")
		}
	case SchemaSqlite:
		if sc.Database == "" {
			return fmt.Errorf("sql-config: database file is required for sqlite")
		}
	default:
		return fmt.Errorf("sql-config: unsupported schema %q", sc.Schema)
	}
	return nil
}
