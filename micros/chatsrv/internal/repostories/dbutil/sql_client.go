package dbutil

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	"github.com/go-sql-driver/mysql"
	"github.com/gocraft/dbr/v2"
	"github.com/gocraft/dbr/v2/dialect"
	"github.com/sweemingdow/sdchat/external/econfig"
	"github.com/sweemingdow/sdchat/pkg/mylog"
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"
)

const SqlLifetimeTag = "sql-client"

// SqlClient owns the pooled connection every repository shares.
type SqlClient struct {
	conn   *dbr.Connection
	schema string
}

func NewSqlClient(ctx context.Context, cfg econfig.SqlConfig) (*SqlClient, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	var (
		driver = "mysql"
		d      dbr.Dialect
	)

	switch cfg.Schema {
	case econfig.SchemaSqlite:
		driver = "sqlite"
		d = dialect.SQLite3
	default:
		d = dialect.MySQL
	}

	db, err := sql.Open(driver, cfg.Dsn())
	if err != nil {
		return nil, err
	}

	if cfg.Schema == econfig.SchemaSqlite {
		// single writer, avoids SQLITE_BUSY under concurrent tx
		db.SetMaxOpenConns(1)
	} else {
		if cfg.Maximum > 0 {
			db.SetMaxOpenConns(cfg.Maximum)
		}
		if cfg.MaximumIdle > 0 {
			db.SetMaxIdleConns(cfg.MaximumIdle)
		}
	}

	if cfg.MaxLifeTime > 0 {
		db.SetConnMaxLifetime(cfg.MaxLifeTime)
	}
	if cfg.MaxIdleTime > 0 {
		db.SetConnMaxIdleTime(cfg.MaxIdleTime)
	}

	pingTimeout := cfg.PingTimeout
	if pingTimeout <= 0 {
		pingTimeout = 3 * time.Second
	}

	pctx, cancel := context.WithTimeout(ctx, pingTimeout)
	defer cancel()

	if err = db.PingContext(pctx); err != nil {
		_ = db.Close()
		return nil, err
	}

	lg := mylog.AppLogger()
	lg.Info().Str("schema", cfg.Schema).Str("database", cfg.Database).Msg("sql client connected")

	return &SqlClient{
		conn: &dbr.Connection{
			DB:            db,
			Dialect:       d,
			EventReceiver: &dbr.NullEventReceiver{},
		},
		schema: cfg.Schema,
	}, nil
}

func (sc *SqlClient) Schema() string {
	return sc.schema
}

func (sc *SqlClient) IsSqlite() bool {
	return sc.schema == econfig.SchemaSqlite
}

func (sc *SqlClient) WithSess(fn func(sess *dbr.Session) error) error {
	return fn(sc.conn.NewSession(nil))
}

// WithTransCtx commits when fn returns nil and rolls back otherwise.
func (sc *SqlClient) WithTransCtx(ctx context.Context, fn func(ctx context.Context, tx *dbr.Tx) error) error {
	sess := sc.conn.NewSession(nil)

	tx, err := sess.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.RollbackUnlessCommitted()

	if err = fn(ctx, tx); err != nil {
		return err
	}

	return tx.Commit()
}

func (sc *SqlClient) GracefulStop(_ context.Context) error {
	return sc.conn.Close()
}

// IsDuplicateKey reports a primary/unique key violation on either dialect.
func IsDuplicateKey(err error) bool {
	if err == nil {
		return false
	}

	var me *mysql.MySQLError
	if errors.As(err, &me) {
		return me.Number == 1062
	}

	var se *sqlite.Error
	if errors.As(err, &se) {
		code := se.Code()
		return code == sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY || code == sqlite3.SQLITE_CONSTRAINT_UNIQUE
	}

	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}

func BoolToInt(b bool) int8 {
	if b {
		return 1
	}
	return 0
}

func NowMs() int64 {
	return time.Now().UnixMilli()
}
