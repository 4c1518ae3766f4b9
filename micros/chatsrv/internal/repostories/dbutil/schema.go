package dbutil

import (
	"context"
)

// mysql keeps indexes inline, sqlite needs separate statements
var mysqlSchema = []string{
	`create table if not exists t_conv (
		conv_id          varchar(96)  not null primary key,
		kind             tinyint      not null,
		status           tinyint      not null,
		creator          varchar(64)  not null default '',
		title            varchar(128) not null default '',
		pinned           tinyint      not null default 0,
		muted            tinyint      not null default 0,
		last_msg         varchar(512) not null default '',
		last_msg_sender  varchar(64)  not null default '',
		last_msg_id      bigint       not null default 0,
		last_msg_ts      bigint       not null default 0,
		msg_seq          bigint       not null default 0,
		msg_floor_ts     bigint       not null default 0,
		initiator        varchar(64)  not null default '',
		recipient        varchar(64)  not null default '',
		invite_code      varchar(64)  not null default '',
		invite_expire_at bigint       not null default 0,
		cts              bigint       not null,
		uts              bigint       not null,
		key idx_conv_uts (uts),
		key idx_conv_kind (kind),
		key idx_conv_invite (invite_code)
	) engine = InnoDB default charset = utf8mb4`,
	`create table if not exists t_conv_member (
		conv_id      varchar(96) not null,
		uid          varchar(64) not null,
		role         tinyint     not null default 1,
		last_read_ts bigint      not null default 0,
		cts          bigint      not null,
		primary key (conv_id, uid),
		key idx_member_uid (uid)
	) engine = InnoDB default charset = utf8mb4`,
	`create table if not exists t_msg (
		msg_id       bigint       not null primary key,
		conv_id      varchar(96)  not null,
		client_id    varchar(64)  not null default '',
		sender       varchar(64)  not null,
		text         text         not null,
		media_url    varchar(512) not null default '',
		media_kind   varchar(16)  not null default '',
		seq          bigint       not null,
		cts          bigint       not null,
		deleted      tinyint      not null default 0,
		edited_at    bigint       not null default 0,
		reply_json   text         not null,
		forward_json text         not null,
		key idx_msg_conv_cts (conv_id, cts)
	) engine = InnoDB default charset = utf8mb4`,
	`create table if not exists t_msg_hidden (
		msg_id bigint      not null,
		uid    varchar(64) not null,
		cts    bigint      not null,
		primary key (msg_id, uid)
	) engine = InnoDB default charset = utf8mb4`,
	`create table if not exists t_msg_pin (
		msg_id bigint      not null,
		uid    varchar(64) not null,
		cts    bigint      not null,
		primary key (msg_id, uid)
	) engine = InnoDB default charset = utf8mb4`,
	`create table if not exists t_msg_reaction (
		msg_id bigint      not null,
		emoji  varchar(32) not null,
		uid    varchar(64) not null,
		cts    bigint      not null,
		primary key (msg_id, emoji, uid)
	) engine = InnoDB default charset = utf8mb4`,
	`create table if not exists t_follow (
		follower varchar(64) not null,
		followee varchar(64) not null,
		cts      bigint      not null,
		primary key (follower, followee)
	) engine = InnoDB default charset = utf8mb4`,
	`create table if not exists t_user_presence (
		uid            varchar(64) not null primary key,
		state          varchar(16) not null,
		last_active_ts bigint      not null default 0,
		uts            bigint      not null
	) engine = InnoDB default charset = utf8mb4`,
	`create table if not exists t_streak (
		streak_key varchar(128) not null primary key,
		cnt        int          not null default 0,
		last_day   varchar(10)  not null default '',
		uts        bigint       not null,
		key idx_streak_last_day (last_day)
	) engine = InnoDB default charset = utf8mb4`,
}

var sqliteSchema = []string{
	`create table if not exists t_conv (
		conv_id          text    not null primary key,
		kind             integer not null,
		status           integer not null,
		creator          text    not null default '',
		title            text    not null default '',
		pinned           integer not null default 0,
		muted            integer not null default 0,
		last_msg         text    not null default '',
		last_msg_sender  text    not null default '',
		last_msg_id      integer not null default 0,
		last_msg_ts      integer not null default 0,
		msg_seq          integer not null default 0,
		msg_floor_ts     integer not null default 0,
		initiator        text    not null default '',
		recipient        text    not null default '',
		invite_code      text    not null default '',
		invite_expire_at integer not null default 0,
		cts              integer not null,
		uts              integer not null
	)`,
	`create index if not exists idx_conv_uts on t_conv (uts)`,
	`create index if not exists idx_conv_kind on t_conv (kind)`,
	`create index if not exists idx_conv_invite on t_conv (invite_code)`,
	`create table if not exists t_conv_member (
		conv_id      text    not null,
		uid          text    not null,
		role         integer not null default 1,
		last_read_ts integer not null default 0,
		cts          integer not null,
		primary key (conv_id, uid)
	)`,
	`create index if not exists idx_member_uid on t_conv_member (uid)`,
	`create table if not exists t_msg (
		msg_id       integer not null primary key,
		conv_id      text    not null,
		client_id    text    not null default '',
		sender       text    not null,
		text         text    not null default '',
		media_url    text    not null default '',
		media_kind   text    not null default '',
		seq          integer not null,
		cts          integer not null,
		deleted      integer not null default 0,
		edited_at    integer not null default 0,
		reply_json   text    not null default '',
		forward_json text    not null default ''
	)`,
	`create index if not exists idx_msg_conv_cts on t_msg (conv_id, cts)`,
	`create table if not exists t_msg_hidden (
		msg_id integer not null,
		uid    text    not null,
		cts    integer not null,
		primary key (msg_id, uid)
	)`,
	`create table if not exists t_msg_pin (
		msg_id integer not null,
		uid    text    not null,
		cts    integer not null,
		primary key (msg_id, uid)
	)`,
	`create table if not exists t_msg_reaction (
		msg_id integer not null,
		emoji  text    not null,
		uid    text    not null,
		cts    integer not null,
		primary key (msg_id, emoji, uid)
	)`,
	`create table if not exists t_follow (
		follower text    not null,
		followee text    not null,
		cts      integer not null,
		primary key (follower, followee)
	)`,
	`create table if not exists t_user_presence (
		uid            text    not null primary key,
		state          text    not null,
		last_active_ts integer not null default 0,
		uts            integer not null
	)`,
	`create table if not exists t_streak (
		streak_key text    not null primary key,
		cnt        integer not null default 0,
		last_day   text    not null default '',
		uts        integer not null
	)`,
	`create index if not exists idx_streak_last_day on t_streak (last_day)`,
}

// Migrate creates missing tables. Existing tables are left untouched.
func (sc *SqlClient) Migrate(ctx context.Context) error {
	stmts := mysqlSchema
	if sc.IsSqlite() {
		stmts = sqliteSchema
	}

	for _, stmt := range stmts {
		if _, err := sc.conn.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}

	return nil
}
