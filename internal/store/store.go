// Package store is the SQL persistence layer. The reducer is the only
// writer; workers never touch the database. All JSON columns are stored as
// TEXT and (un)marshaled at the boundary.
package store

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

type Store struct {
	db *sql.DB
}

func Open(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create store dir: %w", err)
	}

	db, err := sql.Open("sqlite", path+"?_pragma=journal_mode(wal)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)")
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	// One writer process, one connection. Serializes everything and keeps
	// the WAL small.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("init schema: %w", err)
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func nowMS() int64 {
	return time.Now().UnixMilli()
}

const schema = `
CREATE TABLE IF NOT EXISTS trigger (
	id           INTEGER PRIMARY KEY AUTOINCREMENT,
	tick         INTEGER NOT NULL UNIQUE,
	timestamp_s  INTEGER NOT NULL UNIQUE,
	name         TEXT    NOT NULL
);

CREATE TABLE IF NOT EXISTS game_policy (
	id               INTEGER PRIMARY KEY AUTOINCREMENT,
	effective_after  INTEGER NOT NULL UNIQUE,
	can_view_problem    INTEGER NOT NULL,
	can_submit_flag     INTEGER NOT NULL,
	can_submit_writeup  INTEGER NOT NULL,
	is_submission_deducted INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS announcement (
	id               INTEGER PRIMARY KEY AUTOINCREMENT,
	timestamp_s      INTEGER NOT NULL,
	title            TEXT    NOT NULL,
	content_template TEXT    NOT NULL
);

CREATE TABLE IF NOT EXISTS challenge (
	id              INTEGER PRIMARY KEY AUTOINCREMENT,
	effective_after INTEGER NOT NULL,
	key             TEXT    NOT NULL UNIQUE,
	title           TEXT    NOT NULL,
	category        TEXT    NOT NULL,
	sorting_index   INTEGER NOT NULL,
	desc_template   TEXT    NOT NULL,
	chall_metadata  TEXT    NOT NULL,
	actions         TEXT    NOT NULL,
	flags           TEXT    NOT NULL
);

CREATE TABLE IF NOT EXISTS user_profile (
	id           INTEGER PRIMARY KEY AUTOINCREMENT,
	user_id      INTEGER NOT NULL,
	timestamp_ms INTEGER NOT NULL,
	nickname     TEXT,
	qq           TEXT,
	tel          TEXT,
	email        TEXT,
	gender       TEXT,
	stuid        TEXT,
	comment      TEXT
);

CREATE TABLE IF NOT EXISTS user (
	id               INTEGER PRIMARY KEY AUTOINCREMENT,
	login_key        TEXT    NOT NULL UNIQUE,
	login_properties TEXT    NOT NULL,
	timestamp_ms     INTEGER NOT NULL,
	enabled          INTEGER NOT NULL DEFAULT 1,
	grp              TEXT    NOT NULL,
	token            TEXT,
	auth_token       TEXT    UNIQUE,
	profile_id       INTEGER REFERENCES user_profile(id),
	terms_agreed     INTEGER NOT NULL DEFAULT 0,
	last_feedback_ms INTEGER
);
CREATE INDEX IF NOT EXISTS idx_user_auth_token ON user(auth_token);

CREATE TABLE IF NOT EXISTS submission (
	id                  INTEGER PRIMARY KEY AUTOINCREMENT,
	user_id             INTEGER NOT NULL REFERENCES user(id),
	challenge_key       TEXT    NOT NULL,
	flag                TEXT    NOT NULL,
	timestamp_ms        INTEGER NOT NULL,
	score_override      INTEGER,
	percentage_override INTEGER
);

CREATE TABLE IF NOT EXISTS feedback (
	id            INTEGER PRIMARY KEY AUTOINCREMENT,
	user_id       INTEGER NOT NULL REFERENCES user(id),
	timestamp_ms  INTEGER NOT NULL,
	challenge_key TEXT    NOT NULL,
	content       TEXT    NOT NULL,
	checked       INTEGER NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS log (
	id           INTEGER PRIMARY KEY AUTOINCREMENT,
	timestamp_ms INTEGER NOT NULL,
	level        TEXT    NOT NULL,
	process      TEXT    NOT NULL,
	module       TEXT    NOT NULL,
	message      TEXT    NOT NULL
);
`

// AppendLog is the database log sink. Failures are swallowed; logging must
// never take the reducer down.
func (s *Store) AppendLog(level, process, module, message string) {
	_, _ = s.db.Exec(
		`INSERT INTO log (timestamp_ms, level, process, module, message) VALUES (?, ?, ?, ?, ?)`,
		nowMS(), level, process, module, message,
	)
}
