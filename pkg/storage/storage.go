package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	_ "modernc.org/sqlite"
)

// timeLayout is fixed width so that TEXT ordering matches time ordering.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

type DB struct {
	sql *sql.DB
}

const schema = `
CREATE TABLE IF NOT EXISTS resources (
  id                    TEXT PRIMARY KEY,
  campaign_id           TEXT NOT NULL,
  user_id               TEXT NOT NULL DEFAULT '',
  source_url            TEXT NOT NULL,
  target_url            TEXT NOT NULL,
  anchor_text           TEXT,
  placement             TEXT,
  status                TEXT NOT NULL CHECK (status IN ('unverified','verified','broken','redirect','removed')),
  attempts              INTEGER NOT NULL DEFAULT 0,
  failures              INTEGER NOT NULL DEFAULT 0,
  next_check_at         TEXT,
  last_checked_at       TEXT,
  http_status           INTEGER NOT NULL DEFAULT 0,
  response_time_ms      INTEGER NOT NULL DEFAULT 0,
  final_url             TEXT,
  redirect_chain        TEXT,
  link_found            INTEGER NOT NULL DEFAULT 0 CHECK (link_found IN (0,1)),
  link_rel              TEXT,
  quality_score         REAL NOT NULL DEFAULT 0,
  compute_cost          REAL NOT NULL DEFAULT 0,
  created_at            TEXT NOT NULL,
  updated_at            TEXT NOT NULL,
  UNIQUE(campaign_id, source_url, target_url)
);
CREATE INDEX IF NOT EXISTS idx_resources_campaign ON resources(campaign_id);
CREATE INDEX IF NOT EXISTS idx_resources_status ON resources(status, next_check_at);

CREATE TABLE IF NOT EXISTS audit_events (
  id             TEXT PRIMARY KEY,
  resource_id    TEXT NOT NULL,
  resource_kind  TEXT NOT NULL,
  event_type     TEXT NOT NULL,
  actor          TEXT NOT NULL,
  reason         TEXT,
  before_json    TEXT,
  after_json     TEXT,
  occurred_at    TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_audit_time ON audit_events(occurred_at);
CREATE INDEX IF NOT EXISTS idx_audit_resource ON audit_events(resource_id, occurred_at);
CREATE TRIGGER IF NOT EXISTS audit_events_no_update BEFORE UPDATE ON audit_events
BEGIN SELECT RAISE(ABORT, 'audit_events is append-only'); END;
CREATE TRIGGER IF NOT EXISTS audit_events_no_delete BEFORE DELETE ON audit_events
BEGIN SELECT RAISE(ABORT, 'audit_events is append-only'); END;

CREATE TABLE IF NOT EXISTS usage_counters (
  user_id            TEXT NOT NULL,
  day_key            TEXT NOT NULL,
  items_posted       REAL NOT NULL DEFAULT 0,
  compute_units      REAL NOT NULL DEFAULT 0,
  bytes_stored       REAL NOT NULL DEFAULT 0,
  bytes_transferred  REAL NOT NULL DEFAULT 0,
  api_requests       REAL NOT NULL DEFAULT 0,
  PRIMARY KEY (user_id, day_key)
);

CREATE TABLE IF NOT EXISTS user_tiers (
  user_id     TEXT PRIMARY KEY,
  tier        TEXT NOT NULL,
  updated_at  TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS automation_states (
  campaign_id      TEXT PRIMARY KEY,
  user_id          TEXT NOT NULL DEFAULT '',
  mode             TEXT NOT NULL CHECK (mode IN ('manual','auto_paused','auto_running')),
  paused_by        TEXT,
  reason           TEXT,
  exceeded         TEXT,
  transitioned_at  TEXT NOT NULL,
  updated_at       TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS cost_matrix (
  operation_type    TEXT NOT NULL,
  engine_type       TEXT NOT NULL,
  difficulty        TEXT NOT NULL,
  base_cost         REAL NOT NULL,
  hosting_factor    REAL NOT NULL DEFAULT 1,
  premium_discount  REAL NOT NULL DEFAULT 0,
  success_bonus     REAL NOT NULL DEFAULT 0,
  PRIMARY KEY (operation_type, engine_type, difficulty)
);

CREATE TABLE IF NOT EXISTS upgrade_prompts (
  id              TEXT PRIMARY KEY,
  user_id         TEXT NOT NULL,
  campaign_id     TEXT,
  trigger_type    TEXT NOT NULL,
  trigger_event   TEXT NOT NULL,
  current_tier    TEXT NOT NULL,
  suggested_tier  TEXT NOT NULL,
  urgency         TEXT NOT NULL,
  priority        INTEGER NOT NULL,
  benefits        TEXT,
  shown_count     INTEGER NOT NULL DEFAULT 0,
  max_show_count  INTEGER NOT NULL DEFAULT 3,
  response        TEXT,
  triggered_at    TEXT NOT NULL,
  responded_at    TEXT,
  expires_at      TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_prompts_user ON upgrade_prompts(user_id, expires_at);
`

func Open(path string) (*DB, error) {
	dsn := "file:" + path + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, wrap("open", "", err)
	}
	// One connection serializes writers inside the process; SQLite allows a
	// single writer anyway and this keeps transactions from hitting BUSY.
	db.SetMaxOpenConns(1)
	if err := db.Ping(); err != nil {
		return nil, wrap("open", "", err)
	}
	// Ensure schema exists for convenience.
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, wrap("migrate", "", err)
	}
	return &DB{sql: db}, nil
}

func (d *DB) Close() error {
	if d == nil || d.sql == nil {
		return nil
	}
	return d.sql.Close()
}

// inTx runs fn inside a transaction and commits when it returns nil.
func (d *DB) inTx(ctx context.Context, fn func(tx *sql.Tx) error) (err error) {
	tx, err := d.sql.BeginTx(ctx, &sql.TxOptions{})
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()
	if err = fn(tx); err != nil {
		return err
	}
	return tx.Commit()
}

func formatTime(t time.Time) interface{} {
	if t.IsZero() {
		return nil
	}
	return t.UTC().Format(timeLayout)
}

func parseTime(v interface{}) time.Time {
	s := asString(v)
	if s == "" {
		return time.Time{}
	}
	if t, err := time.Parse(timeLayout, s); err == nil {
		return t
	}
	// Rows written by hand through `db shell` tend to use this shape.
	if t, err := time.Parse("2006-01-02 15:04:05", s); err == nil {
		return t
	}
	if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
		return t
	}
	return time.Time{}
}

func asString(v interface{}) string {
	switch x := v.(type) {
	case nil:
		return ""
	case string:
		return x
	case []byte:
		return string(x)
	case time.Time:
		return x.UTC().Format(timeLayout)
	}
	return ""
}

func asInt64(v interface{}) int64 {
	switch x := v.(type) {
	case int64:
		return x
	case float64:
		return int64(x)
	case bool:
		if x {
			return 1
		}
	}
	return 0
}

func asFloat(v interface{}) float64 {
	switch x := v.(type) {
	case float64:
		return x
	case int64:
		return float64(x)
	}
	return 0
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func nullIfEmpty(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

func marshalList(v []string) interface{} {
	if len(v) == 0 {
		return nil
	}
	b, _ := json.Marshal(v)
	return string(b)
}

func unmarshalList(v interface{}) []string {
	s := asString(v)
	if s == "" {
		return nil
	}
	var out []string
	if err := json.Unmarshal([]byte(s), &out); err != nil {
		return nil
	}
	return out
}
