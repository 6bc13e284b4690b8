package database

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"ai_arena/internal/platform/config"

	_ "github.com/jackc/pgx/v5/stdlib" // PostgreSQL driver
	_ "modernc.org/sqlite"             // SQLite driver for single-node deployments and tests
)

// DB is a *sql.DB that remembers which driver opened it, so repositories can
// pick the matching placeholder style.
type DB struct {
	*sql.DB
	Driver string
}

// Open connects using the driver selected in cfg and verifies the connection.
func Open(ctx context.Context, cfg *config.Config) (*DB, error) {
	switch cfg.DBDriver {
	case config.DriverPostgres:
		return open(ctx, config.DriverPostgres, cfg.DBConnStr)
	case config.DriverSQLite:
		return OpenSQLite(ctx, cfg.SQLitePath)
	default:
		return nil, fmt.Errorf("unsupported DB_DRIVER %q", cfg.DBDriver)
	}
}

// OpenSQLite opens a SQLite database file. A single connection is used so
// that writers serialize inside the process instead of failing with SQLITE_BUSY.
func OpenSQLite(ctx context.Context, path string) (*DB, error) {
	dsn := "file:" + path + "?_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)"
	db, err := open(ctx, config.DriverSQLite, dsn)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)
	return db, nil
}

func open(ctx context.Context, driver, dsn string) (*DB, error) {
	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("open %s database: %w", driver, err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(25)
	db.SetConnMaxLifetime(5 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err = db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("connect %s database: %w", driver, err)
	}

	return &DB{DB: db, Driver: driver}, nil
}

// Migrate creates all tables. Safe to call repeatedly.
func Migrate(ctx context.Context, db *DB) error {
	if _, err := db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to create schema: %w", err)
	}
	return nil
}

// Timestamps are stored as unix milliseconds so both drivers agree on them.
const schema = `
CREATE TABLE IF NOT EXISTS contests (
    id TEXT PRIMARY KEY,
    name TEXT NOT NULL,
    type TEXT NOT NULL CHECK (type IN ('score', 'battle')),
    starts_at BIGINT NOT NULL,
    ends_at BIGINT NOT NULL,
    description TEXT NOT NULL DEFAULT '{}',
    rules TEXT NOT NULL DEFAULT '{}',
    created_at BIGINT NOT NULL,
    updated_at BIGINT NOT NULL
);

CREATE TABLE IF NOT EXISTS submissions (
    id TEXT PRIMARY KEY,
    contest_id TEXT NOT NULL REFERENCES contests(id) ON DELETE CASCADE,
    user_id TEXT,
    name TEXT NOT NULL DEFAULT '',
    language TEXT,
    code TEXT,
    size_bytes BIGINT,
    is_preset BOOLEAN NOT NULL DEFAULT FALSE,
    created_at BIGINT NOT NULL,
    UNIQUE (contest_id, name)
);

CREATE INDEX IF NOT EXISTS idx_submissions_contest ON submissions(contest_id);

CREATE TABLE IF NOT EXISTS battles (
    id TEXT PRIMARY KEY,
    contest_id TEXT NOT NULL REFERENCES contests(id) ON DELETE CASCADE,
    status TEXT NOT NULL CHECK (status IN ('queued', 'claimed', 'running', 'completed', 'failed')),
    seed BIGINT NOT NULL,
    initial_state TEXT NOT NULL,
    current_turn BIGINT NOT NULL DEFAULT 0,
    winner_submission_id TEXT,
    end_reason TEXT,
    failure_reason TEXT,
    claim_token TEXT,
    claimed_by TEXT,
    reclaim_count INTEGER NOT NULL DEFAULT 0,
    cancel_requested BOOLEAN NOT NULL DEFAULT FALSE,
    created_at BIGINT NOT NULL,
    claimed_at BIGINT,
    started_at BIGINT,
    last_turn_at BIGINT,
    heartbeat_at BIGINT,
    completed_at BIGINT
);

CREATE INDEX IF NOT EXISTS idx_battles_status_created ON battles(status, created_at);
CREATE INDEX IF NOT EXISTS idx_battles_heartbeat ON battles(status, heartbeat_at);
CREATE INDEX IF NOT EXISTS idx_battles_contest ON battles(contest_id, created_at);

CREATE TABLE IF NOT EXISTS battle_participants (
    battle_id TEXT NOT NULL REFERENCES battles(id) ON DELETE CASCADE,
    position INTEGER NOT NULL,
    role TEXT NOT NULL,
    submission_id TEXT NOT NULL REFERENCES submissions(id),
    PRIMARY KEY (battle_id, position)
);

CREATE TABLE IF NOT EXISTS turns (
    battle_id TEXT NOT NULL REFERENCES battles(id) ON DELETE CASCADE,
    idx BIGINT NOT NULL,
    state TEXT NOT NULL,
    actions TEXT NOT NULL,
    created_at BIGINT NOT NULL,
    PRIMARY KEY (battle_id, idx)
);
`
