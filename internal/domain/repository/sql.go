package repository

import (
	"context"
	"database/sql"
	"strconv"
	"strings"
	"time"

	"ai_arena/internal/platform/config"
	"ai_arena/internal/platform/database"
)

// querier is satisfied by both *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// sqlBase carries the connection and the placeholder dialect. Queries are
// written with '?' placeholders and rebound for PostgreSQL.
type sqlBase struct {
	db     *sql.DB
	driver string
}

func newSQLBase(db *database.DB) sqlBase {
	return sqlBase{db: db.DB, driver: db.Driver}
}

func (b sqlBase) q(tx *sql.Tx) querier {
	if tx != nil {
		return tx
	}
	return b.db
}

func (b sqlBase) rebind(query string) string {
	return rebind(b.driver, query)
}

// forUpdate appends a row lock on drivers that support it. SQLite serializes
// writers on its own.
func (b sqlBase) forUpdate(query string) string {
	if b.driver == config.DriverPostgres {
		return query + " FOR UPDATE"
	}
	return query
}

func rebind(driver, query string) string {
	if driver != config.DriverPostgres {
		return query
	}
	var sb strings.Builder
	sb.Grow(len(query) + 8)
	n := 0
	for i := 0; i < len(query); i++ {
		if query[i] == '?' {
			n++
			sb.WriteByte('$')
			sb.WriteString(strconv.Itoa(n))
			continue
		}
		sb.WriteByte(query[i])
	}
	return sb.String()
}

func toMillis(t time.Time) int64 {
	return t.UTC().UnixMilli()
}

func fromMillis(ms int64) time.Time {
	return time.UnixMilli(ms).UTC()
}

func nullMillis(t *time.Time) sql.NullInt64 {
	if t == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: toMillis(*t), Valid: true}
}

func timePtr(n sql.NullInt64) *time.Time {
	if !n.Valid {
		return nil
	}
	t := fromMillis(n.Int64)
	return &t
}

func stringPtr(n sql.NullString) *string {
	if !n.Valid {
		return nil
	}
	s := n.String
	return &s
}
