package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib" // database/sql driver: pgx
	_ "modernc.org/sqlite"             // database/sql driver: sqlite

	"loom-backend/internal/config"
)

var (
	ErrNotFound        = errors.New("not found")
	ErrUniqueViolation = errors.New("unique constraint violation")
)

// Querier is satisfied by both *sql.DB and *sql.Tx, so query helpers and the
// engine can run the same statements inside or outside a transaction.
type Querier interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// Store pairs a connection pool with the dialect that knows how to talk to it.
type Store struct {
	DB      *sql.DB
	Dialect Dialect
}

// New opens a database connection for the configured driver and verifies it
// with a ping. SQLite runs in WAL mode with a single writer connection.
func New(ctx context.Context, cfg config.DatabaseConfig) (*Store, error) {
	driver := cfg.Driver
	if driver == "" {
		driver = "postgres"
	}
	dialect := NewDialect(driver)

	db, err := sql.Open(dialect.DriverName(), cfg.DSN())
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	switch driver {
	case "sqlite":
		db.SetMaxOpenConns(1)
		for _, pragma := range []string{"PRAGMA journal_mode=WAL", "PRAGMA foreign_keys=ON"} {
			if _, err := db.ExecContext(ctx, pragma); err != nil {
				db.Close()
				return nil, fmt.Errorf("%s: %w", pragma, err)
			}
		}
	default:
		if cfg.PoolSize > 0 {
			db.SetMaxOpenConns(cfg.PoolSize)
		}
	}

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping: %w", err)
	}

	return &Store{DB: db, Dialect: dialect}, nil
}

func (s *Store) Close() {
	s.DB.Close()
}

// BeginTx starts a transaction with the driver's default isolation level
// (read committed is sufficient for the write pipeline).
func (s *Store) BeginTx(ctx context.Context) (*sql.Tx, error) {
	return s.DB.BeginTx(ctx, nil)
}

// QueryRows runs a query and scans every row into a map keyed by column name.
// Driver-specific values are normalized to JSON-friendly Go types.
func QueryRows(ctx context.Context, q Querier, sqlStr string, args ...any) ([]map[string]any, error) {
	rows, err := q.QueryContext(ctx, sqlStr, args...)
	if err != nil {
		return nil, fmt.Errorf("query: %w", err)
	}
	defer rows.Close()

	columns, err := rows.Columns()
	if err != nil {
		return nil, fmt.Errorf("columns: %w", err)
	}

	var out []map[string]any
	for rows.Next() {
		values := make([]any, len(columns))
		ptrs := make([]any, len(columns))
		for i := range values {
			ptrs[i] = &values[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, fmt.Errorf("scan: %w", err)
		}
		row := make(map[string]any, len(columns))
		for i, col := range columns {
			row[col] = normalizeValue(values[i])
		}
		out = append(out, row)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows: %w", err)
	}
	return out, nil
}

// QueryRow runs a query expected to match a single row. ErrNotFound when the
// result set is empty.
func QueryRow(ctx context.Context, q Querier, sqlStr string, args ...any) (map[string]any, error) {
	rows, err := QueryRows(ctx, q, sqlStr, args...)
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, ErrNotFound
	}
	return rows[0], nil
}

// Exec runs a statement and returns the affected row count.
func Exec(ctx context.Context, q Querier, sqlStr string, args ...any) (int64, error) {
	res, err := q.ExecContext(ctx, sqlStr, args...)
	if err != nil {
		return 0, fmt.Errorf("exec: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("rows affected: %w", err)
	}
	return n, nil
}

// normalizeValue maps driver types onto the small set the engine works with:
// string, int64, float64, bool, time.Time, nil. TEXT columns holding
// timestamps (SQLite) are promoted to time.Time.
func normalizeValue(v any) any {
	switch val := v.(type) {
	case nil:
		return nil
	case []byte:
		s := string(val)
		for _, layout := range []string{"2006-01-02 15:04:05", time.RFC3339Nano, time.RFC3339} {
			if t, err := time.Parse(layout, s); err == nil {
				return t
			}
		}
		return s
	default:
		return val
	}
}

// NormalizeBooleans rewrites 0/1 integers to bool for the named fields.
// SQLite stores BOOLEAN columns as INTEGER, so rows read back through
// database/sql need this fix-up before JSON encoding.
func NormalizeBooleans(rows []map[string]any, boolFields []string) {
	if len(boolFields) == 0 || len(rows) == 0 {
		return
	}
	wanted := make(map[string]bool, len(boolFields))
	for _, f := range boolFields {
		wanted[f] = true
	}
	for _, row := range rows {
		for k, v := range row {
			if !wanted[k] {
				continue
			}
			switch n := v.(type) {
			case int64:
				row[k] = n != 0
			case int:
				row[k] = n != 0
			case float64:
				row[k] = n != 0
			}
		}
	}
}
