package store

import (
	"context"
	"database/sql"
	"strconv"
)

// Dialect hides the differences between PostgreSQL and SQLite behind one
// interface: placeholder syntax, DDL types, system-table bootstrap SQL, and
// the handful of expressions the two databases spell differently.
type Dialect interface {
	// Name is "postgres" or "sqlite".
	Name() string

	// DriverName is the database/sql driver to open ("pgx" or "sqlite").
	DriverName() string

	// Placeholder renders the parameter marker for a 1-based index.
	Placeholder(index int) string

	// NewParamBuilder returns a fresh builder producing this dialect's markers.
	NewParamBuilder() ParamBuilder

	// NowExpr is the SQL expression for the current timestamp.
	NowExpr() string

	// UUIDDefault is the DDL DEFAULT clause for generated uuid primary keys,
	// or "" when ids must be generated in application code.
	UUIDDefault() string

	// ColumnType maps a metadata field type to this database's DDL type.
	ColumnType(fieldType string, precision int) string

	// SystemTablesSQL is the idempotent DDL for all engine system tables.
	SystemTablesSQL() string

	// TableExists reports whether a physical table is present.
	TableExists(ctx context.Context, db *sql.DB, table string) (bool, error)

	// GetColumns returns column name -> DDL type for an existing table.
	GetColumns(ctx context.Context, db *sql.DB, table string) (map[string]string, error)

	// SoftDeleteIndexSQL is the partial-index DDL for deleted_at filtering.
	SoftDeleteIndexSQL(table string) string

	// InExpr and NotInExpr build membership predicates: one array parameter
	// on PostgreSQL, an expanded placeholder list on SQLite.
	InExpr(field string, pb ParamBuilder, values []any) string
	NotInExpr(field string, pb ParamBuilder, values []any) string

	// IntervalDeleteExpr builds the predicate for "older than N days".
	IntervalDeleteExpr(createdAtCol string, pb ParamBuilder, days string) string

	// ArrayParam encodes a string slice for a parameter: native TEXT[] on
	// PostgreSQL, JSON text on SQLite. ScanArray is the inverse for reads.
	ArrayParam(values []string) any
	ScanArray(src any) ([]string, error)

	// FilterCountExpr builds a conditional COUNT aggregate.
	FilterCountExpr(condition string) string

	// SyncCommitOff is the per-transaction statement to relax commit
	// durability for bulk event writes, or "" when not supported.
	SyncCommitOff() string

	// SupportsPercentile and PercentileExpr cover percentile_cont, which
	// SQLite does not have.
	SupportsPercentile() bool
	PercentileExpr(pct float64, orderCol string) string

	// MapError translates driver errors to sentinel errors (ErrUniqueViolation).
	MapError(err error) error

	// NeedsBoolFix reports whether boolean columns read back as integers.
	NeedsBoolFix() bool
}

// ParamBuilder collects parameter values while the caller assembles SQL text,
// handing out the matching placeholder for each value.
type ParamBuilder interface {
	Add(v any) string
	Params() []any
	Count() int
}

// NewDialect picks the dialect for a configured driver name.
func NewDialect(driver string) Dialect {
	if driver == "sqlite" {
		return &SQLiteDialect{}
	}
	return &PostgresDialect{}
}

type paramList struct {
	prefix string
	params []any
}

func (p *paramList) Add(v any) string {
	p.params = append(p.params, v)
	return p.prefix + strconv.Itoa(len(p.params))
}

func (p *paramList) Params() []any { return p.params }
func (p *paramList) Count() int    { return len(p.params) }
