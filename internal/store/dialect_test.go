package store

import (
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/jackc/pgx/v5/pgconn"
)

func TestMapError_PG_UniqueViolation(t *testing.T) {
	dialect := &PostgresDialect{}
	pgErr := &pgconn.PgError{
		Code:           "23505",
		Message:        "duplicate key value violates unique constraint \"idx_users_email\"",
		ConstraintName: "idx_users_email",
		Detail:         "Key (email)=(dup@test.com) already exists.",
	}
	wrapped := fmt.Errorf("exec: %w", pgErr)

	mapped := dialect.MapError(wrapped)

	if !errors.Is(mapped, ErrUniqueViolation) {
		t.Fatalf("expected ErrUniqueViolation, got: %v", mapped)
	}

	// Original pgconn.PgError should still be extractable
	var extracted *pgconn.PgError
	if !errors.As(mapped, &extracted) {
		t.Fatal("expected pgconn.PgError to still be extractable via errors.As")
	}
	if extracted.ConstraintName != "idx_users_email" {
		t.Fatalf("expected constraint name 'idx_users_email', got: %s", extracted.ConstraintName)
	}
}

func TestMapError_PG_OtherError(t *testing.T) {
	dialect := &PostgresDialect{}
	err := fmt.Errorf("some other error")
	mapped := dialect.MapError(err)
	if mapped != err {
		t.Fatalf("expected same error back, got: %v", mapped)
	}
}

func TestMapError_PG_Nil(t *testing.T) {
	dialect := &PostgresDialect{}
	mapped := dialect.MapError(nil)
	if mapped != nil {
		t.Fatalf("expected nil, got: %v", mapped)
	}
}

func TestMapError_SQLite_UniqueViolation(t *testing.T) {
	dialect := &SQLiteDialect{}
	err := fmt.Errorf("exec: %w", errors.New("constraint failed: UNIQUE constraint failed: users.email (2067)"))
	mapped := dialect.MapError(err)
	if !errors.Is(mapped, ErrUniqueViolation) {
		t.Fatalf("expected ErrUniqueViolation, got: %v", mapped)
	}
}

func TestParamBuilder_Postgres(t *testing.T) {
	pb := (&PostgresDialect{}).NewParamBuilder()
	if ph := pb.Add("a"); ph != "$1" {
		t.Fatalf("expected $1, got %s", ph)
	}
	if ph := pb.Add(42); ph != "$2" {
		t.Fatalf("expected $2, got %s", ph)
	}
	if pb.Count() != 2 {
		t.Fatalf("expected count 2, got %d", pb.Count())
	}
	params := pb.Params()
	if params[0] != "a" || params[1] != 42 {
		t.Fatalf("unexpected params: %v", params)
	}
}

func TestParamBuilder_SQLite(t *testing.T) {
	pb := (&SQLiteDialect{}).NewParamBuilder()
	if ph := pb.Add("a"); ph != "?1" {
		t.Fatalf("expected ?1, got %s", ph)
	}
	if ph := pb.Add("b"); ph != "?2" {
		t.Fatalf("expected ?2, got %s", ph)
	}
}

func TestInExpr(t *testing.T) {
	pg := &PostgresDialect{}
	pb := pg.NewParamBuilder()
	expr := pg.InExpr("id", pb, []any{"x", "y"})
	if expr != "id = ANY($1)" {
		t.Fatalf("unexpected pg in expr: %s", expr)
	}
	if len(pb.Params()) != 1 {
		t.Fatalf("expected single array param, got %d", len(pb.Params()))
	}

	lite := &SQLiteDialect{}
	pb2 := lite.NewParamBuilder()
	expr2 := lite.InExpr("id", pb2, []any{"x", "y"})
	if expr2 != "id IN (?1, ?2)" {
		t.Fatalf("unexpected sqlite in expr: %s", expr2)
	}
	if len(pb2.Params()) != 2 {
		t.Fatalf("expected expanded params, got %d", len(pb2.Params()))
	}
}

func TestScanArray_Postgres(t *testing.T) {
	d := &PostgresDialect{}
	got, err := d.ScanArray("{admin,user}")
	if err != nil {
		t.Fatalf("scan array: %v", err)
	}
	if len(got) != 2 || got[0] != "admin" || got[1] != "user" {
		t.Fatalf("unexpected result: %v", got)
	}

	got, err = d.ScanArray(nil)
	if err != nil || len(got) != 0 {
		t.Fatalf("expected empty slice for nil, got %v (%v)", got, err)
	}
}

func TestSystemSchemaRenders(t *testing.T) {
	for _, d := range []Dialect{&PostgresDialect{}, &SQLiteDialect{}} {
		ddl := d.SystemTablesSQL()
		if strings.Contains(ddl, "{{") {
			t.Fatalf("%s schema has unreplaced tokens", d.Name())
		}
		for _, table := range []string{"_entities", "_rules", "_workflows", "_workflow_instances", "_webhook_logs", "_events"} {
			if !strings.Contains(ddl, "CREATE TABLE IF NOT EXISTS "+table+" (") {
				t.Fatalf("%s schema is missing %s", d.Name(), table)
			}
		}
	}
}

func TestScanArray_SQLite(t *testing.T) {
	d := &SQLiteDialect{}
	got, err := d.ScanArray(`["admin","user"]`)
	if err != nil {
		t.Fatalf("scan array: %v", err)
	}
	if len(got) != 2 || got[0] != "admin" {
		t.Fatalf("unexpected result: %v", got)
	}

	if p := d.ArrayParam([]string{"admin"}); p != `["admin"]` {
		t.Fatalf("unexpected array param: %v", p)
	}
}
