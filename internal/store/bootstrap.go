package store

import (
	"context"
	"fmt"
	"log"

	"golang.org/x/crypto/bcrypt"
)

const (
	seedAdminEmail    = "admin@localhost"
	seedAdminPassword = "changeme"
)

// Bootstrap creates the system tables and, on a fresh database, seeds the
// first admin account. Safe to run on every start: the DDL is IF NOT EXISTS
// and the seed skips any database that already has users.
func (s *Store) Bootstrap(ctx context.Context) error {
	if _, err := s.DB.ExecContext(ctx, s.Dialect.SystemTablesSQL()); err != nil {
		return fmt.Errorf("bootstrap system tables: %w", err)
	}
	if err := s.seedAdminUser(ctx); err != nil {
		return fmt.Errorf("seed admin user: %w", err)
	}
	return nil
}

func (s *Store) seedAdminUser(ctx context.Context) error {
	var count int
	if err := s.DB.QueryRowContext(ctx, "SELECT COUNT(*) FROM _users").Scan(&count); err != nil {
		return err
	}
	if count > 0 {
		return nil
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(seedAdminPassword), bcrypt.DefaultCost)
	if err != nil {
		return err
	}

	pb := s.Dialect.NewParamBuilder()
	stmt := fmt.Sprintf("INSERT INTO _users (id, email, password_hash, roles) VALUES (%s, %s, %s, %s)",
		pb.Add(GenerateUUID()), pb.Add(seedAdminEmail), pb.Add(string(hash)),
		pb.Add(s.Dialect.ArrayParam([]string{"admin"})))
	if _, err := s.DB.ExecContext(ctx, stmt, pb.Params()...); err != nil {
		return err
	}

	log.Printf("WARNING: Default admin user created (%s / %s) - change the password immediately.",
		seedAdminEmail, seedAdminPassword)
	return nil
}
