package fleet

import (
	"context"
	"database/sql"
	_ "embed"
	"fmt"
	"net/url"
	"time"

	"github.com/lib/pq"
)

//go:embed tenant_schema.sql
var tenantSchema string

// DBAdmin manages per-tenant databases on a fleet server's database engine.
// Every operation is idempotent so a retried provisioning run never fails on
// a partially-completed prior attempt.
type DBAdmin interface {
	CreateDatabase(ctx context.Context, srv *Server, name string) error
	DropDatabase(ctx context.Context, srv *Server, name string) error
	ApplySchema(ctx context.Context, srv *Server, name string) error

	// SeedAdminUser inserts the tenant's administrator account and reports
	// whether a new row was created. A prior seed leaves the existing
	// credential untouched and returns false.
	SeedAdminUser(ctx context.Context, srv *Server, name, email, passwordHash string) (bool, error)
}

// PGAdmin is the PostgreSQL implementation of DBAdmin. It connects to each
// server's engine with the administrative credentials stored on the Server
// row; connections are short-lived because tenant databases are created
// rarely.
type PGAdmin struct {
	connTimeout time.Duration
}

// NewPGAdmin creates a PostgreSQL database administrator.
func NewPGAdmin() *PGAdmin {
	return &PGAdmin{connTimeout: 15 * time.Second}
}

// CreateDatabase creates the named database if it does not already exist.
// CREATE DATABASE cannot run inside a transaction, so idempotence comes from
// tolerating the duplicate_database error (42P04).
func (a *PGAdmin) CreateDatabase(ctx context.Context, srv *Server, name string) error {
	db, err := a.open(ctx, srv, "postgres")
	if err != nil {
		return err
	}
	defer func() { _ = db.Close() }()

	_, err = db.ExecContext(ctx, fmt.Sprintf(`CREATE DATABASE %s`, pq.QuoteIdentifier(name)))
	if err != nil {
		if pqErr, ok := err.(*pq.Error); ok && pqErr.Code == "42P04" {
			return nil // already exists
		}
		return fmt.Errorf("failed to create database %s on %s: %w", name, srv.ID, err)
	}
	return nil
}

// DropDatabase removes the named database. A missing database is not an
// error; hard delete is retried until everything is gone.
func (a *PGAdmin) DropDatabase(ctx context.Context, srv *Server, name string) error {
	db, err := a.open(ctx, srv, "postgres")
	if err != nil {
		return err
	}
	defer func() { _ = db.Close() }()

	_, err = db.ExecContext(ctx, fmt.Sprintf(
		`DROP DATABASE IF EXISTS %s WITH (FORCE)`, pq.QuoteIdentifier(name)))
	if err != nil {
		return fmt.Errorf("failed to drop database %s on %s: %w", name, srv.ID, err)
	}
	return nil
}

// ApplySchema applies the base tenant schema. The schema file is written
// entirely in IF NOT EXISTS terms, so re-applying it converges.
func (a *PGAdmin) ApplySchema(ctx context.Context, srv *Server, name string) error {
	db, err := a.open(ctx, srv, name)
	if err != nil {
		return err
	}
	defer func() { _ = db.Close() }()

	if _, err := db.ExecContext(ctx, tenantSchema); err != nil {
		return fmt.Errorf("failed to apply schema to %s on %s: %w", name, srv.ID, err)
	}
	return nil
}

// SeedAdminUser inserts the tenant's administrator account. ON CONFLICT keeps
// a re-run from clobbering a credential the tenant may already have changed;
// the returned bool is true only when this call created the account.
func (a *PGAdmin) SeedAdminUser(ctx context.Context, srv *Server, name, email, passwordHash string) (bool, error) {
	db, err := a.open(ctx, srv, name)
	if err != nil {
		return false, err
	}
	defer func() { _ = db.Close() }()

	res, err := db.ExecContext(ctx, `
		INSERT INTO users (email, password_hash, role, created_at)
		VALUES ($1, $2, 'admin', NOW())
		ON CONFLICT (email) DO NOTHING`,
		email, passwordHash,
	)
	if err != nil {
		return false, fmt.Errorf("failed to seed admin user in %s on %s: %w", name, srv.ID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to seed admin user in %s on %s: %w", name, srv.ID, err)
	}
	return n > 0, nil
}

func (a *PGAdmin) open(ctx context.Context, srv *Server, dbName string) (*sql.DB, error) {
	dsn := fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=disable&connect_timeout=%d",
		url.QueryEscape(srv.DBUser), url.QueryEscape(srv.DBPassword),
		srv.DBHost, srv.DBPort, dbName, int(a.connTimeout.Seconds()))

	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open engine on %s: %w", srv.ID, err)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to reach engine on %s: %w", srv.ID, err)
	}
	return db, nil
}

var _ DBAdmin = (*PGAdmin)(nil)
