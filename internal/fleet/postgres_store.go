package fleet

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/lib/pq"
)

// PostgresStore persists the fleet in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed fleet store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (p *PostgresStore) CreateServer(ctx context.Context, s *Server) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO servers (id, name, address, agent_url, db_host, db_port, db_user, db_password,
			is_primary, is_active, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $11)`,
		s.ID, s.Name, s.Address, s.AgentURL, s.DBHost, s.DBPort, s.DBUser, s.DBPassword,
		s.IsPrimary, s.IsActive, time.Now(),
	)
	if err != nil {
		return fmt.Errorf("failed to create server: %w", err)
	}
	return nil
}

func (p *PostgresStore) GetServer(ctx context.Context, id string) (*Server, error) {
	return scanServer(p.db.QueryRowContext(ctx, `
		SELECT id, name, address, agent_url, db_host, db_port, db_user, db_password,
			is_primary, is_active, created_at, updated_at
		FROM servers WHERE id = $1`, id))
}

func (p *PostgresStore) ListServers(ctx context.Context, activeOnly bool) ([]*Server, error) {
	query := `
		SELECT id, name, address, agent_url, db_host, db_port, db_user, db_password,
			is_primary, is_active, created_at, updated_at
		FROM servers`
	if activeOnly {
		query += ` WHERE is_active = TRUE`
	}
	query += ` ORDER BY id`

	rows, err := p.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to list servers: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var servers []*Server
	for rows.Next() {
		s := &Server{}
		if err := rows.Scan(&s.ID, &s.Name, &s.Address, &s.AgentURL,
			&s.DBHost, &s.DBPort, &s.DBUser, &s.DBPassword,
			&s.IsPrimary, &s.IsActive, &s.CreatedAt, &s.UpdatedAt); err != nil {
			return nil, err
		}
		servers = append(servers, s)
	}
	return servers, rows.Err()
}

func (p *PostgresStore) UpdateServer(ctx context.Context, s *Server) error {
	result, err := p.db.ExecContext(ctx, `
		UPDATE servers SET name = $1, address = $2, agent_url = $3, db_host = $4, db_port = $5,
			db_user = $6, db_password = $7, is_primary = $8, is_active = $9, updated_at = NOW()
		WHERE id = $10`,
		s.Name, s.Address, s.AgentURL, s.DBHost, s.DBPort, s.DBUser, s.DBPassword,
		s.IsPrimary, s.IsActive, s.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to update server: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrServerNotFound
	}
	return nil
}

func (p *PostgresStore) SeedPorts(ctx context.Context, ports []int) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO port_slots (port)
		SELECT unnest($1::int[])
		ON CONFLICT (port) DO NOTHING`,
		pq.Array(ports),
	)
	if err != nil {
		return fmt.Errorf("failed to seed ports: %w", err)
	}
	return nil
}

// AllocatePort claims the lowest free slot in a single transaction.
// FOR UPDATE SKIP LOCKED makes concurrent callers claim distinct rows instead
// of blocking on (and then double-reading) the same one.
func (p *PostgresStore) AllocatePort(ctx context.Context, tenantID string) (int, error) {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to begin allocation: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var port int
	err = tx.QueryRowContext(ctx,
		`SELECT port FROM port_slots WHERE tenant_id = $1`, tenantID).Scan(&port)
	if err == nil {
		return port, tx.Commit()
	}
	if err != sql.ErrNoRows {
		return 0, fmt.Errorf("failed to check existing binding: %w", err)
	}

	err = tx.QueryRowContext(ctx, `
		UPDATE port_slots SET tenant_id = $1, updated_at = NOW()
		WHERE port = (
			SELECT port FROM port_slots
			WHERE tenant_id IS NULL
			ORDER BY port
			LIMIT 1
			FOR UPDATE SKIP LOCKED
		)
		RETURNING port`, tenantID).Scan(&port)
	if err == sql.ErrNoRows {
		return 0, ErrPortsExhausted
	}
	if err != nil {
		return 0, fmt.Errorf("failed to claim port: %w", err)
	}
	return port, tx.Commit()
}

func (p *PostgresStore) ReleasePort(ctx context.Context, tenantID string) error {
	_, err := p.db.ExecContext(ctx, `
		UPDATE port_slots SET tenant_id = NULL, updated_at = NOW()
		WHERE tenant_id = $1`, tenantID)
	if err != nil {
		return fmt.Errorf("failed to release port: %w", err)
	}
	return nil
}

func (p *PostgresStore) PortFor(ctx context.Context, tenantID string) (int, error) {
	var port int
	err := p.db.QueryRowContext(ctx,
		`SELECT port FROM port_slots WHERE tenant_id = $1`, tenantID).Scan(&port)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return port, nil
}

func (p *PostgresStore) PortsInUse(ctx context.Context) (int, error) {
	var n int
	err := p.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM port_slots WHERE tenant_id IS NOT NULL`).Scan(&n)
	return n, err
}

func scanServer(row *sql.Row) (*Server, error) {
	s := &Server{}
	err := row.Scan(&s.ID, &s.Name, &s.Address, &s.AgentURL,
		&s.DBHost, &s.DBPort, &s.DBUser, &s.DBPassword,
		&s.IsPrimary, &s.IsActive, &s.CreatedAt, &s.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrServerNotFound
	}
	if err != nil {
		return nil, err
	}
	return s, nil
}

var _ Store = (*PostgresStore)(nil)
