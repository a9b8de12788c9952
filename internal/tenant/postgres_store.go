package tenant

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/perchplatform/perch/internal/pagination"
)

const tenantColumns = `id, name, slug, email, plan, server_id, assigned_port, db_name,
	commercial_status, process_status, status_reason, trial_ends_at,
	custom_domain, custom_domain_live, stripe_customer_id, created_at, updated_at`

// PostgresStore persists tenants in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed tenant store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (p *PostgresStore) Create(ctx context.Context, t *Tenant) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO tenants (`+tenantColumns+`)
		VALUES ($1, $2, $3, $4, $5, NULLIF($6, ''), NULLIF($7, 0), NULLIF($8, ''),
			$9, $10, $11, $12, NULLIF($13, ''), $14, NULLIF($15, ''), $16, $17)`,
		t.ID, t.Name, t.Slug, t.Email, string(t.Plan), t.ServerID, t.AssignedPort, t.DBName,
		string(t.CommercialStatus), string(t.ProcessStatus), t.StatusReason, t.TrialEndsAt,
		t.CustomDomain, t.CustomDomainLive, t.StripeCustomerID, t.CreatedAt, t.UpdatedAt,
	)
	if err != nil {
		if pqErr, ok := err.(*pq.Error); ok && pqErr.Code == "23505" {
			return ErrSlugTaken
		}
		return fmt.Errorf("failed to create tenant: %w", err)
	}
	return nil
}

func (p *PostgresStore) Get(ctx context.Context, id string) (*Tenant, error) {
	return scanTenant(p.db.QueryRowContext(ctx,
		`SELECT `+tenantColumns+` FROM tenants WHERE id = $1`, id))
}

func (p *PostgresStore) GetBySlug(ctx context.Context, slug string) (*Tenant, error) {
	return scanTenant(p.db.QueryRowContext(ctx,
		`SELECT `+tenantColumns+` FROM tenants WHERE slug = $1`, slug))
}

func (p *PostgresStore) GetByStripeCustomer(ctx context.Context, customerID string) (*Tenant, error) {
	return scanTenant(p.db.QueryRowContext(ctx,
		`SELECT `+tenantColumns+` FROM tenants WHERE stripe_customer_id = $1`, customerID))
}

func (p *PostgresStore) List(ctx context.Context, f Filter) ([]*Tenant, error) {
	query := `SELECT ` + tenantColumns + ` FROM tenants WHERE 1=1`
	args := []interface{}{}

	if f.CommercialStatus != "" {
		args = append(args, string(f.CommercialStatus))
		query += fmt.Sprintf(" AND commercial_status = $%d", len(args))
	}
	if f.ProcessStatus != "" {
		args = append(args, string(f.ProcessStatus))
		query += fmt.Sprintf(" AND process_status = $%d", len(args))
	}

	cur, err := pagination.Decode(f.Cursor)
	if err != nil {
		return nil, err
	}
	if cur != nil {
		args = append(args, cur.CreatedAt, cur.ID)
		query += fmt.Sprintf(" AND (created_at, id) < ($%d, $%d)", len(args)-1, len(args))
	}

	query += " ORDER BY created_at DESC, id DESC"
	if f.Limit > 0 {
		args = append(args, f.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}

	return p.queryTenants(ctx, query, args...)
}

func (p *PostgresStore) Update(ctx context.Context, t *Tenant) error {
	result, err := p.db.ExecContext(ctx, `
		UPDATE tenants SET name = $1, email = $2, plan = $3, server_id = NULLIF($4, ''),
			assigned_port = NULLIF($5, 0), db_name = NULLIF($6, ''),
			commercial_status = $7, process_status = $8, status_reason = $9,
			trial_ends_at = $10, custom_domain = NULLIF($11, ''), custom_domain_live = $12,
			stripe_customer_id = NULLIF($13, ''), updated_at = $14
		WHERE id = $15`,
		t.Name, t.Email, string(t.Plan), t.ServerID, t.AssignedPort, t.DBName,
		string(t.CommercialStatus), string(t.ProcessStatus), t.StatusReason,
		t.TrialEndsAt, t.CustomDomain, t.CustomDomainLive, t.StripeCustomerID,
		time.Now(), t.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to update tenant: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrTenantNotFound
	}
	return nil
}

func (p *PostgresStore) Delete(ctx context.Context, id string) error {
	result, err := p.db.ExecContext(ctx, `DELETE FROM tenants WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("failed to delete tenant: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrTenantNotFound
	}
	return nil
}

func (p *PostgresStore) CountByServer(ctx context.Context, serverID string) (int, error) {
	var n int
	err := p.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM tenants
		WHERE server_id = $1 AND commercial_status != 'cancelled'`, serverID).Scan(&n)
	return n, err
}

func (p *PostgresStore) CountByStatus(ctx context.Context) (map[string]int, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT commercial_status, COUNT(*) FROM tenants
		GROUP BY commercial_status`)
	if err != nil {
		return nil, fmt.Errorf("failed to count tenants by status: %w", err)
	}
	defer func() { _ = rows.Close() }()

	counts := emptyStatusCounts()
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		counts[status] = n
	}
	return counts, rows.Err()
}

func (p *PostgresStore) ListStuckProvisioning(ctx context.Context, updatedBefore time.Time, limit int) ([]*Tenant, error) {
	return p.queryTenants(ctx, `
		SELECT `+tenantColumns+` FROM tenants
		WHERE process_status = 'provisioning' AND updated_at < $1
		ORDER BY updated_at
		LIMIT $2`, updatedBefore, limit)
}

func (p *PostgresStore) ListExpiredTrials(ctx context.Context, now time.Time, limit int) ([]*Tenant, error) {
	return p.queryTenants(ctx, `
		SELECT `+tenantColumns+` FROM tenants
		WHERE commercial_status = 'trial' AND trial_ends_at < $1
		ORDER BY trial_ends_at
		LIMIT $2`, now, limit)
}

func (p *PostgresStore) queryTenants(ctx context.Context, query string, args ...interface{}) ([]*Tenant, error) {
	rows, err := p.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query tenants: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var tenants []*Tenant
	for rows.Next() {
		t, err := scanTenantRow(rows)
		if err != nil {
			return nil, err
		}
		tenants = append(tenants, t)
	}
	return tenants, rows.Err()
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanTenant(row *sql.Row) (*Tenant, error) {
	t, err := scanTenantRow(row)
	if err == sql.ErrNoRows {
		return nil, ErrTenantNotFound
	}
	return t, err
}

func scanTenantRow(row rowScanner) (*Tenant, error) {
	t := &Tenant{}
	var (
		plan, commercial, process      string
		serverID, dbName, customDomain sql.NullString
		stripeCustomer, statusReason   sql.NullString
		assignedPort                   sql.NullInt64
	)
	err := row.Scan(&t.ID, &t.Name, &t.Slug, &t.Email, &plan, &serverID, &assignedPort,
		&dbName, &commercial, &process, &statusReason, &t.TrialEndsAt,
		&customDomain, &t.CustomDomainLive, &stripeCustomer, &t.CreatedAt, &t.UpdatedAt)
	if err != nil {
		return nil, err
	}
	t.Plan = Plan(plan)
	t.CommercialStatus = CommercialStatus(commercial)
	t.ProcessStatus = ProcessStatus(process)
	t.ServerID = serverID.String
	t.DBName = dbName.String
	t.CustomDomain = customDomain.String
	t.StripeCustomerID = stripeCustomer.String
	t.StatusReason = statusReason.String
	t.AssignedPort = int(assignedPort.Int64)
	return t, nil
}

var _ Store = (*PostgresStore)(nil)
