// Package fleet tracks the servers and port pool tenant instances run on.
//
// The fleet is the one piece of cluster-wide shared state: every tenant is
// placed on exactly one server and bound to exactly one port. Allocation is
// atomic claim-and-bind so concurrent provisioning can never double-assign.
package fleet

import (
	"errors"
	"fmt"
	"net/url"
	"time"
)

// Errors
var (
	ErrServerNotFound    = errors.New("fleet: server not found")
	ErrServerInactive    = errors.New("fleet: server is not active")
	ErrNoServerAvailable = errors.New("fleet: no active server available")
	ErrPortsExhausted    = errors.New("fleet: no free port available")
)

// Server is a machine in the fleet that hosts tenant processes and their
// databases. Credentials are for the server's own database engine and are
// never exposed through the API.
type Server struct {
	ID         string    `json:"id"`
	Name       string    `json:"name"`
	Address    string    `json:"address"` // host reachable from the control plane
	AgentURL   string    `json:"agentUrl"`
	DBHost     string    `json:"-"`
	DBPort     int       `json:"-"`
	DBUser     string    `json:"-"`
	DBPassword string    `json:"-"`
	IsPrimary  bool      `json:"isPrimary"`
	IsActive   bool      `json:"isActive"`
	CreatedAt  time.Time `json:"createdAt"`
	UpdatedAt  time.Time `json:"updatedAt"`
}

// TenantDSN builds the connection string a tenant instance uses to reach its
// database on this server.
func (s *Server) TenantDSN(dbName string) string {
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=disable",
		url.QueryEscape(s.DBUser), url.QueryEscape(s.DBPassword),
		s.DBHost, s.DBPort, dbName)
}

// PortSlot is one entry in the pre-populated port pool. A slot is either free
// (TenantID empty) or bound to exactly one tenant.
type PortSlot struct {
	Port      int       `json:"port"`
	TenantID  string    `json:"tenantId,omitempty"`
	UpdatedAt time.Time `json:"updatedAt"`
}
