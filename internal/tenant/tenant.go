// Package tenant holds the tenant record: one customer's isolated instance
// with its own database, process, and subdomains.
//
// Status fields are only ever mutated through lifecycle.Manager and the
// provisioning runner; nothing else writes to a tenant row.
package tenant

import (
	"errors"
	"time"
)

// Errors
var (
	ErrTenantNotFound = errors.New("tenant: not found")
	ErrSlugTaken      = errors.New("tenant: slug already taken")
)

// CommercialStatus is the billing-facing lifecycle of a tenant.
type CommercialStatus string

const (
	StatusTrial     CommercialStatus = "trial"
	StatusActive    CommercialStatus = "active"
	StatusSuspended CommercialStatus = "suspended"
	StatusCancelled CommercialStatus = "cancelled"
)

// ProcessStatus is the operational lifecycle of the tenant's instance.
type ProcessStatus string

const (
	ProcessProvisioning ProcessStatus = "provisioning"
	ProcessRunning      ProcessStatus = "running"
	ProcessStopped      ProcessStatus = "stopped"
	ProcessError        ProcessStatus = "error"
)

// Tenant is one customer's instance. Slug is immutable identity: it derives
// the database name, the process name, and the subdomains. AssignedPort and
// DBName are set at most once and never change afterwards.
type Tenant struct {
	ID               string           `json:"id"`
	Name             string           `json:"name"`
	Slug             string           `json:"slug"`
	Email            string           `json:"email"`
	Plan             Plan             `json:"plan"`
	ServerID         string           `json:"serverId,omitempty"`
	AssignedPort     int              `json:"assignedPort,omitempty"`
	DBName           string           `json:"dbName,omitempty"`
	CommercialStatus CommercialStatus `json:"commercialStatus"`
	ProcessStatus    ProcessStatus    `json:"processStatus"`
	StatusReason     string           `json:"statusReason,omitempty"`
	TrialEndsAt      time.Time        `json:"trialEndsAt"`
	CustomDomain     string           `json:"customDomain,omitempty"`
	CustomDomainLive bool             `json:"customDomainLive,omitempty"`
	StripeCustomerID string           `json:"-"`
	CreatedAt        time.Time        `json:"createdAt"`
	UpdatedAt        time.Time        `json:"updatedAt"`
}

// DatabaseName returns the tenant database name derived from a slug.
func DatabaseName(slug string) string { return "tenant_" + slug }

// InstanceName returns the stable supervisor process name for a slug.
func InstanceName(slug string) string { return "perch-" + slug }

// CanRun reports whether the commercial status permits a running process.
// Suspended and cancelled tenants must never run.
func (t *Tenant) CanRun() bool {
	return t.CommercialStatus == StatusTrial || t.CommercialStatus == StatusActive
}

// ValidCommercialStatus reports whether s is a known commercial status.
func ValidCommercialStatus(s CommercialStatus) bool {
	switch s {
	case StatusTrial, StatusActive, StatusSuspended, StatusCancelled:
		return true
	}
	return false
}

// ValidProcessStatus reports whether s is a known process status.
func ValidProcessStatus(s ProcessStatus) bool {
	switch s {
	case ProcessProvisioning, ProcessRunning, ProcessStopped, ProcessError:
		return true
	}
	return false
}
