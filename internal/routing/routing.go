// Package routing manages DNS records and edge-distribution hostnames for
// tenant subdomains.
//
// Attachment is best-effort from the pipeline's point of view: each sub-step
// (DNS record, distribution hostname) is independently retryable and a
// partial success is reported per entry so an operator can finish the rest
// manually.
package routing

import (
	"context"
	"errors"
	"fmt"
)

// Errors
var (
	ErrProviderUnreachable = errors.New("routing: provider unreachable")
	ErrPartialAttach       = errors.New("routing: some entries failed to attach")
)

// Kind identifies what a hostname entry routes to.
type Kind string

const (
	KindAPI    Kind = "api"    // tenant API, routed to the instance port
	KindApp    Kind = "app"    // application UI, served by the shared distribution
	KindCustom Kind = "custom" // customer-owned domain on the distribution
)

// AttachRequest describes the hostnames to bring online for a tenant.
type AttachRequest struct {
	Slug          string
	ServerAddress string // origin for API traffic
	Port          int    // instance port for API traffic
	CustomDomain  string // optional
}

// Entry is the outcome of one hostname attachment.
type Entry struct {
	Hostname            string `json:"hostname"`
	Kind                Kind   `json:"kind"`
	RecordCreated       bool   `json:"recordCreated"`
	DistributionUpdated bool   `json:"distributionUpdated"`
	Error               string `json:"error,omitempty"`
}

// AttachResult reports per-entry outcomes. Failed is true when at least one
// sub-step did not complete.
type AttachResult struct {
	Entries []Entry `json:"entries"`
	Failed  bool    `json:"failed"`
}

// Client creates and removes routing entries.
type Client interface {
	// Attach brings the tenant's hostnames online. The result is always
	// populated; err wraps ErrPartialAttach when any entry failed.
	Attach(ctx context.Context, req AttachRequest) (*AttachResult, error)
	// Detach removes the tenant's records. Missing records are not an error.
	Detach(ctx context.Context, slug, customDomain string) error
}

// Hostnames derives the tenant's subdomains under the platform base domain.
func Hostnames(slug, baseDomain string) (api, app string) {
	return fmt.Sprintf("%s-api.%s", slug, baseDomain), fmt.Sprintf("%s.%s", slug, baseDomain)
}
