package routing

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/perchplatform/perch/internal/metrics"
	"github.com/perchplatform/perch/internal/retry"
)

// Config for the routing provider.
type Config struct {
	APIURL       string // provider API base URL
	APIToken     string
	BaseDomain   string // platform domain tenant subdomains live under
	Distribution string // shared front-end distribution ID
}

// HTTPClient is the production routing Client.
type HTTPClient struct {
	cfg    Config
	client *http.Client
	logger *slog.Logger

	maxAttempts int
	baseDelay   time.Duration
}

// NewHTTPClient creates a routing client for the configured provider.
func NewHTTPClient(cfg Config, logger *slog.Logger) *HTTPClient {
	return &HTTPClient{
		cfg:         cfg,
		client:      &http.Client{Timeout: 20 * time.Second},
		logger:      logger,
		maxAttempts: 3,
		baseDelay:   500 * time.Millisecond,
	}
}

func (c *HTTPClient) Attach(ctx context.Context, req AttachRequest) (*AttachResult, error) {
	apiHost, appHost := Hostnames(req.Slug, c.cfg.BaseDomain)
	result := &AttachResult{}

	// API subdomain: CNAME to the owning server, origin registered with the
	// instance port so edge routing can reach the process.
	entry := Entry{Hostname: apiHost, Kind: KindAPI}
	if err := c.createRecord(ctx, apiHost, req.ServerAddress); err != nil {
		entry.Error = err.Error()
	} else {
		entry.RecordCreated = true
		if err := c.registerOrigin(ctx, apiHost, req.ServerAddress, req.Port); err != nil {
			entry.Error = err.Error()
		} else {
			entry.DistributionUpdated = true
		}
	}
	result.Entries = append(result.Entries, entry)

	// App subdomain: CNAME to the shared distribution plus hostname
	// registration on the distribution itself.
	result.Entries = append(result.Entries, c.attachToDistribution(ctx, appHost, KindApp))

	if req.CustomDomain != "" {
		result.Entries = append(result.Entries, c.attachToDistribution(ctx, req.CustomDomain, KindCustom))
	}

	for _, e := range result.Entries {
		if e.Error != "" {
			result.Failed = true
		}
	}
	metrics.ObserveRoutingAttach(!result.Failed)
	if result.Failed {
		return result, fmt.Errorf("%w: %s", ErrPartialAttach, describeFailures(result))
	}
	return result, nil
}

func (c *HTTPClient) attachToDistribution(ctx context.Context, hostname string, kind Kind) Entry {
	entry := Entry{Hostname: hostname, Kind: kind}

	// Custom domains are CNAMEd by the customer on their side; we only
	// create records under our own base domain.
	if kind != KindCustom {
		if err := c.createRecord(ctx, hostname, c.distributionTarget()); err != nil {
			entry.Error = err.Error()
			return entry
		}
		entry.RecordCreated = true
	}

	if err := c.registerHostname(ctx, hostname); err != nil {
		entry.Error = err.Error()
		return entry
	}
	entry.DistributionUpdated = true
	return entry
}

func (c *HTTPClient) Detach(ctx context.Context, slug, customDomain string) error {
	apiHost, appHost := Hostnames(slug, c.cfg.BaseDomain)

	var firstErr error
	for _, host := range []string{apiHost, appHost} {
		if err := c.deleteRecord(ctx, host); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	for _, host := range []string{apiHost, appHost, customDomain} {
		if host == "" {
			continue
		}
		if err := c.deregisterHostname(ctx, host); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (c *HTTPClient) distributionTarget() string {
	return c.cfg.Distribution + ".edge." + c.cfg.BaseDomain
}

func (c *HTTPClient) createRecord(ctx context.Context, name, content string) error {
	body, _ := json.Marshal(map[string]string{
		"type":    "CNAME",
		"name":    name,
		"content": content,
	})
	return c.do(ctx, "POST", "/records", body, true)
}

func (c *HTTPClient) deleteRecord(ctx context.Context, name string) error {
	return c.do(ctx, "DELETE", "/records/"+url.PathEscape(name), nil, true)
}

func (c *HTTPClient) registerOrigin(ctx context.Context, hostname, address string, port int) error {
	body, _ := json.Marshal(map[string]interface{}{
		"hostname": hostname,
		"address":  address,
		"port":     port,
	})
	return c.do(ctx, "POST", "/distributions/"+url.PathEscape(c.cfg.Distribution)+"/origins", body, true)
}

func (c *HTTPClient) registerHostname(ctx context.Context, hostname string) error {
	body, _ := json.Marshal(map[string]string{"hostname": hostname})
	return c.do(ctx, "POST", "/distributions/"+url.PathEscape(c.cfg.Distribution)+"/hostnames", body, true)
}

func (c *HTTPClient) deregisterHostname(ctx context.Context, hostname string) error {
	return c.do(ctx, "DELETE",
		"/distributions/"+url.PathEscape(c.cfg.Distribution)+"/hostnames/"+url.PathEscape(hostname), nil, true)
}

// do issues one provider call with retries. When tolerateConflict is set a
// 409 (record already exists) or 404 (already gone) counts as success, which
// keeps re-runs idempotent.
func (c *HTTPClient) do(ctx context.Context, method, path string, body []byte, tolerateConflict bool) error {
	return retry.Do(ctx, c.maxAttempts, c.baseDelay, func() error {
		req, err := http.NewRequestWithContext(ctx, method, c.cfg.APIURL+path, bytes.NewReader(body))
		if err != nil {
			return retry.Permanent(err)
		}
		if body != nil {
			req.Header.Set("Content-Type", "application/json")
		}
		req.Header.Set("Authorization", "Bearer "+c.cfg.APIToken)

		resp, err := c.client.Do(req)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrProviderUnreachable, err)
		}
		defer func() { _ = resp.Body.Close() }()
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 16<<10))

		switch {
		case resp.StatusCode < 300:
			return nil
		case tolerateConflict && (resp.StatusCode == http.StatusConflict || resp.StatusCode == http.StatusNotFound):
			return nil
		case resp.StatusCode >= 500:
			return fmt.Errorf("routing: provider returned %d: %s", resp.StatusCode, raw)
		default:
			return retry.Permanent(fmt.Errorf("routing: provider rejected %s %s: %d %s",
				method, path, resp.StatusCode, raw))
		}
	})
}

func describeFailures(r *AttachResult) string {
	var parts []string
	for _, e := range r.Entries {
		if e.Error != "" {
			parts = append(parts, e.Hostname)
		}
	}
	return strings.Join(parts, ", ")
}

var _ Client = (*HTTPClient)(nil)
