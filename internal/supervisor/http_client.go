package supervisor

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/perchplatform/perch/internal/metrics"
	"github.com/perchplatform/perch/internal/retry"
)

// HTTPClient is the production Client. Each fleet server runs one agent;
// calls are bounded by the client timeout and transient failures are retried
// with backoff. A 4xx from the agent is a definitive rejection and is never
// retried.
type HTTPClient struct {
	client *http.Client
	token  string
	logger *slog.Logger

	maxAttempts int
	baseDelay   time.Duration
}

// NewHTTPClient creates a supervisor client authenticating with the shared
// agent token.
func NewHTTPClient(token string, logger *slog.Logger) *HTTPClient {
	return &HTTPClient{
		client:      &http.Client{Timeout: 30 * time.Second},
		token:       token,
		logger:      logger,
		maxAttempts: 3,
		baseDelay:   500 * time.Millisecond,
	}
}

func (c *HTTPClient) Start(ctx context.Context, spec StartSpec) error {
	if err := spec.Validate(); err != nil {
		return err
	}
	body, err := json.Marshal(map[string]interface{}{
		"port": spec.Port,
		"env":  spec.Env,
	})
	if err != nil {
		return err
	}
	err = c.do(ctx, spec.AgentURL, "POST", "/processes/"+url.PathEscape(spec.Name)+"/start", body, nil)
	metrics.ObserveSupervisorCall("start", err)
	if err != nil {
		return err
	}
	return nil
}

func (c *HTTPClient) Stop(ctx context.Context, agentURL, name string) error {
	err := c.do(ctx, agentURL, "POST", "/processes/"+url.PathEscape(name)+"/stop", nil, nil)
	metrics.ObserveSupervisorCall("stop", err)
	if isUnknownInstance(err) {
		// Authoritative state lives on the tenant row; the agent not knowing
		// the instance just means there is nothing to stop.
		c.logger.Warn("stop of unknown instance ignored", "instance", name, "agent", agentURL)
		return nil
	}
	return err
}

func (c *HTTPClient) Restart(ctx context.Context, agentURL, name string) error {
	err := c.do(ctx, agentURL, "POST", "/processes/"+url.PathEscape(name)+"/restart", nil, nil)
	metrics.ObserveSupervisorCall("restart", err)
	if isUnknownInstance(err) {
		c.logger.Warn("restart of unknown instance ignored", "instance", name, "agent", agentURL)
		return nil
	}
	return err
}

func (c *HTTPClient) TailLogs(ctx context.Context, agentURL, name string, lines int) (string, error) {
	if lines <= 0 {
		lines = 100
	}
	var out struct {
		Lines string `json:"lines"`
	}
	err := c.do(ctx, agentURL, "GET",
		"/processes/"+url.PathEscape(name)+"/logs?lines="+strconv.Itoa(lines), nil, &out)
	metrics.ObserveSupervisorCall("logs", err)
	if err != nil {
		return "", err
	}
	return out.Lines, nil
}

// statusError distinguishes agent rejections from transport failures.
type statusError struct {
	code int
	body string
}

func (e *statusError) Error() string {
	return fmt.Sprintf("supervisor: agent returned %d: %s", e.code, e.body)
}

func isUnknownInstance(err error) bool {
	var se *statusError
	return errors.As(err, &se) && se.code == http.StatusNotFound
}

func (c *HTTPClient) do(ctx context.Context, base, method, path string, body []byte, out interface{}) error {
	return retry.Do(ctx, c.maxAttempts, c.baseDelay, func() error {
		req, err := http.NewRequestWithContext(ctx, method, base+path, bytes.NewReader(body))
		if err != nil {
			return retry.Permanent(err)
		}
		if body != nil {
			req.Header.Set("Content-Type", "application/json")
		}
		if c.token != "" {
			req.Header.Set("Authorization", "Bearer "+c.token)
		}

		resp, err := c.client.Do(req)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrAgentUnreachable, err)
		}
		defer func() { _ = resp.Body.Close() }()

		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
		if resp.StatusCode >= 500 {
			return &statusError{code: resp.StatusCode, body: string(raw)}
		}
		if resp.StatusCode >= 400 {
			// Definitive rejection: do not retry.
			return retry.Permanent(&statusError{code: resp.StatusCode, body: string(raw)})
		}
		if out != nil {
			if err := json.Unmarshal(raw, out); err != nil {
				return retry.Permanent(fmt.Errorf("supervisor: bad agent response: %w", err))
			}
		}
		return nil
	})
}

var _ Client = (*HTTPClient)(nil)
