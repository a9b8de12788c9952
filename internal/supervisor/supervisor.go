// Package supervisor talks to the process-supervisor agent running on each
// fleet server. The agent owns the actual OS processes; the tenant record
// stays the authoritative state, so stop/restart of an instance the agent
// does not know about degrades to a warning no-op instead of an error.
package supervisor

import (
	"context"
	"errors"
	"fmt"
)

// Errors
var (
	ErrAgentUnreachable = errors.New("supervisor: agent unreachable")
	ErrStartRejected    = errors.New("supervisor: start rejected")
)

// StartSpec describes the process to launch for a tenant instance.
type StartSpec struct {
	AgentURL string            // the owning server's agent
	Name     string            // stable instance name (from the tenant slug)
	Port     int               // listen port the instance is bound to
	Env      map[string]string // DATABASE_URL and friends
}

// Client starts, stops and inspects tenant processes.
type Client interface {
	Start(ctx context.Context, spec StartSpec) error
	Stop(ctx context.Context, agentURL, name string) error
	Restart(ctx context.Context, agentURL, name string) error
	TailLogs(ctx context.Context, agentURL, name string, lines int) (string, error)
}

// Validate checks a StartSpec before it is sent to an agent.
func (s StartSpec) Validate() error {
	if s.AgentURL == "" {
		return fmt.Errorf("%w: missing agent URL", ErrStartRejected)
	}
	if s.Name == "" {
		return fmt.Errorf("%w: missing instance name", ErrStartRejected)
	}
	if s.Port <= 0 {
		return fmt.Errorf("%w: missing port", ErrStartRejected)
	}
	return nil
}
