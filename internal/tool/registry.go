package tool

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/llmcopilot/orchestrator/internal/provider"
	"golang.org/x/time/rate"
)

// Executor is the tool execution contract consumed by the agent executor.
// Sandboxing is the service's concern; the core only sees results.
type Executor interface {
	// Specs returns the tool specs for the given allowlist, in allowlist order.
	Specs(allowlist []string) []provider.Tool
	// Execute runs one tool call, enforcing the tool's own policy.
	Execute(ctx context.Context, toolID, args string, inv Invocation) (string, error)
}

// Invocation carries the caller identity for permission checks.
type Invocation struct {
	AgentID     string
	ExecutionID string
}

var (
	ErrUnknownTool = errors.New("tool: unknown tool")
	ErrDenied      = errors.New("tool: agent not permitted")
	ErrRateLimited = errors.New("tool: rate limited")
)

// Handler executes a tool call and returns the result as a string.
type Handler func(ctx context.Context, args string) (string, error)

// Policy is a tool's own permission and rate-limit policy.
type Policy struct {
	// AllowedAgents restricts callers; empty means any agent.
	AllowedAgents []string
	// RatePerSecond limits calls; zero means unlimited.
	RatePerSecond float64
	Burst         int
}

type entry struct {
	def     provider.Tool
	handler Handler
	policy  Policy
	limiter *rate.Limiter
}

// Registry is an in-process Executor implementation.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]*entry
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{entries: make(map[string]*entry)}
}

// Register adds a tool definition, its handler, and its policy.
func (r *Registry) Register(def provider.Tool, handler Handler, policy Policy) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e := &entry{def: def, handler: handler, policy: policy}
	if policy.RatePerSecond > 0 {
		burst := policy.Burst
		if burst <= 0 {
			burst = 1
		}
		e.limiter = rate.NewLimiter(rate.Limit(policy.RatePerSecond), burst)
	}
	r.entries[def.Function.Name] = e
}

// Specs returns tool specs for the names in allowlist. Unknown names are
// skipped so a stale allowlist does not break the model call.
func (r *Registry) Specs(allowlist []string) []provider.Tool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	specs := make([]provider.Tool, 0, len(allowlist))
	for _, name := range allowlist {
		if e, ok := r.entries[name]; ok {
			specs = append(specs, e.def)
		}
	}
	return specs
}

// Execute runs a tool by name after its permission and rate-limit checks.
func (r *Registry) Execute(ctx context.Context, toolID, args string, inv Invocation) (string, error) {
	r.mu.RLock()
	e, ok := r.entries[toolID]
	r.mu.RUnlock()

	if !ok {
		return "", fmt.Errorf("%w: %s", ErrUnknownTool, toolID)
	}
	if !e.permitted(inv.AgentID) {
		return "", fmt.Errorf("%w: %s may not call %s", ErrDenied, inv.AgentID, toolID)
	}
	if e.limiter != nil && !e.limiter.Allow() {
		return "", fmt.Errorf("%w: %s", ErrRateLimited, toolID)
	}
	return e.handler(ctx, args)
}

func (e *entry) permitted(agentID string) bool {
	if len(e.policy.AllowedAgents) == 0 {
		return true
	}
	for _, id := range e.policy.AllowedAgents {
		if id == agentID {
			return true
		}
	}
	return false
}
