package provider

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/llmcopilot/orchestrator/internal/retry"
	"go.uber.org/zap"
)

// Router manages multiple invokers and routes per-agent requests with
// bounded retry, a per-provider circuit breaker, and fallback chains.
type Router struct {
	invokers  map[string]Invoker
	breakers  map[string]*Breaker
	bindings  map[string]string   // agentID -> providerID
	fallbacks map[string][]string // agentID -> fallback provider chain
	defaults  string              // default provider ID
	policy    retry.Policy
	mu        sync.RWMutex
	logger    *zap.Logger
}

// NewRouter creates an empty router with the default retry policy.
func NewRouter(logger *zap.Logger) *Router {
	return &Router{
		invokers:  make(map[string]Invoker),
		breakers:  make(map[string]*Breaker),
		bindings:  make(map[string]string),
		fallbacks: make(map[string][]string),
		policy:    retry.DefaultPolicy(),
		logger:    logger,
	}
}

// SetRetryPolicy replaces the per-call retry policy.
func (r *Router) SetRetryPolicy(p retry.Policy) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.policy = p
}

// Register adds an invoker. The first registered becomes the default.
func (r *Router) Register(p Invoker) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.invokers[p.ID()] = p
	r.breakers[p.ID()] = NewBreaker(5, 30*time.Second)
	if r.defaults == "" {
		r.defaults = p.ID()
	}
	r.logger.Info("registered provider", zap.String("id", p.ID()), zap.String("name", p.Name()))
}

// SetDefault sets the default provider.
func (r *Router) SetDefault(providerID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.defaults = providerID
}

// Bind associates an agent with a specific provider.
func (r *Router) Bind(agentID, providerID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.bindings[agentID] = providerID
}

// SetFallbacks configures fallback providers for an agent.
func (r *Router) SetFallbacks(agentID string, providerIDs []string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.fallbacks[agentID] = providerIDs
}

// Invoke sends a model request for an agent through its bound provider,
// falling back down the agent's chain when the primary fails.
func (r *Router) Invoke(ctx context.Context, agentID string, req *InvokeRequest) (*InvokeResponse, error) {
	r.mu.RLock()
	primary := r.getInvoker(agentID)
	chain := r.fallbacks[agentID]
	policy := r.policy
	r.mu.RUnlock()

	if primary == nil {
		return nil, fmt.Errorf("no provider available for agent %s", agentID)
	}

	resp, err := r.call(ctx, policy, primary, req)
	if err == nil {
		return resp, nil
	}
	r.logger.Warn("primary provider failed, trying fallbacks",
		zap.String("agent", agentID), zap.Error(err))

	for _, fbID := range chain {
		r.mu.RLock()
		fb, ok := r.invokers[fbID]
		r.mu.RUnlock()
		if !ok {
			continue
		}
		resp, err = r.call(ctx, policy, fb, req)
		if err == nil {
			return resp, nil
		}
		r.logger.Warn("fallback provider failed", zap.String("provider", fbID), zap.Error(err))
	}

	return nil, fmt.Errorf("all providers failed for agent %s: %w", agentID, err)
}

// call runs one provider behind its breaker and the retry policy.
func (r *Router) call(ctx context.Context, policy retry.Policy, p Invoker, req *InvokeRequest) (*InvokeResponse, error) {
	r.mu.RLock()
	breaker := r.breakers[p.ID()]
	r.mu.RUnlock()

	var resp *InvokeResponse
	err := policy.Do(ctx, func() error {
		if breaker != nil && !breaker.Allow() {
			return retry.Abort(ErrBreakerOpen)
		}
		var callErr error
		resp, callErr = p.Invoke(ctx, req)
		if breaker != nil {
			breaker.Record(callErr)
		}
		if callErr != nil && !Retryable(callErr) {
			return retry.Abort(callErr)
		}
		return callErr
	})
	if err != nil {
		return nil, err
	}
	return resp, nil
}

func (r *Router) getInvoker(agentID string) Invoker {
	if pid, ok := r.bindings[agentID]; ok {
		if p, ok := r.invokers[pid]; ok {
			return p
		}
	}
	if p, ok := r.invokers[r.defaults]; ok {
		return p
	}
	return nil
}

// Get returns an invoker by ID.
func (r *Router) Get(id string) (Invoker, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.invokers[id]
	return p, ok
}

// List returns all registered invokers.
func (r *Router) List() []Invoker {
	r.mu.RLock()
	defer r.mu.RUnlock()
	result := make([]Invoker, 0, len(r.invokers))
	for _, p := range r.invokers {
		result = append(result, p)
	}
	return result
}
