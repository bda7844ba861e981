package service

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/llmcopilot/orchestrator/internal/agent"
	"github.com/llmcopilot/orchestrator/internal/events"
	"github.com/llmcopilot/orchestrator/internal/team"
)

// ErrNotRunning is returned when cancelling an execution that is not in
// flight.
var ErrNotRunning = errors.New("execution is not running")

// Store is the persistence surface the service needs. *store.Store
// satisfies it.
type Store interface {
	GetAgent(ctx context.Context, id string) (*agent.Agent, error)
	GetTeam(ctx context.Context, id string) (*team.Team, error)
	SaveAgentExecution(ctx context.Context, e *agent.Execution, teamExecutionID string) error
	SaveTeamExecution(ctx context.Context, e *team.Execution) error
	GetTeamExecution(ctx context.Context, id string) (*team.Execution, error)
}

// Service resolves configurations, runs executions, and owns the
// registry of in-flight runs so they can be cancelled by ID.
type Service struct {
	store  Store
	runner team.Runner
	sink   events.Sink
	logger *zap.Logger

	mu      sync.Mutex
	running map[string]*team.Orchestrator
}

// New creates the orchestration service.
func New(store Store, runner team.Runner, sink events.Sink, logger *zap.Logger) *Service {
	if sink == nil {
		sink = events.NopSink{}
	}
	return &Service{
		store:   store,
		runner:  runner,
		sink:    sink,
		logger:  logger.With(zap.String("component", "service")),
		running: make(map[string]*team.Orchestrator),
	}
}

// ExecuteAgent runs a single agent to completion and persists the
// resulting execution.
func (s *Service) ExecuteAgent(ctx context.Context, agentID, input string) (*agent.Execution, error) {
	a, err := s.store.GetAgent(ctx, agentID)
	if err != nil {
		return nil, err
	}

	exec, runErr := s.runner.Execute(ctx, a, input, agent.Snapshot{})
	if exec != nil {
		if err := s.store.SaveAgentExecution(ctx, exec, ""); err != nil {
			s.logger.Error("persist agent execution failed",
				zap.String("execution", exec.ID), zap.Error(err))
		}
		s.publishAgentEvents(exec)
	}
	return exec, runErr
}

// ExecuteTeam runs a team to completion. The execution is registered
// while in flight so CancelExecution can reach it from another
// goroutine, and persisted regardless of outcome.
func (s *Service) ExecuteTeam(ctx context.Context, teamID, input string, opts ...team.Option) (*team.Execution, error) {
	t, err := s.store.GetTeam(ctx, teamID)
	if err != nil {
		return nil, err
	}
	agents, err := s.resolveMembers(ctx, t)
	if err != nil {
		return nil, err
	}

	o := team.New(t, agents, s.runner, append([]team.Option{team.WithLogger(s.logger)}, opts...)...)
	s.register(o)
	defer s.unregister(o.ID())

	s.publish(events.New(events.TypeExecutionStarted, o.ID()).With("team_id", teamID))
	exec, runErr := o.Run(ctx, input)

	if err := s.store.SaveTeamExecution(ctx, exec); err != nil {
		s.logger.Error("persist team execution failed",
			zap.String("execution", exec.ID), zap.Error(err))
	}
	s.publishTeamEvents(exec)
	return exec, runErr
}

// CancelExecution cooperatively stops a running team execution.
func (s *Service) CancelExecution(executionID string) error {
	s.mu.Lock()
	o, ok := s.running[executionID]
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("cancel %s: %w", executionID, ErrNotRunning)
	}
	o.Cancel()
	return nil
}

// GetExecution reloads a persisted team execution.
func (s *Service) GetExecution(ctx context.Context, executionID string) (*team.Execution, error) {
	return s.store.GetTeamExecution(ctx, executionID)
}

func (s *Service) resolveMembers(ctx context.Context, t *team.Team) (map[string]*agent.Agent, error) {
	agents := make(map[string]*agent.Agent, len(t.Members))
	for _, m := range t.Members {
		if _, ok := agents[m.AgentID]; ok {
			continue
		}
		a, err := s.store.GetAgent(ctx, m.AgentID)
		if err != nil {
			return nil, fmt.Errorf("resolve member %s: %w", m.AgentID, err)
		}
		agents[m.AgentID] = a
	}
	// A designated supervisor may sit outside the member list.
	if id := t.PatternConfig.SupervisorAgentID; id != "" {
		if _, ok := agents[id]; !ok {
			a, err := s.store.GetAgent(ctx, id)
			if err != nil {
				return nil, fmt.Errorf("resolve supervisor %s: %w", id, err)
			}
			agents[id] = a
		}
	}
	return agents, nil
}

func (s *Service) register(o *team.Orchestrator) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.running[o.ID()] = o
}

func (s *Service) unregister(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.running, id)
}

// publish fires an event without letting sink trouble fail the run.
func (s *Service) publish(e *events.Event) {
	if err := s.sink.Publish(context.Background(), e); err != nil {
		s.logger.Warn("event publish failed",
			zap.String("type", string(e.Type)), zap.Error(err))
	}
}

func (s *Service) publishAgentEvents(exec *agent.Execution) {
	switch exec.Status {
	case agent.StatusCompleted:
		s.publish(events.New(events.TypeAgentCompleted, exec.ID).With("agent_id", exec.AgentID))
	case agent.StatusFailed:
		e := events.New(events.TypeAgentFailed, exec.ID).With("agent_id", exec.AgentID)
		if exec.Error != nil {
			e.With("code", exec.Error.Code)
		}
		s.publish(e)
	case agent.StatusCancelled:
		s.publish(events.New(events.TypeExecutionCancelled, exec.ID).With("agent_id", exec.AgentID))
	}
}

func (s *Service) publishTeamEvents(exec *team.Execution) {
	// Cross-agent interactions surface from the collaboration log.
	for _, entry := range exec.Log {
		switch entry.Type {
		case team.LogDelegation:
			s.publish(events.New(events.TypeDelegation, exec.ID).
				With("from", entry.FromAgent).With("to", entry.ToAgent))
		case team.LogConsensus:
			s.publish(events.New(events.TypeConsensusReached, exec.ID).
				With("detail", entry.Content))
		}
	}
	if exec.StopReason != "" {
		s.publish(events.New(events.TypeTerminated, exec.ID).
			With("reason", string(exec.StopReason)))
	}

	switch exec.Status {
	case agent.StatusCompleted:
		s.publish(events.New(events.TypeExecutionCompleted, exec.ID).With("team_id", exec.TeamID))
	case agent.StatusFailed:
		e := events.New(events.TypeExecutionFailed, exec.ID).With("team_id", exec.TeamID)
		if exec.Error != nil {
			e.With("code", exec.Error.Code)
		}
		s.publish(e)
	case agent.StatusCancelled:
		s.publish(events.New(events.TypeExecutionCancelled, exec.ID).With("team_id", exec.TeamID))
	}
}
