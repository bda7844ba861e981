package team

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/llmcopilot/orchestrator/internal/agent"
	"go.uber.org/zap"
)

// Runner runs one agent to completion. *agent.Executor implements it.
// The returned execution must be non-nil and either terminal or, when
// the agent delegated, waiting for the orchestrator's handoff.
type Runner interface {
	Execute(ctx context.Context, a *agent.Agent, input string, snap agent.Snapshot) (*agent.Execution, error)
}

// Orchestrator drives exactly one team execution. Instantiate one per
// run; there is no process-wide singleton. All collaborators are
// injected, keeping the core free of global state.
type Orchestrator struct {
	team    *Team
	agents  map[string]*agent.Agent
	runner  Runner
	log     *Recorder
	shared  *sharedContext
	metrics *MetricsAggregator
	equals  EqualsFunc
	clock   func() time.Time
	rng     *rand.Rand
	logger  *zap.Logger

	id         string
	mu         sync.Mutex
	exec       *Execution
	cancelFn   context.CancelFunc
	startedAt  time.Time
	stopReason StopReason
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithClock replaces the authoritative clock used for log timestamps.
func WithClock(clock func() time.Time) Option {
	return func(o *Orchestrator) { o.clock = clock }
}

// WithRand seeds the random tie-break for deterministic tests.
func WithRand(rng *rand.Rand) Option {
	return func(o *Orchestrator) { o.rng = rng }
}

// WithEquals injects an answer-equivalence judge for consensus.
func WithEquals(equals EqualsFunc) Option {
	return func(o *Orchestrator) { o.equals = equals }
}

// WithLogger sets the zap logger.
func WithLogger(logger *zap.Logger) Option {
	return func(o *Orchestrator) { o.logger = logger }
}

// New creates an orchestrator for one run of the given team. agents maps
// every member's AgentID to its resolved configuration.
func New(t *Team, agents map[string]*agent.Agent, runner Runner, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		id:      uuid.New().String(),
		team:    t,
		agents:  agents,
		runner:  runner,
		metrics: NewMetricsAggregator(),
		equals:  DefaultEquals,
		clock:   time.Now,
		logger:  zap.NewNop(),
	}
	for _, opt := range opts {
		opt(o)
	}
	if o.rng == nil {
		o.rng = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	o.log = NewRecorder(o.clock)
	o.shared = newSharedContext(t.SharedContext)
	o.logger = o.logger.With(
		zap.String("component", "team_orchestrator"),
		zap.String("team", t.ID),
		zap.String("pattern", string(t.Pattern)),
	)
	return o
}

// ID returns the execution ID this orchestrator will produce. It is
// known before Run, so callers can index running executions.
func (o *Orchestrator) ID() string {
	return o.id
}

// Execution returns the run's execution record. Once the run is
// terminal the sealed record is returned as-is; mid-run it materializes
// a point-in-time snapshot carrying the recorded children, the running
// metrics, and the log so far.
func (o *Orchestrator) Execution() *Execution {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.exec == nil || o.exec.Status.Terminal() {
		return o.exec
	}
	snap := *o.exec
	snap.Children = append([]*agent.Execution(nil), o.exec.Children...)
	snap.AgentExecutions = append([]ChildRef(nil), o.exec.AgentExecutions...)
	snap.Log = o.log.Entries()
	snap.Metrics = o.metrics.Snapshot()
	snap.StopReason = o.stopReason
	return &snap
}

// Cancel cooperatively stops the run. No further model or tool calls are
// issued; the partial log and metrics are retained.
func (o *Orchestrator) Cancel() {
	o.mu.Lock()
	cancel := o.cancelFn
	o.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// Run executes the team against input and returns the terminal record.
// The execution is always non-nil; err mirrors Execution.Error.
func (o *Orchestrator) Run(ctx context.Context, input string) (*Execution, error) {
	o.mu.Lock()
	if o.exec != nil {
		o.mu.Unlock()
		return nil, errors.New("orchestrator instances are single-use")
	}
	exec := &Execution{
		ID:        o.id,
		TeamID:    o.team.ID,
		Input:     input,
		Status:    agent.StatusIdle,
		StartedAt: o.clock(),
	}
	runCtx, cancel := context.WithCancel(ctx)
	exec.Status = agent.StatusRunning
	o.exec = exec
	o.cancelFn = cancel
	o.startedAt = exec.StartedAt
	o.mu.Unlock()
	defer cancel()

	o.logger.Info("team execution started",
		zap.String("execution", exec.ID),
		zap.Int("members", len(o.team.Members)))

	result, err := o.dispatch(runCtx, input)
	return o.finish(runCtx, result, err)
}

func (o *Orchestrator) dispatch(ctx context.Context, input string) (*patternResult, error) {
	if len(o.team.Members) == 0 {
		return nil, fmt.Errorf("team %s has no members", o.team.ID)
	}
	switch o.team.Pattern {
	case PatternSequential:
		return o.runSequential(ctx, input)
	case PatternParallel:
		return o.runParallel(ctx, input)
	case PatternHierarchical:
		return o.runHierarchical(ctx, input)
	case PatternDebate:
		return o.runDebate(ctx, input)
	case PatternConsensus:
		return o.runConsensus(ctx, input)
	case PatternSupervisor:
		return o.runSupervisor(ctx, input)
	default:
		return nil, fmt.Errorf("unknown collaboration pattern %q", o.team.Pattern)
	}
}

// patternResult is the uniform product of every pattern strategy.
type patternResult struct {
	response  string
	artifacts []Artifact
	consensus *ConsensusOutcome
}

// finish freezes the log and seals the execution record. Sealing holds
// the mutex so pollers never observe a half-finalized record.
func (o *Orchestrator) finish(ctx context.Context, result *patternResult, err error) (*Execution, error) {
	o.log.Freeze()

	o.mu.Lock()
	exec := o.exec
	exec.Log = o.log.Entries()
	exec.Metrics = o.metrics.Snapshot()
	exec.StopReason = o.stopReason
	exec.CompletedAt = o.clock()

	switch {
	case ctx.Err() != nil || errors.Is(err, context.Canceled):
		exec.Status = agent.StatusCancelled
		exec.Error = &agent.ExecError{Code: agent.CodeCancelled, Message: "team execution cancelled"}
	case err != nil:
		exec.Status = agent.StatusFailed
		var execErr *agent.ExecError
		if errors.As(err, &execErr) {
			exec.Error = execErr
		} else {
			exec.Error = &agent.ExecError{Code: CodeAgentFailed, Message: err.Error()}
		}
	default:
		exec.Output = Output{
			Response:  result.response,
			Artifacts: result.artifacts,
			Consensus: result.consensus,
		}
		if o.stopReason != "" && exec.Output.Response == "" &&
			len(exec.Output.Artifacts) == 0 && exec.Output.Consensus == nil {
			// Terminated with nothing conclusive to report.
			exec.Status = agent.StatusFailed
			exec.Error = &agent.ExecError{
				Code:    CodeIncompleteResolution,
				Message: fmt.Sprintf("terminated by %s with no conclusive output", o.stopReason),
			}
		} else {
			exec.Status = agent.StatusCompleted
		}
	}
	o.mu.Unlock()

	o.logger.Info("team execution finished",
		zap.String("execution", exec.ID),
		zap.String("status", string(exec.Status)),
		zap.Int("children", len(exec.AgentExecutions)),
		zap.Int("total_tokens", exec.Metrics.Totals.TotalTokens))

	if exec.Error != nil {
		return exec, exec.Error
	}
	return exec, nil
}

// runMember executes one member against the current shared snapshot.
// It never records; recording happens on the orchestrating goroutine.
func (o *Orchestrator) runMember(ctx context.Context, m Member, input string) (*agent.Execution, error) {
	a, ok := o.agents[m.AgentID]
	if !ok {
		return nil, &agent.ExecError{
			Code:    CodeAgentFailed,
			Message: fmt.Sprintf("agent %s not resolved for team %s", m.AgentID, o.team.ID),
			AgentID: m.AgentID,
		}
	}
	return o.runner.Execute(ctx, a, input, o.shared.snapshot())
}

// record folds a finished child into the execution: reference, metrics,
// shared context, and the collaboration-log entries its sharing implies.
func (o *Orchestrator) record(m Member, exec *agent.Execution, round int) {
	if exec == nil {
		return
	}
	if exec.Status == agent.StatusWaiting {
		// The child paused on a delegation; recording it hands control
		// to the orchestrator and completes the handoff.
		exec.Status = agent.StatusCompleted
	}

	o.metrics.Record(m.AgentID, exec.Metrics)

	policy := o.team.SharedContext
	if policy.Enabled && policy.ShareResponses && exec.Output.Response != "" {
		o.appendLog(LogBroadcast, m.AgentID, "", round, truncate(exec.Output.Response, 200))
	}
	if policy.Enabled && policy.ShareToolResults {
		for _, step := range exec.Steps {
			if step.Type == agent.StepToolResult {
				o.appendLog(LogToolShare, m.AgentID, "", round, truncate(step.Content, 200))
			}
		}
	}
	o.shared.absorb(m, exec, round)

	// Publishing the child last: a poller that sees it also sees its
	// metrics and log entries.
	o.mu.Lock()
	o.exec.Children = append(o.exec.Children, exec)
	o.exec.AgentExecutions = append(o.exec.AgentExecutions, ChildRef{
		ExecutionID: exec.ID,
		AgentID:     m.AgentID,
		Role:        m.Role,
		Order:       len(o.exec.AgentExecutions),
	})
	o.mu.Unlock()
}

// appendLog records a collaboration entry. The log freezes only after
// the pattern returns, so a rejected append indicates a sequencing bug;
// it is surfaced in the logs rather than failing the run.
func (o *Orchestrator) appendLog(typ LogEntryType, from, to string, round int, content string) {
	if err := o.log.Append(typ, from, to, round, content); err != nil {
		o.logger.Warn("dropped collaboration log entry",
			zap.String("type", string(typ)),
			zap.Error(err))
	}
}

// runAndRecord is the sequential-family helper: execute then record.
func (o *Orchestrator) runAndRecord(ctx context.Context, m Member, input string, round int) (*agent.Execution, error) {
	exec, err := o.runMember(ctx, m, input)
	o.record(m, exec, round)
	return exec, err
}

// checkTermination applies the policy after a round. Termination takes
// precedence over pattern-specific looping.
func (o *Orchestrator) checkTermination(round int, recentOutputs []string) bool {
	elapsed := o.clock().Sub(o.startedAt)
	stop, reason := EvaluateTermination(o.metrics.TotalTokens(), elapsed, round, recentOutputs, o.team.Termination)
	if stop {
		o.mu.Lock()
		o.stopReason = reason
		o.mu.Unlock()
		o.logger.Info("termination condition met",
			zap.String("reason", string(reason)),
			zap.Int("round", round))
	}
	return stop
}

// supervisorMember resolves the designated supervisor, falling back to
// the highest-priority member.
func (o *Orchestrator) supervisorMember() Member {
	if id := o.team.PatternConfig.SupervisorAgentID; id != "" {
		for _, m := range o.team.Members {
			if m.AgentID == id {
				return m
			}
		}
		return Member{AgentID: id, Role: "supervisor"}
	}
	return membersByPriority(o.team.Members)[0]
}

func (o *Orchestrator) memberByID(agentID string) (Member, bool) {
	for _, m := range o.team.Members {
		if m.AgentID == agentID {
			return m, true
		}
	}
	return Member{}, false
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max] + "..."
}
