package team

import (
	"context"
	"errors"
	"math/rand"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/llmcopilot/orchestrator/internal/agent"
)

type fakeCall struct {
	AgentID string
	Input   string
	Snap    agent.Snapshot
}

type fakeScript struct {
	responses []string
	idx       int
	fail      bool
	delegate  *agent.Delegation
}

// fakeRunner produces terminal executions from per-agent scripts. Each
// call consumes the agent's next scripted response, repeating the last
// one when the script runs out.
type fakeRunner struct {
	mu      sync.Mutex
	calls   []fakeCall
	scripts map[string]*fakeScript
	tokens  int
	gate    chan struct{}
}

func newFakeRunner(tokens int) *fakeRunner {
	return &fakeRunner{scripts: make(map[string]*fakeScript), tokens: tokens}
}

func (r *fakeRunner) script(agentID string, responses ...string) *fakeScript {
	s := &fakeScript{responses: responses}
	r.scripts[agentID] = s
	return s
}

func (r *fakeRunner) Execute(ctx context.Context, a *agent.Agent, input string, snap agent.Snapshot) (*agent.Execution, error) {
	if r.gate != nil {
		select {
		case <-r.gate:
		case <-ctx.Done():
			return r.terminal(a.ID, input, agent.StatusCancelled, "", nil), ctx.Err()
		}
	}
	if err := ctx.Err(); err != nil {
		return r.terminal(a.ID, input, agent.StatusCancelled, "", nil), err
	}

	r.mu.Lock()
	r.calls = append(r.calls, fakeCall{AgentID: a.ID, Input: input, Snap: snap})
	s := r.scripts[a.ID]
	var resp string
	var del *agent.Delegation
	fail := false
	if s != nil {
		fail = s.fail
		del = s.delegate
		if s.idx < len(s.responses) {
			resp = s.responses[s.idx]
			s.idx++
		} else if n := len(s.responses); n > 0 {
			resp = s.responses[n-1]
		}
	}
	r.mu.Unlock()

	if fail {
		exec := r.terminal(a.ID, input, agent.StatusFailed, "", nil)
		exec.Error = &agent.ExecError{Code: agent.CodeModelInvocation, Message: "model unavailable", AgentID: a.ID}
		return exec, exec.Error
	}
	if del != nil {
		return r.terminal(a.ID, input, agent.StatusWaiting, resp, del), nil
	}
	return r.terminal(a.ID, input, agent.StatusCompleted, resp, del), nil
}

func (r *fakeRunner) terminal(agentID, input string, status agent.Status, resp string, del *agent.Delegation) *agent.Execution {
	now := time.Now()
	return &agent.Execution{
		ID:         uuid.New().String(),
		AgentID:    agentID,
		Input:      input,
		Status:     status,
		Output:     agent.Output{Response: resp},
		Delegation: del,
		Metrics: agent.Metrics{
			PromptTokens:     r.tokens / 2,
			CompletionTokens: r.tokens - r.tokens/2,
			TotalTokens:      r.tokens,
			Iterations:       1,
		},
		StartedAt:   now,
		CompletedAt: now,
	}
}

func (r *fakeRunner) callCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.calls)
}

func (r *fakeRunner) call(i int) fakeCall {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.calls[i]
}

func testAgents(ids ...string) map[string]*agent.Agent {
	agents := make(map[string]*agent.Agent, len(ids))
	for _, id := range ids {
		agents[id] = &agent.Agent{ID: id, Name: id}
	}
	return agents
}

func testTeam(pattern Pattern, members ...Member) *Team {
	return &Team{
		ID:      "team-1",
		Name:    "test team",
		Members: members,
		Pattern: pattern,
		SharedContext: SharedContextPolicy{
			Enabled:        true,
			ShareResponses: true,
		},
	}
}

func assertChildRefs(t *testing.T, exec *Execution) {
	t.Helper()
	if len(exec.AgentExecutions) != len(exec.Children) {
		t.Fatalf("refs = %d, children = %d", len(exec.AgentExecutions), len(exec.Children))
	}
	for _, ref := range exec.AgentExecutions {
		child, ok := exec.Child(ref.ExecutionID)
		if !ok {
			t.Fatalf("dangling child ref %s", ref.ExecutionID)
		}
		if child.AgentID != ref.AgentID {
			t.Fatalf("ref agent %s, child agent %s", ref.AgentID, child.AgentID)
		}
		if !child.Status.Terminal() {
			t.Fatalf("child %s recorded in non-terminal status %s", child.ID, child.Status)
		}
	}
	for i, ref := range exec.AgentExecutions {
		if ref.Order != i {
			t.Fatalf("ref %d has order %d", i, ref.Order)
		}
	}
}

func TestSequentialPipesOutputs(t *testing.T) {
	runner := newFakeRunner(10)
	runner.script("writer", "a rough draft")
	runner.script("editor", "the polished final")

	tm := testTeam(PatternSequential,
		Member{AgentID: "writer", Role: "writer", Priority: 2},
		Member{AgentID: "editor", Role: "editor", Priority: 1},
	)
	o := New(tm, testAgents("writer", "editor"), runner)

	exec, err := o.Run(context.Background(), "write about Go")
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if exec.Status != agent.StatusCompleted {
		t.Fatalf("status = %s", exec.Status)
	}
	if exec.Output.Response != "the polished final" {
		t.Fatalf("response = %q", exec.Output.Response)
	}
	if got := runner.call(0).Input; got != "write about Go" {
		t.Fatalf("writer input = %q", got)
	}
	if got := runner.call(1).Input; got != "a rough draft" {
		t.Fatalf("editor input = %q", got)
	}
	if exec.Metrics.Totals.TotalTokens != 20 {
		t.Fatalf("total tokens = %d", exec.Metrics.Totals.TotalTokens)
	}
	if exec.Metrics.PerAgent["writer"].TotalTokens != 10 || exec.Metrics.PerAgent["editor"].TotalTokens != 10 {
		t.Fatalf("per-agent metrics = %+v", exec.Metrics.PerAgent)
	}
	assertChildRefs(t, exec)
}

func TestSequentialChildFailureIsFatal(t *testing.T) {
	runner := newFakeRunner(5)
	runner.script("a", "ok")
	runner.script("b").fail = true
	runner.script("c", "never")

	tm := testTeam(PatternSequential,
		Member{AgentID: "a", Priority: 3},
		Member{AgentID: "b", Priority: 2},
		Member{AgentID: "c", Priority: 1},
	)
	o := New(tm, testAgents("a", "b", "c"), runner)

	exec, err := o.Run(context.Background(), "task")
	if err == nil {
		t.Fatal("expected error")
	}
	if exec.Status != agent.StatusFailed {
		t.Fatalf("status = %s", exec.Status)
	}
	if exec.Error == nil || exec.Error.AgentID != "b" {
		t.Fatalf("error = %+v", exec.Error)
	}
	if exec.Error.Code != agent.CodeModelInvocation {
		t.Fatalf("code = %s", exec.Error.Code)
	}
	if runner.callCount() != 2 {
		t.Fatalf("calls = %d, c must not run", runner.callCount())
	}
	// Partial results are retained.
	if len(exec.AgentExecutions) != 2 {
		t.Fatalf("refs = %d", len(exec.AgentExecutions))
	}
}

func TestSequentialTolerateFailures(t *testing.T) {
	runner := newFakeRunner(5)
	runner.script("a", "first")
	runner.script("b").fail = true
	runner.script("c", "last")

	tm := testTeam(PatternSequential,
		Member{AgentID: "a", Priority: 3},
		Member{AgentID: "b", Priority: 2},
		Member{AgentID: "c", Priority: 1},
	)
	tm.PatternConfig.TolerateFailures = true
	o := New(tm, testAgents("a", "b", "c"), runner)

	exec, err := o.Run(context.Background(), "task")
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if exec.Output.Response != "last" {
		t.Fatalf("response = %q", exec.Output.Response)
	}
	// c picks up from a's output, the failed member is skipped.
	if got := runner.call(2).Input; got != "first" {
		t.Fatalf("c input = %q", got)
	}
}

func TestConsensusThresholdReached(t *testing.T) {
	runner := newFakeRunner(5)
	runner.script("a", "42")
	runner.script("b", "42")
	runner.script("c", "7")

	tm := testTeam(PatternConsensus,
		Member{AgentID: "a", Priority: 3},
		Member{AgentID: "b", Priority: 2},
		Member{AgentID: "c", Priority: 1},
	)
	tm.PatternConfig.ConsensusThreshold = 0.6
	o := New(tm, testAgents("a", "b", "c"), runner)

	exec, err := o.Run(context.Background(), "what is the answer?")
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	c := exec.Output.Consensus
	if c == nil || !c.Reached {
		t.Fatalf("consensus = %+v", c)
	}
	if c.Winner != "42" || exec.Output.Response != "42" {
		t.Fatalf("winner = %q, response = %q", c.Winner, exec.Output.Response)
	}
	if c.Votes["42"] != 2 || c.Votes["7"] != 1 {
		t.Fatalf("votes = %v", c.Votes)
	}
	if c.Rounds != 1 {
		t.Fatalf("rounds = %d", c.Rounds)
	}

	votes, decisions := 0, 0
	for _, e := range exec.Log {
		switch e.Type {
		case LogVote:
			votes++
		case LogConsensus:
			decisions++
		}
	}
	if votes != 3 || decisions != 1 {
		t.Fatalf("log: votes = %d, consensus = %d", votes, decisions)
	}
	assertChildRefs(t, exec)
}

func TestConsensusTieBreakVoting(t *testing.T) {
	runner := newFakeRunner(5)
	runner.script("a", "alpha")
	runner.script("b", "beta")
	runner.script("c", "gamma")

	tm := testTeam(PatternConsensus,
		Member{AgentID: "a", Priority: 1},
		Member{AgentID: "b", Priority: 5},
		Member{AgentID: "c", Priority: 1},
	)
	tm.PatternConfig.ConsensusThreshold = 0.9
	tm.PatternConfig.TieBreaker = TieBreakerVoting
	o := New(tm, testAgents("a", "b", "c"), runner)

	exec, err := o.Run(context.Background(), "pick one")
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if exec.Output.Consensus.Reached {
		t.Fatal("threshold 0.9 must not be reached")
	}
	if exec.Output.Response != "beta" {
		t.Fatalf("priority-weighted tie-break picked %q", exec.Output.Response)
	}
}

func TestConsensusTieBreakRandomIsSeeded(t *testing.T) {
	run := func() string {
		runner := newFakeRunner(5)
		runner.script("a", "alpha")
		runner.script("b", "beta")
		runner.script("c", "gamma")
		tm := testTeam(PatternConsensus,
			Member{AgentID: "a", Priority: 1},
			Member{AgentID: "b", Priority: 1},
			Member{AgentID: "c", Priority: 1},
		)
		tm.PatternConfig.ConsensusThreshold = 0.9
		tm.PatternConfig.TieBreaker = TieBreakerRandom
		o := New(tm, testAgents("a", "b", "c"), runner,
			WithRand(rand.New(rand.NewSource(42))))
		exec, err := o.Run(context.Background(), "pick one")
		if err != nil {
			t.Fatalf("run: %v", err)
		}
		return exec.Output.Response
	}
	if first, second := run(), run(); first != second {
		t.Fatalf("seeded tie-break diverged: %q vs %q", first, second)
	}
}

func TestConsensusTieBreakSupervisor(t *testing.T) {
	runner := newFakeRunner(5)
	runner.script("a", "alpha")
	runner.script("b", "beta")
	runner.script("sup", "gamma", "I choose beta")

	tm := testTeam(PatternConsensus,
		Member{AgentID: "sup", Priority: 3},
		Member{AgentID: "a", Priority: 1},
		Member{AgentID: "b", Priority: 1},
	)
	tm.PatternConfig.ConsensusThreshold = 0.9
	tm.PatternConfig.TieBreaker = TieBreakerSupervisor
	tm.PatternConfig.SupervisorAgentID = "sup"
	o := New(tm, testAgents("a", "b", "sup"), runner)

	exec, err := o.Run(context.Background(), "pick one")
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if exec.Output.Response != "beta" {
		t.Fatalf("supervisor tie-break picked %q", exec.Output.Response)
	}
}

func TestConsensusStopPhraseSkipsTieBreak(t *testing.T) {
	runner := newFakeRunner(5)
	runner.script("a", "STOP everything")
	runner.script("b", "keep going")
	runner.script("c", "try again")
	runner.script("sup", "I choose keep going")

	tm := testTeam(PatternConsensus,
		Member{AgentID: "a", Priority: 3},
		Member{AgentID: "b", Priority: 2},
		Member{AgentID: "c", Priority: 1},
	)
	tm.PatternConfig.ConsensusThreshold = 0.9
	tm.PatternConfig.TieBreaker = TieBreakerSupervisor
	tm.PatternConfig.SupervisorAgentID = "sup"
	tm.Termination.StopPhrases = []string{"STOP"}
	o := New(tm, testAgents("a", "b", "c", "sup"), runner)

	exec, err := o.Run(context.Background(), "pick one")
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	// The proposal round completes, but the stop phrase precludes the
	// tie-break call to the supervisor.
	if runner.callCount() != 3 {
		t.Fatalf("calls = %d, tie-break must not run after termination", runner.callCount())
	}
	if exec.StopReason != StopPhrase {
		t.Fatalf("stop reason = %q", exec.StopReason)
	}
	if exec.Status != agent.StatusCompleted {
		t.Fatalf("status = %s", exec.Status)
	}
	c := exec.Output.Consensus
	if c == nil || c.Reached {
		t.Fatalf("consensus = %+v", c)
	}
	if exec.Output.Response != "STOP everything" {
		t.Fatalf("response = %q, want the plurality answer", exec.Output.Response)
	}
}

func TestDebateWithoutAgreement(t *testing.T) {
	runner := newFakeRunner(5)
	runner.script("a", "one", "one", "one")
	runner.script("b", "two", "two", "two")
	runner.script("c", "three", "three", "three")

	tm := testTeam(PatternDebate,
		Member{AgentID: "a", Priority: 3},
		Member{AgentID: "b", Priority: 2},
		Member{AgentID: "c", Priority: 1},
	)
	tm.PatternConfig.MaxRounds = 3
	tm.PatternConfig.ConsensusThreshold = 0.6
	o := New(tm, testAgents("a", "b", "c"), runner)

	exec, err := o.Run(context.Background(), "debate this")
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	c := exec.Output.Consensus
	if c == nil || c.Reached {
		t.Fatalf("consensus = %+v", c)
	}
	if c.Rounds != 3 {
		t.Fatalf("rounds = %d", c.Rounds)
	}
	if runner.callCount() != 9 {
		t.Fatalf("calls = %d", runner.callCount())
	}
	// Later rounds see earlier positions through the snapshot.
	last := runner.call(8)
	if len(last.Snap.Responses) == 0 {
		t.Fatal("final round saw no shared responses")
	}
	assertChildRefs(t, exec)
}

func TestDebateConverges(t *testing.T) {
	runner := newFakeRunner(5)
	runner.script("a", "one", "two")
	runner.script("b", "two", "two")

	tm := testTeam(PatternDebate,
		Member{AgentID: "a", Priority: 2},
		Member{AgentID: "b", Priority: 1},
	)
	tm.PatternConfig.MaxRounds = 5
	tm.PatternConfig.ConsensusThreshold = 1.0
	o := New(tm, testAgents("a", "b"), runner)

	exec, err := o.Run(context.Background(), "debate this")
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	c := exec.Output.Consensus
	if c == nil || !c.Reached || c.Rounds != 2 {
		t.Fatalf("consensus = %+v", c)
	}
	if exec.Output.Response != "two" {
		t.Fatalf("response = %q", exec.Output.Response)
	}
	if runner.callCount() != 4 {
		t.Fatalf("calls = %d", runner.callCount())
	}
}

func TestDebateRequiresSharedResponses(t *testing.T) {
	tm := testTeam(PatternDebate, Member{AgentID: "a"})
	tm.SharedContext.ShareResponses = false
	o := New(tm, testAgents("a"), newFakeRunner(5))

	exec, err := o.Run(context.Background(), "debate this")
	if err == nil {
		t.Fatal("expected error")
	}
	if exec.Status != agent.StatusFailed {
		t.Fatalf("status = %s", exec.Status)
	}
}

func TestStopPhraseHaltsRun(t *testing.T) {
	runner := newFakeRunner(5)
	runner.script("a", "working on it")
	runner.script("b", "done, STOP here")
	runner.script("c", "never reached")

	tm := testTeam(PatternSequential,
		Member{AgentID: "a", Priority: 3},
		Member{AgentID: "b", Priority: 2},
		Member{AgentID: "c", Priority: 1},
	)
	tm.Termination.StopPhrases = []string{"STOP"}
	o := New(tm, testAgents("a", "b", "c"), runner)

	exec, err := o.Run(context.Background(), "task")
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if runner.callCount() != 2 {
		t.Fatalf("calls = %d, run must halt at the stop phrase", runner.callCount())
	}
	if exec.StopReason != StopPhrase {
		t.Fatalf("stop reason = %q", exec.StopReason)
	}
	if exec.Status != agent.StatusCompleted {
		t.Fatalf("status = %s", exec.Status)
	}
	if !strings.Contains(exec.Output.Response, "STOP") {
		t.Fatalf("response = %q", exec.Output.Response)
	}
}

func TestParallelCancellation(t *testing.T) {
	runner := newFakeRunner(5)
	runner.gate = make(chan struct{})
	runner.script("a", "x")
	runner.script("b", "y")

	tm := testTeam(PatternParallel,
		Member{AgentID: "a", Priority: 1},
		Member{AgentID: "b", Priority: 1},
	)
	o := New(tm, testAgents("a", "b"), runner)

	done := make(chan struct{})
	var exec *Execution
	var runErr error
	go func() {
		exec, runErr = o.Run(context.Background(), "task")
		close(done)
	}()

	// Let the workers park on the gate, then cancel.
	time.Sleep(20 * time.Millisecond)
	o.Cancel()
	<-done

	if runErr == nil {
		t.Fatal("expected cancellation error")
	}
	if exec.Status != agent.StatusCancelled {
		t.Fatalf("status = %s", exec.Status)
	}
	if exec.Error == nil || exec.Error.Code != agent.CodeCancelled {
		t.Fatalf("error = %+v", exec.Error)
	}
	// No agent passed the gate, so no model work happened.
	if runner.callCount() != 0 {
		t.Fatalf("calls = %d", runner.callCount())
	}
	// The log is sealed; nothing can be appended after the fact.
	if appendErr := o.log.Append(LogBroadcast, "a", "", 1, "late"); !errors.Is(appendErr, ErrLogFrozen) {
		t.Fatalf("append after terminal = %v", appendErr)
	}
}

func TestExecutionSnapshotMidRun(t *testing.T) {
	runner := newFakeRunner(10)
	runner.gate = make(chan struct{}, 1)
	runner.gate <- struct{}{} // first agent passes, second parks
	runner.script("a", "first")
	runner.script("b", "second")

	tm := testTeam(PatternSequential,
		Member{AgentID: "a", Priority: 2},
		Member{AgentID: "b", Priority: 1},
	)
	o := New(tm, testAgents("a", "b"), runner)

	done := make(chan struct{})
	go func() {
		o.Run(context.Background(), "task")
		close(done)
	}()

	var snap *Execution
	deadline := time.Now().Add(2 * time.Second)
	for {
		snap = o.Execution()
		if snap != nil && len(snap.Children) == 1 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("first child never recorded")
		}
		time.Sleep(2 * time.Millisecond)
	}

	if snap.Status != agent.StatusRunning {
		t.Fatalf("mid-run status = %s", snap.Status)
	}
	if got := snap.Metrics.Totals.TotalTokens; got != 10 {
		t.Fatalf("mid-run total tokens = %d, want 10", got)
	}
	if snap.Metrics.PerAgent["a"].TotalTokens != 10 {
		t.Fatalf("per-agent breakdown = %+v", snap.Metrics.PerAgent)
	}
	if len(snap.Log) == 0 {
		t.Fatal("mid-run snapshot carries no log entries")
	}

	runner.gate <- struct{}{}
	<-done

	final := o.Execution()
	if final.Status != agent.StatusCompleted {
		t.Fatalf("status = %s", final.Status)
	}
	if final.Metrics.Totals.TotalTokens != 20 {
		t.Fatalf("final total tokens = %d", final.Metrics.Totals.TotalTokens)
	}
	// The mid-run snapshot is detached from the live record.
	if len(snap.Children) != 1 {
		t.Fatalf("snapshot children = %d after run", len(snap.Children))
	}
}

func TestDelegationHandoffCompletesChild(t *testing.T) {
	runner := newFakeRunner(5)
	runner.script("sup", "handing off").delegate = &agent.Delegation{
		TargetAgentID: "w",
		Instructions:  "do the legwork",
	}
	runner.script("w", "legwork done")

	tm := testTeam(PatternHierarchical,
		Member{AgentID: "sup", Role: "supervisor", Priority: 2},
		Member{AgentID: "w", Role: "worker", Priority: 1},
	)
	tm.PatternConfig.SupervisorAgentID = "sup"
	o := New(tm, testAgents("sup", "w"), runner)

	exec, err := o.Run(context.Background(), "task")
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	// The supervisor paused in waiting on its delegation; absorbing the
	// handoff completed it.
	first := exec.Children[0]
	if first.Delegation == nil || first.Delegation.TargetAgentID != "w" {
		t.Fatalf("delegation = %+v", first.Delegation)
	}
	if first.Status != agent.StatusCompleted {
		t.Fatalf("delegating child status = %s, want completed", first.Status)
	}
	assertChildRefs(t, exec)
}

func TestParallelPartialFailure(t *testing.T) {
	runner := newFakeRunner(5)
	runner.script("a", "alpha")
	runner.script("b").fail = true
	runner.script("c", "gamma")

	tm := testTeam(PatternParallel,
		Member{AgentID: "a", Role: "one", Priority: 1},
		Member{AgentID: "b", Role: "two", Priority: 1},
		Member{AgentID: "c", Role: "three", Priority: 1},
	)
	o := New(tm, testAgents("a", "b", "c"), runner)

	exec, err := o.Run(context.Background(), "task")
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if exec.Status != agent.StatusCompleted {
		t.Fatalf("status = %s", exec.Status)
	}
	if len(exec.Output.Artifacts) != 2 {
		t.Fatalf("artifacts = %+v", exec.Output.Artifacts)
	}
	// Member order, independent of completion order.
	if exec.Output.Artifacts[0].AgentID != "a" || exec.Output.Artifacts[1].AgentID != "c" {
		t.Fatalf("artifact order = %+v", exec.Output.Artifacts)
	}
	assertChildRefs(t, exec)
}

func TestParallelAllFailuresFail(t *testing.T) {
	runner := newFakeRunner(5)
	runner.script("a").fail = true
	runner.script("b").fail = true

	tm := testTeam(PatternParallel,
		Member{AgentID: "a", Priority: 1},
		Member{AgentID: "b", Priority: 1},
	)
	o := New(tm, testAgents("a", "b"), runner)

	exec, err := o.Run(context.Background(), "task")
	if err == nil {
		t.Fatal("expected error")
	}
	if exec.Status != agent.StatusFailed {
		t.Fatalf("status = %s", exec.Status)
	}
}

func TestParallelPoolOfOneMatchesSequentialMetrics(t *testing.T) {
	members := []Member{
		{AgentID: "a", Priority: 2},
		{AgentID: "b", Priority: 1},
	}
	run := func(pattern Pattern, maxConcurrent int) Metrics {
		runner := newFakeRunner(7)
		runner.script("a", "alpha")
		runner.script("b", "beta")
		tm := testTeam(pattern, members...)
		tm.PatternConfig.MaxConcurrent = maxConcurrent
		o := New(tm, testAgents("a", "b"), runner)
		exec, err := o.Run(context.Background(), "task")
		if err != nil {
			t.Fatalf("run %s: %v", pattern, err)
		}
		return exec.Metrics
	}

	seq := run(PatternSequential, 0)
	par := run(PatternParallel, 1)
	if seq.Totals != par.Totals {
		t.Fatalf("totals diverged: sequential %+v, parallel %+v", seq.Totals, par.Totals)
	}
	for id, m := range seq.PerAgent {
		if par.PerAgent[id] != m {
			t.Fatalf("per-agent %s diverged: %+v vs %+v", id, m, par.PerAgent[id])
		}
	}
}

func TestHierarchicalDelegation(t *testing.T) {
	runner := newFakeRunner(5)
	runner.script("sup", "needs research", "final summary")
	runner.scripts["sup"].delegate = &agent.Delegation{TargetAgentID: "worker", Instructions: "dig into it"}
	runner.script("worker", "research notes")
	// The worker tries to bounce back to the supervisor; the visited
	// set stops the loop.
	runner.scripts["worker"].delegate = &agent.Delegation{TargetAgentID: "sup", Instructions: "back to you"}

	tm := testTeam(PatternHierarchical,
		Member{AgentID: "sup", Role: "supervisor", Priority: 2},
		Member{AgentID: "worker", Role: "researcher", Priority: 1},
	)
	tm.PatternConfig.SupervisorAgentID = "sup"
	o := New(tm, testAgents("sup", "worker"), runner)

	exec, err := o.Run(context.Background(), "investigate")
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	// supervisor, worker, supervisor aggregation.
	if runner.callCount() != 3 {
		t.Fatalf("calls = %d", runner.callCount())
	}
	if got := runner.call(1).Input; got != "dig into it" {
		t.Fatalf("worker input = %q", got)
	}
	if exec.Output.Response != "final summary" {
		t.Fatalf("response = %q", exec.Output.Response)
	}
	if len(exec.Output.Artifacts) != 1 || exec.Output.Artifacts[0].AgentID != "worker" {
		t.Fatalf("artifacts = %+v", exec.Output.Artifacts)
	}

	var sawDelegation, sawIntervention bool
	for _, e := range exec.Log {
		switch e.Type {
		case LogDelegation:
			sawDelegation = true
			if e.FromAgent != "sup" || e.ToAgent != "worker" {
				t.Fatalf("delegation entry = %+v", e)
			}
		case LogIntervention:
			sawIntervention = true
		}
	}
	if !sawDelegation || !sawIntervention {
		t.Fatalf("log missing delegation/intervention: %+v", exec.Log)
	}
	assertChildRefs(t, exec)
}

func TestHierarchicalDelegationBudget(t *testing.T) {
	runner := newFakeRunner(5)
	runner.script("sup", "route to b")
	runner.script("b", "route to c")
	runner.script("c", "done")

	tm := testTeam(PatternHierarchical,
		Member{AgentID: "sup", Priority: 3},
		Member{AgentID: "b", Priority: 2},
		Member{AgentID: "c", Priority: 1},
	)
	tm.PatternConfig.SupervisorAgentID = "sup"
	tm.PatternConfig.DelegationRules = []DelegationRule{
		{Condition: "contains:route to b", TargetAgentID: "b"},
		{Condition: "contains:route to c", TargetAgentID: "c"},
	}
	agents := testAgents("sup", "b", "c")
	agents["sup"].Behavior.MaxDelegations = 1
	o := New(tm, agents, runner)

	exec, err := o.Run(context.Background(), "task")
	if err == nil {
		t.Fatal("expected delegation budget error")
	}
	if exec.Error == nil || exec.Error.Code != CodeDelegationLimit {
		t.Fatalf("error = %+v", exec.Error)
	}
}

func TestSupervisorDirectives(t *testing.T) {
	runner := newFakeRunner(5)
	runner.script("sup",
		`{"target_agent_id": "worker", "instructions": "compute the value"}`,
		`{"done": true, "final": "the value is 7"}`,
	)
	runner.script("worker", "value computed: 7")

	tm := testTeam(PatternSupervisor,
		Member{AgentID: "sup", Role: "supervisor", Priority: 2},
		Member{AgentID: "worker", Role: "worker", Priority: 1},
	)
	tm.PatternConfig.SupervisorAgentID = "sup"
	o := New(tm, testAgents("sup", "worker"), runner)

	exec, err := o.Run(context.Background(), "find the value")
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if exec.Output.Response != "the value is 7" {
		t.Fatalf("response = %q", exec.Output.Response)
	}
	if got := runner.call(1).Input; got != "compute the value" {
		t.Fatalf("worker input = %q", got)
	}
	if runner.callCount() != 3 {
		t.Fatalf("calls = %d", runner.callCount())
	}
	if len(exec.Output.Artifacts) != 1 {
		t.Fatalf("artifacts = %+v", exec.Output.Artifacts)
	}
	assertChildRefs(t, exec)
}

func TestSupervisorProseEndsLoop(t *testing.T) {
	runner := newFakeRunner(5)
	runner.script("sup", "I have everything I need, the answer is 9.")

	tm := testTeam(PatternSupervisor,
		Member{AgentID: "sup", Priority: 2},
		Member{AgentID: "worker", Priority: 1},
	)
	tm.PatternConfig.SupervisorAgentID = "sup"
	o := New(tm, testAgents("sup", "worker"), runner)

	exec, err := o.Run(context.Background(), "task")
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if runner.callCount() != 1 {
		t.Fatalf("calls = %d", runner.callCount())
	}
	if exec.Output.Response != "I have everything I need, the answer is 9." {
		t.Fatalf("response = %q", exec.Output.Response)
	}
}

func TestOrchestratorIsSingleUse(t *testing.T) {
	runner := newFakeRunner(5)
	runner.script("a", "done")
	tm := testTeam(PatternSequential, Member{AgentID: "a"})
	o := New(tm, testAgents("a"), runner)

	if _, err := o.Run(context.Background(), "first"); err != nil {
		t.Fatalf("first run: %v", err)
	}
	if _, err := o.Run(context.Background(), "second"); err == nil {
		t.Fatal("second run must fail")
	}
}

func TestUnknownPatternFails(t *testing.T) {
	tm := testTeam(Pattern("pipeline"), Member{AgentID: "a"})
	o := New(tm, testAgents("a"), newFakeRunner(5))

	exec, err := o.Run(context.Background(), "task")
	if err == nil {
		t.Fatal("expected error")
	}
	if exec.Status != agent.StatusFailed {
		t.Fatalf("status = %s", exec.Status)
	}
}
