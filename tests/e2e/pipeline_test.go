package e2e

import (
	"context"
	"testing"
	"time"

	"github.com/llmcopilot/orchestrator/internal/agent"
	"github.com/llmcopilot/orchestrator/internal/events"
	"github.com/llmcopilot/orchestrator/internal/provider"
	"github.com/llmcopilot/orchestrator/internal/service"
	"github.com/llmcopilot/orchestrator/internal/team"
	"github.com/llmcopilot/orchestrator/internal/tool"
)

// seedPipeline stores a two-stage sequential team backed by the
// scripted provider.
func seedPipeline(t *testing.T, ctx context.Context) {
	t.Helper()
	writer := &agent.Agent{
		ID:           "e2e-writer",
		Name:         "writer",
		SystemPrompt: "You draft answers.",
		Model:        agent.ModelRef{Provider: "scripted", Model: "writer-model"},
	}
	editor := &agent.Agent{
		ID:           "e2e-editor",
		Name:         "editor",
		SystemPrompt: "You polish drafts.",
		Model:        agent.ModelRef{Provider: "scripted", Model: "editor-model"},
	}
	if err := testPGStore.SaveAgent(ctx, writer); err != nil {
		t.Fatalf("save writer: %v", err)
	}
	if err := testPGStore.SaveAgent(ctx, editor); err != nil {
		t.Fatalf("save editor: %v", err)
	}

	pipeline := &team.Team{
		ID:      "e2e-pipeline",
		Name:    "draft then edit",
		Pattern: team.PatternSequential,
		Members: []team.Member{
			{AgentID: "e2e-writer", Role: "writer", Priority: 2},
			{AgentID: "e2e-editor", Role: "editor", Priority: 1},
		},
		SharedContext: team.SharedContextPolicy{Enabled: true, ShareResponses: true},
		Termination:   team.TerminationPolicy{MaxTokens: 10_000},
	}
	if err := testPGStore.SaveTeam(ctx, pipeline); err != nil {
		t.Fatalf("save team: %v", err)
	}
}

func TestSequentialPipelineEndToEnd(t *testing.T) {
	requireInfra(t)
	ctx := context.Background()
	seedPipeline(t, ctx)

	invoker := newScriptedInvoker("scripted")
	invoker.script("writer-model", "a rough draft about Go")
	invoker.script("editor-model", "a polished piece about Go")

	router := provider.NewRouter(testLogger)
	router.Register(invoker)

	sink, err := events.NewRedisSink(testRedisURL, testLogger)
	if err != nil {
		t.Fatalf("redis sink: %v", err)
	}
	defer sink.Close()

	executor := agent.NewExecutor(router, tool.NewRegistry(), testLogger)
	svc := service.New(testPGStore, executor, sink, testLogger)

	// Follow the event stream while the team runs.
	subCtx, stopSub := context.WithCancel(ctx)
	defer stopSub()

	exec, err := svc.ExecuteTeam(ctx, "e2e-pipeline", "write about Go")
	if err != nil {
		t.Fatalf("execute team: %v", err)
	}
	if exec.Status != agent.StatusCompleted {
		t.Fatalf("status = %s", exec.Status)
	}
	if exec.Output.Response != "a polished piece about Go" {
		t.Fatalf("response = %q", exec.Output.Response)
	}
	if exec.Metrics.Totals.TotalTokens != 40 {
		t.Fatalf("total tokens = %d", exec.Metrics.Totals.TotalTokens)
	}

	// The persisted record reloads with children and log intact.
	stored, err := testPGStore.GetTeamExecution(ctx, exec.ID)
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	if len(stored.Children) != 2 {
		t.Fatalf("children = %d", len(stored.Children))
	}
	if stored.Output.Response != exec.Output.Response {
		t.Fatalf("stored response = %q", stored.Output.Response)
	}
	if len(stored.Log) == 0 {
		t.Fatal("collaboration log not persisted")
	}

	// Lifecycle events landed on the execution's stream.
	ch := sink.Subscribe(subCtx, exec.ID)
	var started, completed bool
	timeout := time.After(10 * time.Second)
	for !(started && completed) {
		select {
		case e, ok := <-ch:
			if !ok {
				t.Fatal("event stream closed early")
			}
			switch e.Type {
			case events.TypeExecutionStarted:
				started = true
			case events.TypeExecutionCompleted:
				completed = true
			}
		case <-timeout:
			t.Fatalf("events missing: started=%v completed=%v", started, completed)
		}
	}
}

func TestDebateEndToEnd(t *testing.T) {
	requireInfra(t)
	ctx := context.Background()

	for _, id := range []string{"e2e-optimist", "e2e-skeptic"} {
		a := &agent.Agent{
			ID:    id,
			Name:  id,
			Model: agent.ModelRef{Provider: "scripted", Model: id},
		}
		if err := testPGStore.SaveAgent(ctx, a); err != nil {
			t.Fatalf("save %s: %v", id, err)
		}
	}
	debate := &team.Team{
		ID:      "e2e-debate",
		Name:    "two voices",
		Pattern: team.PatternDebate,
		Members: []team.Member{
			{AgentID: "e2e-optimist", Priority: 2},
			{AgentID: "e2e-skeptic", Priority: 1},
		},
		PatternConfig: team.PatternConfig{MaxRounds: 3, ConsensusThreshold: 1.0},
		SharedContext: team.SharedContextPolicy{Enabled: true, ShareResponses: true},
	}
	if err := testPGStore.SaveTeam(ctx, debate); err != nil {
		t.Fatalf("save team: %v", err)
	}

	invoker := newScriptedInvoker("scripted")
	invoker.script("e2e-optimist", "yes", "yes")
	invoker.script("e2e-skeptic", "no", "yes")

	router := provider.NewRouter(testLogger)
	router.Register(invoker)
	executor := agent.NewExecutor(router, tool.NewRegistry(), testLogger)
	svc := service.New(testPGStore, executor, events.NopSink{}, testLogger)

	exec, err := svc.ExecuteTeam(ctx, "e2e-debate", "should we ship?")
	if err != nil {
		t.Fatalf("execute team: %v", err)
	}
	c := exec.Output.Consensus
	if c == nil || !c.Reached || c.Rounds != 2 {
		t.Fatalf("consensus = %+v", c)
	}
	if exec.Output.Response != "yes" {
		t.Fatalf("response = %q", exec.Output.Response)
	}

	// Votes and consensus entries survive the round trip in order.
	stored, err := testPGStore.GetTeamExecution(ctx, exec.ID)
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	for i, e := range stored.Log {
		if e.Seq != i {
			t.Fatalf("log position %d has seq %d", i, e.Seq)
		}
	}
}
