package team

import (
	"context"
	"fmt"
	"sync"

	"github.com/llmcopilot/orchestrator/internal/agent"
)

// runParallel fans members out over a bounded goroutine pool. Every
// member receives the same input and the same pre-run snapshot; results
// are folded back on the orchestrating goroutine, which keeps the shared
// context single-writer. The run fails only when every member fails.
func (o *Orchestrator) runParallel(ctx context.Context, input string) (*patternResult, error) {
	members := o.team.Members
	limit := o.team.PatternConfig.MaxConcurrent
	if limit <= 0 || limit > len(members) {
		limit = len(members)
	}

	snap := o.shared.snapshot()

	type outcome struct {
		idx  int
		exec *agent.Execution
		err  error
	}
	results := make(chan outcome, len(members))
	sem := make(chan struct{}, limit)
	var wg sync.WaitGroup

	for i, m := range members {
		wg.Add(1)
		go func(idx int, m Member) {
			defer wg.Done()
			select {
			case sem <- struct{}{}:
			case <-ctx.Done():
				results <- outcome{idx: idx, err: ctx.Err()}
				return
			}
			defer func() { <-sem }()

			a, ok := o.agents[m.AgentID]
			if !ok {
				results <- outcome{idx: idx, err: fmt.Errorf("agent %s not resolved", m.AgentID)}
				return
			}
			exec, err := o.runner.Execute(ctx, a, input, snap)
			results <- outcome{idx: idx, exec: exec, err: err}
		}(i, m)
	}
	go func() {
		wg.Wait()
		close(results)
	}()

	execs := make([]*agent.Execution, len(members))
	errs := make([]error, len(members))
	for r := range results {
		execs[r.idx] = r.exec
		errs[r.idx] = r.err
	}

	// Recording happens after the fan-in, in member order, so child
	// references and log entries are deterministic regardless of
	// goroutine scheduling.
	var artifacts []Artifact
	var outputs []string
	failures := 0
	var lastErr error
	for i, m := range members {
		o.record(m, execs[i], 1)
		if errs[i] != nil {
			failures++
			lastErr = memberError(execs[i], errs[i])
			continue
		}
		if execs[i].Output.Response != "" {
			artifacts = append(artifacts, Artifact{
				AgentID: m.AgentID,
				Role:    m.Role,
				Content: execs[i].Output.Response,
			})
			outputs = append(outputs, execs[i].Output.Response)
		}
	}

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if failures == len(members) {
		return nil, fmt.Errorf("all %d members failed: %w", len(members), lastErr)
	}

	o.checkTermination(1, outputs)
	return &patternResult{
		response:  mergeArtifacts(artifacts),
		artifacts: artifacts,
	}, nil
}

// mergeArtifacts renders per-agent contributions into one response.
func mergeArtifacts(artifacts []Artifact) string {
	if len(artifacts) == 0 {
		return ""
	}
	if len(artifacts) == 1 {
		return artifacts[0].Content
	}
	merged := ""
	for _, a := range artifacts {
		header := a.AgentID
		if a.Role != "" {
			header = fmt.Sprintf("%s (%s)", a.AgentID, a.Role)
		}
		merged += fmt.Sprintf("[%s]\n%s\n\n", header, a.Content)
	}
	return merged[:len(merged)-2]
}
