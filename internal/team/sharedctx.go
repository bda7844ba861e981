package team

import (
	"strings"

	"github.com/llmcopilot/orchestrator/internal/agent"
)

// sharedContext is the orchestrator-owned mutable state of one team run.
// Only the orchestrating goroutine writes it; executors receive immutable
// snapshots and return their contributions, which eliminates data races
// under the parallel pattern without locking.
type sharedContext struct {
	policy      SharedContextPolicy
	responses   []agent.SharedResponse
	toolResults []agent.SharedToolResult
}

func newSharedContext(policy SharedContextPolicy) *sharedContext {
	return &sharedContext{policy: policy}
}

// snapshot returns a deep copy honoring the sharing policy.
func (s *sharedContext) snapshot() agent.Snapshot {
	if !s.policy.Enabled {
		return agent.Snapshot{}
	}
	snap := agent.Snapshot{}
	if s.policy.ShareResponses && len(s.responses) > 0 {
		snap.Responses = make([]agent.SharedResponse, len(s.responses))
		copy(snap.Responses, s.responses)
	}
	if s.policy.ShareToolResults && len(s.toolResults) > 0 {
		snap.ToolResults = make([]agent.SharedToolResult, len(s.toolResults))
		copy(snap.ToolResults, s.toolResults)
	}
	return snap
}

// absorb folds a finished execution's contributions in, per policy.
func (s *sharedContext) absorb(m Member, exec *agent.Execution, round int) {
	if !s.policy.Enabled || exec == nil {
		return
	}
	if s.policy.ShareResponses && exec.Output.Response != "" {
		s.responses = append(s.responses, agent.SharedResponse{
			AgentID: m.AgentID,
			Role:    m.Role,
			Round:   round,
			Content: exec.Output.Response,
		})
	}
	if s.policy.ShareToolResults {
		for _, step := range exec.Steps {
			if step.Type != agent.StepToolResult {
				continue
			}
			name, result := step.Content, step.Content
			if parts := strings.SplitN(step.Content, " → ", 2); len(parts) == 2 {
				name, result = parts[0], parts[1]
			}
			s.toolResults = append(s.toolResults, agent.SharedToolResult{
				AgentID: m.AgentID,
				Tool:    name,
				Result:  result,
			})
		}
	}
}
