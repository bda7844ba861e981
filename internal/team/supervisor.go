package team

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
)

const defaultSupervisorTurns = 5

// directive is the supervisor's structured instruction for one turn.
type directive struct {
	TargetAgentID string `json:"target_agent_id"`
	Instructions  string `json:"instructions"`
	Done          bool   `json:"done"`
	Final         string `json:"final,omitempty"`
}

// runSupervisor alternates supervisor turns with worker turns: each
// supervisor turn emits a directive naming the next worker and its
// instructions, or declares the task done. A supervisor that stops
// emitting parseable directives ends the loop with its last response.
func (o *Orchestrator) runSupervisor(ctx context.Context, input string) (*patternResult, error) {
	sup := o.supervisorMember()
	maxTurns := o.team.Termination.MaxIterations
	if maxTurns <= 0 {
		maxTurns = defaultSupervisorTurns
	}

	prompt := supervisorPrompt(input, o.team.Members, sup.AgentID)
	var artifacts []Artifact
	response := ""

	for turn := 1; turn <= maxTurns; turn++ {
		exec, err := o.runAndRecord(ctx, sup, prompt, turn)
		if err != nil {
			return nil, memberError(exec, err)
		}
		response = exec.Output.Response

		d := parseDirective(exec.Output.Response)
		if d == nil || d.Done {
			if d != nil && d.Final != "" {
				response = d.Final
			}
			return &patternResult{response: response, artifacts: artifacts}, nil
		}

		m, ok := o.memberByID(d.TargetAgentID)
		if !ok {
			return nil, fmt.Errorf("supervisor directed unknown agent %s", d.TargetAgentID)
		}
		o.appendLog(LogIntervention, sup.AgentID, m.AgentID, turn, truncate(d.Instructions, 200))

		worker, err := o.runAndRecord(ctx, m, d.Instructions, turn)
		if err != nil {
			if !o.team.PatternConfig.TolerateFailures {
				return nil, memberError(worker, err)
			}
			prompt = fmt.Sprintf("Agent %s failed. Direct another agent or finish.", m.AgentID)
			continue
		}
		artifacts = append(artifacts, Artifact{AgentID: m.AgentID, Role: m.Role, Content: worker.Output.Response})
		response = worker.Output.Response

		if o.checkTermination(turn, []string{worker.Output.Response}) {
			break
		}
		prompt = fmt.Sprintf("Agent %s reported:\n%s\n\nDirect the next step, or declare done with the final answer.",
			m.AgentID, worker.Output.Response)
	}

	return &patternResult{response: response, artifacts: artifacts}, nil
}

// parseDirective extracts a directive from the supervisor's response,
// tolerating surrounding prose and markdown code fences. Returns nil when
// no actionable directive is present.
func parseDirective(s string) *directive {
	raw := s
	if start := strings.Index(raw, "{"); start >= 0 {
		if end := strings.LastIndex(raw, "}"); end > start {
			raw = raw[start : end+1]
		}
	}
	var d directive
	if err := json.Unmarshal([]byte(raw), &d); err != nil {
		return nil
	}
	if d.TargetAgentID == "" && !d.Done {
		return nil
	}
	return &d
}

func supervisorPrompt(input string, members []Member, supervisorID string) string {
	var b strings.Builder
	b.WriteString(input)
	b.WriteString("\n\nYou are supervising this team:\n")
	for _, m := range members {
		if m.AgentID == supervisorID {
			continue
		}
		fmt.Fprintf(&b, "- %s (%s)\n", m.AgentID, m.Role)
	}
	b.WriteString("\nRespond with JSON: {\"target_agent_id\": \"...\", \"instructions\": \"...\"} to direct an agent, or {\"done\": true, \"final\": \"...\"} when finished.")
	return b.String()
}
