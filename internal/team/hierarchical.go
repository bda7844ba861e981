package team

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"github.com/llmcopilot/orchestrator/internal/agent"
)

// runHierarchical runs the supervisor first, then follows delegations:
// an explicit delegation emitted by the agent takes precedence, else the
// output is matched against the team's delegation rules. Each target is
// visited at most once and the supervisor's delegation budget caps the
// chain; exceeding it fails the run. When any delegation happened, the
// supervisor gets a final aggregation turn.
func (o *Orchestrator) runHierarchical(ctx context.Context, input string) (*patternResult, error) {
	sup := o.supervisorMember()
	supAgent, ok := o.agents[sup.AgentID]
	if !ok {
		return nil, fmt.Errorf("supervisor agent %s not resolved", sup.AgentID)
	}
	maxDelegations := supAgent.Behavior.MaxDelegationsOrDefault()

	round := 1
	exec, err := o.runAndRecord(ctx, sup, input, round)
	if err != nil {
		return nil, memberError(exec, err)
	}

	visited := map[string]bool{sup.AgentID: true}
	delegations := 0
	output := exec.Output.Response
	var artifacts []Artifact

	for {
		if o.checkTermination(round, []string{output}) {
			break
		}
		target, instructions := nextDelegation(exec, output, o.team.PatternConfig.DelegationRules)
		if target == "" || visited[target] {
			break
		}
		delegations++
		if delegations > maxDelegations {
			return nil, &agent.ExecError{
				Code:    CodeDelegationLimit,
				Message: fmt.Sprintf("delegation budget of %d exhausted", maxDelegations),
				AgentID: sup.AgentID,
			}
		}
		visited[target] = true

		m, ok := o.memberByID(target)
		if !ok {
			return nil, &agent.ExecError{
				Code:    CodeAgentFailed,
				Message: fmt.Sprintf("delegation target %s is not a team member", target),
				AgentID: exec.AgentID,
			}
		}
		o.appendLog(LogDelegation, exec.AgentID, target, round, truncate(instructions, 200))

		round++
		exec, err = o.runAndRecord(ctx, m, instructions, round)
		if err != nil {
			if o.team.PatternConfig.TolerateFailures {
				break
			}
			return nil, memberError(exec, err)
		}
		output = exec.Output.Response
		artifacts = append(artifacts, Artifact{AgentID: m.AgentID, Role: m.Role, Content: output})
	}

	if len(artifacts) > 0 && o.stopReason == "" {
		round++
		final, err := o.runAndRecord(ctx, sup, aggregationPrompt(input, artifacts), round)
		if err != nil {
			return nil, memberError(final, err)
		}
		o.appendLog(LogIntervention, sup.AgentID, "", round, "aggregated delegated results")
		output = final.Output.Response
	}

	return &patternResult{response: output, artifacts: artifacts}, nil
}

// nextDelegation picks the next hop: the agent's own delegation wins,
// then the first matching rule with the output as instructions.
func nextDelegation(exec *agent.Execution, output string, rules []DelegationRule) (target, instructions string) {
	if exec.Delegation != nil {
		return exec.Delegation.TargetAgentID, exec.Delegation.Instructions
	}
	for _, r := range rules {
		if matchCondition(output, r.Condition) {
			return r.TargetAgentID, output
		}
	}
	return "", ""
}

// matchCondition evaluates one rule condition against an output.
// "equals:X" and "regex:X" are exact and pattern matches; "contains:X"
// and bare strings are case-insensitive substring matches.
func matchCondition(output, cond string) bool {
	switch {
	case cond == "":
		return false
	case strings.HasPrefix(cond, "equals:"):
		return DefaultEquals(output, strings.TrimPrefix(cond, "equals:"))
	case strings.HasPrefix(cond, "regex:"):
		re, err := regexp.Compile(strings.TrimPrefix(cond, "regex:"))
		return err == nil && re.MatchString(output)
	case strings.HasPrefix(cond, "contains:"):
		cond = strings.TrimPrefix(cond, "contains:")
		fallthrough
	default:
		return strings.Contains(strings.ToLower(output), strings.ToLower(cond))
	}
}

func aggregationPrompt(input string, artifacts []Artifact) string {
	var b strings.Builder
	b.WriteString("Original task:\n")
	b.WriteString(input)
	b.WriteString("\n\nDelegated results:\n")
	for _, a := range artifacts {
		fmt.Fprintf(&b, "- %s: %s\n", a.AgentID, a.Content)
	}
	b.WriteString("\nProduce the final answer to the original task.")
	return b.String()
}
