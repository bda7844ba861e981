package team

import (
	"context"
	"errors"

	"github.com/llmcopilot/orchestrator/internal/agent"
)

// runSequential pipes members in priority order: each agent's response
// becomes the next agent's input. A child failure is fatal unless the
// team tolerates failures, in which case the failed member is skipped
// and the pipeline continues with the previous output.
func (o *Orchestrator) runSequential(ctx context.Context, input string) (*patternResult, error) {
	members := membersByPriority(o.team.Members)
	current := input
	var last string

	for i, m := range members {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		round := i + 1
		exec, err := o.runAndRecord(ctx, m, current, round)
		if err != nil {
			if errors.Is(err, context.Canceled) {
				return nil, err
			}
			if !o.team.PatternConfig.TolerateFailures {
				return nil, memberError(exec, err)
			}
			continue
		}
		if exec.Output.Response != "" {
			last = exec.Output.Response
			current = exec.Output.Response
		}
		if o.checkTermination(round, []string{exec.Output.Response}) {
			break
		}
	}
	return &patternResult{response: last}, nil
}

// memberError prefers the child's own terminal error, which carries the
// failing agent's identity.
func memberError(exec *agent.Execution, err error) error {
	if exec != nil && exec.Error != nil {
		return exec.Error
	}
	return err
}
