package team

import (
	"context"
	"errors"
	"fmt"
)

const defaultDebateRounds = 3

// runDebate iterates rounds in which every member states a position,
// seeing all earlier positions through the shared context snapshot.
// After each round the positions are resolved against the consensus
// threshold; the debate ends early on agreement. Individual failures are
// folded per agent; a round fails only when every member fails.
func (o *Orchestrator) runDebate(ctx context.Context, input string) (*patternResult, error) {
	if !o.team.SharedContext.Enabled || !o.team.SharedContext.ShareResponses {
		return nil, fmt.Errorf("debate pattern requires shared responses for team %s", o.team.ID)
	}
	maxRounds := o.team.PatternConfig.MaxRounds
	if maxRounds <= 0 {
		maxRounds = defaultDebateRounds
	}
	members := membersByPriority(o.team.Members)

	latest := make(map[string]string, len(members))
	var result VoteResult
	rounds := 0

	for round := 1; round <= maxRounds; round++ {
		rounds = round
		var outputs []string
		succeeded := 0
		var lastErr error

		for _, m := range members {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
			exec, err := o.runAndRecord(ctx, m, debatePrompt(input, round, maxRounds), round)
			if err != nil {
				if errors.Is(err, context.Canceled) {
					return nil, err
				}
				lastErr = memberError(exec, err)
				continue
			}
			succeeded++
			latest[m.AgentID] = exec.Output.Response
			outputs = append(outputs, exec.Output.Response)
		}
		if succeeded == 0 {
			return nil, fmt.Errorf("debate round %d: all members failed: %w", round, lastErr)
		}

		proposals := make([]Proposal, 0, len(members))
		for _, m := range members {
			answer, ok := latest[m.AgentID]
			if !ok {
				continue
			}
			proposals = append(proposals, Proposal{AgentID: m.AgentID, Answer: answer, Priority: m.Priority})
			o.appendLog(LogVote, m.AgentID, "", round, truncate(answer, 200))
		}
		result = ResolveConsensus(proposals, o.equals, o.team.PatternConfig.ConsensusThreshold)

		if result.Reached {
			o.appendLog(LogConsensus, "", "", round,
				fmt.Sprintf("consensus reached on %q after %d rounds", truncate(result.Winner, 120), round))
			return &patternResult{
				response: result.Winner,
				consensus: &ConsensusOutcome{
					Reached: true,
					Rounds:  round,
					Votes:   result.Votes,
					Winner:  result.Winner,
				},
			}, nil
		}
		o.appendLog(LogConsensus, "", "", round,
			fmt.Sprintf("no consensus after round %d", round))

		if o.checkTermination(round, outputs) {
			break
		}
	}

	// Rounds exhausted without agreement: report the plurality position.
	return &patternResult{
		response: result.Winner,
		consensus: &ConsensusOutcome{
			Reached: false,
			Rounds:  rounds,
			Votes:   result.Votes,
			Winner:  result.Winner,
		},
	}, nil
}

func debatePrompt(input string, round, maxRounds int) string {
	if round == 1 {
		return fmt.Sprintf("%s\n\nDebate round 1 of %d. State your position and reasoning.", input, maxRounds)
	}
	if round == maxRounds {
		return fmt.Sprintf("%s\n\nFinal debate round %d of %d. Consider the other positions and give your final answer.", input, round, maxRounds)
	}
	return fmt.Sprintf("%s\n\nDebate round %d of %d. Consider the other positions; revise or defend yours.", input, round, maxRounds)
}
