package team

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// runConsensus collects one independent proposal per member, tallies
// them, and applies the configured tie-breaker when the plurality misses
// the threshold. Individual failures are folded; the run fails only when
// no member produces a proposal.
func (o *Orchestrator) runConsensus(ctx context.Context, input string) (*patternResult, error) {
	members := membersByPriority(o.team.Members)

	var proposals []Proposal
	var outputs []string
	var lastErr error
	for _, m := range members {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		exec, err := o.runAndRecord(ctx, m, proposalPrompt(input), 1)
		if err != nil {
			if errors.Is(err, context.Canceled) {
				return nil, err
			}
			lastErr = memberError(exec, err)
			continue
		}
		proposals = append(proposals, Proposal{
			AgentID:  m.AgentID,
			Answer:   exec.Output.Response,
			Priority: m.Priority,
		})
		outputs = append(outputs, exec.Output.Response)
		o.appendLog(LogVote, m.AgentID, "", 1, truncate(exec.Output.Response, 200))
	}
	if len(proposals) == 0 {
		return nil, fmt.Errorf("consensus round: all members failed: %w", lastErr)
	}

	threshold := o.team.PatternConfig.ConsensusThreshold
	result := ResolveConsensus(proposals, o.equals, threshold)
	outcome := &ConsensusOutcome{
		Reached: result.Reached,
		Rounds:  1,
		Votes:   result.Votes,
		Winner:  result.Winner,
	}

	if result.Reached {
		o.appendLog(LogConsensus, "", "", 1,
			fmt.Sprintf("consensus reached on %q", truncate(result.Winner, 120)))
		return &patternResult{response: result.Winner, consensus: outcome}, nil
	}

	// Termination precedes the tie-break: a met condition means no
	// further agent calls, so the plurality answer stands.
	if o.checkTermination(1, outputs) {
		winner := pluralityWinner(groupProposals(proposals, o.equals))
		outcome.Winner = winner
		o.appendLog(LogConsensus, "", "", 1,
			fmt.Sprintf("terminated (%s) before tie-break; plurality answer %q",
				o.stopReason, truncate(winner, 120)))
		return &patternResult{response: winner, consensus: outcome}, nil
	}

	winner, err := o.breakTie(ctx, proposals)
	if err != nil {
		return nil, err
	}
	outcome.Winner = winner
	o.appendLog(LogConsensus, "", "", 1,
		fmt.Sprintf("threshold %.2f missed; tie-break (%s) selected %q",
			threshold, o.tieBreaker(), truncate(winner, 120)))
	return &patternResult{response: winner, consensus: outcome}, nil
}

func (o *Orchestrator) tieBreaker() TieBreaker {
	if tb := o.team.PatternConfig.TieBreaker; tb != "" {
		return tb
	}
	return TieBreakerVoting
}

// breakTie picks a winner among the distinct answers when no plurality
// reached the threshold.
func (o *Orchestrator) breakTie(ctx context.Context, proposals []Proposal) (string, error) {
	groups := groupProposals(proposals, o.equals)

	switch o.tieBreaker() {
	case TieBreakerSupervisor:
		return o.supervisorTieBreak(ctx, proposals, groups)

	case TieBreakerRandom:
		return groups[o.rng.Intn(len(groups))].rep, nil

	default: // TieBreakerVoting: priority-weighted, earliest group wins ties.
		best := groups[0]
		for _, g := range groups[1:] {
			if g.weight > best.weight {
				best = g
			}
		}
		return best.rep, nil
	}
}

// supervisorTieBreak asks the designated supervisor to choose among the
// candidate answers; its response is the decision.
func (o *Orchestrator) supervisorTieBreak(ctx context.Context, proposals []Proposal, groups []proposalGroup) (string, error) {
	sup := o.supervisorMember()
	var b strings.Builder
	b.WriteString("The team did not reach consensus. Candidate answers:\n")
	for i, g := range groups {
		fmt.Fprintf(&b, "%d. %s (%d votes)\n", i+1, g.rep, g.count)
	}
	b.WriteString("\nChoose the best answer and state it verbatim.")

	exec, err := o.runAndRecord(ctx, sup, b.String(), 2)
	if err != nil {
		return "", memberError(exec, err)
	}
	o.appendLog(LogIntervention, sup.AgentID, "", 2, "supervisor tie-break")

	// Prefer the candidate the supervisor echoed; otherwise take its
	// response as-is.
	for _, g := range groups {
		if o.equals(g.rep, exec.Output.Response) ||
			strings.Contains(exec.Output.Response, g.rep) {
			return g.rep, nil
		}
	}
	return exec.Output.Response, nil
}

// proposalGroup is a cluster of equivalent answers.
type proposalGroup struct {
	rep    string
	count  int
	weight int
}

// pluralityWinner picks the most-voted representative, earliest group
// winning ties.
func pluralityWinner(groups []proposalGroup) string {
	best := groups[0]
	for _, g := range groups[1:] {
		if g.count > best.count {
			best = g
		}
	}
	return best.rep
}

// groupProposals clusters proposals by the equals relation, first-seen
// answer as representative, accumulating vote counts and priority weight.
func groupProposals(proposals []Proposal, equals EqualsFunc) []proposalGroup {
	if equals == nil {
		equals = DefaultEquals
	}
	var groups []proposalGroup
	for _, p := range proposals {
		idx := -1
		for i := range groups {
			if equals(groups[i].rep, p.Answer) {
				idx = i
				break
			}
		}
		if idx < 0 {
			groups = append(groups, proposalGroup{rep: p.Answer})
			idx = len(groups) - 1
		}
		groups[idx].count++
		groups[idx].weight += p.Priority
	}
	return groups
}

func proposalPrompt(input string) string {
	return input + "\n\nGive your single best answer."
}
