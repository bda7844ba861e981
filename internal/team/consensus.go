package team

import "strings"

// Proposal is one agent's answer in a consensus round.
type Proposal struct {
	AgentID  string
	Answer   string
	Priority int
}

// EqualsFunc judges whether two answers agree. Semantic equivalence is
// an injectable external capability; the core only ships DefaultEquals.
type EqualsFunc func(a, b string) bool

// NormalizeAnswer is the canonical form used for vote keys.
func NormalizeAnswer(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}

// DefaultEquals is exact equality after trim + lowercase.
func DefaultEquals(a, b string) bool {
	return NormalizeAnswer(a) == NormalizeAnswer(b)
}

// VoteResult is the tally of one resolution. Deterministic: identical
// (proposals, equals) input always yields an identical result.
type VoteResult struct {
	Reached bool           `json:"reached"`
	Votes   map[string]int `json:"votes"`
	Winner  string         `json:"winner,omitempty"`
}

// ResolveConsensus groups proposals by the equals relation (first-seen
// proposal is each group's representative and vote key) and reports
// whether the plurality reaches threshold. Ties go to the earliest-seen
// group, keeping the result stable.
func ResolveConsensus(proposals []Proposal, equals EqualsFunc, threshold float64) VoteResult {
	if equals == nil {
		equals = DefaultEquals
	}
	result := VoteResult{Votes: make(map[string]int)}
	if len(proposals) == 0 {
		return result
	}

	type group struct {
		rep   string
		key   string
		count int
	}
	var groups []*group

	for _, p := range proposals {
		var matched *group
		for _, g := range groups {
			if equals(g.rep, p.Answer) {
				matched = g
				break
			}
		}
		if matched == nil {
			matched = &group{rep: p.Answer, key: NormalizeAnswer(p.Answer)}
			groups = append(groups, matched)
		}
		matched.count++
	}

	best := groups[0]
	for _, g := range groups {
		result.Votes[g.key] = g.count
		if g.count > best.count {
			best = g
		}
	}

	result.Winner = best.rep
	result.Reached = float64(best.count)/float64(len(proposals)) >= threshold
	return result
}
