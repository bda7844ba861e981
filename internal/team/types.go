package team

import (
	"sort"
	"time"

	"github.com/llmcopilot/orchestrator/internal/agent"
)

// Pattern is the control-flow strategy governing how members interact.
type Pattern string

const (
	PatternSequential   Pattern = "sequential"
	PatternParallel     Pattern = "parallel"
	PatternHierarchical Pattern = "hierarchical"
	PatternDebate       Pattern = "debate"
	PatternConsensus    Pattern = "consensus"
	PatternSupervisor   Pattern = "supervisor"
)

// Member is an agent's position within a team.
type Member struct {
	AgentID  string `json:"agent_id"`
	Role     string `json:"role"`
	Priority int    `json:"priority"`
}

// Team is the immutable configuration of an agent group.
type Team struct {
	ID            string              `json:"id"`
	Name          string              `json:"name"`
	Members       []Member            `json:"members"`
	Pattern       Pattern             `json:"pattern"`
	PatternConfig PatternConfig       `json:"pattern_config"`
	SharedContext SharedContextPolicy `json:"shared_context"`
	Termination   TerminationPolicy   `json:"termination"`
	CreatedAt     time.Time           `json:"created_at"`
}

// PatternConfig carries pattern-specific knobs. Only the fields relevant
// to the team's pattern are consulted.
type PatternConfig struct {
	MaxConcurrent      int              `json:"max_concurrent,omitempty"`
	MaxRounds          int              `json:"max_rounds,omitempty"`
	ConsensusThreshold float64          `json:"consensus_threshold,omitempty"`
	TieBreaker         TieBreaker       `json:"tie_breaker,omitempty"`
	SupervisorAgentID  string           `json:"supervisor_agent_id,omitempty"`
	DelegationRules    []DelegationRule `json:"delegation_rules,omitempty"`
	TolerateFailures   bool             `json:"tolerate_failures,omitempty"`
}

// TieBreaker resolves a consensus round that misses its threshold.
type TieBreaker string

const (
	TieBreakerSupervisor TieBreaker = "supervisor"
	TieBreakerVoting     TieBreaker = "voting"
	TieBreakerRandom     TieBreaker = "random"
)

// DelegationRule maps a supervisor output condition to the next agent.
// Conditions use a small typed grammar: "contains:X", "equals:X",
// "regex:X"; a bare string means contains.
type DelegationRule struct {
	Condition     string `json:"condition"`
	TargetAgentID string `json:"target_agent_id"`
}

// SharedContextPolicy controls what the orchestrator propagates between
// members. Executors only ever see immutable snapshots.
type SharedContextPolicy struct {
	Enabled          bool `json:"enabled"`
	ShareToolResults bool `json:"share_tool_results"`
	ShareResponses   bool `json:"share_responses"`
}

// TerminationPolicy bounds a team run.
type TerminationPolicy struct {
	MaxDuration   time.Duration `json:"max_duration,omitempty"`
	MaxTokens     int           `json:"max_tokens,omitempty"`
	MaxIterations int           `json:"max_iterations,omitempty"`
	StopPhrases   []string      `json:"stop_phrases,omitempty"`
}

// ChildRef tags a child agent execution with its team position.
type ChildRef struct {
	ExecutionID string `json:"execution_id"`
	AgentID     string `json:"agent_id"`
	Role        string `json:"role"`
	Order       int    `json:"order"`
}

// Artifact is one agent's contribution to a merged output.
type Artifact struct {
	AgentID string `json:"agent_id"`
	Role    string `json:"role,omitempty"`
	Content string `json:"content"`
}

// ConsensusOutcome reports a vote tally.
type ConsensusOutcome struct {
	Reached bool           `json:"reached"`
	Rounds  int            `json:"rounds"`
	Votes   map[string]int `json:"votes"`
	Winner  string         `json:"winner,omitempty"`
}

// Output aggregates a team run's products.
type Output struct {
	Response  string            `json:"response,omitempty"`
	Artifacts []Artifact        `json:"artifacts,omitempty"`
	Consensus *ConsensusOutcome `json:"consensus,omitempty"`
}

// Metrics holds team totals plus the per-agent breakdown.
type Metrics struct {
	Totals   agent.Metrics            `json:"totals"`
	PerAgent map[string]agent.Metrics `json:"per_agent"`
}

// Team-level error codes, extending the agent-level taxonomy.
const (
	CodeAgentFailed          = "agent_failed"
	CodeDelegationLimit      = agent.CodeDelegationLimit
	CodeIncompleteResolution = "incomplete_resolution"
	CodeConsensusNotReached  = "consensus_not_reached"
)

// Execution is one run of a team. It is owned by the orchestrator
// instance that created it; the log is append-only until terminal.
type Execution struct {
	ID              string           `json:"id"`
	TeamID          string           `json:"team_id"`
	Input           string           `json:"input"`
	Status          agent.Status     `json:"status"`
	AgentExecutions []ChildRef       `json:"agent_executions"`
	Children        []*agent.Execution `json:"-"`
	Log             []LogEntry       `json:"log"`
	Output          Output           `json:"output"`
	Metrics         Metrics          `json:"metrics"`
	StopReason      StopReason       `json:"stop_reason,omitempty"`
	Error           *agent.ExecError `json:"error,omitempty"`
	StartedAt       time.Time        `json:"started_at"`
	CompletedAt     time.Time        `json:"completed_at,omitempty"`
}

// Child returns the child execution with the given ID, if present.
func (e *Execution) Child(executionID string) (*agent.Execution, bool) {
	for _, c := range e.Children {
		if c.ID == executionID {
			return c, true
		}
	}
	return nil, false
}

// membersByPriority returns members ordered highest priority first,
// original order breaking ties.
func membersByPriority(members []Member) []Member {
	sorted := make([]Member, len(members))
	copy(sorted, members)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].Priority > sorted[j].Priority
	})
	return sorted
}
