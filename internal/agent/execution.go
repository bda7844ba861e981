package agent

import (
	"fmt"
	"time"
)

// Status represents an execution's state. The same machine applies to
// agent and team executions.
type Status string

const (
	StatusIdle      Status = "idle"
	StatusRunning   Status = "running"
	StatusWaiting   Status = "waiting"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// validTransitions defines allowed state transitions.
var validTransitions = map[Status][]Status{
	StatusIdle:    {StatusRunning, StatusCancelled},
	StatusRunning: {StatusWaiting, StatusCompleted, StatusFailed, StatusCancelled},
	StatusWaiting: {StatusRunning, StatusCompleted, StatusFailed, StatusCancelled},
}

// Transition returns nil if from→to is a legal transition.
func Transition(from, to Status) error {
	allowed, ok := validTransitions[from]
	if !ok {
		return fmt.Errorf("no transitions from %q", from)
	}
	for _, s := range allowed {
		if s == to {
			return nil
		}
	}
	return fmt.Errorf("invalid transition %q → %q", from, to)
}

// Terminal reports whether the status is final.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// StepType identifies the kind of execution step.
type StepType string

const (
	StepThought    StepType = "thought"
	StepToolCall   StepType = "tool_call"
	StepToolResult StepType = "tool_result"
	StepDelegation StepType = "delegation"
	StepResponse   StepType = "response"
)

// Step is one timestamped entry in the execution trace.
type Step struct {
	Type       StepType  `json:"type"`
	Content    string    `json:"content"`
	Timestamp  time.Time `json:"timestamp"`
	TokensUsed int       `json:"tokens_used,omitempty"`
}

// Metrics tracks resource consumption for one execution.
type Metrics struct {
	PromptTokens     int           `json:"prompt_tokens"`
	CompletionTokens int           `json:"completion_tokens"`
	TotalTokens      int           `json:"total_tokens"`
	ToolCalls        int           `json:"tool_calls"`
	Iterations       int           `json:"iterations"`
	Duration         time.Duration `json:"duration"`
}

// Merge folds other into m.
func (m *Metrics) Merge(other Metrics) {
	m.PromptTokens += other.PromptTokens
	m.CompletionTokens += other.CompletionTokens
	m.TotalTokens += other.TotalTokens
	m.ToolCalls += other.ToolCalls
	m.Iterations += other.Iterations
	m.Duration += other.Duration
}

// Error codes carried on failed executions.
const (
	CodeModelInvocation = "model_invocation"
	CodeToolExecution   = "tool_execution"
	CodeDelegationLimit = "delegation_limit"
	CodeCancelled       = "cancelled"
)

// ExecError is an execution failure attributable to an agent.
type ExecError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	AgentID string `json:"agent_id,omitempty"`
}

func (e *ExecError) Error() string {
	if e.AgentID != "" {
		return fmt.Sprintf("%s (agent %s): %s", e.Code, e.AgentID, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Delegation is an agent's request to hand a subtask to another agent.
// The executor never acts on it; that is the orchestrator's job.
type Delegation struct {
	TargetAgentID string `json:"target_agent_id"`
	Instructions  string `json:"instructions"`
}

// Output is the final product of an execution.
type Output struct {
	Response string `json:"response"`
}

// Execution is one run of an agent against an input. It is owned by the
// executor that produced it and immutable once terminal.
type Execution struct {
	ID          string      `json:"id"`
	AgentID     string      `json:"agent_id"`
	Input       string      `json:"input"`
	Status      Status      `json:"status"`
	Steps       []Step      `json:"steps"`
	Output      Output      `json:"output"`
	Metrics     Metrics     `json:"metrics"`
	Delegation  *Delegation `json:"delegation,omitempty"`
	Error       *ExecError  `json:"error,omitempty"`
	StartedAt   time.Time   `json:"started_at"`
	CompletedAt time.Time   `json:"completed_at,omitempty"`
}

// Snapshot is the immutable view of the team's shared context an agent
// receives at launch. Executors never write shared state; the
// orchestrator is the sole writer.
type Snapshot struct {
	Responses   []SharedResponse   `json:"responses,omitempty"`
	ToolResults []SharedToolResult `json:"tool_results,omitempty"`
}

// SharedResponse is another agent's response visible per policy.
type SharedResponse struct {
	AgentID string `json:"agent_id"`
	Role    string `json:"role,omitempty"`
	Round   int    `json:"round,omitempty"`
	Content string `json:"content"`
}

// SharedToolResult is a tool result shared per policy.
type SharedToolResult struct {
	AgentID string `json:"agent_id"`
	Tool    string `json:"tool"`
	Result  string `json:"result"`
}

// Empty reports whether the snapshot carries nothing to show the agent.
func (s Snapshot) Empty() bool {
	return len(s.Responses) == 0 && len(s.ToolResults) == 0
}
