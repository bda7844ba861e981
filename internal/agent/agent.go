package agent

// Agent is the immutable configuration of one reasoning unit. It is
// created and updated by external CRUD; the orchestrator only reads it.
type Agent struct {
	ID           string       `json:"id"`
	Name         string       `json:"name"`
	SystemPrompt string       `json:"system_prompt"`
	Model        ModelRef     `json:"model"`
	Tools        []string     `json:"tools,omitempty"` // allowlist of tool IDs
	Capabilities Capabilities `json:"capabilities"`
	Behavior     Behavior     `json:"behavior"`
	Memory       MemoryPolicy `json:"memory"`
}

// ModelRef binds an agent to a provider and model.
type ModelRef struct {
	Provider    string  `json:"provider,omitempty"`
	Model       string  `json:"model"`
	Temperature float64 `json:"temperature,omitempty"`
	MaxTokens   int     `json:"max_tokens,omitempty"`
}

// Capabilities gates what an agent may do during execution.
type Capabilities struct {
	CanUseTools     bool `json:"can_use_tools"`
	CanDelegate     bool `json:"can_delegate_to_agents"`
	CanAccessMemory bool `json:"can_access_memory"`
}

// Behavior bounds the reasoning loop.
type Behavior struct {
	MaxIterations   int  `json:"max_iterations"`
	MaxDelegations  int  `json:"max_delegations"`
	StopOnToolError bool `json:"stop_on_tool_error"`
	ToolRetries     int  `json:"tool_retries"`
}

// MemoryPolicy is carried on the config for external memory services.
// The orchestration core does not interpret it.
type MemoryPolicy struct {
	Enabled bool   `json:"enabled"`
	Scope   string `json:"scope,omitempty"`
}

const (
	defaultMaxIterations  = 10
	defaultMaxDelegations = 3
)

// maxIterations returns the configured bound or the default.
func (b Behavior) maxIterations() int {
	if b.MaxIterations > 0 {
		return b.MaxIterations
	}
	return defaultMaxIterations
}

// MaxDelegations returns the configured bound or the default.
func (b Behavior) MaxDelegationsOrDefault() int {
	if b.MaxDelegations > 0 {
		return b.MaxDelegations
	}
	return defaultMaxDelegations
}
