package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/llmcopilot/orchestrator/internal/provider"
	"github.com/llmcopilot/orchestrator/internal/retry"
	"github.com/llmcopilot/orchestrator/internal/tool"
	"go.uber.org/zap"
)

// ModelService routes one model turn for an agent. The provider router
// implements it; tests inject fakes.
type ModelService interface {
	Invoke(ctx context.Context, agentID string, req *provider.InvokeRequest) (*provider.InvokeResponse, error)
}

// Executor runs one agent's reasoning loop to completion. It has no side
// effects beyond the Execution record and calls to the two external
// services; shared context arrives as an immutable snapshot.
type Executor struct {
	models ModelService
	tools  tool.Executor
	clock  func() time.Time
	logger *zap.Logger
}

// NewExecutor creates an executor over the model and tool services.
func NewExecutor(models ModelService, tools tool.Executor, logger *zap.Logger) *Executor {
	return &Executor{
		models: models,
		tools:  tools,
		clock:  time.Now,
		logger: logger.With(zap.String("component", "agent_executor")),
	}
}

// delegateSpec is the synthetic tool offered to agents that may delegate.
// The executor never calls another agent; it records the request and
// returns control to the orchestrator.
var delegateSpec = provider.Tool{
	Type: "function",
	Function: provider.ToolFunction{
		Name:        "delegate",
		Description: "Hand a subtask to another agent on the team and end your turn.",
		Parameters: map[string]interface{}{
			"type": "object",
			"properties": map[string]interface{}{
				"target_agent_id": map[string]interface{}{"type": "string"},
				"instructions":    map[string]interface{}{"type": "string"},
			},
			"required": []string{"target_agent_id", "instructions"},
		},
	},
}

// Execute runs the iteration loop for one agent against one input.
// The returned Execution is always non-nil and terminal — except on
// delegation, where it is waiting until the orchestrator absorbs the
// handoff. err mirrors Execution.Error for callers that branch on
// failure.
func (e *Executor) Execute(ctx context.Context, a *Agent, input string, snap Snapshot) (*Execution, error) {
	exec := &Execution{
		ID:        uuid.New().String(),
		AgentID:   a.ID,
		Input:     input,
		Status:    StatusIdle,
		StartedAt: e.clock(),
	}
	exec.Status = StatusRunning

	req := &provider.InvokeRequest{
		Model:       a.Model.Model,
		Messages:    e.buildMessages(a, input, snap),
		Temperature: a.Model.Temperature,
		MaxTokens:   a.Model.MaxTokens,
	}
	if a.Capabilities.CanUseTools && e.tools != nil {
		req.Tools = e.tools.Specs(a.Tools)
	}
	if a.Capabilities.CanDelegate {
		req.Tools = append(req.Tools, delegateSpec)
	}
	if len(req.Tools) > 0 {
		req.ToolChoice = "auto"
	}

	maxIter := a.Behavior.maxIterations()
	var lastContent string

	for iter := 1; iter <= maxIter; iter++ {
		if err := ctx.Err(); err != nil {
			return e.cancel(exec), err
		}
		exec.Metrics.Iterations = iter

		resp, err := e.models.Invoke(ctx, a.ID, req)
		if err != nil {
			if errors.Is(err, context.Canceled) {
				return e.cancel(exec), err
			}
			return e.fail(exec, CodeModelInvocation, err)
		}
		exec.Metrics.PromptTokens += resp.Usage.PromptTokens
		exec.Metrics.CompletionTokens += resp.Usage.CompletionTokens
		exec.Metrics.TotalTokens += resp.Usage.TotalTokens
		lastContent = resp.Content

		if len(resp.ToolCalls) == 0 {
			e.appendStep(exec, StepResponse, resp.Content, resp.Usage.TotalTokens)
			exec.Output.Response = resp.Content
			return e.complete(exec), nil
		}

		if resp.Content != "" {
			e.appendStep(exec, StepThought, resp.Content, resp.Usage.TotalTokens)
		}
		req.Messages = append(req.Messages, provider.Message{
			Role:      "assistant",
			Content:   resp.Content,
			ToolCalls: resp.ToolCalls,
		})

		for _, tc := range resp.ToolCalls {
			if tc.Function.Name == delegateSpec.Function.Name && a.Capabilities.CanDelegate {
				return e.delegate(exec, tc)
			}

			e.appendStep(exec, StepToolCall,
				fmt.Sprintf("%s(%s)", tc.Function.Name, tc.Function.Arguments), 0)

			if err := ctx.Err(); err != nil {
				return e.cancel(exec), err
			}

			result, toolErr := e.executeTool(ctx, a, exec, tc)
			exec.Metrics.ToolCalls++
			if toolErr != nil {
				if errors.Is(toolErr, context.Canceled) {
					return e.cancel(exec), toolErr
				}
				if a.Behavior.StopOnToolError {
					return e.fail(exec, CodeToolExecution, toolErr)
				}
				// Fold the error back so the model can attempt recovery.
				result = fmt.Sprintf("tool %s failed: %v", tc.Function.Name, toolErr)
			}

			e.appendStep(exec, StepToolResult,
				fmt.Sprintf("%s → %s", tc.Function.Name, truncate(result, 200)), 0)
			req.Messages = append(req.Messages, provider.Message{
				Role:       "tool",
				Content:    result,
				ToolCallID: tc.ID,
			})
		}
	}

	// Iteration budget exhausted; the last model content stands.
	e.appendStep(exec, StepResponse, lastContent, 0)
	exec.Output.Response = lastContent
	return e.complete(exec), nil
}

// executeTool runs one tool call with the agent's bounded retry budget.
func (e *Executor) executeTool(ctx context.Context, a *Agent, exec *Execution, tc provider.ToolCall) (string, error) {
	retries := a.Behavior.ToolRetries
	if retries <= 0 {
		retries = 2
	}
	policy := retry.DefaultPolicy()
	policy.MaxAttempts = retries + 1

	var result string
	err := policy.Do(ctx, func() error {
		var callErr error
		result, callErr = e.tools.Execute(ctx, tc.Function.Name, tc.Function.Arguments,
			tool.Invocation{AgentID: a.ID, ExecutionID: exec.ID})
		if callErr != nil {
			if errors.Is(callErr, tool.ErrUnknownTool) || errors.Is(callErr, tool.ErrDenied) {
				return retry.Abort(callErr)
			}
			return callErr
		}
		return nil
	})
	return result, err
}

func (e *Executor) buildMessages(a *Agent, input string, snap Snapshot) []provider.Message {
	msgs := []provider.Message{
		{Role: "system", Content: a.SystemPrompt},
	}
	if !snap.Empty() {
		msgs = append(msgs, provider.Message{Role: "system", Content: formatSnapshot(snap)})
	}
	msgs = append(msgs, provider.Message{Role: "user", Content: input})
	return msgs
}

// formatSnapshot renders the shared-context snapshot as a system message.
func formatSnapshot(snap Snapshot) string {
	var sb strings.Builder
	if len(snap.Responses) > 0 {
		sb.WriteString("Responses from other agents:\n")
		for _, r := range snap.Responses {
			if r.Role != "" {
				fmt.Fprintf(&sb, "[%s (%s)] %s\n", r.AgentID, r.Role, r.Content)
			} else {
				fmt.Fprintf(&sb, "[%s] %s\n", r.AgentID, r.Content)
			}
		}
	}
	if len(snap.ToolResults) > 0 {
		sb.WriteString("Shared tool results:\n")
		for _, tr := range snap.ToolResults {
			fmt.Fprintf(&sb, "[%s] %s → %s\n", tr.AgentID, tr.Tool, tr.Result)
		}
	}
	return sb.String()
}

func (e *Executor) delegate(exec *Execution, tc provider.ToolCall) (*Execution, error) {
	var d Delegation
	if err := json.Unmarshal([]byte(tc.Function.Arguments), &d); err != nil || d.TargetAgentID == "" {
		return e.fail(exec, CodeModelInvocation,
			fmt.Errorf("malformed delegation arguments: %s", tc.Function.Arguments))
	}
	e.appendStep(exec, StepDelegation,
		fmt.Sprintf("→ %s: %s", d.TargetAgentID, truncate(d.Instructions, 200)), 0)
	exec.Delegation = &d
	// The execution waits for the orchestrator to take over; recording
	// the handoff completes it.
	return e.finalize(exec, StatusWaiting), nil
}

func (e *Executor) appendStep(exec *Execution, typ StepType, content string, tokens int) {
	exec.Steps = append(exec.Steps, Step{
		Type:       typ,
		Content:    content,
		Timestamp:  e.clock(),
		TokensUsed: tokens,
	})
}

func (e *Executor) complete(exec *Execution) *Execution {
	return e.finalize(exec, StatusCompleted)
}

func (e *Executor) cancel(exec *Execution) *Execution {
	exec.Error = &ExecError{Code: CodeCancelled, Message: "execution cancelled", AgentID: exec.AgentID}
	return e.finalize(exec, StatusCancelled)
}

func (e *Executor) fail(exec *Execution, code string, err error) (*Execution, error) {
	exec.Error = &ExecError{Code: code, Message: err.Error(), AgentID: exec.AgentID}
	e.finalize(exec, StatusFailed)
	return exec, exec.Error
}

func (e *Executor) finalize(exec *Execution, to Status) *Execution {
	if err := Transition(exec.Status, to); err != nil {
		e.logger.Warn("illegal status transition", zap.Error(err))
	}
	exec.Status = to
	exec.CompletedAt = e.clock()
	exec.Metrics.Duration = exec.CompletedAt.Sub(exec.StartedAt)
	return exec
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max] + "..."
}
