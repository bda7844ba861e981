package store

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/llmcopilot/orchestrator/internal/agent"
	"github.com/llmcopilot/orchestrator/internal/team"
)

// SaveAgentExecution upserts one agent execution. teamExecutionID is
// empty for standalone runs.
func (s *Store) SaveAgentExecution(ctx context.Context, e *agent.Execution, teamExecutionID string) error {
	steps, err := json.Marshal(e.Steps)
	if err != nil {
		return fmt.Errorf("marshal steps: %w", err)
	}
	output, err := json.Marshal(e.Output)
	if err != nil {
		return fmt.Errorf("marshal output: %w", err)
	}
	metrics, err := json.Marshal(e.Metrics)
	if err != nil {
		return fmt.Errorf("marshal metrics: %w", err)
	}
	var delegation, execErr []byte
	if e.Delegation != nil {
		if delegation, err = json.Marshal(e.Delegation); err != nil {
			return fmt.Errorf("marshal delegation: %w", err)
		}
	}
	if e.Error != nil {
		if execErr, err = json.Marshal(e.Error); err != nil {
			return fmt.Errorf("marshal error: %w", err)
		}
	}

	_, err = s.db.Exec(ctx, `
		INSERT INTO agent_executions (id, agent_id, team_execution_id, input, status,
		                              steps, output, metrics, delegation, error, started_at, completed_at)
		VALUES ($1, $2, NULLIF($3,''), $4, $5, $6, $7, $8, $9, $10, $11, $12)
		ON CONFLICT (id) DO UPDATE SET
			status = EXCLUDED.status,
			steps = EXCLUDED.steps,
			output = EXCLUDED.output,
			metrics = EXCLUDED.metrics,
			delegation = EXCLUDED.delegation,
			error = EXCLUDED.error,
			completed_at = EXCLUDED.completed_at`,
		e.ID, e.AgentID, teamExecutionID, e.Input, string(e.Status),
		steps, output, metrics, delegation, execErr, e.StartedAt, e.CompletedAt,
	)
	if err != nil {
		return fmt.Errorf("save agent execution %s: %w", e.ID, err)
	}
	return nil
}

// GetAgentExecution retrieves one agent execution by ID.
func (s *Store) GetAgentExecution(ctx context.Context, id string) (*agent.Execution, error) {
	row := s.db.QueryRow(ctx, `
		SELECT id, agent_id, input, status, steps, output, metrics,
		       COALESCE(delegation,'null'), COALESCE(error,'null'), started_at, completed_at
		FROM agent_executions WHERE id = $1`, id)
	return scanAgentExecution(row)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanAgentExecution(row rowScanner) (*agent.Execution, error) {
	var e agent.Execution
	var status string
	var steps, output, metrics, delegation, execErr []byte
	err := row.Scan(&e.ID, &e.AgentID, &e.Input, &status,
		&steps, &output, &metrics, &delegation, &execErr, &e.StartedAt, &e.CompletedAt)
	if err != nil {
		return nil, notFound(err, "agent execution", e.ID)
	}
	e.Status = agent.Status(status)
	for _, col := range []struct {
		name string
		raw  []byte
		dest any
	}{
		{"steps", steps, &e.Steps},
		{"output", output, &e.Output},
		{"metrics", metrics, &e.Metrics},
		{"delegation", delegation, &e.Delegation},
		{"error", execErr, &e.Error},
	} {
		if err := json.Unmarshal(col.raw, col.dest); err != nil {
			return nil, fmt.Errorf("unmarshal %s of agent execution %s: %w", col.name, e.ID, err)
		}
	}
	return &e, nil
}

// SaveTeamExecution upserts a team execution along with its child agent
// executions and collaboration log. Log entries are immutable, so
// re-saving an execution only inserts the entries not yet stored.
func (s *Store) SaveTeamExecution(ctx context.Context, e *team.Execution) error {
	refs, err := json.Marshal(e.AgentExecutions)
	if err != nil {
		return fmt.Errorf("marshal agent refs: %w", err)
	}
	output, err := json.Marshal(e.Output)
	if err != nil {
		return fmt.Errorf("marshal output: %w", err)
	}
	metrics, err := json.Marshal(e.Metrics)
	if err != nil {
		return fmt.Errorf("marshal metrics: %w", err)
	}
	var execErr []byte
	if e.Error != nil {
		if execErr, err = json.Marshal(e.Error); err != nil {
			return fmt.Errorf("marshal error: %w", err)
		}
	}

	_, err = s.db.Exec(ctx, `
		INSERT INTO team_executions (id, team_id, input, status, agent_refs,
		                             output, metrics, stop_reason, error, started_at, completed_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (id) DO UPDATE SET
			status = EXCLUDED.status,
			agent_refs = EXCLUDED.agent_refs,
			output = EXCLUDED.output,
			metrics = EXCLUDED.metrics,
			stop_reason = EXCLUDED.stop_reason,
			error = EXCLUDED.error,
			completed_at = EXCLUDED.completed_at`,
		e.ID, e.TeamID, e.Input, string(e.Status), refs,
		output, metrics, string(e.StopReason), execErr, e.StartedAt, e.CompletedAt,
	)
	if err != nil {
		return fmt.Errorf("save team execution %s: %w", e.ID, err)
	}

	for _, child := range e.Children {
		if err := s.SaveAgentExecution(ctx, child, e.ID); err != nil {
			return err
		}
	}
	for _, entry := range e.Log {
		if err := s.AppendLogEntry(ctx, e.ID, entry); err != nil {
			return err
		}
	}
	return nil
}

// AppendLogEntry stores one collaboration log entry. Entries are keyed
// by (execution, seq) and never updated.
func (s *Store) AppendLogEntry(ctx context.Context, executionID string, entry team.LogEntry) error {
	_, err := s.db.Exec(ctx, `
		INSERT INTO collaboration_log (execution_id, seq, type, from_agent, to_agent, round, content, ts)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (execution_id, seq) DO NOTHING`,
		executionID, entry.Seq, string(entry.Type),
		entry.FromAgent, entry.ToAgent, entry.Round, entry.Content, entry.Timestamp,
	)
	if err != nil {
		return fmt.Errorf("append log entry %d: %w", entry.Seq, err)
	}
	return nil
}

// GetTeamExecution reloads a team execution, its children, and its log
// in total order.
func (s *Store) GetTeamExecution(ctx context.Context, id string) (*team.Execution, error) {
	row := s.db.QueryRow(ctx, `
		SELECT id, team_id, input, status, agent_refs, output, metrics,
		       COALESCE(stop_reason,''), COALESCE(error,'null'), started_at, completed_at
		FROM team_executions WHERE id = $1`, id)

	var e team.Execution
	var status, stopReason string
	var refs, output, metrics, execErr []byte
	err := row.Scan(&e.ID, &e.TeamID, &e.Input, &status, &refs,
		&output, &metrics, &stopReason, &execErr, &e.StartedAt, &e.CompletedAt)
	if err != nil {
		return nil, notFound(err, "team execution", id)
	}
	e.Status = agent.Status(status)
	e.StopReason = team.StopReason(stopReason)
	for _, col := range []struct {
		name string
		raw  []byte
		dest any
	}{
		{"agent_refs", refs, &e.AgentExecutions},
		{"output", output, &e.Output},
		{"metrics", metrics, &e.Metrics},
		{"error", execErr, &e.Error},
	} {
		if err := json.Unmarshal(col.raw, col.dest); err != nil {
			return nil, fmt.Errorf("unmarshal %s of team execution %s: %w", col.name, id, err)
		}
	}

	e.Children, err = s.listChildren(ctx, id)
	if err != nil {
		return nil, err
	}
	e.Log, err = s.GetLog(ctx, id)
	if err != nil {
		return nil, err
	}
	return &e, nil
}

func (s *Store) listChildren(ctx context.Context, executionID string) ([]*agent.Execution, error) {
	rows, err := s.db.Query(ctx, `
		SELECT id, agent_id, input, status, steps, output, metrics,
		       COALESCE(delegation,'null'), COALESCE(error,'null'), started_at, completed_at
		FROM agent_executions WHERE team_execution_id = $1
		ORDER BY started_at, id`, executionID)
	if err != nil {
		return nil, fmt.Errorf("list children of %s: %w", executionID, err)
	}
	defer rows.Close()

	var children []*agent.Execution
	for rows.Next() {
		child, err := scanAgentExecution(rows)
		if err != nil {
			return nil, err
		}
		children = append(children, child)
	}
	return children, rows.Err()
}

// GetLog reloads a collaboration log ordered by timestamp, sequence
// breaking ties.
func (s *Store) GetLog(ctx context.Context, executionID string) ([]team.LogEntry, error) {
	rows, err := s.db.Query(ctx, `
		SELECT seq, type, from_agent, to_agent, round, content, ts
		FROM collaboration_log WHERE execution_id = $1
		ORDER BY ts, seq`, executionID)
	if err != nil {
		return nil, fmt.Errorf("get log of %s: %w", executionID, err)
	}
	defer rows.Close()

	var entries []team.LogEntry
	for rows.Next() {
		var e team.LogEntry
		var typ string
		if err := rows.Scan(&e.Seq, &typ, &e.FromAgent, &e.ToAgent, &e.Round, &e.Content, &e.Timestamp); err != nil {
			return nil, fmt.Errorf("scan log entry: %w", err)
		}
		e.Type = team.LogEntryType(typ)
		entries = append(entries, e)
	}
	return entries, rows.Err()
}
