package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/llmcopilot/orchestrator/internal/agent"
)

// SaveAgent upserts an agent configuration. Nested configuration is
// stored as JSONB so schema churn stays out of the hot path.
func (s *Store) SaveAgent(ctx context.Context, a *agent.Agent) error {
	capabilities, err := json.Marshal(a.Capabilities)
	if err != nil {
		return fmt.Errorf("marshal capabilities: %w", err)
	}
	behavior, err := json.Marshal(a.Behavior)
	if err != nil {
		return fmt.Errorf("marshal behavior: %w", err)
	}
	tools, err := json.Marshal(a.Tools)
	if err != nil {
		return fmt.Errorf("marshal tools: %w", err)
	}
	memory, err := json.Marshal(a.Memory)
	if err != nil {
		return fmt.Errorf("marshal memory: %w", err)
	}

	now := time.Now()
	_, err = s.db.Exec(ctx, `
		INSERT INTO agents (id, name, system_prompt, provider_id, model, temperature, max_tokens,
		                    tools, capabilities, behavior, memory, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $12)
		ON CONFLICT (id) DO UPDATE SET
			name = EXCLUDED.name,
			system_prompt = EXCLUDED.system_prompt,
			provider_id = EXCLUDED.provider_id,
			model = EXCLUDED.model,
			temperature = EXCLUDED.temperature,
			max_tokens = EXCLUDED.max_tokens,
			tools = EXCLUDED.tools,
			capabilities = EXCLUDED.capabilities,
			behavior = EXCLUDED.behavior,
			memory = EXCLUDED.memory,
			updated_at = EXCLUDED.updated_at`,
		a.ID, a.Name, a.SystemPrompt,
		a.Model.Provider, a.Model.Model, a.Model.Temperature, a.Model.MaxTokens,
		tools, capabilities, behavior, memory, now,
	)
	if err != nil {
		return fmt.Errorf("save agent %s: %w", a.ID, err)
	}
	return nil
}

// GetAgent retrieves a single agent by ID.
func (s *Store) GetAgent(ctx context.Context, id string) (*agent.Agent, error) {
	row := s.db.QueryRow(ctx, `
		SELECT id, name, system_prompt, COALESCE(provider_id,''), model, temperature, max_tokens,
		       tools, capabilities, behavior, memory
		FROM agents WHERE id = $1`, id)

	var a agent.Agent
	var tools, capabilities, behavior, memory []byte
	err := row.Scan(
		&a.ID, &a.Name, &a.SystemPrompt,
		&a.Model.Provider, &a.Model.Model, &a.Model.Temperature, &a.Model.MaxTokens,
		&tools, &capabilities, &behavior, &memory,
	)
	if err != nil {
		return nil, notFound(err, "agent", id)
	}
	if len(tools) > 0 {
		json.Unmarshal(tools, &a.Tools)
	}
	if len(capabilities) > 0 {
		json.Unmarshal(capabilities, &a.Capabilities)
	}
	if len(behavior) > 0 {
		json.Unmarshal(behavior, &a.Behavior)
	}
	if len(memory) > 0 {
		json.Unmarshal(memory, &a.Memory)
	}
	return &a, nil
}

// ListAgents returns all agents ordered by creation time.
func (s *Store) ListAgents(ctx context.Context) ([]*agent.Agent, error) {
	rows, err := s.db.Query(ctx, `
		SELECT id FROM agents ORDER BY created_at`)
	if err != nil {
		return nil, fmt.Errorf("list agents: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan agent id: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	agents := make([]*agent.Agent, 0, len(ids))
	for _, id := range ids {
		a, err := s.GetAgent(ctx, id)
		if err != nil {
			return nil, err
		}
		agents = append(agents, a)
	}
	return agents, nil
}

// DeleteAgent removes an agent configuration.
func (s *Store) DeleteAgent(ctx context.Context, id string) error {
	_, err := s.db.Exec(ctx, `DELETE FROM agents WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete agent %s: %w", id, err)
	}
	return nil
}
