package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/llmcopilot/orchestrator/internal/team"
)

// SaveTeam upserts a team configuration.
func (s *Store) SaveTeam(ctx context.Context, t *team.Team) error {
	members, err := json.Marshal(t.Members)
	if err != nil {
		return fmt.Errorf("marshal members: %w", err)
	}
	patternConfig, err := json.Marshal(t.PatternConfig)
	if err != nil {
		return fmt.Errorf("marshal pattern config: %w", err)
	}
	sharedContext, err := json.Marshal(t.SharedContext)
	if err != nil {
		return fmt.Errorf("marshal shared context: %w", err)
	}
	termination, err := json.Marshal(t.Termination)
	if err != nil {
		return fmt.Errorf("marshal termination: %w", err)
	}

	createdAt := t.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}
	_, err = s.db.Exec(ctx, `
		INSERT INTO teams (id, name, pattern, members, pattern_config, shared_context, termination, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (id) DO UPDATE SET
			name = EXCLUDED.name,
			pattern = EXCLUDED.pattern,
			members = EXCLUDED.members,
			pattern_config = EXCLUDED.pattern_config,
			shared_context = EXCLUDED.shared_context,
			termination = EXCLUDED.termination`,
		t.ID, t.Name, string(t.Pattern), members, patternConfig, sharedContext, termination, createdAt,
	)
	if err != nil {
		return fmt.Errorf("save team %s: %w", t.ID, err)
	}
	return nil
}

// GetTeam retrieves a single team by ID.
func (s *Store) GetTeam(ctx context.Context, id string) (*team.Team, error) {
	row := s.db.QueryRow(ctx, `
		SELECT id, name, pattern, members, pattern_config, shared_context, termination, created_at
		FROM teams WHERE id = $1`, id)

	var t team.Team
	var pattern string
	var members, patternConfig, sharedContext, termination []byte
	err := row.Scan(&t.ID, &t.Name, &pattern, &members, &patternConfig, &sharedContext, &termination, &t.CreatedAt)
	if err != nil {
		return nil, notFound(err, "team", id)
	}
	t.Pattern = team.Pattern(pattern)
	if len(members) > 0 {
		json.Unmarshal(members, &t.Members)
	}
	if len(patternConfig) > 0 {
		json.Unmarshal(patternConfig, &t.PatternConfig)
	}
	if len(sharedContext) > 0 {
		json.Unmarshal(sharedContext, &t.SharedContext)
	}
	if len(termination) > 0 {
		json.Unmarshal(termination, &t.Termination)
	}
	return &t, nil
}

// DeleteTeam removes a team configuration.
func (s *Store) DeleteTeam(ctx context.Context, id string) error {
	_, err := s.db.Exec(ctx, `DELETE FROM teams WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete team %s: %w", id, err)
	}
	return nil
}
