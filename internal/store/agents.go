// ABOUTME: Agent entity and store methods for routing targets
// ABOUTME: Agents are what bindings resolve to; the resolver never mutates them

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// Agent errors.
var (
	ErrAgentNotFound  = errors.New("agent not found")
	ErrDuplicateAgent = errors.New("agent already exists")
)

// Agent represents a routing target: an automation endpoint that inbound
// messages can be dispatched to.
type Agent struct {
	ID             string
	Name           string
	DefaultChannel string // routing default, empty if unset
	Workspace      string // workspace reference, empty if unset
	CreatedAt      time.Time
}

// CreateAgent inserts a new agent.
func (s *SQLiteStore) CreateAgent(ctx context.Context, a *Agent) error {
	query := `
		INSERT INTO agents (agent_id, name, default_channel, workspace, created_at)
		VALUES (?, ?, ?, ?, ?)
	`

	_, err := s.db.ExecContext(ctx, query,
		a.ID,
		a.Name,
		nullIfEmpty(a.DefaultChannel),
		nullIfEmpty(a.Workspace),
		a.CreatedAt.UTC().Format(time.RFC3339),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrDuplicateAgent
		}
		return fmt.Errorf("inserting agent: %w", err)
	}

	s.logger.Debug("created agent", "id", a.ID, "name", a.Name)
	return nil
}

// GetAgent retrieves an agent by ID.
func (s *SQLiteStore) GetAgent(ctx context.Context, id string) (*Agent, error) {
	query := `
		SELECT agent_id, name, default_channel, workspace, created_at
		FROM agents
		WHERE agent_id = ?
	`

	var a Agent
	var defaultChannel, workspace sql.NullString
	var createdAtStr string

	err := s.db.QueryRowContext(ctx, query, id).Scan(
		&a.ID,
		&a.Name,
		&defaultChannel,
		&workspace,
		&createdAtStr,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrAgentNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scanning agent: %w", err)
	}

	a.CreatedAt, err = time.Parse(time.RFC3339, createdAtStr)
	if err != nil {
		return nil, fmt.Errorf("parsing created_at: %w", err)
	}
	a.DefaultChannel = defaultChannel.String
	a.Workspace = workspace.String

	return &a, nil
}

// ListAgents returns all agents ordered by creation time.
func (s *SQLiteStore) ListAgents(ctx context.Context) ([]Agent, error) {
	query := `
		SELECT agent_id, name, default_channel, workspace, created_at
		FROM agents
		ORDER BY created_at ASC
	`

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("querying agents: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var agents []Agent
	for rows.Next() {
		var a Agent
		var defaultChannel, workspace sql.NullString
		var createdAtStr string

		if err := rows.Scan(&a.ID, &a.Name, &defaultChannel, &workspace, &createdAtStr); err != nil {
			return nil, fmt.Errorf("scanning agent row: %w", err)
		}
		a.CreatedAt, err = time.Parse(time.RFC3339, createdAtStr)
		if err != nil {
			return nil, fmt.Errorf("parsing created_at: %w", err)
		}
		a.DefaultChannel = defaultChannel.String
		a.Workspace = workspace.String
		agents = append(agents, a)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating agent rows: %w", err)
	}

	return agents, nil
}

// nullIfEmpty converts an empty string to NULL for optional columns.
func nullIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}
