// ABOUTME: Binding entity and store methods for channel-to-agent routing rules
// ABOUTME: Bindings map (channel, account, peer, bot) tuples to agent_id

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Binding errors.
var (
	ErrBindingNotFound = errors.New("binding not found")
)

// Binding represents a routing rule mapping a channel/account/peer/bot
// tuple to an agent. Nil optional fields act as wildcards during
// resolution.
type Binding struct {
	ID        string  // UUID v4
	AgentID   string  // target agent
	BotID     *string // optional bot restriction
	Channel   string  // "telegram", "discord", "slack", ...
	AccountID *string // optional account restriction
	Peer      *string // optional peer (chat/user) restriction
	Priority  int     // tie-break between equally specific bindings, default 100
	Active    bool
	CreatedAt time.Time
	CreatedBy *string // subject who created it (optional)
}

// BindingFilter specifies filtering options for listing bindings.
type BindingFilter struct {
	Channel *string // filter by channel
	AgentID *string // filter by agent ID
}

// validateAgent checks that the given agent exists.
func (s *SQLiteStore) validateAgent(ctx context.Context, agentID string) error {
	query := `SELECT 1 FROM agents WHERE agent_id = ?`

	var one int
	err := s.db.QueryRowContext(ctx, query, agentID).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrAgentNotFound
	}
	if err != nil {
		return fmt.Errorf("checking agent: %w", err)
	}
	return nil
}

// CreateBinding creates a new routing binding. The agent must exist.
func (s *SQLiteStore) CreateBinding(ctx context.Context, b *Binding) error {
	if err := s.validateAgent(ctx, b.AgentID); err != nil {
		return err
	}

	query := `
		INSERT INTO bindings (binding_id, agent_id, bot_id, channel, account_id, peer, priority, active, created_at, created_by)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err := s.db.ExecContext(ctx, query,
		b.ID,
		b.AgentID,
		b.BotID,
		b.Channel,
		b.AccountID,
		b.Peer,
		b.Priority,
		b.Active,
		b.CreatedAt.UTC().Format(time.RFC3339),
		b.CreatedBy,
	)
	if err != nil {
		return fmt.Errorf("inserting binding: %w", err)
	}

	s.logger.Debug("created binding",
		"id", b.ID, "channel", b.Channel, "agent_id", b.AgentID, "priority", b.Priority)
	return nil
}

// GetBinding retrieves a binding by its ID.
func (s *SQLiteStore) GetBinding(ctx context.Context, id string) (*Binding, error) {
	query := bindingSelect + ` WHERE binding_id = ?`
	return s.scanBinding(s.db.QueryRowContext(ctx, query, id))
}

// ListActiveBindings returns all active bindings for a channel. This is the
// candidate set handed to the resolver.
func (s *SQLiteStore) ListActiveBindings(ctx context.Context, channel string) ([]Binding, error) {
	query := bindingSelect + ` WHERE channel = ? AND active = 1`

	rows, err := s.db.QueryContext(ctx, query, channel)
	if err != nil {
		return nil, fmt.Errorf("querying active bindings: %w", err)
	}
	defer func() { _ = rows.Close() }()

	return s.collectBindings(rows)
}

// ListBindings returns bindings matching the filter criteria.
func (s *SQLiteStore) ListBindings(ctx context.Context, f BindingFilter) ([]Binding, error) {
	query := bindingSelect + `
		WHERE (? IS NULL OR channel = ?)
		  AND (? IS NULL OR agent_id = ?)
		ORDER BY created_at DESC
	`

	rows, err := s.db.QueryContext(ctx, query,
		f.Channel, f.Channel,
		f.AgentID, f.AgentID,
	)
	if err != nil {
		return nil, fmt.Errorf("querying bindings: %w", err)
	}
	defer func() { _ = rows.Close() }()

	return s.collectBindings(rows)
}

// SetBindingActive flips the active flag on a binding.
func (s *SQLiteStore) SetBindingActive(ctx context.Context, id string, active bool) error {
	query := `UPDATE bindings SET active = ? WHERE binding_id = ?`

	result, err := s.db.ExecContext(ctx, query, active, id)
	if err != nil {
		return fmt.Errorf("updating binding: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("getting rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return ErrBindingNotFound
	}

	s.logger.Debug("updated binding", "id", id, "active", active)
	return nil
}

// DeleteBinding deletes a binding by its ID.
func (s *SQLiteStore) DeleteBinding(ctx context.Context, id string) error {
	query := `DELETE FROM bindings WHERE binding_id = ?`

	result, err := s.db.ExecContext(ctx, query, id)
	if err != nil {
		return fmt.Errorf("deleting binding: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("getting rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return ErrBindingNotFound
	}

	s.logger.Debug("deleted binding", "id", id)
	return nil
}

const bindingSelect = `
	SELECT binding_id, agent_id, bot_id, channel, account_id, peer, priority, active, created_at, created_by
	FROM bindings`

// scanBinding scans a single binding row from a sql.Row.
func (s *SQLiteStore) scanBinding(row *sql.Row) (*Binding, error) {
	var b Binding
	var createdAtStr string

	err := row.Scan(
		&b.ID,
		&b.AgentID,
		&b.BotID,
		&b.Channel,
		&b.AccountID,
		&b.Peer,
		&b.Priority,
		&b.Active,
		&createdAtStr,
		&b.CreatedBy,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrBindingNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scanning binding: %w", err)
	}

	b.CreatedAt, err = time.Parse(time.RFC3339, createdAtStr)
	if err != nil {
		return nil, fmt.Errorf("parsing created_at: %w", err)
	}

	return &b, nil
}

// collectBindings scans all rows into a slice.
func (s *SQLiteStore) collectBindings(rows *sql.Rows) ([]Binding, error) {
	var bindings []Binding
	for rows.Next() {
		var b Binding
		var createdAtStr string

		err := rows.Scan(
			&b.ID,
			&b.AgentID,
			&b.BotID,
			&b.Channel,
			&b.AccountID,
			&b.Peer,
			&b.Priority,
			&b.Active,
			&createdAtStr,
			&b.CreatedBy,
		)
		if err != nil {
			return nil, fmt.Errorf("scanning binding row: %w", err)
		}

		b.CreatedAt, err = time.Parse(time.RFC3339, createdAtStr)
		if err != nil {
			return nil, fmt.Errorf("parsing created_at: %w", err)
		}

		bindings = append(bindings, b)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating binding rows: %w", err)
	}

	return bindings, nil
}

// isUniqueViolation checks if the error is a unique/primary-key constraint
// violation.
func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}
