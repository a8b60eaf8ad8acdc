// ABOUTME: Store-backed resolution service wrapping the pure resolver
// ABOUTME: Loads the active candidate set for a channel and picks the agent

package binding

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/2389/prime-gateway/internal/store"
)

// BindingStore provides the candidate bindings for a channel.
type BindingStore interface {
	ListActiveBindings(ctx context.Context, channel string) ([]store.Binding, error)
}

// Resolution is the outcome of a successful resolve: which agent should
// handle the message and which rule selected it.
type Resolution struct {
	AgentID   string `json:"agent_id"`
	BindingID string `json:"binding_id"`
}

// Service resolves inbound message tuples to agents using persisted
// bindings. It holds no state of its own beyond the store handle.
type Service struct {
	bindings BindingStore
	logger   *slog.Logger
}

// NewService creates a resolution service.
func NewService(bindings BindingStore, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		bindings: bindings,
		logger:   logger.With("component", "binding"),
	}
}

// Resolve picks the agent for the query, or ErrNoMatch.
func (s *Service) Resolve(ctx context.Context, q Query) (*Resolution, error) {
	candidates, err := s.bindings.ListActiveBindings(ctx, q.Channel)
	if err != nil {
		return nil, fmt.Errorf("loading bindings: %w", err)
	}

	best, err := Resolve(candidates, q)
	if err != nil {
		s.logger.Debug("no binding matched",
			"channel", q.Channel, "account_id", q.AccountID, "peer", q.Peer)
		return nil, err
	}

	s.logger.Debug("resolved binding",
		"channel", q.Channel, "binding_id", best.ID, "agent_id", best.AgentID)
	return &Resolution{AgentID: best.AgentID, BindingID: best.ID}, nil
}
