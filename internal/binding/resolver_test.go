// ABOUTME: Tests for pure binding resolution: scoring, wildcards, tie-breaks
// ABOUTME: Covers determinism and the peer-beats-priority end-to-end scenario

package binding

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/prime-gateway/internal/store"
)

func strPtr(s string) *string { return &s }

func makeBinding(id, agentID, channel string, peer, account, bot *string, priority int, createdAt time.Time) store.Binding {
	return store.Binding{
		ID:        id,
		AgentID:   agentID,
		Channel:   channel,
		Peer:      peer,
		AccountID: account,
		BotID:     bot,
		Priority:  priority,
		Active:    true,
		CreatedAt: createdAt,
	}
}

func TestResolve_NoCandidates(t *testing.T) {
	_, err := Resolve(nil, Query{Channel: "telegram"})
	assert.ErrorIs(t, err, ErrNoMatch)
}

func TestResolve_ChannelMustMatch(t *testing.T) {
	candidates := []store.Binding{
		makeBinding("b1", "a1", "discord", nil, nil, nil, 100, time.Now()),
	}

	_, err := Resolve(candidates, Query{Channel: "telegram"})
	assert.ErrorIs(t, err, ErrNoMatch)
}

func TestResolve_WildcardMatchesAnything(t *testing.T) {
	candidates := []store.Binding{
		makeBinding("b1", "a1", "telegram", nil, nil, nil, 100, time.Now()),
	}

	got, err := Resolve(candidates, Query{Channel: "telegram", Peer: "999", AccountID: "acct"})
	require.NoError(t, err)
	assert.Equal(t, "b1", got.ID)
}

func TestResolve_SpecifiedFieldMustEqual(t *testing.T) {
	candidates := []store.Binding{
		makeBinding("b1", "a1", "telegram", strPtr("123"), nil, nil, 100, time.Now()),
	}

	// Wrong peer
	_, err := Resolve(candidates, Query{Channel: "telegram", Peer: "456"})
	assert.ErrorIs(t, err, ErrNoMatch)

	// Peer unknown on the query side
	_, err = Resolve(candidates, Query{Channel: "telegram"})
	assert.ErrorIs(t, err, ErrNoMatch)
}

func TestResolve_PeerSpecificBeatsHigherPriorityWildcard(t *testing.T) {
	// The end-to-end routing scenario: a peer match (score 4) wins over a
	// wildcard binding (score 0) even though the wildcard has higher priority.
	candidates := []store.Binding{
		makeBinding("wildcard", "a-general", "telegram", nil, nil, nil, 100, time.Now()),
		makeBinding("peer", "a-direct", "telegram", strPtr("123"), nil, nil, 50, time.Now()),
	}

	got, err := Resolve(candidates, Query{Channel: "telegram", Peer: "123"})
	require.NoError(t, err)
	assert.Equal(t, "peer", got.ID)
	assert.Equal(t, "a-direct", got.AgentID)
}

func TestResolve_ScoreOrdering(t *testing.T) {
	now := time.Now()
	candidates := []store.Binding{
		makeBinding("bot-only", "a1", "telegram", nil, nil, strPtr("bot-1"), 100, now),
		makeBinding("account-only", "a2", "telegram", nil, strPtr("acct-1"), nil, 100, now),
		makeBinding("peer-only", "a3", "telegram", strPtr("123"), nil, nil, 100, now),
	}
	q := Query{Channel: "telegram", Peer: "123", AccountID: "acct-1", BotID: "bot-1"}

	got, err := Resolve(candidates, q)
	require.NoError(t, err)
	assert.Equal(t, "peer-only", got.ID, "peer (+4) outscores account (+2) and bot (+1)")

	// Account+bot together still lose to peer
	candidates = append(candidates,
		makeBinding("account-and-bot", "a4", "telegram", nil, strPtr("acct-1"), strPtr("bot-1"), 100, now))
	got, err = Resolve(candidates, q)
	require.NoError(t, err)
	assert.Equal(t, "peer-only", got.ID)
}

func TestResolve_TieBreakByPriority(t *testing.T) {
	now := time.Now()
	candidates := []store.Binding{
		makeBinding("low", "a1", "telegram", strPtr("123"), nil, nil, 50, now),
		makeBinding("high", "a2", "telegram", strPtr("123"), nil, nil, 200, now),
	}

	got, err := Resolve(candidates, Query{Channel: "telegram", Peer: "123"})
	require.NoError(t, err)
	assert.Equal(t, "high", got.ID)
}

func TestResolve_TieBreakByAge(t *testing.T) {
	now := time.Now()
	candidates := []store.Binding{
		makeBinding("newer", "a1", "telegram", strPtr("123"), nil, nil, 100, now),
		makeBinding("older", "a2", "telegram", strPtr("123"), nil, nil, 100, now.Add(-time.Hour)),
	}

	got, err := Resolve(candidates, Query{Channel: "telegram", Peer: "123"})
	require.NoError(t, err)
	assert.Equal(t, "older", got.ID, "equal score and priority goes to the earliest binding")
}

func TestResolve_InactiveSkipped(t *testing.T) {
	b := makeBinding("b1", "a1", "telegram", nil, nil, nil, 100, time.Now())
	b.Active = false

	_, err := Resolve([]store.Binding{b}, Query{Channel: "telegram"})
	assert.ErrorIs(t, err, ErrNoMatch)
}

func TestResolve_Deterministic(t *testing.T) {
	now := time.Now()
	candidates := []store.Binding{
		makeBinding("b1", "a1", "telegram", strPtr("1"), nil, nil, 100, now),
		makeBinding("b2", "a2", "telegram", nil, strPtr("acct"), nil, 100, now),
		makeBinding("b3", "a3", "telegram", nil, nil, nil, 300, now),
	}
	q := Query{Channel: "telegram", Peer: "1", AccountID: "acct"}

	first, err := Resolve(candidates, q)
	require.NoError(t, err)
	for i := 0; i < 10; i++ {
		again, err := Resolve(candidates, q)
		require.NoError(t, err)
		assert.Equal(t, first.ID, again.ID)
	}
}

// mockBindingStore is a simple mock for testing the service.
type mockBindingStore struct {
	bindings map[string][]store.Binding
}

func (m *mockBindingStore) ListActiveBindings(_ context.Context, channel string) ([]store.Binding, error) {
	return m.bindings[channel], nil
}

func TestService_Resolve(t *testing.T) {
	mock := &mockBindingStore{bindings: map[string][]store.Binding{
		"telegram": {
			makeBinding("b1", "agent-1", "telegram", strPtr("123"), nil, nil, 100, time.Now()),
		},
	}}
	svc := NewService(mock, nil)

	res, err := svc.Resolve(context.Background(), Query{Channel: "telegram", Peer: "123"})
	require.NoError(t, err)
	assert.Equal(t, "agent-1", res.AgentID)
	assert.Equal(t, "b1", res.BindingID)

	_, err = svc.Resolve(context.Background(), Query{Channel: "discord"})
	assert.ErrorIs(t, err, ErrNoMatch)
}
