// ABOUTME: Tests for the SQLite store: agents, bindings, idempotency, executions
// ABOUTME: Uses a temp-dir database per test; exercises constraint-backed atomicity

package store

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := NewSQLiteStore(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func createTestAgent(t *testing.T, s *SQLiteStore, id string) {
	t.Helper()
	require.NoError(t, s.CreateAgent(context.Background(), &Agent{
		ID:        id,
		Name:      "agent " + id,
		CreatedAt: time.Now(),
	}))
}

func strPtr(s string) *string { return &s }

func TestAgents_CreateAndGet(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	agent := &Agent{
		ID:             "agent-1",
		Name:           "coder",
		DefaultChannel: "telegram",
		Workspace:      "/srv/work",
		CreatedAt:      time.Now(),
	}
	require.NoError(t, s.CreateAgent(ctx, agent))

	got, err := s.GetAgent(ctx, "agent-1")
	require.NoError(t, err)
	assert.Equal(t, "coder", got.Name)
	assert.Equal(t, "telegram", got.DefaultChannel)
	assert.Equal(t, "/srv/work", got.Workspace)
}

func TestAgents_DuplicateID(t *testing.T) {
	s := newTestStore(t)
	createTestAgent(t, s, "agent-1")

	err := s.CreateAgent(context.Background(), &Agent{
		ID: "agent-1", Name: "again", CreatedAt: time.Now(),
	})
	assert.ErrorIs(t, err, ErrDuplicateAgent)
}

func TestAgents_NotFound(t *testing.T) {
	s := newTestStore(t)

	_, err := s.GetAgent(context.Background(), "ghost")
	assert.ErrorIs(t, err, ErrAgentNotFound)
}

func TestBindings_CreateRequiresAgent(t *testing.T) {
	s := newTestStore(t)

	err := s.CreateBinding(context.Background(), &Binding{
		ID:        uuid.New().String(),
		AgentID:   "missing",
		Channel:   "telegram",
		Priority:  100,
		Active:    true,
		CreatedAt: time.Now(),
	})
	assert.ErrorIs(t, err, ErrAgentNotFound)
}

func TestBindings_CreateAndGet(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	createTestAgent(t, s, "agent-1")

	b := &Binding{
		ID:        uuid.New().String(),
		AgentID:   "agent-1",
		Channel:   "telegram",
		AccountID: strPtr("acct-9"),
		Peer:      strPtr("123"),
		Priority:  50,
		Active:    true,
		CreatedAt: time.Now(),
	}
	require.NoError(t, s.CreateBinding(ctx, b))

	got, err := s.GetBinding(ctx, b.ID)
	require.NoError(t, err)
	assert.Equal(t, "agent-1", got.AgentID)
	assert.Equal(t, "telegram", got.Channel)
	require.NotNil(t, got.AccountID)
	assert.Equal(t, "acct-9", *got.AccountID)
	require.NotNil(t, got.Peer)
	assert.Equal(t, "123", *got.Peer)
	assert.Nil(t, got.BotID)
	assert.Equal(t, 50, got.Priority)
	assert.True(t, got.Active)
}

func TestBindings_ListActiveFiltersInactive(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	createTestAgent(t, s, "agent-1")

	active := &Binding{
		ID: uuid.New().String(), AgentID: "agent-1", Channel: "telegram",
		Priority: 100, Active: true, CreatedAt: time.Now(),
	}
	inactive := &Binding{
		ID: uuid.New().String(), AgentID: "agent-1", Channel: "telegram",
		Priority: 100, Active: false, CreatedAt: time.Now(),
	}
	otherChannel := &Binding{
		ID: uuid.New().String(), AgentID: "agent-1", Channel: "discord",
		Priority: 100, Active: true, CreatedAt: time.Now(),
	}
	require.NoError(t, s.CreateBinding(ctx, active))
	require.NoError(t, s.CreateBinding(ctx, inactive))
	require.NoError(t, s.CreateBinding(ctx, otherChannel))

	got, err := s.ListActiveBindings(ctx, "telegram")
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, active.ID, got[0].ID)
}

func TestBindings_SetActiveAndDelete(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	createTestAgent(t, s, "agent-1")

	b := &Binding{
		ID: uuid.New().String(), AgentID: "agent-1", Channel: "telegram",
		Priority: 100, Active: true, CreatedAt: time.Now(),
	}
	require.NoError(t, s.CreateBinding(ctx, b))

	require.NoError(t, s.SetBindingActive(ctx, b.ID, false))
	got, err := s.GetBinding(ctx, b.ID)
	require.NoError(t, err)
	assert.False(t, got.Active)

	require.NoError(t, s.DeleteBinding(ctx, b.ID))
	_, err = s.GetBinding(ctx, b.ID)
	assert.ErrorIs(t, err, ErrBindingNotFound)

	assert.ErrorIs(t, s.DeleteBinding(ctx, b.ID), ErrBindingNotFound)
	assert.ErrorIs(t, s.SetBindingActive(ctx, b.ID, true), ErrBindingNotFound)
}

func TestIdempotency_ReserveOnce(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	rec := &IdempotencyRecord{
		Key:         "k-1",
		Subject:     "op-1",
		Method:      "node.execute",
		RequestHash: "hash-a",
		CreatedAt:   time.Now(),
		ExpiresAt:   time.Now().Add(time.Hour),
	}

	existing, err := s.ReserveIdempotencyKey(ctx, rec)
	require.NoError(t, err)
	assert.Nil(t, existing)

	// Second reservation sees the in-progress record
	existing, err = s.ReserveIdempotencyKey(ctx, rec)
	require.NoError(t, err)
	require.NotNil(t, existing)
	assert.Equal(t, IdempotencyInProgress, existing.Status)
	assert.Equal(t, "hash-a", existing.RequestHash)
}

func TestIdempotency_CompleteAndReplay(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	rec := &IdempotencyRecord{
		Key: "k-1", Method: "node.execute", RequestHash: "hash-a",
		CreatedAt: time.Now(), ExpiresAt: time.Now().Add(time.Hour),
	}
	_, err := s.ReserveIdempotencyKey(ctx, rec)
	require.NoError(t, err)

	result := json.RawMessage(`{"execution_id":"e-1"}`)
	require.NoError(t, s.CompleteIdempotencyKey(ctx, "k-1", result))

	existing, err := s.ReserveIdempotencyKey(ctx, rec)
	require.NoError(t, err)
	require.NotNil(t, existing)
	assert.Equal(t, IdempotencyCompleted, existing.Status)
	assert.JSONEq(t, string(result), string(existing.Response))
}

func TestIdempotency_ExpiredKeyReusable(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	rec := &IdempotencyRecord{
		Key: "k-1", Method: "node.execute", RequestHash: "hash-a",
		CreatedAt: time.Now().Add(-2 * time.Hour), ExpiresAt: time.Now().Add(-time.Hour),
	}
	_, err := s.ReserveIdempotencyKey(ctx, rec)
	require.NoError(t, err)
	require.NoError(t, s.CompleteIdempotencyKey(ctx, "k-1", json.RawMessage(`{}`)))

	// Window has passed: new reservation wins the key again.
	fresh := &IdempotencyRecord{
		Key: "k-1", Method: "node.execute", RequestHash: "hash-b",
		CreatedAt: time.Now(), ExpiresAt: time.Now().Add(time.Hour),
	}
	existing, err := s.ReserveIdempotencyKey(ctx, fresh)
	require.NoError(t, err)
	assert.Nil(t, existing)
}

func TestIdempotency_Purge(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	expired := &IdempotencyRecord{
		Key: "old", Method: "m", RequestHash: "h",
		CreatedAt: time.Now().Add(-2 * time.Hour), ExpiresAt: time.Now().Add(-time.Hour),
	}
	live := &IdempotencyRecord{
		Key: "new", Method: "m", RequestHash: "h",
		CreatedAt: time.Now(), ExpiresAt: time.Now().Add(time.Hour),
	}
	_, err := s.ReserveIdempotencyKey(ctx, expired)
	require.NoError(t, err)
	_, err = s.ReserveIdempotencyKey(ctx, live)
	require.NoError(t, err)

	n, err := s.PurgeExpiredIdempotencyKeys(ctx, time.Now())
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	_, err = s.GetIdempotencyRecord(ctx, "old")
	assert.ErrorIs(t, err, ErrIdempotencyNotFound)
	_, err = s.GetIdempotencyRecord(ctx, "new")
	assert.NoError(t, err)
}

func createTestExecution(t *testing.T, s *SQLiteStore, status string) *Execution {
	t.Helper()
	e := &Execution{
		ID:               uuid.New().String(),
		ConnectionID:     "conn-1",
		NodeID:           "node-1",
		Command:          "rm -rf /tmp/x",
		Params:           json.RawMessage(`{"args":""}`),
		RiskLevel:        "high",
		Status:           status,
		RequiresApproval: status == ExecutionPendingApproval,
		CreatedAt:        time.Now(),
	}
	require.NoError(t, s.CreateExecution(context.Background(), e))
	return e
}

func TestExecutions_Lifecycle(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	e := createTestExecution(t, s, ExecutionPendingApproval)

	require.NoError(t, s.MarkExecutionApproved(ctx, e.ID, "op-1", "looks fine"))
	require.NoError(t, s.MarkExecutionStarted(ctx, e.ID, time.Now()))
	require.NoError(t, s.MarkExecutionFinished(ctx, e.ID, ExecutionCompleted, 0, "done\n", "", "", time.Now()))

	got, err := s.GetExecution(ctx, e.ID)
	require.NoError(t, err)
	assert.Equal(t, ExecutionCompleted, got.Status)
	assert.Equal(t, "op-1", got.ApprovedBy)
	require.NotNil(t, got.ExitCode)
	assert.Equal(t, 0, *got.ExitCode)
	assert.Equal(t, "done\n", got.Stdout)
	assert.NotNil(t, got.StartedAt)
	assert.NotNil(t, got.CompletedAt)
}

func TestExecutions_RejectedCannotStart(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	e := createTestExecution(t, s, ExecutionPendingApproval)
	require.NoError(t, s.MarkExecutionRejected(ctx, e.ID, "too risky"))

	// Rejected executions cannot be approved or started
	assert.ErrorIs(t, s.MarkExecutionApproved(ctx, e.ID, "op-1", ""), ErrExecutionNotFound)
	assert.ErrorIs(t, s.MarkExecutionStarted(ctx, e.ID, time.Now()), ErrExecutionNotFound)

	got, err := s.GetExecution(ctx, e.ID)
	require.NoError(t, err)
	assert.Equal(t, ExecutionRejected, got.Status)
	assert.Equal(t, "too risky", got.ErrorMessage)
}

func TestApprovals_ResolveOnce(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	e := createTestExecution(t, s, ExecutionPendingApproval)
	entry := &ApprovalEntry{
		ID:          uuid.New().String(),
		ExecutionID: e.ID,
		NodeID:      "node-1",
		Command:     e.Command,
		RiskLevel:   "high",
		ExpiresAt:   time.Now().Add(time.Hour),
		CreatedAt:   time.Now(),
	}
	require.NoError(t, s.CreateApproval(ctx, entry))

	require.NoError(t, s.ResolveApproval(ctx, entry.ID, ApprovalApproved, "op-1", "ok", time.Now()))

	// Second resolution loses the conditional update
	err := s.ResolveApproval(ctx, entry.ID, ApprovalRejected, "op-2", "no", time.Now())
	assert.ErrorIs(t, err, ErrApprovalResolved)

	got, err := s.GetApproval(ctx, entry.ID)
	require.NoError(t, err)
	assert.Equal(t, ApprovalApproved, got.Status)
	assert.Equal(t, "op-1", got.ResolvedBy)
	assert.Equal(t, "ok", got.ResolutionReason)
	assert.NotNil(t, got.ResolvedAt)
}

func TestApprovals_ResolveUnknown(t *testing.T) {
	s := newTestStore(t)

	err := s.ResolveApproval(context.Background(), "ghost", ApprovalApproved, "op-1", "", time.Now())
	assert.ErrorIs(t, err, ErrApprovalNotFound)
}

func TestApprovals_ListPendingSkipsExpired(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	e1 := createTestExecution(t, s, ExecutionPendingApproval)
	e2 := createTestExecution(t, s, ExecutionPendingApproval)

	live := &ApprovalEntry{
		ID: uuid.New().String(), ExecutionID: e1.ID, NodeID: "node-1",
		Command: e1.Command, RiskLevel: "high",
		ExpiresAt: time.Now().Add(time.Hour), CreatedAt: time.Now(),
	}
	overdue := &ApprovalEntry{
		ID: uuid.New().String(), ExecutionID: e2.ID, NodeID: "node-1",
		Command: e2.Command, RiskLevel: "high",
		ExpiresAt: time.Now().Add(-time.Minute), CreatedAt: time.Now().Add(-time.Hour),
	}
	require.NoError(t, s.CreateApproval(ctx, live))
	require.NoError(t, s.CreateApproval(ctx, overdue))

	entries, err := s.ListPendingApprovals(ctx, time.Now(), 10)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, live.ID, entries[0].ID)
}

func TestApprovals_Expire(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	e := createTestExecution(t, s, ExecutionPendingApproval)
	overdue := &ApprovalEntry{
		ID: uuid.New().String(), ExecutionID: e.ID, NodeID: "node-1",
		Command: e.Command, RiskLevel: "high",
		ExpiresAt: time.Now().Add(-time.Minute), CreatedAt: time.Now().Add(-time.Hour),
	}
	require.NoError(t, s.CreateApproval(ctx, overdue))

	expired, err := s.ExpireApprovals(ctx, time.Now())
	require.NoError(t, err)
	require.Len(t, expired, 1)
	assert.Equal(t, overdue.ID, expired[0].ID)
	assert.Equal(t, ApprovalExpired, expired[0].Status)

	// Second sweep finds nothing
	expired, err = s.ExpireApprovals(ctx, time.Now())
	require.NoError(t, err)
	assert.Empty(t, expired)
}
