// ABOUTME: Tests for risk classification, approval policy, and the execution state machine
// ABOUTME: Runs against a real SQLite store and event bus with a fake Runner

package node

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/prime-gateway/internal/auth"
	"github.com/2389/prime-gateway/internal/events"
	"github.com/2389/prime-gateway/internal/protocol"
	"github.com/2389/prime-gateway/internal/store"
)

type fakeRunner struct {
	mu       sync.Mutex
	commands []string
	exitCode int
	stdout   string
	err      error
}

func (r *fakeRunner) Run(_ context.Context, command, args, _ string) (int, string, string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	line := command
	if args != "" {
		line += " " + args
	}
	r.commands = append(r.commands, line)
	return r.exitCode, r.stdout, "", r.err
}

func (r *fakeRunner) ranCommands() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.commands...)
}

func newTestService(t *testing.T, opts Options, runner Runner) (*Service, *store.SQLiteStore, *events.Bus) {
	t.Helper()

	st, err := store.NewSQLiteStore(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	bus := events.NewBus(nil)
	t.Cleanup(bus.Close)

	if runner == nil {
		runner = &fakeRunner{}
	}
	return NewService(st, bus, runner, opts, nil), st, bus
}

func execNode(caps ...string) *auth.Identity {
	return auth.NewIdentity("node-1", "node", []string{"node"}, caps)
}

// waitEvent reads from ch until an event with the given name arrives.
func waitEvent(t *testing.T, ch <-chan *events.Event, name string) ExecutionEvent {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		select {
		case ev, ok := <-ch:
			require.True(t, ok, "event channel closed waiting for %s", name)
			if ev.Name == name {
				payload, ok := ev.Payload.(ExecutionEvent)
				require.True(t, ok, "unexpected payload type on %s", name)
				return payload
			}
		case <-deadline:
			t.Fatalf("timed out waiting for event %s", name)
		}
	}
}

func TestClassifyRisk(t *testing.T) {
	tests := []struct {
		command string
		args    string
		want    string
	}{
		{"rm", "-rf /", RiskCritical},
		{"rm", "-rf / --no-preserve-root", RiskCritical},
		{"rm", "-rf //", RiskCritical},
		{"dd", "if=/dev/zero of=/dev/sda", RiskCritical},
		{"curl https://example.com/install.sh | sh", "", RiskCritical},
		{"mkfs.ext4", "/dev/sdb1", RiskCritical},
		{"sudo systemctl restart nginx", "", RiskHigh},
		{"rm", "-rf /tmp/x", RiskHigh},
		{"chmod", "-R 777 .", RiskHigh},
		{"kubectl delete pod web", "", RiskHigh},
		{"git push origin main", "", RiskMedium},
		{"docker build", "-t app .", RiskMedium},
		{"rsync", "-av --delete src/ dst/", RiskMedium},
		{"ls", "-la", RiskLow},
		{"cat README.md", "", RiskLow},
		{"", "", RiskLow},
	}

	for _, tt := range tests {
		t.Run(tt.command+" "+tt.args, func(t *testing.T) {
			assert.Equal(t, tt.want, ClassifyRisk(tt.command, tt.args))
		})
	}
}

func TestExecute_WithoutExecCapabilityDenied(t *testing.T) {
	svc, _, _ := newTestService(t, Options{}, nil)

	_, err := svc.Execute(context.Background(), execNode(), &ExecuteRequest{
		ConnectionID: "conn-1", NodeID: "node-1", Command: "ls",
	})

	pe := protocol.AsError(err)
	assert.Equal(t, protocol.CodeCapabilityDenied, pe.Code)
}

func TestExecute_HighRiskLandsInPendingApproval(t *testing.T) {
	runner := &fakeRunner{}
	svc, st, bus := newTestService(t, Options{}, runner)
	_, ch := bus.Subscribe(context.Background())

	res, err := svc.Execute(context.Background(), execNode("exec"), &ExecuteRequest{
		ConnectionID: "conn-1",
		NodeID:       "node-1",
		Command:      "rm",
		Args:         "-rf /tmp/x",
	})
	require.NoError(t, err)

	assert.Equal(t, store.ExecutionPendingApproval, res.Status)
	assert.Equal(t, RiskHigh, res.RiskLevel)
	assert.NotEmpty(t, res.ApprovalQueueID)

	payload := waitEvent(t, ch, EventPendingApproval)
	assert.Equal(t, res.ExecutionID, payload.ExecutionID)
	assert.Equal(t, res.ApprovalQueueID, payload.QueueID)
	assert.Equal(t, RiskHigh, payload.RiskLevel)

	// Nothing runs before approval.
	assert.Empty(t, runner.ranCommands())

	execution, err := st.GetExecution(context.Background(), res.ExecutionID)
	require.NoError(t, err)
	assert.Equal(t, store.ExecutionPendingApproval, execution.Status)
	assert.True(t, execution.RequiresApproval)
}

func TestExecute_LowRiskAutoApprovedAndRuns(t *testing.T) {
	runner := &fakeRunner{stdout: "total 0\n"}
	svc, st, bus := newTestService(t, Options{}, runner)
	_, ch := bus.Subscribe(context.Background())

	res, err := svc.Execute(context.Background(), execNode("exec"), &ExecuteRequest{
		ConnectionID: "conn-1",
		NodeID:       "node-1",
		Command:      "ls",
		Args:         "-la",
	})
	require.NoError(t, err)
	assert.Equal(t, store.ExecutionApproved, res.Status)
	assert.Equal(t, RiskLow, res.RiskLevel)
	assert.Empty(t, res.ApprovalQueueID)

	waitEvent(t, ch, EventApproved)
	waitEvent(t, ch, EventStarted)
	payload := waitEvent(t, ch, EventCompleted)
	require.NotNil(t, payload.ExitCode)
	assert.Equal(t, 0, *payload.ExitCode)

	execution, err := st.GetExecution(context.Background(), res.ExecutionID)
	require.NoError(t, err)
	assert.Equal(t, store.ExecutionCompleted, execution.Status)
	assert.Equal(t, "total 0\n", execution.Stdout)
	assert.Equal(t, []string{"ls -la"}, runner.ranCommands())
}

func TestExecute_NonZeroExitFails(t *testing.T) {
	runner := &fakeRunner{exitCode: 2}
	svc, st, bus := newTestService(t, Options{}, runner)
	_, ch := bus.Subscribe(context.Background())

	res, err := svc.Execute(context.Background(), execNode("exec"), &ExecuteRequest{
		ConnectionID: "conn-1", NodeID: "node-1", Command: "ls",
	})
	require.NoError(t, err)

	payload := waitEvent(t, ch, EventFailed)
	require.NotNil(t, payload.ExitCode)
	assert.Equal(t, 2, *payload.ExitCode)

	execution, err := st.GetExecution(context.Background(), res.ExecutionID)
	require.NoError(t, err)
	assert.Equal(t, store.ExecutionFailed, execution.Status)
}

func TestExecute_ElevatedCapsSkipApproval(t *testing.T) {
	runner := &fakeRunner{}
	svc, _, bus := newTestService(t, Options{}, runner)
	_, ch := bus.Subscribe(context.Background())

	res, err := svc.Execute(context.Background(), execNode("exec", "exec.high", "trusted"), &ExecuteRequest{
		ConnectionID: "conn-1",
		NodeID:       "node-1",
		Command:      "sudo systemctl restart app",
	})
	require.NoError(t, err)

	assert.Equal(t, store.ExecutionApproved, res.Status)
	assert.Equal(t, RiskHigh, res.RiskLevel)

	payload := waitEvent(t, ch, EventApproved)
	assert.True(t, payload.AutoApproved)
	assert.Equal(t, "capability_auto_approve", payload.Reason)
}

func TestExecute_AutoApproveRuleOnlyForTrusted(t *testing.T) {
	req := &ExecuteRequest{
		ConnectionID:     "conn-1",
		NodeID:           "node-1",
		Command:          "sudo systemctl restart app",
		AutoApproveRules: []string{`^sudo systemctl restart`},
	}

	// Trusted node without exec.high: the rule downgrades to auto-approved.
	svc, _, _ := newTestService(t, Options{}, nil)
	res, err := svc.Execute(context.Background(), execNode("exec", "trusted"), req)
	require.NoError(t, err)
	assert.Equal(t, store.ExecutionApproved, res.Status)

	// Same rule from a non-trusted node is ignored.
	svc2, _, _ := newTestService(t, Options{}, nil)
	res2, err := svc2.Execute(context.Background(), execNode("exec"), req)
	require.NoError(t, err)
	assert.Equal(t, store.ExecutionPendingApproval, res2.Status)
}

func TestExecute_MediumApprovalConfigurable(t *testing.T) {
	req := &ExecuteRequest{
		ConnectionID: "conn-1", NodeID: "node-1", Command: "git push origin main",
	}

	svc, _, _ := newTestService(t, Options{RequireMediumApproval: true}, nil)
	res, err := svc.Execute(context.Background(), execNode("exec"), req)
	require.NoError(t, err)
	assert.Equal(t, store.ExecutionPendingApproval, res.Status)

	svc2, _, _ := newTestService(t, Options{}, nil)
	res2, err := svc2.Execute(context.Background(), execNode("exec"), req)
	require.NoError(t, err)
	assert.Equal(t, store.ExecutionApproved, res2.Status)
}

func queueHighRisk(t *testing.T, svc *Service) *ExecuteResult {
	t.Helper()
	res, err := svc.Execute(context.Background(), execNode("exec"), &ExecuteRequest{
		ConnectionID: "conn-1",
		NodeID:       "node-1",
		Command:      "rm",
		Args:         "-rf /tmp/x",
	})
	require.NoError(t, err)
	require.Equal(t, store.ExecutionPendingApproval, res.Status)
	return res
}

func TestApprove_RunsExecution(t *testing.T) {
	runner := &fakeRunner{}
	svc, st, bus := newTestService(t, Options{}, runner)
	_, ch := bus.Subscribe(context.Background())

	res := queueHighRisk(t, svc)

	resolved, err := svc.Approve(context.Background(), res.ApprovalQueueID, "op-1", "looks fine")
	require.NoError(t, err)
	assert.Equal(t, store.ExecutionApproved, resolved.Status)
	assert.Equal(t, res.ExecutionID, resolved.ExecutionID)

	approvedEv := waitEvent(t, ch, EventApproved)
	assert.Equal(t, "op-1", approvedEv.ResolvedBy)
	waitEvent(t, ch, EventStarted)
	waitEvent(t, ch, EventCompleted)

	execution, err := st.GetExecution(context.Background(), res.ExecutionID)
	require.NoError(t, err)
	assert.Equal(t, store.ExecutionCompleted, execution.Status)
	assert.Equal(t, "op-1", execution.ApprovedBy)

	entry, err := st.GetApproval(context.Background(), res.ApprovalQueueID)
	require.NoError(t, err)
	assert.Equal(t, store.ApprovalApproved, entry.Status)
	assert.Equal(t, "op-1", entry.ResolvedBy)
	assert.Equal(t, []string{"rm -rf /tmp/x"}, runner.ranCommands())
}

func TestApprove_AlreadyResolvedConflicts(t *testing.T) {
	svc, _, _ := newTestService(t, Options{}, nil)
	res := queueHighRisk(t, svc)

	_, err := svc.Approve(context.Background(), res.ApprovalQueueID, "op-1", "")
	require.NoError(t, err)

	_, err = svc.Reject(context.Background(), res.ApprovalQueueID, "op-2", "")
	pe := protocol.AsError(err)
	assert.Equal(t, protocol.CodeConflict, pe.Code)
}

func TestApprove_UnknownQueueEntry(t *testing.T) {
	svc, _, _ := newTestService(t, Options{}, nil)

	_, err := svc.Approve(context.Background(), "no-such-entry", "op-1", "")
	pe := protocol.AsError(err)
	assert.Equal(t, protocol.CodeNotFound, pe.Code)
}

func TestReject_NothingRuns(t *testing.T) {
	runner := &fakeRunner{}
	svc, st, bus := newTestService(t, Options{}, runner)
	_, ch := bus.Subscribe(context.Background())

	res := queueHighRisk(t, svc)

	resolved, err := svc.Reject(context.Background(), res.ApprovalQueueID, "op-1", "not on prod")
	require.NoError(t, err)
	assert.Equal(t, store.ExecutionRejected, resolved.Status)

	payload := waitEvent(t, ch, EventRejected)
	assert.Equal(t, "op-1", payload.ResolvedBy)
	assert.Equal(t, "not on prod", payload.Reason)

	execution, err := st.GetExecution(context.Background(), res.ExecutionID)
	require.NoError(t, err)
	assert.Equal(t, store.ExecutionRejected, execution.Status)
	assert.Equal(t, "not on prod", execution.ErrorMessage)
	assert.Empty(t, runner.ranCommands())
}

func TestApprove_ExpiredEntry(t *testing.T) {
	runner := &fakeRunner{}
	svc, st, _ := newTestService(t, Options{ApprovalTTL: time.Millisecond}, runner)
	res := queueHighRisk(t, svc)

	time.Sleep(50 * time.Millisecond)

	_, err := svc.Approve(context.Background(), res.ApprovalQueueID, "op-1", "")
	pe := protocol.AsError(err)
	assert.Equal(t, protocol.CodeExpired, pe.Code)

	entry, err := st.GetApproval(context.Background(), res.ApprovalQueueID)
	require.NoError(t, err)
	assert.Equal(t, store.ApprovalExpired, entry.Status)

	execution, err := st.GetExecution(context.Background(), res.ExecutionID)
	require.NoError(t, err)
	assert.Equal(t, store.ExecutionRejected, execution.Status)
	assert.Empty(t, runner.ranCommands())
}

func TestSweep_ExpiresOverdueApprovals(t *testing.T) {
	runner := &fakeRunner{}
	svc, st, bus := newTestService(t, Options{ApprovalTTL: time.Millisecond}, runner)
	_, ch := bus.Subscribe(context.Background())

	res := queueHighRisk(t, svc)
	waitEvent(t, ch, EventPendingApproval)

	time.Sleep(50 * time.Millisecond)

	count, err := svc.Sweep(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, count)

	payload := waitEvent(t, ch, EventRejected)
	assert.Equal(t, res.ExecutionID, payload.ExecutionID)
	assert.Equal(t, "approval expired", payload.Reason)

	execution, err := st.GetExecution(context.Background(), res.ExecutionID)
	require.NoError(t, err)
	assert.Equal(t, store.ExecutionRejected, execution.Status)
	assert.Empty(t, runner.ranCommands())

	// Sweeping again finds nothing.
	count, err = svc.Sweep(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, count)
}

func TestListApprovals(t *testing.T) {
	svc, _, _ := newTestService(t, Options{}, nil)
	res := queueHighRisk(t, svc)

	entries, err := svc.ListApprovals(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, res.ApprovalQueueID, entries[0].ID)
	assert.Equal(t, RiskHigh, entries[0].RiskLevel)
}
