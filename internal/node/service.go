// ABOUTME: Node execution service: capability policy, approval queue, execution state machine
// ABOUTME: Every state transition persists through the store and emits exactly one event

package node

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"time"

	"github.com/google/uuid"

	"github.com/2389/prime-gateway/internal/auth"
	"github.com/2389/prime-gateway/internal/protocol"
	"github.com/2389/prime-gateway/internal/store"
)

// Execution lifecycle event names.
const (
	EventPendingApproval = "node.execution.pending_approval"
	EventApproved        = "node.execution.approved"
	EventRejected        = "node.execution.rejected"
	EventStarted         = "node.execution.started"
	EventCompleted       = "node.execution.completed"
	EventFailed          = "node.execution.failed"
)

// trustedCommands are base commands a trusted node may run without
// touching the approval queue, provided the risk is low.
var trustedCommands = map[string]struct{}{
	"ls": {}, "cat": {}, "head": {}, "tail": {}, "grep": {}, "find": {},
	"pwd": {}, "echo": {}, "git": {}, "python": {}, "python3": {},
	"pip": {}, "npm": {}, "yarn": {}, "node": {}, "mkdir": {}, "touch": {},
}

// ExecutionStore is the persistence surface the service needs.
type ExecutionStore interface {
	CreateExecution(ctx context.Context, e *store.Execution) error
	GetExecution(ctx context.Context, id string) (*store.Execution, error)
	MarkExecutionApproved(ctx context.Context, id, approvedBy, reason string) error
	MarkExecutionRejected(ctx context.Context, id, reason string) error
	MarkExecutionStarted(ctx context.Context, id string, at time.Time) error
	MarkExecutionFinished(ctx context.Context, id, status string, exitCode int, stdout, stderr, errorMessage string, at time.Time) error
	CreateApproval(ctx context.Context, a *store.ApprovalEntry) error
	GetApproval(ctx context.Context, id string) (*store.ApprovalEntry, error)
	ListPendingApprovals(ctx context.Context, now time.Time, limit int) ([]store.ApprovalEntry, error)
	ResolveApproval(ctx context.Context, id, status, resolvedBy, reason string, at time.Time) error
	ExpireApprovals(ctx context.Context, now time.Time) ([]store.ApprovalEntry, error)
}

// Publisher delivers lifecycle events to subscribers.
type Publisher interface {
	Publish(name string, payload any)
}

// ExecutionEvent is the payload carried on node.execution.* events.
type ExecutionEvent struct {
	ExecutionID  string `json:"execution_id"`
	QueueID      string `json:"queue_id,omitempty"`
	NodeID       string `json:"node_id"`
	ConnectionID string `json:"connection_id,omitempty"`
	Command      string `json:"command,omitempty"`
	RiskLevel    string `json:"risk_level,omitempty"`
	AutoApproved bool   `json:"auto_approved,omitempty"`
	ResolvedBy   string `json:"resolved_by,omitempty"`
	Reason       string `json:"reason,omitempty"`
	ExitCode     *int   `json:"exit_code,omitempty"`
	Error        string `json:"error,omitempty"`
}

// ExecuteRequest is one node's request to run a command.
type ExecuteRequest struct {
	ConnectionID     string   `json:"connection_id"`
	NodeID           string   `json:"node_id"`
	Command          string   `json:"command"`
	Args             string   `json:"args,omitempty"`
	WorkingDir       string   `json:"working_dir,omitempty"`
	AutoApproveRules []string `json:"auto_approve_rules,omitempty"`
}

// ExecuteResult reports where an execution request landed.
type ExecuteResult struct {
	ExecutionID     string `json:"execution_id"`
	Status          string `json:"status"`
	RiskLevel       string `json:"risk_level"`
	ApprovalQueueID string `json:"approval_queue_id,omitempty"`
	Message         string `json:"message,omitempty"`
}

// ResolveResult reports the outcome of an operator approve/reject.
type ResolveResult struct {
	ExecutionID string `json:"execution_id"`
	QueueID     string `json:"queue_id"`
	Status      string `json:"status"`
}

// Options configures the execution policy.
type Options struct {
	// RequireMediumApproval routes medium-risk commands through the
	// approval queue instead of auto-approving them.
	RequireMediumApproval bool

	// ApprovalTTL bounds how long a queue entry may wait for an operator.
	ApprovalTTL time.Duration
}

// Service drives the node execution workflow: classify, gate on
// capabilities, queue for approval when policy demands it, and run
// approved commands through the external Runner.
type Service struct {
	store  ExecutionStore
	bus    Publisher
	runner Runner
	opts   Options
	logger *slog.Logger
}

// NewService creates the execution service. Pass nil logger for default.
func NewService(st ExecutionStore, bus Publisher, runner Runner, opts Options, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.ApprovalTTL <= 0 {
		opts.ApprovalTTL = 24 * time.Hour
	}
	return &Service{
		store:  st,
		bus:    bus,
		runner: runner,
		opts:   opts,
		logger: logger.With("component", "node"),
	}
}

// Execute classifies a command, applies the capability and approval
// policy, and either queues the execution for an operator or approves it
// and starts the run. The returned status is pending_approval or approved.
func (s *Service) Execute(ctx context.Context, identity *auth.Identity, req *ExecuteRequest) (*ExecuteResult, error) {
	risk := ClassifyRisk(req.Command, req.Args)

	if !identity.HasCapability("exec") {
		return nil, protocol.NewError(protocol.CodeCapabilityDenied,
			"node lacks exec capability")
	}

	requiresApproval, reason := s.approvalPolicy(identity, req, risk)

	params, err := json.Marshal(map[string]string{"args": req.Args})
	if err != nil {
		return nil, fmt.Errorf("encoding params: %w", err)
	}

	now := time.Now().UTC()
	execution := &store.Execution{
		ID:               uuid.New().String(),
		ConnectionID:     req.ConnectionID,
		NodeID:           req.NodeID,
		Command:          req.Command,
		Params:           params,
		WorkingDir:       req.WorkingDir,
		RiskLevel:        risk,
		RequiresApproval: requiresApproval,
		CreatedAt:        now,
	}
	if requiresApproval {
		execution.Status = store.ExecutionPendingApproval
	} else {
		execution.Status = store.ExecutionApproved
		execution.ApprovalReason = reason
	}

	if err := s.store.CreateExecution(ctx, execution); err != nil {
		return nil, err
	}

	if requiresApproval {
		entry := &store.ApprovalEntry{
			ID:          uuid.New().String(),
			ExecutionID: execution.ID,
			NodeID:      req.NodeID,
			Command:     req.Command,
			RiskLevel:   risk,
			ExpiresAt:   now.Add(s.opts.ApprovalTTL),
			CreatedAt:   now,
		}
		if err := s.store.CreateApproval(ctx, entry); err != nil {
			return nil, err
		}

		s.bus.Publish(EventPendingApproval, ExecutionEvent{
			ExecutionID:  execution.ID,
			QueueID:      entry.ID,
			NodeID:       req.NodeID,
			ConnectionID: req.ConnectionID,
			Command:      req.Command,
			RiskLevel:    risk,
		})

		s.logger.Info("execution queued for approval",
			"execution_id", execution.ID, "node_id", req.NodeID, "risk", risk)

		return &ExecuteResult{
			ExecutionID:     execution.ID,
			Status:          store.ExecutionPendingApproval,
			RiskLevel:       risk,
			ApprovalQueueID: entry.ID,
			Message:         fmt.Sprintf("execution queued for approval (risk: %s)", risk),
		}, nil
	}

	s.bus.Publish(EventApproved, ExecutionEvent{
		ExecutionID:  execution.ID,
		NodeID:       req.NodeID,
		Command:      req.Command,
		RiskLevel:    risk,
		AutoApproved: true,
		Reason:       reason,
	})

	go s.runExecution(context.WithoutCancel(ctx), execution.ID)

	return &ExecuteResult{
		ExecutionID: execution.ID,
		Status:      store.ExecutionApproved,
		RiskLevel:   risk,
		Message:     fmt.Sprintf("execution auto-approved (%s)", reason),
	}, nil
}

// approvalPolicy decides whether an execution needs an operator and, when
// it does not, why it was auto-approved. Elevated risk skips the queue
// only for a node holding the risk-matching capability plus trusted or
// auto_approve; per-request rules can downgrade for trusted nodes.
func (s *Service) approvalPolicy(identity *auth.Identity, req *ExecuteRequest, risk string) (bool, string) {
	elevated := identity.HasCapability("trusted") || identity.HasCapability("auto_approve")

	switch risk {
	case RiskCritical, RiskHigh:
		if elevated && identity.HasCapability("exec."+risk) {
			return false, "capability_auto_approve"
		}
	case RiskMedium:
		if !s.opts.RequireMediumApproval {
			return false, "medium_auto_approved"
		}
		if elevated {
			return false, "capability_auto_approve"
		}
	default:
		if identity.HasCapability("trusted") {
			if _, ok := trustedCommands[BaseCommand(req.Command)]; ok {
				return false, "trusted_command"
			}
		}
		return false, "low_risk"
	}

	// Per-request rules apply only to trusted nodes.
	if identity.HasCapability("trusted") {
		for _, rule := range req.AutoApproveRules {
			re, err := regexp.Compile("(?i)" + rule)
			if err != nil {
				s.logger.Warn("skipping invalid auto-approve rule", "rule", rule, "error", err)
				continue
			}
			if re.MatchString(req.Command) {
				return false, "rule:" + rule
			}
		}
	}

	return true, ""
}

// Approve resolves a pending queue entry in the operator's favor, moves
// the execution to approved, and starts the run. Concurrent resolutions
// race on a conditional update; exactly one wins.
func (s *Service) Approve(ctx context.Context, queueID, approvedBy, reason string) (*ResolveResult, error) {
	if reason == "" {
		reason = "approved_by_operator"
	}
	now := time.Now().UTC()

	entry, err := s.store.GetApproval(ctx, queueID)
	if err != nil {
		return nil, mapApprovalErr(err)
	}

	if entry.ExpiresAt.Before(now) && entry.Status == store.ApprovalPending {
		if err := s.expireEntry(ctx, entry, now); err != nil {
			return nil, err
		}
		return nil, protocol.NewError(protocol.CodeExpired, "approval request has expired")
	}

	if err := s.store.ResolveApproval(ctx, queueID, store.ApprovalApproved, approvedBy, reason, now); err != nil {
		return nil, mapApprovalErr(err)
	}
	if err := s.store.MarkExecutionApproved(ctx, entry.ExecutionID, approvedBy, reason); err != nil {
		return nil, err
	}

	s.bus.Publish(EventApproved, ExecutionEvent{
		ExecutionID: entry.ExecutionID,
		QueueID:     queueID,
		NodeID:      entry.NodeID,
		Command:     entry.Command,
		ResolvedBy:  approvedBy,
		Reason:      reason,
	})

	s.logger.Info("execution approved",
		"execution_id", entry.ExecutionID, "queue_id", queueID, "by", approvedBy)

	go s.runExecution(context.WithoutCancel(ctx), entry.ExecutionID)

	return &ResolveResult{
		ExecutionID: entry.ExecutionID,
		QueueID:     queueID,
		Status:      store.ExecutionApproved,
	}, nil
}

// Reject resolves a pending queue entry against the node and marks the
// execution rejected. Nothing runs.
func (s *Service) Reject(ctx context.Context, queueID, rejectedBy, reason string) (*ResolveResult, error) {
	if reason == "" {
		reason = "rejected_by_operator"
	}
	now := time.Now().UTC()

	entry, err := s.store.GetApproval(ctx, queueID)
	if err != nil {
		return nil, mapApprovalErr(err)
	}

	if err := s.store.ResolveApproval(ctx, queueID, store.ApprovalRejected, rejectedBy, reason, now); err != nil {
		return nil, mapApprovalErr(err)
	}
	if err := s.store.MarkExecutionRejected(ctx, entry.ExecutionID, reason); err != nil {
		return nil, err
	}

	s.bus.Publish(EventRejected, ExecutionEvent{
		ExecutionID: entry.ExecutionID,
		QueueID:     queueID,
		NodeID:      entry.NodeID,
		Command:     entry.Command,
		ResolvedBy:  rejectedBy,
		Reason:      reason,
	})

	s.logger.Info("execution rejected",
		"execution_id", entry.ExecutionID, "queue_id", queueID, "by", rejectedBy)

	return &ResolveResult{
		ExecutionID: entry.ExecutionID,
		QueueID:     queueID,
		Status:      store.ExecutionRejected,
	}, nil
}

// ListApprovals returns unexpired pending queue entries, newest first.
func (s *Service) ListApprovals(ctx context.Context, limit int) ([]store.ApprovalEntry, error) {
	if limit <= 0 || limit > 100 {
		limit = 100
	}
	return s.store.ListPendingApprovals(ctx, time.Now().UTC(), limit)
}

// GetExecution returns one execution record.
func (s *Service) GetExecution(ctx context.Context, id string) (*store.Execution, error) {
	execution, err := s.store.GetExecution(ctx, id)
	if err != nil {
		if errors.Is(err, store.ErrExecutionNotFound) {
			return nil, protocol.NewError(protocol.CodeNotFound, "execution not found")
		}
		return nil, err
	}
	return execution, nil
}

// runExecution drives an approved execution through in_progress to its
// terminal state, recording output and emitting started plus exactly one
// terminal event.
func (s *Service) runExecution(ctx context.Context, executionID string) {
	execution, err := s.store.GetExecution(ctx, executionID)
	if err != nil {
		s.logger.Error("loading execution for run", "execution_id", executionID, "error", err)
		return
	}

	if err := s.store.MarkExecutionStarted(ctx, executionID, time.Now().UTC()); err != nil {
		s.logger.Error("starting execution", "execution_id", executionID, "error", err)
		return
	}

	s.bus.Publish(EventStarted, ExecutionEvent{
		ExecutionID: executionID,
		NodeID:      execution.NodeID,
		Command:     execution.Command,
	})

	var params struct {
		Args string `json:"args"`
	}
	if len(execution.Params) > 0 {
		if err := json.Unmarshal(execution.Params, &params); err != nil {
			s.finishExecution(ctx, execution, -1, "", "", fmt.Sprintf("malformed params: %v", err))
			return
		}
	}

	exitCode, stdout, stderr, err := s.runner.Run(ctx, execution.Command, params.Args, execution.WorkingDir)
	if err != nil {
		s.finishExecution(ctx, execution, exitCode, stdout, stderr, err.Error())
		return
	}

	s.finishExecution(ctx, execution, exitCode, stdout, stderr, "")
}

// finishExecution persists the terminal state and emits completed or failed.
func (s *Service) finishExecution(ctx context.Context, execution *store.Execution, exitCode int, stdout, stderr, errMsg string) {
	status := store.ExecutionCompleted
	if exitCode != 0 || errMsg != "" {
		status = store.ExecutionFailed
	}

	if err := s.store.MarkExecutionFinished(ctx, execution.ID, status, exitCode, stdout, stderr, errMsg, time.Now().UTC()); err != nil {
		s.logger.Error("finishing execution", "execution_id", execution.ID, "error", err)
		return
	}

	event := ExecutionEvent{
		ExecutionID: execution.ID,
		NodeID:      execution.NodeID,
		Command:     execution.Command,
		ExitCode:    &exitCode,
		Error:       errMsg,
	}
	if status == store.ExecutionCompleted {
		s.bus.Publish(EventCompleted, event)
	} else {
		s.bus.Publish(EventFailed, event)
	}

	s.logger.Info("execution finished",
		"execution_id", execution.ID, "status", status, "exit_code", exitCode)
}

// expireEntry transitions one overdue queue entry to expired and its
// execution to rejected, emitting the rejection event. Shared between the
// sweeper and Approve-on-expired.
func (s *Service) expireEntry(ctx context.Context, entry *store.ApprovalEntry, now time.Time) error {
	if err := s.store.ResolveApproval(ctx, entry.ID, store.ApprovalExpired, "", "approval expired", now); err != nil {
		if errors.Is(err, store.ErrApprovalResolved) {
			return nil
		}
		return err
	}
	if err := s.store.MarkExecutionRejected(ctx, entry.ExecutionID, "approval expired"); err != nil && !errors.Is(err, store.ErrExecutionNotFound) {
		return err
	}

	s.bus.Publish(EventRejected, ExecutionEvent{
		ExecutionID: entry.ExecutionID,
		QueueID:     entry.ID,
		NodeID:      entry.NodeID,
		Command:     entry.Command,
		Reason:      "approval expired",
	})
	return nil
}

// Sweep expires every overdue pending approval. Returns how many entries
// it transitioned.
func (s *Service) Sweep(ctx context.Context) (int, error) {
	now := time.Now().UTC()
	expired, err := s.store.ExpireApprovals(ctx, now)
	if err != nil {
		return 0, err
	}

	for i := range expired {
		entry := expired[i]
		if err := s.store.MarkExecutionRejected(ctx, entry.ExecutionID, "approval expired"); err != nil && !errors.Is(err, store.ErrExecutionNotFound) {
			s.logger.Error("rejecting expired execution",
				"execution_id", entry.ExecutionID, "error", err)
			continue
		}
		s.bus.Publish(EventRejected, ExecutionEvent{
			ExecutionID: entry.ExecutionID,
			QueueID:     entry.ID,
			NodeID:      entry.NodeID,
			Command:     entry.Command,
			Reason:      "approval expired",
		})
	}

	if len(expired) > 0 {
		s.logger.Info("expired overdue approvals", "count", len(expired))
	}
	return len(expired), nil
}

// RunSweeper expires overdue approvals on the given interval until ctx is
// cancelled.
func (s *Service) RunSweeper(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := s.Sweep(ctx); err != nil {
				s.logger.Error("approval sweep failed", "error", err)
			}
		}
	}
}

// mapApprovalErr converts store sentinels into protocol faults.
func mapApprovalErr(err error) error {
	switch {
	case errors.Is(err, store.ErrApprovalNotFound):
		return protocol.NewError(protocol.CodeNotFound, "approval queue entry not found")
	case errors.Is(err, store.ErrApprovalResolved):
		return protocol.NewError(protocol.CodeConflict, "approval queue entry already resolved")
	}
	return err
}
