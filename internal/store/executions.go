// ABOUTME: Node execution and approval queue persistence
// ABOUTME: Approval resolution uses conditional UPDATEs so concurrent operators race safely

package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Execution statuses.
const (
	ExecutionPendingApproval = "pending_approval"
	ExecutionApproved        = "approved"
	ExecutionRejected        = "rejected"
	ExecutionInProgress      = "in_progress"
	ExecutionCompleted       = "completed"
	ExecutionFailed          = "failed"
)

// Approval queue entry statuses.
const (
	ApprovalPending  = "pending"
	ApprovalApproved = "approved"
	ApprovalRejected = "rejected"
	ApprovalExpired  = "expired"
)

// Execution errors.
var (
	ErrExecutionNotFound = errors.New("execution not found")
	ErrApprovalNotFound  = errors.New("approval queue entry not found")
	ErrApprovalResolved  = errors.New("approval queue entry already resolved")
)

// Execution is one requested node command and its lifecycle record.
type Execution struct {
	ID               string
	ConnectionID     string
	NodeID           string
	Command          string
	Params           json.RawMessage
	WorkingDir       string
	RiskLevel        string
	Status           string
	RequiresApproval bool
	ApprovalReason   string
	ApprovedBy       string
	ExitCode         *int
	Stdout           string
	Stderr           string
	ErrorMessage     string
	CreatedAt        time.Time
	StartedAt        *time.Time
	CompletedAt      *time.Time
}

// ApprovalEntry is one pending (or resolved) operator approval.
type ApprovalEntry struct {
	ID               string
	ExecutionID      string
	NodeID           string
	Command          string
	RiskLevel        string
	Status           string
	ExpiresAt        time.Time
	ResolvedBy       string
	ResolutionReason string
	ResolvedAt       *time.Time
	CreatedAt        time.Time
}

// CreateExecution inserts a new execution record.
func (s *SQLiteStore) CreateExecution(ctx context.Context, e *Execution) error {
	query := `
		INSERT INTO node_executions
			(execution_id, connection_id, node_id, command, params, working_dir,
			 risk_level, status, requires_approval, approval_reason, approved_by, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	var params any
	if e.Params != nil {
		params = string(e.Params)
	}

	_, err := s.db.ExecContext(ctx, query,
		e.ID,
		e.ConnectionID,
		e.NodeID,
		e.Command,
		params,
		nullIfEmpty(e.WorkingDir),
		e.RiskLevel,
		e.Status,
		e.RequiresApproval,
		nullIfEmpty(e.ApprovalReason),
		nullIfEmpty(e.ApprovedBy),
		e.CreatedAt.UTC().Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("inserting execution: %w", err)
	}

	s.logger.Debug("created execution",
		"id", e.ID, "node_id", e.NodeID, "risk", e.RiskLevel, "status", e.Status)
	return nil
}

// GetExecution retrieves an execution by ID.
func (s *SQLiteStore) GetExecution(ctx context.Context, id string) (*Execution, error) {
	query := `
		SELECT execution_id, connection_id, node_id, command, params, working_dir,
		       risk_level, status, requires_approval, approval_reason, approved_by,
		       exit_code, stdout, stderr, error_message, created_at, started_at, completed_at
		FROM node_executions
		WHERE execution_id = ?
	`

	var e Execution
	var params, workingDir, approvalReason, approvedBy sql.NullString
	var stdout, stderr, errorMessage sql.NullString
	var exitCode sql.NullInt64
	var createdAtStr string
	var startedAtStr, completedAtStr sql.NullString

	err := s.db.QueryRowContext(ctx, query, id).Scan(
		&e.ID,
		&e.ConnectionID,
		&e.NodeID,
		&e.Command,
		&params,
		&workingDir,
		&e.RiskLevel,
		&e.Status,
		&e.RequiresApproval,
		&approvalReason,
		&approvedBy,
		&exitCode,
		&stdout,
		&stderr,
		&errorMessage,
		&createdAtStr,
		&startedAtStr,
		&completedAtStr,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrExecutionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scanning execution: %w", err)
	}

	if params.Valid {
		e.Params = json.RawMessage(params.String)
	}
	e.WorkingDir = workingDir.String
	e.ApprovalReason = approvalReason.String
	e.ApprovedBy = approvedBy.String
	e.Stdout = stdout.String
	e.Stderr = stderr.String
	e.ErrorMessage = errorMessage.String
	if exitCode.Valid {
		code := int(exitCode.Int64)
		e.ExitCode = &code
	}

	e.CreatedAt, err = time.Parse(time.RFC3339, createdAtStr)
	if err != nil {
		return nil, fmt.Errorf("parsing created_at: %w", err)
	}
	if e.StartedAt, err = parseNullTime(startedAtStr); err != nil {
		return nil, fmt.Errorf("parsing started_at: %w", err)
	}
	if e.CompletedAt, err = parseNullTime(completedAtStr); err != nil {
		return nil, fmt.Errorf("parsing completed_at: %w", err)
	}

	return &e, nil
}

// MarkExecutionApproved transitions an execution to approved. Only a
// pending_approval or already-approved execution qualifies; the conditional
// guard prevents resurrecting rejected executions.
func (s *SQLiteStore) MarkExecutionApproved(ctx context.Context, id, approvedBy, reason string) error {
	query := `
		UPDATE node_executions
		SET status = ?, approved_by = ?, approval_reason = ?
		WHERE execution_id = ? AND status IN (?, ?)
	`

	result, err := s.db.ExecContext(ctx, query,
		ExecutionApproved, approvedBy, reason, id, ExecutionPendingApproval, ExecutionApproved)
	if err != nil {
		return fmt.Errorf("approving execution: %w", err)
	}
	return requireRow(result, ErrExecutionNotFound)
}

// MarkExecutionRejected transitions an execution to rejected with a reason.
func (s *SQLiteStore) MarkExecutionRejected(ctx context.Context, id, reason string) error {
	query := `
		UPDATE node_executions
		SET status = ?, error_message = ?
		WHERE execution_id = ? AND status = ?
	`

	result, err := s.db.ExecContext(ctx, query, ExecutionRejected, reason, id, ExecutionPendingApproval)
	if err != nil {
		return fmt.Errorf("rejecting execution: %w", err)
	}
	return requireRow(result, ErrExecutionNotFound)
}

// MarkExecutionStarted transitions an approved execution to in_progress.
func (s *SQLiteStore) MarkExecutionStarted(ctx context.Context, id string, at time.Time) error {
	query := `
		UPDATE node_executions
		SET status = ?, started_at = ?
		WHERE execution_id = ? AND status = ?
	`

	result, err := s.db.ExecContext(ctx, query,
		ExecutionInProgress, at.UTC().Format(time.RFC3339), id, ExecutionApproved)
	if err != nil {
		return fmt.Errorf("starting execution: %w", err)
	}
	return requireRow(result, ErrExecutionNotFound)
}

// MarkExecutionFinished records the outcome of a run: exit code, output
// streams, and the terminal status (completed or failed).
func (s *SQLiteStore) MarkExecutionFinished(ctx context.Context, id, status string, exitCode int, stdout, stderr, errorMessage string, at time.Time) error {
	query := `
		UPDATE node_executions
		SET status = ?, exit_code = ?, stdout = ?, stderr = ?, error_message = ?, completed_at = ?
		WHERE execution_id = ? AND status = ?
	`

	result, err := s.db.ExecContext(ctx, query,
		status, exitCode, stdout, stderr, nullIfEmpty(errorMessage),
		at.UTC().Format(time.RFC3339), id, ExecutionInProgress)
	if err != nil {
		return fmt.Errorf("finishing execution: %w", err)
	}
	return requireRow(result, ErrExecutionNotFound)
}

// CreateApproval inserts a new approval queue entry.
func (s *SQLiteStore) CreateApproval(ctx context.Context, a *ApprovalEntry) error {
	query := `
		INSERT INTO node_approval_queue
			(queue_id, execution_id, node_id, command, risk_level, status, expires_at, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err := s.db.ExecContext(ctx, query,
		a.ID,
		a.ExecutionID,
		a.NodeID,
		a.Command,
		a.RiskLevel,
		ApprovalPending,
		a.ExpiresAt.UTC().Format(time.RFC3339),
		a.CreatedAt.UTC().Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("inserting approval entry: %w", err)
	}

	s.logger.Debug("queued approval",
		"queue_id", a.ID, "execution_id", a.ExecutionID, "risk", a.RiskLevel)
	return nil
}

// GetApproval retrieves an approval queue entry by ID.
func (s *SQLiteStore) GetApproval(ctx context.Context, id string) (*ApprovalEntry, error) {
	query := approvalSelect + ` WHERE queue_id = ?`

	row := s.db.QueryRowContext(ctx, query, id)
	entry, err := scanApproval(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrApprovalNotFound
	}
	return entry, err
}

// ListPendingApprovals returns unexpired pending entries, newest first.
func (s *SQLiteStore) ListPendingApprovals(ctx context.Context, now time.Time, limit int) ([]ApprovalEntry, error) {
	query := approvalSelect + `
		WHERE status = ? AND expires_at > ?
		ORDER BY created_at DESC
		LIMIT ?
	`

	rows, err := s.db.QueryContext(ctx, query,
		ApprovalPending, now.UTC().Format(time.RFC3339), limit)
	if err != nil {
		return nil, fmt.Errorf("querying pending approvals: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var entries []ApprovalEntry
	for rows.Next() {
		entry, err := scanApproval(rows.Scan)
		if err != nil {
			return nil, err
		}
		entries = append(entries, *entry)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating approval rows: %w", err)
	}

	return entries, nil
}

// ResolveApproval transitions a pending entry to approved or rejected. The
// WHERE status='pending' guard makes concurrent resolutions race on the
// UPDATE: exactly one wins, the loser gets ErrApprovalResolved.
func (s *SQLiteStore) ResolveApproval(ctx context.Context, id, status, resolvedBy, reason string, at time.Time) error {
	query := `
		UPDATE node_approval_queue
		SET status = ?, resolved_by = ?, resolution_reason = ?, resolved_at = ?
		WHERE queue_id = ? AND status = ?
	`

	result, err := s.db.ExecContext(ctx, query,
		status, resolvedBy, reason, at.UTC().Format(time.RFC3339), id, ApprovalPending)
	if err != nil {
		return fmt.Errorf("resolving approval: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("getting rows affected: %w", err)
	}
	if rowsAffected == 0 {
		if _, err := s.GetApproval(ctx, id); errors.Is(err, ErrApprovalNotFound) {
			return ErrApprovalNotFound
		}
		return ErrApprovalResolved
	}

	s.logger.Debug("resolved approval", "queue_id", id, "status", status, "by", resolvedBy)
	return nil
}

// ExpireApprovals marks every pending entry past its deadline as expired
// and returns the entries it transitioned, so the caller can fail the
// executions and emit events.
func (s *SQLiteStore) ExpireApprovals(ctx context.Context, now time.Time) ([]ApprovalEntry, error) {
	selectQuery := approvalSelect + ` WHERE status = ? AND expires_at <= ?`

	rows, err := s.db.QueryContext(ctx, selectQuery,
		ApprovalPending, now.UTC().Format(time.RFC3339))
	if err != nil {
		return nil, fmt.Errorf("querying overdue approvals: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var overdue []ApprovalEntry
	for rows.Next() {
		entry, err := scanApproval(rows.Scan)
		if err != nil {
			return nil, err
		}
		overdue = append(overdue, *entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating overdue approvals: %w", err)
	}

	var expired []ApprovalEntry
	for _, entry := range overdue {
		// Conditional update: an operator may have resolved it since the read.
		result, err := s.db.ExecContext(ctx,
			`UPDATE node_approval_queue SET status = ?, resolved_at = ? WHERE queue_id = ? AND status = ?`,
			ApprovalExpired, now.UTC().Format(time.RFC3339), entry.ID, ApprovalPending)
		if err != nil {
			return nil, fmt.Errorf("expiring approval: %w", err)
		}
		rowsAffected, err := result.RowsAffected()
		if err != nil {
			return nil, fmt.Errorf("getting rows affected: %w", err)
		}
		if rowsAffected == 0 {
			continue
		}
		entry.Status = ApprovalExpired
		expired = append(expired, entry)
	}

	return expired, nil
}

const approvalSelect = `
	SELECT queue_id, execution_id, node_id, command, risk_level, status,
	       expires_at, resolved_by, resolution_reason, resolved_at, created_at
	FROM node_approval_queue`

// scanApproval scans one approval entry using the provided scan function,
// shared between Row and Rows callers.
func scanApproval(scan func(dest ...any) error) (*ApprovalEntry, error) {
	var a ApprovalEntry
	var resolvedBy, resolutionReason sql.NullString
	var expiresAtStr, createdAtStr string
	var resolvedAtStr sql.NullString

	err := scan(
		&a.ID,
		&a.ExecutionID,
		&a.NodeID,
		&a.Command,
		&a.RiskLevel,
		&a.Status,
		&expiresAtStr,
		&resolvedBy,
		&resolutionReason,
		&resolvedAtStr,
		&createdAtStr,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("scanning approval entry: %w", err)
	}

	a.ResolvedBy = resolvedBy.String
	a.ResolutionReason = resolutionReason.String

	a.ExpiresAt, err = time.Parse(time.RFC3339, expiresAtStr)
	if err != nil {
		return nil, fmt.Errorf("parsing expires_at: %w", err)
	}
	a.CreatedAt, err = time.Parse(time.RFC3339, createdAtStr)
	if err != nil {
		return nil, fmt.Errorf("parsing created_at: %w", err)
	}
	if a.ResolvedAt, err = parseNullTime(resolvedAtStr); err != nil {
		return nil, fmt.Errorf("parsing resolved_at: %w", err)
	}

	return &a, nil
}

// parseNullTime parses an optional RFC3339 column.
func parseNullTime(v sql.NullString) (*time.Time, error) {
	if !v.Valid {
		return nil, nil
	}
	t, err := time.Parse(time.RFC3339, v.String)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

// requireRow converts a zero-rows UPDATE into the given sentinel error.
func requireRow(result sql.Result, notFound error) error {
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("getting rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return notFound
	}
	return nil
}
