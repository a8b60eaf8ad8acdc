// ABOUTME: Method handlers for the gateway protocol surface
// ABOUTME: Binding resolution, node execution, approvals, presence, ping, event subscriptions

package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/2389/prime-gateway/internal/auth"
	"github.com/2389/prime-gateway/internal/binding"
	"github.com/2389/prime-gateway/internal/node"
	"github.com/2389/prime-gateway/internal/protocol"
	"github.com/2389/prime-gateway/internal/registry"
	"github.com/2389/prime-gateway/internal/store"
)

// Method names and the scopes that gate them.
const (
	MethodBindingsResolve  = "bindings.resolve"
	MethodNodeExecute      = "node.execute"
	MethodApprovalsList    = "node.approvals.list"
	MethodApprovalsApprove = "node.approvals.approve"
	MethodApprovalsReject  = "node.approvals.reject"
	MethodPresenceList     = "presence.list"
	MethodPing             = "ping"
	MethodEventsSubscribe  = "events.subscribe"
	MethodEventsUnsub      = "events.unsubscribe"

	ScopeBindings  = "bindings"
	ScopeNode      = "node"
	ScopeApprovals = "approvals"
)

// registerHandlers installs the method table.
func (s *Server) registerHandlers() {
	s.dispatcher.Register(MethodBindingsResolve, ScopeBindings, false, s.handleBindingsResolve)
	s.dispatcher.Register(MethodNodeExecute, ScopeNode, true, s.handleNodeExecute)
	s.dispatcher.Register(MethodApprovalsList, ScopeApprovals, false, s.handleApprovalsList)
	s.dispatcher.Register(MethodApprovalsApprove, ScopeApprovals, true, s.handleApprovalsApprove)
	s.dispatcher.Register(MethodApprovalsReject, ScopeApprovals, true, s.handleApprovalsReject)
	s.dispatcher.Register(MethodPresenceList, "", false, s.handlePresenceList)
	s.dispatcher.Register(MethodPing, "", false, s.handlePing)
	s.dispatcher.Register(MethodEventsSubscribe, "", false, s.handleEventsSubscribe)
	s.dispatcher.Register(MethodEventsUnsub, "", false, s.handleEventsUnsubscribe)
}

func (s *Server) handleBindingsResolve(ctx context.Context, _ *registry.Connection, params json.RawMessage) (any, error) {
	var p struct {
		Channel   string `json:"channel"`
		AccountID string `json:"account_id"`
		Peer      string `json:"peer"`
		BotID     string `json:"bot_id"`
	}
	if err := json.Unmarshal(params, &p); err != nil || p.Channel == "" {
		return nil, protocol.NewError(protocol.CodeInvalidParams, "channel is required")
	}

	resolution, err := s.bindings.Resolve(ctx, binding.Query{
		Channel:   p.Channel,
		AccountID: p.AccountID,
		Peer:      p.Peer,
		BotID:     p.BotID,
	})
	if err != nil {
		if errors.Is(err, binding.ErrNoMatch) {
			return nil, protocol.NewError(protocol.CodeNoMatch, "no binding matched")
		}
		return nil, err
	}
	return resolution, nil
}

func (s *Server) handleNodeExecute(ctx context.Context, conn *registry.Connection, params json.RawMessage) (any, error) {
	var p struct {
		NodeID           string   `json:"node_id"`
		Command          string   `json:"command"`
		Args             string   `json:"args"`
		WorkingDir       string   `json:"working_dir"`
		AutoApproveRules []string `json:"auto_approve_rules"`
	}
	if err := json.Unmarshal(params, &p); err != nil || p.Command == "" {
		return nil, protocol.NewError(protocol.CodeInvalidParams, "command is required")
	}

	identity := auth.MustFromContext(ctx)
	nodeID := p.NodeID
	if nodeID == "" {
		nodeID = identity.Subject
	}

	return s.nodes.Execute(ctx, identity, &node.ExecuteRequest{
		ConnectionID:     conn.ID,
		NodeID:           nodeID,
		Command:          p.Command,
		Args:             p.Args,
		WorkingDir:       p.WorkingDir,
		AutoApproveRules: p.AutoApproveRules,
	})
}

// approvalView is the wire shape of a queue entry.
type approvalView struct {
	QueueID     string    `json:"queue_id"`
	ExecutionID string    `json:"execution_id"`
	NodeID      string    `json:"node_id"`
	Command     string    `json:"command"`
	RiskLevel   string    `json:"risk_level"`
	Status      string    `json:"status"`
	ExpiresAt   time.Time `json:"expires_at"`
	CreatedAt   time.Time `json:"created_at"`
}

func toApprovalView(e store.ApprovalEntry) approvalView {
	return approvalView{
		QueueID:     e.ID,
		ExecutionID: e.ExecutionID,
		NodeID:      e.NodeID,
		Command:     e.Command,
		RiskLevel:   e.RiskLevel,
		Status:      e.Status,
		ExpiresAt:   e.ExpiresAt,
		CreatedAt:   e.CreatedAt,
	}
}

func (s *Server) handleApprovalsList(ctx context.Context, _ *registry.Connection, params json.RawMessage) (any, error) {
	var p struct {
		Limit int `json:"limit"`
	}
	if len(params) > 0 {
		if err := json.Unmarshal(params, &p); err != nil {
			return nil, protocol.NewError(protocol.CodeInvalidParams, "invalid params")
		}
	}

	entries, err := s.nodes.ListApprovals(ctx, p.Limit)
	if err != nil {
		return nil, err
	}

	views := make([]approvalView, len(entries))
	for i, e := range entries {
		views[i] = toApprovalView(e)
	}
	return map[string]any{"approvals": views}, nil
}

func (s *Server) handleApprovalsApprove(ctx context.Context, _ *registry.Connection, params json.RawMessage) (any, error) {
	queueID, reason, err := resolveParams(params)
	if err != nil {
		return nil, err
	}
	return s.nodes.Approve(ctx, queueID, auth.MustFromContext(ctx).Subject, reason)
}

func (s *Server) handleApprovalsReject(ctx context.Context, _ *registry.Connection, params json.RawMessage) (any, error) {
	queueID, reason, err := resolveParams(params)
	if err != nil {
		return nil, err
	}
	return s.nodes.Reject(ctx, queueID, auth.MustFromContext(ctx).Subject, reason)
}

func resolveParams(params json.RawMessage) (queueID, reason string, err error) {
	var p struct {
		QueueID string `json:"queue_id"`
		Reason  string `json:"reason"`
	}
	if err := json.Unmarshal(params, &p); err != nil || p.QueueID == "" {
		return "", "", protocol.NewError(protocol.CodeInvalidParams, "queue_id is required")
	}
	return p.QueueID, p.Reason, nil
}

func (s *Server) handlePresenceList(_ context.Context, _ *registry.Connection, _ json.RawMessage) (any, error) {
	return map[string]any{"connections": s.registry.List()}, nil
}

func (s *Server) handlePing(_ context.Context, conn *registry.Connection, _ json.RawMessage) (any, error) {
	conn.Touch()
	return map[string]any{
		"ok":          true,
		"server_time": time.Now().UnixMilli(),
	}, nil
}

func (s *Server) handleEventsSubscribe(_ context.Context, conn *registry.Connection, params json.RawMessage) (any, error) {
	var p struct {
		Prefixes []string `json:"prefixes"`
	}
	if len(params) > 0 {
		if err := json.Unmarshal(params, &p); err != nil {
			return nil, protocol.NewError(protocol.CodeInvalidParams, "invalid params")
		}
	}

	s.subscribeConnection(conn, p.Prefixes)
	return map[string]any{"subscribed": true}, nil
}

func (s *Server) handleEventsUnsubscribe(_ context.Context, conn *registry.Connection, _ json.RawMessage) (any, error) {
	s.unsubscribeConnection(conn.ID)
	return map[string]any{"subscribed": false}, nil
}
