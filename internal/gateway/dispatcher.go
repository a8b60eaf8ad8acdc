// ABOUTME: Routes validated req frames to registered method handlers
// ABOUTME: Enforces scopes, wraps side-effecting methods in idempotency, recovers panics

package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/2389/prime-gateway/internal/auth"
	"github.com/2389/prime-gateway/internal/idempotency"
	"github.com/2389/prime-gateway/internal/protocol"
	"github.com/2389/prime-gateway/internal/registry"
)

// HandlerFunc handles one request. The returned value is marshaled into
// the res frame; a returned error becomes a structured error frame.
type HandlerFunc func(ctx context.Context, conn *registry.Connection, params json.RawMessage) (any, error)

type method struct {
	handler HandlerFunc
	scope   string
	// sideEffecting methods honor idempotency keys.
	sideEffecting bool
}

// wireFault is the persisted form of a handler fault, so idempotent
// replays observe the same error.
type wireFault struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Dispatcher owns the method table and the per-request pipeline:
// scope gate → idempotency → handler → res/error.
type Dispatcher struct {
	methods map[string]method
	idem    *idempotency.Service
	logger  *slog.Logger
}

// NewDispatcher creates an empty dispatcher. Pass nil logger for default.
func NewDispatcher(idem *idempotency.Service, logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{
		methods: make(map[string]method),
		idem:    idem,
		logger:  logger.With("component", "dispatcher"),
	}
}

// Register adds a method to the table. An empty scope means any
// authenticated connection may call it.
func (d *Dispatcher) Register(name, scope string, sideEffecting bool, h HandlerFunc) {
	d.methods[name] = method{handler: h, scope: scope, sideEffecting: sideEffecting}
}

// Dispatch runs one req frame through the pipeline and always returns a
// res or error frame for it. The connection must already be authenticated.
func (d *Dispatcher) Dispatch(ctx context.Context, conn *registry.Connection, env *protocol.Envelope) *protocol.Envelope {
	m, ok := d.methods[env.Method]
	if !ok {
		return protocol.NewErrorFrame(env.ID, protocol.CodeMethodNotFound,
			fmt.Sprintf("unknown method %q", env.Method))
	}

	identity := conn.Identity()
	if m.scope != "" && !identity.HasScope(m.scope) {
		return protocol.NewErrorFrame(env.ID, protocol.CodeForbidden,
			fmt.Sprintf("method %s requires scope %s", env.Method, m.scope))
	}
	ctx = auth.WithIdentity(ctx, identity)

	if m.sideEffecting && env.IdempotencyKey != "" {
		return d.dispatchIdempotent(ctx, conn, env, m)
	}

	result, err := d.invoke(ctx, conn, m, env)
	if err != nil {
		pe := protocol.AsError(err)
		return protocol.NewErrorFrame(env.ID, pe.Code, pe.Message)
	}
	return d.response(env, result)
}

// dispatchIdempotent wraps a keyed side-effecting request: the first
// caller executes, concurrent duplicates observe InProgress, and replays
// receive the stored result or fault without re-execution.
func (d *Dispatcher) dispatchIdempotent(ctx context.Context, conn *registry.Connection, env *protocol.Envelope, m method) *protocol.Envelope {
	hash, err := idempotency.Hash(env.Method, env.Params)
	if err != nil {
		return protocol.NewErrorFrame(env.ID, protocol.CodeInvalidParams,
			"params must be a JSON object")
	}

	decision, err := d.idem.Begin(ctx, env.IdempotencyKey, conn.Identity().Subject, env.Method, hash)
	if err != nil {
		d.logger.Error("idempotency begin failed", "method", env.Method, "error", err)
		return protocol.NewErrorFrame(env.ID, protocol.CodeInternal, "idempotency check failed")
	}

	switch decision.Outcome {
	case idempotency.Conflict:
		return protocol.NewErrorFrame(env.ID, protocol.CodeIdempotencyConflict,
			"idempotency key already used with a different request")
	case idempotency.InProgress:
		return protocol.NewErrorFrame(env.ID, protocol.CodeIdempotencyInFlight,
			"request with this idempotency key is still executing")
	case idempotency.Replay:
		if decision.Failed {
			var fault wireFault
			if err := json.Unmarshal(decision.Result, &fault); err != nil || fault.Code == "" {
				return protocol.NewErrorFrame(env.ID, protocol.CodeInternal, "stored fault unreadable")
			}
			return protocol.NewErrorFrame(env.ID, fault.Code, fault.Message)
		}
		return protocol.NewResponse(env.ID, decision.Result)
	}

	result, err := d.invoke(ctx, conn, m, env)
	if err != nil {
		pe := protocol.AsError(err)
		fault, _ := json.Marshal(wireFault{Code: pe.Code, Message: pe.Message})
		if failErr := d.idem.Fail(ctx, env.IdempotencyKey, fault); failErr != nil {
			d.logger.Error("persisting fault for idempotency key failed",
				"key", env.IdempotencyKey, "error", failErr)
		}
		return protocol.NewErrorFrame(env.ID, pe.Code, pe.Message)
	}

	resp := d.response(env, result)
	if err := d.idem.Complete(ctx, env.IdempotencyKey, resp.Result); err != nil {
		d.logger.Error("persisting result for idempotency key failed",
			"key", env.IdempotencyKey, "error", err)
	}
	return resp
}

// invoke runs the handler with panic recovery: a panic becomes an
// internal error frame, never an unstructured crash across the transport.
func (d *Dispatcher) invoke(ctx context.Context, conn *registry.Connection, m method, env *protocol.Envelope) (result any, err error) {
	defer func() {
		if r := recover(); r != nil {
			d.logger.Error("handler panicked", "method", env.Method, "panic", fmt.Sprintf("%v", r))
			err = protocol.NewError(protocol.CodeInternal, "internal error")
		}
	}()
	return m.handler(ctx, conn, env.Params)
}

// response marshals a handler result into a res frame.
func (d *Dispatcher) response(env *protocol.Envelope, result any) *protocol.Envelope {
	raw, ok := result.(json.RawMessage)
	if !ok {
		var err error
		raw, err = json.Marshal(result)
		if err != nil {
			d.logger.Error("marshaling handler result", "method", env.Method, "error", err)
			return protocol.NewErrorFrame(env.ID, protocol.CodeInternal, "unencodable result")
		}
	}
	return protocol.NewResponse(env.ID, raw)
}
