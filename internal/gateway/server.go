// ABOUTME: WebSocket gateway server: accept, challenge, handshake, frame loop
// ABOUTME: Owns connection lifecycle, event forwarding, and presence publishing

package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/2389/prime-gateway/internal/auth"
	"github.com/2389/prime-gateway/internal/binding"
	"github.com/2389/prime-gateway/internal/events"
	"github.com/2389/prime-gateway/internal/idempotency"
	"github.com/2389/prime-gateway/internal/node"
	"github.com/2389/prime-gateway/internal/protocol"
	"github.com/2389/prime-gateway/internal/registry"
)

// Event names published by the server itself.
const (
	EventConnected    = "presence.connected"
	EventDisconnected = "presence.disconnected"
	EventHandshakeAck = "sys.connected"
	EventHeartbeat    = "heartbeat"
	EventHealth       = "health"
)

// maxDecodeFailures is how many malformed frames a connection may send
// before the server gives up on it.
const maxDecodeFailures = 5

// Options tune per-connection behavior. Zero values fall back to defaults.
type Options struct {
	OutboundQueue     int
	HandshakeTimeout  time.Duration
	RequestTimeout    time.Duration
	HeartbeatInterval time.Duration
}

func (o *Options) withDefaults() Options {
	opts := Options{
		OutboundQueue:     64,
		HandshakeTimeout:  10 * time.Second,
		RequestTimeout:    30 * time.Second,
		HeartbeatInterval: 30 * time.Second,
	}
	if o == nil {
		return opts
	}
	if o.OutboundQueue > 0 {
		opts.OutboundQueue = o.OutboundQueue
	}
	if o.HandshakeTimeout > 0 {
		opts.HandshakeTimeout = o.HandshakeTimeout
	}
	if o.RequestTimeout > 0 {
		opts.RequestTimeout = o.RequestTimeout
	}
	if o.HeartbeatInterval > 0 {
		opts.HeartbeatInterval = o.HeartbeatInterval
	}
	return opts
}

// Config wires the server's collaborators.
type Config struct {
	Registry    *registry.Registry
	Bus         *events.Bus
	Nonces      *auth.NonceLedger
	Verifier    auth.TokenVerifier
	Idempotency *idempotency.Service
	Bindings    *binding.Service
	Nodes       *node.Service
	Options     *Options
	Logger      *slog.Logger
}

// forwarder tracks one connection's event subscription.
type forwarder struct {
	cancel   context.CancelFunc
	prefixes []string
}

// Server accepts WebSocket connections and speaks the control protocol.
type Server struct {
	registry   *registry.Registry
	bus        *events.Bus
	nonces     *auth.NonceLedger
	verifier   auth.TokenVerifier
	bindings   *binding.Service
	nodes      *node.Service
	dispatcher *Dispatcher
	opts       Options
	logger     *slog.Logger

	mu         sync.Mutex
	forwarders map[string]*forwarder
}

// NewServer builds a Server from its collaborators and registers the
// method table.
func NewServer(cfg Config) *Server {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		registry:   cfg.Registry,
		bus:        cfg.Bus,
		nonces:     cfg.Nonces,
		verifier:   cfg.Verifier,
		bindings:   cfg.Bindings,
		nodes:      cfg.Nodes,
		dispatcher: NewDispatcher(cfg.Idempotency, logger),
		opts:       cfg.Options.withDefaults(),
		logger:     logger.With("component", "gateway"),
		forwarders: make(map[string]*forwarder),
	}
	s.registerHandlers()
	return s
}

// Handler returns the HTTP mux serving the WebSocket endpoint and a
// liveness check.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWS)
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})
	return mux
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		InsecureSkipVerify: true,
	})
	if err != nil {
		s.logger.Warn("websocket accept failed", "error", err)
		return
	}

	conn := registry.NewConnection(s.opts.OutboundQueue, s.logger)
	s.registry.Add(conn)

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	// Writer drains the outbound queue; it is the only goroutine that
	// writes to the socket after accept.
	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		for env := range conn.Outbound() {
			if err := wsjson.Write(ctx, ws, env); err != nil {
				cancel()
				return
			}
		}
		// Outbound closed: the connection was shut down elsewhere
		// (registry CloseAll, fatal frame). Remaining frames are
		// flushed above; now unblock the read loop and drop the
		// socket so the client sees the disconnect.
		cancel()
		_ = ws.Close(websocket.StatusGoingAway, "connection closed")
	}()

	// Teardown closes the outbound queue first so the writer can flush
	// any final error frame before the socket goes away.
	defer func() {
		s.teardown(conn)
		select {
		case <-writerDone:
		case <-time.After(2 * time.Second):
			cancel()
			<-writerDone
		}
		cancel()
		_ = ws.Close(websocket.StatusNormalClosure, "")
	}()

	nonce, err := s.nonces.Issue()
	if err != nil {
		s.logger.Error("nonce issue failed", "error", err)
		return
	}
	conn.MarkChallenged(nonce)
	if err := conn.Enqueue(protocol.NewChallenge(nonce)); err != nil {
		return
	}

	// A connection that never completes the handshake gets cut.
	watchdog := time.AfterFunc(s.opts.HandshakeTimeout, func() {
		if conn.State() != registry.StateAuthenticated {
			s.logger.Info("handshake timeout", "connection_id", conn.ID)
			cancel()
			_ = ws.Close(websocket.StatusPolicyViolation, "handshake timeout")
		}
	})
	defer watchdog.Stop()

	s.readLoop(ctx, ws, conn)
}

// readLoop consumes frames until the connection dies or sends a fatal
// protocol error.
func (s *Server) readLoop(ctx context.Context, ws *websocket.Conn, conn *registry.Connection) {
	decodeFailures := 0
	for {
		_, data, err := ws.Read(ctx)
		if err != nil {
			return
		}

		env, err := protocol.Decode(data)
		if err != nil {
			perr := protocol.AsError(err)
			_ = conn.Enqueue(protocol.NewErrorFrame("", perr.Code, perr.Message))
			decodeFailures++
			if perr.Fatal() || decodeFailures >= maxDecodeFailures {
				conn.BeginClose()
				return
			}
			continue
		}
		conn.Touch()

		if conn.Identity() == nil {
			if fatal := s.handlePreAuth(conn, env); fatal != nil {
				_ = conn.Enqueue(protocol.NewErrorFrame(env.ID, fatal.Code, fatal.Message))
				conn.BeginClose()
				return
			}
			continue
		}

		switch env.Type {
		case protocol.TypeConnect:
			// Repeated connect after authentication is a client bug,
			// not worth killing the connection for.
			_ = conn.Enqueue(protocol.NewErrorFrame("", protocol.CodeInvalidFrame,
				"already authenticated"))
		case protocol.TypeRequest:
			go s.serveRequest(ctx, conn, env)
		case protocol.TypeRes, protocol.TypeError:
			// The gateway never initiates requests, so there is nothing
			// for a res/error frame from a client to answer.
			s.logger.Debug("unmatched response", "connection_id", conn.ID, "request_id", env.ID)
		case protocol.TypeEvent:
			s.bus.Publish(env.Event, env.Payload)
		}
	}
}

// handlePreAuth processes frames from a connection that has not completed
// the handshake. A non-nil return is fatal to the connection.
func (s *Server) handlePreAuth(conn *registry.Connection, env *protocol.Envelope) *protocol.Error {
	switch env.Type {
	case protocol.TypeConnect:
		return s.handleConnect(conn, env)
	case protocol.TypeRequest:
		// Requests before the handshake draw an error but the
		// connection survives; the client may still connect.
		_ = conn.Enqueue(protocol.NewErrorFrame(env.ID, protocol.CodeUnauthenticated,
			"handshake not complete"))
		return nil
	default:
		_ = conn.Enqueue(protocol.NewErrorFrame("", protocol.CodeInvalidFrame,
			"expected connect frame"))
		return nil
	}
}

// handshakeAck is the payload of the sys.connected event confirming a
// completed handshake.
type handshakeAck struct {
	ConnectionID string   `json:"connection_id"`
	Subject      string   `json:"subject"`
	Role         string   `json:"role"`
	Caps         []string `json:"caps"`
	Protocol     int      `json:"protocol"`
}

func (s *Server) handleConnect(conn *registry.Connection, env *protocol.Envelope) *protocol.Error {
	if env.Nonce != conn.Nonce() {
		return protocol.NewError(protocol.CodeInvalidNonce, "nonce mismatch")
	}
	if err := s.nonces.Redeem(env.Nonce); err != nil {
		if errors.Is(err, auth.ErrNonceExpired) {
			return protocol.NewError(protocol.CodeInvalidNonce, "nonce expired")
		}
		return protocol.NewError(protocol.CodeInvalidNonce, "nonce unknown or already used")
	}

	identity, err := s.verifier.Verify(env.Token)
	if err != nil {
		return protocol.NewError(protocol.CodeAuthFailed, "token verification failed")
	}

	if err := conn.Authenticate(identity, env.Client); err != nil {
		return protocol.NewError(protocol.CodeInternal, "connection not ready")
	}

	ack, _ := json.Marshal(handshakeAck{
		ConnectionID: conn.ID,
		Subject:      identity.Subject,
		Role:         identity.Role,
		Caps:         identity.CapabilityList(),
		Protocol:     protocol.Version,
	})
	_ = conn.Enqueue(protocol.NewEvent(EventHandshakeAck, ack))

	s.bus.Publish(EventConnected, map[string]any{
		"connection_id": conn.ID,
		"subject":       identity.Subject,
		"role":          identity.Role,
	})
	// Capabilities come from the signed token only; what the client
	// advertises is logged for diagnosis, never trusted.
	s.logger.Info("connection authenticated",
		"connection_id", conn.ID,
		"subject", identity.Subject,
		"role", identity.Role,
		"client", env.Client.Name,
		"advertised_caps", env.Caps)
	return nil
}

func (s *Server) serveRequest(ctx context.Context, conn *registry.Connection, env *protocol.Envelope) {
	reqCtx, cancel := context.WithTimeout(ctx, s.opts.RequestTimeout)
	defer cancel()

	reply := s.dispatcher.Dispatch(reqCtx, conn, env)
	if err := conn.Enqueue(reply); err != nil {
		s.logger.Debug("reply dropped, connection gone",
			"connection_id", conn.ID, "request_id", env.ID)
	}
}

// subscribeConnection starts forwarding bus events to the connection's
// outbound queue. Prefixes filter by event name; an empty list means all.
// Resubscribing replaces the previous subscription.
func (s *Server) subscribeConnection(conn *registry.Connection, prefixes []string) {
	ctx, cancel := context.WithCancel(context.Background())
	_, ch := s.bus.Subscribe(ctx)

	s.mu.Lock()
	if prev, ok := s.forwarders[conn.ID]; ok {
		prev.cancel()
	}
	s.forwarders[conn.ID] = &forwarder{cancel: cancel, prefixes: prefixes}
	s.mu.Unlock()

	go func() {
		for ev := range ch {
			if !eventWanted(ev.Name, prefixes) {
				continue
			}
			payload, err := json.Marshal(ev.Payload)
			if err != nil {
				continue
			}
			if conn.Enqueue(protocol.NewEvent(ev.Name, payload)) != nil {
				cancel()
				return
			}
		}
	}()
}

// eventWanted reports whether an event passes the prefix filter. Overflow
// signals always pass so a consumer learns it missed something.
func eventWanted(name string, prefixes []string) bool {
	if name == events.Lagged || len(prefixes) == 0 {
		return true
	}
	for _, p := range prefixes {
		if strings.HasPrefix(name, p) {
			return true
		}
	}
	return false
}

func (s *Server) unsubscribeConnection(connID string) {
	s.mu.Lock()
	fw, ok := s.forwarders[connID]
	if ok {
		delete(s.forwarders, connID)
	}
	s.mu.Unlock()
	if ok {
		fw.cancel()
	}
}

// teardown removes the connection from the registry and announces the
// departure if the handshake had completed.
func (s *Server) teardown(conn *registry.Connection) {
	s.unsubscribeConnection(conn.ID)
	removed := s.registry.Remove(conn.ID)
	if removed == nil {
		removed = conn
	}
	identity := removed.Identity()
	removed.Close()

	if identity != nil {
		s.bus.Publish(EventDisconnected, map[string]any{
			"connection_id": removed.ID,
			"subject":       identity.Subject,
		})
	}
	s.logger.Info("connection closed", "connection_id", removed.ID)
}

// RunHeartbeat periodically publishes a liveness event carrying the
// current presence count. Blocks until the context ends.
func (s *Server) RunHeartbeat(ctx context.Context) {
	ticker := time.NewTicker(s.opts.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			now := time.Now().UTC().Format(time.RFC3339)
			s.bus.Publish(EventHeartbeat, map[string]any{
				"connections": s.registry.Count(),
				"time":        now,
			})
			s.bus.Publish(EventHealth, map[string]any{
				"status": "ok",
				"time":   now,
			})
		}
	}
}

// Shutdown closes every live connection and stops all event forwarding.
func (s *Server) Shutdown() {
	s.mu.Lock()
	for id, fw := range s.forwarders {
		fw.cancel()
		delete(s.forwarders, id)
	}
	s.mu.Unlock()
	s.registry.CloseAll()
}
