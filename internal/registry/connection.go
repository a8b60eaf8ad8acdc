// ABOUTME: Represents a single gateway connection: lifecycle state, identity, outbound queue
// ABOUTME: Frames are enqueued without blocking and drained by a single writer

package registry

import (
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/2389/prime-gateway/internal/auth"
	"github.com/2389/prime-gateway/internal/events"
	"github.com/2389/prime-gateway/internal/protocol"
)

// Connection lifecycle states.
const (
	StateConnecting    = "connecting"
	StateChallenged    = "challenged"
	StateAuthenticated = "authenticated"
	StateClosing       = "closing"
	StateClosed        = "closed"
)

// ErrConnectionClosed indicates a send or request on a closed connection.
var ErrConnectionClosed = errors.New("connection closed")

// ErrAlreadyAuthenticated indicates a second connect frame on an
// authenticated connection. Identity is frozen at handshake.
var ErrAlreadyAuthenticated = errors.New("connection already authenticated")

// Connection is one live transport connection. The identity is nil until
// the handshake completes and immutable afterwards. Outbound frames go
// through a bounded queue drained by a single writer; enqueueing never
// blocks the caller.
type Connection struct {
	ID string

	mu           sync.RWMutex
	state        string
	identity     *auth.Identity
	client       protocol.ClientInfo
	nonce        string
	connectedAt  time.Time
	lastActivity time.Time

	// outMu serializes enqueuers so drop-oldest has room guaranteed.
	outMu   sync.Mutex
	out     chan *protocol.Envelope
	closed  bool
	dropped int

	logger *slog.Logger
}

// NewConnection creates a connection in the connecting state with a
// bounded outbound queue of the given size.
func NewConnection(queueSize int, logger *slog.Logger) *Connection {
	if logger == nil {
		logger = slog.Default()
	}
	id := uuid.New().String()
	now := time.Now().UTC()
	return &Connection{
		ID:           id,
		state:        StateConnecting,
		connectedAt:  now,
		lastActivity: now,
		out:          make(chan *protocol.Envelope, queueSize),
		logger:       logger.With("component", "connection", "connection_id", id),
	}
}

// State returns the current lifecycle state.
func (c *Connection) State() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

// MarkChallenged records the issued nonce and moves to the challenged state.
func (c *Connection) MarkChallenged(nonce string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.state = StateChallenged
	c.nonce = nonce
}

// Nonce returns the challenge nonce issued to this connection.
func (c *Connection) Nonce() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.nonce
}

// Authenticate freezes the identity and client info on the connection and
// moves it to the authenticated state. A connection authenticates at most
// once.
func (c *Connection) Authenticate(identity *auth.Identity, client protocol.ClientInfo) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.identity != nil {
		return ErrAlreadyAuthenticated
	}
	if c.state == StateClosing || c.state == StateClosed {
		return ErrConnectionClosed
	}

	c.identity = identity
	c.client = client
	c.state = StateAuthenticated
	c.lastActivity = time.Now().UTC()
	return nil
}

// Identity returns the frozen identity, or nil before authentication.
func (c *Connection) Identity() *auth.Identity {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.identity
}

// Client returns the client info supplied at connect.
func (c *Connection) Client() protocol.ClientInfo {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.client
}

// ConnectedAt returns when the transport was accepted.
func (c *Connection) ConnectedAt() time.Time {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.connectedAt
}

// LastActivity returns the time of the last frame seen from the client.
func (c *Connection) LastActivity() time.Time {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.lastActivity
}

// Touch refreshes the last-activity timestamp.
func (c *Connection) Touch() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lastActivity = time.Now().UTC()
}

// Enqueue places a frame on the outbound queue. It never blocks: when the
// queue is full the oldest frame is dropped to admit the new one, and a
// sys.lagged event carrying the drop count is queued ahead of the next
// frame that fits.
func (c *Connection) Enqueue(env *protocol.Envelope) error {
	c.outMu.Lock()
	defer c.outMu.Unlock()

	if c.closed {
		return ErrConnectionClosed
	}

	if c.dropped > 0 && cap(c.out)-len(c.out) >= 2 {
		payload, _ := json.Marshal(events.LaggedPayload{Dropped: c.dropped})
		c.out <- protocol.NewEvent(events.Lagged, payload)
		c.dropped = 0
	}

	select {
	case c.out <- env:
	default:
		select {
		case <-c.out:
			c.dropped++
		default:
		}
		c.out <- env
		c.logger.Debug("outbound queue overflow, dropped oldest frame")
	}
	return nil
}

// Outbound returns the queue drained by the connection's writer goroutine.
// The channel is closed when the connection closes.
func (c *Connection) Outbound() <-chan *protocol.Envelope {
	return c.out
}

// BeginClose moves the connection to the closing state so new work is
// refused while in-flight frames drain.
func (c *Connection) BeginClose() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != StateClosed {
		c.state = StateClosing
	}
}

// Close terminates the connection: the outbound queue is closed and the
// state becomes closed. Close is idempotent.
func (c *Connection) Close() {
	c.mu.Lock()
	alreadyClosed := c.state == StateClosed
	c.state = StateClosed
	c.mu.Unlock()

	if alreadyClosed {
		return
	}

	c.outMu.Lock()
	if !c.closed {
		c.closed = true
		close(c.out)
	}
	c.outMu.Unlock()

	c.logger.Debug("connection closed")
}
