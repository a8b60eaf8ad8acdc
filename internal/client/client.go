// ABOUTME: Reconnecting WebSocket client for the gateway control protocol
// ABOUTME: Handles challenge handshake, request/response correlation, event delivery

package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/google/uuid"

	"github.com/2389/prime-gateway/internal/protocol"
)

// Handshake ack event name, mirrored from the server.
const eventConnected = "sys.connected"

var (
	ErrClosed       = errors.New("client closed")
	ErrNotConnected = errors.New("not connected")
)

// Reconnect backoff bounds.
const (
	defaultReconnectMin = 500 * time.Millisecond
	defaultReconnectMax = 30 * time.Second
	backoffFactor       = 2
	jitterFraction      = 0.2
)

const (
	defaultRequestTimeout = 30 * time.Second
	defaultEventBuffer    = 256
	defaultPingInterval   = 25 * time.Second
)

// Config describes how to reach and authenticate with the gateway.
type Config struct {
	URL   string
	Token string

	Client protocol.ClientInfo
	Caps   []string

	// RequestTimeout bounds Request calls without a caller deadline.
	RequestTimeout time.Duration

	// PingInterval is how often the client pings to keep its
	// last-activity fresh on the server.
	PingInterval time.Duration

	// EventBuffer is the capacity of the Events channel. Events beyond
	// a full buffer are dropped.
	EventBuffer int

	ReconnectMin time.Duration
	ReconnectMax time.Duration

	Logger *slog.Logger
}

func (c Config) withDefaults() Config {
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = defaultRequestTimeout
	}
	if c.EventBuffer <= 0 {
		c.EventBuffer = defaultEventBuffer
	}
	if c.PingInterval <= 0 {
		c.PingInterval = defaultPingInterval
	}
	if c.ReconnectMin <= 0 {
		c.ReconnectMin = defaultReconnectMin
	}
	if c.ReconnectMax <= 0 {
		c.ReconnectMax = defaultReconnectMax
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	return c
}

// Client maintains one logical connection to the gateway, transparently
// reconnecting with exponential backoff. Requests issued while the link
// is down fail fast with ErrNotConnected; pending requests at disconnect
// fail with a disconnected protocol error.
type Client struct {
	cfg    Config
	logger *slog.Logger

	mu      sync.Mutex
	ws      *websocket.Conn
	pending map[string]chan *protocol.Envelope
	ready   chan struct{}
	up      bool

	writeMu sync.Mutex

	events chan *protocol.Envelope
	closed chan struct{}
	once   sync.Once
}

// New creates a client. Call Run to start the connection loop.
func New(cfg Config) *Client {
	cfg = cfg.withDefaults()
	return &Client{
		cfg:     cfg,
		logger:  cfg.Logger.With("component", "client"),
		pending: make(map[string]chan *protocol.Envelope),
		ready:   make(chan struct{}),
		events:  make(chan *protocol.Envelope, cfg.EventBuffer),
		closed:  make(chan struct{}),
	}
}

// Events delivers server-pushed event frames. The channel is never
// closed while the client lives; drain it from a dedicated goroutine.
func (c *Client) Events() <-chan *protocol.Envelope {
	return c.events
}

// Close tears the connection down and stops the Run loop.
func (c *Client) Close() {
	c.once.Do(func() {
		close(c.closed)
		c.mu.Lock()
		ws := c.ws
		c.mu.Unlock()
		if ws != nil {
			_ = ws.Close(websocket.StatusNormalClosure, "client closing")
		}
	})
}

// WaitConnected blocks until the handshake completes or the context ends.
func (c *Client) WaitConnected(ctx context.Context) error {
	c.mu.Lock()
	ready := c.ready
	up := c.up
	c.mu.Unlock()
	if up {
		return nil
	}
	select {
	case <-ready:
		return nil
	case <-c.closed:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Run drives the connect/read/reconnect loop until the context ends or
// the client is closed. It always returns a non-nil reason.
func (c *Client) Run(ctx context.Context) error {
	backoff := c.cfg.ReconnectMin
	for {
		handshook, err := c.session(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		select {
		case <-c.closed:
			return ErrClosed
		default:
		}

		if handshook {
			backoff = c.cfg.ReconnectMin
		}

		delay := jitter(backoff)
		c.logger.Warn("connection lost, reconnecting",
			"error", err, "delay", delay.String())
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return ctx.Err()
		case <-c.closed:
			return ErrClosed
		}

		backoff *= backoffFactor
		if backoff > c.cfg.ReconnectMax {
			backoff = c.cfg.ReconnectMax
		}
	}
}

// jitter spreads a delay ±20% so reconnecting fleets do not thunder.
func jitter(d time.Duration) time.Duration {
	spread := float64(d) * jitterFraction
	offset := (rand.Float64()*2 - 1) * spread
	return time.Duration(float64(d) + offset)
}

// session runs one connection from dial to disconnect. The returned bool
// reports whether the handshake completed, which resets the backoff.
func (c *Client) session(ctx context.Context) (bool, error) {
	ws, _, err := websocket.Dial(ctx, c.cfg.URL, nil)
	if err != nil {
		return false, fmt.Errorf("dialing gateway: %w", err)
	}
	defer func() {
		_ = ws.Close(websocket.StatusNormalClosure, "")
		c.dropConnection()
	}()

	if err := c.handshake(ctx, ws); err != nil {
		return false, err
	}

	c.mu.Lock()
	c.ws = ws
	c.up = true
	close(c.ready)
	c.mu.Unlock()

	pingCtx, stopPing := context.WithCancel(ctx)
	defer stopPing()
	go c.pingLoop(pingCtx)

	c.logger.Info("connected", "url", c.cfg.URL)
	return true, c.readLoop(ctx, ws)
}

// pingLoop keeps last-activity fresh server-side while the link is up.
func (c *Client) pingLoop(ctx context.Context) {
	ticker := time.NewTicker(c.cfg.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := c.Request(ctx, "ping", nil, ""); err != nil {
				c.logger.Debug("ping failed", "error", err)
			}
		}
	}
}

// handshake answers the challenge and waits for the sys.connected ack.
func (c *Client) handshake(ctx context.Context, ws *websocket.Conn) error {
	var challenge protocol.Envelope
	if err := wsjson.Read(ctx, ws, &challenge); err != nil {
		return fmt.Errorf("reading challenge: %w", err)
	}
	nonce, err := protocol.ChallengeNonce(&challenge)
	if err != nil {
		return err
	}

	connect := protocol.NewConnect(c.cfg.Token, nonce, c.cfg.Client, c.cfg.Caps)
	if err := wsjson.Write(ctx, ws, connect); err != nil {
		return fmt.Errorf("sending connect: %w", err)
	}

	var reply protocol.Envelope
	if err := wsjson.Read(ctx, ws, &reply); err != nil {
		return fmt.Errorf("reading handshake reply: %w", err)
	}
	switch {
	case reply.Type == protocol.TypeEvent && reply.Event == eventConnected:
		return nil
	case reply.Type == protocol.TypeError:
		return protocol.NewError(reply.Code, reply.Message)
	default:
		return protocol.NewError(protocol.CodeInvalidFrame,
			fmt.Sprintf("unexpected handshake reply %q", reply.Type))
	}
}

func (c *Client) readLoop(ctx context.Context, ws *websocket.Conn) error {
	for {
		var env protocol.Envelope
		if err := wsjson.Read(ctx, ws, &env); err != nil {
			return err
		}

		switch env.Type {
		case protocol.TypeRes, protocol.TypeError:
			if env.ID != "" && c.resolve(&env) {
				continue
			}
			if env.Type == protocol.TypeError {
				c.logger.Warn("server error", "code", env.Code, "message", env.Message)
			}
		case protocol.TypeEvent:
			select {
			case c.events <- &env:
			default:
				c.logger.Warn("event buffer full, dropping", "event", env.Event)
			}
		}
	}
}

// resolve routes a response to its waiting request.
func (c *Client) resolve(env *protocol.Envelope) bool {
	c.mu.Lock()
	ch, ok := c.pending[env.ID]
	if ok {
		delete(c.pending, env.ID)
	}
	c.mu.Unlock()
	if ok {
		ch <- env
	}
	return ok
}

// dropConnection fails all pending requests and rearms the ready gate.
func (c *Client) dropConnection() {
	c.mu.Lock()
	pending := c.pending
	c.pending = make(map[string]chan *protocol.Envelope)
	if c.up {
		c.up = false
		c.ready = make(chan struct{})
	}
	c.ws = nil
	c.mu.Unlock()

	fault := protocol.NewErrorFrame("", protocol.CodeDisconnected, "connection lost")
	for id, ch := range pending {
		f := *fault
		f.ID = id
		ch <- &f
	}
}

// Request sends a req frame and waits for its response. Params may be
// any JSON-marshalable value or a pre-marshaled json.RawMessage. The
// idempotency key may be empty for read-only methods.
func (c *Client) Request(ctx context.Context, method string, params any, idempotencyKey string) (json.RawMessage, error) {
	raw, err := marshalParams(params)
	if err != nil {
		return nil, fmt.Errorf("encoding params: %w", err)
	}

	c.mu.Lock()
	ws := c.ws
	if ws == nil {
		c.mu.Unlock()
		return nil, ErrNotConnected
	}
	id := uuid.New().String()
	ch := make(chan *protocol.Envelope, 1)
	c.pending[id] = ch
	c.mu.Unlock()

	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.cfg.RequestTimeout)
		defer cancel()
	}

	env := protocol.NewRequest(id, method, raw, idempotencyKey)
	c.writeMu.Lock()
	err = wsjson.Write(ctx, ws, env)
	c.writeMu.Unlock()
	if err != nil {
		c.abandon(id)
		return nil, fmt.Errorf("sending request: %w", err)
	}

	select {
	case reply := <-ch:
		if reply.Type == protocol.TypeError {
			return nil, protocol.NewError(reply.Code, reply.Message)
		}
		return reply.Result, nil
	case <-ctx.Done():
		c.abandon(id)
		return nil, ctx.Err()
	case <-c.closed:
		c.abandon(id)
		return nil, ErrClosed
	}
}

func (c *Client) abandon(id string) {
	c.mu.Lock()
	delete(c.pending, id)
	c.mu.Unlock()
}

func marshalParams(params any) (json.RawMessage, error) {
	switch p := params.(type) {
	case nil:
		return nil, nil
	case json.RawMessage:
		return p, nil
	default:
		return json.Marshal(params)
	}
}
