// ABOUTME: Client tests against a live in-process gateway
// ABOUTME: Covers handshake, requests, events, reconnect, and failure modes

package client_test

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/prime-gateway/internal/auth"
	"github.com/2389/prime-gateway/internal/binding"
	"github.com/2389/prime-gateway/internal/client"
	"github.com/2389/prime-gateway/internal/events"
	"github.com/2389/prime-gateway/internal/gateway"
	"github.com/2389/prime-gateway/internal/idempotency"
	"github.com/2389/prime-gateway/internal/node"
	"github.com/2389/prime-gateway/internal/protocol"
	"github.com/2389/prime-gateway/internal/registry"
	"github.com/2389/prime-gateway/internal/store"
)

type gatewayFixture struct {
	url      string
	bus      *events.Bus
	server   *gateway.Server
	verifier *auth.JWTVerifier
}

func startGateway(t *testing.T) *gatewayFixture {
	t.Helper()

	st, err := store.NewSQLiteStore(filepath.Join(t.TempDir(), "client.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	bus := events.NewBus(nil)
	t.Cleanup(bus.Close)

	verifier := auth.NewJWTVerifier([]byte("client-test-secret"))
	nonces := auth.NewNonceLedger(time.Minute)
	t.Cleanup(nonces.Close)

	srv := gateway.NewServer(gateway.Config{
		Registry:    registry.NewRegistry(nil),
		Bus:         bus,
		Nonces:      nonces,
		Verifier:    verifier,
		Idempotency: idempotency.NewService(st, time.Hour, nil),
		Bindings:    binding.NewService(st, nil),
		Nodes:       node.NewService(st, bus, nil, node.Options{}, nil),
	})

	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	t.Cleanup(srv.Shutdown)

	return &gatewayFixture{
		url:      "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws",
		bus:      bus,
		server:   srv,
		verifier: verifier,
	}
}

func (f *gatewayFixture) startClient(t *testing.T, ctx context.Context, token string) *client.Client {
	t.Helper()
	c := client.New(client.Config{
		URL:          f.url,
		Token:        token,
		Client:       protocol.ClientInfo{Name: "prime-node", Version: "0.0"},
		ReconnectMin: 50 * time.Millisecond,
		ReconnectMax: 200 * time.Millisecond,
	})
	go func() { _ = c.Run(ctx) }()
	t.Cleanup(c.Close)
	return c
}

func (f *gatewayFixture) token(t *testing.T, subject string, scopes, caps []string) string {
	t.Helper()
	tok, err := f.verifier.Generate(subject, "node", scopes, caps, time.Hour)
	require.NoError(t, err)
	return tok
}

func TestClient_ConnectAndRequest(t *testing.T) {
	fx := startGateway(t)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	c := fx.startClient(t, ctx, fx.token(t, "node-1", []string{"node"}, []string{"exec"}))
	require.NoError(t, c.WaitConnected(ctx))

	result, err := c.Request(ctx, "ping", nil, "")
	require.NoError(t, err)

	var pong struct {
		OK bool `json:"ok"`
	}
	require.NoError(t, json.Unmarshal(result, &pong))
	assert.True(t, pong.OK)
}

func TestClient_RequestErrorSurfacesCode(t *testing.T) {
	fx := startGateway(t)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	c := fx.startClient(t, ctx, fx.token(t, "node-1", []string{"node"}, []string{"exec"}))
	require.NoError(t, c.WaitConnected(ctx))

	_, err := c.Request(ctx, "node.approvals.approve", map[string]any{"queue_id": "x"}, "")
	require.Error(t, err)
	perr := protocol.AsError(err)
	assert.Equal(t, protocol.CodeForbidden, perr.Code)
}

func TestClient_EventsDelivered(t *testing.T) {
	fx := startGateway(t)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	c := fx.startClient(t, ctx, fx.token(t, "node-1", []string{"node"}, []string{"exec"}))
	require.NoError(t, c.WaitConnected(ctx))

	_, err := c.Request(ctx, "events.subscribe", map[string]any{
		"prefixes": []string{"deploy."},
	}, "")
	require.NoError(t, err)

	fx.bus.Publish("deploy.finished", map[string]any{"release": "v42"})
	fx.bus.Publish("unrelated.event", nil)

	select {
	case ev := <-c.Events():
		assert.Equal(t, "deploy.finished", ev.Event)
		var payload struct {
			Release string `json:"release"`
		}
		require.NoError(t, json.Unmarshal(ev.Payload, &payload))
		assert.Equal(t, "v42", payload.Release)
	case <-time.After(5 * time.Second):
		t.Fatal("event never arrived")
	}
}

func TestClient_ReconnectsAfterDrop(t *testing.T) {
	fx := startGateway(t)
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	c := fx.startClient(t, ctx, fx.token(t, "node-1", []string{"node"}, []string{"exec"}))
	require.NoError(t, c.WaitConnected(ctx))

	// Kill every live connection server-side; the client must come back
	// on its own.
	fx.server.Shutdown()

	require.Eventually(t, func() bool {
		waitCtx, waitCancel := context.WithTimeout(ctx, 200*time.Millisecond)
		defer waitCancel()
		if c.WaitConnected(waitCtx) != nil {
			return false
		}
		_, err := c.Request(ctx, "ping", nil, "")
		return err == nil
	}, 10*time.Second, 100*time.Millisecond, "client never reconnected")
}

func TestClient_RequestWhileDisconnected(t *testing.T) {
	c := client.New(client.Config{URL: "ws://127.0.0.1:1/ws", Token: "t"})
	t.Cleanup(c.Close)

	_, err := c.Request(context.Background(), "ping", nil, "")
	assert.ErrorIs(t, err, client.ErrNotConnected)
}

func TestClient_BadTokenNeverConnects(t *testing.T) {
	fx := startGateway(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	c := fx.startClient(t, ctx, "not-a-token")

	waitCtx, waitCancel := context.WithTimeout(ctx, time.Second)
	defer waitCancel()
	err := c.WaitConnected(waitCtx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}
