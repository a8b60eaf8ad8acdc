// Package gateway implements the WebSocket control-plane server.
//
// Every connection follows the same lifecycle: the server issues a
// one-time challenge, the client answers with a connect frame carrying a
// signed token, and only then may requests flow. Requests are routed
// through a Dispatcher that enforces scopes and, for side-effecting
// methods, idempotency-key semantics. Bus events fan out to connections
// that opted in via events.subscribe.
package gateway
