// Package auth provides authentication for the gateway control plane.
//
// # Handshake
//
// Every connection goes through a challenge/response handshake: the server
// issues a single-use nonce (NonceLedger), the client replies with a connect
// frame carrying a JWT token plus the nonce, and the gateway verifies both
// before any request is dispatched.
//
// # Tokens
//
// Tokens are HS256 JWTs signed with the configured secret. Claims:
//
//   - sub: subject id (required)
//   - role: "operator", "node", or "user" (defaults to "user")
//   - scopes: list of method scopes, e.g. "bindings.read", "node.execute"
//   - caps: list of execution capabilities, e.g. "exec", "exec.high", "trusted"
//
// The claims are resolved once at handshake time into an immutable Identity
// attached to the connection; dispatch checks happen against that set, never
// by re-deriving permissions per call.
package auth
