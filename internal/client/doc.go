// Package client is the Go client for the gateway control protocol.
//
// A Client owns one logical connection: it dials, answers the nonce
// challenge with its token, correlates request/response pairs by id, and
// surfaces server pushes on an event channel. When the link drops it
// reconnects with jittered exponential backoff and fails any in-flight
// requests with a disconnected error.
package client
