// Package protocol defines the wire envelope for the gateway control plane
// and the structured error taxonomy shared by server and clients.
//
// A connection exchanges JSON frames of five kinds: the handshake challenge
// (an event named connect.challenge), the client's connect reply, req/res
// pairs, error frames, and server push events. Decode validates a frame
// exactly once; everything downstream may assume a decoded Envelope is well
// formed for its type.
package protocol
