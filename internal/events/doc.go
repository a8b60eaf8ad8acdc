// Package events provides the in-memory fan-out bus that carries gateway
// events (presence, health, heartbeat, node execution transitions) to
// connected subscribers. Queues are bounded per subscriber; publishers
// never block.
package events
