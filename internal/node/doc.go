// Package node implements the execution workflow for connected nodes:
// static risk classification, capability-gated approval policy, an
// operator approval queue with expiry, and the execution state machine
// that drives approved commands through an external Runner.
package node
