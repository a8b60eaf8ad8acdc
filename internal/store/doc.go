// Package store provides SQLite persistence for the gateway control plane:
// agents and their routing bindings, idempotency records, node executions,
// and the operator approval queue.
//
// The idempotency and approval tables are the shared-mutable-state points of
// the system; both rely on the database for atomicity (a primary-key insert
// for idempotency reservation, a conditional UPDATE for approval
// resolution) rather than read-then-write sequences.
package store
