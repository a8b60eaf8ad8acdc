// Package idempotency deduplicates side-effecting requests by a
// client-supplied key, replaying stored outcomes instead of re-executing.
// Reservation is an atomic database insert, so concurrent requests with
// the same key collapse to exactly one execution.
package idempotency
