// Package registry tracks live gateway connections: lifecycle state,
// frozen identity, bounded outbound queues, and in-flight request
// correlation. The gateway layer owns the transport; this package owns
// everything the gateway knows about a connection between accept and close.
package registry
