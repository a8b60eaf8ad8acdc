// Package binding resolves inbound message origins to agents.
//
// A binding is a routing rule over (channel, account, peer, bot); optional
// fields left null act as wildcards. Resolution scores every matching rule
// by specificity (peer > account > bot), breaking ties by priority and then
// by binding age. The core Resolve function is pure so routing behavior can
// be tested without a database.
package binding
