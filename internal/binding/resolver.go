// ABOUTME: Pure binding resolution: picks the single best rule for an inbound message
// ABOUTME: Specificity-scored matching with priority and age tie-breaks

package binding

import (
	"errors"

	"github.com/2389/prime-gateway/internal/store"
)

// ErrNoMatch means no active binding matches the query. The ingestion path
// must not create a task when resolution fails.
var ErrNoMatch = errors.New("no binding matches")

// Query identifies an inbound message's origin. Empty optional fields mean
// "not known", which only wildcard bindings can match against.
type Query struct {
	Channel   string
	AccountID string
	Peer      string
	BotID     string
}

// Specificity weights. A specified-and-matched peer outweighs account and
// bot together, so the most precisely targeted rule always wins on score.
const (
	scorePeer    = 4
	scoreAccount = 2
	scoreBot     = 1
)

// score computes a binding's specificity against the query, or returns
// ok=false when the binding does not match. A nil binding field is a
// wildcard and contributes nothing; a non-nil field must equal the query's
// value exactly.
func score(b *store.Binding, q Query) (int, bool) {
	if b.Channel != q.Channel {
		return 0, false
	}

	total := 0
	if b.Peer != nil {
		if q.Peer == "" || *b.Peer != q.Peer {
			return 0, false
		}
		total += scorePeer
	}
	if b.AccountID != nil {
		if q.AccountID == "" || *b.AccountID != q.AccountID {
			return 0, false
		}
		total += scoreAccount
	}
	if b.BotID != nil {
		if q.BotID == "" || *b.BotID != q.BotID {
			return 0, false
		}
		total += scoreBot
	}
	return total, true
}

// Resolve selects the single best-matching active binding from the
// candidate set. Highest specificity wins; ties break by higher priority,
// then by earliest created_at so behavior stays stable as bindings are
// added. Pure: same candidates and query always give the same answer.
func Resolve(candidates []store.Binding, q Query) (*store.Binding, error) {
	var best *store.Binding
	bestScore := -1

	for i := range candidates {
		b := &candidates[i]
		if !b.Active {
			continue
		}
		s, ok := score(b, q)
		if !ok {
			continue
		}

		if best == nil || s > bestScore || (s == bestScore && betterTieBreak(b, best)) {
			best = b
			bestScore = s
		}
	}

	if best == nil {
		return nil, ErrNoMatch
	}
	return best, nil
}

// betterTieBreak reports whether a should replace current among
// equal-scored bindings: higher priority first, then older created_at.
func betterTieBreak(a, current *store.Binding) bool {
	if a.Priority != current.Priority {
		return a.Priority > current.Priority
	}
	return a.CreatedAt.Before(current.CreatedAt)
}
