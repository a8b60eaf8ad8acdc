// ABOUTME: Single-use nonce ledger for the connect handshake challenge
// ABOUTME: Issues random nonces with a bounded TTL; redemption consumes exactly once

package auth

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"sync"
	"time"
)

// Nonce errors
var (
	ErrNonceUnknown = errors.New("nonce unknown or already used")
	ErrNonceExpired = errors.New("nonce expired")
)

// NonceLedger issues and redeems single-use handshake nonces. A nonce is
// valid for one Redeem call within its TTL window; anything else is a
// replay and fails.
type NonceLedger struct {
	mu     sync.Mutex
	issued map[string]time.Time
	ttl    time.Duration
	done   chan struct{}
	closed bool
}

// NewNonceLedger creates a ledger with the given nonce lifetime. A
// background goroutine sweeps expired entries.
func NewNonceLedger(ttl time.Duration) *NonceLedger {
	l := &NonceLedger{
		issued: make(map[string]time.Time),
		ttl:    ttl,
		done:   make(chan struct{}),
	}
	go l.cleanup()
	return l
}

// Issue generates a fresh nonce and records its issue time.
func (l *NonceLedger) Issue() (string, error) {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generating nonce: %w", err)
	}
	nonce := hex.EncodeToString(buf)

	l.mu.Lock()
	l.issued[nonce] = time.Now()
	l.mu.Unlock()

	return nonce, nil
}

// Redeem consumes a nonce. The nonce is removed whether or not it is still
// within its window, so a second Redeem always fails.
func (l *NonceLedger) Redeem(nonce string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	issuedAt, ok := l.issued[nonce]
	if !ok {
		return ErrNonceUnknown
	}
	delete(l.issued, nonce)

	if time.Since(issuedAt) > l.ttl {
		return ErrNonceExpired
	}
	return nil
}

// cleanup runs in a background goroutine, removing expired nonces so
// abandoned handshakes do not accumulate.
func (l *NonceLedger) cleanup() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			l.mu.Lock()
			now := time.Now()
			for nonce, issuedAt := range l.issued {
				if now.Sub(issuedAt) > l.ttl {
					delete(l.issued, nonce)
				}
			}
			l.mu.Unlock()
		case <-l.done:
			return
		}
	}
}

// Close stops the background sweeper. Safe to call multiple times.
func (l *NonceLedger) Close() {
	l.mu.Lock()
	defer l.mu.Unlock()

	if !l.closed {
		close(l.done)
		l.closed = true
	}
}
