// ABOUTME: Idempotency service deduplicating side-effecting requests by client key
// ABOUTME: Begin reserves atomically; Complete/Fail persist outcomes for replay

package idempotency

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/2389/prime-gateway/internal/store"
)

// Outcome of a Begin call.
type Outcome int

const (
	// Proceed: the key was reserved; the caller must execute the handler
	// and then call Complete or Fail.
	Proceed Outcome = iota
	// Replay: a completed record with the same request hash exists; the
	// stored result is returned without re-executing.
	Replay
	// Conflict: the key exists with a different request hash. Client
	// error, not retried.
	Conflict
	// InProgress: a concurrent request holds the key. The caller must not
	// execute and should reply with a retryable error.
	InProgress
)

// Decision is the result of Begin: the outcome plus, for Replay, the
// stored response (result or fault) and whether the prior run failed.
type Decision struct {
	Outcome Outcome
	Result  json.RawMessage
	Failed  bool
}

// RecordStore is the persistence surface the service needs.
type RecordStore interface {
	ReserveIdempotencyKey(ctx context.Context, rec *store.IdempotencyRecord) (*store.IdempotencyRecord, error)
	CompleteIdempotencyKey(ctx context.Context, key string, response json.RawMessage) error
	FailIdempotencyKey(ctx context.Context, key string, fault json.RawMessage) error
	PurgeExpiredIdempotencyKeys(ctx context.Context, now time.Time) (int64, error)
}

// Service wraps side-effecting request handlers with at-most-once
// semantics keyed by the client-supplied idempotency key.
type Service struct {
	records RecordStore
	ttl     time.Duration
	logger  *slog.Logger
}

// NewService creates an idempotency service with the given record TTL.
func NewService(records RecordStore, ttl time.Duration, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		records: records,
		ttl:     ttl,
		logger:  logger.With("component", "idempotency"),
	}
}

// Hash computes the canonical request hash over method and params. Params
// are round-tripped through an untyped value so that JSON key order does
// not change the hash.
func Hash(method string, params json.RawMessage) (string, error) {
	var decoded any
	if len(params) > 0 {
		if err := json.Unmarshal(params, &decoded); err != nil {
			return "", fmt.Errorf("decoding params for hashing: %w", err)
		}
	}

	canonical, err := json.Marshal(map[string]any{
		"method": method,
		"params": decoded,
	})
	if err != nil {
		return "", fmt.Errorf("canonicalizing request: %w", err)
	}

	sum := sha256.Sum256(canonical)
	return hex.EncodeToString(sum[:]), nil
}

// Begin reserves the key or classifies the existing record. The
// reservation is atomic at the database layer: two concurrent identical
// requests collapse to one Proceed and one InProgress/Replay.
func (s *Service) Begin(ctx context.Context, key, subject, method, requestHash string) (*Decision, error) {
	now := time.Now()
	existing, err := s.records.ReserveIdempotencyKey(ctx, &store.IdempotencyRecord{
		Key:         key,
		Subject:     subject,
		Method:      method,
		RequestHash: requestHash,
		CreatedAt:   now,
		ExpiresAt:   now.Add(s.ttl),
	})
	if err != nil {
		return nil, fmt.Errorf("reserving idempotency key: %w", err)
	}

	if existing == nil {
		return &Decision{Outcome: Proceed}, nil
	}

	if existing.RequestHash != requestHash {
		s.logger.Warn("idempotency key reused with different request",
			"key", key, "method", method)
		return &Decision{Outcome: Conflict}, nil
	}

	switch existing.Status {
	case store.IdempotencyCompleted:
		return &Decision{Outcome: Replay, Result: existing.Response}, nil
	case store.IdempotencyFailed:
		return &Decision{Outcome: Replay, Result: existing.Response, Failed: true}, nil
	default:
		return &Decision{Outcome: InProgress}, nil
	}
}

// Complete persists the successful result for the key.
func (s *Service) Complete(ctx context.Context, key string, result json.RawMessage) error {
	return s.records.CompleteIdempotencyKey(ctx, key, result)
}

// Fail persists the fault for the key so replays observe the same error.
func (s *Service) Fail(ctx context.Context, key string, fault json.RawMessage) error {
	return s.records.FailIdempotencyKey(ctx, key, fault)
}

// RunSweeper purges expired records on the given interval until ctx ends.
func (s *Service) RunSweeper(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if _, err := s.records.PurgeExpiredIdempotencyKeys(ctx, time.Now()); err != nil {
				s.logger.Error("purging expired idempotency keys", "error", err)
			}
		case <-ctx.Done():
			return
		}
	}
}
