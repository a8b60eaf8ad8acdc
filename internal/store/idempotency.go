// ABOUTME: Idempotency record persistence with atomic check-and-insert reservation
// ABOUTME: The primary key on `key` makes concurrent reservations collapse to one winner

package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Idempotency record statuses.
const (
	IdempotencyInProgress = "in_progress"
	IdempotencyCompleted  = "completed"
	IdempotencyFailed     = "failed"
)

// ErrIdempotencyNotFound is returned when no record exists for a key.
var ErrIdempotencyNotFound = errors.New("idempotency record not found")

// IdempotencyRecord tracks one side-effecting request keyed by the
// client-supplied idempotency key.
type IdempotencyRecord struct {
	Key         string
	Subject     string
	Method      string
	RequestHash string
	Status      string
	Response    json.RawMessage // stored result or fault, nil while in progress
	CreatedAt   time.Time
	ExpiresAt   time.Time
}

// Expired reports whether the record's reuse window has passed.
func (r *IdempotencyRecord) Expired(now time.Time) bool {
	return now.After(r.ExpiresAt)
}

// ReserveIdempotencyKey attempts to insert an in-progress record for the
// key. It returns (nil, nil) when the reservation was won. When the key
// already exists, the existing record is returned so the caller can decide
// between replay, conflict, and in-progress. Expired rows are deleted and
// the insert retried, freeing the key for reuse.
//
// Atomicity rests on the table's primary key: two concurrent reservations
// race on the INSERT and exactly one wins.
func (s *SQLiteStore) ReserveIdempotencyKey(ctx context.Context, rec *IdempotencyRecord) (*IdempotencyRecord, error) {
	for attempt := 0; attempt < 2; attempt++ {
		query := `
			INSERT INTO idempotency_keys (key, subject, method, request_hash, status, response, created_at, expires_at)
			VALUES (?, ?, ?, ?, ?, NULL, ?, ?)
		`

		_, err := s.db.ExecContext(ctx, query,
			rec.Key,
			rec.Subject,
			rec.Method,
			rec.RequestHash,
			IdempotencyInProgress,
			rec.CreatedAt.UTC().Format(time.RFC3339),
			rec.ExpiresAt.UTC().Format(time.RFC3339),
		)
		if err == nil {
			return nil, nil
		}
		if !isUniqueViolation(err) {
			return nil, fmt.Errorf("inserting idempotency record: %w", err)
		}

		existing, err := s.GetIdempotencyRecord(ctx, rec.Key)
		if errors.Is(err, ErrIdempotencyNotFound) {
			// Row vanished between insert and read; try the insert again.
			continue
		}
		if err != nil {
			return nil, err
		}

		if existing.Expired(time.Now()) {
			// Reuse window passed: the key is free again. Completed side
			// effects are untouched, only the record goes.
			if err := s.deleteIdempotencyRecord(ctx, rec.Key); err != nil {
				return nil, err
			}
			continue
		}

		return existing, nil
	}

	return nil, fmt.Errorf("reserving idempotency key %q: retry limit reached", rec.Key)
}

// GetIdempotencyRecord retrieves a record by key.
func (s *SQLiteStore) GetIdempotencyRecord(ctx context.Context, key string) (*IdempotencyRecord, error) {
	query := `
		SELECT key, subject, method, request_hash, status, response, created_at, expires_at
		FROM idempotency_keys
		WHERE key = ?
	`

	var rec IdempotencyRecord
	var subject, response sql.NullString
	var createdAtStr, expiresAtStr string

	err := s.db.QueryRowContext(ctx, query, key).Scan(
		&rec.Key,
		&subject,
		&rec.Method,
		&rec.RequestHash,
		&rec.Status,
		&response,
		&createdAtStr,
		&expiresAtStr,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrIdempotencyNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scanning idempotency record: %w", err)
	}

	rec.Subject = subject.String
	if response.Valid {
		rec.Response = json.RawMessage(response.String)
	}
	rec.CreatedAt, err = time.Parse(time.RFC3339, createdAtStr)
	if err != nil {
		return nil, fmt.Errorf("parsing created_at: %w", err)
	}
	rec.ExpiresAt, err = time.Parse(time.RFC3339, expiresAtStr)
	if err != nil {
		return nil, fmt.Errorf("parsing expires_at: %w", err)
	}

	return &rec, nil
}

// CompleteIdempotencyKey stores the successful result for a key.
func (s *SQLiteStore) CompleteIdempotencyKey(ctx context.Context, key string, response json.RawMessage) error {
	return s.finishIdempotencyKey(ctx, key, IdempotencyCompleted, response)
}

// FailIdempotencyKey stores the fault for a key.
func (s *SQLiteStore) FailIdempotencyKey(ctx context.Context, key string, fault json.RawMessage) error {
	return s.finishIdempotencyKey(ctx, key, IdempotencyFailed, fault)
}

func (s *SQLiteStore) finishIdempotencyKey(ctx context.Context, key, status string, response json.RawMessage) error {
	query := `UPDATE idempotency_keys SET status = ?, response = ? WHERE key = ?`

	var resp any
	if response != nil {
		resp = string(response)
	}

	result, err := s.db.ExecContext(ctx, query, status, resp, key)
	if err != nil {
		return fmt.Errorf("updating idempotency record: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("getting rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return ErrIdempotencyNotFound
	}
	return nil
}

// deleteIdempotencyRecord removes a record outright (expired-key reuse).
func (s *SQLiteStore) deleteIdempotencyRecord(ctx context.Context, key string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM idempotency_keys WHERE key = ?`, key); err != nil {
		return fmt.Errorf("deleting idempotency record: %w", err)
	}
	return nil
}

// PurgeExpiredIdempotencyKeys removes all records whose window has passed.
// Returns the number of rows removed.
func (s *SQLiteStore) PurgeExpiredIdempotencyKeys(ctx context.Context, now time.Time) (int64, error) {
	query := `DELETE FROM idempotency_keys WHERE expires_at < ?`

	result, err := s.db.ExecContext(ctx, query, now.UTC().Format(time.RFC3339))
	if err != nil {
		return 0, fmt.Errorf("purging idempotency records: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("getting rows affected: %w", err)
	}

	if rowsAffected > 0 {
		s.logger.Debug("purged expired idempotency keys", "count", rowsAffected)
	}
	return rowsAffected, nil
}
