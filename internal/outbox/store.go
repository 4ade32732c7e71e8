// Package outbox delivers replies at least once: entries are enqueued
// idempotently and a worker drains due entries with capped linear backoff.
package outbox

import (
	"context"
	"errors"
	"time"

	"chatbox/internal/domain"
)

// ErrDuplicate is returned by Store.Create when a live entry with the same
// id already exists.
var ErrDuplicate = errors.New("outbox: entry already exists")

// Failure describes a failed delivery attempt.
type Failure struct {
	Tries int
	Error string
	// NextAttemptAt is nil for terminal failures.
	NextAttemptAt *time.Time
	Terminal      bool
}

// Store persists outbox entries. Implementations must make Create and
// ClaimDue atomic per entry.
type Store interface {
	// Create inserts entry unless an entry with its id exists in any status
	// other than failed, in which case it returns ErrDuplicate.
	Create(ctx context.Context, entry domain.OutboxEntry) error
	Get(ctx context.Context, id string) (domain.OutboxEntry, bool, error)
	// ClaimDue moves up to limit due pending entries to sending and returns them.
	ClaimDue(ctx context.Context, now time.Time, limit int) ([]domain.OutboxEntry, error)
	MarkSent(ctx context.Context, id, remoteID string, sentAt time.Time) error
	RecordFailure(ctx context.Context, id string, f Failure) error
	// RequeueStale returns entries claimed before staleBefore to pending.
	RequeueStale(ctx context.Context, staleBefore time.Time) (int, error)
}
