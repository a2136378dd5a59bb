package queue

import (
	"context"
	"errors"
	"time"
)

// Sentinel errors shared by all backing-store implementations.
var (
	// ErrNotFound reports that the addressed message or dead-letter entry
	// no longer exists (already acked, replayed, deleted, or purged).
	ErrNotFound = errors.New("queue: not found")
	// ErrLeaseLost reports that the caller's lease token no longer matches
	// the active lease; the message was reclaimed and possibly re-leased.
	ErrLeaseLost = errors.New("queue: lease lost")
	// ErrUnavailable reports a transient backing-store failure. Callers must
	// not assume partial success and retry at a higher layer.
	ErrUnavailable = errors.New("queue: store unavailable")
)

// Leased is a message handed to a consumer together with its lease.
type Leased struct {
	Envelope *Envelope
	Token    string
	// ExpiresAt is when the lease lapses and the store makes the message
	// visible again without any consumer action.
	ExpiresAt time.Time
}

// ReclaimPolicy governs what the store does with a message whose lease
// expired without an ack or nack.
type ReclaimPolicy struct {
	// ImplicitNack counts the expiry as a delivery attempt so that a handler
	// that keeps crashing still converges on the dead-letter queue. When
	// false the attempt count is left untouched.
	ImplicitNack     bool
	MaxRetries       int
	EnableDeadLetter bool
}

// Stats is a point-in-time snapshot of a queue's depth.
type Stats struct {
	Ready        int `json:"ready"`
	InFlight     int `json:"inFlight"`
	Delayed      int `json:"delayed"`
	DeadLettered int `json:"deadLettered"`
}

// DeadLetterStats aggregates the dead-letter holding area. Counts are exact.
type DeadLetterStats struct {
	TotalMessages int            `json:"totalMessages"`
	ByType        map[string]int `json:"byType"`
}

// Store is the backing-store adapter: the sole mutator of persisted queue
// state. Lease must be atomic: a message returned to one caller is not
// returned to another until its lease expires. Implementations exist for
// Pebble (embedded) and Redis (shared across processes).
type Store interface {
	// Enqueue inserts a message, ready immediately or after delay.
	Enqueue(ctx context.Context, env *Envelope, delay time.Duration) error

	// Lease atomically claims up to n ready messages for vt, ordered by
	// priority tier (high first) then ID ascending within a tier. Due
	// delayed messages are promoted first.
	Lease(ctx context.Context, n int, vt time.Duration) ([]Leased, error)

	// Ack permanently removes a message. Idempotent: returns nil when the
	// message is already gone; ErrLeaseLost when another lease is active.
	Ack(ctx context.Context, id, token string) error

	// ExtendLease renews the lease and returns the new expiry.
	ExtendLease(ctx context.Context, id, token string, vt time.Duration) (time.Time, error)

	// Retry persists the mutated envelope (attempt, failure history) and
	// schedules it for redelivery after delay, releasing the lease.
	Retry(ctx context.Context, id, token string, env *Envelope, delay time.Duration) error

	// MoveToDeadLetter removes the message from the main queue and records
	// the entry in the dead-letter area. Terminal; happens at most once.
	MoveToDeadLetter(ctx context.Context, id, token string, entry *DeadLetterEntry) error

	// ReclaimExpired returns messages with lapsed leases to availability
	// (or the DLQ, per policy) and reports how many were handled.
	ReclaimExpired(ctx context.Context, now time.Time, max int, policy ReclaimPolicy) (int, error)

	// ListDeadLetters pages entries newest-first by DeadLetteredAt and
	// returns a best-effort total for pagination.
	ListDeadLetters(ctx context.Context, limit, offset int) ([]*DeadLetterEntry, int, error)

	// DeadLetterStats aggregates the dead-letter area.
	DeadLetterStats(ctx context.Context) (*DeadLetterStats, error)

	// GetDeadLetter fetches one entry; ErrNotFound when absent.
	GetDeadLetter(ctx context.Context, id string) (*DeadLetterEntry, error)

	// TakeDeadLetter atomically removes and returns one entry, so that
	// concurrent replays of the same id cannot both succeed.
	TakeDeadLetter(ctx context.Context, id string) (*DeadLetterEntry, error)

	// PutDeadLetter writes an entry directly, overwriting any existing one
	// with the same id. Used to restore an entry when a replay fails after
	// the take.
	PutDeadLetter(ctx context.Context, entry *DeadLetterEntry) error

	// DeleteDeadLetter permanently removes one entry, reporting existence.
	DeleteDeadLetter(ctx context.Context, id string) (bool, error)

	// PurgeDeadLetter permanently removes all entries, reporting the count.
	PurgeDeadLetter(ctx context.Context) (int, error)

	// Stats snapshots queue depths.
	Stats(ctx context.Context) (*Stats, error)

	Close() error
}
