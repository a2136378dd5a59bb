// Package pebbledb implements the queue store on an embedded Pebble
// database. All multi-key transitions (claim, ack, retry, dead-letter,
// reclaim) commit as single atomic batches; an internal mutex serializes
// claimers within the process.
package pebbledb

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cockroachdb/pebble"
	"github.com/google/uuid"
	jsoniter "github.com/json-iterator/go"

	"github.com/courier-mq/courier/internal/queue"
	pebblestore "github.com/courier-mq/courier/internal/storage/pebble"
	"github.com/courier-mq/courier/pkg/log"
)

var codec = jsoniter.ConfigCompatibleWithStandardLibrary

// reclaimFailureReason is recorded in the failure history when a lease
// lapses and the reclaim policy counts it as an attempt.
const reclaimFailureReason = "visibility timeout expired"

// leaseRecord is the value stored at lease/{id}.
type leaseRecord struct {
	Token       string `json:"token"`
	ExpiresAtMs int64  `json:"expiresAtMs"`
}

// Store is the Pebble-backed queue store for one named queue. Multiple
// stores may share a single DB; keys are scoped by queue name. The DB is
// owned by the caller and survives Close.
type Store struct {
	db     *pebblestore.DB
	queue  string
	logger log.Logger

	// mu serializes claim-path mutations (Lease, reclaim, completion) so a
	// ready entry is never handed to two goroutines.
	mu sync.Mutex
}

var _ queue.Store = (*Store)(nil)

// New builds a store for queueName over an already-open DB.
func New(db *pebblestore.DB, queueName string, logger log.Logger) *Store {
	if logger == nil {
		logger = log.NewNop()
	}
	return &Store{
		db:     db,
		queue:  queueName,
		logger: logger.WithComponent("store.pebble").With(log.F("queue", queueName)),
	}
}

// Close releases nothing; the shared DB is closed by its owner.
func (s *Store) Close() error { return nil }

// Enqueue inserts the envelope, ready now or after delay.
func (s *Store) Enqueue(ctx context.Context, env *queue.Envelope, delay time.Duration) error {
	body, err := queue.MarshalEnvelope(env)
	if err != nil {
		return fmt.Errorf("pebbledb: marshal %s: %w", env.ID, err)
	}

	b := s.db.NewBatch()
	defer b.Close()
	if err := b.Set(msgKey(s.queue, env.ID), queue.EncodeFrame(body), nil); err != nil {
		return err
	}
	if delay > 0 {
		readyAt := time.Now().Add(delay).UnixMilli()
		if err := b.Set(delayKey(s.queue, readyAt, env.ID), nil, nil); err != nil {
			return err
		}
	} else {
		if err := b.Set(readyKey(s.queue, env.Priority.Rank(), env.ID), nil, nil); err != nil {
			return err
		}
	}
	return s.db.CommitBatch(ctx, b)
}

// Lease claims up to n ready messages. Due delayed messages are promoted
// first so a retry whose backoff elapsed competes in its priority tier.
func (s *Store) Lease(ctx context.Context, n int, vt time.Duration) ([]queue.Leased, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	if err := s.promoteDueLocked(ctx, now); err != nil {
		return nil, err
	}

	iter, err := s.db.PrefixIter(readyPrefix(s.queue))
	if err != nil {
		return nil, fmt.Errorf("pebbledb: ready iter: %w", err)
	}
	var readyKeys [][]byte
	for iter.First(); iter.Valid() && len(readyKeys) < n; iter.Next() {
		readyKeys = append(readyKeys, append([]byte(nil), iter.Key()...))
	}
	if err := iter.Close(); err != nil {
		return nil, err
	}
	if len(readyKeys) == 0 {
		return nil, nil
	}

	expiresAt := now.Add(vt)
	b := s.db.NewBatch()
	defer b.Close()
	leased := make([]queue.Leased, 0, len(readyKeys))
	for _, rk := range readyKeys {
		id := idFromIndexKey(rk)
		env, err := s.getEnvelope(id)
		if errors.Is(err, queue.ErrNotFound) {
			// Dangling index entry; drop it and move on.
			if err := b.Delete(rk, nil); err != nil {
				return nil, err
			}
			continue
		}
		if err != nil {
			return nil, err
		}

		rec := leaseRecord{Token: uuid.NewString(), ExpiresAtMs: expiresAt.UnixMilli()}
		recData, err := codec.Marshal(rec)
		if err != nil {
			return nil, fmt.Errorf("pebbledb: marshal lease %s: %w", id, err)
		}
		if err := b.Delete(rk, nil); err != nil {
			return nil, err
		}
		if err := b.Set(leaseKey(s.queue, id), recData, nil); err != nil {
			return nil, err
		}
		if err := b.Set(leaseIdxKey(s.queue, rec.ExpiresAtMs, id), nil, nil); err != nil {
			return nil, err
		}
		leased = append(leased, queue.Leased{Envelope: env, Token: rec.Token, ExpiresAt: expiresAt})
	}
	if err := s.db.CommitBatch(ctx, b); err != nil {
		return nil, fmt.Errorf("pebbledb: commit lease: %w", err)
	}
	return leased, nil
}

// promoteDueLocked moves delayed messages whose ready time has passed into
// the ready index. Caller holds mu.
func (s *Store) promoteDueLocked(ctx context.Context, now time.Time) error {
	iter, err := s.db.PrefixIter(delayPrefix(s.queue))
	if err != nil {
		return fmt.Errorf("pebbledb: delay iter: %w", err)
	}
	nowMs := now.UnixMilli()
	var due [][]byte
	for iter.First(); iter.Valid(); iter.Next() {
		if timeFromIndexKey(iter.Key()) > nowMs {
			// Index sorts by ready time; nothing further is due.
			break
		}
		due = append(due, append([]byte(nil), iter.Key()...))
	}
	if err := iter.Close(); err != nil {
		return err
	}
	if len(due) == 0 {
		return nil
	}

	b := s.db.NewBatch()
	defer b.Close()
	for _, dk := range due {
		id := idFromIndexKey(dk)
		if err := b.Delete(dk, nil); err != nil {
			return err
		}
		env, err := s.getEnvelope(id)
		if errors.Is(err, queue.ErrNotFound) {
			continue
		}
		if err != nil {
			return err
		}
		if err := b.Set(readyKey(s.queue, env.Priority.Rank(), id), nil, nil); err != nil {
			return err
		}
	}
	if err := s.db.CommitBatch(ctx, b); err != nil {
		return fmt.Errorf("pebbledb: commit promote: %w", err)
	}
	return nil
}

// Ack removes the message. Idempotent for already-removed messages.
func (s *Store) Ack(ctx context.Context, id, token string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, err := s.getLease(id)
	if errors.Is(err, queue.ErrNotFound) {
		if _, envErr := s.getEnvelope(id); errors.Is(envErr, queue.ErrNotFound) {
			// Already acked or dead-lettered.
			return nil
		}
		// Message exists but the lease lapsed and was reclaimed.
		return queue.ErrLeaseLost
	}
	if err != nil {
		return err
	}
	if rec.Token != token {
		return queue.ErrLeaseLost
	}

	b := s.db.NewBatch()
	defer b.Close()
	if err := b.Delete(msgKey(s.queue, id), nil); err != nil {
		return err
	}
	if err := s.clearLease(b, id, rec.ExpiresAtMs); err != nil {
		return err
	}
	return s.db.CommitBatch(ctx, b)
}

// ExtendLease renews the lease for vt from now.
func (s *Store) ExtendLease(ctx context.Context, id, token string, vt time.Duration) (time.Time, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, err := s.verifyLease(id, token)
	if err != nil {
		return time.Time{}, err
	}

	expiresAt := time.Now().Add(vt)
	next := leaseRecord{Token: token, ExpiresAtMs: expiresAt.UnixMilli()}
	nextData, err := codec.Marshal(next)
	if err != nil {
		return time.Time{}, fmt.Errorf("pebbledb: marshal lease %s: %w", id, err)
	}

	b := s.db.NewBatch()
	defer b.Close()
	if err := b.Delete(leaseIdxKey(s.queue, rec.ExpiresAtMs, id), nil); err != nil {
		return time.Time{}, err
	}
	if err := b.Set(leaseKey(s.queue, id), nextData, nil); err != nil {
		return time.Time{}, err
	}
	if err := b.Set(leaseIdxKey(s.queue, next.ExpiresAtMs, id), nil, nil); err != nil {
		return time.Time{}, err
	}
	if err := s.db.CommitBatch(ctx, b); err != nil {
		return time.Time{}, err
	}
	return expiresAt, nil
}

// Retry persists the mutated envelope and schedules redelivery.
func (s *Store) Retry(ctx context.Context, id, token string, env *queue.Envelope, delay time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, err := s.verifyLease(id, token)
	if err != nil {
		return err
	}
	body, err := queue.MarshalEnvelope(env)
	if err != nil {
		return fmt.Errorf("pebbledb: marshal %s: %w", id, err)
	}

	b := s.db.NewBatch()
	defer b.Close()
	if err := b.Set(msgKey(s.queue, id), queue.EncodeFrame(body), nil); err != nil {
		return err
	}
	if err := s.clearLease(b, id, rec.ExpiresAtMs); err != nil {
		return err
	}
	if delay > 0 {
		readyAt := time.Now().Add(delay).UnixMilli()
		if err := b.Set(delayKey(s.queue, readyAt, id), nil, nil); err != nil {
			return err
		}
	} else {
		if err := b.Set(readyKey(s.queue, env.Priority.Rank(), id), nil, nil); err != nil {
			return err
		}
	}
	return s.db.CommitBatch(ctx, b)
}

// MoveToDeadLetter terminally moves the message into the dead-letter area.
func (s *Store) MoveToDeadLetter(ctx context.Context, id, token string, entry *queue.DeadLetterEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, err := s.verifyLease(id, token)
	if err != nil {
		return err
	}

	b := s.db.NewBatch()
	defer b.Close()
	if err := b.Delete(msgKey(s.queue, id), nil); err != nil {
		return err
	}
	if err := s.clearLease(b, id, rec.ExpiresAtMs); err != nil {
		return err
	}
	if err := s.putDeadLetter(b, entry); err != nil {
		return err
	}
	return s.db.CommitBatch(ctx, b)
}

// ReclaimExpired scans the lease expiry index and returns lapsed messages to
// availability, dead-lettering those whose implicit nack exhausts the retry
// budget.
func (s *Store) ReclaimExpired(ctx context.Context, now time.Time, max int, policy queue.ReclaimPolicy) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	iter, err := s.db.PrefixIter(leaseIdxPrefix(s.queue))
	if err != nil {
		return 0, fmt.Errorf("pebbledb: lease_idx iter: %w", err)
	}
	nowMs := now.UnixMilli()
	var expired [][]byte
	for iter.First(); iter.Valid() && len(expired) < max; iter.Next() {
		if timeFromIndexKey(iter.Key()) > nowMs {
			break
		}
		expired = append(expired, append([]byte(nil), iter.Key()...))
	}
	if err := iter.Close(); err != nil {
		return 0, err
	}
	if len(expired) == 0 {
		return 0, nil
	}

	b := s.db.NewBatch()
	defer b.Close()
	reclaimed := 0
	for _, ik := range expired {
		id := idFromIndexKey(ik)
		expMs := timeFromIndexKey(ik)
		if err := b.Delete(ik, nil); err != nil {
			return 0, err
		}

		rec, err := s.getLease(id)
		if errors.Is(err, queue.ErrNotFound) || (err == nil && rec.ExpiresAtMs != expMs) {
			// Stale index entry left behind by an extend or completion.
			continue
		}
		if err != nil {
			return 0, err
		}
		if err := b.Delete(leaseKey(s.queue, id), nil); err != nil {
			return 0, err
		}

		env, err := s.getEnvelope(id)
		if errors.Is(err, queue.ErrNotFound) {
			continue
		}
		if err != nil {
			return 0, err
		}

		if policy.ImplicitNack {
			env.Attempt++
			env.LastError = reclaimFailureReason
			env.Failures = append(env.Failures, queue.FailureRecord{
				Attempt: env.Attempt,
				Error:   reclaimFailureReason,
				At:      now,
			})
			body, err := queue.MarshalEnvelope(env)
			if err != nil {
				return 0, fmt.Errorf("pebbledb: marshal %s: %w", id, err)
			}

			if env.Attempt > policy.MaxRetries {
				if err := b.Delete(msgKey(s.queue, id), nil); err != nil {
					return 0, err
				}
				if policy.EnableDeadLetter {
					entry := &queue.DeadLetterEntry{
						Envelope:       *env,
						QueueName:      s.queue,
						DeadLetteredAt: now,
					}
					if err := s.putDeadLetter(b, entry); err != nil {
						return 0, err
					}
				} else {
					s.logger.Error("retry budget exhausted without dead-letter queue, dropping message",
						log.F("id", id), log.F("attempt", env.Attempt))
				}
				reclaimed++
				continue
			}
			if err := b.Set(msgKey(s.queue, id), queue.EncodeFrame(body), nil); err != nil {
				return 0, err
			}
		}
		if err := b.Set(readyKey(s.queue, env.Priority.Rank(), id), nil, nil); err != nil {
			return 0, err
		}
		reclaimed++
	}
	if err := s.db.CommitBatch(ctx, b); err != nil {
		return 0, fmt.Errorf("pebbledb: commit reclaim: %w", err)
	}
	return reclaimed, nil
}

// ListDeadLetters pages entries newest-first by dead-letter time.
func (s *Store) ListDeadLetters(ctx context.Context, limit, offset int) ([]*queue.DeadLetterEntry, int, error) {
	iter, err := s.db.PrefixIter(dlqIdxPrefix(s.queue))
	if err != nil {
		return nil, 0, fmt.Errorf("pebbledb: dlq_idx iter: %w", err)
	}
	defer iter.Close()

	entries := []*queue.DeadLetterEntry{}
	total := 0
	pos := 0
	for ok := iter.Last(); ok; ok = iter.Prev() {
		total++
		if pos >= offset && len(entries) < limit {
			id := idFromIndexKey(iter.Key())
			entry, err := s.readDeadLetter(id)
			if errors.Is(err, queue.ErrNotFound) {
				pos++
				continue
			}
			if err != nil {
				return nil, 0, err
			}
			entries = append(entries, entry)
		}
		pos++
	}
	return entries, total, nil
}

// DeadLetterStats aggregates the dead-letter area by message type.
func (s *Store) DeadLetterStats(ctx context.Context) (*queue.DeadLetterStats, error) {
	iter, err := s.db.PrefixIter(dlqPrefix(s.queue))
	if err != nil {
		return nil, fmt.Errorf("pebbledb: dlq iter: %w", err)
	}
	defer iter.Close()

	stats := &queue.DeadLetterStats{ByType: map[string]int{}}
	for iter.First(); iter.Valid(); iter.Next() {
		body, ok := queue.DecodeFrame(iter.Value())
		if !ok {
			continue
		}
		entry, err := queue.UnmarshalDeadLetter(body)
		if err != nil {
			continue
		}
		stats.TotalMessages++
		stats.ByType[entry.Type]++
	}
	return stats, nil
}

func (s *Store) GetDeadLetter(ctx context.Context, id string) (*queue.DeadLetterEntry, error) {
	return s.readDeadLetter(id)
}

// TakeDeadLetter atomically removes and returns the entry.
func (s *Store) TakeDeadLetter(ctx context.Context, id string) (*queue.DeadLetterEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, err := s.readDeadLetter(id)
	if err != nil {
		return nil, err
	}
	b := s.db.NewBatch()
	defer b.Close()
	if err := b.Delete(dlqKey(s.queue, id), nil); err != nil {
		return nil, err
	}
	if err := b.Delete(dlqIdxKey(s.queue, entry.DeadLetteredAt.UnixMilli(), id), nil); err != nil {
		return nil, err
	}
	if err := s.db.CommitBatch(ctx, b); err != nil {
		return nil, err
	}
	return entry, nil
}

// PutDeadLetter writes the entry directly, overwriting any previous one.
func (s *Store) PutDeadLetter(ctx context.Context, entry *queue.DeadLetterEntry) error {
	b := s.db.NewBatch()
	defer b.Close()
	if err := s.putDeadLetter(b, entry); err != nil {
		return err
	}
	return s.db.CommitBatch(ctx, b)
}

// DeleteDeadLetter removes the entry, reporting whether it existed.
func (s *Store) DeleteDeadLetter(ctx context.Context, id string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, err := s.readDeadLetter(id)
	if errors.Is(err, queue.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	b := s.db.NewBatch()
	defer b.Close()
	if err := b.Delete(dlqKey(s.queue, id), nil); err != nil {
		return false, err
	}
	if err := b.Delete(dlqIdxKey(s.queue, entry.DeadLetteredAt.UnixMilli(), id), nil); err != nil {
		return false, err
	}
	if err := s.db.CommitBatch(ctx, b); err != nil {
		return false, err
	}
	return true, nil
}

// PurgeDeadLetter removes every entry via range deletes.
func (s *Store) PurgeDeadLetter(ctx context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	count, err := s.countPrefix(dlqPrefix(s.queue))
	if err != nil {
		return 0, err
	}
	if count == 0 {
		return 0, nil
	}

	b := s.db.NewBatch()
	defer b.Close()
	for _, prefix := range [][]byte{dlqPrefix(s.queue), dlqIdxPrefix(s.queue)} {
		if err := b.DeleteRange(prefix, pebblestore.PrefixUpperBound(prefix), nil); err != nil {
			return 0, err
		}
	}
	if err := s.db.CommitBatch(ctx, b); err != nil {
		return 0, err
	}
	return count, nil
}

// Stats snapshots queue depths by counting index entries.
func (s *Store) Stats(ctx context.Context) (*queue.Stats, error) {
	stats := &queue.Stats{}
	for _, c := range []struct {
		prefix []byte
		out    *int
	}{
		{readyPrefix(s.queue), &stats.Ready},
		{leasePrefix(s.queue), &stats.InFlight},
		{delayPrefix(s.queue), &stats.Delayed},
		{dlqPrefix(s.queue), &stats.DeadLettered},
	} {
		n, err := s.countPrefix(c.prefix)
		if err != nil {
			return nil, err
		}
		*c.out = n
	}
	return stats, nil
}

// --- helpers ---

func (s *Store) getEnvelope(id string) (*queue.Envelope, error) {
	data, err := s.db.Get(msgKey(s.queue, id))
	if errors.Is(err, pebblestore.ErrKeyNotFound) {
		return nil, queue.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	body, ok := queue.DecodeFrame(data)
	if !ok {
		return nil, fmt.Errorf("pebbledb: corrupt frame for message %s", id)
	}
	return queue.UnmarshalEnvelope(body)
}

func (s *Store) getLease(id string) (*leaseRecord, error) {
	data, err := s.db.Get(leaseKey(s.queue, id))
	if errors.Is(err, pebblestore.ErrKeyNotFound) {
		return nil, queue.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	var rec leaseRecord
	if err := codec.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("pebbledb: corrupt lease for %s: %w", id, err)
	}
	return &rec, nil
}

// verifyLease resolves the active lease for token-guarded transitions.
// Missing message: ErrNotFound. Missing or mismatched lease: ErrLeaseLost.
func (s *Store) verifyLease(id, token string) (*leaseRecord, error) {
	rec, err := s.getLease(id)
	if errors.Is(err, queue.ErrNotFound) {
		if _, envErr := s.getEnvelope(id); errors.Is(envErr, queue.ErrNotFound) {
			return nil, queue.ErrNotFound
		}
		return nil, queue.ErrLeaseLost
	}
	if err != nil {
		return nil, err
	}
	if rec.Token != token {
		return nil, queue.ErrLeaseLost
	}
	return rec, nil
}

// clearLease stages removal of a lease record and its expiry index entry.
func (s *Store) clearLease(b *pebble.Batch, id string, expiresMs int64) error {
	if err := b.Delete(leaseKey(s.queue, id), nil); err != nil {
		return err
	}
	return b.Delete(leaseIdxKey(s.queue, expiresMs, id), nil)
}

// putDeadLetter stages the entry and its arrival-order index entry.
func (s *Store) putDeadLetter(b *pebble.Batch, entry *queue.DeadLetterEntry) error {
	body, err := queue.MarshalDeadLetter(entry)
	if err != nil {
		return fmt.Errorf("pebbledb: marshal dead letter %s: %w", entry.ID, err)
	}
	if err := b.Set(dlqKey(s.queue, entry.ID), queue.EncodeFrame(body), nil); err != nil {
		return err
	}
	return b.Set(dlqIdxKey(s.queue, entry.DeadLetteredAt.UnixMilli(), entry.ID), nil, nil)
}

func (s *Store) readDeadLetter(id string) (*queue.DeadLetterEntry, error) {
	data, err := s.db.Get(dlqKey(s.queue, id))
	if errors.Is(err, pebblestore.ErrKeyNotFound) {
		return nil, queue.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	body, ok := queue.DecodeFrame(data)
	if !ok {
		return nil, fmt.Errorf("pebbledb: corrupt frame for dead letter %s", id)
	}
	return queue.UnmarshalDeadLetter(body)
}

func (s *Store) countPrefix(prefix []byte) (int, error) {
	iter, err := s.db.PrefixIter(prefix)
	if err != nil {
		return 0, err
	}
	defer iter.Close()
	n := 0
	for iter.First(); iter.Valid(); iter.Next() {
		n++
	}
	return n, nil
}
