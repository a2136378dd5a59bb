// Package redisq implements the queue store on Redis, for deployments where
// several processes share one queue. Cross-process atomicity comes from Lua
// scripts; every multi-key transition runs server-side in one script call.
package redisq

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	jsoniter "github.com/json-iterator/go"
	"github.com/redis/go-redis/v9"

	"github.com/courier-mq/courier/internal/queue"
	"github.com/courier-mq/courier/pkg/id"
	"github.com/courier-mq/courier/pkg/log"
)

var codec = jsoniter.ConfigCompatibleWithStandardLibrary

const reclaimFailureReason = "visibility timeout expired"

// Store is the Redis-backed queue store for one named queue. The client is
// owned by the caller and shared across stores.
type Store struct {
	rdb    redis.UniversalClient
	queue  string
	logger log.Logger
}

var _ queue.Store = (*Store)(nil)

// New builds a store for queueName over an existing client.
func New(rdb redis.UniversalClient, queueName string, logger log.Logger) *Store {
	if logger == nil {
		logger = log.NewNop()
	}
	return &Store{
		rdb:    rdb,
		queue:  queueName,
		logger: logger.WithComponent("store.redis").With(log.F("queue", queueName)),
	}
}

// Close releases nothing; the shared client is closed by its owner.
func (s *Store) Close() error { return nil }

// Key layout, all flat keys under one queue's namespace:
//
//	cq:{queue}:msg        hash  id -> body JSON (immutable, carries the payload)
//	cq:{queue}:meta       hash  id -> delivery-state JSON
//	cq:{queue}:ready:{r}  zset  id scored by creation millis, r in 0..2
//	cq:{queue}:delay      zset  id scored by ready-at millis
//	cq:{queue}:lease      hash  id -> token
//	cq:{queue}:lease_exp  zset  id scored by expiry millis
//	cq:{queue}:dlq        hash  id -> entry JSON
//	cq:{queue}:dlq_at     zset  id scored by dead-letter millis
func (s *Store) key(suffix string) string {
	return "cq:" + s.queue + ":" + suffix
}

func (s *Store) readyKey(rank uint8) string {
	return fmt.Sprintf("cq:%s:ready:%d", s.queue, rank)
}

func (s *Store) readyKeys() []string {
	return []string{s.readyKey(0), s.readyKey(1), s.readyKey(2)}
}

// readyScore orders a ready zset member: creation millis from the id, ties
// broken by Redis's lexical ordering of equal-score members.
func readyScore(msgID string) float64 {
	parsed, err := id.Parse(msgID)
	if err != nil {
		return 0
	}
	return float64(parsed.TimeMs())
}

func (s *Store) wrap(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("redisq %s: %s: %w", s.queue, op, err)
	}
	return fmt.Errorf("redisq %s: %s: %w: %s", s.queue, op, queue.ErrUnavailable, err)
}

// completionErr maps the shared script return convention.
func completionErr(status int64) error {
	switch status {
	case 1, 0:
		return nil
	default:
		return queue.ErrLeaseLost
	}
}

// Enqueue inserts the envelope, ready now or after delay.
func (s *Store) Enqueue(ctx context.Context, env *queue.Envelope, delay time.Duration) error {
	body, state, err := splitEnvelope(env)
	if err != nil {
		return fmt.Errorf("redisq %s: %s: %w", s.queue, env.ID, err)
	}

	pipe := s.rdb.TxPipeline()
	pipe.HSet(ctx, s.key("msg"), env.ID, body)
	pipe.HSet(ctx, s.key("meta"), env.ID, state)
	if delay > 0 {
		readyAt := float64(time.Now().Add(delay).UnixMilli())
		pipe.ZAdd(ctx, s.key("delay"), redis.Z{Score: readyAt, Member: env.ID})
	} else {
		pipe.ZAdd(ctx, s.readyKey(env.Priority.Rank()), redis.Z{Score: readyScore(env.ID), Member: env.ID})
	}
	_, err = pipe.Exec(ctx)
	return s.wrap("enqueue", err)
}

// Lease claims up to n ready messages, promoting due delayed ones first.
func (s *Store) Lease(ctx context.Context, n int, vt time.Duration) ([]queue.Leased, error) {
	now := time.Now()
	promoteKeys := append([]string{s.key("delay"), s.key("msg")}, s.readyKeys()...)
	if err := promoteScript.Run(ctx, s.rdb, promoteKeys, now.UnixMilli(), n*4+64).Err(); err != nil && !errors.Is(err, redis.Nil) {
		return nil, s.wrap("promote", err)
	}

	expiresAt := now.Add(vt)
	args := make([]interface{}, 0, n+2)
	args = append(args, expiresAt.UnixMilli(), n)
	for i := 0; i < n; i++ {
		args = append(args, uuid.NewString())
	}
	leaseKeys := append(s.readyKeys(), s.key("msg"), s.key("meta"), s.key("lease"), s.key("lease_exp"))
	raw, err := leaseScript.Run(ctx, s.rdb, leaseKeys, args...).Slice()
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, s.wrap("lease", err)
	}

	leased := make([]queue.Leased, 0, len(raw)/4)
	for i := 0; i+3 < len(raw); i += 4 {
		body, _ := raw[i+1].(string)
		state, _ := raw[i+2].(string)
		token, _ := raw[i+3].(string)
		env, err := joinEnvelope([]byte(body), []byte(state))
		if err != nil {
			s.logger.Error("skipping corrupt envelope", log.F("id", fmt.Sprint(raw[i])), log.Err(err))
			continue
		}
		leased = append(leased, queue.Leased{Envelope: env, Token: token, ExpiresAt: expiresAt})
	}
	return leased, nil
}

// Ack removes the message. Idempotent for already-removed messages.
func (s *Store) Ack(ctx context.Context, msgID, token string) error {
	keys := []string{s.key("msg"), s.key("meta"), s.key("lease"), s.key("lease_exp")}
	status, err := ackScript.Run(ctx, s.rdb, keys, msgID, token).Int64()
	if err != nil {
		return s.wrap("ack", err)
	}
	return completionErr(status)
}

// ExtendLease renews the lease for vt from now.
func (s *Store) ExtendLease(ctx context.Context, msgID, token string, vt time.Duration) (time.Time, error) {
	expiresAt := time.Now().Add(vt)
	keys := []string{s.key("msg"), s.key("lease"), s.key("lease_exp")}
	status, err := extendScript.Run(ctx, s.rdb, keys, msgID, token, expiresAt.UnixMilli()).Int64()
	if err != nil {
		return time.Time{}, s.wrap("extend", err)
	}
	switch status {
	case 1:
		return expiresAt, nil
	case 0:
		return time.Time{}, queue.ErrNotFound
	default:
		return time.Time{}, queue.ErrLeaseLost
	}
}

// Retry persists the mutated delivery state and schedules redelivery. The
// payload-bearing body stays untouched.
func (s *Store) Retry(ctx context.Context, msgID, token string, env *queue.Envelope, delay time.Duration) error {
	state, err := marshalDeliveryState(env)
	if err != nil {
		return fmt.Errorf("redisq %s: %s: %w", s.queue, msgID, err)
	}
	var readyAtMs int64
	if delay > 0 {
		readyAtMs = time.Now().Add(delay).UnixMilli()
	}
	keys := append([]string{s.key("msg"), s.key("meta"), s.key("lease"), s.key("lease_exp"), s.key("delay")}, s.readyKeys()...)
	status, err := retryScript.Run(ctx, s.rdb, keys, msgID, token, state, readyAtMs, env.Priority.Rank()).Int64()
	if err != nil {
		return s.wrap("retry", err)
	}
	if status == 0 {
		return queue.ErrNotFound
	}
	return completionErr(status)
}

// MoveToDeadLetter terminally moves the message into the dead-letter area.
func (s *Store) MoveToDeadLetter(ctx context.Context, msgID, token string, entry *queue.DeadLetterEntry) error {
	body, err := queue.MarshalDeadLetter(entry)
	if err != nil {
		return fmt.Errorf("redisq %s: marshal dead letter %s: %w", s.queue, msgID, err)
	}
	keys := []string{s.key("msg"), s.key("meta"), s.key("lease"), s.key("lease_exp"), s.key("dlq"), s.key("dlq_at")}
	status, err := moveDLQScript.Run(ctx, s.rdb, keys, msgID, token, body, entry.DeadLetteredAt.UnixMilli()).Int64()
	if err != nil {
		return s.wrap("move to dead letter", err)
	}
	if status == 0 {
		return queue.ErrNotFound
	}
	return completionErr(status)
}

// ReclaimExpired returns lapsed leases to availability per policy.
func (s *Store) ReclaimExpired(ctx context.Context, now time.Time, max int, policy queue.ReclaimPolicy) (int, error) {
	keys := append([]string{s.key("lease_exp"), s.key("lease"), s.key("msg"), s.key("meta")}, s.readyKeys()...)
	keys = append(keys, s.key("dlq"), s.key("dlq_at"))
	n, err := reclaimScript.Run(ctx, s.rdb, keys,
		now.UnixMilli(),
		max,
		boolArg(policy.ImplicitNack),
		policy.MaxRetries,
		boolArg(policy.EnableDeadLetter),
		s.queue,
		reclaimFailureReason,
		now.UTC().Format(time.RFC3339Nano),
	).Int64()
	if err != nil {
		return 0, s.wrap("reclaim", err)
	}
	return int(n), nil
}

func boolArg(b bool) int {
	if b {
		return 1
	}
	return 0
}

// ListDeadLetters pages entries newest-first by dead-letter time.
func (s *Store) ListDeadLetters(ctx context.Context, limit, offset int) ([]*queue.DeadLetterEntry, int, error) {
	total, err := s.rdb.ZCard(ctx, s.key("dlq_at")).Result()
	if err != nil {
		return nil, 0, s.wrap("dlq count", err)
	}
	ids, err := s.rdb.ZRevRange(ctx, s.key("dlq_at"), int64(offset), int64(offset+limit-1)).Result()
	if err != nil {
		return nil, 0, s.wrap("dlq range", err)
	}
	entries := []*queue.DeadLetterEntry{}
	if len(ids) == 0 {
		return entries, int(total), nil
	}
	raws, err := s.rdb.HMGet(ctx, s.key("dlq"), ids...).Result()
	if err != nil {
		return nil, 0, s.wrap("dlq fetch", err)
	}
	for i, raw := range raws {
		body, ok := raw.(string)
		if !ok {
			// Removed between the range and the fetch.
			continue
		}
		entry, err := queue.UnmarshalDeadLetter([]byte(body))
		if err != nil {
			s.logger.Error("skipping corrupt dead-letter entry", log.F("id", ids[i]), log.Err(err))
			continue
		}
		entries = append(entries, entry)
	}
	return entries, int(total), nil
}

// DeadLetterStats aggregates the dead-letter area by message type.
func (s *Store) DeadLetterStats(ctx context.Context) (*queue.DeadLetterStats, error) {
	stats := &queue.DeadLetterStats{ByType: map[string]int{}}
	iter := s.rdb.HScan(ctx, s.key("dlq"), 0, "", 512).Iterator()
	odd := false
	for iter.Next(ctx) {
		odd = !odd
		if odd {
			// Field name; the value follows.
			continue
		}
		entry, err := queue.UnmarshalDeadLetter([]byte(iter.Val()))
		if err != nil {
			continue
		}
		stats.TotalMessages++
		stats.ByType[entry.Type]++
	}
	if err := iter.Err(); err != nil {
		return nil, s.wrap("dlq scan", err)
	}
	return stats, nil
}

func (s *Store) GetDeadLetter(ctx context.Context, msgID string) (*queue.DeadLetterEntry, error) {
	raw, err := s.rdb.HGet(ctx, s.key("dlq"), msgID).Result()
	if errors.Is(err, redis.Nil) {
		return nil, queue.ErrNotFound
	}
	if err != nil {
		return nil, s.wrap("dlq get", err)
	}
	return queue.UnmarshalDeadLetter([]byte(raw))
}

// TakeDeadLetter atomically removes and returns the entry.
func (s *Store) TakeDeadLetter(ctx context.Context, msgID string) (*queue.DeadLetterEntry, error) {
	raw, err := takeDLQScript.Run(ctx, s.rdb, []string{s.key("dlq"), s.key("dlq_at")}, msgID).Text()
	if errors.Is(err, redis.Nil) {
		return nil, queue.ErrNotFound
	}
	if err != nil {
		return nil, s.wrap("dlq take", err)
	}
	return queue.UnmarshalDeadLetter([]byte(raw))
}

// PutDeadLetter writes the entry directly, overwriting any previous one.
func (s *Store) PutDeadLetter(ctx context.Context, entry *queue.DeadLetterEntry) error {
	body, err := queue.MarshalDeadLetter(entry)
	if err != nil {
		return fmt.Errorf("redisq %s: marshal dead letter %s: %w", s.queue, entry.ID, err)
	}
	pipe := s.rdb.TxPipeline()
	pipe.HSet(ctx, s.key("dlq"), entry.ID, body)
	pipe.ZAdd(ctx, s.key("dlq_at"), redis.Z{Score: float64(entry.DeadLetteredAt.UnixMilli()), Member: entry.ID})
	_, err = pipe.Exec(ctx)
	return s.wrap("dlq put", err)
}

// DeleteDeadLetter removes the entry, reporting whether it existed.
func (s *Store) DeleteDeadLetter(ctx context.Context, msgID string) (bool, error) {
	_, err := takeDLQScript.Run(ctx, s.rdb, []string{s.key("dlq"), s.key("dlq_at")}, msgID).Text()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, s.wrap("dlq delete", err)
	}
	return true, nil
}

// PurgeDeadLetter clears the dead-letter area.
func (s *Store) PurgeDeadLetter(ctx context.Context) (int, error) {
	n, err := purgeDLQScript.Run(ctx, s.rdb, []string{s.key("dlq"), s.key("dlq_at")}).Int64()
	if err != nil {
		return 0, s.wrap("dlq purge", err)
	}
	return int(n), nil
}

// Stats snapshots queue depths.
func (s *Store) Stats(ctx context.Context) (*queue.Stats, error) {
	pipe := s.rdb.Pipeline()
	readyCmds := make([]*redis.IntCmd, 0, 3)
	for _, k := range s.readyKeys() {
		readyCmds = append(readyCmds, pipe.ZCard(ctx, k))
	}
	inFlight := pipe.ZCard(ctx, s.key("lease_exp"))
	delayed := pipe.ZCard(ctx, s.key("delay"))
	dead := pipe.HLen(ctx, s.key("dlq"))
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return nil, s.wrap("stats", err)
	}

	stats := &queue.Stats{
		InFlight:     int(inFlight.Val()),
		Delayed:      int(delayed.Val()),
		DeadLettered: int(dead.Val()),
	}
	for _, c := range readyCmds {
		stats.Ready += int(c.Val())
	}
	return stats, nil
}
