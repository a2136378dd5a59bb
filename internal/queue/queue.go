package queue

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/courier-mq/courier/pkg/id"
	"github.com/courier-mq/courier/pkg/log"
)

// Recorder receives queue lifecycle observations. The metrics package
// provides a Prometheus-backed implementation; a no-op is used otherwise.
type Recorder interface {
	Enqueued(queue, typ string)
	Acked(queue string)
	Nacked(queue string, deadLettered bool)
	Replayed(queue string)
	Reclaimed(queue string, n int)
	HandlerDuration(queue, typ string, d time.Duration, outcome string)
}

type nopRecorder struct{}

func (nopRecorder) Enqueued(string, string)                               {}
func (nopRecorder) Acked(string)                                          {}
func (nopRecorder) Nacked(string, bool)                                   {}
func (nopRecorder) Replayed(string)                                       {}
func (nopRecorder) Reclaimed(string, int)                                 {}
func (nopRecorder) HandlerDuration(string, string, time.Duration, string) {}

// Queue owns the message state machine for one named queue:
// Pending -> InFlight -> {Acked | Pending (retry) | DeadLettered}.
// All persisted state lives in the Store; Queue never caches authoritative
// copies, so multiple processes can run against the same backing store.
type Queue struct {
	cfg      Config
	store    Store
	ids      *id.Generator
	logger   log.Logger
	recorder Recorder

	reclaimStop chan struct{}
	reclaimWG   sync.WaitGroup
	mu          sync.Mutex
}

// New validates cfg and constructs a Queue over the given store.
func New(cfg Config, store Store, logger log.Logger, opts ...Option) (*Queue, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if store == nil {
		return nil, fmt.Errorf("queue %s: store required", cfg.Name)
	}
	if logger == nil {
		logger = log.NewLogger()
	}
	q := &Queue{
		cfg:      cfg,
		store:    store,
		ids:      id.NewGenerator(),
		logger:   logger.WithComponent("queue").With(log.F("queue", cfg.Name)),
		recorder: nopRecorder{},
	}
	for _, opt := range opts {
		opt(q)
	}
	return q, nil
}

// Option configures optional Queue collaborators.
type Option func(*Queue)

// WithRecorder attaches a metrics recorder. Only honored when the queue's
// EnableMetrics flag is set.
func WithRecorder(r Recorder) Option {
	return func(q *Queue) {
		if q.cfg.EnableMetrics && r != nil {
			q.recorder = r
		}
	}
}

// Config returns a copy of the queue configuration.
func (q *Queue) Config() Config { return q.cfg }

// Name returns the queue name.
func (q *Queue) Name() string { return q.cfg.Name }

// EnqueueOptions carry optional per-message knobs.
type EnqueueOptions struct {
	Priority Priority
	// Delay holds the message invisible for the given duration before it
	// becomes ready.
	Delay time.Duration
}

// Enqueue validates the payload is serializable, assigns identity, and makes
// the message visible to consumers (immediately or after opts.Delay).
// Returns the assigned message id.
func (q *Queue) Enqueue(ctx context.Context, typ string, payload interface{}, opts EnqueueOptions) (string, error) {
	if typ == "" {
		typ = q.cfg.Type
	}
	if typ == "" {
		return "", fmt.Errorf("queue %s: message type required", q.cfg.Name)
	}
	raw, err := codec.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("queue %s: payload not serializable: %w", q.cfg.Name, err)
	}
	prio := opts.Priority
	if prio == "" {
		prio = PriorityNormal
	}
	mid := q.ids.Next()
	env := &Envelope{
		ID:        mid.String(),
		Type:      typ,
		Payload:   raw,
		CreatedAt: time.UnixMilli(mid.TimeMs()).UTC(),
		Priority:  prio,
		Attempt:   0,
	}
	if err := q.store.Enqueue(ctx, env, opts.Delay); err != nil {
		return "", fmt.Errorf("queue %s: enqueue: %w", q.cfg.Name, err)
	}
	q.recorder.Enqueued(q.cfg.Name, typ)
	q.logger.Debug("enqueued message",
		log.F("id", env.ID),
		log.F("type", typ),
		log.F("priority", string(prio)),
		log.F("delay_ms", opts.Delay.Milliseconds()),
	)
	return env.ID, nil
}

// enqueueEnvelope reinserts a pre-built envelope. Used by dead-letter replay.
func (q *Queue) enqueueEnvelope(ctx context.Context, env *Envelope) error {
	return q.store.Enqueue(ctx, env, 0)
}

// DequeueBatch leases up to n ready messages. Leasing never mutates the
// attempt count; only a nack (explicit or implicit) does.
func (q *Queue) DequeueBatch(ctx context.Context, n int) ([]Leased, error) {
	if n < 1 {
		n = 1
	}
	if n > q.cfg.BatchSize {
		n = q.cfg.BatchSize
	}
	leased, err := q.store.Lease(ctx, n, q.cfg.VisibilityTimeout)
	if err != nil {
		return nil, fmt.Errorf("queue %s: lease: %w", q.cfg.Name, err)
	}
	return leased, nil
}

// Ack permanently removes a delivered message. Idempotent when the message
// is already gone.
func (q *Queue) Ack(ctx context.Context, msgID, token string) error {
	if err := q.store.Ack(ctx, msgID, token); err != nil {
		return fmt.Errorf("queue %s: ack %s: %w", q.cfg.Name, msgID, err)
	}
	q.recorder.Acked(q.cfg.Name)
	return nil
}

// ExtendLease renews a lease while a handler is still running.
func (q *Queue) ExtendLease(ctx context.Context, msgID, token string) (time.Time, error) {
	exp, err := q.store.ExtendLease(ctx, msgID, token, q.cfg.VisibilityTimeout)
	if err != nil {
		return time.Time{}, fmt.Errorf("queue %s: extend lease %s: %w", q.cfg.Name, msgID, err)
	}
	return exp, nil
}

// Nack records a failed delivery. The attempt count is incremented; while it
// stays within MaxRetries the message is re-enqueued with exponential
// backoff, otherwise it transitions to the dead-letter area exactly once.
func (q *Queue) Nack(ctx context.Context, msg *Envelope, token string, cause error) error {
	reason := "unknown failure"
	if cause != nil {
		reason = cause.Error()
	}
	now := time.Now().UTC()

	next := *msg
	next.Attempt = msg.Attempt + 1
	next.LastError = reason
	next.Failures = append(append([]FailureRecord(nil), msg.Failures...), FailureRecord{
		Attempt: next.Attempt,
		Error:   reason,
		At:      now,
	})

	if next.Attempt > q.cfg.MaxRetries {
		if q.cfg.EnableDeadLetter {
			entry := &DeadLetterEntry{
				Envelope:       next,
				QueueName:      q.cfg.Name,
				DeadLetteredAt: now,
			}
			if err := q.store.MoveToDeadLetter(ctx, msg.ID, token, entry); err != nil {
				return fmt.Errorf("queue %s: dead-letter %s: %w", q.cfg.Name, msg.ID, err)
			}
			q.recorder.Nacked(q.cfg.Name, true)
			q.logger.Warn("message dead-lettered",
				log.F("id", msg.ID),
				log.F("type", msg.Type),
				log.F("attempts", next.Attempt),
				log.F("last_error", reason),
			)
			return nil
		}
		// Retry budget spent with no dead-letter channel configured; the
		// message is dropped rather than retried forever.
		if err := q.store.Ack(ctx, msg.ID, token); err != nil {
			return fmt.Errorf("queue %s: drop %s: %w", q.cfg.Name, msg.ID, err)
		}
		q.recorder.Nacked(q.cfg.Name, false)
		q.logger.Error("retry budget exhausted, dead-letter disabled, dropping message",
			log.F("id", msg.ID),
			log.F("type", msg.Type),
			log.F("attempts", next.Attempt),
		)
		return nil
	}

	delay := q.cfg.backoff(next.Attempt)
	if err := q.store.Retry(ctx, msg.ID, token, &next, delay); err != nil {
		return fmt.Errorf("queue %s: retry %s: %w", q.cfg.Name, msg.ID, err)
	}
	q.recorder.Nacked(q.cfg.Name, false)
	q.logger.Debug("message scheduled for retry",
		log.F("id", msg.ID),
		log.F("attempt", next.Attempt),
		log.F("retry_in_ms", delay.Milliseconds()),
		log.F("error", reason),
	)
	return nil
}

// Stats snapshots queue depths from the store.
func (q *Queue) Stats(ctx context.Context) (*Stats, error) {
	return q.store.Stats(ctx)
}

// reclaimPolicy derives the lease-expiry policy from the configuration.
// Expiry is treated as an implicit nack so a crashing handler still reaches
// the dead-letter queue.
func (q *Queue) reclaimPolicy() ReclaimPolicy {
	return ReclaimPolicy{
		ImplicitNack:     true,
		MaxRetries:       q.cfg.MaxRetries,
		EnableDeadLetter: q.cfg.EnableDeadLetter,
	}
}

// ReclaimExpired runs one lease-expiry sweep. Exposed for callers that
// manage their own cadence; StartReclaimer runs it in the background.
func (q *Queue) ReclaimExpired(ctx context.Context, now time.Time) (int, error) {
	n, err := q.store.ReclaimExpired(ctx, now, defaultReclaimBatch, q.reclaimPolicy())
	if err != nil {
		return n, fmt.Errorf("queue %s: reclaim: %w", q.cfg.Name, err)
	}
	if n > 0 {
		q.recorder.Reclaimed(q.cfg.Name, n)
		q.logger.Info("reclaimed expired leases", log.F("count", n))
	}
	return n, nil
}

// StartReclaimer launches the background lease-expiry sweeper.
func (q *Queue) StartReclaimer() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.reclaimStop != nil {
		return
	}
	stop := make(chan struct{})
	q.reclaimStop = stop
	q.reclaimWG.Add(1)
	go func() {
		defer q.reclaimWG.Done()
		rng := rand.New(rand.NewSource(time.Now().UnixNano()))
		interval := q.cfg.ReclaimInterval
		for {
			jitter := time.Duration(rng.Int63n(int64(interval/10 + 1)))
			select {
			case <-stop:
				return
			case <-time.After(interval + jitter):
				if _, err := q.ReclaimExpired(context.Background(), time.Now()); err != nil {
					q.logger.Error("reclaim sweep failed", log.Err(err))
				}
			}
		}
	}()
}

// StopReclaimer stops the background sweeper and waits for it to exit.
func (q *Queue) StopReclaimer() {
	q.mu.Lock()
	stop := q.reclaimStop
	q.reclaimStop = nil
	q.mu.Unlock()
	if stop != nil {
		close(stop)
		q.reclaimWG.Wait()
	}
}
