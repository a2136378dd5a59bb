package queue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/courier-mq/courier/pkg/log"
)

// Handler processes one message. A nil return acks the message; a non-nil
// return nacks it with the error text as the recorded failure reason. The
// context is cancelled when the pool shuts down or the lease is lost.
type Handler func(ctx context.Context, msg *Envelope) error

// Pool pulls leased batches from a queue and dispatches them to handlers
// registered by message type. Each in-flight message gets its own lease
// renewal loop so handlers slower than the visibility timeout keep their
// exclusivity.
type Pool struct {
	q      *Queue
	logger log.Logger

	mu       sync.RWMutex
	handlers map[string]Handler

	startOnce sync.Once
	stopOnce  sync.Once
	cancel    context.CancelFunc
	done      chan struct{}
}

// NewPool builds a worker pool over q. Handlers must be registered before
// Start.
func NewPool(q *Queue) *Pool {
	return &Pool{
		q:        q,
		logger:   q.logger.WithComponent("worker"),
		handlers: map[string]Handler{},
		done:     make(chan struct{}),
	}
}

// Handle registers the handler for a message type, replacing any previous
// registration.
func (p *Pool) Handle(msgType string, h Handler) {
	p.mu.Lock()
	p.handlers[msgType] = h
	p.mu.Unlock()
}

func (p *Pool) handler(msgType string) (Handler, bool) {
	p.mu.RLock()
	h, ok := p.handlers[msgType]
	p.mu.RUnlock()
	return h, ok
}

// Start launches the dispatcher and worker goroutines. It returns
// immediately; Stop blocks until in-flight work finishes or the shutdown
// grace elapses.
func (p *Pool) Start(ctx context.Context) {
	p.startOnce.Do(func() {
		ctx, p.cancel = context.WithCancel(ctx)
		go p.run(ctx)
	})
}

// Stop cancels polling and waits for in-flight handlers up to the queue's
// shutdown grace. Messages still running after the grace keep their leases
// until the visibility timeout expires, at which point the reclaimer makes
// them dequeuable again.
func (p *Pool) Stop() {
	p.stopOnce.Do(func() {
		if p.cancel == nil {
			// Start never ran, so nothing is in flight and done never closes.
			return
		}
		p.cancel()
		select {
		case <-p.done:
		case <-time.After(p.q.cfg.ShutdownGrace):
			p.logger.Warn("shutdown grace elapsed with handlers still running",
				log.F("grace", p.q.cfg.ShutdownGrace.String()))
		}
	})
}

func (p *Pool) run(ctx context.Context) {
	defer close(p.done)

	work := make(chan Leased)
	g, ctx := errgroup.WithContext(ctx)

	for i := 0; i < p.q.cfg.Concurrency; i++ {
		g.Go(func() error {
			for leased := range work {
				p.process(ctx, leased)
			}
			return nil
		})
	}

	g.Go(func() error {
		defer close(work)
		for {
			batch, err := p.q.DequeueBatch(ctx, p.q.cfg.BatchSize)
			if err != nil {
				if ctx.Err() != nil {
					return nil
				}
				p.logger.Error("dequeue failed", log.Err(err))
				batch = nil
			}
			for _, leased := range batch {
				select {
				case work <- leased:
				case <-ctx.Done():
					return nil
				}
			}
			if len(batch) == p.q.cfg.BatchSize {
				// Backlog present; poll again immediately.
				continue
			}
			select {
			case <-time.After(p.q.cfg.PollInterval):
			case <-ctx.Done():
				return nil
			}
		}
	})

	_ = g.Wait()
}

// process runs one leased message through its handler, renewing the lease
// while the handler runs.
func (p *Pool) process(ctx context.Context, leased Leased) {
	msg := leased.Envelope

	// Handler context is severed from the poll context so an in-flight
	// message can drain during shutdown, but is cancelled if the lease is
	// lost mid-run.
	hctx, hcancel := context.WithCancel(context.WithoutCancel(ctx))
	defer hcancel()

	renewDone := make(chan struct{})
	go p.renewLoop(hctx, hcancel, msg.ID, leased.Token, renewDone)

	start := time.Now()
	err := p.invoke(hctx, msg)
	hcancel()
	<-renewDone
	outcome := "ack"
	if err != nil {
		outcome = "nack"
	}
	p.q.recorder.HandlerDuration(p.q.cfg.Name, msg.Type, time.Since(start), outcome)

	// Completion calls use a fresh context; the poll context may already be
	// cancelled during shutdown.
	cctx, ccancel := context.WithTimeout(context.Background(), p.q.cfg.VisibilityTimeout)
	defer ccancel()

	if err == nil {
		if ackErr := p.q.Ack(cctx, msg.ID, leased.Token); ackErr != nil && !errors.Is(ackErr, ErrLeaseLost) {
			p.logger.Error("ack failed", log.F("id", msg.ID), log.Err(ackErr))
		}
		return
	}
	if errors.Is(err, ErrLeaseLost) {
		// Another claimer owns the message now; nothing to complete.
		p.logger.Warn("lease lost mid-handler", log.F("id", msg.ID), log.F("type", msg.Type))
		return
	}
	if nackErr := p.q.Nack(cctx, msg, leased.Token, err); nackErr != nil && !errors.Is(nackErr, ErrLeaseLost) {
		p.logger.Error("nack failed", log.F("id", msg.ID), log.Err(nackErr))
	}
}

// invoke dispatches to the registered handler, converting panics into
// ordinary failures so one bad message cannot take down the pool.
func (p *Pool) invoke(ctx context.Context, msg *Envelope) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
			p.logger.Error("handler panicked",
				log.F("id", msg.ID),
				log.F("type", msg.Type),
				log.F("panic", fmt.Sprint(r)),
			)
		}
	}()

	h, ok := p.handler(msg.Type)
	if !ok {
		return fmt.Errorf("no handler registered for type %q", msg.Type)
	}
	return h(ctx, msg)
}

// renewLoop extends the lease at half the visibility timeout until the
// handler context is cancelled. Losing the lease cancels the handler.
func (p *Pool) renewLoop(ctx context.Context, cancel context.CancelFunc, id, token string, done chan<- struct{}) {
	defer close(done)

	interval := p.q.cfg.VisibilityTimeout / 2
	if interval < time.Millisecond {
		interval = time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := p.q.ExtendLease(ctx, id, token); err != nil {
				if errors.Is(err, ErrLeaseLost) || errors.Is(err, ErrNotFound) {
					p.logger.Warn("lease renewal lost", log.F("id", id))
					cancel()
					return
				}
				if ctx.Err() != nil {
					return
				}
				// Transient store error; keep the message running and retry
				// on the next tick.
				p.logger.Warn("lease renewal failed", log.F("id", id), log.Err(err))
			}
		}
	}
}
