// Package scheduler runs recurring enqueues: fixed-interval jobs that insert
// a templated message into a queue, for periodic work like nightly digests
// or cleanup sweeps.
package scheduler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/courier-mq/courier/internal/queue"
	"github.com/courier-mq/courier/pkg/log"
)

// Job is one recurring enqueue.
type Job struct {
	Name     string
	Every    time.Duration
	Queue    string
	Type     string
	Priority queue.Priority
	Payload  json.RawMessage
}

func (j Job) validate() error {
	if j.Name == "" {
		return errors.New("scheduler: job name required")
	}
	if j.Every < time.Second {
		return fmt.Errorf("scheduler: job %s: interval must be >= 1s, got %s", j.Name, j.Every)
	}
	if j.Queue == "" {
		return fmt.Errorf("scheduler: job %s: queue required", j.Name)
	}
	if j.Type == "" {
		return fmt.Errorf("scheduler: job %s: message type required", j.Name)
	}
	return nil
}

// Scheduler drives a set of jobs against a queue registry. One goroutine per
// job; a small startup jitter avoids thundering herds after a restart.
type Scheduler struct {
	reg    *queue.Registry
	logger log.Logger

	mu      sync.Mutex
	jobs    []Job
	stop    chan struct{}
	wg      sync.WaitGroup
	started bool
}

// New builds a scheduler over reg.
func New(reg *queue.Registry, logger log.Logger) *Scheduler {
	if logger == nil {
		logger = log.NewNop()
	}
	return &Scheduler{
		reg:    reg,
		logger: logger.WithComponent("scheduler"),
	}
}

// Add registers a job. Must be called before Start.
func (s *Scheduler) Add(job Job) error {
	if err := job.validate(); err != nil {
		return err
	}
	if _, ok := s.reg.Get(job.Queue); !ok {
		return fmt.Errorf("scheduler: job %s: unknown queue %q", job.Name, job.Queue)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return errors.New("scheduler: already started")
	}
	s.jobs = append(s.jobs, job)
	return nil
}

// Start launches every registered job.
func (s *Scheduler) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return
	}
	s.started = true
	s.stop = make(chan struct{})
	for _, job := range s.jobs {
		s.wg.Add(1)
		go s.run(job)
	}
	if len(s.jobs) > 0 {
		s.logger.Info("scheduler started", log.F("jobs", len(s.jobs)))
	}
}

// Stop halts all jobs and waits for them to exit.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	stop := s.stop
	s.stop = nil
	started := s.started
	s.started = false
	s.mu.Unlock()
	if !started || stop == nil {
		return
	}
	close(stop)
	s.wg.Wait()
}

func (s *Scheduler) run(job Job) {
	defer s.wg.Done()

	s.mu.Lock()
	stop := s.stop
	s.mu.Unlock()
	if stop == nil {
		return
	}

	jitter := time.Duration(rand.Int63n(int64(job.Every/10 + 1)))
	select {
	case <-stop:
		return
	case <-time.After(jitter):
	}

	ticker := time.NewTicker(job.Every)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			s.fire(job)
		}
	}
}

func (s *Scheduler) fire(job Job) {
	q, ok := s.reg.Get(job.Queue)
	if !ok {
		s.logger.Error("scheduled queue disappeared", log.F("job", job.Name), log.F("queue", job.Queue))
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	msgID, err := q.Enqueue(ctx, job.Type, job.Payload, queue.EnqueueOptions{Priority: job.Priority})
	if err != nil {
		s.logger.Error("scheduled enqueue failed", log.F("job", job.Name), log.Err(err))
		return
	}
	s.logger.Debug("scheduled enqueue",
		log.F("job", job.Name),
		log.F("queue", job.Queue),
		log.F("id", msgID),
	)
}
