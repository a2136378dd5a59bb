package queue

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/courier-mq/courier/pkg/log"
)

// StoreOpener builds the persistence for one named queue. Implementations
// typically share a single backend (one Pebble database, one Redis client)
// and scope keys by queue name.
type StoreOpener func(cfg Config) (Store, error)

// Registry owns the set of named queues sharing one backend. Queues are
// created on first open and reused afterwards; Close tears down every queue
// and its store.
type Registry struct {
	open     StoreOpener
	logger   log.Logger
	recorder Recorder

	mu     sync.RWMutex
	queues map[string]*Queue
	closed bool
}

// NewRegistry builds a registry that opens stores via open. recorder may be
// nil.
func NewRegistry(open StoreOpener, logger log.Logger, recorder Recorder) *Registry {
	if logger == nil {
		logger = log.NewNop()
	}
	return &Registry{
		open:     open,
		logger:   logger,
		recorder: recorder,
		queues:   map[string]*Queue{},
	}
}

// Open returns the queue named in cfg, creating it on first use. A second
// open of the same name returns the existing queue and ignores the new
// configuration. The new queue's reclaimer is started before it is returned.
func (r *Registry) Open(cfg Config) (*Queue, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil, errors.New("registry: closed")
	}
	if q, ok := r.queues[cfg.Name]; ok {
		return q, nil
	}

	store, err := r.open(cfg)
	if err != nil {
		return nil, fmt.Errorf("registry: open store for %s: %w", cfg.Name, err)
	}
	opts := []Option{}
	if r.recorder != nil {
		opts = append(opts, WithRecorder(r.recorder))
	}
	q, err := New(cfg, store, r.logger, opts...)
	if err != nil {
		store.Close()
		return nil, err
	}
	q.StartReclaimer()
	r.queues[cfg.Name] = q
	r.logger.Info("opened queue",
		log.F("queue", cfg.Name),
		log.F("type", cfg.Type),
		log.F("maxRetries", cfg.MaxRetries),
	)
	return q, nil
}

// Get returns an already-open queue.
func (r *Registry) Get(name string) (*Queue, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	q, ok := r.queues[name]
	return q, ok
}

// Names lists open queues sorted by name.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.queues))
	for name := range r.queues {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Close stops every queue's reclaimer and closes its store. The registry
// rejects opens afterwards.
func (r *Registry) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil
	}
	r.closed = true

	var errs []error
	for name, q := range r.queues {
		q.StopReclaimer()
		if err := q.store.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close %s: %w", name, err))
		}
	}
	return errors.Join(errs...)
}
