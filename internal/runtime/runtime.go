package runtime

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	cfgpkg "github.com/courier-mq/courier/internal/config"
	"github.com/courier-mq/courier/internal/metrics"
	"github.com/courier-mq/courier/internal/queue"
	"github.com/courier-mq/courier/internal/scheduler"
	pebblestore "github.com/courier-mq/courier/internal/storage/pebble"
	"github.com/courier-mq/courier/internal/store/pebbledb"
	"github.com/courier-mq/courier/internal/store/redisq"
	"github.com/courier-mq/courier/pkg/log"
)

// Options for building the Runtime.
type Options struct {
	Config cfgpkg.Config
	Logger log.Logger
}

// Runtime wires the backing store, queue registry, scheduler, and metrics
// for a single-node instance.
type Runtime struct {
	cfg    cfgpkg.Config
	logger log.Logger

	db  *pebblestore.DB       // set when Store == "pebble"
	rdb redis.UniversalClient // set when Store == "redis"

	recorder *metrics.Recorder
	registry *queue.Registry
	sched    *scheduler.Scheduler
}

// Open initializes storage, opens every configured queue, and starts the
// schedules.
func Open(opts Options) (*Runtime, error) {
	logger := opts.Logger
	if logger == nil {
		logger = log.NewNop()
	}
	cfg := opts.Config

	rt := &Runtime{cfg: cfg, logger: logger}
	if cfg.EnableMetrics {
		rt.recorder = metrics.New()
	}

	var opener queue.StoreOpener
	switch cfg.Store {
	case "", "pebble":
		dataDir := cfg.DataDir
		if dataDir == "" {
			dataDir = cfgpkg.DefaultDataDir()
		}
		fsync, err := pebblestore.ParseFsyncMode(cfg.Fsync)
		if err != nil {
			return nil, err
		}
		pebbleOpts := pebblestore.Options{DataDir: dataDir, Fsync: fsync}
		if rt.recorder != nil {
			pebbleOpts.Metrics = rt.recorder
		}
		db, err := pebblestore.Open(pebbleOpts)
		if err != nil {
			return nil, fmt.Errorf("runtime: open pebble at %s: %w", dataDir, err)
		}
		rt.db = db
		opener = func(qcfg queue.Config) (queue.Store, error) {
			return pebbledb.New(db, qcfg.Name, logger), nil
		}
		logger.Info("opened embedded store", log.F("dataDir", dataDir), log.F("fsync", cfg.Fsync))
	case "redis":
		rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		pingCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := rdb.Ping(pingCtx).Err(); err != nil {
			_ = rdb.Close()
			return nil, fmt.Errorf("runtime: redis at %s: %w", cfg.RedisAddr, err)
		}
		rt.rdb = rdb
		opener = func(qcfg queue.Config) (queue.Store, error) {
			return redisq.New(rdb, qcfg.Name, logger), nil
		}
		logger.Info("connected to redis store", log.F("addr", cfg.RedisAddr))
	default:
		return nil, fmt.Errorf("runtime: unknown store %q (want pebble or redis)", cfg.Store)
	}

	var rec queue.Recorder
	if rt.recorder != nil {
		rec = rt.recorder
	}
	rt.registry = queue.NewRegistry(opener, logger, rec)

	specs := cfg.Queues
	if len(specs) == 0 {
		specs = []cfgpkg.QueueSpec{{Name: "default"}}
	}
	for _, spec := range specs {
		if _, err := rt.registry.Open(cfg.QueueConfig(spec)); err != nil {
			rt.Close()
			return nil, err
		}
	}

	rt.sched = scheduler.New(rt.registry, logger)
	for _, sch := range cfg.Schedules {
		prio, err := queue.ParsePriority(sch.Priority)
		if err != nil {
			rt.Close()
			return nil, fmt.Errorf("runtime: schedule %s: %w", sch.Name, err)
		}
		job := scheduler.Job{
			Name:     sch.Name,
			Every:    time.Duration(sch.Every),
			Queue:    sch.Queue,
			Type:     sch.Type,
			Priority: prio,
			Payload:  sch.Payload,
		}
		if err := rt.sched.Add(job); err != nil {
			rt.Close()
			return nil, err
		}
	}
	rt.sched.Start()

	return rt, nil
}

// Close stops schedules and queues, then releases storage.
func (r *Runtime) Close() error {
	var errs []error
	if r.sched != nil {
		r.sched.Stop()
	}
	if r.registry != nil {
		if err := r.registry.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if r.db != nil {
		if err := r.db.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if r.rdb != nil {
		if err := r.rdb.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// CheckHealth verifies the backing store answers.
func (r *Runtime) CheckHealth(ctx context.Context) error {
	switch {
	case r.db != nil:
		it, err := r.db.NewIter(nil)
		if err != nil {
			return err
		}
		return it.Close()
	case r.rdb != nil:
		return r.rdb.Ping(ctx).Err()
	default:
		return errors.New("runtime: no store open")
	}
}

// Registry returns the queue registry.
func (r *Runtime) Registry() *queue.Registry { return r.registry }

// Queue returns an open queue by name.
func (r *Runtime) Queue(name string) (*queue.Queue, bool) { return r.registry.Get(name) }

// Metrics returns the Prometheus recorder, nil when metrics are disabled.
func (r *Runtime) Metrics() *metrics.Recorder { return r.recorder }

// Config returns the runtime configuration.
func (r *Runtime) Config() cfgpkg.Config { return r.cfg }
