package serverrun

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	cfgpkg "github.com/courier-mq/courier/internal/config"
	"github.com/courier-mq/courier/internal/runtime"
	httpserver "github.com/courier-mq/courier/internal/server/http"
	logpkg "github.com/courier-mq/courier/pkg/log"
)

type Options struct {
	Config cfgpkg.Config
}

// Run starts the broker and its HTTP server, blocking until ctx is
// cancelled or a termination signal arrives.
func Run(ctx context.Context, opts Options) error {
	// Be robust to callers that don't pass a signal-aware context. We layer
	// a local signal context over the provided one.
	sctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg := opts.Config

	level, err := logpkg.ParseLevel(cfg.LogLevel)
	if err != nil {
		return err
	}
	procLogger := logpkg.NewLogger(logpkg.WithLevel(level), logpkg.WithFormat(cfg.LogFormat))

	rt, err := runtime.Open(runtime.Options{Config: cfg, Logger: procLogger.WithComponent("runtime")})
	if err != nil {
		return err
	}
	defer rt.Close()

	procLogger.Info("starting courier server",
		logpkg.F("http", cfg.HTTPListen),
		logpkg.F("store", cfg.Store),
		logpkg.F("level", cfg.LogLevel),
		logpkg.F("format", cfg.LogFormat),
	)

	hsrv := httpserver.New(rt, procLogger.WithComponent("http"))
	errCh := make(chan error, 1)
	go func() { errCh <- hsrv.ListenAndServe(sctx, cfg.HTTPListen) }()

	select {
	case <-sctx.Done():
		hsrv.Close()
		<-errCh
		return nil
	case err := <-errCh:
		return err
	}
}
