// Package runtime wires the backing store, queue registry, scheduler, and
// metrics into a single-node Courier instance. It exposes Open/Close, basic
// health checks, and accessors used by the HTTP server and CLI.
//
// Example:
//
//	cfg := config.Default()
//	cfg.DataDir = "./data"
//	rt, _ := runtime.Open(runtime.Options{Config: cfg})
//	defer rt.Close()
//	_ = rt.CheckHealth(context.Background())
//	q, _ := rt.Queue("default")
//	_, _ = q.Enqueue(context.Background(), "email.send", []byte(`{}`), queue.EnqueueOptions{})
package runtime
