// Package config provides loading and environment overlay for Courier
// runtime configuration. It exposes a Default() baseline, JSON file loading,
// and a COURIER_* environment overlay.
//
// Example:
//
//	cfg, err := config.Load("/etc/courier.json")
//	if err != nil { /* handle */ }
//	if err := config.FromEnv(&cfg); err != nil { /* handle */ }
//	rt, _ := runtime.Open(runtime.Options{Config: cfg})
//	defer rt.Close()
package config
