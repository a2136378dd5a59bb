package config

import (
	"fmt"
	"reflect"
	"time"

	"github.com/caarlos0/env/v11"
)

// FromEnv overlays COURIER_* environment variables onto cfg. Variables that
// are unset leave the corresponding field untouched.
func FromEnv(cfg *Config) error {
	opts := env.Options{
		FuncMap: map[reflect.Type]env.ParserFunc{
			reflect.TypeOf(Duration(0)): parseDuration,
		},
	}
	if err := env.ParseWithOptions(cfg, opts); err != nil {
		return fmt.Errorf("config: env: %w", err)
	}
	return nil
}

func parseDuration(v string) (interface{}, error) {
	d, err := time.ParseDuration(v)
	if err != nil {
		return nil, fmt.Errorf("bad duration %q: %w", v, err)
	}
	return Duration(d), nil
}
