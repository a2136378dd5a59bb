package queue

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/cel-go/cel"
)

// Filter wraps a compiled CEL program evaluated against dead-letter entries
// during listing. When built from an empty expression it matches everything.
type Filter struct {
	prog    cel.Program
	enabled bool
}

// NewFilter compiles expr into a Filter. Available variables:
//
//	id               string  message id
//	type             string  message type
//	queue            string  queue name
//	attempt          int     attempt count at dead-letter time
//	last_error       string  final failure reason
//	failures         int     length of the failure history
//	json             dyn     parsed JSON payload
//	dead_lettered_ms int     dead-letter timestamp, epoch millis
//	now_ms           int     current time, epoch millis
func NewFilter(expr string) (Filter, error) {
	expr = strings.TrimSpace(expr)
	if expr == "" {
		return Filter{enabled: false}, nil
	}
	env, err := cel.NewEnv(
		cel.Variable("id", cel.StringType),
		cel.Variable("type", cel.StringType),
		cel.Variable("queue", cel.StringType),
		cel.Variable("attempt", cel.IntType),
		cel.Variable("last_error", cel.StringType),
		cel.Variable("failures", cel.IntType),
		cel.Variable("json", cel.DynType),
		cel.Variable("dead_lettered_ms", cel.IntType),
		cel.Variable("now_ms", cel.IntType),
	)
	if err != nil {
		return Filter{}, fmt.Errorf("filter env: %w", err)
	}
	ast, iss := env.Parse(expr)
	if iss != nil && iss.Err() != nil {
		return Filter{}, fmt.Errorf("filter parse: %w", iss.Err())
	}
	checked, iss2 := env.Check(ast)
	if iss2 != nil && iss2.Err() != nil {
		return Filter{}, fmt.Errorf("filter check: %w", iss2.Err())
	}
	prog, err := env.Program(checked)
	if err != nil {
		return Filter{}, fmt.Errorf("filter program: %w", err)
	}
	return Filter{prog: prog, enabled: true}, nil
}

// Enabled reports whether a non-empty expression was compiled.
func (f Filter) Enabled() bool { return f.enabled }

// Match evaluates the expression against one entry. Evaluation errors
// (e.g. a field access on a non-JSON payload) count as no match.
func (f Filter) Match(entry *DeadLetterEntry) bool {
	if !f.enabled {
		return true
	}
	var jsonObj any
	_ = codec.Unmarshal(entry.Payload, &jsonObj)
	out, _, err := f.prog.Eval(map[string]any{
		"id":               entry.ID,
		"type":             entry.Type,
		"queue":            entry.QueueName,
		"attempt":          int64(entry.Attempt),
		"last_error":       entry.LastError,
		"failures":         int64(len(entry.Failures)),
		"json":             jsonObj,
		"dead_lettered_ms": entry.DeadLetteredAt.UnixMilli(),
		"now_ms":           time.Now().UnixMilli(),
	})
	if err != nil {
		return false
	}
	b, ok := out.Value().(bool)
	return ok && b
}
