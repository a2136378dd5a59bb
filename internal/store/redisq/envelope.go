package redisq

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/courier-mq/courier/internal/queue"
)

// A stored message is split across two hash fields so that scripts can
// rewrite delivery bookkeeping without re-serializing the payload. cjson
// cannot round-trip an opaque document (empty arrays re-encode as objects,
// integers above 2^53 lose precision), so the payload-bearing body is
// written once at enqueue and only ever copied verbatim afterwards.

// envelopeBody is the immutable half.
type envelopeBody struct {
	ID        string          `json:"id"`
	Type      string          `json:"type"`
	Payload   json.RawMessage `json:"payload"`
	CreatedAt time.Time       `json:"createdAt"`
	Priority  queue.Priority  `json:"priority"`
}

// deliveryState is the mutable half. It carries no payload, so Lua may
// decode and re-encode it freely.
type deliveryState struct {
	Attempt   int                   `json:"attempt"`
	LastError string                `json:"lastError,omitempty"`
	Failures  []queue.FailureRecord `json:"failureHistory,omitempty"`
}

func splitEnvelope(env *queue.Envelope) (body, state []byte, err error) {
	body, err = codec.Marshal(envelopeBody{
		ID:        env.ID,
		Type:      env.Type,
		Payload:   env.Payload,
		CreatedAt: env.CreatedAt,
		Priority:  env.Priority,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("marshal body: %w", err)
	}
	state, err = marshalDeliveryState(env)
	if err != nil {
		return nil, nil, err
	}
	return body, state, nil
}

func joinEnvelope(body, state []byte) (*queue.Envelope, error) {
	var b envelopeBody
	if err := codec.Unmarshal(body, &b); err != nil {
		return nil, fmt.Errorf("unmarshal body: %w", err)
	}
	env := &queue.Envelope{
		ID:        b.ID,
		Type:      b.Type,
		Payload:   b.Payload,
		CreatedAt: b.CreatedAt,
		Priority:  b.Priority,
	}
	if len(state) > 0 {
		var d deliveryState
		if err := codec.Unmarshal(state, &d); err != nil {
			return nil, fmt.Errorf("unmarshal delivery state: %w", err)
		}
		env.Attempt = d.Attempt
		env.LastError = d.LastError
		env.Failures = d.Failures
	}
	return env, nil
}

func marshalDeliveryState(env *queue.Envelope) ([]byte, error) {
	b, err := codec.Marshal(deliveryState{
		Attempt:   env.Attempt,
		LastError: env.LastError,
		Failures:  env.Failures,
	})
	if err != nil {
		return nil, fmt.Errorf("marshal delivery state: %w", err)
	}
	return b, nil
}
