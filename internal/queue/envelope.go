package queue

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"hash/crc32"
	"time"

	jsoniter "github.com/json-iterator/go"
)

var codec = jsoniter.ConfigCompatibleWithStandardLibrary

// Priority is a scheduling hint consulted when ordering ready messages.
// It is not a hard guarantee.
type Priority string

// Priorities, highest first.
const (
	PriorityHigh   Priority = "high"
	PriorityNormal Priority = "normal"
	PriorityLow    Priority = "low"
)

// ParsePriority maps a string onto a Priority, defaulting to normal.
func ParsePriority(s string) (Priority, error) {
	switch Priority(s) {
	case PriorityHigh, PriorityNormal, PriorityLow:
		return Priority(s), nil
	case "":
		return PriorityNormal, nil
	default:
		return PriorityNormal, fmt.Errorf("queue: unknown priority %q", s)
	}
}

// Rank returns the dequeue rank of the priority: 0 dequeues first.
func (p Priority) Rank() uint8 {
	switch p {
	case PriorityHigh:
		return 0
	case PriorityLow:
		return 2
	default:
		return 1
	}
}

// FailureRecord captures one failed delivery attempt.
type FailureRecord struct {
	Attempt int       `json:"attempt"`
	Error   string    `json:"error"`
	At      time.Time `json:"timestamp"`
}

// Envelope is the serializable unit of work. The queue never inspects the
// payload; type safety is the producer/consumer pair's concern for a given
// Type tag.
type Envelope struct {
	ID        string          `json:"id"`
	Type      string          `json:"type"`
	Payload   json.RawMessage `json:"payload"`
	CreatedAt time.Time       `json:"createdAt"`
	Priority  Priority        `json:"priority"`
	Attempt   int             `json:"attempt"`
	LastError string          `json:"lastError,omitempty"`
	Failures  []FailureRecord `json:"failureHistory,omitempty"`
}

// DeadLetterEntry is the snapshot written when a message exhausts its retry
// budget. Created exactly once per message; mutated only by dead-letter
// operations afterwards.
type DeadLetterEntry struct {
	Envelope
	QueueName      string    `json:"queueName"`
	DeadLetteredAt time.Time `json:"deadLetteredAt"`
}

// MarshalEnvelope serializes an envelope to plain JSON.
func MarshalEnvelope(env *Envelope) ([]byte, error) {
	b, err := codec.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("queue: marshal envelope: %w", err)
	}
	return b, nil
}

// UnmarshalEnvelope is the inverse of MarshalEnvelope.
func UnmarshalEnvelope(b []byte) (*Envelope, error) {
	var env Envelope
	if err := codec.Unmarshal(b, &env); err != nil {
		return nil, fmt.Errorf("queue: unmarshal envelope: %w", err)
	}
	return &env, nil
}

// MarshalDeadLetter serializes a dead-letter entry to plain JSON.
func MarshalDeadLetter(e *DeadLetterEntry) ([]byte, error) {
	b, err := codec.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("queue: marshal dead letter: %w", err)
	}
	return b, nil
}

// UnmarshalDeadLetter is the inverse of MarshalDeadLetter.
func UnmarshalDeadLetter(b []byte) (*DeadLetterEntry, error) {
	var e DeadLetterEntry
	if err := codec.Unmarshal(b, &e); err != nil {
		return nil, fmt.Errorf("queue: unmarshal dead letter: %w", err)
	}
	return &e, nil
}

// Stored record framing: len(4B BE) | body | crc32c(body). Backends that own
// raw byte values (Pebble) use the frame to detect torn or corrupt records.

var castagnoli = crc32.MakeTable(crc32.Castagnoli)

// EncodeFrame wraps body in a length+checksum frame.
func EncodeFrame(body []byte) []byte {
	out := make([]byte, 0, 4+len(body)+4)
	var lb [4]byte
	binary.BigEndian.PutUint32(lb[:], uint32(len(body)))
	out = append(out, lb[:]...)
	out = append(out, body...)
	var cb [4]byte
	binary.BigEndian.PutUint32(cb[:], crc32.Checksum(body, castagnoli))
	return append(out, cb[:]...)
}

// DecodeFrame unwraps a frame produced by EncodeFrame, verifying the checksum.
func DecodeFrame(b []byte) ([]byte, bool) {
	if len(b) < 8 {
		return nil, false
	}
	n := binary.BigEndian.Uint32(b[:4])
	if int(4+n+4) != len(b) {
		return nil, false
	}
	body := b[4 : 4+n]
	want := binary.BigEndian.Uint32(b[len(b)-4:])
	if crc32.Checksum(body, castagnoli) != want {
		return nil, false
	}
	return append([]byte(nil), body...), true
}
