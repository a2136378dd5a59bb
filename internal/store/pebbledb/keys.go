package pebbledb

import "encoding/binary"

// Key layout under one queue's prefix. Message ids are 32-char hex strings
// that sort by creation time, so plain byte order gives FIFO within an index.
//
//	q/{queue}/msg/{id}                    message envelope (framed)
//	q/{queue}/ready/{rank}/{id}           dequeue order: priority rank then id
//	q/{queue}/delay/{readyAtMs}/{id}      delayed until readyAtMs
//	q/{queue}/lease/{id}                  active lease record
//	q/{queue}/lease_idx/{expiresMs}/{id}  lease expiry scan order
//	q/{queue}/dlq/{id}                    dead-letter entry (framed)
//	q/{queue}/dlq_idx/{deadAtMs}/{id}     dead-letter arrival order
const (
	prefixMsg      = "msg/"
	prefixReady    = "ready/"
	prefixDelay    = "delay/"
	prefixLease    = "lease/"
	prefixLeaseIdx = "lease_idx/"
	prefixDLQ      = "dlq/"
	prefixDLQIdx   = "dlq_idx/"
)

// idLen is the fixed length of a message id in index keys.
const idLen = 32

func queuePrefix(queue string) string {
	return "q/" + queue + "/"
}

func msgKey(queue, id string) []byte {
	return []byte(queuePrefix(queue) + prefixMsg + id)
}

func readyKey(queue string, rank uint8, id string) []byte {
	prefix := queuePrefix(queue) + prefixReady
	key := make([]byte, len(prefix)+1+len(id))
	copy(key, prefix)
	key[len(prefix)] = rank
	copy(key[len(prefix)+1:], id)
	return key
}

func readyPrefix(queue string) []byte {
	return []byte(queuePrefix(queue) + prefixReady)
}

func delayKey(queue string, readyAtMs int64, id string) []byte {
	prefix := queuePrefix(queue) + prefixDelay
	key := make([]byte, len(prefix)+8+len(id))
	copy(key, prefix)
	binary.BigEndian.PutUint64(key[len(prefix):], uint64(readyAtMs))
	copy(key[len(prefix)+8:], id)
	return key
}

func delayPrefix(queue string) []byte {
	return []byte(queuePrefix(queue) + prefixDelay)
}

func leaseKey(queue, id string) []byte {
	return []byte(queuePrefix(queue) + prefixLease + id)
}

func leasePrefix(queue string) []byte {
	return []byte(queuePrefix(queue) + prefixLease)
}

func leaseIdxKey(queue string, expiresMs int64, id string) []byte {
	prefix := queuePrefix(queue) + prefixLeaseIdx
	key := make([]byte, len(prefix)+8+len(id))
	copy(key, prefix)
	binary.BigEndian.PutUint64(key[len(prefix):], uint64(expiresMs))
	copy(key[len(prefix)+8:], id)
	return key
}

func leaseIdxPrefix(queue string) []byte {
	return []byte(queuePrefix(queue) + prefixLeaseIdx)
}

func dlqKey(queue, id string) []byte {
	return []byte(queuePrefix(queue) + prefixDLQ + id)
}

func dlqPrefix(queue string) []byte {
	return []byte(queuePrefix(queue) + prefixDLQ)
}

func dlqIdxKey(queue string, deadAtMs int64, id string) []byte {
	prefix := queuePrefix(queue) + prefixDLQIdx
	key := make([]byte, len(prefix)+8+len(id))
	copy(key, prefix)
	binary.BigEndian.PutUint64(key[len(prefix):], uint64(deadAtMs))
	copy(key[len(prefix)+8:], id)
	return key
}

func dlqIdxPrefix(queue string) []byte {
	return []byte(queuePrefix(queue) + prefixDLQIdx)
}

// idFromIndexKey extracts the trailing message id from an index key.
func idFromIndexKey(key []byte) string {
	if len(key) < idLen {
		return ""
	}
	return string(key[len(key)-idLen:])
}

// timeFromIndexKey extracts the 8-byte big-endian millis that precede the id
// in delay, lease_idx, and dlq_idx keys.
func timeFromIndexKey(key []byte) int64 {
	if len(key) < idLen+8 {
		return 0
	}
	return int64(binary.BigEndian.Uint64(key[len(key)-idLen-8 : len(key)-idLen]))
}
