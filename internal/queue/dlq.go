package queue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/courier-mq/courier/pkg/log"
)

// DeadLetter exposes the operator surface over a queue's dead-letter area:
// inspection, replay, deletion, purge. All state lives in the store; the
// view is safe to use concurrently with running workers.
type DeadLetter struct {
	q      *Queue
	logger log.Logger
}

// DeadLetter returns the dead-letter view of the queue.
func (q *Queue) DeadLetter() *DeadLetter {
	return &DeadLetter{q: q, logger: q.logger.WithComponent("dlq")}
}

// Pagination locates a page within the listed sequence. Total counts the
// whole sequence (matches when a filter is set), not the page.
type Pagination struct {
	Total  int `json:"total"`
	Limit  int `json:"limit"`
	Offset int `json:"offset"`
}

// DeadLetterPage is one page of entries plus an aggregate snapshot of the
// whole dead-letter area and the pagination bookkeeping for the page.
type DeadLetterPage struct {
	Messages   []*DeadLetterEntry `json:"messages"`
	Stats      *DeadLetterStats   `json:"stats"`
	Pagination Pagination         `json:"pagination"`
}

// listScanChunk bounds store reads while evaluating a filter expression.
const listScanChunk = 256

// List pages dead-letter entries newest-first by DeadLetteredAt. filterExpr
// is an optional CEL expression evaluated against each entry (see Filter);
// when set, pagination applies to the filtered sequence.
func (d *DeadLetter) List(ctx context.Context, limit, offset int, filterExpr string) (*DeadLetterPage, error) {
	if limit < 1 {
		limit = 50
	}
	if offset < 0 {
		offset = 0
	}

	filter, err := NewFilter(filterExpr)
	if err != nil {
		return nil, fmt.Errorf("dlq %s: %w", d.q.cfg.Name, err)
	}
	stats, err := d.q.store.DeadLetterStats(ctx)
	if err != nil {
		return nil, fmt.Errorf("dlq %s: list stats: %w", d.q.cfg.Name, err)
	}
	if !filter.Enabled() {
		entries, total, err := d.q.store.ListDeadLetters(ctx, limit, offset)
		if err != nil {
			return nil, fmt.Errorf("dlq %s: list: %w", d.q.cfg.Name, err)
		}
		return &DeadLetterPage{
			Messages:   entries,
			Stats:      stats,
			Pagination: Pagination{Total: total, Limit: limit, Offset: offset},
		}, nil
	}

	// Filtered listing scans the whole area in chunks so the pagination total
	// reflects the number of matches, not the number of stored entries.
	var matched []*DeadLetterEntry
	for scanOff := 0; ; scanOff += listScanChunk {
		entries, _, err := d.q.store.ListDeadLetters(ctx, listScanChunk, scanOff)
		if err != nil {
			return nil, fmt.Errorf("dlq %s: list: %w", d.q.cfg.Name, err)
		}
		for _, e := range entries {
			if filter.Match(e) {
				matched = append(matched, e)
			}
		}
		if len(entries) < listScanChunk {
			break
		}
	}
	page := &DeadLetterPage{
		Stats:      stats,
		Pagination: Pagination{Total: len(matched), Limit: limit, Offset: offset},
	}
	if offset < len(matched) {
		end := offset + limit
		if end > len(matched) {
			end = len(matched)
		}
		page.Messages = matched[offset:end]
	}
	if page.Messages == nil {
		page.Messages = []*DeadLetterEntry{}
	}
	return page, nil
}

// Stats aggregates the dead-letter area.
func (d *DeadLetter) Stats(ctx context.Context) (*DeadLetterStats, error) {
	stats, err := d.q.store.DeadLetterStats(ctx)
	if err != nil {
		return nil, fmt.Errorf("dlq %s: stats: %w", d.q.cfg.Name, err)
	}
	return stats, nil
}

// Replay removes the entry and reinserts a fresh pending message carrying the
// original payload, type, priority, and CreatedAt, with the attempt count
// reset to zero. Returns the new message id. ErrNotFound when the entry was
// already replayed, deleted, or purged.
func (d *DeadLetter) Replay(ctx context.Context, entryID string) (string, error) {
	entry, err := d.q.store.TakeDeadLetter(ctx, entryID)
	if err != nil {
		return "", fmt.Errorf("dlq %s: replay %s: %w", d.q.cfg.Name, entryID, err)
	}

	mid := d.q.ids.Next()
	env := &Envelope{
		ID:        mid.String(),
		Type:      entry.Type,
		Payload:   entry.Payload,
		CreatedAt: entry.CreatedAt,
		Priority:  entry.Priority,
		Attempt:   0,
	}
	if err := d.q.enqueueEnvelope(ctx, env); err != nil {
		// The entry was already taken; put it back so the message is not
		// lost between the two operations.
		if restoreErr := d.q.store.PutDeadLetter(ctx, entry); restoreErr != nil {
			d.logger.Error("replay failed and entry could not be restored",
				log.F("id", entryID),
				log.Err(errors.Join(err, restoreErr)),
			)
		}
		return "", fmt.Errorf("dlq %s: replay %s: %w", d.q.cfg.Name, entryID, err)
	}
	d.q.recorder.Replayed(d.q.cfg.Name)
	d.logger.Info("replayed dead-letter entry",
		log.F("id", entryID),
		log.F("new_id", env.ID),
		log.F("type", env.Type),
	)
	return env.ID, nil
}

// BulkReplayResult reports per-id replay outcomes.
type BulkReplayResult struct {
	Succeeded int               `json:"succeeded"`
	Failed    int               `json:"failed"`
	Errors    map[string]string `json:"errors,omitempty"`
}

// ReplayBulk replays each id independently. A failure is isolated to that
// id's entry in the result; the rest of the batch is still processed.
func (d *DeadLetter) ReplayBulk(ctx context.Context, ids []string) *BulkReplayResult {
	res := &BulkReplayResult{Errors: map[string]string{}}
	for _, entryID := range ids {
		if _, err := d.Replay(ctx, entryID); err != nil {
			res.Failed++
			res.Errors[entryID] = replayReason(err)
			continue
		}
		res.Succeeded++
	}
	return res
}

func replayReason(err error) string {
	if errors.Is(err, ErrNotFound) {
		return "not found"
	}
	return err.Error()
}

// Delete permanently removes one entry, reporting whether it existed.
func (d *DeadLetter) Delete(ctx context.Context, entryID string) (bool, error) {
	existed, err := d.q.store.DeleteDeadLetter(ctx, entryID)
	if err != nil {
		return false, fmt.Errorf("dlq %s: delete %s: %w", d.q.cfg.Name, entryID, err)
	}
	if existed {
		d.logger.Info("deleted dead-letter entry", log.F("id", entryID))
	}
	return existed, nil
}

// Purge permanently removes every entry for the queue. Irreversible.
func (d *DeadLetter) Purge(ctx context.Context) (int, error) {
	start := time.Now()
	n, err := d.q.store.PurgeDeadLetter(ctx)
	if err != nil {
		return n, fmt.Errorf("dlq %s: purge: %w", d.q.cfg.Name, err)
	}
	d.logger.Warn("purged dead-letter queue",
		log.F("removed", n),
		log.F("elapsed_ms", time.Since(start).Milliseconds()),
	)
	return n, nil
}
