// Package queue provides the durable submission queue, the analytics
// batcher, and the sync engine that drains both to the remote endpoints.
package queue

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/AtRiskMedia/surveykiosk-go/logging"
	"github.com/AtRiskMedia/surveykiosk-go/models"
	"github.com/AtRiskMedia/surveykiosk-go/store"
	"github.com/oklog/ulid/v2"
)

// SubmissionQueue is an ordered, durable list of survey submissions awaiting
// delivery. Enqueue is synchronous and always succeeds unless the durable
// store itself errors; on capacity overflow the oldest record is evicted,
// trading durability of the oldest data for availability of the store.
//
// All exported methods acquire mu for the full read-modify-write of their
// store keys; removeByIDsLocked assumes the caller already holds mu.
type SubmissionQueue struct {
	store  *store.Store
	max    int
	logger *logging.ChanneledLogger

	// Guards every read-modify-write of the queue and quarantine keys so
	// the store stays single-writer-at-a-time per logical key.
	mu sync.Mutex
}

// NewSubmissionQueue creates a submission queue over the durable store.
func NewSubmissionQueue(st *store.Store, maxSize int, logger *logging.ChanneledLogger) *SubmissionQueue {
	return &SubmissionQueue{store: st, max: maxSize, logger: logger}
}

func (q *SubmissionQueue) load() ([]models.QueueRecord, error) {
	var records []models.QueueRecord
	if _, err := q.store.Get(models.KeySurveyQueue, &records); err != nil {
		return nil, err
	}
	return records, nil
}

func (q *SubmissionQueue) save(records []models.QueueRecord) error {
	return q.store.Set(models.KeySurveyQueue, records)
}

// Enqueue appends a submission. An empty id gets a fresh ULID; the id is
// assigned once here and never reused. A record whose id is already queued
// is deduplicated, not appended twice.
func (q *SubmissionQueue) Enqueue(id string, payload json.RawMessage) (models.QueueRecord, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	records, err := q.load()
	if err != nil {
		return models.QueueRecord{}, err
	}

	if id == "" {
		id = ulid.Make().String()
	}

	for _, existing := range records {
		if existing.ID == id {
			q.logger.Queue().Debug("Duplicate submission ignored", "id", id)
			return existing, nil
		}
	}

	record := models.QueueRecord{
		ID:        id,
		Payload:   payload,
		CreatedAt: time.Now().UTC(),
	}
	records = append(records, record)

	if len(records) > q.max {
		evicted := records[:len(records)-q.max]
		records = records[len(records)-q.max:]
		for _, old := range evicted {
			q.logger.Queue().Warn("Capacity eviction dropped oldest record", "id", old.ID)
		}
	}

	if err := q.save(records); err != nil {
		return models.QueueRecord{}, err
	}

	q.logger.Queue().Info("Submission enqueued", "id", record.ID, "queueDepth", len(records))
	return record, nil
}

// Snapshot returns the full current queue.
func (q *SubmissionQueue) Snapshot() ([]models.QueueRecord, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.load()
}

// Len reports the current queue depth.
func (q *SubmissionQueue) Len() (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	records, err := q.load()
	if err != nil {
		return 0, err
	}
	return len(records), nil
}

// RemoveByIDs removes exactly the records whose id appears in ids, reloading
// the live queue first so records enqueued after a snapshot was taken are
// retained. This is the partial-success reconciliation contract: only
// server-confirmed ids leave the queue.
func (q *SubmissionQueue) RemoveByIDs(ids []string) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.removeByIDsLocked(ids)
}

func (q *SubmissionQueue) removeByIDsLocked(ids []string) (int, error) {
	records, err := q.load()
	if err != nil {
		return 0, err
	}

	confirmed := make(map[string]bool, len(ids))
	for _, id := range ids {
		confirmed[id] = true
	}

	kept := records[:0]
	removed := 0
	for _, record := range records {
		if confirmed[record.ID] {
			removed++
			continue
		}
		kept = append(kept, record)
	}

	if removed == 0 {
		return 0, nil
	}
	if err := q.save(kept); err != nil {
		return 0, err
	}
	return removed, nil
}

// Quarantine moves records out of the live queue into the quarantine list.
// Quarantined data is never deleted automatically; it stays visible until an
// operator clears it.
func (q *SubmissionQueue) Quarantine(records []models.QueueRecord, reason string) error {
	if len(records) == 0 {
		return nil
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	var quarantined []models.QuarantinedRecord
	if _, err := q.store.Get(models.KeyQuarantineQueue, &quarantined); err != nil {
		return err
	}

	now := time.Now().UTC()
	ids := make([]string, 0, len(records))
	for _, record := range records {
		quarantined = append(quarantined, models.QuarantinedRecord{
			Record:        record,
			Reason:        reason,
			QuarantinedAt: now,
		})
		if record.ID != "" {
			ids = append(ids, record.ID)
		}
	}

	if err := q.store.Set(models.KeyQuarantineQueue, quarantined); err != nil {
		return err
	}

	if len(ids) == len(records) {
		if _, err := q.removeByIDsLocked(ids); err != nil {
			return err
		}
	} else {
		// Records with no id cannot be matched by id; rewrite the queue
		// keeping only records that validate, plus valid records not named
		// in this quarantine set.
		live, err := q.load()
		if err != nil {
			return err
		}
		confirmed := make(map[string]bool, len(ids))
		for _, id := range ids {
			confirmed[id] = true
		}
		kept := live[:0]
		for _, record := range live {
			if record.Validate() == nil && !confirmed[record.ID] {
				kept = append(kept, record)
			}
		}
		if err := q.save(kept); err != nil {
			return err
		}
	}

	q.logger.Queue().Warn("Records quarantined", "count", len(records), "reason", reason)
	return nil
}

// QuarantineLen reports the number of quarantined records.
func (q *SubmissionQueue) QuarantineLen() (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	var quarantined []models.QuarantinedRecord
	if _, err := q.store.Get(models.KeyQuarantineQueue, &quarantined); err != nil {
		return 0, err
	}
	return len(quarantined), nil
}

// ClearQuarantine discards all quarantined records. Operator-initiated only.
func (q *SubmissionQueue) ClearQuarantine() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.store.Delete(models.KeyQuarantineQueue)
}
