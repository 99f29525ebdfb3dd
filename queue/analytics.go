package queue

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/AtRiskMedia/surveykiosk-go/logging"
	"github.com/AtRiskMedia/surveykiosk-go/models"
	"github.com/AtRiskMedia/surveykiosk-go/store"
)

// AnalyticsBatcher is the parallel durable list of telemetry events.
// Events are append-only and never individually acknowledged: the batch is
// cleared only on full-batch success, and fully retained on any failure.
type AnalyticsBatcher struct {
	store  *store.Store
	max    int
	logger *logging.ChanneledLogger

	mu sync.Mutex
}

// NewAnalyticsBatcher creates an analytics batcher over the durable store.
func NewAnalyticsBatcher(st *store.Store, maxSize int, logger *logging.ChanneledLogger) *AnalyticsBatcher {
	return &AnalyticsBatcher{store: st, max: maxSize, logger: logger}
}

func (b *AnalyticsBatcher) load() ([]models.AnalyticsEvent, error) {
	var events []models.AnalyticsEvent
	if _, err := b.store.Get(models.KeyAnalyticsQueue, &events); err != nil {
		return nil, err
	}
	return events, nil
}

// Append records one telemetry event. Malformed events are rejected at the
// store boundary rather than filtered at send time.
func (b *AnalyticsBatcher) Append(event models.AnalyticsEvent) error {
	if err := event.Validate(); err != nil {
		return models.NewSyncError(models.ErrValidation, "analytics.append", err)
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	events, err := b.load()
	if err != nil {
		return err
	}

	events = append(events, event)
	if len(events) > b.max {
		dropped := len(events) - b.max
		events = events[dropped:]
		b.logger.Analytics().Warn("Capacity eviction dropped oldest events", "count", dropped)
	}

	if err := b.store.Set(models.KeyAnalyticsQueue, events); err != nil {
		return err
	}

	b.logger.Analytics().Debug("Analytics event recorded",
		"eventType", event.EventType, "sessionId", event.SessionID, "batchDepth", len(events))
	return nil
}

// Snapshot returns the full current batch.
func (b *AnalyticsBatcher) Snapshot() ([]models.AnalyticsEvent, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.load()
}

// Len reports the current batch depth.
func (b *AnalyticsBatcher) Len() (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	events, err := b.load()
	if err != nil {
		return 0, err
	}
	return len(events), nil
}

// ClearDelivered removes the delivered events from the live batch. The batch
// may have drifted while delivery was in flight: late events were appended,
// and capacity eviction may have dropped part of the delivered snapshot, so
// removal matches events by value rather than trimming a count. Events have
// no identity of their own, so the live batch is aligned against the
// delivered list and the shared leading run is dropped; everything after it
// stays queued for the next cycle.
func (b *AnalyticsBatcher) ClearDelivered(delivered []models.AnalyticsEvent) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	events, err := b.load()
	if err != nil {
		return err
	}
	if len(delivered) == 0 || len(events) == 0 {
		return nil
	}

	// Skip the delivered entries eviction already removed, then consume the
	// surviving delivered prefix of the live batch.
	keys := make([]string, len(delivered))
	for i, e := range delivered {
		keys[i] = eventKey(e)
	}
	first := eventKey(events[0])
	d := 0
	for d < len(keys) && keys[d] != first {
		d++
	}
	n := 0
	for n < len(events) && d < len(keys) && eventKey(events[n]) == keys[d] {
		n++
		d++
	}
	if n == 0 {
		return nil
	}
	return b.store.Set(models.KeyAnalyticsQueue, events[n:])
}

// eventKey is the comparison form of an event. Both sides of a ClearDelivered
// comparison have round-tripped through the store, so encoding is identical.
func eventKey(e models.AnalyticsEvent) string {
	raw, _ := json.Marshal(e)
	return string(raw)
}

// Summarize derives the aggregate payload transmitted alongside the raw
// event list: completion and abandonment counts, per-question drop-off
// histogram, and average completion time.
func Summarize(events []models.AnalyticsEvent, kioskID string, now time.Time) models.AnalyticsSyncRequest {
	summary := models.AnalyticsSyncRequest{
		AnalyticsType:     "summary",
		Timestamp:         now.UnixMilli(),
		KioskID:           kioskID,
		DropoffByQuestion: make(map[string]int),
		RawEvents:         events,
	}

	var completionSeconds float64
	for _, event := range events {
		switch event.EventType {
		case models.EventSurveyCompleted:
			summary.TotalCompletions++
			completionSeconds += event.DurationSeconds
		case models.EventSurveyAbandoned:
			summary.TotalAbandonments++
			key := fmt.Sprintf("q%d", event.QuestionIndex)
			summary.DropoffByQuestion[key]++
		}
	}

	if total := summary.TotalCompletions + summary.TotalAbandonments; total > 0 {
		summary.CompletionRate = float64(summary.TotalCompletions) / float64(total)
	}
	if summary.TotalCompletions > 0 {
		summary.AvgCompletionTimeSeconds = completionSeconds / float64(summary.TotalCompletions)
	}
	return summary
}
