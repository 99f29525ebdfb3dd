package queue

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/AtRiskMedia/surveykiosk-go/logging"
	"github.com/AtRiskMedia/surveykiosk-go/models"
	"github.com/AtRiskMedia/surveykiosk-go/store"
	"github.com/cenkalti/backoff"
)

// ErrSyncInFlight reports that a delivery attempt is already outstanding.
// Scheduled ticks skip rather than queue; explicit sync requests block.
var ErrSyncInFlight = errors.New("sync attempt already in flight")

// Doer performs outbound HTTP requests. *http.Client satisfies it.
type Doer interface {
	Do(req *http.Request) (*http.Response, error)
}

// EngineConfig carries the sync engine's construction parameters.
type EngineConfig struct {
	SyncEndpoint      string
	AnalyticsEndpoint string
	KioskID           string
	MaxRetries        int
	BaseDelay         time.Duration
	QuarantineAfter   int // ambiguous cycles before quarantine
}

// SyncResult summarizes one delivery attempt.
type SyncResult struct {
	Attempted   int  `json:"attempted"`
	Accepted    int  `json:"accepted"`
	Retained    int  `json:"retained"`
	Quarantined int  `json:"quarantined"`
	Ambiguous   bool `json:"ambiguous"`
}

// Engine serializes delivery attempts against the submission queue and the
// analytics batcher. Only one attempt may be in flight at a time: the
// critical section is guarded by an explicit mutex, and a new sync request
// queues behind the current one rather than running concurrently.
type Engine struct {
	cfg     EngineConfig
	queue   *SubmissionQueue
	batcher *AnalyticsBatcher
	store   *store.Store
	client  Doer
	logger  *logging.ChanneledLogger

	online atomic.Bool

	// Single-slot critical section for all delivery attempts.
	syncMu sync.Mutex

	// Consecutive ambiguous (zero-acceptance 2xx) cycles; guarded by syncMu.
	ambiguousCycles int

	// Test seams.
	sleep func(time.Duration)
	now   func() time.Time
}

// NewEngine creates a sync engine. The connectivity flag starts online;
// the scheduler and control channel keep it current.
func NewEngine(cfg EngineConfig, q *SubmissionQueue, b *AnalyticsBatcher, st *store.Store, client Doer, logger *logging.ChanneledLogger) *Engine {
	e := &Engine{
		cfg:     cfg,
		queue:   q,
		batcher: b,
		store:   st,
		client:  client,
		logger:  logger,
		sleep:   time.Sleep,
		now:     time.Now,
	}
	e.online.Store(true)
	return e
}

// SetOnline records the connectivity signal.
func (e *Engine) SetOnline(online bool) {
	if e.online.Swap(online) != online {
		e.logger.Sync().Info("Connectivity signal changed", "online", online)
	}
}

// Online reports the last known connectivity signal.
func (e *Engine) Online() bool {
	return e.online.Load()
}

// Probe refreshes the connectivity flag with a lightweight request against
// the sync endpoint. The foreground's connectivity reports can go stale
// while the page is idle; the scheduler probes before deferring a tick.
func (e *Engine) Probe(ctx context.Context) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, e.cfg.SyncEndpoint, nil)
	if err != nil {
		return e.online.Load()
	}
	resp, err := e.client.Do(req)
	if err != nil {
		e.SetOnline(false)
		return false
	}
	resp.Body.Close()
	e.SetOnline(true)
	return true
}

// SyncSubmissions runs one serialized delivery attempt. A concurrent caller
// blocks until the in-flight attempt finishes, then runs its own.
func (e *Engine) SyncSubmissions(ctx context.Context) (*SyncResult, error) {
	e.syncMu.Lock()
	defer e.syncMu.Unlock()
	return e.syncSubmissionsLocked(ctx)
}

// TrySyncSubmissions runs a delivery attempt unless one is already in
// flight, in which case it returns ErrSyncInFlight without waiting.
func (e *Engine) TrySyncSubmissions(ctx context.Context) (*SyncResult, error) {
	if !e.syncMu.TryLock() {
		return nil, ErrSyncInFlight
	}
	defer e.syncMu.Unlock()
	return e.syncSubmissionsLocked(ctx)
}

func (e *Engine) syncSubmissionsLocked(ctx context.Context) (*SyncResult, error) {
	// No connectivity is a deferral, not a failure: abort immediately
	// without consuming a retry.
	if !e.online.Load() {
		e.logger.Sync().Debug("Sync deferred, no connectivity signal")
		return nil, models.NewSyncError(models.ErrConnectivity, "sync.submissions", nil)
	}

	snapshot, err := e.queue.Snapshot()
	if err != nil {
		return nil, err
	}
	if len(snapshot) == 0 {
		return &SyncResult{}, nil
	}

	// Filter structurally invalid records before send. Invalid records are
	// moved to quarantine, never silently discarded.
	valid := make([]models.QueueRecord, 0, len(snapshot))
	var invalid []models.QueueRecord
	for _, record := range snapshot {
		if err := record.Validate(); err != nil {
			e.logger.Sync().Warn("Record failed validation, quarantining", "error", err.Error())
			invalid = append(invalid, record)
			continue
		}
		valid = append(valid, record)
	}
	if len(invalid) > 0 {
		if err := e.queue.Quarantine(invalid, "failed validation before send"); err != nil {
			return nil, err
		}
	}
	if len(valid) == 0 {
		return nil, models.NewSyncError(models.ErrValidation, "sync.submissions",
			fmt.Errorf("all %d queued records failed validation", len(snapshot)))
	}

	result := &SyncResult{Attempted: len(valid), Quarantined: len(invalid)}

	resp, err := e.deliverWithRetry(ctx, valid)
	if err != nil {
		// Retries exhausted without a successful response; the data remains
		// queued for the next scheduled or manual attempt.
		e.logger.Sync().Warn("Delivery attempt exhausted retries", "error", err.Error())
		result.Retained = len(valid)
		return result, err
	}

	if len(resp.SuccessfulIDs) == 0 {
		// Ambiguous outcome: a 2xx response confirming nothing. Retain the
		// entire queue rather than risk data loss, and surface a warning.
		e.ambiguousCycles++
		result.Ambiguous = true
		result.Retained = len(valid)
		e.logger.Sync().Warn("Ambiguous success: server confirmed zero ids, retaining queue",
			"ambiguousCycles", e.ambiguousCycles)

		if e.cfg.QuarantineAfter > 0 && e.ambiguousCycles >= e.cfg.QuarantineAfter {
			if err := e.queue.Quarantine(valid, "ambiguous server acceptance"); err != nil {
				return result, err
			}
			result.Quarantined += len(valid)
			result.Retained = 0
			e.ambiguousCycles = 0
		}
		return result, nil
	}

	e.ambiguousCycles = 0

	removed, err := e.queue.RemoveByIDs(resp.SuccessfulIDs)
	if err != nil {
		return result, err
	}
	result.Accepted = removed
	result.Retained = len(valid) - removed

	// The cursor moves only after an attempt that produced at least one
	// confirmed acceptance.
	if err := e.store.Set(models.KeyLastSyncTime, e.now().UnixMilli()); err != nil {
		e.logger.Sync().Error("Failed to record sync cursor", "error", err.Error())
	}

	e.logger.Sync().Info("Delivery attempt reconciled",
		"attempted", result.Attempted, "accepted", result.Accepted, "retained", result.Retained)
	return result, nil
}

// deliverWithRetry attempts delivery up to MaxRetries times, delaying
// base × 2^(attempt-1) between attempts.
func (e *Engine) deliverWithRetry(ctx context.Context, records []models.QueueRecord) (*models.SubmissionSyncResponse, error) {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = e.cfg.BaseDelay
	bo.Multiplier = 2
	bo.RandomizationFactor = 0
	bo.MaxInterval = e.cfg.BaseDelay << uint(e.cfg.MaxRetries)
	bo.MaxElapsedTime = 0
	bo.Reset()

	var lastErr error
	for attempt := 1; attempt <= e.cfg.MaxRetries; attempt++ {
		resp, err := e.deliverSubmissions(ctx, records)
		if err == nil {
			return resp, nil
		}
		lastErr = err

		e.logger.Sync().Warn("Delivery attempt failed",
			"attempt", attempt, "maxRetries", e.cfg.MaxRetries,
			"kind", string(models.KindOf(err)), "error", err.Error())

		if attempt < e.cfg.MaxRetries {
			e.sleep(bo.NextBackOff())
		}
	}
	return nil, lastErr
}

// deliverSubmissions performs one POST to the submission sync endpoint.
func (e *Engine) deliverSubmissions(ctx context.Context, records []models.QueueRecord) (*models.SubmissionSyncResponse, error) {
	body, err := json.Marshal(models.SubmissionSyncRequest{
		Submissions: records,
		KioskID:     e.cfg.KioskID,
		Timestamp:   e.now().UnixMilli(),
	})
	if err != nil {
		return nil, models.NewSyncError(models.ErrValidation, "sync.deliver", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.cfg.SyncEndpoint, bytes.NewReader(body))
	if err != nil {
		return nil, models.NewSyncError(models.ErrTransport, "sync.deliver", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := e.client.Do(req)
	if err != nil {
		return nil, models.NewSyncError(models.ErrTransport, "sync.deliver", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, models.NewSyncError(models.ErrServerRejection, "sync.deliver",
			fmt.Errorf("endpoint returned status %d", resp.StatusCode))
	}

	var parsed models.SubmissionSyncResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, models.NewSyncError(models.ErrServerRejection, "sync.deliver",
			fmt.Errorf("malformed response body: %w", err))
	}
	return &parsed, nil
}

// SyncAnalytics delivers the analytics batch: the derived summary travels
// with the raw events, and the batch is treated atomically. Shares the
// engine's single delivery slot with submission sync.
func (e *Engine) SyncAnalytics(ctx context.Context) error {
	e.syncMu.Lock()
	defer e.syncMu.Unlock()
	return e.syncAnalyticsLocked(ctx)
}

func (e *Engine) syncAnalyticsLocked(ctx context.Context) error {
	if !e.online.Load() {
		e.logger.Analytics().Debug("Analytics sync deferred, no connectivity signal")
		return models.NewSyncError(models.ErrConnectivity, "sync.analytics", nil)
	}

	snapshot, err := e.batcher.Snapshot()
	if err != nil {
		return err
	}
	if len(snapshot) == 0 {
		return nil
	}

	summary := Summarize(snapshot, e.cfg.KioskID, e.now())

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = e.cfg.BaseDelay
	bo.Multiplier = 2
	bo.RandomizationFactor = 0
	bo.MaxInterval = e.cfg.BaseDelay << uint(e.cfg.MaxRetries)
	bo.MaxElapsedTime = 0
	bo.Reset()

	var lastErr error
	for attempt := 1; attempt <= e.cfg.MaxRetries; attempt++ {
		lastErr = e.deliverAnalytics(ctx, summary)
		if lastErr == nil {
			break
		}
		e.logger.Analytics().Warn("Analytics delivery attempt failed",
			"attempt", attempt, "maxRetries", e.cfg.MaxRetries, "error", lastErr.Error())
		if attempt < e.cfg.MaxRetries {
			e.sleep(bo.NextBackOff())
		}
	}
	if lastErr != nil {
		// Full retention on any failure.
		return lastErr
	}

	if err := e.batcher.ClearDelivered(snapshot); err != nil {
		return err
	}
	if err := e.store.Set(models.KeyLastAnalyticsSync, e.now().UnixMilli()); err != nil {
		e.logger.Analytics().Error("Failed to record analytics sync cursor", "error", err.Error())
	}

	e.logger.Analytics().Info("Analytics batch delivered",
		"events", len(snapshot), "completions", summary.TotalCompletions,
		"abandonments", summary.TotalAbandonments)
	return nil
}

// deliverAnalytics performs one POST to the analytics sync endpoint.
func (e *Engine) deliverAnalytics(ctx context.Context, summary models.AnalyticsSyncRequest) error {
	body, err := json.Marshal(summary)
	if err != nil {
		return models.NewSyncError(models.ErrValidation, "sync.analytics", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.cfg.AnalyticsEndpoint, bytes.NewReader(body))
	if err != nil {
		return models.NewSyncError(models.ErrTransport, "sync.analytics", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := e.client.Do(req)
	if err != nil {
		return models.NewSyncError(models.ErrTransport, "sync.analytics", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return models.NewSyncError(models.ErrServerRejection, "sync.analytics",
			fmt.Errorf("endpoint returned status %d", resp.StatusCode))
	}

	var parsed models.AnalyticsSyncResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return models.NewSyncError(models.ErrServerRejection, "sync.analytics",
			fmt.Errorf("malformed response body: %w", err))
	}
	if !parsed.Success {
		return models.NewSyncError(models.ErrServerRejection, "sync.analytics",
			errors.New("endpoint reported success=false"))
	}
	return nil
}

// Cursor reads the persisted sync cursors.
func (e *Engine) Cursor() models.SyncCursor {
	var cursor models.SyncCursor
	_, _ = e.store.Get(models.KeyLastSyncTime, &cursor.LastSyncAt)
	_, _ = e.store.Get(models.KeyLastAnalyticsSync, &cursor.LastAnalyticsSyncAt)
	return cursor
}
