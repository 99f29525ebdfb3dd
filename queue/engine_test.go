package queue

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"testing"
	"time"

	"github.com/AtRiskMedia/surveykiosk-go/models"
	"github.com/AtRiskMedia/surveykiosk-go/store"
)

// fakeDoer scripts responses for the engine's outbound requests.
type fakeDoer struct {
	calls     int
	responses []fakeResponse
	requests  []models.SubmissionSyncRequest
}

type fakeResponse struct {
	status int
	body   string
	err    error
}

func (f *fakeDoer) Do(req *http.Request) (*http.Response, error) {
	if req.Body != nil {
		raw, _ := io.ReadAll(req.Body)
		var parsed models.SubmissionSyncRequest
		if json.Unmarshal(raw, &parsed) == nil {
			f.requests = append(f.requests, parsed)
		}
	}

	idx := f.calls
	if idx >= len(f.responses) {
		idx = len(f.responses) - 1
	}
	f.calls++

	r := f.responses[idx]
	if r.err != nil {
		return nil, r.err
	}
	return &http.Response{
		StatusCode: r.status,
		Body:       io.NopCloser(bytes.NewBufferString(r.body)),
		Header:     make(http.Header),
	}, nil
}

func acceptedIDs(ids ...string) string {
	body, _ := json.Marshal(models.SubmissionSyncResponse{SuccessfulIDs: ids})
	return string(body)
}

func newTestEngine(t *testing.T, doer Doer, quarantineAfter int) (*Engine, *SubmissionQueue, *AnalyticsBatcher, *store.Store, *[]time.Duration) {
	t.Helper()
	st := newTestStore(t)
	logger := testLogger(t)
	q := NewSubmissionQueue(st, 100, logger)
	b := NewAnalyticsBatcher(st, 100, logger)

	e := NewEngine(EngineConfig{
		SyncEndpoint:      "http://remote.test/sync",
		AnalyticsEndpoint: "http://remote.test/analytics",
		KioskID:           "kiosk-test",
		MaxRetries:        3,
		BaseDelay:         2 * time.Second,
		QuarantineAfter:   quarantineAfter,
	}, q, b, st, doer, logger)

	var slept []time.Duration
	e.sleep = func(d time.Duration) { slept = append(slept, d) }
	return e, q, b, st, &slept
}

func TestSyncDefersWhenOffline(t *testing.T) {
	doer := &fakeDoer{responses: []fakeResponse{{status: 200, body: acceptedIDs("a")}}}
	e, q, _, _, _ := newTestEngine(t, doer, 0)

	if _, err := q.Enqueue("a", payload("a")); err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}
	e.SetOnline(false)

	_, err := e.SyncSubmissions(context.Background())
	if models.KindOf(err) != models.ErrConnectivity {
		t.Fatalf("got error kind %q, want %q", models.KindOf(err), models.ErrConnectivity)
	}
	if doer.calls != 0 {
		t.Errorf("offline deferral made %d network calls", doer.calls)
	}
	if n, _ := q.Len(); n != 1 {
		t.Errorf("queue depth = %d, want 1", n)
	}
}

func TestSyncEmptyQueueIsNoop(t *testing.T) {
	doer := &fakeDoer{responses: []fakeResponse{{status: 200, body: acceptedIDs()}}}
	e, _, _, _, _ := newTestEngine(t, doer, 0)

	result, err := e.SyncSubmissions(context.Background())
	if err != nil {
		t.Fatalf("Sync failed: %v", err)
	}
	if result.Attempted != 0 || doer.calls != 0 {
		t.Errorf("empty queue triggered delivery: %+v calls=%d", result, doer.calls)
	}
}

func TestSyncFullSuccess(t *testing.T) {
	doer := &fakeDoer{responses: []fakeResponse{{status: 200, body: acceptedIDs("a", "b")}}}
	e, q, _, st, _ := newTestEngine(t, doer, 0)

	for _, id := range []string{"a", "b"} {
		if _, err := q.Enqueue(id, payload(id)); err != nil {
			t.Fatalf("Enqueue failed: %v", err)
		}
	}

	result, err := e.SyncSubmissions(context.Background())
	if err != nil {
		t.Fatalf("Sync failed: %v", err)
	}
	if result.Attempted != 2 || result.Accepted != 2 || result.Retained != 0 {
		t.Errorf("result = %+v", result)
	}
	if n, _ := q.Len(); n != 0 {
		t.Errorf("queue depth = %d, want 0", n)
	}

	var cursor int64
	if found, _ := st.Get(models.KeyLastSyncTime, &cursor); !found || cursor == 0 {
		t.Error("sync cursor was not recorded after confirmed acceptance")
	}

	// The request body carries the kiosk identity.
	if len(doer.requests) != 1 || doer.requests[0].KioskID != "kiosk-test" {
		t.Errorf("unexpected request: %+v", doer.requests)
	}
}

func TestSyncPartialSuccess(t *testing.T) {
	doer := &fakeDoer{responses: []fakeResponse{{status: 200, body: acceptedIDs("a", "c")}}}
	e, q, _, _, _ := newTestEngine(t, doer, 0)

	for _, id := range []string{"a", "b", "c"} {
		if _, err := q.Enqueue(id, payload(id)); err != nil {
			t.Fatalf("Enqueue failed: %v", err)
		}
	}

	result, err := e.SyncSubmissions(context.Background())
	if err != nil {
		t.Fatalf("Sync failed: %v", err)
	}
	if result.Accepted != 2 || result.Retained != 1 {
		t.Errorf("result = %+v", result)
	}

	snapshot, _ := q.Snapshot()
	if len(snapshot) != 1 || snapshot[0].ID != "b" {
		t.Errorf("unconfirmed record not retained: %+v", snapshot)
	}
}

func TestSyncRetryBackoffDelays(t *testing.T) {
	doer := &fakeDoer{responses: []fakeResponse{{err: errors.New("connection refused")}}}
	e, q, _, st, slept := newTestEngine(t, doer, 0)

	if _, err := q.Enqueue("a", payload("a")); err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}

	result, err := e.SyncSubmissions(context.Background())
	if err == nil {
		t.Fatal("expected retry exhaustion to error")
	}
	if doer.calls != 3 {
		t.Errorf("attempts = %d, want 3", doer.calls)
	}

	// Delay doubles between attempts: base, then 2x base. No sleep after
	// the final attempt.
	want := []time.Duration{2 * time.Second, 4 * time.Second}
	if len(*slept) != len(want) {
		t.Fatalf("sleeps = %v, want %v", *slept, want)
	}
	for i, d := range want {
		if (*slept)[i] != d {
			t.Errorf("sleep %d = %v, want %v", i, (*slept)[i], d)
		}
	}

	if result.Retained != 1 {
		t.Errorf("retained = %d, want 1", result.Retained)
	}
	if n, _ := q.Len(); n != 1 {
		t.Errorf("queue depth after exhaustion = %d, want 1", n)
	}

	var cursor int64
	if found, _ := st.Get(models.KeyLastSyncTime, &cursor); found {
		t.Error("cursor must not move without a confirmed acceptance")
	}
}

func TestSyncServerRejectionConsumesRetries(t *testing.T) {
	doer := &fakeDoer{responses: []fakeResponse{{status: 500, body: ""}}}
	e, q, _, _, _ := newTestEngine(t, doer, 0)

	if _, err := q.Enqueue("a", payload("a")); err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}

	_, err := e.SyncSubmissions(context.Background())
	if models.KindOf(err) != models.ErrServerRejection {
		t.Errorf("got error kind %q, want %q", models.KindOf(err), models.ErrServerRejection)
	}
	if doer.calls != 3 {
		t.Errorf("attempts = %d, want 3", doer.calls)
	}
}

func TestSyncAmbiguousAcceptanceRetainsQueue(t *testing.T) {
	doer := &fakeDoer{responses: []fakeResponse{{status: 200, body: acceptedIDs()}}}
	e, q, _, st, _ := newTestEngine(t, doer, 0)

	for _, id := range []string{"a", "b"} {
		if _, err := q.Enqueue(id, payload(id)); err != nil {
			t.Fatalf("Enqueue failed: %v", err)
		}
	}

	result, err := e.SyncSubmissions(context.Background())
	if err != nil {
		t.Fatalf("Sync failed: %v", err)
	}
	if !result.Ambiguous || result.Retained != 2 || result.Accepted != 0 {
		t.Errorf("result = %+v", result)
	}
	if n, _ := q.Len(); n != 2 {
		t.Errorf("queue depth = %d, want 2", n)
	}

	var cursor int64
	if found, _ := st.Get(models.KeyLastSyncTime, &cursor); found {
		t.Error("cursor must not move on ambiguous acceptance")
	}
}

func TestSyncAmbiguousCyclesTriggerQuarantine(t *testing.T) {
	doer := &fakeDoer{responses: []fakeResponse{{status: 200, body: acceptedIDs()}}}
	e, q, _, _, _ := newTestEngine(t, doer, 2)

	if _, err := q.Enqueue("a", payload("a")); err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}

	// First ambiguous cycle retains.
	result, err := e.SyncSubmissions(context.Background())
	if err != nil {
		t.Fatalf("Sync failed: %v", err)
	}
	if result.Quarantined != 0 {
		t.Errorf("first cycle quarantined %d records", result.Quarantined)
	}

	// Second consecutive ambiguous cycle moves the records aside so the
	// queue stops churning, without deleting anything.
	result, err = e.SyncSubmissions(context.Background())
	if err != nil {
		t.Fatalf("Sync failed: %v", err)
	}
	if result.Quarantined != 1 {
		t.Errorf("quarantined = %d, want 1", result.Quarantined)
	}
	if n, _ := q.Len(); n != 0 {
		t.Errorf("live queue depth = %d, want 0", n)
	}
	if n, _ := q.QuarantineLen(); n != 1 {
		t.Errorf("quarantine depth = %d, want 1", n)
	}
}

func TestSyncConfirmedAcceptanceResetsAmbiguousCount(t *testing.T) {
	doer := &fakeDoer{responses: []fakeResponse{
		{status: 200, body: acceptedIDs()},
		{status: 200, body: acceptedIDs("a")},
		{status: 200, body: acceptedIDs()},
	}}
	e, q, _, _, _ := newTestEngine(t, doer, 2)

	if _, err := q.Enqueue("a", payload("a")); err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}

	if _, err := e.SyncSubmissions(context.Background()); err != nil {
		t.Fatalf("Sync failed: %v", err)
	}
	if _, err := e.SyncSubmissions(context.Background()); err != nil {
		t.Fatalf("Sync failed: %v", err)
	}

	if _, err := q.Enqueue("b", payload("b")); err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}
	result, err := e.SyncSubmissions(context.Background())
	if err != nil {
		t.Fatalf("Sync failed: %v", err)
	}
	// One ambiguous cycle since the last confirmed acceptance, so no
	// quarantine yet.
	if result.Quarantined != 0 {
		t.Errorf("quarantined = %d, want 0", result.Quarantined)
	}
}

func TestSyncQuarantinesInvalidRecordsBeforeSend(t *testing.T) {
	doer := &fakeDoer{responses: []fakeResponse{{status: 200, body: acceptedIDs("good")}}}
	e, q, _, st, _ := newTestEngine(t, doer, 0)

	// Seed the durable queue with a structurally broken record alongside a
	// valid one, as if written by an earlier buggy build.
	records := []models.QueueRecord{
		{ID: "good", Payload: payload("good"), CreatedAt: time.Now()},
		{ID: "broken", CreatedAt: time.Now()},
	}
	if err := st.Set(models.KeySurveyQueue, records); err != nil {
		t.Fatalf("seed failed: %v", err)
	}

	result, err := e.SyncSubmissions(context.Background())
	if err != nil {
		t.Fatalf("Sync failed: %v", err)
	}
	if result.Attempted != 1 || result.Accepted != 1 || result.Quarantined != 1 {
		t.Errorf("result = %+v", result)
	}

	if len(doer.requests) != 1 || len(doer.requests[0].Submissions) != 1 {
		t.Fatalf("unexpected delivery payload: %+v", doer.requests)
	}
	if doer.requests[0].Submissions[0].ID != "good" {
		t.Errorf("invalid record was transmitted: %+v", doer.requests[0].Submissions)
	}
	if n, _ := q.QuarantineLen(); n != 1 {
		t.Errorf("quarantine depth = %d, want 1", n)
	}
}

func TestSyncAllInvalidRecords(t *testing.T) {
	doer := &fakeDoer{responses: []fakeResponse{{status: 200, body: acceptedIDs()}}}
	e, _, _, st, _ := newTestEngine(t, doer, 0)

	if err := st.Set(models.KeySurveyQueue, []models.QueueRecord{{ID: "broken"}}); err != nil {
		t.Fatalf("seed failed: %v", err)
	}

	_, err := e.SyncSubmissions(context.Background())
	if models.KindOf(err) != models.ErrValidation {
		t.Errorf("got error kind %q, want %q", models.KindOf(err), models.ErrValidation)
	}
	if doer.calls != 0 {
		t.Errorf("delivery attempted with no valid records: calls=%d", doer.calls)
	}
}

func TestProbeRefreshesConnectivity(t *testing.T) {
	doer := &fakeDoer{responses: []fakeResponse{{status: 200, body: ""}}}
	e, _, _, _, _ := newTestEngine(t, doer, 0)

	e.SetOnline(false)
	if !e.Probe(context.Background()) {
		t.Fatal("probe against reachable endpoint reported offline")
	}
	if !e.Online() {
		t.Error("probe success did not restore the online flag")
	}

	failing := &fakeDoer{responses: []fakeResponse{{err: errors.New("connection refused")}}}
	e2, _, _, _, _ := newTestEngine(t, failing, 0)
	if e2.Probe(context.Background()) {
		t.Fatal("probe against unreachable endpoint reported online")
	}
	if e2.Online() {
		t.Error("probe failure did not clear the online flag")
	}
}

func TestTrySyncWhileInFlight(t *testing.T) {
	doer := &fakeDoer{responses: []fakeResponse{{status: 200, body: acceptedIDs()}}}
	e, _, _, _, _ := newTestEngine(t, doer, 0)

	e.syncMu.Lock()
	defer e.syncMu.Unlock()

	if _, err := e.TrySyncSubmissions(context.Background()); !errors.Is(err, ErrSyncInFlight) {
		t.Errorf("got %v, want ErrSyncInFlight", err)
	}
}

func TestSyncAnalyticsSuccessClearsBatch(t *testing.T) {
	doer := &fakeDoer{responses: []fakeResponse{{status: 200, body: `{"success":true}`}}}
	e, _, b, st, _ := newTestEngine(t, doer, 0)

	for _, s := range []string{"s1", "s2"} {
		if err := b.Append(event(models.EventSurveyCompleted, s)); err != nil {
			t.Fatalf("Append failed: %v", err)
		}
	}

	if err := e.SyncAnalytics(context.Background()); err != nil {
		t.Fatalf("SyncAnalytics failed: %v", err)
	}
	if n, _ := b.Len(); n != 0 {
		t.Errorf("batch depth = %d, want 0", n)
	}

	var cursor int64
	if found, _ := st.Get(models.KeyLastAnalyticsSync, &cursor); !found || cursor == 0 {
		t.Error("analytics cursor was not recorded")
	}
}

func TestSyncAnalyticsFailureRetainsBatch(t *testing.T) {
	doer := &fakeDoer{responses: []fakeResponse{{err: errors.New("connection refused")}}}
	e, _, b, _, slept := newTestEngine(t, doer, 0)

	if err := b.Append(event(models.EventSurveyStarted, "s1")); err != nil {
		t.Fatalf("Append failed: %v", err)
	}

	if err := e.SyncAnalytics(context.Background()); err == nil {
		t.Fatal("expected analytics sync to fail")
	}
	if doer.calls != 3 {
		t.Errorf("attempts = %d, want 3", doer.calls)
	}
	if len(*slept) != 2 {
		t.Errorf("sleeps = %v, want 2 entries", *slept)
	}
	// The batch is atomic: any failure retains everything.
	if n, _ := b.Len(); n != 1 {
		t.Errorf("batch depth = %d, want 1", n)
	}
}

func TestSyncAnalyticsServerReportsFailure(t *testing.T) {
	doer := &fakeDoer{responses: []fakeResponse{{status: 200, body: `{"success":false}`}}}
	e, _, b, _, _ := newTestEngine(t, doer, 0)

	if err := b.Append(event(models.EventSurveyStarted, "s1")); err != nil {
		t.Fatalf("Append failed: %v", err)
	}

	err := e.SyncAnalytics(context.Background())
	if models.KindOf(err) != models.ErrServerRejection {
		t.Errorf("got error kind %q, want %q", models.KindOf(err), models.ErrServerRejection)
	}
	if n, _ := b.Len(); n != 1 {
		t.Errorf("batch depth = %d, want 1", n)
	}
}
