package queue

import (
	"encoding/json"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/AtRiskMedia/surveykiosk-go/logging"
	"github.com/AtRiskMedia/surveykiosk-go/models"
	"github.com/AtRiskMedia/surveykiosk-go/store"
)

func testLogger(t *testing.T) *logging.ChanneledLogger {
	t.Helper()
	logger, err := logging.NewChanneledLogger(&logging.LoggerConfig{
		OutputToFile:    false,
		OutputToConsole: false,
		DefaultLevel:    slog.Level(99),
		ChannelLevels:   make(map[logging.Channel]slog.Level),
	})
	if err != nil {
		t.Fatalf("failed to create test logger: %v", err)
	}
	return logger
}

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	st, err := store.New("sqlite3", filepath.Join(t.TempDir(), "queue.db"), 5*1024*1024, testLogger(t))
	if err != nil {
		t.Fatalf("failed to open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	return st
}

func newTestQueue(t *testing.T, max int) *SubmissionQueue {
	t.Helper()
	return NewSubmissionQueue(newTestStore(t), max, testLogger(t))
}

func payload(s string) json.RawMessage {
	return json.RawMessage(`{"answer":"` + s + `"}`)
}

func TestEnqueueAssignsID(t *testing.T) {
	q := newTestQueue(t, 10)

	record, err := q.Enqueue("", payload("yes"))
	if err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}
	if record.ID == "" {
		t.Fatal("expected a generated id")
	}
	if record.CreatedAt.IsZero() {
		t.Error("expected createdAt to be set")
	}
	if err := record.Validate(); err != nil {
		t.Errorf("enqueued record fails validation: %v", err)
	}
}

func TestEnqueueDeduplicates(t *testing.T) {
	q := newTestQueue(t, 10)

	first, err := q.Enqueue("sub-1", payload("a"))
	if err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}
	second, err := q.Enqueue("sub-1", payload("b"))
	if err != nil {
		t.Fatalf("duplicate Enqueue failed: %v", err)
	}

	if second.ID != first.ID {
		t.Errorf("duplicate returned different record: %s vs %s", second.ID, first.ID)
	}
	if n, _ := q.Len(); n != 1 {
		t.Errorf("queue depth = %d, want 1", n)
	}

	// The original payload wins.
	snapshot, _ := q.Snapshot()
	if string(snapshot[0].Payload) != string(payload("a")) {
		t.Errorf("duplicate overwrote original payload: %s", snapshot[0].Payload)
	}
}

func TestCapacityEvictsOldest(t *testing.T) {
	q := newTestQueue(t, 3)

	for _, id := range []string{"a", "b", "c", "d"} {
		if _, err := q.Enqueue(id, payload(id)); err != nil {
			t.Fatalf("Enqueue %s failed: %v", id, err)
		}
	}

	snapshot, err := q.Snapshot()
	if err != nil {
		t.Fatalf("Snapshot failed: %v", err)
	}
	if len(snapshot) != 3 {
		t.Fatalf("queue depth = %d, want 3", len(snapshot))
	}
	want := []string{"b", "c", "d"}
	for i, record := range snapshot {
		if record.ID != want[i] {
			t.Errorf("position %d = %s, want %s", i, record.ID, want[i])
		}
	}
}

func TestRemoveByIDsPartialSuccess(t *testing.T) {
	q := newTestQueue(t, 10)

	for _, id := range []string{"a", "b", "c"} {
		if _, err := q.Enqueue(id, payload(id)); err != nil {
			t.Fatalf("Enqueue %s failed: %v", id, err)
		}
	}

	removed, err := q.RemoveByIDs([]string{"a", "c"})
	if err != nil {
		t.Fatalf("RemoveByIDs failed: %v", err)
	}
	if removed != 2 {
		t.Errorf("removed = %d, want 2", removed)
	}

	snapshot, _ := q.Snapshot()
	if len(snapshot) != 1 || snapshot[0].ID != "b" {
		t.Errorf("unconfirmed record lost: %+v", snapshot)
	}
}

func TestRemoveByIDsRetainsRecordsEnqueuedDuringSync(t *testing.T) {
	q := newTestQueue(t, 10)

	if _, err := q.Enqueue("a", payload("a")); err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}

	// Simulate a submission arriving while the sync attempt was in flight:
	// reconciliation removes only the confirmed id, never the newcomer.
	if _, err := q.Enqueue("late", payload("late")); err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}

	if _, err := q.RemoveByIDs([]string{"a"}); err != nil {
		t.Fatalf("RemoveByIDs failed: %v", err)
	}

	snapshot, _ := q.Snapshot()
	if len(snapshot) != 1 || snapshot[0].ID != "late" {
		t.Errorf("record enqueued during sync was lost: %+v", snapshot)
	}
}

func TestRemoveByIDsUnknownIDs(t *testing.T) {
	q := newTestQueue(t, 10)

	if _, err := q.Enqueue("a", payload("a")); err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}

	removed, err := q.RemoveByIDs([]string{"ghost"})
	if err != nil {
		t.Fatalf("RemoveByIDs failed: %v", err)
	}
	if removed != 0 {
		t.Errorf("removed = %d, want 0", removed)
	}
	if n, _ := q.Len(); n != 1 {
		t.Errorf("queue depth = %d, want 1", n)
	}
}

func TestQuarantineMovesRecords(t *testing.T) {
	q := newTestQueue(t, 10)

	for _, id := range []string{"a", "b"} {
		if _, err := q.Enqueue(id, payload(id)); err != nil {
			t.Fatalf("Enqueue %s failed: %v", id, err)
		}
	}
	snapshot, _ := q.Snapshot()

	if err := q.Quarantine(snapshot[:1], "test reason"); err != nil {
		t.Fatalf("Quarantine failed: %v", err)
	}

	if n, _ := q.Len(); n != 1 {
		t.Errorf("live queue depth = %d, want 1", n)
	}
	if n, _ := q.QuarantineLen(); n != 1 {
		t.Errorf("quarantine depth = %d, want 1", n)
	}

	if err := q.ClearQuarantine(); err != nil {
		t.Fatalf("ClearQuarantine failed: %v", err)
	}
	if n, _ := q.QuarantineLen(); n != 0 {
		t.Errorf("quarantine depth after clear = %d, want 0", n)
	}
	// Clearing quarantine never touches the live queue.
	if n, _ := q.Len(); n != 1 {
		t.Errorf("live queue depth after clear = %d, want 1", n)
	}
}

func TestQuarantineRecordWithoutID(t *testing.T) {
	q := newTestQueue(t, 10)

	if _, err := q.Enqueue("good", payload("good")); err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}

	broken := models.QueueRecord{Payload: payload("broken"), CreatedAt: time.Now()}
	if err := q.Quarantine([]models.QueueRecord{broken}, "missing id"); err != nil {
		t.Fatalf("Quarantine failed: %v", err)
	}

	if n, _ := q.QuarantineLen(); n != 1 {
		t.Errorf("quarantine depth = %d, want 1", n)
	}
	snapshot, _ := q.Snapshot()
	if len(snapshot) != 1 || snapshot[0].ID != "good" {
		t.Errorf("valid record lost while quarantining id-less record: %+v", snapshot)
	}
}
