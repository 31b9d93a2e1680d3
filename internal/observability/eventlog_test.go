package observability

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

var testNow = time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)

func newTestLog(t *testing.T) (*jsonlEventLog, func(time.Duration)) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "events.jsonl")
	log, err := NewJSONLEventLog(path)
	if err != nil {
		t.Fatalf("creating event log: %v", err)
	}
	t.Cleanup(func() { _ = log.Close() })

	l := log.(*jsonlEventLog)
	current := testNow
	l.now = func() time.Time { return current }
	advance := func(d time.Duration) { current = current.Add(d) }
	return l, advance
}

func TestAppendRead_RoundTrip(t *testing.T) {
	log, _ := newTestLog(t)

	written, err := log.Append("task.added", "TASK-00001", map[string]any{"title": "first"}, "cli")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if written.ID == "" {
		t.Fatal("expected a generated event id")
	}
	if !written.Timestamp.Equal(testNow) {
		t.Fatalf("expected stamped timestamp %v, got %v", testNow, written.Timestamp)
	}

	events, err := log.Read(EventFilter{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(events) != 1 {
		t.Fatalf("expected one event, got %d", len(events))
	}
	got := events[0]
	if got.ID != written.ID || got.Operation != "task.added" || got.TaskID != "TASK-00001" || got.Source != "cli" {
		t.Fatalf("round trip mismatch: %+v", got)
	}
	if got.Changes["title"] != "first" {
		t.Fatalf("expected changes preserved, got %v", got.Changes)
	}
}

func TestRead_Filters(t *testing.T) {
	log, advance := newTestLog(t)

	mustAppend := func(op, taskID string) {
		t.Helper()
		if _, err := log.Append(op, taskID, nil, "test"); err != nil {
			t.Fatalf("appending %s: %v", op, err)
		}
	}

	mustAppend("task.added", "TASK-00001")
	advance(time.Hour)
	mustAppend("task.updated", "TASK-00001")
	advance(time.Hour)
	mustAppend("task.updated", "TASK-00002")

	byTask, err := log.Read(EventFilter{TaskID: "TASK-00001"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(byTask) != 2 {
		t.Fatalf("expected 2 events for TASK-00001, got %d", len(byTask))
	}

	byOp, err := log.Read(EventFilter{Operation: "task.updated"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(byOp) != 2 {
		t.Fatalf("expected 2 update events, got %d", len(byOp))
	}

	since := testNow.Add(30 * time.Minute)
	recent, err := log.Read(EventFilter{Since: &since})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(recent) != 2 {
		t.Fatalf("expected 2 events after %v, got %d", since, len(recent))
	}

	until := testNow.Add(30 * time.Minute)
	early, err := log.Read(EventFilter{Until: &until})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(early) != 1 {
		t.Fatalf("expected 1 event before %v, got %d", until, len(early))
	}

	combined, err := log.Read(EventFilter{Operation: "task.updated", TaskID: "TASK-00002"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(combined) != 1 {
		t.Fatalf("expected 1 event for combined filter, got %d", len(combined))
	}
}

func TestRead_SkipsMalformedLines(t *testing.T) {
	log, _ := newTestLog(t)

	if _, err := log.Append("task.added", "TASK-00001", nil, "test"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	f, err := os.OpenFile(log.path, os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		t.Fatalf("opening log file: %v", err)
	}
	if _, err := f.WriteString("{not valid json\n\n"); err != nil {
		t.Fatalf("writing garbage: %v", err)
	}
	_ = f.Close()

	if _, err := log.Append("task.updated", "TASK-00001", nil, "test"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	events, err := log.Read(EventFilter{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(events) != 2 {
		t.Fatalf("expected malformed line skipped, got %d events", len(events))
	}
}

func TestRead_MissingFile(t *testing.T) {
	log := &jsonlEventLog{path: filepath.Join(t.TempDir(), "absent.jsonl")}

	events, err := log.Read(EventFilter{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if events != nil {
		t.Fatalf("expected nil events for a missing file, got %v", events)
	}
}

func TestIsError(t *testing.T) {
	if !(Event{Operation: "task.update_error"}).IsError() {
		t.Fatal("expected update_error to read as an error")
	}
	if (Event{Operation: "task.updated"}).IsError() {
		t.Fatal("expected task.updated to not read as an error")
	}
}
