package storage

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/taskmedic/taskmedic/pkg/models"
)

// fakeSink records mutation events for assertions.
type fakeSink struct {
	ops     []string
	taskIDs []string
	changes []map[string]any
}

func (f *fakeSink) LogMutation(operation, taskID string, changes map[string]any, source string) error {
	f.ops = append(f.ops, operation)
	f.taskIDs = append(f.taskIDs, taskID)
	f.changes = append(f.changes, changes)
	return nil
}

// testClock is an adjustable clock for deterministic timestamps.
type testClock struct {
	now time.Time
}

func (c *testClock) Now() time.Time { return c.now }

func (c *testClock) Advance(d time.Duration) { c.now = c.now.Add(d) }

func newTestStore(t *testing.T) (*fileTaskStore, *fakeSink, *testClock) {
	t.Helper()
	dir := t.TempDir()
	sink := &fakeSink{}
	clock := &testClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	store := NewTaskStore(dir, sink, WithClock(clock.Now)).(*fileTaskStore)
	if err := store.Initialize(); err != nil {
		t.Fatalf("initializing store: %v", err)
	}
	return store, sink, clock
}

func sampleTask(id string) models.Task {
	return models.Task{
		ID:       id,
		Title:    "Test task " + id,
		Category: "general",
		Priority: models.P2,
		Status:   models.StatusNotStarted,
	}
}

func TestAddTask(t *testing.T) {
	store, sink, _ := newTestStore(t)

	added, err := store.AddTask(sampleTask("TASK-00001"), "test")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if added.CreatedAt.IsZero() || added.UpdatedAt.IsZero() {
		t.Fatal("expected timestamps to be stamped")
	}

	got, err := store.GetTask("TASK-00001")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got.Title != added.Title {
		t.Fatalf("expected title %q, got %q", added.Title, got.Title)
	}

	if len(sink.ops) != 1 || sink.ops[0] != "task.added" {
		t.Fatalf("expected one task.added event, got %v", sink.ops)
	}
}

func TestGetTasks_ReturnsIndependentCopies(t *testing.T) {
	store, _, _ := newTestStore(t)

	task := sampleTask("TASK-00001")
	task.Dependencies.BlockedBy = []string{"TASK-00099"}
	task.ImplementationNotes.FilesCreated = []string{"store.go"}
	if _, err := store.AddTask(task, "test"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	got, err := store.GetTasks(nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	got[0].Dependencies.BlockedBy[0] = "mutated"
	got[0].ImplementationNotes.FilesCreated[0] = "mutated"

	// A second cached read must not see the caller's mutations.
	fresh, err := store.GetTask("TASK-00001")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if fresh.Dependencies.BlockedBy[0] != "TASK-00099" {
		t.Fatalf("cached blockers polluted: %v", fresh.Dependencies.BlockedBy)
	}
	if fresh.ImplementationNotes.FilesCreated[0] != "store.go" {
		t.Fatalf("cached notes polluted: %v", fresh.ImplementationNotes.FilesCreated)
	}
}

func TestAddTask_EmptyID(t *testing.T) {
	store, _, _ := newTestStore(t)

	_, err := store.AddTask(models.Task{Title: "no id"}, "test")
	if !errors.Is(err, ErrValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
}

func TestAddTask_DuplicateID(t *testing.T) {
	store, _, _ := newTestStore(t)

	if _, err := store.AddTask(sampleTask("TASK-00001"), "test"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	_, err := store.AddTask(sampleTask("TASK-00001"), "test")
	if !errors.Is(err, ErrValidation) {
		t.Fatalf("expected validation error for duplicate id, got %v", err)
	}
}

func TestAddTask_SelfBlocking(t *testing.T) {
	store, _, _ := newTestStore(t)

	task := sampleTask("TASK-00001")
	task.Dependencies.BlockedBy = []string{"TASK-00001"}
	_, err := store.AddTask(task, "test")
	if !errors.Is(err, ErrValidation) {
		t.Fatalf("expected validation error for self-blocking task, got %v", err)
	}
}

func TestGetTask_NotFound(t *testing.T) {
	store, _, _ := newTestStore(t)

	_, err := store.GetTask("TASK-99999")
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected not-found error, got %v", err)
	}
}

func TestGetTasks_Filter(t *testing.T) {
	store, _, _ := newTestStore(t)

	a := sampleTask("TASK-00001")
	b := sampleTask("TASK-00002")
	b.Priority = models.P0
	b.Category = "infra"
	for _, task := range []models.Task{a, b} {
		if _, err := store.AddTask(task, "test"); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	}

	got, err := store.GetTasks(&TaskFilter{Priority: []models.Priority{models.P0}})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(got) != 1 || got[0].ID != "TASK-00002" {
		t.Fatalf("expected only TASK-00002, got %v", got)
	}

	got, err = store.GetTasks(&TaskFilter{Category: "infra", IDs: []string{"TASK-00001"}})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(got) != 0 {
		t.Fatalf("expected AND semantics to exclude everything, got %v", got)
	}
}

func TestUpdateTask_StatusTransitions(t *testing.T) {
	store, _, _ := newTestStore(t)
	if _, err := store.AddTask(sampleTask("TASK-00001"), "test"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	// not-started -> completed is not in the transition table.
	completed := models.StatusCompleted
	_, err := store.UpdateTask("TASK-00001", TaskUpdate{Status: &completed}, "test")
	if !errors.Is(err, ErrValidation) {
		t.Fatalf("expected illegal transition error, got %v", err)
	}

	inProgress := models.StatusInProgress
	if _, err := store.UpdateTask("TASK-00001", TaskUpdate{Status: &inProgress}, "test"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := store.UpdateTask("TASK-00001", TaskUpdate{Status: &completed}, "test"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestUpdateTask_CompletionDerivesFields(t *testing.T) {
	store, _, _ := newTestStore(t)
	if _, err := store.AddTask(sampleTask("TASK-00001"), "test"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	inProgress := models.StatusInProgress
	updated, err := store.UpdateTask("TASK-00001", TaskUpdate{Status: &inProgress}, "test")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if updated.StartedAt == nil {
		t.Fatal("expected StartedAt to be stamped on in-progress")
	}

	completed := models.StatusCompleted
	updated, err = store.UpdateTask("TASK-00001", TaskUpdate{Status: &completed}, "test")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if updated.Progress != 100 {
		t.Fatalf("expected progress 100 on completion, got %d", updated.Progress)
	}
	if updated.CompletedAt == nil {
		t.Fatal("expected CompletedAt to be stamped on completion")
	}

	// Back to in-progress and then not-started resets progress.
	if _, err := store.UpdateTask("TASK-00001", TaskUpdate{Status: &inProgress}, "test"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	notStarted := models.StatusNotStarted
	updated, err = store.UpdateTask("TASK-00001", TaskUpdate{Status: &notStarted}, "test")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if updated.Progress != 0 {
		t.Fatalf("expected progress 0 on not-started, got %d", updated.Progress)
	}
}

func TestUpdateTask_ProgressRange(t *testing.T) {
	store, _, _ := newTestStore(t)
	if _, err := store.AddTask(sampleTask("TASK-00001"), "test"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	for _, bad := range []int{-1, 101} {
		p := bad
		if _, err := store.UpdateTask("TASK-00001", TaskUpdate{Progress: &p}, "test"); !errors.Is(err, ErrValidation) {
			t.Fatalf("expected validation error for progress %d, got %v", bad, err)
		}
	}
}

func TestUpdateTask_ProtectedTask(t *testing.T) {
	store, _, _ := newTestStore(t)

	task := sampleTask("TASK-00001")
	task.Status = models.StatusInProgress
	task.Progress = 80
	task.ImplementationNotes.Verified = true
	task.ImplementationNotes.DoNotRevert = true
	if _, err := store.AddTask(task, "test"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	title := "new title"
	if _, err := store.UpdateTask("TASK-00001", TaskUpdate{Title: &title}, "test"); !errors.Is(err, ErrValidation) {
		t.Fatalf("expected protected-task error for title, got %v", err)
	}

	blocked := models.StatusBlocked
	if _, err := store.UpdateTask("TASK-00001", TaskUpdate{Status: &blocked}, "test"); !errors.Is(err, ErrValidation) {
		t.Fatalf("expected protected-task error for status, got %v", err)
	}

	if _, err := store.UpdateTask("TASK-00001", TaskUpdate{Dependencies: &models.Dependencies{}}, "test"); !errors.Is(err, ErrValidation) {
		t.Fatalf("expected protected-task error for dependencies, got %v", err)
	}

	if _, err := store.UpdateTask("TASK-00001", TaskUpdate{Estimates: &models.Estimates{EffortHours: 1}}, "test"); !errors.Is(err, ErrValidation) {
		t.Fatalf("expected protected-task error for estimates, got %v", err)
	}

	// Progress remains mutable on a protected task.
	p := 90
	updated, err := store.UpdateTask("TASK-00001", TaskUpdate{Progress: &p}, "test")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if updated.Progress != 90 {
		t.Fatalf("expected progress 90, got %d", updated.Progress)
	}
}

func TestUpdateTasks_AllOrNothingValidation(t *testing.T) {
	store, sink, _ := newTestStore(t)

	for _, id := range []string{"TASK-00001", "TASK-00002"} {
		if _, err := store.AddTask(sampleTask(id), "test"); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	}
	eventsBefore := len(sink.ops)

	good := 50
	bad := 150
	_, err := store.UpdateTasks([]BatchUpdate{
		{ID: "TASK-00001", Update: TaskUpdate{Progress: &good}},
		{ID: "TASK-00002", Update: TaskUpdate{Progress: &bad}},
	}, "test")
	if !errors.Is(err, ErrValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}

	// The valid half of the batch must not have been applied.
	got, err := store.GetTask("TASK-00001")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got.Progress != 0 {
		t.Fatalf("expected batch rejection to leave progress 0, got %d", got.Progress)
	}
	if len(sink.ops) != eventsBefore {
		t.Fatalf("expected no events from rejected batch, got %v", sink.ops[eventsBefore:])
	}
}

func TestUpdateTasks_OneEventPerItem(t *testing.T) {
	store, sink, _ := newTestStore(t)

	for _, id := range []string{"TASK-00001", "TASK-00002"} {
		if _, err := store.AddTask(sampleTask(id), "test"); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	}
	eventsBefore := len(sink.ops)

	p1, p2 := 10, 20
	inProgress := models.StatusInProgress
	_, err := store.UpdateTasks([]BatchUpdate{
		{ID: "TASK-00001", Update: TaskUpdate{Status: &inProgress, Progress: &p1}},
		{ID: "TASK-00002", Update: TaskUpdate{Status: &inProgress, Progress: &p2}},
	}, "test")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := len(sink.ops) - eventsBefore; got != 2 {
		t.Fatalf("expected 2 events, got %d", got)
	}
}

func TestBackupRetention(t *testing.T) {
	store, _, clock := newTestStore(t)

	if _, err := store.AddTask(sampleTask("TASK-00001"), "test"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	// Each mutation snapshots the prior state; distinct timestamps keep the
	// backup filenames unique.
	for i := 0; i < 15; i++ {
		clock.Advance(time.Minute)
		p := i + 1
		if _, err := store.UpdateTask("TASK-00001", TaskUpdate{Progress: &p}, "test"); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	}

	entries, err := os.ReadDir(filepath.Join(store.basePath, "tasks", "backups"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	count := 0
	for _, e := range entries {
		if strings.HasPrefix(e.Name(), "backlog-") {
			count++
		}
	}
	if count != DefaultBackupRetention {
		t.Fatalf("expected %d retained backups, got %d", DefaultBackupRetention, count)
	}

	if _, err := os.Stat(filepath.Join(store.basePath, "tasks", "backlog.backup.json")); err != nil {
		t.Fatalf("expected latest backup file: %v", err)
	}
}

func TestBackupFilenameEmbedsSource(t *testing.T) {
	store, _, _ := newTestStore(t)

	if _, err := store.AddTask(sampleTask("TASK-00001"), "progress tracker/sync"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	entries, err := os.ReadDir(filepath.Join(store.basePath, "tasks", "backups"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("expected one backup, got %d", len(entries))
	}
	name := entries[0].Name()
	if strings.ContainsAny(name, " /") {
		t.Fatalf("expected sanitized backup name, got %q", name)
	}
}

func TestGenerateHealthReport(t *testing.T) {
	store, _, clock := newTestStore(t)

	stuck := sampleTask("TASK-00001")
	stuck.Status = models.StatusInProgress
	stuck.Progress = 40
	blocked := sampleTask("TASK-00002")
	blocked.Status = models.StatusBlocked
	blocked.Dependencies.BlockedBy = []string{"TASK-00001"}
	done := sampleTask("TASK-00003")
	done.Status = models.StatusCompleted
	done.Progress = 100

	for _, task := range []models.Task{stuck, blocked, done} {
		if _, err := store.AddTask(task, "test"); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	}

	clock.Advance(4 * 24 * time.Hour)
	store.Invalidate()

	report, err := store.GenerateHealthReport()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if report.Total != 3 {
		t.Fatalf("expected 3 tasks, got %d", report.Total)
	}
	if report.ByStatus[models.StatusInProgress] != 1 {
		t.Fatalf("expected 1 in-progress, got %d", report.ByStatus[models.StatusInProgress])
	}
	if len(report.Stuck) != 1 || report.Stuck[0].ID != "TASK-00001" {
		t.Fatalf("expected TASK-00001 stuck, got %v", report.Stuck)
	}
	if len(report.Blocked) != 1 || report.Blocked[0].ID != "TASK-00002" {
		t.Fatalf("expected TASK-00002 blocked, got %v", report.Blocked)
	}
	if len(report.Completed) != 1 {
		t.Fatalf("expected 1 completed, got %d", len(report.Completed))
	}
}

func TestLoad_NotInitialized(t *testing.T) {
	dir := t.TempDir()
	store := NewTaskStore(dir, nil)

	_, err := store.GetTasks(nil)
	if !errors.Is(err, ErrNotInitialized) {
		t.Fatalf("expected not-initialized error, got %v", err)
	}
}

func TestLoad_CorruptStore(t *testing.T) {
	store, _, _ := newTestStore(t)

	if err := os.WriteFile(store.backlogPath(), []byte("{not json"), 0o600); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	store.Invalidate()

	_, err := store.GetTasks(nil)
	if !errors.Is(err, ErrCorruptStore) {
		t.Fatalf("expected corrupt-store error, got %v", err)
	}
}

func TestInitialize_Idempotent(t *testing.T) {
	store, _, _ := newTestStore(t)

	if _, err := store.AddTask(sampleTask("TASK-00001"), "test"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := store.Initialize(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	got, err := store.GetTasks(nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("expected re-initialize to preserve data, got %d tasks", len(got))
	}
}

func TestCacheInvalidation(t *testing.T) {
	store, _, _ := newTestStore(t)

	if _, err := store.AddTask(sampleTask("TASK-00001"), "test"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	// Overwrite behind the store's back; the cache still serves stale data
	// until invalidated.
	if err := os.WriteFile(store.backlogPath(), []byte("[]\n"), 0o600); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	got, err := store.GetTasks(nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("expected cached read to return 1 task, got %d", len(got))
	}

	store.Invalidate()
	got, err = store.GetTasks(nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(got) != 0 {
		t.Fatalf("expected fresh read after invalidation, got %d tasks", len(got))
	}
}

func TestSanitizeSource(t *testing.T) {
	cases := map[string]string{
		"cli":                "cli",
		"progress tracker":   "progress_tracker",
		"a/b\\c":             "a_b_c",
		"remediation-engine": "remediation-engine",
	}
	for in, want := range cases {
		if got := sanitizeSource(in); got != want {
			t.Fatalf("sanitizeSource(%q) = %q, want %q", in, got, want)
		}
	}
}
