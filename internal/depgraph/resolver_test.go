package depgraph

import (
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"

	"github.com/taskmedic/taskmedic/internal/observability"
	"github.com/taskmedic/taskmedic/internal/storage"
	"github.com/taskmedic/taskmedic/pkg/models"
)

func newTestResolver(t *testing.T) (*Resolver, storage.TaskStore, observability.EventLog) {
	t.Helper()
	dir := t.TempDir()

	store := storage.NewTaskStore(dir, nil)
	if err := store.Initialize(); err != nil {
		t.Fatalf("initializing store: %v", err)
	}

	events, err := observability.NewJSONLEventLog(filepath.Join(dir, "events.jsonl"))
	if err != nil {
		t.Fatalf("creating event log: %v", err)
	}
	t.Cleanup(func() { _ = events.Close() })

	return NewResolver(store, events, zerolog.Nop()), store, events
}

func addTask(t *testing.T, store storage.TaskStore, task models.Task) {
	t.Helper()
	if _, err := store.AddTask(task, "test"); err != nil {
		t.Fatalf("adding task %s: %v", task.ID, err)
	}
}

func TestResolve_RemovesCompletedBlockers(t *testing.T) {
	resolver, store, _ := newTestResolver(t)

	addTask(t, store, models.Task{ID: "TASK-00001", Title: "done blocker", Status: models.StatusCompleted, Progress: 100})
	addTask(t, store, models.Task{ID: "TASK-00002", Title: "idle blocker", Status: models.StatusNotStarted})

	blocked := models.Task{ID: "TASK-00003", Title: "waiting", Status: models.StatusBlocked}
	blocked.Dependencies.BlockedBy = []string{"TASK-00001", "TASK-00002"}
	addTask(t, store, blocked)

	changes, err := resolver.Resolve("test")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(changes) != 1 {
		t.Fatalf("expected one change, got %d", len(changes))
	}
	if changes[0].TaskID != "TASK-00003" || changes[0].Promoted {
		t.Fatalf("expected unpromoted change for TASK-00003, got %+v", changes[0])
	}
	if len(changes[0].RemovedBlockers) != 1 || changes[0].RemovedBlockers[0] != "TASK-00001" {
		t.Fatalf("expected TASK-00001 removed, got %v", changes[0].RemovedBlockers)
	}

	got, err := store.GetTask("TASK-00003")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got.Status != models.StatusBlocked {
		t.Fatalf("expected task to stay blocked, got %s", got.Status)
	}
	if len(got.Dependencies.BlockedBy) != 1 || got.Dependencies.BlockedBy[0] != "TASK-00002" {
		t.Fatalf("expected remaining blocker TASK-00002, got %v", got.Dependencies.BlockedBy)
	}
}

func TestResolve_PromotesFullyUnblocked(t *testing.T) {
	resolver, store, events := newTestResolver(t)

	addTask(t, store, models.Task{ID: "TASK-00001", Title: "done blocker", Status: models.StatusCompleted, Progress: 100})

	blocked := models.Task{ID: "TASK-00002", Title: "waiting", Status: models.StatusBlocked}
	blocked.Dependencies.BlockedBy = []string{"TASK-00001"}
	addTask(t, store, blocked)

	changes, err := resolver.Resolve("test")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(changes) != 1 || !changes[0].Promoted {
		t.Fatalf("expected a promotion, got %+v", changes)
	}

	got, _ := store.GetTask("TASK-00002")
	if got.Status != models.StatusReady {
		t.Fatalf("expected ready, got %s", got.Status)
	}
	if len(got.Dependencies.BlockedBy) != 0 {
		t.Fatalf("expected no blockers, got %v", got.Dependencies.BlockedBy)
	}

	recorded, err := events.Read(observability.EventFilter{Operation: "dependencies.resolved"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(recorded) != 1 {
		t.Fatalf("expected one aggregate event, got %d", len(recorded))
	}
}

func TestResolve_NoAggregateEventWithoutPromotion(t *testing.T) {
	resolver, store, events := newTestResolver(t)

	addTask(t, store, models.Task{ID: "TASK-00001", Title: "done blocker", Status: models.StatusCompleted, Progress: 100})
	addTask(t, store, models.Task{ID: "TASK-00002", Title: "idle blocker", Status: models.StatusNotStarted})

	blocked := models.Task{ID: "TASK-00003", Title: "waiting", Status: models.StatusBlocked}
	blocked.Dependencies.BlockedBy = []string{"TASK-00001", "TASK-00002"}
	addTask(t, store, blocked)

	if _, err := resolver.Resolve("test"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	recorded, err := events.Read(observability.EventFilter{Operation: "dependencies.resolved"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(recorded) != 0 {
		t.Fatalf("expected no aggregate event when nothing was promoted, got %d", len(recorded))
	}
}

func TestResolve_SecondRunIsNoOp(t *testing.T) {
	resolver, store, _ := newTestResolver(t)

	addTask(t, store, models.Task{ID: "TASK-00001", Title: "done blocker", Status: models.StatusCompleted, Progress: 100})

	blocked := models.Task{ID: "TASK-00002", Title: "waiting", Status: models.StatusBlocked}
	blocked.Dependencies.BlockedBy = []string{"TASK-00001"}
	addTask(t, store, blocked)

	if _, err := resolver.Resolve("test"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	changes, err := resolver.Resolve("test")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if changes != nil {
		t.Fatalf("expected nil changes on the second pass, got %+v", changes)
	}
}

func TestResolve_SkipsProtectedTasks(t *testing.T) {
	resolver, store, _ := newTestResolver(t)

	addTask(t, store, models.Task{ID: "TASK-00001", Title: "done blocker", Status: models.StatusCompleted, Progress: 100})

	protected := models.Task{ID: "TASK-00002", Title: "locked down", Status: models.StatusBlocked}
	protected.Dependencies.BlockedBy = []string{"TASK-00001"}
	protected.ImplementationNotes.Verified = true
	protected.ImplementationNotes.DoNotRevert = true
	addTask(t, store, protected)

	normal := models.Task{ID: "TASK-00003", Title: "waiting", Status: models.StatusBlocked}
	normal.Dependencies.BlockedBy = []string{"TASK-00001"}
	addTask(t, store, normal)

	changes, err := resolver.Resolve("test")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(changes) != 1 || changes[0].TaskID != "TASK-00003" || !changes[0].Promoted {
		t.Fatalf("expected only the unprotected task resolved, got %+v", changes)
	}

	gotProtected, _ := store.GetTask("TASK-00002")
	if gotProtected.Status != models.StatusBlocked || len(gotProtected.Dependencies.BlockedBy) != 1 {
		t.Fatalf("expected protected task untouched, got %+v", gotProtected)
	}

	gotNormal, _ := store.GetTask("TASK-00003")
	if gotNormal.Status != models.StatusReady {
		t.Fatalf("expected normal task promoted to ready, got %s", gotNormal.Status)
	}
}

func TestResolve_InProgressNotPromoted(t *testing.T) {
	resolver, store, _ := newTestResolver(t)

	addTask(t, store, models.Task{ID: "TASK-00001", Title: "done blocker", Status: models.StatusCompleted, Progress: 100})

	working := models.Task{ID: "TASK-00002", Title: "already running", Status: models.StatusInProgress, Progress: 30}
	working.Dependencies.BlockedBy = []string{"TASK-00001"}
	addTask(t, store, working)

	changes, err := resolver.Resolve("test")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(changes) != 1 || changes[0].Promoted {
		t.Fatalf("expected blocker removal without promotion, got %+v", changes)
	}

	got, _ := store.GetTask("TASK-00002")
	if got.Status != models.StatusInProgress {
		t.Fatalf("expected in-progress preserved, got %s", got.Status)
	}
}
