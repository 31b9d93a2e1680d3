// Package depgraph runs batch passes over the task dependency graph,
// clearing blockers that are satisfied and promoting newly unblocked tasks.
package depgraph

import (
	"github.com/rs/zerolog"

	"github.com/taskmedic/taskmedic/internal/observability"
	"github.com/taskmedic/taskmedic/internal/storage"
	"github.com/taskmedic/taskmedic/pkg/models"
)

// Change records what the resolver did to one task.
type Change struct {
	TaskID          string   `json:"task_id"`
	RemovedBlockers []string `json:"removed_blockers"`
	Promoted        bool     `json:"promoted"`
}

// Resolver removes satisfied blockers across the whole collection.
type Resolver struct {
	store  storage.TaskStore
	events observability.EventLog
	logger zerolog.Logger
}

// NewResolver creates a Resolver. events may be nil.
func NewResolver(store storage.TaskStore, events observability.EventLog, logger zerolog.Logger) *Resolver {
	return &Resolver{store: store, events: events, logger: logger}
}

// Resolve scans every task, removes blockers whose referenced task is
// completed, and promotes not-started or blocked tasks whose blocker list
// became empty to ready. Protected tasks are left untouched, so one of
// them never blocks the pass for the rest of the collection. The
// collection is persisted once at the end; the
// store emits one event per changed task and the resolver adds one
// aggregate event if any task became fully unblocked. Running Resolve
// twice with no intervening changes is a no-op the second time.
func (r *Resolver) Resolve(source string) ([]Change, error) {
	tasks, err := r.store.GetTasks(nil)
	if err != nil {
		return nil, err
	}

	completed := make(map[string]bool)
	for _, t := range tasks {
		if t.Status == models.StatusCompleted {
			completed[t.ID] = true
		}
	}

	var changes []Change
	var batch []storage.BatchUpdate
	promoted := 0

	for i := range tasks {
		task := &tasks[i]
		if len(task.Dependencies.BlockedBy) == 0 {
			continue
		}
		// Protected tasks reject dependency and status changes through the
		// validated update path; queuing one would abort the whole batch.
		if task.Protected() {
			continue
		}

		var remaining, removed []string
		for _, id := range task.Dependencies.BlockedBy {
			if completed[id] {
				removed = append(removed, id)
			} else {
				remaining = append(remaining, id)
			}
		}
		if len(removed) == 0 {
			continue
		}

		deps := task.Dependencies
		deps.BlockedBy = remaining
		update := storage.TaskUpdate{Dependencies: &deps}

		change := Change{TaskID: task.ID, RemovedBlockers: removed}
		if len(remaining) == 0 &&
			(task.Status == models.StatusNotStarted || task.Status == models.StatusBlocked) {
			status := models.StatusReady
			update.Status = &status
			change.Promoted = true
			promoted++
		}

		batch = append(batch, storage.BatchUpdate{ID: task.ID, Update: update})
		changes = append(changes, change)
	}

	if len(batch) == 0 {
		return nil, nil
	}

	if _, err := r.store.UpdateTasks(batch, source); err != nil {
		return nil, err
	}

	if promoted > 0 && r.events != nil {
		if _, err := r.events.Append("dependencies.resolved", "", map[string]any{
			"changed":  len(changes),
			"promoted": promoted,
		}, source); err != nil {
			r.logger.Warn().Err(err).Msg("recording resolution event")
		}
	}

	return changes, nil
}
