// Package progress derives an automatic progress percentage for in-progress
// tasks from weighted, independently sourced signals, cross-checking the
// manually set value.
package progress

import (
	"context"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/taskmedic/taskmedic/internal/integration"
	"github.com/taskmedic/taskmedic/internal/storage"
	"github.com/taskmedic/taskmedic/pkg/models"
)

// Signal weights; they sum to 100.
const (
	weightFilesCreated  = 25
	weightFilesModified = 20
	weightCommits       = 20
	weightDependencies  = 15
	weightTests         = 10
	weightElapsed       = 10
)

// Suggested progress for in-progress tasks is clamped to this range:
// completion and not-started are explicit state transitions, never inferred.
const (
	minSuggested = 10
	maxSuggested = 95
)

// Suggestion is the tracker's derived progress for one task.
type Suggestion struct {
	TaskID  string             `json:"task_id"`
	Current int                `json:"current"`
	Derived int                `json:"derived"`
	Signals map[string]float64 `json:"signals"`
}

// Tracker computes suggested progress from file, commit, dependency, test,
// and time signals.
type Tracker struct {
	store    storage.TaskStore
	git      integration.GitClient
	tests    integration.TestRunner
	repoPath string
	logger   zerolog.Logger
}

// NewTracker creates a Tracker. git and tests may be nil; the
// corresponding signals then read as zero.
func NewTracker(store storage.TaskStore, git integration.GitClient, tests integration.TestRunner, repoPath string, logger zerolog.Logger) *Tracker {
	return &Tracker{
		store:    store,
		git:      git,
		tests:    tests,
		repoPath: repoPath,
		logger:   logger,
	}
}

// Suggest computes the derived progress for a task. Completed tasks are
// always 100 and not-started tasks always 0; everything else is the
// weighted signal sum clamped to [10, 95].
func (tr *Tracker) Suggest(ctx context.Context, task *models.Task, all []models.Task, now time.Time) Suggestion {
	s := Suggestion{
		TaskID:  task.ID,
		Current: task.Progress,
		Signals: make(map[string]float64),
	}

	switch task.Status {
	case models.StatusCompleted:
		s.Derived = 100
		return s
	case models.StatusNotStarted:
		s.Derived = 0
		return s
	}

	s.Signals["files_created"] = tr.filesCreatedRatio(task)
	s.Signals["files_modified"] = tr.filesModifiedRatio(ctx, task, now)
	s.Signals["commits"] = tr.commitRatio(ctx, task, now)
	s.Signals["dependencies"] = dependencyRatio(task, all)
	s.Signals["tests"] = tr.testSignal(ctx, task)
	s.Signals["elapsed"] = elapsedRatio(task, now)

	weighted := s.Signals["files_created"]*weightFilesCreated +
		s.Signals["files_modified"]*weightFilesModified +
		s.Signals["commits"]*weightCommits +
		s.Signals["dependencies"]*weightDependencies +
		s.Signals["tests"]*weightTests +
		s.Signals["elapsed"]*weightElapsed

	derived := int(weighted + 0.5)
	if derived < minSuggested {
		derived = minSuggested
	}
	if derived > maxSuggested {
		derived = maxSuggested
	}
	s.Derived = derived
	return s
}

// UpdateAllProgress recomputes and persists progress for every in-progress
// task whose derived value differs from the stored one. Returns the
// applied suggestions.
func (tr *Tracker) UpdateAllProgress(ctx context.Context, source string, now time.Time) ([]Suggestion, error) {
	all, err := tr.store.GetTasks(nil)
	if err != nil {
		return nil, err
	}

	var applied []Suggestion
	var batch []storage.BatchUpdate
	for i := range all {
		task := &all[i]
		if task.Status != models.StatusInProgress {
			continue
		}
		suggestion := tr.Suggest(ctx, task, all, now)
		if suggestion.Derived == task.Progress {
			continue
		}
		derived := suggestion.Derived
		batch = append(batch, storage.BatchUpdate{
			ID:     task.ID,
			Update: storage.TaskUpdate{Progress: &derived},
		})
		applied = append(applied, suggestion)
	}

	if len(batch) == 0 {
		return nil, nil
	}
	if _, err := tr.store.UpdateTasks(batch, source); err != nil {
		return nil, err
	}
	return applied, nil
}

func (tr *Tracker) filesCreatedRatio(task *models.Task) float64 {
	notes := task.ImplementationNotes
	if len(notes.FilesToCreate) == 0 {
		if len(notes.FilesCreated) > 0 {
			return 1
		}
		return 0
	}
	return capRatio(float64(len(notes.FilesCreated)) / float64(len(notes.FilesToCreate)))
}

// filesModifiedRatio checks version control for files actually touched
// since the task started. Git failures are "signal unavailable", not errors.
func (tr *Tracker) filesModifiedRatio(ctx context.Context, task *models.Task, now time.Time) float64 {
	notes := task.ImplementationNotes
	if tr.git == nil || len(notes.FilesToModify) == 0 {
		if len(notes.FilesModified) > 0 {
			return 1
		}
		return 0
	}

	changed, err := tr.git.ChangedFiles(ctx, tr.repoPath, startTime(task))
	if err != nil {
		tr.logger.Debug().Err(err).Str("task", task.ID).Msg("git diff signal unavailable")
		return 0
	}
	changedSet := make(map[string]bool, len(changed))
	for _, f := range changed {
		changedSet[f] = true
	}
	touched := 0
	for _, f := range notes.FilesToModify {
		if changedSet[f] {
			touched++
		}
	}
	return capRatio(float64(touched) / float64(len(notes.FilesToModify)))
}

func (tr *Tracker) commitRatio(ctx context.Context, task *models.Task, now time.Time) float64 {
	if tr.git == nil {
		return 0
	}
	count, err := tr.git.CommitCount(ctx, tr.repoPath, task.ID, startTime(task))
	if err != nil {
		tr.logger.Debug().Err(err).Str("task", task.ID).Msg("git commit signal unavailable")
		return 0
	}
	complexity := ""
	if task.Estimates != nil {
		complexity = task.Estimates.Complexity
	}
	expected := models.ExpectedCommits(complexity)
	return capRatio(float64(count) / float64(expected))
}

// dependencyRatio is the fraction of blockers already completed; an
// unblocked task scores full.
func dependencyRatio(task *models.Task, all []models.Task) float64 {
	blockers := task.Dependencies.BlockedBy
	if len(blockers) == 0 {
		return 1
	}
	completed := make(map[string]bool)
	for _, t := range all {
		if t.Status == models.StatusCompleted {
			completed[t.ID] = true
		}
	}
	done := 0
	for _, id := range blockers {
		if completed[id] {
			done++
		}
	}
	return float64(done) / float64(len(blockers))
}

// testSignal is 1 when a test run passes or a test-pattern file is
// recorded, else 0.
func (tr *Tracker) testSignal(ctx context.Context, task *models.Task) float64 {
	if tr.tests != nil {
		if passed, err := tr.tests.Run(ctx, tr.repoPath); err == nil && passed {
			return 1
		}
	}
	notes := task.ImplementationNotes
	for _, f := range append(append([]string(nil), notes.FilesCreated...), notes.FilesModified...) {
		if isTestPattern(f) {
			return 1
		}
	}
	return 0
}

func elapsedRatio(task *models.Task, now time.Time) float64 {
	if task.Estimates == nil || task.Estimates.EffortHours <= 0 {
		return 0
	}
	elapsed := now.Sub(startTime(task)).Hours()
	return capRatio(elapsed / task.Estimates.EffortHours)
}

func isTestPattern(path string) bool {
	lower := strings.ToLower(path)
	for _, pattern := range []string{"_test.", ".test.", ".spec.", "test/", "tests/"} {
		if strings.Contains(lower, pattern) {
			return true
		}
	}
	return false
}

func startTime(task *models.Task) time.Time {
	if task.StartedAt != nil {
		return *task.StartedAt
	}
	return task.CreatedAt
}

func capRatio(r float64) float64 {
	if r > 1 {
		return 1
	}
	if r < 0 {
		return 0
	}
	return r
}
