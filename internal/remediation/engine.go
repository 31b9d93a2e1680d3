// Package remediation applies bounded, confidence-gated, priority-ordered
// corrective writes in response to issues detected by the health monitor.
package remediation

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/taskmedic/taskmedic/internal/health"
	"github.com/taskmedic/taskmedic/internal/observability"
	"github.com/taskmedic/taskmedic/internal/storage"
	"github.com/taskmedic/taskmedic/pkg/models"
)

// Source is the mutation source recorded for engine writes.
const Source = "remediation"

// OpRevertCompletion is the event operation recorded when a false
// completion is reverted. The monitor's grace period keys off it.
const OpRevertCompletion = "remediation.revert_completion"

// Config bounds a remediation run. A zero ConfidenceThreshold or
// MaxAutoFixes means the DefaultConfig value; there is no way to request
// a zero gate or a zero cap, a run that must not write uses DryRun.
type Config struct {
	DryRun              bool
	SafeMode            bool
	ConfidenceThreshold float64
	MaxAutoFixes        int
}

// DefaultConfig returns the standard run bounds.
func DefaultConfig() Config {
	return Config{
		SafeMode:            true,
		ConfidenceThreshold: 0.7,
		MaxAutoFixes:        10,
	}
}

// typePriority orders issue types for remediation; lower runs first.
func typePriority(t health.IssueType) int {
	switch t {
	case health.IssueFalseCompletion:
		return 1
	case health.IssueStuck:
		return 2
	case health.IssueInvalidBlocked:
		return 3
	case health.IssueNoImplementation:
		return 4
	case health.IssueDependencyResolution:
		return 5
	case health.IssueProgressMismatch:
		return 6
	case health.IssueNoProgress:
		return 7
	case health.IssueLowProgress:
		return 8
	case health.IssueStale:
		return 9
	default:
		return 999
	}
}

// Outcome records one attempted remediation.
type Outcome struct {
	Issue   health.Issue `json:"issue"`
	Action  string       `json:"action"`
	Applied bool         `json:"applied"`
	Error   string       `json:"error,omitempty"`
}

// Result is the outcome of a full remediation batch.
type Result struct {
	TaskID    string         `json:"task_id"`
	Applied   []Outcome      `json:"applied"`
	Remaining []health.Issue `json:"remaining"`
	Success   bool           `json:"success"`
}

// Engine selects and applies corrective mutations through the task store.
type Engine struct {
	store   storage.TaskStore
	events  observability.EventLog
	logPath string
	logger  zerolog.Logger
	now     func() time.Time

	mu sync.Mutex
}

// NewEngine creates an Engine. events may be nil, which disables the
// revert-completion event (and with it the monitor's grace period).
func NewEngine(store storage.TaskStore, events observability.EventLog, logPath string, logger zerolog.Logger) *Engine {
	return &Engine{
		store:   store,
		events:  events,
		logPath: logPath,
		logger:  logger,
		now:     time.Now,
	}
}

// RecentlyReverted reports whether a revert-completion event for the task
// occurred within the window before now. It implements health.RevertChecker.
func (e *Engine) RecentlyReverted(taskID string, within time.Duration, now time.Time) bool {
	if e.events == nil {
		return false
	}
	since := now.Add(-within)
	events, err := e.events.Read(observability.EventFilter{
		Since:     &since,
		Operation: OpRevertCompletion,
		TaskID:    taskID,
	})
	if err != nil {
		e.logger.Warn().Err(err).Str("task", taskID).Msg("checking revert history")
		return false
	}
	return len(events) > 0
}

// Remediate applies corrective mutations for the task's issues in priority
// order, skipping low-confidence issues and stopping at the per-run cap.
// A failing strategy is logged and does not abort the remaining issues.
func (e *Engine) Remediate(task *models.Task, issues []health.Issue, cfg Config) Result {
	e.mu.Lock()
	defer e.mu.Unlock()

	if cfg.ConfidenceThreshold == 0 {
		cfg.ConfidenceThreshold = 0.7
	}
	if cfg.MaxAutoFixes == 0 {
		cfg.MaxAutoFixes = 10
	}

	ordered := make([]health.Issue, len(issues))
	copy(ordered, issues)
	sort.SliceStable(ordered, func(i, j int) bool {
		pi, pj := typePriority(ordered[i].Type), typePriority(ordered[j].Type)
		if pi != pj {
			return pi < pj
		}
		return ordered[i].Severity.Rank() < ordered[j].Severity.Rank()
	})

	result := Result{TaskID: task.ID, Success: true}

	if cfg.SafeMode && !cfg.DryRun {
		if err := e.store.Backup(Source); err != nil {
			e.logger.Warn().Err(err).Msg("safe-mode backup failed")
		}
	}

	fixes := 0
	for _, issue := range ordered {
		if !hasStrategy(issue.Type) {
			result.Remaining = append(result.Remaining, issue)
			continue
		}
		confidence := issue.Confidence
		if confidence == 0 {
			confidence = 1.0
		}
		if confidence < cfg.ConfidenceThreshold {
			result.Remaining = append(result.Remaining, issue)
			continue
		}
		if fixes >= cfg.MaxAutoFixes {
			result.Remaining = append(result.Remaining, issue)
			continue
		}

		outcome := e.apply(task, issue, cfg)
		if outcome.Error != "" {
			result.Success = false
			e.logger.Error().
				Str("task", task.ID).
				Str("issue", string(issue.Type)).
				Str("error", outcome.Error).
				Msg("remediation strategy failed")
		} else if outcome.Applied {
			fixes++
		}
		result.Applied = append(result.Applied, outcome)
		e.audit(task.ID, issue, outcome, cfg.DryRun)
	}

	return result
}

// hasStrategy reports whether a corrective strategy exists for the type.
func hasStrategy(t health.IssueType) bool {
	return typePriority(t) != 999
}

// apply dispatches to the strategy for the issue type. The switch is
// exhaustive over the closed issue set.
func (e *Engine) apply(task *models.Task, issue health.Issue, cfg Config) Outcome {
	var (
		action string
		err    error
	)

	switch issue.Type {
	case health.IssueFalseCompletion:
		action, err = e.revertCompletion(task, cfg)
	case health.IssueStuck:
		action, err = e.unstick(task, cfg)
	case health.IssueInvalidBlocked:
		action, err = e.fixInvalidBlocked(task, cfg)
	case health.IssueNoImplementation:
		action, err = e.flagMissingImplementation(task, cfg)
	case health.IssueDependencyResolution:
		action, err = e.resolveCompletedBlockers(task, cfg)
	case health.IssueProgressMismatch:
		action, err = e.realignProgress(task, cfg)
	case health.IssueNoProgress:
		action, err = e.flagMissingImplementation(task, cfg)
	case health.IssueLowProgress:
		action, err = e.flagForDecomposition(task, cfg)
	case health.IssueStale:
		action, err = e.requestStatusUpdate(task, cfg)
	default:
		return Outcome{Issue: issue, Action: "no strategy"}
	}

	outcome := Outcome{Issue: issue, Action: action, Applied: err == nil && !cfg.DryRun}
	if err != nil {
		outcome.Error = err.Error()
	}
	return outcome
}

// revertCompletion moves a falsely completed task back to in-progress,
// clamps its progress, removes completed_at, and records the revert in the
// task's remediation history and the event log.
func (e *Engine) revertCompletion(task *models.Task, cfg Config) (string, error) {
	newProgress := task.Progress
	if newProgress <= 0 {
		newProgress = 50
	}
	if newProgress > 75 {
		newProgress = 75
	}
	action := fmt.Sprintf("revert completion: status -> in-progress, progress -> %d", newProgress)
	if cfg.DryRun {
		return action, nil
	}

	now := e.now().UTC()
	status := models.StatusInProgress
	record := models.RemediationRecord{
		Timestamp:      now,
		Type:           "revert_completion",
		PreviousStatus: task.Status,
		NewStatus:      status,
		Reason:         "completed with no implementation evidence",
	}
	updated, err := e.store.UpdateTask(task.ID, storage.TaskUpdate{
		Status:            &status,
		Progress:          &newProgress,
		ClearCompletedAt:  true,
		AppendRemediation: &record,
	}, Source)
	if err != nil {
		return action, err
	}
	*task = *updated

	if e.events != nil {
		if _, err := e.events.Append(OpRevertCompletion, task.ID, map[string]any{
			"previous_status": string(record.PreviousStatus),
			"new_status":      string(record.NewStatus),
			"progress":        newProgress,
		}, Source); err != nil {
			e.logger.Warn().Err(err).Msg("recording revert event")
		}
	}
	return action, nil
}

// unstick clears blockers that are already completed and flags the task
// for attention regardless.
func (e *Engine) unstick(task *models.Task, cfg Config) (string, error) {
	removed := e.completedBlockers(task)
	action := fmt.Sprintf("flag for attention, clear %d completed blockers", len(removed))
	if cfg.DryRun {
		return action, nil
	}

	now := e.now().UTC()
	notes := task.ImplementationNotes
	notes.RequiresAttention = true
	notes.StuckSince = &now

	update := storage.TaskUpdate{ImplementationNotes: &notes}
	if len(removed) > 0 {
		deps := task.Dependencies
		deps.BlockedBy = removeAll(deps.BlockedBy, removed)
		update.Dependencies = &deps
	}
	updated, err := e.store.UpdateTask(task.ID, update, Source)
	if err != nil {
		return action, err
	}
	*task = *updated
	return action, nil
}

// fixInvalidBlocked promotes a blocked task with no blockers to ready.
func (e *Engine) fixInvalidBlocked(task *models.Task, cfg Config) (string, error) {
	action := "promote invalid blocked task to ready"
	if cfg.DryRun {
		return action, nil
	}

	status := models.StatusReady
	deps := task.Dependencies
	deps.BlockedBy = nil
	updated, err := e.store.UpdateTask(task.ID, storage.TaskUpdate{
		Status:       &status,
		Dependencies: &deps,
	}, Source)
	if err != nil {
		return action, err
	}
	*task = *updated
	return action, nil
}

// flagMissingImplementation corrects over-claimed progress and flags the
// task as requiring implementation evidence.
func (e *Engine) flagMissingImplementation(task *models.Task, cfg Config) (string, error) {
	action := "flag as requiring implementation"
	clamp := task.Progress > 20
	if clamp {
		action = "clamp over-claimed progress to 10, flag as requiring implementation"
	}
	if cfg.DryRun {
		return action, nil
	}

	notes := task.ImplementationNotes
	notes.RequiresImplementation = true
	notes.ImplementationNote = "no recorded file work backs the claimed progress"

	update := storage.TaskUpdate{ImplementationNotes: &notes}
	if clamp {
		progress := 10
		update.Progress = &progress
	}
	updated, err := e.store.UpdateTask(task.ID, update, Source)
	if err != nil {
		return action, err
	}
	*task = *updated
	return action, nil
}

// resolveCompletedBlockers removes blockers whose referenced task is
// completed.
func (e *Engine) resolveCompletedBlockers(task *models.Task, cfg Config) (string, error) {
	removed := e.completedBlockers(task)
	action := fmt.Sprintf("remove %d completed blockers", len(removed))
	if cfg.DryRun || len(removed) == 0 {
		return action, nil
	}

	deps := task.Dependencies
	deps.BlockedBy = removeAll(deps.BlockedBy, removed)
	updated, err := e.store.UpdateTask(task.ID, storage.TaskUpdate{Dependencies: &deps}, Source)
	if err != nil {
		return action, err
	}
	*task = *updated
	return action, nil
}

// realignProgress recomputes progress from the implementation file ratio
// and records the delta.
func (e *Engine) realignProgress(task *models.Task, cfg Config) (string, error) {
	notes := task.ImplementationNotes
	expected := len(notes.FilesToCreate) + len(notes.FilesToModify)
	actual := len(notes.FilesCreated) + len(notes.FilesModified)

	derived := task.Progress
	if expected > 0 {
		derived = actual * 100 / expected
		if derived > 100 {
			derived = 100
		}
	}
	action := fmt.Sprintf("realign progress %d -> %d from implementation ratio", task.Progress, derived)
	if cfg.DryRun || derived == task.Progress {
		return action, nil
	}

	notes.ProgressAdjustments = append(notes.ProgressAdjustments, models.ProgressAdjustment{
		Timestamp: e.now().UTC(),
		From:      task.Progress,
		To:        derived,
		Reason:    "implementation file ratio diverged from stated progress",
	})
	updated, err := e.store.UpdateTask(task.ID, storage.TaskUpdate{
		Progress:            &derived,
		ImplementationNotes: &notes,
	}, Source)
	if err != nil {
		return action, err
	}
	*task = *updated
	return action, nil
}

// flagForDecomposition marks a slow-moving task as needing decomposition.
func (e *Engine) flagForDecomposition(task *models.Task, cfg Config) (string, error) {
	action := "flag as requiring decomposition"
	if cfg.DryRun {
		return action, nil
	}

	notes := task.ImplementationNotes
	notes.RequiresDecomposition = true
	notes.DecompositionNote = "low progress over an extended period; consider splitting into smaller tasks"
	updated, err := e.store.UpdateTask(task.ID, storage.TaskUpdate{ImplementationNotes: &notes}, Source)
	if err != nil {
		return action, err
	}
	*task = *updated
	return action, nil
}

// requestStatusUpdate flags a stale task and stamps the health check time.
func (e *Engine) requestStatusUpdate(task *models.Task, cfg Config) (string, error) {
	action := "flag as requiring a status update"
	if cfg.DryRun {
		return action, nil
	}

	now := e.now().UTC()
	notes := task.ImplementationNotes
	notes.RequiresStatusUpdate = true
	notes.LastHealthCheck = &now
	updated, err := e.store.UpdateTask(task.ID, storage.TaskUpdate{ImplementationNotes: &notes}, Source)
	if err != nil {
		return action, err
	}
	*task = *updated
	return action, nil
}

// completedBlockers returns the subset of the task's blockers whose
// referenced task is completed.
func (e *Engine) completedBlockers(task *models.Task) []string {
	if len(task.Dependencies.BlockedBy) == 0 {
		return nil
	}
	all, err := e.store.GetTasks(nil)
	if err != nil {
		e.logger.Warn().Err(err).Msg("loading tasks for blocker resolution")
		return nil
	}
	completed := make(map[string]bool)
	for _, t := range all {
		if t.Status == models.StatusCompleted {
			completed[t.ID] = true
		}
	}
	var done []string
	for _, id := range task.Dependencies.BlockedBy {
		if completed[id] {
			done = append(done, id)
		}
	}
	return done
}

// auditRecord is one line in the remediation audit log.
type auditRecord struct {
	ID        string    `json:"id"`
	Timestamp time.Time `json:"timestamp"`
	TaskID    string    `json:"task_id"`
	IssueType string    `json:"issue_type"`
	Action    string    `json:"action"`
	Applied   bool      `json:"applied"`
	DryRun    bool      `json:"dry_run"`
	Error     string    `json:"error,omitempty"`
}

// audit appends the outcome to the remediation log, independent of the
// store's own event log. Audit failures are logged and swallowed.
func (e *Engine) audit(taskID string, issue health.Issue, outcome Outcome, dryRun bool) {
	if e.logPath == "" {
		return
	}
	record := auditRecord{
		ID:        uuid.NewString(),
		Timestamp: e.now().UTC(),
		TaskID:    taskID,
		IssueType: string(issue.Type),
		Action:    outcome.Action,
		Applied:   outcome.Applied,
		DryRun:    dryRun,
		Error:     outcome.Error,
	}
	data, err := json.Marshal(record)
	if err != nil {
		e.logger.Warn().Err(err).Msg("marshalling remediation audit record")
		return
	}
	data = append(data, '\n')

	f, err := os.OpenFile(e.logPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		e.logger.Warn().Err(err).Msg("opening remediation log")
		return
	}
	defer func() { _ = f.Close() }()
	if _, err := f.Write(data); err != nil {
		e.logger.Warn().Err(err).Msg("writing remediation log")
	}
}

func removeAll(list, remove []string) []string {
	drop := make(map[string]bool, len(remove))
	for _, r := range remove {
		drop[r] = true
	}
	var out []string
	for _, s := range list {
		if !drop[s] {
			out = append(out, s)
		}
	}
	return out
}
