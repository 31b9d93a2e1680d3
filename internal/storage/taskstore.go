// Package storage owns the on-disk JSON task collection: atomic
// load/validate/save, timestamped backups, and mutation events.
//
// The store assumes a single writer. An advisory flock serializes racing
// saves on the backing file, but a load-mutate-save sequence from two
// processes can still lose the first writer's change; this is an accepted
// limitation for a single-operator CLI tool.
package storage

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/taskmedic/taskmedic/pkg/models"
)

// Sentinel errors forming the store's failure taxonomy. Callers use
// errors.Is to classify failures.
var (
	ErrNotInitialized = errors.New("task store not initialized (run init first)")
	ErrCorruptStore   = errors.New("task store is corrupt")
	ErrNotFound       = errors.New("task not found")
	ErrValidation     = errors.New("validation failed")
)

// DefaultCacheTTL bounds how long an in-process read cache is trusted
// before the collection is re-read from disk.
const DefaultCacheTTL = 5 * time.Second

// DefaultBackupRetention is how many timestamped backups are kept.
const DefaultBackupRetention = 10

// EventSink receives one record per mutation. The store logs and swallows
// sink failures; the audit trail must not block the primary save path.
type EventSink interface {
	LogMutation(operation, taskID string, changes map[string]any, source string) error
}

// TaskFilter selects tasks by status, priority, category, or id set.
// All specified fields use AND logic. Matches are returned in collection order.
type TaskFilter struct {
	Status   []models.TaskStatus
	Priority []models.Priority
	Category string
	IDs      []string
}

// TaskUpdate is a partial mutation of a single task. Nil pointer fields are
// left untouched.
type TaskUpdate struct {
	Title               *string
	Category            *string
	Priority            *models.Priority
	Status              *models.TaskStatus
	Progress            *int
	Dependencies        *models.Dependencies
	Estimates           *models.Estimates
	ImplementationNotes *models.ImplementationNotes
	ClearCompletedAt    bool
	AppendRemediation   *models.RemediationRecord
}

// BatchUpdate pairs a task id with its partial update.
type BatchUpdate struct {
	ID     string
	Update TaskUpdate
}

// Report aggregates collection-level health counts.
type Report struct {
	GeneratedAt time.Time                 `json:"generated_at"`
	Total       int                       `json:"total"`
	ByStatus    map[models.TaskStatus]int `json:"by_status"`
	ByPriority  map[models.Priority]int   `json:"by_priority"`
	Stuck       []models.Task             `json:"stuck"`
	Blocked     []models.Task             `json:"blocked"`
	Completed   []models.Task             `json:"completed"`
}

// stuckAfter is how long an in-progress task may go without an update
// before the health report lists it as stuck.
const stuckAfter = 3 * 24 * time.Hour

// TaskStore is the single source of truth for the task collection.
type TaskStore interface {
	Initialize() error
	GetTask(id string) (*models.Task, error)
	GetTasks(filter *TaskFilter) ([]models.Task, error)
	AddTask(task models.Task, source string) (*models.Task, error)
	UpdateTask(id string, update TaskUpdate, source string) (*models.Task, error)
	UpdateTasks(batch []BatchUpdate, source string) ([]models.Task, error)
	GenerateHealthReport() (*Report, error)
	Backup(source string) error
	Invalidate()
}

// fileTaskStore implements TaskStore over tasks/backlog.json.
type fileTaskStore struct {
	basePath  string
	retention int
	cacheTTL  time.Duration
	events    EventSink
	logger    zerolog.Logger
	now       func() time.Time

	mu       sync.Mutex
	cache    []models.Task
	cachedAt time.Time
}

// Option configures a file-backed task store.
type Option func(*fileTaskStore)

// WithBackupRetention overrides how many timestamped backups are kept.
func WithBackupRetention(n int) Option {
	return func(s *fileTaskStore) {
		if n > 0 {
			s.retention = n
		}
	}
}

// WithCacheTTL overrides the read-cache freshness window.
func WithCacheTTL(ttl time.Duration) Option {
	return func(s *fileTaskStore) { s.cacheTTL = ttl }
}

// WithClock overrides the wall clock, enabling deterministic tests.
func WithClock(now func() time.Time) Option {
	return func(s *fileTaskStore) { s.now = now }
}

// WithLogger sets the store's diagnostic logger.
func WithLogger(logger zerolog.Logger) Option {
	return func(s *fileTaskStore) { s.logger = logger }
}

// NewTaskStore creates a TaskStore rooted at basePath. events may be nil if
// mutation auditing is disabled.
func NewTaskStore(basePath string, events EventSink, opts ...Option) TaskStore {
	s := &fileTaskStore{
		basePath:  basePath,
		retention: DefaultBackupRetention,
		cacheTTL:  DefaultCacheTTL,
		events:    events,
		logger:    zerolog.Nop(),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *fileTaskStore) tasksDir() string {
	return filepath.Join(s.basePath, "tasks")
}

func (s *fileTaskStore) backlogPath() string {
	return filepath.Join(s.tasksDir(), "backlog.json")
}

func (s *fileTaskStore) backupDir() string {
	return filepath.Join(s.tasksDir(), "backups")
}

// Initialize creates the data directories and an empty backlog file if one
// does not exist yet.
func (s *fileTaskStore) Initialize() error {
	if err := os.MkdirAll(s.backupDir(), 0o750); err != nil {
		return fmt.Errorf("initializing store: %w", err)
	}
	if _, err := os.Stat(s.backlogPath()); err == nil {
		return nil
	}
	if err := os.WriteFile(s.backlogPath(), []byte("[]\n"), 0o600); err != nil {
		return fmt.Errorf("initializing store: writing backlog: %w", err)
	}
	return nil
}

// Invalidate drops the read cache, forcing the next load to hit disk.
func (s *fileTaskStore) Invalidate() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cache = nil
	s.cachedAt = time.Time{}
}

// load returns the current collection, from cache if fresh, else from disk.
// Callers must hold s.mu.
func (s *fileTaskStore) load() ([]models.Task, error) {
	if s.cache != nil && s.now().Sub(s.cachedAt) < s.cacheTTL {
		return cloneTasks(s.cache), nil
	}

	data, err := os.ReadFile(s.backlogPath())
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrNotInitialized, s.backlogPath())
		}
		return nil, fmt.Errorf("loading backlog: %w", err)
	}

	var tasks []models.Task
	if err := json.Unmarshal(data, &tasks); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorruptStore, err)
	}

	s.cache = cloneTasks(tasks)
	s.cachedAt = s.now()
	return tasks, nil
}

// persist writes the pre-save backup, then the full collection, under an
// advisory lock. Backup failures are logged and swallowed; they must not
// block the primary save.
func (s *fileTaskStore) persist(tasks []models.Task, source string) error {
	s.writeBackup(source)

	unlock, err := lockFile(s.backlogPath() + ".lock")
	if err != nil {
		s.logger.Warn().Err(err).Msg("could not acquire backlog lock, saving anyway")
	} else {
		defer func() { _ = unlock() }()
	}

	data, err := json.MarshalIndent(tasks, "", "  ")
	if err != nil {
		return fmt.Errorf("saving backlog: marshalling: %w", err)
	}
	data = append(data, '\n')

	if err := os.WriteFile(s.backlogPath(), data, 0o600); err != nil {
		return fmt.Errorf("saving backlog: %w", err)
	}

	s.cache = cloneTasks(tasks)
	s.cachedAt = s.now()
	return nil
}

// writeBackup snapshots the current on-disk collection into
// tasks/backlog.backup.json and a timestamped file under tasks/backups,
// then prunes old snapshots down to the retention count.
func (s *fileTaskStore) writeBackup(source string) {
	data, err := os.ReadFile(s.backlogPath())
	if err != nil {
		if !os.IsNotExist(err) {
			s.logger.Warn().Err(err).Msg("backup skipped: reading backlog")
		}
		return
	}

	if err := os.MkdirAll(s.backupDir(), 0o750); err != nil {
		s.logger.Warn().Err(err).Msg("backup skipped: creating backup dir")
		return
	}

	latest := filepath.Join(s.tasksDir(), "backlog.backup.json")
	if err := os.WriteFile(latest, data, 0o600); err != nil {
		s.logger.Warn().Err(err).Msg("writing latest backup")
	}

	stamp := s.now().UTC().Format("2006-01-02T15-04-05.000Z")
	if source == "" {
		source = "unknown"
	}
	name := fmt.Sprintf("backlog-%s-%s.json", stamp, sanitizeSource(source))
	if err := os.WriteFile(filepath.Join(s.backupDir(), name), data, 0o600); err != nil {
		s.logger.Warn().Err(err).Msg("writing timestamped backup")
		return
	}

	s.pruneBackups()
}

// sanitizeSource strips path-hostile characters so the mutation source can
// be embedded in a backup filename.
func sanitizeSource(source string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			return r
		case r == '-' || r == '_' || r == '.':
			return r
		default:
			return '_'
		}
	}, source)
}

// pruneBackups keeps only the most recent retention backups. The timestamp
// prefix makes lexical order match chronological order.
func (s *fileTaskStore) pruneBackups() {
	entries, err := os.ReadDir(s.backupDir())
	if err != nil {
		s.logger.Warn().Err(err).Msg("pruning backups: listing")
		return
	}

	var names []string
	for _, e := range entries {
		if !e.IsDir() && strings.HasPrefix(e.Name(), "backlog-") && strings.HasSuffix(e.Name(), ".json") {
			names = append(names, e.Name())
		}
	}
	if len(names) <= s.retention {
		return
	}

	sort.Strings(names)
	for _, name := range names[:len(names)-s.retention] {
		if err := os.Remove(filepath.Join(s.backupDir(), name)); err != nil {
			s.logger.Warn().Err(err).Str("backup", name).Msg("pruning backup")
		}
	}
}

// Backup snapshots the collection outside the save path, used by the
// remediation engine's safe mode.
func (s *fileTaskStore) Backup(source string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.writeBackup(source)
	return nil
}

// GetTask returns the task with the given id.
func (s *fileTaskStore) GetTask(id string) (*models.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tasks, err := s.load()
	if err != nil {
		return nil, err
	}
	for i := range tasks {
		if tasks[i].ID == id {
			t := tasks[i]
			return &t, nil
		}
	}
	return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
}

// GetTasks returns tasks matching the filter in collection order. A nil
// filter returns everything.
func (s *fileTaskStore) GetTasks(filter *TaskFilter) ([]models.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tasks, err := s.load()
	if err != nil {
		return nil, err
	}
	if filter == nil {
		return tasks, nil
	}

	var result []models.Task
	for _, t := range tasks {
		if matchesFilter(t, filter) {
			result = append(result, t)
		}
	}
	return result, nil
}

func matchesFilter(t models.Task, filter *TaskFilter) bool {
	if len(filter.Status) > 0 && !containsStatus(filter.Status, t.Status) {
		return false
	}
	if len(filter.Priority) > 0 && !containsPriority(filter.Priority, t.Priority) {
		return false
	}
	if filter.Category != "" && t.Category != filter.Category {
		return false
	}
	if len(filter.IDs) > 0 {
		found := false
		for _, id := range filter.IDs {
			if t.ID == id {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

func containsStatus(haystack []models.TaskStatus, needle models.TaskStatus) bool {
	for _, s := range haystack {
		if s == needle {
			return true
		}
	}
	return false
}

func containsPriority(haystack []models.Priority, needle models.Priority) bool {
	for _, p := range haystack {
		if p == needle {
			return true
		}
	}
	return false
}

// AddTask appends a new task to the collection. Duplicate ids are rejected.
func (s *fileTaskStore) AddTask(task models.Task, source string) (*models.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tasks, err := s.load()
	if err != nil {
		return nil, err
	}

	if task.ID == "" {
		return nil, fmt.Errorf("%w: task id must not be empty", ErrValidation)
	}
	for i := range tasks {
		if tasks[i].ID == task.ID {
			return nil, fmt.Errorf("%w: task %s already exists", ErrValidation, task.ID)
		}
	}
	if containsString(task.Dependencies.BlockedBy, task.ID) {
		return nil, fmt.Errorf("%w: task %s cannot block itself", ErrValidation, task.ID)
	}
	if task.Status == "" {
		task.Status = models.StatusNotStarted
	}
	if !models.ValidStatus(task.Status) {
		return nil, fmt.Errorf("%w: unknown status %q", ErrValidation, task.Status)
	}
	if task.Priority != "" && !models.ValidPriority(task.Priority) {
		return nil, fmt.Errorf("%w: unknown priority %q", ErrValidation, task.Priority)
	}

	now := s.now().UTC()
	if task.CreatedAt.IsZero() {
		task.CreatedAt = now
	}
	task.UpdatedAt = now
	if task.Status == models.StatusNotStarted {
		task.Progress = 0
	}

	tasks = append(tasks, task)
	if err := s.persist(tasks, source); err != nil {
		return nil, err
	}
	s.logEvent("task.added", task.ID, map[string]any{
		"title":    task.Title,
		"status":   string(task.Status),
		"priority": string(task.Priority),
	}, source)

	added := task
	return &added, nil
}

// UpdateTask validates and applies a partial update to one task, writing a
// backup of the pre-update collection before persisting. The whole call
// aborts before any write on validation failure.
func (s *fileTaskStore) UpdateTask(id string, update TaskUpdate, source string) (*models.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tasks, err := s.load()
	if err != nil {
		return nil, err
	}

	idx := -1
	for i := range tasks {
		if tasks[i].ID == id {
			idx = i
			break
		}
	}
	if idx == -1 {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}

	if err := validateUpdate(&tasks[idx], update); err != nil {
		return nil, err
	}

	changes := applyUpdate(&tasks[idx], update, s.now().UTC())

	if err := s.persist(tasks, source); err != nil {
		return nil, err
	}
	s.logEvent("task.updated", id, changes, source)

	updated := tasks[idx]
	return &updated, nil
}

// UpdateTasks validates every item against the current collection before
// applying any mutation, then persists once. Persistence is not atomic
// across items: a failure during the final save leaves no partial file, but
// callers must not assume rollback of in-memory effects.
func (s *fileTaskStore) UpdateTasks(batch []BatchUpdate, source string) ([]models.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tasks, err := s.load()
	if err != nil {
		return nil, err
	}

	index := make(map[string]int, len(tasks))
	for i := range tasks {
		index[tasks[i].ID] = i
	}

	// All-or-nothing validation pass first.
	for _, item := range batch {
		i, ok := index[item.ID]
		if !ok {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, item.ID)
		}
		if err := validateUpdate(&tasks[i], item.Update); err != nil {
			return nil, fmt.Errorf("task %s: %w", item.ID, err)
		}
	}

	now := s.now().UTC()
	changesByTask := make(map[string]map[string]any, len(batch))
	var updated []models.Task
	for _, item := range batch {
		i := index[item.ID]
		changesByTask[item.ID] = applyUpdate(&tasks[i], item.Update, now)
		updated = append(updated, tasks[i])
	}

	if err := s.persist(tasks, source); err != nil {
		return nil, err
	}
	for _, item := range batch {
		s.logEvent("task.updated", item.ID, changesByTask[item.ID], source)
	}

	return updated, nil
}

// GenerateHealthReport aggregates counts by status and priority, tasks
// stuck more than three days without update, blocked tasks, and completed
// tasks.
func (s *fileTaskStore) GenerateHealthReport() (*Report, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tasks, err := s.load()
	if err != nil {
		return nil, err
	}

	now := s.now().UTC()
	report := &Report{
		GeneratedAt: now,
		Total:       len(tasks),
		ByStatus:    make(map[models.TaskStatus]int),
		ByPriority:  make(map[models.Priority]int),
	}

	for _, t := range tasks {
		report.ByStatus[t.Status]++
		if t.Priority != "" {
			report.ByPriority[t.Priority]++
		}
		switch {
		case t.Status == models.StatusCompleted:
			report.Completed = append(report.Completed, t)
		case t.Status == models.StatusBlocked:
			report.Blocked = append(report.Blocked, t)
		}
		if t.Status == models.StatusInProgress && now.Sub(t.UpdatedAt) > stuckAfter {
			report.Stuck = append(report.Stuck, t)
		}
	}

	return report, nil
}

// validateUpdate enforces the protected-task and status-transition
// invariants against the stored task.
func validateUpdate(current *models.Task, update TaskUpdate) error {
	if update.Status != nil {
		if !models.ValidStatus(*update.Status) {
			return fmt.Errorf("%w: unknown status %q", ErrValidation, *update.Status)
		}
		if !models.ValidTransition(current.Status, *update.Status) {
			return fmt.Errorf("%w: illegal transition %s -> %s", ErrValidation, current.Status, *update.Status)
		}
	}
	if update.Priority != nil && !models.ValidPriority(*update.Priority) {
		return fmt.Errorf("%w: unknown priority %q", ErrValidation, *update.Priority)
	}
	if update.Progress != nil {
		if *update.Progress < 0 || *update.Progress > 100 {
			return fmt.Errorf("%w: progress %d out of range [0,100]", ErrValidation, *update.Progress)
		}
		// An explicit progress must agree with the effective status.
		effective := current.Status
		if update.Status != nil {
			effective = *update.Status
		}
		if effective == models.StatusCompleted && *update.Progress != 100 {
			return fmt.Errorf("%w: completed tasks are pinned at 100%%", ErrValidation)
		}
		if effective == models.StatusNotStarted && *update.Progress != 0 {
			return fmt.Errorf("%w: not-started tasks are pinned at 0%%", ErrValidation)
		}
	}
	if update.Dependencies != nil && containsString(update.Dependencies.BlockedBy, current.ID) {
		return fmt.Errorf("%w: task %s cannot block itself", ErrValidation, current.ID)
	}

	if current.Protected() {
		// Only progress, completed_at, updated_at, and implementation
		// notes may change on a protected task.
		if update.Title != nil && *update.Title != current.Title {
			return protectedErr(current.ID, "title")
		}
		if update.Category != nil && *update.Category != current.Category {
			return protectedErr(current.ID, "category")
		}
		if update.Priority != nil && *update.Priority != current.Priority {
			return protectedErr(current.ID, "priority")
		}
		if update.Status != nil && *update.Status != current.Status {
			return protectedErr(current.ID, "status")
		}
		if update.Dependencies != nil {
			return protectedErr(current.ID, "dependencies")
		}
		if update.Estimates != nil {
			return protectedErr(current.ID, "estimates")
		}
		if update.AppendRemediation != nil {
			return protectedErr(current.ID, "remediation_history")
		}
	}
	return nil
}

func protectedErr(id, field string) error {
	return fmt.Errorf("%w: task %s is protected (verified, do-not-revert); %s cannot change", ErrValidation, id, field)
}

// applyUpdate merges the update into the task, auto-derives completion
// fields, stamps updated_at, and returns the change set for the event log.
func applyUpdate(t *models.Task, update TaskUpdate, now time.Time) map[string]any {
	changes := make(map[string]any)

	if update.Title != nil && *update.Title != t.Title {
		t.Title = *update.Title
		changes["title"] = t.Title
	}
	if update.Category != nil && *update.Category != t.Category {
		t.Category = *update.Category
		changes["category"] = t.Category
	}
	if update.Priority != nil && *update.Priority != t.Priority {
		t.Priority = *update.Priority
		changes["priority"] = string(t.Priority)
	}
	if update.Progress != nil && *update.Progress != t.Progress {
		t.Progress = *update.Progress
		changes["progress"] = t.Progress
	}
	// Status derivation runs after any explicit progress so the
	// completed=100 / not-started=0 invariants always win.
	if update.Status != nil && *update.Status != t.Status {
		changes["previous_status"] = string(t.Status)
		t.Status = *update.Status
		changes["status"] = string(t.Status)

		switch t.Status {
		case models.StatusCompleted:
			t.Progress = 100
			if t.CompletedAt == nil {
				completed := now
				t.CompletedAt = &completed
			}
			changes["progress"] = t.Progress
		case models.StatusNotStarted:
			t.Progress = 0
			changes["progress"] = t.Progress
		case models.StatusInProgress:
			if t.StartedAt == nil {
				started := now
				t.StartedAt = &started
			}
		}
	}
	if update.Dependencies != nil {
		t.Dependencies = *update.Dependencies
		changes["blocked_by"] = append([]string(nil), t.Dependencies.BlockedBy...)
	}
	if update.Estimates != nil {
		t.Estimates = update.Estimates
		changes["estimates"] = "updated"
	}
	if update.ImplementationNotes != nil {
		t.ImplementationNotes = *update.ImplementationNotes
		changes["implementation_notes"] = "updated"
	}
	if update.ClearCompletedAt && t.CompletedAt != nil {
		t.CompletedAt = nil
		changes["completed_at"] = nil
	}
	if update.AppendRemediation != nil {
		t.RemediationHistory = append(t.RemediationHistory, *update.AppendRemediation)
		changes["remediation"] = update.AppendRemediation.Type
	}

	t.UpdatedAt = now
	return changes
}

func (s *fileTaskStore) logEvent(operation, taskID string, changes map[string]any, source string) {
	if s.events == nil {
		return
	}
	if err := s.events.LogMutation(operation, taskID, changes, source); err != nil {
		s.logger.Warn().Err(err).Str("operation", operation).Msg("appending mutation event")
	}
}

func cloneTasks(tasks []models.Task) []models.Task {
	out := make([]models.Task, len(tasks))
	for i := range tasks {
		out[i] = cloneTask(tasks[i])
	}
	return out
}

// cloneTask copies the nested slices and pointers so callers mutating a
// returned task cannot reach into the cache.
func cloneTask(t models.Task) models.Task {
	t.Dependencies.BlockedBy = append([]string(nil), t.Dependencies.BlockedBy...)
	t.Dependencies.RequiredFor = append([]string(nil), t.Dependencies.RequiredFor...)
	if t.Estimates != nil {
		e := *t.Estimates
		t.Estimates = &e
	}
	notes := &t.ImplementationNotes
	notes.FilesCreated = append([]string(nil), notes.FilesCreated...)
	notes.FilesModified = append([]string(nil), notes.FilesModified...)
	notes.FilesToCreate = append([]string(nil), notes.FilesToCreate...)
	notes.FilesToModify = append([]string(nil), notes.FilesToModify...)
	notes.ProgressAdjustments = append([]models.ProgressAdjustment(nil), notes.ProgressAdjustments...)
	notes.StuckSince = cloneTime(notes.StuckSince)
	notes.LastHealthCheck = cloneTime(notes.LastHealthCheck)
	t.StartedAt = cloneTime(t.StartedAt)
	t.CompletedAt = cloneTime(t.CompletedAt)
	t.RemediationHistory = append([]models.RemediationRecord(nil), t.RemediationHistory...)
	return t
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

func containsString(haystack []string, needle string) bool {
	for _, s := range haystack {
		if s == needle {
			return true
		}
	}
	return false
}
