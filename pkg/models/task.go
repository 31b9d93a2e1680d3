package models

import "time"

// TaskStatus represents the current lifecycle state of a task.
type TaskStatus string

const (
	StatusNotStarted TaskStatus = "not-started"
	StatusReady      TaskStatus = "ready"
	StatusInProgress TaskStatus = "in-progress"
	StatusBlocked    TaskStatus = "blocked"
	StatusCompleted  TaskStatus = "completed"
)

// Priority represents the urgency level of a task.
type Priority string

const (
	P0 Priority = "P0"
	P1 Priority = "P1"
	P2 Priority = "P2"
	P3 Priority = "P3"
)

// Dependencies holds the directed dependency edges of a task.
type Dependencies struct {
	BlockedBy   []string `json:"blocked_by"`
	RequiredFor []string `json:"required_for"`
}

// Estimates carries advisory sizing information used only for scoring.
type Estimates struct {
	EffortHours float64 `json:"effort_hours,omitempty"`
	Complexity  string  `json:"complexity,omitempty"` // S, M, L, XL
	RiskLevel   string  `json:"risk_level,omitempty"`
}

// ProgressAdjustment records an automatic progress correction.
type ProgressAdjustment struct {
	Timestamp time.Time `json:"timestamp"`
	From      int       `json:"from"`
	To        int       `json:"to"`
	Reason    string    `json:"reason"`
}

// ImplementationNotes is the free-form evidence bag attached to a task,
// including remediation and audit annotations written by the engine.
type ImplementationNotes struct {
	FilesCreated  []string `json:"files_created,omitempty"`
	FilesModified []string `json:"files_modified,omitempty"`
	FilesToCreate []string `json:"files_to_create,omitempty"`
	FilesToModify []string `json:"files_to_modify,omitempty"`

	Verified    bool `json:"verified,omitempty"`
	DoNotRevert bool `json:"do_not_revert,omitempty"`

	RequiresAttention      bool       `json:"requires_attention,omitempty"`
	StuckSince             *time.Time `json:"stuck_since,omitempty"`
	RequiresImplementation bool       `json:"requires_implementation,omitempty"`
	ImplementationNote     string     `json:"implementation_note,omitempty"`
	RequiresDecomposition  bool       `json:"requires_decomposition,omitempty"`
	DecompositionNote      string     `json:"decomposition_note,omitempty"`
	RequiresStatusUpdate   bool       `json:"requires_status_update,omitempty"`
	LastHealthCheck        *time.Time `json:"last_health_check,omitempty"`

	ProgressAdjustments []ProgressAdjustment `json:"progress_adjustments,omitempty"`
}

// RemediationRecord is one append-only entry in a task's remediation history.
type RemediationRecord struct {
	Timestamp      time.Time  `json:"timestamp"`
	Type           string     `json:"type"`
	PreviousStatus TaskStatus `json:"previous_status"`
	NewStatus      TaskStatus `json:"new_status"`
	Reason         string     `json:"reason"`
}

// Task represents a unit of trackable work with status, progress, and
// dependency metadata. Tasks are persisted as a JSON array on disk and are
// never physically deleted.
type Task struct {
	ID       string     `json:"id"`
	Title    string     `json:"title"`
	Category string     `json:"category,omitempty"`
	Priority Priority   `json:"priority"`
	Status   TaskStatus `json:"status"`
	Progress int        `json:"progress"`

	Dependencies        Dependencies        `json:"dependencies"`
	Estimates           *Estimates          `json:"estimates,omitempty"`
	ImplementationNotes ImplementationNotes `json:"implementation_notes"`

	CreatedAt   time.Time  `json:"created_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	UpdatedAt   time.Time  `json:"updated_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`

	RemediationHistory []RemediationRecord `json:"remediation_history,omitempty"`
}

// Protected reports whether the task is exempt from most automated mutation.
// A protected task only permits changes to progress, completed_at,
// updated_at, and implementation_notes.
func (t *Task) Protected() bool {
	return t.ImplementationNotes.Verified && t.ImplementationNotes.DoNotRevert
}

// HasImplementationEvidence reports whether any created or modified files
// are recorded on the task.
func (t *Task) HasImplementationEvidence() bool {
	return len(t.ImplementationNotes.FilesCreated) > 0 || len(t.ImplementationNotes.FilesModified) > 0
}

// allowedTransitions is the restricted status transition graph. Any
// transition not listed here is rejected on write. The ready state is
// reachable from not-started and blocked so the dependency resolver and the
// invalid-blocked remediation can promote unblocked tasks.
var allowedTransitions = map[TaskStatus][]TaskStatus{
	StatusNotStarted: {StatusReady, StatusInProgress, StatusBlocked},
	StatusReady:      {StatusInProgress, StatusBlocked, StatusNotStarted},
	StatusInProgress: {StatusCompleted, StatusBlocked, StatusNotStarted},
	StatusBlocked:    {StatusReady, StatusInProgress, StatusNotStarted},
	StatusCompleted:  {StatusInProgress},
}

// ValidTransition reports whether a status change from one state to another
// is permitted. A no-op transition (from == to) is always valid.
func ValidTransition(from, to TaskStatus) bool {
	if from == to {
		return true
	}
	for _, allowed := range allowedTransitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}

// ValidStatus reports whether s is a known task status.
func ValidStatus(s TaskStatus) bool {
	switch s {
	case StatusNotStarted, StatusReady, StatusInProgress, StatusBlocked, StatusCompleted:
		return true
	}
	return false
}

// ValidPriority reports whether p is a known priority level.
func ValidPriority(p Priority) bool {
	switch p {
	case P0, P1, P2, P3:
		return true
	}
	return false
}

// ExpectedCommits returns the expected related-commit count for a task of
// the given estimated complexity, used by the progress tracker.
func ExpectedCommits(complexity string) int {
	switch complexity {
	case "S":
		return 2
	case "M":
		return 4
	case "L":
		return 6
	case "XL":
		return 10
	default:
		return 4
	}
}
