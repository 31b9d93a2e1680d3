// Package health computes per-task health scores and detects discrete
// anomalies over the task collection. Everything here is pure: callers
// thread an explicit "now" into every evaluation, so results are
// reproducible and time-based thresholds are unit-testable.
package health

import "time"

// IssueType identifies a detected anomaly kind. The set is closed;
// dispatch over it is exhaustive.
type IssueType string

const (
	IssueFalseCompletion      IssueType = "false_completion"
	IssueStuck                IssueType = "stuck"
	IssueInvalidBlocked       IssueType = "invalid_blocked"
	IssueNoImplementation     IssueType = "no_implementation"
	IssueDependencyResolution IssueType = "dependency_resolution"
	IssueProgressMismatch     IssueType = "progress_mismatch"
	IssueNoProgress           IssueType = "no_progress"
	IssueLowProgress          IssueType = "low_progress"
	IssueStale                IssueType = "stale"
)

// Severity ranks how urgent an issue is.
type Severity string

const (
	SeverityCritical Severity = "critical"
	SeverityHigh     Severity = "high"
	SeverityMedium   Severity = "medium"
	SeverityLow      Severity = "low"
)

// Rank orders severities numerically, critical first.
func (s Severity) Rank() int {
	switch s {
	case SeverityCritical:
		return 0
	case SeverityHigh:
		return 1
	case SeverityMedium:
		return 2
	case SeverityLow:
		return 3
	default:
		return 4
	}
}

// MaxSeverity returns the most urgent severity across issues, or empty if
// there are none.
func MaxSeverity(issues []Issue) Severity {
	var max Severity
	for _, issue := range issues {
		if max == "" || issue.Severity.Rank() < max.Rank() {
			max = issue.Severity
		}
	}
	return max
}

// Issue is one discrete anomaly flagged by the monitor, distinct from the
// continuous health score.
type Issue struct {
	Type           IssueType `json:"type"`
	Severity       Severity  `json:"severity"`
	Message        string    `json:"message"`
	Recommendation string    `json:"recommendation"`
	// Confidence gates automatic remediation; detection rules emit 1.0
	// unless the evidence is circumstantial.
	Confidence float64 `json:"confidence"`
}

// RevertChecker answers whether a task was recently auto-reverted. The
// monitor uses it as a grace period so a just-reverted task is not
// immediately re-flagged as stuck. The event-log-backed implementation
// lives with the remediation engine, which owns the revert vocabulary.
type RevertChecker interface {
	RecentlyReverted(taskID string, within time.Duration, now time.Time) bool
}

// Recommendation is one suggested action attached to a health score.
type Recommendation struct {
	Priority string `json:"priority"`
	Factor   string `json:"factor"`
	Action   string `json:"action"`
}

// HealthScore is the weighted composite result for a single task.
type HealthScore struct {
	TaskID          string           `json:"task_id"`
	Composite       int              `json:"composite"`
	Status          string           `json:"status"` // excellent, good, fair, poor, critical
	Factors         map[string]int   `json:"factors"`
	Recommendations []Recommendation `json:"recommendations,omitempty"`
}
