package health

import (
	"fmt"
	"time"

	"github.com/taskmedic/taskmedic/pkg/models"
)

// Thresholds configures the monitor's detection rules.
type Thresholds struct {
	StuckHours           int
	StaleDays            int
	LowProgressDays      int
	LowProgressPercent   int
	NoImplementationDays int
}

// DefaultThresholds returns the standard detection thresholds.
func DefaultThresholds() Thresholds {
	return Thresholds{
		StuckHours:           2,
		StaleDays:            3,
		LowProgressDays:      7,
		LowProgressPercent:   20,
		NoImplementationDays: 1,
	}
}

// revertGracePeriod is how long after an automatic completion revert a task
// is exempt from the stuck rule, so remediation does not trigger itself.
const revertGracePeriod = time.Hour

// Monitor is the rule-based anomaly detector, complementary to the
// Scorer's continuous score: it produces discrete, typed issues.
type Monitor struct {
	thresholds Thresholds
	reverts    RevertChecker
}

// NewMonitor creates a Monitor. reverts may be nil, disabling the
// recently-reverted grace period.
func NewMonitor(thresholds Thresholds, reverts RevertChecker) *Monitor {
	return &Monitor{thresholds: thresholds, reverts: reverts}
}

// TaskIssues pairs a task id with its detected issues and their aggregate
// severity.
type TaskIssues struct {
	TaskID   string   `json:"task_id"`
	Issues   []Issue  `json:"issues"`
	Severity Severity `json:"severity"`
}

// DetectAll runs detection across the whole collection, returning only
// tasks with at least one issue.
func (m *Monitor) DetectAll(tasks []models.Task, now time.Time) []TaskIssues {
	var result []TaskIssues
	for i := range tasks {
		issues := m.Detect(&tasks[i], now)
		if len(issues) == 0 {
			continue
		}
		result = append(result, TaskIssues{
			TaskID:   tasks[i].ID,
			Issues:   issues,
			Severity: MaxSeverity(issues),
		})
	}
	return result
}

// Detect evaluates every rule against one task. A task may surface
// multiple issues.
func (m *Monitor) Detect(task *models.Task, now time.Time) []Issue {
	var issues []Issue

	sinceUpdate := now.Sub(task.UpdatedAt)
	age := now.Sub(task.CreatedAt)
	inProgress := task.Status == models.StatusInProgress

	if inProgress && task.Progress > 0 &&
		sinceUpdate > time.Duration(m.thresholds.StuckHours)*time.Hour &&
		!m.recentlyReverted(task.ID, now) {
		issues = append(issues, Issue{
			Type:     IssueStuck,
			Severity: SeverityHigh,
			Message: fmt.Sprintf("task %s has made no update in %s while in progress at %d%%",
				task.ID, sinceUpdate.Round(time.Minute), task.Progress),
			Recommendation: "Check whether the task is actually being worked on",
			Confidence:     1.0,
		})
	}

	if inProgress && task.Progress == 0 && age > 24*time.Hour {
		issues = append(issues, Issue{
			Type:           IssueNoProgress,
			Severity:       SeverityHigh,
			Message:        fmt.Sprintf("task %s is in progress with zero progress after %s", task.ID, age.Round(time.Hour)),
			Recommendation: "Start the work or move the task back to not-started",
			Confidence:     1.0,
		})
	}

	if inProgress && sinceUpdate > time.Duration(m.thresholds.StaleDays)*24*time.Hour {
		issues = append(issues, Issue{
			Type:           IssueStale,
			Severity:       SeverityMedium,
			Message:        fmt.Sprintf("task %s has had no update for %d+ days", task.ID, m.thresholds.StaleDays),
			Recommendation: "Record a status update or re-plan the task",
			Confidence:     1.0,
		})
	}

	if inProgress && age > time.Duration(m.thresholds.LowProgressDays)*24*time.Hour &&
		task.Progress < m.thresholds.LowProgressPercent {
		issues = append(issues, Issue{
			Type:     IssueLowProgress,
			Severity: SeverityMedium,
			Message: fmt.Sprintf("task %s is only at %d%% after %d+ days",
				task.ID, task.Progress, m.thresholds.LowProgressDays),
			Recommendation: "Consider decomposing the task into smaller pieces",
			Confidence:     1.0,
		})
	}

	if inProgress && age > time.Duration(m.thresholds.NoImplementationDays)*24*time.Hour &&
		!task.HasImplementationEvidence() {
		issues = append(issues, Issue{
			Type:           IssueNoImplementation,
			Severity:       SeverityHigh,
			Message:        fmt.Sprintf("task %s records no created or modified files", task.ID),
			Recommendation: "Record implementation files or correct the claimed progress",
			Confidence:     1.0,
		})
	}

	if task.Status == models.StatusCompleted &&
		!task.HasImplementationEvidence() &&
		!task.ImplementationNotes.Verified && !task.ImplementationNotes.DoNotRevert &&
		task.Progress != 100 {
		issues = append(issues, Issue{
			Type:     IssueFalseCompletion,
			Severity: SeverityCritical,
			Message: fmt.Sprintf("task %s is marked completed at %d%% with no implementation evidence",
				task.ID, task.Progress),
			Recommendation: "Revert the task to in-progress until work is verifiable",
			Confidence:     1.0,
		})
	}

	if task.Status == models.StatusBlocked && len(task.Dependencies.BlockedBy) == 0 {
		issues = append(issues, Issue{
			Type:           IssueInvalidBlocked,
			Severity:       SeverityMedium,
			Message:        fmt.Sprintf("task %s is blocked but lists no blockers", task.ID),
			Recommendation: "Promote the task to ready or record its blockers",
			Confidence:     1.0,
		})
	}

	return issues
}

func (m *Monitor) recentlyReverted(taskID string, now time.Time) bool {
	if m.reverts == nil {
		return false
	}
	return m.reverts.RecentlyReverted(taskID, revertGracePeriod, now)
}
