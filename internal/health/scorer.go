package health

import (
	"strings"
	"time"

	"github.com/taskmedic/taskmedic/internal/observability"
	"github.com/taskmedic/taskmedic/pkg/models"
)

// Factor names as they appear in HealthScore.Factors.
const (
	FactorProgressVelocity       = "progress_velocity"
	FactorImplementationEvidence = "implementation_evidence"
	FactorDependencyHealth       = "dependency_health"
	FactorTimeEfficiency         = "time_efficiency"
	FactorBlockageRisk           = "blockage_risk"
	FactorCommunication          = "communication"
	FactorQuality                = "quality"
)

// factorWeights is the fixed weight vector; it sums to 1.0.
var factorWeights = map[string]float64{
	FactorProgressVelocity:       0.20,
	FactorImplementationEvidence: 0.25,
	FactorDependencyHealth:       0.15,
	FactorTimeEfficiency:         0.15,
	FactorBlockageRisk:           0.10,
	FactorCommunication:          0.10,
	FactorQuality:                0.05,
}

// Scorer computes composite health scores. It is stateless; Score is a
// pure function of its arguments.
type Scorer struct{}

// NewScorer creates a Scorer.
func NewScorer() *Scorer {
	return &Scorer{}
}

// Score computes the 0-100 weighted composite for a single task. all is the
// full collection (for cross-task dependency checks) and events is the
// task's slice of the mutation log.
func (s *Scorer) Score(task *models.Task, all []models.Task, events []observability.Event, now time.Time) HealthScore {
	byID := make(map[string]*models.Task, len(all))
	for i := range all {
		byID[all[i].ID] = &all[i]
	}

	factors := map[string]int{
		FactorProgressVelocity:       scoreProgressVelocity(task, now),
		FactorImplementationEvidence: scoreImplementationEvidence(task),
		FactorDependencyHealth:       scoreDependencyHealth(task, byID),
		FactorTimeEfficiency:         scoreTimeEfficiency(task, now),
		FactorBlockageRisk:           scoreBlockageRisk(task, events, now),
		FactorCommunication:          scoreCommunication(task, events, now),
		FactorQuality:                scoreQuality(task, events),
	}

	weighted := 0.0
	for name, score := range factors {
		weighted += float64(score) * factorWeights[name]
	}
	composite := clampScore(int(weighted + 0.5))

	return HealthScore{
		TaskID:          task.ID,
		Composite:       composite,
		Status:          scoreBucket(composite),
		Factors:         factors,
		Recommendations: recommendations(factors),
	}
}

// scoreBucket maps a composite score to a status label.
func scoreBucket(score int) string {
	switch {
	case score >= 95:
		return "excellent"
	case score >= 80:
		return "good"
	case score >= 60:
		return "fair"
	case score >= 40:
		return "poor"
	default:
		return "critical"
	}
}

// scoreProgressVelocity compares actual progress to an expectation of two
// percentage points per hour since start. Terminal and unstarted tasks are
// not expected to move.
func scoreProgressVelocity(task *models.Task, now time.Time) int {
	if task.Status != models.StatusInProgress {
		return 100
	}
	start := startTime(task)
	hours := now.Sub(start).Hours()
	expected := hours * 2
	if expected <= 0 {
		return 100
	}
	if expected > 100 {
		expected = 100
	}
	return clampScore(int(float64(task.Progress) / expected * 100))
}

// scoreImplementationEvidence checks that recorded file work backs up the
// claimed progress. Verified and protected tasks are trusted outright.
func scoreImplementationEvidence(task *models.Task) int {
	if task.ImplementationNotes.Verified || task.Protected() {
		return 100
	}

	notes := task.ImplementationNotes
	actual := len(notes.FilesCreated) + len(notes.FilesModified)

	switch task.Status {
	case models.StatusCompleted:
		if task.Progress == 100 {
			return 90
		}
		if actual > 0 {
			return 60
		}
		return 20
	case models.StatusInProgress:
		expected := len(notes.FilesToCreate) + len(notes.FilesToModify)
		if expected == 0 {
			return 75 // nothing was planned; no divergence to measure
		}
		ratio := float64(actual) / float64(expected)
		if ratio > 1 {
			ratio = 1
		}
		divergence := ratio*100 - float64(task.Progress)
		if divergence < 0 {
			divergence = -divergence
		}
		return clampScore(int(100 - divergence))
	default:
		return 100
	}
}

// scoreDependencyHealth penalizes each unhealthy blocker. A blocker that is
// already completed but still listed is stale data.
func scoreDependencyHealth(task *models.Task, byID map[string]*models.Task) int {
	blockers := task.Dependencies.BlockedBy
	if len(blockers) == 0 {
		return 100
	}

	score := 100
	for _, id := range blockers {
		blocker, ok := byID[id]
		if !ok {
			score -= 20 // dangling reference, also stale data
			continue
		}
		switch {
		case blocker.Status == models.StatusCompleted:
			score -= 20
		case blocker.Status == models.StatusNotStarted:
			score -= 30
		case blocker.Progress < 50:
			score -= 15
		}
	}
	return clampScore(score)
}

// scoreTimeEfficiency compares effort spent to the advisory estimate.
func scoreTimeEfficiency(task *models.Task, now time.Time) int {
	if task.Estimates == nil || task.Estimates.EffortHours <= 0 {
		return 75 // no estimate, neutral
	}
	estimated := task.Estimates.EffortHours

	switch task.Status {
	case models.StatusCompleted:
		start := startTime(task)
		end := now
		if task.CompletedAt != nil {
			end = *task.CompletedAt
		}
		actual := end.Sub(start).Hours()
		if actual <= 0 {
			return 100
		}
		return clampScore(int(estimated / actual * 100))
	case models.StatusInProgress:
		elapsed := now.Sub(startTime(task)).Hours()
		expected := elapsed / estimated * 100
		if expected > 100 {
			expected = 100
		}
		if expected <= 0 {
			return 100
		}
		return clampScore(int(float64(task.Progress) / expected * 100))
	default:
		return 75
	}
}

// scoreBlockageRisk starts at 100 and subtracts for staleness, zero
// progress, and stalling progress history.
func scoreBlockageRisk(task *models.Task, events []observability.Event, now time.Time) int {
	score := 100

	sinceUpdate := now.Sub(task.UpdatedAt)
	if sinceUpdate > 24*time.Hour {
		score -= 20
	}
	if sinceUpdate > 72*time.Hour {
		score -= 30
	}

	if task.Status == models.StatusInProgress && task.Progress == 0 {
		if now.Sub(startTime(task)) > 4*time.Hour {
			score -= 25
		}
	}

	if isStalling(progressHistory(events)) {
		score -= 30
	}

	return clampScore(score)
}

// progressHistory extracts the recorded progress values from the task's
// mutation events, in append order.
func progressHistory(events []observability.Event) []int {
	var history []int
	for _, e := range events {
		raw, ok := e.Changes["progress"]
		if !ok {
			continue
		}
		switch v := raw.(type) {
		case float64: // JSON numbers decode as float64
			history = append(history, int(v))
		case int:
			history = append(history, v)
		}
	}
	return history
}

// isStalling reports whether at least three of the last five progress
// events carry an identical value.
func isStalling(history []int) bool {
	if len(history) < 3 {
		return false
	}
	window := history
	if len(window) > 5 {
		window = window[len(window)-5:]
	}
	counts := make(map[int]int)
	for _, v := range window {
		counts[v]++
		if counts[v] >= 3 {
			return true
		}
	}
	return false
}

// scoreCommunication expects at least one event per 24 hours of task life.
func scoreCommunication(task *models.Task, events []observability.Event, now time.Time) int {
	hours := now.Sub(startTime(task)).Hours()
	if hours <= 24 {
		return 100
	}
	expected := hours / 24
	actual := float64(len(events))
	return clampScore(int(actual / expected * 100))
}

// scoreQuality starts at 100 and subtracts for missing test and doc
// evidence at high progress, and for recorded error events.
func scoreQuality(task *models.Task, events []observability.Event) int {
	score := 100
	files := append(append([]string(nil), task.ImplementationNotes.FilesCreated...),
		task.ImplementationNotes.FilesModified...)

	if task.Progress > 50 && !anyMatches(files, isTestFile) {
		score -= 25
	}
	if task.Progress > 75 && !anyMatches(files, isDocFile) {
		score -= 15
	}
	for _, e := range events {
		if e.IsError() {
			score -= 10
		}
	}
	return clampScore(score)
}

func anyMatches(paths []string, pred func(string) bool) bool {
	for _, p := range paths {
		if pred(p) {
			return true
		}
	}
	return false
}

func isTestFile(path string) bool {
	lower := strings.ToLower(path)
	return strings.Contains(lower, "_test.") ||
		strings.Contains(lower, ".test.") ||
		strings.Contains(lower, ".spec.") ||
		strings.Contains(lower, "/tests/") ||
		strings.HasPrefix(lower, "tests/")
}

func isDocFile(path string) bool {
	lower := strings.ToLower(path)
	return strings.HasSuffix(lower, ".md") ||
		strings.Contains(lower, "/docs/") ||
		strings.HasPrefix(lower, "docs/")
}

// recommendations emits one suggested action per low-scoring factor.
func recommendations(factors map[string]int) []Recommendation {
	var recs []Recommendation
	if factors[FactorProgressVelocity] < 50 {
		recs = append(recs, Recommendation{
			Priority: "high",
			Factor:   FactorProgressVelocity,
			Action:   "Review task progress; it may be stalled or need assistance",
		})
	}
	if factors[FactorImplementationEvidence] < 30 {
		recs = append(recs, Recommendation{
			Priority: "critical",
			Factor:   FactorImplementationEvidence,
			Action:   "Verify implementation work is actually being done",
		})
	}
	if factors[FactorDependencyHealth] < 50 {
		recs = append(recs, Recommendation{
			Priority: "medium",
			Factor:   FactorDependencyHealth,
			Action:   "Resolve or re-examine blocking dependencies",
		})
	}
	if factors[FactorCommunication] < 50 {
		recs = append(recs, Recommendation{
			Priority: "low",
			Factor:   FactorCommunication,
			Action:   "Record status updates more frequently",
		})
	}
	return recs
}

// startTime returns the task's start, falling back to creation.
func startTime(task *models.Task) time.Time {
	if task.StartedAt != nil {
		return *task.StartedAt
	}
	return task.CreatedAt
}

func clampScore(v int) int {
	if v < 0 {
		return 0
	}
	if v > 100 {
		return 100
	}
	return v
}
