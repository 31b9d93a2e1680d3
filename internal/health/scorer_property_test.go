package health

import (
	"testing"
	"time"

	"pgregory.net/rapid"

	"github.com/taskmedic/taskmedic/internal/observability"
	"github.com/taskmedic/taskmedic/pkg/models"
)

func genScorerTask(t *rapid.T) models.Task {
	statuses := []models.TaskStatus{
		models.StatusNotStarted, models.StatusReady, models.StatusInProgress,
		models.StatusBlocked, models.StatusCompleted,
	}
	ageHours := rapid.IntRange(0, 24*60).Draw(t, "ageHours")
	updatedAgo := rapid.IntRange(0, ageHours).Draw(t, "updatedAgo")

	task := models.Task{
		ID:        "TASK-00001",
		Status:    statuses[rapid.IntRange(0, len(statuses)-1).Draw(t, "statusIdx")],
		Progress:  rapid.IntRange(0, 100).Draw(t, "progress"),
		CreatedAt: testNow.Add(-time.Duration(ageHours) * time.Hour),
		UpdatedAt: testNow.Add(-time.Duration(updatedAgo) * time.Hour),
	}
	if rapid.Bool().Draw(t, "hasEstimate") {
		task.Estimates = &models.Estimates{
			EffortHours: float64(rapid.IntRange(1, 200).Draw(t, "effort")),
			Complexity:  rapid.SampledFrom([]string{"S", "M", "L", "XL"}).Draw(t, "complexity"),
		}
	}
	nFiles := rapid.IntRange(0, 4).Draw(t, "nFiles")
	for i := 0; i < nFiles; i++ {
		task.ImplementationNotes.FilesCreated = append(task.ImplementationNotes.FilesCreated,
			rapid.SampledFrom([]string{"main.go", "store_test.go", "docs/readme.md", "util.go"}).Draw(t, "file"))
	}
	return task
}

// The composite and every factor stay within [0, 100] for any task shape,
// and the status label always matches the composite's bucket.
func TestScoreBounds(t *testing.T) {
	s := NewScorer()
	rapid.Check(t, func(t *rapid.T) {
		task := genScorerTask(t)

		nEvents := rapid.IntRange(0, 10).Draw(t, "nEvents")
		var events []observability.Event
		for i := 0; i < nEvents; i++ {
			events = append(events, observability.Event{
				Operation: rapid.SampledFrom([]string{"task.updated", "task.update_error"}).Draw(t, "op"),
				TaskID:    task.ID,
				Changes:   map[string]any{"progress": float64(rapid.IntRange(0, 100).Draw(t, "eventProgress"))},
			})
		}

		score := s.Score(&task, []models.Task{task}, events, testNow)
		if score.Composite < 0 || score.Composite > 100 {
			t.Fatalf("composite %d out of range", score.Composite)
		}
		for name, v := range score.Factors {
			if v < 0 || v > 100 {
				t.Fatalf("factor %s = %d out of range", name, v)
			}
		}
		if score.Status != scoreBucket(score.Composite) {
			t.Fatalf("status %q does not match composite %d", score.Status, score.Composite)
		}
	})
}
