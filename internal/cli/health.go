package cli

import (
	"fmt"
	"sort"
	"time"

	"github.com/spf13/cobra"

	"github.com/taskmedic/taskmedic/internal/observability"
	"github.com/taskmedic/taskmedic/pkg/models"
)

var reportCmd = &cobra.Command{
	Use:   "report",
	Short: "Print an aggregate backlog health report",
	RunE: func(cmd *cobra.Command, args []string) error {
		report, err := Store.GenerateHealthReport()
		if err != nil {
			return err
		}

		fmt.Printf("Backlog health report (%d tasks)\n\n", report.Total)

		fmt.Println("By status:")
		for _, status := range []models.TaskStatus{
			models.StatusNotStarted, models.StatusReady, models.StatusInProgress,
			models.StatusBlocked, models.StatusCompleted,
		} {
			if n := report.ByStatus[status]; n > 0 {
				fmt.Printf("  %-12s %d\n", status, n)
			}
		}

		if len(report.ByPriority) > 0 {
			fmt.Println("\nBy priority:")
			var priorities []models.Priority
			for p := range report.ByPriority {
				priorities = append(priorities, p)
			}
			sort.Slice(priorities, func(i, j int) bool { return priorities[i] < priorities[j] })
			for _, p := range priorities {
				fmt.Printf("  %-12s %d\n", p, report.ByPriority[p])
			}
		}

		if len(report.Stuck) > 0 {
			fmt.Println("\nStuck (no update in 3+ days):")
			for _, t := range report.Stuck {
				fmt.Printf("  %s  %s (last update %s)\n", t.ID, t.Title, t.UpdatedAt.Format("2006-01-02"))
			}
		}
		if len(report.Blocked) > 0 {
			fmt.Println("\nBlocked:")
			for _, t := range report.Blocked {
				fmt.Printf("  %s  %s\n", t.ID, t.Title)
			}
		}
		fmt.Printf("\nCompleted: %d\n", len(report.Completed))
		return nil
	},
}

var scoreCmd = &cobra.Command{
	Use:   "score <task-id>",
	Short: "Compute the health score for a task",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		task, err := Store.GetTask(args[0])
		if err != nil {
			return err
		}
		all, err := Store.GetTasks(nil)
		if err != nil {
			return err
		}
		events := taskEvents(task.ID)

		score := Scorer.Score(task, all, events, time.Now().UTC())

		fmt.Printf("%s  %s\n", task.ID, task.Title)
		fmt.Printf("  Health: %d/100 (%s)\n\n", score.Composite, score.Status)
		var names []string
		for name := range score.Factors {
			names = append(names, name)
		}
		sort.Strings(names)
		for _, name := range names {
			fmt.Printf("  %-25s %3d\n", name, score.Factors[name])
		}
		if len(score.Recommendations) > 0 {
			fmt.Println("\nRecommendations:")
			for _, rec := range score.Recommendations {
				fmt.Printf("  [%s] %s\n", rec.Priority, rec.Action)
			}
		}
		return nil
	},
}

var doctorCmd = &cobra.Command{
	Use:   "doctor",
	Short: "Detect health issues across the backlog",
	RunE: func(cmd *cobra.Command, args []string) error {
		tasks, err := Store.GetTasks(nil)
		if err != nil {
			return err
		}

		flagged := Monitor.DetectAll(tasks, time.Now().UTC())
		if len(flagged) == 0 {
			fmt.Println("No issues detected.")
			return nil
		}

		for _, entry := range flagged {
			fmt.Printf("%s  [%s]\n", entry.TaskID, entry.Severity)
			for _, issue := range entry.Issues {
				fmt.Printf("  %-20s %s\n", issue.Type, issue.Message)
				fmt.Printf("  %-20s -> %s\n", "", issue.Recommendation)
			}
		}
		fmt.Printf("\n%d tasks with issues. Run 'taskmedic remediate' to auto-correct.\n", len(flagged))
		return nil
	},
}

// taskEvents reads the task's slice of the mutation log; a missing or
// unreadable log just means no signal.
func taskEvents(taskID string) []observability.Event {
	if EventLog == nil {
		return nil
	}
	events, err := EventLog.Read(observability.EventFilter{TaskID: taskID})
	if err != nil {
		Logger.Warn().Err(err).Msg("reading event log")
		return nil
	}
	return events
}

func init() {
	rootCmd.AddCommand(reportCmd)
	rootCmd.AddCommand(scoreCmd)
	rootCmd.AddCommand(doctorCmd)
}
