package cli

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/taskmedic/taskmedic/internal/remediation"
	"github.com/taskmedic/taskmedic/pkg/models"
)

var remediateCmd = func() *cobra.Command {
	var (
		dryRun     bool
		maxFixes   int
		confidence float64
		noBackup   bool
	)

	cmd := &cobra.Command{
		Use:   "remediate [task-id]",
		Short: "Apply automatic corrections for detected issues",
		Long: `Detect health issues and apply bounded corrective mutations: reverting
false completions, promoting invalidly blocked tasks, realigning
over-claimed progress, and flagging tasks that need attention.

With a task id only that task is remediated; otherwise the whole backlog
is scanned. Use --dry-run to preview without writing.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := remediation.Config{
				DryRun:              dryRun,
				SafeMode:            Cfg.Remediation.SafeMode && !noBackup,
				ConfidenceThreshold: confidence,
				MaxAutoFixes:        maxFixes,
			}

			var tasks []models.Task
			if len(args) == 1 {
				task, err := Store.GetTask(args[0])
				if err != nil {
					return err
				}
				tasks = []models.Task{*task}
			} else {
				all, err := Store.GetTasks(nil)
				if err != nil {
					return err
				}
				tasks = all
			}

			now := time.Now().UTC()
			total := 0
			for i := range tasks {
				task := tasks[i]
				issues := Monitor.Detect(&task, now)
				if len(issues) == 0 {
					continue
				}

				result := Engine.Remediate(&task, issues, cfg)
				for _, outcome := range result.Applied {
					marker := "applied"
					if dryRun {
						marker = "would apply"
					}
					if outcome.Error != "" {
						marker = "FAILED"
					}
					fmt.Printf("%s  %-20s %s: %s\n", task.ID, outcome.Issue.Type, marker, outcome.Action)
					if outcome.Applied {
						total++
					}
				}
				for _, issue := range result.Remaining {
					fmt.Printf("%s  %-20s skipped\n", task.ID, issue.Type)
				}
			}

			if total == 0 && !dryRun {
				fmt.Println("Nothing to remediate.")
			} else if !dryRun {
				fmt.Printf("\nApplied %d corrections.\n", total)
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "Report intended actions without writing")
	cmd.Flags().IntVar(&maxFixes, "max", remediation.DefaultConfig().MaxAutoFixes, "Maximum corrections per run")
	cmd.Flags().Float64Var(&confidence, "confidence", remediation.DefaultConfig().ConfidenceThreshold, "Minimum issue confidence to act on")
	cmd.Flags().BoolVar(&noBackup, "no-backup", false, "Skip the safe-mode backup before writing")

	return cmd
}()

var resolveCmd = &cobra.Command{
	Use:   "resolve",
	Short: "Remove satisfied blockers and promote unblocked tasks",
	RunE: func(cmd *cobra.Command, args []string) error {
		changes, err := Resolver.Resolve(Cfg.DefaultSource)
		if err != nil {
			return err
		}
		if len(changes) == 0 {
			fmt.Println("No blockers to resolve.")
			return nil
		}
		for _, change := range changes {
			fmt.Printf("%s: removed %d completed blockers", change.TaskID, len(change.RemovedBlockers))
			if change.Promoted {
				fmt.Print(", promoted to ready")
			}
			fmt.Println()
		}
		return nil
	},
}

var progressCmd = &cobra.Command{
	Use:   "progress",
	Short: "Progress tracking commands",
}

var progressSyncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Recompute progress for in-progress tasks from work signals",
	RunE: func(cmd *cobra.Command, args []string) error {
		applied, err := Tracker.UpdateAllProgress(cmd.Context(), "progress-tracker", time.Now().UTC())
		if err != nil {
			return err
		}
		if len(applied) == 0 {
			fmt.Println("All in-progress tasks already match their derived progress.")
			return nil
		}
		for _, s := range applied {
			fmt.Printf("%s: %d%% -> %d%%\n", s.TaskID, s.Current, s.Derived)
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(remediateCmd)
	rootCmd.AddCommand(resolveCmd)
	progressCmd.AddCommand(progressSyncCmd)
	rootCmd.AddCommand(progressCmd)
}
