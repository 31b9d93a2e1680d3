package cli

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/taskmedic/taskmedic/internal/storage"
	"github.com/taskmedic/taskmedic/pkg/models"
)

var taskIDPattern = regexp.MustCompile(`^TASK-(\d+)$`)

// nextTaskID returns the next sequential TASK-XXXXX id. Ids are never
// reused, so the next id is one past the highest ever issued.
func nextTaskID(tasks []models.Task) string {
	max := 0
	for _, t := range tasks {
		m := taskIDPattern.FindStringSubmatch(t.ID)
		if m == nil {
			continue
		}
		if n, err := strconv.Atoi(m[1]); err == nil && n > max {
			max = n
		}
	}
	return fmt.Sprintf("TASK-%05d", max+1)
}

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Initialize the task store in the current directory",
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := ConfigMgr.WriteDefaultConfig(); err != nil {
			return err
		}
		if err := Store.Initialize(); err != nil {
			return err
		}
		fmt.Printf("Initialized task store in %s\n", BasePath)
		return nil
	},
}

type addFlags struct {
	category   string
	priority   string
	blockedBy  []string
	effort     float64
	complexity string
	risk       string
}

var addCmd = func() *cobra.Command {
	var flags addFlags

	cmd := &cobra.Command{
		Use:   "add <title>",
		Short: "Add a new task to the backlog",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			tasks, err := Store.GetTasks(nil)
			if err != nil {
				return err
			}

			priority := Cfg.DefaultPriority
			if flags.priority != "" {
				priority = models.Priority(flags.priority)
			}
			category := Cfg.DefaultCategory
			if flags.category != "" {
				category = flags.category
			}

			task := models.Task{
				ID:       nextTaskID(tasks),
				Title:    args[0],
				Category: category,
				Priority: priority,
				Status:   models.StatusNotStarted,
				Dependencies: models.Dependencies{
					BlockedBy: flags.blockedBy,
				},
			}
			if flags.effort > 0 || flags.complexity != "" || flags.risk != "" {
				task.Estimates = &models.Estimates{
					EffortHours: flags.effort,
					Complexity:  flags.complexity,
					RiskLevel:   flags.risk,
				}
			}

			added, err := Store.AddTask(task, Cfg.DefaultSource)
			if err != nil {
				return err
			}

			fmt.Printf("Added task %s\n", added.ID)
			fmt.Printf("  Title:    %s\n", added.Title)
			fmt.Printf("  Priority: %s\n", added.Priority)
			if len(added.Dependencies.BlockedBy) > 0 {
				fmt.Printf("  Blocked:  %s\n", strings.Join(added.Dependencies.BlockedBy, ", "))
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&flags.category, "category", "", "Task category")
	cmd.Flags().StringVar(&flags.priority, "priority", "", "Task priority (P0, P1, P2, P3)")
	cmd.Flags().StringSliceVar(&flags.blockedBy, "blocked-by", nil, "Task ids this task is blocked by")
	cmd.Flags().Float64Var(&flags.effort, "effort", 0, "Estimated effort in hours")
	cmd.Flags().StringVar(&flags.complexity, "complexity", "", "Estimated complexity (S, M, L, XL)")
	cmd.Flags().StringVar(&flags.risk, "risk", "", "Estimated risk level")

	return cmd
}()

var listCmd = func() *cobra.Command {
	var statusFlag, priorityFlag, categoryFlag string

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List backlog tasks",
		RunE: func(cmd *cobra.Command, args []string) error {
			filter := &storage.TaskFilter{Category: categoryFlag}
			if statusFlag != "" {
				filter.Status = []models.TaskStatus{models.TaskStatus(statusFlag)}
			}
			if priorityFlag != "" {
				filter.Priority = []models.Priority{models.Priority(priorityFlag)}
			}

			tasks, err := Store.GetTasks(filter)
			if err != nil {
				return err
			}
			if len(tasks) == 0 {
				fmt.Println("No tasks found.")
				return nil
			}

			fmt.Printf("%-12s %-9s %-12s %4s  %s\n", "ID", "PRIORITY", "STATUS", "PROG", "TITLE")
			for _, t := range tasks {
				fmt.Printf("%-12s %-9s %-12s %3d%%  %s\n",
					t.ID, t.Priority, t.Status, t.Progress, t.Title)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&statusFlag, "status", "", "Filter by status")
	cmd.Flags().StringVar(&priorityFlag, "priority", "", "Filter by priority")
	cmd.Flags().StringVar(&categoryFlag, "category", "", "Filter by category")

	return cmd
}()

var showCmd = func() *cobra.Command {
	var output string

	cmd := &cobra.Command{
		Use:   "show <task-id>",
		Short: "Show full details of a task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			task, err := Store.GetTask(args[0])
			if err != nil {
				return err
			}

			switch output {
			case "json":
				data, err := json.MarshalIndent(task, "", "  ")
				if err != nil {
					return err
				}
				fmt.Println(string(data))
			case "yaml":
				data, err := yaml.Marshal(task)
				if err != nil {
					return err
				}
				fmt.Print(string(data))
			default:
				printTask(task)
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&output, "output", "o", "", "Output format (json, yaml)")
	return cmd
}()

func printTask(t *models.Task) {
	fmt.Printf("%s  %s\n", t.ID, t.Title)
	fmt.Printf("  Status:   %s (%d%%)\n", t.Status, t.Progress)
	fmt.Printf("  Priority: %s\n", t.Priority)
	if t.Category != "" {
		fmt.Printf("  Category: %s\n", t.Category)
	}
	if len(t.Dependencies.BlockedBy) > 0 {
		fmt.Printf("  Blocked by: %s\n", strings.Join(t.Dependencies.BlockedBy, ", "))
	}
	if t.Estimates != nil {
		fmt.Printf("  Estimate: %.1fh, complexity %s\n", t.Estimates.EffortHours, t.Estimates.Complexity)
	}
	fmt.Printf("  Created:  %s\n", t.CreatedAt.Format("2006-01-02 15:04"))
	fmt.Printf("  Updated:  %s\n", t.UpdatedAt.Format("2006-01-02 15:04"))
	if t.CompletedAt != nil {
		fmt.Printf("  Completed: %s\n", t.CompletedAt.Format("2006-01-02 15:04"))
	}
	if t.Protected() {
		fmt.Println("  Protected: verified, do-not-revert")
	}
	for _, r := range t.RemediationHistory {
		fmt.Printf("  Remediated %s: %s -> %s (%s)\n",
			r.Timestamp.Format("2006-01-02 15:04"), r.PreviousStatus, r.NewStatus, r.Reason)
	}
}

var updateCmd = func() *cobra.Command {
	var (
		statusFlag   string
		progressFlag int
		titleFlag    string
		priorityFlag string
		blockedBy    []string
	)

	cmd := &cobra.Command{
		Use:   "update <task-id>",
		Short: "Update fields of a task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var update storage.TaskUpdate
			if statusFlag != "" {
				status := models.TaskStatus(statusFlag)
				update.Status = &status
			}
			if cmd.Flags().Changed("progress") {
				update.Progress = &progressFlag
			}
			if titleFlag != "" {
				update.Title = &titleFlag
			}
			if priorityFlag != "" {
				priority := models.Priority(priorityFlag)
				update.Priority = &priority
			}
			if cmd.Flags().Changed("blocked-by") {
				task, err := Store.GetTask(args[0])
				if err != nil {
					return err
				}
				deps := task.Dependencies
				deps.BlockedBy = blockedBy
				update.Dependencies = &deps
			}

			task, err := Store.UpdateTask(args[0], update, Cfg.DefaultSource)
			if err != nil {
				return err
			}
			fmt.Printf("Updated %s: %s at %d%%\n", task.ID, task.Status, task.Progress)
			return nil
		},
	}

	cmd.Flags().StringVar(&statusFlag, "status", "", "New status")
	cmd.Flags().IntVar(&progressFlag, "progress", 0, "New progress percentage")
	cmd.Flags().StringVar(&titleFlag, "title", "", "New title")
	cmd.Flags().StringVar(&priorityFlag, "priority", "", "New priority")
	cmd.Flags().StringSliceVar(&blockedBy, "blocked-by", nil, "Replace the blocked-by list")

	return cmd
}()

func init() {
	rootCmd.AddCommand(initCmd)
	rootCmd.AddCommand(addCmd)
	rootCmd.AddCommand(listCmd)
	rootCmd.AddCommand(showCmd)
	rootCmd.AddCommand(updateCmd)
}
