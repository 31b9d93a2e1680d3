// Package cli implements the taskmedic command surface. Service
// dependencies are package-level variables wired by the app layer before
// Execute runs.
package cli

import (
	"fmt"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/taskmedic/taskmedic/internal/core"
	"github.com/taskmedic/taskmedic/internal/depgraph"
	"github.com/taskmedic/taskmedic/internal/health"
	"github.com/taskmedic/taskmedic/internal/observability"
	"github.com/taskmedic/taskmedic/internal/progress"
	"github.com/taskmedic/taskmedic/internal/remediation"
	"github.com/taskmedic/taskmedic/internal/storage"
	"github.com/taskmedic/taskmedic/pkg/models"
)

// Service dependencies, wired by internal.NewApp.
var (
	BasePath    string
	Cfg         *models.GlobalConfig
	ConfigMgr   core.ConfigurationManager
	Store       storage.TaskStore
	Scorer      *health.Scorer
	Monitor     *health.Monitor
	Engine      *remediation.Engine
	Tracker     *progress.Tracker
	Resolver    *depgraph.Resolver
	EventLog    observability.EventLog
	MetricsCalc observability.MetricsCalculator
	Logger      zerolog.Logger
)

var (
	appVersion = "dev"
	appCommit  = "none"
	appDate    = "unknown"
)

// SetVersionInfo sets the version information injected via ldflags.
func SetVersionInfo(version, commit, date string) {
	appVersion = version
	appCommit = commit
	appDate = date
}

var rootCmd = &cobra.Command{
	Use:   "taskmedic",
	Short: "taskmedic - backlog health tracking and auto-remediation",
	Long: `taskmedic tracks a JSON backlog of development tasks, computes per-task
health scores from progress, implementation evidence, and dependency
signals, detects anomalies like false completions and stuck work, and
applies bounded automatic corrections.`,
	SilenceUsage: true,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("taskmedic %s\ncommit: %s\nbuilt:  %s\n", appVersion, appCommit, appDate)
	},
}

func init() {
	rootCmd.AddCommand(versionCmd)
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}
