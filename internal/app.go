// Package internal provides the App struct that wires all taskmedic
// services together and initializes the CLI layer.
package internal

import (
	"os"
	"path/filepath"

	"github.com/rs/zerolog"

	"github.com/taskmedic/taskmedic/internal/cli"
	"github.com/taskmedic/taskmedic/internal/core"
	"github.com/taskmedic/taskmedic/internal/depgraph"
	"github.com/taskmedic/taskmedic/internal/health"
	"github.com/taskmedic/taskmedic/internal/integration"
	"github.com/taskmedic/taskmedic/internal/logging"
	"github.com/taskmedic/taskmedic/internal/observability"
	"github.com/taskmedic/taskmedic/internal/progress"
	"github.com/taskmedic/taskmedic/internal/remediation"
	"github.com/taskmedic/taskmedic/internal/storage"
)

// App holds all service dependencies for taskmedic.
type App struct {
	BasePath string
	Logger   zerolog.Logger

	// Configuration
	ConfigMgr core.ConfigurationManager

	// Storage layer
	Store storage.TaskStore

	// Health and remediation
	Scorer  *health.Scorer
	Monitor *health.Monitor
	Engine  *remediation.Engine

	// Progress and dependencies
	Tracker  *progress.Tracker
	Resolver *depgraph.Resolver

	// Integration services
	Git   integration.GitClient
	Tests integration.TestRunner

	// Observability
	EventLog    observability.EventLog
	MetricsCalc observability.MetricsCalculator
}

// NewApp creates and wires all taskmedic services. basePath is the root
// directory holding the tasks/ data directory and the .taskconfig file.
func NewApp(basePath string) (*App, error) {
	app := &App{BasePath: basePath}

	app.Logger = logging.New(os.Getenv("TASKMEDIC_DEBUG") != "")

	// --- Configuration ---
	app.ConfigMgr = core.NewConfigurationManager(basePath)
	cfg, err := app.ConfigMgr.LoadGlobalConfig()
	if err != nil {
		return nil, err
	}

	// --- Observability ---
	// Non-fatal: mutations still apply without an audit trail, they are
	// just not recorded.
	eventLogPath := filepath.Join(basePath, "tasks", "events.jsonl")
	app.EventLog, err = observability.NewJSONLEventLog(eventLogPath)
	if err != nil {
		app.Logger.Warn().Err(err).Msg("event log unavailable")
		app.EventLog = nil
	}
	if app.EventLog != nil {
		app.MetricsCalc = observability.NewMetricsCalculator(app.EventLog)
	}

	// --- Storage layer ---
	var sink storage.EventSink
	if app.EventLog != nil {
		sink = &eventSinkAdapter{log: app.EventLog}
	}
	app.Store = storage.NewTaskStore(basePath, sink,
		storage.WithBackupRetention(cfg.BackupRetention),
		storage.WithLogger(app.Logger),
	)

	// --- Integration services ---
	app.Git = integration.NewGitClient()
	app.Tests = integration.NewTestRunner("go", "test", "./...")

	// --- Health and remediation ---
	app.Scorer = health.NewScorer()

	remediationLog := filepath.Join(basePath, "tasks", "remediation.log")
	app.Engine = remediation.NewEngine(app.Store, app.EventLog, remediationLog, app.Logger)

	thresholds := health.Thresholds{
		StuckHours:           cfg.Monitor.StuckHours,
		StaleDays:            cfg.Monitor.StaleDays,
		LowProgressDays:      cfg.Monitor.LowProgressDays,
		LowProgressPercent:   cfg.Monitor.LowProgressPercent,
		NoImplementationDays: cfg.Monitor.NoImplementationDays,
	}
	app.Monitor = health.NewMonitor(thresholds, app.Engine)

	// --- Progress and dependencies ---
	app.Tracker = progress.NewTracker(app.Store, app.Git, app.Tests, basePath, app.Logger)
	app.Resolver = depgraph.NewResolver(app.Store, app.EventLog, app.Logger)

	// --- Wire CLI package-level variables ---
	cli.BasePath = basePath
	cli.Cfg = cfg
	cli.ConfigMgr = app.ConfigMgr
	cli.Store = app.Store
	cli.Scorer = app.Scorer
	cli.Monitor = app.Monitor
	cli.Engine = app.Engine
	cli.Tracker = app.Tracker
	cli.Resolver = app.Resolver
	cli.EventLog = app.EventLog
	cli.MetricsCalc = app.MetricsCalc
	cli.Logger = app.Logger

	return app, nil
}

// Close releases resources held by the App, such as the event log file
// handle. Safe to call when EventLog is nil.
func (a *App) Close() error {
	if a.EventLog != nil {
		return a.EventLog.Close()
	}
	return nil
}

// ResolveBasePath determines the base path for the taskmedic data
// directory. It checks the TASKMEDIC_HOME env var, then walks up from the
// current directory looking for a .taskconfig file.
func ResolveBasePath() string {
	if home := os.Getenv("TASKMEDIC_HOME"); home != "" {
		return home
	}
	dir, err := os.Getwd()
	if err != nil {
		return "."
	}
	for {
		if _, err := os.Stat(filepath.Join(dir, core.ConfigFileName)); err == nil {
			return dir
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			break
		}
		dir = parent
	}
	cwd, _ := os.Getwd()
	return cwd
}

// eventSinkAdapter adapts observability.EventLog to storage.EventSink.
type eventSinkAdapter struct {
	log observability.EventLog
}

func (a *eventSinkAdapter) LogMutation(operation, taskID string, changes map[string]any, source string) error {
	_, err := a.log.Append(operation, taskID, changes, source)
	return err
}
