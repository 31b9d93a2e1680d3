// Package mcp provides an MCP (Model Context Protocol) server that exposes
// taskmedic functionality as MCP tools for AI coding assistants.
package mcp

import (
	"context"
	"fmt"
	"time"

	gomcp "github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/taskmedic/taskmedic/internal/health"
	"github.com/taskmedic/taskmedic/internal/observability"
	"github.com/taskmedic/taskmedic/internal/remediation"
	"github.com/taskmedic/taskmedic/internal/storage"
	"github.com/taskmedic/taskmedic/pkg/models"
)

// Server wraps taskmedic services and exposes them as MCP tools.
type Server struct {
	server      *gomcp.Server
	store       storage.TaskStore
	scorer      *health.Scorer
	monitor     *health.Monitor
	engine      *remediation.Engine
	eventLog    observability.EventLog
	metricsCalc observability.MetricsCalculator
	source      string
}

// NewServer creates a new MCP server with the given service dependencies.
// eventLog and metricsCalc may be nil if the event log is unavailable.
func NewServer(store storage.TaskStore, scorer *health.Scorer, monitor *health.Monitor, engine *remediation.Engine, eventLog observability.EventLog, metricsCalc observability.MetricsCalculator, source, version string) *Server {
	if version == "" {
		version = "dev"
	}
	if source == "" {
		source = "mcp"
	}

	s := &Server{
		store:       store,
		scorer:      scorer,
		monitor:     monitor,
		engine:      engine,
		eventLog:    eventLog,
		metricsCalc: metricsCalc,
		source:      source,
	}

	s.server = gomcp.NewServer(
		&gomcp.Implementation{Name: "taskmedic", Version: version},
		nil,
	)

	s.registerTools()

	return s
}

// Run starts the MCP server on stdio, blocking until the client disconnects
// or the context is cancelled.
func (s *Server) Run(ctx context.Context) error {
	return s.server.Run(ctx, &gomcp.StdioTransport{})
}

// MCPServer returns the underlying mcp.Server for testing purposes.
func (s *Server) MCPServer() *gomcp.Server {
	return s.server
}

// --- Tool input/output types ---

type getTaskInput struct {
	TaskID string `json:"task_id" jsonschema:"required,the unique task identifier (e.g. TASK-00042)"`
}

type taskOutput struct {
	ID          string   `json:"id"`
	Title       string   `json:"title"`
	Category    string   `json:"category,omitempty"`
	Status      string   `json:"status"`
	Priority    string   `json:"priority"`
	Progress    int      `json:"progress"`
	BlockedBy   []string `json:"blocked_by,omitempty"`
	RequiredFor []string `json:"required_for,omitempty"`
	Protected   bool     `json:"protected"`
	Created     string   `json:"created"`
	Updated     string   `json:"updated"`
	Completed   string   `json:"completed,omitempty"`
}

type listTasksInput struct {
	Status   string `json:"status,omitempty" jsonschema:"filter tasks by status (not-started, ready, in-progress, blocked, completed)"`
	Priority string `json:"priority,omitempty" jsonschema:"filter tasks by priority (P0, P1, P2, P3)"`
}

type listTasksOutput struct {
	Tasks []taskOutput `json:"tasks"`
	Count int          `json:"count"`
}

type addTaskInput struct {
	Title     string   `json:"title" jsonschema:"required,short task title"`
	Category  string   `json:"category,omitempty" jsonschema:"task category"`
	Priority  string   `json:"priority,omitempty" jsonschema:"task priority (P0, P1, P2, P3)"`
	BlockedBy []string `json:"blocked_by,omitempty" jsonschema:"task ids this task is blocked by"`
}

type updateTaskStatusInput struct {
	TaskID   string `json:"task_id" jsonschema:"required,the unique task identifier (e.g. TASK-00042)"`
	Status   string `json:"status" jsonschema:"required,the new status (not-started, ready, in-progress, blocked, completed)"`
	Progress *int   `json:"progress,omitempty" jsonschema:"optional new progress percentage (0-100)"`
}

type updateTaskStatusOutput struct {
	Message string `json:"message"`
}

type healthReportInput struct{}

type healthReportOutput struct {
	Total      int            `json:"total"`
	ByStatus   map[string]int `json:"by_status"`
	ByPriority map[string]int `json:"by_priority"`
	Stuck      []string       `json:"stuck,omitempty"`
	Blocked    []string       `json:"blocked,omitempty"`
	Completed  int            `json:"completed"`
}

type scoreTaskInput struct {
	TaskID string `json:"task_id" jsonschema:"required,the unique task identifier (e.g. TASK-00042)"`
}

type scoreTaskOutput struct {
	TaskID          string         `json:"task_id"`
	Composite       int            `json:"composite"`
	Status          string         `json:"status"`
	Factors         map[string]int `json:"factors"`
	Recommendations []string       `json:"recommendations,omitempty"`
}

type detectIssuesInput struct {
	TaskID string `json:"task_id,omitempty" jsonschema:"limit detection to one task; omit to scan the whole backlog"`
}

type issueOutput struct {
	TaskID         string  `json:"task_id"`
	Type           string  `json:"type"`
	Severity       string  `json:"severity"`
	Message        string  `json:"message"`
	Recommendation string  `json:"recommendation"`
	Confidence     float64 `json:"confidence"`
}

type detectIssuesOutput struct {
	Issues []issueOutput `json:"issues"`
	Count  int           `json:"count"`
}

type remediateTaskInput struct {
	TaskID string `json:"task_id" jsonschema:"required,the unique task identifier (e.g. TASK-00042)"`
	DryRun bool   `json:"dry_run,omitempty" jsonschema:"report intended corrections without writing"`
}

type remediationOutput struct {
	Type    string `json:"type"`
	Action  string `json:"action"`
	Applied bool   `json:"applied"`
	Error   string `json:"error,omitempty"`
}

type remediateTaskOutput struct {
	Applied   []remediationOutput `json:"applied"`
	Remaining []string            `json:"remaining,omitempty"`
}

type getMetricsInput struct {
	Since string `json:"since,omitempty" jsonschema:"time window for metrics (e.g. 7d, 30d, 24h). Defaults to 7d."`
}

type metricsOutput struct {
	EventCount      int    `json:"event_count"`
	TasksAdded      int    `json:"tasks_added"`
	TasksUpdated    int    `json:"tasks_updated"`
	Remediations    int    `json:"remediations"`
	DepsResolutions int    `json:"deps_resolutions"`
	OldestEvent     string `json:"oldest_event,omitempty"`
	NewestEvent     string `json:"newest_event,omitempty"`
}

// --- Tool registration ---

func (s *Server) registerTools() {
	gomcp.AddTool(s.server, &gomcp.Tool{
		Name:        "get_task",
		Description: "Get task details by ID. Returns the full task object including status, progress, priority, and dependencies.",
	}, s.handleGetTask)

	gomcp.AddTool(s.server, &gomcp.Tool{
		Name:        "list_tasks",
		Description: "List backlog tasks with optional status and priority filters. Returns an array of task summaries.",
	}, s.handleListTasks)

	gomcp.AddTool(s.server, &gomcp.Tool{
		Name:        "add_task",
		Description: "Add a new task to the backlog. The task starts as not-started with progress 0.",
	}, s.handleAddTask)

	gomcp.AddTool(s.server, &gomcp.Tool{
		Name:        "update_task_status",
		Description: "Update a task's lifecycle status and optionally its progress. Valid statuses: not-started, ready, in-progress, blocked, completed.",
	}, s.handleUpdateTaskStatus)

	gomcp.AddTool(s.server, &gomcp.Tool{
		Name:        "health_report",
		Description: "Get an aggregate backlog health report: counts by status and priority, plus stuck and blocked tasks.",
	}, s.handleHealthReport)

	gomcp.AddTool(s.server, &gomcp.Tool{
		Name:        "score_task",
		Description: "Compute the weighted health score for a task, including per-factor scores and recommendations.",
	}, s.handleScoreTask)

	gomcp.AddTool(s.server, &gomcp.Tool{
		Name:        "detect_issues",
		Description: "Detect health issues (false completions, stuck work, invalid blocking, progress mismatches) for one task or the whole backlog.",
	}, s.handleDetectIssues)

	gomcp.AddTool(s.server, &gomcp.Tool{
		Name:        "remediate_task",
		Description: "Detect issues on a task and apply bounded automatic corrections. Use dry_run to preview without writing.",
	}, s.handleRemediateTask)

	gomcp.AddTool(s.server, &gomcp.Tool{
		Name:        "get_metrics",
		Description: "Get aggregated metrics from the mutation event log: tasks added and updated, remediations, and dependency resolutions.",
	}, s.handleGetMetrics)
}

// --- Tool handlers ---

func (s *Server) handleGetTask(_ context.Context, _ *gomcp.CallToolRequest, input getTaskInput) (*gomcp.CallToolResult, taskOutput, error) {
	if input.TaskID == "" {
		return errorResult("task_id is required"), taskOutput{}, nil
	}

	task, err := s.store.GetTask(input.TaskID)
	if err != nil {
		return errorResult(fmt.Sprintf("getting task %s: %s", input.TaskID, err)), taskOutput{}, nil
	}

	return nil, taskToOutput(task), nil
}

func (s *Server) handleListTasks(_ context.Context, _ *gomcp.CallToolRequest, input listTasksInput) (*gomcp.CallToolResult, listTasksOutput, error) {
	var filter *storage.TaskFilter
	if input.Status != "" || input.Priority != "" {
		filter = &storage.TaskFilter{}
		if input.Status != "" {
			filter.Status = []models.TaskStatus{models.TaskStatus(input.Status)}
		}
		if input.Priority != "" {
			filter.Priority = []models.Priority{models.Priority(input.Priority)}
		}
	}

	tasks, err := s.store.GetTasks(filter)
	if err != nil {
		return errorResult(fmt.Sprintf("listing tasks: %s", err)), listTasksOutput{}, nil
	}

	out := listTasksOutput{
		Tasks: make([]taskOutput, len(tasks)),
		Count: len(tasks),
	}
	for i := range tasks {
		out.Tasks[i] = taskToOutput(&tasks[i])
	}

	return nil, out, nil
}

func (s *Server) handleAddTask(_ context.Context, _ *gomcp.CallToolRequest, input addTaskInput) (*gomcp.CallToolResult, taskOutput, error) {
	if input.Title == "" {
		return errorResult("title is required"), taskOutput{}, nil
	}

	priority := models.Priority(input.Priority)
	if input.Priority == "" {
		priority = models.P2
	}
	if !models.ValidPriority(priority) {
		return errorResult(fmt.Sprintf("invalid priority %q: must be one of P0, P1, P2, P3", input.Priority)), taskOutput{}, nil
	}

	tasks, err := s.store.GetTasks(nil)
	if err != nil {
		return errorResult(fmt.Sprintf("loading tasks: %s", err)), taskOutput{}, nil
	}

	task := models.Task{
		ID:       nextTaskID(tasks),
		Title:    input.Title,
		Category: input.Category,
		Priority: priority,
		Status:   models.StatusNotStarted,
		Dependencies: models.Dependencies{
			BlockedBy: input.BlockedBy,
		},
	}

	added, err := s.store.AddTask(task, s.source)
	if err != nil {
		return errorResult(fmt.Sprintf("adding task: %s", err)), taskOutput{}, nil
	}

	return nil, taskToOutput(added), nil
}

func (s *Server) handleUpdateTaskStatus(_ context.Context, _ *gomcp.CallToolRequest, input updateTaskStatusInput) (*gomcp.CallToolResult, updateTaskStatusOutput, error) {
	if input.TaskID == "" {
		return errorResult("task_id is required"), updateTaskStatusOutput{}, nil
	}
	if input.Status == "" {
		return errorResult("status is required"), updateTaskStatusOutput{}, nil
	}

	status := models.TaskStatus(input.Status)
	if !models.ValidStatus(status) {
		return errorResult(fmt.Sprintf("invalid status %q: must be one of not-started, ready, in-progress, blocked, completed", input.Status)), updateTaskStatusOutput{}, nil
	}

	update := storage.TaskUpdate{Status: &status, Progress: input.Progress}
	task, err := s.store.UpdateTask(input.TaskID, update, s.source)
	if err != nil {
		return errorResult(fmt.Sprintf("updating task %s: %s", input.TaskID, err)), updateTaskStatusOutput{}, nil
	}

	out := updateTaskStatusOutput{
		Message: fmt.Sprintf("task %s updated to %s at %d%%", task.ID, task.Status, task.Progress),
	}
	return nil, out, nil
}

func (s *Server) handleHealthReport(_ context.Context, _ *gomcp.CallToolRequest, _ healthReportInput) (*gomcp.CallToolResult, healthReportOutput, error) {
	report, err := s.store.GenerateHealthReport()
	if err != nil {
		return errorResult(fmt.Sprintf("generating health report: %s", err)), healthReportOutput{}, nil
	}

	out := healthReportOutput{
		Total:      report.Total,
		ByStatus:   make(map[string]int, len(report.ByStatus)),
		ByPriority: make(map[string]int, len(report.ByPriority)),
		Completed:  len(report.Completed),
	}
	for status, n := range report.ByStatus {
		out.ByStatus[string(status)] = n
	}
	for priority, n := range report.ByPriority {
		out.ByPriority[string(priority)] = n
	}
	for _, t := range report.Stuck {
		out.Stuck = append(out.Stuck, t.ID)
	}
	for _, t := range report.Blocked {
		out.Blocked = append(out.Blocked, t.ID)
	}

	return nil, out, nil
}

func (s *Server) handleScoreTask(_ context.Context, _ *gomcp.CallToolRequest, input scoreTaskInput) (*gomcp.CallToolResult, scoreTaskOutput, error) {
	if input.TaskID == "" {
		return errorResult("task_id is required"), scoreTaskOutput{}, nil
	}

	task, err := s.store.GetTask(input.TaskID)
	if err != nil {
		return errorResult(fmt.Sprintf("getting task %s: %s", input.TaskID, err)), scoreTaskOutput{}, nil
	}
	all, err := s.store.GetTasks(nil)
	if err != nil {
		return errorResult(fmt.Sprintf("loading tasks: %s", err)), scoreTaskOutput{}, nil
	}

	var events []observability.Event
	if s.eventLog != nil {
		events, _ = s.eventLog.Read(observability.EventFilter{TaskID: task.ID})
	}

	score := s.scorer.Score(task, all, events, time.Now().UTC())

	out := scoreTaskOutput{
		TaskID:    score.TaskID,
		Composite: score.Composite,
		Status:    score.Status,
		Factors:   score.Factors,
	}
	for _, rec := range score.Recommendations {
		out.Recommendations = append(out.Recommendations, fmt.Sprintf("[%s] %s", rec.Priority, rec.Action))
	}

	return nil, out, nil
}

func (s *Server) handleDetectIssues(_ context.Context, _ *gomcp.CallToolRequest, input detectIssuesInput) (*gomcp.CallToolResult, detectIssuesOutput, error) {
	var tasks []models.Task
	if input.TaskID != "" {
		task, err := s.store.GetTask(input.TaskID)
		if err != nil {
			return errorResult(fmt.Sprintf("getting task %s: %s", input.TaskID, err)), detectIssuesOutput{}, nil
		}
		tasks = []models.Task{*task}
	} else {
		all, err := s.store.GetTasks(nil)
		if err != nil {
			return errorResult(fmt.Sprintf("loading tasks: %s", err)), detectIssuesOutput{}, nil
		}
		tasks = all
	}

	flagged := s.monitor.DetectAll(tasks, time.Now().UTC())

	var out detectIssuesOutput
	for _, entry := range flagged {
		for _, issue := range entry.Issues {
			out.Issues = append(out.Issues, issueOutput{
				TaskID:         entry.TaskID,
				Type:           string(issue.Type),
				Severity:       string(issue.Severity),
				Message:        issue.Message,
				Recommendation: issue.Recommendation,
				Confidence:     issue.Confidence,
			})
		}
	}
	out.Count = len(out.Issues)

	return nil, out, nil
}

func (s *Server) handleRemediateTask(_ context.Context, _ *gomcp.CallToolRequest, input remediateTaskInput) (*gomcp.CallToolResult, remediateTaskOutput, error) {
	if input.TaskID == "" {
		return errorResult("task_id is required"), remediateTaskOutput{}, nil
	}

	task, err := s.store.GetTask(input.TaskID)
	if err != nil {
		return errorResult(fmt.Sprintf("getting task %s: %s", input.TaskID, err)), remediateTaskOutput{}, nil
	}

	issues := s.monitor.Detect(task, time.Now().UTC())
	if len(issues) == 0 {
		return nil, remediateTaskOutput{}, nil
	}

	cfg := remediation.DefaultConfig()
	cfg.DryRun = input.DryRun
	result := s.engine.Remediate(task, issues, cfg)

	var out remediateTaskOutput
	for _, outcome := range result.Applied {
		out.Applied = append(out.Applied, remediationOutput{
			Type:    string(outcome.Issue.Type),
			Action:  outcome.Action,
			Applied: outcome.Applied,
			Error:   outcome.Error,
		})
	}
	for _, issue := range result.Remaining {
		out.Remaining = append(out.Remaining, string(issue.Type))
	}

	return nil, out, nil
}

func (s *Server) handleGetMetrics(_ context.Context, _ *gomcp.CallToolRequest, input getMetricsInput) (*gomcp.CallToolResult, metricsOutput, error) {
	if s.metricsCalc == nil {
		return errorResult("metrics calculator not available (event log may be disabled)"), metricsOutput{}, nil
	}

	sinceStr := input.Since
	if sinceStr == "" {
		sinceStr = "7d"
	}

	sinceTime, err := parseSince(sinceStr)
	if err != nil {
		return errorResult(fmt.Sprintf("parsing since duration: %s", err)), metricsOutput{}, nil
	}

	metrics, err := s.metricsCalc.Calculate(sinceTime)
	if err != nil {
		return errorResult(fmt.Sprintf("calculating metrics: %s", err)), metricsOutput{}, nil
	}

	out := metricsOutput{
		EventCount:      metrics.EventCount,
		TasksAdded:      metrics.TasksAdded,
		TasksUpdated:    metrics.TasksUpdated,
		Remediations:    metrics.Remediations,
		DepsResolutions: metrics.DepsResolutions,
	}
	if metrics.OldestEvent != nil {
		out.OldestEvent = metrics.OldestEvent.Format(time.RFC3339)
	}
	if metrics.NewestEvent != nil {
		out.NewestEvent = metrics.NewestEvent.Format(time.RFC3339)
	}

	return nil, out, nil
}

// --- Helpers ---

func taskToOutput(t *models.Task) taskOutput {
	out := taskOutput{
		ID:          t.ID,
		Title:       t.Title,
		Category:    t.Category,
		Status:      string(t.Status),
		Priority:    string(t.Priority),
		Progress:    t.Progress,
		BlockedBy:   t.Dependencies.BlockedBy,
		RequiredFor: t.Dependencies.RequiredFor,
		Protected:   t.Protected(),
		Created:     t.CreatedAt.Format(time.RFC3339),
		Updated:     t.UpdatedAt.Format(time.RFC3339),
	}
	if t.CompletedAt != nil {
		out.Completed = t.CompletedAt.Format(time.RFC3339)
	}
	return out
}

func errorResult(msg string) *gomcp.CallToolResult {
	return &gomcp.CallToolResult{
		Content: []gomcp.Content{&gomcp.TextContent{Text: msg}},
		IsError: true,
	}
}

// parseSince parses a human-friendly duration string like "7d", "30d", or
// "24h" into the corresponding time in the past.
func parseSince(s string) (time.Time, error) {
	now := time.Now().UTC()

	if len(s) < 2 {
		return time.Time{}, fmt.Errorf("invalid duration %q", s)
	}

	suffix := s[len(s)-1]
	numStr := s[:len(s)-1]
	var num int
	if _, err := fmt.Sscanf(numStr, "%d", &num); err != nil {
		return time.Time{}, fmt.Errorf("invalid duration %q: %w", s, err)
	}

	switch suffix {
	case 'd':
		return now.AddDate(0, 0, -num), nil
	case 'h':
		return now.Add(-time.Duration(num) * time.Hour), nil
	default:
		return time.Time{}, fmt.Errorf("unsupported duration suffix %q (use d or h)", string(suffix))
	}
}

// nextTaskID returns the next sequential TASK-XXXXX id.
func nextTaskID(tasks []models.Task) string {
	max := 0
	for _, t := range tasks {
		var n int
		if _, err := fmt.Sscanf(t.ID, "TASK-%d", &n); err == nil && n > max {
			max = n
		}
	}
	return fmt.Sprintf("TASK-%05d", max+1)
}
