package cli

import (
	"fmt"
	"sort"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"

	"github.com/taskmedic/taskmedic/internal/health"
)

// Dashboard panel indices.
const (
	panelTasks = iota
	panelIssues
	panelActivity
	panelCount
)

type dashboardModel struct {
	activePanel int
	width       int
	height      int

	// Data.
	taskCounts map[string]int
	issues     []issueSnapshot
	activity   *activitySnapshot

	// State.
	loading bool
	err     error
}

type issueSnapshot struct {
	taskID   string
	severity string
	message  string
}

type activitySnapshot struct {
	eventCount   int
	tasksAdded   int
	tasksUpdated int
	remediations int
	resolutions  int
}

// dataLoadedMsg carries loaded data back to the model.
type dataLoadedMsg struct {
	taskCounts map[string]int
	issues     []issueSnapshot
	activity   *activitySnapshot
	err        error
}

// Style definitions.
var (
	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("230")).
			Background(lipgloss.Color("62")).
			Padding(0, 1)

	panelStyle = lipgloss.NewStyle().
			BorderStyle(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("240")).
			Padding(1, 2)

	activePanelStyle = lipgloss.NewStyle().
				BorderStyle(lipgloss.RoundedBorder()).
				BorderForeground(lipgloss.Color("62")).
				Padding(1, 2)

	headerStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("62")).
			MarginBottom(1)

	statusInProgress = lipgloss.NewStyle().Foreground(lipgloss.Color("226"))
	statusCompleted  = lipgloss.NewStyle().Foreground(lipgloss.Color("46"))
	statusBlocked    = lipgloss.NewStyle().Foreground(lipgloss.Color("196"))
	statusReady      = lipgloss.NewStyle().Foreground(lipgloss.Color("141"))
	statusNotStarted = lipgloss.NewStyle().Foreground(lipgloss.Color("245"))

	severityCritical = lipgloss.NewStyle().Foreground(lipgloss.Color("201")).Bold(true)
	severityHigh     = lipgloss.NewStyle().Foreground(lipgloss.Color("196")).Bold(true)
	severityMedium   = lipgloss.NewStyle().Foreground(lipgloss.Color("226"))
	severityLow      = lipgloss.NewStyle().Foreground(lipgloss.Color("69"))

	helpStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("241"))
)

func newDashboardModel() dashboardModel {
	return dashboardModel{
		activePanel: panelTasks,
		loading:     true,
		taskCounts:  make(map[string]int),
	}
}

func (m dashboardModel) Init() tea.Cmd {
	return loadData
}

func (m dashboardModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "esc", "ctrl+c":
			return m, tea.Quit
		case "tab":
			m.activePanel = (m.activePanel + 1) % panelCount
			return m, nil
		case "shift+tab":
			m.activePanel = (m.activePanel - 1 + panelCount) % panelCount
			return m, nil
		case "r":
			m.loading = true
			return m, loadData
		}

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		return m, nil

	case dataLoadedMsg:
		m.loading = false
		if msg.err != nil {
			m.err = msg.err
			return m, nil
		}
		m.taskCounts = msg.taskCounts
		m.issues = msg.issues
		m.activity = msg.activity
		m.err = nil
		return m, nil
	}

	return m, nil
}

func (m dashboardModel) View() string {
	if m.width == 0 {
		return "Loading..."
	}

	title := titleStyle.Render(" taskmedic ")
	help := helpStyle.Render("tab: switch panel | r: refresh | q: quit")

	if m.loading {
		return fmt.Sprintf("%s\n\n  Loading data...\n\n%s", title, help)
	}

	if m.err != nil {
		return fmt.Sprintf("%s\n\n  Error: %s\n\n%s", title, m.err, help)
	}

	tasksPanel := m.renderTasksPanel()
	issuesPanel := m.renderIssuesPanel()
	activityPanel := m.renderActivityPanel()

	availableWidth := m.width - 2

	var body string
	if availableWidth > 120 {
		colWidth := availableWidth / 3
		tasksPanel = m.applyPanelStyle(panelTasks, tasksPanel, colWidth-4)
		issuesPanel = m.applyPanelStyle(panelIssues, issuesPanel, colWidth-4)
		activityPanel = m.applyPanelStyle(panelActivity, activityPanel, colWidth-4)
		body = lipgloss.JoinHorizontal(lipgloss.Top, tasksPanel, issuesPanel, activityPanel)
	} else {
		panelWidth := availableWidth - 4
		if panelWidth < 20 {
			panelWidth = 20
		}
		tasksPanel = m.applyPanelStyle(panelTasks, tasksPanel, panelWidth)
		issuesPanel = m.applyPanelStyle(panelIssues, issuesPanel, panelWidth)
		activityPanel = m.applyPanelStyle(panelActivity, activityPanel, panelWidth)
		body = lipgloss.JoinVertical(lipgloss.Left, tasksPanel, issuesPanel, activityPanel)
	}

	return fmt.Sprintf("%s\n\n%s\n\n%s", title, body, help)
}

func (m dashboardModel) applyPanelStyle(panel int, content string, width int) string {
	style := panelStyle
	if m.activePanel == panel {
		style = activePanelStyle
	}
	return style.Width(width).Render(content)
}

func (m dashboardModel) renderTasksPanel() string {
	var b strings.Builder
	b.WriteString(headerStyle.Render("Tasks"))
	b.WriteString("\n")

	if len(m.taskCounts) == 0 {
		b.WriteString("  No tasks found.")
		return b.String()
	}

	// Display in lifecycle order.
	order := []string{"in-progress", "blocked", "ready", "not-started", "completed"}
	for _, status := range order {
		count, ok := m.taskCounts[status]
		if !ok || count == 0 {
			continue
		}
		label := fmt.Sprintf("  %-14s %d", status, count)
		b.WriteString(styleForStatus(status).Render(label))
		b.WriteString("\n")
	}

	total := 0
	for _, c := range m.taskCounts {
		total += c
	}
	b.WriteString(fmt.Sprintf("\n  Total: %d", total))

	return b.String()
}

func (m dashboardModel) renderIssuesPanel() string {
	var b strings.Builder
	b.WriteString(headerStyle.Render("Issues"))
	b.WriteString("\n")

	if len(m.issues) == 0 {
		b.WriteString("  No issues detected.")
		return b.String()
	}

	for _, issue := range m.issues {
		sev := styleForSeverity(issue.severity).Render(fmt.Sprintf("[%s]", strings.ToUpper(issue.severity)))
		b.WriteString(fmt.Sprintf("  %s %s %s\n", sev, issue.taskID, issue.message))
	}

	b.WriteString(fmt.Sprintf("\n  Total: %d issue(s)", len(m.issues)))

	return b.String()
}

func (m dashboardModel) renderActivityPanel() string {
	var b strings.Builder
	b.WriteString(headerStyle.Render("Activity (7d)"))
	b.WriteString("\n")

	if m.activity == nil {
		b.WriteString("  No activity recorded.")
		return b.String()
	}

	a := m.activity
	lines := []struct {
		label string
		value int
	}{
		{"Events", a.eventCount},
		{"Added", a.tasksAdded},
		{"Updated", a.tasksUpdated},
		{"Remediated", a.remediations},
		{"Resolutions", a.resolutions},
	}

	for _, l := range lines {
		b.WriteString(fmt.Sprintf("  %-14s %d\n", l.label, l.value))
	}

	return b.String()
}

func styleForStatus(status string) lipgloss.Style {
	switch status {
	case "in-progress":
		return statusInProgress
	case "completed":
		return statusCompleted
	case "blocked":
		return statusBlocked
	case "ready":
		return statusReady
	case "not-started":
		return statusNotStarted
	default:
		return lipgloss.NewStyle()
	}
}

func styleForSeverity(severity string) lipgloss.Style {
	switch strings.ToLower(severity) {
	case "critical":
		return severityCritical
	case "high":
		return severityHigh
	case "medium":
		return severityMedium
	case "low":
		return severityLow
	default:
		return lipgloss.NewStyle()
	}
}

func loadData() tea.Msg {
	result := dataLoadedMsg{
		taskCounts: make(map[string]int),
	}

	tasks, err := Store.GetTasks(nil)
	if err != nil {
		result.err = fmt.Errorf("loading tasks: %w", err)
		return result
	}
	for _, t := range tasks {
		result.taskCounts[string(t.Status)]++
	}

	now := time.Now().UTC()
	flagged := Monitor.DetectAll(tasks, now)
	for _, entry := range flagged {
		for _, issue := range entry.Issues {
			result.issues = append(result.issues, issueSnapshot{
				taskID:   entry.TaskID,
				severity: string(issue.Severity),
				message:  string(issue.Type),
			})
		}
	}
	sortIssues(result.issues)

	if MetricsCalc != nil {
		metrics, err := MetricsCalc.Calculate(now.AddDate(0, 0, -7))
		if err != nil {
			result.err = fmt.Errorf("loading activity: %w", err)
			return result
		}
		result.activity = &activitySnapshot{
			eventCount:   metrics.EventCount,
			tasksAdded:   metrics.TasksAdded,
			tasksUpdated: metrics.TasksUpdated,
			remediations: metrics.Remediations,
			resolutions:  metrics.DepsResolutions,
		}
	}

	return result
}

// sortIssues orders snapshots by severity rank, critical first.
func sortIssues(issues []issueSnapshot) {
	sort.SliceStable(issues, func(i, j int) bool {
		return health.Severity(issues[i].severity).Rank() < health.Severity(issues[j].severity).Rank()
	})
}

var dashboardCmd = &cobra.Command{
	Use:   "dashboard",
	Short: "Interactive TUI dashboard for backlog status and issues",
	Long: `Launch an interactive terminal dashboard showing task status counts,
detected health issues, and recent mutation activity.

Navigate between panels with Tab, refresh with r, quit with q.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		p := tea.NewProgram(newDashboardModel(), tea.WithAltScreen())
		_, err := p.Run()
		return err
	},
}

func init() {
	rootCmd.AddCommand(dashboardCmd)
}
