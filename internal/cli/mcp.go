package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"

	"github.com/spf13/cobra"

	tmmcp "github.com/taskmedic/taskmedic/internal/mcp"
)

var mcpCmd = &cobra.Command{
	Use:   "mcp",
	Short: "MCP server commands",
	Long:  "Commands for running the taskmedic MCP (Model Context Protocol) server.",
}

var mcpServeCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the taskmedic MCP server on stdio",
	Long: `Start the taskmedic MCP server on stdio transport.

The server exposes backlog functionality as MCP tools that AI coding
assistants can call: get_task, list_tasks, add_task, update_task_status,
health_report, score_task, detect_issues, remediate_task, get_metrics.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		if Store == nil {
			return fmt.Errorf("task store not initialized")
		}

		srv := tmmcp.NewServer(Store, Scorer, Monitor, Engine, EventLog, MetricsCalc, Cfg.DefaultSource, appVersion)

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
		defer stop()

		if err := srv.Run(ctx); err != nil {
			return fmt.Errorf("running MCP server: %w", err)
		}

		return nil
	},
}

func init() {
	mcpCmd.AddCommand(mcpServeCmd)
	rootCmd.AddCommand(mcpCmd)
}
