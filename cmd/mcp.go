package cmd

import (
	"github.com/spf13/cobra"

	"github.com/remedyhq/remedy/internal/mcp"
)

var mcpCmd = &cobra.Command{
	Use:   "mcp",
	Short: "Start MCP stdio server for agent integration",
	Long: `Start an MCP (Model Context Protocol) server on stdio.

This lets coding agents drive the session lifecycle natively: inspecting
sessions, opening and completing fix attempts, branching retries, and
looking up similar past fixes. Configure with:

  {
    "mcpServers": {
      "remedy": { "command": "remedy", "args": ["mcp"] }
    }
  }

Available tools: remedy_list_sessions, remedy_get_session,
remedy_record_attempt, remedy_complete_attempt, remedy_branch_session,
remedy_abandon_session, remedy_similar_fixes`,
	RunE: func(cmd *cobra.Command, args []string) error {
		mgr, err := getManager()
		if err != nil {
			return err
		}
		defer closeDeps()

		srv := mcp.NewServer(dataStore, mgr)
		return srv.ServeStdio(cmd.Context())
	},
}

func init() {
	rootCmd.AddCommand(mcpCmd)
}
