package cmd

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/remedyhq/remedy/internal/models"
	"github.com/remedyhq/remedy/internal/output"
	"github.com/remedyhq/remedy/internal/store"
)

var (
	sessionProject string
	sessionKind    string
	sessionStatus  string
	sessionLimit   int
	branchPayload  string
)

var sessionCmd = &cobra.Command{
	Use:     "session",
	Aliases: []string{"sessions"},
	Short:   "Inspect and manage debugging sessions",
	RunE: func(cmd *cobra.Command, args []string) error {
		return sessionListRun()
	},
}

var sessionListCmd = &cobra.Command{
	Use:   "list",
	Short: "List sessions",
	RunE: func(cmd *cobra.Command, args []string) error {
		return sessionListRun()
	},
}

var sessionShowCmd = &cobra.Command{
	Use:   "show <session-id>",
	Short: "Show a session with its attempts and tracked files",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return sessionShowRun(args[0])
	},
}

var sessionAbandonCmd = &cobra.Command{
	Use:   "abandon <session-id>",
	Short: "Abandon an active session",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return sessionAbandonRun(args[0])
	},
}

var sessionBranchCmd = &cobra.Command{
	Use:   "branch <session-id>",
	Short: "Start a fresh retry session linked to an existing one",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return sessionBranchRun(args[0])
	},
}

var sessionRenewCmd = &cobra.Command{
	Use:   "renew <session-id>",
	Short: "Extend an active session's expiry by another TTL",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return sessionRenewRun(args[0])
	},
}

func init() {
	sessionCmd.PersistentFlags().StringVar(&sessionProject, "project", "", "Filter by project id")
	sessionCmd.PersistentFlags().StringVar(&sessionKind, "kind", "", "Filter by kind (pipeline_failure, quality_gate)")
	sessionCmd.PersistentFlags().StringVar(&sessionStatus, "status", "", "Filter by status (active, resolved, abandoned, expired)")
	sessionCmd.PersistentFlags().IntVar(&sessionLimit, "limit", 0, "Maximum sessions to list")
	sessionBranchCmd.Flags().StringVar(&branchPayload, "payload", "", "JSON payload for the new session (defaults to the parent's)")

	sessionCmd.AddCommand(sessionListCmd)
	sessionCmd.AddCommand(sessionShowCmd)
	sessionCmd.AddCommand(sessionAbandonCmd)
	sessionCmd.AddCommand(sessionBranchCmd)
	sessionCmd.AddCommand(sessionRenewCmd)
	rootCmd.AddCommand(sessionCmd)
}

func sessionListRun() error {
	s, err := getStore()
	if err != nil {
		return err
	}

	sessions, err := s.ListSessions(rootCmd.Context(), store.SessionFilter{
		ProjectID: sessionProject,
		Kind:      models.SessionKind(sessionKind),
		Status:    models.SessionStatus(sessionStatus),
		Limit:     sessionLimit,
	})
	if err != nil {
		return err
	}

	if len(sessions) == 0 {
		ui.Info("No sessions found")
		return nil
	}

	table := ui.Table([]string{"ID", "Kind", "Project", "Source Ref", "Status", "Iter", "Age", "Expires"})
	for _, sess := range sessions {
		expires := "-"
		if sess.Status == models.SessionStatusActive {
			expires = time.Until(sess.ExpiresAt).Round(time.Minute).String()
		}
		table.Append([]string{
			shortID(sess.ID),
			string(sess.Kind),
			sess.ProjectID,
			sess.SourceRef,
			output.StatusColor(string(sess.Status)),
			fmt.Sprintf("%d", sess.FixIteration),
			formatAge(sess.CreatedAt),
			expires,
		})
	}
	table.Render()
	return nil
}

func sessionShowRun(id string) error {
	s, err := getStore()
	if err != nil {
		return err
	}
	ctx := rootCmd.Context()

	sess, err := s.GetSession(ctx, id)
	if err != nil {
		return err
	}

	ui.Info("Session %s", sess.ID)
	fmt.Fprintf(ui.Out, "  Kind:        %s\n", sess.Kind)
	fmt.Fprintf(ui.Out, "  Project:     %s\n", sess.ProjectID)
	if sess.SourceRef != "" {
		fmt.Fprintf(ui.Out, "  Source ref:  %s\n", sess.SourceRef)
	}
	fmt.Fprintf(ui.Out, "  Status:      %s\n", output.StatusColor(string(sess.Status)))
	fmt.Fprintf(ui.Out, "  Iteration:   %d\n", sess.FixIteration)
	if sess.CurrentFixBranch != "" {
		fmt.Fprintf(ui.Out, "  Fix branch:  %s\n", sess.CurrentFixBranch)
	}
	if sess.ParentSessionID != "" {
		fmt.Fprintf(ui.Out, "  Parent:      %s\n", sess.ParentSessionID)
	}
	fmt.Fprintf(ui.Out, "  Created:     %s\n", sess.CreatedAt.Local().Format(time.RFC822))
	fmt.Fprintf(ui.Out, "  Expires:     %s\n", sess.ExpiresAt.Local().Format(time.RFC822))

	attempts, err := s.ListFixAttempts(ctx, id)
	if err != nil {
		return err
	}
	if len(attempts) > 0 {
		fmt.Fprintln(ui.Out)
		table := ui.Table([]string{"#", "Branch", "Status", "Files", "Details"})
		for _, a := range attempts {
			table.Append([]string{
				fmt.Sprintf("%d", a.AttemptNumber),
				a.BranchName,
				output.StatusColor(string(a.Status)),
				fmt.Sprintf("%d", len(a.FilesChanged)),
				a.ErrorDetails,
			})
		}
		table.Render()
	}

	files, err := s.ListTrackedFiles(ctx, id)
	if err != nil {
		return err
	}
	if len(files) > 0 {
		fmt.Fprintln(ui.Out)
		table := ui.Table([]string{"File", "Drifted", "Last Fetched"})
		for _, f := range files {
			drifted := "no"
			if f.Drifted() {
				drifted = output.Yellow("yes")
			}
			table.Append([]string{f.FilePath, drifted, formatAge(f.LastFetchedAt) + " ago"})
		}
		table.Render()
	}

	if verbose && len(sess.Conversation) > 0 {
		fmt.Fprintln(ui.Out)
		for _, turn := range sess.Conversation {
			fmt.Fprintf(ui.Out, "  [%s] %s: %s\n",
				turn.Timestamp.Local().Format("15:04:05"), turn.Role, turn.Content)
		}
	}
	return nil
}

func sessionAbandonRun(id string) error {
	mgr, err := getManager()
	if err != nil {
		return err
	}

	if dryRun {
		ui.DryRunMsg("Would abandon session %s", id)
		return nil
	}

	if err := mgr.Abandon(rootCmd.Context(), id); err != nil {
		return err
	}
	ui.Success("Session %s abandoned", id)
	return nil
}

func sessionBranchRun(id string) error {
	mgr, err := getManager()
	if err != nil {
		return err
	}

	var payload json.RawMessage
	if branchPayload != "" {
		if !json.Valid([]byte(branchPayload)) {
			return fmt.Errorf("--payload is not valid JSON")
		}
		payload = json.RawMessage(branchPayload)
	}

	if dryRun {
		ui.DryRunMsg("Would branch session %s", id)
		return nil
	}

	child, err := mgr.BranchRetrySession(rootCmd.Context(), id, payload)
	if err != nil {
		return err
	}
	ui.Success("Branched session %s from %s", child.ID, id)
	return nil
}

func sessionRenewRun(id string) error {
	mgr, err := getManager()
	if err != nil {
		return err
	}

	if dryRun {
		ui.DryRunMsg("Would renew session %s", id)
		return nil
	}

	sess, err := mgr.Renew(rootCmd.Context(), id)
	if err != nil {
		return err
	}
	ui.Success("Session %s renewed until %s", id, sess.ExpiresAt.Local().Format(time.RFC822))
	return nil
}
