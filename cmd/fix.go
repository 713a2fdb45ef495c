package cmd

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/remedyhq/remedy/internal/lifecycle"
	"github.com/remedyhq/remedy/internal/models"
	"github.com/remedyhq/remedy/internal/output"
)

var (
	fixBranch       string
	fixFilesChanged []string
	fixErrorDetails string
	fixDescription  string
	fixCategory     string
	fixConfidence   float64
)

var fixCmd = &cobra.Command{
	Use:   "fix",
	Short: "Drive fix attempts against a session",
}

var fixAttemptCmd = &cobra.Command{
	Use:   "attempt <session-id>",
	Short: "Open the next fix attempt for a session",
	Long: `Open the next fix attempt for an active session.

Without --branch, the reasoning engine is consulted for a proposal and its
branch slug is used. Fails if the session already has a pending attempt.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return fixAttemptRun(args[0])
	},
}

var fixCompleteCmd = &cobra.Command{
	Use:   "complete <attempt-id> <success|failed>",
	Short: "Close a pending fix attempt",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return fixCompleteRun(args[0], args[1])
	},
}

var fixSimilarCmd = &cobra.Command{
	Use:   "similar <session-id>",
	Short: "Show confirmed fixes for similar past failures",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return fixSimilarRun(args[0])
	},
}

var fixProposeCmd = &cobra.Command{
	Use:   "propose <session-id>",
	Short: "Ask the reasoning engine for a fix proposal",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return fixProposeRun(args[0])
	},
}

func init() {
	fixAttemptCmd.Flags().StringVar(&fixBranch, "branch", "", "Branch name for the attempt (default: derived from a proposal)")
	fixCompleteCmd.Flags().StringSliceVar(&fixFilesChanged, "files", nil, "Files changed by the fix")
	fixCompleteCmd.Flags().StringVar(&fixErrorDetails, "error", "", "Error details for failed outcomes")
	fixCompleteCmd.Flags().StringVar(&fixDescription, "description", "", "What the fix did, for success outcomes")
	fixCompleteCmd.Flags().StringVar(&fixCategory, "category", "", "Fix category (logic, config, dependency, test, infra)")
	fixCompleteCmd.Flags().Float64Var(&fixConfidence, "confidence", 0, "Reasoning engine confidence (0-1)")

	fixCmd.AddCommand(fixAttemptCmd)
	fixCmd.AddCommand(fixCompleteCmd)
	fixCmd.AddCommand(fixSimilarCmd)
	fixCmd.AddCommand(fixProposeCmd)
	rootCmd.AddCommand(fixCmd)
}

func fixAttemptRun(sessionID string) error {
	mgr, err := getManager()
	if err != nil {
		return err
	}
	ctx := rootCmd.Context()

	branch := fixBranch
	if branch == "" {
		client := getLLM()
		if client == nil {
			return fmt.Errorf("--branch is required when no Anthropic API key is configured")
		}

		sess, err := dataStore.GetSession(ctx, sessionID)
		if err != nil {
			return err
		}
		attempts, err := dataStore.ListFixAttempts(ctx, sessionID)
		if err != nil {
			return err
		}
		similar, err := mgr.SimilarFixes(ctx, sessionID, viper.GetInt("similarity.limit"))
		if err != nil {
			return err
		}

		ui.VerboseLog("Requesting fix proposal from %s", viper.GetString("anthropic.model"))
		proposal, err := client.ProposeFix(ctx, sess, attempts, similar)
		if err != nil {
			return fmt.Errorf("propose fix: %w", err)
		}

		ui.Info("Proposal: %s", proposal.Summary)
		ui.Info("Category: %s, confidence %.2f", proposal.Category, proposal.Confidence)
		branch = proposalBranchName(proposal.BranchSlug, sess.FixIteration+1)
	}

	if dryRun {
		ui.DryRunMsg("Would open fix attempt on branch %s", branch)
		return nil
	}

	attempt, err := mgr.RecordFixAttempt(ctx, sessionID, branch)
	if err != nil {
		return err
	}
	ui.Success("Fix attempt %d opened on branch %s", attempt.AttemptNumber, attempt.BranchName)
	return nil
}

func fixCompleteRun(attemptID, status string) error {
	mgr, err := getManager()
	if err != nil {
		return err
	}

	if dryRun {
		ui.DryRunMsg("Would complete attempt %s as %s", attemptID, status)
		return nil
	}

	attempt, err := mgr.CompleteFixAttempt(rootCmd.Context(), attemptID, lifecycle.Outcome{
		Status:         models.AttemptStatus(status),
		FilesChanged:   fixFilesChanged,
		ErrorDetails:   fixErrorDetails,
		FixDescription: fixDescription,
		FixCategory:    fixCategory,
		Confidence:     fixConfidence,
	})
	if err != nil {
		return err
	}

	if attempt.Status == models.AttemptStatusSuccess {
		ui.Success("Attempt %d succeeded; session %s resolved", attempt.AttemptNumber, shortID(attempt.SessionID))
	} else {
		ui.Warning("Attempt %d failed; session stays active for another try", attempt.AttemptNumber)
	}
	return nil
}

func fixSimilarRun(sessionID string) error {
	mgr, err := getManager()
	if err != nil {
		return err
	}

	fixes, err := mgr.SimilarFixes(rootCmd.Context(), sessionID, viper.GetInt("similarity.limit"))
	if err != nil {
		return err
	}

	if len(fixes) == 0 {
		ui.Info("No similar fixes recorded")
		return nil
	}

	table := ui.Table([]string{"Applied", "Category", "Confidence", "Description"})
	for _, rec := range fixes {
		table.Append([]string{
			formatAge(rec.AppliedAt) + " ago",
			rec.FixCategory,
			fmt.Sprintf("%.2f", rec.Confidence),
			rec.FixDescription,
		})
	}
	table.Render()
	return nil
}

func fixProposeRun(sessionID string) error {
	mgr, err := getManager()
	if err != nil {
		return err
	}
	ctx := rootCmd.Context()

	client := getLLM()
	if client == nil {
		return fmt.Errorf("no Anthropic API key configured (set REMEDY_ANTHROPIC_API_KEY)")
	}

	sess, err := dataStore.GetSession(ctx, sessionID)
	if err != nil {
		return err
	}
	attempts, err := dataStore.ListFixAttempts(ctx, sessionID)
	if err != nil {
		return err
	}
	similar, err := mgr.SimilarFixes(ctx, sessionID, viper.GetInt("similarity.limit"))
	if err != nil {
		return err
	}

	proposal, err := client.ProposeFix(ctx, sess, attempts, similar)
	if err != nil {
		return fmt.Errorf("propose fix: %w", err)
	}

	ui.Info("Proposal: %s", proposal.Summary)
	fmt.Fprintf(ui.Out, "  Category:   %s\n", proposal.Category)
	fmt.Fprintf(ui.Out, "  Confidence: %.2f\n", proposal.Confidence)
	fmt.Fprintf(ui.Out, "  Branch:     %s\n", output.Cyan(proposalBranchName(proposal.BranchSlug, sess.FixIteration+1)))
	if len(proposal.FilesLikely) > 0 {
		fmt.Fprintf(ui.Out, "  Files:      %s\n", strings.Join(proposal.FilesLikely, ", "))
	}
	return nil
}

// proposalBranchName derives a branch name from a proposal slug, falling back
// to the attempt number when the slug is empty.
func proposalBranchName(slug string, attemptNumber int) string {
	slug = strings.TrimSpace(strings.ToLower(slug))
	slug = strings.ReplaceAll(slug, " ", "-")
	if slug == "" {
		return fmt.Sprintf("fix/attempt-%d", attemptNumber)
	}
	return "fix/" + slug
}
