package cmd

import (
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/remedyhq/remedy/internal/models"
)

var (
	admitKind      string
	admitProject   string
	admitSourceRef string
	admitPayload   string
)

var admitCmd = &cobra.Command{
	Use:   "admit",
	Short: "Admit a failure event, creating or re-joining a session",
	Long: `Admit a normalized failure event from a producer.

The event either creates a new debugging session or attaches to the
active session for the same project and source ref. Payload is read
from --payload, or from stdin when --payload is "-".`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return admitRun()
	},
}

func init() {
	admitCmd.Flags().StringVar(&admitKind, "kind", "", "Event kind (pipeline_failure or quality_gate)")
	admitCmd.Flags().StringVar(&admitProject, "project", "", "Project identifier")
	admitCmd.Flags().StringVar(&admitSourceRef, "source-ref", "", "Source ref the failure was observed on")
	admitCmd.Flags().StringVar(&admitPayload, "payload", "", `Failure payload as JSON ("-" to read stdin)`)
	_ = admitCmd.MarkFlagRequired("kind")
	_ = admitCmd.MarkFlagRequired("project")
	rootCmd.AddCommand(admitCmd)
}

func admitRun() error {
	mgr, err := getManager()
	if err != nil {
		return err
	}
	defer closeDeps()

	payload := admitPayload
	if payload == "-" {
		data, err := io.ReadAll(os.Stdin)
		if err != nil {
			return fmt.Errorf("read payload from stdin: %w", err)
		}
		payload = string(data)
	}

	ev := models.FailureEvent{
		Kind:      models.SessionKind(admitKind),
		ProjectID: admitProject,
		SourceRef: admitSourceRef,
	}
	if payload != "" {
		if !json.Valid([]byte(payload)) {
			return fmt.Errorf("payload is not valid JSON")
		}
		ev.Payload = json.RawMessage(payload)
	}

	if dryRun {
		ui.DryRunMsg("Would admit %s event for project %s", admitKind, admitProject)
		return nil
	}

	sess, created, err := mgr.AdmitEvent(rootCmd.Context(), ev)
	if err != nil {
		return err
	}

	if created {
		ui.Success("Session %s created (expires %s)", shortID(sess.ID), sess.ExpiresAt.Format("15:04:05"))
	} else {
		ui.Info("Event attached to existing session %s", shortID(sess.ID))
	}
	return nil
}
