package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/event-capture/eventcapture/bus"
	"github.com/event-capture/eventcapture/ingest"
	"github.com/event-capture/eventcapture/session"
)

func newSubmitCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "submit <task-id>",
		Short: "Submit a finished task to the ingestion service",
		Long: `Submit posts the task log to the ingestion service and uploads its video.
Submitting a task again sends the same payload, so a failed submission can
simply be retried.`,
		Args: cobra.ExactArgs(1),
	}
	cmd.RunE = a.runE(func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		store, err := a.openStore(ctx)
		if err != nil {
			return err
		}
		deps := session.Dependencies{
			Bus:    bus.New(a.logger),
			Store:  store,
			Videos: a.videos(),
			Logger: a.logger,
		}
		if ing := a.ingester(); ing != nil {
			deps.Ingester = ing
		}
		ctrl, err := session.New(deps, session.Options{})
		if err != nil {
			return fmt.Errorf("creating session controller: %w", err)
		}
		return a.submit(ctx, ctrl, args[0])
	})

	return cmd
}

func (a *app) submit(ctx context.Context, ctrl *session.Controller, taskID string) error {
	res, err := ctrl.Submit(ctx, taskID)
	if err != nil {
		var ie *ingest.Error
		if errors.As(err, &ie) && ie.Retryable() || errors.Is(err, context.DeadlineExceeded) {
			fmt.Fprintln(a.stderr, warning("the task is saved locally, retry with: eventcapture submit %s", taskID))
		}
		return fmt.Errorf("submitting %s: %w", taskID, err)
	}

	fmt.Fprintf(a.stdout, "%s task %s as document %s\n", success("✓ Submitted"), taskID, res.DocumentID)
	if res.FolderIso != "" {
		fmt.Fprintf(a.stdout, "  folder: %s\n", res.FolderIso)
	}
	return nil
}
