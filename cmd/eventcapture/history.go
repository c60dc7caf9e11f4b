package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/event-capture/eventcapture/task"
	"github.com/event-capture/eventcapture/verify"
)

func newHistoryCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "history",
		Short: "Inspect recorded tasks",
	}
	cmd.AddCommand(
		newHistoryListCmd(a),
		newHistoryShowCmd(a),
		newHistoryDeleteCmd(a),
		newHistoryExportCmd(a),
	)
	return cmd
}

func newHistoryListCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List tasks, newest first",
		Args:  cobra.NoArgs,
	}
	cmd.RunE = a.runE(func(cmd *cobra.Command, _ []string) error {
		store, err := a.openStore(cmd.Context())
		if err != nil {
			return err
		}
		tasks, err := store.ListTasks(cmd.Context())
		if err != nil {
			return fmt.Errorf("listing tasks: %w", err)
		}
		if len(tasks) == 0 {
			fmt.Fprintln(a.stdout, faint("no tasks recorded"))
			return nil
		}

		tw := tabwriter.NewWriter(a.stdout, 0, 0, 2, ' ', 0)
		fmt.Fprintln(tw, "ID\tSTATUS\tSTARTED\tDURATION\tEVENTS\tSUBMITTED\tTITLE")
		for _, t := range tasks {
			fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%d\t%s\t%s\n",
				t.ID,
				statusText(t.Log),
				humanize.Time(time.UnixMilli(t.StartTime)),
				time.Duration(t.Duration())*time.Millisecond,
				t.EventCount,
				submittedText(t.Log),
				t.Title,
			)
		}
		if err := tw.Flush(); err != nil {
			return fmt.Errorf("writing task list: %w", err)
		}
		return nil
	})
	return cmd
}

func statusText(l *task.Log) string {
	switch l.Status {
	case task.StatusCompleted:
		return success(string(l.Status))
	case task.StatusCancelled:
		return warning(string(l.Status))
	}
	return string(l.Status)
}

func submittedText(l *task.Log) string {
	switch {
	case l.Submission != nil:
		return success(humanize.Time(time.UnixMilli(l.Submission.SubmittedAt)))
	case l.LastSubmitError != "":
		return failure("failed")
	}
	return "-"
}

func newHistoryShowCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show <task-id>",
		Short: "Print the metadata and events of a task",
		Args:  cobra.ExactArgs(1),
	}
	cmd.RunE = a.runE(func(cmd *cobra.Command, args []string) error {
		store, err := a.openStore(cmd.Context())
		if err != nil {
			return err
		}
		l, err := store.GetTask(cmd.Context(), args[0])
		if err != nil {
			return fmt.Errorf("loading task: %w", err)
		}

		fmt.Fprintf(a.stdout, "%s %s\n", l.ID, statusText(l))
		fmt.Fprintf(a.stdout, "  title:    %s\n", l.Title)
		fmt.Fprintf(a.stdout, "  pages:    %s → %s\n", l.StartURL, l.EndURL)
		fmt.Fprintf(a.stdout, "  started:  %s (%s)\n",
			time.UnixMilli(l.StartTime).Format(time.RFC3339), humanize.Time(time.UnixMilli(l.StartTime)))
		fmt.Fprintf(a.stdout, "  duration: %s\n", time.Duration(l.Duration())*time.Millisecond)
		if l.VideoArtifactRef != "" {
			fmt.Fprintf(a.stdout, "  video:    %s\n", l.VideoArtifactRef)
		}
		if l.CancelReason != "" {
			fmt.Fprintf(a.stdout, "  reason:   %s\n", l.CancelReason)
		}
		if l.LastSubmitError != "" {
			fmt.Fprintf(a.stdout, "  submit:   %s\n", failure(l.LastSubmitError))
		}
		if l.Submission != nil {
			fmt.Fprintf(a.stdout, "  document: %s\n", l.Submission.DocumentID)
		}

		fmt.Fprintf(a.stdout, "  events:   %d\n", len(l.Events))
		for i, e := range l.Events {
			fmt.Fprintf(a.stdout, "  %4d %s %-12s %s\n", i+1, faint("+%6dms", e.Timestamp-l.StartTime), e.Type, eventDetail(e))
		}
		return nil
	})
	return cmd
}

func eventDetail(e task.EventRecord) string {
	switch {
	case e.ToURL != "":
		return e.ToURL
	case e.Type == task.EventHTMLCapture:
		return humanize.Bytes(uint64(len(e.HTML)))
	case e.Value != nil:
		return fmt.Sprintf("%s = %q", e.Target.Selector, *e.Value)
	case e.ScrollY != nil && e.ScrollX != nil:
		return fmt.Sprintf("%s (%d, %d)", e.Target.Selector, *e.ScrollX, *e.ScrollY)
	case e.Key != "":
		return fmt.Sprintf("%s %s", e.Target.Selector, e.Key)
	}
	return e.Target.Selector
}

func newHistoryDeleteCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "delete <task-id>...",
		Short: "Delete tasks",
		Args:  cobra.MinimumNArgs(1),
	}
	cmd.RunE = a.runE(func(cmd *cobra.Command, args []string) error {
		store, err := a.openStore(cmd.Context())
		if err != nil {
			return err
		}
		st, err := store.LoadState(cmd.Context())
		if err != nil {
			return fmt.Errorf("loading recorder state: %w", err)
		}
		for _, id := range args {
			if st.IsRecording && st.CurrentTaskID == id {
				return fmt.Errorf("task %s is recording", id)
			}
			if err := store.DeleteTask(cmd.Context(), id); err != nil {
				return fmt.Errorf("deleting %s: %w", id, err)
			}
			fmt.Fprintf(a.stdout, "deleted %s\n", id)
		}
		return nil
	})
	return cmd
}

func newHistoryExportCmd(a *app) *cobra.Command {
	var (
		output    string
		stripHTML bool
	)
	cmd := &cobra.Command{
		Use:   "export <task-id>",
		Short: "Write a task log as JSON",
		Args:  cobra.ExactArgs(1),
	}
	cmd.RunE = a.runE(func(cmd *cobra.Command, args []string) error {
		store, err := a.openStore(cmd.Context())
		if err != nil {
			return err
		}
		l, err := store.GetTask(cmd.Context(), args[0])
		if err != nil {
			return fmt.Errorf("loading task: %w", err)
		}
		if stripHTML {
			l = verify.StripHTML(l)
		}

		var w io.Writer = a.stdout
		if output != "" && output != "-" {
			f, err := os.Create(output) //nolint:gosec
			if err != nil {
				return fmt.Errorf("creating %s: %w", output, err)
			}
			defer f.Close() //nolint:errcheck
			w = f
		}
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		if err := enc.Encode(l); err != nil {
			return fmt.Errorf("writing task %s: %w", l.ID, err)
		}
		return nil
	})

	cmd.Flags().StringVarP(&output, "output", "o", "", "file to write, stdout when empty")
	cmd.Flags().BoolVar(&stripHTML, "strip-html", false, "drop the HTML of html captures")
	return cmd
}
