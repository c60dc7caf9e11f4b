package main

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/event-capture/eventcapture/verify"
)

func newVerifyCmd(a *app) *cobra.Command {
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "verify <task-id>",
		Short: "Check that a task pairs its actions with html captures",
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
		r, err := verify.Task(l)
		if err != nil {
			return fmt.Errorf("verifying %s: %w", l.ID, err)
		}

		if asJSON {
			enc := json.NewEncoder(a.stdout)
			enc.SetIndent("", "  ")
			if err := enc.Encode(r); err != nil {
				return fmt.Errorf("writing report: %w", err)
			}
		} else {
			for _, c := range r.Checks {
				mark := success("✓")
				if !c.Passed {
					mark = failure("✗")
				}
				fmt.Fprintf(a.stdout, "%s %-22s %s\n", mark, c.Name, faint("%s", c.Message))
			}
			fmt.Fprintf(a.stdout, "%d raw events, %d observations, %d key actions, %d valid pairs\n",
				r.RawEvents, r.Observations, r.KeyActions, r.ValidPairs)
		}

		if !r.Passed() {
			return fmt.Errorf("task %s failed verification", l.ID)
		}
		return nil
	})

	cmd.Flags().BoolVar(&asJSON, "json", false, "print the report as JSON")
	return cmd
}
