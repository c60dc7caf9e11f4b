package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/event-capture/eventcapture/eventconfig"
)

func newConfigCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Show or change which DOM events are recorded",
	}

	show := &cobra.Command{
		Use:   "show",
		Short: "Print the active event configuration",
		Args:  cobra.NoArgs,
	}
	show.RunE = a.runE(func(cmd *cobra.Command, _ []string) error {
		cs, err := a.configStore(cmd.Context())
		if err != nil {
			return err
		}
		cfg, err := cs.Load(cmd.Context())
		if err != nil {
			return fmt.Errorf("loading event config: %w", err)
		}
		buf, err := eventconfig.MarshalFile(cfg)
		if err != nil {
			return fmt.Errorf("encoding event config: %w", err)
		}
		if _, err := fmt.Fprintln(a.stdout, string(buf)); err != nil {
			return fmt.Errorf("writing event config: %w", err)
		}
		return nil
	})

	set := &cobra.Command{
		Use:   "set <file>",
		Short: "Save the configuration in a {domEvents: [...]} file",
		Args:  cobra.ExactArgs(1),
	}
	set.RunE = a.runE(func(cmd *cobra.Command, args []string) error {
		data, err := os.ReadFile(args[0])
		if err != nil {
			return fmt.Errorf("reading %s: %w", args[0], err)
		}
		cfg, err := eventconfig.ParseFile(data)
		if err != nil {
			return fmt.Errorf("parsing %s: %w", args[0], err)
		}
		return a.saveConfig(cmd, cfg)
	})

	preset := &cobra.Command{
		Use:       "preset <name>",
		Short:     "Save a built-in configuration",
		Args:      cobra.ExactArgs(1),
		ValidArgs: []string{eventconfig.PresetStandard, eventconfig.PresetDetailed, eventconfig.PresetDebug},
	}
	preset.RunE = a.runE(func(cmd *cobra.Command, args []string) error {
		cfg, err := eventconfig.Preset(args[0])
		if err != nil {
			return fmt.Errorf("loading preset: %w", err)
		}
		return a.saveConfig(cmd, cfg)
	})

	reset := &cobra.Command{
		Use:   "reset",
		Short: "Drop the saved configuration and use the packaged default",
		Args:  cobra.NoArgs,
	}
	reset.RunE = a.runE(func(cmd *cobra.Command, _ []string) error {
		cs, err := a.configStore(cmd.Context())
		if err != nil {
			return err
		}
		if err := cs.Reset(cmd.Context()); err != nil {
			return fmt.Errorf("resetting event config: %w", err)
		}
		fmt.Fprintln(a.stdout, success("✓ using the packaged default"))
		return nil
	})

	cmd.AddCommand(show, set, preset, reset)
	return cmd
}

func (a *app) saveConfig(cmd *cobra.Command, cfg eventconfig.Config) error {
	cs, err := a.configStore(cmd.Context())
	if err != nil {
		return err
	}
	if err := cs.Save(cmd.Context(), cfg); err != nil {
		return fmt.Errorf("saving event config: %w", err)
	}
	fmt.Fprintf(a.stdout, "%s %d listeners enabled\n", success("✓ saved,"), len(cfg.Enabled()))
	return nil
}
