package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/markus-barta/harmonyfast/internal/config"
	"github.com/markus-barta/harmonyfast/internal/protocol"
	"github.com/spf13/cobra"
)

// runCommand resolves (command, action) against the catalog and sends it.
// Resolution happens before any connection is made.
func runCommand(cmd *cobra.Command, opts *rootOptions, command, action string) error {
	cat, err := opts.loadCatalog()
	if err != nil {
		return err
	}
	c, err := cat.Resolve(command, action)
	if err != nil {
		return err
	}
	return send(cmd, opts, cat, c)
}

func send(cmd *cobra.Command, opts *rootOptions, cat *config.Catalog, c protocol.Command) error {
	s, err := openSession(opts, cat)
	if err != nil {
		return err
	}
	defer s.close()

	ctx, cancel := context.WithTimeout(cmd.Context(), opts.timeout)
	defer cancel()

	res := s.do(ctx, c)
	if res.Err != nil {
		if errors.Is(res.Err, protocol.ErrTimeout) && c.Kind == protocol.KindActivity {
			return fmt.Errorf("%w (the hub may still be switching; check with \"harmony status\")", res.Err)
		}
		return res.Err
	}
	fmt.Fprintln(cmd.OutOrStdout(), describe(cat, res))
	return nil
}

func newActivityCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:     "activity <alias>",
		Aliases: []string{"a"},
		Short:   "Start an activity (\"off\" turns everything off)",
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cat, err := opts.loadCatalog()
			if err != nil {
				return err
			}
			act, ok := cat.Activities[strings.ToLower(args[0])]
			if !ok {
				return fmt.Errorf("%w: activity %q", protocol.ErrUnknownCommand, args[0])
			}
			return send(cmd, opts, cat, protocol.NewActivity(act.ID, strings.ToLower(args[0])))
		},
	}
}

func newDeviceCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:     "device <alias> <action>",
		Aliases: []string{"d"},
		Short:   "Send one IR command to a device",
		Args:    cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			cat, err := opts.loadCatalog()
			if err != nil {
				return err
			}
			if _, ok := cat.Devices[strings.ToLower(args[0])]; !ok {
				return fmt.Errorf("%w: device %q", protocol.ErrUnknownCommand, args[0])
			}
			c, err := cat.Resolve(args[0], args[1])
			if err != nil {
				return err
			}
			return send(cmd, opts, cat, c)
		},
	}
}

func newStatusCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show the current activity",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cat, err := opts.loadCatalog()
			if err != nil {
				return err
			}
			return send(cmd, opts, cat, protocol.NewStatus())
		},
	}
}

func newListCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:     "list",
		Aliases: []string{"ls"},
		Short:   "List catalog aliases",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cat, err := opts.loadCatalog()
			if err != nil {
				return err
			}
			printCatalog(cmd, cat)
			return nil
		},
	}
}

func printCatalog(cmd *cobra.Command, cat *config.Catalog) {
	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
	defer func() { _ = w.Flush() }()

	fmt.Fprintln(w, "ACTIVITIES")
	for _, alias := range cat.ActivityAliases() {
		a := cat.Activities[alias]
		fmt.Fprintf(w, "  %s\t%s\t%s\n", alias, a.ID, a.Name)
	}

	fmt.Fprintln(w, "DEVICES")
	for _, alias := range cat.DeviceAliases() {
		d := cat.Devices[alias]
		commands := "any"
		if len(d.Commands) > 0 {
			commands = strings.Join(d.Commands, ", ")
		}
		fmt.Fprintf(w, "  %s\t%s\t%s\n", alias, d.ID, commands)
	}

	if aliases := cat.AudioAliases(); len(aliases) > 0 {
		fmt.Fprintf(w, "AUDIO (%s)\n", cat.AudioDevice)
		for _, alias := range aliases {
			fmt.Fprintf(w, "  %s\t%s\n", alias, cat.Audio[alias])
		}
	}
}

// newCheckCmd validates configuration and probes the hub.
func newCheckCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "check",
		Short: "Validate configuration and test hub connectivity",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			out := cmd.OutOrStdout()

			cfg, err := opts.loadConfig()
			if err != nil {
				fmt.Fprintf(out, "❌ Config error: %v\n", err)
				return err
			}
			fmt.Fprintln(out, "✓ Config OK")
			fmt.Fprintf(out, "  Hub:       %s\n", cfg.HubURL())

			cat, err := config.LoadCatalog(cfg.CatalogPath)
			if err != nil {
				fmt.Fprintf(out, "❌ Catalog error: %v\n", err)
				return err
			}
			fmt.Fprintf(out, "✓ Catalog OK (%d activities, %d devices)\n", len(cat.Activities), len(cat.Devices))

			fmt.Fprint(out, "Testing hub connectivity... ")
			start := time.Now()
			conn, err := net.DialTimeout("tcp", net.JoinHostPort(cfg.HubIP, protocol.HubPort), 5*time.Second)
			if err != nil {
				fmt.Fprintf(out, "❌ Failed\n  Error: %v\n", err)
				return err
			}
			_ = conn.Close()
			fmt.Fprintf(out, "✓ OK (latency: %dms)\n", time.Since(start).Milliseconds())
			return nil
		},
	}
}
