package main

import (
	"fmt"
	"io"
	"os"
	"time"

	"github.com/markus-barta/harmonyfast/internal/config"
	"github.com/markus-barta/harmonyfast/internal/version"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
)

type rootOptions struct {
	catalog string
	verbose bool
	timeout time.Duration
}

// catalogPath returns the --catalog flag, HARMONY_CONFIG, or the default.
func (o *rootOptions) catalogPath() string {
	if o.catalog != "" {
		return o.catalog
	}
	if v := os.Getenv("HARMONY_CONFIG"); v != "" {
		return v
	}
	return config.DefaultConfig().CatalogPath
}

func (o *rootOptions) loadCatalog() (*config.Catalog, error) {
	return config.LoadCatalog(o.catalogPath())
}

// loadConfig reads the environment and applies flag overrides.
func (o *rootOptions) loadConfig() (*config.Config, error) {
	cfg, err := config.LoadFromEnv()
	if err != nil {
		return nil, err
	}
	cfg.CatalogPath = o.catalogPath()
	if o.verbose {
		cfg.LogLevel = "debug"
	}
	return cfg, nil
}

// newLogger builds the console logger and sets the global level.
func newLogger(w io.Writer, level string) zerolog.Logger {
	switch level {
	case "debug":
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	case "warn":
		zerolog.SetGlobalLevel(zerolog.WarnLevel)
	case "error":
		zerolog.SetGlobalLevel(zerolog.ErrorLevel)
	default:
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	}

	return zerolog.New(zerolog.ConsoleWriter{Out: w, TimeFormat: "15:04:05.000"}).
		With().
		Timestamp().
		Logger()
}

// newRootCmd creates the root command. Called with arguments it behaves like
// the classic "harmony <command> [action]" CLI.
func newRootCmd() *cobra.Command {
	opts := &rootOptions{}

	cmd := &cobra.Command{
		Use:   "harmony [command] [action]",
		Short: "Fast local control for a Harmony Hub",
		Long: `harmony talks to a Harmony Hub over its local WebSocket API.

  harmony tv              start the "tv" activity
  harmony off             turn everything off
  harmony onkyo VolumeUp  send a device command
  harmony vol+            audio shortcut
  harmony status          show the current activity

Aliases come from the catalog file (HARMONY_CONFIG, default harmony.yaml).
The hub is configured with HARMONY_HUB_IP and HARMONY_REMOTE_ID.`,
		Args:          cobra.MaximumNArgs(2),
		Version:       version.Info(),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) == 0 {
				return cmd.Help()
			}
			action := ""
			if len(args) == 2 {
				action = args[1]
			}
			return runCommand(cmd, opts, args[0], action)
		},
	}
	cmd.SetVersionTemplate("harmony {{.Version}}\n")

	f := cmd.PersistentFlags()
	f.StringVarP(&opts.catalog, "catalog", "c", "", "catalog file (overrides HARMONY_CONFIG)")
	f.BoolVar(&opts.verbose, "verbose", false, "debug logging")
	f.DurationVar(&opts.timeout, "timeout", 10*time.Second, "overall deadline for one-shot commands")

	cmd.AddCommand(
		newActivityCmd(opts),
		newDeviceCmd(opts),
		newStatusCmd(opts),
		newListCmd(opts),
		newCheckCmd(opts),
		newServeCmd(opts),
		newVersionCmd(),
	)
	return cmd
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "harmony %s\n", version.Info())
		},
	}
}
