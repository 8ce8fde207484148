package main

import (
	"github.com/spf13/cobra"

	"github.com/tailored-agentic-units/sessiond/app"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

type rootOptions struct {
	configFile string
	storeType  string
	storePath  string
	logLevel   string

	cfg *app.Config
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}

	root := &cobra.Command{
		Use:   "sessiond",
		Short: "Background session and memory agent",
		Long: `sessiond keeps a per-host session map and long-term memory map in a
background agent, snapshots both periodically, and persists the latest
snapshot to a durable store.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return opts.load()
		},
	}

	flags := root.PersistentFlags()
	flags.StringVarP(&opts.configFile, "config", "c", "", "Path to config file (yaml, json or toml)")
	flags.StringVar(&opts.storeType, "store", "", "Snapshot store type (overrides config)")
	flags.StringVar(&opts.storePath, "store-path", "", "Snapshot store path (overrides config)")
	flags.StringVar(&opts.logLevel, "log-level", "", "Log level: debug, info, warn, error (overrides config)")

	root.AddCommand(
		newRunCmd(opts),
		newSnapshotCmd(opts),
		newVersionCmd(),
	)
	return root
}

func (o *rootOptions) load() error {
	cfg, err := app.LoadConfig(o.configFile)
	if err != nil {
		return err
	}

	if o.storeType != "" {
		cfg.Persist.Type = o.storeType
	}
	if o.storePath != "" {
		cfg.Persist.Path = o.storePath
	}
	if o.logLevel != "" {
		cfg.Logging.Level = o.logLevel
	}

	o.cfg = cfg
	return nil
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the sessiond version",
		Args:  cobra.NoArgs,
		PersistentPreRunE: func(*cobra.Command, []string) error {
			return nil
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			_, err := cmd.OutOrStdout().Write([]byte("sessiond " + version + "\n"))
			return err
		},
	}
}
