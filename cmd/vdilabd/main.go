// Command vdilabd runs the virtual desktop session controller.
package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"sort"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/vdilab/vdilab/internal/buildinfo"
	"github.com/vdilab/vdilab/internal/config"
	"github.com/vdilab/vdilab/internal/daemon"
	"github.com/vdilab/vdilab/internal/logging"
)

func main() {
	if err := newRootCmd(os.Stdout).Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCmd(out io.Writer) *cobra.Command {
	var configPath string

	root := &cobra.Command{
		Use:               "vdilabd",
		Short:             "Virtual desktop session controller",
		SilenceUsage:      true,
		SilenceErrors:     true,
		DisableAutoGenTag: true,
	}
	root.SetOut(out)
	root.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to config file (default /etc/vdilab/config.yaml)")

	root.AddCommand(
		&cobra.Command{
			Use:   "serve",
			Short: "Run the controller until interrupted",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				cfg, err := config.Load(configPath)
				if err != nil {
					return err
				}
				logger, closer, err := logging.New(cfg.Log, os.Stderr)
				if err != nil {
					return err
				}
				defer closer.Close()
				if err := checkSensitiveFiles(cfg, logger); err != nil {
					return err
				}

				ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
				defer stop()
				return daemon.Run(ctx, cfg, logger)
			},
		},
		&cobra.Command{
			Use:   "migrate",
			Short: "Apply store migrations and print the schema version",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				cfg, err := config.Load(configPath)
				if err != nil {
					return err
				}
				store, err := daemon.OpenStore(cfg)
				if err != nil {
					return err
				}
				defer store.Close()
				version, err := store.SchemaVersion()
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "schema version %d (%s)\n", version, store.Driver)
				return nil
			},
		},
		&cobra.Command{
			Use:   "version",
			Short: "Print build information",
			Args:  cobra.NoArgs,
			Run: func(cmd *cobra.Command, _ []string) {
				fmt.Fprintln(cmd.OutOrStdout(), buildinfo.String())
			},
		},
	)
	root.SetContext(context.Background())
	return root
}

// checkSensitiveFiles refuses to start when a credential-bearing file is
// readable by others.
func checkSensitiveFiles(cfg config.Config, logger *slog.Logger) error {
	files := cfg.SensitiveFiles()
	labels := make([]string, 0, len(files))
	for label := range files {
		labels = append(labels, label)
	}
	sort.Strings(labels)
	for _, label := range labels {
		warn, err := config.CheckFilePermissions(label, files[label])
		if err != nil {
			return err
		}
		if warn != "" {
			logger.Warn(warn)
		}
	}
	return nil
}
