// Package main provides the production-vision command.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	productionvision "github.com/menta2k/production-vision"
	"github.com/menta2k/production-vision/internal/config"
	"github.com/menta2k/production-vision/internal/logging"
	"github.com/menta2k/production-vision/internal/utils"
)

var configPath string

func main() {
	rootCmd := &cobra.Command{
		Use:   "production-vision",
		Short: "Annotated camera feed and production data for a manufacturing line",
		Long: `production-vision tracks parts on a manufacturing line camera.

Commands:
  serve     HTTP feed, production data and uploads
  run       process one source (device or file) in the foreground
  config    write a default configuration file`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "config file (default ./production-vision.yaml)")

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(runCmd())
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(versionCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// setup loads config and logger and wires the system
func setup(ctx context.Context) (*productionvision.System, *zap.Logger, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, nil, err
	}
	logger, err := logging.New(cfg.Log.Level, cfg.Log.Encoding)
	if err != nil {
		return nil, nil, err
	}
	sys, err := productionvision.New(ctx, cfg, logger)
	if err != nil {
		_ = logger.Sync()
		return nil, nil, err
	}
	return sys, logger, nil
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

func serveCmd() *cobra.Command {
	var addr, source string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the annotated feed and production data over HTTP",
		RunE: func(_ *cobra.Command, _ []string) error {
			ctx, cancel := signalContext()
			defer cancel()

			sys, logger, err := setup(ctx)
			if err != nil {
				return err
			}
			defer func() { _ = logger.Sync() }()
			defer sys.Close()

			if addr != "" {
				sys.Config.Server.Addr = addr
			}
			if source == "" {
				return sys.Serve(ctx, nil)
			}
			spec := productionvision.SpecFor(source)
			return sys.Serve(ctx, &spec)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (overrides server.addr)")
	cmd.Flags().StringVar(&source, "source", "", "start this device or file immediately")
	return cmd
}

func runCmd() *cobra.Command {
	var source string
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Process a source without the HTTP surface",
		Long: `Process a source in the foreground and print the production data on exit.

Files loop back to the first frame when they end, so run keeps going until
interrupted or until the source fails.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, cancel := signalContext()
			defer cancel()

			sys, logger, err := setup(ctx)
			if err != nil {
				return err
			}
			defer func() { _ = logger.Sync() }()
			defer sys.Close()

			spec := sys.DeviceSpec()
			if source != "" {
				spec = productionvision.SpecFor(source)
			}
			if err := sys.Replay(ctx, spec); err != nil {
				return err
			}

			st := sys.Runner.Status()
			logger.Info("run finished", zap.Uint64("frames", st.Frames), zap.String("source", st.Source))
			data, err := sys.Production.Snapshot().MarshalJSON()
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), string(data))
			return nil
		},
	}
	cmd.Flags().StringVarP(&source, "source", "s", "", "device (/dev/videoN) or video file; default source.device")
	return cmd
}

func configCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Manage the configuration file",
	}

	var force bool
	initCmd := &cobra.Command{
		Use:   "init [path]",
		Short: "Write the default configuration",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := config.GetConfigPath()
			if len(args) == 1 {
				path = args[0]
			}
			if utils.FileExists(path) && !force {
				return fmt.Errorf("%s already exists (use --force to overwrite)", path)
			}
			if err := config.Default().SaveToFile(path); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "wrote %s\n", path)
			return nil
		},
	}
	initCmd.Flags().BoolVarP(&force, "force", "f", false, "overwrite an existing file")
	cmd.AddCommand(initCmd)
	return cmd
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "production-vision %s\n", productionvision.Version)
		},
	}
}
