package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/mmilitzer/activation-host/internal/daemon"
	"github.com/mmilitzer/activation-host/internal/instance"
	"github.com/mmilitzer/activation-host/internal/logging"
	"github.com/mmilitzer/activation-host/internal/signals"
	"github.com/mmilitzer/activation-host/pkg/config"
	"github.com/mmilitzer/activation-host/ui"
)

type hostOptions struct {
	configPath string
	logLevel   string
	headless   bool
}

func newRootCommand() *cobra.Command {
	opts := &hostOptions{}

	cmd := &cobra.Command{
		Use:   "activation-host [deeplink]",
		Short: "Run the activation host",
		Long: `Run the activation host.

Launched with a single deep-link argument while another instance is running,
the link is handed to that instance and this process exits. Otherwise the
process becomes a primary instance and receives notification activations.

Example:
  activation-host activationhost:open?doc=42`,
		Args:          cobra.ArbitraryArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runHost(cmd.Context(), opts, args)
		},
	}
	cmd.Flags().SetInterspersed(false)

	cmd.Flags().StringVar(&opts.configPath, "config", config.DefaultPath, "path to config.toml")
	cmd.Flags().StringVar(&opts.logLevel, "log-level", "", "override log_level from the config")
	cmd.Flags().BoolVar(&opts.headless, "headless", false, "run without the UI shell")

	return cmd
}

func runHost(ctx context.Context, opts *hostOptions, args []string) error {
	cfg, err := config.Load(opts.configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if opts.logLevel != "" {
		cfg.LogLevel = opts.logLevel
	}

	// Initialize file logging first so launches without a console can be diagnosed
	if err := logging.Init(cfg.LogDir, cfg.LogLevel); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: failed to initialize file logging: %v\n", err)
	}
	defer logging.Close()
	log := logging.For("main")

	d, err := daemon.New(daemon.Options{Config: cfg})
	if err != nil {
		return fmt.Errorf("failed to create daemon: %w", err)
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	signals.SetupSignalHandler(cancel)
	signals.SetupDebugSignalHandler(func() {
		path, err := logging.WriteStackDump(cfg.LogDir)
		if err != nil {
			log.WithError(err).Warn("Error writing stack dump")
			return
		}
		log.WithField("path", path).Info("Stack dump written")
	})

	// Must be decided before anything becomes visible to other processes
	if res := d.Claim(ctx, args); res.Role == instance.Secondary {
		log.WithField("pid", res.Target.PID).Info("Deep link handed to running instance, exiting")
		return nil
	}

	if !opts.headless {
		app := ui.NewApp(d.Bus())
		defer app.Close()
		go app.Run(ctx)
	}

	if err := d.Start(ctx); err != nil {
		return fmt.Errorf("failed to start daemon: %w", err)
	}

	d.KeepAlive(ctx)
	return nil
}

func main() {
	if err := newRootCommand().ExecuteContext(context.Background()); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
