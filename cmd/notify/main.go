// Command notify activates the running host the way the notification
// manager does when the user clicks a notification.
package main

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/mmilitzer/activation-host/internal/activator"
	"github.com/mmilitzer/activation-host/pkg/config"
)

type notifyOptions struct {
	configPath string
	args       string
	data       []string
	appID      string
	count      int
	timeout    time.Duration
}

func newNotifyCommand() *cobra.Command {
	opts := &notifyOptions{}

	cmd := &cobra.Command{
		Use:   "notify",
		Short: "Activate the registered notification endpoint",
		Long: `Activate the registered notification endpoint.

Example:
  notify --args launch:ok --data a=1 --data b=2`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runNotify(cmd, opts)
		},
	}

	cmd.Flags().StringVar(&opts.configPath, "config", config.DefaultPath, "path to config.toml")
	cmd.Flags().StringVar(&opts.args, "args", "", "invoked arguments of the notification")
	cmd.Flags().StringArrayVar(&opts.data, "data", nil, "user input as key=value, repeatable")
	cmd.Flags().StringVar(&opts.appID, "app-id", "", "application user model id (defaults to app_id)")
	cmd.Flags().IntVar(&opts.count, "count", -1, "data count to report, -1 for the number of --data pairs")
	cmd.Flags().DurationVar(&opts.timeout, "timeout", time.Second, "how long to wait for the endpoint")

	return cmd
}

func runNotify(cmd *cobra.Command, opts *notifyOptions) error {
	cfg, err := config.Load(opts.configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	data, err := parseData(opts.data)
	if err != nil {
		return err
	}
	count := uint32(len(data))
	if opts.count >= 0 {
		count = uint32(opts.count)
	}
	appID := opts.appID
	if appID == "" {
		appID = cfg.AppID
	}

	client, err := activator.Dial(cfg.RuntimeDir, cfg.CLSID(), opts.timeout)
	if err != nil {
		return err
	}
	defer client.Close()

	if err := client.Activate(appID, opts.args, data, count); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Activated %s with %q (%d pairs)\n", cfg.CLSID(), opts.args, count)
	return nil
}

func parseData(pairs []string) ([]activator.UserInputData, error) {
	out := make([]activator.UserInputData, 0, len(pairs))
	for _, p := range pairs {
		k, v, ok := strings.Cut(p, "=")
		if !ok || k == "" {
			return nil, fmt.Errorf("invalid --data %q, want key=value", p)
		}
		out = append(out, activator.UserInputData{Key: k, Value: v})
	}
	return out, nil
}

func main() {
	if err := newNotifyCommand().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
