// Package main implements the teld CLI for inspecting and exercising the
// telemetry layer from a shell.
package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/hostfabric/telemetry/internal/logging"
	"github.com/hostfabric/telemetry/pkg/config"
	"github.com/hostfabric/telemetry/pkg/hostenv"
	"github.com/hostfabric/telemetry/pkg/telemetry"
)

var (
	// configPath is the YAML config file; empty means defaults plus env.
	configPath string
	// version information (set via ldflags during build)
	version = "dev"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "teld",
	Short: "Inspect and exercise the host telemetry layer",
	Long: `teld is a command-line interface for the hostfabric telemetry layer.
It shows the effective consent state and lets you push a test event through
a configured provider.`,
	Version: version,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "path to config.yaml (default: built-in defaults plus environment)")
	rootCmd.AddCommand(checkCmd)
	rootCmd.AddCommand(emitCmd)
}

// checkCmd prints the effective configuration and host session context.
var checkCmd = &cobra.Command{
	Use:   "check",
	Short: "Show effective telemetry consent and host context",
	Long: `Load the configuration and print whether telemetry would be enabled,
which provider would be used, and the host session context that would tag
every event.

Examples:
  teld check
  teld check --config ~/.config/hostfabric/config.yaml`,
	RunE: runCheck,
}

func runCheck(cmd *cobra.Command, _ []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	host := hostenv.Collect(hostenv.Info{})

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "telemetry.enabled: %v\n", cfg.Telemetry.Enabled)
	fmt.Fprintf(out, "provider:          %s\n", cfg.Telemetry.Provider)
	fmt.Fprintf(out, "endpoint:          %s (%s)\n", cfg.Telemetry.Endpoint, cfg.Telemetry.Protocol)
	fmt.Fprintf(out, "sampling rate:     %.2f\n", cfg.Telemetry.Sampling.Rate)
	fmt.Fprintf(out, "init delay:        %s\n", cfg.Telemetry.InitDelay.Duration())
	fmt.Fprintln(out, "host context:")
	for key, value := range host.Attributes() {
		fmt.Fprintf(out, "  %s = %v\n", key, value)
	}
	return nil
}

// emitCmd sends a single test event through a freshly built provider.
var emitCmd = &cobra.Command{
	Use:   "emit [event-name]",
	Short: "Send a test event through the configured provider",
	Long: `Build the configured provider, send one test event, flush, and shut
down. Useful for verifying collector connectivity.

Examples:
  teld emit
  teld emit my.test.event --config ./config.yaml
  TELEMETRY_PROVIDER=log teld emit`,
	Args: cobra.MaximumNArgs(1),
	RunE: runEmit,
}

func runEmit(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	name := "teld.test"
	if len(args) == 1 {
		name = args[0]
	}

	logger, err := logging.New(cfg.Logging, nil)
	if err != nil {
		return fmt.Errorf("building logger: %w", err)
	}
	defer func() { _ = logging.Sync(logger) }()

	factory, err := providerFactory(cfg.Telemetry.Provider, logger)
	if err != nil {
		return err
	}

	host := hostenv.Collect(hostenv.Info{})

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	prov, err := factory(ctx, cfg.Telemetry, host)
	if err != nil {
		return fmt.Errorf("building provider: %w", err)
	}

	start := time.Now()
	prov.SendEvent(name, telemetry.EventData{"teld.version": version}, start, time.Now())

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Telemetry.Shutdown.Timeout.Duration())
	defer shutdownCancel()
	if err := prov.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("flushing provider: %w", err)
	}

	fmt.Fprintf(cmd.OutOrStdout(), "sent %q via %s provider\n", name, cfg.Telemetry.Provider)
	return nil
}

// providerFactory routes the log provider through the CLI's own logger so
// its output honors the logging config.
func providerFactory(name string, logger *zap.Logger) (telemetry.ProviderFactory, error) {
	if name == "log" {
		return telemetry.LogSinkFactory(logger), nil
	}
	return telemetry.FactoryFor(name)
}
