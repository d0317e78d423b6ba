// Package main is the entry point for the phab-probe binary.
// It provides a CLI for querying the Phabricator Conduit API.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/pdehaan/phab-conduit/pkg/conduit"
	"github.com/pdehaan/phab-conduit/pkg/config"
	"github.com/pdehaan/phab-conduit/pkg/logging"
	"github.com/pdehaan/phab-conduit/pkg/telemetry"
)

// version is overridden at build time with -ldflags "-X main.version=...".
var version = "dev"

// rootOptions holds the flags shared by every subcommand.
type rootOptions struct {
	configPath string
	envFile    string
	logLevel   string
	pretty     bool
	timeout    time.Duration
	listStyle  string
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// newRootCmd creates the root command for phab-probe
func newRootCmd() *cobra.Command {
	opts := &rootOptions{}

	rootCmd := &cobra.Command{
		Use:   "phab-probe",
		Short: "Probe the Phabricator Conduit API",
		Long: `phab-probe sends authenticated requests to a Phabricator Conduit API and
prints the decoded results as JSON.

Credentials come from CONDUIT_API_URL and CONDUIT_API_TOKEN (or
CONDUIT_API_KEY_1), a .env file, or the conduit section of --config.

Example:
  phab-probe revision D27870
  phab-probe public 27870 27871
  phab-probe search --ids 27870 --attach reviewers`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	flags := rootCmd.PersistentFlags()
	flags.StringVarP(&opts.configPath, "config", "c", "", "Path to configuration file (YAML)")
	flags.StringVar(&opts.envFile, "env-file", "", "Path to a .env file (default: nearest .env in the working directory or its parents)")
	flags.StringVarP(&opts.logLevel, "log-level", "l", "", "Log level (debug, info, warn, error)")
	flags.BoolVar(&opts.pretty, "pretty", false, "Human readable logs instead of JSON")
	flags.DurationVar(&opts.timeout, "timeout", 0, "Per-request timeout (default 30s)")
	flags.StringVar(&opts.listStyle, "list-style", "", "List parameter encoding: indexed (ids[0]=) or append (ids[]=)")

	rootCmd.AddCommand(
		newSearchCmd(opts),
		newRevisionCmd(opts),
		newPublicCmd(opts),
		newWhoAmICmd(opts),
		newWatchCmd(opts),
		newVersionCmd(),
	)

	return rootCmd
}

// app bundles what a command needs to talk to Conduit.
type app struct {
	cfg      *config.Config
	logger   *slog.Logger
	metrics  *telemetry.Metrics
	client   *conduit.Client
	shutdown func(context.Context) error
	out      io.Writer
}

// newApp loads configuration, applies flag overrides and builds the client.
// Missing credentials fail here, before any request is sent.
func newApp(cmd *cobra.Command, opts *rootOptions) (*app, error) {
	cfg, err := config.Load(opts.configPath, opts.envFile)
	if err != nil {
		return nil, err
	}
	if err := applyFlagOverrides(cfg, opts); err != nil {
		return nil, err
	}

	logger := logging.NewLogger(logging.Config{
		Level:  cfg.Logging.Level,
		Pretty: cfg.Logging.Pretty,
		Output: cmd.ErrOrStderr(),
	})

	shutdown, err := telemetry.SetupProvider(cmd.Context(), telemetry.Config{
		ServiceName:    cfg.Telemetry.ServiceName,
		ServiceVersion: version,
		Endpoint:       cfg.Telemetry.OTLPEndpoint,
		Insecure:       cfg.Telemetry.Insecure,
		Headers:        cfg.Telemetry.Headers,
		ResourceTags:   cfg.Telemetry.ResourceAttributes,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to set up tracing: %w", err)
	}

	a := &app{
		cfg:      cfg,
		logger:   logger,
		metrics:  telemetry.NewMetrics(),
		shutdown: shutdown,
		out:      cmd.OutOrStdout(),
	}

	a.client, err = a.newClient(cfg)
	if err != nil {
		_ = shutdown(context.Background())
		return nil, err
	}

	logger.Debug("conduit client ready",
		"api_url", a.client.BaseURL(),
		"credentials", cfg.Conduit.Credentials().String(),
		"timeout", cfg.Conduit.Timeout,
		"list_style", cfg.Conduit.ListStyle,
	)

	return a, nil
}

func applyFlagOverrides(cfg *config.Config, opts *rootOptions) error {
	if opts.logLevel != "" {
		cfg.Logging.Level = opts.logLevel
		if err := cfg.Logging.Validate(); err != nil {
			return err
		}
	}
	if opts.pretty {
		cfg.Logging.Pretty = true
	}
	if opts.timeout > 0 {
		cfg.Conduit.Timeout = opts.timeout
	}
	if opts.listStyle != "" {
		if _, err := conduit.ParseListStyle(opts.listStyle); err != nil {
			return &conduit.ConfigError{Field: "list_style", Err: err}
		}
		cfg.Conduit.ListStyle = opts.listStyle
	}
	return nil
}

// newClient builds a client whose calls are logged and counted by the CLI.
func (a *app) newClient(cfg *config.Config) (*conduit.Client, error) {
	opts := append(cfg.Conduit.ClientOptions(), conduit.WithObserver(a.observeCall))
	return conduit.NewClient(cfg.Conduit.Credentials(), opts...)
}

func (a *app) observeCall(info conduit.CallInfo) {
	a.metrics.ObserveCall(info)

	attrs := []any{
		"method", info.Method,
		"request_id", info.RequestID,
		"status", info.StatusCode,
		"duration", info.Duration,
	}
	if info.Err != nil {
		a.logger.Warn("conduit call failed", append(attrs, "kind", conduit.ErrorKind(info.Err), "error", info.Err)...)
		return
	}
	a.logger.Debug("conduit call", attrs...)
}

// Close flushes telemetry.
func (a *app) Close() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := a.shutdown(ctx); err != nil {
		a.logger.Warn("failed to flush telemetry", "error", err)
	}
}

func (a *app) printJSON(v any) error {
	enc := json.NewEncoder(a.out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// runWithApp builds the app, runs fn and reports failures through the logger
// before returning them to cobra.
func runWithApp(cmd *cobra.Command, opts *rootOptions, fn func(ctx context.Context, a *app) error) error {
	a, err := newApp(cmd, opts)
	if err != nil {
		return err
	}
	defer a.Close()

	if err := fn(cmd.Context(), a); err != nil {
		attrs := []any{"command", cmd.Name(), "kind", conduit.ErrorKind(err), "error", err}
		var malformed *conduit.MalformedRecordError
		if errors.As(err, &malformed) {
			attrs = append(attrs, "path", malformed.Path)
		}
		a.logger.Error("command failed", attrs...)
		return err
	}
	return nil
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			_, err := fmt.Fprintf(cmd.OutOrStdout(), "phab-probe version %s\n", version)
			return err
		},
	}
}
