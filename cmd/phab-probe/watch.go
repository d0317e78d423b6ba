package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.opentelemetry.io/otel"

	"github.com/pdehaan/phab-conduit/pkg/conduit"
	"github.com/pdehaan/phab-conduit/pkg/config"
	"github.com/pdehaan/phab-conduit/pkg/telemetry"
)

type watchOptions struct {
	interval    time.Duration
	untilPublic bool
	maxWait     time.Duration
}

func newWatchCmd(root *rootOptions) *cobra.Command {
	opts := &watchOptions{}

	cmd := &cobra.Command{
		Use:   "watch ID",
		Short: "Poll a revision until it becomes public",
		Long: `Poll a revision at a fixed interval and log every change of its view
policy. With --until-public (the default) the command exits once the revision
is public, or with an error when --max-wait elapses first.

When metrics.address is configured, Prometheus metrics are served on
/metrics for the lifetime of the command. When --config is given, edits to
the file replace the credentials used for the next poll. CONDUIT_API_URL,
CONDUIT_API_TOKEN and CONDUIT_API_KEY_1 (including values from a .env file)
take precedence over the file, so credentials set that way do not change on
reload.`,
		Example: `  phab-probe watch D27870 --interval 30s --max-wait 1h`,
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseRevisionID(args[0])
			if err != nil {
				return err
			}
			if opts.interval <= 0 {
				return fmt.Errorf("interval must be positive, got %s", opts.interval)
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			cmd.SetContext(ctx)

			return runWithApp(cmd, root, func(ctx context.Context, a *app) error {
				return watchRevision(ctx, a, root, opts, id)
			})
		},
	}

	flags := cmd.Flags()
	flags.DurationVar(&opts.interval, "interval", 30*time.Second, "Time between polls")
	flags.BoolVar(&opts.untilPublic, "until-public", true, "Exit once the revision is public")
	flags.DurationVar(&opts.maxWait, "max-wait", 0, "Give up after this long (0 waits forever)")

	return cmd
}

// clientHolder lets a config reload swap the client between polls.
type clientHolder struct {
	mu     sync.RWMutex
	client *conduit.Client
}

func (h *clientHolder) get() *conduit.Client {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.client
}

func (h *clientHolder) set(c *conduit.Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.client = c
}

func watchRevision(ctx context.Context, a *app, root *rootOptions, opts *watchOptions, id int64) error {
	if opts.maxWait > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, opts.maxWait)
		defer cancel()
	}

	holder := &clientHolder{client: a.client}

	if root.configPath != "" {
		stopReload, err := a.followConfig(ctx, root, holder)
		if err != nil {
			return err
		}
		defer stopReload()
	}

	if addr := a.cfg.Metrics.Address; addr != "" {
		stopServer := a.serveMetrics(addr)
		defer stopServer()
	}

	label := "D" + strconv.FormatInt(id, 10)
	tracer := otel.Tracer(tracerName)
	ticker := time.NewTicker(opts.interval)
	defer ticker.Stop()

	var last *visibility
	for {
		pollCtx, span := tracer.Start(ctx, "phab-probe.watch.poll")
		current, err := pollVisibility(pollCtx, holder.get(), id)
		switch {
		case err == nil:
			telemetry.RecordVisibility(span, id, current.ViewPolicy, current.Public)
		case ctx.Err() != nil:
			// Cancelled or out of time while the request was in flight.
		default:
			var malformed *conduit.MalformedRecordError
			if errors.As(err, &malformed) {
				telemetry.RecordMalformedRecord(span, id, malformed.Path)
			}
		}
		span.End()

		if err != nil && ctx.Err() == nil {
			var transport *conduit.TransportError
			if !errors.As(err, &transport) {
				return fmt.Errorf("%s: %w", label, err)
			}
			a.logger.Warn("poll failed, will try again", "revision", label, "error", err)
		}

		if err == nil {
			a.metrics.SetRevisionPublic(id, current.Public)
			if last == nil || *last != *current {
				a.logger.Info("revision visibility",
					"revision", label,
					"found", current.Found,
					"view_policy", current.ViewPolicy,
					"public", current.Public,
				)
			}
			last = current

			if current.Public && opts.untilPublic {
				return a.printJSON(current)
			}
		}

		select {
		case <-ctx.Done():
			return finishWatch(ctx, a, label, opts, last)
		case <-ticker.C:
		}
	}
}

// finishWatch reports the last observed state once polling stops early.
func finishWatch(ctx context.Context, a *app, label string, opts *watchOptions, last *visibility) error {
	if last != nil {
		if err := a.printJSON(last); err != nil {
			return err
		}
	}
	if errors.Is(ctx.Err(), context.DeadlineExceeded) && opts.untilPublic {
		return fmt.Errorf("%s still not public after %s: %w", label, opts.maxWait, errNotPublic)
	}
	a.logger.Info("watch stopped", "revision", label)
	return nil
}

func pollVisibility(ctx context.Context, client *conduit.Client, id int64) (*visibility, error) {
	v := &visibility{ID: "D" + strconv.FormatInt(id, 10)}

	rev, err := client.RevisionByID(ctx, id)
	if errors.Is(err, conduit.ErrRevisionNotFound) {
		return v, nil
	}
	if err != nil {
		return nil, err
	}

	public, err := conduit.IsPublic(rev)
	if err != nil {
		return nil, err
	}
	view, _ := rev.ViewPolicy()

	v.Found = true
	v.Public = public
	v.ViewPolicy = view
	return v, nil
}

// followConfig rebuilds the client whenever the config file changes. The
// returned function stops watching.
func (a *app) followConfig(ctx context.Context, root *rootOptions, holder *clientHolder) (func(), error) {
	w, err := config.NewWatcher(root.configPath, root.envFile, a.logger)
	if err != nil {
		return nil, err
	}
	w.OnReload(func(err error) {
		if err != nil {
			a.metrics.RecordConfigReload("error")
			return
		}
		a.metrics.RecordConfigReload("success")
	})

	if shadowed := config.CredentialsShadowedByEnvironment(); len(shadowed) > 0 {
		a.logger.Warn("environment overrides config file credentials; edits to these fields are ignored",
			"path", root.configPath, "fields", shadowed)
	}

	updates := w.Subscribe()
	<-updates // current config, already in use

	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			select {
			case <-ctx.Done():
				return
			case cfg := <-updates:
				next := *cfg
				if err := applyFlagOverrides(&next, root); err != nil {
					a.logger.Error("reloaded config rejected", "error", err)
					continue
				}
				client, err := a.newClient(&next)
				if err != nil {
					a.logger.Error("reloaded config rejected", "error", err)
					continue
				}
				holder.set(client)
				a.logger.Info("conduit client rebuilt",
					"api_url", client.BaseURL(),
					"credentials", next.Conduit.Credentials().String(),
				)
			}
		}
	}()

	return func() {
		cancel()
		<-done
		if err := w.Close(); err != nil {
			a.logger.Warn("failed to close config watcher", "error", err)
		}
	}, nil
}

// serveMetrics exposes /metrics and /healthz on addr until the returned
// function is called.
func (a *app) serveMetrics(addr string) func() {
	mux := http.NewServeMux()
	mux.Handle("/metrics", a.metrics.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		a.logger.Info("serving metrics", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.logger.Error("metrics server failed", "addr", addr, "error", err)
		}
	}()

	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(ctx); err != nil {
			a.logger.Warn("metrics server shutdown failed", "error", err)
		}
	}
}
