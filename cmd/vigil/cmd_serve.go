package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/fatih/color"
	"github.com/oklog/run"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/yairfalse/vigil/executor"
	"github.com/yairfalse/vigil/executor/devicetest"
	"github.com/yairfalse/vigil/internal/authz"
	"github.com/yairfalse/vigil/internal/config"
	"github.com/yairfalse/vigil/internal/daemon"
	"github.com/yairfalse/vigil/internal/dispatch"
	"github.com/yairfalse/vigil/internal/sqlaudit"
	itel "github.com/yairfalse/vigil/internal/telemetry"
	"github.com/yairfalse/vigil/orchestrator"
	"github.com/yairfalse/vigil/policy"
	"github.com/yairfalse/vigil/storage"
	"github.com/yairfalse/vigil/trust"
	"github.com/yairfalse/vigil/wal"
)

func newServeCmd(opts *globalOptions) *cobra.Command {
	var simulate bool

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the gatekeeper",
		Long: `Run the gatekeeper with its worker pool, trust listener, policy file
watcher and the health/metrics listener.

The policy file is hot-reloaded when its modification time changes.
A malformed document is rejected and the active one stays in force.

The process serves only /health and /metrics over HTTP. Agent submissions
and escalation decisions go through the Go gateway API (package
orchestrator) embedded by a host service; this binary exposes no request
or decision endpoint. Use "vigil evaluate" to dry-run a request against a
policy file.`,
		Example: `  vigil serve                         # Use ./vigil.toml or defaults
  vigil serve -c /etc/vigil/vigil.toml
  vigil serve --simulate              # In-memory devices, no SSH`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(opts)
			if err != nil {
				return err
			}
			setupLogging(cfg.Log.Level, opts.debug)
			return serve(cmd.Context(), cfg, simulate)
		},
	}
	cmd.Flags().BoolVar(&simulate, "simulate", false, "Use simulated in-memory devices instead of SSH")
	return cmd
}

// serve wires every component and runs until a signal arrives or one of
// the actors fails.
func serve(parent context.Context, cfg *config.Config, simulate bool) error {
	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	provider, err := itel.NewProvider(ctx, cfg.OTEL)
	if err != nil {
		return fmt.Errorf("telemetry: %w", err)
	}
	defer func() { _ = provider.Shutdown(context.WithoutCancel(ctx)) }()
	metrics := provider.Metrics()

	store, err := storage.Open(cfg.Storage.DataDir)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer func() { _ = store.Close() }()

	audit, err := wal.OpenWithConfig(cfg.Audit.Dir, cfg.WALConfig())
	if err != nil {
		return fmt.Errorf("open audit log: %w", err)
	}
	defer func() { _ = audit.Close() }()
	audit.SetMetrics(metrics)

	if s3cfg, ok := cfg.S3Config(); ok {
		archiver, err := wal.NewS3Archiver(ctx, s3cfg)
		if err != nil {
			return fmt.Errorf("audit archive: %w", err)
		}
		audit.SetArchiver(archiver)
	}
	if sqlcfg, ok := cfg.SQLConfig(); ok {
		sink, err := sqlaudit.Open(ctx, sqlcfg)
		if err != nil {
			return fmt.Errorf("audit mirror: %w", err)
		}
		defer func() { _ = sink.Close() }()
		audit.SetMirror(sink)
	}

	adjuster, err := trust.NewAdjuster(store, audit, cfg.TrustConfig(), metrics)
	if err != nil {
		return fmt.Errorf("trust adjuster: %w", err)
	}
	listener := trust.NewListener(adjuster, cfg.Trust.ListenerBuffer)

	holder := policy.NewHolder(nil)
	loader := policy.NewLoader(cfg.Policy.Path, holder, audit)
	loader.SetMetrics(metrics)
	loader.SetHistory(store)
	if _, err := loader.Reload(ctx, "startup"); err != nil {
		return fmt.Errorf("load policy: %w", err)
	}

	dialer, err := newDialer(cfg, simulate)
	if err != nil {
		return err
	}
	sessions := executor.NewPool(dialer, cfg.PoolConfig(), metrics)
	defer func() { _ = sessions.Close() }()
	exec := executor.New(executor.DefaultRegistry(), cfg.Inventory(), sessions, cfg.ExecutorOptions(), metrics)
	workers := dispatch.New(exec, cfg.Executor.Workers, cfg.Executor.Queue)

	gw, err := orchestrator.New(orchestrator.Deps{
		Policy:     holder,
		Loader:     loader,
		Store:      store,
		Audit:      audit,
		Dispatcher: workers,
		Trust:      adjuster,
		Outcomes:   listener,
		Rollback:   cfg.RollbackPolicy(),
		Metrics:    metrics,
	})
	if err != nil {
		return fmt.Errorf("gateway: %w", err)
	}

	auth, err := authz.NewAuthenticator(authz.Config{
		Secret:  cfg.Auth.JWTSecret,
		Issuer:  cfg.Auth.Issuer,
		APIKeys: cfg.Auth.APIKeys,
	})
	if err != nil {
		return fmt.Errorf("authenticator: %w", err)
	}

	d, err := daemon.NewDaemon(daemon.Config{
		Listen:  cfg.Server.Listen,
		Health:  gw,
		Auth:    auth,
		Metrics: provider.MetricsHandler(),
	})
	if err != nil {
		return fmt.Errorf("daemon: %w", err)
	}
	if err := d.Listen(); err != nil {
		return err
	}

	printBanner(cfg, holder.Current().Version, d.Addr().String(), simulate)

	var g run.Group
	addActor(ctx, &g, workers.Run)
	addActor(ctx, &g, listener.Run)
	addActor(ctx, &g, func(ctx context.Context) error {
		return loader.Watch(ctx, cfg.Policy.WatchInterval)
	})
	addActor(ctx, &g, d.Start)
	addActor(ctx, &g, func(ctx context.Context) error {
		<-ctx.Done()
		log.Info().Msg("shutting down")
		return nil
	})

	err = g.Run()
	listener.Close()
	return err
}

// addActor runs fn under its own cancellable context in g
func addActor(parent context.Context, g *run.Group, fn func(context.Context) error) {
	ctx, cancel := context.WithCancel(parent)
	g.Add(func() error {
		err := fn(ctx)
		if errors.Is(err, context.Canceled) && ctx.Err() != nil {
			return nil
		}
		return err
	}, func(error) {
		cancel()
	})
}

func newDialer(cfg *config.Config, simulate bool) (executor.Dialer, error) {
	if simulate {
		lab := devicetest.NewLab()
		for _, dev := range cfg.Devices {
			lab.Add(dev.Name, "hostname "+dev.Name)
		}
		return lab, nil
	}
	dialer, err := executor.NewSSHDialer(cfg.SSH)
	if err != nil {
		return nil, fmt.Errorf("ssh dialer: %w", err)
	}
	return dialer, nil
}

func printBanner(cfg *config.Config, policyVersion, addr string, simulate bool) {
	color.Cyan("Vigil %s", version)
	fmt.Printf("   Policy:   %s (version %s)\n", cfg.Policy.Path, policyVersion)
	fmt.Printf("   Devices:  %d\n", len(cfg.Devices))
	fmt.Printf("   Audit:    %s\n", cfg.Audit.Dir)
	fmt.Printf("   Health:   http://%s/health\n", addr)
	if cfg.OTEL.Metrics.Prometheus {
		fmt.Printf("   Metrics:  http://%s/metrics\n", addr)
	}
	if simulate {
		color.Yellow("   Simulated devices: no SSH sessions will be opened")
	}
}
