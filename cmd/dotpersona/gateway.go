package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"

	"github.com/dotsetgreg/dotpersona/pkg/bus"
	"github.com/dotsetgreg/dotpersona/pkg/channels"
	"github.com/dotsetgreg/dotpersona/pkg/config"
	"github.com/dotsetgreg/dotpersona/pkg/cron"
	"github.com/dotsetgreg/dotpersona/pkg/health"
	"github.com/dotsetgreg/dotpersona/pkg/logger"
)

func newGatewayCommand(opts *cliOptions) *cobra.Command {
	return &cobra.Command{
		Use:     "gateway",
		Short:   "Run the Discord gateway + health server",
		Long:    "Start the Discord channel, the persona router, maintenance jobs and the health endpoints.",
		Example: "  dotpersona gateway --debug",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.loadConfig()
			if err != nil {
				return err
			}
			if strings.TrimSpace(cfg.Channels.Discord.Token) == "" {
				return fmt.Errorf("channels.discord.token is required in %s or DOTPERSONA_CHANNELS_DISCORD_TOKEN", opts.configPath)
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runGateway(ctx, cmd, cfg)
		},
	}
}

func runGateway(ctx context.Context, cmd *cobra.Command, cfg *config.Config) (err error) {
	defer logger.Sync()
	out := cmd.OutOrStdout()

	msgBus := bus.NewMessageBus()
	manager, err := channels.NewManager(cfg, msgBus)
	if err != nil {
		return fmt.Errorf("create channel manager: %w", err)
	}

	eng, err := openEngine(ctx, cfg, msgBus, manager.Profile())
	if err != nil {
		return err
	}
	defer func() { err = multierr.Append(err, eng.Close()) }()

	scheduler := cron.NewScheduler()
	if err := scheduler.Add("pending_sweep", cfg.Maintenance.PendingSweepCron, func(context.Context) {
		eng.pending.Sweep()
	}); err != nil {
		return err
	}
	if err := scheduler.Add("binding_gc", cfg.Maintenance.BindingGCCron, func(ctx context.Context) {
		eng.switcher.CollectDangling(ctx)
	}); err != nil {
		return err
	}

	healthServer := health.NewServer(cfg.Gateway.Host, cfg.Gateway.Port, func(ctx context.Context) map[string]any {
		status := eng.status(ctx)
		status["channels"] = manager.GetStatus()
		status["jobs"] = scheduler.Runs()
		return status
	})

	if err := manager.StartAll(ctx); err != nil {
		return fmt.Errorf("start channels: %w", err)
	}

	fmt.Fprintf(out, "✓ Personas loaded: %d\n", eng.store.Len())
	fmt.Fprintf(out, "✓ Health endpoints at http://%s:%d/health, /ready and /status\n", cfg.Gateway.Host, cfg.Gateway.Port)
	fmt.Fprintln(out, "Press Ctrl+C to stop")

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return eng.router.Run(gctx) })
	g.Go(func() error { return scheduler.Run(gctx) })
	g.Go(func() error { return healthServer.Start(gctx) })
	healthServer.SetReady(true)

	runErr := g.Wait()
	healthServer.SetReady(false)

	fmt.Fprintln(out, "\nShutting down...")
	stopErr := manager.StopAll(context.Background())
	logger.InfoC("gateway", "Gateway stopped")
	return multierr.Combine(runErr, stopErr)
}
