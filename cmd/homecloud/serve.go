package main

import (
	"context"
	"errors"
	"net"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/fruitsalade/homecloud/internal/admin"
	"github.com/fruitsalade/homecloud/internal/api"
	"github.com/fruitsalade/homecloud/internal/auth"
	"github.com/fruitsalade/homecloud/internal/cloud"
	"github.com/fruitsalade/homecloud/internal/config"
	"github.com/fruitsalade/homecloud/internal/events"
	"github.com/fruitsalade/homecloud/internal/logging"
	"github.com/fruitsalade/homecloud/internal/registry"
	"github.com/fruitsalade/homecloud/internal/storage/local"
	"github.com/fruitsalade/homecloud/internal/vfs"
)

const flagCloud = "cloud"

// ServeCmd runs the server until SIGINT or SIGTERM.
func ServeCmd() *cobra.Command {
	c := &cobra.Command{
		Use:   "serve",
		Short: "Start the admin listener and the configured clouds",
		RunE: func(cmd *cobra.Command, args []string) error {
			path, err := cmd.Flags().GetString(flagConfig)
			if err != nil {
				return err
			}
			names, err := cmd.Flags().GetStringSlice(flagCloud)
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return serve(ctx, path, names)
		},
	}
	c.Flags().StringSlice(flagCloud, nil, "start only the named clouds (repeatable)")
	return c
}

func serve(ctx context.Context, path string, names []string) error {
	cfg, err := config.Load(path)
	if err != nil {
		return err
	}

	if err := logging.Init(cfg.Logging()); err != nil {
		return err
	}
	defer logging.Sync()

	logging.Info("homecloud starting...",
		zap.String("clouds_file", cfg.CloudsFile),
		zap.String("admin", cfg.AdminAddr),
		zap.String("bind_host", cfg.BindHost))
	if cfg.JWTSecretGenerated {
		logging.Warn("HOMECLOUD_JWT_SECRET is not set; using a random secret, tokens will not survive a restart")
	}

	manager, err := auth.New(cfg.JWTSecret, cfg.TokenTTL)
	if err != nil {
		return err
	}

	broadcaster := events.NewBroadcaster(events.DefaultHistory)
	reg := registry.New(registry.Options{
		BindHost:        cfg.BindHost,
		ShutdownTimeout: cfg.ShutdownTimeout,
		Server: api.Options{
			Auth:     manager,
			Resolver: vfs.NewResolver(cfg.MaxSegmentLen),
			Storage:  local.New(),
			Order:    cfg.ListingOrder,
		},
		Events: broadcaster,
	})

	selected, err := selectClouds(cfg, names)
	if err != nil {
		return err
	}
	for _, c := range selected {
		// A cloud that fails to start is reported and skipped.
		if _, err := reg.Start(ctx, c); err != nil {
			logging.Error("cloud failed to start", zap.String("cloud", c.Name()), zap.Error(err))
		}
	}
	logging.Info("clouds started", zap.Int("running", len(reg.Running())), zap.Int("configured", len(cfg.Clouds)))

	adminServer := &http.Server{
		Addr:              cfg.AdminAddr,
		Handler:           admin.New(reg, broadcaster).Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		// Event streams end when the process is asked to stop.
		BaseContext: func(net.Listener) context.Context { return ctx },
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logging.Info("admin server listening", zap.String("addr", cfg.AdminAddr))
		if err := adminServer.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logging.Info("shutting down...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()
		if err := adminServer.Shutdown(shutdownCtx); err != nil {
			adminServer.Close()
		}
		return reg.StopAll(shutdownCtx)
	})

	err = g.Wait()
	if err != nil {
		logging.Error("homecloud stopped with error", zap.Error(err))
	} else {
		logging.Info("homecloud stopped")
	}
	return err
}

// selectClouds returns the clouds named on the command line, or every
// configured cloud when none are named and autostart is on.
func selectClouds(cfg *config.Config, names []string) ([]*cloud.Cloud, error) {
	if len(names) == 0 {
		if !cfg.Autostart {
			logging.Info("autostart disabled, no clouds started")
			return nil, nil
		}
		return cfg.Clouds, nil
	}

	out := make([]*cloud.Cloud, 0, len(names))
	for _, n := range names {
		c, err := cfg.Cloud(n)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, nil
}
