package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/astromechza/automerge-rooms/pkg/api"
	"github.com/astromechza/automerge-rooms/pkg/assets"
	"github.com/astromechza/automerge-rooms/pkg/auth"
	"github.com/astromechza/automerge-rooms/pkg/config"
	"github.com/astromechza/automerge-rooms/pkg/lease"
	"github.com/astromechza/automerge-rooms/pkg/syncserver"
)

const shutdownTimeout = 30 * time.Second

func newServeCmd(loadConfig func() (config.Config, error)) *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the http api and the synchronization server",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if addr != "" {
				cfg.Addr = addr
			}
			return serve(cmd.Context(), cfg)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "the address to listen on, overrides the config")
	return cmd
}

func serve(ctx context.Context, cfg config.Config) error {
	logger := slog.Default()

	slog.Info("Opening database", "driver", cfg.Database.Driver)
	st, err := openStore(ctx, cfg.Database)
	if err != nil {
		return err
	}
	defer st.Close()

	syncOpts := syncserver.Options{
		SaveInterval:     cfg.Sync.SaveInterval,
		SaveEveryUpdates: cfg.Sync.SaveEveryUpdates,
		LoadTimeout:      cfg.Sync.LoadTimeout,
		RecoverEmpty:     cfg.Sync.RecoverEmpty,
		CleanupMode:      syncserver.CleanupMode(cfg.Sync.CleanupMode),
		UpdatesPerSecond: cfg.Sync.UpdatesPerSecond,
		Logger:           logger,
	}

	if cfg.Redis.Addr != "" {
		client, err := lease.Dial(ctx, cfg.Redis.Addr)
		if err != nil {
			return err
		}
		defer client.Close()
		syncOpts.Leaser = lease.NewRedis(client, lease.DefaultTTL, logger)
		slog.Info("Using redis room leases", "addr", cfg.Redis.Addr)
	}

	apiOpts := api.Options{Store: st, Auth: auth.New(cfg.Auth.JWTSecret), Logger: logger}
	var reaper *assets.Reaper
	if cfg.Assets.Bucket != "" {
		gateway, err := assets.NewGCSGateway(ctx, cfg.Assets.Bucket, cfg.Assets.PublicBaseURL, cfg.Assets.CredentialsFile)
		if err != nil {
			return err
		}
		defer gateway.Close()
		apiOpts.Assets = gateway
		if syncOpts.CleanupMode == syncserver.CleanupServer {
			reaper = assets.NewReaper(gateway, assets.ReaperOptions{Workers: cfg.Assets.Workers, Logger: logger})
			syncOpts.Reaper = reaper
		}
		slog.Info("Using gcs assets", "bucket", cfg.Assets.Bucket, "cleanup", syncOpts.CleanupMode)
	} else {
		slog.Warn("No asset bucket configured, removed images will not be deleted")
	}
	if apiOpts.Auth.DevMode() {
		slog.Warn("No jwt secret configured, trusting the X-Actor header")
	}

	syncServer := syncserver.New(st, syncOpts)
	apiOpts.Sync = syncServer
	httpServer := &http.Server{Addr: cfg.Addr, Handler: api.New(apiOpts).Handler(), ReadHeaderTimeout: 10 * time.Second}

	wg := new(sync.WaitGroup)
	wg.Add(1)
	go func() {
		defer wg.Done()
		slog.Info("Listening", "addr", cfg.Addr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("server listen failed", "err", err)
		}
	}()

	exit := make(chan os.Signal, 1)
	signal.Notify(exit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case sig := <-exit:
		slog.Info("Signal caught", "sig", sig)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	var errs []error
	// websockets are hijacked and not tracked by the http server, the sync server closes them
	errs = append(errs, httpServer.Shutdown(shutdownCtx))
	errs = append(errs, syncServer.Shutdown(shutdownCtx))
	if reaper != nil {
		errs = append(errs, reaper.Close(shutdownCtx))
	}
	wg.Wait()
	return errors.Join(errs...)
}
