package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/leonardcser/pulse-edge/internal/config"
	"github.com/leonardcser/pulse-edge/internal/logger"
	"github.com/leonardcser/pulse-edge/internal/notify"
	"github.com/leonardcser/pulse-edge/internal/worker"
)

func newServeCommand() *cobra.Command {
	var noChannel bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the application through the asset cache worker",
		Long: `Serve installs the configured cache version, then proxies the origin on
PULSE_EDGE_LISTEN. Same-origin GET requests outside the API prefix are
answered network-first with the cached copy as the offline fallback.
Realtime notifications are written to the log.

Example:
  PULSE_EDGE_ORIGIN=https://app.example.com pulse-edge serve`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return serve(ctx, cfg, !noChannel)
		},
	}
	cmd.Flags().BoolVar(&noChannel, "no-channel", false, "do not connect the realtime channel")
	return cmd
}

func serve(ctx context.Context, cfg config.Config, withChannel bool) error {
	reg, scope, err := startWorker(ctx, cfg)
	if err != nil {
		return err
	}

	if withChannel {
		ch, err := newChannel(cfg)
		if err != nil {
			return err
		}
		detach := notify.New(notify.LogToaster{}).Attach(ch)
		ch.Start()
		defer func() {
			detach()
			ch.Close()
		}()
	}

	srv := &http.Server{
		Addr:              cfg.Listen,
		Handler:           worker.NewHandler(worker.HandlerOptions{Registration: reg, Scope: scope}),
		ReadHeaderTimeout: 10 * time.Second,
	}
	errc := make(chan error, 1)
	go func() {
		logger.Infof("edge listening on %s for %s", cfg.Listen, cfg.Origin)
		errc <- srv.ListenAndServe()
	}()

	select {
	case err := <-errc:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	if a := reg.Active(); a != nil {
		a.Wait()
	}
	return nil
}

// startWorker connects the cache, builds the configured worker version and
// installs it. A failed install is logged and the edge keeps proxying
// without a worker.
func startWorker(ctx context.Context, cfg config.Config) (*worker.Registration, worker.Scope, error) {
	scope, err := worker.NewScope(cfg.Origin, cfg.APIPrefix)
	if err != nil {
		return nil, worker.Scope{}, err
	}
	manifest, err := config.LoadManifest(cfg.PrecacheFile)
	if err != nil {
		return nil, worker.Scope{}, err
	}
	kv, err := openCache(cfg.CacheSocket)
	if err != nil {
		return nil, worker.Scope{}, fmt.Errorf("cache daemon: %w", err)
	}
	logger.Infof("Successfully connected to cache daemon")

	w, err := worker.New(worker.Options{
		Version:        cfg.CacheVersion,
		Scope:          scope,
		Store:          kv,
		Manifest:       manifest,
		DiscoverAssets: cfg.DiscoverAssets,
	})
	if err != nil {
		return nil, worker.Scope{}, err
	}
	reg := worker.NewRegistration(cfg.EagerActivation)
	if err := reg.Update(ctx, w); err != nil {
		logger.Errorf("worker %s: install failed, serving without cache: %v", cfg.CacheVersion, err)
	}
	return reg, scope, nil
}
