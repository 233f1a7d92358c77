package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"update-catalog/api"
	"update-catalog/catalog"
	"update-catalog/upstream"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	opts := &options{}

	root := &cobra.Command{
		Use:           "update-catalog",
		Short:         "Mirror the upstream update catalog into SQLite and serve it over HTTP",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	opts.bind(root)

	root.AddCommand(
		newServeCmd(opts),
		newSyncCmd(opts),
	)
	return root
}

func newServeCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Refresh on a schedule and serve the read API",
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := opts.settings(cmd)
			if err != nil {
				return err
			}
			ctx, cancel := signalAwareContext(cmd.Context())
			defer cancel()
			return serve(ctx, s)
		},
	}
}

func newSyncCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "sync",
		Short: "Run one metadata refresh and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := opts.settings(cmd)
			if err != nil {
				return err
			}
			ctx, cancel := signalAwareContext(cmd.Context())
			defer cancel()
			return syncOnce(ctx, s)
		},
	}
}

type app struct {
	logger *zap.Logger
	store  *catalog.Store
	status *catalog.SyncStatus
	runner *catalog.Runner
}

func newApp(ctx context.Context, s settings) (*app, error) {
	logger, err := newLogger(s.Debug)
	if err != nil {
		return nil, fmt.Errorf("init logger: %w", err)
	}
	store, err := catalog.OpenStore(s.DB)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	client := upstream.NewClient(upstream.ClientConfig{
		Endpoint: upstream.NewEndpoint(s.Endpoint),
		Timeout:  s.UpstreamTimeout,
		Logger:   logger,
	})
	status := catalog.NewSyncStatus()
	runner, err := catalog.NewRunner(catalog.RunnerConfig{
		Debug:     s.Debug,
		Selection: s.Selection,
	}, store, catalog.ClientSources{Client: client}, status, logger)
	if err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("init runner: %w", err)
	}
	if err := runner.Restore(ctx); err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("restore sync state: %w", err)
	}
	return &app{logger: logger, store: store, status: status, runner: runner}, nil
}

func (a *app) close() {
	_ = a.store.Close()
	_ = a.logger.Sync()
}

func syncOnce(ctx context.Context, s settings) error {
	a, err := newApp(ctx, s)
	if err != nil {
		return err
	}
	defer a.close()
	return a.runner.RunOnce(ctx)
}

func serve(ctx context.Context, s settings) error {
	a, err := newApp(ctx, s)
	if err != nil {
		return err
	}
	defer a.close()

	if !s.Debug {
		gin.SetMode(gin.ReleaseMode)
	}
	handlers := api.NewHandlers(catalog.NewQuery(a.store, s.Selection, a.logger), a.status, a.logger)
	srv := &http.Server{
		Addr:              s.ListenAddr,
		Handler:           api.NewRouter(handlers, api.NewClientLimiter(s.RateLimitPerHour, s.RateLimitBurst)),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errs := make(chan error, 2)
	go func() {
		a.logger.Info("listening", zap.String("addr", s.ListenAddr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errs <- fmt.Errorf("http server: %w", err)
		}
	}()
	go func() {
		if err := a.runner.Run(ctx, s.RefreshInterval); err != nil && !errors.Is(err, context.Canceled) {
			errs <- err
		}
	}()

	var runErr error
	select {
	case <-ctx.Done():
	case runErr = <-errs:
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		a.logger.Warn("http shutdown", zap.Error(err))
	}
	return runErr
}

func newLogger(debug bool) (*zap.Logger, error) {
	if debug {
		return zap.NewDevelopment()
	}
	return zap.NewProduction()
}

func signalAwareContext(parent context.Context) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
}
