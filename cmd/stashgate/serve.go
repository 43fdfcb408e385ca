package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/stashgate/stashgate"
	"github.com/stashgate/stashgate/config"
	"github.com/stashgate/stashgate/database"
	stashhttp "github.com/stashgate/stashgate/http"
	"github.com/stashgate/stashgate/metrics"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP server",
	Long:  `Start the Stashgate HTTP server.`,
	RunE:  runServe,
}

func init() {
	serveCmd.Flags().Int("port", 0, "HTTP server port")
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()

	cfg, err := config.FromContext(ctx)
	if err != nil {
		return err
	}

	repo, closeRepo, err := database.Connect(ctx, cfg.Database)
	if err != nil {
		return fmt.Errorf("connect database: %w", err)
	}
	defer closeRepo()
	slog.Info("connected to cell store", "type", cfg.Database.Type)

	signer, err := stashgate.NewSigner(cfg.Storage.Account, cfg.Storage.Signer)
	if err != nil {
		return fmt.Errorf("create signer: %w", err)
	}

	limiter := stashgate.NewRateLimiter(repo)
	broker := stashgate.NewDownloadBroker(signer, repo, cfg.Download)
	uploads := stashgate.NewUploadCoordinator(signer, limiter, nil, cfg.Upload, slog.Default())
	m := metrics.New()

	handlerConfig := stashhttp.HandlerConfig{
		IdentityHeader: cfg.Server.IdentityHeader,
		CORS:           cfg.CORS,
	}
	handler := stashhttp.NewHandler(&handlerConfig, uploads, broker, limiter, m, slog.Default())

	mux := http.NewServeMux()
	mux.Handle("/", handler.Router())
	if cfg.Server.MetricsPort == 0 {
		mux.Handle("/metrics", m.Handler())
	} else {
		go serveMetrics(ctx, cfg.Server.MetricsPort, m)
	}

	if cfg.Service.CleanupInterval > 0 {
		go runCleanupLoop(ctx, repo, m, time.Duration(cfg.Service.CleanupInterval)*time.Minute)
	}

	addr := fmt.Sprintf(":%d", cfg.Server.Port)
	server := &http.Server{
		Addr:         addr,
		Handler:      mux,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	go func() {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		<-sigCh

		slog.Info("shutting down server...")
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(),
			time.Duration(cfg.Server.ShutdownTimeout)*time.Second)
		defer shutdownCancel()

		if err := server.Shutdown(shutdownCtx); err != nil {
			slog.Error("server shutdown error", "err", err)
		}
		cancel()
	}()

	slog.Info("starting server", "addr", addr, "bucket", cfg.Download.Bucket)
	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("server error: %w", err)
	}

	return nil
}

func serveMetrics(ctx context.Context, port int, m *metrics.Metrics) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())

	server := &http.Server{
		Addr:        fmt.Sprintf(":%d", port),
		Handler:     mux,
		ReadTimeout: 30 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		_ = server.Shutdown(shutdownCtx)
	}()

	slog.Info("serving metrics", "addr", server.Addr)
	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		slog.Error("metrics server error", "err", err)
	}
}
