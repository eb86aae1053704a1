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

	"github.com/audiod/audiod/internal/analyzer"
	"github.com/audiod/audiod/internal/api"
	"github.com/audiod/audiod/internal/config"
	"github.com/audiod/audiod/internal/job"
	"github.com/audiod/audiod/internal/metrics"
	"github.com/audiod/audiod/internal/queue"
	"github.com/audiod/audiod/internal/service"
	"github.com/audiod/audiod/internal/storage"
)

func newServeCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the audio analysis server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return serve(configPath)
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "", "path to YAML config file")
	return cmd
}

func serve(configPath string) error {
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	})))

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}

	store, err := job.NewSQLiteStore(cfg.DBPath)
	if err != nil {
		return fmt.Errorf("store: %w", err)
	}
	defer store.Close()

	blobs, err := storage.New(cfg.StorageDir, cfg.MaxUploadBytes, cfg.SupportedFormats)
	if err != nil {
		return fmt.Errorf("storage: %w", err)
	}

	analyzers := analyzer.NewRegistry()
	analyzers.Register(job.KindTranscription, analyzer.NewTranscriber(cfg.TranscriberPath))
	analyzers.Register(job.KindDiarization, analyzer.NewDiarizer())
	analyzers.Register(job.KindSegmentation, analyzer.NewSegmenter())

	collector := metrics.NewCollector()
	q := queue.New(cfg, store, blobs, analyzers, collector)

	if err := q.Recovery(context.Background()); err != nil {
		return fmt.Errorf("recovery: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	q.Start(ctx)
	q.StartCleanup(ctx)

	svc := service.New(store, blobs, q, collector)

	mux := http.NewServeMux()
	h := api.NewHandler(svc, q, cfg)
	h.RegisterRoutes(mux)
	mux.Handle("GET /metrics", collector.Handler())

	handler := api.Chain(mux,
		api.CORS(cfg.CORSOrigins),
		api.RequestID,
		api.Logging,
		api.Auth(cfg.APIKeys),
		api.RateLimit(cfg.SubmitRPS),
	)

	srv := &http.Server{
		Addr:         cfg.ListenAddr,
		Handler:      handler,
		ReadTimeout:  10 * time.Minute, // large uploads
		WriteTimeout: 10 * time.Minute,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		<-sigCh
		slog.Info("shutting down")
		cancel()
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			slog.Error("shutdown error", "error", err)
		}
	}()

	slog.Info("audiod listening", "addr", cfg.ListenAddr, "workers", cfg.Concurrency)
	if err := srv.ListenAndServe(); err != http.ErrServerClosed {
		return fmt.Errorf("server: %w", err)
	}
	return nil
}
