package main

import (
	"context"
	"flag"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/dvloznov/pocket-ledger/internal/api/handlers"
	"github.com/dvloznov/pocket-ledger/internal/api/middleware"
	"github.com/dvloznov/pocket-ledger/internal/blobstore"
	"github.com/dvloznov/pocket-ledger/internal/config"
	"github.com/dvloznov/pocket-ledger/internal/currency"
	"github.com/dvloznov/pocket-ledger/internal/logger"
	"github.com/dvloznov/pocket-ledger/internal/store"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		l := logger.New()
		l.Fatal().Err(err).Msg("Invalid configuration")
	}

	// Parse command-line flags
	var (
		port    = flag.String("port", cfg.Port, "HTTP server port (or set LEDGER_PORT env)")
		backend = flag.String("storage", cfg.Storage.Backend, "Storage backend: memory, file or gcs (or set LEDGER_STORAGE env)")
		dataDir = flag.String("data-dir", cfg.Storage.Dir, "Directory for the file backend (or set LEDGER_DATA_DIR env)")
		bucket  = flag.String("bucket", cfg.Storage.Bucket, "GCS bucket for the gcs backend (or set LEDGER_GCS_BUCKET env)")
		dev     = flag.Bool("dev", false, "Enable development endpoints")
	)
	flag.Parse()

	cfg.Port = *port
	cfg.Storage.Backend = *backend
	cfg.Storage.Dir = *dataDir
	cfg.Storage.Bucket = *bucket

	// Initialize logger
	log := logger.NewWithLevel(cfg.LogLevel)

	ctx := context.Background()

	blobs, err := blobstore.Open(ctx, cfg.Storage)
	if err != nil {
		log.Fatal().Err(err).Str("backend", cfg.Storage.Backend).Msg("Failed to open storage")
	}
	if c, ok := blobs.(io.Closer); ok {
		defer c.Close()
	}
	if cfg.Storage.Backend == blobstore.BackendMemory {
		log.Warn().Msg("Using in-memory storage - data will be lost on restart")
	}

	ledger, err := store.Open(ctx,
		store.WithBlobStore(blobs),
		store.WithKey(cfg.StateKey),
		store.WithLogger(log.With().Str("component", "store").Logger()),
	)
	if err != nil {
		log.Fatal().Err(err).Str("key", cfg.StateKey).Msg("Failed to load ledger")
	}

	rates := currency.NewService(
		currency.NewHTTPProvider(cfg.RatesURL, cfg.HTTPTimeout),
		currency.WithBlobStore(blobs),
		currency.WithTTL(cfg.RatesTTL),
		currency.WithLogger(log.With().Str("component", "rates").Logger()),
	)

	mux := handlers.NewRouter(handlers.RouterConfig{
		Store:     ledger,
		Rates:     rates,
		EnableDev: *dev,
	}, log)

	// Apply middleware
	handler := middleware.Chain(mux,
		middleware.RequestID,
		middleware.Recovery(log),
		middleware.Logger(log),
		middleware.CORS,
	)

	// Create HTTP server
	server := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      handler,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Start server in a goroutine
	go func() {
		log.Info().
			Str("port", cfg.Port).
			Str("storage", cfg.Storage.Backend).
			Int("transactions", len(ledger.Transactions())).
			Msg("Starting ledger API server")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("Failed to start server")
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("Shutting down server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Server forced to shutdown")
	}

	log.Info().Msg("Server exited")
}
