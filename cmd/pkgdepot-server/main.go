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

	"github.com/redis/go-redis/v9"

	"github.com/hatemosphere/pkgdepot/internal/api"
	"github.com/hatemosphere/pkgdepot/internal/audit"
	"github.com/hatemosphere/pkgdepot/internal/config"
	"github.com/hatemosphere/pkgdepot/internal/credential"
	"github.com/hatemosphere/pkgdepot/internal/gc"
	"github.com/hatemosphere/pkgdepot/internal/nonce"
	"github.com/hatemosphere/pkgdepot/internal/signature"
	"github.com/hatemosphere/pkgdepot/internal/storage"
)

// nonceBackend is what main needs from a store beyond the NonceStore contract.
type nonceBackend interface {
	storage.NonceStore
	Ping(ctx context.Context) error
}

func main() {
	cfg := config.Parse()

	// Configure logging format.
	var logHandler slog.Handler
	if cfg.LogFormat == "text" {
		logHandler = slog.NewTextHandler(os.Stdout, nil)
	} else {
		logHandler = slog.NewJSONHandler(os.Stdout, nil)
	}
	slog.SetDefault(slog.New(logHandler))

	audit.SetEnabled(cfg.AuditLogs)

	store, err := openStore(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to open nonce store: %v\n", err)
		os.Exit(1)
	}
	pingCtx, cancelPing := context.WithTimeout(context.Background(), 5*time.Second)
	if err := store.Ping(pingCtx); err != nil {
		cancelPing()
		fmt.Fprintf(os.Stderr, "nonce store unreachable: %v\n", err)
		os.Exit(1)
	}
	cancelPing()
	slog.Info("nonce store ready", "backend", cfg.Store)

	nonces := nonce.NewService(store,
		nonce.WithLogger(slog.Default()),
		nonce.WithStrictArguments(cfg.StrictArgs),
	)
	if cfg.StrictArgs {
		slog.Info("strict nonce argument handling enabled")
	}

	fileResolver, err := credential.NewFileResolver(cfg.CredentialsPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load credentials: %v\n", err)
		os.Exit(1)
	}
	resolver := credential.NewCachedResolver(fileResolver, cfg.CredentialCacheSize, cfg.CredentialCacheTTL)
	slog.Info("credentials loaded", "path", cfg.CredentialsPath, "keys", fileResolver.Len())

	collector, err := gc.NewCollector(nonces, gc.Config{
		Interval: cfg.GCInterval,
		Schedule: cfg.GCSchedule,
		Timeout:  cfg.GCTimeout,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to start nonce collector: %v\n", err)
		os.Exit(1)
	}
	switch {
	case cfg.GCSchedule != "":
		slog.Info("expired nonce sweeps scheduled", "schedule", cfg.GCSchedule)
	case cfg.GCInterval > 0:
		slog.Info("expired nonce sweeps enabled", "interval", cfg.GCInterval)
	default:
		slog.Info("background nonce sweeps disabled; expiry is lazy and on demand only")
	}

	srv := api.NewServer(nonces, resolver,
		api.WithVerifier(signature.NewVerifier(nil, slog.Default())),
		api.WithMaxSkew(cfg.MaxSkewSeconds()),
		api.WithCollector(collector),
		api.WithHealthCheck(cfg.Store, store),
	)

	httpServer := &http.Server{
		Addr:              cfg.Addr,
		Handler:           srv.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	// SIGHUP reloads credentials; SIGINT/SIGTERM shut down gracefully.
	done := make(chan struct{})
	go func() {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)
		for sig := range sigCh {
			if sig == syscall.SIGHUP {
				if err := fileResolver.Reload(); err != nil {
					slog.Error("credential reload failed, keeping previous keys", "error", err)
					continue
				}
				resolver.Purge()
				slog.Info("credentials reloaded", "keys", fileResolver.Len())
				continue
			}
			slog.Info("shutting down", "signal", sig.String())
			break
		}

		// Give in-flight requests 30 seconds to complete.
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(ctx); err != nil {
			slog.Error("http server shutdown error", "error", err)
		}
		close(done)
	}()

	slog.Info("pkgdepot server starting", "addr", cfg.Addr, "max_skew", cfg.MaxSkew)
	if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		slog.Error("server error", "error", err)
		os.Exit(1)
	}

	<-done

	slog.Info("stopping nonce collector and closing store")
	collector.Shutdown()
	if err := store.Close(); err != nil {
		slog.Error("store close error", "error", err)
	}
	slog.Info("shutdown complete")
}

func openStore(cfg *config.Config) (nonceBackend, error) {
	switch cfg.Store {
	case config.StoreMemory:
		slog.Warn("using in-memory nonce store; nonces are lost on restart")
		return storage.NewMemoryStore(), nil
	case config.StoreRedis:
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		return storage.NewRedisStore(client, storage.RedisStoreConfig{
			Retention: cfg.RedisRetention,
			Logger:    slog.Default(),
		}), nil
	default:
		return storage.NewSQLiteStore(cfg.DBPath, storage.SQLiteStoreConfig{CompressThreshold: cfg.CompressThreshold})
	}
}
