// Object catalog daemon
//
// Features:
// - Mirrors remote S3-compatible key spaces into a local SQLite index
// - Full-listing sync with folder synthesis and stale eviction
// - Keyword-filtered, cursor-paginated hierarchy queries
// - Folder-expanding create/copy/move/delete/download mutations
// - SSE progress events, Prometheus metrics, structured logging (zap)
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/objcat/objcat/internal/api"
	"github.com/objcat/objcat/internal/catalog"
	"github.com/objcat/objcat/internal/config"
	"github.com/objcat/objcat/internal/connections"
	"github.com/objcat/objcat/internal/events"
	"github.com/objcat/objcat/internal/logging"
	"github.com/objcat/objcat/internal/metrics"
	"github.com/objcat/objcat/internal/mutate"
	"github.com/objcat/objcat/internal/query"
	"github.com/objcat/objcat/internal/remote"
	"github.com/objcat/objcat/internal/syncer"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		// Can't use structured logging yet
		panic("configuration error: " + err.Error())
	}

	if err := logging.Init(logging.Config{
		Level:  cfg.LogLevel,
		Format: cfg.LogFormat,
	}); err != nil {
		panic("logging init error: " + err.Error())
	}
	defer logging.Sync()

	logging.Info("object catalog daemon starting...",
		zap.String("listen", cfg.ListenAddr),
		zap.String("metrics", cfg.MetricsAddr),
		zap.String("catalog", cfg.CatalogPath))

	cat, err := catalog.Open(cfg.CatalogPath)
	if err != nil {
		logging.Fatal("catalog open failed", zap.Error(err))
	}
	defer cat.Close()

	conns, err := connections.NewStore(cat.DB())
	if err != nil {
		logging.Fatal("connections store init failed", zap.Error(err))
	}

	broadcaster := events.NewBroadcaster()

	syncEngine := syncer.New(cat, conns, remote.Dial)
	queryEngine := query.New(cat)
	mutateEngine := mutate.New(cat, conns, remote.Dial, broadcaster)

	srv := api.NewServer(conns, syncEngine, queryEngine, mutateEngine,
		broadcaster, cfg.RateLimitRPS, cfg.RateLimitBurst)

	metricsServer := &http.Server{
		Addr:    cfg.MetricsAddr,
		Handler: metrics.Handler(),
	}
	go func() {
		logging.Info("metrics server listening", zap.String("addr", cfg.MetricsAddr))
		if err := metricsServer.ListenAndServe(); err != http.ErrServerClosed {
			logging.Error("metrics server error", zap.Error(err))
		}
	}()

	httpServer := &http.Server{
		Addr:    cfg.ListenAddr,
		Handler: srv.Handler(),
	}

	// Graceful shutdown: stop accepting requests, then wait for background
	// uploads to drain before closing the index.
	go func() {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		<-sigCh
		logging.Info("shutting down...")

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer shutdownCancel()
		httpServer.Shutdown(shutdownCtx)
		metricsServer.Close()

		mutateEngine.Wait()
	}()

	logging.Info("server listening", zap.String("addr", cfg.ListenAddr))
	if err := httpServer.ListenAndServe(); err != http.ErrServerClosed {
		logging.Fatal("server error", zap.Error(err))
	}

	mutateEngine.Wait()
	logging.Info("shutdown complete")
}
