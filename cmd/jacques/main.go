// Package main is the Jacques daemon entry point: event ingestion over a
// local socket, the live session registry, the WebSocket dashboard feed,
// transcript discovery, and the conversation archive.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/gregory-lime/jacques-context-manager-sub007/internal/api"
	"github.com/gregory-lime/jacques-context-manager-sub007/internal/archive"
	"github.com/gregory-lime/jacques-context-manager-sub007/internal/common/config"
	"github.com/gregory-lime/jacques-context-manager-sub007/internal/common/constants"
	"github.com/gregory-lime/jacques-context-manager-sub007/internal/common/logger"
	"github.com/gregory-lime/jacques-context-manager-sub007/internal/common/preflight"
	"github.com/gregory-lime/jacques-context-manager-sub007/internal/events"
	gateway "github.com/gregory-lime/jacques-context-manager-sub007/internal/gateway/websocket"
	"github.com/gregory-lime/jacques-context-manager-sub007/internal/handoff"
	"github.com/gregory-lime/jacques-context-manager-sub007/internal/ingest"
	"github.com/gregory-lime/jacques-context-manager-sub007/internal/scanner"
	"github.com/gregory-lime/jacques-context-manager-sub007/internal/session"
	"github.com/gregory-lime/jacques-context-manager-sub007/internal/session/registry"
	"github.com/gregory-lime/jacques-context-manager-sub007/internal/transcript"
)

func main() {
	// 1. Configuration
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	// 2. Logger
	log, err := logger.NewLogger(logger.LoggingConfig(cfg.Logging))
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()
	logger.SetDefault(log)

	log.Info("Starting Jacques",
		zap.String("socket", cfg.Server.SocketPath),
		zap.Int("ws_port", cfg.Server.WSPort))

	// 3. Pre-flight: refuse to displace a live instance, clean up after a
	// dead one. The pid file and socket share the home directory.
	if err := os.MkdirAll(filepath.Dir(cfg.Server.PIDFile), 0o755); err != nil {
		log.Fatal("Failed to create runtime directory", zap.Error(err))
	}
	if err := preflight.Check(cfg, log); err != nil {
		log.Fatal("Pre-flight check failed", zap.Error(err))
	}
	removePID, err := preflight.WritePIDFile(cfg.Server.PIDFile)
	if err != nil {
		log.Fatal("Failed to write pid file", zap.Error(err))
	}
	defer removePID()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// 4. Event bus
	provided, busCleanup, err := events.Provide(cfg, log)
	if err != nil {
		log.Fatal("Failed to initialize event bus", zap.Error(err))
	}
	defer busCleanup()
	eventBus := provided.Bus

	// 5. Session registry, the single writer for all session state
	reg := registry.New(registry.Config{
		StaleCutoff:   cfg.Session.StaleSessionCutoff(),
		SweepInterval: cfg.Session.CleanupInterval(),
	}, eventBus, log)

	// 6. Transcript discovery
	catalog, err := scanner.OpenCatalog(cfg.Catalog.Path, cfg.Catalog.CatalogMaxAge())
	if err != nil {
		log.Warn("Metadata catalog unavailable, discovery will re-read transcript heads", zap.Error(err))
		catalog = nil
	} else {
		defer catalog.Close()
	}
	scan := scanner.New(cfg.Scanner.TranscriptRoot, cfg.Scanner.ProcessName, catalog, log)
	enricher := scanner.NewEnricher(scan, reg, cfg.Scanner.EnrichInterval(), log)

	watcher, err := scanner.NewWatcher(cfg.Scanner.TranscriptRoot, eventBus, log)
	if err != nil {
		log.Warn("Transcript watcher unavailable", zap.Error(err))
		watcher = nil
	}

	// 7. Archive pipeline
	parser := transcript.NewParser(log)
	store := archive.NewStore(cfg.Archive, eventBus, log)
	handoffGen := handoff.NewGenerator(log)
	archiveSvc := archive.NewService(store, parser, reg, handoffGen, log)
	if cfg.Archive.AutoArchive {
		sub, err := archiveSvc.AutoArchive(ctx, eventBus)
		if err != nil {
			log.Fatal("Failed to subscribe auto-archive", zap.Error(err))
		}
		defer sub.Unsubscribe()
		log.Info("Auto-archive enabled")
	}

	// 8. WebSocket gateway
	gw := gateway.NewGateway(gateway.Deps{
		Feed:     reg,
		Sessions: reg,
		Terminal: nil, // host window management ships separately
		Actions:  archiveSvc,
	}, log)
	broadcaster := gateway.RegisterOperationNotifications(ctx, eventBus, gw.Hub, log)
	defer broadcaster.Close()

	if cfg.Logging.Level != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}
	wsRouter := gin.New()
	wsRouter.Use(gin.Recovery())
	gw.SetupRoutes(wsRouter)

	wsServer := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Server.WSPort),
		Handler: wsRouter,
	}

	// 9. Optional HTTP query API
	var apiServer *http.Server
	if cfg.Server.HTTPPort != 0 {
		handler := api.NewHandler(reg, archiveSvc, store, log)
		apiServer = &http.Server{
			Addr:    fmt.Sprintf(":%d", cfg.Server.HTTPPort),
			Handler: api.NewRouter(handler, log),
		}
	}

	// 10. Ingestion socket
	ingestServer := ingest.NewServer(cfg.Server.SocketPath, reg, session.AutoCompactSettings{
		Enabled:      true,
		Threshold:    cfg.Session.AutocompactThreshold,
		BugThreshold: constants.AutoCompactBugThreshold,
	}, log)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		reg.Run(gctx)
		return nil
	})
	g.Go(func() error {
		gw.Hub.Run(gctx)
		return nil
	})
	g.Go(func() error {
		return ingestServer.Run(gctx)
	})
	g.Go(func() error {
		return enricher.Run(gctx)
	})
	if watcher != nil {
		g.Go(func() error {
			return watcher.Run(gctx)
		})
	}
	g.Go(func() error {
		log.Info("WebSocket server listening", zap.Int("port", cfg.Server.WSPort))
		if err := wsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	if apiServer != nil {
		g.Go(func() error {
			log.Info("HTTP API listening", zap.Int("port", cfg.Server.HTTPPort))
			if err := apiServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
	}

	// 11. Shutdown: close listeners first so no new events arrive, then
	// let the registry drain its queue and notify subscribers.
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-quit:
		log.Info("Shutting down", zap.String("signal", sig.String()))
	case <-gctx.Done():
		log.Error("Component failed, shutting down")
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), constants.ShutdownGrace)
	defer shutdownCancel()
	if err := wsServer.Shutdown(shutdownCtx); err != nil {
		log.Warn("WebSocket server shutdown", zap.Error(err))
	}
	if apiServer != nil {
		if err := apiServer.Shutdown(shutdownCtx); err != nil {
			log.Warn("HTTP API shutdown", zap.Error(err))
		}
	}

	cancel()
	done := make(chan struct{})
	go func() {
		defer close(done)
		if err := g.Wait(); err != nil {
			log.Error("Component exited with error", zap.Error(err))
		}
	}()
	select {
	case <-done:
	case <-time.After(constants.ShutdownGrace):
		log.Warn("Shutdown grace period exceeded")
	}

	log.Info("Jacques stopped")
}
