// Pulsebook server - reactive notebook backend
package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/gin-gonic/gin"

	"github.com/pulsebook/pulsebook/internal/application/notebook"
	"github.com/pulsebook/pulsebook/internal/application/observer"
	"github.com/pulsebook/pulsebook/internal/config"
	"github.com/pulsebook/pulsebook/internal/infrastructure/api/rest"
	"github.com/pulsebook/pulsebook/internal/infrastructure/api/ws"
	"github.com/pulsebook/pulsebook/internal/infrastructure/logger"
	"github.com/pulsebook/pulsebook/internal/infrastructure/storage"
)

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	// Initialize logger
	appLogger := logger.New(cfg.Logging)
	logger.SetDefault(appLogger)

	appLogger.Info("Starting Pulsebook Server",
		"port", cfg.Server.Port,
		"notebooks_dir", cfg.Notebooks.Dir,
		"python", cfg.Kernel.PythonPath,
	)

	// Initialize notebook store
	store, err := storage.NewNotebookStore(cfg.Notebooks.Dir, appLogger)
	if err != nil {
		appLogger.Error("Failed to initialize notebook store", "error", err)
		os.Exit(1)
	}

	// Initialize WebSocket hub
	wsHub := ws.NewHub(cfg.WebSocket, appLogger)
	appLogger.Info("WebSocket hub initialized")

	// Initialize observer manager
	observerManager := observer.NewObserverManager(
		observer.WithLogger(appLogger),
	)

	wsObserver := ws.NewObserver(wsHub, ws.WithObserverLogger(appLogger))
	if err := observerManager.Register(wsObserver); err != nil {
		appLogger.Error("Failed to register WebSocket observer", "error", err)
		os.Exit(1)
	}

	loggerObserver := observer.NewLoggerObserver(
		observer.WithLoggerInstance(appLogger),
	)
	if err := observerManager.Register(loggerObserver); err != nil {
		appLogger.Error("Failed to register logger observer", "error", err)
	}

	appLogger.Info("Observer system initialized",
		"observer_count", observerManager.Count(),
	)

	// Initialize notebook manager (loads index, migrates legacy file)
	manager, err := notebook.NewManager(cfg, store, observerManager, appLogger)
	if err != nil {
		appLogger.Error("Failed to initialize notebook manager", "error", err)
		os.Exit(1)
	}

	appLogger.Info("Notebook manager initialized", "notebooks", len(manager.List()))

	// Build router
	if cfg.Logging.Level != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(rest.NewRecoveryMiddleware(appLogger).Recovery())
	router.Use(rest.NewLoggingMiddleware(appLogger).RequestLogger())

	router.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok", "clients": wsHub.ClientCount()})
	})

	api := router.Group("/api")
	rest.NewNotebookHandler(manager, appLogger).RegisterRoutes(api)

	wsHandler := ws.NewHandler(manager, wsHub, observerManager, appLogger)
	router.GET("/ws/:notebook_id", wsHandler.Handle)

	server := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	// Websocket connections outlive the write timeout; gin hijacks the
	// connection on upgrade so only plain HTTP is bounded by it.

	go func() {
		appLogger.Info("HTTP server listening", "addr", server.Addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			appLogger.Error("HTTP server failed", "error", err)
			os.Exit(1)
		}
	}()

	// Wait for shutdown signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	appLogger.Info("Shutting down")

	ctx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		appLogger.Error("HTTP server shutdown failed", "error", err)
	}

	if err := manager.Close(ctx); err != nil {
		appLogger.Error("Notebook manager shutdown failed", "error", err)
	}

	appLogger.Info("Shutdown complete")
}
