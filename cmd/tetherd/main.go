// Package main is the entry point for tetherd, the remote agent
// control server. One binary hosts the REST API, the WebSocket
// gateway and the PTY session manager.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/tetherdev/tetherd/internal/auth"
	"github.com/tetherdev/tetherd/internal/chat/agents"
	chathandlers "github.com/tetherdev/tetherd/internal/chat/handlers"
	"github.com/tetherdev/tetherd/internal/chat/history"
	"github.com/tetherdev/tetherd/internal/chat/manager"
	"github.com/tetherdev/tetherd/internal/chat/notify"
	"github.com/tetherdev/tetherd/internal/chat/store"
	"github.com/tetherdev/tetherd/internal/common/config"
	"github.com/tetherdev/tetherd/internal/common/logger"
	"github.com/tetherdev/tetherd/internal/db"
	"github.com/tetherdev/tetherd/internal/db/dialect"
	"github.com/tetherdev/tetherd/internal/events"
	gateway "github.com/tetherdev/tetherd/internal/gateway/websocket"
)

const version = "0.3.0"

func main() {
	// 1. Load configuration
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	// 2. Initialize logger
	log, err := logger.NewLogger(logger.LoggingConfig{
		Level:      cfg.Logging.Level,
		Format:     cfg.Logging.Format,
		OutputPath: cfg.Logging.OutputPath,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()
	logger.SetDefault(log)

	log.Info("Starting tetherd...", zap.String("version", version))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// 3. Bearer token, generated on first boot
	token, err := auth.LoadOrCreate(cfg.TokenPath())
	if err != nil {
		log.Fatal("Failed to load bearer token", zap.Error(err))
	}

	// 4. Event bus (in-memory by default, NATS if configured)
	provided, busCleanup, err := events.Provide(cfg, log)
	if err != nil {
		log.Fatal("Failed to initialize event bus", zap.Error(err))
	}
	defer busCleanup()
	eventBus := provided.Bus

	// 5. Database pool
	pool, err := openPool(cfg)
	if err != nil {
		log.Fatal("Failed to open database", zap.Error(err))
	}
	defer pool.Close()

	repo, err := store.New(pool)
	if err != nil {
		log.Fatal("Failed to initialize store", zap.Error(err))
	}
	defer repo.Close()

	// No PTY survives a restart: every conversation recorded active is
	// actually suspended now.
	recovered, err := repo.MarkActiveSuspended(ctx)
	if err != nil {
		log.Fatal("Failed to recover session state", zap.Error(err))
	}
	if recovered > 0 {
		log.Info("Marked stale active sessions suspended", zap.Int64("count", recovered))
	}

	// 6. Session infrastructure
	hist := history.NewBuffer(cfg.Session.HistoryBufferSize)
	pending := notify.NewQueue(cfg.Session.NotificationQueueSize)
	mgr := manager.New(repo, hist, eventBus, cfg.Session, log)
	mgr.StartSweeper()

	availability := agents.NewAvailabilityChecker()
	catalogue := agents.NewCatalogue()

	// 7. WebSocket gateway
	hub := gateway.NewHub(mgr, hist, pending, eventBus, cfg.Session.OutboundQueueSize, log)
	if err := hub.Start(); err != nil {
		log.Fatal("Failed to start WebSocket hub", zap.Error(err))
	}
	wsHandler := gateway.NewHandler(hub, token, log)

	// 8. HTTP router
	if cfg.Logging.Level != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(corsMiddleware())

	// Unauthenticated surface: pairing page and liveness probe.
	router.GET("/", auth.BootstrapHandler(cfg.Server.Host, cfg.Server.Port, token))
	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok", "service": "tetherd"})
	})

	router.GET("/ws", wsHandler.HandleConnection)

	api := router.Group("/api")
	api.Use(auth.Middleware(token))
	chathandlers.New(mgr, repo, pending, availability, catalogue, version, log).RegisterRoutes(api)

	server := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeoutDuration(),
		WriteTimeout: cfg.Server.WriteTimeoutDuration(),
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info("Server listening",
			zap.String("addr", server.Addr),
			zap.String("bootstrap", auth.BootstrapURL(cfg.Server.Host, cfg.Server.Port, token)))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	})
	g.Go(func() error {
		quit := make(chan os.Signal, 1)
		signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
		select {
		case sig := <-quit:
			log.Info("Shutdown signal received", zap.String("signal", sig.String()))
			cancel()
		case <-gctx.Done():
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		log.Error("Server error", zap.Error(err))
	}

	// 9. Graceful shutdown in reverse dependency order.
	log.Info("Shutting down tetherd...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error("HTTP server shutdown error", zap.Error(err))
	}
	hub.Stop()
	mgr.Shutdown(shutdownCtx)

	log.Info("tetherd stopped")
}

// openPool selects the SQLite file store by default, or Postgres when
// a database host is configured.
func openPool(cfg *config.Config) (*db.Pool, error) {
	if cfg.Database.UsePostgres() {
		pg, err := db.OpenPostgres(cfg.Database.DSN(), 0, 0)
		if err != nil {
			return nil, err
		}
		shared := sqlx.NewDb(pg, dialect.PGX)
		return db.NewPool(shared, shared), nil
	}

	path := cfg.Database.SQLitePath()
	writer, err := db.OpenSQLite(path)
	if err != nil {
		return nil, err
	}
	reader, err := db.OpenSQLiteReader(path)
	if err != nil {
		writer.Close()
		return nil, err
	}
	return db.NewPool(sqlx.NewDb(writer, dialect.SQLite3), sqlx.NewDb(reader, dialect.SQLite3)), nil
}

// corsMiddleware allows cross-origin requests from companion apps.
func corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("Access-Control-Allow-Origin", "*")
		c.Header("Access-Control-Allow-Methods", "GET, POST, PATCH, PUT, DELETE, OPTIONS")
		c.Header("Access-Control-Allow-Headers", "Origin, Content-Type, Authorization, Upgrade, Connection, Sec-WebSocket-Key, Sec-WebSocket-Version, Sec-WebSocket-Protocol")

		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}

		c.Next()
	}
}
