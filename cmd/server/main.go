package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"

	"loom-backend/internal/admin"
	"loom-backend/internal/auth"
	"loom-backend/internal/config"
	"loom-backend/internal/engine"
	"loom-backend/internal/instrument"
	"loom-backend/internal/metadata"
	"loom-backend/internal/storage"
	"loom-backend/internal/store"
)

func main() {
	ctx := context.Background()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	log.Printf("Config loaded (port: %d, driver: %s)", cfg.Server.Port, cfg.Database.Driver)

	db, err := store.New(ctx, cfg.Database)
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}
	defer db.Close()
	log.Println("Database connected")

	if err := db.Bootstrap(ctx); err != nil {
		log.Fatalf("Failed to bootstrap system tables: %v", err)
	}
	log.Println("System tables ready")

	reg := metadata.NewRegistry()
	if err := metadata.LoadAll(ctx, db.DB, reg); err != nil {
		log.Printf("WARN: loading metadata: %v", err)
	}

	// Entities defined while the server was down still need their tables.
	migrator := store.NewMigrator(db)
	for _, entity := range reg.AllEntities() {
		if err := migrator.Migrate(ctx, entity); err != nil {
			log.Printf("WARN: migrating %s: %v", entity.Name, err)
		}
	}

	app := fiber.New(fiber.Config{
		ErrorHandler: engine.FiberErrorHandler,
	})
	app.Use(recover.New(recover.Config{EnableStackTrace: true}))
	app.Use(logger.New(logger.Config{
		Format: "${time} ${status} ${method} ${path} ${latency}\n",
	}))

	var buffer *instrument.EventBuffer
	if cfg.Instrumentation.Enabled {
		buffer = instrument.NewEventBuffer(db.DB, db.Dialect,
			cfg.Instrumentation.BufferSize, cfg.Instrumentation.FlushIntervalMs)
	}
	app.Use(instrument.Middleware(cfg.Instrumentation, buffer))

	app.Get("/health", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{"status": "ok"})
	})

	// Login and refresh stay outside the auth middleware.
	auth.RegisterRoutes(app, auth.NewHandler(db, cfg.JWTSecret))

	authMW := auth.AuthMiddleware(cfg.JWTSecret)
	adminMW := auth.RequireAdmin()

	admin.RegisterRoutes(app, admin.NewHandler(db, reg, migrator), authMW, adminMW)
	instrument.RegisterRoutes(app, instrument.NewEventHandler(db.DB, db.Dialect), authMW, adminMW)
	engine.RegisterFileRoutes(app, engine.NewFileHandler(db, newFileStorage(cfg.Storage), cfg.Storage.MaxFileSize), authMW)
	engine.RegisterWorkflowRoutes(app, engine.NewWorkflowHandler(db, reg), authMW)

	// Last: the /api/:entity wildcard must not shadow the routes above.
	engine.RegisterDynamicRoutes(app, engine.NewHandler(db, reg), authMW)

	workflowScheduler := engine.NewWorkflowScheduler(db, reg)
	workflowScheduler.Start()
	webhookScheduler := engine.NewWebhookScheduler(db)
	webhookScheduler.Start()

	cleanupDone := make(chan struct{})
	if cfg.Instrumentation.Enabled {
		go runEventCleanup(db, cfg.Instrumentation.RetentionDays, cleanupDone)
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- app.Listen(fmt.Sprintf(":%d", cfg.Server.Port))
	}()
	log.Printf("Server listening on :%d", cfg.Server.Port)

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		log.Fatalf("Server failed: %v", err)
	case sig := <-stop:
		log.Printf("Received %s, shutting down", sig)
	}

	close(cleanupDone)
	workflowScheduler.Stop()
	webhookScheduler.Stop()
	if err := app.Shutdown(); err != nil {
		log.Printf("WARN: shutdown: %v", err)
	}
	if buffer != nil {
		buffer.Stop()
	}
}

func newFileStorage(cfg config.StorageConfig) storage.FileStorage {
	if cfg.Driver != "local" {
		log.Printf("WARN: unknown storage driver %q, falling back to local", cfg.Driver)
	}
	return storage.NewLocalStorage(cfg.LocalPath)
}

func runEventCleanup(db *store.Store, retentionDays int, done <-chan struct{}) {
	ticker := time.NewTicker(time.Hour)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			instrument.CleanupOldEvents(context.Background(), db.DB, db.Dialect, retentionDays)
		}
	}
}
