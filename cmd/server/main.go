package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ahmetk3436/ollachat/internal/config"
	"github.com/ahmetk3436/ollachat/internal/database"
	"github.com/ahmetk3436/ollachat/internal/handlers"
	"github.com/ahmetk3436/ollachat/internal/middleware"
	"github.com/ahmetk3436/ollachat/internal/ollama"
	"github.com/ahmetk3436/ollachat/internal/routes"
	"github.com/ahmetk3436/ollachat/internal/services"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/recover"
)

func main() {
	// ─── Config ──────────────────────────────────────────────────────────
	cfg, err := config.Load()
	if err != nil {
		slog.Error("Invalid configuration", "error", err)
		os.Exit(1)
	}

	// JSON structured logging
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: cfg.SlogLevel(),
	}))
	slog.SetDefault(logger)

	slog.Info("Starting ollachat", "version", handlers.Version)

	// ─── Database ────────────────────────────────────────────────────────
	db, err := database.Connect(cfg)
	if err != nil {
		slog.Error("Database connection failed", "error", err)
		os.Exit(1)
	}

	if err := database.Migrate(db); err != nil {
		slog.Error("Database migration failed", "error", err)
		os.Exit(1)
	}

	rdb := database.ConnectRedis(cfg)

	// ─── Services ───────────────────────────────────────────────────────
	ollamaClient := ollama.NewClient(&ollama.ClientConfig{
		BaseURL:      cfg.OllamaURL,
		Timeout:      cfg.OllamaTimeout,
		DefaultModel: cfg.OllamaDefaultModel,
	})
	cache := services.NewMessageCache(rdb, cfg.CacheTTL)
	recorder := services.NewTurnRecorder(db, cache, logger.With("component", "recorder"))
	relay := services.NewChatRelay(recorder, logger.With("component", "relay"))

	// ─── Handlers ───────────────────────────────────────────────────────
	h := routes.Handlers{
		Auth:          handlers.NewAuthHandler(cfg),
		Chat:          handlers.NewChatHandler(ollamaClient, relay, cfg.RelayTimeout, logger),
		Conversations: handlers.NewConversationHandler(db, recorder, logger),
		Models:        handlers.NewModelsHandler(ollamaClient, logger),
		Settings:      handlers.NewSettingsHandler(db, ollamaClient.DefaultModel(), logger),
		System:        handlers.NewSystemHandler(db, ollamaClient),
	}

	// ─── Fiber App ──────────────────────────────────────────────────────
	app := fiber.New(fiber.Config{
		AppName:      "ollachat v" + handlers.Version,
		ServerHeader: "ollachat",
		BodyLimit:    32 * 1024 * 1024, // base64 images in chat turns
		ErrorHandler: handlers.ErrorHandler,
	})

	app.Use(cors.New(cors.Config{
		AllowOrigins: cfg.CORSOrigins,
		AllowHeaders: "Origin, Content-Type, Accept, Authorization",
		AllowMethods: "GET, POST, PUT, DELETE, PATCH, OPTIONS",
	}))

	app.Use(recover.New(recover.Config{
		EnableStackTrace: false,
	}))

	app.Use(middleware.SecurityHeaders())
	app.Use(middleware.RequestLogger(logger))

	// ─── Routes ─────────────────────────────────────────────────────────
	routes.Setup(app, cfg.JWTSecret, middleware.NewChatLimiter(cfg.ChatRatePerMinute), h)

	// ─── Graceful Shutdown ──────────────────────────────────────────────
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	stopped := make(chan struct{})

	go func() {
		defer close(stopped)
		<-quit
		slog.Info("Shutting down ollachat...")

		if err := app.ShutdownWithTimeout(30 * time.Second); err != nil {
			slog.Error("Fiber shutdown error", "error", err)
		}

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := relay.Wait(ctx); err != nil {
			slog.Warn("Pending chat turns were not persisted before shutdown", "error", err)
		}

		if rdb != nil {
			rdb.Close()
		}
		if sqlDB, err := db.DB(); err == nil {
			sqlDB.Close()
		}
	}()

	// ─── Start ──────────────────────────────────────────────────────────
	listenAddr := ":" + cfg.Port
	slog.Info("ollachat listening", "addr", listenAddr, "ollama", cfg.OllamaURL)

	if err := app.Listen(listenAddr); err != nil {
		slog.Error("Server error", "error", err)
		os.Exit(1)
	}
	<-stopped
}
