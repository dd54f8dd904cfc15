package routes

import (
	"github.com/ahmetk3436/ollachat/internal/handlers"
	"github.com/ahmetk3436/ollachat/internal/middleware"
	"github.com/gofiber/fiber/v2"
)

type Handlers struct {
	Auth          *handlers.AuthHandler
	Chat          *handlers.ChatHandler
	Conversations *handlers.ConversationHandler
	Models        *handlers.ModelsHandler
	Settings      *handlers.SettingsHandler
	System        *handlers.SystemHandler
}

func Setup(app *fiber.App, jwtSecret string, limiter *middleware.ChatLimiter, h Handlers) {
	// ─── Public ──────────────────────────────────────────────────────────
	app.Get("/api/health", h.System.Health)

	// ─── Auth ────────────────────────────────────────────────────────────
	app.Post("/api/auth/login", h.Auth.Login)
	app.Post("/api/auth/refresh", h.Auth.Refresh)

	// ─── Protected routes ────────────────────────────────────────────────
	api := app.Group("/api", middleware.JWTProtected(jwtSecret))

	api.Get("/auth/me", h.Auth.Me)

	// Chat relay
	chatLimit := middleware.ChatRateLimit(limiter)
	api.Post("/chat", chatLimit, h.Chat.Chat)
	api.Use("/chat/ws", h.Chat.UpgradeCheck())
	api.Get("/chat/ws", chatLimit, h.Chat.ChatSocket())

	// Models
	api.Get("/models", h.Models.List)

	// Conversations
	api.Get("/conversations", h.Conversations.List)
	api.Post("/conversations", h.Conversations.Create)
	api.Get("/conversations/:id", h.Conversations.Get)
	api.Put("/conversations/:id", h.Conversations.Update)
	api.Delete("/conversations/:id", h.Conversations.Delete)
	api.Put("/conversations/:id/model", h.Conversations.SwitchModel)

	// User settings
	api.Get("/user/settings", h.Settings.Get)
	api.Put("/user/settings", h.Settings.Update)
}
