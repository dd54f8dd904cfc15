package handlers

import (
	"crypto/subtle"
	"log/slog"
	"strings"

	"github.com/ahmetk3436/ollachat/internal/config"
	"github.com/ahmetk3436/ollachat/internal/middleware"
	"github.com/gofiber/fiber/v2"
	"golang.org/x/crypto/bcrypt"
)

// AuthHandler issues tokens for the single configured account.
type AuthHandler struct {
	cfg          *config.Config
	passwordHash []byte
}

func NewAuthHandler(cfg *config.Config) *AuthHandler {
	h := &AuthHandler{cfg: cfg}
	if cfg.AdminPassword == "" {
		return h
	}

	// ADMIN_PASSWORD may already be a bcrypt hash
	if strings.HasPrefix(cfg.AdminPassword, "$2") {
		h.passwordHash = []byte(cfg.AdminPassword)
		return h
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(cfg.AdminPassword), bcrypt.DefaultCost)
	if err != nil {
		slog.Error("Failed to hash admin password", "error", err)
		return h
	}
	h.passwordHash = hash
	return h
}

func invalidCredentials(c *fiber.Ctx) error {
	return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": "Invalid credentials"})
}

func (h *AuthHandler) Login(c *fiber.Ctx) error {
	var req struct {
		Username string `json:"username"`
		Password string `json:"password"`
	}
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "Invalid request body"})
	}

	if h.passwordHash == nil {
		return invalidCredentials(c)
	}
	if subtle.ConstantTimeCompare([]byte(req.Username), []byte(h.cfg.AdminUsername)) != 1 {
		return invalidCredentials(c)
	}
	if err := bcrypt.CompareHashAndPassword(h.passwordHash, []byte(req.Password)); err != nil {
		return invalidCredentials(c)
	}

	return h.issue(c, h.cfg.AdminUserID, req.Username)
}

func (h *AuthHandler) Refresh(c *fiber.Ctx) error {
	var req struct {
		RefreshToken string `json:"refresh_token"`
	}
	if err := c.BodyParser(&req); err != nil || req.RefreshToken == "" {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "Invalid request body"})
	}

	claims, err := middleware.ParseToken(req.RefreshToken, h.cfg.JWTSecret, true)
	if err != nil {
		return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": "Invalid or expired refresh token"})
	}

	return h.issue(c, claims.Subject, claims.Username)
}

func (h *AuthHandler) issue(c *fiber.Ctx, userID, username string) error {
	access, refresh, err := middleware.GenerateTokens(userID, username, h.cfg.JWTSecret)
	if err != nil {
		slog.Error("Failed to generate tokens", "error", err)
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "Failed to generate tokens"})
	}

	return c.JSON(fiber.Map{
		"access_token":  access,
		"refresh_token": refresh,
		"user": fiber.Map{
			"id":       userID,
			"username": username,
		},
	})
}

func (h *AuthHandler) Me(c *fiber.Ctx) error {
	username, _ := c.Locals(middleware.LocalUsername).(string)
	return c.JSON(fiber.Map{
		"id":       middleware.UserID(c),
		"username": username,
	})
}
