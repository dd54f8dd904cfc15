package handlers

import (
	"encoding/json"
	"errors"
	"log/slog"

	"github.com/ahmetk3436/ollachat/internal/middleware"
	"github.com/ahmetk3436/ollachat/internal/models"
	"github.com/gofiber/fiber/v2"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type SettingsHandler struct {
	db           *gorm.DB
	defaultModel string
	log          *slog.Logger
}

func NewSettingsHandler(db *gorm.DB, defaultModel string, log *slog.Logger) *SettingsHandler {
	return &SettingsHandler{db: db, defaultModel: defaultModel, log: log}
}

func (h *SettingsHandler) Get(c *fiber.Ctx) error {
	userID := middleware.UserID(c)

	var s models.UserSettings
	err := h.db.WithContext(c.UserContext()).First(&s, "user_id = ?", userID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return c.JSON(models.UserSettings{UserID: userID, DefaultModel: h.defaultModel})
	}
	if err != nil {
		h.log.Error("Loading settings failed", "user_id", userID, "error", err)
		return fiber.ErrInternalServerError
	}
	return c.JSON(s)
}

func (h *SettingsHandler) Update(c *fiber.Ctx) error {
	var req struct {
		DefaultModel *string         `json:"defaultModel"`
		Temperature  *float64        `json:"temperature"`
		SystemPrompt *string         `json:"systemPrompt"`
		Extra        json.RawMessage `json:"extra"`
	}
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "Invalid request body"})
	}
	if req.Temperature != nil && (*req.Temperature < 0 || *req.Temperature > 2) {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "Temperature must be between 0 and 2"})
	}

	userID := middleware.UserID(c)
	db := h.db.WithContext(c.UserContext())

	s := models.UserSettings{UserID: userID, DefaultModel: h.defaultModel}
	if err := db.First(&s, "user_id = ?", userID).Error; err != nil && !errors.Is(err, gorm.ErrRecordNotFound) {
		h.log.Error("Loading settings failed", "user_id", userID, "error", err)
		return fiber.ErrInternalServerError
	}

	if req.DefaultModel != nil {
		s.DefaultModel = *req.DefaultModel
	}
	if req.Temperature != nil {
		s.Temperature = req.Temperature
	}
	if req.SystemPrompt != nil {
		s.SystemPrompt = *req.SystemPrompt
	}
	if len(req.Extra) > 0 {
		s.Extra = datatypes.JSON(req.Extra)
	}

	err := db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "user_id"}},
		UpdateAll: true,
	}).Create(&s).Error
	if err != nil {
		h.log.Error("Saving settings failed", "user_id", userID, "error", err)
		return fiber.ErrInternalServerError
	}
	return c.JSON(s)
}
