package handlers

import (
	"context"
	"time"

	"github.com/ahmetk3436/ollachat/internal/ollama"
	"github.com/gofiber/fiber/v2"
	"gorm.io/gorm"
)

var startTime = time.Now()
var Version = "1.0.0"

// ModelLister is the part of the upstream client the catalog and health
// endpoints need.
type ModelLister interface {
	ListModels(ctx context.Context) ([]ollama.ModelInfo, error)
}

type SystemHandler struct {
	db     *gorm.DB
	models ModelLister
}

func NewSystemHandler(db *gorm.DB, models ModelLister) *SystemHandler {
	return &SystemHandler{db: db, models: models}
}

func (h *SystemHandler) Health(c *fiber.Ctx) error {
	dbStatus := "ok"
	statusCode := fiber.StatusOK

	sqlDB, err := h.db.DB()
	if err != nil {
		dbStatus = "error: " + err.Error()
		statusCode = fiber.StatusServiceUnavailable
	} else if err := sqlDB.PingContext(c.UserContext()); err != nil {
		dbStatus = "unreachable: " + err.Error()
		statusCode = fiber.StatusServiceUnavailable
	}

	// Ollama being down degrades chat but not the service itself.
	ollamaStatus := "ok"
	ctx, cancel := context.WithTimeout(c.UserContext(), 2*time.Second)
	defer cancel()
	if _, err := h.models.ListModels(ctx); err != nil {
		ollamaStatus = "unreachable"
		if ollama.IsTimeout(err) {
			ollamaStatus = "timeout"
		}
	}

	overall := "ok"
	if statusCode != fiber.StatusOK {
		overall = "degraded"
	}

	return c.Status(statusCode).JSON(fiber.Map{
		"status":   overall,
		"service":  "ollachat",
		"version":  Version,
		"time":     time.Now().UTC().Format(time.RFC3339),
		"uptime":   time.Since(startTime).String(),
		"database": dbStatus,
		"ollama":   ollamaStatus,
	})
}
