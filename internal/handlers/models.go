package handlers

import (
	"context"
	"log/slog"
	"time"

	"github.com/ahmetk3436/ollachat/internal/ollama"
	"github.com/gofiber/fiber/v2"
	"golang.org/x/sync/singleflight"
)

// ModelsHandler serves the upstream model catalog. Concurrent requests share
// one upstream call.
type ModelsHandler struct {
	lister ModelLister
	group  singleflight.Group
	log    *slog.Logger
}

func NewModelsHandler(lister ModelLister, log *slog.Logger) *ModelsHandler {
	return &ModelsHandler{lister: lister, log: log}
}

func (h *ModelsHandler) List(c *fiber.Ctx) error {
	v, err, _ := h.group.Do("tags", func() (interface{}, error) {
		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		return h.lister.ListModels(ctx)
	})
	if err != nil {
		h.log.Error("Listing Ollama models failed", "error", err)
		return c.Status(fiber.StatusBadGateway).JSON(fiber.Map{"error": "Failed to connect to Ollama"})
	}

	return c.JSON(fiber.Map{"models": v.([]ollama.ModelInfo)})
}
