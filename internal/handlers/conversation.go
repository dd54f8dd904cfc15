package handlers

import (
	"encoding/json"
	"errors"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/ahmetk3436/ollachat/internal/middleware"
	"github.com/ahmetk3436/ollachat/internal/models"
	"github.com/ahmetk3436/ollachat/internal/services"
	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

type ConversationHandler struct {
	db       *gorm.DB
	recorder *services.TurnRecorder
	log      *slog.Logger
}

func NewConversationHandler(db *gorm.DB, recorder *services.TurnRecorder, log *slog.Logger) *ConversationHandler {
	return &ConversationHandler{db: db, recorder: recorder, log: log}
}

func notFound(c *fiber.Ctx) error {
	return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "Conversation not found"})
}

// owned loads the conversation from the :id param if it belongs to the caller.
func (h *ConversationHandler) owned(c *fiber.Ctx) (*models.Conversation, error) {
	id, err := uuid.Parse(c.Params("id"))
	if err != nil {
		return nil, c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "Invalid conversation ID"})
	}

	var conv models.Conversation
	err = h.db.WithContext(c.UserContext()).
		Where("id = ? AND user_id = ?", id, middleware.UserID(c)).
		First(&conv).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, notFound(c)
	}
	if err != nil {
		h.log.Error("Loading conversation failed", "conversation_id", id, "error", err)
		return nil, fiber.ErrInternalServerError
	}
	return &conv, nil
}

// ─── List ───────────────────────────────────────────────────────────────────

type conversationSummary struct {
	ID           uuid.UUID `json:"id"`
	Title        string    `json:"title"`
	Model        string    `json:"model"`
	CurrentModel string    `json:"currentModel"`
	MessageCount int64     `json:"messageCount"`
	CreatedAt    time.Time `json:"createdAt"`
	UpdatedAt    time.Time `json:"updatedAt"`
}

func (h *ConversationHandler) List(c *fiber.Ctx) error {
	page, _ := strconv.Atoi(c.Query("page", "1"))
	perPage, _ := strconv.Atoi(c.Query("per_page", "20"))
	if page < 1 {
		page = 1
	}
	if perPage < 1 || perPage > 50 {
		perPage = 20
	}

	userID := middleware.UserID(c)
	db := h.db.WithContext(c.UserContext())

	var total int64
	if err := db.Model(&models.Conversation{}).Where("user_id = ?", userID).Count(&total).Error; err != nil {
		h.log.Error("Counting conversations failed", "user_id", userID, "error", err)
		return fiber.ErrInternalServerError
	}

	summaries := []conversationSummary{}
	err := db.Model(&models.Conversation{}).
		Select("conversations.id, conversations.title, conversations.model, conversations.current_model, " +
			"conversations.created_at, conversations.updated_at, " +
			"(SELECT COUNT(*) FROM messages WHERE messages.conversation_id = conversations.id) AS message_count").
		Where("conversations.user_id = ?", userID).
		Order("conversations.updated_at DESC").
		Offset((page - 1) * perPage).
		Limit(perPage).
		Scan(&summaries).Error
	if err != nil {
		h.log.Error("Listing conversations failed", "user_id", userID, "error", err)
		return fiber.ErrInternalServerError
	}

	return c.JSON(fiber.Map{
		"conversations": summaries,
		"total":         total,
		"page":          page,
		"per_page":      perPage,
	})
}

// ─── Create ─────────────────────────────────────────────────────────────────

func (h *ConversationHandler) Create(c *fiber.Ctx) error {
	var req struct {
		Title    string          `json:"title"`
		Model    string          `json:"model"`
		Settings json.RawMessage `json:"settings"`
	}
	if err := c.BodyParser(&req); err != nil || req.Model == "" {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "Missing required fields"})
	}

	conv := models.Conversation{
		UserID:       middleware.UserID(c),
		Title:        strings.TrimSpace(req.Title),
		Model:        req.Model,
		CurrentModel: req.Model,
	}
	if len(req.Settings) > 0 {
		conv.Settings = datatypes.JSON(req.Settings)
	}

	if err := h.db.WithContext(c.UserContext()).Create(&conv).Error; err != nil {
		h.log.Error("Creating conversation failed", "user_id", conv.UserID, "error", err)
		return fiber.ErrInternalServerError
	}
	return c.Status(fiber.StatusCreated).JSON(conv)
}

// ─── Get ────────────────────────────────────────────────────────────────────

func (h *ConversationHandler) Get(c *fiber.Ctx) error {
	conv, err := h.owned(c)
	if conv == nil {
		return err
	}

	msgs, err := h.recorder.History(c.UserContext(), conv.ID)
	if err != nil {
		h.log.Error("Loading messages failed", "conversation_id", conv.ID, "error", err)
		return fiber.ErrInternalServerError
	}
	conv.Messages = msgs
	if conv.Messages == nil {
		conv.Messages = []models.Message{}
	}
	return c.JSON(conv)
}

// ─── Update ─────────────────────────────────────────────────────────────────

func (h *ConversationHandler) Update(c *fiber.Ctx) error {
	conv, err := h.owned(c)
	if conv == nil {
		return err
	}

	var req struct {
		Title    *string         `json:"title"`
		Settings json.RawMessage `json:"settings"`
	}
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "Invalid request body"})
	}

	updates := map[string]interface{}{}
	if req.Title != nil {
		title := strings.TrimSpace(*req.Title)
		if title == "" {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "Title cannot be empty"})
		}
		updates["title"] = title
		conv.Title = title
	}
	if len(req.Settings) > 0 {
		updates["settings"] = datatypes.JSON(req.Settings)
		conv.Settings = datatypes.JSON(req.Settings)
	}
	if len(updates) == 0 {
		return c.JSON(conv)
	}

	if err := h.db.WithContext(c.UserContext()).Model(conv).Updates(updates).Error; err != nil {
		h.log.Error("Updating conversation failed", "conversation_id", conv.ID, "error", err)
		return fiber.ErrInternalServerError
	}
	return c.JSON(conv)
}

// ─── Delete ─────────────────────────────────────────────────────────────────

func (h *ConversationHandler) Delete(c *fiber.Ctx) error {
	conv, err := h.owned(c)
	if conv == nil {
		return err
	}

	err = h.db.WithContext(c.UserContext()).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("conversation_id = ?", conv.ID).Delete(&models.Message{}).Error; err != nil {
			return err
		}
		if err := tx.Where("conversation_id = ?", conv.ID).Delete(&models.ModelChange{}).Error; err != nil {
			return err
		}
		return tx.Delete(conv).Error
	})
	if err != nil {
		h.log.Error("Deleting conversation failed", "conversation_id", conv.ID, "error", err)
		return fiber.ErrInternalServerError
	}

	h.recorder.Forget(c.UserContext(), conv.ID)
	return c.JSON(fiber.Map{"message": "Conversation deleted"})
}

// ─── SwitchModel (PUT /api/conversations/:id/model) ─────────────────────────

func (h *ConversationHandler) SwitchModel(c *fiber.Ctx) error {
	id, err := uuid.Parse(c.Params("id"))
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "Invalid conversation ID"})
	}

	var req struct {
		Model string `json:"model"`
	}
	if err := c.BodyParser(&req); err != nil || req.Model == "" {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "Model is required"})
	}

	res, err := h.recorder.SwitchModel(c.UserContext(), id, middleware.UserID(c), req.Model)
	if errors.Is(err, services.ErrConversationNotFound) {
		return notFound(c)
	}
	if err != nil {
		return fiber.ErrInternalServerError
	}

	if !res.Changed {
		return c.JSON(fiber.Map{
			"message":      "Model unchanged",
			"conversation": res.Conversation,
		})
	}

	return c.JSON(fiber.Map{
		"message":       "Model updated",
		"conversation":  res.Conversation,
		"systemMessage": res.SystemMessage,
		"modelChange": fiber.Map{
			"from": res.From,
			"to":   res.To,
		},
	})
}
