package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/ahmetk3436/ollachat/internal/models"
	"github.com/ahmetk3436/ollachat/internal/ollama"
	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var (
	ErrConversationNotFound = errors.New("conversation not found")
	ErrModelRequired        = errors.New("model is required")
)

// SystemModel is stored in Message.Model for notices written by the server.
const SystemModel = "system"

// Turn is one completed exchange ready to be stored.
type Turn struct {
	ConversationID uuid.UUID
	UserID         string
	User           ollama.Message
	Assistant      ollama.Message
	Model          string
}

// TurnRecorder writes chat turns and model switches. Each write for a
// conversation runs in one transaction and is serialized with any other
// write to the same conversation.
type TurnRecorder struct {
	db    *gorm.DB
	cache MessageCache
	log   *slog.Logger
	locks *conversationLocks
}

func NewTurnRecorder(db *gorm.DB, cache MessageCache, log *slog.Logger) *TurnRecorder {
	if cache == nil {
		cache = noopCache{}
	}
	if log == nil {
		log = slog.Default()
	}
	return &TurnRecorder{
		db:    db,
		cache: cache,
		log:   log,
		locks: newConversationLocks(),
	}
}

// lockConversation loads the conversation owned by userID with a row lock.
func lockConversation(tx *gorm.DB, convID uuid.UUID, userID string) (*models.Conversation, int, error) {
	var conv models.Conversation
	err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("id = ? AND user_id = ?", convID, userID).
		First(&conv).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, 0, ErrConversationNotFound
		}
		return nil, 0, fmt.Errorf("load conversation: %w", err)
	}

	var count int64
	if err := tx.Model(&models.Message{}).Where("conversation_id = ?", conv.ID).Count(&count).Error; err != nil {
		return nil, 0, fmt.Errorf("count messages: %w", err)
	}
	return &conv, int(count), nil
}

// RecordTurn stores the user and assistant messages of a turn, records a model
// change when the model differs from the conversation's current one, and sets
// the automatic title on the first turn. Nothing is written when the
// conversation does not belong to the user. Failures are logged here; the
// returned error is informational.
func (r *TurnRecorder) RecordTurn(ctx context.Context, turn Turn) error {
	unlock := r.locks.Lock(turn.ConversationID)
	defer unlock()

	log := r.log.With("conversation_id", turn.ConversationID, "user_id", turn.UserID)

	var written []models.Message
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		conv, count, err := lockConversation(tx, turn.ConversationID, turn.UserID)
		if err != nil {
			return err
		}

		isFirstMessage := count == 0
		hasDefaultTitle := conv.Title == models.DefaultTitle
		modelChanged := conv.CurrentModel != turn.Model

		userMsg := models.Message{
			ConversationID: conv.ID,
			Position:       count,
			Role:           ollama.RoleUser,
			Content:        turn.User.Content,
			Model:          models.UserModel,
			Metadata:       models.EncodeMetadata(models.TurnMetadata{Images: turn.User.Images, ToolCalls: turn.User.ToolCalls}),
		}
		if err := tx.Create(&userMsg).Error; err != nil {
			return fmt.Errorf("insert user message: %w", err)
		}

		assistantMsg := models.Message{
			ConversationID: conv.ID,
			Position:       count + 1,
			Role:           ollama.RoleAssistant,
			Content:        turn.Assistant.Content,
			Model:          turn.Model,
			Metadata:       models.EncodeMetadata(models.TurnMetadata{ToolCalls: turn.Assistant.ToolCalls}),
		}
		if err := tx.Create(&assistantMsg).Error; err != nil {
			return fmt.Errorf("insert assistant message: %w", err)
		}

		updates := map[string]interface{}{"updated_at": time.Now()}

		if modelChanged {
			change := models.ModelChange{
				ConversationID: conv.ID,
				FromModel:      optionalModel(conv.CurrentModel),
				ToModel:        turn.Model,
				MessageIndex:   count + 1,
			}
			if err := tx.Create(&change).Error; err != nil {
				return fmt.Errorf("insert model change: %w", err)
			}
			updates["current_model"] = turn.Model
		}

		if isFirstMessage && hasDefaultTitle {
			if title := GenerateTitle(turn.User.Content); title != "" {
				updates["title"] = title
			}
		}

		if err := tx.Model(conv).Updates(updates).Error; err != nil {
			return fmt.Errorf("update conversation: %w", err)
		}

		written = []models.Message{userMsg, assistantMsg}
		return nil
	})
	if err != nil {
		if errors.Is(err, ErrConversationNotFound) {
			log.Warn("Skipping turn persistence, conversation not found for user")
		} else {
			log.Error("Failed to persist chat turn", "error", err)
		}
		return err
	}

	if err := r.cache.Append(ctx, turn.ConversationID, written...); err != nil {
		log.Warn("Message cache append failed", "error", err)
	}
	return nil
}

// SwitchResult describes the outcome of SwitchModel. When Changed is false
// nothing was written and SystemMessage is nil.
type SwitchResult struct {
	Changed       bool
	Conversation  models.Conversation
	SystemMessage *models.Message
	From          *string
	To            string
}

// SwitchModel changes the conversation's current model without a chat turn
// and appends a system notice describing the change.
func (r *TurnRecorder) SwitchModel(ctx context.Context, convID uuid.UUID, userID, model string) (*SwitchResult, error) {
	if model == "" {
		return nil, ErrModelRequired
	}

	unlock := r.locks.Lock(convID)
	defer unlock()

	var result SwitchResult
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		conv, count, err := lockConversation(tx, convID, userID)
		if err != nil {
			return err
		}

		result.From = optionalModel(conv.CurrentModel)
		result.To = model

		if conv.CurrentModel == model {
			result.Conversation = *conv
			return nil
		}

		content := "Model set to " + model
		if result.From != nil {
			content = fmt.Sprintf("Model changed from %s to %s", *result.From, model)
		}

		meta, err := json.Marshal(models.ModelChangeMetadata{
			Type:         models.MetadataTypeModelChange,
			FromModel:    result.From,
			ToModel:      model,
			MessageIndex: count,
		})
		if err != nil {
			return err
		}

		notice := models.Message{
			ConversationID: conv.ID,
			Position:       count,
			Role:           ollama.RoleSystem,
			Content:        content,
			Model:          SystemModel,
			Metadata:       datatypes.JSON(meta),
		}
		if err := tx.Create(&notice).Error; err != nil {
			return fmt.Errorf("insert system message: %w", err)
		}

		now := time.Now()
		if err := tx.Model(conv).Updates(map[string]interface{}{
			"current_model": model,
			"updated_at":    now,
		}).Error; err != nil {
			return fmt.Errorf("update conversation: %w", err)
		}
		conv.CurrentModel = model
		conv.UpdatedAt = now

		result.Changed = true
		result.Conversation = *conv
		result.SystemMessage = &notice
		return nil
	})
	if err != nil {
		if !errors.Is(err, ErrConversationNotFound) {
			r.log.Error("Failed to switch model", "conversation_id", convID, "user_id", userID, "error", err)
		}
		return nil, err
	}

	if result.Changed {
		if err := r.cache.Append(ctx, convID, *result.SystemMessage); err != nil {
			r.log.Warn("Message cache append failed", "conversation_id", convID, "error", err)
		}
	}
	return &result, nil
}

// History returns the conversation's messages in order, from the cache when
// it is warm. Ownership must be checked by the caller.
func (r *TurnRecorder) History(ctx context.Context, convID uuid.UUID) ([]models.Message, error) {
	if msgs, ok, err := r.cache.Load(ctx, convID); err != nil {
		r.log.Warn("Message cache load failed", "conversation_id", convID, "error", err)
	} else if ok {
		return msgs, nil
	}

	// Appends to a cold key are dropped, so a write committing between the
	// read and Store below would be missing from the cached log.
	unlock := r.locks.Lock(convID)
	defer unlock()

	var msgs []models.Message
	if err := r.db.WithContext(ctx).
		Where("conversation_id = ?", convID).
		Order("position ASC").
		Find(&msgs).Error; err != nil {
		return nil, fmt.Errorf("load messages: %w", err)
	}

	if err := r.cache.Store(ctx, convID, msgs); err != nil {
		r.log.Warn("Message cache store failed", "conversation_id", convID, "error", err)
	}
	return msgs, nil
}

// Forget drops cached state for a deleted conversation.
func (r *TurnRecorder) Forget(ctx context.Context, convID uuid.UUID) {
	if err := r.cache.Invalidate(ctx, convID); err != nil {
		r.log.Warn("Message cache invalidate failed", "conversation_id", convID, "error", err)
	}
}

func optionalModel(m string) *string {
	if m == "" {
		return nil
	}
	return &m
}
