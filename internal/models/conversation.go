package models

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

const (
	// DefaultTitle is given to new conversations and replaced once by an
	// automatic title after the first completed turn.
	DefaultTitle = "New Conversation"

	// UserModel is stored in Message.Model for user-authored messages.
	UserModel = "user"

	MetadataTypeModelChange = "model_change"
)

type Conversation struct {
	ID           uuid.UUID      `gorm:"type:uuid;primaryKey" json:"id"`
	UserID       string         `gorm:"not null;index" json:"userId"`
	Title        string         `gorm:"not null" json:"title"`
	Model        string         `gorm:"not null" json:"model"`
	CurrentModel string         `json:"currentModel"`
	Settings     datatypes.JSON `json:"settings,omitempty"`
	Messages     []Message      `gorm:"constraint:OnDelete:CASCADE" json:"messages,omitempty"`
	ModelChanges []ModelChange  `gorm:"constraint:OnDelete:CASCADE" json:"-"`
	CreatedAt    time.Time      `json:"createdAt"`
	UpdatedAt    time.Time      `json:"updatedAt"`
}

func (c *Conversation) BeforeCreate(tx *gorm.DB) error {
	if c.ID == uuid.Nil {
		c.ID = uuid.New()
	}
	if c.Title == "" {
		c.Title = DefaultTitle
	}
	return nil
}

// Message is one entry of a conversation's append-only log. Position is the
// zero-based index within the conversation and defines display order.
type Message struct {
	ID             uuid.UUID      `gorm:"type:uuid;primaryKey" json:"id"`
	ConversationID uuid.UUID      `gorm:"type:uuid;not null;index" json:"conversationId"`
	Position       int            `gorm:"not null" json:"position"`
	Role           string         `gorm:"not null" json:"role"`
	Content        string         `gorm:"type:text" json:"content"`
	Model          string         `gorm:"not null" json:"model"`
	Metadata       datatypes.JSON `json:"metadata,omitempty"`
	CreatedAt      time.Time      `json:"createdAt"`
}

func (m *Message) BeforeCreate(tx *gorm.DB) error {
	if m.ID == uuid.Nil {
		m.ID = uuid.New()
	}
	return nil
}

type ModelChange struct {
	ID             uuid.UUID `gorm:"type:uuid;primaryKey" json:"id"`
	ConversationID uuid.UUID `gorm:"type:uuid;not null;index" json:"conversationId"`
	FromModel      *string   `json:"fromModel"`
	ToModel        string    `gorm:"not null" json:"toModel"`
	MessageIndex   int       `json:"messageIndex"`
	ChangedAt      time.Time `gorm:"autoCreateTime" json:"changedAt"`
}

func (m *ModelChange) BeforeCreate(tx *gorm.DB) error {
	if m.ID == uuid.Nil {
		m.ID = uuid.New()
	}
	return nil
}

// UserSettings holds per-user chat preferences.
type UserSettings struct {
	UserID       string         `gorm:"primaryKey" json:"userId"`
	DefaultModel string         `json:"defaultModel"`
	Temperature  *float64       `json:"temperature,omitempty"`
	SystemPrompt string         `gorm:"type:text" json:"systemPrompt"`
	Extra        datatypes.JSON `json:"extra,omitempty"`
	UpdatedAt    time.Time      `json:"updatedAt"`
}

// TurnMetadata is stored on ordinary user and assistant messages.
type TurnMetadata struct {
	Images    []string          `json:"images,omitempty"`
	ToolCalls []json.RawMessage `json:"tool_calls,omitempty"`
}

// ModelChangeMetadata is stored on the system notice written by a model switch.
type ModelChangeMetadata struct {
	Type         string  `json:"type"`
	FromModel    *string `json:"fromModel"`
	ToModel      string  `json:"toModel"`
	MessageIndex int     `json:"messageIndex"`
}

// EncodeMetadata returns nil when v has nothing to store.
func EncodeMetadata(v TurnMetadata) datatypes.JSON {
	if len(v.Images) == 0 && len(v.ToolCalls) == 0 {
		return nil
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	return datatypes.JSON(raw)
}
