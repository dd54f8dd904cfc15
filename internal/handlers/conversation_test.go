package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"testing"

	"github.com/ahmetk3436/ollachat/internal/models"
	"github.com/ahmetk3436/ollachat/internal/ollama"
	"github.com/ahmetk3436/ollachat/internal/services"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConversations_CreateAndGet(t *testing.T) {
	env := newTestEnv(t, "http://127.0.0.1:1")

	resp := env.do(t, http.MethodPost, "/api/conversations", "u1", map[string]string{"model": "llama3.2"})
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	var created models.Conversation
	require.NoError(t, json.Unmarshal([]byte(readBody(t, resp)), &created))
	assert.Equal(t, models.DefaultTitle, created.Title)
	assert.Equal(t, "llama3.2", created.Model)
	assert.Equal(t, "llama3.2", created.CurrentModel)

	require.NoError(t, env.recorder.RecordTurn(context.Background(), services.Turn{
		ConversationID: created.ID,
		UserID:         "u1",
		User:           ollama.Message{Role: ollama.RoleUser, Content: "hi"},
		Assistant:      ollama.Message{Role: ollama.RoleAssistant, Content: "hello"},
		Model:          "llama3.2",
	}))

	resp = env.do(t, http.MethodGet, "/api/conversations/"+created.ID.String(), "u1", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var got models.Conversation
	require.NoError(t, json.Unmarshal([]byte(readBody(t, resp)), &got))
	assert.Equal(t, "hi", got.Title)
	require.Len(t, got.Messages, 2)
	assert.Equal(t, "hi", got.Messages[0].Content)
	assert.Equal(t, "hello", got.Messages[1].Content)

	resp = env.do(t, http.MethodGet, "/api/conversations/"+created.ID.String(), "someone-else", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestConversations_CreateRequiresModel(t *testing.T) {
	env := newTestEnv(t, "http://127.0.0.1:1")

	resp := env.do(t, http.MethodPost, "/api/conversations", "u1", map[string]string{"title": "x"})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestConversations_ListIsScopedToUser(t *testing.T) {
	env := newTestEnv(t, "http://127.0.0.1:1")
	env.conversation(t, "u1", "a")
	env.conversation(t, "u1", "b")
	env.conversation(t, "u2", "c")

	resp := env.do(t, http.MethodGet, "/api/conversations?per_page=10", "u1", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var page struct {
		Conversations []conversationSummary `json:"conversations"`
		Total         int64                 `json:"total"`
	}
	require.NoError(t, json.Unmarshal([]byte(readBody(t, resp)), &page))
	assert.EqualValues(t, 2, page.Total)
	assert.Len(t, page.Conversations, 2)
}

func TestConversations_UpdateTitle(t *testing.T) {
	env := newTestEnv(t, "http://127.0.0.1:1")
	conv := env.conversation(t, "u1", "m")

	resp := env.do(t, http.MethodPut, "/api/conversations/"+conv.ID.String(), "u1", map[string]interface{}{
		"title":    "Renamed",
		"settings": map[string]float64{"temperature": 0.5},
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var after models.Conversation
	require.NoError(t, env.db.First(&after, "id = ?", conv.ID).Error)
	assert.Equal(t, "Renamed", after.Title)
	assert.JSONEq(t, `{"temperature":0.5}`, string(after.Settings))

	resp = env.do(t, http.MethodPut, "/api/conversations/"+conv.ID.String(), "u1", map[string]string{"title": "  "})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestConversations_DeleteCascades(t *testing.T) {
	env := newTestEnv(t, "http://127.0.0.1:1")
	conv := env.conversation(t, "u1", "llama3.2")
	require.NoError(t, env.recorder.RecordTurn(context.Background(), services.Turn{
		ConversationID: conv.ID,
		UserID:         "u1",
		User:           ollama.Message{Role: ollama.RoleUser, Content: "q"},
		Assistant:      ollama.Message{Role: ollama.RoleAssistant, Content: "a"},
		Model:          "mistral",
	}))

	resp := env.do(t, http.MethodDelete, "/api/conversations/"+conv.ID.String(), "other", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp = env.do(t, http.MethodDelete, "/api/conversations/"+conv.ID.String(), "u1", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var convs, msgs, changes int64
	env.db.Model(&models.Conversation{}).Count(&convs)
	env.db.Model(&models.Message{}).Count(&msgs)
	env.db.Model(&models.ModelChange{}).Count(&changes)
	assert.Zero(t, convs)
	assert.Zero(t, msgs)
	assert.Zero(t, changes)
}

func TestConversations_SwitchModel(t *testing.T) {
	env := newTestEnv(t, "http://127.0.0.1:1")
	conv := env.conversation(t, "u1", "llama3.2")
	path := "/api/conversations/" + conv.ID.String() + "/model"

	resp := env.do(t, http.MethodPut, path, "u1", map[string]string{})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = env.do(t, http.MethodPut, path, "intruder", map[string]string{"model": "mistral"})
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp = env.do(t, http.MethodPut, path, "u1", map[string]string{"model": "mistral"})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var body struct {
		Message       string              `json:"message"`
		Conversation  models.Conversation `json:"conversation"`
		SystemMessage models.Message      `json:"systemMessage"`
		ModelChange   struct {
			From *string `json:"from"`
			To   string  `json:"to"`
		} `json:"modelChange"`
	}
	require.NoError(t, json.Unmarshal([]byte(readBody(t, resp)), &body))
	assert.Equal(t, "mistral", body.Conversation.CurrentModel)
	assert.Equal(t, "Model changed from llama3.2 to mistral", body.SystemMessage.Content)
	require.NotNil(t, body.ModelChange.From)
	assert.Equal(t, "llama3.2", *body.ModelChange.From)
	assert.Equal(t, "mistral", body.ModelChange.To)

	resp = env.do(t, http.MethodPut, path, "u1", map[string]string{"model": "mistral"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, readBody(t, resp), "Model unchanged")
	assert.Len(t, env.messages(t, conv.ID), 1)
}
