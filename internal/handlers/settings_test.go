package handlers

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/ahmetk3436/ollachat/internal/middleware"
	"github.com/ahmetk3436/ollachat/internal/models"
	"github.com/gofiber/fiber/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSettings_DefaultsAndUpsert(t *testing.T) {
	db := newTestDB(t)
	h := NewSettingsHandler(db, "llama3.2", slog.New(slog.NewTextHandler(io.Discard, nil)))

	app := fiber.New(fiber.Config{ErrorHandler: ErrorHandler})
	api := app.Group("/api", middleware.JWTProtected(testSecret))
	api.Get("/user/settings", h.Get)
	api.Put("/user/settings", h.Update)

	call := func(method, body string) *http.Response {
		req := httptest.NewRequest(method, "/api/user/settings", strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Authorization", "Bearer "+tokenFor(t, "u1"))
		resp, err := app.Test(req, -1)
		require.NoError(t, err)
		return resp
	}

	var s models.UserSettings
	resp := call(http.MethodGet, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.NoError(t, json.Unmarshal([]byte(readBody(t, resp)), &s))
	assert.Equal(t, "llama3.2", s.DefaultModel)

	resp = call(http.MethodPut, `{"defaultModel":"mistral","temperature":0.4}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp = call(http.MethodPut, `{"systemPrompt":"be brief"}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp = call(http.MethodGet, "")
	require.NoError(t, json.Unmarshal([]byte(readBody(t, resp)), &s))
	assert.Equal(t, "mistral", s.DefaultModel)
	require.NotNil(t, s.Temperature)
	assert.Equal(t, 0.4, *s.Temperature)
	assert.Equal(t, "be brief", s.SystemPrompt)

	resp = call(http.MethodPut, `{"temperature":3}`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}
