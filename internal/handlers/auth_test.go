package handlers

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/ahmetk3436/ollachat/internal/config"
	"github.com/ahmetk3436/ollachat/internal/middleware"
	"github.com/gofiber/fiber/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"
)

func authApp(cfg *config.Config) *fiber.App {
	h := NewAuthHandler(cfg)
	app := fiber.New()
	app.Post("/api/auth/login", h.Login)
	app.Post("/api/auth/refresh", h.Refresh)
	app.Get("/api/auth/me", middleware.JWTProtected(cfg.JWTSecret), h.Me)
	return app
}

func postJSON(t *testing.T, app *fiber.App, path, body string) *http.Response {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	resp, err := app.Test(req, -1)
	require.NoError(t, err)
	return resp
}

type tokenPair struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
}

func TestLogin(t *testing.T) {
	cfg := &config.Config{JWTSecret: testSecret, AdminUsername: "ahmet", AdminPassword: "hunter22", AdminUserID: "user-1"}
	app := authApp(cfg)

	resp := postJSON(t, app, "/api/auth/login", `{"username":"ahmet","password":"wrong"}`)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp = postJSON(t, app, "/api/auth/login", `{"username":"root","password":"hunter22"}`)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp = postJSON(t, app, "/api/auth/login", `{"username":"ahmet","password":"hunter22"}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var pair tokenPair
	require.NoError(t, json.Unmarshal([]byte(readBody(t, resp)), &pair))
	claims, err := middleware.ParseToken(pair.AccessToken, testSecret, false)
	require.NoError(t, err)
	assert.Equal(t, "user-1", claims.Subject)

	req := httptest.NewRequest(http.MethodGet, "/api/auth/me", nil)
	req.Header.Set("Authorization", "Bearer "+pair.AccessToken)
	me, err := app.Test(req, -1)
	require.NoError(t, err)
	assert.JSONEq(t, `{"id":"user-1","username":"ahmet"}`, readBody(t, me))

	resp = postJSON(t, app, "/api/auth/refresh", `{"refresh_token":"`+pair.RefreshToken+`"}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp = postJSON(t, app, "/api/auth/refresh", `{"refresh_token":"`+pair.AccessToken+`"}`)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestLogin_HashedPassword(t *testing.T) {
	hash, err := bcrypt.GenerateFromPassword([]byte("s3cret-pass"), bcrypt.MinCost)
	require.NoError(t, err)
	cfg := &config.Config{JWTSecret: testSecret, AdminUsername: "admin", AdminPassword: string(hash), AdminUserID: "admin"}

	resp := postJSON(t, authApp(cfg), "/api/auth/login", `{"username":"admin","password":"s3cret-pass"}`)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestLogin_DisabledWithoutPassword(t *testing.T) {
	cfg := &config.Config{JWTSecret: testSecret, AdminUsername: "admin", AdminUserID: "admin"}

	resp := postJSON(t, authApp(cfg), "/api/auth/login", `{"username":"admin","password":""}`)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}
