package middleware

import (
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testSecret = "test-secret"

func protectedApp() *fiber.App {
	app := fiber.New()
	app.Get("/me", JWTProtected(testSecret), func(c *fiber.Ctx) error {
		return c.SendString(UserID(c))
	})
	return app
}

func TestJWTProtected(t *testing.T) {
	access, refresh, err := GenerateTokens("user-42", "ahmet", testSecret)
	require.NoError(t, err)
	foreign, err := GenerateToken("user-42", "ahmet", "other-secret", time.Minute)
	require.NoError(t, err)
	expired, err := GenerateToken("user-42", "ahmet", testSecret, -time.Minute)
	require.NoError(t, err)

	tests := []struct {
		name    string
		header  string
		query   string
		upgrade bool
		status  int
		body    string
	}{
		{"valid bearer", "Bearer " + access, "", false, 200, "user-42"},
		{"query token on websocket upgrade", "", access, true, 200, "user-42"},
		{"query token on plain request", "", access, false, 401, `{"error":"Unauthorized"}`},
		{"missing", "", "", false, 401, `{"error":"Unauthorized"}`},
		{"not bearer", "Basic abc", "", false, 401, `{"error":"Unauthorized"}`},
		{"refresh token rejected", "Bearer " + refresh, "", false, 401, `{"error":"Unauthorized"}`},
		{"wrong secret", "Bearer " + foreign, "", false, 401, `{"error":"Unauthorized"}`},
		{"expired", "Bearer " + expired, "", false, 401, `{"error":"Unauthorized"}`},
	}

	app := protectedApp()
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			target := "/me"
			if tt.query != "" {
				target += "?token=" + tt.query
			}
			req := httptest.NewRequest(http.MethodGet, target, nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			if tt.upgrade {
				req.Header.Set("Connection", "Upgrade")
				req.Header.Set("Upgrade", "websocket")
			}
			resp, err := app.Test(req, -1)
			require.NoError(t, err)
			assert.Equal(t, tt.status, resp.StatusCode)
			body, _ := io.ReadAll(resp.Body)
			assert.Equal(t, tt.body, string(body))
		})
	}
}

func TestParseToken_Refresh(t *testing.T) {
	_, refresh, err := GenerateTokens("user-42", "ahmet", testSecret)
	require.NoError(t, err)

	claims, err := ParseToken(refresh, testSecret, true)
	require.NoError(t, err)
	assert.Equal(t, "user-42", claims.Subject)
	assert.Equal(t, "ahmet", claims.Username)
}

func TestChatLimiter(t *testing.T) {
	l := NewChatLimiter(2)
	now := time.Unix(1_700_000_000, 0)
	l.now = func() time.Time { return now }

	assert.True(t, l.Allow("a"))
	assert.True(t, l.Allow("a"))
	assert.False(t, l.Allow("a"))
	assert.True(t, l.Allow("b"), "buckets are per user")

	now = now.Add(30 * time.Second)
	assert.True(t, l.Allow("a"))

	now = now.Add(time.Hour)
	l.Allow("b")
	l.mu.Lock()
	_, kept := l.users["a"]
	l.mu.Unlock()
	assert.False(t, kept, "idle buckets are swept")
}

func TestChatLimiter_Disabled(t *testing.T) {
	l := NewChatLimiter(0)
	for i := 0; i < 100; i++ {
		require.True(t, l.Allow("a"))
	}
}

func TestChatRateLimit(t *testing.T) {
	app := fiber.New()
	app.Post("/chat", func(c *fiber.Ctx) error {
		c.Locals(LocalUserID, "u1")
		return c.Next()
	}, ChatRateLimit(NewChatLimiter(1)), func(c *fiber.Ctx) error {
		return c.SendStatus(fiber.StatusNoContent)
	})

	resp, err := app.Test(httptest.NewRequest(http.MethodPost, "/chat", nil), -1)
	require.NoError(t, err)
	assert.Equal(t, fiber.StatusNoContent, resp.StatusCode)

	resp, err = app.Test(httptest.NewRequest(http.MethodPost, "/chat", nil), -1)
	require.NoError(t, err)
	assert.Equal(t, fiber.StatusTooManyRequests, resp.StatusCode)
	assert.Equal(t, "60", resp.Header.Get("Retry-After"))
}
