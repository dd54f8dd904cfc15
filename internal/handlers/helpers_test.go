package handlers

import (
	"bytes"
	"encoding/json"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/ahmetk3436/ollachat/internal/database"
	"github.com/ahmetk3436/ollachat/internal/middleware"
	"github.com/ahmetk3436/ollachat/internal/models"
	"github.com/ahmetk3436/ollachat/internal/ollama"
	"github.com/ahmetk3436/ollachat/internal/services"
	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

const testSecret = "handler-test-secret"

type testEnv struct {
	app      *fiber.App
	db       *gorm.DB
	relay    *services.ChatRelay
	recorder *services.TurnRecorder

	addr   string
	client *http.Client
}

func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := "file:" + uuid.NewString() + "?mode=memory&cache=shared"
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	require.NoError(t, err)

	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { sqlDB.Close() })

	require.NoError(t, database.Migrate(db))
	return db
}

// newTestEnv wires the chat and conversation endpoints against an Ollama
// stub at upstreamURL.
func newTestEnv(t *testing.T, upstreamURL string) *testEnv {
	t.Helper()
	log := slog.New(slog.NewTextHandler(io.Discard, nil))

	db := newTestDB(t)
	client := ollama.NewClient(&ollama.ClientConfig{BaseURL: upstreamURL})
	recorder := services.NewTurnRecorder(db, nil, log)
	relay := services.NewChatRelay(recorder, log)

	chat := NewChatHandler(client, relay, time.Minute, log)
	convs := NewConversationHandler(db, recorder, log)

	app := fiber.New(fiber.Config{ErrorHandler: ErrorHandler})
	api := app.Group("/api", middleware.JWTProtected(testSecret))
	api.Post("/chat", chat.Chat)
	api.Use("/chat/ws", chat.UpgradeCheck())
	api.Get("/chat/ws", chat.ChatSocket())
	api.Get("/conversations", convs.List)
	api.Post("/conversations", convs.Create)
	api.Get("/conversations/:id", convs.Get)
	api.Put("/conversations/:id", convs.Update)
	api.Delete("/conversations/:id", convs.Delete)
	api.Put("/conversations/:id/model", convs.SwitchModel)

	return &testEnv{app: app, db: db, relay: relay, recorder: recorder}
}

func tokenFor(t *testing.T, userID string) string {
	t.Helper()
	tok, err := middleware.GenerateToken(userID, userID, testSecret, time.Hour)
	require.NoError(t, err)
	return tok
}

// listen serves the app on a loopback port, once per env. Streaming
// responses watch the real connection for client disconnects, so requests go
// over TCP rather than through app.Test.
func (e *testEnv) listen(t *testing.T) string {
	t.Helper()
	if e.addr != "" {
		return e.addr
	}
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	go e.app.Listener(ln)
	t.Cleanup(func() { e.app.Shutdown() })

	e.client = &http.Client{Transport: &http.Transport{}}
	t.Cleanup(e.client.CloseIdleConnections)

	e.addr = ln.Addr().String()
	return e.addr
}

func (e *testEnv) do(t *testing.T, method, path, userID string, body interface{}) *http.Response {
	t.Helper()
	addr := e.listen(t)

	var r io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		r = bytes.NewReader(raw)
	}
	req, err := http.NewRequest(method, "http://"+addr+path, r)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	if userID != "" {
		req.Header.Set("Authorization", "Bearer "+tokenFor(t, userID))
	}
	resp, err := e.client.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func readBody(t *testing.T, resp *http.Response) string {
	t.Helper()
	b, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return string(b)
}

func (e *testEnv) conversation(t *testing.T, userID, model string) models.Conversation {
	t.Helper()
	conv := models.Conversation{UserID: userID, Model: model, CurrentModel: model}
	require.NoError(t, e.db.Create(&conv).Error)
	return conv
}

func (e *testEnv) messages(t *testing.T, convID uuid.UUID) []models.Message {
	t.Helper()
	var msgs []models.Message
	require.NoError(t, e.db.Where("conversation_id = ?", convID).Order("position ASC").Find(&msgs).Error)
	return msgs
}

// ollamaStub serves the given raw lines for every /api/chat request and
// records the decoded request bodies.
type ollamaStub struct {
	server   *httptest.Server
	requests chan ollama.ChatRequest
}

func newOllamaStub(t *testing.T, handler func(w http.ResponseWriter, r *http.Request)) *ollamaStub {
	t.Helper()
	stub := &ollamaStub{requests: make(chan ollama.ChatRequest, 8)}
	stub.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req ollama.ChatRequest
		json.NewDecoder(r.Body).Decode(&req)
		stub.requests <- req
		handler(w, r)
	}))
	t.Cleanup(stub.server.Close)
	return stub
}

func linesHandler(lines ...string) func(w http.ResponseWriter, r *http.Request) {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/x-ndjson")
		for _, l := range lines {
			io.WriteString(w, l+"\n")
			w.(http.Flusher).Flush()
		}
	}
}
