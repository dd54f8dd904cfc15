package handlers

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net"
	"time"

	"github.com/ahmetk3436/ollachat/internal/middleware"
	"github.com/ahmetk3436/ollachat/internal/ollama"
	"github.com/ahmetk3436/ollachat/internal/services"
	"github.com/gofiber/contrib/websocket"
	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
)

// badRequest errors carry the message returned to the client as is.
type badRequest string

func (e badRequest) Error() string { return string(e) }

const (
	errMissingFields       badRequest = "Missing required fields"
	errInvalidConversation badRequest = "Invalid conversation ID"
	errInvalidRole         badRequest = "Invalid message role"
)

// ChatUpstream opens a raw chat response body.
type ChatUpstream interface {
	OpenChat(ctx context.Context, req ollama.ChatRequest) (io.ReadCloser, error)
}

type ChatHandler struct {
	upstream     ChatUpstream
	relay        *services.ChatRelay
	relayTimeout time.Duration
	log          *slog.Logger
}

func NewChatHandler(upstream ChatUpstream, relay *services.ChatRelay, relayTimeout time.Duration, log *slog.Logger) *ChatHandler {
	return &ChatHandler{
		upstream:     upstream,
		relay:        relay,
		relayTimeout: relayTimeout,
		log:          log,
	}
}

type chatRequest struct {
	Model          string           `json:"model"`
	Messages       []ollama.Message `json:"messages"`
	ConversationID string           `json:"conversationId"`
	Temperature    *float64         `json:"temperature"`
	MaxTokens      *int             `json:"maxTokens"`
	Format         json.RawMessage  `json:"format"`
	Stream         *bool            `json:"stream"`
}

// chatTurn is a validated chat request.
type chatTurn struct {
	relay    services.RelayRequest
	upstream ollama.ChatRequest
}

func parseChatRequest(body []byte, userID string) (*chatTurn, error) {
	var req chatRequest
	if err := json.Unmarshal(body, &req); err != nil {
		return nil, errMissingFields
	}
	if req.Model == "" || len(req.Messages) == 0 {
		return nil, errMissingFields
	}
	for _, m := range req.Messages {
		if !ollama.ValidRole(m.Role) {
			return nil, errInvalidRole
		}
	}

	userMsg, hasUser := lastUserMessage(req.Messages)
	turn := &chatTurn{
		relay: services.RelayRequest{
			UserID:      userID,
			Model:       req.Model,
			UserMessage: userMsg,
		},
		upstream: ollama.BuildRequest(req.Model, req.Messages, ollama.ChatOptions{
			Stream:      req.Stream,
			Temperature: req.Temperature,
			MaxTokens:   req.MaxTokens,
			Format:      req.Format,
		}),
	}

	if req.ConversationID != "" {
		id, err := uuid.Parse(req.ConversationID)
		if err != nil {
			return nil, errInvalidConversation
		}
		// Without a user message there is no turn to store; the request is
		// still relayed.
		if hasUser {
			turn.relay.ConversationID = &id
		}
	}
	return turn, nil
}

func lastUserMessage(msgs []ollama.Message) (ollama.Message, bool) {
	for i := len(msgs) - 1; i >= 0; i-- {
		if msgs[i].Role == ollama.RoleUser {
			return msgs[i], true
		}
	}
	return ollama.Message{}, false
}

// upstreamStatus maps an OpenChat failure to the status returned to the client.
func upstreamStatus(err error) int {
	if ue, ok := ollama.AsUpstreamError(err); ok {
		return ue.StatusCode
	}
	return fiber.StatusBadGateway
}

// ─── Chat (POST /api/chat) ──────────────────────────────────────────────────

func (h *ChatHandler) Chat(c *fiber.Ctx) error {
	userID := middleware.UserID(c)
	if userID == "" {
		return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": "Unauthorized"})
	}

	turn, err := parseChatRequest(c.Body(), userID)
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": err.Error()})
	}

	// The upstream call outlives this handler when streaming, so it gets its
	// own deadline instead of the request context.
	ctx, cancel := context.WithTimeout(context.Background(), h.relayTimeout)

	body, err := h.upstream.OpenChat(ctx, turn.upstream)
	if err != nil {
		cancel()
		h.log.Error("Ollama request failed", "model", turn.upstream.Model, "user_id", userID, "error", err)
		return c.Status(upstreamStatus(err)).JSON(fiber.Map{"error": "Ollama server error"})
	}

	if !turn.upstream.Stream {
		defer cancel()
		defer body.Close()
		return h.singleShot(c, ctx, turn, body)
	}

	c.Set(fiber.HeaderContentType, "text/plain; charset=utf-8")
	c.Set(fiber.HeaderCacheControl, "no-cache")
	c.Set(fiber.HeaderConnection, "keep-alive")
	c.Set("X-Accel-Buffering", "no")

	relay := h.relay
	relayReq := turn.relay
	conn := c.Context().Conn()
	c.Context().SetBodyStreamWriter(func(w *bufio.Writer) {
		defer cancel()
		defer body.Close()
		stop := watchDisconnect(conn, cancel)
		defer stop()
		relay.Stream(ctx, relayReq, body, bufioSink{w: w})
	})
	return nil
}

// watchDisconnect cancels the turn when the client closes its connection
// while the body is streaming. Writes to a vanished peer keep succeeding
// until buffers fill, so only a read notices the close in time. The returned
// stop must run before the stream writer returns; after it the connection
// belongs to the server again.
//
// A client that sends data mid-stream (a pipelined request) ends the watch
// without cancelling.
func watchDisconnect(conn net.Conn, cancel context.CancelFunc) (stop func()) {
	if conn == nil {
		return func() {}
	}
	conn.SetReadDeadline(time.Time{})

	stopped := make(chan struct{})
	exited := make(chan struct{})
	go func() {
		defer close(exited)
		var b [1]byte
		_, err := conn.Read(b[:])
		select {
		case <-stopped:
			return
		default:
		}
		var netErr net.Error
		if err != nil && !(errors.As(err, &netErr) && netErr.Timeout()) {
			cancel()
		}
	}()

	return func() {
		close(stopped)
		conn.SetReadDeadline(time.Now())
		<-exited
		conn.SetReadDeadline(time.Time{})
	}
}

func (h *ChatHandler) singleShot(c *fiber.Ctx, ctx context.Context, turn *chatTurn, body io.Reader) error {
	raw, err := io.ReadAll(body)
	if err != nil {
		h.log.Error("Reading Ollama response failed", "model", turn.upstream.Model, "error", err)
		return c.Status(fiber.StatusBadGateway).JSON(fiber.Map{"error": "Ollama server error"})
	}

	var resp ollama.ChatResponse
	if err := json.Unmarshal(raw, &resp); err == nil {
		h.relay.Complete(ctx, turn.relay, &resp)
	} else {
		h.log.Warn("Ollama response is not a chat object, not persisting", "error", err)
	}

	c.Set(fiber.HeaderContentType, fiber.MIMEApplicationJSON)
	return c.Status(fiber.StatusOK).Send(raw)
}

type bufioSink struct {
	w *bufio.Writer
}

func (s bufioSink) WriteLine(line []byte) error {
	if _, err := s.w.Write(line); err != nil {
		return err
	}
	if err := s.w.WriteByte('\n'); err != nil {
		return err
	}
	return s.w.Flush()
}

// ─── ChatSocket (GET /api/chat/ws) ──────────────────────────────────────────

// UpgradeCheck rejects non-websocket requests on websocket routes.
func (h *ChatHandler) UpgradeCheck() fiber.Handler {
	return func(c *fiber.Ctx) error {
		if websocket.IsWebSocketUpgrade(c) {
			return c.Next()
		}
		return fiber.ErrUpgradeRequired
	}
}

// ChatSocket relays one chat turn over a websocket. The first client frame is
// the same JSON body POST /api/chat accepts; every upstream line is sent back
// as one text frame. Closing the socket or sending {"type":"cancel"} aborts
// the turn, which is then not persisted.
func (h *ChatHandler) ChatSocket() fiber.Handler {
	return websocket.New(func(conn *websocket.Conn) {
		userID, _ := conn.Locals(middleware.LocalUserID).(string)
		if userID == "" {
			writeSocketError(conn, "Unauthorized", fiber.StatusUnauthorized)
			return
		}

		_, msg, err := conn.ReadMessage()
		if err != nil {
			return
		}

		turn, err := parseChatRequest(msg, userID)
		if err != nil {
			writeSocketError(conn, err.Error(), fiber.StatusBadRequest)
			return
		}
		turn.upstream.Stream = true

		ctx, cancel := context.WithTimeout(context.Background(), h.relayTimeout)
		defer cancel()

		body, err := h.upstream.OpenChat(ctx, turn.upstream)
		if err != nil {
			h.log.Error("Ollama request failed", "model", turn.upstream.Model, "user_id", userID, "error", err)
			writeSocketError(conn, "Ollama server error", upstreamStatus(err))
			return
		}
		defer body.Close()

		// A read error means the client went away.
		go func() {
			for {
				_, msg, err := conn.ReadMessage()
				if err != nil {
					cancel()
					return
				}
				var ctrl struct {
					Type string `json:"type"`
				}
				if json.Unmarshal(msg, &ctrl) == nil && ctrl.Type == "cancel" {
					cancel()
					return
				}
			}
		}()

		out := h.relay.Stream(ctx, turn.relay, body, socketSink{conn: conn})
		if out.Status == services.RelayCompleted {
			conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		}
	})
}

type socketSink struct {
	conn *websocket.Conn
}

func (s socketSink) WriteLine(line []byte) error {
	return s.conn.WriteMessage(websocket.TextMessage, line)
}

func writeSocketError(conn *websocket.Conn, message string, status int) {
	payload, _ := json.Marshal(fiber.Map{"error": message, "status": status})
	conn.WriteMessage(websocket.TextMessage, payload)
	conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.ClosePolicyViolation, message))
}
