package services

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/ahmetk3436/ollachat/internal/ollama"
	"github.com/google/uuid"
)

const defaultPersistTimeout = 30 * time.Second

// LineSink receives relayed lines. WriteLine must deliver line followed by a
// newline and flush it; an error means the downstream client is gone.
type LineSink interface {
	WriteLine(line []byte) error
}

type RelayStatus int

const (
	RelayCompleted RelayStatus = iota
	RelayCancelled
	RelayFailed
)

func (s RelayStatus) String() string {
	switch s {
	case RelayCompleted:
		return "completed"
	case RelayCancelled:
		return "cancelled"
	default:
		return "failed"
	}
}

// RelayOutcome summarizes one relayed stream.
type RelayOutcome struct {
	Status    RelayStatus
	Content   string
	ToolCalls []json.RawMessage
	Final     *ollama.ChatResponse
	Lines     int
	Err       error
}

// Recorder persists completed turns.
type Recorder interface {
	RecordTurn(ctx context.Context, turn Turn) error
}

// RelayRequest identifies the turn being relayed. A nil ConversationID means
// the turn is not persisted.
type RelayRequest struct {
	ConversationID *uuid.UUID
	UserID         string
	Model          string
	UserMessage    ollama.Message
}

// ChatRelay forwards upstream output to a client and hands completed turns to
// the Recorder.
type ChatRelay struct {
	recorder       Recorder
	log            *slog.Logger
	persistTimeout time.Duration
	wg             sync.WaitGroup
}

func NewChatRelay(recorder Recorder, log *slog.Logger) *ChatRelay {
	if log == nil {
		log = slog.Default()
	}
	return &ChatRelay{
		recorder:       recorder,
		log:            log,
		persistTimeout: defaultPersistTimeout,
	}
}

// Pipe copies every upstream line to sink unchanged, in order, including lines
// that are not valid JSON. Valid lines are also decoded to accumulate the
// assistant content and spot the final line. Pipe returns after the final
// line, on sink failure, on ctx cancellation or when upstream ends early.
func (r *ChatRelay) Pipe(ctx context.Context, upstream io.Reader, sink LineSink) RelayOutcome {
	reader := ollama.NewStreamReader(upstream)

	var (
		out RelayOutcome
		acc ollama.StreamAccumulator
	)

	finish := func(status RelayStatus, err error) RelayOutcome {
		out.Status = status
		out.Err = err
		out.Content = acc.Content()
		out.ToolCalls = acc.ToolCalls()
		out.Final = acc.Final()
		return out
	}

	for {
		line, err := reader.Next(ctx)
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return finish(statusForContext(ctxErr), ctxErr)
			}
			return finish(RelayFailed, err)
		}

		if err := sink.WriteLine(line); err != nil {
			return finish(RelayCancelled, err)
		}
		out.Lines++

		chunk, ok := ollama.DecodeChunk(line)
		if !ok {
			continue
		}
		acc.Add(chunk)
		if acc.Final() != nil {
			return finish(RelayCompleted, nil)
		}
	}
}

// Stream relays upstream to sink and, when the stream completes, persists the
// turn in the background. Cancelled and failed streams are never persisted.
func (r *ChatRelay) Stream(ctx context.Context, req RelayRequest, upstream io.Reader, sink LineSink) RelayOutcome {
	out := r.Pipe(ctx, upstream, sink)

	log := r.log.With("model", req.Model, "user_id", req.UserID, "lines", out.Lines)
	switch out.Status {
	case RelayCompleted:
		if req.ConversationID != nil {
			r.RecordAsync(req.turn(out.Content, out.ToolCalls))
		}
	case RelayCancelled:
		log.Info("Chat stream cancelled by client")
	case RelayFailed:
		log.Warn("Chat stream ended without completion", "error", out.Err)
	}
	return out
}

// Complete persists a single-shot response synchronously.
func (r *ChatRelay) Complete(ctx context.Context, req RelayRequest, resp *ollama.ChatResponse) {
	if req.ConversationID == nil || resp == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.persistTimeout)
	defer cancel()
	r.recorder.RecordTurn(ctx, req.turn(resp.Message.Content, resp.Message.ToolCalls))
}

// RecordAsync persists turn on a background goroutine tracked by Wait.
func (r *ChatRelay) RecordAsync(turn Turn) {
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), r.persistTimeout)
		defer cancel()
		r.recorder.RecordTurn(ctx, turn)
	}()
}

// Wait blocks until background persistence finishes or ctx is done.
func (r *ChatRelay) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (req RelayRequest) turn(content string, toolCalls []json.RawMessage) Turn {
	return Turn{
		ConversationID: *req.ConversationID,
		UserID:         req.UserID,
		User:           req.UserMessage,
		Assistant: ollama.Message{
			Role:      ollama.RoleAssistant,
			Content:   content,
			ToolCalls: toolCalls,
		},
		Model: req.Model,
	}
}

func statusForContext(err error) RelayStatus {
	if errors.Is(err, context.Canceled) {
		return RelayCancelled
	}
	return RelayFailed
}
