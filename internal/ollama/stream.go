package ollama

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"strings"
)

// StreamReader splits a newline-delimited JSON body into lines. Lines may be
// arbitrarily long.
type StreamReader struct {
	reader *bufio.Reader
	done   bool
}

func NewStreamReader(r io.Reader) *StreamReader {
	return &StreamReader{reader: bufio.NewReaderSize(r, 64*1024)}
}

// ReadLine returns the next line without its trailing newline. A final line
// with no newline is returned with a nil error; io.EOF follows it.
func (s *StreamReader) ReadLine() ([]byte, error) {
	if s.done {
		return nil, io.EOF
	}
	line, err := s.reader.ReadBytes('\n')
	if err != nil {
		if errors.Is(err, io.EOF) {
			s.done = true
			if len(line) > 0 {
				return line, nil
			}
			return nil, io.EOF
		}
		return nil, err
	}
	return line[:len(line)-1], nil
}

// DecodeChunk parses one line. Blank and malformed lines report false.
func DecodeChunk(line []byte) (*StreamChunk, bool) {
	line = bytes.TrimSpace(line)
	if len(line) == 0 {
		return nil, false
	}
	var chunk StreamChunk
	if err := json.Unmarshal(line, &chunk); err != nil {
		return nil, false
	}
	return &chunk, true
}

// Next returns the next raw line. Once ctx is done it reports ctx's error,
// and a body that ends before the final line reports ErrIncompleteStream.
func (s *StreamReader) Next(ctx context.Context) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	line, err := s.ReadLine()
	if err == nil {
		return line, nil
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return nil, ctxErr
	}
	if errors.Is(err, io.EOF) {
		return nil, ErrIncompleteStream
	}
	return nil, err
}

// StreamAccumulator folds decoded chunks into one assistant reply.
type StreamAccumulator struct {
	content   strings.Builder
	toolCalls []json.RawMessage
	final     *ChatResponse
}

// Add folds chunk in and returns its content delta. Chunks arriving after the
// final one are ignored.
func (a *StreamAccumulator) Add(chunk *StreamChunk) string {
	if a.final != nil || chunk == nil {
		return ""
	}
	delta := chunk.Message.Content
	a.content.WriteString(delta)
	a.toolCalls = append(a.toolCalls, chunk.Message.ToolCalls...)

	if chunk.Done {
		final := *chunk
		final.Message = Message{
			Role:      RoleAssistant,
			Content:   a.content.String(),
			ToolCalls: a.toolCalls,
		}
		a.final = &final
	}
	return delta
}

func (a *StreamAccumulator) Content() string {
	return a.content.String()
}

func (a *StreamAccumulator) ToolCalls() []json.RawMessage {
	return a.toolCalls
}

// Final is the done=true chunk with Message replaced by the assembled reply,
// or nil while the stream is still open.
func (a *StreamAccumulator) Final() *ChatResponse {
	return a.final
}

// Collect consumes the stream until a line with done=true, invoking the
// callbacks in opts. The returned response is the final line with Message
// replaced by the accumulated assistant message.
func (s *StreamReader) Collect(ctx context.Context, opts ChatOptions) (*ChatResponse, error) {
	var acc StreamAccumulator
	for {
		line, err := s.Next(ctx)
		if err != nil {
			if opts.OnError != nil {
				opts.OnError(err)
			}
			return nil, err
		}

		chunk, ok := DecodeChunk(line)
		if !ok {
			continue
		}
		if delta := acc.Add(chunk); delta != "" && opts.OnToken != nil {
			opts.OnToken(delta)
		}

		if final := acc.Final(); final != nil {
			if opts.OnComplete != nil {
				opts.OnComplete(final)
			}
			return final, nil
		}
	}
}
