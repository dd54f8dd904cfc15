package services

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"

	"github.com/ahmetk3436/ollachat/internal/database"
	"github.com/ahmetk3436/ollachat/internal/models"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

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

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func bufferLogger() (*slog.Logger, *bytes.Buffer) {
	var buf bytes.Buffer
	return slog.New(slog.NewJSONHandler(&buf, nil)), &buf
}

func createConversation(t *testing.T, db *gorm.DB, userID, model string) models.Conversation {
	t.Helper()
	conv := models.Conversation{UserID: userID, Model: model, CurrentModel: model}
	require.NoError(t, db.Create(&conv).Error)
	return conv
}

func messagesOf(t *testing.T, db *gorm.DB, convID uuid.UUID) []models.Message {
	t.Helper()
	var msgs []models.Message
	require.NoError(t, db.Where("conversation_id = ?", convID).Order("position ASC").Find(&msgs).Error)
	return msgs
}

// fakeRecorder captures turns handed to it.
type fakeRecorder struct {
	mu    sync.Mutex
	turns []Turn
	calls chan Turn
}

func newFakeRecorder() *fakeRecorder {
	return &fakeRecorder{calls: make(chan Turn, 8)}
}

func (f *fakeRecorder) RecordTurn(ctx context.Context, turn Turn) error {
	f.mu.Lock()
	f.turns = append(f.turns, turn)
	f.mu.Unlock()
	f.calls <- turn
	return nil
}

func (f *fakeRecorder) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.turns)
}

// lineCollector is a LineSink that records bytes exactly as a client would
// receive them.
type lineCollector struct {
	buf       bytes.Buffer
	failAfter int
	writes    int
}

var errClientGone = errors.New("client gone")

func (l *lineCollector) WriteLine(line []byte) error {
	if l.failAfter > 0 && l.writes >= l.failAfter {
		return errClientGone
	}
	l.writes++
	l.buf.Write(line)
	l.buf.WriteByte('\n')
	return nil
}

// listCache is an in-memory MessageCache with the redis list semantics:
// Append only extends a warm key. After holdStore, the next Store signals
// entered and blocks until released.
type listCache struct {
	mu           sync.Mutex
	lists        map[uuid.UUID][]models.Message
	storeEntered chan struct{}
	storeGate    chan struct{}
}

func newListCache() *listCache {
	return &listCache{lists: map[uuid.UUID][]models.Message{}}
}

func (c *listCache) holdStore() (entered <-chan struct{}, release func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.storeEntered = make(chan struct{})
	c.storeGate = make(chan struct{})
	gate := c.storeGate
	return c.storeEntered, func() { close(gate) }
}

func (c *listCache) Append(_ context.Context, convID uuid.UUID, msgs ...models.Message) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if list, ok := c.lists[convID]; ok {
		c.lists[convID] = append(list, msgs...)
	}
	return nil
}

func (c *listCache) Load(_ context.Context, convID uuid.UUID) ([]models.Message, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	list, ok := c.lists[convID]
	if !ok {
		return nil, false, nil
	}
	return append([]models.Message(nil), list...), true, nil
}

func (c *listCache) Store(_ context.Context, convID uuid.UUID, msgs []models.Message) error {
	c.mu.Lock()
	entered, gate := c.storeEntered, c.storeGate
	c.storeEntered, c.storeGate = nil, nil
	c.mu.Unlock()

	if gate != nil {
		close(entered)
		<-gate
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.lists[convID] = append([]models.Message(nil), msgs...)
	return nil
}

func (c *listCache) Invalidate(_ context.Context, convID uuid.UUID) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.lists, convID)
	return nil
}
