package services

import (
	"sync"

	"github.com/google/uuid"
)

type convLock struct {
	mu   sync.Mutex
	refs int
}

// conversationLocks serializes work per conversation id. Entries are dropped
// once no goroutine holds or waits on them.
type conversationLocks struct {
	mu    sync.Mutex
	locks map[uuid.UUID]*convLock
}

func newConversationLocks() *conversationLocks {
	return &conversationLocks{locks: make(map[uuid.UUID]*convLock)}
}

// Lock blocks until the conversation is free and returns its unlock func.
func (l *conversationLocks) Lock(id uuid.UUID) func() {
	l.mu.Lock()
	cl, ok := l.locks[id]
	if !ok {
		cl = &convLock{}
		l.locks[id] = cl
	}
	cl.refs++
	l.mu.Unlock()

	cl.mu.Lock()

	return func() {
		cl.mu.Unlock()

		l.mu.Lock()
		cl.refs--
		if cl.refs == 0 {
			delete(l.locks, id)
		}
		l.mu.Unlock()
	}
}

func (l *conversationLocks) size() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.locks)
}
