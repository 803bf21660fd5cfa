package trader

import (
	"context"
	"strings"
	"sync"
)

// Locker grants exclusive, non-blocking ownership of a key. ok is false when the key is
// already held. unlock must be called exactly once after a successful acquisition.
type Locker interface {
	TryLock(ctx context.Context, key string) (unlock func(), ok bool, err error)
}

// executionKey identifies an entry attempt for a (user, token) pair.
func executionKey(userID, token string) string {
	return userID + ":" + strings.ToLower(token)
}

// ExecutionLocks is the process-local set of in-flight (user, token) entries.
type ExecutionLocks struct {
	mu   sync.Mutex
	held map[string]struct{}
}

// NewExecutionLocks creates an empty lock set.
func NewExecutionLocks() *ExecutionLocks {
	return &ExecutionLocks{held: make(map[string]struct{})}
}

// TryLock implements Locker.
func (l *ExecutionLocks) TryLock(_ context.Context, key string) (func(), bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, busy := l.held[key]; busy {
		return nil, false, nil
	}
	l.held[key] = struct{}{}

	var once sync.Once
	return func() {
		once.Do(func() {
			l.mu.Lock()
			delete(l.held, key)
			l.mu.Unlock()
		})
	}, true, nil
}

// Held reports whether key is currently locked.
func (l *ExecutionLocks) Held(key string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, ok := l.held[key]
	return ok
}

// Len returns the number of held keys.
func (l *ExecutionLocks) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.held)
}

// ChainLocker acquires every locker in order and releases them in reverse.
type ChainLocker []Locker

// TryLock implements Locker.
func (c ChainLocker) TryLock(ctx context.Context, key string) (func(), bool, error) {
	unlocks := make([]func(), 0, len(c))
	release := func() {
		for i := len(unlocks) - 1; i >= 0; i-- {
			unlocks[i]()
		}
	}
	for _, l := range c {
		unlock, ok, err := l.TryLock(ctx, key)
		if err != nil || !ok {
			release()
			return nil, false, err
		}
		unlocks = append(unlocks, unlock)
	}
	return release, true, nil
}
