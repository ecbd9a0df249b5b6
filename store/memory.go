package store

import (
	"context"
	"sort"
	"strings"
	"sync"

	"github.com/sirupsen/logrus"
)

// MemoryStore is an in-process Store implementation. Writes fan out
// synchronously to matching subscribers on the writer's goroutine, so
// from a consumer's point of view events still arrive "on some store
// thread" and must be treated as concurrent with its own operations.
type MemoryStore struct {
	mu      sync.Mutex
	data    map[string][]byte
	subs    map[uint64]*memorySubscription
	nextSub uint64
}

type memorySubscription struct {
	id      uint64
	prefix  string
	handler Handler
	store   *MemoryStore
	done    <-chan struct{}
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		data: make(map[string][]byte),
		subs: make(map[uint64]*memorySubscription),
	}
}

// Put writes a value and notifies subscribers with an Added or Changed event.
func (ms *MemoryStore) Put(ctx context.Context, path string, value []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	stored := make([]byte, len(value))
	copy(stored, value)

	ms.mu.Lock()
	_, exists := ms.data[path]
	ms.data[path] = stored
	subs := ms.matchingSubsLocked(path)
	ms.mu.Unlock()

	eventType := EventAdded
	if exists {
		eventType = EventChanged
	}

	ms.dispatch(subs, Event{Type: eventType, Path: path, Value: stored})
	return nil
}

// Get reads a single value.
func (ms *MemoryStore) Get(ctx context.Context, path string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	ms.mu.Lock()
	value, exists := ms.data[path]
	ms.mu.Unlock()

	if !exists {
		return nil, ErrNotFound
	}

	out := make([]byte, len(value))
	copy(out, value)
	return out, nil
}

// Delete removes a path and notifies subscribers with a Removed event
// carrying the last stored value.
func (ms *MemoryStore) Delete(ctx context.Context, path string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	ms.mu.Lock()
	value, exists := ms.data[path]
	delete(ms.data, path)
	subs := ms.matchingSubsLocked(path)
	ms.mu.Unlock()

	if !exists {
		return nil
	}

	ms.dispatch(subs, Event{Type: EventRemoved, Path: path, Value: value})
	return nil
}

// List returns copies of all values under prefix.
func (ms *MemoryStore) List(ctx context.Context, prefix string) (map[string][]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	ms.mu.Lock()
	defer ms.mu.Unlock()

	out := make(map[string][]byte)
	for path, value := range ms.data {
		if strings.HasPrefix(path, prefix) {
			copied := make([]byte, len(value))
			copy(copied, value)
			out[path] = copied
		}
	}
	return out, nil
}

// Subscribe registers a change handler under prefix. Existing values are
// replayed as Added events in path order before Subscribe returns.
func (ms *MemoryStore) Subscribe(ctx context.Context, prefix string, handler Handler) (Subscription, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	ms.mu.Lock()
	ms.nextSub++
	sub := &memorySubscription{
		id:      ms.nextSub,
		prefix:  prefix,
		handler: handler,
		store:   ms,
		done:    ctx.Done(),
	}
	ms.subs[sub.id] = sub

	replayPaths := make([]string, 0)
	for path := range ms.data {
		if strings.HasPrefix(path, prefix) {
			replayPaths = append(replayPaths, path)
		}
	}
	sort.Strings(replayPaths)

	replay := make([]Event, 0, len(replayPaths))
	for _, path := range replayPaths {
		replay = append(replay, Event{Type: EventAdded, Path: path, Value: ms.data[path]})
	}
	ms.mu.Unlock()

	logrus.WithFields(logrus.Fields{
		"function": "Subscribe",
		"package":  "store",
		"prefix":   prefix,
		"replayed": len(replay),
	}).Debug("Registered store subscription")

	for _, ev := range replay {
		handler(ev)
	}

	return sub, nil
}

// matchingSubsLocked snapshots subscribers whose prefix covers path.
// Caller must hold ms.mu; dispatch happens after release so handlers may
// re-enter the store.
func (ms *MemoryStore) matchingSubsLocked(path string) []*memorySubscription {
	matched := make([]*memorySubscription, 0, len(ms.subs))
	for _, sub := range ms.subs {
		if strings.HasPrefix(path, sub.prefix) {
			matched = append(matched, sub)
		}
	}
	return matched
}

func (ms *MemoryStore) dispatch(subs []*memorySubscription, ev Event) {
	for _, sub := range subs {
		select {
		case <-sub.done:
			sub.Close()
			continue
		default:
		}
		sub.handler(ev)
	}
}

// Close unregisters the subscription. Closing twice is harmless.
func (s *memorySubscription) Close() error {
	s.store.mu.Lock()
	delete(s.store.subs, s.id)
	s.store.mu.Unlock()
	return nil
}
