package store

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryStoreCRUD(t *testing.T) {
	ctx := context.Background()
	ms := NewMemoryStore()

	_, err := ms.Get(ctx, "missing")
	assert.True(t, errors.Is(err, ErrNotFound))

	require.NoError(t, ms.Put(ctx, "a/b", []byte("one")))
	value, err := ms.Get(ctx, "a/b")
	require.NoError(t, err)
	assert.Equal(t, []byte("one"), value)

	require.NoError(t, ms.Put(ctx, "a/b", []byte("two")))
	value, err = ms.Get(ctx, "a/b")
	require.NoError(t, err)
	assert.Equal(t, []byte("two"), value)

	require.NoError(t, ms.Delete(ctx, "a/b"))
	_, err = ms.Get(ctx, "a/b")
	assert.True(t, errors.Is(err, ErrNotFound))

	// Deleting a missing path is not an error.
	assert.NoError(t, ms.Delete(ctx, "a/b"))
}

func TestMemoryStoreList(t *testing.T) {
	ctx := context.Background()
	ms := NewMemoryStore()

	require.NoError(t, ms.Put(ctx, "messages/c1/m1", []byte("1")))
	require.NoError(t, ms.Put(ctx, "messages/c1/m2", []byte("2")))
	require.NoError(t, ms.Put(ctx, "messages/c2/m1", []byte("3")))

	entries, err := ms.List(ctx, "messages/c1/")
	require.NoError(t, err)
	assert.Len(t, entries, 2)
	assert.Equal(t, []byte("1"), entries["messages/c1/m1"])
	assert.Equal(t, []byte("2"), entries["messages/c1/m2"])
}

func TestMemoryStoreSubscribeReplaysExisting(t *testing.T) {
	ctx := context.Background()
	ms := NewMemoryStore()

	require.NoError(t, ms.Put(ctx, "p/b", []byte("b")))
	require.NoError(t, ms.Put(ctx, "p/a", []byte("a")))
	require.NoError(t, ms.Put(ctx, "other/x", []byte("x")))

	var events []Event
	sub, err := ms.Subscribe(ctx, "p/", func(ev Event) {
		events = append(events, ev)
	})
	require.NoError(t, err)
	defer sub.Close()

	// Existing values arrive as Added events in path order.
	require.Len(t, events, 2)
	assert.Equal(t, EventAdded, events[0].Type)
	assert.Equal(t, "p/a", events[0].Path)
	assert.Equal(t, "p/b", events[1].Path)
}

func TestMemoryStoreEventTypes(t *testing.T) {
	ctx := context.Background()
	ms := NewMemoryStore()

	var events []Event
	sub, err := ms.Subscribe(ctx, "p/", func(ev Event) {
		events = append(events, ev)
	})
	require.NoError(t, err)
	defer sub.Close()

	require.NoError(t, ms.Put(ctx, "p/k", []byte("v1")))
	require.NoError(t, ms.Put(ctx, "p/k", []byte("v2")))
	require.NoError(t, ms.Delete(ctx, "p/k"))
	require.NoError(t, ms.Put(ctx, "elsewhere/k", []byte("ignored")))

	require.Len(t, events, 3)
	assert.Equal(t, EventAdded, events[0].Type)
	assert.Equal(t, []byte("v1"), events[0].Value)
	assert.Equal(t, EventChanged, events[1].Type)
	assert.Equal(t, []byte("v2"), events[1].Value)
	assert.Equal(t, EventRemoved, events[2].Type)
	assert.Equal(t, []byte("v2"), events[2].Value, "removed event carries the last stored value")
}

func TestMemoryStoreSubscriptionClose(t *testing.T) {
	ctx := context.Background()
	ms := NewMemoryStore()

	count := 0
	sub, err := ms.Subscribe(ctx, "p/", func(ev Event) { count++ })
	require.NoError(t, err)

	require.NoError(t, ms.Put(ctx, "p/k", []byte("v")))
	require.NoError(t, sub.Close())
	require.NoError(t, ms.Put(ctx, "p/k2", []byte("v")))

	assert.Equal(t, 1, count, "no events after Close")
	assert.NoError(t, sub.Close(), "closing twice is harmless")
}

func TestMemoryStoreCancelledContext(t *testing.T) {
	ms := NewMemoryStore()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	assert.Error(t, ms.Put(ctx, "p", []byte("v")))
	_, err := ms.Subscribe(ctx, "p/", func(Event) {})
	assert.Error(t, err)
}

func TestPathHelpers(t *testing.T) {
	assert.Equal(t, "messages/a_b/m1", MessagePath("a_b", "m1"))
	assert.Equal(t, "messages/a_b/", ConversationPrefix("a_b"))
	assert.Equal(t, "users/u1/publicKey", PublicKeyPath("u1"))
	assert.Equal(t, "notifications/u1/", NotificationPrefix("u1"))
}
