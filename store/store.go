package store

import (
	"context"
	"errors"
)

// ErrNotFound indicates no value exists at the requested path.
var ErrNotFound = errors.New("path not found")

// EventType classifies a change-stream event.
type EventType uint8

const (
	// EventAdded signals a value appearing under the subscribed prefix.
	// Subscriptions replay existing values as Added events first.
	EventAdded EventType = iota
	// EventChanged signals an in-place update of an existing value.
	EventChanged
	// EventRemoved signals a value being deleted.
	EventRemoved
)

// String returns a human-readable event type name.
func (t EventType) String() string {
	switch t {
	case EventAdded:
		return "added"
	case EventChanged:
		return "changed"
	case EventRemoved:
		return "removed"
	default:
		return "unknown"
	}
}

// Event is one change-stream notification. Value carries the raw stored
// bytes; for Removed events it is the last value seen at the path.
type Event struct {
	Type  EventType
	Path  string
	Value []byte
}

// Handler consumes change-stream events. Handlers may be invoked from
// arbitrary store-internal goroutines; consumers are responsible for
// their own locking.
type Handler func(Event)

// Subscription is a live change-stream registration. Close releases it;
// a subscription must live exactly as long as its consumer and be
// closed on teardown.
type Subscription interface {
	Close() error
}

// Store is the durable synchronized store contract required by the chat core.
type Store interface {
	// Put writes a value, creating or replacing the path.
	Put(ctx context.Context, path string, value []byte) error
	// Get reads a single value. Returns ErrNotFound if the path is empty.
	Get(ctx context.Context, path string) ([]byte, error)
	// Delete removes a path. Deleting a missing path is not an error.
	Delete(ctx context.Context, path string) error
	// List returns all values whose path starts with prefix.
	List(ctx context.Context, prefix string) (map[string][]byte, error)
	// Subscribe registers a handler for changes under prefix. Existing
	// values are replayed as Added events before new changes flow. The
	// subscription ends when Close is called or ctx is cancelled.
	Subscribe(ctx context.Context, prefix string, handler Handler) (Subscription, error)
}

// MessagePath addresses one message envelope within a conversation.
func MessagePath(conversationID, messageID string) string {
	return "messages/" + conversationID + "/" + messageID
}

// ConversationPrefix addresses all envelopes of a conversation.
func ConversationPrefix(conversationID string) string {
	return "messages/" + conversationID + "/"
}

// PublicKeyPath addresses a user's published public key.
func PublicKeyPath(userID string) string {
	return "users/" + userID + "/publicKey"
}

// NotificationPrefix addresses a user's pending notifications.
func NotificationPrefix(userID string) string {
	return "notifications/" + userID + "/"
}
