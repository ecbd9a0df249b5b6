package messaging

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"

	"github.com/opd-ai/sealchat/store"
)

// Notification is the payload handed to the recipient's notification
// channel when a message is sent.
//
// The body is the message plaintext. Messages are encrypted at rest in
// the store but deliberately exposed in the clear through the
// notification channel; this is a known cross-boundary leak of the
// protocol, carried as documented behavior.
type Notification struct {
	Title    string `json:"title"`
	Body     string `json:"body"`
	SenderID string `json:"senderId"`
	Type     string `json:"type"`
}

// NotificationDispatcher delivers new-message notifications to a
// recipient's device. Implementations sit outside the encryption
// boundary and receive plaintext.
type NotificationDispatcher interface {
	DispatchMessage(ctx context.Context, receiverID, senderID, body string) error
}

// StoreNotifier dispatches notifications by pushing them under the
// recipient's notification prefix in the synchronized store, where the
// delivery subsystem picks them up.
type StoreNotifier struct {
	st store.Store
}

// NewStoreNotifier creates a dispatcher backed by the given store.
func NewStoreNotifier(st store.Store) *StoreNotifier {
	return &StoreNotifier{st: st}
}

// DispatchMessage pushes one notification record for the receiver.
func (n *StoreNotifier) DispatchMessage(ctx context.Context, receiverID, senderID, body string) error {
	payload, err := json.Marshal(Notification{
		Title:    "New Message",
		Body:     body,
		SenderID: senderID,
		Type:     "chat",
	})
	if err != nil {
		return fmt.Errorf("failed to encode notification: %w", err)
	}

	path := store.NotificationPrefix(receiverID) + uuid.NewString()
	return n.st.Put(ctx, path, payload)
}

// NopNotifier discards all notifications. Used when the caller opts out
// of the notification channel (and its plaintext exposure) entirely.
type NopNotifier struct{}

// DispatchMessage implements NotificationDispatcher by doing nothing.
func (NopNotifier) DispatchMessage(ctx context.Context, receiverID, senderID, body string) error {
	return nil
}
