// Package sealchat implements the core of an end-to-end encrypted
// two-party chat: identity key lifecycle, per-message hybrid encryption
// with integrity tags, and reconciliation of a synchronized store's
// change stream into local conversation views.
//
// Example:
//
//	options := sealchat.NewOptions()
//	options.LocalUserID = "alice"
//	options.DataDir = "/var/lib/sealchat/alice"
//	options.StorePassword = []byte("master password")
//
//	client, err := sealchat.New(ctx, options, st)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer client.Close()
//
//	conv, err := client.OpenConversation(ctx, "bob")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	conv.Send(ctx, "hello")
package sealchat

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/sealchat/crypto"
	"github.com/opd-ai/sealchat/messaging"
	"github.com/opd-ai/sealchat/store"
)

// Options contains configuration for creating a Client.
type Options struct {
	// LocalUserID identifies this user in the synchronized store.
	LocalUserID string
	// DataDir is the directory backing the secure key store.
	DataDir string
	// StorePassword protects the secure key store. It is wiped during New.
	StorePassword []byte
	// Notifications enables the store-backed notification dispatcher.
	// Note that notification payloads carry message plaintext.
	Notifications bool
}

// NewOptions creates Options with defaults.
func NewOptions() *Options {
	return &Options{
		DataDir:       "sealchat-data",
		Notifications: true,
	}
}

// Client owns a user's identity keys and conversations.
type Client struct {
	localUserID string
	identity    *crypto.IdentityKeyManager
	secure      *crypto.SecureStore
	st          store.Store
	notifier    messaging.NotificationDispatcher

	mu            sync.Mutex
	conversations map[string]*messaging.Conversation
	closed        bool
}

// New creates a client: it opens the secure store, ensures an identity
// key pair exists (regenerating a broken one), and publishes the public
// key to the synchronized store so peers can encrypt to this user.
func New(ctx context.Context, options *Options, st store.Store) (*Client, error) {
	if options == nil {
		options = NewOptions()
	}
	if options.LocalUserID == "" {
		return nil, errors.New("local user id is required")
	}
	if st == nil {
		return nil, errors.New("store is required")
	}

	secure, err := crypto.NewSecureStore(options.DataDir, options.StorePassword)
	if err != nil {
		return nil, fmt.Errorf("failed to open secure store: %w", err)
	}

	identity := crypto.NewIdentityKeyManager(secure)
	pair, err := identity.GetOrCreateKeyPair()
	if err != nil {
		secure.Close()
		return nil, err
	}

	published, err := pair.ExportPublicKey()
	if err != nil {
		secure.Close()
		return nil, err
	}

	if err := st.Put(ctx, store.PublicKeyPath(options.LocalUserID), []byte(published)); err != nil {
		secure.Close()
		return nil, fmt.Errorf("failed to publish public key: %w", err)
	}

	var notifier messaging.NotificationDispatcher = messaging.NopNotifier{}
	if options.Notifications {
		notifier = messaging.NewStoreNotifier(st)
	}

	logrus.WithFields(logrus.Fields{
		"function": "New",
		"package":  "sealchat",
		"user":     options.LocalUserID,
	}).Info("Client initialized and public key published")

	return &Client{
		localUserID:   options.LocalUserID,
		identity:      identity,
		secure:        secure,
		st:            st,
		notifier:      notifier,
		conversations: make(map[string]*messaging.Conversation),
	}, nil
}

// LocalUserID returns the id this client publishes and sends under.
func (c *Client) LocalUserID() string {
	return c.localUserID
}

// PublicKey returns the current exported public key.
func (c *Client) PublicKey() (string, error) {
	pair, err := c.identity.GetOrCreateKeyPair()
	if err != nil {
		return "", err
	}
	return pair.ExportPublicKey()
}

// OpenConversation returns the subscribed reconciler for the
// conversation with peer, creating it on first use.
func (c *Client) OpenConversation(ctx context.Context, peerID string) (*messaging.Conversation, error) {
	if peerID == "" {
		return nil, errors.New("peer id is required")
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, errors.New("client is closed")
	}
	if conv, ok := c.conversations[peerID]; ok {
		c.mu.Unlock()
		return conv, nil
	}
	c.mu.Unlock()

	conv := messaging.NewConversation(c.localUserID, peerID, c.st, c.identity, c.notifier)
	if err := conv.Subscribe(ctx); err != nil {
		return nil, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if existing, ok := c.conversations[peerID]; ok {
		conv.Close()
		return existing, nil
	}
	c.conversations[peerID] = conv
	return conv, nil
}

// CloseConversation tears down the reconciler for peer, if any.
func (c *Client) CloseConversation(peerID string) error {
	c.mu.Lock()
	conv, ok := c.conversations[peerID]
	delete(c.conversations, peerID)
	c.mu.Unlock()

	if !ok {
		return nil
	}
	return conv.Close()
}

// Close tears down all conversations and the secure store.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	conversations := c.conversations
	c.conversations = make(map[string]*messaging.Conversation)
	c.mu.Unlock()

	var errs []error
	for _, conv := range conversations {
		if err := conv.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if err := c.secure.Close(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}
