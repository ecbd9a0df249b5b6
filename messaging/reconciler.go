package messaging

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/opd-ai/sealchat/crypto"
	"github.com/opd-ai/sealchat/store"
)

// ErrRecipientKeyUnavailable indicates no usable public key is published
// for the intended recipient. The send is aborted and not retried.
var ErrRecipientKeyUnavailable = errors.New("recipient public key unavailable")

// State represents the reconciler's lifecycle state.
type State uint8

const (
	// StateIdle means no store subscription is established yet.
	StateIdle State = iota
	// StateSubscribed means the change stream is live.
	StateSubscribed
	// StateUnsubscribed is the terminal state after Close.
	StateUnsubscribed
)

// String returns a human-readable state name.
func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateSubscribed:
		return "subscribed"
	case StateUnsubscribed:
		return "unsubscribed"
	default:
		return "unknown"
	}
}

// Reject reasons, recorded for diagnostics only. A rejected message
// simply never appears; receive-path failures are invisible to the user.
const (
	rejectMalformed      = "malformed"
	rejectKeyUnavailable = "key_unavailable"
	rejectUnwrap         = "unwrap"
	rejectDecrypt        = "decrypt"
	rejectIntegrity      = "integrity"
)

// Conversation reconciles the store's change stream for one two-party
// conversation into the authoritative in-memory message list.
//
// Events may arrive on any store-internal goroutine; the processed set,
// the content key cache and the admitted list share one mutex so that
// check-then-insert sequences stay atomic under concurrent delivery.
// Admitted entries are kept in event-arrival order, not timestamp order.
type Conversation struct {
	id          string
	localUserID string
	peerID      string
	st          store.Store
	keys        *crypto.IdentityKeyManager
	notifier    NotificationDispatcher

	mu        sync.Mutex
	state     State
	processed map[string]struct{}
	keyCache  map[string]crypto.ContentKey
	admitted  []*Envelope
	rejects   map[string]int
	sub       store.Subscription
	subCtx    context.Context
}

// NewConversation creates a reconciler for the conversation between the
// local user and peer. A nil notifier disables notification dispatch.
func NewConversation(localUserID, peerID string, st store.Store, keys *crypto.IdentityKeyManager, notifier NotificationDispatcher) *Conversation {
	if notifier == nil {
		notifier = NopNotifier{}
	}
	return &Conversation{
		id:          ConversationID(localUserID, peerID),
		localUserID: localUserID,
		peerID:      peerID,
		st:          st,
		keys:        keys,
		notifier:    notifier,
		state:       StateIdle,
		processed:   make(map[string]struct{}),
		keyCache:    make(map[string]crypto.ContentKey),
		rejects:     make(map[string]int),
	}
}

// ID returns the deterministic conversation id.
func (c *Conversation) ID() string {
	return c.id
}

// State returns the current lifecycle state.
func (c *Conversation) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Subscribe establishes the change-stream subscription. Existing
// envelopes are replayed through the same path as live events. The
// subscription lives until Close or ctx cancellation.
func (c *Conversation) Subscribe(ctx context.Context) error {
	c.mu.Lock()
	switch c.state {
	case StateSubscribed:
		c.mu.Unlock()
		return nil
	case StateUnsubscribed:
		c.mu.Unlock()
		return fmt.Errorf("conversation %s is closed", c.id)
	}
	c.subCtx = ctx
	c.mu.Unlock()

	// The store may replay existing envelopes synchronously, so the
	// mutex must not be held across this call.
	sub, err := c.st.Subscribe(ctx, store.ConversationPrefix(c.id), c.handleEvent)
	if err != nil {
		return fmt.Errorf("failed to subscribe to conversation %s: %w", c.id, err)
	}

	c.mu.Lock()
	c.sub = sub
	c.state = StateSubscribed
	c.mu.Unlock()

	logrus.WithFields(logrus.Fields{
		"function":     "Subscribe",
		"package":      "messaging",
		"conversation": c.id,
	}).Debug("Conversation subscribed")

	return nil
}

// Close tears the subscription down and forgets all per-conversation
// state: the processed set, the content key cache and the admitted list.
func (c *Conversation) Close() error {
	c.mu.Lock()
	sub := c.sub
	c.sub = nil
	c.state = StateUnsubscribed
	c.processed = make(map[string]struct{})
	for _, key := range c.keyCache {
		crypto.ZeroBytes(key)
	}
	c.keyCache = make(map[string]crypto.ContentKey)
	c.admitted = nil
	c.mu.Unlock()

	if sub != nil {
		return sub.Close()
	}
	return nil
}

// Messages returns a snapshot of the admitted messages in arrival order.
func (c *Conversation) Messages() []Envelope {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make([]Envelope, len(c.admitted))
	for i, env := range c.admitted {
		out[i] = *env
	}
	return out
}

// RejectCounts returns a copy of the per-reason reject counters.
func (c *Conversation) RejectCounts() map[string]int {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make(map[string]int, len(c.rejects))
	for reason, n := range c.rejects {
		out[reason] = n
	}
	return out
}

// Send encrypts and publishes a message to the peer.
//
// The optimistic plaintext copy is admitted locally before the
// ciphertext envelope is handed to the store, and the message id is
// registered in the processed set first so the reconciler's own Added
// echo is discarded. Persistence is fire-and-forget: a failed store
// write leaves the optimistic copy visible with no retry or rollback.
func (c *Conversation) Send(ctx context.Context, text string) (*Envelope, error) {
	raw, err := c.st.Get(ctx, store.PublicKeyPath(c.peerID))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrRecipientKeyUnavailable, err)
	}

	recipientKey, err := crypto.ImportPublicKey(string(raw))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrRecipientKeyUnavailable, err)
	}

	contentKey, err := crypto.GenerateContentKey()
	if err != nil {
		return nil, err
	}

	ciphertext, err := crypto.EncryptMessage([]byte(text), contentKey)
	if err != nil {
		return nil, err
	}

	wrapped, err := crypto.WrapContentKey(contentKey, recipientKey)
	if err != nil {
		return nil, err
	}

	tag := crypto.ComputeMAC([]byte(text), contentKey)

	id := uuid.NewString()
	now := time.Now().UnixMilli()
	wrappedB64 := base64.StdEncoding.EncodeToString(wrapped)
	macB64 := base64.StdEncoding.EncodeToString(tag)

	optimistic := &Envelope{
		ID:                id,
		SenderID:          c.localUserID,
		ReceiverID:        c.peerID,
		Body:              text,
		WrappedContentKey: wrappedB64,
		Timestamp:         now,
		MAC:               macB64,
		IsEncrypted:       false,
	}

	persisted := &Envelope{
		ID:                id,
		SenderID:          c.localUserID,
		ReceiverID:        c.peerID,
		Body:              base64.StdEncoding.EncodeToString(ciphertext),
		WrappedContentKey: wrappedB64,
		Timestamp:         now,
		MAC:               macB64,
		IsEncrypted:       true,
	}

	c.mu.Lock()
	c.processed[id] = struct{}{}
	c.keyCache[id] = contentKey
	c.admitted = append(c.admitted, optimistic)
	c.mu.Unlock()

	data, err := persisted.Marshal()
	if err != nil {
		return nil, fmt.Errorf("failed to encode envelope: %w", err)
	}

	if err := c.st.Put(ctx, store.MessagePath(c.id, id), data); err != nil {
		logrus.WithFields(logrus.Fields{
			"function":     "Send",
			"package":      "messaging",
			"conversation": c.id,
			"message_id":   id,
			"error":        err.Error(),
		}).Error("Failed to persist message; optimistic copy remains local only")
		return optimistic, nil
	}

	if err := c.notifier.DispatchMessage(ctx, c.peerID, c.localUserID, text); err != nil {
		logrus.WithFields(logrus.Fields{
			"function":     "Send",
			"package":      "messaging",
			"conversation": c.id,
			"message_id":   id,
			"error":        err.Error(),
		}).Warn("Failed to dispatch notification")
	}

	return optimistic, nil
}

// MarkSeen sweeps the conversation and flips the seen flag on every
// stored envelope addressed to the local user that is still unseen.
// This bypasses the encryption path entirely.
func (c *Conversation) MarkSeen(ctx context.Context) error {
	entries, err := c.st.List(ctx, store.ConversationPrefix(c.id))
	if err != nil {
		return fmt.Errorf("failed to list conversation %s: %w", c.id, err)
	}

	var errs []error
	for path, data := range entries {
		env, err := UnmarshalEnvelope(data)
		if err != nil {
			continue
		}
		if env.ReceiverID != c.localUserID || env.SenderID != c.peerID || env.Seen {
			continue
		}

		env.Seen = true
		updated, err := env.Marshal()
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if err := c.st.Put(ctx, path, updated); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// handleEvent routes one change-stream event.
func (c *Conversation) handleEvent(ev store.Event) {
	env, err := UnmarshalEnvelope(ev.Value)
	if err != nil {
		c.reject("", rejectMalformed, err)
		return
	}

	switch ev.Type {
	case store.EventAdded:
		c.handleAdded(env)
	case store.EventChanged:
		c.handleChanged(env)
	case store.EventRemoved:
		c.handleRemoved(env)
	}
}

// handleAdded processes a new envelope: deduplicate, suppress the
// sender's own echo, then decrypt, verify and admit.
func (c *Conversation) handleAdded(env *Envelope) {
	if err := env.Validate(); err != nil {
		c.reject(env.ID, rejectMalformed, err)
		return
	}

	c.mu.Lock()
	if _, dup := c.processed[env.ID]; dup {
		c.mu.Unlock()
		logrus.WithFields(logrus.Fields{
			"function":     "handleAdded",
			"package":      "messaging",
			"conversation": c.id,
			"message_id":   env.ID,
		}).Debug("Duplicate envelope discarded")
		return
	}
	c.processed[env.ID] = struct{}{}
	c.mu.Unlock()

	// The optimistic plaintext copy from Send already represents this
	// message; the persisted ciphertext must never overwrite it.
	if env.SenderID == c.localUserID {
		return
	}

	if !env.IsEncrypted {
		// Legacy unencrypted record: admit as-is.
		display := *env
		c.admit(&display)
		return
	}

	contentKey, err := c.contentKey(env)
	if err != nil {
		if errors.Is(err, crypto.ErrKeyUnwrap) {
			// A broken key store makes this message permanently
			// unreadable; regenerate so future messages can decrypt.
			if c.keys.RecoverIfInvalid() {
				logrus.WithFields(logrus.Fields{
					"function":     "handleAdded",
					"package":      "messaging",
					"conversation": c.id,
					"message_id":   env.ID,
				}).Warn("Identity key pair regenerated after unwrap failure")
			}
			c.reject(env.ID, rejectUnwrap, err)
		} else {
			c.reject(env.ID, rejectKeyUnavailable, err)
		}
		return
	}

	ciphertext, err := env.BodyBytes()
	if err != nil {
		c.reject(env.ID, rejectMalformed, err)
		return
	}

	plaintext, err := crypto.DecryptMessage(ciphertext, contentKey)
	if err != nil {
		c.reject(env.ID, rejectDecrypt, err)
		return
	}

	tag, err := env.MACBytes()
	if err != nil {
		c.reject(env.ID, rejectMalformed, err)
		return
	}

	if !crypto.VerifyMAC(plaintext, tag, contentKey) {
		// Possible tampering. Dropped without user-visible surfacing.
		c.reject(env.ID, rejectIntegrity, nil)
		return
	}

	display := *env
	display.Body = string(plaintext)
	display.IsEncrypted = false
	c.admit(&display)

	c.markStoredSeen(env)
}

// handleChanged merges status updates into an admitted entry. Only the
// seen flag is mutable; the decrypted text obtained at admission time is
// never replaced.
func (c *Conversation) handleChanged(env *Envelope) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, entry := range c.admitted {
		if entry.ID == env.ID {
			entry.Seen = env.Seen
			return
		}
	}
}

// handleRemoved forgets a message entirely: the admitted entry, its
// processed-set registration and its cached content key all go, so a
// later re-add of the same id is treated as a fresh message.
func (c *Conversation) handleRemoved(env *Envelope) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for i, entry := range c.admitted {
		if entry.ID == env.ID {
			c.admitted = append(c.admitted[:i], c.admitted[i+1:]...)
			break
		}
	}
	delete(c.processed, env.ID)
	if key, ok := c.keyCache[env.ID]; ok {
		crypto.ZeroBytes(key)
		delete(c.keyCache, env.ID)
	}
}

// contentKey returns the content key for an envelope, unwrapping it with
// the identity private key or reusing the cached copy from an earlier
// admission of the same id.
func (c *Conversation) contentKey(env *Envelope) (crypto.ContentKey, error) {
	c.mu.Lock()
	key, cached := c.keyCache[env.ID]
	c.mu.Unlock()
	if cached {
		return key, nil
	}

	handle := c.keys.PrivateKeyHandle()
	if handle == nil {
		return nil, fmt.Errorf("identity private key unavailable")
	}

	wrapped, err := env.WrappedKeyBytes()
	if err != nil {
		return nil, err
	}

	key, err = crypto.UnwrapContentKey(wrapped, handle)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	c.keyCache[env.ID] = key
	c.mu.Unlock()

	return key, nil
}

// admit appends a display entry to the message list in arrival order.
func (c *Conversation) admit(env *Envelope) {
	c.mu.Lock()
	c.admitted = append(c.admitted, env)
	c.mu.Unlock()

	logrus.WithFields(logrus.Fields{
		"function":     "admit",
		"package":      "messaging",
		"conversation": c.id,
		"message_id":   env.ID,
		"sender":       env.SenderID,
	}).Debug("Message admitted")
}

// markStoredSeen flips the seen flag on the stored (still encrypted)
// record once its message has been admitted locally.
func (c *Conversation) markStoredSeen(env *Envelope) {
	c.mu.Lock()
	ctx := c.subCtx
	c.mu.Unlock()
	if ctx == nil {
		ctx = context.Background()
	}

	stored := *env
	stored.Seen = true
	data, err := stored.Marshal()
	if err != nil {
		return
	}

	if err := c.st.Put(ctx, store.MessagePath(c.id, env.ID), data); err != nil {
		logrus.WithFields(logrus.Fields{
			"function":     "markStoredSeen",
			"package":      "messaging",
			"conversation": c.id,
			"message_id":   env.ID,
			"error":        err.Error(),
		}).Warn("Failed to update seen flag")
	}
}

// reject records a receive-path failure for diagnostics. Rejected
// messages never reach the visible list.
func (c *Conversation) reject(messageID, reason string, err error) {
	c.mu.Lock()
	c.rejects[reason]++
	c.mu.Unlock()

	fields := logrus.Fields{
		"function":     "reject",
		"package":      "messaging",
		"conversation": c.id,
		"message_id":   messageID,
		"reason":       reason,
	}
	if err != nil {
		fields["error"] = err.Error()
	}
	logrus.WithFields(fields).Debug("Envelope rejected")
}
