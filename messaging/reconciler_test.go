package messaging

import (
	"context"
	"encoding/base64"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opd-ai/sealchat/crypto"
	"github.com/opd-ai/sealchat/store"
)

func newTestKeys(t *testing.T) *crypto.IdentityKeyManager {
	t.Helper()
	ss, err := crypto.NewSecureStore(t.TempDir(), []byte("test password"))
	require.NoError(t, err)
	t.Cleanup(func() { ss.Close() })
	return crypto.NewIdentityKeyManager(ss)
}

func publishKey(t *testing.T, st store.Store, userID string, keys *crypto.IdentityKeyManager) {
	t.Helper()
	pair, err := keys.GetOrCreateKeyPair()
	require.NoError(t, err)
	encoded, err := pair.ExportPublicKey()
	require.NoError(t, err)
	require.NoError(t, st.Put(context.Background(), store.PublicKeyPath(userID), []byte(encoded)))
}

// sealEnvelope builds the ciphertext envelope a sender would persist for
// the given recipient.
func sealEnvelope(t *testing.T, senderID, receiverID, text string, recipientKeys *crypto.IdentityKeyManager) *Envelope {
	t.Helper()

	pair, err := recipientKeys.GetOrCreateKeyPair()
	require.NoError(t, err)

	key, err := crypto.GenerateContentKey()
	require.NoError(t, err)
	ciphertext, err := crypto.EncryptMessage([]byte(text), key)
	require.NoError(t, err)
	wrapped, err := crypto.WrapContentKey(key, pair.Public())
	require.NoError(t, err)
	tag := crypto.ComputeMAC([]byte(text), key)

	return &Envelope{
		ID:                uuid.NewString(),
		SenderID:          senderID,
		ReceiverID:        receiverID,
		Body:              base64.StdEncoding.EncodeToString(ciphertext),
		WrappedContentKey: base64.StdEncoding.EncodeToString(wrapped),
		Timestamp:         time.Now().UnixMilli(),
		MAC:               base64.StdEncoding.EncodeToString(tag),
		IsEncrypted:       true,
	}
}

func putEnvelope(t *testing.T, st store.Store, conversationID string, env *Envelope) {
	t.Helper()
	data, err := env.Marshal()
	require.NoError(t, err)
	require.NoError(t, st.Put(context.Background(), store.MessagePath(conversationID, env.ID), data))
}

func TestSendProducesEncryptedEnvelope(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore()
	aliceKeys := newTestKeys(t)
	bobKeys := newTestKeys(t)
	publishKey(t, st, "bob", bobKeys)

	conv := NewConversation("alice", "bob", st, aliceKeys, nil)
	require.NoError(t, conv.Subscribe(ctx))
	defer conv.Close()

	optimistic, err := conv.Send(ctx, "hello")
	require.NoError(t, err)

	// The optimistic local copy shows plaintext immediately.
	assert.False(t, optimistic.IsEncrypted)
	assert.Equal(t, "hello", optimistic.Body)

	messages := conv.Messages()
	require.Len(t, messages, 1)
	assert.Equal(t, "hello", messages[0].Body)
	assert.False(t, messages[0].IsEncrypted)

	// The persisted record is ciphertext with key-wrapping metadata.
	data, err := st.Get(ctx, store.MessagePath(conv.ID(), optimistic.ID))
	require.NoError(t, err)
	persisted, err := UnmarshalEnvelope(data)
	require.NoError(t, err)

	assert.True(t, persisted.IsEncrypted)
	assert.NotEmpty(t, persisted.WrappedContentKey)
	assert.NotEmpty(t, persisted.MAC)
	assert.NotEqual(t, "hello", persisted.Body)

	ciphertext, err := persisted.BodyBytes()
	require.NoError(t, err)
	assert.NotContains(t, string(ciphertext), "hello")
}

func TestSendWithoutRecipientKey(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore()
	conv := NewConversation("alice", "bob", st, newTestKeys(t), nil)

	_, err := conv.Send(ctx, "hello")
	assert.ErrorIs(t, err, ErrRecipientKeyUnavailable)
	assert.Empty(t, conv.Messages(), "an aborted send must not leave an optimistic entry")
}

func TestReceiveDecrypts(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore()
	aliceKeys := newTestKeys(t)
	bobKeys := newTestKeys(t)
	publishKey(t, st, "alice", aliceKeys)
	publishKey(t, st, "bob", bobKeys)

	aliceConv := NewConversation("alice", "bob", st, aliceKeys, nil)
	require.NoError(t, aliceConv.Subscribe(ctx))
	defer aliceConv.Close()

	bobConv := NewConversation("bob", "alice", st, bobKeys, nil)
	require.NoError(t, bobConv.Subscribe(ctx))
	defer bobConv.Close()

	sent, err := aliceConv.Send(ctx, "hello")
	require.NoError(t, err)

	bobMessages := bobConv.Messages()
	require.Len(t, bobMessages, 1)
	assert.Equal(t, "hello", bobMessages[0].Body)
	assert.False(t, bobMessages[0].IsEncrypted)
	assert.Equal(t, "alice", bobMessages[0].SenderID)

	// Admission flips the stored record's seen flag, and the change
	// merges back into alice's optimistic entry.
	data, err := st.Get(ctx, store.MessagePath(bobConv.ID(), sent.ID))
	require.NoError(t, err)
	persisted, err := UnmarshalEnvelope(data)
	require.NoError(t, err)
	assert.True(t, persisted.Seen)
	assert.True(t, persisted.IsEncrypted, "the stored record stays ciphertext")

	aliceMessages := aliceConv.Messages()
	require.Len(t, aliceMessages, 1)
	assert.Equal(t, "hello", aliceMessages[0].Body, "alice keeps her plaintext copy")
	assert.True(t, aliceMessages[0].Seen)
}

func TestTamperedBodyDropped(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore()
	bobKeys := newTestKeys(t)

	conv := NewConversation("bob", "alice", st, bobKeys, nil)
	require.NoError(t, conv.Subscribe(ctx))
	defer conv.Close()

	// Flip one ciphertext byte in a middle block: decryption still
	// succeeds (padding lives in the last block) but the plaintext no
	// longer matches the tag.
	env := sealEnvelope(t, "alice", "bob", "attack at dawn, bring the long ladder", bobKeys)
	ciphertext, err := env.BodyBytes()
	require.NoError(t, err)
	require.Greater(t, len(ciphertext), 16)
	ciphertext[0] ^= 0x01
	env.Body = base64.StdEncoding.EncodeToString(ciphertext)

	putEnvelope(t, st, conv.ID(), env)

	assert.Empty(t, conv.Messages(), "a tampered message must never appear")
	assert.Equal(t, 1, conv.RejectCounts()[rejectIntegrity])
}

func TestDuplicateAddedSuppressed(t *testing.T) {
	st := store.NewMemoryStore()
	bobKeys := newTestKeys(t)
	conv := NewConversation("bob", "alice", st, bobKeys, nil)

	env := sealEnvelope(t, "alice", "bob", "hello", bobKeys)
	conv.handleAdded(env)
	conv.handleAdded(env)

	assert.Len(t, conv.Messages(), 1, "the same envelope id admits exactly once")
}

func TestSenderEchoSuppressed(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore()
	aliceKeys := newTestKeys(t)
	bobKeys := newTestKeys(t)
	publishKey(t, st, "bob", bobKeys)

	conv := NewConversation("alice", "bob", st, aliceKeys, nil)
	require.NoError(t, conv.Subscribe(ctx))
	defer conv.Close()

	// The store echoes the persisted envelope back as an Added event;
	// the optimistic copy must remain the only entry.
	_, err := conv.Send(ctx, "hello")
	require.NoError(t, err)
	assert.Len(t, conv.Messages(), 1)

	// A reconciler with no optimistic copy (fresh subscription) still
	// discards the local user's own ciphertext records.
	fresh := NewConversation("alice", "bob", st, aliceKeys, nil)
	require.NoError(t, fresh.Subscribe(ctx))
	defer fresh.Close()
	assert.Empty(t, fresh.Messages())
}

func TestChangedMergesStatusOnly(t *testing.T) {
	st := store.NewMemoryStore()
	bobKeys := newTestKeys(t)
	conv := NewConversation("bob", "alice", st, bobKeys, nil)

	env := sealEnvelope(t, "alice", "bob", "original text", bobKeys)
	conv.handleAdded(env)

	messages := conv.Messages()
	require.Len(t, messages, 1)
	require.Equal(t, "original text", messages[0].Body)

	update := *env
	update.Seen = true
	update.Body = base64.StdEncoding.EncodeToString([]byte("attacker controlled"))
	conv.handleChanged(&update)

	messages = conv.Messages()
	require.Len(t, messages, 1)
	assert.Equal(t, "original text", messages[0].Body, "a Changed event never replaces admitted text")
	assert.True(t, messages[0].Seen)
}

func TestChangedForUnknownIDIsIgnored(t *testing.T) {
	conv := NewConversation("bob", "alice", store.NewMemoryStore(), newTestKeys(t), nil)

	conv.handleChanged(&Envelope{ID: "never-admitted", Seen: true})
	assert.Empty(t, conv.Messages())
}

func TestRemovedForgets(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore()
	bobKeys := newTestKeys(t)

	conv := NewConversation("bob", "alice", st, bobKeys, nil)
	require.NoError(t, conv.Subscribe(ctx))
	defer conv.Close()

	env := sealEnvelope(t, "alice", "bob", "hello", bobKeys)
	putEnvelope(t, st, conv.ID(), env)
	require.Len(t, conv.Messages(), 1)

	require.NoError(t, st.Delete(ctx, store.MessagePath(conv.ID(), env.ID)))
	assert.Empty(t, conv.Messages())

	// Removal fully forgets the id: a re-add is a fresh message, not a duplicate.
	putEnvelope(t, st, conv.ID(), env)
	assert.Len(t, conv.Messages(), 1)
}

func TestLegacyPlaintextAdmitted(t *testing.T) {
	st := store.NewMemoryStore()
	conv := NewConversation("bob", "alice", st, newTestKeys(t), nil)

	conv.handleAdded(&Envelope{
		ID:         "legacy-1",
		SenderID:   "alice",
		ReceiverID: "bob",
		Body:       "plain old message",
		Timestamp:  time.Now().UnixMilli(),
	})

	messages := conv.Messages()
	require.Len(t, messages, 1)
	assert.Equal(t, "plain old message", messages[0].Body)
	assert.False(t, messages[0].IsEncrypted)
}

func TestMarkSeenSweep(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore()
	aliceKeys := newTestKeys(t)
	bobKeys := newTestKeys(t)
	publishKey(t, st, "bob", bobKeys)

	aliceConv := NewConversation("alice", "bob", st, aliceKeys, nil)
	require.NoError(t, aliceConv.Subscribe(ctx))
	defer aliceConv.Close()

	_, err := aliceConv.Send(ctx, "first")
	require.NoError(t, err)
	_, err = aliceConv.Send(ctx, "second")
	require.NoError(t, err)

	// Bob opens the conversation and sweeps without decrypting anything.
	bobConv := NewConversation("bob", "alice", st, bobKeys, nil)
	require.NoError(t, bobConv.MarkSeen(ctx))

	entries, err := st.List(ctx, store.ConversationPrefix(bobConv.ID()))
	require.NoError(t, err)
	require.Len(t, entries, 2)
	for _, data := range entries {
		env, err := UnmarshalEnvelope(data)
		require.NoError(t, err)
		assert.True(t, env.Seen)
		assert.True(t, env.IsEncrypted, "the sweep never touches the encryption path")
	}

	// The seen flips merge back into alice's optimistic entries.
	for _, msg := range aliceConv.Messages() {
		assert.True(t, msg.Seen)
	}
}

func TestKeyLossRecovery(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore()
	aliceKeys := newTestKeys(t)
	oldBobKeys := newTestKeys(t)
	publishKey(t, st, "bob", oldBobKeys)

	aliceConv := NewConversation("alice", "bob", st, aliceKeys, nil)
	require.NoError(t, aliceConv.Subscribe(ctx))
	defer aliceConv.Close()

	_, err := aliceConv.Send(ctx, "before the reinstall")
	require.NoError(t, err)

	// Bob reinstalls: a fresh secure store holds no pair, so a new one
	// is generated and published.
	newBobKeys := newTestKeys(t)
	publishKey(t, st, "bob", newBobKeys)

	bobConv := NewConversation("bob", "alice", st, newBobKeys, nil)
	require.NoError(t, bobConv.Subscribe(ctx))
	defer bobConv.Close()

	// The old envelope is permanently unreadable.
	assert.Empty(t, bobConv.Messages())
	assert.Equal(t, 1, bobConv.RejectCounts()[rejectUnwrap])

	// Messages sent against the re-published key decrypt fine.
	_, err = aliceConv.Send(ctx, "after the reinstall")
	require.NoError(t, err)

	messages := bobConv.Messages()
	require.Len(t, messages, 1)
	assert.Equal(t, "after the reinstall", messages[0].Body)
}

func TestCachedContentKeyReused(t *testing.T) {
	st := store.NewMemoryStore()
	bobKeys := newTestKeys(t)
	conv := NewConversation("bob", "alice", st, bobKeys, nil)

	env := sealEnvelope(t, "alice", "bob", "hello", bobKeys)
	conv.handleAdded(env)
	require.Len(t, conv.Messages(), 1)

	// Forget only the processed-set entry, keeping the cached key, then
	// replay the same envelope: it must decrypt via the cache even if
	// the private key has since become unusable.
	conv.mu.Lock()
	delete(conv.processed, env.ID)
	conv.mu.Unlock()
	_, err := bobKeys.Regenerate()
	require.NoError(t, err)

	conv.handleAdded(env)
	messages := conv.Messages()
	require.Len(t, messages, 2)
	assert.Equal(t, "hello", messages[1].Body)
}

func TestCloseClearsState(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore()
	bobKeys := newTestKeys(t)

	conv := NewConversation("bob", "alice", st, bobKeys, nil)
	require.NoError(t, conv.Subscribe(ctx))

	env := sealEnvelope(t, "alice", "bob", "hello", bobKeys)
	putEnvelope(t, st, conv.ID(), env)
	require.Len(t, conv.Messages(), 1)

	require.NoError(t, conv.Close())
	assert.Equal(t, StateUnsubscribed, conv.State())
	assert.Empty(t, conv.Messages())

	// The subscription is gone: further writes do not reach the reconciler.
	putEnvelope(t, st, conv.ID(), sealEnvelope(t, "alice", "bob", "late", bobKeys))
	assert.Empty(t, conv.Messages())

	assert.Error(t, conv.Subscribe(ctx), "a closed conversation cannot be resubscribed")
}

func TestArrivalOrderPreserved(t *testing.T) {
	st := store.NewMemoryStore()
	bobKeys := newTestKeys(t)
	conv := NewConversation("bob", "alice", st, bobKeys, nil)

	first := sealEnvelope(t, "alice", "bob", "first", bobKeys)
	second := sealEnvelope(t, "alice", "bob", "second", bobKeys)
	// Timestamps deliberately inverted: arrival order wins.
	first.Timestamp = 2000
	second.Timestamp = 1000

	conv.handleAdded(first)
	conv.handleAdded(second)

	messages := conv.Messages()
	require.Len(t, messages, 2)
	assert.Equal(t, "first", messages[0].Body)
	assert.Equal(t, "second", messages[1].Body)
}
