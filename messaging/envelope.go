package messaging

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
)

// ErrInvalidEnvelope indicates an envelope violating the wire invariants.
var ErrInvalidEnvelope = errors.New("invalid envelope")

// Envelope is the persisted wire record for one message.
//
// When IsEncrypted is true, Body holds base64 ciphertext and
// WrappedContentKey and MAC must both be present. When false, Body is
// plaintext: either the sender's own optimistic local copy or the rare
// legacy unencrypted record.
type Envelope struct {
	ID                string `json:"id"`
	SenderID          string `json:"senderId"`
	ReceiverID        string `json:"receiverId"`
	Body              string `json:"body"`
	WrappedContentKey string `json:"wrappedContentKey,omitempty"`
	Timestamp         int64  `json:"timestamp"`
	MAC               string `json:"mac,omitempty"`
	Seen              bool   `json:"seen"`
	IsEncrypted       bool   `json:"isEncrypted"`
}

// Validate checks the envelope invariants.
func (e *Envelope) Validate() error {
	if e.ID == "" {
		return fmt.Errorf("%w: missing id", ErrInvalidEnvelope)
	}
	if e.SenderID == "" || e.ReceiverID == "" {
		return fmt.Errorf("%w: missing participant id", ErrInvalidEnvelope)
	}
	if e.IsEncrypted && (e.WrappedContentKey == "" || e.MAC == "") {
		return fmt.Errorf("%w: encrypted envelope without wrapped key or mac", ErrInvalidEnvelope)
	}
	return nil
}

// BodyBytes decodes the ciphertext body of an encrypted envelope.
func (e *Envelope) BodyBytes() ([]byte, error) {
	data, err := base64.StdEncoding.DecodeString(e.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: body is not valid base64: %v", ErrInvalidEnvelope, err)
	}
	return data, nil
}

// WrappedKeyBytes decodes the wrapped content key.
func (e *Envelope) WrappedKeyBytes() ([]byte, error) {
	data, err := base64.StdEncoding.DecodeString(e.WrappedContentKey)
	if err != nil {
		return nil, fmt.Errorf("%w: wrapped key is not valid base64: %v", ErrInvalidEnvelope, err)
	}
	return data, nil
}

// MACBytes decodes the integrity tag.
func (e *Envelope) MACBytes() ([]byte, error) {
	data, err := base64.StdEncoding.DecodeString(e.MAC)
	if err != nil {
		return nil, fmt.Errorf("%w: mac is not valid base64: %v", ErrInvalidEnvelope, err)
	}
	return data, nil
}

// Marshal serializes the envelope for storage.
func (e *Envelope) Marshal() ([]byte, error) {
	return json.Marshal(e)
}

// UnmarshalEnvelope parses a stored envelope.
func UnmarshalEnvelope(data []byte) (*Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidEnvelope, err)
	}
	return &env, nil
}

// ConversationID derives the deterministic, order-independent
// conversation id for two participants: the lexicographically sorted
// pair joined by an underscore. Both sides compute the same id without
// coordination.
func ConversationID(userA, userB string) string {
	if userA < userB {
		return userA + "_" + userB
	}
	return userB + "_" + userA
}
