package models

import "time"

// Identity is the directory record for a registered user: a stable id assigned by the
// auth collaborator and the single public key currently active for it.
type Identity struct {
	ID           string    `json:"id"`
	PublicKey    []byte    `json:"publicKey"`
	Fingerprint  string    `json:"fingerprint"`
	RegisteredAt time.Time `json:"registeredAt"`
}

// Envelope is one stored encrypted message plus its receipt state.
type Envelope struct {
	ID              string    `json:"id"`
	Seq             uint64    `json:"seq"`
	SenderID        string    `json:"senderId"`
	RecipientID     string    `json:"recipientId"`
	Ciphertext      []byte    `json:"ciphertext"`
	Nonce           []byte    `json:"nonce"`
	SenderPublicKey []byte    `json:"senderPublicKey"`
	CreatedAt       time.Time `json:"createdAt"`
	Delivered       bool      `json:"delivered"`
	DeliveredAt     time.Time `json:"deliveredAt,omitzero"`
	Read            bool      `json:"read"`
	ReadAt          time.Time `json:"readAt,omitzero"`
}

// Event projects the envelope into the shape pushed over the real-time channel.
func (e Envelope) Event() EnvelopeEvent {
	return EnvelopeEvent{
		ID:              e.ID,
		SenderID:        e.SenderID,
		Ciphertext:      append([]byte(nil), e.Ciphertext...),
		Nonce:           append([]byte(nil), e.Nonce...),
		SenderPublicKey: append([]byte(nil), e.SenderPublicKey...),
		CreatedAt:       e.CreatedAt,
	}
}

// Clone returns a deep copy so callers never alias ledger-owned byte slices.
func (e Envelope) Clone() Envelope {
	out := e
	out.Ciphertext = append([]byte(nil), e.Ciphertext...)
	out.Nonce = append([]byte(nil), e.Nonce...)
	out.SenderPublicKey = append([]byte(nil), e.SenderPublicKey...)
	return out
}

// EnvelopeEvent is the outbound notification for a newly stored envelope.
type EnvelopeEvent struct {
	ID              string    `json:"id"`
	SenderID        string    `json:"senderId"`
	Ciphertext      []byte    `json:"ciphertext"`
	Nonce           []byte    `json:"nonce"`
	SenderPublicKey []byte    `json:"senderPublicKey"`
	CreatedAt       time.Time `json:"createdAt"`
}

type SendRequest struct {
	SenderID        string `json:"senderId,omitempty"`
	RecipientID     string `json:"recipientId"`
	Ciphertext      []byte `json:"ciphertext"`
	Nonce           []byte `json:"nonce"`
	SenderPublicKey []byte `json:"senderPublicKey"`
}

type SendResult struct {
	EnvelopeID string    `json:"envelopeId"`
	CreatedAt  time.Time `json:"createdAt"`
}

type ConversationQuery struct {
	SelfID  string `json:"selfId,omitempty"`
	OtherID string `json:"otherId"`
	Limit   int    `json:"limit,omitempty"`
	Offset  int    `json:"offset,omitempty"`
}

type ConversationResult struct {
	Messages []Envelope `json:"messages"`
}

type AckRequest struct {
	EnvelopeID string `json:"envelopeId"`
}

type RegisterKeyRequest struct {
	PublicKey []byte `json:"publicKey"`
}

type LookupKeyRequest struct {
	IdentityID string `json:"identityId"`
}

type DeliveryStats struct {
	Identities    int    `json:"identities"`
	Subscriptions int    `json:"subscriptions"`
	Delivered     uint64 `json:"delivered"`
	Dropped       uint64 `json:"dropped"`
}

type HealthStatus struct {
	Status         string        `json:"status"`
	ZeroAccess     bool          `json:"zeroAccess"`
	StorageBackend string        `json:"storageBackend"`
	Storage        string        `json:"storage"`
	Delivery       DeliveryStats `json:"delivery"`
	Timestamp      time.Time     `json:"timestamp"`
}

// ConversationPair orders two identity ids so both directions of a conversation
// share one index key.
func ConversationPair(a, b string) (lo, hi string) {
	if a <= b {
		return a, b
	}
	return b, a
}

// EnvelopeLess is the conversation ordering: creation time, then insertion sequence.
func EnvelopeLess(a, b Envelope) bool {
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.Before(b.CreatedAt)
	}
	return a.Seq < b.Seq
}
