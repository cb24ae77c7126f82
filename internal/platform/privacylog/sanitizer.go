// Package privacylog keeps message payloads, key material and credentials out
// of logs. Identity and envelope references are replaced with fingerprints that
// are stable for one process lifetime only.
package privacylog

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"log/slog"
	"strings"

	"sealchat/go-backend/pkg/models"
)

const redactedValue = "[REDACTED]"

type policy uint8

const (
	keep policy = iota
	redact
	fingerprint
)

// Fields naming one party of a conversation or one stored envelope.
var referenceFields = map[string]struct{}{
	"identity_id":  {},
	"caller_id":    {},
	"sender_id":    {},
	"recipient_id": {},
	"other_id":     {},
	"self_id":      {},
	"envelope_id":  {},
}

// Any key containing one of these is dropped whatever its value.
var (
	payloadFragments    = []string{"ciphertext", "plaintext", "nonce"}
	keyFragments        = []string{"key", "private", "mnemonic", "seed"}
	credentialFragments = []string{"token", "secret", "password", "passphrase", "authorization", "auth"}
)

var bootSalt = newBootSalt()

func classify(key string) policy {
	key = strings.ToLower(strings.TrimSpace(key))
	if _, ok := referenceFields[key]; ok {
		return fingerprint
	}
	for _, fragments := range [][]string{payloadFragments, keyFragments, credentialFragments} {
		for _, fragment := range fragments {
			if strings.Contains(key, fragment) {
				return redact
			}
		}
	}
	return keep
}

// Handler applies SanitizeAttr to every attribute before passing the record on.
type Handler struct {
	next slog.Handler
}

func WrapHandler(next slog.Handler) slog.Handler {
	if next == nil {
		return nil
	}
	return &Handler{next: next}
}

func (h *Handler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.next.Enabled(ctx, level)
}

func (h *Handler) Handle(ctx context.Context, rec slog.Record) error {
	clean := slog.NewRecord(rec.Time, rec.Level, rec.Message, rec.PC)
	rec.Attrs(func(attr slog.Attr) bool {
		clean.AddAttrs(SanitizeAttr(attr))
		return true
	})
	return h.next.Handle(ctx, clean)
}

func (h *Handler) WithAttrs(attrs []slog.Attr) slog.Handler {
	clean := make([]slog.Attr, len(attrs))
	for i, attr := range attrs {
		clean[i] = SanitizeAttr(attr)
	}
	return &Handler{next: h.next.WithAttrs(clean)}
}

func (h *Handler) WithGroup(name string) slog.Handler {
	return &Handler{next: h.next.WithGroup(name)}
}

// SanitizeAttr resolves LogValuers first so a value cannot smuggle an id or
// payload past the key checks. Groups are sanitized recursively.
func SanitizeAttr(attr slog.Attr) slog.Attr {
	attr.Value = attr.Value.Resolve()
	switch classify(attr.Key) {
	case redact:
		return slog.String(attr.Key, redactedValue)
	case fingerprint:
		return slog.String(attr.Key+"_fp", FingerprintID(attr.Value.String()))
	}
	if attr.Value.Kind() != slog.KindGroup {
		return attr
	}
	group := attr.Value.Group()
	clean := make([]slog.Attr, len(group))
	for i, member := range group {
		clean[i] = SanitizeAttr(member)
	}
	return slog.Attr{Key: attr.Key, Value: slog.GroupValue(clean...)}
}

// FingerprintID maps an identity or envelope id to a short salted digest.
// Surrounding whitespace is ignored; the empty id stays empty.
func FingerprintID(id string) string {
	id = strings.TrimSpace(id)
	if id == "" {
		return ""
	}
	sum := sha256.Sum256([]byte(bootSalt + "|" + id))
	return "fp_" + hex.EncodeToString(sum[:8])
}

// Envelope summarizes a stored envelope for logs: both parties and the id as
// fingerprints, plus sequence and payload size. It is safe without the Handler.
func Envelope(env models.Envelope) slog.Attr {
	return slog.Group("envelope",
		slog.String("envelope_id_fp", FingerprintID(env.ID)),
		slog.String("sender_id_fp", FingerprintID(env.SenderID)),
		slog.String("recipient_id_fp", FingerprintID(env.RecipientID)),
		slog.Uint64("seq", env.Seq),
		slog.Int("size", len(env.Ciphertext)),
	)
}

func newBootSalt() string {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		panic("privacylog: read boot salt: " + err.Error())
	}
	return hex.EncodeToString(buf)
}
