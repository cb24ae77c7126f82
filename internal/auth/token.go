package auth

import (
	"context"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"sealchat/go-backend/internal/domains/contracts"

	"golang.org/x/crypto/blake2b"
)

const (
	tokenPrefix      = "sct1"
	DefaultTokenTTL  = 7 * 24 * time.Hour
	minSecretLength  = 16
	maxTokenIDLength = 128
)

var (
	ErrTokenMalformed = errors.New("session token is malformed")
	ErrTokenExpired   = errors.New("session token is expired")
	ErrTokenSignature = errors.New("session token signature is invalid")
	ErrWeakSecret     = errors.New("token signing secret is too short")
	ErrSecretTooLong  = fmt.Errorf("token signing secret exceeds %d bytes", blake2b.Size)
)

// TokenSigner issues and verifies self-contained session tokens of the form
// sct1.<identity>.<expiry>.<mac>, where the MAC is keyed BLAKE2b-256 over the
// first three fields.
type TokenSigner struct {
	secret []byte
	Now    func() time.Time
}

func NewTokenSigner(secret []byte) (*TokenSigner, error) {
	if len(secret) < minSecretLength {
		return nil, ErrWeakSecret
	}
	// Keyed BLAKE2b accepts at most blake2b.Size key bytes.
	if len(secret) > blake2b.Size {
		return nil, ErrSecretTooLong
	}
	return &TokenSigner{secret: append([]byte(nil), secret...)}, nil
}

func (s *TokenSigner) now() time.Time {
	if s.Now != nil {
		return s.Now().UTC()
	}
	return time.Now().UTC()
}

// Issue returns a token for identityID valid for ttl (DefaultTokenTTL when zero).
func (s *TokenSigner) Issue(identityID string, ttl time.Duration) (string, time.Time, error) {
	identityID = strings.TrimSpace(identityID)
	if identityID == "" || len(identityID) > maxTokenIDLength {
		return "", time.Time{}, fmt.Errorf("%w: identity id", contracts.ErrInvalidInput)
	}
	if ttl <= 0 {
		ttl = DefaultTokenTTL
	}
	expiresAt := s.now().Add(ttl).Truncate(time.Second)
	payload := tokenPrefix + "." +
		base64.RawURLEncoding.EncodeToString([]byte(identityID)) + "." +
		strconv.FormatInt(expiresAt.Unix(), 10)
	mac, err := s.mac(payload)
	if err != nil {
		return "", time.Time{}, err
	}
	return payload + "." + base64.RawURLEncoding.EncodeToString(mac), expiresAt, nil
}

// Verify checks the MAC before the expiry so a forged token learns nothing
// about clock skew.
func (s *TokenSigner) Verify(token string) (string, time.Time, error) {
	parts := strings.Split(strings.TrimSpace(token), ".")
	if len(parts) != 4 || parts[0] != tokenPrefix {
		return "", time.Time{}, ErrTokenMalformed
	}
	payload := strings.Join(parts[:3], ".")
	got, err := base64.RawURLEncoding.DecodeString(parts[3])
	if err != nil {
		return "", time.Time{}, ErrTokenMalformed
	}
	want, err := s.mac(payload)
	if err != nil {
		return "", time.Time{}, err
	}
	if subtle.ConstantTimeCompare(got, want) != 1 {
		return "", time.Time{}, ErrTokenSignature
	}
	rawID, err := base64.RawURLEncoding.DecodeString(parts[1])
	if err != nil || len(rawID) == 0 {
		return "", time.Time{}, ErrTokenMalformed
	}
	unix, err := strconv.ParseInt(parts[2], 10, 64)
	if err != nil {
		return "", time.Time{}, ErrTokenMalformed
	}
	expiresAt := time.Unix(unix, 0).UTC()
	if !expiresAt.After(s.now()) {
		return "", time.Time{}, ErrTokenExpired
	}
	return string(rawID), expiresAt, nil
}

// Resolve lets a TokenSigner act as a Resolver. Non-token credentials are
// reported as unauthenticated so a Chain can fall through.
func (s *TokenSigner) Resolve(_ context.Context, credential string) (string, error) {
	id, _, err := s.Verify(credential)
	if err != nil {
		return "", fmt.Errorf("%w: %v", contracts.ErrUnauthenticated, err)
	}
	return id, nil
}

func (s *TokenSigner) mac(payload string) ([]byte, error) {
	h, err := blake2b.New256(s.secret)
	if err != nil {
		return nil, err
	}
	_, _ = h.Write([]byte(payload))
	return h.Sum(nil), nil
}
