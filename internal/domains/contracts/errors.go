package contracts

import (
	"errors"
	"strings"
)

var (
	ErrInvalidKey           = errors.New("invalid key")
	ErrKeyMismatch          = errors.New("sender public key does not match the registered key")
	ErrUnknownIdentity      = errors.New("unknown identity")
	ErrEncryptionFailed     = errors.New("encryption failed")
	ErrAuthenticationFailed = errors.New("cannot read this message")
	ErrUnauthenticated      = errors.New("unauthenticated")
	ErrUnauthorized         = errors.New("unauthorized")
	ErrEnvelopeNotFound     = errors.New("envelope not found")
	ErrNonceReused          = errors.New("nonce already used for this sender and recipient")
	ErrInvalidInput         = errors.New("invalid input")
	ErrRateLimited          = errors.New("rate limited")
	ErrTooManySubscriptions = errors.New("too many live subscriptions")
)

const (
	ErrorCategoryAPI     = "api"
	ErrorCategoryAuth    = "auth"
	ErrorCategoryCrypto  = "crypto"
	ErrorCategoryStorage = "storage"
	ErrorCategoryNetwork = "network"
)

type CategorizedError struct {
	Category string
	Err      error
}

func (e *CategorizedError) Error() string {
	return e.Err.Error()
}

func (e *CategorizedError) Unwrap() error {
	return e.Err
}

func normalizeErrorCategory(category string) string {
	switch strings.ToLower(strings.TrimSpace(category)) {
	case ErrorCategoryAuth:
		return ErrorCategoryAuth
	case ErrorCategoryCrypto:
		return ErrorCategoryCrypto
	case ErrorCategoryStorage:
		return ErrorCategoryStorage
	case ErrorCategoryNetwork:
		return ErrorCategoryNetwork
	default:
		return ErrorCategoryAPI
	}
}

func WrapCategorizedError(category string, err error) error {
	if err == nil {
		return nil
	}
	var existing *CategorizedError
	if errors.As(err, &existing) {
		return &CategorizedError{
			Category: normalizeErrorCategory(existing.Category),
			Err:      existing.Err,
		}
	}
	return &CategorizedError{
		Category: normalizeErrorCategory(category),
		Err:      err,
	}
}

// ErrorCategory returns the explicit category of err or infers one from the
// taxonomy sentinels. Anything unrecognised is an api error.
func ErrorCategory(err error) string {
	var classified *CategorizedError
	if errors.As(err, &classified) {
		return normalizeErrorCategory(classified.Category)
	}
	switch {
	case errors.Is(err, ErrUnauthenticated), errors.Is(err, ErrUnauthorized):
		return ErrorCategoryAuth
	case errors.Is(err, ErrInvalidKey), errors.Is(err, ErrKeyMismatch),
		errors.Is(err, ErrEncryptionFailed), errors.Is(err, ErrAuthenticationFailed):
		return ErrorCategoryCrypto
	default:
		return ErrorCategoryAPI
	}
}

// IsClientError reports whether err is caused by the request itself and therefore
// must not be retried by the caller.
func IsClientError(err error) bool {
	for _, target := range []error{
		ErrInvalidKey, ErrKeyMismatch, ErrUnknownIdentity, ErrEncryptionFailed,
		ErrAuthenticationFailed, ErrUnauthenticated, ErrUnauthorized,
		ErrEnvelopeNotFound, ErrNonceReused, ErrInvalidInput,
		ErrRateLimited, ErrTooManySubscriptions,
	} {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}
