package rpc

import (
	"errors"
	"fmt"

	"sealchat/go-backend/internal/domains/contracts"
)

const (
	codeParseError      = -32700
	codeInvalidRequest  = -32600
	codeMethodNotFound  = -32601
	codeInvalidParams   = -32602
	codeInternal        = -32000
	codeUnauthenticated = -32001
	codeUnauthorized    = -32003
	codeInvalidKey      = -32010
	codeUnknownIdentity = -32011
	codeNotFound        = -32012
	codeNonceReused     = -32013
	codeRateLimited     = -32029
)

var (
	errInvalidParams = errors.New("invalid params")
	errRateLimited   = contracts.ErrRateLimited
	errNoResolver    = fmt.Errorf("%w: no credential resolver configured", contracts.ErrUnauthenticated)
)

func invalidParams() *rpcError {
	return &rpcError{Code: codeInvalidParams, Message: "invalid params"}
}

func invalidRequest() *rpcError {
	return &rpcError{Code: codeInvalidRequest, Message: "invalid request"}
}

var errorCodes = []struct {
	target error
	code   int
}{
	{contracts.ErrUnauthenticated, codeUnauthenticated},
	{contracts.ErrUnauthorized, codeUnauthorized},
	{contracts.ErrInvalidKey, codeInvalidKey},
	{contracts.ErrKeyMismatch, codeInvalidKey},
	{contracts.ErrUnknownIdentity, codeUnknownIdentity},
	{contracts.ErrEnvelopeNotFound, codeNotFound},
	{contracts.ErrNonceReused, codeNonceReused},
	{contracts.ErrRateLimited, codeRateLimited},
	{contracts.ErrTooManySubscriptions, codeRateLimited},
	{contracts.ErrInvalidInput, codeInvalidParams},
	{errInvalidParams, codeInvalidParams},
}

// mapError turns a gateway error into a JSON-RPC error. Anything that is not a
// known client error is reported as internal without its message.
func mapError(err error) *rpcError {
	for _, e := range errorCodes {
		if errors.Is(err, e.target) {
			return &rpcError{Code: e.code, Message: err.Error()}
		}
	}
	return &rpcError{Code: codeInternal, Message: "internal error"}
}
