package rpc

import (
	"context"
	"encoding/json"

	"sealchat/go-backend/internal/domains/gateway"
	"sealchat/go-backend/pkg/models"
)

const methodHealthCheck = "health_check"

const maxConversationLimit = 1000

var knownMethods = map[string]struct{}{
	methodHealthCheck:           {},
	gateway.OpRegisterKey:       {},
	gateway.OpLookupKey:         {},
	gateway.OpSend:              {},
	gateway.OpFetchConversation: {},
	gateway.OpAckDelivered:      {},
	gateway.OpAckRead:           {},
}

func isKnownMethod(method string) bool {
	_, ok := knownMethods[method]
	return ok
}

func (s *Server) dispatch(ctx context.Context, callerID, method string, raw json.RawMessage) (any, *rpcError) {
	switch method {
	case methodHealthCheck:
		return s.gateway.Health(ctx), nil

	case gateway.OpRegisterKey:
		var p models.RegisterKeyRequest
		if err := decodeParams(raw, &p); err != nil || len(p.PublicKey) == 0 {
			return nil, invalidParams()
		}
		return wrap(s.gateway.RegisterKey(ctx, callerID, p.PublicKey))

	case gateway.OpLookupKey:
		var p models.LookupKeyRequest
		if err := decodeParams(raw, &p); err != nil || p.IdentityID == "" {
			return nil, invalidParams()
		}
		return wrap(s.gateway.LookupKey(ctx, callerID, p.IdentityID))

	case gateway.OpSend:
		var p models.SendRequest
		if err := decodeParams(raw, &p); err != nil || p.RecipientID == "" {
			return nil, invalidParams()
		}
		return wrap(s.gateway.Send(ctx, callerID, p))

	case gateway.OpFetchConversation:
		var p models.ConversationQuery
		if err := decodeParams(raw, &p); err != nil || p.OtherID == "" {
			return nil, invalidParams()
		}
		if p.Limit < 0 || p.Offset < 0 || p.Limit > maxConversationLimit {
			return nil, invalidParams()
		}
		return wrap(s.gateway.FetchConversation(ctx, callerID, p))

	case gateway.OpAckDelivered:
		var p models.AckRequest
		if err := decodeParams(raw, &p); err != nil || p.EnvelopeID == "" {
			return nil, invalidParams()
		}
		return wrap(s.gateway.AcknowledgeDelivered(ctx, callerID, p.EnvelopeID))

	case gateway.OpAckRead:
		var p models.AckRequest
		if err := decodeParams(raw, &p); err != nil || p.EnvelopeID == "" {
			return nil, invalidParams()
		}
		return wrap(s.gateway.AcknowledgeRead(ctx, callerID, p.EnvelopeID))
	}
	return nil, &rpcError{Code: codeMethodNotFound, Message: "method not found"}
}

func wrap[T any](result T, err error) (any, *rpcError) {
	if err != nil {
		return nil, mapError(err)
	}
	return result, nil
}

// decodeParams accepts either a params object or a one-element array holding
// that object.
func decodeParams(raw json.RawMessage, dst any) error {
	var arr []json.RawMessage
	if err := json.Unmarshal(raw, &arr); err == nil {
		if len(arr) != 1 {
			return errInvalidParams
		}
		raw = arr[0]
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		return errInvalidParams
	}
	return nil
}
