package rpc

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"
)

const (
	TokenHeader = "X-Seal-Token"

	maxRPCBodyBytes int64 = 1 << 20 // 1 MiB
)

type rpcRequest struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

type rpcResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Result  any             `json:"result,omitempty"`
	Error   *rpcError       `json:"error,omitempty"`
}

func (s *Server) handleRPC(w http.ResponseWriter, r *http.Request) {
	if !s.applyCORS(w, r) {
		return
	}
	if r.Method == http.MethodOptions {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, maxRPCBodyBytes)
	var req rpcRequest
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(&req); err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			http.Error(w, "request body too large", http.StatusRequestEntityTooLarge)
			return
		}
		s.reply(w, "", nil, nil, &rpcError{Code: codeParseError, Message: "parse error"})
		return
	}
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		s.reply(w, "", req.ID, nil, invalidRequest())
		return
	}
	if req.JSONRPC != "2.0" || req.Method == "" {
		s.reply(w, "", req.ID, nil, invalidRequest())
		return
	}

	reqID, err := newRequestID()
	if err != nil {
		s.reply(w, req.Method, req.ID, nil, mapError(err))
		return
	}
	started := time.Now()

	var callerID string
	if req.Method != methodHealthCheck {
		callerID, err = s.authenticate(r)
		if err != nil {
			s.log.Debug(req.Method, reqID, "rpc unauthenticated", "error", err.Error())
			s.reply(w, req.Method, req.ID, nil, mapError(err))
			return
		}
	}
	if !s.limiter.Allow(limitKey(r, callerID), started) {
		s.reply(w, req.Method, req.ID, nil, mapError(errRateLimited))
		return
	}

	result, rpcErr := s.dispatch(r.Context(), callerID, req.Method, req.Params)
	if rpcErr != nil {
		s.log.Debug(req.Method, reqID, "rpc failed", "caller_id", callerID, "rpc_code", rpcErr.Code, "latency_ms", time.Since(started).Milliseconds())
	} else {
		s.log.Debug(req.Method, reqID, "rpc response", "caller_id", callerID, "latency_ms", time.Since(started).Milliseconds())
	}
	s.reply(w, req.Method, req.ID, result, rpcErr)
}

// reply writes one response and records it. result is dropped when rpcErr is
// set.
func (s *Server) reply(w http.ResponseWriter, method string, id json.RawMessage, result any, rpcErr *rpcError) {
	resp := rpcResponse{JSONRPC: "2.0", ID: id, Result: result}
	code := 0
	if rpcErr != nil {
		resp.Result = nil
		resp.Error = rpcErr
		code = rpcErr.Code
	}
	if !isKnownMethod(method) {
		method = "unknown"
	}
	s.metrics.RecordRPC(method, code)
	writeJSON(w, http.StatusOK, resp)
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
