package rpc

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"sealchat/go-backend/internal/domains/gateway"
	"sealchat/go-backend/pkg/models"
)

// EventMessageNew is the SSE event name for a newly stored envelope.
const EventMessageNew = "notify.message.new"

type notification struct {
	JSONRPC string               `json:"jsonrpc"`
	Method  string               `json:"method"`
	Params  models.EnvelopeEvent `json:"params"`
}

func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	if !s.applyCORS(w, r) {
		return
	}
	if r.Method == http.MethodOptions {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	callerID, err := s.authenticate(r)
	if err != nil {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming is not supported", http.StatusInternalServerError)
		return
	}
	release, allowed := s.streams.acquire(limitKey(r, callerID))
	if !allowed {
		http.Error(w, "too many stream subscriptions", http.StatusTooManyRequests)
		return
	}
	defer release()

	sub, err := s.gateway.Subscribe(r.Context(), callerID)
	if err != nil {
		rpcErr := mapError(err)
		status := http.StatusInternalServerError
		if rpcErr.Code == codeRateLimited {
			status = http.StatusTooManyRequests
		}
		http.Error(w, rpcErr.Message, status)
		return
	}
	defer sub.Close()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	_, _ = fmt.Fprint(w, ": subscribed\n\n")
	flusher.Flush()
	s.log.Debug(gateway.OpSubscribe, "", "stream opened", "caller_id", callerID)

	heartbeat := time.NewTicker(s.heartbeat)
	defer heartbeat.Stop()

	for {
		select {
		case <-r.Context().Done():
			s.log.Debug(gateway.OpSubscribe, "", "stream closed", "caller_id", callerID)
			return
		case evt, ok := <-sub.Events():
			if !ok {
				return
			}
			if err := writeSSEEvent(w, evt); err != nil {
				return
			}
			flusher.Flush()
		case <-heartbeat.C:
			if _, err := fmt.Fprint(w, ": keepalive\n\n"); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

func writeSSEEvent(w http.ResponseWriter, evt models.EnvelopeEvent) error {
	data, err := json.Marshal(notification{JSONRPC: "2.0", Method: EventMessageNew, Params: evt})
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "id: %s\nevent: %s\ndata: %s\n\n", evt.ID, EventMessageNew, data)
	return err
}
