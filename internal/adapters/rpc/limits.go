package rpc

import (
	"net"
	"net/http"
	"strings"
	"sync"

	"sealchat/go-backend/internal/app"
)

const (
	defaultStreamMaxGlobal    = 256
	defaultStreamMaxPerClient = 4
)

type streamLimiter struct {
	maxGlobal    int
	maxPerClient int

	mu       sync.Mutex
	global   int
	byClient map[string]int
}

func newStreamLimiter(cfg StreamLimits) *streamLimiter {
	if cfg.MaxGlobal <= 0 {
		cfg.MaxGlobal = defaultStreamMaxGlobal
	}
	if cfg.MaxPerClient <= 0 {
		cfg.MaxPerClient = defaultStreamMaxPerClient
	}
	return &streamLimiter{
		maxGlobal:    cfg.MaxGlobal,
		maxPerClient: cfg.MaxPerClient,
		byClient:     make(map[string]int),
	}
}

// acquire reserves one stream slot for clientKey. The returned release must be
// called exactly once when the stream ends.
func (l *streamLimiter) acquire(clientKey string) (func(), bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.global >= l.maxGlobal || l.byClient[clientKey] >= l.maxPerClient {
		return nil, false
	}
	l.global++
	l.byClient[clientKey]++
	var once sync.Once
	return func() {
		once.Do(func() {
			l.mu.Lock()
			defer l.mu.Unlock()
			l.global--
			if next := l.byClient[clientKey] - 1; next > 0 {
				l.byClient[clientKey] = next
			} else {
				delete(l.byClient, clientKey)
			}
		})
	}, true
}

func (l *streamLimiter) active() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.global
}

// limitKey buckets requests by identity once known, otherwise by remote host.
func limitKey(r *http.Request, callerID string) string {
	if strings.TrimSpace(callerID) != "" {
		return "id:" + callerID
	}
	remote := strings.TrimSpace(r.RemoteAddr)
	if remote == "" {
		return "ip:unknown"
	}
	host, _, err := net.SplitHostPort(remote)
	if err != nil {
		return "ip:" + remote
	}
	if strings.TrimSpace(host) == "" {
		return "ip:unknown"
	}
	return "ip:" + host
}

func newRequestID() (string, error) {
	return app.GeneratePrefixedID("rpc")
}
