// Package app holds the runtime pieces shared by every transport: the
// sanitized structured logger, the Prometheus metrics registry and the logging
// schema helpers.
//
// Non-responsibilities:
// - JSON-RPC/HTTP protocol handling and endpoint-level mapping.
// - Messaging rules, which live under internal/domains.
package app
