package app

import (
	"crypto/rand"
	"encoding/hex"
	"io"
	"log/slog"
	"os"
	"strings"

	"sealchat/go-backend/internal/platform/privacylog"
)

// DefaultLogger writes sanitized JSON logs to stdout at info level.
func DefaultLogger() *slog.Logger {
	return NewLogger(os.Stdout, "info")
}

func NewLogger(w io.Writer, level string) *slog.Logger {
	handler := slog.NewJSONHandler(w, &slog.HandlerOptions{Level: ParseLevel(level)})
	return slog.New(privacylog.WrapHandler(handler))
}

// ParseLevel maps debug/info/warn/error to a slog level; anything else is info.
func ParseLevel(level string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func GeneratePrefixedID(prefix string) (string, error) {
	buf := make([]byte, 12)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return prefix + "_" + hex.EncodeToString(buf), nil
}

// ComponentLogger stamps the component/operation/correlation_id schema on
// every record.
type ComponentLogger struct {
	logger    *slog.Logger
	component string
}

func NewComponentLogger(logger *slog.Logger, component string) ComponentLogger {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return ComponentLogger{logger: logger, component: component}
}

func (l ComponentLogger) base(operation, correlationID string) []any {
	correlationID = strings.TrimSpace(correlationID)
	if correlationID == "" {
		correlationID = "n/a"
	}
	return []any{
		"component", l.component,
		"operation", strings.TrimSpace(operation),
		"correlation_id", correlationID,
	}
}

func (l ComponentLogger) Debug(operation, correlationID, message string, attrs ...any) {
	l.logger.Debug(message, append(l.base(operation, correlationID), attrs...)...)
}

func (l ComponentLogger) Info(operation, correlationID, message string, attrs ...any) {
	l.logger.Info(message, append(l.base(operation, correlationID), attrs...)...)
}

func (l ComponentLogger) Warn(operation, correlationID, message string, attrs ...any) {
	l.logger.Warn(message, append(l.base(operation, correlationID), attrs...)...)
}

// Error logs err with its category. Nil errors are ignored.
func (l ComponentLogger) Error(category string, err error, operation, correlationID string, attrs ...any) {
	if err == nil {
		return
	}
	base := append(l.base(operation, correlationID), "category", strings.TrimSpace(category), "error", err.Error())
	l.logger.Error("operation failed", append(base, attrs...)...)
}
