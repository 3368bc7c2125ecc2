package log

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"log/slog"
	"net/http"
	"time"
)

// ContextKey type for context keys
type ContextKey string

const (
	// LoggerContextKey is the context key for the logger
	LoggerContextKey ContextKey = "logger"
	// RequestIDContextKey is the context key for the outbound request ID
	RequestIDContextKey ContextKey = "request_id"

	// RequestIDHeader carries the request ID to the backend
	RequestIDHeader = "X-Request-ID"
)

// WithLogger stores a logger in ctx
func WithLogger(ctx context.Context, logger *Logger) context.Context {
	return context.WithValue(ctx, LoggerContextKey, logger)
}

// FromContext extracts a logger from the context
func FromContext(ctx context.Context) *Logger {
	if logger, ok := ctx.Value(LoggerContextKey).(*Logger); ok {
		return logger
	}
	// Return default logger if not found
	return &Logger{
		Logger:    slog.Default(),
		component: "unknown",
	}
}

// WithRequestID stores an explicit request ID in ctx
func WithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, RequestIDContextKey, id)
}

// RequestID returns the request ID stored in ctx, if any
func RequestID(ctx context.Context) string {
	if id, ok := ctx.Value(RequestIDContextKey).(string); ok {
		return id
	}
	return ""
}

// GenerateRequestID creates a unique request ID for tracing
func GenerateRequestID() string {
	bytes := make([]byte, 8)
	if _, err := rand.Read(bytes); err != nil {
		// Fallback to timestamp if random fails
		return fmt.Sprintf("req_%d", time.Now().UnixNano())
	}
	return "req_" + hex.EncodeToString(bytes)
}

// Transport is an http.RoundTripper that tags every outbound request with a
// request ID and logs its start and completion.
type Transport struct {
	Base   http.RoundTripper
	Logger *Logger
}

// NewTransport wraps base (http.DefaultTransport when nil)
func NewTransport(base http.RoundTripper, logger *Logger) *Transport {
	if base == nil {
		base = http.DefaultTransport
	}
	return &Transport{Base: base, Logger: logger.WithComponent(ComponentHTTP)}
}

// RoundTrip implements http.RoundTripper
func (t *Transport) RoundTrip(req *http.Request) (*http.Response, error) {
	ctx := req.Context()
	requestID := RequestID(ctx)
	if requestID == "" {
		requestID = GenerateRequestID()
	}

	// RoundTrippers must not modify the caller's request
	req = req.Clone(ctx)
	req.Header.Set(RequestIDHeader, requestID)

	fields := NewFields().
		WithRequestID(requestID).
		WithHTTPRequest(req.Method, req.URL.Host, req.URL.Path)
	t.Logger.DebugContext(ctx, "HTTP request started", fields.ToSlice()...)

	start := time.Now()
	resp, err := t.Base.RoundTrip(req)
	duration := time.Since(start)

	if err != nil {
		fields[FieldDurationHuman] = duration.String()
		fields.WithError(err)
		fields[FieldErrorType] = ErrorTypeNetwork
		t.Logger.WarnContext(ctx, "HTTP request failed", fields.ToSlice()...)
		return nil, err
	}

	level := slog.LevelInfo
	if resp.StatusCode >= 400 && resp.StatusCode < 500 {
		level = slog.LevelWarn
	} else if resp.StatusCode >= 500 {
		level = slog.LevelError
	}

	fields.WithHTTPResponse(resp.StatusCode, duration.Milliseconds(), resp.StatusCode < 400)
	fields[FieldComponent] = t.Logger.Component()
	t.Logger.Logger.Log(ctx, level, "HTTP request completed", fields.ToSlice()...)

	return resp, nil
}
