package kit

import "context"

type contextKey string

// Transports an endpoint can be reached through.
const (
	TransportHTTP = "http"
	TransportMCP  = "mcp"
	TransportCLI  = "cli"
)

const (
	TransportKey contextKey = "kit_transport"
	TraceIDKey   contextKey = "kit_trace_id"
	RunIDKey     contextKey = "kit_run_id"
)

func WithTransport(ctx context.Context, t string) context.Context {
	return context.WithValue(ctx, TransportKey, t)
}

// GetTransport defaults to TransportHTTP.
func GetTransport(ctx context.Context) string {
	return stringValue(ctx, TransportKey, TransportHTTP)
}

func WithTraceID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, TraceIDKey, id)
}

func GetTraceID(ctx context.Context) string { return stringValue(ctx, TraceIDKey, "") }

// WithRunID tags work done on behalf of one batch run, so store and SQL
// logs can be grouped by run.
func WithRunID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, RunIDKey, id)
}

func GetRunID(ctx context.Context) string { return stringValue(ctx, RunIDKey, "") }

func stringValue(ctx context.Context, key contextKey, def string) string {
	if v, ok := ctx.Value(key).(string); ok && v != "" {
		return v
	}
	return def
}
