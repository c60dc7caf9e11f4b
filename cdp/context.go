package cdp

import "context"

type ctxKey int

const (
	ctxKeySessionID ctxKey = iota
)

// WithSessionID returns a context that routes CDP commands and event
// subscriptions to the target attached with sessionID.
func WithSessionID(ctx context.Context, sessionID string) context.Context {
	return context.WithValue(ctx, ctxKeySessionID, sessionID)
}

// GetSessionID returns the session ID set with WithSessionID, or an empty
// string for the browser session.
func GetSessionID(ctx context.Context) string {
	v := ctx.Value(ctxKeySessionID)
	if sid, ok := v.(string); ok {
		return sid
	}
	return ""
}
