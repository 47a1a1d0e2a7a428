package plugins

import "context"

type contextKey string

const userIDKey contextKey = "user_id"

// WithUserID attaches the requesting user to the context handed to
// plugin handlers.
func WithUserID(ctx context.Context, userID string) context.Context {
	return context.WithValue(ctx, userIDKey, userID)
}

// UserIDFromContext extracts the requesting user. Returns "default" if
// not set.
func UserIDFromContext(ctx context.Context) string {
	if id, ok := ctx.Value(userIDKey).(string); ok && id != "" {
		return id
	}
	return "default"
}
