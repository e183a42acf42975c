// Package context provides context utilities for zonedesk.
package context

import (
	"context"
)

type contextKey string

const (
	// UserIDKey is the context key for the authenticated user.
	UserIDKey contextKey = "user_id"

	// RequestIDKey is the context key for a request or message id.
	RequestIDKey contextKey = "request_id"
)

// WithUserID adds a user ID to the context.
func WithUserID(ctx context.Context, userID string) context.Context {
	return context.WithValue(ctx, UserIDKey, userID)
}

// GetUserID retrieves the user ID from context.
// Returns empty string if not found.
func GetUserID(ctx context.Context) string {
	if userID, ok := ctx.Value(UserIDKey).(string); ok {
		return userID
	}
	return ""
}

// WithRequestID adds a request ID to the context.
func WithRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, RequestIDKey, requestID)
}

// GetRequestID retrieves the request ID from context.
func GetRequestID(ctx context.Context) string {
	if requestID, ok := ctx.Value(RequestIDKey).(string); ok {
		return requestID
	}
	return ""
}
