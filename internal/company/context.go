// Package company carries the active company (the remote service calls it
// "environment") through a context.Context.
package company

import "context"

type contextKey string

const contextKeyCompany contextKey = "company_id"

// WithID adds the company id to the context.
func WithID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, contextKeyCompany, id)
}

// FromContext extracts the company id from context. Empty if unset.
func FromContext(ctx context.Context) string {
	if id, ok := ctx.Value(contextKeyCompany).(string); ok {
		return id
	}
	return ""
}
