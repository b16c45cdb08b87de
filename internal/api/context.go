// ABOUTME: Request context key types and constants for the api package.
// ABOUTME: Used by middleware to inject auth state and by handlers to read it.
package api

import "context"

type contextKey int

const (
	ctxKeyID contextKey = iota // string: short id of the API key that authenticated the request
)

// keyIDFrom returns the authenticating key's short id, or "" when auth is off.
func keyIDFrom(ctx context.Context) string {
	id, _ := ctx.Value(ctxKeyID).(string)
	return id
}
