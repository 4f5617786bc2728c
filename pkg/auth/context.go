package auth

import (
	"context"
	"errors"
)

type contextKey string

const principalKey contextKey = "principal"

// Principal is the authenticated operator behind a request.
type Principal struct {
	ID    string
	Roles []string
}

// WithPrincipal attaches a Principal to the context.
func WithPrincipal(ctx context.Context, p Principal) context.Context {
	return context.WithValue(ctx, principalKey, p)
}

// GetPrincipal retrieves the Principal from the context.
func GetPrincipal(ctx context.Context) (Principal, error) {
	p, ok := ctx.Value(principalKey).(Principal)
	if !ok {
		return Principal{}, errors.New("no principal in context")
	}
	return p, nil
}
