/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package auth

import (
	"context"
	"errors"
)

type contextKey string

const claimsContextKey contextKey = "storeplayClaims"

// ErrNoStore is returned when the request is not bound to a store.
var ErrNoStore = errors.New("no authenticated store")

// WithClaims attaches JWT claims to the context.
func WithClaims(ctx context.Context, claims *Claims) context.Context {
	return context.WithValue(ctx, claimsContextKey, claims)
}

// ClaimsFromContext retrieves JWT claims from context if present.
func ClaimsFromContext(ctx context.Context) (*Claims, bool) {
	claims, ok := ctx.Value(claimsContextKey).(*Claims)
	return claims, ok && claims != nil
}

// CurrentStoreID returns the store the caller is authenticated as.
func CurrentStoreID(ctx context.Context) (string, error) {
	claims, ok := ClaimsFromContext(ctx)
	if !ok || claims.StoreID == "" {
		return "", ErrNoStore
	}
	return claims.StoreID, nil
}
