// Sunfish is a Redfish fabric aggregation manager.
// Copyright (C) 2025 Matthew Burns
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <https://www.gnu.org/licenses/>.

// Package ctxkeys holds the typed context keys shared across the service.
package ctxkeys

import (
	"context"

	"github.com/google/uuid"

	"sunfish/internal/store"
)

type contextKey string

const (
	// CorrelationID carries the per-request correlation id.
	CorrelationID contextKey = "correlation_id"

	// User carries the authenticated *store.User of the request.
	User contextKey = "user"
)

// GetCorrelationID returns the correlation ID string from context if present, else "".
func GetCorrelationID(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	if s, ok := ctx.Value(CorrelationID).(string); ok {
		return s
	}
	return ""
}

// WithCorrelationID returns a child context with the provided correlation ID stored.
func WithCorrelationID(ctx context.Context, id string) context.Context {
	if ctx == nil {
		ctx = context.Background()
	}
	return context.WithValue(ctx, CorrelationID, id)
}

// EnsureCorrelationID returns a context that contains a correlation ID and the
// value itself, generating a fresh one when absent.
func EnsureCorrelationID(ctx context.Context) (context.Context, string) {
	if id := GetCorrelationID(ctx); id != "" {
		return ctx, id
	}
	id := uuid.New().String()
	return WithCorrelationID(ctx, id), id
}

// WithUser stores the authenticated user on the context.
func WithUser(ctx context.Context, user *store.User) context.Context {
	return context.WithValue(ctx, User, user)
}

// GetUser returns the authenticated user from the context, or nil.
func GetUser(ctx context.Context) *store.User {
	if ctx == nil {
		return nil
	}
	if u, ok := ctx.Value(User).(*store.User); ok {
		return u
	}
	return nil
}
