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

// Package auth handles Redfish-compliant northbound authentication: HTTP
// basic credentials and X-Auth-Token sessions backed by the store.
package auth

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"net/http"
	"time"

	"sunfish/internal/store"
	"sunfish/pkg/auth"
)

// SessionLifetime bounds how long an issued token stays valid.
const SessionLifetime = 24 * time.Hour

// Authenticator validates requests against the user store.
type Authenticator struct {
	store *store.Store
}

// New creates a new authenticator.
func New(s *store.Store) *Authenticator {
	return &Authenticator{store: s}
}

// AuthenticateRequest handles both basic and session-based authentication.
func (a *Authenticator) AuthenticateRequest(r *http.Request) (*store.User, error) {
	if token := r.Header.Get("X-Auth-Token"); token != "" {
		return a.AuthenticateToken(r.Context(), token)
	}
	if username, password, ok := r.BasicAuth(); ok {
		return a.AuthenticateBasic(r.Context(), username, password)
	}
	return nil, fmt.Errorf("no authentication provided")
}

// AuthenticateToken validates a session token.
func (a *Authenticator) AuthenticateToken(ctx context.Context, token string) (*store.User, error) {
	session, err := a.store.GetSessionByToken(ctx, token)
	if err != nil {
		return nil, fmt.Errorf("failed to get session: %w", err)
	}
	if session == nil {
		return nil, fmt.Errorf("invalid session token")
	}

	user, err := a.store.GetUserByID(ctx, session.UserID)
	if err != nil {
		return nil, fmt.Errorf("failed to get user: %w", err)
	}
	if user == nil {
		return nil, fmt.Errorf("user not found")
	}
	if !user.Enabled {
		return nil, fmt.Errorf("user is disabled")
	}
	return user, nil
}

// AuthenticateBasic validates basic authentication credentials.
func (a *Authenticator) AuthenticateBasic(ctx context.Context, username, password string) (*store.User, error) {
	user, err := a.store.GetUserByUsername(ctx, username)
	if err != nil {
		return nil, fmt.Errorf("failed to get user: %w", err)
	}
	if user == nil {
		return nil, fmt.Errorf("invalid credentials")
	}
	if !user.Enabled {
		return nil, fmt.Errorf("user is disabled")
	}
	if err := auth.VerifyPassword(password, user.PasswordHash); err != nil {
		return nil, fmt.Errorf("invalid credentials")
	}
	return user, nil
}

// CreateSession creates a new authentication session.
func (a *Authenticator) CreateSession(ctx context.Context, userID string) (*store.Session, error) {
	sessionID, err := generateID()
	if err != nil {
		return nil, fmt.Errorf("failed to generate session ID: %w", err)
	}
	token, err := generateToken()
	if err != nil {
		return nil, fmt.Errorf("failed to generate token: %w", err)
	}

	session := &store.Session{
		ID:        sessionID,
		UserID:    userID,
		Token:     token,
		ExpiresAt: time.Now().Add(SessionLifetime),
		CreatedAt: time.Now(),
	}
	if err := a.store.CreateSession(ctx, session); err != nil {
		return nil, fmt.Errorf("failed to create session: %w", err)
	}
	return session, nil
}

// generateID generates a random ID for sessions.
func generateID() (string, error) {
	bytes := make([]byte, 16)
	if _, err := rand.Read(bytes); err != nil {
		return "", err
	}
	return hex.EncodeToString(bytes), nil
}

// generateToken generates a random session token.
func generateToken() (string, error) {
	bytes := make([]byte, 32)
	if _, err := rand.Read(bytes); err != nil {
		return "", err
	}
	return base64.URLEncoding.EncodeToString(bytes), nil
}
