package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// User is an account allowed to authenticate against the service.
type User struct {
	ID           string
	Username     string
	PasswordHash string
	Role         string
	Enabled      bool
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// Session is an issued authentication token.
type Session struct {
	ID        string
	UserID    string
	Token     string
	ExpiresAt time.Time
	CreatedAt time.Time
}

// GetUserByUsername returns a single user by username, or nil when absent.
func (s *Store) GetUserByUsername(ctx context.Context, username string) (*User, error) {
	query := `SELECT id, username, password_hash, role, enabled, created_at, updated_at FROM users WHERE username = ?`

	var user User
	err := s.conn.QueryRowContext(ctx, query, username).Scan(
		&user.ID, &user.Username, &user.PasswordHash, &user.Role,
		&user.Enabled, &user.CreatedAt, &user.UpdatedAt)

	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get user by username: %w", err)
	}

	return &user, nil
}

// GetUserByID returns a single user by id, or nil when absent.
func (s *Store) GetUserByID(ctx context.Context, id string) (*User, error) {
	query := `SELECT id, username, password_hash, role, enabled, created_at, updated_at FROM users WHERE id = ?`

	var user User
	err := s.conn.QueryRowContext(ctx, query, id).Scan(
		&user.ID, &user.Username, &user.PasswordHash, &user.Role,
		&user.Enabled, &user.CreatedAt, &user.UpdatedAt)

	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get user by id: %w", err)
	}

	return &user, nil
}

// CreateUser creates a new user.
func (s *Store) CreateUser(ctx context.Context, user *User) error {
	query := `INSERT INTO users (id, username, password_hash, role, enabled) VALUES (?, ?, ?, ?, ?)`

	_, err := s.conn.ExecContext(ctx, query, user.ID, user.Username, user.PasswordHash, user.Role, user.Enabled)
	if err != nil {
		return fmt.Errorf("failed to create user: %w", err)
	}

	user.CreatedAt = time.Now()
	user.UpdatedAt = time.Now()

	return nil
}

// CountUsers returns the number of users in the database.
func (s *Store) CountUsers(ctx context.Context) (int, error) {
	var count int
	err := s.conn.QueryRowContext(ctx, `SELECT COUNT(*) FROM users`).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count users: %w", err)
	}
	return count, nil
}

// CreateSession creates a new session.
func (s *Store) CreateSession(ctx context.Context, session *Session) error {
	query := `INSERT INTO sessions (id, user_id, token, expires_at) VALUES (?, ?, ?, ?)`

	_, err := s.conn.ExecContext(ctx, query, session.ID, session.UserID, session.Token, session.ExpiresAt)
	if err != nil {
		return fmt.Errorf("failed to create session: %w", err)
	}

	return nil
}

// GetSessionByToken returns an unexpired session by token, or nil.
func (s *Store) GetSessionByToken(ctx context.Context, token string) (*Session, error) {
	query := `SELECT id, user_id, token, expires_at, created_at FROM sessions WHERE token = ? AND expires_at > ?`

	var session Session
	err := s.conn.QueryRowContext(ctx, query, token, time.Now()).Scan(
		&session.ID, &session.UserID, &session.Token, &session.ExpiresAt, &session.CreatedAt)

	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get session: %w", err)
	}

	return &session, nil
}

// GetSessionByID returns a session by id, or nil.
func (s *Store) GetSessionByID(ctx context.Context, id string) (*Session, error) {
	query := `SELECT id, user_id, token, expires_at, created_at FROM sessions WHERE id = ?`

	var session Session
	err := s.conn.QueryRowContext(ctx, query, id).Scan(
		&session.ID, &session.UserID, &session.Token, &session.ExpiresAt, &session.CreatedAt)

	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get session: %w", err)
	}

	return &session, nil
}

// GetSessions returns all unexpired sessions.
func (s *Store) GetSessions(ctx context.Context) ([]Session, error) {
	rows, err := s.conn.QueryContext(ctx,
		`SELECT id, user_id, token, expires_at, created_at FROM sessions WHERE expires_at > ? ORDER BY created_at`,
		time.Now())
	if err != nil {
		return nil, fmt.Errorf("failed to list sessions: %w", err)
	}
	defer rows.Close()

	var sessions []Session
	for rows.Next() {
		var session Session
		if err := rows.Scan(&session.ID, &session.UserID, &session.Token,
			&session.ExpiresAt, &session.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan session: %w", err)
		}
		sessions = append(sessions, session)
	}
	return sessions, rows.Err()
}

// DeleteSessionByID deletes a session by id.
func (s *Store) DeleteSessionByID(ctx context.Context, id string) error {
	_, err := s.conn.ExecContext(ctx, `DELETE FROM sessions WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete session: %w", err)
	}
	return nil
}

// CleanupExpiredSessions removes expired sessions.
func (s *Store) CleanupExpiredSessions(ctx context.Context) error {
	_, err := s.conn.ExecContext(ctx, `DELETE FROM sessions WHERE expires_at <= ?`, time.Now())
	if err != nil {
		return fmt.Errorf("failed to cleanup expired sessions: %w", err)
	}
	return nil
}
