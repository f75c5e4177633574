package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"
)

// User represents an API user
type User struct {
	ID           uuid.UUID  `json:"id" db:"id"`
	Username     string     `json:"username" db:"username"`
	PasswordHash string     `json:"-" db:"password_hash"`
	Role         string     `json:"role" db:"role"`
	Status       string     `json:"status" db:"status"`
	LastLogin    *time.Time `json:"last_login" db:"last_login"`
	CreatedAt    time.Time  `json:"created_at" db:"created_at"`
	UpdatedAt    time.Time  `json:"updated_at" db:"updated_at"`
}

// UserSession holds an issued refresh token
type UserSession struct {
	ID           uuid.UUID `json:"id" db:"id"`
	UserID       uuid.UUID `json:"user_id" db:"user_id"`
	RefreshToken string    `json:"refresh_token" db:"refresh_token"`
	ExpiresAt    time.Time `json:"expires_at" db:"expires_at"`
	CreatedAt    time.Time `json:"created_at" db:"created_at"`
}

// UserRepository reads and writes users and sessions
type UserRepository struct {
	db *sql.DB
}

// NewUserRepository creates a repository over an open pool
func NewUserRepository(db *sql.DB) *UserRepository {
	return &UserRepository{db: db}
}

// CreateUser hashes the password with bcrypt and inserts the user
func (r *UserRepository) CreateUser(ctx context.Context, username, password, role string) (*User, error) {
	hashedPassword, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return nil, fmt.Errorf("failed to hash password: %w", err)
	}

	now := time.Now()
	user := &User{
		ID:           uuid.New(),
		Username:     username,
		PasswordHash: string(hashedPassword),
		Role:         role,
		Status:       "active",
		CreatedAt:    now,
		UpdatedAt:    now,
	}

	query := `
		INSERT INTO users (id, username, password_hash, role, status, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`
	_, err = r.db.ExecContext(ctx, query,
		user.ID.String(), user.Username, user.PasswordHash, user.Role, user.Status, user.CreatedAt, user.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to create user: %w", err)
	}
	return user, nil
}

// GetUserByUsername retrieves an active user by username
func (r *UserRepository) GetUserByUsername(ctx context.Context, username string) (*User, error) {
	query := `
		SELECT id, username, password_hash, role, status, last_login, created_at, updated_at
		FROM users WHERE username = $1 AND status = 'active'
	`

	var idStr string
	var lastLogin sql.NullTime
	user := &User{}
	err := r.db.QueryRowContext(ctx, query, username).Scan(
		&idStr, &user.Username, &user.PasswordHash, &user.Role, &user.Status,
		&lastLogin, &user.CreatedAt, &user.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("user %q: %w", username, ErrNotFound)
		}
		return nil, fmt.Errorf("failed to get user: %w", err)
	}
	if lastLogin.Valid {
		user.LastLogin = &lastLogin.Time
	}

	user.ID, err = uuid.Parse(idStr)
	if err != nil {
		return nil, fmt.Errorf("failed to parse user ID: %w", err)
	}
	return user, nil
}

// UpdateUserLastLogin updates the last login time for a user
func (r *UserRepository) UpdateUserLastLogin(ctx context.Context, userID uuid.UUID) error {
	now := time.Now()
	_, err := r.db.ExecContext(ctx, `UPDATE users SET last_login = $1, updated_at = $1 WHERE id = $2`, now, userID.String())
	if err != nil {
		return fmt.Errorf("failed to update last login: %w", err)
	}
	return nil
}

// CreateUserSession stores a refresh token
func (r *UserRepository) CreateUserSession(ctx context.Context, userID uuid.UUID, refreshToken string, expiresAt time.Time) (*UserSession, error) {
	session := &UserSession{
		ID:           uuid.New(),
		UserID:       userID,
		RefreshToken: refreshToken,
		ExpiresAt:    expiresAt,
		CreatedAt:    time.Now(),
	}

	query := `
		INSERT INTO user_sessions (id, user_id, refresh_token, expires_at, created_at)
		VALUES ($1, $2, $3, $4, $5)
	`
	_, err := r.db.ExecContext(ctx, query,
		session.ID.String(), session.UserID.String(), session.RefreshToken, session.ExpiresAt, session.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to create user session: %w", err)
	}
	return session, nil
}

// GetUserSessionByToken retrieves an unexpired session by refresh token
func (r *UserRepository) GetUserSessionByToken(ctx context.Context, refreshToken string) (*UserSession, error) {
	query := `
		SELECT id, user_id, refresh_token, expires_at, created_at
		FROM user_sessions WHERE refresh_token = $1 AND expires_at > $2
	`

	var idStr, userIDStr string
	session := &UserSession{}
	err := r.db.QueryRowContext(ctx, query, refreshToken, time.Now()).Scan(
		&idStr, &userIDStr, &session.RefreshToken, &session.ExpiresAt, &session.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("session: %w", ErrNotFound)
		}
		return nil, fmt.Errorf("failed to get user session: %w", err)
	}

	if session.ID, err = uuid.Parse(idStr); err != nil {
		return nil, fmt.Errorf("failed to parse session ID: %w", err)
	}
	if session.UserID, err = uuid.Parse(userIDStr); err != nil {
		return nil, fmt.Errorf("failed to parse user ID: %w", err)
	}
	return session, nil
}

// DeleteUserSession deletes a user session
func (r *UserRepository) DeleteUserSession(ctx context.Context, sessionID uuid.UUID) error {
	_, err := r.db.ExecContext(ctx, `DELETE FROM user_sessions WHERE id = $1`, sessionID.String())
	if err != nil {
		return fmt.Errorf("failed to delete user session: %w", err)
	}
	return nil
}

// DeleteExpiredSessions deletes expired user sessions
func (r *UserRepository) DeleteExpiredSessions(ctx context.Context) (int64, error) {
	res, err := r.db.ExecContext(ctx, `DELETE FROM user_sessions WHERE expires_at <= $1`, time.Now())
	if err != nil {
		return 0, fmt.Errorf("failed to delete expired sessions: %w", err)
	}
	return res.RowsAffected()
}

// ValidatePassword validates a password against a user's password hash
func ValidatePassword(password, hashedPassword string) error {
	return bcrypt.CompareHashAndPassword([]byte(hashedPassword), []byte(password))
}
