// Package store handles all database and cache interactions.
//
// postgres.go -- pgxpool connection setup and queries.
// Creates a connection pool at startup, shared across all handlers.
// All queries use parameterized statements (no string concatenation of input).
package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/gofrs/uuid/v5"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// userColumns is the SELECT list matching scanUser.
const userColumns = `id, email, password_hash, first_name, last_name, oauth_provider,
	oauth_provider_id, avatar_url, role, is_premium, premium_until, created_at, updated_at`

// The store used by program to connect with Postgres db
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates and returns a verified connection pool
// to PostgreSQL wrapped in a store.
// Call once at startup from main.go...the returned store is safe for concurrent use.
func NewPostgresStore(ctx context.Context, databaseURL string) (*PostgresStore, error) {
	// Create a pool w/ database url, return if err
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, err
	}

	// Ping db to make sure connection works
	err = pool.Ping(ctx)
	if err != nil {
		pool.Close()
		return nil, err
	}

	return &PostgresStore{pool}, nil
}

// Close shuts down the connection pool and releases all resources.
// Supposed to call via defer in main.go after creating the store.
func (s *PostgresStore) Close() {
	s.pool.Close()
}

// CheckHealth pings Postgres. Used by GET /health.
func (s *PostgresStore) CheckHealth(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// scanUser reads one users row selected with userColumns.
func scanUser(row pgx.Row) (*User, error) {
	var u User
	err := row.Scan(
		&u.ID, &u.Email, &u.PasswordHash, &u.FirstName, &u.LastName, &u.OAuthProvider,
		&u.OAuthProviderID, &u.AvatarURL, &u.Role, &u.IsPremium, &u.PremiumUntil,
		&u.CreatedAt, &u.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &u, nil
}

// --- Users ---

// CreateUserByEmail inserts a new user with email + password credentials.
// The caller has to generate the UUID v7 and Argon2id hash BEFORE calling this.
// Returns raw pgx error, handler inspects it for unique violations (duplicate email, etc...)
func (s *PostgresStore) CreateUserByEmail(ctx context.Context, id uuid.UUID, email string, passwordHash string) error {
	_, err := s.pool.Exec(ctx,
		"INSERT INTO users (id, email, password_hash) VALUES ($1, $2, $3)",
		id, email, passwordHash)
	return err
}

// CreateOAuthUser inserts a user created through an OAuth provider (no password).
// Profile fields are optional; nil stores SQL NULL.
func (s *PostgresStore) CreateOAuthUser(ctx context.Context, id uuid.UUID, email, provider, providerID string, firstName, lastName, avatarURL *string) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO users (id, email, oauth_provider, oauth_provider_id, first_name, last_name, avatar_url)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		id, email, provider, providerID, firstName, lastName, avatarURL)
	return err
}

// GetUserByEmail fetches a user by email. Returns pgx.ErrNoRows if not found.
func (s *PostgresStore) GetUserByEmail(ctx context.Context, email string) (*User, error) {
	return scanUser(s.pool.QueryRow(ctx,
		"SELECT "+userColumns+" FROM users WHERE email = $1", email))
}

// GetUserByID fetches a user by primary key. Returns pgx.ErrNoRows if not found.
// Also the plan source for quota policy resolution (role + premium columns).
func (s *PostgresStore) GetUserByID(ctx context.Context, id uuid.UUID) (*User, error) {
	return scanUser(s.pool.QueryRow(ctx,
		"SELECT "+userColumns+" FROM users WHERE id = $1", id))
}

// GetUserByOAuthProvider fetches a user by (provider, provider id). Returns pgx.ErrNoRows if not found.
func (s *PostgresStore) GetUserByOAuthProvider(ctx context.Context, provider, providerID string) (*User, error) {
	return scanUser(s.pool.QueryRow(ctx,
		"SELECT "+userColumns+" FROM users WHERE oauth_provider = $1 AND oauth_provider_id = $2",
		provider, providerID))
}

// GetPwdHashByUserID fetches the Argon2id hash for a user.
// Returns ErrNoPassword for OAuth-only users, pgx.ErrNoRows if the user doesn't exist.
func (s *PostgresStore) GetPwdHashByUserID(ctx context.Context, id uuid.UUID) (string, error) {
	var hash *string
	err := s.pool.QueryRow(ctx, "SELECT password_hash FROM users WHERE id = $1", id).Scan(&hash)
	if err != nil {
		return "", err
	}
	if hash == nil {
		return "", ErrNoPassword
	}
	return *hash, nil
}

// UpdateUserPassword replaces the stored hash. Returns pgx.ErrNoRows if no user matched.
func (s *PostgresStore) UpdateUserPassword(ctx context.Context, id uuid.UUID, passwordHash string) error {
	tag, err := s.pool.Exec(ctx,
		"UPDATE users SET password_hash = $1, updated_at = now() WHERE id = $2",
		passwordHash, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return pgx.ErrNoRows
	}
	return nil
}

// ListUsers returns users newest first, paginated. Admin panel only.
func (s *PostgresStore) ListUsers(ctx context.Context, limit, offset int) ([]User, error) {
	rows, err := s.pool.Query(ctx,
		"SELECT "+userColumns+" FROM users ORDER BY created_at DESC LIMIT $1 OFFSET $2",
		limit, offset)
	if err != nil {
		return nil, fmt.Errorf("querying users: %w", err)
	}
	defer rows.Close()

	var users []User
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning user: %w", err)
		}
		users = append(users, *u)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating users: %w", err)
	}
	return users, nil
}

// SetUserRole sets users.role. Returns pgx.ErrNoRows if no user matched.
// Invalid roles are rejected by the DB CHECK constraint.
func (s *PostgresStore) SetUserRole(ctx context.Context, id uuid.UUID, role string) error {
	tag, err := s.pool.Exec(ctx,
		"UPDATE users SET role = $1, updated_at = now() WHERE id = $2", role, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return pgx.ErrNoRows
	}
	return nil
}

// SetUserPremium sets premium state. until == nil with isPremium true means no expiry.
// Returns pgx.ErrNoRows if no user matched.
func (s *PostgresStore) SetUserPremium(ctx context.Context, id uuid.UUID, isPremium bool, until *time.Time) error {
	tag, err := s.pool.Exec(ctx,
		"UPDATE users SET is_premium = $1, premium_until = $2, updated_at = now() WHERE id = $3",
		isPremium, until, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return pgx.ErrNoRows
	}
	return nil
}

// --- Sessions ---

// CreateSession inserts a new session row. ip and userAgent may be nil.
func (s *PostgresStore) CreateSession(ctx context.Context, id uuid.UUID, userID uuid.UUID, tokenHash []byte, csrfToken []byte, expiresAt time.Time, ip *string, userAgent *string) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO sessions (id, user_id, token_hash, csrf_token, expires_at, ip_address, user_agent)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		id, userID, tokenHash, csrfToken, expiresAt, ip, userAgent)
	return err
}

// GetSessionByTokenHash fetches a non-expired session. Returns pgx.ErrNoRows if not found or expired.
func (s *PostgresStore) GetSessionByTokenHash(ctx context.Context, tokenHash []byte) (*Session, error) {
	var sess Session
	err := s.pool.QueryRow(ctx, `
		SELECT id, user_id, token_hash, csrf_token, expires_at, host(ip_address), user_agent, created_at
		FROM sessions WHERE token_hash = $1 AND expires_at > now()`,
		tokenHash,
	).Scan(&sess.ID, &sess.UserID, &sess.TokenHash, &sess.CSRFToken, &sess.ExpiresAt,
		&sess.IPAddress, &sess.UserAgent, &sess.CreatedAt)
	if err != nil {
		return nil, err
	}
	return &sess, nil
}

// DeleteSession removes a single session row by token hash.
func (s *PostgresStore) DeleteSession(ctx context.Context, tokenHash []byte) error {
	_, err := s.pool.Exec(ctx, "DELETE FROM sessions WHERE token_hash = $1", tokenHash)
	return err
}

// DeleteAllUserSessions removes every session for a user.
func (s *PostgresStore) DeleteAllUserSessions(ctx context.Context, userID uuid.UUID) error {
	_, err := s.pool.Exec(ctx, "DELETE FROM sessions WHERE user_id = $1", userID)
	return err
}

// CleanupExpiredSessions deletes sessions that expired more than retention ago.
// Returns number of rows removed.
func (s *PostgresStore) CleanupExpiredSessions(ctx context.Context, retention time.Duration) (int64, error) {
	tag, err := s.pool.Exec(ctx,
		"DELETE FROM sessions WHERE expires_at < $1", time.Now().Add(-retention))
	if err != nil {
		return 0, fmt.Errorf("deleting expired sessions: %w", err)
	}
	return tag.RowsAffected(), nil
}

// --- Generations + feedback ---

// CreateGeneration records the outcome of one try-on attempt.
// Written independently of the quota counter; a failed insert never un-charges quota.
func (s *PostgresStore) CreateGeneration(ctx context.Context, g *Generation) error {
	if g.UserID == nil && g.DeviceFingerprint == nil {
		return errors.New("generation has no owner")
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO generations (id, user_id, device_fingerprint, status, provider_job_id, result_url, error)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		g.ID, g.UserID, g.DeviceFingerprint, g.Status, g.ProviderJobID, g.ResultURL, g.Error)
	return err
}

// CreateFeedback stores one feedback submission.
func (s *PostgresStore) CreateFeedback(ctx context.Context, f *Feedback) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO feedback (id, user_id, device_fingerprint, rating, message, contact)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		f.ID, f.UserID, f.DeviceFingerprint, f.Rating, f.Message, f.Contact)
	return err
}
