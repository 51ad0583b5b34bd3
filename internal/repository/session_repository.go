package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/noah-isme/session-core/internal/models"
)

const sessionColumns = `id, user_id, role, token_hash, expires_at, is_active, user_agent, ip_address, device_id, created_at, updated_at`

// SessionRepository persists refresh token records in PostgreSQL.
type SessionRepository struct {
	db  *sqlx.DB
	now func() time.Time
}

// NewSessionRepository creates a new instance of SessionRepository.
func NewSessionRepository(db *sqlx.DB) *SessionRepository {
	return &SessionRepository{db: db, now: time.Now}
}

// WithClock overrides the clock used for expiry comparisons and timestamps.
func (r *SessionRepository) WithClock(now func() time.Time) *SessionRepository {
	if now != nil {
		r.now = now
	}
	return r
}

// Create inserts a new active record and returns its identifier.
func (r *SessionRepository) Create(ctx context.Context, rec *models.RefreshTokenRecord) (string, error) {
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	now := r.now().UTC()
	rec.CreatedAt = now
	rec.UpdatedAt = now
	rec.IsActive = true

	const query = `INSERT INTO refresh_tokens (id, user_id, role, token_hash, expires_at, is_active, user_agent, ip_address, device_id, created_at, updated_at) VALUES (:id, :user_id, :role, :token_hash, :expires_at, :is_active, :user_agent, :ip_address, :device_id, :created_at, :updated_at)`
	if _, err := r.db.NamedExecContext(ctx, query, rec); err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && string(pqErr.Code) == pqUniqueViolation {
			return "", ErrDuplicateTokenHash
		}
		return "", fmt.Errorf("create refresh token: %w", err)
	}
	return rec.ID, nil
}

// FindActive returns the active, unexpired record holding the hash.
func (r *SessionRepository) FindActive(ctx context.Context, tokenHash string) (*models.RefreshTokenRecord, error) {
	query := `SELECT ` + sessionColumns + ` FROM refresh_tokens WHERE token_hash = $1 AND is_active = TRUE AND expires_at > $2 LIMIT 1`
	var rec models.RefreshTokenRecord
	if err := r.db.GetContext(ctx, &rec, query, tokenHash, r.now().UTC()); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrSessionNotFound
		}
		return nil, fmt.Errorf("find active refresh token: %w", err)
	}
	return &rec, nil
}

// FindByHash returns the newest record holding the hash regardless of state.
func (r *SessionRepository) FindByHash(ctx context.Context, tokenHash string) (*models.RefreshTokenRecord, error) {
	query := `SELECT ` + sessionColumns + ` FROM refresh_tokens WHERE token_hash = $1 ORDER BY created_at DESC LIMIT 1`
	var rec models.RefreshTokenRecord
	if err := r.db.GetContext(ctx, &rec, query, tokenHash); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrSessionNotFound
		}
		return nil, fmt.Errorf("find refresh token by hash: %w", err)
	}
	return &rec, nil
}

// DeactivateIfActive flips the record to inactive only if it is still active. It
// reports true for exactly one caller per record.
func (r *SessionRepository) DeactivateIfActive(ctx context.Context, id string) (bool, error) {
	const query = `UPDATE refresh_tokens SET is_active = FALSE, updated_at = $2 WHERE id = $1 AND is_active = TRUE`
	res, err := r.db.ExecContext(ctx, query, id, r.now().UTC())
	if err != nil {
		return false, fmt.Errorf("deactivate refresh token: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("deactivate refresh token rows: %w", err)
	}
	return affected == 1, nil
}

// DeactivateAllForUser deactivates every active record of the user.
func (r *SessionRepository) DeactivateAllForUser(ctx context.Context, userID string) (int64, error) {
	const query = `UPDATE refresh_tokens SET is_active = FALSE, updated_at = $2 WHERE user_id = $1 AND is_active = TRUE`
	res, err := r.db.ExecContext(ctx, query, userID, r.now().UTC())
	if err != nil {
		return 0, fmt.Errorf("deactivate user refresh tokens: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("deactivate user refresh tokens rows: %w", err)
	}
	return affected, nil
}

// ListActive returns the user's active, unexpired records, newest first.
func (r *SessionRepository) ListActive(ctx context.Context, userID string) ([]models.RefreshTokenRecord, error) {
	query := `SELECT ` + sessionColumns + ` FROM refresh_tokens WHERE user_id = $1 AND is_active = TRUE AND expires_at > $2 ORDER BY created_at DESC`
	var records []models.RefreshTokenRecord
	if err := r.db.SelectContext(ctx, &records, query, userID, r.now().UTC()); err != nil {
		return nil, fmt.Errorf("list active refresh tokens: %w", err)
	}
	return records, nil
}

// PurgeExpired deletes records that were deactivated or expired before the retention
// window. Active unexpired records are never touched.
func (r *SessionRepository) PurgeExpired(ctx context.Context, retention time.Duration) (int64, error) {
	cutoff := r.now().UTC().Add(-retention)
	const query = `DELETE FROM refresh_tokens WHERE (is_active = FALSE AND updated_at < $1) OR expires_at < $1`
	res, err := r.db.ExecContext(ctx, query, cutoff)
	if err != nil {
		return 0, fmt.Errorf("purge refresh tokens: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("purge refresh tokens rows: %w", err)
	}
	return affected, nil
}
