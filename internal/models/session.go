package models

import "time"

// DeviceInfo is client metadata captured when a refresh token is issued.
type DeviceInfo struct {
	UserAgent string `db:"user_agent" json:"user_agent,omitempty" validate:"max=512"`
	IP        string `db:"ip_address" json:"ip,omitempty" validate:"omitempty,ip"`
	DeviceID  string `db:"device_id" json:"device_id,omitempty" validate:"max=128"`
}

// RefreshTokenRecord is the persisted state of one session. Only the hash of the
// raw refresh token is stored.
type RefreshTokenRecord struct {
	ID        string    `db:"id" json:"id"`
	UserID    string    `db:"user_id" json:"user_id"`
	Role      UserRole  `db:"role" json:"role"`
	TokenHash string    `db:"token_hash" json:"-"`
	ExpiresAt time.Time `db:"expires_at" json:"expires_at"`
	IsActive  bool      `db:"is_active" json:"is_active"`
	DeviceInfo
	CreatedAt time.Time `db:"created_at" json:"created_at"`
	UpdatedAt time.Time `db:"updated_at" json:"updated_at"`
}

// ExpiredAt reports whether the record is past its expiry at the given instant.
func (r *RefreshTokenRecord) ExpiredAt(now time.Time) bool {
	return !r.ExpiresAt.After(now)
}

// TokenPair is returned on issuance and rotation. RefreshToken is the raw secret and
// must only ever travel back to the client.
type TokenPair struct {
	AccessToken      string    `json:"access_token"`
	RefreshToken     string    `json:"refresh_token"`
	TokenType        string    `json:"token_type"`
	AccessExpiresAt  time.Time `json:"access_expires_at"`
	RefreshExpiresAt time.Time `json:"refresh_expires_at"`
	ExpiresIn        int64     `json:"expires_in"`
	SessionID        string    `json:"session_id"`
}

// SessionInfo is the self-service view of an active session.
type SessionInfo struct {
	ID        string     `json:"id"`
	Device    DeviceInfo `json:"device"`
	CreatedAt time.Time  `json:"created_at"`
	ExpiresAt time.Time  `json:"expires_at"`
}

// RefreshRequest exchanges a refresh token for a new pair.
type RefreshRequest struct {
	RefreshToken string `json:"refresh_token" binding:"required"`
	DeviceID     string `json:"device_id"`
}

// LogoutRequest revokes a single refresh token.
type LogoutRequest struct {
	RefreshToken string `json:"refresh_token" binding:"required"`
}
