package models

import "time"

// AuditAction constants represent session lifecycle events.
const (
	AuditActionSessionIssued     = "SESSION_ISSUED"
	AuditActionSessionRotated    = "SESSION_ROTATED"
	AuditActionSessionRevoked    = "SESSION_REVOKED"
	AuditActionSessionsRevokeAll = "SESSIONS_REVOKED_ALL"
	AuditActionReplayDetected    = "REFRESH_REPLAY_DETECTED"
	AuditActionSessionsPurged    = "SESSIONS_PURGED"
)

// AuditResourceSession is the resource name used for session events.
const AuditResourceSession = "session"

// AuditLog represents an audit trail record.
type AuditLog struct {
	ID         string    `db:"id" json:"id"`
	UserID     *string   `db:"user_id" json:"user_id,omitempty"`
	Action     string    `db:"action" json:"action"`
	Resource   string    `db:"resource" json:"resource"`
	ResourceID *string   `db:"resource_id" json:"resource_id,omitempty"`
	OldValues  []byte    `db:"old_values" json:"old_values,omitempty"`
	NewValues  []byte    `db:"new_values" json:"new_values,omitempty"`
	IPAddress  string    `db:"ip_address" json:"ip_address"`
	UserAgent  string    `db:"user_agent" json:"user_agent"`
	RequestID  string    `db:"request_id" json:"request_id,omitempty"`
	CreatedAt  time.Time `db:"created_at" json:"created_at"`
}
