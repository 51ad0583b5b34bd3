package repository

import (
	"context"
	"errors"
	"regexp"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/session-core/internal/models"
)

var sessionRowColumns = []string{"id", "user_id", "role", "token_hash", "expires_at", "is_active", "user_agent", "ip_address", "device_id", "created_at", "updated_at"}

func newMock(t *testing.T) (*sqlx.DB, sqlmock.Sqlmock, func()) {
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	sqlxdb := sqlx.NewDb(db, "sqlmock")
	return sqlxdb, mock, func() {
		db.Close()
	}
}

func fixedClock() (func() time.Time, time.Time) {
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	return func() time.Time { return now }, now
}

func TestSessionRepositoryCreate(t *testing.T) {
	db, mock, cleanup := newMock(t)
	defer cleanup()
	clock, now := fixedClock()
	repo := NewSessionRepository(db).WithClock(clock)

	mock.ExpectExec("INSERT INTO refresh_tokens").WillReturnResult(sqlmock.NewResult(1, 1))

	rec := &models.RefreshTokenRecord{UserID: "u1", Role: models.RoleTenant, TokenHash: "h1", ExpiresAt: now.Add(time.Hour)}
	id, err := repo.Create(context.Background(), rec)
	require.NoError(t, err)
	assert.NotEmpty(t, id)
	assert.Equal(t, id, rec.ID)
	assert.True(t, rec.IsActive)
	assert.Equal(t, now, rec.CreatedAt)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSessionRepositoryCreateDuplicateHash(t *testing.T) {
	db, mock, cleanup := newMock(t)
	defer cleanup()
	repo := NewSessionRepository(db)

	mock.ExpectExec("INSERT INTO refresh_tokens").WillReturnError(&pq.Error{Code: pqUniqueViolation})

	_, err := repo.Create(context.Background(), &models.RefreshTokenRecord{UserID: "u1", TokenHash: "h1", ExpiresAt: time.Now().Add(time.Hour)})
	assert.ErrorIs(t, err, ErrDuplicateTokenHash)
}

func TestSessionRepositoryFindActive(t *testing.T) {
	db, mock, cleanup := newMock(t)
	defer cleanup()
	clock, now := fixedClock()
	repo := NewSessionRepository(db).WithClock(clock)

	rows := sqlmock.NewRows(sessionRowColumns).
		AddRow("s1", "u1", "tenant", "h1", now.Add(time.Hour), true, "ua", "10.0.0.1", "dev-1", now, now)
	mock.ExpectQuery(regexp.QuoteMeta("SELECT "+sessionColumns+" FROM refresh_tokens WHERE token_hash = $1 AND is_active = TRUE AND expires_at > $2 LIMIT 1")).
		WithArgs("h1", now).
		WillReturnRows(rows)

	rec, err := repo.FindActive(context.Background(), "h1")
	require.NoError(t, err)
	assert.Equal(t, "s1", rec.ID)
	assert.Equal(t, models.RoleTenant, rec.Role)
	assert.Equal(t, "dev-1", rec.DeviceID)
	assert.Equal(t, "10.0.0.1", rec.IP)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSessionRepositoryFindActiveNotFound(t *testing.T) {
	db, mock, cleanup := newMock(t)
	defer cleanup()
	repo := NewSessionRepository(db)

	mock.ExpectQuery("FROM refresh_tokens WHERE token_hash").WillReturnRows(sqlmock.NewRows(sessionRowColumns))

	_, err := repo.FindActive(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrSessionNotFound)
}

func TestSessionRepositoryFindActiveWrapsDriverError(t *testing.T) {
	db, mock, cleanup := newMock(t)
	defer cleanup()
	repo := NewSessionRepository(db)

	boom := errors.New("connection reset")
	mock.ExpectQuery("FROM refresh_tokens WHERE token_hash").WillReturnError(boom)

	_, err := repo.FindActive(context.Background(), "h1")
	require.Error(t, err)
	assert.ErrorIs(t, err, boom)
	assert.NotErrorIs(t, err, ErrSessionNotFound)
}

func TestSessionRepositoryFindByHash(t *testing.T) {
	db, mock, cleanup := newMock(t)
	defer cleanup()
	_, now := fixedClock()
	repo := NewSessionRepository(db)

	rows := sqlmock.NewRows(sessionRowColumns).
		AddRow("s1", "u1", "tenant", "h1", now.Add(time.Hour), false, "", "", "", now, now)
	mock.ExpectQuery(regexp.QuoteMeta("FROM refresh_tokens WHERE token_hash = $1 ORDER BY created_at DESC LIMIT 1")).
		WithArgs("h1").
		WillReturnRows(rows)

	rec, err := repo.FindByHash(context.Background(), "h1")
	require.NoError(t, err)
	assert.False(t, rec.IsActive)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSessionRepositoryDeactivateIfActive(t *testing.T) {
	db, mock, cleanup := newMock(t)
	defer cleanup()
	clock, now := fixedClock()
	repo := NewSessionRepository(db).WithClock(clock)

	query := regexp.QuoteMeta("UPDATE refresh_tokens SET is_active = FALSE, updated_at = $2 WHERE id = $1 AND is_active = TRUE")
	mock.ExpectExec(query).WithArgs("s1", now).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(query).WithArgs("s1", now).WillReturnResult(sqlmock.NewResult(0, 0))

	won, err := repo.DeactivateIfActive(context.Background(), "s1")
	require.NoError(t, err)
	assert.True(t, won)

	won, err = repo.DeactivateIfActive(context.Background(), "s1")
	require.NoError(t, err)
	assert.False(t, won)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSessionRepositoryDeactivateAllForUser(t *testing.T) {
	db, mock, cleanup := newMock(t)
	defer cleanup()
	clock, now := fixedClock()
	repo := NewSessionRepository(db).WithClock(clock)

	mock.ExpectExec(regexp.QuoteMeta("UPDATE refresh_tokens SET is_active = FALSE, updated_at = $2 WHERE user_id = $1 AND is_active = TRUE")).
		WithArgs("u1", now).
		WillReturnResult(sqlmock.NewResult(0, 3))

	n, err := repo.DeactivateAllForUser(context.Background(), "u1")
	require.NoError(t, err)
	assert.Equal(t, int64(3), n)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSessionRepositoryListActive(t *testing.T) {
	db, mock, cleanup := newMock(t)
	defer cleanup()
	clock, now := fixedClock()
	repo := NewSessionRepository(db).WithClock(clock)

	rows := sqlmock.NewRows(sessionRowColumns).
		AddRow("s2", "u1", "tenant", "h2", now.Add(2*time.Hour), true, "", "", "", now, now).
		AddRow("s1", "u1", "tenant", "h1", now.Add(time.Hour), true, "", "", "", now.Add(-time.Minute), now)
	mock.ExpectQuery(regexp.QuoteMeta("FROM refresh_tokens WHERE user_id = $1 AND is_active = TRUE AND expires_at > $2 ORDER BY created_at DESC")).
		WithArgs("u1", now).
		WillReturnRows(rows)

	records, err := repo.ListActive(context.Background(), "u1")
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.Equal(t, "s2", records[0].ID)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSessionRepositoryPurgeExpired(t *testing.T) {
	db, mock, cleanup := newMock(t)
	defer cleanup()
	clock, now := fixedClock()
	repo := NewSessionRepository(db).WithClock(clock)

	mock.ExpectExec(regexp.QuoteMeta("DELETE FROM refresh_tokens WHERE (is_active = FALSE AND updated_at < $1) OR expires_at < $1")).
		WithArgs(now.Add(-72 * time.Hour)).
		WillReturnResult(sqlmock.NewResult(0, 4))

	n, err := repo.PurgeExpired(context.Background(), 72*time.Hour)
	require.NoError(t, err)
	assert.Equal(t, int64(4), n)
	assert.NoError(t, mock.ExpectationsWereMet())
}
