package main

import (
	"bytes"
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/noah-isme/session-core/internal/models"
	"github.com/noah-isme/session-core/pkg/config"
)

type sessionOpsMock struct {
	sessions []models.SessionInfo
	revoked  int64
	purged   int64
	err      error

	gotUser string
}

func (m *sessionOpsMock) ListSessions(ctx context.Context, userID string) ([]models.SessionInfo, error) {
	m.gotUser = userID
	return m.sessions, m.err
}

func (m *sessionOpsMock) RevokeAllSessions(ctx context.Context, userID string) (int64, error) {
	m.gotUser = userID
	return m.revoked, m.err
}

func (m *sessionOpsMock) Cleanup(ctx context.Context) (int64, error) {
	return m.purged, m.err
}

type cliFixture struct {
	ops       *sessionOpsMock
	openedCfg *config.Config
	closed    int
	migrated  int
	envFile   string
}

func newCLIFixture(ops *sessionOpsMock) (*cliFixture, *environment) {
	f := &cliFixture{ops: ops}
	env := &environment{
		loadConfig: func(path string) (*config.Config, error) {
			f.envFile = path
			return &config.Config{
				JWT: config.JWTConfig{Secret: "secret", Expiration: time.Minute, RefreshExpiration: time.Hour},
				Sessions: config.SessionsConfig{
					StoreDriver:     config.StoreDriverPostgres,
					DevicePolicy:    config.DevicePolicyRecord,
					RetentionWindow: 72 * time.Hour,
					ReplayThreshold: 1,
				},
			}, nil
		},
		open: func(ctx context.Context, cfg *config.Config, log *zap.Logger) (sessionOps, func(), error) {
			f.openedCfg = cfg
			return f.ops, func() { f.closed++ }, nil
		},
		migrate: func(ctx context.Context, cfg *config.Config) error {
			f.migrated++
			return nil
		},
		newLogger: func(*config.Config) (*zap.Logger, error) { return zap.NewNop(), nil },
	}
	return f, env
}

func runCLI(t *testing.T, env *environment, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCmd(env)
	out := &bytes.Buffer{}
	cmd.SetOut(out)
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func TestMigrateCommand(t *testing.T) {
	f, env := newCLIFixture(&sessionOpsMock{})

	out, err := runCLI(t, env, "migrate", "--env-file", "ops.env")
	require.NoError(t, err)
	assert.Equal(t, 1, f.migrated)
	assert.Equal(t, "ops.env", f.envFile)
	assert.Contains(t, out, "migrations applied")
}

func TestPurgeCommandUsesRetentionOverride(t *testing.T) {
	f, env := newCLIFixture(&sessionOpsMock{purged: 4})

	out, err := runCLI(t, env, "purge", "--retention", "12h")
	require.NoError(t, err)
	assert.Equal(t, 12*time.Hour, f.openedCfg.Sessions.RetentionWindow)
	assert.Equal(t, 1, f.closed)
	assert.Contains(t, out, "purged 4 sessions")

	f, env = newCLIFixture(&sessionOpsMock{})
	_, err = runCLI(t, env, "purge")
	require.NoError(t, err)
	assert.Equal(t, 72*time.Hour, f.openedCfg.Sessions.RetentionWindow)

	_, env = newCLIFixture(&sessionOpsMock{})
	_, err = runCLI(t, env, "purge", "--retention", "0s")
	assert.Error(t, err)
}

func TestSessionsListCommand(t *testing.T) {
	created := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	f, env := newCLIFixture(&sessionOpsMock{sessions: []models.SessionInfo{
		{ID: "s2", CreatedAt: created, ExpiresAt: created.Add(time.Hour), Device: models.DeviceInfo{DeviceID: "phone", IP: "10.0.0.1"}},
		{ID: "s1", CreatedAt: created.Add(-time.Hour), ExpiresAt: created.Add(time.Hour)},
	}})

	out, err := runCLI(t, env, "sessions", "list", "u1")
	require.NoError(t, err)
	assert.Equal(t, "u1", f.ops.gotUser)
	assert.Contains(t, out, "USER AGENT")
	assert.Contains(t, out, "2026-03-01T10:00:00Z")
	assert.Contains(t, out, "phone")
	assert.Less(t, bytes.Index([]byte(out), []byte("s2")), bytes.Index([]byte(out), []byte("s1")))
}

func TestSessionsRevokeAllCommand(t *testing.T) {
	f, env := newCLIFixture(&sessionOpsMock{revoked: 2})

	out, err := runCLI(t, env, "sessions", "revoke-all", "u9")
	require.NoError(t, err)
	assert.Equal(t, "u9", f.ops.gotUser)
	assert.Contains(t, out, "revoked 2 sessions for u9")
	assert.Equal(t, 1, f.closed)

	_, env = newCLIFixture(&sessionOpsMock{})
	_, err = runCLI(t, env, "sessions", "revoke-all")
	assert.Error(t, err)
}

func TestCommandSurfacesStoreErrors(t *testing.T) {
	_, env := newCLIFixture(&sessionOpsMock{err: errors.New("store down")})

	_, err := runCLI(t, env, "sessions", "revoke-all", "u1")
	assert.EqualError(t, err, "store down")
}

func TestInvalidConfigStopsBeforeOpening(t *testing.T) {
	f, env := newCLIFixture(&sessionOpsMock{})
	env.loadConfig = func(string) (*config.Config, error) { return &config.Config{}, nil }

	_, err := runCLI(t, env, "purge")
	require.Error(t, err)
	assert.Nil(t, f.openedCfg)
}
