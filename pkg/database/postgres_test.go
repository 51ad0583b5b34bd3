package database

import (
	"net/url"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/session-core/pkg/config"
)

func TestDSNEscapesCredentials(t *testing.T) {
	dsn := DSN(config.DatabaseConfig{
		Host:     "db.internal",
		Port:     5433,
		User:     "sessions",
		Password: "p@ss word/1",
		Name:     "session_core",
		SSLMode:  "require",
	})

	u, err := url.Parse(dsn)
	require.NoError(t, err)
	assert.Equal(t, "postgres", u.Scheme)
	assert.Equal(t, "db.internal:5433", u.Host)
	assert.Equal(t, "/session_core", u.Path)
	pw, _ := u.User.Password()
	assert.Equal(t, "p@ss word/1", pw)
	assert.Equal(t, "require", u.Query().Get("sslmode"))
	assert.Equal(t, "session-core", u.Query().Get("application_name"))
}
