package service

import (
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/session-core/internal/models"
	appErrors "github.com/noah-isme/session-core/pkg/errors"
)

type testClock struct {
	now time.Time
}

func newTestClock() *testClock {
	return &testClock{now: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *testClock) Now() time.Time { return c.now }

func (c *testClock) Advance(d time.Duration) { c.now = c.now.Add(d) }

func newTestCodec(t *testing.T, clock func() time.Time) *TokenCodec {
	t.Helper()
	codec, err := NewTokenCodec(TokenCodecConfig{
		Secret:     "test-secret-with-enough-entropy-123456",
		Issuer:     "session-core",
		Audience:   []string{"session-clients"},
		HashPepper: "pepper",
		Clock:      clock,
	})
	require.NoError(t, err)
	return codec
}

func TestTokenCodecSignAndVerify(t *testing.T) {
	clock := newTestClock()
	codec := newTestCodec(t, clock.Now)

	token, expiresAt, err := codec.SignAccess("u1", models.RoleTenant, 15*time.Minute)
	require.NoError(t, err)
	assert.Equal(t, clock.Now().Add(15*time.Minute), expiresAt)

	claims, err := codec.VerifyAccess(token)
	require.NoError(t, err)
	assert.Equal(t, "u1", claims.UserID)
	assert.Equal(t, models.RoleTenant, claims.Role)
	assert.Equal(t, models.TokenTypeAccess, claims.Type)
	assert.Equal(t, "u1", claims.Subject)
}

func TestTokenCodecVerifyExpired(t *testing.T) {
	clock := newTestClock()
	codec := newTestCodec(t, clock.Now)

	token, _, err := codec.SignAccess("u1", models.RoleTenant, time.Minute)
	require.NoError(t, err)

	clock.Advance(2 * time.Minute)
	_, err = codec.VerifyAccess(token)
	require.Error(t, err)
	assert.ErrorIs(t, err, appErrors.ErrAccessTokenExpired)
	assert.NotErrorIs(t, err, appErrors.ErrInvalidAccessToken)
}

func TestTokenCodecExpiryBoundary(t *testing.T) {
	clock := newTestClock()
	clock.Advance(300 * time.Millisecond)
	codec := newTestCodec(t, clock.Now)

	token, expiresAt, err := codec.SignAccess("u1", models.RoleTenant, time.Minute)
	require.NoError(t, err)
	assert.False(t, expiresAt.Before(clock.Now().Add(time.Minute)))
	assert.Equal(t, time.Date(2024, 5, 1, 12, 1, 1, 0, time.UTC), expiresAt)

	clock.now = expiresAt
	_, err = codec.VerifyAccess(token)
	require.NoError(t, err)

	clock.Advance(time.Millisecond)
	_, err = codec.VerifyAccess(token)
	assert.ErrorIs(t, err, appErrors.ErrAccessTokenExpired)
}

func TestTokenCodecExpiredWithWrongIssuerIsInvalid(t *testing.T) {
	clock := newTestClock()
	codec := newTestCodec(t, clock.Now)

	cases := map[string]jwt.RegisteredClaims{
		"wrong issuer":   {Issuer: "someone-else", Audience: jwt.ClaimStrings{"session-clients"}},
		"wrong audience": {Issuer: "session-core", Audience: jwt.ClaimStrings{"other-clients"}},
	}
	for name, registered := range cases {
		t.Run(name, func(t *testing.T) {
			registered.ExpiresAt = jwt.NewNumericDate(clock.Now().Add(-time.Minute))
			signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, models.AccessClaims{
				UserID:           "u1",
				Role:             models.RoleTenant,
				Type:             models.TokenTypeAccess,
				RegisteredClaims: registered,
			}).SignedString([]byte("test-secret-with-enough-entropy-123456"))
			require.NoError(t, err)

			_, err = codec.VerifyAccess(signed)
			require.Error(t, err)
			assert.ErrorIs(t, err, appErrors.ErrInvalidAccessToken)
			assert.NotErrorIs(t, err, appErrors.ErrAccessTokenExpired)
		})
	}
}

func TestTokenCodecVerifyRejectsDefects(t *testing.T) {
	clock := newTestClock()
	codec := newTestCodec(t, clock.Now)
	valid, _, err := codec.SignAccess("u1", models.RoleTenant, time.Minute)
	require.NoError(t, err)

	other, err := NewTokenCodec(TokenCodecConfig{Secret: "another-secret", Issuer: "session-core", Audience: []string{"session-clients"}, Clock: clock.Now})
	require.NoError(t, err)
	foreign, _, err := other.SignAccess("u1", models.RoleTenant, time.Minute)
	require.NoError(t, err)

	wrongType := jwt.NewWithClaims(jwt.SigningMethodHS256, models.AccessClaims{
		UserID: "u1",
		Role:   models.RoleTenant,
		Type:   "refresh",
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    "session-core",
			Audience:  jwt.ClaimStrings{"session-clients"},
			ExpiresAt: jwt.NewNumericDate(clock.Now().Add(time.Minute)),
		},
	})
	wrongTypeToken, err := wrongType.SignedString([]byte("test-secret-with-enough-entropy-123456"))
	require.NoError(t, err)

	noneToken, err := jwt.NewWithClaims(jwt.SigningMethodNone, models.AccessClaims{UserID: "u1", Type: models.TokenTypeAccess}).
		SignedString(jwt.UnsafeAllowNoneSignatureType)
	require.NoError(t, err)

	parts := strings.Split(valid, ".")
	tampered := parts[0] + "." + parts[1] + "x." + parts[2]

	cases := map[string]string{
		"garbage":       "not-a-token",
		"bad signature": foreign,
		"wrong type":    wrongTypeToken,
		"alg none":      noneToken,
		"tampered":      tampered,
	}
	for name, token := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := codec.VerifyAccess(token)
			require.Error(t, err)
			assert.ErrorIs(t, err, appErrors.ErrInvalidAccessToken)
		})
	}
}

func TestTokenCodecVerifyEmpty(t *testing.T) {
	codec := newTestCodec(t, nil)
	_, err := codec.VerifyAccess("")
	assert.ErrorIs(t, err, appErrors.ErrNoToken)
}

func TestTokenCodecRefreshSecretsAreUnique(t *testing.T) {
	codec := newTestCodec(t, nil)
	seen := make(map[string]struct{})
	for i := 0; i < 64; i++ {
		secret, err := codec.NewRefreshSecret()
		require.NoError(t, err)
		assert.Len(t, secret, 43)
		_, dup := seen[secret]
		assert.False(t, dup)
		seen[secret] = struct{}{}
	}
}

func TestTokenCodecHash(t *testing.T) {
	codec := newTestCodec(t, nil)
	h1 := codec.Hash("raw-token")
	assert.Equal(t, h1, codec.Hash("raw-token"))
	assert.NotEqual(t, h1, codec.Hash("raw-token2"))
	assert.Len(t, h1, 64)
	assert.NotContains(t, h1, "raw-token")

	unpeppered, err := NewTokenCodec(TokenCodecConfig{Secret: "s"})
	require.NoError(t, err)
	assert.NotEqual(t, h1, unpeppered.Hash("raw-token"))
}

func TestNewTokenCodecRequiresSecret(t *testing.T) {
	_, err := NewTokenCodec(TokenCodecConfig{})
	assert.Error(t, err)

	_, err = NewTokenCodec(TokenCodecConfig{Secret: "s", HashPepper: strings.Repeat("p", 65)})
	assert.Error(t, err)
}
