package service

import (
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"golang.org/x/crypto/blake2b"

	"github.com/noah-isme/session-core/internal/models"
	appErrors "github.com/noah-isme/session-core/pkg/errors"
)

const refreshSecretBytes = 32

// TokenCodecConfig holds signing material for access tokens and the refresh hash key.
type TokenCodecConfig struct {
	Secret     string
	Issuer     string
	Audience   []string
	HashPepper string
	Clock      func() time.Time
}

// TokenCodec signs and verifies access tokens and derives refresh token hashes. It
// holds no mutable state and performs no I/O.
type TokenCodec struct {
	secret   []byte
	issuer   string
	audience []string
	pepper   []byte
	now      func() time.Time
}

// NewTokenCodec constructs a TokenCodec.
func NewTokenCodec(cfg TokenCodecConfig) (*TokenCodec, error) {
	if cfg.Secret == "" {
		return nil, errors.New("token codec: secret is required")
	}
	if len(cfg.HashPepper) > blake2b.Size {
		return nil, fmt.Errorf("token codec: hash pepper longer than %d bytes", blake2b.Size)
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	return &TokenCodec{
		secret:   []byte(cfg.Secret),
		issuer:   cfg.Issuer,
		audience: cfg.Audience,
		pepper:   []byte(cfg.HashPepper),
		now:      cfg.Clock,
	}, nil
}

// SignAccess produces an HS256 access token for the user and role.
func (c *TokenCodec) SignAccess(userID string, role models.UserRole, ttl time.Duration) (string, time.Time, error) {
	now := c.now().UTC()
	expiresAt := ceilToPrecision(now.Add(ttl))
	claims := models.AccessClaims{
		UserID: userID,
		Role:   role,
		Type:   models.TokenTypeAccess,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID,
			Issuer:    c.issuer,
			Audience:  jwt.ClaimStrings(c.audience),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			ID:        uuid.NewString(),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(c.secret)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("sign access token: %w", err)
	}
	return signed, expiresAt, nil
}

// VerifyAccess validates the token and returns its claims. Expired tokens fail with
// ErrAccessTokenExpired, every other defect with ErrInvalidAccessToken.
func (c *TokenCodec) VerifyAccess(tokenString string) (*models.AccessClaims, error) {
	if tokenString == "" {
		return nil, appErrors.Clone(appErrors.ErrNoToken, "access token is missing")
	}

	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithTimeFunc(c.now),
		jwt.WithExpirationRequired(),
		// exp is inclusive: a token is expired only once now is past it
		jwt.WithLeeway(time.Nanosecond),
	}
	if c.issuer != "" {
		opts = append(opts, jwt.WithIssuer(c.issuer))
	}
	if len(c.audience) > 0 {
		opts = append(opts, jwt.WithAudience(c.audience[0]))
	}

	claims := &models.AccessClaims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (interface{}, error) {
		return c.secret, nil
	}, opts...)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) && !errors.Is(err, jwt.ErrTokenInvalidIssuer) && !errors.Is(err, jwt.ErrTokenInvalidAudience) {
			return nil, appErrors.Wrap(err, appErrors.ErrAccessTokenExpired.Code, appErrors.ErrAccessTokenExpired.Status, "access token expired")
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInvalidAccessToken.Code, appErrors.ErrInvalidAccessToken.Status, "invalid access token")
	}
	if !token.Valid || claims.Type != models.TokenTypeAccess || claims.UserID == "" {
		return nil, appErrors.Clone(appErrors.ErrInvalidAccessToken, "invalid access token claims")
	}
	return claims, nil
}

// ceilToPrecision rounds t up to the resolution of JWT numeric dates so a token never
// expires before its full TTL.
func ceilToPrecision(t time.Time) time.Time {
	truncated := t.Truncate(jwt.TimePrecision)
	if truncated.Before(t) {
		return truncated.Add(jwt.TimePrecision)
	}
	return truncated
}

// NewRefreshSecret returns 256 bits of randomness encoded as unpadded base64url.
func (c *TokenCodec) NewRefreshSecret() (string, error) {
	buf := make([]byte, refreshSecretBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate refresh secret: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}

// Hash derives the lookup key of a raw refresh token.
func (c *TokenCodec) Hash(raw string) string {
	h, err := blake2b.New256(c.pepper)
	if err != nil {
		// key length is checked in NewTokenCodec
		panic(err)
	}
	h.Write([]byte(raw))
	return hex.EncodeToString(h.Sum(nil))
}
