package models

import "github.com/golang-jwt/jwt/v5"

// TokenTypeAccess marks claims that may authenticate requests.
const TokenTypeAccess = "access"

// AccessClaims is the JWT payload of an access token. It is never persisted.
type AccessClaims struct {
	UserID string   `json:"user_id"`
	Role   UserRole `json:"role"`
	Type   string   `json:"type"`
	jwt.RegisteredClaims
}
