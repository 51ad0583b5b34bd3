package repository

import "errors"

var (
	// ErrSessionNotFound is returned when no record matches the lookup.
	ErrSessionNotFound = errors.New("session not found")
	// ErrDuplicateTokenHash is returned when an active record already holds the hash.
	ErrDuplicateTokenHash = errors.New("duplicate active token hash")
	// ErrUserNotFound is returned by UserRepository when the user does not exist.
	ErrUserNotFound = errors.New("user not found")
)

const pqUniqueViolation = "23505"
