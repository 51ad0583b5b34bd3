package errors

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIsMatchesClonesByCode(t *testing.T) {
	err := Clone(ErrRefreshInvalid, "refresh token already used")

	assert.True(t, errors.Is(err, ErrRefreshInvalid))
	assert.False(t, errors.Is(err, ErrAccessTokenExpired))
	assert.Equal(t, "refresh token already used", err.Message)
	assert.Equal(t, "refresh token is invalid or expired", ErrRefreshInvalid.Message)
}

func TestIsThroughFmtWrap(t *testing.T) {
	err := fmt.Errorf("handler: %w", Clone(ErrAccessTokenExpired, ""))
	assert.True(t, errors.Is(err, ErrAccessTokenExpired))
	assert.False(t, errors.Is(err, ErrInvalidAccessToken))
}

func TestStorageKeepsDriverError(t *testing.T) {
	driverErr := errors.New("connection refused")
	err := Storage(driverErr, "")

	require.True(t, errors.Is(err, ErrStorageUnavailable))
	assert.ErrorIs(t, err, driverErr)
	assert.Equal(t, http.StatusServiceUnavailable, err.Status)
	assert.Contains(t, err.Error(), "connection refused")
}

func TestFromErrorDefaultsToInternal(t *testing.T) {
	appErr := FromError(errors.New("boom"))
	assert.Equal(t, ErrInternal.Code, appErr.Code)
	assert.Nil(t, FromError(nil))

	typed := FromError(fmt.Errorf("wrapped: %w", ErrUserInactive))
	assert.Equal(t, ErrUserInactive.Code, typed.Code)
}
