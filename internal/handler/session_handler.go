package handler

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/noah-isme/session-core/internal/middleware"
	"github.com/noah-isme/session-core/internal/models"
	appErrors "github.com/noah-isme/session-core/pkg/errors"
	"github.com/noah-isme/session-core/pkg/response"
)

const deviceIDHeader = "X-Device-ID"

type sessionService interface {
	Refresh(ctx context.Context, raw string, device models.DeviceInfo) (*models.TokenPair, error)
	Revoke(ctx context.Context, raw string) error
	RevokeAllSessions(ctx context.Context, userID string) (int64, error)
	ListSessions(ctx context.Context, userID string) ([]models.SessionInfo, error)
}

// SessionHandler wires HTTP endpoints to the token lifecycle service.
type SessionHandler struct {
	service sessionService
}

// NewSessionHandler creates a new handler.
func NewSessionHandler(svc sessionService) *SessionHandler {
	return &SessionHandler{service: svc}
}

// Refresh godoc
// @Summary Rotate refresh token
// @Description Exchange a refresh token for a new access and refresh token pair. The presented token is single use.
// @Tags Sessions
// @Accept json
// @Produce json
// @Param payload body models.RefreshRequest true "Refresh payload"
// @Success 200 {object} response.Envelope
// @Failure 400 {object} response.Envelope
// @Failure 401 {object} response.Envelope
// @Failure 429 {object} response.Envelope
// @Failure 503 {object} response.Envelope
// @Router /auth/refresh [post]
func (h *SessionHandler) Refresh(c *gin.Context) {
	var req models.RefreshRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, appErrors.Wrap(err, appErrors.ErrValidation.Code, http.StatusBadRequest, "invalid refresh payload"))
		return
	}

	device := deviceFromRequest(c, req.DeviceID)
	pair, err := h.service.Refresh(c.Request.Context(), req.RefreshToken, device)
	if err != nil {
		response.Error(c, err)
		return
	}

	response.JSON(c, http.StatusOK, pair)
}

// Logout godoc
// @Summary Revoke refresh token
// @Description Revoke the session of a refresh token. Unknown or already revoked tokens are accepted.
// @Tags Sessions
// @Accept json
// @Produce json
// @Param payload body models.LogoutRequest true "Logout payload"
// @Success 204 {object} response.Envelope
// @Failure 400 {object} response.Envelope
// @Failure 503 {object} response.Envelope
// @Router /auth/logout [post]
func (h *SessionHandler) Logout(c *gin.Context) {
	var req models.LogoutRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, appErrors.Wrap(err, appErrors.ErrValidation.Code, http.StatusBadRequest, "refresh token required"))
		return
	}

	if err := h.service.Revoke(c.Request.Context(), req.RefreshToken); err != nil {
		response.Error(c, err)
		return
	}

	response.NoContent(c)
}

// LogoutAll godoc
// @Summary Revoke all sessions
// @Description Revoke every active session of the current user
// @Tags Sessions
// @Produce json
// @Security BearerAuth
// @Success 200 {object} response.Envelope
// @Failure 401 {object} response.Envelope
// @Failure 503 {object} response.Envelope
// @Router /auth/logout-all [post]
func (h *SessionHandler) LogoutAll(c *gin.Context) {
	claims := middleware.ClaimsFromContext(c)
	if claims == nil {
		response.Error(c, appErrors.ErrUnauthorized)
		return
	}

	revoked, err := h.service.RevokeAllSessions(c.Request.Context(), claims.UserID)
	if err != nil {
		response.Error(c, err)
		return
	}

	response.JSON(c, http.StatusOK, gin.H{"revoked": revoked})
}

// ListSessions godoc
// @Summary List active sessions
// @Description List the current user's active sessions, newest first
// @Tags Sessions
// @Produce json
// @Security BearerAuth
// @Success 200 {object} response.Envelope
// @Failure 401 {object} response.Envelope
// @Failure 503 {object} response.Envelope
// @Router /auth/sessions [get]
func (h *SessionHandler) ListSessions(c *gin.Context) {
	claims := middleware.ClaimsFromContext(c)
	if claims == nil {
		response.Error(c, appErrors.ErrUnauthorized)
		return
	}

	sessions, err := h.service.ListSessions(c.Request.Context(), claims.UserID)
	if err != nil {
		response.Error(c, err)
		return
	}

	response.JSON(c, http.StatusOK, sessions, map[string]interface{}{"count": len(sessions)})
}

// Me godoc
// @Summary Current principal
// @Description Return the identity carried by the access token
// @Tags Sessions
// @Produce json
// @Security BearerAuth
// @Success 200 {object} response.Envelope
// @Failure 401 {object} response.Envelope
// @Router /auth/me [get]
func (h *SessionHandler) Me(c *gin.Context) {
	claims := middleware.ClaimsFromContext(c)
	if claims == nil {
		response.Error(c, appErrors.ErrUnauthorized)
		return
	}

	body := gin.H{"user_id": claims.UserID, "role": claims.Role}
	if claims.ExpiresAt != nil {
		body["expires_at"] = claims.ExpiresAt.Time
	}
	response.JSON(c, http.StatusOK, body)
}

// AdminRevokeAll godoc
// @Summary Revoke all sessions of a user
// @Description Force logout of a user everywhere, for account deactivation or incident response
// @Tags Admin
// @Produce json
// @Security BearerAuth
// @Param id path string true "User ID"
// @Success 200 {object} response.Envelope
// @Failure 401 {object} response.Envelope
// @Failure 403 {object} response.Envelope
// @Failure 503 {object} response.Envelope
// @Router /admin/users/{id}/sessions/revoke [post]
func (h *SessionHandler) AdminRevokeAll(c *gin.Context) {
	userID := c.Param("id")
	if userID == "" {
		response.Error(c, appErrors.Clone(appErrors.ErrValidation, "user id is required"))
		return
	}

	revoked, err := h.service.RevokeAllSessions(c.Request.Context(), userID)
	if err != nil {
		response.Error(c, err)
		return
	}

	response.JSON(c, http.StatusOK, gin.H{"user_id": userID, "revoked": revoked})
}

func deviceFromRequest(c *gin.Context, deviceID string) models.DeviceInfo {
	if deviceID == "" {
		deviceID = c.GetHeader(deviceIDHeader)
	}
	return models.DeviceInfo{
		UserAgent: c.GetHeader("User-Agent"),
		IP:        c.ClientIP(),
		DeviceID:  deviceID,
	}
}
