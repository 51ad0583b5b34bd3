package service

import (
	"context"
	"crypto/subtle"
	"errors"
	"time"

	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"github.com/noah-isme/session-core/internal/models"
	"github.com/noah-isme/session-core/internal/repository"
	appErrors "github.com/noah-isme/session-core/pkg/errors"
)

// Device binding policies.
const (
	DevicePolicyRecord  = "record"
	DevicePolicyEnforce = "enforce"
)

// SessionStore persists refresh token records. DeactivateIfActive must be an atomic
// compare-and-swap shared by every service instance.
type SessionStore interface {
	Create(ctx context.Context, rec *models.RefreshTokenRecord) (string, error)
	FindActive(ctx context.Context, tokenHash string) (*models.RefreshTokenRecord, error)
	FindByHash(ctx context.Context, tokenHash string) (*models.RefreshTokenRecord, error)
	DeactivateIfActive(ctx context.Context, id string) (bool, error)
	DeactivateAllForUser(ctx context.Context, userID string) (int64, error)
	ListActive(ctx context.Context, userID string) ([]models.RefreshTokenRecord, error)
	PurgeExpired(ctx context.Context, retention time.Duration) (int64, error)
}

// ReplayTracker counts reuse of retired refresh tokens per user.
type ReplayTracker interface {
	RecordStrike(ctx context.Context, userID string, window time.Duration) (int64, error)
	Reset(ctx context.Context, userID string) error
}

// UserDirectory reports whether the owner of a session may keep it.
type UserDirectory interface {
	FindStatus(ctx context.Context, id string) (*models.UserStatus, error)
}

type sessionAuditor interface {
	Record(ctx context.Context, entry models.AuditLog)
}

// TokenLifecycleConfig defines TTLs and hardening policies.
type TokenLifecycleConfig struct {
	AccessTTL       time.Duration
	RefreshTTL      time.Duration
	RetentionWindow time.Duration
	CleanupInterval time.Duration
	DevicePolicy    string
	ReplayDetection bool
	ReplayThreshold int64
	ReplayWindow    time.Duration
	// ReplayGrace ignores tokens retired this recently; they come from refreshes
	// racing the rotation, not from reuse.
	ReplayGrace time.Duration
	Clock       func() time.Time
}

// DefaultReplayThreshold is the number of replays within the window that revokes
// every session of the user. A single reuse only gets rejected.
const DefaultReplayThreshold = 2

// TokenLifecycleOption wires optional collaborators.
type TokenLifecycleOption func(*TokenLifecycleService)

// WithUserDirectory enables account status checks during refresh.
func WithUserDirectory(users UserDirectory) TokenLifecycleOption {
	return func(s *TokenLifecycleService) { s.users = users }
}

// WithReplayTracker counts replay strikes across instances.
func WithReplayTracker(tracker ReplayTracker) TokenLifecycleOption {
	return func(s *TokenLifecycleService) { s.replay = tracker }
}

// WithAuditor records lifecycle events.
func WithAuditor(auditor *AuditService) TokenLifecycleOption {
	return func(s *TokenLifecycleService) {
		if auditor != nil {
			s.audit = auditor
		}
	}
}

// WithMetrics records lifecycle metrics.
func WithMetrics(metrics *MetricsService) TokenLifecycleOption {
	return func(s *TokenLifecycleService) { s.metrics = metrics }
}

type issueInput struct {
	UserID string          `validate:"required,max=128"`
	Role   models.UserRole `validate:"required,max=64"`
	Device models.DeviceInfo
}

// TokenLifecycleService issues, rotates, and revokes sessions.
type TokenLifecycleService struct {
	codec     *TokenCodec
	store     SessionStore
	users     UserDirectory
	replay    ReplayTracker
	audit     sessionAuditor
	metrics   *MetricsService
	validator *validator.Validate
	logger    *zap.Logger
	cfg       TokenLifecycleConfig
}

// NewTokenLifecycleService constructs a TokenLifecycleService.
func NewTokenLifecycleService(codec *TokenCodec, store SessionStore, validate *validator.Validate, logger *zap.Logger, cfg TokenLifecycleConfig, opts ...TokenLifecycleOption) *TokenLifecycleService {
	if logger == nil {
		logger = zap.NewNop()
	}
	if validate == nil {
		validate = validator.New()
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	if cfg.AccessTTL <= 0 {
		cfg.AccessTTL = 15 * time.Minute
	}
	if cfg.RefreshTTL <= 0 {
		cfg.RefreshTTL = 7 * 24 * time.Hour
	}
	if cfg.RetentionWindow <= 0 {
		cfg.RetentionWindow = 72 * time.Hour
	}
	if cfg.DevicePolicy == "" {
		cfg.DevicePolicy = DevicePolicyRecord
	}
	if cfg.ReplayThreshold < 1 {
		cfg.ReplayThreshold = DefaultReplayThreshold
	}
	if cfg.ReplayWindow <= 0 {
		cfg.ReplayWindow = 24 * time.Hour
	}

	s := &TokenLifecycleService{
		codec:     codec,
		store:     store,
		validator: validate,
		logger:    logger,
		cfg:       cfg,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Issue creates a new session for the user and returns its token pair.
func (s *TokenLifecycleService) Issue(ctx context.Context, userID string, role models.UserRole, device models.DeviceInfo) (*models.TokenPair, error) {
	if err := s.validator.Struct(issueInput{UserID: userID, Role: role, Device: device}); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, "invalid session parameters")
	}

	pair, err := s.issue(ctx, userID, role, device)
	if err != nil {
		return nil, err
	}

	s.record(ctx, userID, models.AuditActionSessionIssued, pair.SessionID, device, map[string]interface{}{
		"role": role,
	})
	return pair, nil
}

func (s *TokenLifecycleService) issue(ctx context.Context, userID string, role models.UserRole, device models.DeviceInfo) (*models.TokenPair, error) {
	accessToken, accessExpiresAt, err := s.codec.SignAccess(userID, role, s.cfg.AccessTTL)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to create access token")
	}

	raw, err := s.codec.NewRefreshSecret()
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to create refresh token")
	}

	refreshExpiresAt := s.cfg.Clock().UTC().Add(s.cfg.RefreshTTL)
	rec := &models.RefreshTokenRecord{
		UserID:     userID,
		Role:       role,
		TokenHash:  s.codec.Hash(raw),
		ExpiresAt:  refreshExpiresAt,
		DeviceInfo: device,
	}

	start := time.Now()
	id, err := s.store.Create(ctx, rec)
	s.metrics.ObserveStoreOperation("create", time.Since(start))
	if err != nil {
		if errors.Is(err, repository.ErrDuplicateTokenHash) {
			return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "refresh token collision")
		}
		return nil, appErrors.Storage(err, "failed to persist session")
	}
	s.metrics.IncTokensIssued()

	return &models.TokenPair{
		AccessToken:      accessToken,
		RefreshToken:     raw,
		TokenType:        "Bearer",
		AccessExpiresAt:  accessExpiresAt,
		RefreshExpiresAt: refreshExpiresAt,
		ExpiresIn:        int64(s.cfg.AccessTTL.Seconds()),
		SessionID:        id,
	}, nil
}

// VerifyAccess validates an access token without touching the store.
func (s *TokenLifecycleService) VerifyAccess(token string) (*models.AccessClaims, error) {
	return s.codec.VerifyAccess(token)
}

// Refresh rotates a refresh token. The presented record is retired through a single
// conditional update and a new pair is issued only for the caller that won it.
func (s *TokenLifecycleService) Refresh(ctx context.Context, raw string, device models.DeviceInfo) (*models.TokenPair, error) {
	if raw == "" {
		s.metrics.ObserveRefresh(RefreshResultInvalid)
		return nil, refreshInvalid()
	}
	tokenHash := s.codec.Hash(raw)

	start := time.Now()
	rec, err := s.store.FindActive(ctx, tokenHash)
	s.metrics.ObserveStoreOperation("find_active", time.Since(start))
	if err != nil {
		if errors.Is(err, repository.ErrSessionNotFound) {
			s.metrics.ObserveRefresh(RefreshResultInvalid)
			s.detectReplay(ctx, tokenHash, device)
			return nil, refreshInvalid()
		}
		s.metrics.ObserveRefresh(RefreshResultStorageError)
		return nil, appErrors.Storage(err, "failed to load session")
	}

	if !s.deviceAllowed(rec, device) {
		s.metrics.ObserveRefresh(RefreshResultDeviceMismatch)
		return nil, refreshInvalid()
	}

	if err := s.checkOwner(ctx, rec); err != nil {
		return nil, err
	}

	start = time.Now()
	won, err := s.store.DeactivateIfActive(ctx, rec.ID)
	s.metrics.ObserveStoreOperation("deactivate", time.Since(start))
	if err != nil {
		s.metrics.ObserveRefresh(RefreshResultStorageError)
		return nil, appErrors.Storage(err, "failed to rotate session")
	}
	if !won {
		s.metrics.ObserveRefresh(RefreshResultInvalid)
		s.logger.Info("refresh lost rotation race", zap.String("session_id", rec.ID), zap.String("user_id", rec.UserID))
		return nil, refreshInvalid()
	}

	pair, err := s.issue(ctx, rec.UserID, rec.Role, device)
	if err != nil {
		s.metrics.ObserveRefresh(RefreshResultStorageError)
		s.logger.Error("session retired but replacement not issued", zap.String("session_id", rec.ID), zap.String("user_id", rec.UserID), zap.Error(err))
		return nil, err
	}
	s.metrics.ObserveRefresh(RefreshResultRotated)

	s.record(ctx, rec.UserID, models.AuditActionSessionRotated, rec.ID, device, map[string]interface{}{
		"session_id": pair.SessionID,
	})
	return pair, nil
}

// Revoke retires the session of a refresh token. Unknown and already inactive tokens
// are a no-op.
func (s *TokenLifecycleService) Revoke(ctx context.Context, raw string) error {
	if raw == "" {
		return nil
	}

	start := time.Now()
	rec, err := s.store.FindByHash(ctx, s.codec.Hash(raw))
	s.metrics.ObserveStoreOperation("find_by_hash", time.Since(start))
	if err != nil {
		if errors.Is(err, repository.ErrSessionNotFound) {
			return nil
		}
		return appErrors.Storage(err, "failed to load session")
	}
	if !rec.IsActive {
		return nil
	}

	start = time.Now()
	won, err := s.store.DeactivateIfActive(ctx, rec.ID)
	s.metrics.ObserveStoreOperation("deactivate", time.Since(start))
	if err != nil {
		return appErrors.Storage(err, "failed to revoke session")
	}
	if won {
		s.metrics.AddRevocations(RevocationScopeSingle, 1)
		s.record(ctx, rec.UserID, models.AuditActionSessionRevoked, rec.ID, rec.DeviceInfo, nil)
	}
	return nil
}

// RevokeAllSessions retires every active session of the user and returns how many
// were active.
func (s *TokenLifecycleService) RevokeAllSessions(ctx context.Context, userID string) (int64, error) {
	if userID == "" {
		return 0, appErrors.Clone(appErrors.ErrValidation, "user id is required")
	}

	start := time.Now()
	n, err := s.store.DeactivateAllForUser(ctx, userID)
	s.metrics.ObserveStoreOperation("deactivate_all", time.Since(start))
	if err != nil {
		return 0, appErrors.Storage(err, "failed to revoke sessions")
	}

	s.metrics.AddRevocations(RevocationScopeAll, n)
	s.record(ctx, userID, models.AuditActionSessionsRevokeAll, userID, models.DeviceInfo{}, map[string]interface{}{
		"revoked": n,
	})
	return n, nil
}

// ListSessions returns the user's active sessions, newest first.
func (s *TokenLifecycleService) ListSessions(ctx context.Context, userID string) ([]models.SessionInfo, error) {
	if userID == "" {
		return nil, appErrors.Clone(appErrors.ErrValidation, "user id is required")
	}

	start := time.Now()
	records, err := s.store.ListActive(ctx, userID)
	s.metrics.ObserveStoreOperation("list_active", time.Since(start))
	if err != nil {
		return nil, appErrors.Storage(err, "failed to list sessions")
	}

	sessions := make([]models.SessionInfo, 0, len(records))
	for _, rec := range records {
		sessions = append(sessions, models.SessionInfo{
			ID:        rec.ID,
			Device:    rec.DeviceInfo,
			CreatedAt: rec.CreatedAt,
			ExpiresAt: rec.ExpiresAt,
		})
	}
	return sessions, nil
}

// Cleanup purges records that left the retention window.
func (s *TokenLifecycleService) Cleanup(ctx context.Context) (int64, error) {
	start := time.Now()
	n, err := s.store.PurgeExpired(ctx, s.cfg.RetentionWindow)
	s.metrics.ObserveStoreOperation("purge", time.Since(start))
	if err != nil {
		return 0, appErrors.Storage(err, "failed to purge sessions")
	}

	s.metrics.AddPurged(n)
	if n > 0 {
		s.logger.Info("purged sessions", zap.Int64("count", n), zap.Duration("retention", s.cfg.RetentionWindow))
		if s.audit != nil {
			s.audit.Record(ctx, models.AuditLog{
				Action:    models.AuditActionSessionsPurged,
				Resource:  models.AuditResourceSession,
				NewValues: auditValues(map[string]interface{}{"purged": n}),
			})
		}
	}
	return n, nil
}

// StartCleanup boots a goroutine that purges stale sessions periodically.
func (s *TokenLifecycleService) StartCleanup(ctx context.Context) {
	if s.cfg.CleanupInterval <= 0 {
		return
	}
	ticker := time.NewTicker(s.cfg.CleanupInterval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if _, err := s.Cleanup(ctx); err != nil && ctx.Err() == nil {
					s.logger.Warn("session cleanup failed", zap.Error(err))
				}
			}
		}
	}()
}

func (s *TokenLifecycleService) deviceAllowed(rec *models.RefreshTokenRecord, device models.DeviceInfo) bool {
	if rec.DeviceID == "" {
		return true
	}
	if subtle.ConstantTimeCompare([]byte(rec.DeviceID), []byte(device.DeviceID)) == 1 {
		return true
	}
	if s.cfg.DevicePolicy != DevicePolicyEnforce {
		s.logger.Info("refresh from different device",
			zap.String("session_id", rec.ID),
			zap.String("user_id", rec.UserID),
			zap.String("bound_device", rec.DeviceID),
			zap.String("presented_device", device.DeviceID),
		)
		return true
	}
	s.logger.Warn("refresh rejected for unbound device", zap.String("session_id", rec.ID), zap.String("user_id", rec.UserID))
	return false
}

func (s *TokenLifecycleService) checkOwner(ctx context.Context, rec *models.RefreshTokenRecord) error {
	if s.users == nil {
		return nil
	}

	status, err := s.users.FindStatus(ctx, rec.UserID)
	if err != nil {
		if !errors.Is(err, repository.ErrUserNotFound) {
			s.metrics.ObserveRefresh(RefreshResultStorageError)
			return appErrors.Storage(err, "failed to load user")
		}
		s.metrics.ObserveRefresh(RefreshResultUserNotFound)
		if _, err := s.store.DeactivateIfActive(ctx, rec.ID); err != nil {
			return appErrors.Storage(err, "failed to revoke orphaned session")
		}
		return appErrors.Clone(appErrors.ErrUserNotFound, "associated user no longer exists")
	}

	if !status.Active {
		s.metrics.ObserveRefresh(RefreshResultUserInactive)
		if _, err := s.RevokeAllSessions(ctx, rec.UserID); err != nil {
			return err
		}
		return appErrors.Clone(appErrors.ErrUserInactive, "account is inactive")
	}
	return nil
}

// detectReplay runs after a refresh was rejected. A hash that belongs to a retired
// record means a rotated or revoked token was presented again.
func (s *TokenLifecycleService) detectReplay(ctx context.Context, tokenHash string, device models.DeviceInfo) {
	if !s.cfg.ReplayDetection {
		return
	}

	rec, err := s.store.FindByHash(ctx, tokenHash)
	if err != nil {
		if !errors.Is(err, repository.ErrSessionNotFound) {
			s.logger.Warn("replay lookup failed", zap.Error(err))
		}
		return
	}
	if rec.IsActive {
		return
	}
	if s.cfg.ReplayGrace > 0 && s.cfg.Clock().Sub(rec.UpdatedAt) < s.cfg.ReplayGrace {
		s.logger.Info("retired token presented within grace period", zap.String("session_id", rec.ID), zap.String("user_id", rec.UserID))
		return
	}

	s.metrics.IncReplayDetected()
	s.logger.Warn("refresh token replay detected",
		zap.String("session_id", rec.ID),
		zap.String("user_id", rec.UserID),
		zap.String("ip", device.IP),
	)

	strikes := int64(1)
	if s.replay != nil {
		strikes, err = s.replay.RecordStrike(ctx, rec.UserID, s.cfg.ReplayWindow)
		if err != nil {
			s.logger.Warn("replay strike not recorded", zap.String("user_id", rec.UserID), zap.Error(err))
			return
		}
	}
	if strikes < s.cfg.ReplayThreshold {
		return
	}

	revoked, err := s.RevokeAllSessions(ctx, rec.UserID)
	if err != nil {
		s.logger.Error("replay response failed", zap.String("user_id", rec.UserID), zap.Error(err))
		return
	}
	if s.replay != nil {
		if err := s.replay.Reset(ctx, rec.UserID); err != nil {
			s.logger.Warn("replay strikes not reset", zap.String("user_id", rec.UserID), zap.Error(err))
		}
	}
	s.record(ctx, rec.UserID, models.AuditActionReplayDetected, rec.ID, device, map[string]interface{}{
		"strikes": strikes,
		"revoked": revoked,
	})
}

func (s *TokenLifecycleService) record(ctx context.Context, userID, action, resourceID string, device models.DeviceInfo, values map[string]interface{}) {
	if s.audit == nil {
		return
	}
	if device.DeviceID != "" {
		if values == nil {
			values = map[string]interface{}{}
		}
		values["device_id"] = device.DeviceID
	}
	s.audit.Record(ctx, models.AuditLog{
		UserID:     &userID,
		Action:     action,
		Resource:   models.AuditResourceSession,
		ResourceID: &resourceID,
		NewValues:  auditValues(values),
		IPAddress:  device.IP,
		UserAgent:  device.UserAgent,
	})
}

func refreshInvalid() error {
	return appErrors.Clone(appErrors.ErrRefreshInvalid, "")
}
