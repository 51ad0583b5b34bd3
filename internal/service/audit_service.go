package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/noah-isme/session-core/internal/models"
	"github.com/noah-isme/session-core/pkg/jobs"
	"github.com/noah-isme/session-core/pkg/middleware/requestid"
)

const auditJobType = "audit_log"

type auditWriter interface {
	Create(ctx context.Context, log *models.AuditLog) error
}

// AuditService persists session events asynchronously through a worker queue.
type AuditService struct {
	repo   auditWriter
	queue  *jobs.Queue
	logger *zap.Logger
}

// NewAuditService constructs an AuditService. The queue is not started.
func NewAuditService(repo auditWriter, logger *zap.Logger, cfg jobs.QueueConfig) *AuditService {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Logger == nil {
		cfg.Logger = logger
	}
	s := &AuditService{repo: repo, logger: logger}
	s.queue = jobs.NewQueue("audit", s.handle, cfg)
	return s
}

// Start launches the audit workers.
func (s *AuditService) Start(ctx context.Context) {
	if s == nil {
		return
	}
	s.queue.Start(ctx)
}

// Stop drains pending events and stops the workers.
func (s *AuditService) Stop() {
	if s == nil {
		return
	}
	s.queue.Stop()
}

// Record enqueues an event without blocking. Events are dropped with a warning when
// the queue is saturated or stopped.
func (s *AuditService) Record(ctx context.Context, entry models.AuditLog) {
	if s == nil {
		return
	}
	if entry.RequestID == "" {
		entry.RequestID = requestid.FromContext(ctx)
	}
	if entry.Resource == "" {
		entry.Resource = models.AuditResourceSession
	}
	err := s.queue.TryEnqueue(jobs.Job{ID: uuid.NewString(), Type: auditJobType, Payload: entry})
	if err == nil {
		return
	}
	if errors.Is(err, jobs.ErrQueueFull) {
		s.logger.Warn("audit queue full, dropping event", zap.String("action", entry.Action))
		return
	}
	s.logger.Warn("audit event not queued", zap.String("action", entry.Action), zap.Error(err))
}

func (s *AuditService) handle(ctx context.Context, job jobs.Job) error {
	entry, ok := job.Payload.(models.AuditLog)
	if !ok {
		s.logger.Error("unexpected audit payload", zap.String("job_id", job.ID))
		return nil
	}
	if err := s.repo.Create(ctx, &entry); err != nil {
		return fmt.Errorf("persist audit event %s: %w", entry.Action, err)
	}
	return nil
}

// auditValues renders event details for the new_values column.
func auditValues(values map[string]interface{}) []byte {
	if len(values) == 0 {
		return nil
	}
	raw, err := json.Marshal(values)
	if err != nil {
		return nil
	}
	return raw
}
