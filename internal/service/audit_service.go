package service

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/noah-isme/approval-gate-api/internal/models"
	"github.com/noah-isme/approval-gate-api/pkg/jobs"
)

type auditStore interface {
	Create(ctx context.Context, log *models.AuditLog) error
	ListByResourceID(ctx context.Context, resourceID string, limit int) ([]models.AuditLog, error)
}

// AuditService persists audit events asynchronously through a worker queue.
// Recording is best effort: a full queue or a failed insert is logged and
// dropped rather than surfaced to the workflow that produced the event.
type AuditService struct {
	repo   auditStore
	queue  *jobs.Queue
	logger *zap.Logger
}

// AuditServiceConfig tunes the background queue.
type AuditServiceConfig struct {
	Workers    int
	BufferSize int
}

// NewAuditService constructs the service and its queue.
func NewAuditService(repo auditStore, logger *zap.Logger, cfg AuditServiceConfig) *AuditService {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &AuditService{repo: repo, logger: logger}
	s.queue = jobs.NewQueue("audit", s.handle, jobs.QueueConfig{
		Workers:    cfg.Workers,
		BufferSize: cfg.BufferSize,
		Logger:     logger,
	})
	return s
}

// Start launches the queue workers.
func (s *AuditService) Start(ctx context.Context) {
	s.queue.Start(ctx)
}

// Stop drains the workers.
func (s *AuditService) Stop() {
	s.queue.Stop()
}

// Record enqueues an audit event for persistence.
func (s *AuditService) Record(event *models.AuditLog) {
	if event == nil {
		return
	}
	err := s.queue.Enqueue(jobs.Job{
		ID:      event.ID,
		Type:    event.Action,
		Payload: event,
	})
	if err != nil {
		s.logger.Warn("dropping audit event", zap.String("action", event.Action), zap.Error(err))
	}
}

// ListByResource returns the audit trail for a single resource.
func (s *AuditService) ListByResource(ctx context.Context, resourceID string, limit int) ([]models.AuditLog, error) {
	return s.repo.ListByResourceID(ctx, resourceID, limit)
}

func (s *AuditService) handle(ctx context.Context, job jobs.Job) error {
	event, ok := job.Payload.(*models.AuditLog)
	if !ok {
		return fmt.Errorf("unexpected audit payload type %T", job.Payload)
	}
	return s.repo.Create(ctx, event)
}
