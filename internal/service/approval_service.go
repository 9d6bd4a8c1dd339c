package service

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/noah-isme/approval-gate-api/internal/dto"
	"github.com/noah-isme/approval-gate-api/internal/models"
	appErrors "github.com/noah-isme/approval-gate-api/pkg/errors"
	"github.com/noah-isme/approval-gate-api/pkg/lease"
)

type approvalStore interface {
	Create(ctx context.Context, req *models.ApprovalRequest) error
	GetByID(ctx context.Context, id string) (*models.ApprovalRequest, error)
	Save(ctx context.Context, req *models.ApprovalRequest, expectedVersion int64) error
	List(ctx context.Context, filter models.RequestFilter) ([]models.ApprovalRequest, error)
	ListExpired(ctx context.Context, now time.Time, limit int) ([]models.ApprovalRequest, error)
}

type auditSink interface {
	Record(event *models.AuditLog)
}

// ExecutionResult reports the outcome of a privileged action. Expected
// business failures are conveyed via Success=false; an error return is
// reserved for unrecoverable infrastructure faults. Both surface as
// EXECUTION_FAILED.
type ExecutionResult struct {
	Success bool
	Detail  string
}

// ActionExecutor performs the real effect of an approved request. It is
// invoked at most once per request, while the per-request lease is held.
type ActionExecutor interface {
	Execute(ctx context.Context, payload []byte) (ExecutionResult, error)
}

// ActionExecutorFunc allows using plain functions as executors.
type ActionExecutorFunc func(ctx context.Context, payload []byte) (ExecutionResult, error)

// Execute implements ActionExecutor.
func (f ActionExecutorFunc) Execute(ctx context.Context, payload []byte) (ExecutionResult, error) {
	return f(ctx, payload)
}

// ApprovalService orchestrates the approval request lifecycle: submission,
// decision intake, cancellation, listing and expiry sweeps. It is the only
// component that mutates the request store, always through the state
// machine, under a per-request lease plus an optimistic version check.
type ApprovalService struct {
	repo      approvalStore
	policies  *PolicyEvaluator
	executors map[string]ActionExecutor
	leases    lease.Manager
	audit     auditSink
	metrics   *MetricsService
	logger    *zap.Logger

	saveRetries int
	leaseTTL    time.Duration
	sweepBatch  int
	now         func() time.Time
}

// ApprovalServiceOption configures the service.
type ApprovalServiceOption func(*ApprovalService)

// WithExecutors registers action executors keyed by action kind.
func WithExecutors(executors map[string]ActionExecutor) ApprovalServiceOption {
	return func(s *ApprovalService) {
		for k, v := range executors {
			s.executors[k] = v
		}
	}
}

// WithApprovalMetrics attaches workflow instrumentation.
func WithApprovalMetrics(m *MetricsService) ApprovalServiceOption {
	return func(s *ApprovalService) {
		s.metrics = m
	}
}

// WithSaveRetries bounds optimistic-concurrency retries.
func WithSaveRetries(n int) ApprovalServiceOption {
	return func(s *ApprovalService) {
		if n > 0 {
			s.saveRetries = n
		}
	}
}

// WithLeaseTTL overrides the per-request lease duration.
func WithLeaseTTL(ttl time.Duration) ApprovalServiceOption {
	return func(s *ApprovalService) {
		if ttl > 0 {
			s.leaseTTL = ttl
		}
	}
}

// WithSweepBatchSize bounds how many requests a single sweep expires.
func WithSweepBatchSize(n int) ApprovalServiceOption {
	return func(s *ApprovalService) {
		if n > 0 {
			s.sweepBatch = n
		}
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) ApprovalServiceOption {
	return func(s *ApprovalService) {
		if now != nil {
			s.now = now
		}
	}
}

// NewApprovalService constructs the service with defaults.
func NewApprovalService(repo approvalStore, policies *PolicyEvaluator, leases lease.Manager, audit auditSink, logger *zap.Logger, opts ...ApprovalServiceOption) *ApprovalService {
	if logger == nil {
		logger = zap.NewNop()
	}
	if leases == nil {
		leases = lease.NewMemoryManager()
	}
	svc := &ApprovalService{
		repo:        repo,
		policies:    policies,
		executors:   make(map[string]ActionExecutor),
		leases:      leases,
		audit:       audit,
		logger:      logger,
		saveRetries: 3,
		leaseTTL:    30 * time.Second,
		sweepBatch:  100,
		now:         func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		if opt != nil {
			opt(svc)
		}
	}
	return svc
}

// Submit gates a privileged action behind the configured approval policy
// and persists it as PENDING. An unregistered action kind is the only
// submission-time failure. Kinds whose policy requires zero approvals are
// approval-exempt and execute immediately, still leaving an audit trail.
func (s *ApprovalService) Submit(ctx context.Context, req dto.SubmitRequest, submitter string) (*models.ApprovalRequest, error) {
	kind := strings.TrimSpace(req.ActionKind)
	if kind == "" {
		return nil, appErrors.Clone(appErrors.ErrValidation, "actionKind is required")
	}
	if len(req.Payload) == 0 {
		return nil, appErrors.Clone(appErrors.ErrValidation, "payload is required")
	}

	rule, err := s.policies.Evaluate(kind, submitter)
	if err != nil {
		return nil, err
	}

	now := s.now()
	request := &models.ApprovalRequest{
		ID:                uuid.NewString(),
		ActionKind:        kind,
		Payload:           append([]byte(nil), req.Payload...),
		Submitter:         submitter,
		RequiredApprovals: rule.RequiredApprovals,
		EligibleApprovers: models.StringList(rule.EligibleApprovers),
		Decisions:         models.DecisionList{},
		State:             models.RequestStatePending,
		SubmittedAt:       now,
		ExpiresAt:         now.Add(rule.RequestTTL),
		LastTransitionAt:  now,
		Version:           1,
	}

	var execErr error
	if rule.RequiredApprovals == 0 {
		request.State = models.RequestStateApproved
		execErr = s.execute(ctx, request)
	}

	if err := s.repo.Create(ctx, request); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to persist approval request")
	}

	s.emitAudit(models.AuditActionRequestSubmitted, request, submitter, map[string]interface{}{
		"actionKind":        kind,
		"requiredApprovals": rule.RequiredApprovals,
		"expiresAt":         request.ExpiresAt,
	})
	s.metrics.RecordSubmission(kind)

	if rule.RequiredApprovals == 0 {
		s.auditExecution(request, submitter)
		if execErr != nil {
			return request, execErr
		}
	}
	return request, nil
}

// Decide records a reviewer verdict. All transitions for a request id are
// linearized behind an exclusive lease, and persistence uses an optimistic
// version check so a stale read can never double-apply. When the verdict
// completes the quorum the executor runs synchronously, while the lease is
// still held, before the final state is returned.
func (s *ApprovalService) Decide(ctx context.Context, id, approver string, outcome models.DecisionOutcome, comment string) (*models.ApprovalRequest, error) {
	if outcome != models.DecisionApprove && outcome != models.DecisionReject {
		return nil, appErrors.Clone(appErrors.ErrValidation, "outcome must be APPROVE or REJECT")
	}

	l, err := s.leases.Acquire(ctx, id, s.leaseTTL)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to acquire request lease")
	}
	defer s.release(l)

	var request *models.ApprovalRequest
	for attempt := 0; attempt < s.saveRetries; attempt++ {
		request, err = s.load(ctx, id)
		if err != nil {
			return nil, err
		}

		now := s.now()
		if request.State != models.RequestStatePending {
			return request, appErrors.Clone(appErrors.ErrInvalidTransition, "")
		}
		if request.ExpiredAt(now) {
			return s.expireNow(ctx, request, now)
		}

		rule, err := s.policies.Evaluate(request.ActionKind, request.Submitter)
		if err != nil {
			return request, err
		}
		if approver == request.Submitter && !rule.AllowSelfApproval {
			return request, appErrors.Clone(appErrors.ErrSelfApproval, "")
		}
		if err := s.policies.Eligible(ctx, request, approver); err != nil {
			return request, err
		}

		decision := models.Decision{Approver: approver, Outcome: outcome, Comment: comment}
		tr, err := applyDecision(request, decision, rule.AllowSelfApproval, now)
		if err != nil {
			if tr != nil {
				// expiry observed during the decision attempt
				s.persistExpiry(ctx, request)
			}
			return request, err
		}

		if err := s.repo.Save(ctx, request, request.Version); err != nil {
			if appErrors.Is(err, appErrors.ErrVersionConflict) {
				continue
			}
			return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to persist decision")
		}

		s.metrics.RecordDecision(string(outcome))
		s.emitAudit(models.AuditActionDecisionRecorded, request, approver, map[string]interface{}{
			"outcome":  outcome,
			"comment":  comment,
			"approved": request.ApprovalCount(),
			"required": request.RequiredApprovals,
		})

		switch tr.To {
		case models.RequestStateRejected:
			s.emitAudit(models.AuditActionRequestRejected, request, approver, nil)
			return request, nil
		case models.RequestStateApproved:
			// The successful save above claimed the APPROVED state; this
			// caller alone owes the executor invocation.
			s.emitAudit(models.AuditActionRequestApproved, request, approver, nil)
			execErr := s.execute(ctx, request)
			if err := s.repo.Save(ctx, request, request.Version); err != nil {
				s.logger.Error("failed to persist execution outcome",
					zap.String("request_id", request.ID), zap.Error(err))
			}
			s.auditExecution(request, approver)
			return request, execErr
		default:
			return request, nil
		}
	}
	return nil, appErrors.Clone(appErrors.ErrVersionConflict, "request is being decided concurrently, retry")
}

// Cancel withdraws a pending request. Only the original submitter may
// cancel; the withdrawal is recorded as a rejection.
func (s *ApprovalService) Cancel(ctx context.Context, id, actor string) (*models.ApprovalRequest, error) {
	l, err := s.leases.Acquire(ctx, id, s.leaseTTL)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to acquire request lease")
	}
	defer s.release(l)

	for attempt := 0; attempt < s.saveRetries; attempt++ {
		request, err := s.load(ctx, id)
		if err != nil {
			return nil, err
		}
		if request.Submitter != actor {
			return request, appErrors.Clone(appErrors.ErrNotAuthorized, "")
		}

		now := s.now()
		if request.State != models.RequestStatePending {
			return request, appErrors.Clone(appErrors.ErrInvalidTransition, "")
		}
		if request.ExpiredAt(now) {
			return s.expireNow(ctx, request, now)
		}

		if _, err := applyCancel(request, now); err != nil {
			return request, err
		}
		if err := s.repo.Save(ctx, request, request.Version); err != nil {
			if appErrors.Is(err, appErrors.ErrVersionConflict) {
				continue
			}
			return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to persist cancellation")
		}
		s.emitAudit(models.AuditActionRequestCancelled, request, actor, nil)
		return request, nil
	}
	return nil, appErrors.Clone(appErrors.ErrVersionConflict, "request is being decided concurrently, retry")
}

// Get loads a single request.
func (s *ApprovalService) Get(ctx context.Context, id string) (*models.ApprovalRequest, error) {
	return s.load(ctx, id)
}

// List returns requests matching the query, oldest first.
func (s *ApprovalService) List(ctx context.Context, query dto.RequestQuery) ([]models.ApprovalRequest, error) {
	filter := models.RequestFilter{
		States:     query.States,
		ActionKind: query.ActionKind,
		Submitter:  query.Submitter,
		Approver:   query.Approver,
		Limit:      query.Limit,
		Offset:     query.Offset,
	}
	requests, err := s.repo.List(ctx, filter)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to list approval requests")
	}
	return requests, nil
}

// SweepExpired transitions pending requests whose validity has lapsed.
// Idempotent and safe to run concurrently with Decide: each request is
// claimed with a try-lock and saved under the usual version check, so a
// racing decision simply wins or loses the claim.
func (s *ApprovalService) SweepExpired(ctx context.Context, now time.Time) (int, error) {
	started := time.Now()
	candidates, err := s.repo.ListExpired(ctx, now, s.sweepBatch)
	if err != nil {
		return 0, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to list expired requests")
	}

	expired := 0
	for i := range candidates {
		id := candidates[i].ID
		l, err := s.leases.TryAcquire(ctx, id, s.leaseTTL)
		if err != nil {
			if errors.Is(err, lease.ErrHeld) {
				continue
			}
			return expired, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to acquire request lease")
		}

		request, err := s.load(ctx, id)
		if err != nil {
			s.release(l)
			if appErrors.Is(err, appErrors.ErrNotFound) {
				continue
			}
			return expired, err
		}
		tr, err := applyExpiry(request, now)
		if err != nil || tr == nil {
			s.release(l)
			continue
		}
		if err := s.repo.Save(ctx, request, request.Version); err != nil {
			s.release(l)
			if appErrors.Is(err, appErrors.ErrVersionConflict) {
				continue
			}
			return expired, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to persist expiry")
		}
		s.emitAudit(models.AuditActionRequestExpired, request, "", nil)
		expired++
		s.release(l)
	}
	s.metrics.RecordSweep(expired, time.Since(started))
	return expired, nil
}

// StartSweeper runs periodic expiry sweeps until ctx is cancelled.
func (s *ApprovalService) StartSweeper(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				count, err := s.SweepExpired(ctx, s.now())
				if err != nil {
					s.logger.Warn("expiry sweep failed", zap.Error(err))
					continue
				}
				if count > 0 {
					s.logger.Info("expired approval requests", zap.Int("count", count))
				}
			}
		}
	}()
}

// execute invokes the registered executor exactly once and records the
// outcome on the request. Execution failures are never retried here: blind
// retry of a privileged action is unsafe without idempotency guarantees
// from the executor, so remediation is an explicit resubmission.
func (s *ApprovalService) execute(ctx context.Context, request *models.ApprovalRequest) error {
	now := s.now()
	executor, ok := s.executors[request.ActionKind]
	if !ok {
		detail := fmt.Sprintf("no executor registered for action kind %q", request.ActionKind)
		_, _ = applyExecution(request, false, detail, now)
		s.metrics.RecordExecution(false)
		return appErrors.Clone(appErrors.ErrExecutorNotFound, detail)
	}

	result, err := executor.Execute(ctx, request.Payload)
	success := err == nil && result.Success
	detail := result.Detail
	if err != nil {
		detail = err.Error()
	}
	_, _ = applyExecution(request, success, detail, s.now())
	s.metrics.RecordExecution(success)
	if !success {
		if err != nil {
			return appErrors.Wrap(err, appErrors.ErrExecution.Code, appErrors.ErrExecution.Status, appErrors.ErrExecution.Message)
		}
		return appErrors.Clone(appErrors.ErrExecution, detail)
	}
	return nil
}

func (s *ApprovalService) expireNow(ctx context.Context, request *models.ApprovalRequest, now time.Time) (*models.ApprovalRequest, error) {
	if tr, _ := applyExpiry(request, now); tr != nil {
		s.persistExpiry(ctx, request)
	}
	return request, appErrors.Clone(appErrors.ErrRequestExpired, "")
}

func (s *ApprovalService) persistExpiry(ctx context.Context, request *models.ApprovalRequest) {
	if err := s.repo.Save(ctx, request, request.Version); err != nil {
		if !appErrors.Is(err, appErrors.ErrVersionConflict) {
			s.logger.Warn("failed to persist lazy expiry",
				zap.String("request_id", request.ID), zap.Error(err))
		}
		return
	}
	s.emitAudit(models.AuditActionRequestExpired, request, "", nil)
}

func (s *ApprovalService) load(ctx context.Context, id string) (*models.ApprovalRequest, error) {
	request, err := s.repo.GetByID(ctx, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, appErrors.Clone(appErrors.ErrNotFound, "approval request not found")
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load approval request")
	}
	return request, nil
}

func (s *ApprovalService) auditExecution(request *models.ApprovalRequest, actor string) {
	action := models.AuditActionRequestExecuted
	if request.State == models.RequestStateExecutionFailed {
		action = models.AuditActionExecutionFailed
	}
	detail := map[string]interface{}{}
	if request.ExecutionDetail != nil {
		detail["detail"] = *request.ExecutionDetail
	}
	s.emitAudit(action, request, actor, detail)
}

func (s *ApprovalService) emitAudit(action string, request *models.ApprovalRequest, actor string, values map[string]interface{}) {
	if s.audit == nil {
		return
	}
	event := &models.AuditLog{
		Action:     action,
		Resource:   request.ActionKind,
		ResourceID: &request.ID,
	}
	if actor != "" {
		event.UserID = &actor
	}
	if values == nil {
		values = map[string]interface{}{}
	}
	values["state"] = request.State
	if data, err := json.Marshal(values); err == nil {
		event.NewValues = data
	}
	s.audit.Record(event)
}

func (s *ApprovalService) release(l lease.Lease) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := l.Release(ctx); err != nil {
		s.logger.Warn("failed to release request lease", zap.Error(err))
	}
}
