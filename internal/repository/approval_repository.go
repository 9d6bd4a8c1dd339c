package repository

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/noah-isme/approval-gate-api/internal/models"
	appErrors "github.com/noah-isme/approval-gate-api/pkg/errors"
)

const approvalColumns = `id, action_kind, payload, submitter, required_approvals, eligible_approvers,
       decisions, state, execution_detail, submitted_at, expires_at, last_transition_at, version`

// ApprovalRepository persists approval request records, one row per request
// with an append-only decisions list and a version column for optimistic
// concurrency.
type ApprovalRepository struct {
	db *sqlx.DB
}

// NewApprovalRepository constructs the repository.
func NewApprovalRepository(db *sqlx.DB) *ApprovalRepository {
	return &ApprovalRepository{db: db}
}

// Create inserts a new request row.
func (r *ApprovalRepository) Create(ctx context.Context, req *models.ApprovalRequest) error {
	if req.ID == "" {
		req.ID = uuid.NewString()
	}
	if req.Version == 0 {
		req.Version = 1
	}
	if req.SubmittedAt.IsZero() {
		req.SubmittedAt = time.Now().UTC()
	}
	const query = `INSERT INTO approval_requests
	(id, action_kind, payload, submitter, required_approvals, eligible_approvers, decisions, state, execution_detail, submitted_at, expires_at, last_transition_at, version)
	VALUES (:id, :action_kind, :payload, :submitter, :required_approvals, :eligible_approvers, :decisions, :state, :execution_detail, :submitted_at, :expires_at, :last_transition_at, :version)`
	if _, err := r.db.NamedExecContext(ctx, query, req); err != nil {
		return fmt.Errorf("create approval request: %w", err)
	}
	return nil
}

// GetByID fetches a request by identifier.
func (r *ApprovalRepository) GetByID(ctx context.Context, id string) (*models.ApprovalRequest, error) {
	query := fmt.Sprintf(`SELECT %s FROM approval_requests WHERE id = $1`, approvalColumns)
	var req models.ApprovalRequest
	if err := r.db.GetContext(ctx, &req, query, id); err != nil {
		return nil, err
	}
	return &req, nil
}

// Save persists a computed transition. The write succeeds only when the
// stored version still matches expectedVersion; a concurrent writer that
// won the race surfaces as ErrVersionConflict, distinct from not-found.
// On success the in-memory version is advanced to match the row.
func (r *ApprovalRepository) Save(ctx context.Context, req *models.ApprovalRequest, expectedVersion int64) error {
	const query = `UPDATE approval_requests SET
		decisions = :decisions,
		state = :state,
		execution_detail = :execution_detail,
		last_transition_at = :last_transition_at,
		version = version + 1
	WHERE id = :id AND version = :expected_version`
	result, err := r.db.NamedExecContext(ctx, query, map[string]interface{}{
		"id":                 req.ID,
		"decisions":          req.Decisions,
		"state":              req.State,
		"execution_detail":   req.ExecutionDetail,
		"last_transition_at": req.LastTransitionAt,
		"expected_version":   expectedVersion,
	})
	if err != nil {
		return fmt.Errorf("save approval request: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("check approval request update rows: %w", err)
	}
	if rows == 0 {
		var exists bool
		if err := r.db.GetContext(ctx, &exists, `SELECT EXISTS (SELECT 1 FROM approval_requests WHERE id = $1)`, req.ID); err != nil {
			return fmt.Errorf("check approval request existence: %w", err)
		}
		if !exists {
			return appErrors.Clone(appErrors.ErrNotFound, "approval request not found")
		}
		return appErrors.Clone(appErrors.ErrVersionConflict, "")
	}
	req.Version = expectedVersion + 1
	return nil
}

// List returns requests matching the filter, submission time ascending.
func (r *ApprovalRepository) List(ctx context.Context, filter models.RequestFilter) ([]models.ApprovalRequest, error) {
	builder := strings.Builder{}
	args := make([]interface{}, 0, 6)
	builder.WriteString(fmt.Sprintf(`SELECT %s FROM approval_requests`, approvalColumns))

	conditions := make([]string, 0, 4)
	if len(filter.States) > 0 {
		placeholders := make([]string, len(filter.States))
		for i, state := range filter.States {
			args = append(args, state)
			placeholders[i] = fmt.Sprintf("$%d", len(args))
		}
		conditions = append(conditions, fmt.Sprintf("state IN (%s)", strings.Join(placeholders, ",")))
	}
	if filter.ActionKind != "" {
		args = append(args, filter.ActionKind)
		conditions = append(conditions, fmt.Sprintf("action_kind = $%d", len(args)))
	}
	if filter.Submitter != "" {
		args = append(args, filter.Submitter)
		conditions = append(conditions, fmt.Sprintf("submitter = $%d", len(args)))
	}
	if filter.Approver != "" {
		// matches explicit eligibility or a recorded decision by the identity
		args = append(args, fmt.Sprintf(`"%s"`, filter.Approver))
		conditions = append(conditions, fmt.Sprintf("(eligible_approvers @> $%d::jsonb OR decisions @> $%d::jsonb)", len(args), len(args)+1))
		args = append(args, fmt.Sprintf(`[{"approver": "%s"}]`, filter.Approver))
	}
	if len(conditions) > 0 {
		builder.WriteString(" WHERE ")
		builder.WriteString(strings.Join(conditions, " AND "))
	}
	builder.WriteString(" ORDER BY submitted_at ASC")

	limit := filter.Limit
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	offset := filter.Offset
	if offset < 0 {
		offset = 0
	}
	builder.WriteString(fmt.Sprintf(" LIMIT %d OFFSET %d", limit, offset))

	var requests []models.ApprovalRequest
	if err := r.db.SelectContext(ctx, &requests, builder.String(), args...); err != nil {
		return nil, fmt.Errorf("list approval requests: %w", err)
	}
	return requests, nil
}

// ListExpired returns pending requests whose validity has lapsed.
func (r *ApprovalRepository) ListExpired(ctx context.Context, now time.Time, limit int) ([]models.ApprovalRequest, error) {
	if limit <= 0 {
		limit = 100
	}
	query := fmt.Sprintf(`SELECT %s FROM approval_requests
	WHERE state = $1 AND expires_at <= $2
	ORDER BY expires_at ASC LIMIT %d`, approvalColumns, limit)
	var requests []models.ApprovalRequest
	if err := r.db.SelectContext(ctx, &requests, query, models.RequestStatePending, now); err != nil {
		return nil, fmt.Errorf("list expired approval requests: %w", err)
	}
	return requests, nil
}
