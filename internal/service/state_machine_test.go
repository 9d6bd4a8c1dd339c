package service

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/noah-isme/approval-gate-api/internal/models"
	appErrors "github.com/noah-isme/approval-gate-api/pkg/errors"
)

func pendingRequest(required int) *models.ApprovalRequest {
	now := time.Now().UTC()
	return &models.ApprovalRequest{
		ID:                "req-1",
		ActionKind:        "user.deactivate",
		Payload:           []byte(`{"userId":"u-9"}`),
		Submitter:         "operator-1",
		RequiredApprovals: required,
		Decisions:         models.DecisionList{},
		State:             models.RequestStatePending,
		SubmittedAt:       now,
		ExpiresAt:         now.Add(time.Hour),
		LastTransitionAt:  now,
		Version:           1,
	}
}

func TestApplyDecisionQuorum(t *testing.T) {
	req := pendingRequest(2)
	now := time.Now().UTC()

	tr, err := applyDecision(req, models.Decision{Approver: "admin-1", Outcome: models.DecisionApprove}, false, now)
	require.NoError(t, err)
	require.Equal(t, models.RequestStatePending, tr.To)
	require.False(t, tr.Execute)
	require.Equal(t, models.RequestStatePending, req.State)

	tr, err = applyDecision(req, models.Decision{Approver: "admin-2", Outcome: models.DecisionApprove}, false, now)
	require.NoError(t, err)
	require.Equal(t, models.RequestStateApproved, tr.To)
	require.True(t, tr.Execute)
	require.Equal(t, 2, req.ApprovalCount())
}

func TestApplyDecisionRejectVetoes(t *testing.T) {
	req := pendingRequest(3)
	now := time.Now().UTC()

	_, err := applyDecision(req, models.Decision{Approver: "admin-1", Outcome: models.DecisionApprove}, false, now)
	require.NoError(t, err)
	_, err = applyDecision(req, models.Decision{Approver: "admin-2", Outcome: models.DecisionApprove}, false, now)
	require.NoError(t, err)

	tr, err := applyDecision(req, models.Decision{Approver: "admin-3", Outcome: models.DecisionReject, Comment: "nope"}, false, now)
	require.NoError(t, err)
	require.Equal(t, models.RequestStateRejected, tr.To)
	require.False(t, tr.Execute)
	require.Equal(t, models.RequestStateRejected, req.State)
}

func TestApplyDecisionDuplicateApprover(t *testing.T) {
	req := pendingRequest(2)
	now := time.Now().UTC()

	_, err := applyDecision(req, models.Decision{Approver: "admin-1", Outcome: models.DecisionApprove}, false, now)
	require.NoError(t, err)

	_, err = applyDecision(req, models.Decision{Approver: "admin-1", Outcome: models.DecisionApprove}, false, now)
	require.True(t, appErrors.Is(err, appErrors.ErrDuplicateDecision))
	require.Equal(t, 1, req.ApprovalCount())

	// switching outcome does not help either
	_, err = applyDecision(req, models.Decision{Approver: "admin-1", Outcome: models.DecisionReject}, false, now)
	require.True(t, appErrors.Is(err, appErrors.ErrDuplicateDecision))
	require.Equal(t, models.RequestStatePending, req.State)
}

func TestApplyDecisionSelfApproval(t *testing.T) {
	req := pendingRequest(1)
	now := time.Now().UTC()

	_, err := applyDecision(req, models.Decision{Approver: req.Submitter, Outcome: models.DecisionApprove}, false, now)
	require.True(t, appErrors.Is(err, appErrors.ErrSelfApproval))
	require.Empty(t, req.Decisions)

	tr, err := applyDecision(req, models.Decision{Approver: req.Submitter, Outcome: models.DecisionApprove}, true, now)
	require.NoError(t, err)
	require.Equal(t, models.RequestStateApproved, tr.To)
}

func TestApplyDecisionOnTerminalState(t *testing.T) {
	for _, state := range []models.RequestState{
		models.RequestStateRejected,
		models.RequestStateExpired,
		models.RequestStateExecuted,
		models.RequestStateExecutionFailed,
	} {
		req := pendingRequest(1)
		req.State = state
		_, err := applyDecision(req, models.Decision{Approver: "admin-1", Outcome: models.DecisionApprove}, false, time.Now().UTC())
		require.True(t, appErrors.Is(err, appErrors.ErrInvalidTransition), "state %s", state)
	}
}

func TestApplyDecisionExpiresLapsedRequest(t *testing.T) {
	req := pendingRequest(1)
	now := req.ExpiresAt.Add(time.Minute)

	tr, err := applyDecision(req, models.Decision{Approver: "admin-1", Outcome: models.DecisionApprove}, false, now)
	require.True(t, appErrors.Is(err, appErrors.ErrRequestExpired))
	require.NotNil(t, tr)
	require.Equal(t, models.RequestStateExpired, req.State)
	require.Empty(t, req.Decisions)
}

func TestApplyCancel(t *testing.T) {
	req := pendingRequest(2)
	now := time.Now().UTC()

	tr, err := applyCancel(req, now)
	require.NoError(t, err)
	require.Equal(t, models.RequestStateRejected, tr.To)

	_, err = applyCancel(req, now)
	require.True(t, appErrors.Is(err, appErrors.ErrInvalidTransition))
}

func TestApplyExpiry(t *testing.T) {
	req := pendingRequest(1)

	tr, err := applyExpiry(req, req.ExpiresAt.Add(-time.Minute))
	require.NoError(t, err)
	require.Nil(t, tr)
	require.Equal(t, models.RequestStatePending, req.State)

	tr, err = applyExpiry(req, req.ExpiresAt.Add(time.Minute))
	require.NoError(t, err)
	require.Equal(t, models.RequestStateExpired, tr.To)

	_, err = applyExpiry(req, req.ExpiresAt.Add(2*time.Minute))
	require.True(t, appErrors.Is(err, appErrors.ErrInvalidTransition))
}

func TestApplyExecution(t *testing.T) {
	req := pendingRequest(1)
	req.State = models.RequestStateApproved
	now := time.Now().UTC()

	tr, err := applyExecution(req, true, "done", now)
	require.NoError(t, err)
	require.Equal(t, models.RequestStateExecuted, tr.To)
	require.NotNil(t, req.ExecutionDetail)
	require.Equal(t, "done", *req.ExecutionDetail)

	_, err = applyExecution(req, true, "", now)
	require.True(t, appErrors.Is(err, appErrors.ErrInvalidTransition))

	failed := pendingRequest(1)
	failed.State = models.RequestStateApproved
	tr, err = applyExecution(failed, false, "boom", now)
	require.NoError(t, err)
	require.Equal(t, models.RequestStateExecutionFailed, tr.To)
}
