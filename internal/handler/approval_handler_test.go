package handler

import (
	"context"
	"encoding/json"
	"net/http"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/approval-gate-api/internal/dto"
	"github.com/noah-isme/approval-gate-api/internal/middleware"
	"github.com/noah-isme/approval-gate-api/internal/models"
	appErrors "github.com/noah-isme/approval-gate-api/pkg/errors"
)

type approvalServiceMock struct {
	submitResp *models.ApprovalRequest
	submitErr  error
	decideResp *models.ApprovalRequest
	decideErr  error
	cancelResp *models.ApprovalRequest
	cancelErr  error
	getResp    *models.ApprovalRequest
	getErr     error
	listResp   []models.ApprovalRequest
	listErr    error
	listQuery  dto.RequestQuery
	sweepCount int
	sweepErr   error

	submitter string
	approver  string
	outcome   models.DecisionOutcome
}

func (m *approvalServiceMock) Submit(ctx context.Context, req dto.SubmitRequest, submitter string) (*models.ApprovalRequest, error) {
	m.submitter = submitter
	return m.submitResp, m.submitErr
}

func (m *approvalServiceMock) Decide(ctx context.Context, id, approver string, outcome models.DecisionOutcome, comment string) (*models.ApprovalRequest, error) {
	m.approver = approver
	m.outcome = outcome
	return m.decideResp, m.decideErr
}

func (m *approvalServiceMock) Cancel(ctx context.Context, id, actor string) (*models.ApprovalRequest, error) {
	return m.cancelResp, m.cancelErr
}

func (m *approvalServiceMock) Get(ctx context.Context, id string) (*models.ApprovalRequest, error) {
	return m.getResp, m.getErr
}

func (m *approvalServiceMock) List(ctx context.Context, query dto.RequestQuery) ([]models.ApprovalRequest, error) {
	m.listQuery = query
	return m.listResp, m.listErr
}

func (m *approvalServiceMock) SweepExpired(ctx context.Context, now time.Time) (int, error) {
	return m.sweepCount, m.sweepErr
}

func sampleRequest(state models.RequestState) *models.ApprovalRequest {
	now := time.Now().UTC()
	return &models.ApprovalRequest{
		ID:                "req-1",
		ActionKind:        "user.deactivate",
		Payload:           []byte(`{"userId":"u-9"}`),
		Submitter:         "operator-1",
		RequiredApprovals: 2,
		State:             state,
		SubmittedAt:       now,
		ExpiresAt:         now.Add(time.Hour),
		LastTransitionAt:  now,
		Version:           1,
	}
}

func TestApprovalHandlerSubmit(t *testing.T) {
	gin.SetMode(gin.TestMode)
	mockSvc := &approvalServiceMock{submitResp: sampleRequest(models.RequestStatePending)}
	handler := NewApprovalHandler(mockSvc, nil)

	payload, _ := json.Marshal(dto.SubmitRequest{
		ActionKind: "user.deactivate",
		Payload:    json.RawMessage(`{"userId":"u-9"}`),
	})
	c, w := newGinContext(http.MethodPost, "/requests", payload)
	c.Set(middleware.ContextUserKey, &models.JWTClaims{UserID: "operator-1", Role: models.RoleOperator})

	handler.Submit(c)
	require.Equal(t, http.StatusCreated, w.Code)
	require.Equal(t, "operator-1", mockSvc.submitter)
}

func TestApprovalHandlerSubmitUnknownKind(t *testing.T) {
	gin.SetMode(gin.TestMode)
	mockSvc := &approvalServiceMock{submitErr: appErrors.ErrPolicyNotFound}
	handler := NewApprovalHandler(mockSvc, nil)

	payload, _ := json.Marshal(dto.SubmitRequest{ActionKind: "nope", Payload: json.RawMessage(`{}`)})
	c, w := newGinContext(http.MethodPost, "/requests", payload)
	c.Set(middleware.ContextUserKey, &models.JWTClaims{UserID: "operator-1", Role: models.RoleOperator})

	handler.Submit(c)
	require.Equal(t, http.StatusUnprocessableEntity, w.Code)
}

func TestApprovalHandlerSubmitRequiresAuth(t *testing.T) {
	gin.SetMode(gin.TestMode)
	handler := NewApprovalHandler(&approvalServiceMock{}, nil)

	c, w := newGinContext(http.MethodPost, "/requests", []byte(`{"actionKind":"x","payload":{}}`))
	handler.Submit(c)
	require.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestApprovalHandlerList(t *testing.T) {
	gin.SetMode(gin.TestMode)
	mockSvc := &approvalServiceMock{listResp: []models.ApprovalRequest{*sampleRequest(models.RequestStatePending)}}
	handler := NewApprovalHandler(mockSvc, nil)

	c, w := newGinContext(http.MethodGet, "/requests?state=pending,rejected&actionKind=user.deactivate&limit=10&offset=5", nil)
	c.Set(middleware.ContextUserKey, &models.JWTClaims{UserID: "auditor-1", Role: models.RoleAuditor})

	handler.List(c)
	require.Equal(t, http.StatusOK, w.Code)
	require.Equal(t, []models.RequestState{models.RequestStatePending, models.RequestStateRejected}, mockSvc.listQuery.States)
	require.Equal(t, "user.deactivate", mockSvc.listQuery.ActionKind)
	require.Equal(t, 10, mockSvc.listQuery.Limit)
	require.Equal(t, 5, mockSvc.listQuery.Offset)
}

func TestApprovalHandlerDecide(t *testing.T) {
	gin.SetMode(gin.TestMode)
	mockSvc := &approvalServiceMock{decideResp: sampleRequest(models.RequestStateExecuted)}
	handler := NewApprovalHandler(mockSvc, nil)

	payload, _ := json.Marshal(dto.DecideRequest{Outcome: models.DecisionApprove, Comment: "lgtm"})
	c, w := newGinContext(http.MethodPost, "/requests/req-1/decisions", payload)
	c.Params = gin.Params{{Key: "id", Value: "req-1"}}
	c.Set(middleware.ContextUserKey, &models.JWTClaims{UserID: "admin-1", Role: models.RoleAdmin})

	handler.Decide(c)
	require.Equal(t, http.StatusOK, w.Code)
	require.Equal(t, "admin-1", mockSvc.approver)
	require.Equal(t, models.DecisionApprove, mockSvc.outcome)
}

func TestApprovalHandlerDecideErrorStatuses(t *testing.T) {
	gin.SetMode(gin.TestMode)
	cases := []struct {
		err    error
		status int
	}{
		{appErrors.ErrSelfApproval, http.StatusForbidden},
		{appErrors.ErrNotEligible, http.StatusForbidden},
		{appErrors.ErrDuplicateDecision, http.StatusConflict},
		{appErrors.ErrInvalidTransition, http.StatusConflict},
		{appErrors.ErrRequestExpired, http.StatusGone},
	}
	for _, tc := range cases {
		mockSvc := &approvalServiceMock{decideErr: tc.err}
		handler := NewApprovalHandler(mockSvc, nil)

		payload, _ := json.Marshal(dto.DecideRequest{Outcome: models.DecisionApprove})
		c, w := newGinContext(http.MethodPost, "/requests/req-1/decisions", payload)
		c.Params = gin.Params{{Key: "id", Value: "req-1"}}
		c.Set(middleware.ContextUserKey, &models.JWTClaims{UserID: "admin-1", Role: models.RoleAdmin})

		handler.Decide(c)
		require.Equal(t, tc.status, w.Code)
	}
}

func TestApprovalHandlerGet(t *testing.T) {
	gin.SetMode(gin.TestMode)
	mockSvc := &approvalServiceMock{getResp: sampleRequest(models.RequestStatePending)}
	handler := NewApprovalHandler(mockSvc, nil)

	c, w := newGinContext(http.MethodGet, "/requests/req-1", nil)
	c.Params = gin.Params{{Key: "id", Value: "req-1"}}
	c.Set(middleware.ContextUserKey, &models.JWTClaims{UserID: "auditor-1", Role: models.RoleAuditor})

	handler.Get(c)
	require.Equal(t, http.StatusOK, w.Code)
}

func TestApprovalHandlerCancel(t *testing.T) {
	gin.SetMode(gin.TestMode)
	mockSvc := &approvalServiceMock{cancelErr: appErrors.ErrNotAuthorized}
	handler := NewApprovalHandler(mockSvc, nil)

	c, w := newGinContext(http.MethodPost, "/requests/req-1/cancel", nil)
	c.Params = gin.Params{{Key: "id", Value: "req-1"}}
	c.Set(middleware.ContextUserKey, &models.JWTClaims{UserID: "someone-else", Role: models.RoleOperator})

	handler.Cancel(c)
	require.Equal(t, http.StatusForbidden, w.Code)
}

type auditListerStub struct {
	events     []models.AuditLog
	err        error
	resourceID string
	limit      int
}

func (a *auditListerStub) ListByResource(ctx context.Context, resourceID string, limit int) ([]models.AuditLog, error) {
	a.resourceID = resourceID
	a.limit = limit
	return a.events, a.err
}

func TestApprovalHandlerHistory(t *testing.T) {
	gin.SetMode(gin.TestMode)
	lister := &auditListerStub{events: []models.AuditLog{{ID: "evt-1", Action: "approval.decide", ResourceID: ptr("req-1")}}}
	handler := NewApprovalHandler(&approvalServiceMock{}, lister)

	c, w := newGinContext(http.MethodGet, "/requests/req-1/audit?limit=25", nil)
	c.Params = gin.Params{{Key: "id", Value: "req-1"}}
	c.Set(middleware.ContextUserKey, &models.JWTClaims{UserID: "auditor-1", Role: models.RoleAuditor})

	handler.History(c)
	require.Equal(t, http.StatusOK, w.Code)
	require.Equal(t, "req-1", lister.resourceID)
	require.Equal(t, 25, lister.limit)
	require.Contains(t, w.Body.String(), "approval.decide")
}

func ptr(s string) *string { return &s }

func TestApprovalHandlerSweep(t *testing.T) {
	gin.SetMode(gin.TestMode)
	mockSvc := &approvalServiceMock{sweepCount: 3}
	handler := NewApprovalHandler(mockSvc, nil)

	c, w := newGinContext(http.MethodPost, "/requests/sweep", nil)
	c.Set(middleware.ContextUserKey, &models.JWTClaims{UserID: "admin-1", Role: models.RoleAdmin})

	handler.Sweep(c)
	require.Equal(t, http.StatusOK, w.Code)
	require.Contains(t, w.Body.String(), `"expired":3`)
}
