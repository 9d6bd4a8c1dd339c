package handler

import (
	"context"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/noah-isme/approval-gate-api/internal/dto"
	"github.com/noah-isme/approval-gate-api/internal/models"
	appErrors "github.com/noah-isme/approval-gate-api/pkg/errors"
	"github.com/noah-isme/approval-gate-api/pkg/response"
)

type approvalService interface {
	Submit(ctx context.Context, req dto.SubmitRequest, submitter string) (*models.ApprovalRequest, error)
	Decide(ctx context.Context, id, approver string, outcome models.DecisionOutcome, comment string) (*models.ApprovalRequest, error)
	Cancel(ctx context.Context, id, actor string) (*models.ApprovalRequest, error)
	Get(ctx context.Context, id string) (*models.ApprovalRequest, error)
	List(ctx context.Context, query dto.RequestQuery) ([]models.ApprovalRequest, error)
	SweepExpired(ctx context.Context, now time.Time) (int, error)
}

type auditLister interface {
	ListByResource(ctx context.Context, resourceID string, limit int) ([]models.AuditLog, error)
}

// ApprovalHandler exposes REST endpoints for the approval workflow.
type ApprovalHandler struct {
	service approvalService
	audit   auditLister
}

// NewApprovalHandler constructs the handler.
func NewApprovalHandler(service approvalService, audit auditLister) *ApprovalHandler {
	return &ApprovalHandler{service: service, audit: audit}
}

// Submit godoc
// @Summary Submit a privileged action for approval
// @Tags Approvals
// @Accept json
// @Produce json
// @Param payload body dto.SubmitRequest true "Action payload"
// @Success 201 {object} response.Envelope
// @Router /requests [post]
func (h *ApprovalHandler) Submit(c *gin.Context) {
	if h.service == nil {
		response.Error(c, appErrors.Clone(appErrors.ErrInternal, "approval service not configured"))
		return
	}
	var req dto.SubmitRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, appErrors.Clone(appErrors.ErrValidation, "invalid submit payload"))
		return
	}
	claims := claimsFromContext(c)
	if claims == nil {
		response.Error(c, appErrors.ErrUnauthorized)
		return
	}
	request, err := h.service.Submit(c.Request.Context(), req, claims.UserID)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusCreated, request, nil)
}

// List godoc
// @Summary List approval requests
// @Tags Approvals
// @Produce json
// @Param state query string false "Comma separated states"
// @Param actionKind query string false "Action kind"
// @Param submitter query string false "Submitter ID"
// @Param approver query string false "Approver ID"
// @Param limit query int false "Page size"
// @Param offset query int false "Offset"
// @Success 200 {object} response.Envelope
// @Router /requests [get]
func (h *ApprovalHandler) List(c *gin.Context) {
	if h.service == nil {
		response.Error(c, appErrors.Clone(appErrors.ErrInternal, "approval service not configured"))
		return
	}
	claims := claimsFromContext(c)
	if claims == nil {
		response.Error(c, appErrors.ErrUnauthorized)
		return
	}
	query := dto.RequestQuery{
		ActionKind: strings.TrimSpace(c.Query("actionKind")),
		Submitter:  strings.TrimSpace(c.Query("submitter")),
		Approver:   strings.TrimSpace(c.Query("approver")),
	}
	if raw := c.Query("state"); raw != "" {
		parts := strings.Split(raw, ",")
		states := make([]models.RequestState, 0, len(parts))
		for _, part := range parts {
			part = strings.ToUpper(strings.TrimSpace(part))
			if part == "" {
				continue
			}
			states = append(states, models.RequestState(part))
		}
		query.States = states
	}
	if raw := c.Query("limit"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			query.Limit = v
		}
	}
	if raw := c.Query("offset"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			query.Offset = v
		}
	}
	requests, err := h.service.List(c.Request.Context(), query)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, requests, nil)
}

// Get godoc
// @Summary Get approval request detail
// @Tags Approvals
// @Produce json
// @Param id path string true "Request ID"
// @Success 200 {object} response.Envelope
// @Router /requests/{id} [get]
func (h *ApprovalHandler) Get(c *gin.Context) {
	if h.service == nil {
		response.Error(c, appErrors.Clone(appErrors.ErrInternal, "approval service not configured"))
		return
	}
	claims := claimsFromContext(c)
	if claims == nil {
		response.Error(c, appErrors.ErrUnauthorized)
		return
	}
	request, err := h.service.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, request, nil)
}

// Decide godoc
// @Summary Record an approve or reject verdict
// @Tags Approvals
// @Accept json
// @Produce json
// @Param id path string true "Request ID"
// @Param payload body dto.DecideRequest true "Verdict"
// @Success 200 {object} response.Envelope
// @Router /requests/{id}/decisions [post]
func (h *ApprovalHandler) Decide(c *gin.Context) {
	if h.service == nil {
		response.Error(c, appErrors.Clone(appErrors.ErrInternal, "approval service not configured"))
		return
	}
	claims := claimsFromContext(c)
	if claims == nil {
		response.Error(c, appErrors.ErrUnauthorized)
		return
	}
	var req dto.DecideRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, appErrors.Clone(appErrors.ErrValidation, "invalid decision payload"))
		return
	}
	request, err := h.service.Decide(c.Request.Context(), c.Param("id"), claims.UserID, req.Outcome, req.Comment)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, request, nil)
}

// Cancel godoc
// @Summary Cancel a pending request
// @Tags Approvals
// @Produce json
// @Param id path string true "Request ID"
// @Success 200 {object} response.Envelope
// @Router /requests/{id}/cancel [post]
func (h *ApprovalHandler) Cancel(c *gin.Context) {
	if h.service == nil {
		response.Error(c, appErrors.Clone(appErrors.ErrInternal, "approval service not configured"))
		return
	}
	claims := claimsFromContext(c)
	if claims == nil {
		response.Error(c, appErrors.ErrUnauthorized)
		return
	}
	request, err := h.service.Cancel(c.Request.Context(), c.Param("id"), claims.UserID)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, request, nil)
}

// History godoc
// @Summary List audit events recorded for a request
// @Tags Approvals
// @Produce json
// @Param id path string true "Request ID"
// @Param limit query int false "Max events"
// @Success 200 {object} response.Envelope
// @Router /requests/{id}/audit [get]
func (h *ApprovalHandler) History(c *gin.Context) {
	if h.audit == nil {
		response.Error(c, appErrors.Clone(appErrors.ErrInternal, "audit service not configured"))
		return
	}
	claims := claimsFromContext(c)
	if claims == nil {
		response.Error(c, appErrors.ErrUnauthorized)
		return
	}
	limit := 0
	if raw := c.Query("limit"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			limit = v
		}
	}
	events, err := h.audit.ListByResource(c.Request.Context(), c.Param("id"), limit)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, events, nil)
}

// Sweep godoc
// @Summary Expire lapsed pending requests
// @Tags Approvals
// @Produce json
// @Success 200 {object} response.Envelope
// @Router /requests/sweep [post]
func (h *ApprovalHandler) Sweep(c *gin.Context) {
	if h.service == nil {
		response.Error(c, appErrors.Clone(appErrors.ErrInternal, "approval service not configured"))
		return
	}
	expired, err := h.service.SweepExpired(c.Request.Context(), time.Now().UTC())
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, dto.SweepResponse{Expired: expired}, nil)
}
