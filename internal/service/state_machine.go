package service

import (
	"time"

	"github.com/noah-isme/approval-gate-api/internal/models"
	appErrors "github.com/noah-isme/approval-gate-api/pkg/errors"
)

// Transition describes a state change computed by the state machine. When
// Execute is set the registry owes the request exactly one executor
// invocation before the new state becomes observable.
type Transition struct {
	From    models.RequestState
	To      models.RequestState
	Execute bool
}

// applyDecision evaluates a reviewer verdict against the current request
// state and mutates the request accordingly. It is pure decision logic: no
// I/O, no clock reads beyond the supplied instant. Eligibility of the
// approver is checked by the caller beforehand because it requires a lazy
// role lookup.
//
// A REJECT from any eligible approver vetoes the request immediately,
// regardless of how many approvals were already collected. Expiry observed
// during a decision attempt transitions the request as a side effect and
// still fails the decision.
func applyDecision(req *models.ApprovalRequest, decision models.Decision, allowSelfApproval bool, now time.Time) (*Transition, error) {
	if req.State != models.RequestStatePending {
		return nil, appErrors.Clone(appErrors.ErrInvalidTransition, "")
	}
	if req.ExpiredAt(now) {
		tr := expire(req, now)
		return tr, appErrors.Clone(appErrors.ErrRequestExpired, "")
	}
	if decision.Approver == req.Submitter && !allowSelfApproval {
		return nil, appErrors.Clone(appErrors.ErrSelfApproval, "")
	}
	if req.DecisionBy(decision.Approver) != nil {
		return nil, appErrors.Clone(appErrors.ErrDuplicateDecision, "")
	}

	decision.DecidedAt = now
	req.Decisions = append(req.Decisions, decision)

	switch decision.Outcome {
	case models.DecisionReject:
		tr := &Transition{From: req.State, To: models.RequestStateRejected}
		req.State = models.RequestStateRejected
		req.LastTransitionAt = now
		return tr, nil
	case models.DecisionApprove:
		if req.ApprovalCount() >= req.RequiredApprovals {
			tr := &Transition{From: req.State, To: models.RequestStateApproved, Execute: true}
			req.State = models.RequestStateApproved
			req.LastTransitionAt = now
			return tr, nil
		}
		req.LastTransitionAt = now
		return &Transition{From: models.RequestStatePending, To: models.RequestStatePending}, nil
	default:
		return nil, appErrors.Clone(appErrors.ErrValidation, "outcome must be APPROVE or REJECT")
	}
}

// applyCancel withdraws a pending request. Cancellation is modeled as a
// reviewer-independent rejection; authorization (submitter-only) is
// enforced by the registry.
func applyCancel(req *models.ApprovalRequest, now time.Time) (*Transition, error) {
	if req.State != models.RequestStatePending {
		return nil, appErrors.Clone(appErrors.ErrInvalidTransition, "")
	}
	if req.ExpiredAt(now) {
		tr := expire(req, now)
		return tr, appErrors.Clone(appErrors.ErrRequestExpired, "")
	}
	tr := &Transition{From: req.State, To: models.RequestStateRejected}
	req.State = models.RequestStateRejected
	req.LastTransitionAt = now
	return tr, nil
}

// applyExpiry transitions a pending request whose validity has lapsed.
// Returns nil when the request is not expired yet; idempotent on terminal
// states via ErrInvalidTransition.
func applyExpiry(req *models.ApprovalRequest, now time.Time) (*Transition, error) {
	if req.State != models.RequestStatePending {
		return nil, appErrors.Clone(appErrors.ErrInvalidTransition, "")
	}
	if !req.ExpiredAt(now) {
		return nil, nil
	}
	return expire(req, now), nil
}

// applyExecution records the executor outcome for an approved request.
func applyExecution(req *models.ApprovalRequest, success bool, detail string, now time.Time) (*Transition, error) {
	if req.State != models.RequestStateApproved {
		return nil, appErrors.Clone(appErrors.ErrInvalidTransition, "")
	}
	to := models.RequestStateExecuted
	if !success {
		to = models.RequestStateExecutionFailed
	}
	tr := &Transition{From: req.State, To: to}
	req.State = to
	req.LastTransitionAt = now
	if detail != "" {
		req.ExecutionDetail = &detail
	}
	return tr, nil
}

func expire(req *models.ApprovalRequest, now time.Time) *Transition {
	tr := &Transition{From: req.State, To: models.RequestStateExpired}
	req.State = models.RequestStateExpired
	req.LastTransitionAt = now
	return tr
}
