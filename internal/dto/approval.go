package dto

import (
	"encoding/json"

	"github.com/noah-isme/approval-gate-api/internal/models"
)

// SubmitRequest payload for gating a privileged action behind approval.
// The payload is opaque to the engine and forwarded verbatim to the
// executor once quorum is reached.
type SubmitRequest struct {
	ActionKind string          `json:"actionKind" validate:"required"`
	Payload    json.RawMessage `json:"payload" validate:"required"`
}

// DecideRequest captures a reviewer verdict and optional comment.
type DecideRequest struct {
	Outcome models.DecisionOutcome `json:"outcome" validate:"required,oneof=APPROVE REJECT"`
	Comment string                 `json:"comment"`
}

// RequestQuery mirrors supported listing filters.
type RequestQuery struct {
	States     []models.RequestState
	ActionKind string
	Submitter  string
	Approver   string
	Limit      int
	Offset     int
}

// SweepResponse reports the number of requests expired by a sweep.
type SweepResponse struct {
	Expired int `json:"expired"`
}
