package models

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"
)

// RequestState captures the lifecycle states of an approval request.
type RequestState string

const (
	RequestStatePending         RequestState = "PENDING"
	RequestStateApproved        RequestState = "APPROVED"
	RequestStateRejected        RequestState = "REJECTED"
	RequestStateExpired         RequestState = "EXPIRED"
	RequestStateExecuted        RequestState = "EXECUTED"
	RequestStateExecutionFailed RequestState = "EXECUTION_FAILED"
)

// Terminal reports whether no further transition may leave the state.
// APPROVED is transient: the registry converts it to EXECUTED or
// EXECUTION_FAILED before the request is observable by other callers.
func (s RequestState) Terminal() bool {
	switch s {
	case RequestStateRejected, RequestStateExpired, RequestStateExecuted, RequestStateExecutionFailed:
		return true
	default:
		return false
	}
}

// DecisionOutcome enumerates reviewer verdicts.
type DecisionOutcome string

const (
	DecisionApprove DecisionOutcome = "APPROVE"
	DecisionReject  DecisionOutcome = "REJECT"
)

// Decision records a single reviewer verdict on a request.
type Decision struct {
	Approver  string          `json:"approver"`
	Outcome   DecisionOutcome `json:"outcome"`
	Comment   string          `json:"comment,omitempty"`
	DecidedAt time.Time       `json:"decidedAt"`
}

// DecisionList is an append-only ordered list persisted as JSONB.
type DecisionList []Decision

// Value marshals decisions for persistence.
func (d DecisionList) Value() (driver.Value, error) {
	if d == nil {
		d = DecisionList{}
	}
	data, err := json.Marshal(d)
	if err != nil {
		return nil, fmt.Errorf("marshal decisions: %w", err)
	}
	return data, nil
}

// Scan unmarshals JSON payloads into the decision list.
func (d *DecisionList) Scan(value interface{}) error {
	if value == nil {
		*d = DecisionList{}
		return nil
	}
	var data []byte
	switch v := value.(type) {
	case []byte:
		data = v
	case string:
		data = []byte(v)
	default:
		return fmt.Errorf("unsupported type %T for DecisionList", value)
	}
	if len(data) == 0 {
		*d = DecisionList{}
		return nil
	}
	if err := json.Unmarshal(data, d); err != nil {
		return fmt.Errorf("unmarshal decisions: %w", err)
	}
	return nil
}

// StringList persists a set of identities as JSONB.
type StringList []string

// Value marshals the list for persistence.
func (l StringList) Value() (driver.Value, error) {
	if l == nil {
		l = StringList{}
	}
	data, err := json.Marshal(l)
	if err != nil {
		return nil, fmt.Errorf("marshal string list: %w", err)
	}
	return data, nil
}

// Scan unmarshals JSON payloads into the list.
func (l *StringList) Scan(value interface{}) error {
	if value == nil {
		*l = StringList{}
		return nil
	}
	var data []byte
	switch v := value.(type) {
	case []byte:
		data = v
	case string:
		data = []byte(v)
	default:
		return fmt.Errorf("unsupported type %T for StringList", value)
	}
	if len(data) == 0 {
		*l = StringList{}
		return nil
	}
	if err := json.Unmarshal(data, l); err != nil {
		return fmt.Errorf("unmarshal string list: %w", err)
	}
	return nil
}

// Contains reports membership.
func (l StringList) Contains(v string) bool {
	for _, item := range l {
		if item == v {
			return true
		}
	}
	return false
}

// ApprovalRequest is a pending privileged action awaiting reviewer quorum.
// The payload is opaque: the engine routes it to a registered executor by
// action kind and never inspects the content.
type ApprovalRequest struct {
	ID                string       `db:"id" json:"id"`
	ActionKind        string       `db:"action_kind" json:"actionKind"`
	Payload           []byte       `db:"payload" json:"payload"`
	Submitter         string       `db:"submitter" json:"submitter"`
	RequiredApprovals int          `db:"required_approvals" json:"requiredApprovals"`
	EligibleApprovers StringList   `db:"eligible_approvers" json:"eligibleApprovers,omitempty"`
	Decisions         DecisionList `db:"decisions" json:"decisions"`
	State             RequestState `db:"state" json:"state"`
	ExecutionDetail   *string      `db:"execution_detail" json:"executionDetail,omitempty"`
	SubmittedAt       time.Time    `db:"submitted_at" json:"submittedAt"`
	ExpiresAt         time.Time    `db:"expires_at" json:"expiresAt"`
	LastTransitionAt  time.Time    `db:"last_transition_at" json:"lastTransitionAt"`
	Version           int64        `db:"version" json:"-"`
}

// ApprovalCount returns the number of recorded APPROVE decisions.
func (r *ApprovalRequest) ApprovalCount() int {
	count := 0
	for _, d := range r.Decisions {
		if d.Outcome == DecisionApprove {
			count++
		}
	}
	return count
}

// DecisionBy returns the recorded decision from the given approver, if any.
func (r *ApprovalRequest) DecisionBy(approver string) *Decision {
	for i := range r.Decisions {
		if r.Decisions[i].Approver == approver {
			return &r.Decisions[i]
		}
	}
	return nil
}

// ExpiredAt reports whether the request validity has lapsed at the instant.
func (r *ApprovalRequest) ExpiredAt(now time.Time) bool {
	return !r.ExpiresAt.IsZero() && !now.Before(r.ExpiresAt)
}

// RequestFilter constrains listing queries.
type RequestFilter struct {
	States     []RequestState
	ActionKind string
	Submitter  string
	Approver   string
	Limit      int
	Offset     int
}
