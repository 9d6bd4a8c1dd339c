package service

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/viper"

	"github.com/noah-isme/approval-gate-api/internal/models"
	appErrors "github.com/noah-isme/approval-gate-api/pkg/errors"
)

// Policy holds the approval parameters for one action kind. RequiredApprovals
// of zero marks the kind as approval-exempt: Submit executes it immediately
// with an audit trail, mirroring excluded-class configuration.
type Policy struct {
	ActionKind        string            `mapstructure:"action_kind"`
	RequiredApprovals int               `mapstructure:"required_approvals"`
	EligibleApprovers []string          `mapstructure:"eligible_approvers"`
	EligibleRoles     []models.UserRole `mapstructure:"eligible_roles"`
	AllowSelfApproval bool              `mapstructure:"allow_self_approval"`
	RequestTTL        time.Duration     `mapstructure:"request_ttl"`
}

type roleDirectory interface {
	FindByID(ctx context.Context, id string) (*models.User, error)
}

// PolicyEvaluator resolves per-action-kind approval policies. The rule set
// is loaded once at startup and treated as immutable for the process
// lifetime. Eligibility by role is re-evaluated lazily at decision time so
// review panels may change while a request is pending.
type PolicyEvaluator struct {
	rules      map[string]Policy
	users      roleDirectory
	defaultTTL time.Duration
}

// NewPolicyEvaluator builds an evaluator from explicit rules.
func NewPolicyEvaluator(rules []Policy, users roleDirectory, defaultTTL time.Duration) *PolicyEvaluator {
	if defaultTTL <= 0 {
		defaultTTL = 28 * 24 * time.Hour
	}
	index := make(map[string]Policy, len(rules))
	for _, rule := range rules {
		if rule.RequestTTL <= 0 {
			rule.RequestTTL = defaultTTL
		}
		if len(rule.EligibleRoles) == 0 && len(rule.EligibleApprovers) == 0 {
			rule.EligibleRoles = []models.UserRole{models.RoleAdmin, models.RoleSuperAdmin}
		}
		index[rule.ActionKind] = rule
	}
	return &PolicyEvaluator{rules: index, users: users, defaultTTL: defaultTTL}
}

// LoadPolicies reads policy rules from a YAML file.
func LoadPolicies(path string) ([]Policy, error) {
	v := viper.New()
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read policy file: %w", err)
	}
	var rules []Policy
	if err := v.UnmarshalKey("policies", &rules); err != nil {
		return nil, fmt.Errorf("parse policy file: %w", err)
	}
	for i, rule := range rules {
		if rule.ActionKind == "" {
			return nil, fmt.Errorf("policy %d: action_kind is required", i)
		}
		if rule.RequiredApprovals < 0 {
			return nil, fmt.Errorf("policy %q: required_approvals must not be negative", rule.ActionKind)
		}
	}
	return rules, nil
}

// Evaluate returns the policy governing a submission. Side-effect free.
func (e *PolicyEvaluator) Evaluate(actionKind, submitter string) (Policy, error) {
	rule, ok := e.rules[actionKind]
	if !ok {
		return Policy{}, appErrors.Clone(appErrors.ErrPolicyNotFound, fmt.Sprintf("no approval policy registered for action kind %q", actionKind))
	}
	return rule, nil
}

// Eligible checks whether the approver may decide on the request. An
// explicit approver set fixed at submission wins; otherwise the role
// predicate is evaluated against the current user record, so a role change
// or deactivation after submission takes effect immediately.
func (e *PolicyEvaluator) Eligible(ctx context.Context, req *models.ApprovalRequest, approverID string) error {
	if len(req.EligibleApprovers) > 0 {
		if !req.EligibleApprovers.Contains(approverID) {
			return appErrors.Clone(appErrors.ErrNotEligible, "")
		}
		return nil
	}

	rule, ok := e.rules[req.ActionKind]
	if !ok {
		return appErrors.Clone(appErrors.ErrPolicyNotFound, fmt.Sprintf("no approval policy registered for action kind %q", req.ActionKind))
	}
	if e.users == nil {
		return appErrors.Clone(appErrors.ErrNotEligible, "approver directory unavailable")
	}
	user, err := e.users.FindByID(ctx, approverID)
	if err != nil {
		return appErrors.Clone(appErrors.ErrNotEligible, "approver account not found")
	}
	if !user.Active {
		return appErrors.Clone(appErrors.ErrNotEligible, "approver account is inactive")
	}
	for _, role := range rule.EligibleRoles {
		if user.Role == role {
			return nil
		}
	}
	return appErrors.Clone(appErrors.ErrNotEligible, "")
}
