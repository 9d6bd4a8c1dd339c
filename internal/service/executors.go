package service

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"

	"github.com/noah-isme/approval-gate-api/internal/models"
)

// Built-in action kinds covering reviewer administration. Deployments
// register additional executors for their own privileged operations.
const (
	ActionUserCreate     = "user.create"
	ActionUserRoleChange = "user.role-change"
	ActionUserDeactivate = "user.deactivate"
)

type executorUserStore interface {
	FindByID(ctx context.Context, id string) (*models.User, error)
	FindByEmail(ctx context.Context, email string) (*models.User, error)
	Create(ctx context.Context, user *models.User) error
	Update(ctx context.Context, user *models.User) error
	Delete(ctx context.Context, id string) error
}

// UserActionExecutors builds executors for the built-in user management
// action kinds. Results use Success=false for business failures so the
// request lands in EXECUTION_FAILED with a readable detail.
func UserActionExecutors(repo executorUserStore, logger *zap.Logger) map[string]ActionExecutor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return map[string]ActionExecutor{
		ActionUserCreate: ActionExecutorFunc(func(ctx context.Context, payload []byte) (ExecutionResult, error) {
			return executeUserCreate(ctx, repo, payload)
		}),
		ActionUserRoleChange: ActionExecutorFunc(func(ctx context.Context, payload []byte) (ExecutionResult, error) {
			return executeUserRoleChange(ctx, repo, payload)
		}),
		ActionUserDeactivate: ActionExecutorFunc(func(ctx context.Context, payload []byte) (ExecutionResult, error) {
			return executeUserDeactivate(ctx, repo, payload)
		}),
	}
}

type userCreatePayload struct {
	Email    string          `json:"email"`
	FullName string          `json:"fullName"`
	Role     models.UserRole `json:"role"`
	Password string          `json:"password"`
}

func executeUserCreate(ctx context.Context, repo executorUserStore, payload []byte) (ExecutionResult, error) {
	var req userCreatePayload
	if err := json.Unmarshal(payload, &req); err != nil {
		return ExecutionResult{Detail: "invalid user create payload"}, nil
	}
	req.Email = strings.ToLower(strings.TrimSpace(req.Email))
	if req.Email == "" || req.FullName == "" || req.Role == "" || req.Password == "" {
		return ExecutionResult{Detail: "email, fullName, role and password are required"}, nil
	}
	if _, err := repo.FindByEmail(ctx, req.Email); err == nil {
		return ExecutionResult{Detail: fmt.Sprintf("email %s already exists", req.Email)}, nil
	} else if !errors.Is(err, sql.ErrNoRows) {
		return ExecutionResult{}, err
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(req.Password), bcrypt.DefaultCost)
	if err != nil {
		return ExecutionResult{}, err
	}
	user := &models.User{
		Email:        req.Email,
		FullName:     req.FullName,
		Role:         req.Role,
		Active:       true,
		PasswordHash: string(hash),
	}
	if err := repo.Create(ctx, user); err != nil {
		return ExecutionResult{}, err
	}
	return ExecutionResult{Success: true, Detail: fmt.Sprintf("created user %s", user.ID)}, nil
}

type userRoleChangePayload struct {
	UserID string          `json:"userId"`
	Role   models.UserRole `json:"role"`
}

func executeUserRoleChange(ctx context.Context, repo executorUserStore, payload []byte) (ExecutionResult, error) {
	var req userRoleChangePayload
	if err := json.Unmarshal(payload, &req); err != nil {
		return ExecutionResult{Detail: "invalid role change payload"}, nil
	}
	if req.UserID == "" || req.Role == "" {
		return ExecutionResult{Detail: "userId and role are required"}, nil
	}
	user, err := repo.FindByID(ctx, req.UserID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return ExecutionResult{Detail: fmt.Sprintf("user %s not found", req.UserID)}, nil
		}
		return ExecutionResult{}, err
	}
	previous := user.Role
	user.Role = req.Role
	if err := repo.Update(ctx, user); err != nil {
		return ExecutionResult{}, err
	}
	return ExecutionResult{Success: true, Detail: fmt.Sprintf("role changed %s -> %s", previous, req.Role)}, nil
}

type userDeactivatePayload struct {
	UserID string `json:"userId"`
}

func executeUserDeactivate(ctx context.Context, repo executorUserStore, payload []byte) (ExecutionResult, error) {
	var req userDeactivatePayload
	if err := json.Unmarshal(payload, &req); err != nil {
		return ExecutionResult{Detail: "invalid deactivate payload"}, nil
	}
	if req.UserID == "" {
		return ExecutionResult{Detail: "userId is required"}, nil
	}
	if _, err := repo.FindByID(ctx, req.UserID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return ExecutionResult{Detail: fmt.Sprintf("user %s not found", req.UserID)}, nil
		}
		return ExecutionResult{}, err
	}
	if err := repo.Delete(ctx, req.UserID); err != nil {
		return ExecutionResult{}, err
	}
	return ExecutionResult{Success: true, Detail: fmt.Sprintf("user %s deactivated", req.UserID)}, nil
}
