package service

import (
	"context"
	"database/sql"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/noah-isme/approval-gate-api/internal/models"
)

type executorStoreStub struct {
	users   map[string]*models.User
	deleted []string
}

func newExecutorStoreStub(users ...*models.User) *executorStoreStub {
	s := &executorStoreStub{users: make(map[string]*models.User)}
	for _, u := range users {
		s.users[u.ID] = u
	}
	return s
}

func (s *executorStoreStub) FindByID(ctx context.Context, id string) (*models.User, error) {
	if u, ok := s.users[id]; ok {
		return u, nil
	}
	return nil, sql.ErrNoRows
}

func (s *executorStoreStub) FindByEmail(ctx context.Context, email string) (*models.User, error) {
	for _, u := range s.users {
		if u.Email == email {
			return u, nil
		}
	}
	return nil, sql.ErrNoRows
}

func (s *executorStoreStub) Create(ctx context.Context, user *models.User) error {
	user.ID = "generated-id"
	s.users[user.ID] = user
	return nil
}

func (s *executorStoreStub) Update(ctx context.Context, user *models.User) error {
	s.users[user.ID] = user
	return nil
}

func (s *executorStoreStub) Delete(ctx context.Context, id string) error {
	s.deleted = append(s.deleted, id)
	return nil
}

func mustJSON(t *testing.T, v interface{}) []byte {
	t.Helper()
	data, err := json.Marshal(v)
	require.NoError(t, err)
	return data
}

func TestExecuteUserCreate(t *testing.T) {
	store := newExecutorStoreStub(&models.User{ID: "u-1", Email: "taken@example.com"})
	executors := UserActionExecutors(store, nil)

	payload := mustJSON(t, map[string]string{
		"email":    "New@Example.com",
		"fullName": "New Admin",
		"role":     "ADMIN",
		"password": "s3cret-pass",
	})
	result, err := executors[ActionUserCreate].Execute(context.Background(), payload)
	require.NoError(t, err)
	require.True(t, result.Success)

	created, err := store.FindByEmail(context.Background(), "new@example.com")
	require.NoError(t, err)
	require.Equal(t, models.RoleAdmin, created.Role)
	require.True(t, created.Active)
	require.NotEqual(t, "s3cret-pass", created.PasswordHash)
}

func TestExecuteUserCreateDuplicateEmail(t *testing.T) {
	store := newExecutorStoreStub(&models.User{ID: "u-1", Email: "taken@example.com"})
	executors := UserActionExecutors(store, nil)

	payload := mustJSON(t, map[string]string{
		"email":    "taken@example.com",
		"fullName": "Someone",
		"role":     "ADMIN",
		"password": "s3cret-pass",
	})
	result, err := executors[ActionUserCreate].Execute(context.Background(), payload)
	require.NoError(t, err)
	require.False(t, result.Success)
	require.Contains(t, result.Detail, "already exists")
}

func TestExecuteUserCreateMissingFields(t *testing.T) {
	executors := UserActionExecutors(newExecutorStoreStub(), nil)

	result, err := executors[ActionUserCreate].Execute(context.Background(), []byte(`{"email":"x@example.com"}`))
	require.NoError(t, err)
	require.False(t, result.Success)
}

func TestExecuteUserRoleChange(t *testing.T) {
	store := newExecutorStoreStub(&models.User{ID: "u-1", Role: models.RoleOperator, Active: true})
	executors := UserActionExecutors(store, nil)

	result, err := executors[ActionUserRoleChange].Execute(context.Background(),
		mustJSON(t, map[string]string{"userId": "u-1", "role": "ADMIN"}))
	require.NoError(t, err)
	require.True(t, result.Success)
	require.Equal(t, models.RoleAdmin, store.users["u-1"].Role)
	require.Contains(t, result.Detail, "OPERATOR -> ADMIN")
}

func TestExecuteUserRoleChangeUnknownUser(t *testing.T) {
	executors := UserActionExecutors(newExecutorStoreStub(), nil)

	result, err := executors[ActionUserRoleChange].Execute(context.Background(),
		mustJSON(t, map[string]string{"userId": "ghost", "role": "ADMIN"}))
	require.NoError(t, err)
	require.False(t, result.Success)
	require.Contains(t, result.Detail, "not found")
}

func TestExecuteUserDeactivate(t *testing.T) {
	store := newExecutorStoreStub(&models.User{ID: "u-1", Active: true})
	executors := UserActionExecutors(store, nil)

	result, err := executors[ActionUserDeactivate].Execute(context.Background(),
		mustJSON(t, map[string]string{"userId": "u-1"}))
	require.NoError(t, err)
	require.True(t, result.Success)
	require.Equal(t, []string{"u-1"}, store.deleted)

	result, err = executors[ActionUserDeactivate].Execute(context.Background(), []byte(`{}`))
	require.NoError(t, err)
	require.False(t, result.Success)
}
