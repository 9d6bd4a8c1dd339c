package service

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/noah-isme/approval-gate-api/internal/models"
	"github.com/noah-isme/approval-gate-api/pkg/export"
	"github.com/noah-isme/approval-gate-api/pkg/storage"
)

type requestListerStub struct {
	requests []models.ApprovalRequest
}

func (s requestListerStub) List(ctx context.Context, filter models.RequestFilter) ([]models.ApprovalRequest, error) {
	if filter.Offset >= len(s.requests) {
		return nil, nil
	}
	return s.requests[filter.Offset:], nil
}

func exportFixtures() []models.ApprovalRequest {
	now := time.Now().UTC()
	return []models.ApprovalRequest{
		{
			ID:         "req-1",
			ActionKind: "user.deactivate",
			Submitter:  "operator-1",
			State:      models.RequestStateExecuted,
			Decisions: models.DecisionList{
				{Approver: "admin-1", Outcome: models.DecisionApprove, DecidedAt: now},
				{Approver: "admin-2", Outcome: models.DecisionApprove, Comment: "ok", DecidedAt: now},
			},
		},
		{
			ID:         "req-2",
			ActionKind: "user.role-change",
			Submitter:  "operator-1",
			State:      models.RequestStateRejected,
			Decisions: models.DecisionList{
				{Approver: "admin-1", Outcome: models.DecisionReject, Comment: "no", DecidedAt: now},
			},
		},
	}
}

func newExportServiceForTest(t *testing.T) (*ExportService, *storage.LocalStorage) {
	t.Helper()
	dir := t.TempDir()
	store, err := storage.NewLocalStorage(dir)
	require.NoError(t, err)
	signer := storage.NewSignedURLSigner("secret", time.Hour)
	cfg := ExportConfig{APIPrefix: "/api/v1", ResultTTL: time.Hour}
	svc := NewExportService(requestListerStub{requests: exportFixtures()}, store, signer, cfg, zap.NewNop(), export.NewCSVExporter(), export.NewPDFExporter())
	return svc, store
}

func TestExportServiceGenerateDecisionLogCSV(t *testing.T) {
	svc, store := newExportServiceForTest(t)
	job := &models.ReportJob{
		ID:        "job-1",
		Type:      models.ReportTypeDecisionLog,
		Params:    models.ReportJobParams{ActionKind: "user.deactivate", Format: models.ReportFormatCSV},
		CreatedBy: "admin",
	}
	result, err := svc.Generate(context.Background(), job)
	require.NoError(t, err)
	require.NotEmpty(t, result.RelativePath)
	require.Contains(t, result.URL, "/export/")

	path := store.Path(result.RelativePath)
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	require.Contains(t, string(data), "req-1")
	require.Contains(t, string(data), "admin-2")
	require.Contains(t, string(data), "APPROVE")
}

func TestExportServiceGenerateRequestSummaryPDF(t *testing.T) {
	svc, store := newExportServiceForTest(t)
	job := &models.ReportJob{
		ID:        "job-2",
		Type:      models.ReportTypeRequestSummary,
		Params:    models.ReportJobParams{Format: models.ReportFormatPDF},
		CreatedBy: "admin",
	}
	result, err := svc.Generate(context.Background(), job)
	require.NoError(t, err)
	require.Equal(t, models.ReportFormatPDF, result.Format)

	path := filepath.Clean(store.Path(result.RelativePath))
	info, err := os.Stat(path)
	require.NoError(t, err)
	require.Greater(t, info.Size(), int64(0))
}

func TestExportServiceGenerateUnsupportedType(t *testing.T) {
	svc, _ := newExportServiceForTest(t)
	job := &models.ReportJob{
		ID:     "job-3",
		Type:   models.ReportType("unknown"),
		Params: models.ReportJobParams{Format: models.ReportFormatCSV},
	}
	_, err := svc.Generate(context.Background(), job)
	require.Error(t, err)
}
