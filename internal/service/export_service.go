package service

import (
	"context"
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/noah-isme/approval-gate-api/internal/models"
	"github.com/noah-isme/approval-gate-api/pkg/export"
	"github.com/noah-isme/approval-gate-api/pkg/storage"
)

type requestLister interface {
	List(ctx context.Context, filter models.RequestFilter) ([]models.ApprovalRequest, error)
}

type fileStorage interface {
	Save(filename string, data []byte) (string, error)
	Open(filename string) (*os.File, error)
	Delete(filename string) error
	CleanupOlderThan(ttl time.Duration) ([]string, error)
}

// ExportConfig tunes export behaviour.
type ExportConfig struct {
	APIPrefix string
	ResultTTL time.Duration
}

// ExportResult captures successful generation metadata.
type ExportResult struct {
	RelativePath string
	Token        string
	URL          string
	Format       models.ReportFormat
	ExpiresAt    time.Time
}

// ExportService builds report datasets and persists rendered files.
type ExportService struct {
	requests requestLister
	storage  fileStorage
	csv      csvRenderer
	pdf      pdfRenderer
	signer   *storage.SignedURLSigner
	logger   *zap.Logger
	cfg      ExportConfig
}

type csvRenderer interface {
	Render(data export.Dataset) ([]byte, error)
}

type pdfRenderer interface {
	Render(data export.Dataset, title string) ([]byte, error)
}

// NewExportService constructs an ExportService.
func NewExportService(requests requestLister, storage fileStorage, signer *storage.SignedURLSigner, cfg ExportConfig, logger *zap.Logger, csv csvRenderer, pdf pdfRenderer) *ExportService {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.ResultTTL <= 0 {
		cfg.ResultTTL = 24 * time.Hour
	}
	if csv == nil {
		csv = export.NewCSVExporter()
	}
	if pdf == nil {
		pdf = export.NewPDFExporter()
	}
	return &ExportService{
		requests: requests,
		storage:  storage,
		csv:      csv,
		pdf:      pdf,
		signer:   signer,
		logger:   logger,
		cfg:      cfg,
	}
}

// Generate builds dataset according to job definition and stores the rendered export.
func (s *ExportService) Generate(ctx context.Context, job *models.ReportJob) (*ExportResult, error) {
	if job == nil {
		return nil, fmt.Errorf("job nil")
	}
	dataset, title, err := s.buildDataset(ctx, job)
	if err != nil {
		return nil, err
	}

	var payload []byte
	switch job.Params.Format {
	case models.ReportFormatCSV:
		payload, err = s.csv.Render(dataset)
	case models.ReportFormatPDF:
		payload, err = s.pdf.Render(dataset, title)
	default:
		err = fmt.Errorf("unsupported format %s", job.Params.Format)
	}
	if err != nil {
		return nil, err
	}

	filename := s.buildFilename(job)
	relPath, err := s.storage.Save(filename, payload)
	if err != nil {
		return nil, err
	}

	token, expiresAt, err := s.signer.Generate(job.ID, relPath)
	if err != nil {
		return nil, err
	}
	signedURL := strings.TrimRight(s.cfg.APIPrefix, "/")
	if signedURL == "" {
		signedURL = "/api/v1"
	}
	signedURL = fmt.Sprintf("%s/export/%s", signedURL, token)

	return &ExportResult{
		RelativePath: relPath,
		Token:        token,
		URL:          signedURL,
		Format:       job.Params.Format,
		ExpiresAt:    expiresAt,
	}, nil
}

// ParseToken validates download token metadata.
func (s *ExportService) ParseToken(token string, allowExpired bool) (jobID, relPath string, expiresAt time.Time, err error) {
	return s.signer.Parse(token, allowExpired)
}

// Open returns a handle to the stored file.
func (s *ExportService) Open(relPath string) (*os.File, error) {
	return s.storage.Open(relPath)
}

// Delete removes a stored export file.
func (s *ExportService) Delete(relPath string) error {
	return s.storage.Delete(relPath)
}

// Cleanup removes files older than ttl (defaults to configured ResultTTL when ttl <= 0).
func (s *ExportService) Cleanup(ttl time.Duration) ([]string, error) {
	if ttl <= 0 {
		ttl = s.cfg.ResultTTL
	}
	return s.storage.CleanupOlderThan(ttl)
}

func (s *ExportService) buildFilename(job *models.ReportJob) string {
	timestamp := time.Now().UTC().Format("20060102_150405")
	kindPart := sanitizeFilename(job.Params.ActionKind)
	name := fmt.Sprintf("%s_%s_%s.%s", strings.ToLower(string(job.Type)), kindPart, timestamp, job.Params.Format)
	return name
}

func sanitizeFilename(raw string) string {
	if raw == "" {
		return "all"
	}
	replacer := strings.NewReplacer(" ", "_", "/", "-", "\\", "-", ":", "-", "..", ".", "__", "_")
	result := replacer.Replace(raw)
	if len(result) > 100 {
		return result[:100]
	}
	return result
}

func (s *ExportService) buildDataset(ctx context.Context, job *models.ReportJob) (export.Dataset, string, error) {
	switch job.Type {
	case models.ReportTypeDecisionLog:
		return s.buildDecisionLogDataset(ctx, job.Params)
	case models.ReportTypeRequestSummary:
		return s.buildRequestSummaryDataset(ctx, job.Params)
	default:
		return export.Dataset{}, "", fmt.Errorf("unsupported report type %s", job.Type)
	}
}

// collectRequests pages through the repository until the filter is exhausted.
func (s *ExportService) collectRequests(ctx context.Context, params models.ReportJobParams) ([]models.ApprovalRequest, error) {
	const pageSize = 200
	filter := models.RequestFilter{
		States:     params.States,
		ActionKind: params.ActionKind,
		Submitter:  params.Submitter,
		Limit:      pageSize,
	}
	var all []models.ApprovalRequest
	for {
		page, err := s.requests.List(ctx, filter)
		if err != nil {
			return nil, err
		}
		all = append(all, page...)
		if len(page) < pageSize {
			return all, nil
		}
		filter.Offset += pageSize
	}
}

func (s *ExportService) buildDecisionLogDataset(ctx context.Context, params models.ReportJobParams) (export.Dataset, string, error) {
	requests, err := s.collectRequests(ctx, params)
	if err != nil {
		return export.Dataset{}, "", err
	}
	dataRows := make([]map[string]string, 0, len(requests))
	for _, req := range requests {
		for _, decision := range req.Decisions {
			dataRows = append(dataRows, map[string]string{
				"Request ID":  req.ID,
				"Action Kind": req.ActionKind,
				"Submitter":   req.Submitter,
				"Approver":    decision.Approver,
				"Outcome":     string(decision.Outcome),
				"Comment":     decision.Comment,
				"Decided At":  decision.DecidedAt.UTC().Format(time.RFC3339),
				"State":       string(req.State),
			})
		}
	}
	dataset := export.Dataset{
		Headers: []string{"Request ID", "Action Kind", "Submitter", "Approver", "Outcome", "Comment", "Decided At", "State"},
		Rows:    dataRows,
	}
	title := "Decision Log"
	if params.ActionKind != "" {
		title = fmt.Sprintf("Decision Log %s", params.ActionKind)
	}
	return dataset, title, nil
}

func (s *ExportService) buildRequestSummaryDataset(ctx context.Context, params models.ReportJobParams) (export.Dataset, string, error) {
	requests, err := s.collectRequests(ctx, params)
	if err != nil {
		return export.Dataset{}, "", err
	}

	type kindSummary struct {
		total    int
		byState  map[models.RequestState]int
		executed int
	}
	summaries := make(map[string]*kindSummary)
	for _, req := range requests {
		summary, ok := summaries[req.ActionKind]
		if !ok {
			summary = &kindSummary{byState: make(map[models.RequestState]int)}
			summaries[req.ActionKind] = summary
		}
		summary.total++
		summary.byState[req.State]++
		if req.State == models.RequestStateExecuted {
			summary.executed++
		}
	}

	kinds := make([]string, 0, len(summaries))
	for kind := range summaries {
		kinds = append(kinds, kind)
	}
	sort.Strings(kinds)

	dataRows := make([]map[string]string, 0, len(kinds))
	for _, kind := range kinds {
		summary := summaries[kind]
		dataRows = append(dataRows, map[string]string{
			"Action Kind":      kind,
			"Total":            fmt.Sprintf("%d", summary.total),
			"Pending":          fmt.Sprintf("%d", summary.byState[models.RequestStatePending]),
			"Rejected":         fmt.Sprintf("%d", summary.byState[models.RequestStateRejected]),
			"Expired":          fmt.Sprintf("%d", summary.byState[models.RequestStateExpired]),
			"Executed":         fmt.Sprintf("%d", summary.executed),
			"Execution Failed": fmt.Sprintf("%d", summary.byState[models.RequestStateExecutionFailed]),
		})
	}
	dataset := export.Dataset{
		Headers: []string{"Action Kind", "Total", "Pending", "Rejected", "Expired", "Executed", "Execution Failed"},
		Rows:    dataRows,
	}
	return dataset, "Request Summary", nil
}
