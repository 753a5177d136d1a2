// Package caseapi exposes the triage pipeline over HTTP for the
// presentation layer. Authentication is owned by the surrounding gateway.
package caseapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"path/filepath"
	"strings"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/go-chi/chi/v5"
	"github.com/linnemanlabs/go-core/log"
	"github.com/linnemanlabs/go-core/xerrors"

	"github.com/linnemanlabs/medassist/internal/extract"
	"github.com/linnemanlabs/medassist/internal/triage"
)

// maxUploadBytes bounds multipart document uploads.
const maxUploadBytes = 10 << 20 // 10 MiB

// PipelineService defines the business operations caseapi needs.
type PipelineService interface {
	Process(ctx context.Context, sub *triage.Submission) (*triage.Result, error)
}

// API holds dependencies for HTTP handlers.
type API struct {
	logger     log.Logger
	svc        PipelineService
	normalizer *extract.Service
	reportsDir string
}

// New creates a new API handler.
func New(logger log.Logger, svc PipelineService, normalizer *extract.Service, reportsDir string) *API {
	if logger == nil {
		logger = log.Nop()
	}
	if svc == nil {
		panic(xerrors.New("pipeline service is required"))
	}
	if normalizer == nil {
		panic(xerrors.New("normalizer is required"))
	}
	return &API{
		logger:     logger,
		svc:        svc,
		normalizer: normalizer,
		reportsDir: reportsDir,
	}
}

// RegisterRoutes attaches API endpoints to the router.
func (a *API) RegisterRoutes(r chi.Router) {
	r.Route("/api", func(r chi.Router) {
		r.Post("/analyze", a.handleAnalyze)
		r.Post("/analyze-document", a.handleAnalyzeDocument)
		r.Get("/reports/{filename}", a.handleGetReport)
	})
}

func (a *API) handleAnalyze(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Text string `json:"text"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid payload")
		return
	}

	res, err := a.normalizer.FromText(req.Text)
	if err != nil {
		a.writeInputError(w, r, err)
		return
	}

	a.process(w, r, triage.NewSubmission(res.Text, res.Truncated, "text"))
}

func (a *API) handleAnalyzeDocument(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseMultipartForm(maxUploadBytes); err != nil {
		writeError(w, http.StatusRequestEntityTooLarge, "upload too large")
		return
	}
	defer func() {
		// Release the multipart buffer (memory or temp files) on every
		// exit path.
		_ = r.MultipartForm.RemoveAll()
	}()

	file, header, err := r.FormFile("file")
	if err != nil {
		writeError(w, http.StatusBadRequest, "missing file field")
		return
	}
	defer func() { _ = file.Close() }()

	format, err := extract.DetectFormat(header.Filename, header.Header.Get("Content-Type"))
	if err != nil {
		a.writeInputError(w, r, err)
		return
	}

	data, err := io.ReadAll(file)
	if err != nil {
		writeError(w, http.StatusBadRequest, "unreadable upload")
		return
	}

	res, err := a.normalizer.FromDocument(data, format)
	if err != nil {
		a.writeInputError(w, r, err)
		return
	}

	a.process(w, r, triage.NewSubmission(res.Text, res.Truncated, string(format)))
}

func (a *API) process(w http.ResponseWriter, r *http.Request, sub *triage.Submission) {
	span := trace.SpanFromContext(r.Context())
	span.SetAttributes(attribute.String("medassist.case.id", sub.CaseID))

	result, err := a.svc.Process(r.Context(), sub)
	if err != nil {
		a.logger.Error(r.Context(), err, "pipeline run failed", "case_id", sub.CaseID)
		writeError(w, http.StatusInternalServerError, "triage pipeline failed")
		return
	}

	span.SetAttributes(attribute.String("medassist.case.risk_level", string(result.Assessment.RiskLevel)))

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(result)
}

func (a *API) handleGetReport(w http.ResponseWriter, r *http.Request) {
	filename := chi.URLParam(r, "filename")

	// Reject anything that could escape the reports directory.
	if filename == "" || filename != filepath.Base(filename) || strings.Contains(filename, "..") {
		writeError(w, http.StatusBadRequest, "invalid report name")
		return
	}

	// ServeFile sets the content type from the .pdf extension; setting it
	// here would mislabel the 404 body for a missing report.
	http.ServeFile(w, r, filepath.Join(a.reportsDir, filename))
}

// writeInputError maps normalizer errors onto the 4xx taxonomy.
func (a *API) writeInputError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, extract.ErrEmptyInput):
		writeError(w, http.StatusBadRequest, "empty case text")
	case errors.Is(err, extract.ErrUnsupportedFormat):
		writeError(w, http.StatusBadRequest, "unsupported document format")
	case errors.Is(err, extract.ErrExtraction):
		a.logger.Warn(r.Context(), "document extraction failed", "error", err)
		writeError(w, http.StatusUnprocessableEntity, "document could not be read")
	default:
		a.logger.Error(r.Context(), err, "unexpected input error")
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	fmt.Fprintf(w, `{"error":%q}`, msg)
}
