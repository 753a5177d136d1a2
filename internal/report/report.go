// Package report renders the immutable triage report artifact.
//
// Rendering is deterministic: fixed fonts, a fixed creation date, and no
// wall-clock content, so identical (text, risk level, explanation) inputs
// produce byte-identical PDFs. The artifact is content-addressed and
// cached per case; re-invocation returns the existing artifact without
// re-rendering.
package report

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-pdf/fpdf"
	"github.com/linnemanlabs/go-core/log"

	"github.com/linnemanlabs/medassist/internal/triage"
)

// pdfEpoch pins document metadata timestamps for byte-stable output.
var pdfEpoch = time.Date(2000, 1, 1, 0, 0, 0, 0, time.UTC)

// Generator renders and persists report artifacts.
type Generator struct {
	dir     string
	baseURL string
	store   triage.Store
	logger  log.Logger
	metrics *triage.Metrics
}

// New creates a Generator writing artifacts under dir and addressing them
// below baseURL (e.g. "/api/reports").
func New(dir, baseURL string, store triage.Store, logger log.Logger, metrics *triage.Metrics) (*Generator, error) {
	if logger == nil {
		logger = log.Nop()
	}
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("create reports dir: %w", err)
	}
	return &Generator{
		dir:     dir,
		baseURL: strings.TrimRight(baseURL, "/"),
		store:   store,
		logger:  logger,
		metrics: metrics,
	}, nil
}

// Generate returns the artifact for a case, rendering it on first call.
// Render or persist failure is fatal to the request: the report is a
// required deliverable.
func (g *Generator) Generate(ctx context.Context, sub *triage.Submission, a *triage.Assessment) (*triage.Artifact, error) {
	if existing, ok, err := g.store.GetArtifact(ctx, sub.CaseID); err != nil {
		return nil, fmt.Errorf("check artifact cache: %w", err)
	} else if ok {
		g.count("cached")
		return existing, nil
	}

	hash := ContentHash(sub.Text, a.RiskLevel, a.Explanation)
	pdfBytes, err := render(sub.Text, a)
	if err != nil {
		return nil, fmt.Errorf("render report: %w", err)
	}

	filename := fmt.Sprintf("triage_%s_%s.pdf", sub.CaseID[:8], hash[:8])
	path := filepath.Join(g.dir, filename)
	if err := os.WriteFile(path, pdfBytes, 0o640); err != nil {
		return nil, fmt.Errorf("persist report: %w", err)
	}

	artifact := &triage.Artifact{
		CaseID:      sub.CaseID,
		ContentHash: hash,
		Path:        path,
		URL:         g.baseURL + "/" + filename,
		GeneratedAt: time.Now().UTC(),
	}
	if err := g.store.PutArtifact(ctx, artifact); err != nil {
		return nil, fmt.Errorf("record artifact: %w", err)
	}

	g.logger.Info(ctx, "report generated",
		"case_id", sub.CaseID,
		"content_hash", hash,
		"bytes", len(pdfBytes),
	)
	g.count("rendered")
	return artifact, nil
}

func (g *Generator) count(source string) {
	if g.metrics != nil {
		g.metrics.ReportsTotal.WithLabelValues(source).Inc()
	}
}

// ContentHash is the canonical hash over the report's inputs. NUL
// separators keep distinct triples from colliding.
func ContentHash(text string, level triage.RiskLevel, explanation string) string {
	h := sha256.New()
	h.Write([]byte(text))
	h.Write([]byte{0})
	h.Write([]byte(level))
	h.Write([]byte{0})
	h.Write([]byte(explanation))
	return hex.EncodeToString(h.Sum(nil))
}

// render produces the PDF bytes. Layout follows the clinical report
// sections: title, risk assessment, case description.
func render(text string, a *triage.Assessment) ([]byte, error) {
	doc := fpdf.New("P", "mm", "A4", "")
	doc.SetCatalogSort(true)
	doc.SetCreationDate(pdfEpoch)
	doc.SetModificationDate(pdfEpoch)
	doc.SetTitle("Medical Triage Report", false)
	doc.SetMargins(20, 20, 20)
	doc.SetAutoPageBreak(true, 20)
	doc.AddPage()

	doc.SetFont("Helvetica", "B", 16)
	doc.CellFormat(0, 10, "Medical Triage Report", "", 1, "L", false, 0, "")
	doc.Ln(4)

	doc.SetFont("Helvetica", "B", 13)
	doc.CellFormat(0, 8, "Risk Assessment", "", 1, "L", false, 0, "")
	doc.SetFont("Helvetica", "B", 11)
	doc.CellFormat(0, 7, "Risk Level: "+strings.ToUpper(string(a.RiskLevel)), "", 1, "L", false, 0, "")
	doc.SetFont("Helvetica", "", 11)
	doc.MultiCell(0, 6, "Explanation: "+a.Explanation, "", "L", false)
	doc.Ln(4)

	doc.SetFont("Helvetica", "B", 13)
	doc.CellFormat(0, 8, "Case Description", "", 1, "L", false, 0, "")
	doc.SetFont("Helvetica", "", 11)
	doc.MultiCell(0, 6, text, "", "L", false)

	var buf bytes.Buffer
	if err := doc.Output(&buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
