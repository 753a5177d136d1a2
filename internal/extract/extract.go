// Package extract implements the document normalizer: it turns uploaded
// files or submitted text into bounded, whitespace-normalized UTF-8.
package extract

import (
	"archive/zip"
	"bytes"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"strings"
	"unicode/utf8"

	"github.com/ledongthuc/pdf"
	"github.com/linnemanlabs/go-core/log"
	pdfapi "github.com/pdfcpu/pdfcpu/pkg/api"
)

// Sentinel errors for the input taxonomy. The API layer maps these to
// HTTP statuses.
var (
	ErrEmptyInput        = errors.New("extract: empty input")
	ErrUnsupportedFormat = errors.New("extract: unsupported format")
	ErrExtraction        = errors.New("extract: unreadable document")
)

// Format is a supported upload format.
type Format string

const (
	FormatPDF  Format = "pdf"
	FormatDOCX Format = "docx"
	FormatTXT  Format = "txt"
)

const docxContentType = "application/vnd.openxmlformats-officedocument.wordprocessingml.document"

// DetectFormat resolves the declared format from filename extension and
// content type, preferring the extension.
func DetectFormat(filename, contentType string) (Format, error) {
	switch strings.ToLower(filepath.Ext(filename)) {
	case ".pdf":
		return FormatPDF, nil
	case ".docx":
		return FormatDOCX, nil
	case ".txt":
		return FormatTXT, nil
	}
	switch contentType {
	case "application/pdf":
		return FormatPDF, nil
	case docxContentType:
		return FormatDOCX, nil
	case "text/plain":
		return FormatTXT, nil
	}
	return "", fmt.Errorf("%w: %q (%s)", ErrUnsupportedFormat, filename, contentType)
}

// Result is a normalized, bounded text payload.
type Result struct {
	Text      string
	Truncated bool
}

// Service extracts and normalizes text with a configured character cap.
type Service struct {
	maxChars int
	logger   log.Logger
}

// New creates a normalizer. maxChars bounds output length in runes; text
// over the cap is truncated, not rejected, since a partial classification
// beats outright rejection.
func New(maxChars int, logger log.Logger) *Service {
	if logger == nil {
		logger = log.Nop()
	}
	return &Service{maxChars: maxChars, logger: logger}
}

// FromText normalizes directly submitted text.
func (s *Service) FromText(text string) (*Result, error) {
	return s.normalize(text)
}

// FromDocument extracts text from uploaded bytes in the given format,
// then normalizes it.
func (s *Service) FromDocument(data []byte, f Format) (*Result, error) {
	if len(data) == 0 {
		return nil, ErrEmptyInput
	}

	var (
		text string
		err  error
	)
	switch f {
	case FormatPDF:
		text, err = extractPDF(data)
	case FormatDOCX:
		text, err = extractDOCX(data)
	case FormatTXT:
		text, err = extractTXT(data)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedFormat, f)
	}
	if err != nil {
		return nil, err
	}
	return s.normalize(text)
}

// normalize collapses whitespace and enforces the character cap.
func (s *Service) normalize(text string) (*Result, error) {
	var b strings.Builder
	for _, line := range strings.Split(strings.ReplaceAll(text, "\r\n", "\n"), "\n") {
		line = strings.TrimRight(line, " \t")
		b.WriteString(line)
		b.WriteString("\n")
	}
	out := strings.TrimSpace(b.String())
	if out == "" {
		return nil, ErrEmptyInput
	}

	truncated := false
	if s.maxChars > 0 {
		if runes := []rune(out); len(runes) > s.maxChars {
			out = strings.TrimSpace(string(runes[:s.maxChars]))
			truncated = true
		}
	}
	return &Result{Text: out, Truncated: truncated}, nil
}

// extractPDF validates the document structurally before reading text, so
// corrupt bytes fail as extraction errors rather than garbage text.
func extractPDF(data []byte) (string, error) {
	if _, err := pdfapi.PageCount(bytes.NewReader(data), nil); err != nil {
		return "", fmt.Errorf("%w: invalid pdf: %v", ErrExtraction, err)
	}

	r, err := pdf.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return "", fmt.Errorf("%w: read pdf: %v", ErrExtraction, err)
	}
	plain, err := r.GetPlainText()
	if err != nil {
		return "", fmt.Errorf("%w: extract pdf text: %v", ErrExtraction, err)
	}
	text, err := io.ReadAll(plain)
	if err != nil {
		return "", fmt.Errorf("%w: read pdf text: %v", ErrExtraction, err)
	}
	return string(text), nil
}

// extractDOCX reads paragraph text out of word/document.xml. DOCX is
// zip-wrapped XML; w:t elements hold the runs, w:p boundaries become
// newlines.
func extractDOCX(data []byte) (string, error) {
	zr, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return "", fmt.Errorf("%w: open docx: %v", ErrExtraction, err)
	}

	var doc *zip.File
	for _, f := range zr.File {
		if f.Name == "word/document.xml" {
			doc = f
			break
		}
	}
	if doc == nil {
		return "", fmt.Errorf("%w: docx missing word/document.xml", ErrExtraction)
	}

	rc, err := doc.Open()
	if err != nil {
		return "", fmt.Errorf("%w: open document.xml: %v", ErrExtraction, err)
	}
	defer func() { _ = rc.Close() }()

	var (
		b      strings.Builder
		inText bool
	)
	dec := xml.NewDecoder(rc)
	for {
		tok, err := dec.Token()
		if err == io.EOF {
			break
		}
		if err != nil {
			return "", fmt.Errorf("%w: parse document.xml: %v", ErrExtraction, err)
		}
		switch t := tok.(type) {
		case xml.StartElement:
			if t.Name.Local == "t" {
				inText = true
			}
		case xml.EndElement:
			switch t.Name.Local {
			case "t":
				inText = false
			case "p":
				b.WriteString("\n")
			}
		case xml.CharData:
			if inText {
				b.Write(t)
			}
		}
	}
	return b.String(), nil
}

func extractTXT(data []byte) (string, error) {
	if !utf8.Valid(data) {
		return "", fmt.Errorf("%w: text file is not valid UTF-8", ErrExtraction)
	}
	return string(data), nil
}
