// Package extractor provides a concrete, local text-extraction
// implementation of the extraction half of the host.Library contract,
// for development and demonstration without a full reference-manager host
// wired in. Extractor does not implement the rest of host.Library; of
// that contract it supplies only ExtractPDFText. ExtractDocumentText is
// an additional helper for hosts that want the same multi-format coverage.
package extractor

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	gopdf "github.com/VantageDataChat/GoPDF2"

	"refsearch/internal/errlog"
)

// Extractor extracts plain text from attachment files on disk.
type Extractor struct{}

// New returns an Extractor.
func New() *Extractor {
	return &Extractor{}
}

// ExtractPDFText reads filePath and returns its concatenated page text,
// honoring timeout. Extraction runs on its own goroutine so a hung
// decode cannot block the pipeline worker past timeout; a panic inside
// the underlying parser is recovered and reported as an error. This
// satisfies the extraction method of host.Library.
func (e *Extractor) ExtractPDFText(filePath string, timeout time.Duration) (string, error) {
	return runWithTimeout(filePath, timeout, func(data []byte) (string, error) {
		return extractPDF(data)
	})
}

// ExtractDocumentText dispatches on filePath's extension to the matching
// format parser (PDF, DOCX, XLSX, PPTX, or legacy OLE2 .doc/.xls) and
// returns its extracted plain text. It exists for hosts that want this
// package's full format coverage rather than PDF alone; host.Library
// itself only requires ExtractPDFText.
func (e *Extractor) ExtractDocumentText(filePath string, timeout time.Duration) (string, error) {
	ext := strings.ToLower(filepath.Ext(filePath))
	var parse func([]byte) (string, error)
	switch ext {
	case ".pdf":
		parse = extractPDF
	case ".docx":
		parse = extractDOCX
	case ".xlsx":
		parse = extractXLSX
	case ".pptx":
		parse = extractPPTX
	case ".doc":
		parse = extractDOCLegacy
	case ".xls":
		parse = extractXLSLegacy
	default:
		return "", fmt.Errorf("unsupported attachment format: %s", ext)
	}
	return runWithTimeout(filePath, timeout, parse)
}

// runWithTimeout reads filePath and runs parse over its bytes on a
// dedicated goroutine, honoring timeout. A hung or panicking parser
// cannot block the caller past timeout.
func runWithTimeout(filePath string, timeout time.Duration, parse func([]byte) (string, error)) (string, error) {
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	type result struct {
		text string
		err  error
	}
	done := make(chan result, 1)

	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- result{err: fmt.Errorf("extraction panic: %v", r)}
			}
		}()
		data, err := os.ReadFile(filePath)
		if err != nil {
			done <- result{err: fmt.Errorf("read attachment file: %w", err)}
			return
		}
		text, err := parse(data)
		done <- result{text: text, err: err}
	}()

	select {
	case r := <-done:
		return r.text, r.err
	case <-ctx.Done():
		errlog.Logf("extractor: timed out reading %s after %s", filePath, timeout)
		return "", fmt.Errorf("extraction timed out after %s", timeout)
	}
}

// extractPDF validates the PDF magic bytes, then extracts text page by
// page, skipping any page that fails to decode rather than failing the
// whole document.
func extractPDF(data []byte) (result string, err error) {
	defer func() {
		if r := recover(); r != nil {
			result = ""
			err = fmt.Errorf("pdf parse panic: %v", r)
		}
	}()

	if len(data) < 5 || string(data[:5]) != "%PDF-" {
		return "", fmt.Errorf("not a valid PDF file")
	}

	pageCount, err := gopdf.GetSourcePDFPageCountFromBytes(data)
	if err != nil {
		return "", fmt.Errorf("get pdf page count: %w", err)
	}

	var sb strings.Builder
	for i := 0; i < pageCount; i++ {
		text, err := gopdf.ExtractPageText(data, i)
		if err != nil {
			errlog.Logf("extractor: skipping pdf page %d: %v", i, err)
			continue
		}
		if text == "" {
			continue
		}
		if sb.Len() > 0 {
			sb.WriteString("\n\n")
		}
		sb.WriteString(text)
	}

	return cleanText(sb.String()), nil
}

// cleanText trims trailing whitespace per line, collapses runs of 3+
// consecutive newlines into exactly two, and trims the outer whitespace.
func cleanText(text string) string {
	lines := strings.Split(text, "\n")
	for i, l := range lines {
		lines[i] = strings.TrimRight(l, " \t")
	}
	text = strings.Join(lines, "\n")

	for strings.Contains(text, "\n\n\n") {
		text = strings.ReplaceAll(text, "\n\n\n", "\n\n")
	}
	return strings.TrimSpace(text)
}
