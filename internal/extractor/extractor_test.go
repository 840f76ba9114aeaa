package extractor

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestExtractPDFText_RejectsMissingMagicBytes(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "not-a-pdf.pdf")
	if err := os.WriteFile(path, []byte("hello world, this is not a pdf"), 0o644); err != nil {
		t.Fatalf("write fixture: %v", err)
	}

	e := New()
	_, err := e.ExtractPDFText(path, time.Second)
	if err == nil {
		t.Fatal("expected an error for data lacking the %PDF- magic bytes, got nil")
	}
}

func TestExtractPDFText_MissingFile(t *testing.T) {
	e := New()
	_, err := e.ExtractPDFText(filepath.Join(t.TempDir(), "missing.pdf"), time.Second)
	if err == nil {
		t.Fatal("expected an error reading a nonexistent file, got nil")
	}
}

func TestExtractPDFText_DefaultsTimeoutWhenZero(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "bad.pdf")
	if err := os.WriteFile(path, []byte("%PDF-1.4 but otherwise garbage"), 0o644); err != nil {
		t.Fatalf("write fixture: %v", err)
	}

	e := New()
	// A zero timeout must not hang the test; it should fall back to a
	// sane default and return once the (failing) page-count call returns.
	done := make(chan struct{})
	go func() {
		e.ExtractPDFText(path, 0)
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("ExtractPDFText with a zero timeout did not return in time")
	}
}

func TestCleanText_CollapsesBlankLines(t *testing.T) {
	got := cleanText("one\n\n\n\ntwo")
	if got != "one\n\ntwo" {
		t.Errorf("expected 'one\\n\\ntwo', got %q", got)
	}
}

func TestCleanText_TrimsTrailingWhitespacePerLine(t *testing.T) {
	got := cleanText("one   \ntwo\t\t\n")
	if got != "one\ntwo" {
		t.Errorf("expected 'one\\ntwo', got %q", got)
	}
}

func TestCleanText_TrimsOuterWhitespace(t *testing.T) {
	got := cleanText("  \n  hello  \n  ")
	if got != "hello" {
		t.Errorf("expected 'hello', got %q", got)
	}
}

func TestCleanText_EmptyString(t *testing.T) {
	if got := cleanText(""); got != "" {
		t.Errorf("expected empty string, got %q", got)
	}
}

func TestExtractDocumentText_RejectsUnknownExtension(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "notes.txt")
	if err := os.WriteFile(path, []byte("plain text"), 0o644); err != nil {
		t.Fatalf("write fixture: %v", err)
	}

	e := New()
	_, err := e.ExtractDocumentText(path, time.Second)
	if err == nil {
		t.Fatal("expected an error for an unsupported extension, got nil")
	}
}

func TestExtractDocumentText_DispatchesByExtensionCaseInsensitively(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "report.PDF")
	if err := os.WriteFile(path, []byte("%PDF-1.4 garbage"), 0o644); err != nil {
		t.Fatalf("write fixture: %v", err)
	}

	e := New()
	// Uppercase extension should still dispatch to the PDF parser, not
	// the "unsupported format" branch — it fails on malformed PDF
	// content, not on extension case.
	_, err := e.ExtractDocumentText(path, time.Second)
	if err == nil || strings.Contains(err.Error(), "unsupported attachment format") {
		t.Fatalf("expected a pdf-parsing error, got %v", err)
	}
}

func TestFilterWordFieldCodes_RemovesFieldCodeLines(t *testing.T) {
	input := "real paragraph\nHYPERLINK \"http://example.com\"\nanother line\nPAGEREF _Toc1 \\h"
	got := filterWordFieldCodes(input)
	if strings.Contains(got, "HYPERLINK") || strings.Contains(got, "PAGEREF") {
		t.Errorf("expected field code lines removed, got %q", got)
	}
	if !strings.Contains(got, "real paragraph") || !strings.Contains(got, "another line") {
		t.Errorf("expected non-field-code lines preserved, got %q", got)
	}
}

func TestScanPrintableRuns_ExtractsReadableText(t *testing.T) {
	raw := []byte{0x00, 0x00, 'h', 'i', 0x00, 0x00, 'b', 'y', 'e', 0x00}
	got := scanPrintableRuns(raw)
	if !strings.Contains(got, "hi") || !strings.Contains(got, "bye") {
		t.Errorf("expected printable runs preserved, got %q", got)
	}
}
