package ingest

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
)

// Loader parses a document file into pages.
type Loader interface {
	Load(ctx context.Context, path string) ([]Page, error)
}

// FileLoader dispatches on file extension: PDFs go through pdftotext,
// markdown is split into heading sections, everything else is read as a
// single-page plain-text document.
type FileLoader struct{}

// Load parses the file at path into pages.
func (FileLoader) Load(ctx context.Context, path string) ([]Page, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".pdf":
		return loadPDF(ctx, path)
	case ".md", ".markdown":
		return loadMarkdown(path)
	default:
		return loadPlainText(path)
	}
}

// loadPDF extracts text with the poppler pdftotext tool, which separates
// pages with form feeds.
func loadPDF(ctx context.Context, path string) ([]Page, error) {
	cmd := exec.CommandContext(ctx, "pdftotext", "-layout", path, "-")
	out, err := cmd.Output()
	if err != nil {
		if exitErr, ok := err.(*exec.ExitError); ok {
			return nil, fmt.Errorf("pdftotext failed for %s: %s", path, strings.TrimSpace(string(exitErr.Stderr)))
		}
		return nil, fmt.Errorf("pdftotext failed for %s: %w", path, err)
	}

	var pages []Page
	for i, raw := range strings.Split(string(out), "\f") {
		text := strings.TrimSpace(raw)
		if text == "" {
			continue
		}
		pages = append(pages, Page{Number: i + 1, Text: text})
	}
	if len(pages) == 0 {
		return nil, fmt.Errorf("no extractable text in %s", path)
	}
	return pages, nil
}

// loadMarkdown splits a markdown file into top-level heading sections, one
// page per section, so page numbers stay meaningful for citation.
func loadMarkdown(path string) ([]Page, error) {
	source, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}

	sections, err := splitMarkdownSections(source)
	if err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	if len(sections) == 0 {
		return nil, fmt.Errorf("no extractable text in %s", path)
	}

	pages := make([]Page, len(sections))
	for i, s := range sections {
		pages[i] = Page{Number: i + 1, Text: s}
	}
	return pages, nil
}

// loadPlainText reads the whole file as one page.
func loadPlainText(path string) ([]Page, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	text := strings.TrimSpace(string(raw))
	if text == "" {
		return nil, fmt.Errorf("no extractable text in %s", path)
	}
	return []Page{{Number: 1, Text: text}}, nil
}
