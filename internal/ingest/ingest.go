// Package ingest loads source documents and produces per-page text payloads
// for the planner. PDF handling is page-granular by design: the content
// stream text scrape is approximate, which is sufficient for chunk planning
// and transformation.
package ingest

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/pdfcpu/pdfcpu/pkg/api"
	"github.com/pdfcpu/pdfcpu/pkg/pdfcpu"
)

// Document is a loaded source document.
type Document struct {
	Path      string
	PageCount int
	Pages     []string // page text, index = 0-based page number
}

// defaultLinesPerPage paginates plain-text files without form feeds.
const defaultLinesPerPage = 40

// Load reads a document from disk. PDFs are paged natively; plain text is
// split on form feeds, falling back to fixed-size line groups.
func Load(path string, linesPerPage int) (*Document, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".pdf":
		return loadPDF(path)
	default:
		return loadText(path, linesPerPage)
	}
}

func loadPDF(path string) (*Document, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open PDF %s: %w", path, err)
	}
	defer f.Close()

	ctx, err := api.ReadValidateAndOptimize(f, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to read PDF %s: %w", path, err)
	}
	pageCount := ctx.PageCount

	pages := make([]string, 0, pageCount)
	for pageNr := 1; pageNr <= pageCount; pageNr++ {
		r, err := pdfcpu.ExtractPageContent(ctx, pageNr)
		if err != nil {
			return nil, fmt.Errorf("failed to extract content for page %d of %s: %w", pageNr, path, err)
		}
		raw, err := io.ReadAll(r)
		if err != nil {
			return nil, fmt.Errorf("failed to read content for page %d of %s: %w", pageNr, path, err)
		}
		pages = append(pages, scrapeContentText(string(raw)))
	}

	return &Document{Path: path, PageCount: pageCount, Pages: pages}, nil
}

func loadText(path string, linesPerPage int) (*Document, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", path, err)
	}
	if linesPerPage <= 0 {
		linesPerPage = defaultLinesPerPage
	}

	text := strings.ReplaceAll(string(data), "\r\n", "\n")

	var pages []string
	if strings.Contains(text, "\f") {
		for _, p := range strings.Split(text, "\f") {
			pages = append(pages, strings.TrimSpace(p))
		}
	} else {
		lines := strings.Split(text, "\n")
		for start := 0; start < len(lines); start += linesPerPage {
			end := start + linesPerPage
			if end > len(lines) {
				end = len(lines)
			}
			pages = append(pages, strings.TrimSpace(strings.Join(lines[start:end], "\n")))
		}
	}

	// Drop a trailing empty page produced by a terminal form feed or newline.
	for len(pages) > 0 && pages[len(pages)-1] == "" {
		pages = pages[:len(pages)-1]
	}

	return &Document{Path: path, PageCount: len(pages), Pages: pages}, nil
}

// pdfStringRe matches literal string operands in a PDF content stream.
var pdfStringRe = regexp.MustCompile(`\((?:\\.|[^\\()])*\)`)

// scrapeContentText pulls text-show operands out of a decoded content
// stream. It ignores kerning arrays and encoding subtleties; the output is
// good enough for sentence-level transformation, not for faithful layout.
func scrapeContentText(content string) string {
	matches := pdfStringRe.FindAllString(content, -1)
	parts := make([]string, 0, len(matches))
	for _, m := range matches {
		s := m[1 : len(m)-1]
		s = strings.NewReplacer(`\(`, "(", `\)`, ")", `\\`, `\`, `\n`, "\n", `\t`, "\t").Replace(s)
		if strings.TrimSpace(s) != "" {
			parts = append(parts, s)
		}
	}
	return strings.TrimSpace(strings.Join(parts, " "))
}
