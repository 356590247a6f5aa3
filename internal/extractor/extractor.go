// Package extractor is the File Extractor (SPEC_FULL.md §4.2): it
// turns a blob buffer plus a declared content type into a sequence of
// page-or-byte-bounded text spans, honoring a hard per-extraction
// memory envelope. Text normalization (CRLF collapsing, blank-line
// squashing) follows this corpus's internal/rag/ingest.normalizeWhitespace
// idiom; PDF/DOCX/HTML handling reaches for the closest matching
// third-party library this corpus's stack offers no equivalent for.
package extractor

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
	"time"
	"unicode/utf8"

	htmltomd "github.com/JohannesKaufmann/html-to-markdown/v2"
	"github.com/fumiama/go-docx"
	"github.com/ledongthuc/pdf"

	"github.com/ofisk/loresmith/internal/domain"
	"github.com/ofisk/loresmith/internal/errs"
)

// Result is the File Extractor's output: the concatenated text plus,
// for paginated sources, how many pages were seen and extracted.
type Result struct {
	Text           string
	PagesExtracted int
	TotalPages     int
}

const (
	pdfBatchSize  = 50
	pdfYieldDelay = 10 * time.Millisecond
	memoryLimitMB = 128
)

var memoryLimitPattern = regexp.MustCompile(`(?i)memory limit|exceeded 128 ?mb|allocation failed`)

// Extract dispatches on contentType and returns a Result or a typed
// failure (errs.MemoryLimitError, errs.NotImplementedError, or a plain
// validation/transient error). It always extracts the whole buffer;
// callers that must bound memory to a Chunk Planner range use
// ExtractRange instead.
func Extract(ctx context.Context, fileKey, fileName string, buf []byte, contentType string) (Result, error) {
	return ExtractRange(ctx, fileKey, fileName, buf, contentType, domain.ChunkRange{})
}

// ExtractRange is Extract bounded to rng, the Chunk Planner's
// page-range or byte-range slice of buf (the zero value means the
// whole buffer). For a PDF, only pages [PageFrom, PageTo] are read off
// the reader, so peak memory is bounded by the chunk's page span
// rather than the whole document's. For everything else, buf is
// sliced to [ByteFrom, ByteTo] before the usual extraction runs, so a
// byte-range chunk never builds a text buffer larger than its slice.
func ExtractRange(ctx context.Context, fileKey, fileName string, buf []byte, contentType string, rng domain.ChunkRange) (Result, error) {
	switch {
	case contentType == "application/pdf":
		return extractPDF(ctx, fileKey, fileName, buf, rng.PageFrom, rng.PageTo)
	case contentType == "application/vnd.openxmlformats-officedocument.wordprocessingml.document":
		return extractDOCX(sliceRange(buf, rng))
	case contentType == "text/plain" || contentType == "text/markdown":
		return extractPlainText(sliceRange(buf, rng))
	case contentType == "application/json":
		return extractJSON(sliceRange(buf, rng))
	case contentType == "text/html":
		return extractHTML(sliceRange(buf, rng))
	case strings.HasPrefix(contentType, "image/"):
		return Result{}, errs.NotImplemented(contentType)
	default:
		return Result{}, errs.Validationf("content_type", "unsupported content type %q", contentType)
	}
}

// sliceRange returns buf[ByteFrom:ByteTo], clamped to buf's bounds; an
// unset range (ByteTo == 0) returns buf unchanged.
func sliceRange(buf []byte, rng domain.ChunkRange) []byte {
	if rng.ByteTo == 0 {
		return buf
	}
	from, to := rng.ByteFrom, rng.ByteTo
	if from < 0 {
		from = 0
	}
	if to > int64(len(buf)) {
		to = int64(len(buf))
	}
	if from >= to {
		return nil
	}
	return buf[from:to]
}

// extractPDF extracts pages [pageFrom, pageTo] (both zero means the
// whole document) in batches of pdfBatchSize, yielding pdfYieldDelay
// between batches so a single large file doesn't starve other
// goroutines sharing the worker. Restricting the range is what lets a
// Chunk Planner page-range actually bound peak memory: a chunk only
// ever builds page text for its own span, never the whole document's.
// A runtime allocation failure matching memoryLimitPattern is
// converted to errs.MemoryLimit rather than propagated raw, since that
// is the Chunk Planner's split signal.
func extractPDF(ctx context.Context, fileKey, fileName string, buf []byte, pageFrom, pageTo int) (res Result, err error) {
	defer func() {
		if r := recover(); r != nil {
			msg := fmt.Sprintf("%v", r)
			if memoryLimitPattern.MatchString(msg) {
				sizeMB := float64(len(buf)) / (1024 * 1024)
				err = errs.MemoryLimit(fileKey, fileName, sizeMB, memoryLimitMB)
				return
			}
			err = errs.Validationf("pdf", "pdf extraction panicked: %v", r)
		}
	}()

	reader, err := pdf.NewReader(bytes.NewReader(buf), int64(len(buf)))
	if err != nil {
		if memoryLimitPattern.MatchString(err.Error()) {
			sizeMB := float64(len(buf)) / (1024 * 1024)
			return Result{}, errs.MemoryLimit(fileKey, fileName, sizeMB, memoryLimitMB)
		}
		return Result{}, errs.Validationf("pdf", "open pdf: %v", err)
	}

	totalPages := reader.NumPage()
	first, last := 1, totalPages
	if pageFrom > 0 {
		first = pageFrom
	}
	if pageTo > 0 && pageTo < last {
		last = pageTo
	}
	if first > last {
		first, last = 1, totalPages
	}

	var pages []string
	for start := first; start <= last; start += pdfBatchSize {
		end := start + pdfBatchSize
		if end > last+1 {
			end = last + 1
		}
		for n := start; n < end; n++ {
			page := reader.Page(n)
			if page.V.IsNull() {
				continue
			}
			text, err := page.GetPlainText(nil)
			if err != nil {
				continue
			}
			pages = append(pages, fmt.Sprintf("[Page %d]\n%s", n, text))
		}
		if end <= last {
			select {
			case <-ctx.Done():
				return Result{}, ctx.Err()
			case <-time.After(pdfYieldDelay):
			}
		}
	}

	return Result{
		Text:           strings.Join(pages, "\n\n"),
		PagesExtracted: len(pages),
		TotalPages:     totalPages,
	}, nil
}

// extractDOCX reads the document's paragraphs as raw text, failing on
// empty content per SPEC_FULL.md §4.2 rule 2.
func extractDOCX(buf []byte) (Result, error) {
	doc, err := docx.Parse(bytes.NewReader(buf), int64(len(buf)))
	if err != nil {
		return Result{}, errs.Validationf("docx", "parse docx: %v", err)
	}
	var b strings.Builder
	for _, it := range doc.Document.Body.Items {
		if para, ok := it.(*docx.Paragraph); ok {
			b.WriteString(para.String())
			b.WriteString("\n")
		}
	}
	text := normalizeWhitespace(b.String())
	if text == "" {
		return Result{}, errs.Validationf("docx", "document contains no extractable text")
	}
	return Result{Text: text}, nil
}

func extractPlainText(buf []byte) (Result, error) {
	if !utf8.Valid(buf) {
		return Result{}, errs.Validationf("text", "content is not valid utf-8")
	}
	return Result{Text: normalizeWhitespace(string(buf))}, nil
}

// extractJSON parses and re-serializes pretty; on parse failure it
// falls back to the raw bytes as text rather than failing outright.
func extractJSON(buf []byte) (Result, error) {
	var v any
	if err := json.Unmarshal(buf, &v); err != nil {
		return Result{Text: normalizeWhitespace(string(buf))}, nil
	}
	pretty, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return Result{Text: normalizeWhitespace(string(buf))}, nil
	}
	return Result{Text: string(pretty)}, nil
}

func extractHTML(buf []byte) (Result, error) {
	md, err := htmltomd.ConvertString(string(buf))
	if err != nil {
		return Result{}, errs.Validationf("html", "convert html to markdown: %v", err)
	}
	return Result{Text: normalizeWhitespace(md)}, nil
}

var (
	horizontalWS = regexp.MustCompile(`(?m)[\t\x0b\x0c\r ]+`)
	blankRuns    = regexp.MustCompile(`\n{3,}`)
)

// normalizeWhitespace collapses CRLF/CR to LF, squashes runs of
// horizontal whitespace, and caps blank-line runs at one blank line —
// the same normalization this corpus's ingest preprocessing applies
// before hashing/chunking.
func normalizeWhitespace(s string) string {
	s = strings.ReplaceAll(s, "\r\n", "\n")
	s = strings.ReplaceAll(s, "\r", "\n")
	s = horizontalWS.ReplaceAllString(s, " ")
	s = blankRuns.ReplaceAllString(s, "\n\n")
	return strings.TrimSpace(s)
}
