package ingestion

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"regexp"
	"strings"

	"github.com/ledongthuc/pdf"
	"github.com/pdfcpu/pdfcpu/pkg/api"
)

var ErrTooManyPages = errors.New("pdf exceeds page limit")

var whitespaceRun = regexp.MustCompile(`[ \t\r\f\v]+`)

// PDFExtractor pulls plain text out of PDF attachments. pdfcpu validates the
// file and counts pages before the text pass.
type PDFExtractor struct {
	maxPages int
}

func NewPDFExtractor(maxPages int) *PDFExtractor {
	return &PDFExtractor{maxPages: maxPages}
}

func (e *PDFExtractor) ExtractText(ctx context.Context, fileName string, data []byte) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if len(data) == 0 {
		return "", fmt.Errorf("%s: empty pdf", fileName)
	}

	pages, err := api.PageCount(bytes.NewReader(data), nil)
	if err != nil {
		return "", fmt.Errorf("%s: pdf validation: %w", fileName, err)
	}
	if e.maxPages > 0 && pages > e.maxPages {
		return "", fmt.Errorf("%s: %d pages: %w", fileName, pages, ErrTooManyPages)
	}

	r, err := pdf.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return "", fmt.Errorf("%s: pdf reader: %w", fileName, err)
	}
	plain, err := r.GetPlainText()
	if err != nil {
		return "", fmt.Errorf("%s: pdf plaintext: %w", fileName, err)
	}
	b, err := io.ReadAll(plain)
	if err != nil {
		return "", fmt.Errorf("%s: pdf read: %w", fileName, err)
	}

	return normalizeText(string(b)), nil
}

func normalizeText(s string) string {
	lines := strings.Split(s, "\n")
	out := make([]string, 0, len(lines))
	for _, line := range lines {
		line = strings.TrimSpace(whitespaceRun.ReplaceAllString(line, " "))
		if line != "" {
			out = append(out, line)
		}
	}
	return strings.Join(out, "\n")
}
