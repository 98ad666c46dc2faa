package storage

import (
	"bytes"
	"fmt"
	"net/http"
	"strings"

	"github.com/pdfcpu/pdfcpu/pkg/api"
)

// PDFContentType is the MIME type accepted for paper files.
const PDFContentType = "application/pdf"

// DetectContentType resolves the effective content type of an upload. A
// specific client-provided header wins; generic or absent headers fall back
// to sniffing the payload.
func DetectContentType(header string, data []byte) string {
	header = strings.TrimSpace(header)
	if header != "" && header != "application/octet-stream" {
		return header
	}
	return http.DetectContentType(data)
}

// IsPDF reports whether the resolved content type and the payload both look
// like a PDF. The payload sniff keeps mislabeled uploads out of the pipeline.
func IsPDF(contentType string, data []byte) bool {
	if !strings.Contains(strings.ToLower(contentType), PDFContentType) {
		return false
	}
	return http.DetectContentType(data) == PDFContentType
}

// PageCount parses data as a PDF and returns its page count. Callers treat
// a failure as "page count unknown" rather than rejecting the file: some
// papers in the wild carry damaged cross-reference tables yet extract fine.
func PageCount(data []byte) (int, error) {
	count, err := api.PageCount(bytes.NewReader(data), nil)
	if err != nil {
		return 0, fmt.Errorf("storage: page count: %w", err)
	}
	return count, nil
}
