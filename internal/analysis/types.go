// Package analysis provides typed clients for the external services the
// processing pipeline and the query orchestrator coordinate. This package
// holds the shared rate-limited HTTP client and the contracts the rest of
// the service consumes; the service-specific clients live in the tei,
// segmenter and automation subpackages.
package analysis

import (
	"context"

	"github.com/google/uuid"

	"github.com/defscope/definition-extraction-service/internal/domain"
)

// ExtractedSection is one structural region recovered from a PDF, in
// document order. Ordinals within (type, page) groups are assigned by the
// caller when the sections are persisted.
type ExtractedSection struct {
	Type    domain.SectionType
	Heading string
	Page    int
	Text    string
}

// ExtractResult is the outcome of a full-text extraction call.
type ExtractResult struct {
	Sections []ExtractedSection

	// Title is the document title recovered from the TEI header, empty
	// when the extractor could not find one.
	Title string

	// RawTEI is the unparsed markup as returned by the extraction
	// service, kept so a paper can be re-segmented without a second
	// extractor call.
	RawTEI string
}

// Extractor converts PDF bytes into structured sections.
type Extractor interface {
	Extract(ctx context.Context, pdf []byte, fileName string) (*ExtractResult, error)
}

// Segmenter splits section text into sentences.
type Segmenter interface {
	Split(ctx context.Context, text string) ([]string, error)
}

// Classification is the classifier webhook's verdict for one sentence.
// Category carries the wire value verbatim; interpreting it is the retry
// engine's job.
type Classification struct {
	Category    string
	Explanation string
}

// Classifier labels a single sentence with a definition category.
type Classifier interface {
	Classify(ctx context.Context, sentence string) (*Classification, error)
}

// SectionSummary describes one candidate section to the section-selection
// webhook. Preview is a truncated excerpt, not the full text.
type SectionSummary struct {
	ID      uuid.UUID
	PaperID uuid.UUID
	Type    domain.SectionType
	Page    int
	Preview string
}

// ContentItem is one sentence chosen for answer composition, tagged with
// the stable reference ID callers cite in the final answer.
type ContentItem struct {
	ReferenceID string
	PaperID     uuid.UUID
	SectionType domain.SectionType
	Page        int
	Text        string
	Explanation string
}

// QueryHooks are the webhooks the query orchestrator consults. Each hook
// may be unavailable independently of the others; callers are expected to
// fall back to a local strategy on error.
type QueryHooks interface {
	SelectSections(ctx context.Context, question string, sections []SectionSummary) ([]uuid.UUID, error)
	ExtractKeywords(ctx context.Context, question string) ([]string, error)
	ComposeAnswer(ctx context.Context, question string, content []ContentItem, keywords []string) (string, error)
}
