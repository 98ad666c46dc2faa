package domain

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/google/uuid"
)

// AnalysisType distinguishes answers produced with every external analysis
// stage available from answers that used one or more local fallbacks.
type AnalysisType string

const (
	AnalysisTypeFull     AnalysisType = "full"
	AnalysisTypeDegraded AnalysisType = "degraded"
)

// ContentType selects what kind of content the query orchestrator extracts
// from the chosen sections.
type ContentType string

const (
	// ContentTypeDefinitions selects sentences classified as operational
	// or conceptual definitions.
	ContentTypeDefinitions ContentType = "definitions"

	// ContentTypeSentences selects all successfully classified sentences
	// regardless of category.
	ContentTypeSentences ContentType = "sentences"
)

// QueryRequest is a natural-language question scoped to a caller-selected
// set of papers. Only papers in completed status participate; if none of the
// selected papers is completed the query is rejected.
type QueryRequest struct {
	Question    string
	PaperIDs    []uuid.UUID
	ContentType ContentType
	MaxResults  int
}

// QueryResponse is the composed answer with its supporting references.
type QueryResponse struct {
	Answer     string            `json:"answer"`
	References []Reference       `json:"references"`
	Summary    SourceSummary     `json:"source_summary"`
	Keywords   []string          `json:"keywords,omitempty"`
	Content    []SelectedContent `json:"selected_content,omitempty"`
}

// SelectedContent is one unit of extracted content with a stable reference
// identifier of the form paper_sectionType_page_ordinal.
type SelectedContent struct {
	ReferenceID string      `json:"reference_id"`
	PaperID     uuid.UUID   `json:"paper_id"`
	SectionType SectionType `json:"section_type"`
	Page        int         `json:"page"`
	Ordinal     int         `json:"ordinal"`
	Text        string      `json:"text"`
	IsOD        bool        `json:"is_od"`
	IsCD        bool        `json:"is_cd"`
	Explanation string      `json:"explanation,omitempty"`
}

// Reference points a reader back to the source of one answer fragment.
type Reference struct {
	PaperID     uuid.UUID   `json:"paper_id"`
	FileName    string      `json:"file_name"`
	SectionType SectionType `json:"section_type"`
	Page        int         `json:"page"`
	Snippet     string      `json:"snippet"`
}

// SourceSummary describes the material behind an answer so callers can
// judge its provenance and completeness.
type SourceSummary struct {
	PapersUsed       int          `json:"papers_used"`
	SectionsAnalyzed int          `json:"sections_analyzed"`
	AnalysisType     AnalysisType `json:"analysis_type"`
}

// BuildReferenceID composes the stable content identifier for a sentence
// location. The paper UUID contains no underscores and section types are
// single words, so the underscore-joined form parses unambiguously.
func BuildReferenceID(paperID uuid.UUID, sectionType SectionType, page, ordinal int) string {
	return fmt.Sprintf("%s_%s_%d_%d", paperID, sectionType, page, ordinal)
}

// ParseReferenceID splits a reference identifier back into its parts.
func ParseReferenceID(ref string) (paperID uuid.UUID, sectionType SectionType, page, ordinal int, err error) {
	parts := strings.Split(ref, "_")
	if len(parts) != 4 {
		return uuid.Nil, "", 0, 0, NewValidationError("reference_id", "expected paper_sectionType_page_ordinal")
	}

	paperID, err = uuid.Parse(parts[0])
	if err != nil {
		return uuid.Nil, "", 0, 0, NewValidationError("reference_id", "invalid paper id")
	}

	sectionType = SectionType(parts[1])

	page, err = strconv.Atoi(parts[2])
	if err != nil || page < 0 {
		return uuid.Nil, "", 0, 0, NewValidationError("reference_id", "invalid page")
	}

	ordinal, err = strconv.Atoi(parts[3])
	if err != nil || ordinal < 0 {
		return uuid.Nil, "", 0, 0, NewValidationError("reference_id", "invalid ordinal")
	}

	return paperID, sectionType, page, ordinal, nil
}
