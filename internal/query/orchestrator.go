// Package query implements the unified query orchestrator: a four-stage
// answer pipeline over processed papers where every external stage has a
// local fallback. Webhook failures degrade the answer, they never abort it;
// the only hard failures are validation errors on the request itself.
package query

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/defscope/definition-extraction-service/internal/analysis"
	"github.com/defscope/definition-extraction-service/internal/domain"
	"github.com/defscope/definition-extraction-service/internal/observability"
	"github.com/defscope/definition-extraction-service/internal/repository"
)

// Stage names used in logs and fallback metrics.
const (
	StageSectionSelection  = "section_selection"
	StageKeywordExtraction = "keyword_extraction"
	StageAnswerComposition = "answer_composition"
)

// fallbackSectionTypes are the section types consulted when the selection
// webhook is unavailable or returns nothing usable.
var fallbackSectionTypes = []domain.SectionType{
	domain.SectionTypeAbstract,
	domain.SectionTypeIntroduction,
	domain.SectionTypeConclusion,
}

// Config holds query orchestrator settings.
type Config struct {
	// MaxResults caps the number of selected content items.
	MaxResults int

	// SnippetLength is the maximum snippet and preview length in runes.
	SnippetLength int

	// StageTimeout bounds each webhook call.
	StageTimeout time.Duration
}

// PaperStore is the slice of the paper repository the orchestrator needs.
type PaperStore interface {
	GetByID(ctx context.Context, id uuid.UUID) (*domain.Paper, error)
}

// SectionStore lists the sections of the selected papers.
type SectionStore interface {
	ListByPaper(ctx context.Context, paperID uuid.UUID) ([]*domain.Section, error)
}

// SentenceStore lists classified sentences for content extraction.
type SentenceStore interface {
	List(ctx context.Context, filter repository.SentenceFilter) ([]*domain.Sentence, int64, error)
}

// Orchestrator answers natural-language questions over completed papers.
type Orchestrator struct {
	papers    PaperStore
	sections  SectionStore
	sentences SentenceStore
	hooks     analysis.QueryHooks

	metrics *observability.Metrics
	logger  zerolog.Logger
	cfg     Config
}

// NewOrchestrator wires the query orchestrator. metrics may be nil.
func NewOrchestrator(papers PaperStore, sections SectionStore, sentences SentenceStore, hooks analysis.QueryHooks, cfg Config, logger zerolog.Logger, metrics *observability.Metrics) *Orchestrator {
	if cfg.MaxResults <= 0 {
		cfg.MaxResults = 50
	}
	if cfg.SnippetLength <= 0 {
		cfg.SnippetLength = 280
	}
	if cfg.StageTimeout <= 0 {
		cfg.StageTimeout = 20 * time.Second
	}

	return &Orchestrator{
		papers:    papers,
		sections:  sections,
		sentences: sentences,
		hooks:     hooks,
		metrics:   metrics,
		logger:    logger.With().Str("component", "query").Logger(),
		cfg:       cfg,
	}
}

// Query runs the four-stage answer pipeline. It fails closed on validation
// (empty question, no completed papers) and degrades on everything else.
func (o *Orchestrator) Query(ctx context.Context, req domain.QueryRequest) (*domain.QueryResponse, error) {
	start := time.Now()
	if o.metrics != nil {
		o.metrics.RecordQueryStarted()
	}

	resp, err := o.query(ctx, req)
	if err != nil {
		if o.metrics != nil {
			o.metrics.RecordQueryFailed(time.Since(start).Seconds())
		}
		return nil, err
	}

	if o.metrics != nil {
		o.metrics.RecordQueryCompleted(string(resp.Summary.AnalysisType), time.Since(start).Seconds())
	}
	return resp, nil
}

func (o *Orchestrator) query(ctx context.Context, req domain.QueryRequest) (*domain.QueryResponse, error) {
	if req.Question == "" {
		return nil, domain.NewValidationError("question", "question is required")
	}
	if len(req.PaperIDs) == 0 {
		return nil, domain.NewValidationError("paper_ids", "no papers selected")
	}
	if req.ContentType == "" {
		req.ContentType = domain.ContentTypeDefinitions
	}

	papers, err := o.loadCompletedPapers(ctx, req.PaperIDs)
	if err != nil {
		return nil, err
	}
	if len(papers) == 0 {
		return nil, domain.NewValidationError("paper_ids", "no completed papers selected")
	}

	sections, err := o.loadSections(ctx, papers)
	if err != nil {
		return nil, err
	}

	logger := o.logger.With().
		Int("papers", len(papers)).
		Int("sections", len(sections)).
		Logger()

	degraded := false

	// Stage 1: section selection.
	selected, selectionDegraded := o.selectSections(ctx, req.Question, sections, logger)
	degraded = degraded || selectionDegraded

	// Stage 2: content extraction, fully local.
	content, err := o.extractContent(ctx, req, selected)
	if err != nil {
		return nil, err
	}

	// Stage 3: keyword extraction.
	keywords, keywordsDegraded := o.extractKeywords(ctx, req.Question, logger)
	degraded = degraded || keywordsDegraded

	// Stage 4: answer composition.
	answer, composeDegraded := o.composeAnswer(ctx, req.Question, content, keywords, logger)
	degraded = degraded || composeDegraded

	analysisType := domain.AnalysisTypeFull
	if degraded {
		analysisType = domain.AnalysisTypeDegraded
	}

	resp := &domain.QueryResponse{
		Answer:     answer,
		References: o.buildReferences(papers, selected, content),
		Keywords:   keywords,
		Content:    content,
		Summary: domain.SourceSummary{
			PapersUsed:       countDistinctPapers(content),
			SectionsAnalyzed: len(selected),
			AnalysisType:     analysisType,
		},
	}

	logger.Info().
		Str("analysis_type", string(analysisType)).
		Int("selected_sections", len(selected)).
		Int("content_items", len(content)).
		Msg("query answered")

	return resp, nil
}

// loadCompletedPapers resolves the requested papers and keeps only those in
// completed status. Unknown IDs fail the query outright: a caller citing a
// deleted paper should hear about it rather than get a silently narrower
// answer.
func (o *Orchestrator) loadCompletedPapers(ctx context.Context, ids []uuid.UUID) (map[uuid.UUID]*domain.Paper, error) {
	papers := make(map[uuid.UUID]*domain.Paper, len(ids))
	for _, id := range ids {
		paper, err := o.papers.GetByID(ctx, id)
		if err != nil {
			if errors.Is(err, domain.ErrNotFound) {
				return nil, domain.NewNotFoundError("paper", id.String())
			}
			return nil, err
		}
		if paper.ProcessingStatus == domain.ProcessingStatusCompleted {
			papers[paper.ID] = paper
		}
	}
	return papers, nil
}

func (o *Orchestrator) loadSections(ctx context.Context, papers map[uuid.UUID]*domain.Paper) ([]*domain.Section, error) {
	var all []*domain.Section
	for id := range papers {
		sections, err := o.sections.ListByPaper(ctx, id)
		if err != nil {
			return nil, fmt.Errorf("listing sections for paper %s: %w", id, err)
		}
		all = append(all, sections...)
	}
	return all, nil
}

// selectSections runs the selection webhook and maps its answer back to
// known sections. Any webhook failure falls back to the well-known summary
// section types and degrades the answer; an empty-but-successful selection
// uses the same fallback without degrading.
func (o *Orchestrator) selectSections(ctx context.Context, question string, sections []*domain.Section, logger zerolog.Logger) ([]*domain.Section, bool) {
	summaries := make([]analysis.SectionSummary, len(sections))
	byID := make(map[uuid.UUID]*domain.Section, len(sections))
	for i, s := range sections {
		summaries[i] = analysis.SectionSummary{
			ID:      s.ID,
			PaperID: s.PaperID,
			Type:    s.SectionType,
			Page:    s.Page,
			Preview: truncate(s.Text, o.cfg.SnippetLength),
		}
		byID[s.ID] = s
	}

	stageCtx, cancel := context.WithTimeout(ctx, o.cfg.StageTimeout)
	ids, err := o.hooks.SelectSections(stageCtx, question, summaries)
	cancel()
	if err != nil {
		logger.Warn().Err(err).Msg("section selection webhook failed, using fallback sections")
		if o.metrics != nil {
			o.metrics.RecordQueryStageFallback(StageSectionSelection)
		}
		return fallbackSections(sections), true
	}

	selected := make([]*domain.Section, 0, len(ids))
	for _, id := range ids {
		if s, ok := byID[id]; ok {
			selected = append(selected, s)
		}
	}
	if len(selected) == 0 {
		// The webhook answered but found nothing relevant. Use the fallback
		// set so the query still has material, without marking the answer
		// degraded: every stage did its job.
		return fallbackSections(sections), false
	}
	return selected, false
}

// extractContent filters the classified sentences of the selected sections
// into content items, capped at the effective result limit.
func (o *Orchestrator) extractContent(ctx context.Context, req domain.QueryRequest, selected []*domain.Section) ([]domain.SelectedContent, error) {
	limit := o.cfg.MaxResults
	if req.MaxResults > 0 && req.MaxResults < limit {
		limit = req.MaxResults
	}

	content := make([]domain.SelectedContent, 0, limit)
	for _, section := range selected {
		if len(content) >= limit {
			break
		}

		sectionID := section.ID
		filter := repository.SentenceFilter{
			PaperID:         section.PaperID,
			SectionID:       &sectionID,
			Status:          []domain.DetectionStatus{domain.DetectionStatusSuccess},
			OnlyDefinitions: req.ContentType == domain.ContentTypeDefinitions,
			Limit:           limit - len(content),
		}
		sentences, _, err := o.sentences.List(ctx, filter)
		if err != nil {
			return nil, fmt.Errorf("listing sentences for section %s: %w", section.ID, err)
		}

		for _, sentence := range sentences {
			if len(content) >= limit {
				break
			}
			item := domain.SelectedContent{
				ReferenceID: domain.BuildReferenceID(section.PaperID, section.SectionType, section.Page, section.Ordinal),
				PaperID:     section.PaperID,
				SectionType: section.SectionType,
				Page:        section.Page,
				Ordinal:     section.Ordinal,
				Text:        sentence.Text,
				IsOD:        sentence.IsOD,
				IsCD:        sentence.IsCD,
			}
			if sentence.Explanation != nil {
				item.Explanation = *sentence.Explanation
			}
			content = append(content, item)
		}
	}
	return content, nil
}

// extractKeywords runs the keyword webhook with a local tokenizer fallback.
func (o *Orchestrator) extractKeywords(ctx context.Context, question string, logger zerolog.Logger) ([]string, bool) {
	stageCtx, cancel := context.WithTimeout(ctx, o.cfg.StageTimeout)
	keywords, err := o.hooks.ExtractKeywords(stageCtx, question)
	cancel()
	if err != nil {
		logger.Warn().Err(err).Msg("keyword webhook failed, using local tokenizer")
		if o.metrics != nil {
			o.metrics.RecordQueryStageFallback(StageKeywordExtraction)
		}
		return localKeywords(question), true
	}
	if len(keywords) == 0 {
		return localKeywords(question), false
	}
	return keywords, false
}

// composeAnswer runs the composition webhook with a deterministic local
// fallback.
func (o *Orchestrator) composeAnswer(ctx context.Context, question string, content []domain.SelectedContent, keywords []string, logger zerolog.Logger) (string, bool) {
	items := make([]analysis.ContentItem, len(content))
	for i, c := range content {
		items[i] = analysis.ContentItem{
			ReferenceID: c.ReferenceID,
			PaperID:     c.PaperID,
			SectionType: c.SectionType,
			Page:        c.Page,
			Text:        c.Text,
			Explanation: c.Explanation,
		}
	}

	stageCtx, cancel := context.WithTimeout(ctx, o.cfg.StageTimeout)
	answer, err := o.hooks.ComposeAnswer(stageCtx, question, items, keywords)
	cancel()
	if err != nil {
		logger.Warn().Err(err).Msg("composition webhook failed, using local composition")
		if o.metrics != nil {
			o.metrics.RecordQueryStageFallback(StageAnswerComposition)
		}
		return localAnswer(question, content, o.cfg.SnippetLength), true
	}
	if answer == "" {
		return localAnswer(question, content, o.cfg.SnippetLength), false
	}
	return answer, false
}

// buildReferences produces one reference per distinct section that
// contributed content, in content order.
func (o *Orchestrator) buildReferences(papers map[uuid.UUID]*domain.Paper, selected []*domain.Section, content []domain.SelectedContent) []domain.Reference {
	seen := make(map[string]bool, len(content))
	refs := make([]domain.Reference, 0, len(content))
	for _, c := range content {
		if seen[c.ReferenceID] {
			continue
		}
		seen[c.ReferenceID] = true

		ref := domain.Reference{
			PaperID:     c.PaperID,
			SectionType: c.SectionType,
			Page:        c.Page,
			Snippet:     truncate(c.Text, o.cfg.SnippetLength),
		}
		if paper, ok := papers[c.PaperID]; ok {
			ref.FileName = paper.FileName
		}
		refs = append(refs, ref)
	}
	return refs
}

// fallbackSections returns the summary-type sections, or everything when the
// papers carry none of the well-known types.
func fallbackSections(sections []*domain.Section) []*domain.Section {
	var out []*domain.Section
	for _, s := range sections {
		for _, t := range fallbackSectionTypes {
			if s.SectionType == t {
				out = append(out, s)
				break
			}
		}
	}
	if len(out) == 0 {
		return sections
	}
	return out
}

func countDistinctPapers(content []domain.SelectedContent) int {
	seen := make(map[uuid.UUID]bool, len(content))
	for _, c := range content {
		seen[c.PaperID] = true
	}
	return len(seen)
}
