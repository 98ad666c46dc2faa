package pipeline

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/defscope/definition-extraction-service/internal/analysis"
	"github.com/defscope/definition-extraction-service/internal/classify"
	"github.com/defscope/definition-extraction-service/internal/domain"
	"github.com/defscope/definition-extraction-service/internal/repository"
	"github.com/defscope/definition-extraction-service/internal/storage"
)

// Compile-time checks for the test doubles.
var (
	_ repository.PaperRepository    = (*memPapers)(nil)
	_ repository.SectionRepository  = (*memSections)(nil)
	_ repository.SentenceRepository = (*memSentences)(nil)
	_ repository.TaskRepository     = (*memTasks)(nil)
	_ FileStore                     = (*memFiles)(nil)
	_ URLDownloader                 = (*fakeDownloader)(nil)
	_ analysis.Extractor            = (*fakeExtractor)(nil)
	_ analysis.Segmenter            = (*fakeSegmenter)(nil)
	_ BatchClassifier               = (*fakeBatchClassifier)(nil)
	_ analysis.Classifier           = (classifierFunc)(nil)
)

// memPapers is an in-memory PaperRepository.
type memPapers struct {
	mu     sync.Mutex
	rows   map[uuid.UUID]*domain.Paper
	byHash map[string]uuid.UUID

	failUpdateStatus error
}

func newMemPapers() *memPapers {
	return &memPapers{
		rows:   make(map[uuid.UUID]*domain.Paper),
		byHash: make(map[string]uuid.UUID),
	}
}

func (m *memPapers) Create(_ context.Context, paper *domain.Paper) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, dup := m.byHash[paper.FileHash]; dup {
		return domain.ErrDuplicateFile
	}
	cp := *paper
	cp.CreatedAt = time.Now()
	cp.UpdatedAt = cp.CreatedAt
	m.rows[paper.ID] = &cp
	m.byHash[paper.FileHash] = paper.ID
	return nil
}

func (m *memPapers) GetByID(_ context.Context, id uuid.UUID) (*domain.Paper, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	row, ok := m.rows[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	cp := *row
	return &cp, nil
}

func (m *memPapers) GetByFileHash(_ context.Context, hash string) (*domain.Paper, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id, ok := m.byHash[hash]
	if !ok {
		return nil, domain.ErrNotFound
	}
	cp := *m.rows[id]
	return &cp, nil
}

func (m *memPapers) List(_ context.Context, filter repository.PaperFilter) ([]*domain.Paper, int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*domain.Paper
	for _, row := range m.rows {
		cp := *row
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, int64(len(out)), nil
}

func (m *memPapers) Update(_ context.Context, id uuid.UUID, fn func(*domain.Paper) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	row, ok := m.rows[id]
	if !ok {
		return domain.ErrNotFound
	}
	if err := fn(row); err != nil {
		return err
	}
	row.UpdatedAt = time.Now()
	return nil
}

func (m *memPapers) UpdateStatus(_ context.Context, id uuid.UUID, status domain.ProcessingStatus, errorMsg string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failUpdateStatus != nil {
		return m.failUpdateStatus
	}
	row, ok := m.rows[id]
	if !ok {
		return domain.ErrNotFound
	}
	row.ProcessingStatus = status
	row.ErrorMessage = nil
	row.CompletedAt = nil
	switch status {
	case domain.ProcessingStatusError:
		msg := errorMsg
		row.ErrorMessage = &msg
	case domain.ProcessingStatusCompleted:
		now := time.Now()
		row.CompletedAt = &now
	}
	row.UpdatedAt = time.Now()
	return nil
}

func (m *memPapers) ResetStages(_ context.Context, id uuid.UUID, extracted, segmented, classified bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	row, ok := m.rows[id]
	if !ok {
		return domain.ErrNotFound
	}
	if extracted {
		row.Extracted = false
	}
	if segmented {
		row.Segmented = false
	}
	if classified {
		row.Classified = false
	}
	return nil
}

func (m *memPapers) Delete(_ context.Context, id uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	row, ok := m.rows[id]
	if !ok {
		return domain.ErrNotFound
	}
	delete(m.byHash, row.FileHash)
	delete(m.rows, id)
	return nil
}

func (m *memPapers) mustGet(id uuid.UUID) *domain.Paper {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *m.rows[id]
	return &cp
}

// memSections is an in-memory SectionRepository.
type memSections struct {
	mu   sync.Mutex
	rows []*domain.Section
}

func (m *memSections) CreateBatch(_ context.Context, sections []*domain.Section) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, s := range sections {
		cp := *s
		m.rows = append(m.rows, &cp)
	}
	return nil
}

func (m *memSections) ListByPaper(_ context.Context, paperID uuid.UUID) ([]*domain.Section, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*domain.Section
	for _, s := range m.rows {
		if s.PaperID == paperID {
			cp := *s
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Page != out[j].Page {
			return out[i].Page < out[j].Page
		}
		return out[i].Ordinal < out[j].Ordinal
	})
	return out, nil
}

func (m *memSections) ListByPaperAndTypes(ctx context.Context, paperID uuid.UUID, types []domain.SectionType) ([]*domain.Section, error) {
	all, err := m.ListByPaper(ctx, paperID)
	if err != nil || len(types) == 0 {
		return all, err
	}
	want := make(map[domain.SectionType]bool, len(types))
	for _, t := range types {
		want[t] = true
	}
	var out []*domain.Section
	for _, s := range all {
		if want[s.SectionType] {
			out = append(out, s)
		}
	}
	return out, nil
}

func (m *memSections) DeleteByPaper(_ context.Context, paperID uuid.UUID) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var kept []*domain.Section
	var removed int64
	for _, s := range m.rows {
		if s.PaperID == paperID {
			removed++
			continue
		}
		kept = append(kept, s)
	}
	m.rows = kept
	return removed, nil
}

func (m *memSections) count(paperID uuid.UUID) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, s := range m.rows {
		if s.PaperID == paperID {
			n++
		}
	}
	return n
}

// memSentences is an in-memory SentenceRepository. It doubles as the
// classify.SentenceStore for batches driven through a real engine.
type memSentences struct {
	mu   sync.Mutex
	rows []*domain.Sentence
}

var _ classify.SentenceStore = (*memSentences)(nil)

func (m *memSentences) CreateBatch(_ context.Context, sentences []*domain.Sentence) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, s := range sentences {
		cp := *s
		m.rows = append(m.rows, &cp)
	}
	return nil
}

func (m *memSentences) List(_ context.Context, filter repository.SentenceFilter) ([]*domain.Sentence, int64, error) {
	if err := filter.Validate(); err != nil {
		return nil, 0, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*domain.Sentence
	for _, s := range m.rows {
		if s.PaperID != filter.PaperID {
			continue
		}
		if filter.OnlyDefinitions && !s.IsDefinition() {
			continue
		}
		cp := *s
		out = append(out, &cp)
	}
	return out, int64(len(out)), nil
}

func (m *memSentences) ListPending(_ context.Context, paperID uuid.UUID) ([]*domain.Sentence, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*domain.Sentence
	for _, s := range m.rows {
		if s.PaperID == paperID && s.DetectionStatus == domain.DetectionStatusUnknown {
			cp := *s
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (m *memSentences) ApplyOutcome(_ context.Context, outcome domain.ClassificationOutcome) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, s := range m.rows {
		if s.ID != outcome.SentenceID {
			continue
		}
		s.DetectionStatus = outcome.Status()
		s.IsOD = outcome.IsOD
		s.IsCD = outcome.IsCD
		s.RetryCount = outcome.RetryCount
		s.ErrorMessage = nil
		s.Explanation = nil
		if outcome.Success {
			if outcome.Explanation != "" {
				e := outcome.Explanation
				s.Explanation = &e
			}
		} else {
			msg := outcome.ErrorMessage
			s.ErrorMessage = &msg
		}
		return nil
	}
	return domain.ErrNotFound
}

func (m *memSentences) ResetOutcomes(_ context.Context, paperID uuid.UUID) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for _, s := range m.rows {
		if s.PaperID != paperID {
			continue
		}
		s.DetectionStatus = domain.DetectionStatusUnknown
		s.IsOD = false
		s.IsCD = false
		s.RetryCount = 0
		s.ErrorMessage = nil
		s.Explanation = nil
		n++
	}
	return n, nil
}

func (m *memSentences) ResetFailedOutcomes(_ context.Context, paperID uuid.UUID) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for _, s := range m.rows {
		if s.PaperID != paperID || s.DetectionStatus != domain.DetectionStatusError {
			continue
		}
		s.DetectionStatus = domain.DetectionStatusUnknown
		s.RetryCount = 0
		s.ErrorMessage = nil
		n++
	}
	return n, nil
}

func (m *memSentences) CountByStatus(_ context.Context, paperID uuid.UUID) (map[domain.DetectionStatus]int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[domain.DetectionStatus]int)
	for _, s := range m.rows {
		if s.PaperID == paperID {
			out[s.DetectionStatus]++
		}
	}
	return out, nil
}

func (m *memSentences) DeleteByPaper(_ context.Context, paperID uuid.UUID) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var kept []*domain.Sentence
	var removed int64
	for _, s := range m.rows {
		if s.PaperID == paperID {
			removed++
			continue
		}
		kept = append(kept, s)
	}
	m.rows = kept
	return removed, nil
}

func (m *memSentences) byStatus(paperID uuid.UUID, status domain.DetectionStatus) []*domain.Sentence {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*domain.Sentence
	for _, s := range m.rows {
		if s.PaperID == paperID && s.DetectionStatus == status {
			cp := *s
			out = append(out, &cp)
		}
	}
	return out
}

// memTasks is an in-memory TaskRepository.
type memTasks struct {
	mu     sync.Mutex
	rows   map[uuid.UUID]*domain.ProcessingTask
	order  []uuid.UUID
	events []*domain.ProcessingEvent
	errs   []*domain.ProcessingError
}

func newMemTasks() *memTasks {
	return &memTasks{rows: make(map[uuid.UUID]*domain.ProcessingTask)}
}

func (m *memTasks) Enqueue(_ context.Context, task *domain.ProcessingTask) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, id := range m.order {
		row := m.rows[id]
		if row.PaperID == task.PaperID && !row.Status.IsTerminal() {
			return domain.ErrTaskConflict
		}
	}
	cp := *task
	cp.CreatedAt = time.Now()
	cp.UpdatedAt = cp.CreatedAt
	m.rows[task.ID] = &cp
	m.order = append(m.order, task.ID)
	return nil
}

func (m *memTasks) GetByID(_ context.Context, id uuid.UUID) (*domain.ProcessingTask, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	row, ok := m.rows[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	cp := *row
	return &cp, nil
}

func (m *memTasks) ClaimNextPending(_ context.Context) (*domain.ProcessingTask, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, id := range m.order {
		row := m.rows[id]
		if row.Status == domain.TaskStatusPending {
			now := time.Now()
			row.Status = domain.TaskStatusRunning
			row.StartedAt = &now
			row.UpdatedAt = now
			cp := *row
			return &cp, nil
		}
	}
	return nil, nil
}

func (m *memTasks) Update(_ context.Context, id uuid.UUID, fn func(*domain.ProcessingTask) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	row, ok := m.rows[id]
	if !ok {
		return domain.ErrNotFound
	}
	if err := fn(row); err != nil {
		return err
	}
	row.UpdatedAt = time.Now()
	return nil
}

func (m *memTasks) UpdateStatus(_ context.Context, id uuid.UUID, status domain.TaskStatus, result *domain.TaskResult) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	row, ok := m.rows[id]
	if !ok {
		return domain.ErrNotFound
	}
	row.Status = status
	if result != nil {
		cp := *result
		row.Result = &cp
	}
	if status.IsTerminal() {
		now := time.Now()
		row.FinishedAt = &now
	}
	row.UpdatedAt = time.Now()
	return nil
}

func (m *memTasks) RequeueForRetry(_ context.Context, id uuid.UUID) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	row, ok := m.rows[id]
	if !ok {
		return 0, domain.ErrNotFound
	}
	if row.Retries >= row.MaxRetries {
		return row.Retries, domain.ErrRetryBudgetExhausted
	}
	row.Retries++
	row.Status = domain.TaskStatusPending
	row.StartedAt = nil
	row.UpdatedAt = time.Now()
	return row.Retries, nil
}

func (m *memTasks) ListTimedOutRunning(_ context.Context, asOf time.Time) ([]*domain.ProcessingTask, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*domain.ProcessingTask
	for _, id := range m.order {
		row := m.rows[id]
		if row.Status != domain.TaskStatusRunning || row.StartedAt == nil {
			continue
		}
		deadline := row.StartedAt.Add(time.Duration(row.TimeoutSeconds) * time.Second)
		if deadline.Before(asOf) {
			cp := *row
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (m *memTasks) ListByPaper(_ context.Context, paperID uuid.UUID) ([]*domain.ProcessingTask, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*domain.ProcessingTask
	for i := len(m.order) - 1; i >= 0; i-- {
		row := m.rows[m.order[i]]
		if row.PaperID == paperID {
			cp := *row
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (m *memTasks) LatestForPaper(ctx context.Context, paperID uuid.UUID) (*domain.ProcessingTask, error) {
	all, err := m.ListByPaper(ctx, paperID)
	if err != nil {
		return nil, err
	}
	if len(all) == 0 {
		return nil, domain.ErrNotFound
	}
	return all[0], nil
}

func (m *memTasks) ActiveForPaper(ctx context.Context, paperID uuid.UUID) (*domain.ProcessingTask, error) {
	all, err := m.ListByPaper(ctx, paperID)
	if err != nil {
		return nil, err
	}
	for _, t := range all {
		if !t.Status.IsTerminal() {
			return t, nil
		}
	}
	return nil, domain.ErrNotFound
}

func (m *memTasks) AppendEvent(_ context.Context, event *domain.ProcessingEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *event
	cp.CreatedAt = time.Now()
	m.events = append(m.events, &cp)
	return nil
}

func (m *memTasks) LatestEventForPaper(_ context.Context, paperID uuid.UUID) (*domain.ProcessingEvent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := len(m.events) - 1; i >= 0; i-- {
		if m.events[i].PaperID == paperID {
			cp := *m.events[i]
			return &cp, nil
		}
	}
	return nil, domain.ErrNotFound
}

func (m *memTasks) ListEventsByTask(_ context.Context, taskID uuid.UUID) ([]*domain.ProcessingEvent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*domain.ProcessingEvent
	for _, e := range m.events {
		if e.TaskID == taskID {
			cp := *e
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (m *memTasks) ListUnpublishedEvents(_ context.Context, limit int) ([]*domain.ProcessingEvent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*domain.ProcessingEvent
	for _, e := range m.events {
		if e.PublishedAt == nil {
			cp := *e
			out = append(out, &cp)
			if len(out) == limit {
				break
			}
		}
	}
	return out, nil
}

func (m *memTasks) MarkEventsPublished(_ context.Context, ids []uuid.UUID, publishedAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	want := make(map[uuid.UUID]bool, len(ids))
	for _, id := range ids {
		want[id] = true
	}
	for _, e := range m.events {
		if want[e.ID] {
			t := publishedAt
			e.PublishedAt = &t
		}
	}
	return nil
}

func (m *memTasks) AppendError(_ context.Context, procErr *domain.ProcessingError) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *procErr
	cp.CreatedAt = time.Now()
	m.errs = append(m.errs, &cp)
	return nil
}

func (m *memTasks) ListErrorsByPaper(_ context.Context, paperID uuid.UUID, limit int) ([]*domain.ProcessingError, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*domain.ProcessingError
	for i := len(m.errs) - 1; i >= 0 && len(out) < limit; i-- {
		if m.errs[i].PaperID == paperID {
			cp := *m.errs[i]
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (m *memTasks) mustGet(id uuid.UUID) *domain.ProcessingTask {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *m.rows[id]
	return &cp
}

func (m *memTasks) eventTypes(taskID uuid.UUID) []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []string
	for _, e := range m.events {
		if e.TaskID == taskID {
			out = append(out, e.EventType)
		}
	}
	return out
}

// memFiles is an in-memory FileStore.
type memFiles struct {
	mu    sync.Mutex
	files map[string][]byte
}

func newMemFiles() *memFiles {
	return &memFiles{files: make(map[string][]byte)}
}

func (m *memFiles) Save(hash string, data []byte) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.files[hash] = append([]byte(nil), data...)
	return "/mem/" + hash, nil
}

func (m *memFiles) Read(hash string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	data, ok := m.files[hash]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return append([]byte(nil), data...), nil
}

func (m *memFiles) Remove(hash string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.files, hash)
	return nil
}

// fakeDownloader scripts one download result.
type fakeDownloader struct {
	result *storage.DownloadResult
	err    error
}

func (f *fakeDownloader) Download(_ context.Context, _ string) (*storage.DownloadResult, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.result, nil
}

// fakeExtractor scripts extraction results and counts calls.
type fakeExtractor struct {
	mu     sync.Mutex
	calls  int
	result *analysis.ExtractResult
	err    error
}

func (f *fakeExtractor) Extract(_ context.Context, _ []byte, _ string) (*analysis.ExtractResult, error) {
	f.mu.Lock()
	f.calls++
	f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	return f.result, nil
}

func (f *fakeExtractor) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

// fakeSegmenter splits on a fixed separator.
type fakeSegmenter struct {
	mu    sync.Mutex
	calls int
	fn    func(text string) ([]string, error)
}

func (f *fakeSegmenter) Split(_ context.Context, text string) ([]string, error) {
	f.mu.Lock()
	f.calls++
	f.mu.Unlock()
	return f.fn(text)
}

// classifierFunc adapts a function to analysis.Classifier for tests that
// drive a real retry engine.
type classifierFunc func(ctx context.Context, sentence string) (*analysis.Classification, error)

func (f classifierFunc) Classify(ctx context.Context, sentence string) (*analysis.Classification, error) {
	return f(ctx, sentence)
}

// fakeBatchClassifier scripts batch results without a real engine.
type fakeBatchClassifier struct {
	mu     sync.Mutex
	calls  int
	result classify.BatchResult
	err    error

	// block, when non-nil, is closed to release a blocked call.
	block chan struct{}
}

func (f *fakeBatchClassifier) ClassifyBatch(ctx context.Context, _ uuid.UUID) (classify.BatchResult, error) {
	f.mu.Lock()
	f.calls++
	f.mu.Unlock()
	if f.block != nil {
		select {
		case <-ctx.Done():
			return classify.BatchResult{}, ctx.Err()
		case <-f.block:
		}
	}
	if f.err != nil {
		return classify.BatchResult{}, f.err
	}
	return f.result, nil
}

func (f *fakeBatchClassifier) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}
