package tasks

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/helixir/literature-pipeline/internal/domain"
	"github.com/helixir/literature-pipeline/internal/pdf"
	"github.com/helixir/literature-pipeline/internal/pipeline"
	"github.com/helixir/literature-pipeline/internal/repository/repotest"
	"github.com/helixir/literature-pipeline/internal/taskqueue"
)

// mockGenerator implements llm.Generator for testing.
type mockGenerator struct {
	mock.Mock
}

func (m *mockGenerator) GenerateJSON(ctx context.Context, model, prompt string) map[string]any {
	args := m.Called(ctx, model, prompt)
	if args.Get(0) == nil {
		return map[string]any{}
	}
	return args.Get(0).(map[string]any)
}

func (m *mockGenerator) GenerateText(ctx context.Context, model, prompt string) string {
	args := m.Called(ctx, model, prompt)
	return args.String(0)
}

// mockPuller implements llm.ModelPuller for testing.
type mockPuller struct {
	mock.Mock
}

func (m *mockPuller) PullModel(ctx context.Context, model string) error {
	return m.Called(ctx, model).Error(0)
}

// recordingPublisher keeps every published notification.
type recordingPublisher struct {
	mu     sync.Mutex
	events []domain.Notification
}

func (p *recordingPublisher) Publish(_ context.Context, n domain.Notification) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, n)
	return nil
}

func (p *recordingPublisher) ofType(eventType string) []domain.Notification {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []domain.Notification
	for _, n := range p.events {
		if n.Type == eventType {
			out = append(out, n)
		}
	}
	return out
}

// fakeExtractor returns fixed text per path.
type fakeExtractor struct {
	texts map[string]string
	err   error
}

func (e *fakeExtractor) ExtractText(_ context.Context, path string) (string, error) {
	if e.err != nil {
		return "", e.err
	}
	return e.texts[path], nil
}

type countingRecorder struct {
	mu       sync.Mutex
	outcomes map[string]int
	sources  map[string]int
}

func (r *countingRecorder) RecordArticleProcessed(outcome string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.outcomes[outcome]++
}

func (r *countingRecorder) RecordContentSource(source string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sources[source]++
}

type harness struct {
	store     *repotest.Store
	gen       *mockGenerator
	events    *recordingPublisher
	files     *pdf.Store
	extractor *fakeExtractor
	metrics   *countingRecorder
	handlers  *Handlers
}

func newHarness(t *testing.T, mutate ...func(*Deps)) *harness {
	t.Helper()
	store := repotest.NewStore()
	events := &recordingPublisher{}
	h := &harness{
		store:     store,
		gen:       &mockGenerator{},
		events:    events,
		files:     pdf.NewStore(t.TempDir()),
		extractor: &fakeExtractor{texts: map[string]string{}},
		metrics:   &countingRecorder{outcomes: map[string]int{}, sources: map[string]int{}},
	}
	deps := Deps{
		Store:     store,
		Stages:    pipeline.NewStages(store, events, nil, zerolog.Nop()),
		Generator: h.gen,
		Extractor: h.extractor,
		Files:     h.files,
		Publisher: events,
		Metrics:   h.metrics,
		Logger:    zerolog.Nop(),
	}
	for _, fn := range mutate {
		fn(&deps)
	}
	h.handlers = NewHandlers(deps)
	return h
}

// project creates a project in the given status.
func (h *harness) project(t *testing.T, status domain.ProjectStatus, mode domain.AnalysisMode) *domain.Project {
	t.Helper()
	p := &domain.Project{Name: "review", Description: "Digital therapeutic alliance", Status: status, AnalysisMode: mode}
	require.NoError(t, h.store.Repos().Projects.Create(context.Background(), p))
	return p
}

func (h *harness) article(t *testing.T, projectID, articleID string) {
	t.Helper()
	_, err := h.store.Repos().Articles.InsertIgnore(context.Background(), &domain.Article{
		ProjectID:      projectID,
		ArticleID:      articleID,
		Title:          "Title " + articleID,
		Abstract:       "Abstract " + articleID,
		DatabaseSource: domain.SourceTypePubMed,
	})
	require.NoError(t, err)
}

func (h *harness) status(t *testing.T, projectID string) domain.ProjectStatus {
	t.Helper()
	p, err := h.store.Repos().Projects.Get(context.Background(), projectID)
	require.NoError(t, err)
	return p.Status
}

// testRunID is the run token the test runs are started with.
const testRunID = "run-1"

func standardProfile() domain.AnalysisProfile {
	return domain.AnalysisProfile{ID: "standard", PreprocessModel: "phi3:mini", ExtractModel: "llama3.1:8b", SynthesisModel: "llama3.1:8b"}
}

func TestHandle_UnknownKind(t *testing.T) {
	h := newHarness(t)
	task, err := taskqueue.NewTask("nope", struct{}{})
	require.NoError(t, err)

	err = h.handlers.Handle(context.Background(), task)
	assert.ErrorContains(t, err, "unknown task kind")
}

func TestHandle_PullModel(t *testing.T) {
	puller := &mockPuller{}
	puller.On("PullModel", mock.Anything, "llama3.1:8b").Return(nil).Once()
	h := newHarness(t, func(d *Deps) { d.Puller = puller })

	task, err := taskqueue.NewTask(pipeline.KindPullModel, pipeline.PullModelPayload{Model: "llama3.1:8b"})
	require.NoError(t, err)
	require.NoError(t, h.handlers.Handle(context.Background(), task))
	puller.AssertExpectations(t)

	task, err = taskqueue.NewTask(pipeline.KindPullModel, pipeline.PullModelPayload{})
	require.NoError(t, err)
	assert.ErrorIs(t, h.handlers.Handle(context.Background(), task), domain.ErrInvalidInput)
}

func TestOnFailure_ArticleTaskFinishesRun(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	p := h.project(t, domain.ProjectStatusProcessing, domain.AnalysisModeScreening)
	require.NoError(t, h.store.Repos().Projects.ResetRunCounters(ctx, p.ID, "standard", domain.AnalysisModeScreening, 1, testRunID))

	task, err := taskqueue.NewTask(pipeline.KindArticle, pipeline.ArticlePayload{ProjectID: p.ID, RunID: testRunID, ArticleID: "111", Profile: standardProfile()})
	require.NoError(t, err)
	h.handlers.OnFailure(ctx, task, context.DeadlineExceeded)

	entries, err := h.store.Repos().Logs.ListByProject(ctx, p.ID, 0)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, domain.LogStatusError, entries[0].Status)

	assert.Equal(t, domain.ProjectStatusFailed, h.status(t, p.ID))
	assert.Len(t, h.events.ofType(domain.EventRunFailed), 1)
	assert.Len(t, h.events.ofType(domain.EventArticleProcessed), 1)
}

func TestOnFailure_ArticleTaskOfReplacedRun(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	p := h.project(t, domain.ProjectStatusProcessing, domain.AnalysisModeScreening)
	require.NoError(t, h.store.Repos().Projects.ResetRunCounters(ctx, p.ID, "standard", domain.AnalysisModeScreening, 1, "run-2"))

	task, err := taskqueue.NewTask(pipeline.KindArticle, pipeline.ArticlePayload{ProjectID: p.ID, RunID: testRunID, ArticleID: "111", Profile: standardProfile()})
	require.NoError(t, err)
	h.handlers.OnFailure(ctx, task, context.DeadlineExceeded)

	entries, err := h.store.Repos().Logs.ListByProject(ctx, p.ID, 0)
	require.NoError(t, err)
	assert.Empty(t, entries)
	assert.Equal(t, domain.ProjectStatusProcessing, h.status(t, p.ID))
	assert.Empty(t, h.events.ofType(domain.EventArticleProcessed))
}

func TestOnFailure_StageTaskFailsStage(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	p := h.project(t, domain.ProjectStatusSynthesizing, domain.AnalysisModeScreening)

	task, err := taskqueue.NewTask(pipeline.AggregateKind(domain.StageSynthesis),
		pipeline.StagePayload{ProjectID: p.ID, Stage: domain.StageSynthesis, Profile: standardProfile()})
	require.NoError(t, err)
	h.handlers.OnFailure(ctx, task, &taskqueue.PanicError{Value: "boom"})

	assert.Equal(t, domain.ProjectStatusFailed, h.status(t, p.ID))
	failed := h.events.ofType(domain.EventSynthesisFailed)
	require.Len(t, failed, 1)
	assert.Equal(t, string(domain.StageSynthesis), failed[0].Data["stage"])
}

func TestOnFailure_ImportPublishesFailure(t *testing.T) {
	h := newHarness(t)
	task, err := taskqueue.NewTask(pipeline.KindZoteroImport, pipeline.ZoteroImportPayload{ProjectID: "p1"})
	require.NoError(t, err)

	h.handlers.OnFailure(context.Background(), task, errors.New("attempts exhausted"))
	assert.Len(t, h.events.ofType(domain.EventImportFailed), 1)
}
