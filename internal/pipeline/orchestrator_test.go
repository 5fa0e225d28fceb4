package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/helixir/literature-pipeline/internal/domain"
	"github.com/helixir/literature-pipeline/internal/index"
	"github.com/helixir/literature-pipeline/internal/repository/repotest"
	"github.com/helixir/literature-pipeline/internal/taskqueue"
)

type orchestratorHarness struct {
	store   *repotest.Store
	events  *recordingPublisher
	metrics *transitionRecorder
	broker  *taskqueue.MemoryBroker
	orch    *Orchestrator
}

func newOrchestrator(t *testing.T, queue taskqueue.Enqueuer, opts ...Option) *orchestratorHarness {
	t.Helper()
	store := repotest.NewStore()
	events := &recordingPublisher{}
	broker := taskqueue.NewMemoryBroker(taskqueue.Options{})
	t.Cleanup(func() { _ = broker.Close() })
	if queue == nil {
		queue = broker
	}
	opts = append([]Option{WithAdmin(broker)}, opts...)
	metrics := &transitionRecorder{}
	stages := NewStages(store, events, metrics, zerolog.Nop())
	return &orchestratorHarness{
		store:   store,
		events:  events,
		metrics: metrics,
		broker:  broker,
		orch:    NewOrchestrator(store, stages, queue, Config{}, zerolog.Nop(), opts...),
	}
}

func (h *orchestratorHarness) dequeue(t *testing.T, queue taskqueue.Queue) *taskqueue.Task {
	t.Helper()
	task, err := h.broker.Dequeue(context.Background(), queue, 10*time.Millisecond)
	require.NoError(t, err)
	return task
}

func (h *orchestratorHarness) pending(t *testing.T, queue taskqueue.Queue) int64 {
	t.Helper()
	stats, err := h.broker.Stats(context.Background())
	require.NoError(t, err)
	for _, s := range stats {
		if s.Queue == queue {
			return s.Pending
		}
	}
	return 0
}

type failingEnqueuer struct{}

func (failingEnqueuer) Enqueue(context.Context, taskqueue.Queue, *taskqueue.Task, time.Duration) (string, error) {
	return "", errors.New("redis unavailable")
}

func TestOrchestrator_StartRunResetsTheProject(t *testing.T) {
	ctx := context.Background()
	h := newOrchestrator(t, nil)
	p := createProject(t, h.store, domain.ProjectStatusSearchCompleted, domain.AnalysisModeScreening)
	addArticles(t, h.store, p.ID, "a1", "a2")
	repos := h.store.Repos()
	require.NoError(t, repos.Extractions.Upsert(ctx, &domain.Extraction{ProjectID: p.ID, ArticleID: "a1", RelevanceScore: 9}))
	require.NoError(t, repos.Logs.Append(ctx, p.ID, "a1", domain.LogStatusSuccess, ""))

	n, err := h.orch.StartRun(ctx, RunRequest{ProjectID: p.ID, ProfileID: "deep", Mode: domain.AnalysisModeFullExtraction})
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	project, err := repos.Projects.Get(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.ProjectStatusProcessing, project.Status)
	assert.Equal(t, "deep", project.ProfileUsed)
	assert.Equal(t, domain.AnalysisModeFullExtraction, project.AnalysisMode)
	assert.Equal(t, 2, project.PmidsCount)
	assert.Zero(t, project.ProcessedCount)
	assert.Zero(t, project.TotalProcessingTime)

	count, err := repos.Extractions.Count(ctx, p.ID)
	require.NoError(t, err)
	assert.Zero(t, count)
	entries, err := repos.Logs.ListByProject(ctx, p.ID, 0)
	require.NoError(t, err)
	assert.Empty(t, entries)

	assert.EqualValues(t, 2, h.pending(t, taskqueue.QueueArticles))
	task := h.dequeue(t, taskqueue.QueueArticles)
	require.NotNil(t, task)
	assert.Equal(t, KindArticle, task.Kind)
	var payload ArticlePayload
	require.NoError(t, task.Decode(&payload))
	assert.Equal(t, "a1", payload.ArticleID)
	assert.Equal(t, "mixtral:8x7b", payload.Model())
	assert.NotEmpty(t, project.RunID)
	assert.Equal(t, project.RunID, payload.RunID)
	assert.Equal(t, []string{string(domain.StageRun) + "->" + string(domain.ProjectStatusProcessing)}, h.metrics.transitions)
}

func TestOrchestrator_StartRunTokenChangesPerRun(t *testing.T) {
	ctx := context.Background()
	h := newOrchestrator(t, nil)
	p := createProject(t, h.store, domain.ProjectStatusPending, domain.AnalysisModeScreening)
	addArticles(t, h.store, p.ID, "a1")

	_, err := h.orch.StartRun(ctx, RunRequest{ProjectID: p.ID})
	require.NoError(t, err)
	first, err := h.store.Repos().Projects.Get(ctx, p.ID)
	require.NoError(t, err)

	_, err = h.store.Repos().Projects.TransitionStatus(ctx, p.ID, domain.ProjectStatusCompleted, []domain.ProjectStatus{domain.ProjectStatusProcessing})
	require.NoError(t, err)
	_, err = h.orch.StartRun(ctx, RunRequest{ProjectID: p.ID})
	require.NoError(t, err)
	second, err := h.store.Repos().Projects.Get(ctx, p.ID)
	require.NoError(t, err)

	assert.NotEqual(t, first.RunID, second.RunID)
}

func TestOrchestrator_StartRunRollbackRecordsNoTransition(t *testing.T) {
	ctx := context.Background()
	h := newOrchestrator(t, nil)
	p := createProject(t, h.store, domain.ProjectStatusSearchCompleted, domain.AnalysisModeScreening)
	addArticles(t, h.store, p.ID, "a1")
	h.store.FailOn("Projects.ResetRunCounters", errors.New("connection reset"))

	_, err := h.orch.StartRun(ctx, RunRequest{ProjectID: p.ID})
	require.Error(t, err)

	assert.Equal(t, domain.ProjectStatusSearchCompleted, statusOf(t, h.store, p.ID))
	assert.Empty(t, h.metrics.transitions)
	assert.Zero(t, h.pending(t, taskqueue.QueueArticles))
}

func TestOrchestrator_StartRunRefusals(t *testing.T) {
	ctx := context.Background()

	t.Run("unknown profile", func(t *testing.T) {
		h := newOrchestrator(t, nil)
		p := createProject(t, h.store, domain.ProjectStatusPending, domain.AnalysisModeScreening)
		addArticles(t, h.store, p.ID, "a1")
		_, err := h.orch.StartRun(ctx, RunRequest{ProjectID: p.ID, ProfileID: "nope"})
		assert.ErrorIs(t, err, domain.ErrInvalidInput)
	})

	t.Run("unknown mode", func(t *testing.T) {
		h := newOrchestrator(t, nil)
		p := createProject(t, h.store, domain.ProjectStatusPending, domain.AnalysisModeScreening)
		_, err := h.orch.StartRun(ctx, RunRequest{ProjectID: p.ID, Mode: "skim"})
		assert.ErrorIs(t, err, domain.ErrInvalidInput)
	})

	t.Run("no articles", func(t *testing.T) {
		h := newOrchestrator(t, nil)
		p := createProject(t, h.store, domain.ProjectStatusPending, domain.AnalysisModeScreening)
		_, err := h.orch.StartRun(ctx, RunRequest{ProjectID: p.ID})
		assert.ErrorIs(t, err, domain.ErrInvalidInput)
		assert.Equal(t, domain.ProjectStatusPending, statusOf(t, h.store, p.ID))
	})

	t.Run("grid of another project", func(t *testing.T) {
		h := newOrchestrator(t, nil)
		p := createProject(t, h.store, domain.ProjectStatusPending, domain.AnalysisModeScreening)
		other := createProject(t, h.store, domain.ProjectStatusPending, domain.AnalysisModeScreening)
		grid := &domain.ExtractionGrid{ProjectID: other.ID, Name: "g", Fields: []string{"x"}}
		require.NoError(t, h.store.Repos().Grids.Create(ctx, grid))
		addArticles(t, h.store, p.ID, "a1")

		_, err := h.orch.StartRun(ctx, RunRequest{ProjectID: p.ID, GridID: grid.ID})
		assert.ErrorIs(t, err, domain.ErrInvalidInput)
	})

	t.Run("stage in progress keeps previous results", func(t *testing.T) {
		h := newOrchestrator(t, nil)
		p := createProject(t, h.store, domain.ProjectStatusSynthesizing, domain.AnalysisModeScreening)
		addArticles(t, h.store, p.ID, "a1")
		require.NoError(t, h.store.Repos().Extractions.Upsert(ctx, &domain.Extraction{ProjectID: p.ID, ArticleID: "a1", RelevanceScore: 9}))

		_, err := h.orch.StartRun(ctx, RunRequest{ProjectID: p.ID})
		assert.ErrorIs(t, err, domain.ErrStageInProgress)

		count, err := h.store.Repos().Extractions.Count(ctx, p.ID)
		require.NoError(t, err)
		assert.Equal(t, 1, count)
		assert.Zero(t, h.pending(t, taskqueue.QueueArticles))
	})
}

func TestOrchestrator_StartRunWithSelectedArticles(t *testing.T) {
	ctx := context.Background()
	h := newOrchestrator(t, nil)
	p := createProject(t, h.store, domain.ProjectStatusPending, domain.AnalysisModeScreening)

	n, err := h.orch.StartRun(ctx, RunRequest{ProjectID: p.ID, ArticleIDs: []string{"111", " 222 ", "111", ""}})
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	project, err := h.store.Repos().Projects.Get(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, project.PmidsCount)
	assert.Equal(t, DefaultProfileID, project.ProfileUsed)
}

func TestOrchestrator_StartRunQueueFailureResolvesTheRun(t *testing.T) {
	ctx := context.Background()
	h := newOrchestrator(t, failingEnqueuer{})
	p := createProject(t, h.store, domain.ProjectStatusPending, domain.AnalysisModeScreening)
	addArticles(t, h.store, p.ID, "a1", "a2")

	n, err := h.orch.StartRun(ctx, RunRequest{ProjectID: p.ID})
	require.NoError(t, err)
	assert.Zero(t, n)

	assert.Equal(t, domain.ProjectStatusFailed, statusOf(t, h.store, p.ID))
	entries, err := h.store.Repos().Logs.ListByProject(ctx, p.ID, 0)
	require.NoError(t, err)
	assert.Len(t, entries, 2)
	assert.Len(t, h.events.ofType(domain.EventRunFailed), 1)
}

func TestOrchestrator_StartStage(t *testing.T) {
	ctx := context.Background()

	t.Run("unmet precondition fails the stage", func(t *testing.T) {
		h := newOrchestrator(t, nil)
		p := createProject(t, h.store, domain.ProjectStatusCompleted, domain.AnalysisModeScreening)
		require.NoError(t, h.store.Repos().Extractions.Upsert(ctx, &domain.Extraction{ProjectID: p.ID, ArticleID: "a1", RelevanceScore: 5}))

		err := h.orch.StartStage(ctx, p.ID, domain.StageSynthesis, "")
		var failed *domain.StageFailedError
		require.ErrorAs(t, err, &failed)
		assert.Equal(t, domain.StageSynthesis, failed.Stage)

		assert.Equal(t, domain.ProjectStatusFailed, statusOf(t, h.store, p.ID))
		assert.Len(t, h.events.ofType(domain.EventSynthesisFailed), 1)
		assert.Zero(t, h.pending(t, taskqueue.QueueAnalysis))
	})

	t.Run("full extraction synthesizes any extraction", func(t *testing.T) {
		h := newOrchestrator(t, nil)
		p := createProject(t, h.store, domain.ProjectStatusCompleted, domain.AnalysisModeFullExtraction)
		require.NoError(t, h.store.Repos().Extractions.Upsert(ctx, &domain.Extraction{ProjectID: p.ID, ArticleID: "a1"}))

		require.NoError(t, h.orch.StartStage(ctx, p.ID, domain.StageSynthesis, ""))
		assert.Equal(t, domain.ProjectStatusSynthesizing, statusOf(t, h.store, p.ID))
	})

	t.Run("discussion needs a synthesis", func(t *testing.T) {
		h := newOrchestrator(t, nil)
		p := createProject(t, h.store, domain.ProjectStatusCompleted, domain.AnalysisModeScreening)

		err := h.orch.StartStage(ctx, p.ID, domain.StageDiscussion, "")
		var failed *domain.StageFailedError
		assert.ErrorAs(t, err, &failed)
		assert.Len(t, h.events.ofType(domain.EventDiscussionFailed), 1)
	})

	t.Run("queues the aggregation", func(t *testing.T) {
		h := newOrchestrator(t, nil)
		p := createProject(t, h.store, domain.ProjectStatusCompleted, domain.AnalysisModeScreening)
		addArticles(t, h.store, p.ID, "a1")

		require.NoError(t, h.orch.StartStage(ctx, p.ID, domain.StagePrisma, "fast"))
		assert.Equal(t, domain.ProjectStatusGeneratingPrisma, statusOf(t, h.store, p.ID))

		task := h.dequeue(t, taskqueue.QueueAnalysis)
		require.NotNil(t, task)
		assert.Equal(t, AggregateKind(domain.StagePrisma), task.Kind)
		assert.Equal(t, p.ID+":prisma_flow", task.DedupKey)
		var payload StagePayload
		require.NoError(t, task.Decode(&payload))
		assert.Equal(t, "fast", payload.Profile.ID)
	})

	t.Run("analyses sharing a result field are serialized", func(t *testing.T) {
		h := newOrchestrator(t, nil)
		p := createProject(t, h.store, domain.ProjectStatusCompleted, domain.AnalysisModeFullExtraction)
		require.NoError(t, h.store.Repos().Extractions.Upsert(ctx, &domain.Extraction{
			ProjectID: p.ID, ArticleID: "a1", ExtractedData: json.RawMessage(`{"study_type":"RCT"}`),
		}))

		require.NoError(t, h.orch.StartStage(ctx, p.ID, domain.StageDescriptive, ""))
		// The task is still queued when the project is put back to rest.
		_, err := h.store.Repos().Projects.TransitionStatus(ctx, p.ID, domain.ProjectStatusCompleted,
			[]domain.ProjectStatus{domain.ProjectStatusGeneratingAnalysis})
		require.NoError(t, err)

		err = h.orch.StartStage(ctx, p.ID, domain.StageDomainScore, "")
		assert.ErrorIs(t, err, domain.ErrStageInProgress)
		assert.Equal(t, domain.ProjectStatusCompleted, statusOf(t, h.store, p.ID))
		assert.EqualValues(t, 1, h.pending(t, taskqueue.QueueAnalysis))
	})

	t.Run("unknown stage", func(t *testing.T) {
		h := newOrchestrator(t, nil)
		p := createProject(t, h.store, domain.ProjectStatusCompleted, domain.AnalysisModeScreening)
		assert.ErrorIs(t, h.orch.StartStage(ctx, p.ID, domain.StageRun, ""), domain.ErrInvalidInput)
	})

	t.Run("queue failure fails the stage", func(t *testing.T) {
		h := newOrchestrator(t, failingEnqueuer{})
		p := createProject(t, h.store, domain.ProjectStatusCompleted, domain.AnalysisModeScreening)
		addArticles(t, h.store, p.ID, "a1")

		assert.Error(t, h.orch.StartStage(ctx, p.ID, domain.StagePrisma, ""))
		assert.Equal(t, domain.ProjectStatusFailed, statusOf(t, h.store, p.ID))
		assert.Len(t, h.events.ofType(domain.EventPrismaFailed), 1)
	})
}

func TestOrchestrator_StartSearch(t *testing.T) {
	ctx := context.Background()
	h := newOrchestrator(t, nil)
	p := createProject(t, h.store, domain.ProjectStatusPending, domain.AnalysisModeScreening)

	assert.ErrorIs(t, h.orch.StartSearch(ctx, SearchRequest{ProjectID: p.ID, Query: "  "}), domain.ErrInvalidInput)

	require.NoError(t, h.orch.StartSearch(ctx, SearchRequest{ProjectID: p.ID, Query: "digital alliance"}))
	project, err := h.store.Repos().Projects.Get(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.ProjectStatusSearching, project.Status)
	assert.Equal(t, "digital alliance", project.SearchQuery)
	assert.Equal(t, []string{"pubmed"}, project.DatabasesUsed)

	task := h.dequeue(t, taskqueue.QueueCoordination)
	require.NotNil(t, task)
	var payload SearchPayload
	require.NoError(t, task.Decode(&payload))
	assert.Equal(t, DefaultMaxPerDB, payload.MaxPerDB)

	assert.ErrorIs(t, h.orch.StartSearch(ctx, SearchRequest{ProjectID: p.ID, Query: "again"}), domain.ErrStageInProgress)
}

func TestOrchestrator_BackgroundTasks(t *testing.T) {
	ctx := context.Background()
	h := newOrchestrator(t, nil)
	p := createProject(t, h.store, domain.ProjectStatusPending, domain.AnalysisModeScreening)

	_, err := h.orch.ImportZotero(ctx, p.ID, "")
	assert.ErrorIs(t, err, domain.ErrInvalidInput)
	_, err = h.orch.ImportZotero(ctx, "missing", "[]")
	assert.ErrorIs(t, err, domain.ErrNotFound)
	_, err = h.orch.ImportZotero(ctx, p.ID, "[]")
	require.NoError(t, err)

	_, err = h.orch.FetchPDFs(ctx, p.ID, nil)
	require.NoError(t, err)
	_, err = h.orch.FetchPDFs(ctx, p.ID, nil)
	assert.ErrorIs(t, err, domain.ErrStageInProgress)

	_, err = h.orch.PullModel(ctx, "llama3.1:8b")
	require.NoError(t, err)
	_, err = h.orch.PullModel(ctx, " ")
	assert.ErrorIs(t, err, domain.ErrInvalidInput)

	assert.EqualValues(t, 3, h.pending(t, taskqueue.QueueBackground))
	assert.Equal(t, domain.ProjectStatusPending, statusOf(t, h.store, p.ID))

	require.NoError(t, h.orch.IndexProject(ctx, p.ID))
	assert.Equal(t, domain.ProjectStatusIndexing, statusOf(t, h.store, p.ID))
	assert.EqualValues(t, 4, h.pending(t, taskqueue.QueueBackground))
}

func TestOrchestrator_ImportZoteroPDFs(t *testing.T) {
	ctx := context.Background()
	h := newOrchestrator(t, nil)
	p := createProject(t, h.store, domain.ProjectStatusCompleted, domain.AnalysisModeScreening)

	_, err := h.orch.ImportZoteroPDFs(ctx, ZoteroPDFsRequest{ProjectID: p.ID, ArticleIDs: []string{" ", ""}})
	assert.ErrorIs(t, err, domain.ErrInvalidInput)
	_, err = h.orch.ImportZoteroPDFs(ctx, ZoteroPDFsRequest{ProjectID: p.ID, ArticleIDs: []string{"1"}, UserID: "77"})
	assert.ErrorIs(t, err, domain.ErrInvalidInput)
	_, err = h.orch.ImportZoteroPDFs(ctx, ZoteroPDFsRequest{ProjectID: "missing", ArticleIDs: []string{"1"}})
	assert.ErrorIs(t, err, domain.ErrNotFound)

	id, err := h.orch.ImportZoteroPDFs(ctx, ZoteroPDFsRequest{ProjectID: p.ID, ArticleIDs: []string{"1", " 2 ", "1"}, UserID: "77", APIKey: "k"})
	require.NoError(t, err)
	assert.NotEmpty(t, id)
	_, err = h.orch.ImportZoteroPDFs(ctx, ZoteroPDFsRequest{ProjectID: p.ID, ArticleIDs: []string{"3"}})
	assert.ErrorIs(t, err, domain.ErrStageInProgress)

	task := h.dequeue(t, taskqueue.QueueBackground)
	require.NotNil(t, task)
	assert.Equal(t, KindZoteroPDFs, task.Kind)
	var payload ZoteroPDFsPayload
	require.NoError(t, task.Decode(&payload))
	assert.Equal(t, []string{"1", "2"}, payload.ArticleIDs)
	assert.Equal(t, "77", payload.UserID)
	assert.Equal(t, domain.ProjectStatusCompleted, statusOf(t, h.store, p.ID))
}

type mockRetriever struct{ mock.Mock }

func (m *mockRetriever) Query(ctx context.Context, projectID, question string, k int) ([]index.Match, error) {
	args := m.Called(ctx, projectID, question, k)
	matches, _ := args.Get(0).([]index.Match)
	return matches, args.Error(1)
}

type mockTextGenerator struct{ mock.Mock }

func (m *mockTextGenerator) GenerateText(ctx context.Context, model, prompt string) string {
	return m.Called(ctx, model, prompt).String(0)
}

func TestOrchestrator_Ask(t *testing.T) {
	ctx := context.Background()
	retriever := &mockRetriever{}
	generator := &mockTextGenerator{}
	h := newOrchestrator(t, nil, WithChat(retriever, generator))
	p := createProject(t, h.store, domain.ProjectStatusCompleted, domain.AnalysisModeScreening)

	_, err := h.orch.Ask(ctx, p.ID, "What builds trust?")
	assert.ErrorIs(t, err, domain.ErrInvalidInput)

	require.NoError(t, h.store.Repos().Projects.MarkIndexed(ctx, p.ID, time.Now()))
	matches := []index.Match{{ArticleID: "a1", Text: "Empathic feedback builds trust."}}
	retriever.On("Query", ctx, p.ID, "What builds trust?", DefaultChatChunks).Return(matches, nil)
	generator.On("GenerateText", ctx, "llama3.1:8b", mock.MatchedBy(func(prompt string) bool {
		return strings.Contains(prompt, "[a1]\nEmpathic feedback builds trust.") &&
			strings.Contains(prompt, "QUESTION: What builds trust?")
	})).Return("  Empathic feedback [a1].  ")

	answer, err := h.orch.Ask(ctx, p.ID, "What builds trust?")
	require.NoError(t, err)
	assert.Equal(t, "Empathic feedback [a1].", answer.Answer)
	assert.Equal(t, matches, answer.Sources)
	retriever.AssertExpectations(t)
	generator.AssertExpectations(t)
}

func TestOrchestrator_AskWithoutChat(t *testing.T) {
	h := newOrchestrator(t, nil)
	_, err := h.orch.Ask(context.Background(), "p", "q")
	assert.ErrorIs(t, err, domain.ErrServiceUnavailable)
}

type fakeFiles struct{ removed []string }

func (f *fakeFiles) RemoveProject(projectID string) error {
	f.removed = append(f.removed, projectID)
	return nil
}

func TestOrchestrator_DeleteProject(t *testing.T) {
	ctx := context.Background()
	files := &fakeFiles{}
	h := newOrchestrator(t, nil, WithFiles(files))

	busy := createProject(t, h.store, domain.ProjectStatusProcessing, domain.AnalysisModeScreening)
	assert.ErrorIs(t, h.orch.DeleteProject(ctx, busy.ID), domain.ErrStageInProgress)

	idle := createProject(t, h.store, domain.ProjectStatusCompleted, domain.AnalysisModeScreening)
	require.NoError(t, h.orch.DeleteProject(ctx, idle.ID))
	_, err := h.store.Repos().Projects.Get(ctx, idle.ID)
	assert.ErrorIs(t, err, domain.ErrNotFound)
	assert.Equal(t, []string{idle.ID}, files.removed)
}

func TestOrchestrator_Queues(t *testing.T) {
	ctx := context.Background()
	h := newOrchestrator(t, nil)
	_, err := h.orch.PullModel(ctx, "phi3:mini")
	require.NoError(t, err)

	stats, err := h.orch.QueueStats(ctx)
	require.NoError(t, err)
	assert.Len(t, stats, len(taskqueue.AllQueues()))

	removed, err := h.orch.ClearQueues(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 1, removed[taskqueue.QueueBackground])
	assert.Zero(t, h.pending(t, taskqueue.QueueBackground))
}
