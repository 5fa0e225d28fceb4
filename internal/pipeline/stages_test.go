package pipeline

import (
	"context"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/helixir/literature-pipeline/internal/domain"
	"github.com/helixir/literature-pipeline/internal/repository/repotest"
)

func newStages(t *testing.T) (*repotest.Store, *recordingPublisher, *transitionRecorder, *Stages) {
	t.Helper()
	store := repotest.NewStore()
	events := &recordingPublisher{}
	metrics := &transitionRecorder{}
	return store, events, metrics, NewStages(store, events, metrics, zerolog.Nop())
}

func TestStages_Enter(t *testing.T) {
	ctx := context.Background()

	t.Run("from a resting status", func(t *testing.T) {
		store, _, metrics, stages := newStages(t)
		p := createProject(t, store, domain.ProjectStatusCompleted, domain.AnalysisModeScreening)

		prev, err := stages.Enter(ctx, p.ID, domain.StageSynthesis)
		require.NoError(t, err)
		assert.Equal(t, domain.ProjectStatusCompleted, prev)
		assert.Equal(t, domain.ProjectStatusSynthesizing, statusOf(t, store, p.ID))
		assert.Equal(t, []string{"synthesis->synthesizing"}, metrics.transitions)
	})

	t.Run("while another stage runs", func(t *testing.T) {
		store, _, _, stages := newStages(t)
		p := createProject(t, store, domain.ProjectStatusIndexing, domain.AnalysisModeScreening)

		prev, err := stages.Enter(ctx, p.ID, domain.StageSynthesis)
		assert.ErrorIs(t, err, domain.ErrStageInProgress)
		assert.Equal(t, domain.ProjectStatusIndexing, prev)
		assert.Equal(t, domain.ProjectStatusIndexing, statusOf(t, store, p.ID))
	})

	t.Run("missing project", func(t *testing.T) {
		_, _, _, stages := newStages(t)
		_, err := stages.Enter(ctx, "missing", domain.StageSynthesis)
		assert.ErrorIs(t, err, domain.ErrNotFound)
	})
}

func TestStages_Resume(t *testing.T) {
	ctx := context.Background()
	store, _, _, stages := newStages(t)
	p := createProject(t, store, domain.ProjectStatusGeneratingGraph, domain.AnalysisModeScreening)

	require.NoError(t, stages.Resume(ctx, p.ID, domain.StageKnowledgeGraph))
	assert.Equal(t, domain.ProjectStatusGeneratingGraph, statusOf(t, store, p.ID))

	assert.Error(t, stages.Resume(ctx, p.ID, domain.StageIndexing))
}

func TestStages_Restore(t *testing.T) {
	ctx := context.Background()
	store, _, _, stages := newStages(t)
	p := createProject(t, store, domain.ProjectStatusSearchCompleted, domain.AnalysisModeScreening)

	prev, err := stages.Enter(ctx, p.ID, domain.StagePrisma)
	require.NoError(t, err)
	require.NoError(t, stages.Restore(ctx, p.ID, domain.StagePrisma, prev))
	assert.Equal(t, domain.ProjectStatusSearchCompleted, statusOf(t, store, p.ID))
}

func TestStages_CompleteAndFail(t *testing.T) {
	ctx := context.Background()
	store, events, _, stages := newStages(t)
	p := createProject(t, store, domain.ProjectStatusSynthesizing, domain.AnalysisModeScreening)

	require.NoError(t, stages.Complete(ctx, p.ID, domain.StageSynthesis, "done", map[string]any{"stage": "synthesis"}))
	assert.Equal(t, domain.ProjectStatusCompleted, statusOf(t, store, p.ID))
	require.Len(t, events.ofType(domain.EventSynthesisCompleted), 1)

	// A second resolution finds the project no longer in progress and publishes nothing.
	assert.Error(t, stages.Fail(ctx, p.ID, domain.StageSynthesis, "late"))
	assert.Empty(t, events.ofType(domain.EventSynthesisFailed))

	q := createProject(t, store, domain.ProjectStatusSearching, domain.AnalysisModeScreening)
	require.NoError(t, stages.Fail(ctx, q.ID, domain.StageSearch, "No database could be searched."))
	assert.Equal(t, domain.ProjectStatusSearchFailed, statusOf(t, store, q.ID))
	failed := events.ofType(domain.EventSearchFailed)
	require.Len(t, failed, 1)
	assert.Equal(t, "No database could be searched.", failed[0].Message)
	assert.Equal(t, "search", failed[0].Data["stage"])
}

func TestStages_CheckRunCompletion(t *testing.T) {
	ctx := context.Background()

	setup := func(t *testing.T) (*repotest.Store, *recordingPublisher, *Stages, string) {
		store, events, _, stages := newStages(t)
		p := createProject(t, store, domain.ProjectStatusProcessing, domain.AnalysisModeScreening)
		require.NoError(t, store.Repos().Projects.ResetRunCounters(ctx, p.ID, "standard", domain.AnalysisModeScreening, 2, "run-1"))
		return store, events, stages, p.ID
	}

	t.Run("waits for every article", func(t *testing.T) {
		store, events, stages, pid := setup(t)
		require.NoError(t, store.Repos().Logs.Append(ctx, pid, "a1", domain.LogStatusSuccess, ""))
		require.NoError(t, stages.CheckRunCompletion(ctx, pid))
		assert.Equal(t, domain.ProjectStatusProcessing, statusOf(t, store, pid))
		assert.Empty(t, events.events)
	})

	t.Run("completes once and only once", func(t *testing.T) {
		store, events, stages, pid := setup(t)
		_, err := store.Repos().Projects.IncrementProcessed(ctx, pid)
		require.NoError(t, err)
		require.NoError(t, store.Repos().Logs.Append(ctx, pid, "a1", domain.LogStatusSuccess, ""))
		require.NoError(t, store.Repos().Logs.Append(ctx, pid, "a2", domain.LogStatusError, "boom"))

		require.NoError(t, stages.CheckRunCompletion(ctx, pid))
		require.NoError(t, stages.CheckRunCompletion(ctx, pid))

		assert.Equal(t, domain.ProjectStatusCompleted, statusOf(t, store, pid))
		assert.Len(t, events.ofType(domain.EventRunCompleted), 1)
		assert.Empty(t, events.ofType(domain.EventRunFailed))
	})

	t.Run("fails when nothing was processed", func(t *testing.T) {
		store, events, stages, pid := setup(t)
		require.NoError(t, store.Repos().Logs.Append(ctx, pid, "a1", domain.LogStatusError, "x"))
		require.NoError(t, store.Repos().Logs.Append(ctx, pid, "a2", domain.LogStatusError, "y"))

		require.NoError(t, stages.CheckRunCompletion(ctx, pid))
		assert.Equal(t, domain.ProjectStatusFailed, statusOf(t, store, pid))
		assert.Len(t, events.ofType(domain.EventRunFailed), 1)
	})
}
