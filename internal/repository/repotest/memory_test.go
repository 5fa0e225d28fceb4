package repotest

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/helixir/literature-pipeline/internal/domain"
	"github.com/helixir/literature-pipeline/internal/repository"
)

func TestStore_InTxRollsBack(t *testing.T) {
	ctx := context.Background()
	store := NewStore()
	repos := store.Repos()

	project := &domain.Project{Name: "p"}
	require.NoError(t, repos.Projects.Create(ctx, project))

	boom := errors.New("boom")
	err := store.InTx(ctx, func(tx repository.Repositories) error {
		require.NoError(t, tx.Logs.Append(ctx, project.ID, "a", domain.LogStatusSuccess, ""))
		require.NoError(t, tx.Extractions.Upsert(ctx, &domain.Extraction{ProjectID: project.ID, ArticleID: "a"}))
		return boom
	})
	require.ErrorIs(t, err, boom)

	n, err := repos.Extractions.Count(ctx, project.ID)
	require.NoError(t, err)
	assert.Zero(t, n)

	entries, err := repos.Logs.ListByProject(ctx, project.ID, 0)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestStore_CounterGuard(t *testing.T) {
	ctx := context.Background()
	repos := NewStore().Repos()

	project := &domain.Project{Name: "p"}
	require.NoError(t, repos.Projects.Create(ctx, project))
	require.NoError(t, repos.Projects.ResetRunCounters(ctx, project.ID, "fast", domain.AnalysisModeScreening, 1, "run-1"))

	moved, err := repos.Projects.IncrementProcessed(ctx, project.ID)
	require.NoError(t, err)
	assert.True(t, moved)

	moved, err = repos.Projects.IncrementProcessed(ctx, project.ID)
	require.NoError(t, err)
	assert.False(t, moved)

	got, err := repos.Projects.Get(ctx, project.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, got.ProcessedCount)
}

func TestStore_UpsertKeepsOneRow(t *testing.T) {
	ctx := context.Background()
	repos := NewStore().Repos()

	project := &domain.Project{Name: "p"}
	require.NoError(t, repos.Projects.Create(ctx, project))

	for _, score := range []float64{3, 9} {
		require.NoError(t, repos.Extractions.Upsert(ctx, &domain.Extraction{ProjectID: project.ID, ArticleID: "a", RelevanceScore: score}))
	}
	list, err := repos.Extractions.ListByProject(ctx, project.ID)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, 9.0, list[0].RelevanceScore)
}

func TestStore_ProfileInUse(t *testing.T) {
	ctx := context.Background()
	repos := NewStore().Repos()

	project := &domain.Project{Name: "p"}
	require.NoError(t, repos.Projects.Create(ctx, project))
	require.NoError(t, repos.Projects.ResetRunCounters(ctx, project.ID, "standard", domain.AnalysisModeScreening, 2, "run-1"))
	_, err := repos.Projects.TransitionStatus(ctx, project.ID, domain.ProjectStatusProcessing, domain.RestingStatuses())
	require.NoError(t, err)

	profile, err := repos.Profiles.Get(ctx, "standard")
	require.NoError(t, err)
	profile.ExtractModel = "other"
	assert.ErrorIs(t, repos.Profiles.Update(ctx, profile), domain.ErrInUse)
}

func TestStore_RunGuard(t *testing.T) {
	ctx := context.Background()
	repos := NewStore().Repos()

	project := &domain.Project{Name: "p"}
	require.NoError(t, repos.Projects.Create(ctx, project))
	_, err := repos.Projects.TransitionStatus(ctx, project.ID, domain.ProjectStatusProcessing, domain.RestingStatuses())
	require.NoError(t, err)
	require.NoError(t, repos.Projects.ResetRunCounters(ctx, project.ID, "standard", domain.AnalysisModeScreening, 1, "run-2"))

	assert.NoError(t, repos.Projects.LockRun(ctx, project.ID, "run-2"))
	assert.ErrorIs(t, repos.Projects.LockRun(ctx, project.ID, "run-1"), domain.ErrStaleTask)
	assert.ErrorIs(t, repos.Projects.LockRun(ctx, "missing", "run-2"), domain.ErrStaleTask)

	first, err := repos.Logs.AppendSuccess(ctx, project.ID, "a", "ok")
	require.NoError(t, err)
	assert.True(t, first)
	first, err = repos.Logs.AppendSuccess(ctx, project.ID, "a", "ok")
	require.NoError(t, err)
	assert.False(t, first)

	entries, err := repos.Logs.ListByProject(ctx, project.ID, 0)
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestStore_Validations(t *testing.T) {
	ctx := context.Background()
	repos := NewStore().Repos()

	project := &domain.Project{Name: "p"}
	require.NoError(t, repos.Projects.Create(ctx, project))
	require.NoError(t, repos.Extractions.Upsert(ctx, &domain.Extraction{ProjectID: project.ID, ArticleID: "a", RelevanceScore: 8}))
	require.NoError(t, repos.Extractions.Upsert(ctx, &domain.Extraction{ProjectID: project.ID, ArticleID: "b", RelevanceScore: 2}))

	require.NoError(t, repos.Extractions.SetValidation(ctx, project.ID, "a", "", domain.ValidationInclude))
	assert.ErrorIs(t, repos.Extractions.SetValidation(ctx, project.ID, "zzz", "", domain.ValidationInclude), domain.ErrNotFound)

	// A re-analysis keeps the stored verdict.
	require.NoError(t, repos.Extractions.Upsert(ctx, &domain.Extraction{ProjectID: project.ID, ArticleID: "a", RelevanceScore: 9}))
	ext, err := repos.Extractions.Get(ctx, project.ID, "a")
	require.NoError(t, err)
	decision, ok := ext.Decision(domain.DefaultEvaluator)
	require.True(t, ok)
	assert.Equal(t, domain.ValidationInclude, decision)

	got, err := repos.Extractions.ListValidated(ctx, project.ID, domain.DefaultEvaluator)
	require.NoError(t, err)
	assert.Equal(t, []domain.ValidatedScore{{RelevanceScore: 9, Decision: domain.ValidationInclude}}, got)
}
