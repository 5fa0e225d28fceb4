package repository

import (
	"context"
	"testing"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/helixir/literature-pipeline/internal/domain"
)

func profileRows(p domain.AnalysisProfile) *pgxmock.Rows {
	return pgxmock.NewRows([]string{"id", "name", "is_custom", "preprocess_model", "extract_model", "synthesis_model"}).
		AddRow(p.ID, p.Name, p.IsCustom, p.PreprocessModel, p.ExtractModel, p.SynthesisModel)
}

func TestPgProfileRepository_Update(t *testing.T) {
	ctx := context.Background()
	profile := &domain.AnalysisProfile{
		ID: "custom-1", Name: "Mine", IsCustom: true,
		PreprocessModel: "gemma:2b", ExtractModel: "llama3.1:8b", SynthesisModel: "llama3.1:8b",
	}
	active := statusStrings(domain.InProgressStatuses())

	t.Run("updates an idle profile", func(t *testing.T) {
		mock, err := pgxmock.NewPool()
		require.NoError(t, err)
		defer mock.Close()

		mock.ExpectExec("UPDATE analysis_profiles SET .* WHERE id = \\$1 AND NOT EXISTS").
			WithArgs("custom-1", "Mine", "gemma:2b", "llama3.1:8b", "llama3.1:8b", active).
			WillReturnResult(pgxmock.NewResult("UPDATE", 1))

		require.NoError(t, NewPgProfileRepository(mock).Update(ctx, profile))
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("refuses while a run uses it", func(t *testing.T) {
		mock, err := pgxmock.NewPool()
		require.NoError(t, err)
		defer mock.Close()

		mock.ExpectExec("UPDATE analysis_profiles").
			WillReturnResult(pgxmock.NewResult("UPDATE", 0))
		mock.ExpectQuery("SELECT .* FROM analysis_profiles WHERE id = \\$1").
			WithArgs("custom-1").
			WillReturnRows(profileRows(*profile))

		err = NewPgProfileRepository(mock).Update(ctx, profile)
		assert.ErrorIs(t, err, domain.ErrInUse)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("missing profile", func(t *testing.T) {
		mock, err := pgxmock.NewPool()
		require.NoError(t, err)
		defer mock.Close()

		mock.ExpectExec("UPDATE analysis_profiles").
			WillReturnResult(pgxmock.NewResult("UPDATE", 0))
		mock.ExpectQuery("SELECT .* FROM analysis_profiles WHERE id = \\$1").
			WillReturnError(pgx.ErrNoRows)

		err = NewPgProfileRepository(mock).Update(ctx, profile)
		assert.ErrorIs(t, err, domain.ErrNotFound)
	})

	t.Run("requires all models", func(t *testing.T) {
		mock, err := pgxmock.NewPool()
		require.NoError(t, err)
		defer mock.Close()

		err = NewPgProfileRepository(mock).Update(ctx, &domain.AnalysisProfile{ID: "x", Name: "x"})
		assert.ErrorIs(t, err, domain.ErrInvalidInput)
	})
}

func TestPgProfileRepository_Create(t *testing.T) {
	ctx := context.Background()
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	mock.ExpectExec("INSERT INTO analysis_profiles").
		WillReturnError(&pgconn.PgError{Code: pgUniqueViolation})

	err = NewPgProfileRepository(mock).Create(ctx, &domain.AnalysisProfile{
		Name: "Standard", PreprocessModel: "a", ExtractModel: "b", SynthesisModel: "c",
	})
	assert.ErrorIs(t, err, domain.ErrAlreadyExists)
}

func TestPgProfileRepository_DeleteBuiltIn(t *testing.T) {
	ctx := context.Background()
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	mock.ExpectExec("DELETE FROM analysis_profiles WHERE id = \\$1 AND is_custom").
		WillReturnResult(pgxmock.NewResult("DELETE", 0))
	mock.ExpectQuery("SELECT .* FROM analysis_profiles WHERE id = \\$1").
		WithArgs("standard").
		WillReturnRows(profileRows(domain.AnalysisProfile{
			ID: "standard", Name: "Standard", PreprocessModel: "phi3:mini",
			ExtractModel: "llama3.1:8b", SynthesisModel: "llama3.1:8b",
		}))

	err = NewPgProfileRepository(mock).Delete(ctx, "standard")
	assert.ErrorIs(t, err, domain.ErrInvalidInput)
}

func TestPgGridRepository_Get(t *testing.T) {
	ctx := context.Background()
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	mock.ExpectQuery("SELECT id, project_id, name, fields, created_at FROM extraction_grids WHERE id = \\$1").
		WithArgs("g1").
		WillReturnRows(pgxmock.NewRows([]string{"id", "project_id", "name", "fields", "created_at"}).
			AddRow("g1", "p1", "PICO", []byte(`["population","intervention"]`), newTestProject().CreatedAt))

	grid, err := NewPgGridRepository(mock).Get(ctx, "g1")
	require.NoError(t, err)
	assert.Equal(t, []string{"population", "intervention"}, grid.Fields)
}

func TestPgGridRepository_CreateValidation(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	err = NewPgGridRepository(mock).Create(context.Background(), &domain.ExtractionGrid{ProjectID: "p1", Name: "empty"})
	assert.ErrorIs(t, err, domain.ErrInvalidInput)
}

func TestPgPromptRepository(t *testing.T) {
	ctx := context.Background()
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	mock.ExpectQuery("SELECT id, name, description, template FROM prompts WHERE name = \\$1").
		WithArgs(domain.PromptScreening).
		WillReturnRows(pgxmock.NewRows([]string{"id", "name", "description", "template"}).
			AddRow(int64(1), domain.PromptScreening, "", "Title: {{.Title}}"))
	mock.ExpectExec("UPDATE prompts SET description = \\$2, template = \\$3 WHERE id = \\$1").
		WithArgs(int64(9), "", "x").
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))

	repo := NewPgPromptRepository(mock)
	prompt, err := repo.GetByName(ctx, domain.PromptScreening)
	require.NoError(t, err)
	assert.Equal(t, "Title: {{.Title}}", prompt.Template)

	assert.ErrorIs(t, repo.Update(ctx, 9, "", "x"), domain.ErrNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}
