package repository

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/helixir/literature-pipeline/internal/domain"
)

func TestPgArticleRepository_InsertIgnore(t *testing.T) {
	ctx := context.Background()

	t.Run("inserts a new article", func(t *testing.T) {
		mock, err := pgxmock.NewPool()
		require.NoError(t, err)
		defer mock.Close()

		article := &domain.Article{ProjectID: "p1", ArticleID: "31452104", Title: "Alliance", DatabaseSource: domain.SourceTypePubMed}
		mock.ExpectExec("INSERT INTO search_results .* ON CONFLICT \\(project_id, article_id\\) DO NOTHING").
			WillReturnResult(pgxmock.NewResult("INSERT", 1))

		inserted, err := NewPgArticleRepository(mock).InsertIgnore(ctx, article)
		require.NoError(t, err)
		assert.True(t, inserted)
		assert.NotEmpty(t, article.ID)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("existing pair is left untouched", func(t *testing.T) {
		mock, err := pgxmock.NewPool()
		require.NoError(t, err)
		defer mock.Close()

		mock.ExpectExec("INSERT INTO search_results").
			WillReturnResult(pgxmock.NewResult("INSERT", 0))

		inserted, err := NewPgArticleRepository(mock).InsertIgnore(ctx, &domain.Article{ProjectID: "p1", ArticleID: "1"})
		require.NoError(t, err)
		assert.False(t, inserted)
	})

	t.Run("unknown project maps to not found", func(t *testing.T) {
		mock, err := pgxmock.NewPool()
		require.NoError(t, err)
		defer mock.Close()

		mock.ExpectExec("INSERT INTO search_results").
			WillReturnError(&pgconn.PgError{Code: pgForeignKeyViolation})

		_, err = NewPgArticleRepository(mock).InsertIgnore(ctx, &domain.Article{ProjectID: "nope", ArticleID: "1"})
		assert.ErrorIs(t, err, domain.ErrNotFound)
	})

	t.Run("requires ids", func(t *testing.T) {
		mock, err := pgxmock.NewPool()
		require.NoError(t, err)
		defer mock.Close()

		_, err = NewPgArticleRepository(mock).InsertIgnore(ctx, &domain.Article{ProjectID: "p1"})
		assert.ErrorIs(t, err, domain.ErrInvalidInput)
	})
}

func TestPgArticleRepository_Get(t *testing.T) {
	ctx := context.Background()
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	now := time.Now().UTC()
	mock.ExpectQuery("SELECT .* FROM search_results WHERE project_id = \\$1 AND article_id = \\$2").
		WithArgs("p1", "31452104").
		WillReturnRows(pgxmock.NewRows([]string{
			"id", "project_id", "article_id", "zotero_key", "title", "abstract", "authors",
			"publication_date", "journal", "doi", "url", "database_source", "created_at",
		}).AddRow(
			"a1", "p1", "31452104", "", "Alliance", "Abstract text", "Doe J",
			"2019", "JMIR", "10.2196/x", "", domain.SourceTypePubMed, now,
		))
	mock.ExpectQuery("SELECT .* FROM search_results WHERE project_id = \\$1 AND article_id = \\$2").
		WithArgs("p1", "missing").
		WillReturnError(pgx.ErrNoRows)

	repo := NewPgArticleRepository(mock)
	article, err := repo.Get(ctx, "p1", "31452104")
	require.NoError(t, err)
	assert.Equal(t, "Alliance", article.Title)
	assert.Equal(t, domain.SourceTypePubMed, article.DatabaseSource)

	_, err = repo.Get(ctx, "p1", "missing")
	assert.ErrorIs(t, err, domain.ErrNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPgExtractionRepository_Upsert(t *testing.T) {
	ctx := context.Background()

	t.Run("upserts on the project and article pair", func(t *testing.T) {
		mock, err := pgxmock.NewPool()
		require.NoError(t, err)
		defer mock.Close()

		e := &domain.Extraction{
			ProjectID:      "p1",
			ArticleID:      "31452104",
			Title:          "Alliance",
			RelevanceScore: 8,
			AnalysisSource: "screening_phi3:mini",
		}
		mock.ExpectExec("INSERT INTO extractions .* ON CONFLICT \\(project_id, article_id\\) DO UPDATE SET").
			WithArgs(pgxmock.AnyArg(), "p1", "31452104", "Alliance", 8.0, "",
				nil, "screening_phi3:mini", nil, pgxmock.AnyArg(), pgxmock.AnyArg()).
			WillReturnResult(pgxmock.NewResult("INSERT", 1))

		require.NoError(t, NewPgExtractionRepository(mock).Upsert(ctx, e))
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("passes extracted data as json", func(t *testing.T) {
		mock, err := pgxmock.NewPool()
		require.NoError(t, err)
		defer mock.Close()

		data := json.RawMessage(`{"population":"adults"}`)
		mock.ExpectExec("INSERT INTO extractions").
			WithArgs(pgxmock.AnyArg(), "p1", "a", "", 0.0, "",
				[]byte(data), "extraction_llama3.1:8b", nil, pgxmock.AnyArg(), pgxmock.AnyArg()).
			WillReturnResult(pgxmock.NewResult("INSERT", 1))

		err = NewPgExtractionRepository(mock).Upsert(ctx, &domain.Extraction{
			ProjectID: "p1", ArticleID: "a", ExtractedData: data, AnalysisSource: "extraction_llama3.1:8b",
		})
		require.NoError(t, err)
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}

func TestPgExtractionRepository_Counts(t *testing.T) {
	ctx := context.Background()
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	mock.ExpectQuery("SELECT COUNT\\(\\*\\) FROM extractions WHERE project_id = \\$1 AND relevance_score >= \\$2").
		WithArgs("p1", domain.RelevanceThreshold).
		WillReturnRows(pgxmock.NewRows([]string{"count"}).AddRow(0))
	mock.ExpectQuery("SELECT COUNT\\(\\*\\) FROM extractions WHERE project_id = \\$1 AND extracted_data IS NOT NULL").
		WithArgs("p1").
		WillReturnRows(pgxmock.NewRows([]string{"count"}).AddRow(4))

	repo := NewPgExtractionRepository(mock)
	relevant, err := repo.CountRelevant(ctx, "p1", domain.RelevanceThreshold)
	require.NoError(t, err)
	assert.Equal(t, 0, relevant)

	withData, err := repo.CountWithData(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, 4, withData)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPgExtractionRepository_TopRelevant(t *testing.T) {
	ctx := context.Background()
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	mock.ExpectQuery("SELECT e.article_id, .* FROM extractions e LEFT JOIN search_results s").
		WithArgs("p1", 7.0, 30).
		WillReturnRows(pgxmock.NewRows([]string{"article_id", "title", "abstract", "relevance_score"}).
			AddRow("a", "First", "abs a", 9.0).
			AddRow("b", "Second", "", 7.0))

	got, err := NewPgExtractionRepository(mock).TopRelevant(ctx, "p1", 7, 30)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "a", got[0].ArticleID)
	assert.Equal(t, 7.0, got[1].RelevanceScore)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPgProcessingLogRepository(t *testing.T) {
	ctx := context.Background()
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	mock.ExpectExec("INSERT INTO processing_log").
		WithArgs("p1", "a", domain.LogStatusNoPDF, "").
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectQuery("SELECT COUNT\\(DISTINCT article_id\\) FROM processing_log WHERE project_id = \\$1 AND status IN \\('success', 'error'\\)").
		WithArgs("p1").
		WillReturnRows(pgxmock.NewRows([]string{"count"}).AddRow(3))
	mock.ExpectExec("DELETE FROM processing_log WHERE project_id = \\$1").
		WithArgs("p1").
		WillReturnResult(pgxmock.NewResult("DELETE", 7))

	repo := NewPgProcessingLogRepository(mock)
	require.NoError(t, repo.Append(ctx, "p1", "a", domain.LogStatusNoPDF, ""))

	finished, err := repo.CountFinished(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, 3, finished)

	deleted, err := repo.DeleteByProject(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, int64(7), deleted)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPgProcessingLogRepository_AppendSuccess(t *testing.T) {
	ctx := context.Background()
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	const query = "INSERT INTO processing_log .* VALUES \\(\\$1, \\$2, 'success', \\$3\\) ON CONFLICT \\(project_id, article_id\\) WHERE status = 'success' DO NOTHING"
	mock.ExpectExec(query).WithArgs("p1", "a", "screening analysis succeeded").
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectExec(query).WithArgs("p1", "a", "screening analysis succeeded").
		WillReturnResult(pgxmock.NewResult("INSERT", 0))
	mock.ExpectExec(query).WithArgs("gone", "a", "screening analysis succeeded").
		WillReturnError(&pgconn.PgError{Code: pgForeignKeyViolation})

	repo := NewPgProcessingLogRepository(mock)
	first, err := repo.AppendSuccess(ctx, "p1", "a", "screening analysis succeeded")
	require.NoError(t, err)
	assert.True(t, first)

	first, err = repo.AppendSuccess(ctx, "p1", "a", "screening analysis succeeded")
	require.NoError(t, err)
	assert.False(t, first)

	_, err = repo.AppendSuccess(ctx, "gone", "a", "screening analysis succeeded")
	assert.ErrorIs(t, err, domain.ErrNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPgExtractionRepository_SetValidation(t *testing.T) {
	ctx := context.Background()
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	const query = "UPDATE extractions SET validations = jsonb_set\\(COALESCE\\(validations, '\\{\\}'::jsonb\\), ARRAY\\[\\$3::text\\], to_jsonb\\(\\$4::text\\)\\)"
	mock.ExpectExec(query).WithArgs("p1", "a", domain.DefaultEvaluator, "include").
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectExec(query).WithArgs("p1", "missing", "evaluator_2", "exclude").
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))

	repo := NewPgExtractionRepository(mock)
	require.NoError(t, repo.SetValidation(ctx, "p1", "a", "", domain.ValidationInclude))
	assert.ErrorIs(t, repo.SetValidation(ctx, "p1", "missing", "evaluator_2", domain.ValidationExclude), domain.ErrNotFound)
	assert.ErrorIs(t, repo.SetValidation(ctx, "p1", "a", "", "maybe"), domain.ErrInvalidInput)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPgExtractionRepository_ListValidated(t *testing.T) {
	ctx := context.Background()
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	mock.ExpectQuery("SELECT relevance_score, COALESCE\\(validations ->> \\$2, ''\\) FROM extractions WHERE project_id = \\$1 AND validations \\? \\$2").
		WithArgs("p1", domain.DefaultEvaluator).
		WillReturnRows(pgxmock.NewRows([]string{"relevance_score", "decision"}).
			AddRow(8.0, "include").
			AddRow(3.0, "include"))

	got, err := NewPgExtractionRepository(mock).ListValidated(ctx, "p1", "")
	require.NoError(t, err)
	assert.Equal(t, []domain.ValidatedScore{
		{RelevanceScore: 8, Decision: domain.ValidationInclude},
		{RelevanceScore: 3, Decision: domain.ValidationInclude},
	}, got)
	assert.NoError(t, mock.ExpectationsWereMet())
}
