package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/helixir/literature-pipeline/internal/domain"
)

// Compile-time interface verification.
var _ ExtractionRepository = (*PgExtractionRepository)(nil)

// PgExtractionRepository is a PostgreSQL implementation of ExtractionRepository.
type PgExtractionRepository struct {
	db DBTX
}

// NewPgExtractionRepository creates a new PostgreSQL extraction repository.
func NewPgExtractionRepository(db DBTX) *PgExtractionRepository {
	return &PgExtractionRepository{db: db}
}

const extractionColumns = `id, project_id, article_id, title, relevance_score, relevance_justification,
			extracted_data, analysis_source, validations, created_at, updated_at`

// Upsert inserts or replaces the extraction of (project_id, article_id). The row keeps its
// original id and created_at across re-runs.
func (r *PgExtractionRepository) Upsert(ctx context.Context, e *domain.Extraction) error {
	if e == nil {
		return domain.NewValidationError("extraction", "extraction cannot be nil")
	}
	if e.ProjectID == "" || e.ArticleID == "" {
		return domain.NewValidationError("article_id", "project and article IDs are required")
	}
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	if e.CreatedAt.IsZero() {
		e.CreatedAt = now
	}
	e.UpdatedAt = now

	query := `
		INSERT INTO extractions (` + extractionColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (project_id, article_id) DO UPDATE SET
			title = EXCLUDED.title,
			relevance_score = EXCLUDED.relevance_score,
			relevance_justification = EXCLUDED.relevance_justification,
			extracted_data = EXCLUDED.extracted_data,
			analysis_source = EXCLUDED.analysis_source,
			validations = COALESCE(EXCLUDED.validations, extractions.validations),
			updated_at = EXCLUDED.updated_at`

	_, err := r.db.Exec(ctx, query,
		e.ID, e.ProjectID, e.ArticleID, e.Title, e.RelevanceScore, e.RelevanceJustification,
		nullJSON(e.ExtractedData), e.AnalysisSource, nullJSON(e.Validations), e.CreatedAt, e.UpdatedAt,
	)
	if err != nil {
		if isPgForeignKeyViolation(err) {
			return domain.NewNotFoundError("project", e.ProjectID)
		}
		return fmt.Errorf("failed to upsert extraction: %w", err)
	}
	return nil
}

// Get retrieves the extraction of one article.
func (r *PgExtractionRepository) Get(ctx context.Context, projectID, articleID string) (*domain.Extraction, error) {
	query := `SELECT ` + extractionColumns + ` FROM extractions WHERE project_id = $1 AND article_id = $2`

	e, err := scanExtraction(r.db.QueryRow(ctx, query, projectID, articleID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.NewNotFoundError("extraction", articleID)
		}
		return nil, fmt.Errorf("failed to get extraction: %w", err)
	}
	return e, nil
}

// ListByProject returns every extraction of a project, highest relevance first.
func (r *PgExtractionRepository) ListByProject(ctx context.Context, projectID string) ([]*domain.Extraction, error) {
	query := `SELECT ` + extractionColumns + ` FROM extractions
		WHERE project_id = $1 ORDER BY relevance_score DESC, article_id`

	rows, err := r.db.Query(ctx, query, projectID)
	if err != nil {
		return nil, fmt.Errorf("failed to list extractions: %w", err)
	}
	defer rows.Close()

	var out []*domain.Extraction
	for rows.Next() {
		e, err := scanExtraction(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan extraction: %w", err)
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate extractions: %w", err)
	}
	return out, nil
}

// Count returns the number of extractions of a project.
func (r *PgExtractionRepository) Count(ctx context.Context, projectID string) (int, error) {
	return r.count(ctx, `SELECT COUNT(*) FROM extractions WHERE project_id = $1`, projectID)
}

// CountRelevant returns the number of extractions scoring at least minScore.
func (r *PgExtractionRepository) CountRelevant(ctx context.Context, projectID string, minScore float64) (int, error) {
	return r.count(ctx, `SELECT COUNT(*) FROM extractions WHERE project_id = $1 AND relevance_score >= $2`,
		projectID, minScore)
}

// CountWithData returns the number of extractions carrying extracted data.
func (r *PgExtractionRepository) CountWithData(ctx context.Context, projectID string) (int, error) {
	return r.count(ctx, `SELECT COUNT(*) FROM extractions
		WHERE project_id = $1 AND extracted_data IS NOT NULL AND extracted_data <> 'null'::jsonb`, projectID)
}

func (r *PgExtractionRepository) count(ctx context.Context, query string, args ...any) (int, error) {
	var n int
	if err := r.db.QueryRow(ctx, query, args...).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count extractions: %w", err)
	}
	return n, nil
}

// TopRelevant returns the best-scoring extractions joined with their abstracts.
func (r *PgExtractionRepository) TopRelevant(ctx context.Context, projectID string, minScore float64, limit int) ([]domain.RelevantArticle, error) {
	if limit <= 0 {
		limit = defaultFilterLimit
	}
	query := `
		SELECT e.article_id, COALESCE(NULLIF(s.title, ''), e.title), COALESCE(s.abstract, ''), e.relevance_score
		FROM extractions e
		LEFT JOIN search_results s ON s.project_id = e.project_id AND s.article_id = e.article_id
		WHERE e.project_id = $1 AND e.relevance_score >= $2
		ORDER BY e.relevance_score DESC, e.article_id
		LIMIT $3`

	rows, err := r.db.Query(ctx, query, projectID, minScore, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query relevant articles: %w", err)
	}
	defer rows.Close()

	var out []domain.RelevantArticle
	for rows.Next() {
		var a domain.RelevantArticle
		if err := rows.Scan(&a.ArticleID, &a.Title, &a.Abstract, &a.RelevanceScore); err != nil {
			return nil, fmt.Errorf("failed to scan relevant article: %w", err)
		}
		out = append(out, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate relevant articles: %w", err)
	}
	return out, nil
}

// DeleteByProject removes every extraction of a project.
func (r *PgExtractionRepository) DeleteByProject(ctx context.Context, projectID string) (int64, error) {
	result, err := r.db.Exec(ctx, `DELETE FROM extractions WHERE project_id = $1`, projectID)
	if err != nil {
		return 0, fmt.Errorf("failed to delete extractions: %w", err)
	}
	return result.RowsAffected(), nil
}

// SetValidation writes validations[evaluator] = decision on one extraction.
func (r *PgExtractionRepository) SetValidation(ctx context.Context, projectID, articleID, evaluator string, decision domain.ValidationDecision) error {
	if !decision.Valid() {
		return domain.NewValidationError("decision", "decision must be include or exclude")
	}
	if evaluator == "" {
		evaluator = domain.DefaultEvaluator
	}
	result, err := r.db.Exec(ctx, `
		UPDATE extractions
		SET validations = jsonb_set(COALESCE(validations, '{}'::jsonb), ARRAY[$3::text], to_jsonb($4::text)),
			updated_at = NOW()
		WHERE project_id = $1 AND article_id = $2`,
		projectID, articleID, evaluator, string(decision))
	if err != nil {
		return fmt.Errorf("failed to set validation: %w", err)
	}
	if result.RowsAffected() == 0 {
		return domain.NewNotFoundError("extraction", articleID)
	}
	return nil
}

// ListValidated returns the relevance score and decision of each extraction the evaluator
// validated.
func (r *PgExtractionRepository) ListValidated(ctx context.Context, projectID, evaluator string) ([]domain.ValidatedScore, error) {
	if evaluator == "" {
		evaluator = domain.DefaultEvaluator
	}
	rows, err := r.db.Query(ctx, `
		SELECT relevance_score, COALESCE(validations ->> $2, '')
		FROM extractions
		WHERE project_id = $1 AND validations ? $2
		ORDER BY article_id`, projectID, evaluator)
	if err != nil {
		return nil, fmt.Errorf("failed to list validations: %w", err)
	}
	defer rows.Close()

	var out []domain.ValidatedScore
	for rows.Next() {
		var (
			v        domain.ValidatedScore
			decision string
		)
		if err := rows.Scan(&v.RelevanceScore, &decision); err != nil {
			return nil, fmt.Errorf("failed to scan validation: %w", err)
		}
		v.Decision = domain.ValidationDecision(decision)
		out = append(out, v)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate validations: %w", err)
	}
	return out, nil
}

func scanExtraction(row pgx.Row) (*domain.Extraction, error) {
	var (
		e                 domain.Extraction
		data, validations []byte
	)
	err := row.Scan(
		&e.ID, &e.ProjectID, &e.ArticleID, &e.Title, &e.RelevanceScore, &e.RelevanceJustification,
		&data, &e.AnalysisSource, &validations, &e.CreatedAt, &e.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	e.ExtractedData = rawJSON(data)
	e.Validations = rawJSON(validations)
	return &e, nil
}

// nullJSON maps an empty payload to SQL NULL.
func nullJSON(raw []byte) any {
	if len(raw) == 0 {
		return nil
	}
	return raw
}
