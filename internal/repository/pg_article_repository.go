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
var _ ArticleRepository = (*PgArticleRepository)(nil)

// PgArticleRepository is a PostgreSQL implementation of ArticleRepository.
type PgArticleRepository struct {
	db DBTX
}

// NewPgArticleRepository creates a new PostgreSQL article repository.
func NewPgArticleRepository(db DBTX) *PgArticleRepository {
	return &PgArticleRepository{db: db}
}

const articleColumns = `id, project_id, article_id, zotero_key, title, abstract, authors,
			publication_date, journal, doi, url, database_source, created_at`

// InsertIgnore inserts the article unless (project_id, article_id) exists.
func (r *PgArticleRepository) InsertIgnore(ctx context.Context, article *domain.Article) (bool, error) {
	if article == nil {
		return false, domain.NewValidationError("article", "article cannot be nil")
	}
	if article.ProjectID == "" {
		return false, domain.NewValidationError("project_id", "project ID is required")
	}
	if article.ArticleID == "" {
		return false, domain.NewValidationError("article_id", "article ID is required")
	}
	if article.ID == "" {
		article.ID = uuid.NewString()
	}
	if article.DatabaseSource == "" {
		article.DatabaseSource = domain.SourceTypeManualFetch
	}
	if article.CreatedAt.IsZero() {
		article.CreatedAt = time.Now().UTC()
	}

	query := `
		INSERT INTO search_results (` + articleColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		ON CONFLICT (project_id, article_id) DO NOTHING`

	result, err := r.db.Exec(ctx, query,
		article.ID, article.ProjectID, article.ArticleID, article.ZoteroKey, article.Title,
		article.Abstract, article.Authors, article.PublicationDate, article.Journal,
		article.DOI, article.URL, article.DatabaseSource, article.CreatedAt,
	)
	if err != nil {
		if isPgForeignKeyViolation(err) {
			return false, domain.NewNotFoundError("project", article.ProjectID)
		}
		return false, fmt.Errorf("failed to insert article: %w", err)
	}
	return result.RowsAffected() == 1, nil
}

// Get retrieves an article by its external ID within a project.
func (r *PgArticleRepository) Get(ctx context.Context, projectID, articleID string) (*domain.Article, error) {
	query := `SELECT ` + articleColumns + ` FROM search_results WHERE project_id = $1 AND article_id = $2`

	article, err := scanArticle(r.db.QueryRow(ctx, query, projectID, articleID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.NewNotFoundError("article", articleID)
		}
		return nil, fmt.Errorf("failed to get article: %w", err)
	}
	return article, nil
}

// ListByProject returns every article of a project.
func (r *PgArticleRepository) ListByProject(ctx context.Context, projectID string) ([]*domain.Article, error) {
	query := `SELECT ` + articleColumns + ` FROM search_results WHERE project_id = $1 ORDER BY created_at, article_id`

	rows, err := r.db.Query(ctx, query, projectID)
	if err != nil {
		return nil, fmt.Errorf("failed to list articles: %w", err)
	}
	defer rows.Close()

	var articles []*domain.Article
	for rows.Next() {
		article, err := scanArticle(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan article: %w", err)
		}
		articles = append(articles, article)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate articles: %w", err)
	}
	return articles, nil
}

// Count returns the number of articles in a project.
func (r *PgArticleRepository) Count(ctx context.Context, projectID string) (int, error) {
	var n int
	if err := r.db.QueryRow(ctx, `SELECT COUNT(*) FROM search_results WHERE project_id = $1`, projectID).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count articles: %w", err)
	}
	return n, nil
}

// UpdateDOI stores a DOI resolved after insertion.
func (r *PgArticleRepository) UpdateDOI(ctx context.Context, projectID, articleID, doi string) error {
	result, err := r.db.Exec(ctx, `
		UPDATE search_results SET doi = $3 WHERE project_id = $1 AND article_id = $2`,
		projectID, articleID, doi)
	if err != nil {
		return fmt.Errorf("failed to update article doi: %w", err)
	}
	if result.RowsAffected() == 0 {
		return domain.NewNotFoundError("article", articleID)
	}
	return nil
}

func scanArticle(row pgx.Row) (*domain.Article, error) {
	var a domain.Article
	err := row.Scan(
		&a.ID, &a.ProjectID, &a.ArticleID, &a.ZoteroKey, &a.Title, &a.Abstract, &a.Authors,
		&a.PublicationDate, &a.Journal, &a.DOI, &a.URL, &a.DatabaseSource, &a.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &a, nil
}
