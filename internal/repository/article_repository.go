package repository

import (
	"context"

	"github.com/helixir/literature-pipeline/internal/domain"
)

// ArticleRepository persists search results. (project_id, article_id) is unique and
// inserts never overwrite an existing row.
type ArticleRepository interface {
	// InsertIgnore inserts the article unless the pair already exists.
	// It reports whether a row was inserted.
	InsertIgnore(ctx context.Context, article *domain.Article) (bool, error)

	// Get retrieves an article by its external ID within a project.
	// Returns domain.ErrNotFound if absent.
	Get(ctx context.Context, projectID, articleID string) (*domain.Article, error)

	// ListByProject returns every article of a project in insertion order.
	ListByProject(ctx context.Context, projectID string) ([]*domain.Article, error)

	// Count returns the number of articles in a project.
	Count(ctx context.Context, projectID string) (int, error)

	// UpdateDOI stores a DOI resolved after the article was inserted.
	UpdateDOI(ctx context.Context, projectID, articleID, doi string) error
}

// ExtractionRepository persists per-article model output, one row per (project, article).
type ExtractionRepository interface {
	// Upsert inserts the extraction or replaces the existing row for the same pair. Stored
	// validations are kept when the new extraction carries none.
	Upsert(ctx context.Context, extraction *domain.Extraction) error

	// Get retrieves the extraction of one article. Returns domain.ErrNotFound if absent.
	Get(ctx context.Context, projectID, articleID string) (*domain.Extraction, error)

	// ListByProject returns every extraction of a project, highest relevance first.
	ListByProject(ctx context.Context, projectID string) ([]*domain.Extraction, error)

	// Count returns the number of extractions of a project.
	Count(ctx context.Context, projectID string) (int, error)

	// CountRelevant returns the number of extractions scoring at least minScore.
	CountRelevant(ctx context.Context, projectID string, minScore float64) (int, error)

	// CountWithData returns the number of extractions carrying extracted data.
	CountWithData(ctx context.Context, projectID string) (int, error)

	// TopRelevant returns up to limit extractions scoring at least minScore, joined with
	// their article abstracts, highest score first.
	TopRelevant(ctx context.Context, projectID string, minScore float64, limit int) ([]domain.RelevantArticle, error)

	// DeleteByProject removes every extraction of a project.
	DeleteByProject(ctx context.Context, projectID string) (int64, error)

	// SetValidation stores the evaluator's decision on an extraction, keeping the decisions
	// of other evaluators. Returns domain.ErrNotFound if the extraction is absent.
	SetValidation(ctx context.Context, projectID, articleID, evaluator string, decision domain.ValidationDecision) error

	// ListValidated returns the score and decision of every extraction the evaluator validated.
	ListValidated(ctx context.Context, projectID, evaluator string) ([]domain.ValidatedScore, error)
}

// ProcessingLogRepository appends and reads per-article audit entries.
type ProcessingLogRepository interface {
	// Append adds one entry.
	Append(ctx context.Context, projectID, articleID string, status domain.LogStatus, details string) error

	// AppendSuccess adds the success entry of an article unless it already has one. It
	// reports whether the entry was added.
	AppendSuccess(ctx context.Context, projectID, articleID, details string) (bool, error)

	// ListByProject returns the latest entries of a project, newest first.
	ListByProject(ctx context.Context, projectID string, limit int) ([]*domain.ProcessingLogEntry, error)

	// CountFinished returns the number of distinct articles with a success or error entry.
	CountFinished(ctx context.Context, projectID string) (int, error)

	// DeleteByProject removes every entry of a project.
	DeleteByProject(ctx context.Context, projectID string) (int64, error)
}
