// Package papersources provides the bibliographic database clients used by the search
// stage and the metadata fetch of the per-article task.
//
// Each database (PubMed, arXiv, Crossref) implements PaperSource and is registered in a
// Registry, which the search task queries one database at a time. Resolver maps a bare
// article identifier to the database that can describe it.
//
// Example usage:
//
//	source := pubmed.New(cfg, httpclient.New(httpclient.Config{}))
//	result, err := source.Search(ctx, papersources.SearchParams{
//		Query:      "amyloid PET tau",
//		MaxResults: 50,
//	})
package papersources

import (
	"context"
	"time"

	"github.com/helixir/literature-pipeline/internal/domain"
)

// DefaultMaxResults is the per-database result cap used when none is given.
const DefaultMaxResults = 50

// SearchParams defines the parameters for searching a database.
type SearchParams struct {
	// Query is the search query string (required). Each database interprets its own syntax.
	Query string

	// MaxResults limits the number of articles returned. Zero uses the source default.
	MaxResults int

	// DateFrom and DateTo bound the publication date where the source supports it.
	DateFrom *time.Time
	DateTo   *time.Time
}

// SearchResult contains the articles found by one database.
type SearchResult struct {
	// Articles holds the bibliographic records found. May be empty.
	Articles []*domain.ArticleDetails

	// TotalResults is the match count reported by the database, which may exceed
	// len(Articles).
	TotalResults int

	// Source identifies which database produced the result.
	Source domain.SourceType

	// SearchDuration covers network latency and parsing.
	SearchDuration time.Duration
}

// PaperSource is implemented by every database client.
type PaperSource interface {
	// Search queries the database. Implementations respect context cancellation and
	// pace requests through their rate limiter.
	Search(ctx context.Context, params SearchParams) (*SearchResult, error)

	// GetByID retrieves one record by its database identifier. It returns a
	// domain.NotFoundError when the database has no such record.
	GetByID(ctx context.Context, id string) (*domain.ArticleDetails, error)

	SourceType() domain.SourceType
	Name() string
	IsEnabled() bool
}

// Recorder receives per-source metrics. *observability.Metrics satisfies it.
type Recorder interface {
	RecordSourceRequest(source, operation string, durationSeconds float64)
	RecordArticlesFound(source string, count int)
}
