package papersources

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/rs/zerolog"

	"github.com/helixir/literature-pipeline/internal/domain"
)

// IDKind is the identifier family detected from a bare article id.
type IDKind string

const (
	IDKindDOI     IDKind = "doi"
	IDKindPMID    IDKind = "pmid"
	IDKindArXiv   IDKind = "arxiv"
	IDKindUnknown IDKind = "unknown"
)

// DetectIDKind classifies an article id. Rules are applied in order: a "10." prefix
// containing "/" is a DOI, seven or more digits a PMID, and anything mentioning arxiv or
// holding exactly one dot an arXiv id.
func DetectIDKind(id string) IDKind {
	id = strings.TrimSpace(id)
	switch {
	case strings.HasPrefix(id, "10.") && strings.Contains(id, "/"):
		return IDKindDOI
	case len(id) >= 7 && isDigits(id):
		return IDKindPMID
	case strings.Contains(strings.ToLower(id), "arxiv") || strings.Count(id, ".") == 1:
		return IDKindArXiv
	default:
		return IDKindUnknown
	}
}

func isDigits(s string) bool {
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return s != ""
}

// Resolver fetches article metadata by bare id from the registered sources.
type Resolver struct {
	registry *Registry
	logger   zerolog.Logger
}

// NewResolver creates a Resolver over the sources in registry.
func NewResolver(registry *Registry, logger zerolog.Logger) *Resolver {
	return &Resolver{
		registry: registry,
		logger:   logger.With().Str("component", "metadata_resolver").Logger(),
	}
}

// FetchDetails returns the metadata for id. Any failure, including a record without a
// title, is reported as an error wrapping domain.ErrMetadataUnavailable.
func (r *Resolver) FetchDetails(ctx context.Context, id string) (*domain.ArticleDetails, error) {
	id = strings.TrimSpace(id)
	kind := DetectIDKind(id)

	var order []domain.SourceType
	switch kind {
	case IDKindDOI:
		order = []domain.SourceType{domain.SourceTypeCrossref}
	case IDKindPMID:
		order = []domain.SourceType{domain.SourceTypePubMed}
	case IDKindArXiv:
		order = []domain.SourceType{domain.SourceTypeArXiv}
	default:
		order = []domain.SourceType{domain.SourceTypePubMed, domain.SourceTypeCrossref}
	}

	var errs []error
	for _, st := range order {
		details, err := r.fetchFrom(ctx, st, id)
		if err == nil {
			return details, nil
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		r.logger.Debug().Err(err).Str("article_id", id).Str("source", string(st)).Msg("metadata fetch failed")
		errs = append(errs, err)
	}
	return nil, fmt.Errorf("%w: %s (%s): %w", domain.ErrMetadataUnavailable, id, kind, errors.Join(errs...))
}

func (r *Resolver) fetchFrom(ctx context.Context, st domain.SourceType, id string) (*domain.ArticleDetails, error) {
	source := r.registry.Get(st)
	if source == nil || !source.IsEnabled() {
		return nil, fmt.Errorf("%s: %w", st, domain.ErrServiceUnavailable)
	}
	details, err := source.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if strings.TrimSpace(details.Title) == "" {
		return nil, fmt.Errorf("%s returned a record without a title", source.Name())
	}
	if details.Source == "" {
		details.Source = st
	}
	details.ExternalID = id
	return details, nil
}

// ResolveDOI returns the DOI for an article, looking it up through PubMed when only a
// PMID is known. It returns "" with a nil error when no DOI exists.
func (r *Resolver) ResolveDOI(ctx context.Context, article *domain.Article) (string, error) {
	if doi := strings.TrimSpace(article.DOI); doi != "" {
		return doi, nil
	}
	switch DetectIDKind(article.ArticleID) {
	case IDKindDOI:
		return article.ArticleID, nil
	case IDKindPMID:
		source := r.registry.Get(domain.SourceTypePubMed)
		if source == nil || !source.IsEnabled() {
			return "", nil
		}
		details, err := source.GetByID(ctx, article.ArticleID)
		if err != nil {
			if errors.Is(err, domain.ErrNotFound) {
				return "", nil
			}
			return "", fmt.Errorf("lookup doi for pmid %s: %w", article.ArticleID, err)
		}
		return details.DOI, nil
	default:
		return "", nil
	}
}
