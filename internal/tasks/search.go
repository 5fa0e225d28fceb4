package tasks

import (
	"context"
	"fmt"

	"github.com/helixir/literature-pipeline/internal/domain"
	"github.com/helixir/literature-pipeline/internal/observability"
	"github.com/helixir/literature-pipeline/internal/papersources"
	"github.com/helixir/literature-pipeline/internal/pipeline"
)

// Search queries every requested database and inserts the articles found. The stage
// fails only when no database answered.
func (h *Handlers) Search(ctx context.Context, p pipeline.SearchPayload) error {
	logger := observability.WithStageContext(observability.LoggerFromContext(ctx, h.logger), p.ProjectID, string(domain.StageSearch))

	if err := h.Stages.Resume(ctx, p.ProjectID, domain.StageSearch); err != nil {
		if isStale(err) {
			logger.Warn().Err(err).Msg("stale search task skipped")
			return nil
		}
		return err
	}

	types := make([]domain.SourceType, 0, len(p.Databases))
	for _, db := range p.Databases {
		types = append(types, domain.SourceType(db))
	}
	results := h.Searcher.SearchSources(ctx, papersources.SearchParams{Query: p.Query, MaxResults: p.MaxPerDB}, types)

	articles := h.Store.Repos().Articles
	found, inserted, answered := 0, 0, 0
	for _, res := range results {
		if res.Error != nil {
			logger.Warn().Err(res.Error).Str("database", string(res.Source)).Msg("database search failed")
			h.notify(ctx, p.ProjectID, domain.EventSearchProgress, fmt.Sprintf("Search failed in %s.", res.Source),
				map[string]any{"database": string(res.Source), "error": res.Error.Error()})
			continue
		}
		answered++

		added := 0
		for _, details := range res.Result.Articles {
			if details == nil || details.ExternalID == "" {
				continue
			}
			ok, err := articles.InsertIgnore(ctx, details.ToArticle(p.ProjectID, details.ExternalID))
			if err != nil {
				return fmt.Errorf("insert %s article %s: %w", res.Source, details.ExternalID, err)
			}
			if ok {
				added++
			}
		}
		found += len(res.Result.Articles)
		inserted += added

		h.notify(ctx, p.ProjectID, domain.EventSearchProgress,
			fmt.Sprintf("Search finished in %s: %d results.", res.Source, len(res.Result.Articles)),
			map[string]any{"database": string(res.Source), "count": len(res.Result.Articles), "inserted": added})
	}

	if answered == 0 {
		h.failStage(ctx, p.ProjectID, domain.StageSearch, "No database could be searched.", logger)
		return nil
	}

	if err := h.Store.Repos().Projects.SetArticleCount(ctx, p.ProjectID, inserted); err != nil {
		return err
	}
	if err := h.Stages.Complete(ctx, p.ProjectID, domain.StageSearch,
		fmt.Sprintf("Search finished: %d articles found, %d new.", found, inserted),
		map[string]any{"total_found": found, "inserted": inserted, "databases": answered}); err != nil {
		logger.Warn().Err(err).Msg("could not complete search")
	}
	logger.Info().Int("found", found).Int("inserted", inserted).Msg("search completed")
	return nil
}
