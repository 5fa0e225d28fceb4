package tasks

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/helixir/literature-pipeline/internal/domain"
	"github.com/helixir/literature-pipeline/internal/observability"
	"github.com/helixir/literature-pipeline/internal/pipeline"
)

// FetchPDFs downloads open-access PDFs for the listed articles, or every article of the
// project when none are listed. Articles without a DOI or an open-access copy are
// skipped; the outcome is reported as successful and total counts.
func (h *Handlers) FetchPDFs(ctx context.Context, p pipeline.PDFFetchPayload) error {
	logger := observability.WithProjectContext(observability.LoggerFromContext(ctx, h.logger), p.ProjectID)

	articles, err := h.fetchTargets(ctx, p)
	if err != nil {
		return err
	}

	var fetched []string
	for _, a := range articles {
		if err := ctx.Err(); err != nil {
			return err
		}
		ok, err := h.fetchArticlePDF(ctx, a, logger)
		if err != nil {
			logger.Warn().Err(err).Str("article_id", a.ArticleID).Msg("open-access fetch failed")
			continue
		}
		if ok {
			fetched = append(fetched, a.ArticleID)
		}
	}

	logger.Info().Int("fetched", len(fetched)).Int("total", len(articles)).Msg("open-access fetch finished")
	h.notify(ctx, p.ProjectID, domain.EventPDFFetchCompleted,
		fmt.Sprintf("Open-access search finished: %d/%d PDFs found.", len(fetched), len(articles)),
		map[string]any{
			"successful_count": len(fetched),
			"total_count":      len(articles),
			"article_ids":      fetched,
		})
	return nil
}

func (h *Handlers) fetchTargets(ctx context.Context, p pipeline.PDFFetchPayload) ([]*domain.Article, error) {
	repo := h.Store.Repos().Articles
	if len(p.ArticleIDs) == 0 {
		return repo.ListByProject(ctx, p.ProjectID)
	}
	out := make([]*domain.Article, 0, len(p.ArticleIDs))
	for _, id := range p.ArticleIDs {
		a, err := repo.Get(ctx, p.ProjectID, id)
		if err != nil {
			if isNotFound(err) {
				continue
			}
			return nil, err
		}
		out = append(out, a)
	}
	return out, nil
}

func (h *Handlers) fetchArticlePDF(ctx context.Context, a *domain.Article, logger zerolog.Logger) (bool, error) {
	doi := a.DOI
	if doi == "" && h.DOIs != nil {
		resolved, err := h.DOIs.ResolveDOI(ctx, a)
		if err != nil {
			return false, err
		}
		if resolved != "" {
			doi = resolved
			if err := h.Store.Repos().Articles.UpdateDOI(ctx, a.ProjectID, a.ArticleID, doi); err != nil {
				logger.Warn().Err(err).Str("article_id", a.ArticleID).Msg("could not store resolved DOI")
			}
		}
	}
	if doi == "" {
		logger.Debug().Str("article_id", a.ArticleID).Msg("no DOI, skipping")
		return false, nil
	}

	url, err := h.OpenPDFs.PDFURL(ctx, doi)
	if err != nil {
		return false, err
	}
	if url == "" {
		logger.Debug().Str("doi", doi).Msg("no open-access PDF")
		return false, nil
	}

	result, err := h.Download.Download(ctx, url)
	if err != nil {
		return false, fmt.Errorf("download %s: %w", url, err)
	}
	if err := h.Files.WriteFile(h.Files.ArticlePath(a.ProjectID, a.ArticleID), result.Content); err != nil {
		return false, err
	}
	return true, nil
}
