package tasks

import (
	"context"
	"fmt"

	"github.com/helixir/literature-pipeline/internal/domain"
	"github.com/helixir/literature-pipeline/internal/observability"
	"github.com/helixir/literature-pipeline/internal/papersources/zotero"
	"github.com/helixir/literature-pipeline/internal/pipeline"
)

// ZoteroLibrary reads PDFs out of a Zotero library. *zotero.Client satisfies it.
type ZoteroLibrary interface {
	CheckKey(ctx context.Context, creds zotero.Credentials) error
	FindPDF(ctx context.Context, creds zotero.Credentials, articleID string) ([]byte, error)
}

// ImportZoteroPDFs copies the PDF attached to each listed article in a Zotero library
// into the project directory. Missing credentials and a rejected key are published as
// zotero_import_failed; otherwise zotero_import_completed lists the articles with and
// without a copied PDF.
func (h *Handlers) ImportZoteroPDFs(ctx context.Context, p pipeline.ZoteroPDFsPayload) error {
	logger := observability.WithProjectContext(observability.LoggerFromContext(ctx, h.logger), p.ProjectID)

	creds := zotero.Credentials{UserID: p.UserID, APIKey: p.APIKey}
	if !creds.Complete() {
		creds = h.ZoteroCredentials
	}
	if h.Zotero == nil || !creds.Complete() {
		h.notify(ctx, p.ProjectID, domain.EventZoteroPDFsFailed, "Zotero credentials are not configured.", nil)
		return nil
	}
	if err := h.Zotero.CheckKey(ctx, creds); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		logger.Warn().Err(err).Msg("zotero connection failed")
		h.notify(ctx, p.ProjectID, domain.EventZoteroPDFsFailed, fmt.Sprintf("Zotero connection failed: %v", err), nil)
		return nil
	}

	successful := []string{}
	failed := []string{}
	for _, id := range p.ArticleIDs {
		if err := ctx.Err(); err != nil {
			return err
		}
		content, err := h.Zotero.FindPDF(ctx, creds, id)
		switch {
		case err != nil:
			logger.Warn().Err(err).Str("article_id", id).Msg("zotero download failed")
			failed = append(failed, id)
			continue
		case len(content) == 0:
			logger.Debug().Str("article_id", id).Msg("no PDF in the Zotero library")
			failed = append(failed, id)
			continue
		}
		if err := h.Files.WriteFile(h.Files.ArticlePath(p.ProjectID, id), content); err != nil {
			logger.Error().Err(err).Str("article_id", id).Msg("could not store zotero PDF")
			failed = append(failed, id)
			continue
		}
		successful = append(successful, id)
	}

	logger.Info().Int("successful", len(successful)).Int("failed", len(failed)).Msg("zotero PDF import finished")
	h.notify(ctx, p.ProjectID, domain.EventZoteroPDFsCompleted,
		fmt.Sprintf("Zotero import finished: %d PDFs imported, %d failed.", len(successful), len(failed)),
		map[string]any{"successful": successful, "failed": failed})
	return nil
}
