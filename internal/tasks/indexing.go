package tasks

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/helixir/literature-pipeline/internal/domain"
	"github.com/helixir/literature-pipeline/internal/index"
	"github.com/helixir/literature-pipeline/internal/observability"
	"github.com/helixir/literature-pipeline/internal/pdf"
	"github.com/helixir/literature-pipeline/internal/pipeline"
)

// IndexProject extracts the text of every project PDF and stores its chunks in the
// vector index, replacing what the project had indexed before.
func (h *Handlers) IndexProject(ctx context.Context, p pipeline.IndexPayload) error {
	logger := observability.WithStageContext(observability.LoggerFromContext(ctx, h.logger), p.ProjectID, string(domain.StageIndexing))

	if err := h.Stages.Resume(ctx, p.ProjectID, domain.StageIndexing); err != nil {
		if isStale(err) {
			logger.Warn().Err(err).Msg("stale indexing task skipped")
			return nil
		}
		return err
	}

	paths, err := h.Files.ArticlePDFs(p.ProjectID)
	if err != nil {
		return err
	}
	if len(paths) == 0 {
		h.failStage(ctx, p.ProjectID, domain.StageIndexing, "No PDF found to index.", logger)
		return nil
	}

	docs := make([]index.Document, 0, len(paths))
	for _, path := range paths {
		text, err := h.Extractor.ExtractText(ctx, path)
		if err != nil {
			logger.Warn().Err(err).Str("path", path).Msg("text extraction failed")
			continue
		}
		if strings.TrimSpace(text) == "" {
			continue
		}
		docs = append(docs, index.Document{
			ArticleID: pdf.ArticleIDFromPath(path),
			Source:    filepath.Base(path),
			Text:      text,
		})
	}
	if len(docs) == 0 {
		h.failStage(ctx, p.ProjectID, domain.StageIndexing, "No text could be extracted from the project PDFs.", logger)
		return nil
	}

	stats, err := h.Indexer.IndexDocuments(ctx, p.ProjectID, docs)
	if err != nil {
		h.failStage(ctx, p.ProjectID, domain.StageIndexing, fmt.Sprintf("Indexing failed: %v", err), logger)
		return nil
	}
	if err := h.Store.Repos().Projects.MarkIndexed(ctx, p.ProjectID, time.Now().UTC()); err != nil {
		return err
	}

	if err := h.Stages.Complete(ctx, p.ProjectID, domain.StageIndexing,
		fmt.Sprintf("Indexing finished: %d chunks from %d documents.", stats.Chunks, stats.Documents),
		map[string]any{
			"successful_files": stats.Documents,
			"total_files":      len(paths),
			"total_chunks":     stats.Chunks,
			"filtered_chunks":  stats.FilteredChunks,
		}); err != nil {
		logger.Warn().Err(err).Msg("could not complete indexing")
	}
	return nil
}
