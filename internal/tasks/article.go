package tasks

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/helixir/literature-pipeline/internal/domain"
	"github.com/helixir/literature-pipeline/internal/observability"
	"github.com/helixir/literature-pipeline/internal/pipeline"
	"github.com/helixir/literature-pipeline/internal/repository"
)

// MinContentLength is the trimmed length below which extracted PDF text is ignored in
// favour of the title and abstract.
const MinContentLength = 250

// Content sources reported to metrics.
const (
	contentPDF      = "pdf"
	contentAbstract = "abstract"
)

// ProcessArticle analyses one article of a run and records the outcome. Failures are
// recorded as an error log entry and never returned, so a recorded failure is not
// redelivered. It accumulates the elapsed time, publishes article_processed and checks
// whether the run is finished.
//
// A task is skipped without any record when its project left the run that queued it,
// and a redelivered task of an article that already succeeded changes nothing.
func (h *Handlers) ProcessArticle(ctx context.Context, p pipeline.ArticlePayload) error {
	start := time.Now()
	logger := observability.WithArticleContext(observability.LoggerFromContext(ctx, h.logger), p.ProjectID, p.ArticleID).
		With().Str("run_id", p.RunID).Logger()
	repos := h.Store.Repos()

	current, err := h.isCurrentRun(ctx, p)
	if err != nil {
		return err
	}
	if !current {
		logger.Info().Msg("skipping article task of a finished or replaced run")
		return nil
	}

	model := p.Model()
	if err := repos.Logs.Append(ctx, p.ProjectID, p.ArticleID, domain.LogStatusStarting,
		fmt.Sprintf("%s analysis with model %s", p.Mode, model)); err != nil {
		logger.Warn().Err(err).Msg("could not append starting entry")
	}

	status := domain.LogStatusSuccess
	first, err := h.analyseArticle(ctx, p, model, logger)
	switch {
	case errors.Is(err, domain.ErrStaleTask):
		logger.Info().Err(err).Msg("run changed during analysis, discarding the result")
		return nil
	case err != nil:
		status = domain.LogStatusError
		logger.Error().Err(err).Msg("article processing failed")
		recorded := h.recordArticleError(ctx, p, fmt.Sprintf("processing article %s: %v", p.ArticleID, err), logger)
		if !recorded {
			return nil
		}
	case !first:
		logger.Info().Msg("article already succeeded in this run")
		return nil
	}
	if h.Metrics != nil {
		h.Metrics.RecordArticleProcessed(string(status))
	}

	elapsed := time.Since(start).Seconds()
	if err := repos.Projects.AddProcessingTime(ctx, p.ProjectID, elapsed); err != nil {
		logger.Error().Err(err).Msg("could not record processing time")
	}
	h.publishArticleProcessed(ctx, p.ProjectID, p.ArticleID, status)

	if err := h.Stages.CheckRunCompletion(ctx, p.ProjectID); err != nil {
		logger.Error().Err(err).Msg("run completion check failed")
	}
	return nil
}

// isCurrentRun reports whether the project is still processing the run that queued p.
func (h *Handlers) isCurrentRun(ctx context.Context, p pipeline.ArticlePayload) (bool, error) {
	project, err := h.Store.Repos().Projects.Get(ctx, p.ProjectID)
	if err != nil {
		if isNotFound(err) {
			return false, nil
		}
		return false, fmt.Errorf("load project: %w", err)
	}
	return project.Status == domain.ProjectStatusProcessing && project.RunID == p.RunID, nil
}

// analyseArticle runs the model and stores the result. It reports false when the
// article already had a success entry, in which case nothing is written.
func (h *Handlers) analyseArticle(ctx context.Context, p pipeline.ArticlePayload, model string, logger zerolog.Logger) (bool, error) {
	article, err := h.resolveArticle(ctx, p.ProjectID, p.ArticleID, logger)
	if err != nil {
		return false, err
	}

	content := h.articleContent(ctx, article, logger)
	prompt, err := h.articlePrompt(ctx, article, p.Mode, p.GridID, content)
	if err != nil {
		return false, err
	}

	result := h.Generator.GenerateJSON(ctx, model, prompt)
	if len(result) == 0 {
		return false, fmt.Errorf("model %s: %w", model, domain.ErrEmptyModelResponse)
	}

	extraction, err := newExtraction(article, p.Mode, model, result)
	if err != nil {
		return false, err
	}

	var first bool
	err = h.Store.InTx(ctx, func(repos repository.Repositories) error {
		if err := repos.Projects.LockRun(ctx, p.ProjectID, p.RunID); err != nil {
			return err
		}
		var err error
		first, err = repos.Logs.AppendSuccess(ctx, p.ProjectID, p.ArticleID, fmt.Sprintf("%s analysis succeeded", p.Mode))
		if err != nil {
			return fmt.Errorf("append success entry: %w", err)
		}
		if !first {
			return nil
		}
		if err := repos.Extractions.Upsert(ctx, extraction); err != nil {
			return fmt.Errorf("upsert extraction: %w", err)
		}
		if _, err := repos.Projects.IncrementProcessed(ctx, p.ProjectID); err != nil {
			return fmt.Errorf("increment processed count: %w", err)
		}
		return nil
	})
	return first, err
}

// resolveArticle reads the article, fetching and inserting its metadata when the run
// names an article the project does not hold yet.
func (h *Handlers) resolveArticle(ctx context.Context, projectID, articleID string, logger zerolog.Logger) (*domain.Article, error) {
	articles := h.Store.Repos().Articles
	article, err := articles.Get(ctx, projectID, articleID)
	if err == nil {
		return article, nil
	}
	if !errors.Is(err, domain.ErrNotFound) {
		return nil, fmt.Errorf("load article: %w", err)
	}
	if h.Fetcher == nil {
		return nil, fmt.Errorf("article %s is not in the project and no metadata source is configured", articleID)
	}

	logger.Info().Msg("article not in project, fetching details")
	details, err := h.Fetcher.FetchDetails(ctx, articleID)
	if err != nil {
		return nil, fmt.Errorf("fetch details of %s: %w", articleID, err)
	}
	if details == nil || strings.TrimSpace(details.Title) == "" {
		return nil, fmt.Errorf("fetch details of %s: no title returned", articleID)
	}
	if _, err := articles.InsertIgnore(ctx, details.ToArticle(projectID, articleID)); err != nil {
		return nil, fmt.Errorf("insert article: %w", err)
	}
	article, err = articles.Get(ctx, projectID, articleID)
	if err != nil {
		return nil, fmt.Errorf("reload article: %w", err)
	}
	return article, nil
}

// articleContent returns the PDF text of the article, or its title and abstract when
// the PDF is missing or carries too little text.
func (h *Handlers) articleContent(ctx context.Context, article *domain.Article, logger zerolog.Logger) string {
	repos := h.Store.Repos()
	if h.Files != nil && h.Extractor != nil && h.Files.HasArticle(article.ProjectID, article.ArticleID) {
		text, err := h.Extractor.ExtractText(ctx, h.Files.ArticlePath(article.ProjectID, article.ArticleID))
		if err != nil {
			logger.Warn().Err(err).Msg("pdf text extraction failed")
		}
		if len(strings.TrimSpace(text)) >= MinContentLength {
			h.recordContentSource(contentPDF)
			return text
		}
		if err := repos.Logs.Append(ctx, article.ProjectID, article.ArticleID, domain.LogStatusNoContent,
			"PDF found but its text is empty or too short, using the abstract"); err != nil {
			logger.Warn().Err(err).Msg("could not append no_content entry")
		}
	} else {
		if err := repos.Logs.Append(ctx, article.ProjectID, article.ArticleID, domain.LogStatusNoPDF,
			"no local PDF, using the abstract"); err != nil {
			logger.Warn().Err(err).Msg("could not append no_pdf entry")
		}
	}
	h.recordContentSource(contentAbstract)
	return fmt.Sprintf("Title: %s\n\nAbstract: %s", article.Title, article.Abstract)
}

func newExtraction(article *domain.Article, mode domain.AnalysisMode, model string, result map[string]any) (*domain.Extraction, error) {
	data, err := json.Marshal(result)
	if err != nil {
		return nil, fmt.Errorf("encode model output: %w", err)
	}
	ext := &domain.Extraction{
		ProjectID:      article.ProjectID,
		ArticleID:      article.ArticleID,
		Title:          article.Title,
		ExtractedData:  data,
		AnalysisSource: domain.AnalysisSourceTag(mode, model),
	}
	if mode == domain.AnalysisModeScreening {
		ext.RelevanceScore = toFloat(result["relevance_score"])
		ext.RelevanceJustification, _ = result["justification"].(string)
	}
	return ext, nil
}

// toFloat reads a score the model may have written as a number or a string, 0 when
// it is absent or not numeric.
func toFloat(v any) float64 {
	f, _ := number(v)
	return f
}

// recordArticleError appends the error entry of a failed article. It reports false when
// nothing was recorded because the run that queued p is over or replaced.
func (h *Handlers) recordArticleError(ctx context.Context, p pipeline.ArticlePayload, details string, logger zerolog.Logger) bool {
	err := h.Store.InTx(ctx, func(repos repository.Repositories) error {
		if err := repos.Projects.LockRun(ctx, p.ProjectID, p.RunID); err != nil {
			return err
		}
		return repos.Logs.Append(ctx, p.ProjectID, p.ArticleID, domain.LogStatusError, details)
	})
	if errors.Is(err, domain.ErrStaleTask) {
		logger.Info().Err(err).Msg("not recording error of a finished or replaced run")
		return false
	}
	if err != nil {
		logger.Error().Err(err).Msg("could not append error entry")
	}
	return true
}

func (h *Handlers) publishArticleProcessed(ctx context.Context, projectID, articleID string, status domain.LogStatus) {
	h.notify(ctx, projectID, domain.EventArticleProcessed, fmt.Sprintf("Article %s processed.", articleID),
		map[string]any{"article_id": articleID, "status": string(status)})
}

func (h *Handlers) recordContentSource(source string) {
	if h.Metrics != nil {
		h.Metrics.RecordContentSource(source)
	}
}
