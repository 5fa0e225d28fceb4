// Package tasks implements the work the pipeline queues: the per-article task, the
// aggregation stages and the background jobs (search, imports, PDF fetch, indexing,
// model pulls).
//
// Handlers dispatches a queued task to its implementation by kind and is the
// taskqueue.Handler of every worker backend. OnFailure is the hook the worker pool calls
// for a task that will not run again.
package tasks

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/helixir/literature-pipeline/internal/domain"
	"github.com/helixir/literature-pipeline/internal/index"
	"github.com/helixir/literature-pipeline/internal/llm"
	"github.com/helixir/literature-pipeline/internal/notify"
	"github.com/helixir/literature-pipeline/internal/observability"
	"github.com/helixir/literature-pipeline/internal/papersources"
	"github.com/helixir/literature-pipeline/internal/papersources/zotero"
	"github.com/helixir/literature-pipeline/internal/pdf"
	"github.com/helixir/literature-pipeline/internal/pipeline"
	"github.com/helixir/literature-pipeline/internal/repository"
	"github.com/helixir/literature-pipeline/internal/taskqueue"
)

// MetadataFetcher resolves a bare article identifier to its bibliographic record.
type MetadataFetcher interface {
	FetchDetails(ctx context.Context, externalID string) (*domain.ArticleDetails, error)
}

// TextExtractor returns the normalized text of a PDF file.
type TextExtractor interface {
	ExtractText(ctx context.Context, pdfPath string) (string, error)
}

// Indexer stores project documents for retrieval.
type Indexer interface {
	IndexDocuments(ctx context.Context, projectID string, docs []index.Document) (index.Stats, error)
	Query(ctx context.Context, projectID, question string, k int) ([]index.Match, error)
}

// Searcher queries bibliographic databases concurrently.
type Searcher interface {
	SearchSources(ctx context.Context, params papersources.SearchParams, sourceTypes []domain.SourceType) []papersources.SourceResult
}

// DOIResolver finds the DOI of an article.
type DOIResolver interface {
	ResolveDOI(ctx context.Context, article *domain.Article) (string, error)
}

// OpenAccessLocator returns the URL of an open-access PDF for a DOI, or "".
type OpenAccessLocator interface {
	PDFURL(ctx context.Context, doi string) (string, error)
}

// Downloader fetches a PDF.
type Downloader interface {
	Download(ctx context.Context, url string) (*pdf.DownloadResult, error)
}

// Recorder receives per-article metrics. *observability.Metrics satisfies it.
type Recorder interface {
	RecordArticleProcessed(outcome string)
	RecordContentSource(source string)
}

// Deps are the collaborators of the task handlers. Background collaborators may be nil
// when the matching task kind is never queued.
type Deps struct {
	Store     repository.Store
	Stages    *pipeline.Stages
	Generator llm.Generator
	Puller    llm.ModelPuller
	Fetcher   MetadataFetcher
	Extractor TextExtractor
	Files     *pdf.Store
	Searcher  Searcher
	DOIs      DOIResolver
	OpenPDFs  OpenAccessLocator
	Download  Downloader
	Indexer   Indexer
	Zotero    ZoteroLibrary
	Publisher notify.Publisher
	Metrics   Recorder
	Logger    zerolog.Logger

	// ZoteroCredentials is the library used when a Zotero PDF import names none.
	ZoteroCredentials zotero.Credentials
}

// Handlers runs queued tasks.
type Handlers struct {
	Deps
	logger zerolog.Logger
}

var _ taskqueue.Handler = (*Handlers)(nil)

// NewHandlers creates the task handlers.
func NewHandlers(deps Deps) *Handlers {
	return &Handlers{
		Deps:   deps,
		logger: deps.Logger.With().Str("component", "tasks").Logger(),
	}
}

// Handle decodes the task payload and runs the task of its kind.
func (h *Handlers) Handle(ctx context.Context, task *taskqueue.Task) error {
	switch task.Kind {
	case pipeline.KindArticle:
		var p pipeline.ArticlePayload
		if err := task.Decode(&p); err != nil {
			return err
		}
		return h.ProcessArticle(ctx, p)
	case pipeline.KindSearch:
		var p pipeline.SearchPayload
		if err := task.Decode(&p); err != nil {
			return err
		}
		return h.Search(ctx, p)
	case pipeline.KindZoteroImport:
		var p pipeline.ZoteroImportPayload
		if err := task.Decode(&p); err != nil {
			return err
		}
		return h.ImportZotero(ctx, p)
	case pipeline.KindZoteroPDFs:
		var p pipeline.ZoteroPDFsPayload
		if err := task.Decode(&p); err != nil {
			return err
		}
		return h.ImportZoteroPDFs(ctx, p)
	case pipeline.KindPDFFetch:
		var p pipeline.PDFFetchPayload
		if err := task.Decode(&p); err != nil {
			return err
		}
		return h.FetchPDFs(ctx, p)
	case pipeline.KindIndex:
		var p pipeline.IndexPayload
		if err := task.Decode(&p); err != nil {
			return err
		}
		return h.IndexProject(ctx, p)
	case pipeline.KindPullModel:
		var p pipeline.PullModelPayload
		if err := task.Decode(&p); err != nil {
			return err
		}
		return h.PullModel(ctx, p)
	}

	if _, ok := pipeline.StageFromKind(task.Kind); ok {
		var p pipeline.StagePayload
		if err := task.Decode(&p); err != nil {
			return err
		}
		return h.Aggregate(ctx, p)
	}
	return fmt.Errorf("unknown task kind %q", task.Kind)
}

// OnFailure records a task the worker pool gave up on. A per-article task gets its
// error entry and the run completion check; a stage task fails its stage.
func (h *Handlers) OnFailure(ctx context.Context, task *taskqueue.Task, cause error) {
	logger := observability.LoggerFromContext(ctx, h.logger)
	reason := fmt.Sprintf("task abandoned (%s): %v", taskqueue.FailureReason(cause), cause)

	switch task.Kind {
	case pipeline.KindArticle:
		var p pipeline.ArticlePayload
		if err := task.Decode(&p); err != nil {
			logger.Error().Err(err).Msg("cannot decode abandoned article task")
			return
		}
		if !h.recordArticleError(ctx, p, reason, logger) {
			return
		}
		h.publishArticleProcessed(ctx, p.ProjectID, p.ArticleID, domain.LogStatusError)
		if err := h.Stages.CheckRunCompletion(ctx, p.ProjectID); err != nil {
			logger.Error().Err(err).Msg("run completion check failed")
		}
		return
	case pipeline.KindSearch:
		var p pipeline.SearchPayload
		if err := task.Decode(&p); err == nil {
			h.failStage(ctx, p.ProjectID, domain.StageSearch, reason, logger)
		}
		return
	case pipeline.KindIndex:
		var p pipeline.IndexPayload
		if err := task.Decode(&p); err == nil {
			h.failStage(ctx, p.ProjectID, domain.StageIndexing, reason, logger)
		}
		return
	case pipeline.KindZoteroImport:
		var p pipeline.ZoteroImportPayload
		if err := task.Decode(&p); err == nil {
			h.notify(ctx, p.ProjectID, domain.EventImportFailed, reason, nil)
		}
		return
	case pipeline.KindZoteroPDFs:
		var p pipeline.ZoteroPDFsPayload
		if err := task.Decode(&p); err == nil {
			h.notify(ctx, p.ProjectID, domain.EventZoteroPDFsFailed, reason, nil)
		}
		return
	}

	if stage, ok := pipeline.StageFromKind(task.Kind); ok {
		var p pipeline.StagePayload
		if err := task.Decode(&p); err == nil {
			h.failStage(ctx, p.ProjectID, stage, reason, logger)
		}
		return
	}
	logger.Error().Err(cause).Str("kind", task.Kind).Msg("task abandoned")
}

// PullModel downloads a model into the model backend.
func (h *Handlers) PullModel(ctx context.Context, p pipeline.PullModelPayload) error {
	if p.Model == "" {
		return domain.NewValidationError("model", "model name is required")
	}
	logger := observability.LoggerFromContext(ctx, h.logger)
	logger.Info().Str("model", p.Model).Msg("pulling model")
	if err := h.Puller.PullModel(ctx, p.Model); err != nil {
		return fmt.Errorf("pull model %s: %w", p.Model, err)
	}
	logger.Info().Str("model", p.Model).Msg("model pulled")
	return nil
}

// isStale reports whether a stage task found its project outside the stage, as happens
// when a task is redelivered after the stage resolved or the project was deleted.
func isStale(err error) bool {
	return errors.Is(err, domain.ErrInvalidTransition) || errors.Is(err, domain.ErrStageInProgress) || errors.Is(err, domain.ErrNotFound)
}

func (h *Handlers) failStage(ctx context.Context, projectID string, stage domain.Stage, reason string, logger zerolog.Logger) {
	if err := h.Stages.Fail(ctx, projectID, stage, reason); err != nil {
		logger.Warn().Err(err).Str("stage", string(stage)).Msg("could not mark stage failed")
	}
}

func (h *Handlers) notify(ctx context.Context, projectID, event, message string, data map[string]any) {
	notify.Send(ctx, h.Publisher, h.logger, domain.NewNotification(projectID, event, message, data))
}

func isNotFound(err error) bool {
	return errors.Is(err, domain.ErrNotFound)
}
