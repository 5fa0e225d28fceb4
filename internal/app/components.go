package app

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/helixir/literature-pipeline/internal/config"
	"github.com/helixir/literature-pipeline/internal/httpclient"
	"github.com/helixir/literature-pipeline/internal/index"
	"github.com/helixir/literature-pipeline/internal/llm"
	"github.com/helixir/literature-pipeline/internal/notify"
	"github.com/helixir/literature-pipeline/internal/observability"
	"github.com/helixir/literature-pipeline/internal/papersources"
	"github.com/helixir/literature-pipeline/internal/papersources/arxiv"
	"github.com/helixir/literature-pipeline/internal/papersources/crossref"
	"github.com/helixir/literature-pipeline/internal/papersources/pubmed"
	"github.com/helixir/literature-pipeline/internal/papersources/unpaywall"
	"github.com/helixir/literature-pipeline/internal/papersources/zotero"
	"github.com/helixir/literature-pipeline/internal/pdf"
	"github.com/helixir/literature-pipeline/internal/pipeline"
	"github.com/helixir/literature-pipeline/internal/repository"
	"github.com/helixir/literature-pipeline/internal/tasks"
)

// pubmedKeyedRate is the NCBI allowance for callers sending an API key.
const pubmedKeyedRate = 10.0

// NewHTTPClient creates an outbound client with the shared retry policy, paced at
// ratePerSecond when it is positive.
func NewHTTPClient(cfg config.HTTPClientConfig, ratePerSecond float64, metrics *observability.Metrics, logger zerolog.Logger) *httpclient.Client {
	return newHTTPClient(cfg, cfg.Timeout, ratePerSecond, metrics, logger)
}

func newHTTPClient(cfg config.HTTPClientConfig, timeout time.Duration, ratePerSecond float64, metrics *observability.Metrics, logger zerolog.Logger) *httpclient.Client {
	opts := []httpclient.Option{
		httpclient.WithMetrics(metrics),
		httpclient.WithLogger(logger),
	}
	if ratePerSecond > 0 {
		burst := int(ratePerSecond)
		if burst < 1 {
			burst = 1
		}
		opts = append(opts, httpclient.WithRateLimiter(httpclient.NewRateLimiter(ratePerSecond, burst)))
	}
	return httpclient.New(httpclient.Config{
		Timeout:     timeout,
		MaxRetries:  cfg.MaxRetries,
		BackoffBase: cfg.BackoffBase,
		Jitter:      cfg.Jitter,
		UserAgent:   cfg.UserAgent,
	}, opts...)
}

// NewRegistry registers the enabled bibliographic sources, each with its own paced client.
func NewRegistry(cfg *config.Config, metrics *observability.Metrics, logger zerolog.Logger) *papersources.Registry {
	registry := papersources.NewRegistry(metrics)
	sources := cfg.PaperSources

	if sources.PubMed.Enabled {
		rate := sources.PubMed.RateLimit
		if sources.PubMed.APIKey != "" && rate < pubmedKeyedRate {
			rate = pubmedKeyedRate
		}
		hc := newHTTPClient(cfg.HTTPClient, sources.PubMed.Timeout, rate, metrics, logger)
		registry.Register(pubmed.New(pubmed.Config{
			BaseURL:    sources.PubMed.BaseURL,
			APIKey:     sources.PubMed.APIKey,
			Email:      sources.PubMed.Email,
			MaxResults: sources.PubMed.MaxResults,
			Enabled:    true,
		}, hc))
		logger.Info().Float64("rate_limit", rate).Msg("pubmed source registered")
	}

	if sources.ArXiv.Enabled {
		hc := newHTTPClient(cfg.HTTPClient, sources.ArXiv.Timeout, sources.ArXiv.RateLimit, metrics, logger)
		registry.Register(arxiv.New(arxiv.Config{
			BaseURL:    sources.ArXiv.BaseURL,
			MaxResults: sources.ArXiv.MaxResults,
			Enabled:    true,
		}, hc))
		logger.Info().Float64("rate_limit", sources.ArXiv.RateLimit).Msg("arxiv source registered")
	}

	if sources.Crossref.Enabled {
		hc := newHTTPClient(cfg.HTTPClient, sources.Crossref.Timeout, sources.Crossref.RateLimit, metrics, logger)
		registry.Register(crossref.New(crossref.Config{
			BaseURL:    sources.Crossref.BaseURL,
			Email:      sources.Crossref.Email,
			MaxResults: sources.Crossref.MaxResults,
			Enabled:    true,
		}, hc))
		logger.Info().Float64("rate_limit", sources.Crossref.RateLimit).Msg("crossref source registered")
	}

	return registry
}

// NewModelClient creates the Ollama adapter.
func NewModelClient(cfg config.LLMConfig, metrics *observability.Metrics, logger zerolog.Logger) *llm.OllamaClient {
	return llm.NewOllamaClient(llm.Config{
		BaseURL:        cfg.BaseURL,
		Timeout:        cfg.Timeout,
		MaxRetries:     cfg.MaxRetries,
		RetryDelay:     cfg.RetryDelay,
		EmbeddingModel: cfg.EmbeddingModel,
		PullTimeout:    cfg.PullTimeout,
	}, llm.WithMetrics(metrics), llm.WithLogger(logger))
}

// NewIndexer creates the project indexer over Qdrant. The caller closes the store.
func NewIndexer(cfg *config.Config, embedder llm.Embedder, logger zerolog.Logger) (*index.Indexer, *index.QdrantStore, error) {
	store, err := index.NewQdrantStore(index.QdrantConfig{
		Address:        cfg.Qdrant.Address,
		CollectionName: cfg.Qdrant.CollectionName,
		VectorSize:     cfg.Qdrant.VectorSize,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("create qdrant store: %w", err)
	}
	ix := index.NewIndexer(store, embedder, cfg.Index.ChunkSize, cfg.Index.ChunkOverlap, logger)
	return ix, store, nil
}

// HandlerDeps are the process-level collaborators the task handlers are built on.
type HandlerDeps struct {
	Store     repository.Store
	Stages    *pipeline.Stages
	Publisher notify.Publisher
	Models    *llm.OllamaClient
	Indexer   *index.Indexer
	Files     *pdf.Store
	Metrics   *observability.Metrics
}

// NewTaskHandlers wires the per-article, aggregation and background task handlers.
func NewTaskHandlers(cfg *config.Config, deps HandlerDeps, logger zerolog.Logger) *tasks.Handlers {
	registry := NewRegistry(cfg, deps.Metrics, logger)
	resolver := papersources.NewResolver(registry, logger)

	openAccess := unpaywall.New(unpaywall.Config{
		BaseURL: cfg.Unpaywall.BaseURL,
		Email:   cfg.Unpaywall.Email,
	}, NewHTTPClient(cfg.HTTPClient, 0, deps.Metrics, logger))

	library := zotero.New(zotero.Config{
		BaseURL: cfg.Zotero.BaseURL,
	}, NewHTTPClient(cfg.HTTPClient, cfg.Zotero.RateLimit, deps.Metrics, logger))

	downloader := pdf.NewDownloader(pdf.Config{
		Timeout:   cfg.HTTPClient.Timeout,
		MaxSize:   cfg.Storage.MaxPDFBytes,
		UserAgent: cfg.HTTPClient.UserAgent,
	})

	return tasks.NewHandlers(tasks.Deps{
		Store:     deps.Store,
		Stages:    deps.Stages,
		Generator: deps.Models,
		Puller:    deps.Models,
		Fetcher:   resolver,
		Extractor: pdf.NewExtractor(logger),
		Files:     deps.Files,
		Searcher:  registry,
		DOIs:      resolver,
		OpenPDFs:  openAccess,
		Download:  downloader,
		Indexer:   deps.Indexer,
		Zotero:    library,
		Publisher: deps.Publisher,
		Metrics:   deps.Metrics,
		Logger:    logger,

		ZoteroCredentials: zotero.Credentials{UserID: cfg.Zotero.UserID, APIKey: cfg.Zotero.APIKey},
	})
}

// EnsureIndex creates the Qdrant collection when missing.
func EnsureIndex(ctx context.Context, store *index.QdrantStore, logger zerolog.Logger) error {
	if err := store.EnsureCollection(ctx); err != nil {
		return fmt.Errorf("ensure qdrant collection: %w", err)
	}
	logger.Info().Msg("qdrant collection ready")
	return nil
}
