// Package observability provides logging and metrics support for the
// literature pipeline.
//
// # Logging
//
// Create a logger from configuration:
//
//	logger := observability.NewLogger(observability.LoggingConfig{
//	    Level:  "info",
//	    Format: "json",
//	    Output: "stdout",
//	})
//
// Per-article work logs with project and article fields:
//
//	log := observability.WithArticleContext(logger, projectID, articleID)
//	log.Info().Str("status", "no_pdf").Msg("falling back to abstract")
//
// Queue workers attach task fields:
//
//	log := observability.WithTaskContext(logger, task.ID, task.Queue, task.Kind, task.Attempt)
//
// # Metrics
//
// NewMetrics registers all collectors with the default registry through promauto:
//
//	metrics := observability.NewMetrics("litpipe")
//	metrics.RecordTaskCompleted("articles", "article.process", 12.5)
//
// # Standard Fields
//
//   - request_id: HTTP request identifier
//   - project_id: Project identifier
//   - article_id: External article identifier (PMID, DOI, arXiv id)
//   - task_id, queue, task_kind, attempt: Queue task identity
//   - stage: Pipeline stage name
package observability
