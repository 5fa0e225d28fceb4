package httpserver

import (
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/helixir/literature-pipeline/internal/domain"
	"github.com/helixir/literature-pipeline/internal/observability"
	"github.com/helixir/literature-pipeline/internal/pipeline"
	"github.com/helixir/literature-pipeline/internal/repository"
)

// Pagination and body size constants.
const (
	defaultPageSize       = 50
	maxPageSize           = 100
	defaultLogLimit       = 200
	maxLogLimit           = 1000
	maxRequestBodySize    = 1 << 20 // 1 MB limit for JSON request bodies
	defaultMaxUploadBytes = 50 << 20
)

// createProject handles POST /projects.
func (s *Server) createProject(w http.ResponseWriter, r *http.Request) {
	var req createProjectRequest
	if !decodeRequest(w, r, &req, false) {
		return
	}

	project := &domain.Project{
		Name:        strings.TrimSpace(req.Name),
		Description: strings.TrimSpace(req.Description),
	}
	if err := s.repos.Projects.Create(r.Context(), project); err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, domainProjectToResponse(project))
}

// listProjects handles GET /projects with an optional comma-separated status filter.
func (s *Server) listProjects(w http.ResponseWriter, r *http.Request) {
	limit, offset := parsePaginationParams(r)
	filter := repository.ProjectFilter{Limit: limit, Offset: offset}
	if statusParam := r.URL.Query().Get("status"); statusParam != "" {
		for _, st := range strings.Split(statusParam, ",") {
			filter.Status = append(filter.Status, domain.ProjectStatus(strings.TrimSpace(st)))
		}
	}
	if err := filter.Validate(); err != nil {
		s.fail(w, r, err)
		return
	}

	projects, total, err := s.repos.Projects.List(r.Context(), filter)
	if err != nil {
		s.fail(w, r, err)
		return
	}

	items := make([]projectResponse, len(projects))
	for i, p := range projects {
		items[i] = domainProjectToResponse(p)
	}
	writeJSON(w, http.StatusOK, listProjectsResponse{
		Projects:      items,
		NextPageToken: encodeHTTPPageToken(offset, limit, int(total)),
		TotalCount:    int(total),
	})
}

// getProject handles GET /projects/{projectID}.
func (s *Server) getProject(w http.ResponseWriter, r *http.Request) {
	project, err := s.repos.Projects.Get(r.Context(), chi.URLParam(r, "projectID"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, domainProjectToResponse(project))
}

// deleteProject handles DELETE /projects/{projectID}.
func (s *Server) deleteProject(w http.ResponseWriter, r *http.Request) {
	if err := s.pipeline.DeleteProject(r.Context(), chi.URLParam(r, "projectID")); err != nil {
		s.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// startSearch handles POST /projects/{projectID}/search.
func (s *Server) startSearch(w http.ResponseWriter, r *http.Request) {
	var req searchRequest
	if !decodeRequest(w, r, &req, false) {
		return
	}
	projectID := chi.URLParam(r, "projectID")

	err := s.pipeline.StartSearch(r.Context(), pipeline.SearchRequest{
		ProjectID: projectID,
		Query:     req.Query,
		Databases: req.Databases,
		MaxPerDB:  req.MaxPerDB,
	})
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, acceptedResponse{
		ProjectID: projectID,
		Status:    string(domain.ProjectStatusSearching),
		Message:   "search queued",
	})
}

// startRun handles POST /projects/{projectID}/run.
func (s *Server) startRun(w http.ResponseWriter, r *http.Request) {
	var req runRequest
	if !decodeRequest(w, r, &req, true) {
		return
	}
	projectID := chi.URLParam(r, "projectID")

	queued, err := s.pipeline.StartRun(r.Context(), pipeline.RunRequest{
		ProjectID:  projectID,
		ArticleIDs: req.ArticleIDs,
		ProfileID:  req.Profile,
		Mode:       domain.AnalysisMode(req.AnalysisMode),
		GridID:     req.GridID,
	})
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, acceptedResponse{
		ProjectID: projectID,
		Status:    string(domain.ProjectStatusProcessing),
		Queued:    queued,
		Message:   strconv.Itoa(queued) + " articles queued",
	})
}

// startStage handles POST /projects/{projectID}/stages/{stage} for aggregation stages.
func (s *Server) startStage(w http.ResponseWriter, r *http.Request) {
	var req stageRequest
	if !decodeRequest(w, r, &req, true) {
		return
	}
	projectID := chi.URLParam(r, "projectID")
	stage := domain.Stage(chi.URLParam(r, "stage"))
	if !stage.Valid() {
		writeError(w, http.StatusNotFound, "unknown stage")
		return
	}

	if err := s.pipeline.StartStage(r.Context(), projectID, stage, req.Profile); err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, acceptedResponse{
		ProjectID: projectID,
		Status:    string(stage.Info().InProgress),
		Message:   string(stage) + " queued",
	})
}

// importZotero handles POST /projects/{projectID}/import/zotero. The body is the raw
// Zotero JSON export.
func (s *Server) importZotero(w http.ResponseWriter, r *http.Request) {
	defer r.Body.Close()
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, s.cfg.MaxUploadBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, "upload too large")
			return
		}
		writeError(w, http.StatusBadRequest, "failed to read request body")
		return
	}
	projectID := chi.URLParam(r, "projectID")

	taskID, err := s.pipeline.ImportZotero(r.Context(), projectID, string(body))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, acceptedResponse{
		ProjectID: projectID,
		TaskID:    taskID,
		Message:   "zotero import queued",
	})
}

// importZoteroPDFs handles POST /projects/{projectID}/import/zotero-pdfs. Credentials in
// the body override the configured Zotero library.
func (s *Server) importZoteroPDFs(w http.ResponseWriter, r *http.Request) {
	var req zoteroPDFsRequest
	if !decodeRequest(w, r, &req, false) {
		return
	}
	projectID := chi.URLParam(r, "projectID")

	taskID, err := s.pipeline.ImportZoteroPDFs(r.Context(), pipeline.ZoteroPDFsRequest{
		ProjectID:  projectID,
		ArticleIDs: req.ArticleIDs,
		UserID:     req.UserID,
		APIKey:     req.APIKey,
	})
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, acceptedResponse{
		ProjectID: projectID,
		TaskID:    taskID,
		Message:   fmt.Sprintf("zotero import queued for %d articles", len(req.ArticleIDs)),
	})
}

// fetchPDFs handles POST /projects/{projectID}/pdfs/fetch.
func (s *Server) fetchPDFs(w http.ResponseWriter, r *http.Request) {
	var req fetchPDFsRequest
	if !decodeRequest(w, r, &req, true) {
		return
	}
	projectID := chi.URLParam(r, "projectID")

	taskID, err := s.pipeline.FetchPDFs(r.Context(), projectID, req.ArticleIDs)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, acceptedResponse{
		ProjectID: projectID,
		TaskID:    taskID,
		Message:   "pdf fetch queued",
	})
}

// indexProject handles POST /projects/{projectID}/index.
func (s *Server) indexProject(w http.ResponseWriter, r *http.Request) {
	projectID := chi.URLParam(r, "projectID")
	if err := s.pipeline.IndexProject(r.Context(), projectID); err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, acceptedResponse{
		ProjectID: projectID,
		Status:    string(domain.ProjectStatusIndexing),
		Message:   "indexing queued",
	})
}

// chat handles POST /projects/{projectID}/chat.
func (s *Server) chat(w http.ResponseWriter, r *http.Request) {
	var req chatRequest
	if !decodeRequest(w, r, &req, false) {
		return
	}
	answer, err := s.pipeline.Ask(r.Context(), chi.URLParam(r, "projectID"), req.Question)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, answer)
}

// listExtractions handles GET /projects/{projectID}/extractions.
func (s *Server) listExtractions(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	projectID := chi.URLParam(r, "projectID")
	if _, err := s.repos.Projects.Get(ctx, projectID); err != nil {
		s.fail(w, r, err)
		return
	}

	extractions, err := s.repos.Extractions.ListByProject(ctx, projectID)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if extractions == nil {
		extractions = []*domain.Extraction{}
	}
	relevant := 0
	for _, e := range extractions {
		if e.IsRelevant() {
			relevant++
		}
	}
	writeJSON(w, http.StatusOK, listExtractionsResponse{
		Extractions:   extractions,
		TotalCount:    len(extractions),
		RelevantCount: relevant,
	})
}

// validateExtraction handles POST /projects/{projectID}/extractions/validate. It stores a
// reviewer's include or exclude verdict on a screened article.
func (s *Server) validateExtraction(w http.ResponseWriter, r *http.Request) {
	var req validationRequest
	if !decodeRequest(w, r, &req, false) {
		return
	}
	projectID := chi.URLParam(r, "projectID")
	evaluator := req.Evaluator
	if evaluator == "" {
		evaluator = domain.DefaultEvaluator
	}

	err := s.repos.Extractions.SetValidation(r.Context(), projectID, req.ArticleID, evaluator, domain.ValidationDecision(req.Decision))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, validationResponse{
		ProjectID: projectID,
		ArticleID: req.ArticleID,
		Evaluator: evaluator,
		Decision:  req.Decision,
	})
}

// validationStats handles GET /projects/{projectID}/validation-stats?evaluator=.
func (s *Server) validationStats(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	projectID := chi.URLParam(r, "projectID")
	if _, err := s.repos.Projects.Get(ctx, projectID); err != nil {
		s.fail(w, r, err)
		return
	}
	evaluator := r.URL.Query().Get("evaluator")
	if evaluator == "" {
		evaluator = domain.DefaultEvaluator
	}

	scores, err := s.repos.Extractions.ListValidated(ctx, projectID, evaluator)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, domain.ComputeValidationStats(evaluator, scores))
}

// listProcessingLog handles GET /projects/{projectID}/processing-log, newest entries first.
func (s *Server) listProcessingLog(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	projectID := chi.URLParam(r, "projectID")
	if _, err := s.repos.Projects.Get(ctx, projectID); err != nil {
		s.fail(w, r, err)
		return
	}

	limit := defaultLogLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		if parsed, err := strconv.Atoi(v); err == nil && parsed > 0 {
			limit = min(parsed, maxLogLimit)
		}
	}

	entries, err := s.repos.Logs.ListByProject(ctx, projectID, limit)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if entries == nil {
		entries = []*domain.ProcessingLogEntry{}
	}
	writeJSON(w, http.StatusOK, listLogResponse{Entries: entries})
}

// getResults handles GET /projects/{projectID}/results.
func (s *Server) getResults(w http.ResponseWriter, r *http.Request) {
	project, err := s.repos.Projects.Get(r.Context(), chi.URLParam(r, "projectID"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, domainProjectToResults(project))
}

// fail writes the mapped error response and logs failures the client cannot act on.
func (s *Server) fail(w http.ResponseWriter, r *http.Request, err error) {
	if code := writeDomainError(w, err); code >= http.StatusInternalServerError {
		logger := observability.LoggerFromContext(r.Context(), s.logger)
		logger.Error().
			Err(err).
			Str("path", r.URL.Path).
			Msg("request failed")
	}
}

// writeDomainError maps domain errors to HTTP status codes, writes a JSON error response and
// returns the status. Internal error details are not leaked to clients.
func writeDomainError(w http.ResponseWriter, err error) int {
	var stageErr *domain.StageFailedError
	if errors.As(err, &stageErr) {
		writeJSON(w, http.StatusUnprocessableEntity, errorResponse{Error: stageErr.Reason, Stage: string(stageErr.Stage)})
		return http.StatusUnprocessableEntity
	}

	code, message := http.StatusInternalServerError, "internal server error"
	switch {
	case errors.Is(err, domain.ErrNotFound):
		code, message = http.StatusNotFound, "resource not found"
		var nf *domain.NotFoundError
		if errors.As(err, &nf) {
			message = nf.Entity + " not found"
		}
	case errors.Is(err, domain.ErrInvalidInput):
		code, message = http.StatusBadRequest, "invalid input"
		var ve *domain.ValidationError
		if errors.As(err, &ve) {
			message = ve.Error()
		}
	case errors.Is(err, domain.ErrAlreadyExists):
		code, message = http.StatusConflict, "resource already exists"
	case errors.Is(err, domain.ErrStageInProgress):
		code, message = http.StatusConflict, "a stage is already in progress for this project"
	case errors.Is(err, domain.ErrInvalidTransition):
		code, message = http.StatusConflict, "the project cannot start this stage from its current status"
	case errors.Is(err, domain.ErrInUse):
		code, message = http.StatusConflict, "profile is used by a running project"
	case errors.Is(err, domain.ErrRateLimited):
		code, message = http.StatusTooManyRequests, "rate limited"
	case errors.Is(err, domain.ErrEmptyModelResponse):
		code, message = http.StatusBadGateway, "the model returned no answer"
	case errors.Is(err, domain.ErrServiceUnavailable):
		code, message = http.StatusServiceUnavailable, "service unavailable"
	}
	writeError(w, code, message)
	return code
}

// parsePaginationParams extracts page_size and page_token from query parameters.
// It applies default and maximum bounds to the page size.
func parsePaginationParams(r *http.Request) (limit, offset int) {
	limit = defaultPageSize
	if pageSizeStr := r.URL.Query().Get("page_size"); pageSizeStr != "" {
		if parsed, err := strconv.Atoi(pageSizeStr); err == nil && parsed > 0 {
			limit = parsed
		}
	}
	if limit > maxPageSize {
		limit = maxPageSize
	}

	if pageToken := r.URL.Query().Get("page_token"); pageToken != "" {
		decoded, err := base64.StdEncoding.DecodeString(pageToken)
		if err == nil {
			if parsed, parseErr := strconv.Atoi(string(decoded)); parseErr == nil && parsed > 0 {
				offset = parsed
			}
		}
	}

	return limit, offset
}

// encodeHTTPPageToken encodes the next offset as a base64 page token.
// Returns an empty string if there are no more results.
func encodeHTTPPageToken(offset, limit, totalCount int) string {
	nextOffset := offset + limit
	if nextOffset < totalCount {
		return base64.StdEncoding.EncodeToString([]byte(strconv.Itoa(nextOffset)))
	}
	return ""
}
