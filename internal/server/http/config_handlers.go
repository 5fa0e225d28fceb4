package httpserver

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/helixir/literature-pipeline/internal/domain"
)

// listProfiles handles GET /profiles.
func (s *Server) listProfiles(w http.ResponseWriter, r *http.Request) {
	profiles, err := s.repos.Profiles.List(r.Context())
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if profiles == nil {
		profiles = []*domain.AnalysisProfile{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"profiles": profiles})
}

// createProfile handles POST /profiles. Created profiles are always custom.
func (s *Server) createProfile(w http.ResponseWriter, r *http.Request) {
	var req profileRequest
	if !decodeRequest(w, r, &req, false) {
		return
	}
	profile := req.toDomain(strings.TrimSpace(req.ID))
	if err := s.repos.Profiles.Create(r.Context(), profile); err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, profile)
}

// updateProfile handles PUT /profiles/{profileID}. Profiles used by a running project are
// refused with 409.
func (s *Server) updateProfile(w http.ResponseWriter, r *http.Request) {
	var req profileRequest
	if !decodeRequest(w, r, &req, false) {
		return
	}
	profile := req.toDomain(chi.URLParam(r, "profileID"))
	if err := s.repos.Profiles.Update(r.Context(), profile); err != nil {
		s.fail(w, r, err)
		return
	}

	updated, err := s.repos.Profiles.Get(r.Context(), profile.ID)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, updated)
}

// deleteProfile handles DELETE /profiles/{profileID}.
func (s *Server) deleteProfile(w http.ResponseWriter, r *http.Request) {
	if err := s.repos.Profiles.Delete(r.Context(), chi.URLParam(r, "profileID")); err != nil {
		s.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (req profileRequest) toDomain(id string) *domain.AnalysisProfile {
	return &domain.AnalysisProfile{
		ID:              id,
		Name:            strings.TrimSpace(req.Name),
		PreprocessModel: strings.TrimSpace(req.PreprocessModel),
		ExtractModel:    strings.TrimSpace(req.ExtractModel),
		SynthesisModel:  strings.TrimSpace(req.SynthesisModel),
	}
}

// listPrompts handles GET /prompts.
func (s *Server) listPrompts(w http.ResponseWriter, r *http.Request) {
	prompts, err := s.repos.Prompts.List(r.Context())
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if prompts == nil {
		prompts = []*domain.Prompt{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"prompts": prompts})
}

// updatePrompt handles PUT /prompts/{promptID}.
func (s *Server) updatePrompt(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "promptID"), 10, 64)
	if err != nil || id <= 0 {
		writeError(w, http.StatusBadRequest, "prompt_id must be a positive integer")
		return
	}
	var req promptRequest
	if !decodeRequest(w, r, &req, false) {
		return
	}

	if err := s.repos.Prompts.Update(r.Context(), id, strings.TrimSpace(req.Description), req.Template); err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, domain.Prompt{ID: id, Description: strings.TrimSpace(req.Description), Template: req.Template})
}

// createGrid handles POST /projects/{projectID}/grids.
func (s *Server) createGrid(w http.ResponseWriter, r *http.Request) {
	var req gridRequest
	if !decodeRequest(w, r, &req, false) {
		return
	}
	ctx := r.Context()
	projectID := chi.URLParam(r, "projectID")
	if _, err := s.repos.Projects.Get(ctx, projectID); err != nil {
		s.fail(w, r, err)
		return
	}

	fields := make([]string, 0, len(req.Fields))
	for _, f := range req.Fields {
		fields = append(fields, strings.TrimSpace(f))
	}
	grid := &domain.ExtractionGrid{
		ProjectID: projectID,
		Name:      strings.TrimSpace(req.Name),
		Fields:    fields,
	}
	if err := s.repos.Grids.Create(ctx, grid); err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, grid)
}

// listGrids handles GET /projects/{projectID}/grids.
func (s *Server) listGrids(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	projectID := chi.URLParam(r, "projectID")
	if _, err := s.repos.Projects.Get(ctx, projectID); err != nil {
		s.fail(w, r, err)
		return
	}
	grids, err := s.repos.Grids.ListByProject(ctx, projectID)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if grids == nil {
		grids = []*domain.ExtractionGrid{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"grids": grids})
}

// queueStats handles GET /queues.
func (s *Server) queueStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.pipeline.QueueStats(r.Context())
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, queueStatsResponse{Queues: stats})
}

// clearQueues handles POST /queues/clear. Tasks already running are not interrupted.
func (s *Server) clearQueues(w http.ResponseWriter, r *http.Request) {
	cleared, err := s.pipeline.ClearQueues(r.Context())
	if err != nil {
		s.fail(w, r, err)
		return
	}
	s.logger.Warn().Interface("cleared", cleared).Msg("task queues cleared")
	writeJSON(w, http.StatusOK, clearQueuesResponse{Cleared: cleared})
}

// pullModel handles POST /models/pull.
func (s *Server) pullModel(w http.ResponseWriter, r *http.Request) {
	var req pullModelRequest
	if !decodeRequest(w, r, &req, false) {
		return
	}
	taskID, err := s.pipeline.PullModel(r.Context(), req.Model)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, acceptedResponse{
		TaskID:  taskID,
		Message: "model pull queued",
	})
}
