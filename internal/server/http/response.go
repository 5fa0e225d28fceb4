package httpserver

import (
	"encoding/json"
	"time"

	"github.com/helixir/literature-pipeline/internal/domain"
	"github.com/helixir/literature-pipeline/internal/taskqueue"
)

type errorResponse struct {
	Error string `json:"error"`
	// Stage is set when a stage refused to start.
	Stage string `json:"stage,omitempty"`
}

type healthResponse struct {
	Status string            `json:"status"`
	Checks map[string]string `json:"checks"`
}

type projectResponse struct {
	ID                  string     `json:"id"`
	Name                string     `json:"name"`
	Description         string     `json:"description,omitempty"`
	Status              string     `json:"status"`
	ProfileUsed         string     `json:"profile_used,omitempty"`
	AnalysisMode        string     `json:"analysis_mode"`
	PmidsCount          int        `json:"pmids_count"`
	ProcessedCount      int        `json:"processed_count"`
	Progress            float64    `json:"progress"`
	TotalProcessingTime float64    `json:"total_processing_time"`
	SearchQuery         string     `json:"search_query,omitempty"`
	DatabasesUsed       []string   `json:"databases_used"`
	HasSynthesis        bool       `json:"has_synthesis"`
	IndexedAt           *time.Time `json:"indexed_at,omitempty"`
	CreatedAt           time.Time  `json:"created_at"`
	UpdatedAt           time.Time  `json:"updated_at"`
}

type listProjectsResponse struct {
	Projects      []projectResponse `json:"projects"`
	NextPageToken string            `json:"next_page_token,omitempty"`
	TotalCount    int               `json:"total_count"`
}

type resultsResponse struct {
	ProjectID        string          `json:"project_id"`
	Status           string          `json:"status"`
	SynthesisResult  json.RawMessage `json:"synthesis_result,omitempty"`
	DiscussionDraft  string          `json:"discussion_draft,omitempty"`
	KnowledgeGraph   json.RawMessage `json:"knowledge_graph,omitempty"`
	PrismaFlow       json.RawMessage `json:"prisma_flow,omitempty"`
	AnalysisResult   json.RawMessage `json:"analysis_result,omitempty"`
	AnalysisPlotPath string          `json:"analysis_plot_path,omitempty"`
	IndexedAt        *time.Time      `json:"indexed_at,omitempty"`
}

// acceptedResponse acknowledges work handed to the task queue.
type acceptedResponse struct {
	ProjectID string `json:"project_id,omitempty"`
	Status    string `json:"status,omitempty"`
	TaskID    string `json:"task_id,omitempty"`
	Queued    int    `json:"queued,omitempty"`
	Message   string `json:"message"`
}

type listExtractionsResponse struct {
	Extractions []*domain.Extraction `json:"extractions"`
	TotalCount  int                  `json:"total_count"`
	// RelevantCount counts extractions at or above the relevance threshold.
	RelevantCount int `json:"relevant_count"`
}

type validationResponse struct {
	ProjectID string `json:"project_id"`
	ArticleID string `json:"article_id"`
	Evaluator string `json:"evaluator"`
	Decision  string `json:"decision"`
}

type listLogResponse struct {
	Entries []*domain.ProcessingLogEntry `json:"entries"`
}

type queueStatsResponse struct {
	Queues []taskqueue.Stats `json:"queues"`
}

type clearQueuesResponse struct {
	Cleared map[taskqueue.Queue]int64 `json:"cleared"`
}

func domainProjectToResponse(p *domain.Project) projectResponse {
	resp := projectResponse{
		ID:                  p.ID,
		Name:                p.Name,
		Description:         p.Description,
		Status:              string(p.Status),
		ProfileUsed:         p.ProfileUsed,
		AnalysisMode:        string(p.AnalysisMode),
		PmidsCount:          p.PmidsCount,
		ProcessedCount:      p.ProcessedCount,
		TotalProcessingTime: p.TotalProcessingTime,
		SearchQuery:         p.SearchQuery,
		DatabasesUsed:       p.DatabasesUsed,
		HasSynthesis:        p.HasSynthesis(),
		IndexedAt:           p.IndexedAt,
		CreatedAt:           p.CreatedAt,
		UpdatedAt:           p.UpdatedAt,
	}
	if resp.DatabasesUsed == nil {
		resp.DatabasesUsed = []string{}
	}
	if p.PmidsCount > 0 {
		resp.Progress = float64(p.ProcessedCount) / float64(p.PmidsCount)
	}
	return resp
}

func domainProjectToResults(p *domain.Project) resultsResponse {
	return resultsResponse{
		ProjectID:        p.ID,
		Status:           string(p.Status),
		SynthesisResult:  p.SynthesisResult,
		DiscussionDraft:  p.DiscussionDraft,
		KnowledgeGraph:   p.KnowledgeGraph,
		PrismaFlow:       p.PrismaFlow,
		AnalysisResult:   p.AnalysisResult,
		AnalysisPlotPath: p.AnalysisPlotPath,
		IndexedAt:        p.IndexedAt,
	}
}
