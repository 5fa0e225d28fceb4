package domain

import (
	"encoding/json"
	"time"
)

// Project is a literature review project and the unit the orchestrator tracks state for.
type Project struct {
	ID          string        `json:"id"`
	Name        string        `json:"name"`
	Description string        `json:"description,omitempty"`
	Status      ProjectStatus `json:"status"`

	// ProfileUsed is the AnalysisProfile id selected for the last run.
	ProfileUsed  string       `json:"profile_used,omitempty"`
	AnalysisMode AnalysisMode `json:"analysis_mode"`

	// PmidsCount is the number of articles submitted to the last run (or found by the last search).
	PmidsCount int `json:"pmids_count"`
	// ProcessedCount is the number of articles successfully processed in the current run.
	ProcessedCount int `json:"processed_count"`
	// TotalProcessingTime is the cumulative per-article wall-clock time in seconds.
	TotalProcessingTime float64 `json:"total_processing_time"`
	// RunID identifies the current per-article run. Article tasks carrying another id are stale.
	RunID string `json:"run_id,omitempty"`

	SearchQuery   string   `json:"search_query,omitempty"`
	DatabasesUsed []string `json:"databases_used,omitempty"`

	// Aggregate result payloads. Each is written by exactly one kind of aggregation task.
	SynthesisResult  json.RawMessage `json:"synthesis_result,omitempty"`
	DiscussionDraft  string          `json:"discussion_draft,omitempty"`
	KnowledgeGraph   json.RawMessage `json:"knowledge_graph,omitempty"`
	PrismaFlow       json.RawMessage `json:"prisma_flow,omitempty"`
	AnalysisResult   json.RawMessage `json:"analysis_result,omitempty"`
	AnalysisPlotPath string          `json:"analysis_plot_path,omitempty"`

	IndexedAt *time.Time `json:"indexed_at,omitempty"`
	CreatedAt time.Time  `json:"created_at"`
	UpdatedAt time.Time  `json:"updated_at"`
}

// HasSynthesis reports whether a synthesis result has been stored.
func (p *Project) HasSynthesis() bool {
	return len(p.SynthesisResult) > 0 && string(p.SynthesisResult) != "null"
}

// ProcessingLogEntry is one append-only audit record of a per-article task transition.
type ProcessingLogEntry struct {
	ID        int64     `json:"id"`
	ProjectID string    `json:"project_id"`
	ArticleID string    `json:"article_id"`
	Status    LogStatus `json:"status"`
	Details   string    `json:"details,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// AnalysisProfile is a named triple of model identifiers selected per run.
type AnalysisProfile struct {
	ID              string `json:"id"`
	Name            string `json:"name"`
	IsCustom        bool   `json:"is_custom"`
	PreprocessModel string `json:"preprocess_model"`
	ExtractModel    string `json:"extract_model"`
	SynthesisModel  string `json:"synthesis_model"`
}

// ModelFor returns the model identifier used for the given analysis mode.
func (p AnalysisProfile) ModelFor(mode AnalysisMode) string {
	if mode == AnalysisModeScreening {
		return p.PreprocessModel
	}
	return p.ExtractModel
}

// ExtractionGrid is a project-specific list of fields for full extraction.
type ExtractionGrid struct {
	ID        string    `json:"id"`
	ProjectID string    `json:"project_id"`
	Name      string    `json:"name"`
	Fields    []string  `json:"fields"`
	CreatedAt time.Time `json:"created_at"`
}

// Prompt is a stored prompt template.
type Prompt struct {
	ID          int64  `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	Template    string `json:"template"`
}

// Well-known prompt names seeded by the initial migration.
const (
	PromptScreening      = "screening_prompt"
	PromptFullExtraction = "full_extraction_prompt"
	PromptSynthesis      = "synthesis_prompt"
)
