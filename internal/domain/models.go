// Package domain provides domain models and business logic for the literature pipeline.
package domain

// ProjectStatus represents the lifecycle states of a project.
// Each pipeline stage has its own in-progress marker; completed and failed are shared by all
// stages except search, which reports its own terminal states.
type ProjectStatus string

const (
	ProjectStatusPending            ProjectStatus = "pending"
	ProjectStatusSearching          ProjectStatus = "searching"
	ProjectStatusSearchCompleted    ProjectStatus = "search_completed"
	ProjectStatusSearchFailed       ProjectStatus = "search_failed"
	ProjectStatusProcessing         ProjectStatus = "processing"
	ProjectStatusSynthesizing       ProjectStatus = "synthesizing"
	ProjectStatusGeneratingGraph    ProjectStatus = "generating_graph"
	ProjectStatusGeneratingPrisma   ProjectStatus = "generating_prisma"
	ProjectStatusGeneratingAnalysis ProjectStatus = "generating_analysis"
	ProjectStatusIndexing           ProjectStatus = "indexing"
	ProjectStatusCompleted          ProjectStatus = "completed"
	ProjectStatusFailed             ProjectStatus = "failed"
)

// IsInProgress returns true if a stage is currently running for the project.
func (s ProjectStatus) IsInProgress() bool {
	switch s {
	case ProjectStatusSearching, ProjectStatusProcessing, ProjectStatusSynthesizing,
		ProjectStatusGeneratingGraph, ProjectStatusGeneratingPrisma,
		ProjectStatusGeneratingAnalysis, ProjectStatusIndexing:
		return true
	default:
		return false
	}
}

// IsFailure returns true if the status records a failed stage.
func (s ProjectStatus) IsFailure() bool {
	return s == ProjectStatusFailed || s == ProjectStatusSearchFailed
}

// Valid reports whether s is a known status.
func (s ProjectStatus) Valid() bool {
	switch s {
	case ProjectStatusPending, ProjectStatusSearchCompleted, ProjectStatusSearchFailed,
		ProjectStatusCompleted, ProjectStatusFailed:
		return true
	default:
		return s.IsInProgress()
	}
}

// stageTerminals lists the statuses each in-progress marker may resolve to.
var stageTerminals = map[ProjectStatus][]ProjectStatus{
	ProjectStatusSearching:          {ProjectStatusSearchCompleted, ProjectStatusSearchFailed},
	ProjectStatusProcessing:         {ProjectStatusCompleted, ProjectStatusFailed},
	ProjectStatusSynthesizing:       {ProjectStatusCompleted, ProjectStatusFailed},
	ProjectStatusGeneratingGraph:    {ProjectStatusCompleted, ProjectStatusFailed},
	ProjectStatusGeneratingPrisma:   {ProjectStatusCompleted, ProjectStatusFailed},
	ProjectStatusGeneratingAnalysis: {ProjectStatusCompleted, ProjectStatusFailed},
	ProjectStatusIndexing:           {ProjectStatusCompleted, ProjectStatusFailed},
}

// CanTransition reports whether a project may move from one status to another.
//
// A project at rest (pending or any terminal status) may enter any stage. A running stage may
// only resolve to its own terminal statuses. Re-asserting the current in-progress marker is
// allowed so that redelivered tasks stay idempotent.
func CanTransition(from, to ProjectStatus) bool {
	if !from.Valid() || !to.Valid() {
		return false
	}
	if from.IsInProgress() {
		if from == to {
			return true
		}
		for _, t := range stageTerminals[from] {
			if t == to {
				return true
			}
		}
		return false
	}
	return to.IsInProgress()
}

// AnalysisMode selects how a per-article task evaluates its article.
type AnalysisMode string

const (
	AnalysisModeScreening      AnalysisMode = "screening"
	AnalysisModeFullExtraction AnalysisMode = "full_extraction"
)

// Valid reports whether m is a known analysis mode.
func (m AnalysisMode) Valid() bool {
	return m == AnalysisModeScreening || m == AnalysisModeFullExtraction
}

// LogStatus is the status recorded in a processing log entry.
type LogStatus string

const (
	LogStatusStarting  LogStatus = "starting"
	LogStatusNoPDF     LogStatus = "no_pdf"
	LogStatusNoContent LogStatus = "no_content"
	LogStatusSuccess   LogStatus = "success"
	LogStatusError     LogStatus = "error"
)

// SourceType identifies where an article's metadata came from.
type SourceType string

const (
	SourceTypePubMed       SourceType = "pubmed"
	SourceTypeArXiv        SourceType = "arxiv"
	SourceTypeCrossref     SourceType = "crossref"
	SourceTypeZoteroImport SourceType = "zotero_import"
	SourceTypeManualFetch  SourceType = "manual_fetch"
)

// RelevanceThreshold is the screening score at or above which an article counts as relevant.
const RelevanceThreshold = 7.0

var allStatuses = []ProjectStatus{
	ProjectStatusPending, ProjectStatusSearching, ProjectStatusSearchCompleted, ProjectStatusSearchFailed,
	ProjectStatusProcessing, ProjectStatusSynthesizing, ProjectStatusGeneratingGraph,
	ProjectStatusGeneratingPrisma, ProjectStatusGeneratingAnalysis, ProjectStatusIndexing,
	ProjectStatusCompleted, ProjectStatusFailed,
}

// InProgressStatuses returns every status that marks a running stage.
func InProgressStatuses() []ProjectStatus {
	out := make([]ProjectStatus, 0, len(stageTerminals))
	for _, s := range allStatuses {
		if s.IsInProgress() {
			out = append(out, s)
		}
	}
	return out
}

// RestingStatuses returns every status from which a new stage may start.
func RestingStatuses() []ProjectStatus {
	out := make([]ProjectStatus, 0, len(allStatuses)-len(stageTerminals))
	for _, s := range allStatuses {
		if !s.IsInProgress() {
			out = append(out, s)
		}
	}
	return out
}

// AllowedFrom returns the statuses CanTransition accepts as a source for to.
func AllowedFrom(to ProjectStatus) []ProjectStatus {
	var out []ProjectStatus
	for _, from := range allStatuses {
		if CanTransition(from, to) {
			out = append(out, from)
		}
	}
	return out
}
