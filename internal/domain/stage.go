package domain

import "fmt"

// Stage identifies one phase of the pipeline.
type Stage string

const (
	StageSearch         Stage = "search"
	StageRun            Stage = "run"
	StageSynthesis      Stage = "synthesis"
	StageDiscussion     Stage = "discussion"
	StageKnowledgeGraph Stage = "knowledge_graph"
	StagePrisma         Stage = "prisma_flow"
	StageDescriptive    Stage = "descriptive_stats"
	StageDomainScore    Stage = "atn_score"
	StageMetaAnalysis   Stage = "meta_analysis"
	StageIndexing       Stage = "indexing"
)

// StageInfo describes the statuses and notifications a stage uses.
type StageInfo struct {
	InProgress ProjectStatus
	Completed  ProjectStatus
	Failed     ProjectStatus
	// ResultField is the project column the stage writes; stages sharing a field are serialized.
	ResultField string
	// CompletedEvent and FailedEvent are the notification types published on resolution.
	CompletedEvent string
	FailedEvent    string
}

var stages = map[Stage]StageInfo{
	StageSearch: {
		InProgress: ProjectStatusSearching, Completed: ProjectStatusSearchCompleted, Failed: ProjectStatusSearchFailed,
		ResultField: "search_results", CompletedEvent: EventSearchCompleted, FailedEvent: EventSearchFailed,
	},
	StageRun: {
		InProgress: ProjectStatusProcessing, Completed: ProjectStatusCompleted, Failed: ProjectStatusFailed,
		ResultField: "extractions", CompletedEvent: EventRunCompleted, FailedEvent: EventRunFailed,
	},
	StageSynthesis: {
		InProgress: ProjectStatusSynthesizing, Completed: ProjectStatusCompleted, Failed: ProjectStatusFailed,
		ResultField: "synthesis_result", CompletedEvent: EventSynthesisCompleted, FailedEvent: EventSynthesisFailed,
	},
	StageDiscussion: {
		InProgress: ProjectStatusGeneratingAnalysis, Completed: ProjectStatusCompleted, Failed: ProjectStatusFailed,
		ResultField: "discussion_draft", CompletedEvent: EventDiscussionCompleted, FailedEvent: EventDiscussionFailed,
	},
	StageKnowledgeGraph: {
		InProgress: ProjectStatusGeneratingGraph, Completed: ProjectStatusCompleted, Failed: ProjectStatusFailed,
		ResultField: "knowledge_graph", CompletedEvent: EventGraphCompleted, FailedEvent: EventGraphFailed,
	},
	StagePrisma: {
		InProgress: ProjectStatusGeneratingPrisma, Completed: ProjectStatusCompleted, Failed: ProjectStatusFailed,
		ResultField: "prisma_flow", CompletedEvent: EventPrismaCompleted, FailedEvent: EventPrismaFailed,
	},
	StageDescriptive: {
		InProgress: ProjectStatusGeneratingAnalysis, Completed: ProjectStatusCompleted, Failed: ProjectStatusFailed,
		ResultField: "analysis_result", CompletedEvent: EventAnalysisCompleted, FailedEvent: EventAnalysisFailed,
	},
	StageDomainScore: {
		InProgress: ProjectStatusGeneratingAnalysis, Completed: ProjectStatusCompleted, Failed: ProjectStatusFailed,
		ResultField: "analysis_result", CompletedEvent: EventAnalysisCompleted, FailedEvent: EventAnalysisFailed,
	},
	StageMetaAnalysis: {
		InProgress: ProjectStatusGeneratingAnalysis, Completed: ProjectStatusCompleted, Failed: ProjectStatusFailed,
		ResultField: "analysis_result", CompletedEvent: EventAnalysisCompleted, FailedEvent: EventAnalysisFailed,
	},
	StageIndexing: {
		InProgress: ProjectStatusIndexing, Completed: ProjectStatusCompleted, Failed: ProjectStatusFailed,
		ResultField: "indexed_at", CompletedEvent: EventIndexingCompleted, FailedEvent: EventIndexingFailed,
	},
}

// Info returns the status and event metadata for the stage.
func (s Stage) Info() StageInfo {
	return stages[s]
}

// Valid reports whether s is a known stage.
func (s Stage) Valid() bool {
	_, ok := stages[s]
	return ok
}

// IsAggregation reports whether the stage consumes extractions to produce one project-level result.
func (s Stage) IsAggregation() bool {
	switch s {
	case StageSynthesis, StageDiscussion, StageKnowledgeGraph, StagePrisma,
		StageDescriptive, StageDomainScore, StageMetaAnalysis:
		return true
	default:
		return false
	}
}

// DedupKey returns the key used to prevent two outstanding tasks writing the same result field.
func (s Stage) DedupKey(projectID string) string {
	return fmt.Sprintf("%s:%s", projectID, s.Info().ResultField)
}

// AggregationStages lists the stages that can be started through the generic stage endpoint.
func AggregationStages() []Stage {
	return []Stage{
		StageSynthesis, StageDiscussion, StageKnowledgeGraph, StagePrisma,
		StageDescriptive, StageDomainScore, StageMetaAnalysis,
	}
}
