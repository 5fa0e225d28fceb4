package domain

import "encoding/json"

// AggregateResult is the output of one aggregation task. Each variant maps to exactly one
// project result field; the repository persists a result by switching on its concrete type.
type AggregateResult interface {
	Stage() Stage
	isAggregateResult()
}

// SynthesisResult holds the model's structured synthesis of the relevant articles.
type SynthesisResult struct {
	Data map[string]any
}

// DiscussionResult holds the free-text discussion draft.
type DiscussionResult struct {
	Text string
}

// KnowledgeGraphResult holds the nodes and edges returned by the model.
type KnowledgeGraphResult struct {
	Nodes []map[string]any `json:"nodes"`
	Edges []map[string]any `json:"edges"`
}

// PrismaResult holds the PRISMA flow counts and the rendered diagram path.
type PrismaResult struct {
	Mode                AnalysisMode   `json:"mode"`
	Identified          int            `json:"identification"`
	Screened            int            `json:"screening"`
	Assessed            int            `json:"assessed"`
	Included            int            `json:"included"`
	ExcludedScreening   int            `json:"excluded_screening"`
	NotAssessed         int            `json:"not_assessed"`
	ReasonsForExclusion map[string]int `json:"reasons_for_exclusion"`
	DiagramPath         string         `json:"diagram_path,omitempty"`
}

// DescriptiveStatsResult summarizes the extracted corpus.
type DescriptiveStatsResult struct {
	TotalArticles int            `json:"total_articles"`
	StudyTypes    map[string]int `json:"study_types,omitempty"`
	PlotPath      string         `json:"-"`
}

// DomainScore is the keyword-based ATN score of one article.
type DomainScore struct {
	ArticleID string `json:"article_id"`
	Title     string `json:"title"`
	Score     int    `json:"atn_score"`
}

// DomainScoreResult holds the per-article ATN scores and their mean.
type DomainScoreResult struct {
	Scores   []DomainScore `json:"atn_scores"`
	Mean     float64       `json:"mean_atn"`
	Total    int           `json:"total_articles_scored"`
	PlotPath string        `json:"-"`
}

// MetaStudy is one study entering the meta-analysis.
type MetaStudy struct {
	Name   string  `json:"name"`
	Effect float64 `json:"effect"`
	Lower  float64 `json:"lower"`
	Upper  float64 `json:"upper"`
	Weight float64 `json:"weight"`
}

// MetaAnalysisResult holds the fixed-effect pooled estimate and the forest plot path.
type MetaAnalysisResult struct {
	Studies      []MetaStudy `json:"studies"`
	PooledEffect float64     `json:"pooled_effect"`
	PooledLower  float64     `json:"pooled_lower"`
	PooledUpper  float64     `json:"pooled_upper"`
	PlotPath     string      `json:"-"`
}

func (SynthesisResult) Stage() Stage        { return StageSynthesis }
func (DiscussionResult) Stage() Stage       { return StageDiscussion }
func (KnowledgeGraphResult) Stage() Stage   { return StageKnowledgeGraph }
func (PrismaResult) Stage() Stage           { return StagePrisma }
func (DescriptiveStatsResult) Stage() Stage { return StageDescriptive }
func (DomainScoreResult) Stage() Stage      { return StageDomainScore }
func (MetaAnalysisResult) Stage() Stage     { return StageMetaAnalysis }

func (SynthesisResult) isAggregateResult()        {}
func (DiscussionResult) isAggregateResult()       {}
func (KnowledgeGraphResult) isAggregateResult()   {}
func (PrismaResult) isAggregateResult()           {}
func (DescriptiveStatsResult) isAggregateResult() {}
func (DomainScoreResult) isAggregateResult()      {}
func (MetaAnalysisResult) isAggregateResult()     {}

// AnalysisDocument wraps an analysis_result payload with its kind so that the three analyses
// sharing the column can be told apart when read back.
type AnalysisDocument struct {
	Kind Stage `json:"kind"`
	Data any   `json:"data"`
}

// MarshalAnalysis encodes an analysis variant for the analysis_result column.
func MarshalAnalysis(r AggregateResult) (json.RawMessage, error) {
	return json.Marshal(AnalysisDocument{Kind: r.Stage(), Data: r})
}
