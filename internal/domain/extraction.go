package domain

import (
	"encoding/json"
	"time"
)

// Extraction is the single result row for one (project, article) pair. Rows are upserted so
// that re-running a project replaces prior results instead of duplicating them.
type Extraction struct {
	ID                     string          `json:"id"`
	ProjectID              string          `json:"project_id"`
	ArticleID              string          `json:"article_id"`
	Title                  string          `json:"title"`
	RelevanceScore         float64         `json:"relevance_score"`
	RelevanceJustification string          `json:"relevance_justification,omitempty"`
	ExtractedData          json.RawMessage `json:"extracted_data,omitempty"`
	AnalysisSource         string          `json:"analysis_source"`
	Validations            json.RawMessage `json:"validations,omitempty"`
	CreatedAt              time.Time       `json:"created_at"`
	UpdatedAt              time.Time       `json:"updated_at"`
}

// IsRelevant reports whether the extraction meets the screening threshold.
func (e *Extraction) IsRelevant() bool {
	return e.RelevanceScore >= RelevanceThreshold
}

// AnalysisSourceTag returns the model tag stored on an extraction.
func AnalysisSourceTag(mode AnalysisMode, model string) string {
	if mode == AnalysisModeScreening {
		return "screening_" + model
	}
	return "extraction_" + model
}

// RelevantArticle is an extraction joined with its article, as fed to synthesis.
type RelevantArticle struct {
	ArticleID      string  `json:"article_id"`
	Title          string  `json:"title"`
	Abstract       string  `json:"abstract"`
	RelevanceScore float64 `json:"relevance_score"`
}

// ValidationDecision is a reviewer's verdict on a screened article.
type ValidationDecision string

// Validation decisions.
const (
	ValidationInclude ValidationDecision = "include"
	ValidationExclude ValidationDecision = "exclude"
)

// DefaultEvaluator is the reviewer key used when a validation names none.
const DefaultEvaluator = "evaluator_1"

// Valid reports whether d is a known decision.
func (d ValidationDecision) Valid() bool {
	return d == ValidationInclude || d == ValidationExclude
}

// Decision returns the verdict the evaluator stored on the extraction.
func (e *Extraction) Decision(evaluator string) (ValidationDecision, bool) {
	if len(e.Validations) == 0 {
		return "", false
	}
	var byEvaluator map[string]ValidationDecision
	if err := json.Unmarshal(e.Validations, &byEvaluator); err != nil {
		return "", false
	}
	d, ok := byEvaluator[evaluator]
	return d, ok && d.Valid()
}

// ValidatedScore pairs a model relevance score with a reviewer's verdict.
type ValidatedScore struct {
	RelevanceScore float64
	Decision       ValidationDecision
}

// ValidationStats measures how often reviewers agree with the screening model. The model
// includes an article when its score reaches RelevanceThreshold.
type ValidationStats struct {
	Evaluator      string  `json:"evaluator"`
	TotalValidated int     `json:"total_validated"`
	Included       int     `json:"included"`
	Excluded       int     `json:"excluded"`
	AgreedCount    int     `json:"agreed_count"`
	AgreementRate  float64 `json:"agreement_rate"`
}

// ComputeValidationStats counts the verdicts that match the model's include decision.
func ComputeValidationStats(evaluator string, scores []ValidatedScore) ValidationStats {
	stats := ValidationStats{Evaluator: evaluator}
	for _, s := range scores {
		if !s.Decision.Valid() {
			continue
		}
		stats.TotalValidated++
		modelIncludes := s.RelevanceScore >= RelevanceThreshold
		if s.Decision == ValidationInclude {
			stats.Included++
		} else {
			stats.Excluded++
		}
		if modelIncludes == (s.Decision == ValidationInclude) {
			stats.AgreedCount++
		}
	}
	if stats.TotalValidated > 0 {
		stats.AgreementRate = float64(stats.AgreedCount) / float64(stats.TotalValidated)
	}
	return stats
}
