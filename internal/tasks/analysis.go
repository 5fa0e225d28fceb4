package tasks

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"

	"github.com/helixir/literature-pipeline/internal/domain"
	"github.com/helixir/literature-pipeline/internal/pdf"
)

// MinMetaStudies is the number of usable studies a meta-analysis needs.
const MinMetaStudies = 2

const noJustification = "No justification given"

// prismaFlow counts the PRISMA stages and renders the flow diagram. Screening mode
// excludes extractions below the relevance threshold; full extraction includes every
// extraction.
func (h *Handlers) prismaFlow(ctx context.Context, project *domain.Project, _ domain.AnalysisProfile) (domain.AggregateResult, string, error) {
	repos := h.Store.Repos()
	identified, err := repos.Articles.Count(ctx, project.ID)
	if err != nil {
		return nil, "", err
	}
	if identified == 0 {
		return nil, "", domain.NewStageFailedError(domain.StagePrisma, "The project has no article to report on.")
	}
	extractions, err := repos.Extractions.ListByProject(ctx, project.ID)
	if err != nil {
		return nil, "", err
	}

	result := ComputePrisma(project.AnalysisMode, identified, extractions)
	if h.Files != nil {
		diagram, err := pdf.RenderPrismaFlow(result)
		if err != nil {
			return nil, "", fmt.Errorf("render prisma flow: %w", err)
		}
		path := h.Files.ReportPath(project.ID, pdf.PrismaFlowFile)
		if err := h.Files.WriteFile(path, diagram); err != nil {
			return nil, "", err
		}
		result.DiagramPath = path
	}
	return result, "The PRISMA flow diagram is ready.", nil
}

// ComputePrisma derives the PRISMA counts of a project.
func ComputePrisma(mode domain.AnalysisMode, identified int, extractions []*domain.Extraction) domain.PrismaResult {
	if !mode.Valid() {
		mode = domain.AnalysisModeScreening
	}
	r := domain.PrismaResult{
		Mode:                mode,
		Identified:          identified,
		Screened:            identified,
		Assessed:            len(extractions),
		NotAssessed:         max(identified-len(extractions), 0),
		ReasonsForExclusion: map[string]int{},
	}
	for _, e := range extractions {
		if mode == domain.AnalysisModeFullExtraction || e.IsRelevant() {
			r.Included++
			continue
		}
		r.ExcludedScreening++
		reason := strings.TrimSpace(e.RelevanceJustification)
		if reason == "" {
			reason = noJustification
		}
		r.ReasonsForExclusion[reason]++
	}
	return r
}

// extractedRecords returns the decoded extracted data of every extraction carrying a
// JSON object. Rows that do not decode are skipped.
func (h *Handlers) extractedRecords(ctx context.Context, projectID string) ([]*domain.Extraction, []map[string]any, error) {
	extractions, err := h.Store.Repos().Extractions.ListByProject(ctx, projectID)
	if err != nil {
		return nil, nil, err
	}
	var kept []*domain.Extraction
	var records []map[string]any
	for _, e := range extractions {
		if len(e.ExtractedData) == 0 {
			continue
		}
		var data map[string]any
		if err := json.Unmarshal(e.ExtractedData, &data); err != nil || data == nil {
			continue
		}
		kept = append(kept, e)
		records = append(records, data)
	}
	return kept, records, nil
}

func (h *Handlers) descriptiveStats(ctx context.Context, project *domain.Project, _ domain.AnalysisProfile) (domain.AggregateResult, string, error) {
	_, records, err := h.extractedRecords(ctx, project.ID)
	if err != nil {
		return nil, "", err
	}
	if len(records) == 0 {
		return nil, "", domain.NewStageFailedError(domain.StageDescriptive, "No extracted data available for descriptive statistics.")
	}

	result := ComputeDescriptiveStats(records)
	if h.Files != nil && len(result.StudyTypes) > 0 {
		chart, err := pdf.RenderBarChart("Distribution of study types", "Articles", sortedBars(result.StudyTypes))
		if err != nil {
			return nil, "", fmt.Errorf("render study types: %w", err)
		}
		path := h.Files.ReportPath(project.ID, pdf.StudyTypesFile)
		if err := h.Files.WriteFile(path, chart); err != nil {
			return nil, "", err
		}
		result.PlotPath = path
	}
	return result, "Descriptive statistics are ready.", nil
}

// ComputeDescriptiveStats counts the records and their study types, read from
// methodologie.type_etude or study_type.
func ComputeDescriptiveStats(records []map[string]any) domain.DescriptiveStatsResult {
	r := domain.DescriptiveStatsResult{TotalArticles: len(records)}
	for _, rec := range records {
		studyType := studyTypeOf(rec)
		if studyType == "" {
			continue
		}
		if r.StudyTypes == nil {
			r.StudyTypes = map[string]int{}
		}
		r.StudyTypes[studyType]++
	}
	return r
}

func studyTypeOf(rec map[string]any) string {
	if method, ok := rec["methodologie"].(map[string]any); ok {
		if s, ok := method["type_etude"].(string); ok && strings.TrimSpace(s) != "" {
			return strings.TrimSpace(s)
		}
	}
	if s, ok := rec["study_type"].(string); ok {
		return strings.TrimSpace(s)
	}
	return ""
}

func sortedBars(counts map[string]int) []pdf.Bar {
	bars := make([]pdf.Bar, 0, len(counts))
	for label, n := range counts {
		bars = append(bars, pdf.Bar{Label: label, Count: n})
	}
	sort.Slice(bars, func(i, j int) bool {
		if bars[i].Count != bars[j].Count {
			return bars[i].Count > bars[j].Count
		}
		return bars[i].Label < bars[j].Label
	})
	return bars
}

// Keyword groups of the ATN score and the points each contributes once.
var atnCriteria = []struct {
	points   int
	keywords []string
}{
	{3, []string{"alliance", "therapeutic"}},
	{3, []string{"numérique", "digital", "app", "plateforme", "ia"}},
	{2, []string{"patient", "soignant", "développeur"}},
	{2, []string{"empathie", "adherence", "confiance"}},
}

// MaxATNScore caps the per-article ATN score.
const MaxATNScore = 10

// ATNScore scores one extracted record by the keyword groups it mentions.
func ATNScore(raw json.RawMessage) int {
	text := strings.ToLower(string(raw))
	score := 0
	for _, c := range atnCriteria {
		for _, kw := range c.keywords {
			if strings.Contains(text, kw) {
				score += c.points
				break
			}
		}
	}
	return min(score, MaxATNScore)
}

func (h *Handlers) domainScores(ctx context.Context, project *domain.Project, _ domain.AnalysisProfile) (domain.AggregateResult, string, error) {
	extractions, _, err := h.extractedRecords(ctx, project.ID)
	if err != nil {
		return nil, "", err
	}
	if len(extractions) == 0 {
		return nil, "", domain.NewStageFailedError(domain.StageDomainScore, "No extracted data available for ATN scoring.")
	}

	result := domain.DomainScoreResult{Scores: make([]domain.DomainScore, 0, len(extractions))}
	histogram := make([]int, MaxATNScore+1)
	total := 0
	for _, e := range extractions {
		score := ATNScore(e.ExtractedData)
		result.Scores = append(result.Scores, domain.DomainScore{ArticleID: e.ArticleID, Title: e.Title, Score: score})
		histogram[score]++
		total += score
	}
	result.Total = len(result.Scores)
	result.Mean = float64(total) / float64(result.Total)

	if h.Files != nil {
		bars := make([]pdf.Bar, len(histogram))
		for score, n := range histogram {
			bars[score] = pdf.Bar{Label: strconv.Itoa(score), Count: n}
		}
		chart, err := pdf.RenderBarChart("Distribution of ATN scores", "Articles", bars)
		if err != nil {
			return nil, "", fmt.Errorf("render atn histogram: %w", err)
		}
		path := h.Files.ReportPath(project.ID, pdf.ATNHistogramFile)
		if err := h.Files.WriteFile(path, chart); err != nil {
			return nil, "", err
		}
		result.PlotPath = path
	}
	return result, fmt.Sprintf("ATN scores computed for %d articles.", result.Total), nil
}

func (h *Handlers) metaAnalysis(ctx context.Context, project *domain.Project, _ domain.AnalysisProfile) (domain.AggregateResult, string, error) {
	_, records, err := h.extractedRecords(ctx, project.ID)
	if err != nil {
		return nil, "", err
	}
	studies := MetaStudies(records)
	if len(studies) < MinMetaStudies {
		return nil, "", domain.NewStageFailedError(domain.StageMetaAnalysis,
			fmt.Sprintf("Not enough data for a meta-analysis: %d usable studies, at least %d needed.", len(studies), MinMetaStudies))
	}

	result := PoolFixedEffect(studies)
	if h.Files != nil {
		plot, err := pdf.RenderForestPlot(result)
		if err != nil {
			return nil, "", fmt.Errorf("render forest plot: %w", err)
		}
		path := h.Files.ReportPath(project.ID, pdf.ForestPlotFile)
		if err := h.Files.WriteFile(path, plot); err != nil {
			return nil, "", err
		}
		result.PlotPath = path
	}
	return result, "Forest plot generated.", nil
}

// MetaStudies collects the records carrying study_name, effect_size, lower_ci and
// upper_ci with numeric bounds enclosing a positive interval.
func MetaStudies(records []map[string]any) []domain.MetaStudy {
	var studies []domain.MetaStudy
	for _, rec := range records {
		name, ok := rec["study_name"]
		if !ok || name == nil {
			continue
		}
		effect, ok1 := number(rec["effect_size"])
		lower, ok2 := number(rec["lower_ci"])
		upper, ok3 := number(rec["upper_ci"])
		if !ok1 || !ok2 || !ok3 || upper <= lower {
			continue
		}
		studies = append(studies, domain.MetaStudy{Name: fmt.Sprint(name), Effect: effect, Lower: lower, Upper: upper})
	}
	return studies
}

// PoolFixedEffect computes the inverse-variance fixed-effect estimate with standard
// errors derived from 95% intervals. Study weights are relative and sum to one.
func PoolFixedEffect(studies []domain.MetaStudy) domain.MetaAnalysisResult {
	weights := make([]float64, len(studies))
	var sumW, sumWE float64
	for i, s := range studies {
		se := (s.Upper - s.Lower) / 3.92
		weights[i] = 1 / (se * se)
		sumW += weights[i]
		sumWE += weights[i] * s.Effect
	}

	out := domain.MetaAnalysisResult{Studies: make([]domain.MetaStudy, len(studies))}
	for i, s := range studies {
		s.Weight = weights[i] / sumW
		out.Studies[i] = s
	}
	pooledSE := math.Sqrt(1 / sumW)
	out.PooledEffect = sumWE / sumW
	out.PooledLower = out.PooledEffect - 1.96*pooledSE
	out.PooledUpper = out.PooledEffect + 1.96*pooledSE
	return out
}

// number reads a JSON number or a numeric string.
func number(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, !math.IsNaN(n) && !math.IsInf(n, 0)
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(n), 64)
		return f, err == nil && !math.IsNaN(f) && !math.IsInf(f, 0)
	default:
		return 0, false
	}
}
