package tasks

import (
	"context"
	"encoding/json"
	"math"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/helixir/literature-pipeline/internal/domain"
	"github.com/helixir/literature-pipeline/internal/pdf"
)

func TestComputePrisma(t *testing.T) {
	extractions := []*domain.Extraction{
		{ArticleID: "a", RelevanceScore: 9},
		{ArticleID: "b", RelevanceScore: 3, RelevanceJustification: "Off topic"},
		{ArticleID: "c", RelevanceScore: 2, RelevanceJustification: "Off topic"},
		{ArticleID: "d", RelevanceScore: 1},
	}

	t.Run("screening", func(t *testing.T) {
		r := ComputePrisma(domain.AnalysisModeScreening, 6, extractions)
		assert.Equal(t, 6, r.Identified)
		assert.Equal(t, 6, r.Screened)
		assert.Equal(t, 4, r.Assessed)
		assert.Equal(t, 1, r.Included)
		assert.Equal(t, 3, r.ExcludedScreening)
		assert.Equal(t, 2, r.NotAssessed)
		assert.Equal(t, map[string]int{"Off topic": 2, noJustification: 1}, r.ReasonsForExclusion)
	})

	t.Run("full extraction includes every extraction", func(t *testing.T) {
		r := ComputePrisma(domain.AnalysisModeFullExtraction, 6, extractions)
		assert.Equal(t, 4, r.Included)
		assert.Zero(t, r.ExcludedScreening)
		assert.Empty(t, r.ReasonsForExclusion)
	})
}

func TestAggregate_PrismaFlow(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	p := h.project(t, domain.ProjectStatusGeneratingPrisma, domain.AnalysisModeScreening)
	h.article(t, p.ID, "a1")
	h.article(t, p.ID, "a2")
	h.extraction(t, p.ID, "a1", 8, "")

	require.NoError(t, h.handlers.Aggregate(ctx, stagePayload(p.ID, domain.StagePrisma)))

	project, err := h.store.Repos().Projects.Get(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.ProjectStatusCompleted, project.Status)

	var flow domain.PrismaResult
	require.NoError(t, json.Unmarshal(project.PrismaFlow, &flow))
	assert.Equal(t, 2, flow.Identified)
	assert.Equal(t, 1, flow.Included)
	assert.Equal(t, 1, flow.NotAssessed)
	assert.Equal(t, h.files.ReportPath(p.ID, pdf.PrismaFlowFile), flow.DiagramPath)

	_, err = os.Stat(flow.DiagramPath)
	assert.NoError(t, err)
	assert.Len(t, h.events.ofType(domain.EventPrismaCompleted), 1)
}

func TestAggregate_PrismaWithoutArticlesFails(t *testing.T) {
	h := newHarness(t)
	p := h.project(t, domain.ProjectStatusGeneratingPrisma, domain.AnalysisModeScreening)

	require.NoError(t, h.handlers.Aggregate(context.Background(), stagePayload(p.ID, domain.StagePrisma)))
	assert.Equal(t, domain.ProjectStatusFailed, h.status(t, p.ID))
	assert.Len(t, h.events.ofType(domain.EventPrismaFailed), 1)
}

func TestATNScore(t *testing.T) {
	tests := []struct {
		name string
		data string
		want int
	}{
		{"nothing", `{"x":"zzz"}`, 0},
		{"alliance only", `{"focus":"Therapeutic bond"}`, 3},
		{"every group", `{"a":"alliance","b":"digital","c":"patient","d":"confiance"}`, 10},
		{"repeated keywords count once", `{"a":"therapeutic bond, therapeutic goals"}`, 3},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ATNScore(json.RawMessage(tt.data)))
		})
	}
}

func TestAggregate_DomainScores(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	p := h.project(t, domain.ProjectStatusGeneratingAnalysis, domain.AnalysisModeFullExtraction)
	h.extraction(t, p.ID, "a1", 0, `{"summary":"digital alliance with patient"}`)
	h.extraction(t, p.ID, "a2", 0, `{"summary":"zzz"}`)
	h.extraction(t, p.ID, "a3", 0, "")

	require.NoError(t, h.handlers.Aggregate(ctx, stagePayload(p.ID, domain.StageDomainScore)))

	project, err := h.store.Repos().Projects.Get(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.ProjectStatusCompleted, project.Status)
	assert.Equal(t, h.files.ReportPath(p.ID, pdf.ATNHistogramFile), project.AnalysisPlotPath)

	var doc struct {
		Kind domain.Stage             `json:"kind"`
		Data domain.DomainScoreResult `json:"data"`
	}
	require.NoError(t, json.Unmarshal(project.AnalysisResult, &doc))
	assert.Equal(t, domain.StageDomainScore, doc.Kind)
	assert.Equal(t, 2, doc.Data.Total)
	assert.InDelta(t, 4.0, doc.Data.Mean, 1e-9)
}

func TestPoolFixedEffect(t *testing.T) {
	studies := []domain.MetaStudy{
		{Name: "A", Effect: 1.0, Lower: 0.608, Upper: 1.392},
		{Name: "B", Effect: 2.0, Lower: 1.216, Upper: 2.784},
	}
	r := PoolFixedEffect(studies)

	// SE(A) = 0.1 and SE(B) = 0.2, so A weighs four times as much as B.
	assert.InDelta(t, 0.8, r.Studies[0].Weight, 1e-9)
	assert.InDelta(t, 0.2, r.Studies[1].Weight, 1e-9)
	assert.InDelta(t, 1.2, r.PooledEffect, 1e-9)

	se := math.Sqrt(1 / (100.0 + 25.0))
	assert.InDelta(t, 1.2-1.96*se, r.PooledLower, 1e-9)
	assert.InDelta(t, 1.2+1.96*se, r.PooledUpper, 1e-9)
}

func TestMetaStudies(t *testing.T) {
	records := []map[string]any{
		{"study_name": "A", "effect_size": 1.0, "lower_ci": 0.5, "upper_ci": 1.5},
		{"study_name": "B", "effect_size": "0.8", "lower_ci": "0.2", "upper_ci": "1.4"},
		{"study_name": "C", "effect_size": "n/a", "lower_ci": 0.1, "upper_ci": 0.2},
		{"study_name": "D", "effect_size": 1.0, "lower_ci": 1.5, "upper_ci": 0.5},
		{"effect_size": 1.0, "lower_ci": 0.5, "upper_ci": 1.5},
	}
	studies := MetaStudies(records)
	require.Len(t, studies, 2)
	assert.Equal(t, "B", studies[1].Name)
	assert.Equal(t, 0.8, studies[1].Effect)
}

func TestAggregate_MetaAnalysis(t *testing.T) {
	ctx := context.Background()

	t.Run("needs two studies", func(t *testing.T) {
		h := newHarness(t)
		p := h.project(t, domain.ProjectStatusGeneratingAnalysis, domain.AnalysisModeFullExtraction)
		h.extraction(t, p.ID, "a1", 0, `{"study_name":"A","effect_size":1,"lower_ci":0.5,"upper_ci":1.5}`)

		require.NoError(t, h.handlers.Aggregate(ctx, stagePayload(p.ID, domain.StageMetaAnalysis)))
		assert.Equal(t, domain.ProjectStatusFailed, h.status(t, p.ID))
		failed := h.events.ofType(domain.EventAnalysisFailed)
		require.Len(t, failed, 1)
		assert.Contains(t, failed[0].Message, "1 usable studies")
	})

	t.Run("writes result and forest plot", func(t *testing.T) {
		h := newHarness(t)
		p := h.project(t, domain.ProjectStatusGeneratingAnalysis, domain.AnalysisModeFullExtraction)
		h.extraction(t, p.ID, "a1", 0, `{"study_name":"A","effect_size":1,"lower_ci":0.5,"upper_ci":1.5}`)
		h.extraction(t, p.ID, "a2", 0, `{"study_name":"B","effect_size":2,"lower_ci":1.5,"upper_ci":2.5}`)

		require.NoError(t, h.handlers.Aggregate(ctx, stagePayload(p.ID, domain.StageMetaAnalysis)))

		project, err := h.store.Repos().Projects.Get(ctx, p.ID)
		require.NoError(t, err)
		assert.Equal(t, domain.ProjectStatusCompleted, project.Status)
		assert.Equal(t, h.files.ReportPath(p.ID, pdf.ForestPlotFile), project.AnalysisPlotPath)
		assert.Equal(t, 1, h.store.ResultWrites(domain.StageMetaAnalysis))
	})
}

func TestComputeDescriptiveStats(t *testing.T) {
	r := ComputeDescriptiveStats([]map[string]any{
		{"methodologie": map[string]any{"type_etude": "RCT"}},
		{"study_type": "RCT"},
		{"study_type": "cohort"},
		{"population": "adults"},
	})
	assert.Equal(t, 4, r.TotalArticles)
	assert.Equal(t, map[string]int{"RCT": 2, "cohort": 1}, r.StudyTypes)
}

func TestAggregate_DescriptiveStatsWithoutDataFails(t *testing.T) {
	h := newHarness(t)
	p := h.project(t, domain.ProjectStatusGeneratingAnalysis, domain.AnalysisModeScreening)
	h.extraction(t, p.ID, "a1", 8, "")

	require.NoError(t, h.handlers.Aggregate(context.Background(), stagePayload(p.ID, domain.StageDescriptive)))
	assert.Equal(t, domain.ProjectStatusFailed, h.status(t, p.ID))
	assert.Zero(t, h.store.ResultWrites(domain.StageDescriptive))
}
