package pdf

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/helixir/literature-pipeline/internal/domain"
)

func TestRenderPrismaFlow(t *testing.T) {
	out, err := RenderPrismaFlow(domain.PrismaResult{
		Mode:              domain.AnalysisModeScreening,
		Identified:        120,
		Screened:          120,
		Assessed:          80,
		Included:          14,
		ExcludedScreening: 66,
		NotAssessed:       40,
		ReasonsForExclusion: map[string]int{
			"Not a randomized trial": 30,
			"Pédiatrie hors champ":   36,
		},
	})
	require.NoError(t, err)
	assert.True(t, bytes.HasPrefix(out, []byte("%PDF-")))
}

func TestRenderForestPlot(t *testing.T) {
	out, err := RenderForestPlot(domain.MetaAnalysisResult{
		Studies: []domain.MetaStudy{
			{Name: "Smith 2020", Effect: 0.4, Lower: 0.1, Upper: 0.7, Weight: 0.6},
			{Name: "Jones 2021", Effect: -0.1, Lower: -0.5, Upper: 0.3, Weight: 0.4},
		},
		PooledEffect: 0.2,
		PooledLower:  -0.02,
		PooledUpper:  0.42,
	})
	require.NoError(t, err)
	assert.True(t, bytes.HasPrefix(out, []byte("%PDF-")))

	_, err = RenderForestPlot(domain.MetaAnalysisResult{})
	assert.Error(t, err)
}

func TestRenderBarChart(t *testing.T) {
	bars := make([]Bar, 11)
	for i := range bars {
		bars[i] = Bar{Label: string(rune('0' + i%10)), Count: i % 4}
	}
	out, err := RenderBarChart("ATN score distribution", "Articles", bars)
	require.NoError(t, err)
	assert.True(t, bytes.HasPrefix(out, []byte("%PDF-")))

	out, err = RenderBarChart("Empty", "Articles", nil)
	require.NoError(t, err)
	assert.True(t, bytes.HasPrefix(out, []byte("%PDF-")))
}
