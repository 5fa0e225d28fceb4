package tasks

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/helixir/literature-pipeline/internal/domain"
	"github.com/helixir/literature-pipeline/internal/pipeline"
)

const zoteroExport = `[
  {
    "key": "AB12CD34",
    "title": "Therapeutic alliance in digital mental health",
    "abstractNote": "<p>Apps can build <i>trust</i>.</p>",
    "creators": [{"firstName": "Ana", "lastName": "Lopez"}, {"firstName": "Tom", "lastName": "Berg"}],
    "date": "March 2021",
    "publicationTitle": "J Digit Health",
    "DOI": "10.1000/jdh.2021.5",
    "extra": "PMID: 33445566"
  },
  {
    "key": "EF56GH78",
    "title": "Therapeutic alliance in digital mental health",
    "creators": [{"firstName": "Ana", "lastName": "Lopez"}],
    "date": "2021"
  },
  {
    "key": "IJ90KL12",
    "title": "Chatbots and empathy",
    "creators": [],
    "date": "2019-05-01",
    "DOI": "10.2000/chat.2019"
  },
  {
    "key": "MN34OP56",
    "title": "",
    "PMID": 12345678
  },
  {
    "title": "No identifier at all"
  }
]`

func TestParseZoteroLibrary(t *testing.T) {
	articles, stats, err := ParseZoteroLibrary("p1", []byte(zoteroExport))
	require.NoError(t, err)

	assert.Equal(t, ZoteroStats{Total: 5, WithAbstract: 1, WithPMID: 2, Duplicates: 1, Skipped: 1}, stats)
	require.Len(t, articles, 3)

	first := articles[0]
	assert.Equal(t, "33445566", first.ArticleID)
	assert.Equal(t, "AB12CD34", first.ZoteroKey)
	assert.Equal(t, "Lopez, Ana; Berg, Tom", first.Authors)
	assert.Equal(t, "2021", first.PublicationDate)
	assert.Equal(t, "J Digit Health", first.Journal)
	assert.Equal(t, "https://doi.org/10.1000/jdh.2021.5", first.URL)
	assert.NotContains(t, first.Abstract, "<")
	assert.Contains(t, first.Abstract, "trust")
	assert.Equal(t, domain.SourceTypeZoteroImport, first.DatabaseSource)

	assert.Equal(t, "10.2000/chat.2019", articles[1].ArticleID)
	assert.Equal(t, "2019", articles[1].PublicationDate)

	assert.Equal(t, "12345678", articles[2].ArticleID)
	assert.Equal(t, "Untitled", articles[2].Title)
}

func TestParseZoteroLibrary_WrappedItems(t *testing.T) {
	articles, stats, err := ParseZoteroLibrary("p1", []byte(`{"items": [{"key": "K1", "title": "Only one"}]}`))
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Total)
	require.Len(t, articles, 1)
	assert.Equal(t, "zotero_K1", articles[0].ArticleID)
}

func TestParseZoteroLibrary_Invalid(t *testing.T) {
	_, _, err := ParseZoteroLibrary("p1", []byte("not json"))
	assert.ErrorIs(t, err, domain.ErrInvalidInput)
}

func TestImportZotero(t *testing.T) {
	ctx := context.Background()

	t.Run("inserts new references", func(t *testing.T) {
		h := newHarness(t)
		p := h.project(t, domain.ProjectStatusPending, domain.AnalysisModeScreening)
		h.article(t, p.ID, "33445566")

		require.NoError(t, h.handlers.ImportZotero(ctx, pipeline.ZoteroImportPayload{ProjectID: p.ID, Content: zoteroExport}))

		count, err := h.store.Repos().Articles.Count(ctx, p.ID)
		require.NoError(t, err)
		assert.Equal(t, 3, count)

		done := h.events.ofType(domain.EventImportCompleted)
		require.Len(t, done, 1)
		assert.Equal(t, 2, done[0].Data["imported"])
		assert.Equal(t, 5, done[0].Data["total"])
	})

	t.Run("unreadable export publishes import_failed", func(t *testing.T) {
		h := newHarness(t)
		p := h.project(t, domain.ProjectStatusPending, domain.AnalysisModeScreening)

		require.NoError(t, h.handlers.ImportZotero(ctx, pipeline.ZoteroImportPayload{ProjectID: p.ID, Content: "{"}))
		assert.Len(t, h.events.ofType(domain.EventImportFailed), 1)
		assert.Empty(t, h.events.ofType(domain.EventImportCompleted))
	})
}
