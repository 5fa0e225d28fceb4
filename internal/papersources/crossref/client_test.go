package crossref

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/helixir/literature-pipeline/internal/domain"
	"github.com/helixir/literature-pipeline/internal/httpclient"
	"github.com/helixir/literature-pipeline/internal/papersources"
)

const worksJSON = `{
  "status": "ok",
  "message": {
    "total-results": 1532,
    "items": [
      {
        "DOI": "10.1016/j.neuron.2020.01.001",
        "URL": "http://dx.doi.org/10.1016/j.neuron.2020.01.001",
        "title": ["Tau propagation in human brain"],
        "container-title": ["Neuron"],
        "abstract": "<jats:p>Tau spreads along connected networks.</jats:p>",
        "author": [
          {"given": "Marie", "family": "Curie"},
          {"family": "Anonymous"},
          {"given": "Rosalind", "family": "Franklin"}
        ],
        "published-print": {"date-parts": [[2020, 3, 4]]}
      },
      {
        "URL": "http://example.org/works/abc123",
        "title": ["Untitled preprint"],
        "issued": {"date-parts": [[2019, 7]]}
      }
    ]
  }
}`

func newTestClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)
	return New(Config{BaseURL: server.URL, Email: "lab@example.org", Enabled: true}, httpclient.New(httpclient.Config{MaxRetries: 1}))
}

func TestClient_Search(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/works", r.URL.Path)
		assert.Equal(t, "tau propagation", r.URL.Query().Get("query"))
		assert.Equal(t, "25", r.URL.Query().Get("rows"))
		assert.Equal(t, "lab@example.org", r.URL.Query().Get("mailto"))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(worksJSON))
	})

	result, err := c.Search(context.Background(), papersources.SearchParams{Query: "tau propagation", MaxResults: 25})
	require.NoError(t, err)
	assert.Equal(t, 1532, result.TotalResults)
	require.Len(t, result.Articles, 2)

	first := result.Articles[0]
	assert.Equal(t, "10.1016/j.neuron.2020.01.001", first.ExternalID)
	assert.Equal(t, "Tau propagation in human brain", first.Title)
	assert.Equal(t, "Tau spreads along connected networks.", first.Abstract)
	assert.Equal(t, "Marie Curie; Rosalind Franklin", first.Authors)
	assert.Equal(t, "Neuron", first.Journal)
	assert.Equal(t, "2020-03-04", first.PublicationDate)
	assert.Equal(t, "https://doi.org/10.1016/j.neuron.2020.01.001", first.URL)
	assert.Equal(t, domain.SourceTypeCrossref, first.Source)

	second := result.Articles[1]
	assert.Equal(t, "abc123", second.ExternalID)
	assert.Equal(t, "http://example.org/works/abc123", second.URL)
	assert.Equal(t, "2019-07", second.PublicationDate)
	assert.Empty(t, second.DOI)
}

func TestClient_GetByID(t *testing.T) {
	t.Run("found", func(t *testing.T) {
		c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
			assert.Equal(t, "/works/10.1016/j.neuron.2020.01.001", r.URL.Path)
			_, _ = w.Write([]byte(`{"status":"ok","message":{"DOI":"10.1016/j.neuron.2020.01.001","title":["Tau"]}}`))
		})
		d, err := c.GetByID(context.Background(), "https://doi.org/10.1016/j.neuron.2020.01.001")
		require.NoError(t, err)
		assert.Equal(t, "Tau", d.Title)
	})

	t.Run("404 is not found", func(t *testing.T) {
		c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, "Resource not found.", http.StatusNotFound)
		})
		_, err := c.GetByID(context.Background(), "10.9999/missing")
		assert.ErrorIs(t, err, domain.ErrNotFound)
	})
}

func TestNormalizeDOI(t *testing.T) {
	assert.Equal(t, "10.1/x", NormalizeDOI("doi:10.1/x"))
	assert.Equal(t, "10.1/x", NormalizeDOI("HTTPS://DOI.ORG/10.1/x"))
	assert.Equal(t, "10.1/x", NormalizeDOI(" 10.1/x "))
}
