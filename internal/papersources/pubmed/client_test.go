package pubmed

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/helixir/literature-pipeline/internal/domain"
	"github.com/helixir/literature-pipeline/internal/httpclient"
	"github.com/helixir/literature-pipeline/internal/papersources"
)

const esearchXML = `<?xml version="1.0" encoding="UTF-8" ?>
<eSearchResult>
	<Count>2</Count>
	<RetMax>2</RetMax>
	<RetStart>0</RetStart>
	<IdList>
		<Id>12345678</Id>
		<Id>87654321</Id>
	</IdList>
</eSearchResult>`

const esearchPhraseNotFoundXML = `<?xml version="1.0" encoding="UTF-8" ?>
<eSearchResult>
	<Count>0</Count>
	<IdList></IdList>
	<ErrorList>
		<PhraseNotFound>nonexistent_term_xyz</PhraseNotFound>
	</ErrorList>
</eSearchResult>`

const efetchXML = `<?xml version="1.0" encoding="UTF-8" ?>
<PubmedArticleSet>
	<PubmedArticle>
		<MedlineCitation Status="MEDLINE" Owner="NLM">
			<PMID Version="1">12345678</PMID>
			<Article PubModel="Print-Electronic">
				<Journal>
					<JournalIssue CitedMedium="Internet">
						<PubDate><Year>2023</Year><Month>Mar</Month></PubDate>
					</JournalIssue>
					<Title>Journal of Testing</Title>
					<ISOAbbreviation>J Test</ISOAbbreviation>
				</Journal>
				<ArticleTitle>Tau PET in early Alzheimer disease</ArticleTitle>
				<ELocationID EIdType="doi" ValidYN="Y">10.1234/test.2023.001</ELocationID>
				<Abstract>
					<AbstractText Label="BACKGROUND">Tau burden predicts decline.</AbstractText>
					<AbstractText Label="RESULTS">Uptake rose in 40 patients.</AbstractText>
				</Abstract>
				<AuthorList CompleteYN="Y">
					<Author ValidYN="Y"><LastName>Smith</LastName><ForeName>John A</ForeName></Author>
					<Author ValidYN="N"><LastName>Ghost</LastName><ForeName>Invalid</ForeName></Author>
					<Author ValidYN="Y"><CollectiveName>Tau Imaging Consortium</CollectiveName></Author>
				</AuthorList>
			</Article>
		</MedlineCitation>
		<PubmedData>
			<ArticleIdList>
				<ArticleId IdType="pubmed">12345678</ArticleId>
			</ArticleIdList>
		</PubmedData>
	</PubmedArticle>
	<PubmedArticle>
		<MedlineCitation>
			<PMID>87654321</PMID>
			<Article>
				<Journal>
					<JournalIssue><PubDate><MedlineDate>2019 Nov-Dec</MedlineDate></PubDate></JournalIssue>
					<ISOAbbreviation>Neurol Rev</ISOAbbreviation>
				</Journal>
				<ArticleTitle>Amyloid and cognition</ArticleTitle>
				<Abstract><AbstractText>A single unlabelled section.</AbstractText></Abstract>
			</Article>
		</MedlineCitation>
		<PubmedData>
			<ArticleIdList>
				<ArticleId IdType="doi">10.5555/neuro.2019.7</ArticleId>
			</ArticleIdList>
		</PubmedData>
	</PubmedArticle>
</PubmedArticleSet>`

func newTestClient(t *testing.T, handler http.HandlerFunc, cfg Config) *Client {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)
	cfg.BaseURL = server.URL
	return New(cfg, httpclient.New(httpclient.Config{MaxRetries: 1}))
}

func TestClient_Metadata(t *testing.T) {
	c := New(Config{Enabled: true}, httpclient.New(httpclient.Config{}))

	assert.Equal(t, domain.SourceTypePubMed, c.SourceType())
	assert.Equal(t, "PubMed", c.Name())
	assert.True(t, c.IsEnabled())
	assert.Equal(t, DefaultBaseURL, c.config.BaseURL)
	assert.Equal(t, papersources.DefaultMaxResults, c.config.MaxResults)
}

func TestClient_Search(t *testing.T) {
	t.Run("fetches records for found PMIDs", func(t *testing.T) {
		var searchQuery, fetchIDs string
		c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
			switch {
			case strings.HasSuffix(r.URL.Path, "/esearch.fcgi"):
				searchQuery = r.URL.RawQuery
				_, _ = w.Write([]byte(esearchXML))
			case strings.HasSuffix(r.URL.Path, "/efetch.fcgi"):
				fetchIDs = r.URL.Query().Get("id")
				_, _ = w.Write([]byte(efetchXML))
			default:
				http.NotFound(w, r)
			}
		}, Config{Enabled: true, APIKey: "secret", Email: "lab@example.org"})

		result, err := c.Search(context.Background(), papersources.SearchParams{Query: "tau PET", MaxResults: 20})
		require.NoError(t, err)

		assert.Contains(t, searchQuery, "term=tau+PET")
		assert.Contains(t, searchQuery, "retmax=20")
		assert.Contains(t, searchQuery, "api_key=secret")
		assert.Contains(t, searchQuery, "email=lab%40example.org")
		assert.Equal(t, "12345678,87654321", fetchIDs)

		assert.Equal(t, 2, result.TotalResults)
		assert.Equal(t, domain.SourceTypePubMed, result.Source)
		require.Len(t, result.Articles, 2)

		first := result.Articles[0]
		assert.Equal(t, "12345678", first.ExternalID)
		assert.Equal(t, "Tau PET in early Alzheimer disease", first.Title)
		assert.Equal(t, "BACKGROUND: Tau burden predicts decline. RESULTS: Uptake rose in 40 patients.", first.Abstract)
		assert.Equal(t, "John A Smith; Tau Imaging Consortium", first.Authors)
		assert.Equal(t, "Journal of Testing", first.Journal)
		assert.Equal(t, "2023", first.PublicationDate)
		assert.Equal(t, "10.1234/test.2023.001", first.DOI)
		assert.Equal(t, "https://pubmed.ncbi.nlm.nih.gov/12345678/", first.URL)

		second := result.Articles[1]
		assert.Equal(t, "Neurol Rev", second.Journal)
		assert.Equal(t, "2019", second.PublicationDate)
		assert.Equal(t, "10.5555/neuro.2019.7", second.DOI)
		assert.Equal(t, "A single unlabelled section.", second.Abstract)
	})

	t.Run("phrase not found is an empty result", func(t *testing.T) {
		c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
			_, _ = w.Write([]byte(esearchPhraseNotFoundXML))
		}, Config{Enabled: true})

		result, err := c.Search(context.Background(), papersources.SearchParams{Query: "nonexistent_term_xyz"})
		require.NoError(t, err)
		assert.Empty(t, result.Articles)
		assert.Zero(t, result.TotalResults)
	})

	t.Run("server error becomes ExternalAPIError", func(t *testing.T) {
		c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, "bad request", http.StatusBadRequest)
		}, Config{Enabled: true})

		_, err := c.Search(context.Background(), papersources.SearchParams{Query: "x"})
		var apiErr *domain.ExternalAPIError
		require.True(t, errors.As(err, &apiErr))
		assert.Equal(t, http.StatusBadRequest, apiErr.StatusCode)
	})

	t.Run("disabled", func(t *testing.T) {
		c := New(Config{}, httpclient.New(httpclient.Config{}))
		_, err := c.Search(context.Background(), papersources.SearchParams{Query: "x"})
		assert.Error(t, err)
	})
}

func TestClient_GetByID(t *testing.T) {
	t.Run("returns first record", func(t *testing.T) {
		c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
			assert.Equal(t, "12345678", r.URL.Query().Get("id"))
			_, _ = w.Write([]byte(efetchXML))
		}, Config{Enabled: true})

		details, err := c.GetByID(context.Background(), "12345678")
		require.NoError(t, err)
		assert.Equal(t, "12345678", details.ExternalID)
	})

	t.Run("empty set is not found", func(t *testing.T) {
		c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
			_, _ = w.Write([]byte(`<PubmedArticleSet></PubmedArticleSet>`))
		}, Config{Enabled: true})

		_, err := c.GetByID(context.Background(), "1")
		assert.ErrorIs(t, err, domain.ErrNotFound)
	})
}

func TestExtractYear(t *testing.T) {
	tests := []struct {
		in   PubDate
		want string
	}{
		{PubDate{Year: "2021"}, "2021"},
		{PubDate{MedlineDate: "2020 Spring"}, "2020"},
		{PubDate{MedlineDate: "2018-2019"}, "2018"},
		{PubDate{MedlineDate: "Winter"}, ""},
		{PubDate{}, ""},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, extractYear(tt.in))
	}
}
