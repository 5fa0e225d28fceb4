package pubmed

import (
	"context"
	"encoding/xml"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/helixir/literature-pipeline/internal/domain"
	"github.com/helixir/literature-pipeline/internal/httpclient"
	"github.com/helixir/literature-pipeline/internal/papersources"
)

const (
	// DefaultBaseURL is the base URL for NCBI E-utilities.
	DefaultBaseURL = "https://eutils.ncbi.nlm.nih.gov/entrez/eutils"

	// DefaultRateLimit is the NCBI limit without an API key. With a key it is 10/s.
	DefaultRateLimit = 3.0

	// MaxResultsLimit is the largest retmax the API accepts.
	MaxResultsLimit = 10000

	// ArticleURLPrefix prefixes a PMID to form the article's landing page.
	ArticleURLPrefix = "https://pubmed.ncbi.nlm.nih.gov/"

	sourceName = "PubMed"
)

// Config holds the configuration for the PubMed client.
type Config struct {
	// BaseURL defaults to DefaultBaseURL.
	BaseURL string

	// APIKey is the optional NCBI API key.
	APIKey string

	// Email is sent as the E-utilities "email" parameter when set.
	Email string

	// MaxResults defaults to papersources.DefaultMaxResults.
	MaxResults int

	Enabled bool
}

func (c *Config) applyDefaults() {
	if c.BaseURL == "" {
		c.BaseURL = DefaultBaseURL
	}
	c.BaseURL = strings.TrimRight(c.BaseURL, "/")
	if c.MaxResults <= 0 {
		c.MaxResults = papersources.DefaultMaxResults
	}
}

// Client implements papersources.PaperSource for PubMed.
type Client struct {
	config Config
	http   *httpclient.Client
}

var _ papersources.PaperSource = (*Client)(nil)

// New creates a PubMed client. The http client should carry a rate limiter sized to
// DefaultRateLimit, or 10/s when an API key is configured.
func New(cfg Config, hc *httpclient.Client) *Client {
	cfg.applyDefaults()
	return &Client{config: cfg, http: hc}
}

// Search runs esearch for PMIDs and efetch for their records.
func (c *Client) Search(ctx context.Context, params papersources.SearchParams) (*papersources.SearchResult, error) {
	if !c.config.Enabled {
		return nil, errors.New("pubmed source is disabled")
	}
	start := time.Now()

	found, err := c.esearch(ctx, params)
	if err != nil {
		return nil, fmt.Errorf("esearch: %w", err)
	}

	result := &papersources.SearchResult{
		Articles:     []*domain.ArticleDetails{},
		TotalResults: found.Count,
		Source:       domain.SourceTypePubMed,
	}
	if found.ErrorList != nil && len(found.ErrorList.PhraseNotFound) > 0 {
		result.TotalResults = 0
		result.SearchDuration = time.Since(start)
		return result, nil
	}
	if len(found.IDList.IDs) == 0 {
		result.SearchDuration = time.Since(start)
		return result, nil
	}

	set, err := c.efetch(ctx, found.IDList.IDs)
	if err != nil {
		return nil, fmt.Errorf("efetch: %w", err)
	}
	for _, a := range set.Articles {
		result.Articles = append(result.Articles, toDetails(a))
	}
	result.SearchDuration = time.Since(start)
	return result, nil
}

// GetByID fetches the record for one PMID.
func (c *Client) GetByID(ctx context.Context, pmid string) (*domain.ArticleDetails, error) {
	if !c.config.Enabled {
		return nil, errors.New("pubmed source is disabled")
	}
	set, err := c.efetch(ctx, []string{pmid})
	if err != nil {
		return nil, fmt.Errorf("efetch %s: %w", pmid, err)
	}
	if len(set.Articles) == 0 {
		return nil, domain.NewNotFoundError("article", pmid)
	}
	return toDetails(set.Articles[0]), nil
}

// SourceType returns domain.SourceTypePubMed.
func (c *Client) SourceType() domain.SourceType { return domain.SourceTypePubMed }

// Name returns "PubMed".
func (c *Client) Name() string { return sourceName }

// IsEnabled reports whether the source is enabled.
func (c *Client) IsEnabled() bool { return c.config.Enabled }

func (c *Client) esearch(ctx context.Context, params papersources.SearchParams) (*ESearchResult, error) {
	maxResults := params.MaxResults
	if maxResults <= 0 {
		maxResults = c.config.MaxResults
	}
	maxResults = min(maxResults, MaxResultsLimit)

	q := c.baseQuery()
	q.Set("term", params.Query)
	q.Set("retmax", strconv.Itoa(maxResults))
	q.Set("usehistory", "n")
	if params.DateFrom != nil || params.DateTo != nil {
		q.Set("datetype", "pdat")
		if params.DateFrom != nil {
			q.Set("mindate", params.DateFrom.Format("2006/01/02"))
		}
		if params.DateTo != nil {
			q.Set("maxdate", params.DateTo.Format("2006/01/02"))
		}
	}

	var result ESearchResult
	if err := c.getXML(ctx, "/esearch.fcgi", q, params.Query, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

func (c *Client) efetch(ctx context.Context, pmids []string) (*PubmedArticleSet, error) {
	if len(pmids) == 0 {
		return &PubmedArticleSet{}, nil
	}
	q := c.baseQuery()
	q.Set("id", strings.Join(pmids, ","))
	q.Set("rettype", "abstract")

	var result PubmedArticleSet
	if err := c.getXML(ctx, "/efetch.fcgi", q, strings.Join(pmids, ","), &result); err != nil {
		return nil, err
	}
	return &result, nil
}

func (c *Client) baseQuery() url.Values {
	q := url.Values{}
	q.Set("db", "pubmed")
	q.Set("retmode", "xml")
	if c.config.APIKey != "" {
		q.Set("api_key", c.config.APIKey)
	}
	if c.config.Email != "" {
		q.Set("email", c.config.Email)
	}
	return q
}

func (c *Client) getXML(ctx context.Context, path string, q url.Values, id string, out any) error {
	body, err := c.http.GetBytes(ctx, c.config.BaseURL+path+"?"+q.Encode(), nil)
	if err != nil {
		return papersources.WrapError(sourceName, id, err)
	}
	if err := xml.Unmarshal(body, out); err != nil {
		return fmt.Errorf("parse XML response: %w", err)
	}
	return nil
}

func toDetails(a PubmedArticle) *domain.ArticleDetails {
	citation := a.MedlineCitation
	pmid := strings.TrimSpace(citation.PMID)

	journal := citation.Article.Journal.Title
	if journal == "" {
		journal = citation.Article.Journal.ISOAbbreviation
	}

	return &domain.ArticleDetails{
		ExternalID:      pmid,
		Title:           strings.TrimSpace(citation.Article.ArticleTitle),
		Abstract:        extractAbstract(citation.Article.Abstract),
		Authors:         extractAuthors(citation.Article.AuthorList),
		Journal:         journal,
		PublicationDate: extractYear(citation.Article.Journal.JournalIssue.PubDate),
		DOI:             extractDOI(citation.Article, a.PubmedData),
		URL:             ArticleURLPrefix + pmid + "/",
		Source:          domain.SourceTypePubMed,
	}
}

// extractDOI prefers a valid ELocationID over the ArticleIdList entry.
func extractDOI(article Article, data PubmedData) string {
	for _, eloc := range article.ELocationID {
		if eloc.EIdType == "doi" && (eloc.Valid == "" || eloc.Valid == "Y") {
			return strings.TrimSpace(eloc.Value)
		}
	}
	for _, aid := range data.ArticleIdList.ArticleIds {
		if aid.IdType == "doi" {
			return strings.TrimSpace(aid.Value)
		}
	}
	return ""
}

// extractYear returns the publication year, reading MedlineDate ("2020 Jan-Feb",
// "2019-2020") when no structured year is present.
func extractYear(pd PubDate) string {
	if y := strings.TrimSpace(pd.Year); y != "" {
		return y
	}
	fields := strings.Fields(pd.MedlineDate)
	if len(fields) == 0 {
		return ""
	}
	year := strings.Split(fields[0], "-")[0]
	if _, err := strconv.Atoi(year); err != nil {
		return ""
	}
	return year
}

// extractAbstract joins abstract sections, prefixing labelled ones with "LABEL: ".
func extractAbstract(abstract *Abstract) string {
	if abstract == nil {
		return ""
	}
	parts := make([]string, 0, len(abstract.AbstractTexts))
	for _, at := range abstract.AbstractTexts {
		text := strings.TrimSpace(at.Value)
		if text == "" {
			continue
		}
		if at.Label != "" {
			text = at.Label + ": " + text
		}
		parts = append(parts, text)
	}
	return strings.Join(parts, " ")
}

// extractAuthors renders "ForeName LastName" per author, joined by "; ".
func extractAuthors(list *AuthorList) string {
	if list == nil {
		return ""
	}
	names := make([]string, 0, len(list.Authors))
	for _, a := range list.Authors {
		if a.ValidYN == "N" {
			continue
		}
		if a.CollectiveName != "" {
			names = append(names, strings.TrimSpace(a.CollectiveName))
			continue
		}
		name := strings.TrimSpace(strings.TrimSpace(a.ForeName) + " " + strings.TrimSpace(a.LastName))
		if name != "" {
			names = append(names, name)
		}
	}
	return strings.Join(names, "; ")
}
