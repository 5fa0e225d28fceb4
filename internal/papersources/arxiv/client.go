package arxiv

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
	// DefaultBaseURL is the arXiv API base URL.
	DefaultBaseURL = "https://export.arxiv.org/api"

	// DefaultRateLimit follows the arXiv guidance of one request every three seconds,
	// relaxed for short bursts.
	DefaultRateLimit = 1.0

	sourceName = "arXiv"
)

// Config holds configuration for the arXiv client.
type Config struct {
	BaseURL    string
	MaxResults int
	Enabled    bool
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

// Client implements papersources.PaperSource for arXiv.
type Client struct {
	config Config
	http   *httpclient.Client
}

var _ papersources.PaperSource = (*Client)(nil)

// New creates an arXiv client.
func New(cfg Config, hc *httpclient.Client) *Client {
	cfg.applyDefaults()
	return &Client{config: cfg, http: hc}
}

// Search runs a relevance-sorted query over all fields.
func (c *Client) Search(ctx context.Context, params papersources.SearchParams) (*papersources.SearchResult, error) {
	if !c.config.Enabled {
		return nil, errors.New("arxiv source is disabled")
	}
	start := time.Now()

	maxResults := params.MaxResults
	if maxResults <= 0 {
		maxResults = c.config.MaxResults
	}

	q := url.Values{}
	q.Set("search_query", buildQuery(params))
	q.Set("start", "0")
	q.Set("max_results", strconv.Itoa(maxResults))
	q.Set("sortBy", "relevance")
	q.Set("sortOrder", "descending")

	feed, err := c.query(ctx, q, params.Query)
	if err != nil {
		return nil, err
	}

	articles := make([]*domain.ArticleDetails, 0, len(feed.Entries))
	for _, e := range feed.Entries {
		articles = append(articles, toDetails(e))
	}
	return &papersources.SearchResult{
		Articles:       articles,
		TotalResults:   feed.TotalResults,
		Source:         domain.SourceTypeArXiv,
		SearchDuration: time.Since(start),
	}, nil
}

// GetByID fetches one paper by arXiv id ("2301.12345", "2301.12345v2" or
// "hep-th/9901001"). An "arXiv:" prefix is accepted.
func (c *Client) GetByID(ctx context.Context, id string) (*domain.ArticleDetails, error) {
	if !c.config.Enabled {
		return nil, errors.New("arxiv source is disabled")
	}
	clean := NormalizeID(id)

	q := url.Values{}
	q.Set("id_list", clean)
	feed, err := c.query(ctx, q, clean)
	if err != nil {
		return nil, err
	}
	// arXiv answers unknown ids with a single entry whose id is the API error URL.
	if len(feed.Entries) == 0 || !strings.Contains(feed.Entries[0].ID, "/abs/") {
		return nil, domain.NewNotFoundError("article", id)
	}
	return toDetails(feed.Entries[0]), nil
}

// SourceType returns domain.SourceTypeArXiv.
func (c *Client) SourceType() domain.SourceType { return domain.SourceTypeArXiv }

// Name returns "arXiv".
func (c *Client) Name() string { return sourceName }

// IsEnabled reports whether the source is enabled.
func (c *Client) IsEnabled() bool { return c.config.Enabled }

func (c *Client) query(ctx context.Context, q url.Values, id string) (*Feed, error) {
	body, err := c.http.GetBytes(ctx, c.config.BaseURL+"/query?"+q.Encode(), nil)
	if err != nil {
		return nil, papersources.WrapError(sourceName, id, err)
	}
	var feed Feed
	if err := xml.Unmarshal(body, &feed); err != nil {
		return nil, fmt.Errorf("parse Atom response: %w", err)
	}
	return &feed, nil
}

// NormalizeID strips an "arXiv:" prefix and any abs URL from id.
func NormalizeID(id string) string {
	id = strings.TrimSpace(id)
	if i := strings.Index(id, "/abs/"); i >= 0 {
		id = id[i+len("/abs/"):]
	}
	if len(id) > 6 && strings.EqualFold(id[:6], "arxiv:") {
		id = id[6:]
	}
	return id
}

func buildQuery(params papersources.SearchParams) string {
	query := "all:" + params.Query
	if params.DateFrom != nil || params.DateTo != nil {
		from, to := "000001010000", "999912312359"
		if params.DateFrom != nil {
			from = params.DateFrom.Format("200601021504")
		}
		if params.DateTo != nil {
			to = params.DateTo.Format("200601021504")
		}
		query += fmt.Sprintf(" AND submittedDate:[%s TO %s]", from, to)
	}
	return query
}

func toDetails(e Entry) *domain.ArticleDetails {
	entryID := strings.TrimSpace(e.ID)

	authors := make([]string, 0, len(e.Authors))
	for _, a := range e.Authors {
		if name := strings.TrimSpace(a.Name); name != "" {
			authors = append(authors, name)
		}
	}
	categories := make([]string, 0, len(e.Categories))
	for _, cat := range e.Categories {
		if cat.Term != "" {
			categories = append(categories, cat.Term)
		}
	}

	published := ""
	if t, err := time.Parse(time.RFC3339, strings.TrimSpace(e.Published)); err == nil {
		published = t.Format("2006-01-02")
	}

	return &domain.ArticleDetails{
		ExternalID:      entryID[strings.LastIndex(entryID, "/")+1:],
		Title:           collapseSpace(e.Title),
		Abstract:        collapseSpace(e.Summary),
		Authors:         strings.Join(authors, "; "),
		Journal:         strings.Join(categories, ", "),
		PublicationDate: published,
		DOI:             strings.TrimSpace(e.DOI),
		URL:             entryID,
		Source:          domain.SourceTypeArXiv,
	}
}

// collapseSpace folds the line breaks arXiv puts in titles and abstracts.
func collapseSpace(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
