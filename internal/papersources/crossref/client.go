package crossref

import (
	"context"
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
	// DefaultBaseURL is the Crossref REST API base URL.
	DefaultBaseURL = "https://api.crossref.org"

	// DefaultRateLimit stays within the polite pool allowance.
	DefaultRateLimit = 10.0

	// DOIURLPrefix prefixes a DOI to form its resolver URL.
	DOIURLPrefix = "https://doi.org/"

	sourceName = "Crossref"
)

// Config holds configuration for the Crossref client.
type Config struct {
	BaseURL string

	// Email is sent as mailto. Crossref throttles anonymous callers harder.
	Email string

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

// Client implements papersources.PaperSource for Crossref.
type Client struct {
	config Config
	http   *httpclient.Client
}

var _ papersources.PaperSource = (*Client)(nil)

// New creates a Crossref client.
func New(cfg Config, hc *httpclient.Client) *Client {
	cfg.applyDefaults()
	return &Client{config: cfg, http: hc}
}

// Search runs a bibliographic query over /works.
func (c *Client) Search(ctx context.Context, params papersources.SearchParams) (*papersources.SearchResult, error) {
	if !c.config.Enabled {
		return nil, errors.New("crossref source is disabled")
	}
	start := time.Now()

	rows := params.MaxResults
	if rows <= 0 {
		rows = c.config.MaxResults
	}

	q := url.Values{}
	q.Set("query", params.Query)
	q.Set("rows", strconv.Itoa(rows))
	if c.config.Email != "" {
		q.Set("mailto", c.config.Email)
	}
	var filters []string
	if params.DateFrom != nil {
		filters = append(filters, "from-pub-date:"+params.DateFrom.Format("2006-01-02"))
	}
	if params.DateTo != nil {
		filters = append(filters, "until-pub-date:"+params.DateTo.Format("2006-01-02"))
	}
	if len(filters) > 0 {
		q.Set("filter", strings.Join(filters, ","))
	}

	var resp worksResponse
	if err := c.http.GetJSON(ctx, c.config.BaseURL+"/works?"+q.Encode(), &resp); err != nil {
		return nil, papersources.WrapError(sourceName, params.Query, err)
	}

	articles := make([]*domain.ArticleDetails, 0, len(resp.Message.Items))
	for _, w := range resp.Message.Items {
		articles = append(articles, toDetails(w))
	}
	return &papersources.SearchResult{
		Articles:       articles,
		TotalResults:   resp.Message.TotalResults,
		Source:         domain.SourceTypeCrossref,
		SearchDuration: time.Since(start),
	}, nil
}

// GetByID fetches the record for a DOI.
func (c *Client) GetByID(ctx context.Context, doi string) (*domain.ArticleDetails, error) {
	if !c.config.Enabled {
		return nil, errors.New("crossref source is disabled")
	}
	doi = NormalizeDOI(doi)
	u := c.config.BaseURL + "/works/" + url.PathEscape(doi)
	if c.config.Email != "" {
		u += "?mailto=" + url.QueryEscape(c.config.Email)
	}

	var resp workResponse
	if err := c.http.GetJSON(ctx, u, &resp); err != nil {
		return nil, papersources.WrapError(sourceName, doi, err)
	}
	if resp.Message.DOI == "" && len(resp.Message.Title) == 0 {
		return nil, domain.NewNotFoundError("article", doi)
	}
	details := toDetails(resp.Message)
	if details.ExternalID == "" {
		details.ExternalID = doi
	}
	return details, nil
}

// SourceType returns domain.SourceTypeCrossref.
func (c *Client) SourceType() domain.SourceType { return domain.SourceTypeCrossref }

// Name returns "Crossref".
func (c *Client) Name() string { return sourceName }

// IsEnabled reports whether the source is enabled.
func (c *Client) IsEnabled() bool { return c.config.Enabled }

// NormalizeDOI strips resolver prefixes ("https://doi.org/", "doi:") from doi.
func NormalizeDOI(doi string) string {
	doi = strings.TrimSpace(doi)
	for _, prefix := range []string{"https://doi.org/", "http://doi.org/", "https://dx.doi.org/", "doi:"} {
		if len(doi) >= len(prefix) && strings.EqualFold(doi[:len(prefix)], prefix) {
			return doi[len(prefix):]
		}
	}
	return doi
}

func toDetails(w Work) *domain.ArticleDetails {
	d := &domain.ArticleDetails{
		DOI:             w.DOI,
		Abstract:        papersources.StripMarkup(w.Abstract),
		Authors:         joinAuthors(w.Author),
		PublicationDate: formatDate(w.PublishedPrint),
		Source:          domain.SourceTypeCrossref,
	}
	if len(w.Title) > 0 {
		d.Title = strings.TrimSpace(w.Title[0])
	}
	if len(w.ContainerTitle) > 0 {
		d.Journal = w.ContainerTitle[0]
	}
	if d.PublicationDate == "" {
		d.PublicationDate = formatDate(w.Issued)
	}

	if w.DOI != "" {
		d.ExternalID = w.DOI
		d.URL = DOIURLPrefix + w.DOI
	} else {
		d.URL = w.URL
		d.ExternalID = w.URL[strings.LastIndex(w.URL, "/")+1:]
	}
	return d
}

// joinAuthors keeps authors with both a given and a family name.
func joinAuthors(authors []Author) string {
	names := make([]string, 0, len(authors))
	for _, a := range authors {
		if a.Given != "" && a.Family != "" {
			names = append(names, a.Given+" "+a.Family)
		}
	}
	return strings.Join(names, "; ")
}

// formatDate renders date-parts as "YYYY", "YYYY-MM" or "YYYY-MM-DD".
func formatDate(info *DateInfo) string {
	if info == nil || len(info.DateParts) == 0 || len(info.DateParts[0]) == 0 {
		return ""
	}
	parts := info.DateParts[0]
	s := strconv.Itoa(parts[0])
	if len(parts) > 1 {
		s += fmt.Sprintf("-%02d", parts[1])
	}
	if len(parts) > 2 {
		s += fmt.Sprintf("-%02d", parts[2])
	}
	return s
}
