// Package unpaywall looks up open-access PDF locations for DOIs.
package unpaywall

import (
	"context"
	"errors"
	"net/url"
	"strings"

	"github.com/helixir/literature-pipeline/internal/domain"
	"github.com/helixir/literature-pipeline/internal/httpclient"
	"github.com/helixir/literature-pipeline/internal/papersources"
)

// DefaultBaseURL is the Unpaywall v2 API.
const DefaultBaseURL = "https://api.unpaywall.org/v2"

// ErrEmailRequired is returned when no contact email is configured.
var ErrEmailRequired = errors.New("unpaywall: email is required")

type Config struct {
	BaseURL string
	Email   string
}

type response struct {
	DOI            string    `json:"doi"`
	IsOA           bool      `json:"is_oa"`
	BestOALocation *location `json:"best_oa_location"`
}

type location struct {
	URL       string `json:"url"`
	URLForPDF string `json:"url_for_pdf"`
}

// Client queries Unpaywall.
type Client struct {
	config Config
	http   *httpclient.Client
}

// New creates an Unpaywall client.
func New(cfg Config, hc *httpclient.Client) *Client {
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	return &Client{config: cfg, http: hc}
}

// PDFURL returns best_oa_location.url_for_pdf for doi, or "" when the work has no
// open-access PDF or is unknown to Unpaywall.
func (c *Client) PDFURL(ctx context.Context, doi string) (string, error) {
	if c.config.Email == "" {
		return "", ErrEmailRequired
	}
	u := c.config.BaseURL + "/" + url.PathEscape(doi) + "?email=" + url.QueryEscape(c.config.Email)

	var resp response
	if err := c.http.GetJSON(ctx, u, &resp); err != nil {
		err = papersources.WrapError("Unpaywall", doi, err)
		if errors.Is(err, domain.ErrNotFound) {
			return "", nil
		}
		return "", err
	}
	if resp.BestOALocation == nil {
		return "", nil
	}
	return resp.BestOALocation.URLForPDF, nil
}
