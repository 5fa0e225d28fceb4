// Package zotero reads a user's Zotero library through the Zotero web API v3 and
// downloads the PDF attached to an item.
package zotero

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/helixir/literature-pipeline/internal/httpclient"
	"github.com/helixir/literature-pipeline/internal/papersources"
)

// DefaultBaseURL is the Zotero web API.
const DefaultBaseURL = "https://api.zotero.org"

// DefaultSearchLimit is the number of items a quick search returns.
const DefaultSearchLimit = 5

const (
	apiVersion     = "3"
	pdfContentType = "application/pdf"
)

// ErrCredentialsRequired is returned when the user id or the API key is missing.
var ErrCredentialsRequired = errors.New("zotero: user id and API key are required")

// Credentials identify a Zotero user library.
type Credentials struct {
	UserID string
	APIKey string
}

// Complete reports whether both fields are set.
func (c Credentials) Complete() bool {
	return strings.TrimSpace(c.UserID) != "" && strings.TrimSpace(c.APIKey) != ""
}

type Config struct {
	BaseURL     string
	SearchLimit int
}

// Item is a library item or attachment.
type Item struct {
	Key  string   `json:"key"`
	Data ItemData `json:"data"`
}

type ItemData struct {
	ItemType    string `json:"itemType"`
	Title       string `json:"title"`
	ContentType string `json:"contentType"`
}

type keyInfo struct {
	UserID int `json:"userID"`
}

// Client queries the Zotero web API. Credentials are passed per call, so one client
// serves every project.
type Client struct {
	config Config
	http   *httpclient.Client
}

// New creates a Zotero client.
func New(cfg Config, hc *httpclient.Client) *Client {
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	if cfg.SearchLimit <= 0 {
		cfg.SearchLimit = DefaultSearchLimit
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	return &Client{config: cfg, http: hc}
}

// CheckKey verifies that the API key is valid and belongs to the user.
func (c *Client) CheckKey(ctx context.Context, creds Credentials) error {
	if !creds.Complete() {
		return ErrCredentialsRequired
	}
	var info keyInfo
	if err := c.getJSON(ctx, creds, c.config.BaseURL+"/keys/current", &info); err != nil {
		return papersources.WrapError("Zotero", "api key", err)
	}
	if info.UserID != 0 && strconv.Itoa(info.UserID) != strings.TrimSpace(creds.UserID) {
		return fmt.Errorf("zotero: API key belongs to user %d, not %s", info.UserID, creds.UserID)
	}
	return nil
}

// Search runs a quick search of the library for query.
func (c *Client) Search(ctx context.Context, creds Credentials, query string) ([]Item, error) {
	u := fmt.Sprintf("%s/items?q=%s&limit=%d", c.libraryURL(creds), url.QueryEscape(query), c.config.SearchLimit)
	var items []Item
	if err := c.getJSON(ctx, creds, u, &items); err != nil {
		return nil, papersources.WrapError("Zotero", query, err)
	}
	return items, nil
}

// Children returns the attachments and notes of an item.
func (c *Client) Children(ctx context.Context, creds Credentials, itemKey string) ([]Item, error) {
	var items []Item
	if err := c.getJSON(ctx, creds, c.libraryURL(creds)+"/items/"+url.PathEscape(itemKey)+"/children", &items); err != nil {
		return nil, papersources.WrapError("Zotero", itemKey, err)
	}
	return items, nil
}

// File downloads the content of an attachment.
func (c *Client) File(ctx context.Context, creds Credentials, attachmentKey string) ([]byte, error) {
	body, err := c.http.GetBytes(ctx, c.libraryURL(creds)+"/items/"+url.PathEscape(attachmentKey)+"/file", c.header(creds))
	if err != nil {
		return nil, papersources.WrapError("Zotero", attachmentKey, err)
	}
	return body, nil
}

// FindPDF searches the library for articleID and returns the first PDF attached to the
// best matching item. It returns nil without error when the item or a PDF is missing.
func (c *Client) FindPDF(ctx context.Context, creds Credentials, articleID string) ([]byte, error) {
	items, err := c.Search(ctx, creds, articleID)
	if err != nil || len(items) == 0 {
		return nil, err
	}
	children, err := c.Children(ctx, creds, items[0].Key)
	if err != nil {
		return nil, err
	}
	for _, child := range children {
		if child.Data.ContentType == pdfContentType {
			return c.File(ctx, creds, child.Key)
		}
	}
	return nil, nil
}

func (c *Client) libraryURL(creds Credentials) string {
	return c.config.BaseURL + "/users/" + url.PathEscape(strings.TrimSpace(creds.UserID))
}

func (c *Client) header(creds Credentials) http.Header {
	return http.Header{
		"Zotero-API-Key":     []string{creds.APIKey},
		"Zotero-API-Version": []string{apiVersion},
	}
}

func (c *Client) getJSON(ctx context.Context, creds Credentials, u string, out any) error {
	h := c.header(creds)
	h.Set("Accept", "application/json")
	body, err := c.http.GetBytes(ctx, u, h)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("decode zotero response: %w", err)
	}
	return nil
}
