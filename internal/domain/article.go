package domain

import (
	"regexp"
	"time"
)

// Article is a search result within a project. (ProjectID, ArticleID) is unique.
type Article struct {
	ID              string     `json:"id"`
	ProjectID       string     `json:"project_id"`
	ArticleID       string     `json:"article_id"`
	ZoteroKey       string     `json:"zotero_key,omitempty"`
	Title           string     `json:"title"`
	Abstract        string     `json:"abstract,omitempty"`
	Authors         string     `json:"authors,omitempty"`
	PublicationDate string     `json:"publication_date,omitempty"`
	Journal         string     `json:"journal,omitempty"`
	DOI             string     `json:"doi,omitempty"`
	URL             string     `json:"url,omitempty"`
	DatabaseSource  SourceType `json:"database_source"`
	CreatedAt       time.Time  `json:"created_at"`
}

// ArticleDetails is the bibliographic metadata returned by a metadata fetch or a search.
type ArticleDetails struct {
	ExternalID      string     `json:"id"`
	Title           string     `json:"title"`
	Abstract        string     `json:"abstract,omitempty"`
	Authors         string     `json:"authors,omitempty"`
	Journal         string     `json:"journal,omitempty"`
	PublicationDate string     `json:"publication_date,omitempty"`
	DOI             string     `json:"doi,omitempty"`
	URL             string     `json:"url,omitempty"`
	Source          SourceType `json:"database_source"`
}

// ToArticle builds an Article row for the given project from fetched details.
// An empty source falls back to SourceTypeManualFetch.
func (d *ArticleDetails) ToArticle(projectID, articleID string) *Article {
	source := d.Source
	if source == "" {
		source = SourceTypeManualFetch
	}
	return &Article{
		ProjectID:       projectID,
		ArticleID:       articleID,
		Title:           d.Title,
		Abstract:        d.Abstract,
		Authors:         d.Authors,
		PublicationDate: d.PublicationDate,
		Journal:         d.Journal,
		DOI:             d.DOI,
		URL:             d.URL,
		DatabaseSource:  source,
	}
}

var unsafeFilenameChars = regexp.MustCompile(`[^a-zA-Z0-9.-]`)

// SanitizeFilename maps an external article id to the base name used for its stored PDF.
func SanitizeFilename(articleID string) string {
	return unsafeFilenameChars.ReplaceAllString(articleID, "_")
}
