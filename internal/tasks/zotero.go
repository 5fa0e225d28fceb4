package tasks

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/helixir/literature-pipeline/internal/domain"
	"github.com/helixir/literature-pipeline/internal/observability"
	"github.com/helixir/literature-pipeline/internal/papersources"
	"github.com/helixir/literature-pipeline/internal/pipeline"
)

var (
	zoteroPMID = regexp.MustCompile(`\b(\d{7,9})\b`)
	zoteroYear = regexp.MustCompile(`\b(19|20)\d{2}\b`)
)

// ZoteroStats summarizes a parsed Zotero export.
type ZoteroStats struct {
	Total        int `json:"total"`
	WithAbstract int `json:"with_abstract"`
	WithPMID     int `json:"with_pmid"`
	Duplicates   int `json:"duplicates"`
	Skipped      int `json:"skipped"`
}

type zoteroCreator struct {
	FirstName string `json:"firstName"`
	LastName  string `json:"lastName"`
}

type zoteroItem struct {
	Key              string          `json:"key"`
	Title            string          `json:"title"`
	AbstractNote     string          `json:"abstractNote"`
	Creators         []zoteroCreator `json:"creators"`
	Date             string          `json:"date"`
	PublicationTitle string          `json:"publicationTitle"`
	DOI              string          `json:"DOI"`
	URL              string          `json:"url"`
	Extra            string          `json:"extra"`
	PMID             any             `json:"PMID"`
}

// ParseZoteroLibrary reads a Zotero JSON export, either a list of items or an object
// with an "items" list, and returns one article per distinct reference. References are
// deduplicated on their title prefix, first author and year. The article id is the PMID
// found in "extra" or "PMID", else the DOI, else the Zotero key.
func ParseZoteroLibrary(projectID string, content []byte) ([]*domain.Article, ZoteroStats, error) {
	var stats ZoteroStats

	var items []json.RawMessage
	if err := json.Unmarshal(content, &items); err != nil {
		var wrapped struct {
			Items []json.RawMessage `json:"items"`
		}
		if err2 := json.Unmarshal(content, &wrapped); err2 != nil {
			return nil, stats, domain.NewValidationError("content", "not a Zotero JSON export: "+err.Error())
		}
		items = wrapped.Items
	}
	stats.Total = len(items)

	seen := make(map[string]struct{}, len(items))
	articles := make([]*domain.Article, 0, len(items))
	for _, raw := range items {
		var item zoteroItem
		if err := json.Unmarshal(raw, &item); err != nil {
			stats.Skipped++
			continue
		}
		article, hash, hasPMID := zoteroArticle(projectID, item)
		if article.ArticleID == "" {
			stats.Skipped++
			continue
		}
		if _, dup := seen[hash]; dup {
			stats.Duplicates++
			continue
		}
		seen[hash] = struct{}{}
		if article.Abstract != "" {
			stats.WithAbstract++
		}
		if hasPMID {
			stats.WithPMID++
		}
		articles = append(articles, article)
	}
	return articles, stats, nil
}

func zoteroArticle(projectID string, item zoteroItem) (*domain.Article, string, bool) {
	pmidText := item.Extra
	switch v := item.PMID.(type) {
	case string:
		pmidText += " " + v
	case float64:
		pmidText += fmt.Sprintf(" %.0f", v)
	}
	pmid := ""
	if m := zoteroPMID.FindStringSubmatch(pmidText); m != nil {
		pmid = m[1]
	}

	authors := make([]string, 0, len(item.Creators))
	for _, c := range item.Creators {
		authors = append(authors, c.LastName+", "+c.FirstName)
	}
	firstAuthor := ""
	if len(authors) > 0 {
		firstAuthor = authors[0]
	}

	year := zoteroYear.FindString(item.Date)
	title := item.Title
	if title == "" {
		title = "Untitled"
	}

	doi := strings.TrimSpace(item.DOI)
	url := item.URL
	if url == "" && doi != "" {
		url = "https://doi.org/" + doi
	}

	articleID := pmid
	if articleID == "" {
		articleID = doi
	}
	if articleID == "" && item.Key != "" {
		articleID = "zotero_" + item.Key
	}

	prefix := []rune(title)
	if len(prefix) > 50 {
		prefix = prefix[:50]
	}
	sum := md5.Sum([]byte(string(prefix) + "_" + firstAuthor + "_" + year))

	return &domain.Article{
		ProjectID:       projectID,
		ArticleID:       articleID,
		ZoteroKey:       item.Key,
		Title:           title,
		Abstract:        papersources.StripMarkup(item.AbstractNote),
		Authors:         strings.Join(authors, "; "),
		PublicationDate: year,
		Journal:         item.PublicationTitle,
		DOI:             doi,
		URL:             url,
		DatabaseSource:  domain.SourceTypeZoteroImport,
	}, hex.EncodeToString(sum[:]), pmid != ""
}

// ImportZotero inserts the references of a Zotero export into the project.
func (h *Handlers) ImportZotero(ctx context.Context, p pipeline.ZoteroImportPayload) error {
	logger := observability.WithProjectContext(observability.LoggerFromContext(ctx, h.logger), p.ProjectID)

	articles, stats, err := ParseZoteroLibrary(p.ProjectID, []byte(p.Content))
	if err != nil {
		var invalid *domain.ValidationError
		if errors.As(err, &invalid) {
			h.notify(ctx, p.ProjectID, domain.EventImportFailed, "The Zotero file could not be read.", map[string]any{"error": err.Error()})
			return nil
		}
		return err
	}

	repo := h.Store.Repos().Articles
	imported := 0
	for _, a := range articles {
		ok, err := repo.InsertIgnore(ctx, a)
		if err != nil {
			return fmt.Errorf("insert zotero article %s: %w", a.ArticleID, err)
		}
		if ok {
			imported++
		}
	}

	logger.Info().Int("imported", imported).Int("total", stats.Total).Msg("zotero import finished")
	h.notify(ctx, p.ProjectID, domain.EventImportCompleted,
		fmt.Sprintf("Zotero import finished: %d of %d references added.", imported, stats.Total),
		map[string]any{
			"imported":      imported,
			"total":         stats.Total,
			"duplicates":    stats.Duplicates,
			"skipped":       stats.Skipped,
			"with_abstract": stats.WithAbstract,
			"with_pmid":     stats.WithPMID,
		})
	return nil
}
