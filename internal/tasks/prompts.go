package tasks

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"text/template"

	"github.com/helixir/literature-pipeline/internal/domain"
)

// Built-in templates used when a stored prompt is missing.
const (
	fallbackScreeningPrompt = `Title: {{.Title}}
Abstract: {{.Abstract}}
Source: {{.DatabaseSource}}

Rate the relevance of this article from 0 to 10. Respond ONLY with a JSON object containing
"relevance_score", "decision" and "justification".`

	fallbackExtractionPrompt = `Extract the key data from this article following a structured grid.

Text: "{{.Text}}"

Source: {{.DatabaseSource}}

Extract the following information as JSON:
`

	fallbackSynthesisPrompt = `Project description: {{.ProjectDescription}}

Summaries of the most relevant articles:
---
{{.Articles}}
---

Respond ONLY with a JSON object containing "relevance_evaluation", "main_themes",
"key_findings", "methodologies_used", "synthesis_summary" and "research_gaps".`

	defaultGrid = `{
"study_type": "...",
"population": "...",
"intervention": "...",
"main_results": "...",
"limitations": "...",
"methodology": "..."
}`
)

// promptData is the value every prompt template is executed against.
type promptData struct {
	Title              string
	Abstract           string
	DatabaseSource     string
	Text               string
	ProjectDescription string
	Articles           string
}

// loadPrompt returns the stored template of name, or fallback when it is missing.
func (h *Handlers) loadPrompt(ctx context.Context, name, fallback string) (string, error) {
	p, err := h.Store.Repos().Prompts.GetByName(ctx, name)
	if errors.Is(err, domain.ErrNotFound) {
		return fallback, nil
	}
	if err != nil {
		return "", fmt.Errorf("load prompt %s: %w", name, err)
	}
	return p.Template, nil
}

func renderPrompt(name, text string, data promptData) (string, error) {
	tmpl, err := template.New(name).Option("missingkey=zero").Parse(text)
	if err != nil {
		return "", fmt.Errorf("parse prompt %s: %w", name, err)
	}
	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, data); err != nil {
		return "", fmt.Errorf("render prompt %s: %w", name, err)
	}
	return buf.String(), nil
}

// splitGrid separates the instructions of the full extraction template from the JSON
// grid that ends it. The grid starts at the last line opening with "{".
func splitGrid(tmpl string) (head, grid string) {
	idx := strings.LastIndex(tmpl, "\n{")
	if idx < 0 {
		return strings.TrimRight(tmpl, "\n") + "\n", defaultGrid
	}
	return tmpl[:idx+1], strings.TrimSpace(tmpl[idx+1:])
}

// gridFromFields renders custom grid fields as the JSON skeleton the model fills in.
func gridFromFields(fields []string) string {
	lines := make([]string, 0, len(fields))
	for _, f := range fields {
		f = strings.TrimSpace(f)
		if f == "" {
			continue
		}
		key, _ := json.Marshal(f)
		lines = append(lines, string(key)+`: "..."`)
	}
	if len(lines) == 0 {
		return defaultGrid
	}
	return "{\n" + strings.Join(lines, ",\n") + "\n}"
}

// articlePrompt builds the per-article prompt for the payload's mode.
func (h *Handlers) articlePrompt(ctx context.Context, article *domain.Article, mode domain.AnalysisMode, gridID, content string) (string, error) {
	data := promptData{
		Title:          article.Title,
		Abstract:       article.Abstract,
		DatabaseSource: string(article.DatabaseSource),
		Text:           content,
	}
	if mode == domain.AnalysisModeScreening {
		tmpl, err := h.loadPrompt(ctx, domain.PromptScreening, fallbackScreeningPrompt)
		if err != nil {
			return "", err
		}
		return renderPrompt(domain.PromptScreening, tmpl, data)
	}

	tmpl, err := h.loadPrompt(ctx, domain.PromptFullExtraction, fallbackExtractionPrompt+defaultGrid)
	if err != nil {
		return "", err
	}
	head, grid := splitGrid(tmpl)
	if gridID != "" {
		g, err := h.Store.Repos().Grids.Get(ctx, gridID)
		switch {
		case err == nil && g.ProjectID == article.ProjectID:
			grid = gridFromFields(g.Fields)
		case err != nil && !errors.Is(err, domain.ErrNotFound):
			return "", fmt.Errorf("load grid %s: %w", gridID, err)
		}
	}
	rendered, err := renderPrompt(domain.PromptFullExtraction, head, data)
	if err != nil {
		return "", err
	}
	return rendered + grid, nil
}
