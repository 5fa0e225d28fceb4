package tasks

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/helixir/literature-pipeline/internal/domain"
	"github.com/helixir/literature-pipeline/internal/observability"
	"github.com/helixir/literature-pipeline/internal/pipeline"
)

// Input bounds of the model-backed aggregations.
const (
	SynthesisArticleLimit = 30
	GraphTitleLimit       = 100
)

// aggregator computes the result of one aggregation stage. A *domain.StageFailedError
// fails the stage; any other error is returned to the queue for a retry.
type aggregator func(ctx context.Context, project *domain.Project, profile domain.AnalysisProfile) (domain.AggregateResult, string, error)

func (h *Handlers) aggregators() map[domain.Stage]aggregator {
	return map[domain.Stage]aggregator{
		domain.StageSynthesis:      h.synthesize,
		domain.StageDiscussion:     h.discuss,
		domain.StageKnowledgeGraph: h.buildGraph,
		domain.StagePrisma:         h.prismaFlow,
		domain.StageDescriptive:    h.descriptiveStats,
		domain.StageDomainScore:    h.domainScores,
		domain.StageMetaAnalysis:   h.metaAnalysis,
	}
}

// Aggregate runs one aggregation stage. A well-formed result is written to the stage's
// single result field before the stage completes; a stage failure writes nothing.
func (h *Handlers) Aggregate(ctx context.Context, p pipeline.StagePayload) error {
	logger := observability.WithStageContext(observability.LoggerFromContext(ctx, h.logger), p.ProjectID, string(p.Stage))

	run, ok := h.aggregators()[p.Stage]
	if !ok {
		return fmt.Errorf("stage %q is not an aggregation", p.Stage)
	}

	if err := h.Stages.Resume(ctx, p.ProjectID, p.Stage); err != nil {
		if isStale(err) {
			logger.Warn().Err(err).Msg("stale stage task skipped")
			return nil
		}
		return err
	}

	project, err := h.Store.Repos().Projects.Get(ctx, p.ProjectID)
	if err != nil {
		return err
	}

	result, message, err := run(ctx, project, p.Profile)
	if err != nil {
		var failed *domain.StageFailedError
		if errors.As(err, &failed) {
			h.failStage(ctx, p.ProjectID, p.Stage, failed.Reason, logger)
			return nil
		}
		return err
	}

	if err := h.Store.Repos().Projects.SaveResult(ctx, p.ProjectID, result); err != nil {
		return fmt.Errorf("save %s result: %w", p.Stage, err)
	}
	if err := h.Stages.Complete(ctx, p.ProjectID, p.Stage, message, map[string]any{"stage": string(p.Stage)}); err != nil {
		logger.Warn().Err(err).Msg("could not complete stage")
	}
	logger.Info().Msg("stage completed")
	return nil
}

func (h *Handlers) synthesize(ctx context.Context, project *domain.Project, profile domain.AnalysisProfile) (domain.AggregateResult, string, error) {
	minScore := domain.RelevanceThreshold
	if project.AnalysisMode == domain.AnalysisModeFullExtraction {
		minScore = 0
	}
	relevant, err := h.Store.Repos().Extractions.TopRelevant(ctx, project.ID, minScore, SynthesisArticleLimit)
	if err != nil {
		return nil, "", err
	}
	if len(relevant) == 0 {
		return nil, "", domain.NewStageFailedError(domain.StageSynthesis, "No relevant article found for the synthesis.")
	}

	summaries := make([]string, 0, len(relevant))
	for _, a := range relevant {
		if strings.TrimSpace(a.Abstract) == "" {
			continue
		}
		summaries = append(summaries, fmt.Sprintf("Title: %s\nAbstract: %s", a.Title, a.Abstract))
	}
	if len(summaries) == 0 {
		return nil, "", domain.NewStageFailedError(domain.StageSynthesis, "The relevant articles have no abstract.")
	}

	tmpl, err := h.loadPrompt(ctx, domain.PromptSynthesis, fallbackSynthesisPrompt)
	if err != nil {
		return nil, "", err
	}
	description := project.Description
	if description == "" {
		description = "Not specified"
	}
	prompt, err := renderPrompt(domain.PromptSynthesis, tmpl, promptData{
		ProjectDescription: description,
		Articles:           strings.Join(summaries, "\n\n---\n\n"),
	})
	if err != nil {
		return nil, "", err
	}

	output := h.Generator.GenerateJSON(ctx, profile.SynthesisModel, prompt)
	if len(output) == 0 {
		return nil, "", domain.NewStageFailedError(domain.StageSynthesis, "The synthesis failed because the model returned an invalid response.")
	}
	return domain.SynthesisResult{Data: output}, "The synthesis completed successfully.", nil
}

func (h *Handlers) discuss(ctx context.Context, project *domain.Project, profile domain.AnalysisProfile) (domain.AggregateResult, string, error) {
	if !project.HasSynthesis() {
		return nil, "", domain.NewStageFailedError(domain.StageDiscussion, "A synthesis is required before drafting the discussion.")
	}
	extractions, err := h.Store.Repos().Extractions.ListByProject(ctx, project.ID)
	if err != nil {
		return nil, "", err
	}

	var synthesis any
	if err := json.Unmarshal(project.SynthesisResult, &synthesis); err != nil {
		return nil, "", domain.NewStageFailedError(domain.StageDiscussion, "The stored synthesis is not valid JSON.")
	}
	pretty, err := json.MarshalIndent(synthesis, "", "  ")
	if err != nil {
		return nil, "", err
	}

	articles := make([]string, 0, len(extractions))
	for _, e := range extractions {
		articles = append(articles, fmt.Sprintf("- %s (ID: %s)", e.Title, e.ArticleID))
	}

	prompt := fmt.Sprintf(`As a researcher, write an academic "Discussion" section based on the synthesis summary and the list of articles below.

**Synthesis summary:**
---
%s
---

**Included articles:**
---
%s
---

The discussion should bring together the contributions, analyse the perspectives, explore the divergences and suggest future research directions, citing the sources.`,
		pretty, strings.Join(articles, "\n"))

	text := strings.TrimSpace(h.Generator.GenerateText(ctx, profile.SynthesisModel, prompt))
	if text == "" {
		return nil, "", domain.NewStageFailedError(domain.StageDiscussion, "The discussion failed because the model returned an empty response.")
	}
	return domain.DiscussionResult{Text: text}, "The discussion draft is ready.", nil
}

func (h *Handlers) buildGraph(ctx context.Context, project *domain.Project, profile domain.AnalysisProfile) (domain.AggregateResult, string, error) {
	extractions, err := h.Store.Repos().Extractions.ListByProject(ctx, project.ID)
	if err != nil {
		return nil, "", err
	}
	titles := make([]string, 0, min(len(extractions), GraphTitleLimit))
	for _, e := range extractions {
		if len(titles) == GraphTitleLimit {
			break
		}
		titles = append(titles, fmt.Sprintf("%s (ID: %s)", e.Title, e.ArticleID))
	}
	if len(titles) == 0 {
		return nil, "", domain.NewStageFailedError(domain.StageKnowledgeGraph, "No extraction available to build the knowledge graph.")
	}

	listing, err := json.MarshalIndent(titles, "", "  ")
	if err != nil {
		return nil, "", err
	}
	prompt := fmt.Sprintf(`From the following list of titles, build a knowledge graph. Identify the 10 most important concepts and their relations.

Respond ONLY with a JSON object with "nodes" (id, label) and "edges" (from, to, label).

Titles: %s`, listing)

	output := h.Generator.GenerateJSON(ctx, profile.ExtractModel, prompt)
	graph, ok := parseGraph(output)
	if !ok {
		return nil, "", domain.NewStageFailedError(domain.StageKnowledgeGraph, "The model did not return a graph with nodes and edges.")
	}
	return graph, "The knowledge graph is ready.", nil
}

// parseGraph accepts a model output carrying "nodes" and "edges" arrays of objects.
func parseGraph(output map[string]any) (domain.KnowledgeGraphResult, bool) {
	nodes, okNodes := objectList(output["nodes"])
	edges, okEdges := objectList(output["edges"])
	if !okNodes || !okEdges {
		return domain.KnowledgeGraphResult{}, false
	}
	return domain.KnowledgeGraphResult{Nodes: nodes, Edges: edges}, true
}

func objectList(v any) ([]map[string]any, bool) {
	items, ok := v.([]any)
	if !ok {
		return nil, false
	}
	out := make([]map[string]any, 0, len(items))
	for _, item := range items {
		if obj, ok := item.(map[string]any); ok {
			out = append(out, obj)
		}
	}
	return out, true
}
