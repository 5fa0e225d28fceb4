package papersources

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/helixir/literature-pipeline/internal/domain"
)

// SourceResult holds the outcome of a search against one source.
type SourceResult struct {
	// Source identifies which paper source was queried.
	Source domain.SourceType

	// Result is nil when Error is set.
	Result *SearchResult

	Error error
}

// Registry holds the configured paper sources.
type Registry struct {
	mu      sync.RWMutex
	sources map[domain.SourceType]PaperSource
	metrics Recorder
}

// NewRegistry creates an empty registry. metrics may be nil.
func NewRegistry(metrics Recorder) *Registry {
	return &Registry{
		sources: make(map[domain.SourceType]PaperSource),
		metrics: metrics,
	}
}

// Register adds a source, replacing any source of the same type.
func (r *Registry) Register(source PaperSource) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sources[source.SourceType()] = source
}

// Get returns a source by type, or nil if not found.
func (r *Registry) Get(sourceType domain.SourceType) PaperSource {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.sources[sourceType]
}

// EnabledSources returns the enabled sources sorted by type.
func (r *Registry) EnabledSources() []PaperSource {
	r.mu.RLock()
	defer r.mu.RUnlock()

	sources := make([]PaperSource, 0, len(r.sources))
	for _, source := range r.sources {
		if source.IsEnabled() {
			sources = append(sources, source)
		}
	}
	sort.Slice(sources, func(i, j int) bool { return sources[i].SourceType() < sources[j].SourceType() })
	return sources
}

// Search queries one source by type and records request metrics.
func (r *Registry) Search(ctx context.Context, sourceType domain.SourceType, params SearchParams) (*SearchResult, error) {
	source := r.Get(sourceType)
	if source == nil {
		return nil, domain.NewValidationError("databases", fmt.Sprintf("unknown database %q", sourceType))
	}
	if !source.IsEnabled() {
		return nil, fmt.Errorf("%s: %w", source.Name(), domain.ErrServiceUnavailable)
	}

	start := time.Now()
	result, err := source.Search(ctx, params)
	if r.metrics != nil {
		r.metrics.RecordSourceRequest(string(sourceType), "search", time.Since(start).Seconds())
		if err == nil && result != nil {
			r.metrics.RecordArticlesFound(string(sourceType), len(result.Articles))
		}
	}
	if err != nil {
		return nil, fmt.Errorf("search %s: %w", source.Name(), err)
	}
	return result, nil
}

// SearchSources queries the given sources concurrently. With no types, every enabled
// source is searched. Unknown types are reported as errors in their SourceResult.
func (r *Registry) SearchSources(ctx context.Context, params SearchParams, sourceTypes []domain.SourceType) []SourceResult {
	if len(sourceTypes) == 0 {
		for _, s := range r.EnabledSources() {
			sourceTypes = append(sourceTypes, s.SourceType())
		}
	}
	if len(sourceTypes) == 0 {
		return nil
	}

	results := make([]SourceResult, len(sourceTypes))
	var wg sync.WaitGroup
	for i, st := range sourceTypes {
		wg.Add(1)
		go func(i int, st domain.SourceType) {
			defer wg.Done()
			result, err := r.Search(ctx, st, params)
			results[i] = SourceResult{Source: st, Result: result, Error: err}
		}(i, st)
	}
	wg.Wait()
	return results
}
