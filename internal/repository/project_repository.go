package repository

import (
	"context"
	"time"

	"github.com/helixir/literature-pipeline/internal/domain"
)

// ProjectRepository persists projects. It is the only writer of a project's status and
// counters, and every status change goes through a guarded UPDATE so concurrent writers
// cannot skip a state.
type ProjectRepository interface {
	// Create inserts a new project in the pending status.
	// Returns domain.ErrAlreadyExists if the ID is taken.
	Create(ctx context.Context, project *domain.Project) error

	// Get retrieves a project by ID. Returns domain.ErrNotFound if absent.
	Get(ctx context.Context, id string) (*domain.Project, error)

	// List returns projects matching the filter, newest first, and the total match count.
	List(ctx context.Context, filter ProjectFilter) ([]*domain.Project, int64, error)

	// Delete removes a project. Articles, extractions, logs and grids cascade.
	Delete(ctx context.Context, id string) error

	// TransitionStatus moves the project to status to, provided its current status is one of
	// allowedFrom, and returns the status it replaced. When the guard does not match it returns
	// a *domain.TransitionError (or domain.ErrNotFound).
	TransitionStatus(ctx context.Context, id string, to domain.ProjectStatus, allowedFrom []domain.ProjectStatus) (domain.ProjectStatus, error)

	// SetSearchParams records the query and databases of a search stage.
	SetSearchParams(ctx context.Context, id, query string, databases []string) error

	// ResetRunCounters prepares a run: profile, mode, pmids_count = total, run_id, and zeroed
	// processed_count and total_processing_time.
	ResetRunCounters(ctx context.Context, id, profileID string, mode domain.AnalysisMode, total int, runID string) error

	// LockRun locks the project row for the rest of the transaction, provided the project
	// is processing run runID. Otherwise it returns an error wrapping domain.ErrStaleTask.
	LockRun(ctx context.Context, id, runID string) error

	// SetArticleCount sets pmids_count, as done when a search completes.
	SetArticleCount(ctx context.Context, id string, count int) error

	// IncrementProcessed adds one to processed_count unless it already equals pmids_count.
	// It reports whether the counter moved.
	IncrementProcessed(ctx context.Context, id string) (bool, error)

	// AddProcessingTime accumulates per-article wall-clock seconds.
	AddProcessingTime(ctx context.Context, id string, seconds float64) error

	// FinishRun resolves a processing project to completed, or failed when nothing was
	// processed. The bool is true only for the caller whose update changed the row.
	FinishRun(ctx context.Context, id string) (domain.ProjectStatus, bool, error)

	// SaveResult writes the result field that belongs to the variant's stage.
	SaveResult(ctx context.Context, id string, result domain.AggregateResult) error

	// MarkIndexed records the time the corpus was last indexed.
	MarkIndexed(ctx context.Context, id string, at time.Time) error

	// CountActiveByProfile counts in-progress projects whose last run used the profile.
	CountActiveByProfile(ctx context.Context, profileID string) (int, error)
}

// ProjectFilter specifies criteria for listing projects.
type ProjectFilter struct {
	// Status filters by one or more statuses (optional).
	Status []domain.ProjectStatus

	// Limit specifies maximum number of results (default: 100, max: 1000).
	Limit int

	// Offset specifies the starting position for pagination.
	Offset int
}

// Validate applies pagination defaults and rejects unknown statuses.
func (f *ProjectFilter) Validate() error {
	for _, s := range f.Status {
		if !s.Valid() {
			return domain.NewValidationError("status", "unknown status "+string(s))
		}
	}
	applyPaginationDefaults(&f.Limit, &f.Offset)
	return nil
}
