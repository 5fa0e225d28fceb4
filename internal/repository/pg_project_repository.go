package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/helixir/literature-pipeline/internal/domain"
)

// Compile-time interface verification.
var _ ProjectRepository = (*PgProjectRepository)(nil)

// PgProjectRepository is a PostgreSQL implementation of ProjectRepository.
type PgProjectRepository struct {
	db DBTX
}

// NewPgProjectRepository creates a new PostgreSQL project repository.
func NewPgProjectRepository(db DBTX) *PgProjectRepository {
	return &PgProjectRepository{db: db}
}

const projectColumns = `id, name, description, status, profile_used, analysis_mode,
			pmids_count, processed_count, total_processing_time, run_id,
			search_query, databases_used,
			synthesis_result, discussion_draft, knowledge_graph, prisma_flow,
			analysis_result, analysis_plot_path,
			indexed_at, created_at, updated_at`

// Create inserts a new project.
func (r *PgProjectRepository) Create(ctx context.Context, project *domain.Project) error {
	if project == nil {
		return domain.NewValidationError("project", "project cannot be nil")
	}
	if project.Name == "" {
		return domain.NewValidationError("name", "project name is required")
	}
	if project.ID == "" {
		project.ID = uuid.NewString()
	}
	if project.Status == "" {
		project.Status = domain.ProjectStatusPending
	}
	if project.AnalysisMode == "" {
		project.AnalysisMode = domain.AnalysisModeScreening
	}
	if project.DatabasesUsed == nil {
		project.DatabasesUsed = []string{}
	}
	now := time.Now().UTC()
	project.CreatedAt, project.UpdatedAt = now, now

	query := `
		INSERT INTO projects (
			id, name, description, status, analysis_mode,
			search_query, databases_used, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`

	_, err := r.db.Exec(ctx, query,
		project.ID, project.Name, project.Description, project.Status, project.AnalysisMode,
		project.SearchQuery, project.DatabasesUsed, project.CreatedAt, project.UpdatedAt,
	)
	if err != nil {
		if isPgUniqueViolation(err) {
			return domain.NewAlreadyExistsError("project", project.ID)
		}
		return fmt.Errorf("failed to create project: %w", err)
	}
	return nil
}

// Get retrieves a project by ID.
func (r *PgProjectRepository) Get(ctx context.Context, id string) (*domain.Project, error) {
	query := `SELECT ` + projectColumns + ` FROM projects WHERE id = $1`

	project, err := scanProject(r.db.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.NewNotFoundError("project", id)
		}
		return nil, fmt.Errorf("failed to get project: %w", err)
	}
	return project, nil
}

// List returns projects matching the filter.
func (r *PgProjectRepository) List(ctx context.Context, filter ProjectFilter) ([]*domain.Project, int64, error) {
	if err := filter.Validate(); err != nil {
		return nil, 0, err
	}

	where := ""
	args := []any{}
	if len(filter.Status) > 0 {
		where = " WHERE status = ANY($1)"
		args = append(args, statusStrings(filter.Status))
	}

	var total int64
	if err := r.db.QueryRow(ctx, `SELECT COUNT(*) FROM projects`+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("failed to count projects: %w", err)
	}

	query := fmt.Sprintf(`SELECT %s FROM projects%s ORDER BY created_at DESC LIMIT $%d OFFSET $%d`,
		projectColumns, where, len(args)+1, len(args)+2)
	rows, err := r.db.Query(ctx, query, append(args, filter.Limit, filter.Offset)...)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to list projects: %w", err)
	}
	defer rows.Close()

	var projects []*domain.Project
	for rows.Next() {
		project, err := scanProject(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("failed to scan project: %w", err)
		}
		projects = append(projects, project)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("failed to iterate projects: %w", err)
	}
	return projects, total, nil
}

// Delete removes a project and, through ON DELETE CASCADE, everything it owns.
func (r *PgProjectRepository) Delete(ctx context.Context, id string) error {
	result, err := r.db.Exec(ctx, `DELETE FROM projects WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("failed to delete project: %w", err)
	}
	if result.RowsAffected() == 0 {
		return domain.NewNotFoundError("project", id)
	}
	return nil
}

// TransitionStatus performs a compare-and-set on the status column. The old status is read
// under a row lock in the same statement so the returned value is the one that was replaced.
func (r *PgProjectRepository) TransitionStatus(ctx context.Context, id string, to domain.ProjectStatus, allowedFrom []domain.ProjectStatus) (domain.ProjectStatus, error) {
	if !to.Valid() {
		return "", domain.NewValidationError("status", "unknown status "+string(to))
	}

	query := `
		UPDATE projects p
		SET status = $2, updated_at = NOW()
		FROM (SELECT id, status FROM projects WHERE id = $1 FOR UPDATE) old
		WHERE p.id = old.id AND old.status = ANY($3)
		RETURNING old.status`

	var previous domain.ProjectStatus
	err := r.db.QueryRow(ctx, query, id, to, statusStrings(allowedFrom)).Scan(&previous)
	if err == nil {
		return previous, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return "", fmt.Errorf("failed to update project status: %w", err)
	}

	var current domain.ProjectStatus
	if err := r.db.QueryRow(ctx, `SELECT status FROM projects WHERE id = $1`, id).Scan(&current); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", domain.NewNotFoundError("project", id)
		}
		return "", fmt.Errorf("failed to read project status: %w", err)
	}
	return current, domain.NewTransitionError(id, current, to)
}

// SetSearchParams records the query and databases of a search stage.
func (r *PgProjectRepository) SetSearchParams(ctx context.Context, id, query string, databases []string) error {
	if databases == nil {
		databases = []string{}
	}
	return r.execOne(ctx, id, "set search params", `
		UPDATE projects SET search_query = $2, databases_used = $3, updated_at = NOW()
		WHERE id = $1`, query, databases)
}

// ResetRunCounters prepares a run.
func (r *PgProjectRepository) ResetRunCounters(ctx context.Context, id, profileID string, mode domain.AnalysisMode, total int, runID string) error {
	if total < 0 {
		return domain.NewValidationError("pmids_count", "must be >= 0")
	}
	return r.execOne(ctx, id, "reset run counters", `
		UPDATE projects
		SET profile_used = $2, analysis_mode = $3, pmids_count = $4, run_id = $5,
			processed_count = 0, total_processing_time = 0, updated_at = NOW()
		WHERE id = $1`, profileID, mode, total, runID)
}

// LockRun takes the project row lock when the project is processing run runID. Inside a
// transaction this serializes article tasks with the reset of the next run.
func (r *PgProjectRepository) LockRun(ctx context.Context, id, runID string) error {
	var (
		status  domain.ProjectStatus
		current string
	)
	err := r.db.QueryRow(ctx, `SELECT status, run_id FROM projects WHERE id = $1 FOR UPDATE`, id).Scan(&status, &current)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return fmt.Errorf("%w: project %s no longer exists", domain.ErrStaleTask, id)
		}
		return fmt.Errorf("failed to lock project run: %w", err)
	}
	if status != domain.ProjectStatusProcessing || current != runID {
		return fmt.Errorf("%w: project %s is %s in run %q, task belongs to run %q", domain.ErrStaleTask, id, status, current, runID)
	}
	return nil
}

// SetArticleCount sets pmids_count. processed_count is clamped so the check constraint holds.
func (r *PgProjectRepository) SetArticleCount(ctx context.Context, id string, count int) error {
	return r.execOne(ctx, id, "set article count", `
		UPDATE projects
		SET pmids_count = $2, processed_count = LEAST(processed_count, $2), updated_at = NOW()
		WHERE id = $1`, count)
}

// IncrementProcessed adds one to processed_count while it is below pmids_count.
func (r *PgProjectRepository) IncrementProcessed(ctx context.Context, id string) (bool, error) {
	result, err := r.db.Exec(ctx, `
		UPDATE projects SET processed_count = processed_count + 1, updated_at = NOW()
		WHERE id = $1 AND processed_count < pmids_count`, id)
	if err != nil {
		return false, fmt.Errorf("failed to increment processed count: %w", err)
	}
	return result.RowsAffected() == 1, nil
}

// AddProcessingTime accumulates per-article wall-clock seconds.
func (r *PgProjectRepository) AddProcessingTime(ctx context.Context, id string, seconds float64) error {
	return r.execOne(ctx, id, "add processing time", `
		UPDATE projects SET total_processing_time = total_processing_time + $2, updated_at = NOW()
		WHERE id = $1`, seconds)
}

// FinishRun resolves a processing project. Only one concurrent caller gets changed == true.
func (r *PgProjectRepository) FinishRun(ctx context.Context, id string) (domain.ProjectStatus, bool, error) {
	query := `
		UPDATE projects
		SET status = CASE WHEN processed_count = 0 THEN 'failed' ELSE 'completed' END,
			updated_at = NOW()
		WHERE id = $1 AND status = 'processing'
		RETURNING status`

	var status domain.ProjectStatus
	if err := r.db.QueryRow(ctx, query, id).Scan(&status); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", false, nil
		}
		return "", false, fmt.Errorf("failed to finish run: %w", err)
	}
	return status, true, nil
}

// SaveResult writes the single field owned by the result's stage.
func (r *PgProjectRepository) SaveResult(ctx context.Context, id string, result domain.AggregateResult) error {
	switch res := result.(type) {
	case domain.SynthesisResult:
		data, err := json.Marshal(res.Data)
		if err != nil {
			return fmt.Errorf("failed to marshal synthesis: %w", err)
		}
		return r.execOne(ctx, id, "save synthesis", `
			UPDATE projects SET synthesis_result = $2, updated_at = NOW() WHERE id = $1`, data)

	case domain.DiscussionResult:
		return r.execOne(ctx, id, "save discussion", `
			UPDATE projects SET discussion_draft = $2, updated_at = NOW() WHERE id = $1`, res.Text)

	case domain.KnowledgeGraphResult:
		data, err := json.Marshal(res)
		if err != nil {
			return fmt.Errorf("failed to marshal knowledge graph: %w", err)
		}
		return r.execOne(ctx, id, "save knowledge graph", `
			UPDATE projects SET knowledge_graph = $2, updated_at = NOW() WHERE id = $1`, data)

	case domain.PrismaResult:
		data, err := json.Marshal(res)
		if err != nil {
			return fmt.Errorf("failed to marshal prisma flow: %w", err)
		}
		return r.execOne(ctx, id, "save prisma flow", `
			UPDATE projects SET prisma_flow = $2, updated_at = NOW() WHERE id = $1`, data)

	case domain.DescriptiveStatsResult:
		return r.saveAnalysis(ctx, id, res, res.PlotPath)
	case domain.DomainScoreResult:
		return r.saveAnalysis(ctx, id, res, res.PlotPath)
	case domain.MetaAnalysisResult:
		return r.saveAnalysis(ctx, id, res, res.PlotPath)

	case nil:
		return domain.NewValidationError("result", "result cannot be nil")
	default:
		return domain.NewValidationError("result", fmt.Sprintf("unsupported result type %T", result))
	}
}

func (r *PgProjectRepository) saveAnalysis(ctx context.Context, id string, result domain.AggregateResult, plotPath string) error {
	data, err := domain.MarshalAnalysis(result)
	if err != nil {
		return fmt.Errorf("failed to marshal %s: %w", result.Stage(), err)
	}
	return r.execOne(ctx, id, "save "+string(result.Stage()), `
		UPDATE projects SET analysis_result = $2, analysis_plot_path = $3, updated_at = NOW()
		WHERE id = $1`, []byte(data), plotPath)
}

// MarkIndexed records the time the corpus was last indexed.
func (r *PgProjectRepository) MarkIndexed(ctx context.Context, id string, at time.Time) error {
	return r.execOne(ctx, id, "mark indexed", `
		UPDATE projects SET indexed_at = $2, updated_at = NOW() WHERE id = $1`, at.UTC())
}

// CountActiveByProfile counts in-progress projects whose last run used the profile.
func (r *PgProjectRepository) CountActiveByProfile(ctx context.Context, profileID string) (int, error) {
	var n int
	err := r.db.QueryRow(ctx, `
		SELECT COUNT(*) FROM projects WHERE profile_used = $1 AND status = ANY($2)`,
		profileID, statusStrings(domain.InProgressStatuses()),
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count projects using profile: %w", err)
	}
	return n, nil
}

// execOne runs an UPDATE that must hit exactly the project row.
func (r *PgProjectRepository) execOne(ctx context.Context, id, op, query string, args ...any) error {
	result, err := r.db.Exec(ctx, query, append([]any{id}, args...)...)
	if err != nil {
		return fmt.Errorf("failed to %s: %w", op, err)
	}
	if result.RowsAffected() == 0 {
		return domain.NewNotFoundError("project", id)
	}
	return nil
}

func scanProject(row pgx.Row) (*domain.Project, error) {
	var p domain.Project
	var synthesis, graph, prisma, analysis []byte
	err := row.Scan(
		&p.ID, &p.Name, &p.Description, &p.Status, &p.ProfileUsed, &p.AnalysisMode,
		&p.PmidsCount, &p.ProcessedCount, &p.TotalProcessingTime, &p.RunID,
		&p.SearchQuery, &p.DatabasesUsed,
		&synthesis, &p.DiscussionDraft, &graph, &prisma,
		&analysis, &p.AnalysisPlotPath,
		&p.IndexedAt, &p.CreatedAt, &p.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	p.SynthesisResult = rawJSON(synthesis)
	p.KnowledgeGraph = rawJSON(graph)
	p.PrismaFlow = rawJSON(prisma)
	p.AnalysisResult = rawJSON(analysis)
	return &p, nil
}

func rawJSON(b []byte) json.RawMessage {
	if len(b) == 0 {
		return nil
	}
	return json.RawMessage(b)
}
