package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/helixir/literature-pipeline/internal/domain"
)

// Compile-time interface verification.
var (
	_ ProfileRepository = (*PgProfileRepository)(nil)
	_ GridRepository    = (*PgGridRepository)(nil)
	_ PromptRepository  = (*PgPromptRepository)(nil)
)

// PgProfileRepository is a PostgreSQL implementation of ProfileRepository.
type PgProfileRepository struct {
	db DBTX
}

// NewPgProfileRepository creates a new PostgreSQL profile repository.
func NewPgProfileRepository(db DBTX) *PgProfileRepository {
	return &PgProfileRepository{db: db}
}

const profileColumns = `id, name, is_custom, preprocess_model, extract_model, synthesis_model`

// List returns every profile, built-in ones first.
func (r *PgProfileRepository) List(ctx context.Context) ([]*domain.AnalysisProfile, error) {
	rows, err := r.db.Query(ctx, `SELECT `+profileColumns+` FROM analysis_profiles ORDER BY is_custom, name`)
	if err != nil {
		return nil, fmt.Errorf("failed to list profiles: %w", err)
	}
	defer rows.Close()

	var out []*domain.AnalysisProfile
	for rows.Next() {
		p, err := scanProfile(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan profile: %w", err)
		}
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate profiles: %w", err)
	}
	return out, nil
}

// Get retrieves a profile by id.
func (r *PgProfileRepository) Get(ctx context.Context, id string) (*domain.AnalysisProfile, error) {
	p, err := scanProfile(r.db.QueryRow(ctx, `SELECT `+profileColumns+` FROM analysis_profiles WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.NewNotFoundError("profile", id)
		}
		return nil, fmt.Errorf("failed to get profile: %w", err)
	}
	return p, nil
}

// Create inserts a custom profile.
func (r *PgProfileRepository) Create(ctx context.Context, p *domain.AnalysisProfile) error {
	if err := validateProfile(p); err != nil {
		return err
	}
	if p.ID == "" {
		p.ID = uuid.NewString()
	}
	p.IsCustom = true

	_, err := r.db.Exec(ctx, `
		INSERT INTO analysis_profiles (`+profileColumns+`) VALUES ($1, $2, $3, $4, $5, $6)`,
		p.ID, p.Name, p.IsCustom, p.PreprocessModel, p.ExtractModel, p.SynthesisModel)
	if err != nil {
		if isPgUniqueViolation(err) {
			return domain.NewAlreadyExistsError("profile", p.Name)
		}
		return fmt.Errorf("failed to create profile: %w", err)
	}
	return nil
}

// Update replaces a profile's name and models unless a running project uses it.
func (r *PgProfileRepository) Update(ctx context.Context, p *domain.AnalysisProfile) error {
	if err := validateProfile(p); err != nil {
		return err
	}

	result, err := r.db.Exec(ctx, `
		UPDATE analysis_profiles
		SET name = $2, preprocess_model = $3, extract_model = $4, synthesis_model = $5
		WHERE id = $1 AND NOT EXISTS (
			SELECT 1 FROM projects WHERE profile_used = $1 AND status = ANY($6)
		)`,
		p.ID, p.Name, p.PreprocessModel, p.ExtractModel, p.SynthesisModel,
		statusStrings(domain.InProgressStatuses()))
	if err != nil {
		if isPgUniqueViolation(err) {
			return domain.NewAlreadyExistsError("profile", p.Name)
		}
		return fmt.Errorf("failed to update profile: %w", err)
	}
	if result.RowsAffected() == 0 {
		return r.explainMiss(ctx, p.ID)
	}
	return nil
}

// Delete removes a custom profile unless a running project uses it.
func (r *PgProfileRepository) Delete(ctx context.Context, id string) error {
	result, err := r.db.Exec(ctx, `
		DELETE FROM analysis_profiles
		WHERE id = $1 AND is_custom AND NOT EXISTS (
			SELECT 1 FROM projects WHERE profile_used = $1 AND status = ANY($2)
		)`, id, statusStrings(domain.InProgressStatuses()))
	if err != nil {
		return fmt.Errorf("failed to delete profile: %w", err)
	}
	if result.RowsAffected() == 0 {
		existing, getErr := r.Get(ctx, id)
		if getErr != nil {
			return getErr
		}
		if !existing.IsCustom {
			return domain.NewValidationError("id", "built-in profiles cannot be deleted")
		}
		return fmt.Errorf("profile %s: %w", id, domain.ErrInUse)
	}
	return nil
}

// explainMiss distinguishes a missing profile from one guarded by a running stage.
func (r *PgProfileRepository) explainMiss(ctx context.Context, id string) error {
	if _, err := r.Get(ctx, id); err != nil {
		return err
	}
	return fmt.Errorf("profile %s: %w", id, domain.ErrInUse)
}

func validateProfile(p *domain.AnalysisProfile) error {
	if p == nil {
		return domain.NewValidationError("profile", "profile cannot be nil")
	}
	if p.Name == "" {
		return domain.NewValidationError("name", "profile name is required")
	}
	if p.PreprocessModel == "" || p.ExtractModel == "" || p.SynthesisModel == "" {
		return domain.NewValidationError("models", "preprocess, extract and synthesis models are required")
	}
	return nil
}

func scanProfile(row pgx.Row) (*domain.AnalysisProfile, error) {
	var p domain.AnalysisProfile
	if err := row.Scan(&p.ID, &p.Name, &p.IsCustom, &p.PreprocessModel, &p.ExtractModel, &p.SynthesisModel); err != nil {
		return nil, err
	}
	return &p, nil
}

// PgGridRepository is a PostgreSQL implementation of GridRepository.
type PgGridRepository struct {
	db DBTX
}

// NewPgGridRepository creates a new PostgreSQL grid repository.
func NewPgGridRepository(db DBTX) *PgGridRepository {
	return &PgGridRepository{db: db}
}

// Create inserts a grid for a project.
func (r *PgGridRepository) Create(ctx context.Context, g *domain.ExtractionGrid) error {
	if g == nil {
		return domain.NewValidationError("grid", "grid cannot be nil")
	}
	if g.Name == "" {
		return domain.NewValidationError("name", "grid name is required")
	}
	if len(g.Fields) == 0 {
		return domain.NewValidationError("fields", "at least one field is required")
	}
	if g.ID == "" {
		g.ID = uuid.NewString()
	}
	if g.CreatedAt.IsZero() {
		g.CreatedAt = time.Now().UTC()
	}

	fields, err := json.Marshal(g.Fields)
	if err != nil {
		return fmt.Errorf("failed to marshal grid fields: %w", err)
	}

	_, err = r.db.Exec(ctx, `
		INSERT INTO extraction_grids (id, project_id, name, fields, created_at)
		VALUES ($1, $2, $3, $4, $5)`,
		g.ID, g.ProjectID, g.Name, fields, g.CreatedAt)
	if err != nil {
		if isPgForeignKeyViolation(err) {
			return domain.NewNotFoundError("project", g.ProjectID)
		}
		return fmt.Errorf("failed to create grid: %w", err)
	}
	return nil
}

// Get retrieves a grid by id.
func (r *PgGridRepository) Get(ctx context.Context, id string) (*domain.ExtractionGrid, error) {
	g, err := scanGrid(r.db.QueryRow(ctx, `
		SELECT id, project_id, name, fields, created_at FROM extraction_grids WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.NewNotFoundError("grid", id)
		}
		return nil, fmt.Errorf("failed to get grid: %w", err)
	}
	return g, nil
}

// ListByProject returns the grids of a project, oldest first.
func (r *PgGridRepository) ListByProject(ctx context.Context, projectID string) ([]*domain.ExtractionGrid, error) {
	rows, err := r.db.Query(ctx, `
		SELECT id, project_id, name, fields, created_at FROM extraction_grids
		WHERE project_id = $1 ORDER BY created_at`, projectID)
	if err != nil {
		return nil, fmt.Errorf("failed to list grids: %w", err)
	}
	defer rows.Close()

	var out []*domain.ExtractionGrid
	for rows.Next() {
		g, err := scanGrid(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan grid: %w", err)
		}
		out = append(out, g)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate grids: %w", err)
	}
	return out, nil
}

func scanGrid(row pgx.Row) (*domain.ExtractionGrid, error) {
	var (
		g      domain.ExtractionGrid
		fields []byte
	)
	if err := row.Scan(&g.ID, &g.ProjectID, &g.Name, &fields, &g.CreatedAt); err != nil {
		return nil, err
	}
	if len(fields) > 0 {
		if err := json.Unmarshal(fields, &g.Fields); err != nil {
			return nil, fmt.Errorf("failed to unmarshal grid fields: %w", err)
		}
	}
	return &g, nil
}

// PgPromptRepository is a PostgreSQL implementation of PromptRepository.
type PgPromptRepository struct {
	db DBTX
}

// NewPgPromptRepository creates a new PostgreSQL prompt repository.
func NewPgPromptRepository(db DBTX) *PgPromptRepository {
	return &PgPromptRepository{db: db}
}

// List returns every prompt ordered by name.
func (r *PgPromptRepository) List(ctx context.Context) ([]*domain.Prompt, error) {
	rows, err := r.db.Query(ctx, `SELECT id, name, description, template FROM prompts ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("failed to list prompts: %w", err)
	}
	defer rows.Close()

	var out []*domain.Prompt
	for rows.Next() {
		var p domain.Prompt
		if err := rows.Scan(&p.ID, &p.Name, &p.Description, &p.Template); err != nil {
			return nil, fmt.Errorf("failed to scan prompt: %w", err)
		}
		out = append(out, &p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate prompts: %w", err)
	}
	return out, nil
}

// GetByName retrieves a prompt by its unique name.
func (r *PgPromptRepository) GetByName(ctx context.Context, name string) (*domain.Prompt, error) {
	var p domain.Prompt
	err := r.db.QueryRow(ctx, `SELECT id, name, description, template FROM prompts WHERE name = $1`, name).
		Scan(&p.ID, &p.Name, &p.Description, &p.Template)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.NewNotFoundError("prompt", name)
		}
		return nil, fmt.Errorf("failed to get prompt: %w", err)
	}
	return &p, nil
}

// Update replaces a prompt's description and template.
func (r *PgPromptRepository) Update(ctx context.Context, id int64, description, template string) error {
	if template == "" {
		return domain.NewValidationError("template", "template is required")
	}
	result, err := r.db.Exec(ctx, `UPDATE prompts SET description = $2, template = $3 WHERE id = $1`,
		id, description, template)
	if err != nil {
		return fmt.Errorf("failed to update prompt: %w", err)
	}
	if result.RowsAffected() == 0 {
		return domain.NewNotFoundError("prompt", strconv.FormatInt(id, 10))
	}
	return nil
}
