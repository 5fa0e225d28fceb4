package repository

import (
	"context"

	"github.com/helixir/literature-pipeline/internal/domain"
)

// ProfileRepository persists analysis profiles.
type ProfileRepository interface {
	List(ctx context.Context) ([]*domain.AnalysisProfile, error)

	// Get returns domain.ErrNotFound if the profile does not exist.
	Get(ctx context.Context, id string) (*domain.AnalysisProfile, error)

	// Create inserts a custom profile. Returns domain.ErrAlreadyExists on a duplicate id or name.
	Create(ctx context.Context, profile *domain.AnalysisProfile) error

	// Update replaces the models of a profile. It returns domain.ErrInUse while any
	// in-progress project has the profile as profile_used.
	Update(ctx context.Context, profile *domain.AnalysisProfile) error

	// Delete removes a custom profile. Built-in profiles cannot be deleted, and in-use
	// profiles are refused with domain.ErrInUse.
	Delete(ctx context.Context, id string) error
}

// GridRepository persists custom extraction grids.
type GridRepository interface {
	Create(ctx context.Context, grid *domain.ExtractionGrid) error
	Get(ctx context.Context, id string) (*domain.ExtractionGrid, error)
	ListByProject(ctx context.Context, projectID string) ([]*domain.ExtractionGrid, error)
}

// PromptRepository reads and edits stored prompt templates.
type PromptRepository interface {
	List(ctx context.Context) ([]*domain.Prompt, error)
	GetByName(ctx context.Context, name string) (*domain.Prompt, error)
	Update(ctx context.Context, id int64, description, template string) error
}
