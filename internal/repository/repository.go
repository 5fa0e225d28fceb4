// Package repository provides data access interfaces and their PostgreSQL implementations
// for the literature pipeline.
//
// # Overview
//
// Every table the pipeline touches has one repository interface:
//
//   - ProjectRepository: project lifecycle, status transitions and run counters
//   - ArticleRepository: search results, unique per (project, article)
//   - ExtractionRepository: per-article model output, upserted per (project, article)
//   - ProcessingLogRepository: append-only audit trail of per-article tasks
//   - ProfileRepository, GridRepository, PromptRepository: run configuration
//
// # Transactions
//
// Repositories are written against DBTX so the same code runs on the pool or inside a
// transaction. Store bundles all repositories and opens transactions:
//
//	err := store.InTx(ctx, func(repos repository.Repositories) error {
//	    if err := repos.Extractions.Upsert(ctx, ext); err != nil {
//	        return err
//	    }
//	    return repos.Logs.Append(ctx, projectID, articleID, domain.LogStatusSuccess, "")
//	})
//
// # Error Handling
//
// Methods return domain errors (domain.ErrNotFound, domain.ErrAlreadyExists,
// domain.ErrInvalidInput) and wrap driver errors with fmt.Errorf and %w.
package repository

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/rs/zerolog"

	"github.com/helixir/literature-pipeline/internal/database"
)

// DBTX is the database interface supporting both pool and transaction contexts.
type DBTX = database.DBTX

// PostgreSQL error codes used for constraint violation detection.
const (
	pgUniqueViolation     = "23505" // unique_violation
	pgForeignKeyViolation = "23503" // foreign_key_violation
)

// Filter pagination defaults and limits.
const (
	defaultFilterLimit = 100
	maxFilterLimit     = 1000
)

// applyPaginationDefaults clamps limit to [1, maxFilterLimit] and ensures offset >= 0.
func applyPaginationDefaults(limit, offset *int) {
	if *limit <= 0 {
		*limit = defaultFilterLimit
	}
	if *limit > maxFilterLimit {
		*limit = maxFilterLimit
	}
	if *offset < 0 {
		*offset = 0
	}
}

// Repositories groups the repositories that share one DBTX.
type Repositories struct {
	Projects    ProjectRepository
	Articles    ArticleRepository
	Extractions ExtractionRepository
	Logs        ProcessingLogRepository
	Profiles    ProfileRepository
	Grids       GridRepository
	Prompts     PromptRepository
}

// Store hands out repositories bound to the pool and runs functions in a transaction.
type Store interface {
	// Repos returns repositories that execute each statement on its own.
	Repos() Repositories

	// InTx runs fn with repositories bound to a single transaction. The transaction is
	// committed when fn returns nil and rolled back otherwise.
	InTx(ctx context.Context, fn func(Repositories) error) error
}

// NewRepositories builds every PostgreSQL repository over db.
func NewRepositories(db DBTX) Repositories {
	return Repositories{
		Projects:    NewPgProjectRepository(db),
		Articles:    NewPgArticleRepository(db),
		Extractions: NewPgExtractionRepository(db),
		Logs:        NewPgProcessingLogRepository(db),
		Profiles:    NewPgProfileRepository(db),
		Grids:       NewPgGridRepository(db),
		Prompts:     NewPgPromptRepository(db),
	}
}

var _ Store = (*PgStore)(nil)

// PgStore is the PostgreSQL Store.
type PgStore struct {
	db     database.TxStarter
	repos  Repositories
	logger zerolog.Logger
}

// NewPgStore creates a Store over db, usually a *database.DB.
func NewPgStore(db database.TxStarter, logger zerolog.Logger) *PgStore {
	return &PgStore{
		db:     db,
		repos:  NewRepositories(db),
		logger: logger.With().Str("component", "store").Logger(),
	}
}

// Repos returns the pool-bound repositories.
func (s *PgStore) Repos() Repositories {
	return s.repos
}

// InTx runs fn in a read-committed transaction.
func (s *PgStore) InTx(ctx context.Context, fn func(Repositories) error) error {
	return database.RunInTx(ctx, s.db, pgx.TxOptions{}, s.logger, func(tx pgx.Tx) error {
		return fn(NewRepositories(tx))
	})
}

func isPgUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == pgUniqueViolation
	}
	return false
}

func isPgForeignKeyViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == pgForeignKeyViolation
	}
	return false
}

// statusStrings converts statuses to the text[] parameter form.
func statusStrings[S ~string](statuses []S) []string {
	out := make([]string, len(statuses))
	for i, s := range statuses {
		out[i] = string(s)
	}
	return out
}
