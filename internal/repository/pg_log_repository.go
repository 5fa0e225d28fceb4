package repository

import (
	"context"
	"fmt"

	"github.com/helixir/literature-pipeline/internal/domain"
)

// Compile-time interface verification.
var _ ProcessingLogRepository = (*PgProcessingLogRepository)(nil)

// PgProcessingLogRepository is a PostgreSQL implementation of ProcessingLogRepository.
type PgProcessingLogRepository struct {
	db DBTX
}

// NewPgProcessingLogRepository creates a new PostgreSQL processing log repository.
func NewPgProcessingLogRepository(db DBTX) *PgProcessingLogRepository {
	return &PgProcessingLogRepository{db: db}
}

// Append adds one entry.
func (r *PgProcessingLogRepository) Append(ctx context.Context, projectID, articleID string, status domain.LogStatus, details string) error {
	_, err := r.db.Exec(ctx, `
		INSERT INTO processing_log (project_id, article_id, status, details)
		VALUES ($1, $2, $3, $4)`,
		projectID, articleID, status, details)
	if err != nil {
		if isPgForeignKeyViolation(err) {
			return domain.NewNotFoundError("project", projectID)
		}
		return fmt.Errorf("failed to append processing log: %w", err)
	}
	return nil
}

// AppendSuccess adds the success entry of an article unless one exists. The partial
// unique index on successful entries makes the check and the insert a single step.
func (r *PgProcessingLogRepository) AppendSuccess(ctx context.Context, projectID, articleID, details string) (bool, error) {
	result, err := r.db.Exec(ctx, `
		INSERT INTO processing_log (project_id, article_id, status, details)
		VALUES ($1, $2, 'success', $3)
		ON CONFLICT (project_id, article_id) WHERE status = 'success' DO NOTHING`,
		projectID, articleID, details)
	if err != nil {
		if isPgForeignKeyViolation(err) {
			return false, domain.NewNotFoundError("project", projectID)
		}
		return false, fmt.Errorf("failed to append success entry: %w", err)
	}
	return result.RowsAffected() == 1, nil
}

// ListByProject returns the latest entries of a project, newest first.
func (r *PgProcessingLogRepository) ListByProject(ctx context.Context, projectID string, limit int) ([]*domain.ProcessingLogEntry, error) {
	offset := 0
	applyPaginationDefaults(&limit, &offset)

	rows, err := r.db.Query(ctx, `
		SELECT id, project_id, article_id, status, details, created_at
		FROM processing_log
		WHERE project_id = $1
		ORDER BY created_at DESC, id DESC
		LIMIT $2`, projectID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list processing log: %w", err)
	}
	defer rows.Close()

	var out []*domain.ProcessingLogEntry
	for rows.Next() {
		var e domain.ProcessingLogEntry
		if err := rows.Scan(&e.ID, &e.ProjectID, &e.ArticleID, &e.Status, &e.Details, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan processing log: %w", err)
		}
		out = append(out, &e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate processing log: %w", err)
	}
	return out, nil
}

// CountFinished returns the number of distinct articles with a success or error entry.
func (r *PgProcessingLogRepository) CountFinished(ctx context.Context, projectID string) (int, error) {
	var n int
	err := r.db.QueryRow(ctx, `
		SELECT COUNT(DISTINCT article_id) FROM processing_log
		WHERE project_id = $1 AND status IN ('success', 'error')`, projectID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count finished articles: %w", err)
	}
	return n, nil
}

// DeleteByProject removes every entry of a project.
func (r *PgProcessingLogRepository) DeleteByProject(ctx context.Context, projectID string) (int64, error) {
	result, err := r.db.Exec(ctx, `DELETE FROM processing_log WHERE project_id = $1`, projectID)
	if err != nil {
		return 0, fmt.Errorf("failed to delete processing log: %w", err)
	}
	return result.RowsAffected(), nil
}
