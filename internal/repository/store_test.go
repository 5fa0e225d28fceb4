package repository

import (
	"context"
	"errors"
	"testing"

	"github.com/pashagolub/pgxmock/v4"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/helixir/literature-pipeline/internal/domain"
)

func TestPgStore_InTx(t *testing.T) {
	ctx := context.Background()

	t.Run("commits the success step as one unit", func(t *testing.T) {
		mock, err := pgxmock.NewPool()
		require.NoError(t, err)
		defer mock.Close()

		mock.ExpectBegin()
		mock.ExpectExec("INSERT INTO extractions").WillReturnResult(pgxmock.NewResult("INSERT", 1))
		mock.ExpectExec("INSERT INTO processing_log").
			WithArgs("p1", "a", domain.LogStatusSuccess, "").
			WillReturnResult(pgxmock.NewResult("INSERT", 1))
		mock.ExpectExec("UPDATE projects SET processed_count = processed_count \\+ 1").
			WithArgs("p1").
			WillReturnResult(pgxmock.NewResult("UPDATE", 1))
		mock.ExpectCommit()

		store := NewPgStore(mock, zerolog.Nop())
		err = store.InTx(ctx, func(repos Repositories) error {
			if err := repos.Extractions.Upsert(ctx, &domain.Extraction{ProjectID: "p1", ArticleID: "a"}); err != nil {
				return err
			}
			if err := repos.Logs.Append(ctx, "p1", "a", domain.LogStatusSuccess, ""); err != nil {
				return err
			}
			_, err := repos.Projects.IncrementProcessed(ctx, "p1")
			return err
		})
		require.NoError(t, err)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("rolls back when a step fails", func(t *testing.T) {
		mock, err := pgxmock.NewPool()
		require.NoError(t, err)
		defer mock.Close()

		mock.ExpectBegin()
		mock.ExpectExec("INSERT INTO extractions").WillReturnError(errors.New("disk full"))
		mock.ExpectRollback()

		store := NewPgStore(mock, zerolog.Nop())
		err = store.InTx(ctx, func(repos Repositories) error {
			return repos.Extractions.Upsert(ctx, &domain.Extraction{ProjectID: "p1", ArticleID: "a"})
		})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "disk full")
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}

func TestProjectFilter_Validate(t *testing.T) {
	f := ProjectFilter{Limit: 5000, Offset: -1}
	require.NoError(t, f.Validate())
	assert.Equal(t, maxFilterLimit, f.Limit)
	assert.Equal(t, 0, f.Offset)

	bad := ProjectFilter{Status: []domain.ProjectStatus{"archived"}}
	assert.ErrorIs(t, bad.Validate(), domain.ErrInvalidInput)
}
