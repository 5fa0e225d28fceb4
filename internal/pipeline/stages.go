package pipeline

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/helixir/literature-pipeline/internal/domain"
	"github.com/helixir/literature-pipeline/internal/notify"
	"github.com/helixir/literature-pipeline/internal/repository"
)

// Recorder receives stage transition metrics. *observability.Metrics satisfies it.
type Recorder interface {
	RecordStageTransition(stage, status string)
}

// Stages applies the project state machine. Every status change is a guarded update,
// and every transition into a terminal status publishes exactly one notification.
type Stages struct {
	store     repository.Store
	publisher notify.Publisher
	metrics   Recorder
	logger    zerolog.Logger
}

// NewStages creates a Stages. publisher and metrics may be nil.
func NewStages(store repository.Store, publisher notify.Publisher, metrics Recorder, logger zerolog.Logger) *Stages {
	return &Stages{
		store:     store,
		publisher: publisher,
		metrics:   metrics,
		logger:    logger.With().Str("component", "stages").Logger(),
	}
}

// Enter moves a resting project into the stage's in-progress status. It returns the
// replaced status, or domain.ErrStageInProgress when another stage is running.
func (s *Stages) Enter(ctx context.Context, projectID string, stage domain.Stage) (domain.ProjectStatus, error) {
	prev, err := s.enter(ctx, s.store.Repos(), projectID, stage)
	if err != nil {
		return prev, err
	}
	s.record(stage, stage.Info().InProgress)
	return prev, nil
}

// enter applies the transition without recording it, so a caller inside a transaction
// records only once the transaction committed.
func (s *Stages) enter(ctx context.Context, repos repository.Repositories, projectID string, stage domain.Stage) (domain.ProjectStatus, error) {
	info := stage.Info()
	prev, err := repos.Projects.TransitionStatus(ctx, projectID, info.InProgress, domain.RestingStatuses())
	if err != nil {
		if errors.Is(err, domain.ErrInvalidTransition) {
			return prev, fmt.Errorf("%w: project %s is %s", domain.ErrStageInProgress, projectID, prev)
		}
		return prev, err
	}
	return prev, nil
}

// Resume re-asserts the stage's in-progress status from a task. A project already in
// that status is left as is, so redelivered tasks pass.
func (s *Stages) Resume(ctx context.Context, projectID string, stage domain.Stage) error {
	info := stage.Info()
	_, err := s.store.Repos().Projects.TransitionStatus(ctx, projectID, info.InProgress, domain.AllowedFrom(info.InProgress))
	return err
}

// Restore puts back the status Enter replaced. It is used when a stage was entered but
// its task could not be queued.
func (s *Stages) Restore(ctx context.Context, projectID string, stage domain.Stage, prev domain.ProjectStatus) error {
	_, err := s.store.Repos().Projects.TransitionStatus(ctx, projectID, prev, []domain.ProjectStatus{stage.Info().InProgress})
	return err
}

// Complete resolves the stage as completed and publishes its completion event.
func (s *Stages) Complete(ctx context.Context, projectID string, stage domain.Stage, message string, data map[string]any) error {
	info := stage.Info()
	if err := s.resolve(ctx, projectID, stage, info.Completed); err != nil {
		return err
	}
	notify.Send(ctx, s.publisher, s.logger, domain.NewNotification(projectID, info.CompletedEvent, message, data))
	return nil
}

// Fail resolves the stage as failed and publishes its failure event carrying reason.
func (s *Stages) Fail(ctx context.Context, projectID string, stage domain.Stage, reason string) error {
	info := stage.Info()
	if err := s.resolve(ctx, projectID, stage, info.Failed); err != nil {
		return err
	}
	s.logger.Warn().Str("project_id", projectID).Str("stage", string(stage)).Str("reason", reason).Msg("stage failed")
	notify.Send(ctx, s.publisher, s.logger, domain.NewNotification(projectID, info.FailedEvent, reason,
		map[string]any{"stage": string(stage), "reason": reason}))
	return nil
}

func (s *Stages) resolve(ctx context.Context, projectID string, stage domain.Stage, to domain.ProjectStatus) error {
	from := stage.Info().InProgress
	if _, err := s.store.Repos().Projects.TransitionStatus(ctx, projectID, to, []domain.ProjectStatus{from}); err != nil {
		return fmt.Errorf("resolve %s stage of %s: %w", stage, projectID, err)
	}
	s.record(stage, to)
	return nil
}

// CheckRunCompletion resolves a processing project once every article has a success or
// error log entry. Only the caller whose update changed the row publishes the outcome.
func (s *Stages) CheckRunCompletion(ctx context.Context, projectID string) error {
	repos := s.store.Repos()
	project, err := repos.Projects.Get(ctx, projectID)
	if err != nil {
		return err
	}
	if project.Status != domain.ProjectStatusProcessing {
		return nil
	}
	finished, err := repos.Logs.CountFinished(ctx, projectID)
	if err != nil {
		return err
	}
	if finished < project.PmidsCount {
		return nil
	}

	status, changed, err := repos.Projects.FinishRun(ctx, projectID)
	if err != nil || !changed {
		return err
	}
	s.record(domain.StageRun, status)

	info := domain.StageRun.Info()
	event, message := info.CompletedEvent, fmt.Sprintf("Run finished: %d of %d articles processed.", project.ProcessedCount, project.PmidsCount)
	if status == domain.ProjectStatusFailed {
		event, message = info.FailedEvent, "Run failed: no article could be processed."
	}
	notify.Send(ctx, s.publisher, s.logger, domain.NewNotification(projectID, event, message, map[string]any{
		"processed_count": project.ProcessedCount,
		"pmids_count":     project.PmidsCount,
	}))
	return nil
}

func (s *Stages) record(stage domain.Stage, status domain.ProjectStatus) {
	if s.metrics != nil {
		s.metrics.RecordStageTransition(string(stage), string(status))
	}
}
