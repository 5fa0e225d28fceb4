package pipeline

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/helixir/literature-pipeline/internal/domain"
	"github.com/helixir/literature-pipeline/internal/index"
	"github.com/helixir/literature-pipeline/internal/repository"
	"github.com/helixir/literature-pipeline/internal/taskqueue"
)

// Defaults applied by NewOrchestrator.
const (
	DefaultProfileID  = "standard"
	DefaultMaxPerDB   = 50
	DefaultChatChunks = 5
)

// Retriever finds the indexed chunks closest to a question.
type Retriever interface {
	Query(ctx context.Context, projectID, question string, k int) ([]index.Match, error)
}

// TextGenerator produces free text. It returns "" when the model gave no usable answer.
type TextGenerator interface {
	GenerateText(ctx context.Context, model, prompt string) string
}

// ProjectFiles removes the files stored for a project.
type ProjectFiles interface {
	RemoveProject(projectID string) error
}

// Config tunes the orchestrator.
type Config struct {
	// Timeouts is the task timeout per queue. Missing queues use taskqueue.DefaultTimeout.
	Timeouts map[taskqueue.Queue]time.Duration
	// DefaultDatabases are searched when a search request names none.
	DefaultDatabases []string
	// MaxPerDB caps the results requested from each database.
	MaxPerDB int
	// DefaultProfile is used for stages started on a project that never ran.
	DefaultProfile string
	// ChatChunks is the number of indexed chunks given to the model when answering.
	ChatChunks int
}

func (c *Config) applyDefaults() {
	if len(c.DefaultDatabases) == 0 {
		c.DefaultDatabases = []string{string(domain.SourceTypePubMed)}
	}
	if c.MaxPerDB <= 0 {
		c.MaxPerDB = DefaultMaxPerDB
	}
	if c.DefaultProfile == "" {
		c.DefaultProfile = DefaultProfileID
	}
	if c.ChatChunks <= 0 {
		c.ChatChunks = DefaultChatChunks
	}
}

// Orchestrator is the entry point of every stage. It moves the project into the stage's
// in-progress status, checks the stage preconditions and queues the work.
type Orchestrator struct {
	store     repository.Store
	stages    *Stages
	queue     taskqueue.Enqueuer
	admin     taskqueue.Admin
	retriever Retriever
	generator TextGenerator
	files     ProjectFiles
	cfg       Config
	logger    zerolog.Logger
}

// Option configures optional orchestrator collaborators.
type Option func(*Orchestrator)

// WithAdmin enables queue statistics and draining.
func WithAdmin(admin taskqueue.Admin) Option {
	return func(o *Orchestrator) { o.admin = admin }
}

// WithChat enables questions over the indexed corpus.
func WithChat(retriever Retriever, generator TextGenerator) Option {
	return func(o *Orchestrator) {
		o.retriever = retriever
		o.generator = generator
	}
}

// WithFiles lets project deletion remove the project directory.
func WithFiles(files ProjectFiles) Option {
	return func(o *Orchestrator) { o.files = files }
}

// NewOrchestrator creates an Orchestrator.
func NewOrchestrator(store repository.Store, stages *Stages, queue taskqueue.Enqueuer, cfg Config, logger zerolog.Logger, opts ...Option) *Orchestrator {
	cfg.applyDefaults()
	o := &Orchestrator{
		store:  store,
		stages: stages,
		queue:  queue,
		cfg:    cfg,
		logger: logger.With().Str("component", "orchestrator").Logger(),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// SearchRequest starts a multi-database search.
type SearchRequest struct {
	ProjectID string
	Query     string
	Databases []string
	MaxPerDB  int
}

// StartSearch records the search parameters, enters the search stage and queues the search.
func (o *Orchestrator) StartSearch(ctx context.Context, req SearchRequest) error {
	req.Query = strings.TrimSpace(req.Query)
	if req.Query == "" {
		return domain.NewValidationError("query", "query is required")
	}
	if len(req.Databases) == 0 {
		req.Databases = o.cfg.DefaultDatabases
	}
	if req.MaxPerDB <= 0 {
		req.MaxPerDB = o.cfg.MaxPerDB
	}

	prev, err := o.stages.Enter(ctx, req.ProjectID, domain.StageSearch)
	if err != nil {
		return err
	}
	if err := o.store.Repos().Projects.SetSearchParams(ctx, req.ProjectID, req.Query, req.Databases); err != nil {
		o.restore(ctx, req.ProjectID, domain.StageSearch, prev)
		return err
	}

	payload := SearchPayload{ProjectID: req.ProjectID, Query: req.Query, Databases: req.Databases, MaxPerDB: req.MaxPerDB}
	return o.enqueueStage(ctx, req.ProjectID, domain.StageSearch, prev, KindSearch, payload)
}

// RunRequest starts the per-article run of a project.
type RunRequest struct {
	ProjectID string
	// ArticleIDs limits the run to these articles. Empty means every project article.
	ArticleIDs []string
	ProfileID  string
	Mode       domain.AnalysisMode
	GridID     string
}

// StartRun resets the project's extractions and log, sets the run counters and queues one
// per-article task per article. It returns the number of articles queued.
func (o *Orchestrator) StartRun(ctx context.Context, req RunRequest) (int, error) {
	if req.Mode == "" {
		req.Mode = domain.AnalysisModeScreening
	}
	if !req.Mode.Valid() {
		return 0, domain.NewValidationError("analysis_mode", "unknown analysis mode "+string(req.Mode))
	}
	if req.ProfileID == "" {
		req.ProfileID = o.cfg.DefaultProfile
	}

	repos := o.store.Repos()
	profile, err := repos.Profiles.Get(ctx, req.ProfileID)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return 0, domain.NewValidationError("profile", "unknown profile "+req.ProfileID)
		}
		return 0, err
	}
	if req.GridID != "" {
		grid, err := repos.Grids.Get(ctx, req.GridID)
		if err != nil || grid.ProjectID != req.ProjectID {
			return 0, domain.NewValidationError("custom_grid_id", "grid does not belong to the project")
		}
	}

	articleIDs, err := o.runArticles(ctx, req)
	if err != nil {
		return 0, err
	}

	runID := uuid.NewString()
	err = o.store.InTx(ctx, func(tx repository.Repositories) error {
		if _, err := o.stages.enter(ctx, tx, req.ProjectID, domain.StageRun); err != nil {
			return err
		}
		if _, err := tx.Extractions.DeleteByProject(ctx, req.ProjectID); err != nil {
			return err
		}
		if _, err := tx.Logs.DeleteByProject(ctx, req.ProjectID); err != nil {
			return err
		}
		return tx.Projects.ResetRunCounters(ctx, req.ProjectID, profile.ID, req.Mode, len(articleIDs), runID)
	})
	if err != nil {
		return 0, err
	}
	o.stages.record(domain.StageRun, domain.StageRun.Info().InProgress)

	logger := o.logger.With().Str("project_id", req.ProjectID).Str("run_id", runID).Logger()
	logger.Info().Int("articles", len(articleIDs)).Str("profile", profile.ID).Str("mode", string(req.Mode)).Msg("run started")

	unqueued := 0
	for _, id := range articleIDs {
		payload := ArticlePayload{ProjectID: req.ProjectID, RunID: runID, ArticleID: id, Profile: *profile, Mode: req.Mode, GridID: req.GridID}
		if _, err := o.enqueue(ctx, KindArticle, payload, ""); err != nil {
			unqueued++
			logger.Error().Err(err).Str("article_id", id).Msg("could not queue article")
			if err := repos.Logs.Append(ctx, req.ProjectID, id, domain.LogStatusError, "could not queue: "+err.Error()); err != nil {
				logger.Error().Err(err).Str("article_id", id).Msg("could not record queue failure")
			}
		}
	}
	if unqueued > 0 {
		if err := o.stages.CheckRunCompletion(ctx, req.ProjectID); err != nil {
			logger.Warn().Err(err).Msg("run completion check failed")
		}
	}
	return len(articleIDs) - unqueued, nil
}

func (o *Orchestrator) runArticles(ctx context.Context, req RunRequest) ([]string, error) {
	if _, err := o.store.Repos().Projects.Get(ctx, req.ProjectID); err != nil {
		return nil, err
	}
	if len(req.ArticleIDs) > 0 {
		seen := make(map[string]struct{}, len(req.ArticleIDs))
		ids := make([]string, 0, len(req.ArticleIDs))
		for _, id := range req.ArticleIDs {
			id = strings.TrimSpace(id)
			if id == "" {
				continue
			}
			if _, dup := seen[id]; dup {
				continue
			}
			seen[id] = struct{}{}
			ids = append(ids, id)
		}
		if len(ids) == 0 {
			return nil, domain.NewValidationError("article_ids", "no article to process")
		}
		return ids, nil
	}

	articles, err := o.store.Repos().Articles.ListByProject(ctx, req.ProjectID)
	if err != nil {
		return nil, err
	}
	if len(articles) == 0 {
		return nil, domain.NewValidationError("article_ids", "the project has no article to process")
	}
	ids := make([]string, len(articles))
	for i, a := range articles {
		ids[i] = a.ArticleID
	}
	return ids, nil
}

// StartStage enters an aggregation stage and queues its task. When the stage's input is
// missing the stage fails at once and the returned error is a *domain.StageFailedError.
func (o *Orchestrator) StartStage(ctx context.Context, projectID string, stage domain.Stage, profileID string) error {
	if !stage.IsAggregation() {
		return domain.NewValidationError("stage", fmt.Sprintf("unknown stage %q", stage))
	}

	project, err := o.store.Repos().Projects.Get(ctx, projectID)
	if err != nil {
		return err
	}
	if profileID == "" {
		profileID = project.ProfileUsed
	}
	if profileID == "" {
		profileID = o.cfg.DefaultProfile
	}
	profile, err := o.store.Repos().Profiles.Get(ctx, profileID)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return domain.NewValidationError("profile", "unknown profile "+profileID)
		}
		return err
	}

	prev, err := o.stages.Enter(ctx, projectID, stage)
	if err != nil {
		return err
	}

	reason, err := o.unmetPrecondition(ctx, project, stage)
	if err != nil {
		o.restore(ctx, projectID, stage, prev)
		return err
	}
	if reason != "" {
		if err := o.stages.Fail(ctx, projectID, stage, reason); err != nil {
			return err
		}
		return domain.NewStageFailedError(stage, reason)
	}

	payload := StagePayload{ProjectID: projectID, Stage: stage, Profile: *profile}
	return o.enqueueStage(ctx, projectID, stage, prev, AggregateKind(stage), payload)
}

// unmetPrecondition returns the user-facing reason a stage cannot run, or "".
func (o *Orchestrator) unmetPrecondition(ctx context.Context, project *domain.Project, stage domain.Stage) (string, error) {
	repos := o.store.Repos()
	switch stage {
	case domain.StageSynthesis:
		minScore := float64(domain.RelevanceThreshold)
		if project.AnalysisMode == domain.AnalysisModeFullExtraction {
			minScore = 0
		}
		n, err := repos.Extractions.CountRelevant(ctx, project.ID, minScore)
		if err != nil {
			return "", err
		}
		if n == 0 {
			return "No relevant article to synthesize.", nil
		}
	case domain.StageDiscussion:
		if !project.HasSynthesis() {
			return "A synthesis is required before drafting the discussion.", nil
		}
	case domain.StagePrisma:
		n, err := repos.Articles.Count(ctx, project.ID)
		if err != nil {
			return "", err
		}
		if n == 0 {
			return "The project has no article to report on.", nil
		}
	default:
		n, err := repos.Extractions.CountWithData(ctx, project.ID)
		if err != nil {
			return "", err
		}
		if n == 0 {
			return "No extracted data available.", nil
		}
	}
	return "", nil
}

// IndexProject enters the indexing stage and queues the indexing task.
func (o *Orchestrator) IndexProject(ctx context.Context, projectID string) error {
	prev, err := o.stages.Enter(ctx, projectID, domain.StageIndexing)
	if err != nil {
		return err
	}
	return o.enqueueStage(ctx, projectID, domain.StageIndexing, prev, KindIndex, IndexPayload{ProjectID: projectID})
}

// ImportZotero queues the import of a Zotero JSON export. The project status is not
// changed; the outcome is published as import_completed or import_failed.
func (o *Orchestrator) ImportZotero(ctx context.Context, projectID, content string) (string, error) {
	if strings.TrimSpace(content) == "" {
		return "", domain.NewValidationError("content", "the Zotero export is empty")
	}
	if _, err := o.store.Repos().Projects.Get(ctx, projectID); err != nil {
		return "", err
	}
	return o.enqueue(ctx, KindZoteroImport, ZoteroImportPayload{ProjectID: projectID, Content: content}, "")
}

// ZoteroPDFsRequest asks for the PDFs of articles to be copied from a Zotero library.
type ZoteroPDFsRequest struct {
	ProjectID  string
	ArticleIDs []string
	// UserID and APIKey override the library the worker is configured with.
	UserID string
	APIKey string
}

// ImportZoteroPDFs queues the copy of the listed articles' PDFs from a Zotero library.
// The outcome is published as zotero_import_completed or zotero_import_failed.
func (o *Orchestrator) ImportZoteroPDFs(ctx context.Context, req ZoteroPDFsRequest) (string, error) {
	ids := make([]string, 0, len(req.ArticleIDs))
	seen := make(map[string]struct{}, len(req.ArticleIDs))
	for _, id := range req.ArticleIDs {
		id = strings.TrimSpace(id)
		if id == "" {
			continue
		}
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		ids = append(ids, id)
	}
	if len(ids) == 0 {
		return "", domain.NewValidationError("article_ids", "no article to import")
	}
	if (req.UserID == "") != (req.APIKey == "") {
		return "", domain.NewValidationError("zotero_api_key", "user id and API key must be given together")
	}
	if _, err := o.store.Repos().Projects.Get(ctx, req.ProjectID); err != nil {
		return "", err
	}
	payload := ZoteroPDFsPayload{ProjectID: req.ProjectID, ArticleIDs: ids, UserID: req.UserID, APIKey: req.APIKey}
	id, err := o.enqueue(ctx, KindZoteroPDFs, payload, req.ProjectID+":zotero_pdfs")
	if errors.Is(err, taskqueue.ErrDuplicateTask) {
		return "", fmt.Errorf("%w: a Zotero import is already running for project %s", domain.ErrStageInProgress, req.ProjectID)
	}
	return id, err
}

// FetchPDFs queues an open-access PDF lookup for the given articles, or for every article
// of the project. At most one lookup per project is outstanding.
func (o *Orchestrator) FetchPDFs(ctx context.Context, projectID string, articleIDs []string) (string, error) {
	if _, err := o.store.Repos().Projects.Get(ctx, projectID); err != nil {
		return "", err
	}
	id, err := o.enqueue(ctx, KindPDFFetch, PDFFetchPayload{ProjectID: projectID, ArticleIDs: articleIDs}, projectID+":pdf_fetch")
	if errors.Is(err, taskqueue.ErrDuplicateTask) {
		return "", fmt.Errorf("%w: a PDF fetch is already running for project %s", domain.ErrStageInProgress, projectID)
	}
	return id, err
}

// PullModel queues the download of a model into the model backend.
func (o *Orchestrator) PullModel(ctx context.Context, model string) (string, error) {
	model = strings.TrimSpace(model)
	if model == "" {
		return "", domain.NewValidationError("model", "model is required")
	}
	id, err := o.enqueue(ctx, KindPullModel, PullModelPayload{Model: model}, "pull:"+model)
	if errors.Is(err, taskqueue.ErrDuplicateTask) {
		return "", fmt.Errorf("%w: model %s is already being pulled", domain.ErrStageInProgress, model)
	}
	return id, err
}

// Answer is the reply to a question over the indexed corpus.
type Answer struct {
	Answer  string        `json:"answer"`
	Sources []index.Match `json:"sources"`
}

// Ask answers a question from the project's indexed PDFs with the synthesis model of the
// project's profile.
func (o *Orchestrator) Ask(ctx context.Context, projectID, question string) (*Answer, error) {
	if o.retriever == nil || o.generator == nil {
		return nil, fmt.Errorf("chat: %w", domain.ErrServiceUnavailable)
	}
	question = strings.TrimSpace(question)
	if question == "" {
		return nil, domain.NewValidationError("question", "question is required")
	}

	project, err := o.store.Repos().Projects.Get(ctx, projectID)
	if err != nil {
		return nil, err
	}
	if project.IndexedAt == nil {
		return nil, domain.NewValidationError("project", "the project has not been indexed")
	}
	profileID := project.ProfileUsed
	if profileID == "" {
		profileID = o.cfg.DefaultProfile
	}
	profile, err := o.store.Repos().Profiles.Get(ctx, profileID)
	if err != nil {
		return nil, err
	}

	matches, err := o.retriever.Query(ctx, projectID, question, o.cfg.ChatChunks)
	if err != nil {
		return nil, fmt.Errorf("query index: %w", err)
	}
	if len(matches) == 0 {
		return &Answer{Answer: "No indexed passage matches the question.", Sources: []index.Match{}}, nil
	}

	prompt := fmt.Sprintf("Answer the question using only the context below. Cite the article ids you rely on.\n\nCONTEXT:\n%s\n\nQUESTION: %s",
		index.BuildContext(matches), question)
	answer := strings.TrimSpace(o.generator.GenerateText(ctx, profile.SynthesisModel, prompt))
	if answer == "" {
		return nil, domain.ErrEmptyModelResponse
	}
	return &Answer{Answer: answer, Sources: matches}, nil
}

// DeleteProject removes a resting project with its rows and files.
func (o *Orchestrator) DeleteProject(ctx context.Context, projectID string) error {
	project, err := o.store.Repos().Projects.Get(ctx, projectID)
	if err != nil {
		return err
	}
	if project.Status.IsInProgress() {
		return fmt.Errorf("%w: project %s is %s", domain.ErrStageInProgress, projectID, project.Status)
	}
	if err := o.store.Repos().Projects.Delete(ctx, projectID); err != nil {
		return err
	}
	if o.files != nil {
		if err := o.files.RemoveProject(projectID); err != nil {
			o.logger.Warn().Err(err).Str("project_id", projectID).Msg("could not remove project files")
		}
	}
	return nil
}

// QueueStats reports the size of every queue.
func (o *Orchestrator) QueueStats(ctx context.Context) ([]taskqueue.Stats, error) {
	if o.admin == nil {
		return nil, fmt.Errorf("queue stats: %w", domain.ErrServiceUnavailable)
	}
	return o.admin.Stats(ctx)
}

// ClearQueues drains every queue and returns the number of tasks removed per queue.
func (o *Orchestrator) ClearQueues(ctx context.Context) (map[taskqueue.Queue]int64, error) {
	if o.admin == nil {
		return nil, fmt.Errorf("clear queues: %w", domain.ErrServiceUnavailable)
	}
	removed := make(map[taskqueue.Queue]int64, len(taskqueue.AllQueues()))
	for _, q := range taskqueue.AllQueues() {
		n, err := o.admin.Drain(ctx, q)
		if err != nil {
			return removed, fmt.Errorf("drain %s: %w", q, err)
		}
		removed[q] = n
	}
	o.logger.Info().Interface("removed", removed).Msg("queues cleared")
	return removed, nil
}

// enqueueStage queues the task of an entered stage. A duplicate puts the previous status
// back; any other queue error fails the stage.
func (o *Orchestrator) enqueueStage(ctx context.Context, projectID string, stage domain.Stage, prev domain.ProjectStatus, kind string, payload any) error {
	_, err := o.enqueue(ctx, kind, payload, stage.DedupKey(projectID))
	if err == nil {
		return nil
	}
	if errors.Is(err, taskqueue.ErrDuplicateTask) {
		o.restore(ctx, projectID, stage, prev)
		return fmt.Errorf("%w: a %s task is already queued for project %s", domain.ErrStageInProgress, stage, projectID)
	}
	if failErr := o.stages.Fail(ctx, projectID, stage, "The task could not be queued."); failErr != nil {
		o.logger.Error().Err(failErr).Str("project_id", projectID).Str("stage", string(stage)).Msg("could not fail stage")
	}
	return fmt.Errorf("queue %s: %w", kind, err)
}

func (o *Orchestrator) enqueue(ctx context.Context, kind string, payload any, dedupKey string) (string, error) {
	task, err := taskqueue.NewTask(kind, payload)
	if err != nil {
		return "", err
	}
	if dedupKey != "" {
		task.WithDedupKey(dedupKey)
	}
	queue := QueueFor(kind)
	return o.queue.Enqueue(ctx, queue, task, o.cfg.Timeouts[queue])
}

func (o *Orchestrator) restore(ctx context.Context, projectID string, stage domain.Stage, prev domain.ProjectStatus) {
	if err := o.stages.Restore(ctx, projectID, stage, prev); err != nil {
		o.logger.Error().Err(err).Str("project_id", projectID).Str("stage", string(stage)).Msg("could not restore status")
	}
}
