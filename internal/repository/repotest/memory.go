// Package repotest provides an in-memory repository.Store for unit tests.
//
// The store keeps the same guarantees the SQL schema enforces: (project, article) uniqueness,
// upsert semantics for extractions, a single success log entry per article, the
// processed_count <= pmids_count guard, compare-and-set status transitions and
// all-or-nothing transactions.
package repotest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/helixir/literature-pipeline/internal/domain"
	"github.com/helixir/literature-pipeline/internal/repository"
)

type articleKey struct{ project, article string }

type state struct {
	projects    map[string]domain.Project
	articles    map[articleKey]domain.Article
	articleSeq  []articleKey
	extractions map[articleKey]domain.Extraction
	logs        []domain.ProcessingLogEntry
	logSeq      int64
	profiles    map[string]domain.AnalysisProfile
	grids       map[string]domain.ExtractionGrid
	prompts     map[string]domain.Prompt
}

func (s *state) clone() *state {
	c := &state{
		projects:    make(map[string]domain.Project, len(s.projects)),
		articles:    make(map[articleKey]domain.Article, len(s.articles)),
		articleSeq:  append([]articleKey(nil), s.articleSeq...),
		extractions: make(map[articleKey]domain.Extraction, len(s.extractions)),
		logs:        append([]domain.ProcessingLogEntry(nil), s.logs...),
		logSeq:      s.logSeq,
		profiles:    make(map[string]domain.AnalysisProfile, len(s.profiles)),
		grids:       make(map[string]domain.ExtractionGrid, len(s.grids)),
		prompts:     make(map[string]domain.Prompt, len(s.prompts)),
	}
	for k, v := range s.projects {
		c.projects[k] = v
	}
	for k, v := range s.articles {
		c.articles[k] = v
	}
	for k, v := range s.extractions {
		c.extractions[k] = v
	}
	for k, v := range s.profiles {
		c.profiles[k] = v
	}
	for k, v := range s.grids {
		c.grids[k] = v
	}
	for k, v := range s.prompts {
		c.prompts[k] = v
	}
	return c
}

// Store is an in-memory repository.Store.
type Store struct {
	// txMu serializes transactions against all other access.
	txMu sync.RWMutex
	mu   sync.Mutex
	st   *state

	// failures injects errors by operation name, e.g. "Extractions.Upsert".
	failMu   sync.Mutex
	failures map[string]error

	resultWrites map[domain.Stage]int
}

var _ repository.Store = (*Store)(nil)

// NewStore returns an empty store seeded with the built-in profiles and prompts.
func NewStore() *Store {
	s := &Store{
		st: &state{
			projects:    map[string]domain.Project{},
			articles:    map[articleKey]domain.Article{},
			extractions: map[articleKey]domain.Extraction{},
			profiles:    map[string]domain.AnalysisProfile{},
			grids:       map[string]domain.ExtractionGrid{},
			prompts:     map[string]domain.Prompt{},
		},
		failures:     map[string]error{},
		resultWrites: map[domain.Stage]int{},
	}
	for _, p := range DefaultProfiles() {
		s.st.profiles[p.ID] = p
	}
	for i, p := range DefaultPrompts() {
		p.ID = int64(i + 1)
		s.st.prompts[p.Name] = p
	}
	return s
}

// DefaultProfiles mirrors the profiles seeded by the initial migration.
func DefaultProfiles() []domain.AnalysisProfile {
	return []domain.AnalysisProfile{
		{ID: "fast", Name: "Fast", PreprocessModel: "gemma:2b", ExtractModel: "phi3:mini", SynthesisModel: "llama3.1:8b"},
		{ID: "standard", Name: "Standard", PreprocessModel: "phi3:mini", ExtractModel: "llama3.1:8b", SynthesisModel: "llama3.1:8b"},
		{ID: "deep", Name: "Deep", PreprocessModel: "llama3.1:8b", ExtractModel: "mixtral:8x7b", SynthesisModel: "llama3.1:70b"},
	}
}

// DefaultPrompts returns short prompt templates with the same fields as the seeded ones.
func DefaultPrompts() []domain.Prompt {
	return []domain.Prompt{
		{Name: domain.PromptScreening, Template: "Title: {{.Title}}\nAbstract: {{.Abstract}}\nSource: {{.DatabaseSource}}\nReply with JSON relevance_score, decision, justification."},
		{Name: domain.PromptFullExtraction, Template: "Text: {{.Text}}\nSource: {{.DatabaseSource}}\n{\n\"study_type\": \"...\",\n\"population\": \"...\"\n}"},
		{Name: domain.PromptSynthesis, Template: "Project: {{.ProjectDescription}}\n{{.Articles}}"},
	}
}

// FailOn makes the named operation return err until cleared with a nil err.
func (s *Store) FailOn(op string, err error) {
	s.failMu.Lock()
	defer s.failMu.Unlock()
	if err == nil {
		delete(s.failures, op)
		return
	}
	s.failures[op] = err
}

func (s *Store) injected(op string) error {
	s.failMu.Lock()
	defer s.failMu.Unlock()
	return s.failures[op]
}

// ResultWrites returns how many times SaveResult stored a result for the stage.
func (s *Store) ResultWrites(stage domain.Stage) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.resultWrites[stage]
}

// Repos returns repositories that take the store lock per call.
func (s *Store) Repos() repository.Repositories {
	return s.repos(false)
}

// InTx runs fn against a snapshot and discards every change when fn fails.
func (s *Store) InTx(ctx context.Context, fn func(repository.Repositories) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.txMu.Lock()
	defer s.txMu.Unlock()

	s.mu.Lock()
	snapshot := s.st.clone()
	writes := make(map[domain.Stage]int, len(s.resultWrites))
	for k, v := range s.resultWrites {
		writes[k] = v
	}
	s.mu.Unlock()

	if err := fn(s.repos(true)); err != nil {
		s.mu.Lock()
		s.st = snapshot
		s.resultWrites = writes
		s.mu.Unlock()
		return err
	}
	return nil
}

func (s *Store) repos(inTx bool) repository.Repositories {
	b := base{s: s, inTx: inTx}
	return repository.Repositories{
		Projects:    &projects{b},
		Articles:    &articles{b},
		Extractions: &extractions{b},
		Logs:        &logs{b},
		Profiles:    &profiles{b},
		Grids:       &grids{b},
		Prompts:     &prompts{b},
	}
}

// base provides locking shared by every in-memory repository.
type base struct {
	s    *Store
	inTx bool
}

// lock acquires the store for one call and reports an injected failure for op.
func (b base) lock(op string) (func(), error) {
	if !b.inTx {
		b.s.txMu.RLock()
	}
	b.s.mu.Lock()
	unlock := func() {
		b.s.mu.Unlock()
		if !b.inTx {
			b.s.txMu.RUnlock()
		}
	}
	if err := b.s.injected(op); err != nil {
		unlock()
		return nil, err
	}
	return unlock, nil
}

type projects struct{ base }

func (r *projects) Create(_ context.Context, p *domain.Project) error {
	unlock, err := r.lock("Projects.Create")
	if err != nil {
		return err
	}
	defer unlock()

	if p.Name == "" {
		return domain.NewValidationError("name", "project name is required")
	}
	if p.ID == "" {
		p.ID = uuid.NewString()
	}
	if _, ok := r.s.st.projects[p.ID]; ok {
		return domain.NewAlreadyExistsError("project", p.ID)
	}
	if p.Status == "" {
		p.Status = domain.ProjectStatusPending
	}
	if p.AnalysisMode == "" {
		p.AnalysisMode = domain.AnalysisModeScreening
	}
	now := time.Now().UTC()
	p.CreatedAt, p.UpdatedAt = now, now
	r.s.st.projects[p.ID] = *p
	return nil
}

func (r *projects) Get(_ context.Context, id string) (*domain.Project, error) {
	unlock, err := r.lock("Projects.Get")
	if err != nil {
		return nil, err
	}
	defer unlock()

	p, ok := r.s.st.projects[id]
	if !ok {
		return nil, domain.NewNotFoundError("project", id)
	}
	return &p, nil
}

func (r *projects) List(_ context.Context, filter repository.ProjectFilter) ([]*domain.Project, int64, error) {
	if err := filter.Validate(); err != nil {
		return nil, 0, err
	}
	unlock, err := r.lock("Projects.List")
	if err != nil {
		return nil, 0, err
	}
	defer unlock()

	var all []*domain.Project
	for _, p := range r.s.st.projects {
		if len(filter.Status) > 0 && !containsStatus(filter.Status, p.Status) {
			continue
		}
		p := p
		all = append(all, &p)
	}
	sort.Slice(all, func(i, j int) bool { return all[i].CreatedAt.After(all[j].CreatedAt) })

	total := int64(len(all))
	if filter.Offset >= len(all) {
		return nil, total, nil
	}
	end := min(filter.Offset+filter.Limit, len(all))
	return all[filter.Offset:end], total, nil
}

func (r *projects) Delete(_ context.Context, id string) error {
	unlock, err := r.lock("Projects.Delete")
	if err != nil {
		return err
	}
	defer unlock()

	if _, ok := r.s.st.projects[id]; !ok {
		return domain.NewNotFoundError("project", id)
	}
	delete(r.s.st.projects, id)
	var seq []articleKey
	for _, k := range r.s.st.articleSeq {
		if k.project == id {
			delete(r.s.st.articles, k)
			continue
		}
		seq = append(seq, k)
	}
	r.s.st.articleSeq = seq
	for k := range r.s.st.extractions {
		if k.project == id {
			delete(r.s.st.extractions, k)
		}
	}
	r.s.st.logs = filterLogs(r.s.st.logs, id)
	for k, g := range r.s.st.grids {
		if g.ProjectID == id {
			delete(r.s.st.grids, k)
		}
	}
	return nil
}

func (r *projects) TransitionStatus(_ context.Context, id string, to domain.ProjectStatus, allowedFrom []domain.ProjectStatus) (domain.ProjectStatus, error) {
	if !to.Valid() {
		return "", domain.NewValidationError("status", "unknown status "+string(to))
	}
	unlock, err := r.lock("Projects.TransitionStatus")
	if err != nil {
		return "", err
	}
	defer unlock()

	p, ok := r.s.st.projects[id]
	if !ok {
		return "", domain.NewNotFoundError("project", id)
	}
	if !containsStatus(allowedFrom, p.Status) {
		return p.Status, domain.NewTransitionError(id, p.Status, to)
	}
	prev := p.Status
	p.Status = to
	p.UpdatedAt = time.Now().UTC()
	r.s.st.projects[id] = p
	return prev, nil
}

// update applies fn to a stored project under the lock.
func (r *projects) update(op, id string, fn func(*domain.Project) error) error {
	unlock, err := r.lock(op)
	if err != nil {
		return err
	}
	defer unlock()

	p, ok := r.s.st.projects[id]
	if !ok {
		return domain.NewNotFoundError("project", id)
	}
	if err := fn(&p); err != nil {
		return err
	}
	p.UpdatedAt = time.Now().UTC()
	r.s.st.projects[id] = p
	return nil
}

func (r *projects) SetSearchParams(_ context.Context, id, query string, databases []string) error {
	return r.update("Projects.SetSearchParams", id, func(p *domain.Project) error {
		p.SearchQuery = query
		p.DatabasesUsed = append([]string(nil), databases...)
		return nil
	})
}

func (r *projects) ResetRunCounters(_ context.Context, id, profileID string, mode domain.AnalysisMode, total int, runID string) error {
	return r.update("Projects.ResetRunCounters", id, func(p *domain.Project) error {
		p.ProfileUsed = profileID
		p.AnalysisMode = mode
		p.PmidsCount = total
		p.RunID = runID
		p.ProcessedCount = 0
		p.TotalProcessingTime = 0
		return nil
	})
}

// LockRun checks the run under the store lock. Transactions already exclude each other.
func (r *projects) LockRun(_ context.Context, id, runID string) error {
	unlock, err := r.lock("Projects.LockRun")
	if err != nil {
		return err
	}
	defer unlock()

	p, ok := r.s.st.projects[id]
	if !ok {
		return fmt.Errorf("%w: project %s no longer exists", domain.ErrStaleTask, id)
	}
	if p.Status != domain.ProjectStatusProcessing || p.RunID != runID {
		return fmt.Errorf("%w: project %s is %s in run %q", domain.ErrStaleTask, id, p.Status, p.RunID)
	}
	return nil
}

func (r *projects) SetArticleCount(_ context.Context, id string, count int) error {
	return r.update("Projects.SetArticleCount", id, func(p *domain.Project) error {
		p.PmidsCount = count
		p.ProcessedCount = min(p.ProcessedCount, count)
		return nil
	})
}

func (r *projects) IncrementProcessed(_ context.Context, id string) (bool, error) {
	moved := false
	err := r.update("Projects.IncrementProcessed", id, func(p *domain.Project) error {
		if p.ProcessedCount < p.PmidsCount {
			p.ProcessedCount++
			moved = true
		}
		return nil
	})
	return moved, err
}

func (r *projects) AddProcessingTime(_ context.Context, id string, seconds float64) error {
	return r.update("Projects.AddProcessingTime", id, func(p *domain.Project) error {
		p.TotalProcessingTime += seconds
		return nil
	})
}

func (r *projects) FinishRun(_ context.Context, id string) (domain.ProjectStatus, bool, error) {
	var (
		status  domain.ProjectStatus
		changed bool
	)
	err := r.update("Projects.FinishRun", id, func(p *domain.Project) error {
		if p.Status != domain.ProjectStatusProcessing {
			return nil
		}
		p.Status = domain.ProjectStatusCompleted
		if p.ProcessedCount == 0 {
			p.Status = domain.ProjectStatusFailed
		}
		status, changed = p.Status, true
		return nil
	})
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return "", false, nil
		}
		return "", false, err
	}
	return status, changed, nil
}

func (r *projects) SaveResult(_ context.Context, id string, result domain.AggregateResult) error {
	if result == nil {
		return domain.NewValidationError("result", "result cannot be nil")
	}
	return r.update("Projects.SaveResult", id, func(p *domain.Project) error {
		switch res := result.(type) {
		case domain.SynthesisResult:
			data, err := json.Marshal(res.Data)
			if err != nil {
				return err
			}
			p.SynthesisResult = data
		case domain.DiscussionResult:
			p.DiscussionDraft = res.Text
		case domain.KnowledgeGraphResult:
			data, err := json.Marshal(res)
			if err != nil {
				return err
			}
			p.KnowledgeGraph = data
		case domain.PrismaResult:
			data, err := json.Marshal(res)
			if err != nil {
				return err
			}
			p.PrismaFlow = data
		case domain.DescriptiveStatsResult:
			if err := saveAnalysis(p, res, res.PlotPath); err != nil {
				return err
			}
		case domain.DomainScoreResult:
			if err := saveAnalysis(p, res, res.PlotPath); err != nil {
				return err
			}
		case domain.MetaAnalysisResult:
			if err := saveAnalysis(p, res, res.PlotPath); err != nil {
				return err
			}
		default:
			return domain.NewValidationError("result", fmt.Sprintf("unsupported result type %T", result))
		}
		r.s.resultWrites[result.Stage()]++
		return nil
	})
}

func saveAnalysis(p *domain.Project, result domain.AggregateResult, plotPath string) error {
	data, err := domain.MarshalAnalysis(result)
	if err != nil {
		return err
	}
	p.AnalysisResult = data
	p.AnalysisPlotPath = plotPath
	return nil
}

func (r *projects) MarkIndexed(_ context.Context, id string, at time.Time) error {
	return r.update("Projects.MarkIndexed", id, func(p *domain.Project) error {
		t := at.UTC()
		p.IndexedAt = &t
		return nil
	})
}

func (r *projects) CountActiveByProfile(_ context.Context, profileID string) (int, error) {
	unlock, err := r.lock("Projects.CountActiveByProfile")
	if err != nil {
		return 0, err
	}
	defer unlock()
	return r.s.st.activeByProfile(profileID), nil
}

func (s *state) activeByProfile(profileID string) int {
	n := 0
	for _, p := range s.projects {
		if p.ProfileUsed == profileID && p.Status.IsInProgress() {
			n++
		}
	}
	return n
}

type articles struct{ base }

func (r *articles) InsertIgnore(_ context.Context, a *domain.Article) (bool, error) {
	if a.ProjectID == "" || a.ArticleID == "" {
		return false, domain.NewValidationError("article_id", "project and article IDs are required")
	}
	unlock, err := r.lock("Articles.InsertIgnore")
	if err != nil {
		return false, err
	}
	defer unlock()

	if _, ok := r.s.st.projects[a.ProjectID]; !ok {
		return false, domain.NewNotFoundError("project", a.ProjectID)
	}
	key := articleKey{a.ProjectID, a.ArticleID}
	if _, ok := r.s.st.articles[key]; ok {
		return false, nil
	}
	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	if a.DatabaseSource == "" {
		a.DatabaseSource = domain.SourceTypeManualFetch
	}
	if a.CreatedAt.IsZero() {
		a.CreatedAt = time.Now().UTC()
	}
	r.s.st.articles[key] = *a
	r.s.st.articleSeq = append(r.s.st.articleSeq, key)
	return true, nil
}

func (r *articles) Get(_ context.Context, projectID, articleID string) (*domain.Article, error) {
	unlock, err := r.lock("Articles.Get")
	if err != nil {
		return nil, err
	}
	defer unlock()

	a, ok := r.s.st.articles[articleKey{projectID, articleID}]
	if !ok {
		return nil, domain.NewNotFoundError("article", articleID)
	}
	return &a, nil
}

func (r *articles) ListByProject(_ context.Context, projectID string) ([]*domain.Article, error) {
	unlock, err := r.lock("Articles.ListByProject")
	if err != nil {
		return nil, err
	}
	defer unlock()

	var out []*domain.Article
	for _, k := range r.s.st.articleSeq {
		if k.project == projectID {
			a := r.s.st.articles[k]
			out = append(out, &a)
		}
	}
	return out, nil
}

func (r *articles) Count(ctx context.Context, projectID string) (int, error) {
	list, err := r.ListByProject(ctx, projectID)
	return len(list), err
}

func (r *articles) UpdateDOI(_ context.Context, projectID, articleID, doi string) error {
	unlock, err := r.lock("Articles.UpdateDOI")
	if err != nil {
		return err
	}
	defer unlock()

	key := articleKey{projectID, articleID}
	a, ok := r.s.st.articles[key]
	if !ok {
		return domain.NewNotFoundError("article", articleID)
	}
	a.DOI = doi
	r.s.st.articles[key] = a
	return nil
}

type extractions struct{ base }

func (r *extractions) Upsert(_ context.Context, e *domain.Extraction) error {
	if e.ProjectID == "" || e.ArticleID == "" {
		return domain.NewValidationError("article_id", "project and article IDs are required")
	}
	unlock, err := r.lock("Extractions.Upsert")
	if err != nil {
		return err
	}
	defer unlock()

	if _, ok := r.s.st.projects[e.ProjectID]; !ok {
		return domain.NewNotFoundError("project", e.ProjectID)
	}
	key := articleKey{e.ProjectID, e.ArticleID}
	now := time.Now().UTC()
	if existing, ok := r.s.st.extractions[key]; ok {
		e.ID, e.CreatedAt = existing.ID, existing.CreatedAt
		if len(e.Validations) == 0 {
			e.Validations = existing.Validations
		}
	}
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = now
	}
	e.UpdatedAt = now
	r.s.st.extractions[key] = *e
	return nil
}

func (r *extractions) Get(_ context.Context, projectID, articleID string) (*domain.Extraction, error) {
	unlock, err := r.lock("Extractions.Get")
	if err != nil {
		return nil, err
	}
	defer unlock()

	e, ok := r.s.st.extractions[articleKey{projectID, articleID}]
	if !ok {
		return nil, domain.NewNotFoundError("extraction", articleID)
	}
	return &e, nil
}

func (r *extractions) ListByProject(_ context.Context, projectID string) ([]*domain.Extraction, error) {
	unlock, err := r.lock("Extractions.ListByProject")
	if err != nil {
		return nil, err
	}
	defer unlock()
	return r.s.st.projectExtractions(projectID), nil
}

func (s *state) projectExtractions(projectID string) []*domain.Extraction {
	var out []*domain.Extraction
	for k, e := range s.extractions {
		if k.project == projectID {
			e := e
			out = append(out, &e)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].RelevanceScore != out[j].RelevanceScore {
			return out[i].RelevanceScore > out[j].RelevanceScore
		}
		return out[i].ArticleID < out[j].ArticleID
	})
	return out
}

func (r *extractions) Count(ctx context.Context, projectID string) (int, error) {
	list, err := r.ListByProject(ctx, projectID)
	return len(list), err
}

func (r *extractions) CountRelevant(ctx context.Context, projectID string, minScore float64) (int, error) {
	list, err := r.ListByProject(ctx, projectID)
	n := 0
	for _, e := range list {
		if e.RelevanceScore >= minScore {
			n++
		}
	}
	return n, err
}

func (r *extractions) CountWithData(ctx context.Context, projectID string) (int, error) {
	list, err := r.ListByProject(ctx, projectID)
	n := 0
	for _, e := range list {
		if len(e.ExtractedData) > 0 && string(e.ExtractedData) != "null" {
			n++
		}
	}
	return n, err
}

func (r *extractions) TopRelevant(_ context.Context, projectID string, minScore float64, limit int) ([]domain.RelevantArticle, error) {
	unlock, err := r.lock("Extractions.TopRelevant")
	if err != nil {
		return nil, err
	}
	defer unlock()

	var out []domain.RelevantArticle
	for _, e := range r.s.st.projectExtractions(projectID) {
		if e.RelevanceScore < minScore {
			continue
		}
		ra := domain.RelevantArticle{ArticleID: e.ArticleID, Title: e.Title, RelevanceScore: e.RelevanceScore}
		if a, ok := r.s.st.articles[articleKey{projectID, e.ArticleID}]; ok {
			if a.Title != "" {
				ra.Title = a.Title
			}
			ra.Abstract = a.Abstract
		}
		out = append(out, ra)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

func (r *extractions) DeleteByProject(_ context.Context, projectID string) (int64, error) {
	unlock, err := r.lock("Extractions.DeleteByProject")
	if err != nil {
		return 0, err
	}
	defer unlock()

	var n int64
	for k := range r.s.st.extractions {
		if k.project == projectID {
			delete(r.s.st.extractions, k)
			n++
		}
	}
	return n, nil
}

func (r *extractions) SetValidation(_ context.Context, projectID, articleID, evaluator string, decision domain.ValidationDecision) error {
	if !decision.Valid() {
		return domain.NewValidationError("decision", "decision must be include or exclude")
	}
	if evaluator == "" {
		evaluator = domain.DefaultEvaluator
	}
	unlock, err := r.lock("Extractions.SetValidation")
	if err != nil {
		return err
	}
	defer unlock()

	key := articleKey{projectID, articleID}
	e, ok := r.s.st.extractions[key]
	if !ok {
		return domain.NewNotFoundError("extraction", articleID)
	}
	decisions := map[string]string{}
	if len(e.Validations) > 0 {
		if err := json.Unmarshal(e.Validations, &decisions); err != nil {
			return err
		}
	}
	decisions[evaluator] = string(decision)
	data, err := json.Marshal(decisions)
	if err != nil {
		return err
	}
	e.Validations = data
	e.UpdatedAt = time.Now().UTC()
	r.s.st.extractions[key] = e
	return nil
}

func (r *extractions) ListValidated(_ context.Context, projectID, evaluator string) ([]domain.ValidatedScore, error) {
	if evaluator == "" {
		evaluator = domain.DefaultEvaluator
	}
	unlock, err := r.lock("Extractions.ListValidated")
	if err != nil {
		return nil, err
	}
	defer unlock()

	var out []domain.ValidatedScore
	for _, e := range r.s.st.projectExtractions(projectID) {
		var decisions map[string]string
		if len(e.Validations) == 0 || json.Unmarshal(e.Validations, &decisions) != nil {
			continue
		}
		if d, ok := decisions[evaluator]; ok {
			out = append(out, domain.ValidatedScore{RelevanceScore: e.RelevanceScore, Decision: domain.ValidationDecision(d)})
		}
	}
	return out, nil
}

type logs struct{ base }

func (r *logs) Append(_ context.Context, projectID, articleID string, status domain.LogStatus, details string) error {
	unlock, err := r.lock("Logs.Append")
	if err != nil {
		return err
	}
	defer unlock()

	return r.s.st.appendLog(projectID, articleID, status, details)
}

func (s *state) appendLog(projectID, articleID string, status domain.LogStatus, details string) error {
	if _, ok := s.projects[projectID]; !ok {
		return domain.NewNotFoundError("project", projectID)
	}
	s.logSeq++
	s.logs = append(s.logs, domain.ProcessingLogEntry{
		ID:        s.logSeq,
		ProjectID: projectID,
		ArticleID: articleID,
		Status:    status,
		Details:   details,
		CreatedAt: time.Now().UTC(),
	})
	return nil
}

func (r *logs) AppendSuccess(_ context.Context, projectID, articleID, details string) (bool, error) {
	unlock, err := r.lock("Logs.AppendSuccess")
	if err != nil {
		return false, err
	}
	defer unlock()

	for _, e := range r.s.st.logs {
		if e.ProjectID == projectID && e.ArticleID == articleID && e.Status == domain.LogStatusSuccess {
			return false, nil
		}
	}
	if err := r.s.st.appendLog(projectID, articleID, domain.LogStatusSuccess, details); err != nil {
		return false, err
	}
	return true, nil
}

func (r *logs) ListByProject(_ context.Context, projectID string, limit int) ([]*domain.ProcessingLogEntry, error) {
	unlock, err := r.lock("Logs.ListByProject")
	if err != nil {
		return nil, err
	}
	defer unlock()

	var out []*domain.ProcessingLogEntry
	for i := len(r.s.st.logs) - 1; i >= 0; i-- {
		e := r.s.st.logs[i]
		if e.ProjectID != projectID {
			continue
		}
		out = append(out, &e)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

func (r *logs) CountFinished(_ context.Context, projectID string) (int, error) {
	unlock, err := r.lock("Logs.CountFinished")
	if err != nil {
		return 0, err
	}
	defer unlock()

	seen := map[string]struct{}{}
	for _, e := range r.s.st.logs {
		if e.ProjectID == projectID && (e.Status == domain.LogStatusSuccess || e.Status == domain.LogStatusError) {
			seen[e.ArticleID] = struct{}{}
		}
	}
	return len(seen), nil
}

func (r *logs) DeleteByProject(_ context.Context, projectID string) (int64, error) {
	unlock, err := r.lock("Logs.DeleteByProject")
	if err != nil {
		return 0, err
	}
	defer unlock()

	before := len(r.s.st.logs)
	r.s.st.logs = filterLogs(r.s.st.logs, projectID)
	return int64(before - len(r.s.st.logs)), nil
}

func filterLogs(entries []domain.ProcessingLogEntry, projectID string) []domain.ProcessingLogEntry {
	out := entries[:0:0]
	for _, e := range entries {
		if e.ProjectID != projectID {
			out = append(out, e)
		}
	}
	return out
}

type profiles struct{ base }

func (r *profiles) List(_ context.Context) ([]*domain.AnalysisProfile, error) {
	unlock, err := r.lock("Profiles.List")
	if err != nil {
		return nil, err
	}
	defer unlock()

	var out []*domain.AnalysisProfile
	for _, p := range r.s.st.profiles {
		p := p
		out = append(out, &p)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].IsCustom != out[j].IsCustom {
			return !out[i].IsCustom
		}
		return out[i].Name < out[j].Name
	})
	return out, nil
}

func (r *profiles) Get(_ context.Context, id string) (*domain.AnalysisProfile, error) {
	unlock, err := r.lock("Profiles.Get")
	if err != nil {
		return nil, err
	}
	defer unlock()

	p, ok := r.s.st.profiles[id]
	if !ok {
		return nil, domain.NewNotFoundError("profile", id)
	}
	return &p, nil
}

func (r *profiles) Create(_ context.Context, p *domain.AnalysisProfile) error {
	unlock, err := r.lock("Profiles.Create")
	if err != nil {
		return err
	}
	defer unlock()

	if p.ID == "" {
		p.ID = uuid.NewString()
	}
	for _, existing := range r.s.st.profiles {
		if existing.ID == p.ID || existing.Name == p.Name {
			return domain.NewAlreadyExistsError("profile", p.Name)
		}
	}
	p.IsCustom = true
	r.s.st.profiles[p.ID] = *p
	return nil
}

func (r *profiles) Update(_ context.Context, p *domain.AnalysisProfile) error {
	unlock, err := r.lock("Profiles.Update")
	if err != nil {
		return err
	}
	defer unlock()

	existing, ok := r.s.st.profiles[p.ID]
	if !ok {
		return domain.NewNotFoundError("profile", p.ID)
	}
	if r.s.st.activeByProfile(p.ID) > 0 {
		return fmt.Errorf("profile %s: %w", p.ID, domain.ErrInUse)
	}
	existing.Name = p.Name
	existing.PreprocessModel = p.PreprocessModel
	existing.ExtractModel = p.ExtractModel
	existing.SynthesisModel = p.SynthesisModel
	r.s.st.profiles[p.ID] = existing
	return nil
}

func (r *profiles) Delete(_ context.Context, id string) error {
	unlock, err := r.lock("Profiles.Delete")
	if err != nil {
		return err
	}
	defer unlock()

	existing, ok := r.s.st.profiles[id]
	if !ok {
		return domain.NewNotFoundError("profile", id)
	}
	if !existing.IsCustom {
		return domain.NewValidationError("id", "built-in profiles cannot be deleted")
	}
	if r.s.st.activeByProfile(id) > 0 {
		return fmt.Errorf("profile %s: %w", id, domain.ErrInUse)
	}
	delete(r.s.st.profiles, id)
	return nil
}

type grids struct{ base }

func (r *grids) Create(_ context.Context, g *domain.ExtractionGrid) error {
	if g.Name == "" || len(g.Fields) == 0 {
		return domain.NewValidationError("fields", "grid name and fields are required")
	}
	unlock, err := r.lock("Grids.Create")
	if err != nil {
		return err
	}
	defer unlock()

	if _, ok := r.s.st.projects[g.ProjectID]; !ok {
		return domain.NewNotFoundError("project", g.ProjectID)
	}
	if g.ID == "" {
		g.ID = uuid.NewString()
	}
	if g.CreatedAt.IsZero() {
		g.CreatedAt = time.Now().UTC()
	}
	r.s.st.grids[g.ID] = *g
	return nil
}

func (r *grids) Get(_ context.Context, id string) (*domain.ExtractionGrid, error) {
	unlock, err := r.lock("Grids.Get")
	if err != nil {
		return nil, err
	}
	defer unlock()

	g, ok := r.s.st.grids[id]
	if !ok {
		return nil, domain.NewNotFoundError("grid", id)
	}
	return &g, nil
}

func (r *grids) ListByProject(_ context.Context, projectID string) ([]*domain.ExtractionGrid, error) {
	unlock, err := r.lock("Grids.ListByProject")
	if err != nil {
		return nil, err
	}
	defer unlock()

	var out []*domain.ExtractionGrid
	for _, g := range r.s.st.grids {
		if g.ProjectID == projectID {
			g := g
			out = append(out, &g)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

type prompts struct{ base }

func (r *prompts) List(_ context.Context) ([]*domain.Prompt, error) {
	unlock, err := r.lock("Prompts.List")
	if err != nil {
		return nil, err
	}
	defer unlock()

	var out []*domain.Prompt
	for _, p := range r.s.st.prompts {
		p := p
		out = append(out, &p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (r *prompts) GetByName(_ context.Context, name string) (*domain.Prompt, error) {
	unlock, err := r.lock("Prompts.GetByName")
	if err != nil {
		return nil, err
	}
	defer unlock()

	p, ok := r.s.st.prompts[name]
	if !ok {
		return nil, domain.NewNotFoundError("prompt", name)
	}
	return &p, nil
}

func (r *prompts) Update(_ context.Context, id int64, description, template string) error {
	if template == "" {
		return domain.NewValidationError("template", "template is required")
	}
	unlock, err := r.lock("Prompts.Update")
	if err != nil {
		return err
	}
	defer unlock()

	for name, p := range r.s.st.prompts {
		if p.ID == id {
			p.Description = description
			p.Template = template
			r.s.st.prompts[name] = p
			return nil
		}
	}
	return domain.NewNotFoundError("prompt", strconv.FormatInt(id, 10))
}

func containsStatus(list []domain.ProjectStatus, s domain.ProjectStatus) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
