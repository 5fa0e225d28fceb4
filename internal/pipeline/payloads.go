package pipeline

import (
	"github.com/helixir/literature-pipeline/internal/domain"
	"github.com/helixir/literature-pipeline/internal/taskqueue"
)

// Task kinds handled by the worker.
const (
	KindSearch       = "search.multi_database"
	KindArticle      = "article.process"
	KindZoteroImport = "import.zotero_file"
	KindZoteroPDFs   = "import.zotero_pdfs"
	KindPDFFetch     = "pdf.fetch_online"
	KindIndex        = "index.project"
	KindPullModel    = "llm.pull_model"

	aggregateKindPrefix = "aggregate."
)

// AggregateKind returns the task kind of an aggregation stage.
func AggregateKind(stage domain.Stage) string {
	return aggregateKindPrefix + string(stage)
}

// StageFromKind returns the aggregation stage of an aggregate kind.
func StageFromKind(kind string) (domain.Stage, bool) {
	if len(kind) <= len(aggregateKindPrefix) || kind[:len(aggregateKindPrefix)] != aggregateKindPrefix {
		return "", false
	}
	stage := domain.Stage(kind[len(aggregateKindPrefix):])
	return stage, stage.IsAggregation()
}

// QueueFor returns the queue a task kind is enqueued on.
func QueueFor(kind string) taskqueue.Queue {
	switch kind {
	case KindSearch:
		return taskqueue.QueueCoordination
	case KindArticle:
		return taskqueue.QueueArticles
	case KindZoteroImport, KindZoteroPDFs, KindPDFFetch, KindIndex, KindPullModel:
		return taskqueue.QueueBackground
	default:
		return taskqueue.QueueAnalysis
	}
}

// SearchPayload starts a multi-database search.
type SearchPayload struct {
	ProjectID string   `json:"project_id"`
	Query     string   `json:"query"`
	Databases []string `json:"databases"`
	MaxPerDB  int      `json:"max_results_per_db"`
}

// ArticlePayload is the input of one per-article task. RunID is the token of the run
// that queued it; a task whose token no longer matches the project is skipped.
type ArticlePayload struct {
	ProjectID string                 `json:"project_id"`
	RunID     string                 `json:"run_id"`
	ArticleID string                 `json:"article_id"`
	Profile   domain.AnalysisProfile `json:"profile"`
	Mode      domain.AnalysisMode    `json:"analysis_mode"`
	GridID    string                 `json:"custom_grid_id,omitempty"`
}

// Model returns the model the article is analysed with.
func (p ArticlePayload) Model() string {
	return p.Profile.ModelFor(p.Mode)
}

// StagePayload starts an aggregation stage.
type StagePayload struct {
	ProjectID string                 `json:"project_id"`
	Stage     domain.Stage           `json:"stage"`
	Profile   domain.AnalysisProfile `json:"profile"`
}

// ZoteroImportPayload carries an exported Zotero JSON library.
type ZoteroImportPayload struct {
	ProjectID string `json:"project_id"`
	Content   string `json:"content"`
}

// ZoteroPDFsPayload lists the articles whose PDFs are copied from a Zotero library.
// Empty credentials fall back to the worker's configured library.
type ZoteroPDFsPayload struct {
	ProjectID  string   `json:"project_id"`
	ArticleIDs []string `json:"article_ids"`
	UserID     string   `json:"zotero_user_id,omitempty"`
	APIKey     string   `json:"zotero_api_key,omitempty"`
}

// PDFFetchPayload lists the articles to look up open-access PDFs for. An empty list
// means every article of the project.
type PDFFetchPayload struct {
	ProjectID  string   `json:"project_id"`
	ArticleIDs []string `json:"article_ids,omitempty"`
}

// IndexPayload starts indexing of a project's PDFs.
type IndexPayload struct {
	ProjectID string `json:"project_id"`
}

// PullModelPayload names a model to download into the model backend.
type PullModelPayload struct {
	Model string `json:"model"`
}
