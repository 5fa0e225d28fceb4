package domain

import "time"

// Notification event types published to a project's channel.
const (
	EventSearchProgress      = "search_progress"
	EventSearchCompleted     = "search_completed"
	EventSearchFailed        = "search_failed"
	EventArticleProcessed    = "article_processed"
	EventRunCompleted        = "run_completed"
	EventRunFailed           = "run_failed"
	EventSynthesisCompleted  = "synthesis_completed"
	EventSynthesisFailed     = "synthesis_failed"
	EventDiscussionCompleted = "discussion_completed"
	EventDiscussionFailed    = "discussion_failed"
	EventGraphCompleted      = "knowledge_graph_completed"
	EventGraphFailed         = "knowledge_graph_failed"
	EventPrismaCompleted     = "prisma_completed"
	EventPrismaFailed        = "prisma_failed"
	EventAnalysisCompleted   = "analysis_completed"
	EventAnalysisFailed      = "analysis_failed"
	EventIndexingCompleted   = "indexing_completed"
	EventIndexingFailed      = "indexing_failed"
	EventImportCompleted     = "import_completed"
	EventImportFailed        = "import_failed"
	EventPDFFetchCompleted   = "pdf_fetch_completed"
	EventZoteroPDFsCompleted = "zotero_import_completed"
	EventZoteroPDFsFailed    = "zotero_import_failed"
	EventInfo                = "info"
)

// Notification is a progress event fanned out to every subscriber of a project.
// Delivery is best effort; a missed notification is never retried.
type Notification struct {
	Type      string         `json:"type"`
	Message   string         `json:"message"`
	ProjectID string         `json:"project_id"`
	Timestamp time.Time      `json:"timestamp"`
	Data      map[string]any `json:"data"`
}

// NewNotification creates a notification stamped with the current time.
func NewNotification(projectID, eventType, message string, data map[string]any) Notification {
	if data == nil {
		data = map[string]any{}
	}
	return Notification{
		Type:      eventType,
		Message:   message,
		ProjectID: projectID,
		Timestamp: time.Now().UTC(),
		Data:      data,
	}
}
