package pipeline

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/helixir/literature-pipeline/internal/domain"
	"github.com/helixir/literature-pipeline/internal/repository/repotest"
)

type recordingPublisher struct {
	mu     sync.Mutex
	events []domain.Notification
}

func (p *recordingPublisher) Publish(_ context.Context, n domain.Notification) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, n)
	return nil
}

func (p *recordingPublisher) ofType(eventType string) []domain.Notification {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []domain.Notification
	for _, n := range p.events {
		if n.Type == eventType {
			out = append(out, n)
		}
	}
	return out
}

type transitionRecorder struct {
	mu          sync.Mutex
	transitions []string
}

func (r *transitionRecorder) RecordStageTransition(stage, status string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.transitions = append(r.transitions, stage+"->"+status)
}

func createProject(t *testing.T, store *repotest.Store, status domain.ProjectStatus, mode domain.AnalysisMode) *domain.Project {
	t.Helper()
	p := &domain.Project{Name: "review", Status: status, AnalysisMode: mode}
	require.NoError(t, store.Repos().Projects.Create(context.Background(), p))
	return p
}

func addArticles(t *testing.T, store *repotest.Store, projectID string, ids ...string) {
	t.Helper()
	for _, id := range ids {
		_, err := store.Repos().Articles.InsertIgnore(context.Background(), &domain.Article{
			ProjectID: projectID, ArticleID: id, Title: "Title " + id, DatabaseSource: domain.SourceTypePubMed,
		})
		require.NoError(t, err)
	}
}

func statusOf(t *testing.T, store *repotest.Store, projectID string) domain.ProjectStatus {
	t.Helper()
	p, err := store.Repos().Projects.Get(context.Background(), projectID)
	require.NoError(t, err)
	return p.Status
}
