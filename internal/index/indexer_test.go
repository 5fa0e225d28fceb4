package index

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeStore struct {
	mu        sync.Mutex
	ensured   int
	deleted   []string
	upserts   map[string][]EmbeddedChunk
	searchVec []float32
	searchK   uint64
	matches   []Match
	upsertErr error
}

func newFakeStore() *fakeStore {
	return &fakeStore{upserts: make(map[string][]EmbeddedChunk)}
}

func (s *fakeStore) EnsureCollection(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ensured++
	return nil
}

func (s *fakeStore) UpsertChunks(_ context.Context, projectID string, chunks []EmbeddedChunk) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.upsertErr != nil {
		return s.upsertErr
	}
	s.upserts[projectID] = append(s.upserts[projectID], chunks...)
	return nil
}

func (s *fakeStore) Search(_ context.Context, _ string, vector []float32, topK uint64) ([]Match, error) {
	s.searchVec = vector
	s.searchK = topK
	return s.matches, nil
}

func (s *fakeStore) DeleteProject(_ context.Context, projectID string) error {
	s.deleted = append(s.deleted, projectID)
	return nil
}

type fakeEmbedder struct {
	calls int
	err   error
}

func (e *fakeEmbedder) Embed(_ context.Context, text string) ([]float32, error) {
	e.calls++
	if e.err != nil {
		return nil, e.err
	}
	return []float32{float32(len(text)), 1}, nil
}

func paragraph(word string, n int) string {
	return strings.TrimSpace(strings.Repeat(word+" ", n))
}

func TestIndexer_IndexDocuments(t *testing.T) {
	store := newFakeStore()
	embedder := &fakeEmbedder{}
	ix := NewIndexer(store, embedder, 1000, 200, zerolog.Nop())

	docs := []Document{
		{ArticleID: "111", Source: "111.pdf", Text: paragraph("neuron", 400)},
		{ArticleID: "222", Source: "222.pdf", Text: "Too short to keep."},
	}
	stats, err := ix.IndexDocuments(context.Background(), "p1", docs)
	require.NoError(t, err)

	assert.Equal(t, 1, store.ensured)
	assert.Equal(t, []string{"p1"}, store.deleted)
	assert.Equal(t, 1, stats.Documents)
	assert.Equal(t, 1, stats.FilteredChunks)
	assert.Equal(t, len(store.upserts["p1"]), stats.Chunks)
	assert.Equal(t, stats.Chunks, embedder.calls)

	for i, c := range store.upserts["p1"] {
		assert.Equal(t, "111", c.ArticleID)
		assert.Equal(t, "111.pdf", c.Source)
		assert.Equal(t, i, c.Index)
		assert.GreaterOrEqual(t, len(c.Text), MinChunkLength)
	}
}

func TestIndexer_IndexDocuments_NothingUsable(t *testing.T) {
	store := newFakeStore()
	ix := NewIndexer(store, &fakeEmbedder{}, 0, -1, zerolog.Nop())

	_, err := ix.IndexDocuments(context.Background(), "p1", []Document{{ArticleID: "a", Text: "tiny"}})
	require.Error(t, err)
	assert.Empty(t, store.upserts)
}

func TestIndexer_IndexDocuments_EmbedError(t *testing.T) {
	boom := errors.New("ollama down")
	ix := NewIndexer(newFakeStore(), &fakeEmbedder{err: boom}, 0, -1, zerolog.Nop())

	_, err := ix.IndexDocuments(context.Background(), "p1", []Document{{ArticleID: "a", Text: paragraph("glia", 200)}})
	assert.ErrorIs(t, err, boom)
}

func TestIndexer_Query(t *testing.T) {
	store := newFakeStore()
	store.matches = []Match{{ArticleID: "111", Text: "chunk text", Score: 0.9}}
	ix := NewIndexer(store, &fakeEmbedder{}, 0, -1, zerolog.Nop())

	matches, err := ix.Query(context.Background(), "p1", "  what is tau?  ", 0)
	require.NoError(t, err)
	assert.Equal(t, store.matches, matches)
	assert.Equal(t, uint64(DefaultTopK), store.searchK)
	assert.Equal(t, []float32{12, 1}, store.searchVec)

	_, err = ix.Query(context.Background(), "p1", "   ", 3)
	assert.Error(t, err)
}

func TestBuildContext(t *testing.T) {
	got := BuildContext([]Match{
		{ArticleID: "a", Text: "first"},
		{ArticleID: "b", Text: "second"},
	})
	assert.Equal(t, "[a]\nfirst\n\n---\n\n[b]\nsecond", got)
	assert.Empty(t, BuildContext(nil))
}
