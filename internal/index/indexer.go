// Package index splits project documents into chunks, embeds them and stores them in a
// vector collection for retrieval.
package index

import (
	"context"
	"fmt"
	"strings"

	"github.com/rs/zerolog"

	"github.com/helixir/literature-pipeline/internal/llm"
)

// DefaultTopK is the number of chunks returned by Query when k is not positive.
const DefaultTopK = 5

// Document is the extracted text of one article.
type Document struct {
	ArticleID string
	// Source is the file the text came from.
	Source string
	Text   string
}

// EmbeddedChunk is a chunk ready to be stored.
type EmbeddedChunk struct {
	ArticleID string
	Source    string
	Index     int
	Text      string
	Vector    []float32
}

// Match is a stored chunk returned by a similarity search.
type Match struct {
	ArticleID string  `json:"article_id"`
	Source    string  `json:"source"`
	Index     int     `json:"index"`
	Text      string  `json:"text"`
	Score     float32 `json:"score"`
}

// VectorStore stores chunk vectors scoped by project.
type VectorStore interface {
	EnsureCollection(ctx context.Context) error
	UpsertChunks(ctx context.Context, projectID string, chunks []EmbeddedChunk) error
	Search(ctx context.Context, projectID string, vector []float32, topK uint64) ([]Match, error)
	DeleteProject(ctx context.Context, projectID string) error
}

// Stats summarizes one indexing run.
type Stats struct {
	Documents      int `json:"successful_files"`
	Chunks         int `json:"total_chunks"`
	FilteredChunks int `json:"filtered_chunks"`
}

// Indexer chunks, embeds and stores project documents.
type Indexer struct {
	store    VectorStore
	embedder llm.Embedder
	splitter Splitter
	logger   zerolog.Logger
}

// NewIndexer creates an Indexer. Non-positive sizes fall back to the defaults.
func NewIndexer(store VectorStore, embedder llm.Embedder, chunkSize, chunkOverlap int, logger zerolog.Logger) *Indexer {
	return &Indexer{
		store:    store,
		embedder: embedder,
		splitter: NewSplitter(chunkSize, chunkOverlap),
		logger:   logger.With().Str("component", "indexer").Logger(),
	}
}

// IndexDocuments replaces the project's chunks with chunks of docs. Chunks shorter than
// MinChunkLength are dropped. It fails when no chunk survives.
func (ix *Indexer) IndexDocuments(ctx context.Context, projectID string, docs []Document) (Stats, error) {
	var stats Stats
	if err := ix.store.EnsureCollection(ctx); err != nil {
		return stats, err
	}
	if err := ix.store.DeleteProject(ctx, projectID); err != nil {
		return stats, err
	}

	for _, doc := range docs {
		var batch []EmbeddedChunk
		for _, text := range ix.splitter.Split(doc.Text) {
			if runeLen(text) < MinChunkLength {
				stats.FilteredChunks++
				continue
			}
			vector, err := ix.embedder.Embed(ctx, text)
			if err != nil {
				return stats, fmt.Errorf("embed chunk %d of %s: %w", len(batch), doc.ArticleID, err)
			}
			batch = append(batch, EmbeddedChunk{
				ArticleID: doc.ArticleID,
				Source:    doc.Source,
				Index:     len(batch),
				Text:      text,
				Vector:    vector,
			})
		}
		if len(batch) == 0 {
			ix.logger.Debug().Str("article_id", doc.ArticleID).Msg("no usable chunks")
			continue
		}
		if err := ix.store.UpsertChunks(ctx, projectID, batch); err != nil {
			return stats, err
		}
		stats.Documents++
		stats.Chunks += len(batch)
	}

	if stats.Chunks == 0 {
		return stats, fmt.Errorf("no chunk of at least %d characters in %d documents", MinChunkLength, len(docs))
	}
	ix.logger.Info().
		Str("project_id", projectID).
		Int("documents", stats.Documents).
		Int("chunks", stats.Chunks).
		Int("filtered", stats.FilteredChunks).
		Msg("project indexed")
	return stats, nil
}

// Query returns the k chunks of the project most similar to question.
func (ix *Indexer) Query(ctx context.Context, projectID, question string, k int) ([]Match, error) {
	question = strings.TrimSpace(question)
	if question == "" {
		return nil, fmt.Errorf("empty question")
	}
	if k <= 0 {
		k = DefaultTopK
	}
	vector, err := ix.embedder.Embed(ctx, question)
	if err != nil {
		return nil, fmt.Errorf("embed question: %w", err)
	}
	return ix.store.Search(ctx, projectID, vector, uint64(k))
}

// BuildContext joins matches into a prompt context, labelling each with its source.
func BuildContext(matches []Match) string {
	parts := make([]string, 0, len(matches))
	for _, m := range matches {
		parts = append(parts, fmt.Sprintf("[%s]\n%s", m.ArticleID, m.Text))
	}
	return strings.Join(parts, "\n\n---\n\n")
}
