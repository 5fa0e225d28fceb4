package index

import (
	"context"
	"fmt"
	"net"
	"strconv"

	"github.com/google/uuid"
	pb "github.com/qdrant/go-client/qdrant"
)

// Payload keys stored with every chunk.
const (
	payloadProjectID  = "project_id"
	payloadArticleID  = "article_id"
	payloadSource     = "source"
	payloadChunkIndex = "chunk_index"
	payloadText       = "text"
)

// QdrantConfig holds the configuration for connecting to a Qdrant instance.
type QdrantConfig struct {
	// Address is the host:port of the Qdrant gRPC endpoint (e.g. "localhost:6334").
	Address string
	// CollectionName is the collection shared by all projects.
	CollectionName string
	// VectorSize must match the embedding model's output dimension.
	VectorSize uint64
}

// Validate checks that all required fields are set.
func (c QdrantConfig) Validate() error {
	if c.Address == "" {
		return fmt.Errorf("qdrant config: address is required")
	}
	if c.CollectionName == "" {
		return fmt.Errorf("qdrant config: collection name is required")
	}
	if c.VectorSize == 0 {
		return fmt.Errorf("qdrant config: vector size must be > 0")
	}
	return nil
}

// QdrantStore is a VectorStore over one Qdrant collection. Projects are separated by a
// keyword-indexed project_id payload field.
type QdrantStore struct {
	client         *pb.Client
	collectionName string
	vectorSize     uint64
}

var _ VectorStore = (*QdrantStore)(nil)

// NewQdrantStore dials the configured gRPC address. The connection uses insecure
// credentials.
func NewQdrantStore(cfg QdrantConfig) (*QdrantStore, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	host, port, err := parseAddress(cfg.Address)
	if err != nil {
		return nil, fmt.Errorf("qdrant: invalid address %q: %w", cfg.Address, err)
	}

	client, err := pb.NewClient(&pb.Config{Host: host, Port: port})
	if err != nil {
		return nil, fmt.Errorf("qdrant: failed to create client: %w", err)
	}

	return &QdrantStore{
		client:         client,
		collectionName: cfg.CollectionName,
		vectorSize:     cfg.VectorSize,
	}, nil
}

// EnsureCollection creates the collection with cosine distance and a keyword index on
// project_id if it does not exist yet.
func (s *QdrantStore) EnsureCollection(ctx context.Context) error {
	exists, err := s.client.CollectionExists(ctx, s.collectionName)
	if err != nil {
		return fmt.Errorf("qdrant: failed to check collection existence: %w", err)
	}
	if exists {
		return nil
	}

	err = s.client.CreateCollection(ctx, &pb.CreateCollection{
		CollectionName: s.collectionName,
		VectorsConfig: pb.NewVectorsConfig(&pb.VectorParams{
			Size:     s.vectorSize,
			Distance: pb.Distance_Cosine,
		}),
	})
	if err != nil {
		return fmt.Errorf("qdrant: failed to create collection %q: %w", s.collectionName, err)
	}

	wait := true
	_, err = s.client.CreateFieldIndex(ctx, &pb.CreateFieldIndexCollection{
		CollectionName: s.collectionName,
		FieldName:      payloadProjectID,
		FieldType:      pb.FieldType_FieldTypeKeyword.Enum(),
		Wait:           &wait,
	})
	if err != nil {
		return fmt.Errorf("qdrant: failed to index %s: %w", payloadProjectID, err)
	}
	return nil
}

// UpsertChunks writes embedded chunks. Point ids derive from project, article and chunk
// index, so re-indexing overwrites earlier points.
func (s *QdrantStore) UpsertChunks(ctx context.Context, projectID string, chunks []EmbeddedChunk) error {
	if len(chunks) == 0 {
		return nil
	}
	points := make([]*pb.PointStruct, 0, len(chunks))
	for _, c := range chunks {
		points = append(points, &pb.PointStruct{
			Id:      pb.NewIDUUID(PointID(projectID, c.ArticleID, c.Index).String()),
			Vectors: pb.NewVectors(c.Vector...),
			Payload: pb.NewValueMap(map[string]any{
				payloadProjectID:  projectID,
				payloadArticleID:  c.ArticleID,
				payloadSource:     c.Source,
				payloadChunkIndex: int64(c.Index),
				payloadText:       c.Text,
			}),
		})
	}

	wait := true
	_, err := s.client.Upsert(ctx, &pb.UpsertPoints{
		CollectionName: s.collectionName,
		Wait:           &wait,
		Points:         points,
	})
	if err != nil {
		return fmt.Errorf("qdrant: failed to upsert %d points for project %s: %w", len(points), projectID, err)
	}
	return nil
}

// Search returns up to topK chunks of the project closest to vector.
func (s *QdrantStore) Search(ctx context.Context, projectID string, vector []float32, topK uint64) ([]Match, error) {
	scored, err := s.client.Query(ctx, &pb.QueryPoints{
		CollectionName: s.collectionName,
		Query:          pb.NewQueryDense(vector),
		Filter:         projectFilter(projectID),
		WithPayload:    pb.NewWithPayload(true),
		Limit:          &topK,
	})
	if err != nil {
		return nil, fmt.Errorf("qdrant: search failed: %w", err)
	}

	matches := make([]Match, 0, len(scored))
	for _, sp := range scored {
		payload := sp.GetPayload()
		matches = append(matches, Match{
			ArticleID: payload[payloadArticleID].GetStringValue(),
			Source:    payload[payloadSource].GetStringValue(),
			Index:     int(payload[payloadChunkIndex].GetIntegerValue()),
			Text:      payload[payloadText].GetStringValue(),
			Score:     sp.GetScore(),
		})
	}
	return matches, nil
}

// DeleteProject removes every point of the project.
func (s *QdrantStore) DeleteProject(ctx context.Context, projectID string) error {
	wait := true
	_, err := s.client.Delete(ctx, &pb.DeletePoints{
		CollectionName: s.collectionName,
		Wait:           &wait,
		Points:         pb.NewPointsSelectorFilter(projectFilter(projectID)),
	})
	if err != nil {
		return fmt.Errorf("qdrant: failed to delete points of project %s: %w", projectID, err)
	}
	return nil
}

// Close releases the gRPC connection to Qdrant.
func (s *QdrantStore) Close() error {
	if s.client != nil {
		return s.client.Close()
	}
	return nil
}

// PointID is the deterministic point id of one chunk.
func PointID(projectID, articleID string, index int) uuid.UUID {
	name := projectID + ":" + articleID + ":" + strconv.Itoa(index)
	return uuid.NewSHA1(uuid.NameSpaceURL, []byte(name))
}

func projectFilter(projectID string) *pb.Filter {
	return &pb.Filter{
		Must: []*pb.Condition{pb.NewMatch(payloadProjectID, projectID)},
	}
}

func parseAddress(addr string) (string, int, error) {
	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return "", 0, err
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return "", 0, fmt.Errorf("invalid port %q", portStr)
	}
	if port < 1 || port > 65535 {
		return "", 0, fmt.Errorf("port %d out of range", port)
	}
	return host, port, nil
}
