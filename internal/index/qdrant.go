package index

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"github.com/qdrant/go-client/qdrant"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/kundankumar-35/Autonomous-Agentic-Email-RAG-workflow/internal/config"
	"github.com/kundankumar-35/Autonomous-Agentic-Email-RAG-workflow/internal/faults"
	"github.com/kundankumar-35/Autonomous-Agentic-Email-RAG-workflow/internal/logger"
)

// Embedder turns texts into vectors. It must use the model the collection
// was built with.
type Embedder interface {
	Embed(ctx context.Context, texts []string) ([][]float32, error)
}

// pointsClient is the subset of *qdrant.Client used here.
type pointsClient interface {
	Query(ctx context.Context, request *qdrant.QueryPoints) ([]*qdrant.ScoredPoint, error)
	Upsert(ctx context.Context, request *qdrant.UpsertPoints) (*qdrant.UpdateResult, error)
	Close() error
}

// Qdrant is an Index over a Qdrant collection.
type Qdrant struct {
	client     pointsClient
	embed      Embedder
	collection string
	payloadKey string
	sourceKey  string
	log        *slog.Logger
}

// NewQdrant connects to Qdrant over gRPC.
func NewQdrant(cfg config.QdrantConfig, embed Embedder) (*Qdrant, error) {
	client, err := qdrant.NewClient(&qdrant.Config{
		Host:   cfg.Host,
		Port:   cfg.Port,
		APIKey: cfg.APIKey,
		UseTLS: cfg.UseTLS,
	})
	if err != nil {
		return nil, fmt.Errorf("creating qdrant client: %w", err)
	}
	return newQdrant(client, embed, cfg), nil
}

func newQdrant(client pointsClient, embed Embedder, cfg config.QdrantConfig) *Qdrant {
	payloadKey := cfg.PayloadKey
	if payloadKey == "" {
		payloadKey = "page_content"
	}
	sourceKey := cfg.SourceKey
	if sourceKey == "" {
		sourceKey = "source"
	}
	return &Qdrant{
		client:     client,
		embed:      embed,
		collection: cfg.Collection,
		payloadKey: payloadKey,
		sourceKey:  sourceKey,
		log:        logger.For("index.qdrant"),
	}
}

// Query embeds text and returns the k nearest points of the collection.
func (q *Qdrant) Query(ctx context.Context, text string, k int) ([]Hit, error) {
	const op = "index.qdrant.query"
	if k < 1 {
		k = 1
	}

	vecs, err := q.embed.Embed(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	if len(vecs) != 1 {
		return nil, faults.Newf(faults.MalformedResponse, op, "expected one query vector, got %d", len(vecs))
	}

	limit := uint64(k)
	points, err := q.client.Query(ctx, &qdrant.QueryPoints{
		CollectionName: q.collection,
		Query:          qdrant.NewQuery(vecs[0]...),
		Limit:          &limit,
		WithPayload:    qdrant.NewWithPayload(true),
	})
	if err != nil {
		return nil, classifyGRPC(op, err)
	}

	hits := make([]Hit, 0, len(points))
	for _, p := range points {
		payload := p.GetPayload()
		hits = append(hits, Hit{
			Text:   payload[q.payloadKey].GetStringValue(),
			Source: payload[q.sourceKey].GetStringValue(),
			Score:  float64(p.GetScore()),
		})
	}
	q.log.Debug("query done", "collection", q.collection, "hits", len(hits))
	return hits, nil
}

// Upsert embeds and stores docs. Documents without an id get a random one;
// non-UUID ids are mapped to a stable name-based UUID.
func (q *Qdrant) Upsert(ctx context.Context, docs []Document) error {
	const op = "index.qdrant.upsert"
	if len(docs) == 0 {
		return nil
	}

	texts := make([]string, len(docs))
	for i, d := range docs {
		texts[i] = d.Text
	}
	vecs, err := q.embed.Embed(ctx, texts)
	if err != nil {
		return err
	}
	if len(vecs) != len(docs) {
		return faults.Newf(faults.MalformedResponse, op, "got %d vectors for %d documents", len(vecs), len(docs))
	}

	points := make([]*qdrant.PointStruct, len(docs))
	for i, d := range docs {
		payload := make(map[string]any, len(d.Metadata)+2)
		for k, v := range d.Metadata {
			payload[k] = v
		}
		payload[q.payloadKey] = d.Text
		payload[q.sourceKey] = d.Source

		values, err := qdrant.TryValueMap(payload)
		if err != nil {
			return fmt.Errorf("encoding payload of %q: %w", d.ID, err)
		}
		points[i] = &qdrant.PointStruct{
			Id:      qdrant.NewID(pointID(d.ID)),
			Vectors: qdrant.NewVectors(vecs[i]...),
			Payload: values,
		}
	}

	wait := true
	if _, err := q.client.Upsert(ctx, &qdrant.UpsertPoints{
		CollectionName: q.collection,
		Wait:           &wait,
		Points:         points,
	}); err != nil {
		return classifyGRPC(op, err)
	}
	q.log.Info("documents upserted", "collection", q.collection, "count", len(points))
	return nil
}

// Close releases the gRPC connection.
func (q *Qdrant) Close() error {
	return q.client.Close()
}

func pointID(id string) string {
	if id == "" {
		return uuid.NewString()
	}
	if u, err := uuid.Parse(id); err == nil {
		return u.String()
	}
	return uuid.NewSHA1(uuid.NameSpaceURL, []byte(id)).String()
}

func classifyGRPC(op string, err error) error {
	switch status.Code(err) {
	case codes.Unauthenticated, codes.PermissionDenied:
		return faults.New(faults.Fatal, op, err)
	default:
		return faults.New(faults.Transient, op, err)
	}
}
