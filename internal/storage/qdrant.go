/**
 * Qdrant Fingerprint Index for the generals extraction worker
 *
 * Stores the 64-bit average hash of every processed capture as a 0/1 vector.
 * Under Euclidean distance the squared distance of two such vectors equals
 * the Hamming distance of the hashes, so a nearest-neighbour search answers
 * "has a screen like this been processed before".
 */

package storage

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/adverant/nexus/generals-worker/internal/fingerprint"
	"github.com/google/uuid"
	qdrant "github.com/qdrant/go-client/qdrant"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

// fingerprintNamespace scopes point IDs so equal hashes map to one point.
var fingerprintNamespace = uuid.MustParse("5b1f6a0e-3c0d-4f55-9a53-7d8e2f1c4b90")

// QdrantClient handles fingerprint vector operations
type QdrantClient struct {
	client           qdrant.PointsClient
	collectionClient qdrant.CollectionsClient
	conn             *grpc.ClientConn
	collectionName   string
}

// FingerprintPoint is a processed capture as stored in the index.
type FingerprintPoint struct {
	Hash      fingerprint.Hash
	CaptureID string
	RecordKey string
	BatchID   string
	SeenAt    time.Time
}

// FingerprintMatch is the closest stored capture to a query hash.
type FingerprintMatch struct {
	CaptureID string
	RecordKey string
	Distance  int
}

// NewQdrantClient connects and makes sure the collection exists.
func NewQdrantClient(address string, collectionName string) (*QdrantClient, error) {
	if address == "" {
		return nil, fmt.Errorf("qdrant address is required")
	}
	if collectionName == "" {
		return nil, fmt.Errorf("collection name is required")
	}

	conn, err := grpc.NewClient(address, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to Qdrant: %w", err)
	}

	qc := newQdrantClient(qdrant.NewPointsClient(conn), qdrant.NewCollectionsClient(conn), collectionName)
	qc.conn = conn

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := qc.ensureCollection(ctx); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to ensure collection: %w", err)
	}

	return qc, nil
}

func newQdrantClient(points qdrant.PointsClient, collections qdrant.CollectionsClient, collectionName string) *QdrantClient {
	return &QdrantClient{
		client:           points,
		collectionClient: collections,
		collectionName:   collectionName,
	}
}

// ensureCollection creates the collection if it doesn't exist
func (q *QdrantClient) ensureCollection(ctx context.Context) error {
	listResp, err := q.collectionClient.List(ctx, &qdrant.ListCollectionsRequest{})
	if err != nil {
		return fmt.Errorf("failed to list collections: %w", err)
	}
	for _, col := range listResp.GetCollections() {
		if col.GetName() == q.collectionName {
			return nil
		}
	}

	_, err = q.collectionClient.Create(ctx, &qdrant.CreateCollection{
		CollectionName: q.collectionName,
		VectorsConfig: &qdrant.VectorsConfig{
			Config: &qdrant.VectorsConfig_Params{
				Params: &qdrant.VectorParams{
					Size:     fingerprint.Size,
					Distance: qdrant.Distance_Euclid,
				},
			},
		},
	})
	if err != nil {
		return fmt.Errorf("failed to create collection: %w", err)
	}
	return nil
}

// pointID derives a stable UUID from the hash.
func pointID(h fingerprint.Hash) string {
	return uuid.NewSHA1(fingerprintNamespace, []byte(fmt.Sprintf("%016x", uint64(h)))).String()
}

// Remember upserts the fingerprints of processed captures.
func (q *QdrantClient) Remember(ctx context.Context, points ...FingerprintPoint) error {
	if len(points) == 0 {
		return nil
	}

	structs := make([]*qdrant.PointStruct, 0, len(points))
	for _, p := range points {
		seen := p.SeenAt
		if seen.IsZero() {
			seen = time.Now()
		}
		structs = append(structs, &qdrant.PointStruct{
			Id: &qdrant.PointId{
				PointIdOptions: &qdrant.PointId_Uuid{Uuid: pointID(p.Hash)},
			},
			Vectors: &qdrant.Vectors{
				VectorsOptions: &qdrant.Vectors_Vector{
					Vector: &qdrant.Vector{Data: p.Hash.Vector()},
				},
			},
			Payload: map[string]*qdrant.Value{
				"capture_id": {Kind: &qdrant.Value_StringValue{StringValue: p.CaptureID}},
				"record_key": {Kind: &qdrant.Value_StringValue{StringValue: p.RecordKey}},
				"batch_id":   {Kind: &qdrant.Value_StringValue{StringValue: p.BatchID}},
				"hash":       {Kind: &qdrant.Value_StringValue{StringValue: fmt.Sprintf("%016x", uint64(p.Hash))}},
				"seen_at":    {Kind: &qdrant.Value_IntegerValue{IntegerValue: seen.Unix()}},
			},
		})
	}

	_, err := q.client.Upsert(ctx, &qdrant.UpsertPoints{
		CollectionName: q.collectionName,
		Points:         structs,
	})
	if err != nil {
		return fmt.Errorf("failed to upsert fingerprints: %w", err)
	}
	return nil
}

// Nearest returns the closest stored fingerprint within threshold bits, or
// nil when there is none.
func (q *QdrantClient) Nearest(ctx context.Context, h fingerprint.Hash, threshold int) (*FingerprintMatch, error) {
	// Score is the Euclidean distance, so the Hamming bound becomes its root.
	limit := float32(math.Sqrt(float64(threshold)) + 1e-3)
	results, err := q.client.Search(ctx, &qdrant.SearchPoints{
		CollectionName: q.collectionName,
		Vector:         h.Vector(),
		Limit:          1,
		ScoreThreshold: &limit,
		WithPayload: &qdrant.WithPayloadSelector{
			SelectorOptions: &qdrant.WithPayloadSelector_Enable{Enable: true},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to search fingerprints: %w", err)
	}

	for _, r := range results.GetResult() {
		distance := int(math.Round(float64(r.GetScore()) * float64(r.GetScore())))
		if distance > threshold {
			continue
		}
		return &FingerprintMatch{
			CaptureID: r.GetPayload()["capture_id"].GetStringValue(),
			RecordKey: r.GetPayload()["record_key"].GetStringValue(),
			Distance:  distance,
		}, nil
	}
	return nil, nil
}

// GetCollectionInfo returns collection statistics
func (q *QdrantClient) GetCollectionInfo(ctx context.Context) (map[string]interface{}, error) {
	info, err := q.collectionClient.Get(ctx, &qdrant.GetCollectionInfoRequest{
		CollectionName: q.collectionName,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to get collection info: %w", err)
	}

	return map[string]interface{}{
		"collection_name": q.collectionName,
		"points_count":    info.GetResult().GetPointsCount(),
		"status":          info.GetResult().GetStatus().String(),
	}, nil
}

// Close closes the Qdrant client connection
func (q *QdrantClient) Close() error {
	if q.conn != nil {
		return q.conn.Close()
	}
	return nil
}
