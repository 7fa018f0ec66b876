package storage

import (
	"context"
	"math"
	"testing"
	"time"

	"github.com/adverant/nexus/generals-worker/internal/fingerprint"
	qdrant "github.com/qdrant/go-client/qdrant"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
)

// fakePoints keeps upserted points in memory and answers searches by brute
// force, scoring with Euclidean distance the way the collection is set up.
type fakePoints struct {
	qdrant.PointsClient
	points  map[string]*qdrant.PointStruct
	lastReq *qdrant.SearchPoints
}

func newFakePoints() *fakePoints {
	return &fakePoints{points: map[string]*qdrant.PointStruct{}}
}

func (f *fakePoints) Upsert(_ context.Context, in *qdrant.UpsertPoints, _ ...grpc.CallOption) (*qdrant.PointsOperationResponse, error) {
	for _, p := range in.GetPoints() {
		f.points[p.GetId().GetUuid()] = p
	}
	return &qdrant.PointsOperationResponse{}, nil
}

func (f *fakePoints) Search(_ context.Context, in *qdrant.SearchPoints, _ ...grpc.CallOption) (*qdrant.SearchResponse, error) {
	f.lastReq = in
	var best *qdrant.ScoredPoint
	for _, p := range f.points {
		var sum float64
		for i, v := range p.GetVectors().GetVector().GetData() {
			d := float64(v - in.GetVector()[i])
			sum += d * d
		}
		score := float32(math.Sqrt(sum))
		if in.ScoreThreshold != nil && score > *in.ScoreThreshold {
			continue
		}
		if best == nil || score < best.Score {
			best = &qdrant.ScoredPoint{Id: p.GetId(), Payload: p.GetPayload(), Score: score}
		}
	}
	resp := &qdrant.SearchResponse{}
	if best != nil {
		resp.Result = []*qdrant.ScoredPoint{best}
	}
	return resp, nil
}

type fakeCollections struct {
	qdrant.CollectionsClient
	existing []string
	created  *qdrant.CreateCollection
}

func (f *fakeCollections) List(context.Context, *qdrant.ListCollectionsRequest, ...grpc.CallOption) (*qdrant.ListCollectionsResponse, error) {
	resp := &qdrant.ListCollectionsResponse{}
	for _, name := range f.existing {
		resp.Collections = append(resp.Collections, &qdrant.CollectionDescription{Name: name})
	}
	return resp, nil
}

func (f *fakeCollections) Create(_ context.Context, in *qdrant.CreateCollection, _ ...grpc.CallOption) (*qdrant.CollectionOperationResponse, error) {
	f.created = in
	return &qdrant.CollectionOperationResponse{Result: true}, nil
}

func TestEnsureCollectionCreatesEuclideanIndex(t *testing.T) {
	cols := &fakeCollections{}
	q := newQdrantClient(newFakePoints(), cols, "captures")

	require.NoError(t, q.ensureCollection(context.Background()))
	require.NotNil(t, cols.created)
	params := cols.created.GetVectorsConfig().GetParams()
	assert.Equal(t, uint64(fingerprint.Size), params.GetSize())
	assert.Equal(t, qdrant.Distance_Euclid, params.GetDistance())

	existing := &fakeCollections{existing: []string{"captures"}}
	q = newQdrantClient(newFakePoints(), existing, "captures")
	require.NoError(t, q.ensureCollection(context.Background()))
	assert.Nil(t, existing.created)
}

func TestRememberAndNearest(t *testing.T) {
	points := newFakePoints()
	q := newQdrantClient(points, &fakeCollections{}, "captures")
	ctx := context.Background()

	stored := fingerprint.Hash(0xF0F0F0F0F0F0F0F0)
	require.NoError(t, q.Remember(ctx, FingerprintPoint{
		Hash: stored, CaptureID: "cap-1", RecordKey: "cao cao#20", BatchID: "b1", SeenAt: time.Unix(10, 0),
	}))
	// Same hash again maps onto the same point.
	require.NoError(t, q.Remember(ctx, FingerprintPoint{Hash: stored, CaptureID: "cap-1b"}))
	assert.Len(t, points.points, 1)

	near := stored ^ 0b111 // three bits apart
	match, err := q.Nearest(ctx, near, fingerprint.DefaultThreshold)
	require.NoError(t, err)
	require.NotNil(t, match)
	assert.Equal(t, "cap-1b", match.CaptureID)
	assert.Equal(t, 3, match.Distance)
	assert.InDelta(t, math.Sqrt(5), float64(*points.lastReq.ScoreThreshold), 0.01)

	far := ^stored
	match, err = q.Nearest(ctx, far, fingerprint.DefaultThreshold)
	require.NoError(t, err)
	assert.Nil(t, match)
}

func TestRememberNothing(t *testing.T) {
	q := newQdrantClient(newFakePoints(), &fakeCollections{}, "captures")
	assert.NoError(t, q.Remember(context.Background()))
}
