package storage

import (
	"context"
	"fmt"
	"image"
	"io"
	"os"
	"testing"
	"time"

	"github.com/adverant/nexus/generals-worker/internal/capture"
	"github.com/adverant/nexus/generals-worker/internal/catalog"
	"github.com/adverant/nexus/generals-worker/internal/errors"
	"github.com/adverant/nexus/generals-worker/internal/fingerprint"
	"github.com/adverant/nexus/generals-worker/internal/logging"
	"github.com/adverant/nexus/generals-worker/internal/processor"
	"github.com/adverant/nexus/generals-worker/internal/record"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMain(m *testing.M) {
	logging.IsTest = true
	os.Exit(m.Run())
}

type memoryStore struct {
	versions map[string]int
	saved    []record.GeneralRecord
	batches  []string
	failKey  string
	batchErr error
}

func newMemoryStore() *memoryStore { return &memoryStore{versions: map[string]int{}} }

func (m *memoryStore) SaveRecord(_ context.Context, rec record.GeneralRecord) (record.GeneralRecord, error) {
	if rec.Key == m.failKey {
		return rec, errors.NewStorageFailedError(rec.CaptureID, fmt.Errorf("disk full"))
	}
	m.versions[rec.Key]++
	out := rec.WithVersion(m.versions[rec.Key])
	m.saved = append(m.saved, out)
	return out, nil
}

func (m *memoryStore) LatestRecord(_ context.Context, key string) (record.GeneralRecord, error) {
	for i := len(m.saved) - 1; i >= 0; i-- {
		if m.saved[i].Key == key {
			return m.saved[i], nil
		}
	}
	return record.GeneralRecord{}, ErrRecordNotFound
}

func (m *memoryStore) RecordHistory(context.Context, string) ([]record.GeneralRecord, error) {
	return m.saved, nil
}

func (m *memoryStore) ReviewQueue(context.Context, int) ([]record.GeneralRecord, error) {
	return nil, nil
}

func (m *memoryStore) SaveBatch(_ context.Context, source string, batch *processor.BatchResult) error {
	m.batches = append(m.batches, source+"/"+batch.BatchID)
	return m.batchErr
}

func (m *memoryStore) Ping(context.Context) error { return nil }
func (m *memoryStore) Close() error              { return nil }

type fakePutter struct {
	keys   []string
	bodies [][]byte
	err    error
}

func (f *fakePutter) PutObject(_ context.Context, in *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	if f.err != nil {
		return nil, f.err
	}
	body, _ := io.ReadAll(in.Body)
	f.keys = append(f.keys, *in.Key)
	f.bodies = append(f.bodies, body)
	return &s3.PutObjectOutput{}, nil
}

func testCapture(id string, shade uint8) capture.Capture {
	img := image.NewGray(image.Rect(0, 0, 64, 64))
	for i := range img.Pix {
		if i%64 < 32 {
			img.Pix[i] = shade
		} else {
			img.Pix[i] = 255 - shade
		}
	}
	cp := capture.New(id, "job:j1", img, time.Unix(0, 0), catalog.Default())
	cp.Encoded = []byte("png-bytes-" + id)
	cp.MimeType = "image/png"
	return cp
}

func testBatch(recs ...record.GeneralRecord) *processor.BatchResult {
	b := &processor.BatchResult{BatchID: "b1", FinishedAt: time.Unix(100, 0)}
	for i := range recs {
		rec := recs[i]
		b.Outcomes = append(b.Outcomes, processor.Outcome{Index: i, CaptureID: rec.CaptureID, State: processor.StageAssembled, Record: &rec})
	}
	b.Outcomes = append(b.Outcomes, processor.Outcome{Index: len(recs), CaptureID: "cap-x", State: processor.StageFailed})
	return b
}

func managerWith(store *memoryStore, index fingerprintIndex, archive captureArchive) *StorageManager {
	return &StorageManager{
		records:      store,
		fingerprints: index,
		archive:      archive,
		threshold:    fingerprint.DefaultThreshold,
		logger:       logging.NewNop(),
	}
}

func TestDeliverPersistsRecordsAndBatch(t *testing.T) {
	store := newMemoryStore()
	points := newFakePoints()
	index := newQdrantClient(points, &fakeCollections{}, "captures")
	putter := &fakePutter{}
	sm := managerWith(store, index, newCaptureArchive(putter, "bucket", "/review/"))

	good := sampleRecord(t, "cap-1", "Cao Cao", 0.95)
	review := sampleRecord(t, "cap-2", "Liu Bei", 0.5)
	store.versions[good.Key] = 3
	batch := testBatch(good, review)
	captures := []capture.Capture{testCapture("cap-1", 10), testCapture("cap-2", 200)}

	require.NoError(t, sm.Deliver(context.Background(), batch, captures))

	assert.Len(t, store.saved, 2)
	assert.Equal(t, []string{"job:j1/b1"}, store.batches)
	assert.Equal(t, 4, store.saved[0].Version)
	assert.Equal(t, 1, batch.Outcomes[0].Record.Version, "the batch result is not rewritten")
	assert.Equal(t, good, *batch.Outcomes[0].Record)

	require.Len(t, putter.keys, 1, "only the record needing review is archived")
	assert.Equal(t, "review/b1/cap-2.png", putter.keys[0])
	assert.Equal(t, []byte("png-bytes-cap-2"), putter.bodies[0])

	assert.Len(t, points.points, 2)
}

func TestDeliverCollectsStoreErrors(t *testing.T) {
	store := newMemoryStore()
	store.failKey = "liu bei#20"
	store.batchErr = fmt.Errorf("batch table missing")
	sm := managerWith(store, nil, newCaptureArchive(&fakePutter{err: fmt.Errorf("s3 down")}, "bucket", ""))

	batch := testBatch(sampleRecord(t, "cap-1", "Cao Cao", 0.5), sampleRecord(t, "cap-2", "Liu Bei", 0.9))
	err := sm.Deliver(context.Background(), batch, []capture.Capture{testCapture("cap-1", 10), testCapture("cap-2", 200)})

	require.Error(t, err)
	assert.True(t, errors.HasCode(err, errors.ErrorStorageFailed))
	assert.Contains(t, err.Error(), "disk full")
	assert.Contains(t, err.Error(), "batch table missing")
	assert.Len(t, store.saved, 1, "a failing archive does not block saving")
}

func TestFilterSeen(t *testing.T) {
	store := newMemoryStore()
	index := newQdrantClient(newFakePoints(), &fakeCollections{}, "captures")
	sm := managerWith(store, index, nil)
	ctx := context.Background()

	old := testCapture("cap-old", 10)
	require.NoError(t, index.Remember(ctx, FingerprintPoint{Hash: old.Fingerprint(), CaptureID: "cap-old"}))

	again := testCapture("cap-again", 10)
	// Bright left half, dark right half: every hash bit flips.
	other := testCapture("cap-new", 255)

	fresh, seen, err := sm.FilterSeen(ctx, []capture.Capture{again, other})
	require.NoError(t, err)
	assert.Equal(t, []string{"cap-again"}, seen)
	require.Len(t, fresh, 1)
	assert.Equal(t, "cap-new", fresh[0].ID)
}

func TestFilterSeenWithoutIndex(t *testing.T) {
	sm := managerWith(newMemoryStore(), nil, nil)
	caps := []capture.Capture{testCapture("a", 1)}

	fresh, seen, err := sm.FilterSeen(context.Background(), caps)
	require.NoError(t, err)
	assert.Equal(t, caps, fresh)
	assert.Empty(t, seen)
}

func TestNewStorageManagerRequiresRecords(t *testing.T) {
	_, err := NewStorageManager(ManagerConfig{})
	assert.Error(t, err)
}

func TestArchiveObjectKey(t *testing.T) {
	a := newCaptureArchive(&fakePutter{}, "bucket", "")
	assert.Equal(t, "b1/__x_y.jpg", a.ObjectKey("b1", "../x/y", "image/jpeg"))
	assert.Equal(t, "b1/cap.bin", a.ObjectKey("b1", "cap", "application/octet-stream"))

	_, err := a.Put(context.Background(), "b1", "cap", "image/png", nil)
	assert.Error(t, err)
}
