package sheets

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/adverant/nexus/generals-worker/internal/catalog"
	"github.com/adverant/nexus/generals-worker/internal/errors"
	"github.com/adverant/nexus/generals-worker/internal/logging"
	"github.com/adverant/nexus/generals-worker/internal/processor"
	"github.com/adverant/nexus/generals-worker/internal/record"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeValues struct {
	header    [][]interface{}
	appended  [][][]interface{}
	updated   [][]interface{}
	gets      int
	appendErr error
}

func (f *fakeValues) Get(_ context.Context, _, _ string) ([][]interface{}, error) {
	f.gets++
	return f.header, nil
}

func (f *fakeValues) Append(_ context.Context, _, _ string, rows [][]interface{}) error {
	if f.appendErr != nil {
		return f.appendErr
	}
	f.appended = append(f.appended, rows)
	return nil
}

func (f *fakeValues) Update(_ context.Context, _, _ string, rows [][]interface{}) error {
	f.updated = rows
	f.header = rows
	return nil
}

func generalRecord(t *testing.T, name string, conf float64) record.GeneralRecord {
	t.Helper()
	var results []record.FieldResult
	for _, r := range catalog.Default().Regions() {
		switch {
		case r.ID == "general_name":
			results = append(results, record.FieldResult{RegionID: r.ID, Value: record.Text(name), Confidence: conf, Status: record.StatusValid})
		case r.ID == "equipment_slot_2":
			// left unparsed
		case r.Content == catalog.ContentDigits:
			results = append(results, record.FieldResult{RegionID: r.ID, Value: record.Int(30), Confidence: conf, Status: record.StatusValid})
		default:
			results = append(results, record.FieldResult{RegionID: r.ID, Value: record.Text("Sword"), Confidence: conf, Status: record.StatusValid})
		}
	}
	rec := record.NewAssembler(catalog.Default(), 0.75).Assemble("cap-"+name, "v1", results)
	rec.ExtractedAt = time.Date(2026, 10, 19, 8, 30, 0, 0, time.UTC)
	return rec
}

func batchOf(recs ...record.GeneralRecord) *processor.BatchResult {
	b := &processor.BatchResult{BatchID: "b1"}
	for i := range recs {
		rec := recs[i]
		b.Outcomes = append(b.Outcomes, processor.Outcome{Index: i, CaptureID: rec.CaptureID, State: processor.StageAssembled, Record: &rec})
	}
	return b
}

func TestRowLayout(t *testing.T) {
	row := Row(generalRecord(t, "Cao Cao", 0.95))

	require.Len(t, row, len(Headers))
	assert.Equal(t, "cao cao#30", row[0])
	assert.Equal(t, "Cao Cao", row[1])
	assert.Equal(t, int64(30), row[2])
	assert.Equal(t, "Sword", row[9])
	assert.Equal(t, "", row[10], "unparsed slot is blank")
	assert.Equal(t, "2026-10-19 08:30:00", row[17])
	assert.Equal(t, statusActive, row[19])
}

func TestRowMarksReview(t *testing.T) {
	row := Row(generalRecord(t, "Liu Bei", 0.4))
	assert.Equal(t, statusReview, row[19])
	assert.NotEmpty(t, row[18])
}

func TestDeliverWritesHeaderOnce(t *testing.T) {
	values := &fakeValues{}
	sink := newSink(values, Config{SpreadsheetID: "sheet-1", Range: "Roster!A1", Logger: logging.NewNop()})
	ctx := context.Background()

	require.NoError(t, sink.Deliver(ctx, batchOf(generalRecord(t, "Cao Cao", 0.9)), nil))
	require.NoError(t, sink.Deliver(ctx, batchOf(generalRecord(t, "Liu Bei", 0.9)), nil))

	assert.Equal(t, "Roster", sink.sheet)
	assert.Equal(t, 1, values.gets)
	require.Len(t, values.updated, 1)
	assert.Equal(t, "General_ID", values.updated[0][0])
	assert.Len(t, values.appended, 2)
}

func TestDeliverChunksLargeBatches(t *testing.T) {
	values := &fakeValues{header: [][]interface{}{{"General_ID"}}}
	sink := newSink(values, Config{SpreadsheetID: "sheet-1", Logger: logging.NewNop()})

	var recs []record.GeneralRecord
	for i := 0; i < 250; i++ {
		recs = append(recs, generalRecord(t, fmt.Sprintf("General %d", i), 0.9))
	}
	require.NoError(t, sink.Deliver(context.Background(), batchOf(recs...), nil))

	require.Len(t, values.appended, 3)
	assert.Len(t, values.appended[0], 100)
	assert.Len(t, values.appended[2], 50)
	assert.Nil(t, values.updated, "existing header is kept")
}

func TestDeliverFailureIsSyncFailed(t *testing.T) {
	values := &fakeValues{header: [][]interface{}{{"General_ID"}}, appendErr: fmt.Errorf("quota exceeded")}
	sink := newSink(values, Config{SpreadsheetID: "sheet-1", Logger: logging.NewNop()})

	err := sink.Deliver(context.Background(), batchOf(generalRecord(t, "Cao Cao", 0.9)), nil)
	require.Error(t, err)
	assert.True(t, errors.HasCode(err, errors.ErrorSyncFailed))
}

func TestDeliverEmptyBatch(t *testing.T) {
	values := &fakeValues{}
	sink := newSink(values, Config{SpreadsheetID: "sheet-1", Logger: logging.NewNop()})
	require.NoError(t, sink.Deliver(context.Background(), &processor.BatchResult{}, nil))
	assert.Zero(t, values.gets)
}

func TestColumnName(t *testing.T) {
	assert.Equal(t, "A", columnName(1))
	assert.Equal(t, "T", columnName(20))
	assert.Equal(t, "AA", columnName(27))
}
