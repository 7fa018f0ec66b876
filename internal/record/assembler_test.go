package record

import (
	"encoding/json"
	"testing"

	"github.com/adverant/nexus/generals-worker/internal/catalog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// allValid returns a VALID result for every region of the default catalog.
func allValid(t *testing.T) []FieldResult {
	t.Helper()
	var out []FieldResult
	for _, r := range catalog.Default().Regions() {
		v := Text("x")
		switch r.ID {
		case "general_name":
			v = Text("Cao Cao")
		case "general_level":
			v = Int(25)
		case "general_stars":
			v = Int(4)
		}
		if r.Content == catalog.ContentDigits && r.ID != "general_level" && r.ID != "general_stars" {
			v = Int(100)
		}
		out = append(out, FieldResult{RegionID: r.ID, Value: v, Confidence: 0.95, Status: StatusValid})
	}
	return out
}

func replace(results []FieldResult, f FieldResult) []FieldResult {
	out := append([]FieldResult(nil), results...)
	for i := range out {
		if out[i].RegionID == f.RegionID {
			out[i] = f
		}
	}
	return out
}

func TestAssembleAcceptedRecord(t *testing.T) {
	a := NewAssembler(catalog.Default(), 0.75)
	rec := a.Assemble("cap-1", "v1", allValid(t))

	assert.Equal(t, "cao cao#25", rec.Key)
	assert.Equal(t, KeyComposite, rec.KeySource)
	assert.Equal(t, 1, rec.Version)
	assert.Equal(t, "v1", rec.ReferenceVersion)
	assert.Equal(t, 0.95, rec.Confidence)
	assert.Equal(t, 1.0, rec.Completeness)
	assert.False(t, rec.ReviewNeeded)
	assert.Empty(t, rec.ReviewFields())
	assert.Contains(t, rec.Warnings(), warnComposite)
	assert.Len(t, rec.Fields(), catalog.Default().Len())
}

func TestOverallIsMinimumOfRequired(t *testing.T) {
	a := NewAssembler(catalog.Default(), 0.5)
	results := replace(allValid(t), FieldResult{RegionID: "attack_stat", Value: Int(90), Confidence: 0.6, Status: StatusValid})
	// optional fields do not drag the overall down
	results = replace(results, FieldResult{RegionID: "skill_slot_2", Value: Text("x"), Confidence: 0.1, Status: StatusUnknown})

	rec := a.Assemble("cap", "", results)
	assert.Equal(t, 0.6, rec.Confidence)
	assert.False(t, rec.ReviewNeeded)
}

func TestRequiredNotValidNeedsReview(t *testing.T) {
	a := NewAssembler(catalog.Default(), 0.5)
	results := replace(allValid(t), FieldResult{RegionID: "defense_stat", Value: Int(50), Confidence: 0.9, Status: StatusUnknown})

	rec := a.Assemble("cap", "", results)
	assert.True(t, rec.ReviewNeeded)
	assert.Equal(t, []string{"defense_stat"}, rec.ReviewFields())
}

func TestLowOverallNeedsReview(t *testing.T) {
	a := NewAssembler(catalog.Default(), 0.99)
	rec := a.Assemble("cap", "", allValid(t))

	assert.True(t, rec.ReviewNeeded)
	assert.Empty(t, rec.ReviewFields())
	assert.Contains(t, rec.Warnings(), warnLowOverall)
}

func TestMissingRegionsAreFilledIn(t *testing.T) {
	a := NewAssembler(catalog.Default(), 0.75)
	rec := a.Assemble("cap", "", nil)

	assert.Len(t, rec.Fields(), catalog.Default().Len())
	f, ok := rec.Field("general_name")
	require.True(t, ok)
	assert.False(t, f.Value.Parsed())
	assert.Equal(t, StatusUnknown, f.Status)
	assert.Equal(t, 0.0, rec.Confidence)
	assert.Equal(t, 0.0, rec.Completeness)
	assert.True(t, rec.ReviewNeeded)
	assert.Equal(t, "capture:cap", rec.Key)
	assert.Equal(t, KeyUnresolved, rec.KeySource)
}

func TestCompletenessCountsOptionalFields(t *testing.T) {
	a := NewAssembler(catalog.Default(), 0.75)
	results := replace(allValid(t), UnparsedField("equipment_slot_1", ""))
	results = replace(results, FieldResult{RegionID: "equipment_slot_2", Value: Text("?"), Status: StatusRejected})

	rec := a.Assemble("cap", "", results)
	assert.InDelta(t, 6.0/8.0, rec.Completeness, 1e-9)
	assert.False(t, rec.ReviewNeeded, "optional gaps never force review")
}

func TestUnknownRegionResultsAreDropped(t *testing.T) {
	a := NewAssembler(catalog.Default(), 0.75)
	results := append(allValid(t), FieldResult{RegionID: "bogus", Value: Int(1), Status: StatusValid})

	rec := a.Assemble("cap", "", results)
	_, ok := rec.Field("bogus")
	assert.False(t, ok)
	assert.Contains(t, rec.Warnings(), "dropped result for unknown region bogus")
}

func TestRejectedNameFallsBackToCapture(t *testing.T) {
	a := NewAssembler(catalog.Default(), 0.75)
	results := replace(allValid(t), FieldResult{RegionID: "general_name", Value: Text("\x01"), Status: StatusRejected})

	rec := a.Assemble("cap-9", "", results)
	assert.Equal(t, "capture:cap-9", rec.Key)
	assert.True(t, rec.ReviewNeeded)
}

func TestIDRegionIsPreferred(t *testing.T) {
	regions := []catalog.Region{
		{ID: "gid", Rect: catalog.Rect{Width: 10, Height: 10}, Content: catalog.ContentDigits, Required: true, KeyRole: catalog.KeyID},
		{ID: "name", Rect: catalog.Rect{Width: 10, Height: 10}, Content: catalog.ContentText, Required: true, KeyRole: catalog.KeyName},
		{ID: "level", Rect: catalog.Rect{Width: 10, Height: 10}, Content: catalog.ContentDigits, Required: true, KeyRole: catalog.KeyLevel},
	}
	c, err := catalog.New(catalog.Resolution{Width: 100, Height: 100}, regions, nil)
	require.NoError(t, err)

	rec := NewAssembler(c, 0.5).Assemble("cap", "", []FieldResult{
		{RegionID: "gid", Value: Int(1042), Confidence: 0.9, Status: StatusValid},
		{RegionID: "name", Value: Text("Lu Bu"), Confidence: 0.9, Status: StatusValid},
		{RegionID: "level", Value: Int(30), Confidence: 0.9, Status: StatusValid},
	})
	assert.Equal(t, "id:1042", rec.Key)
	assert.Equal(t, KeyFromID, rec.KeySource)
	assert.NotContains(t, rec.Warnings(), warnComposite)
}

func TestCorrectProducesNewVersion(t *testing.T) {
	a := NewAssembler(catalog.Default(), 0.75)
	results := replace(allValid(t), FieldResult{RegionID: "attack_stat", Value: Int(9999), Confidence: 0, Status: StatusRejected, Raw: "9999"})
	orig := a.Assemble("cap", "v1", results)
	require.True(t, orig.ReviewNeeded)

	next, err := a.Correct(orig, []Correction{{RegionID: "attack_stat", Value: Int(999), Note: "checked in game"}})
	require.NoError(t, err)

	assert.Equal(t, 2, next.Version)
	assert.False(t, next.ReviewNeeded)
	f, _ := next.Field("attack_stat")
	assert.Equal(t, StatusValid, f.Status)
	assert.Equal(t, 1.0, f.Confidence)
	assert.Equal(t, "manual correction: checked in game", f.Note)
	assert.Equal(t, "9999", f.Raw)

	old, _ := orig.Field("attack_stat")
	assert.Equal(t, StatusRejected, old.Status, "original record is untouched")
	assert.Equal(t, 1, orig.Version)
}

func TestCorrectRejectsBadInput(t *testing.T) {
	a := NewAssembler(catalog.Default(), 0.75)
	rec := a.Assemble("cap", "", allValid(t))

	_, err := a.Correct(rec, nil)
	assert.Error(t, err)
	_, err = a.Correct(rec, []Correction{{RegionID: "nope", Value: Int(1)}})
	assert.Error(t, err)
	_, err = a.Correct(rec, []Correction{{RegionID: "attack_stat", Value: Text("many")}})
	assert.Error(t, err)
	_, err = a.Correct(rec, []Correction{{RegionID: "general_name", Value: Text("  ")}})
	assert.Error(t, err)
}

func TestCorrectingNameChangesKey(t *testing.T) {
	a := NewAssembler(catalog.Default(), 0.75)
	rec := a.Assemble("cap", "", allValid(t))

	next, err := a.Correct(rec, []Correction{{RegionID: "general_name", Value: Text("Lu Bu")}})
	require.NoError(t, err)
	assert.Equal(t, "lu bu#25", next.Key)
}

func TestRecordJSON(t *testing.T) {
	a := NewAssembler(catalog.Default(), 0.75)
	rec := a.Assemble("cap", "v1", replace(allValid(t), UnparsedField("skill_slot_1", "nothing there")))

	data, err := json.Marshal(rec)
	require.NoError(t, err)

	var raw map[string]interface{}
	require.NoError(t, json.Unmarshal(data, &raw))
	assert.Equal(t, "cao cao#25", raw["key"])
	assert.Equal(t, "COMPOSITE", raw["keySource"])
	fields := raw["fields"].([]interface{})
	require.Len(t, fields, catalog.Default().Len())
	first := fields[0].(map[string]interface{})
	assert.Equal(t, "general_name", first["regionId"])

	var back GeneralRecord
	require.NoError(t, json.Unmarshal(data, &back))
	assert.Equal(t, rec.Key, back.Key)
	assert.Equal(t, rec.Warnings(), back.Warnings())
	f, ok := back.Field("skill_slot_1")
	require.True(t, ok)
	assert.False(t, f.Value.Parsed())
	n, _ := mustField(t, back, "general_level").Value.Int()
	assert.Equal(t, int64(25), n)
}

func mustField(t *testing.T, rec GeneralRecord, id string) FieldResult {
	t.Helper()
	f, ok := rec.Field(id)
	require.True(t, ok)
	return f
}

func TestValueJSON(t *testing.T) {
	for _, v := range []Value{Unparsed(), Int(-7), Text("Lu Bu")} {
		data, err := json.Marshal(v)
		require.NoError(t, err)
		var back Value
		require.NoError(t, json.Unmarshal(data, &back))
		assert.Equal(t, v.Kind(), back.Kind())
		assert.Equal(t, v.String(), back.String())
	}
	assert.Equal(t, "", Value{}.String())
	assert.False(t, Value{}.Parsed())
}
