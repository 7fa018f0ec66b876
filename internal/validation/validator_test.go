package validation

import (
	"strings"
	"testing"

	"github.com/adverant/nexus/generals-worker/internal/catalog"
	"github.com/adverant/nexus/generals-worker/internal/record"
	"github.com/adverant/nexus/generals-worker/internal/reference"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func dataset(t *testing.T) *reference.Dataset {
	t.Helper()
	d, err := reference.NewDataset("test",
		map[string][]string{
			"general_name": {"Cao Cao", "Lu Bu"},
			"skill":        {"Swordmaster"},
		},
		map[string]reference.Range{"level": {Min: 1, Max: 45}},
	)
	require.NoError(t, err)
	return d
}

func field(v record.Value, conf float64) record.FieldResult {
	return record.FieldResult{RegionID: "r", Value: v, Confidence: conf, Status: record.StatusPending}
}

var (
	levelRegion = catalog.Region{ID: "general_level", Category: "level", Content: catalog.ContentDigits}
	statRegion  = catalog.Region{ID: "attack_stat", Category: "stat", Content: catalog.ContentDigits}
	nameRegion  = catalog.Region{ID: "general_name", Category: "general_name", Content: catalog.ContentText}
	equipRegion = catalog.Region{ID: "equipment_slot_1", Category: "equipment", Content: catalog.ContentText}
	skillRegion = catalog.Region{ID: "skill_slot_1", Category: "skill", Content: catalog.ContentEnum}
)

func TestOutOfRangeIsRejected(t *testing.T) {
	v := New(dataset(t), 0.9)
	res := v.Validate(field(record.Int(-5), 0.8), levelRegion)

	assert.Equal(t, record.StatusRejected, res.Status)
	assert.Equal(t, 0.0, res.Confidence)
	n, _ := res.Value.Int()
	assert.Equal(t, int64(-5), n, "value is kept, never replaced")
	assert.Contains(t, res.Note, "outside range")
}

func TestInRangeIsRaisedToFloor(t *testing.T) {
	v := New(dataset(t), 0.9)

	low := v.Validate(field(record.Int(25), 0.5), levelRegion)
	assert.Equal(t, record.StatusValid, low.Status)
	assert.Equal(t, 0.9, low.Confidence)

	high := v.Validate(field(record.Int(25), 0.97), levelRegion)
	assert.Equal(t, 0.97, high.Confidence)
}

func TestNumberWithoutRange(t *testing.T) {
	v := New(dataset(t), 0.9)

	ok := v.Validate(field(record.Int(12500), 0.7), statRegion)
	assert.Equal(t, record.StatusUnknown, ok.Status)
	assert.Equal(t, 0.7, ok.Confidence)

	neg := v.Validate(field(record.Int(-1), 0.7), statRegion)
	assert.Equal(t, record.StatusRejected, neg.Status)
	assert.Equal(t, 0.0, neg.Confidence)

	huge := v.Validate(field(record.Int(5_000_000_000), 0.7), statRegion)
	assert.Equal(t, record.StatusRejected, huge.Status)
}

func TestTextMatchIsCaseInsensitive(t *testing.T) {
	v := New(dataset(t), 0.9)
	res := v.Validate(field(record.Text("lu bu"), 0.6), nameRegion)

	assert.Equal(t, record.StatusValid, res.Status)
	assert.Equal(t, 0.9, res.Confidence)
	s, _ := res.Value.Text()
	assert.Equal(t, "lu bu", s)
}

func TestTextNotInSetIsUnknown(t *testing.T) {
	v := New(dataset(t), 0.9)

	res := v.Validate(field(record.Text("Zhang Fei"), 0.6), nameRegion)
	assert.Equal(t, record.StatusUnknown, res.Status)
	assert.Equal(t, 0.6, res.Confidence)
	assert.Equal(t, "not in reference set", res.Note)

	noSet := v.Validate(field(record.Text("Iron Sword"), 0.6), equipRegion)
	assert.Equal(t, record.StatusUnknown, noSet.Status)
	assert.Equal(t, "no reference set", noSet.Note)
}

func TestImplausibleTextIsRejected(t *testing.T) {
	v := New(dataset(t), 0.9)

	long := v.Validate(field(record.Text(strings.Repeat("x", 80)), 0.6), nameRegion)
	assert.Equal(t, record.StatusRejected, long.Status)

	ctrl := v.Validate(field(record.Text("Lu\x00Bu"), 0.6), nameRegion)
	assert.Equal(t, record.StatusRejected, ctrl.Status)
	assert.Equal(t, 0.0, ctrl.Confidence)
}

func TestEnumScenarioEndsValid(t *testing.T) {
	v := New(dataset(t), 0.9)
	res := v.Validate(field(record.Text("Swordmaster"), 0.9), skillRegion)
	assert.Equal(t, record.StatusValid, res.Status)
}

func TestUnparsedFieldIsUnknown(t *testing.T) {
	v := New(dataset(t), 0.9)
	res := v.Validate(record.UnparsedField("general_level", ""), levelRegion)

	assert.Equal(t, record.StatusUnknown, res.Status)
	assert.Equal(t, 0.0, res.Confidence)
	assert.Equal(t, "no value could be read", res.Note)
	assert.False(t, res.Value.Parsed())
}

func TestOnlyExactMatchRaisesConfidence(t *testing.T) {
	v := New(dataset(t), 0.9)
	inputs := []struct {
		f      record.FieldResult
		region catalog.Region
	}{
		{field(record.Int(99), 0.4), levelRegion},
		{field(record.Int(10), 0.4), statRegion},
		{field(record.Text("Nobody"), 0.4), nameRegion},
		{field(record.Text("Helmet"), 0.4), equipRegion},
	}
	for _, in := range inputs {
		res := v.Validate(in.f, in.region)
		assert.NotEqual(t, record.StatusValid, res.Status)
		assert.LessOrEqual(t, res.Confidence, in.f.Confidence)
	}
}

func TestDefaultFloor(t *testing.T) {
	v := New(dataset(t), 0)
	res := v.Validate(field(record.Int(3), 0.1), levelRegion)
	assert.Equal(t, DefaultMatchFloor, res.Confidence)
}
