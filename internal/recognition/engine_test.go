package recognition

import (
	"context"
	"fmt"
	"image"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/adverant/nexus/generals-worker/internal/catalog"
	"github.com/adverant/nexus/generals-worker/internal/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeBackend struct {
	name      string
	languages map[string]bool
	cands     []Candidate
	err       error
	delay     time.Duration
	calls     atomic.Int32
}

func (f *fakeBackend) Name() string { return f.name }

func (f *fakeBackend) Supports(lang string) bool {
	if f.languages == nil {
		return true
	}
	return f.languages[lang]
}

func (f *fakeBackend) Recognize(ctx context.Context, _ image.Image, _ Request) ([]Candidate, error) {
	f.calls.Add(1)
	if f.delay > 0 {
		time.Sleep(f.delay)
	}
	return f.cands, f.err
}

var blank = image.NewGray(image.Rect(0, 0, 4, 4))

func TestRecognizeOrdersByConfidence(t *testing.T) {
	b := &fakeBackend{name: "t1", cands: []Candidate{
		{Text: "Sword Master", Confidence: 0.55},
		{Text: "Swordmaster", Confidence: 0.92},
		{Text: "  ", Confidence: 0.99},
		{Text: "Swordmaster", Confidence: 0.40},
		{Text: "Sw0rdmaster", Confidence: 1.7},
	}}
	e := NewEngine(b)

	cands, err := e.Recognize(context.Background(), blank, catalog.ContentEnum, "en")
	require.NoError(t, err)
	require.Len(t, cands, 3)
	assert.Equal(t, "Sw0rdmaster", cands[0].Text)
	assert.Equal(t, 1.0, cands[0].Confidence)
	assert.Equal(t, "Swordmaster", cands[1].Text)
	assert.Equal(t, 0.92, cands[1].Confidence)
	assert.Equal(t, "Sword Master", cands[2].Text)
	for _, c := range cands {
		assert.Equal(t, catalog.ContentEnum, c.Content)
	}
}

func TestRecognizeCapsCandidates(t *testing.T) {
	var many []Candidate
	for i := 0; i < 10; i++ {
		many = append(many, Candidate{Text: fmt.Sprintf("v%d", i), Confidence: float64(i) / 10})
	}
	e := NewEngine(&fakeBackend{name: "t1", cands: many}, WithMaxCandidates(3))

	cands, err := e.Recognize(context.Background(), blank, catalog.ContentText, "en")
	require.NoError(t, err)
	require.Len(t, cands, 3)
	assert.Equal(t, "v9", cands[0].Text)
}

func TestRecognizeUnsupportedLanguage(t *testing.T) {
	b := &fakeBackend{name: "t1", languages: map[string]bool{"en": true}}
	e := NewEngine(b)

	_, err := e.Recognize(context.Background(), blank, catalog.ContentText, "xx")
	require.Error(t, err)
	assert.True(t, errors.IsRecognitionUnavailable(err))
	assert.Equal(t, int32(0), b.calls.Load())
}

func TestRecognizeDefaultsLanguage(t *testing.T) {
	b := &fakeBackend{name: "t1", languages: map[string]bool{"de": true}, cands: []Candidate{{Text: "Angriff", Confidence: 0.9}}}
	e := NewEngine(b, WithDefaultLanguage("de"))

	cands, err := e.Recognize(context.Background(), blank, catalog.ContentText, "")
	require.NoError(t, err)
	assert.Len(t, cands, 1)
}

func TestRecognizeTimeoutYieldsEmpty(t *testing.T) {
	b := &fakeBackend{name: "slow", delay: 200 * time.Millisecond, cands: []Candidate{{Text: "late", Confidence: 0.9}}}
	e := NewEngine(b, WithAttemptTimeout(20*time.Millisecond))

	start := time.Now()
	cands, err := e.Recognize(context.Background(), blank, catalog.ContentDigits, "en")
	require.NoError(t, err)
	assert.Empty(t, cands)
	assert.Less(t, time.Since(start), 150*time.Millisecond)
}

func TestRecognizeParentCancellation(t *testing.T) {
	b := &fakeBackend{name: "slow", delay: 200 * time.Millisecond}
	e := NewEngine(b, WithAttemptTimeout(time.Second))

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(20*time.Millisecond, cancel)

	_, err := e.Recognize(ctx, blank, catalog.ContentText, "en")
	assert.ErrorIs(t, err, context.Canceled)
}

func TestRecognizeBackendErrorPropagates(t *testing.T) {
	boom := fmt.Errorf("segfault in native code")
	e := NewEngine(&fakeBackend{name: "t1", err: boom})

	_, err := e.Recognize(context.Background(), blank, catalog.ContentText, "en")
	assert.ErrorIs(t, err, boom)
}

func TestCascadeEscalatesWeakReadings(t *testing.T) {
	primary := &fakeBackend{name: "t1", cands: []Candidate{{Text: "5wordmaster", Confidence: 0.3}}}
	secondary := &fakeBackend{name: "t2", cands: []Candidate{{Text: "Swordmaster", Confidence: 0.8}}}
	e := NewEngine(primary, WithSecondary(secondary, 0.6))

	cands, err := e.Recognize(context.Background(), blank, catalog.ContentEnum, "en")
	require.NoError(t, err)
	require.Len(t, cands, 2)
	assert.Equal(t, "Swordmaster", cands[0].Text)
	assert.Equal(t, int32(1), secondary.calls.Load())
}

func TestCascadeSkipsConfidentReadings(t *testing.T) {
	primary := &fakeBackend{name: "t1", cands: []Candidate{{Text: "42", Confidence: 0.95}}}
	secondary := &fakeBackend{name: "t2"}
	e := NewEngine(primary, WithSecondary(secondary, 0.6))

	_, err := e.Recognize(context.Background(), blank, catalog.ContentDigits, "en")
	require.NoError(t, err)
	assert.Equal(t, int32(0), secondary.calls.Load())
}

func TestCascadeKeepsPrimaryWhenSecondaryFails(t *testing.T) {
	primary := &fakeBackend{name: "t1", cands: []Candidate{{Text: "42", Confidence: 0.3}}}
	secondary := &fakeBackend{name: "t2", err: fmt.Errorf("quota exceeded")}
	e := NewEngine(primary, WithSecondary(secondary, 0.6))

	cands, err := e.Recognize(context.Background(), blank, catalog.ContentDigits, "en")
	require.NoError(t, err)
	require.Len(t, cands, 1)
	assert.Equal(t, "42", cands[0].Text)
}

func TestObserverSeesAttempts(t *testing.T) {
	var tiers []string
	e := NewEngine(&fakeBackend{name: "t1", cands: []Candidate{{Text: "1", Confidence: 1}}},
		WithObserver(func(tier string, _ time.Duration) { tiers = append(tiers, tier) }))

	_, err := e.Recognize(context.Background(), blank, catalog.ContentDigits, "en")
	require.NoError(t, err)
	assert.Equal(t, []string{"t1"}, tiers)
}

func TestBest(t *testing.T) {
	assert.Equal(t, 0.0, Best(nil))
	assert.Equal(t, 0.7, Best([]Candidate{{Confidence: 0.2}, {Confidence: 0.7}}))
}

func TestDigitsWhitelistForAddsLabelLetters(t *testing.T) {
	assert.Equal(t, DigitsWhitelist, DigitsWhitelistFor(nil))

	wl := DigitsWhitelistFor([]string{"Level", "Lv.", "Stars"})
	for _, r := range "LevtarS" {
		assert.Contains(t, wl, string(r))
	}
	assert.Equal(t, 1, strings.Count(wl, "L"))
	assert.Equal(t, DigitsWhitelistFor([]string{"Lv."}), DigitsWhitelistFor([]string{"Lv.", "Lv"}))
}
