/**
 * Field Parser
 *
 * Turns ranked recognition candidates into a typed field value. Parsing
 * never fails: anything that cannot be read becomes the unparsed sentinel
 * with zero confidence and a note. Confidence only ever goes down here.
 */

package fields

import (
	"fmt"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/adverant/nexus/generals-worker/internal/catalog"
	"github.com/adverant/nexus/generals-worker/internal/confidence"
	"github.com/adverant/nexus/generals-worker/internal/recognition"
	"github.com/adverant/nexus/generals-worker/internal/record"
	"github.com/agnivade/levenshtein"
)

const (
	// Per corrected glyph in a numeric reading.
	substitutionPenalty = 0.05
	// Weight of top-two disagreement for text fields.
	disagreementWeight = 0.5
	// Enum matches further than this normalized distance are rejected.
	maxEnumDistance = 0.34
	// Discount for resolving an abbreviation by unique prefix.
	abbreviationPenalty = 0.25
	minAbbreviation     = 3
	// Larger readings cannot be a stat on any screen.
	maxDigits = 15
)

// Options carries the region context a parse needs.
type Options struct {
	RegionID string
	// Chrome lists UI labels to trim, longest first.
	Chrome []string
	// Values is the vocabulary for ENUM regions.
	Values []string
}

// Parser converts candidates to field results.
type Parser struct{}

// New creates a parser.
func New() *Parser {
	return &Parser{}
}

// Parse reads cands as content. The returned field has StatusPending.
func (p *Parser) Parse(cands []recognition.Candidate, content catalog.ContentType, opts Options) (result record.FieldResult) {
	defer func() {
		if r := recover(); r != nil {
			result = record.UnparsedField(opts.RegionID, fmt.Sprintf("parser fault: %v", r))
		}
	}()

	if len(cands) == 0 {
		return record.UnparsedField(opts.RegionID, "no recognition candidates")
	}

	switch content {
	case catalog.ContentDigits:
		result = parseDigits(cands, opts)
	case catalog.ContentEnum:
		result = parseEnum(cands, opts)
	default:
		result = parseText(cands, opts)
	}
	result.RegionID = opts.RegionID
	result.Status = record.StatusPending
	result.Raw = cands[0].Text
	return result
}

func parseDigits(cands []recognition.Candidate, opts Options) record.FieldResult {
	for _, c := range cands {
		s := TrimChrome(c.Text, opts.Chrome)
		n, corrections, ok := ParseInteger(s)
		if !ok {
			continue
		}
		res := record.FieldResult{
			Value:      record.Int(n),
			Confidence: confidence.Discount(c.Confidence, substitutionPenalty*float64(corrections)),
		}
		if corrections > 0 {
			res.Note = fmt.Sprintf("corrected %d confusable glyph(s)", corrections)
		}
		return res
	}
	return record.UnparsedField(opts.RegionID, "no digits recognised")
}

func parseText(cands []recognition.Candidate, opts Options) record.FieldResult {
	top := NormalizeText(TrimChrome(cands[0].Text, opts.Chrome))
	if top == "" {
		return record.UnparsedField(opts.RegionID, "only interface labels recognised")
	}

	conf := confidence.Clamp(cands[0].Confidence)
	if len(cands) > 1 {
		second := NormalizeText(TrimChrome(cands[1].Text, opts.Chrome))
		if second != "" && second != top {
			conf = confidence.Discount(conf, disagreementWeight*normalizedDistance(top, second))
		}
	}
	return record.FieldResult{Value: record.Text(top), Confidence: conf}
}

func parseEnum(cands []recognition.Candidate, opts Options) record.FieldResult {
	if len(opts.Values) == 0 {
		return record.UnparsedField(opts.RegionID, "no reference values for region")
	}

	bestDist := 2.0
	var bestValue string
	var bestConf float64
	for _, c := range cands {
		t := strings.ToLower(NormalizeText(TrimChrome(c.Text, opts.Chrome)))
		if t == "" {
			continue
		}
		for _, v := range opts.Values {
			d := normalizedDistance(t, strings.ToLower(v))
			if d < bestDist {
				bestDist, bestValue, bestConf = d, v, c.Confidence
			}
		}
	}

	if bestValue != "" && bestDist <= maxEnumDistance {
		res := record.FieldResult{
			Value:      record.Text(bestValue),
			Confidence: confidence.Discount(bestConf, bestDist),
		}
		if bestDist > 0 {
			res.Note = fmt.Sprintf("closest reference value at distance %.2f", bestDist)
		}
		return res
	}

	for _, c := range cands {
		t := strings.ToLower(NormalizeText(TrimChrome(c.Text, opts.Chrome)))
		if utf8.RuneCountInString(t) < minAbbreviation {
			continue
		}
		var match string
		count := 0
		for _, v := range opts.Values {
			if strings.HasPrefix(strings.ToLower(v), t) {
				match = v
				count++
			}
		}
		if count == 1 {
			return record.FieldResult{
				Value:      record.Text(match),
				Confidence: confidence.Discount(c.Confidence, abbreviationPenalty),
				Note:       "expanded abbreviation",
			}
		}
	}

	return record.UnparsedField(opts.RegionID, "no reference value within distance")
}

// normalizedDistance is the rune edit distance divided by the longer length.
func normalizedDistance(a, b string) float64 {
	la, lb := utf8.RuneCountInString(a), utf8.RuneCountInString(b)
	longer := la
	if lb > longer {
		longer = lb
	}
	if longer == 0 {
		return 0
	}
	return float64(levenshtein.ComputeDistance(a, b)) / float64(longer)
}

// TrimChrome removes interface labels from either end of s, repeatedly and
// case-insensitively. A string that is exactly a label becomes empty.
func TrimChrome(s string, chrome []string) string {
	s = strings.TrimSpace(s)
	for changed := true; changed && s != ""; {
		changed = false
		for _, label := range chrome {
			if label == "" {
				continue
			}
			if strings.EqualFold(s, label) {
				return ""
			}
			if len(s) > len(label) && strings.EqualFold(s[:len(label)], label) && utf8.ValidString(s[len(label):]) {
				s = strings.TrimSpace(s[len(label):])
				changed = true
			}
			if len(s) > len(label) && strings.EqualFold(s[len(s)-len(label):], label) && utf8.ValidString(s[:len(s)-len(label)]) {
				s = strings.TrimSpace(s[:len(s)-len(label)])
				changed = true
			}
		}
	}
	return s
}

// NormalizeText collapses whitespace and strips separator punctuation from
// the ends.
func NormalizeText(s string) string {
	s = strings.Join(strings.Fields(s), " ")
	return strings.TrimFunc(s, func(r rune) bool {
		return unicode.IsSpace(r) || strings.ContainsRune(":;|_", r)
	})
}

// confusions maps glyphs OCR mistakes for digits.
var confusions = map[rune]rune{
	'O': '0', 'o': '0', 'Q': '0', 'D': '0',
	'I': '1', 'l': '1', '|': '1', 'i': '1', '!': '1',
	'Z': '2', 'z': '2',
	'S': '5', 's': '5', '$': '5',
	'G': '6', 'b': '6',
	'T': '7',
	'B': '8',
	'g': '9', 'q': '9',
}

// ParseInteger reads an integer from an OCR token. It applies the confusion
// table inside tokens that contain at least one real digit (or consist only of
// confusable glyphs), honours a leading minus sign, expands K/M/B suffixes, and
// drops everything else. corrections counts mapped glyphs.
func ParseInteger(s string) (n int64, corrections int, ok bool) {
	tokens := strings.Fields(s)
	var digits, frac strings.Builder
	negative := false
	multiplier := int64(1)
	decimalSeen := false

	for ti, tok := range tokens {
		if ti == len(tokens)-1 || len(tokens) == 1 {
			if m, rest := splitSuffix(tok); m > 1 {
				multiplier, tok = m, rest
			}
		}
		if multiplier == 1 {
			tok = dropLabelPrefix(tok)
		}
		if !usableToken(tok, len(tokens) == 1) {
			continue
		}
		for i, r := range tok {
			switch {
			case r >= '0' && r <= '9':
				writeDigit(&digits, &frac, decimalSeen, r)
			case (r == '-' || r == '−') && i == 0 && digits.Len() == 0:
				negative = true
			case (r == '.' || r == ',') && multiplier > 1 && !decimalSeen && isLastSeparator(tok[i+1:]):
				decimalSeen = true
			default:
				if mapped, ok := confusions[r]; ok {
					writeDigit(&digits, &frac, decimalSeen, mapped)
					corrections++
				}
			}
		}
	}

	if digits.Len() == 0 && frac.Len() == 0 {
		return 0, corrections, false
	}
	if digits.Len()+frac.Len() > maxDigits || (multiplier > 1 && digits.Len() > maxDigits-6) {
		return 0, corrections, false
	}

	for _, r := range digits.String() {
		n = n*10 + int64(r-'0')
	}
	n *= multiplier
	if f := frac.String(); f != "" {
		scale := multiplier
		for _, r := range f {
			scale /= 10
			if scale == 0 {
				break
			}
			n += int64(r-'0') * scale
		}
	}
	if negative {
		n = -n
	}
	return n, corrections, true
}

func writeDigit(digits, frac *strings.Builder, decimal bool, r rune) {
	if decimal {
		frac.WriteRune(r)
	} else {
		digits.WriteRune(r)
	}
}

// splitSuffix detects a trailing K, M or B magnitude marker after a digit.
// A lowercase b stays a confusable 6.
func splitSuffix(tok string) (int64, string) {
	trimmed := strings.TrimRight(tok, ".")
	if len(trimmed) < 2 {
		return 1, tok
	}
	last := trimmed[len(trimmed)-1]
	prev := rune(trimmed[len(trimmed)-2])
	if !unicode.IsDigit(prev) {
		return 1, tok
	}
	switch last {
	case 'K', 'k':
		return 1_000, trimmed[:len(trimmed)-1]
	case 'M', 'm':
		return 1_000_000, trimmed[:len(trimmed)-1]
	case 'B':
		return 1_000_000_000, trimmed[:len(trimmed)-1]
	}
	return 1, tok
}

// dropLabelPrefix removes a run of letters closed by '.' or ':' when a digit
// follows, as in "I.25" read from a clipped "Lv.25". A '.' followed by exactly
// three digits is a thousands group and stays.
func dropLabelPrefix(tok string) string {
	for i, r := range tok {
		if r != '.' && r != ':' {
			if !unicode.IsLetter(r) {
				return tok
			}
			continue
		}
		rest := tok[i+1:]
		if i == 0 || rest == "" || rest[0] < '0' || rest[0] > '9' {
			return tok
		}
		if r == '.' && isThousandsGroup(rest) {
			return tok
		}
		return rest
	}
	return tok
}

func isThousandsGroup(s string) bool {
	n := 0
	for n < len(s) && s[n] >= '0' && s[n] <= '9' {
		n++
	}
	return n == 3 && (n == len(s) || s[n] == '.' || s[n] == ',')
}

// usableToken reports whether a token should contribute digits.
func usableToken(tok string, only bool) bool {
	allConfusable := true
	for _, r := range tok {
		if r >= '0' && r <= '9' {
			return true
		}
		if _, ok := confusions[r]; !ok && !strings.ContainsRune("-−.,'", r) {
			allConfusable = false
		}
	}
	return only && allConfusable
}

func isLastSeparator(rest string) bool {
	return !strings.ContainsAny(rest, ".,")
}
