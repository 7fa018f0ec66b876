package record

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
)

// Status is the validation outcome of a field.
type Status string

const (
	// StatusPending marks a field that has been parsed but not validated.
	StatusPending  Status = "PENDING"
	StatusValid    Status = "VALID"
	StatusUnknown  Status = "UNKNOWN"
	StatusRejected Status = "REJECTED"
)

// Kind distinguishes the shapes a field value can take.
type Kind string

const (
	KindUnparsed Kind = "UNPARSED"
	KindInt      Kind = "INT"
	KindText     Kind = "TEXT"
)

// Value is a typed field value or the unparsed sentinel.
type Value struct {
	kind Kind
	num  int64
	text string
}

// Unparsed is the sentinel for "nothing could be read".
func Unparsed() Value { return Value{kind: KindUnparsed} }

// Int wraps an integer value.
func Int(n int64) Value { return Value{kind: KindInt, num: n} }

// Text wraps a string value.
func Text(s string) Value { return Value{kind: KindText, text: s} }

// Kind returns the value kind. The zero Value is unparsed.
func (v Value) Kind() Kind {
	if v.kind == "" {
		return KindUnparsed
	}
	return v.kind
}

// Parsed reports whether v holds a value.
func (v Value) Parsed() bool { return v.Kind() != KindUnparsed }

// Int returns the integer and whether v is an integer.
func (v Value) Int() (int64, bool) { return v.num, v.kind == KindInt }

// Text returns the string and whether v is text.
func (v Value) Text() (string, bool) { return v.text, v.kind == KindText }

// String renders the value for display and sheet rows. Unparsed is "".
func (v Value) String() string {
	switch v.Kind() {
	case KindInt:
		return strconv.FormatInt(v.num, 10)
	case KindText:
		return v.text
	default:
		return ""
	}
}

// MarshalJSON encodes ints as numbers, text as strings and unparsed as null.
func (v Value) MarshalJSON() ([]byte, error) {
	switch v.Kind() {
	case KindInt:
		return []byte(strconv.FormatInt(v.num, 10)), nil
	case KindText:
		return json.Marshal(v.text)
	default:
		return []byte("null"), nil
	}
}

// UnmarshalJSON accepts the shapes MarshalJSON produces.
func (v *Value) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	switch {
	case bytes.Equal(data, []byte("null")):
		*v = Unparsed()
	case len(data) > 0 && data[0] == '"':
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*v = Text(s)
	default:
		n, err := strconv.ParseInt(string(data), 10, 64)
		if err != nil {
			return fmt.Errorf("field value %s is neither string, integer nor null", data)
		}
		*v = Int(n)
	}
	return nil
}

// FieldResult is the outcome of reading one region.
type FieldResult struct {
	RegionID   string  `json:"regionId"`
	Value      Value   `json:"value"`
	Confidence float64 `json:"confidence"`
	Status     Status  `json:"status"`
	Note       string  `json:"note,omitempty"`
	// Raw is the top recognition candidate before parsing.
	Raw string `json:"raw,omitempty"`
}

// UnparsedField builds a zero-confidence field with a note.
func UnparsedField(regionID, note string) FieldResult {
	return FieldResult{
		RegionID:   regionID,
		Value:      Unparsed(),
		Confidence: 0,
		Status:     StatusPending,
		Note:       note,
	}
}
