// Package sample implements the Data Hub's Data Sample: an immutable,
// timestamped value of one of five kinds (Trigger, Boolean, Numeric, String,
// JSON). Samples are produced by pushes and consumed by routes, overrides,
// defaults, and the snapshot engine.
//
// A Sample is a plain value type, not a pointer-chasing structure: creating
// one never mutates another. Restamping goes through WithTimestamp, which
// returns a copy and leaves the original unchanged.
package sample

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	derrors "datahub/pkg/errors"
)

const component = "sample"

// Type identifies the kind of value a Sample carries. The numeric values are
// part of the wire format (the snapshot engine's JSON "type" field) and must
// not be renumbered.
type Type uint32

const (
	Trigger Type = 0
	Boolean Type = 1
	Numeric Type = 2
	String  Type = 3
	JSON    Type = 4
)

func (t Type) String() string {
	switch t {
	case Trigger:
		return "trigger"
	case Boolean:
		return "boolean"
	case Numeric:
		return "numeric"
	case String:
		return "string"
	case JSON:
		return "json"
	default:
		return fmt.Sprintf("type(%d)", uint32(t))
	}
}

// Now is the sentinel timestamp meaning "stamp with the wall clock at
// creation". The value -1.0 is reserved for this purpose, so a real
// timestamp of exactly -1.0 cannot be passed to the Create* functions.
const Now = -1.0

// Sample is an immutable (timestamp, value) pair. The active field of Value
// is determined by Kind; reading the wrong field is a programmer error, not
// a runtime-checked one, matching the rest of the core's trust-the-caller
// discipline.
type Sample struct {
	Kind      Type
	Timestamp float64 // seconds since epoch, IEEE-754 double
	Bool      bool
	Num       float64
	Text      string // used for both String and JSON kinds
}

func stamp(ts float64) float64 {
	if ts == Now {
		return float64(time.Now().UnixNano()) / 1e9
	}
	return ts
}

// CreateTrigger builds a Trigger sample, which carries no value.
func CreateTrigger(ts float64) Sample {
	return Sample{Kind: Trigger, Timestamp: stamp(ts)}
}

// CreateBool builds a Boolean sample.
func CreateBool(ts float64, v bool) Sample {
	return Sample{Kind: Boolean, Timestamp: stamp(ts), Bool: v}
}

// CreateNum builds a Numeric sample.
func CreateNum(ts float64, v float64) Sample {
	return Sample{Kind: Numeric, Timestamp: stamp(ts), Num: v}
}

// CreateString builds a String sample.
func CreateString(ts float64, v string) Sample {
	return Sample{Kind: String, Timestamp: stamp(ts), Text: v}
}

// CreateJSON builds a JSON sample. The caller is trusted to have supplied
// syntactically valid JSON text; the sample does not parse it.
func CreateJSON(ts float64, v string) Sample {
	return Sample{Kind: JSON, Timestamp: stamp(ts), Text: v}
}

// GetTimestamp returns the sample's timestamp.
func (s Sample) GetTimestamp() float64 { return s.Timestamp }

// WithTimestamp returns a copy of s stamped with ts. This is the only
// sanctioned way to change a sample's timestamp; routing uses it to stamp
// override and default values.
func (s Sample) WithTimestamp(ts float64) Sample {
	s.Timestamp = stamp(ts)
	return s
}

// Equal reports whether two samples carry the same kind, timestamp, and
// value. The Observation changeBy filter does not use it; its non-numeric
// case goes through pkg/deduplication instead.
func (s Sample) Equal(o Sample) bool {
	if s.Kind != o.Kind || s.Timestamp != o.Timestamp {
		return false
	}
	switch s.Kind {
	case Trigger:
		return true
	case Boolean:
		return s.Bool == o.Bool
	case Numeric:
		return s.Num == o.Num
	case String, JSON:
		return s.Text == o.Text
	default:
		return false
	}
}

// Coerce attempts to reinterpret s as target, preserving s's timestamp. It
// implements the push pipeline's type-coercion step: numeric and string
// convert via textual form, boolean converts via "true"/"false" and 0/1,
// and a sample already of the target kind passes through unchanged. A
// Trigger only coerces to itself. JSON coerces only to String, by
// unescaping its text; coercion into JSON, or from JSON to any other kind,
// is not attempted here (that is extract_json's job, on a configured
// scalar path).
// The second return is false when no defined coercion applies, signaling
// the caller to drop the push.
func (s Sample) Coerce(target Type) (Sample, bool) {
	if s.Kind == target {
		return s, true
	}
	switch target {
	case Numeric:
		switch s.Kind {
		case String:
			v, err := strconv.ParseFloat(s.Text, 64)
			if err != nil {
				return Sample{}, false
			}
			return Sample{Kind: Numeric, Timestamp: s.Timestamp, Num: v}, true
		case Boolean:
			v, _ := s.AsFloat64()
			return Sample{Kind: Numeric, Timestamp: s.Timestamp, Num: v}, true
		}
	case String:
		switch s.Kind {
		case Numeric:
			return Sample{Kind: String, Timestamp: s.Timestamp, Text: strconv.FormatFloat(s.Num, 'g', -1, 64)}, true
		case Boolean:
			return Sample{Kind: String, Timestamp: s.Timestamp, Text: strconv.FormatBool(s.Bool)}, true
		case JSON:
			unescaped, err := UnescapeJSONString(s.Text)
			if err != nil {
				return Sample{}, false
			}
			return Sample{Kind: String, Timestamp: s.Timestamp, Text: unescaped}, true
		}
	case Boolean:
		switch s.Kind {
		case Numeric:
			return Sample{Kind: Boolean, Timestamp: s.Timestamp, Bool: s.Num != 0}, true
		case String:
			v, err := strconv.ParseBool(s.Text)
			if err != nil {
				return Sample{}, false
			}
			return Sample{Kind: Boolean, Timestamp: s.Timestamp, Bool: v}, true
		}
	}
	return Sample{}, false
}

// AsFloat64 returns a numeric view of the sample, used by the range and
// changeBy Observation filters. Boolean treats false/true as 0/1. Non-numeric
// kinds return (0, false).
func (s Sample) AsFloat64() (float64, bool) {
	switch s.Kind {
	case Numeric:
		return s.Num, true
	case Boolean:
		if s.Bool {
			return 1, true
		}
		return 0, true
	default:
		return 0, false
	}
}

// ExtractJSON applies a dotted/indexed path to a JSON sample's stored text
// (e.g. "meter.readings[2].value") and returns the scalar it finds as a new
// sample of the matching kind, stamped with s's original timestamp to
// preserve provenance. Only scalar leaves (bool, number, string) are
// extractable; a path that resolves to an object, array, or null, or that
// fails to parse, fails with FormatError.
func ExtractJSON(s Sample, path string) (Sample, error) {
	if s.Kind != JSON {
		return Sample{}, derrors.FormatError(component, "ExtractJSON", "source sample is not JSON-typed")
	}

	var root interface{}
	if err := json.Unmarshal([]byte(s.Text), &root); err != nil {
		return Sample{}, derrors.FormatError(component, "ExtractJSON", "malformed JSON: "+err.Error())
	}

	cur := root
	for _, segment := range splitJSONPath(path) {
		switch seg := segment.(type) {
		case string:
			obj, ok := cur.(map[string]interface{})
			if !ok {
				return Sample{}, derrors.FormatError(component, "ExtractJSON", "path segment %q is not an object"+seg)
			}
			v, present := obj[seg]
			if !present {
				return Sample{}, derrors.FormatError(component, "ExtractJSON", "no such field: "+seg)
			}
			cur = v
		case int:
			arr, ok := cur.([]interface{})
			if !ok || seg < 0 || seg >= len(arr) {
				return Sample{}, derrors.FormatError(component, "ExtractJSON", "path index out of range")
			}
			cur = arr[seg]
		}
	}

	switch v := cur.(type) {
	case bool:
		return Sample{Kind: Boolean, Timestamp: s.Timestamp, Bool: v}, nil
	case float64:
		return Sample{Kind: Numeric, Timestamp: s.Timestamp, Num: v}, nil
	case string:
		return Sample{Kind: String, Timestamp: s.Timestamp, Text: v}, nil
	default:
		return Sample{}, derrors.FormatError(component, "ExtractJSON", "path does not resolve to a scalar")
	}
}

// splitJSONPath tokenizes a dotted/indexed path like "a.b[2].c" into a
// sequence of string (field name) and int (array index) segments.
func splitJSONPath(path string) []interface{} {
	var segments []interface{}
	for _, part := range strings.Split(path, ".") {
		for part != "" {
			open := strings.IndexByte(part, '[')
			if open == -1 {
				segments = append(segments, part)
				part = ""
				continue
			}
			if open > 0 {
				segments = append(segments, part[:open])
			}
			close := strings.IndexByte(part[open:], ']')
			if close == -1 {
				segments = append(segments, part[open+1:])
				part = ""
				continue
			}
			if idx, err := strconv.Atoi(part[open+1 : open+close]); err == nil {
				segments = append(segments, idx)
			}
			part = part[open+close+1:]
		}
	}
	return segments
}

// ConvertToString renders s as a printable, non-JSON form: the declared
// type is accepted for contract symmetry with convert_to_json but is not
// itself consulted — the sample's own Kind governs formatting, matching
// the teacher's trust-the-caller discipline of not re-deriving what the
// caller already asserted.
func ConvertToString(s Sample, declaredType Type) (string, error) {
	switch s.Kind {
	case Trigger:
		return "", nil
	case Boolean:
		return strconv.FormatBool(s.Bool), nil
	case Numeric:
		return strconv.FormatFloat(s.Num, 'g', -1, 64), nil
	case String:
		return s.Text, nil
	case JSON:
		return UnescapeJSONString(s.Text)
	default:
		return "", derrors.BadParameter(component, "ConvertToString", "unknown sample kind")
	}
}

// ConvertToJSON renders s as a JSON value: bare literals for Trigger
// (null), Boolean, and Numeric; a double-quoted escaped string for String
// (per the escape rules below); and the stored raw text, verbatim, for an
// already-JSON sample (the caller is trusted to have stored valid JSON).
func ConvertToJSON(s Sample, declaredType Type) (string, error) {
	switch s.Kind {
	case Trigger:
		return "null", nil
	case Boolean:
		return strconv.FormatBool(s.Bool), nil
	case Numeric:
		return strconv.FormatFloat(s.Num, 'g', -1, 64), nil
	case String:
		return escapeJSONString(s.Text), nil
	case JSON:
		return s.Text, nil
	default:
		return "", derrors.BadParameter(component, "ConvertToJSON", "unknown sample kind")
	}
}

// escapeJSONString wraps v in double quotes, escaping '"', '\', and every
// byte <= U+001F: the five control short forms (\b \f \n \r \t) get their
// canonical two-character escape, any other control byte gets a \u00XX hex escape.
func escapeJSONString(v string) string {
	var b strings.Builder
	b.WriteByte('"')
	for i := 0; i < len(v); i++ {
		c := v[i]
		switch c {
		case '"':
			b.WriteString(`\"`)
		case '\\':
			b.WriteString(`\\`)
		case '\b':
			b.WriteString(`\b`)
		case '\f':
			b.WriteString(`\f`)
		case '\n':
			b.WriteString(`\n`)
		case '\r':
			b.WriteString(`\r`)
		case '\t':
			b.WriteString(`\t`)
		default:
			if c <= 0x1F {
				fmt.Fprintf(&b, `\u%04x`, c)
			} else {
				b.WriteByte(c)
			}
		}
	}
	b.WriteByte('"')
	return b.String()
}

// UnescapeJSONString strips v's outer quotes (if present) and unescapes
// \X pairs byte-for-byte: the five control short forms map back to their control
// byte, any other \X drops the backslash and keeps X. This is the lossy
// reverse transformation spec'd for json-to-string conversion: \uXXXX
// sequences are left untouched rather than decoded, a known limitation
// rather than a re-guessed one.
func UnescapeJSONString(v string) (string, error) {
	if len(v) >= 2 && v[0] == '"' && v[len(v)-1] == '"' {
		v = v[1 : len(v)-1]
	}
	var b strings.Builder
	for i := 0; i < len(v); i++ {
		c := v[i]
		if c != '\\' || i+1 >= len(v) {
			b.WriteByte(c)
			continue
		}
		i++
		switch v[i] {
		case 'b':
			b.WriteByte('\b')
		case 'f':
			b.WriteByte('\f')
		case 'n':
			b.WriteByte('\n')
		case 'r':
			b.WriteByte('\r')
		case 't':
			b.WriteByte('\t')
		case '"':
			b.WriteByte('"')
		case '\\':
			b.WriteByte('\\')
		default:
			b.WriteByte(v[i])
		}
	}
	return b.String(), nil
}
