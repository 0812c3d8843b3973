package idkey

import (
	"bytes"
	"fmt"
	"math"
	"sort"
	"strconv"
	"time"

	"golang.org/x/text/unicode/norm"
)

// Canonicalize produces a deterministic byte sequence for any structured
// value, used as the SHA-256 input for request fingerprints (spec §4.1).
//
// Styled on the RFC 8785 canonical-JSON encoder in
// brutalist/internal/ir/canonical.go (sorted object keys by code-point
// order, NFC-normalized strings, HTML escaping disabled), with one
// deliberate divergence: that encoder forbids JSON null outright, while
// spec §4.1 requires null to serialize as the literal `null` — only
// entirely absent keys are omitted. See DESIGN.md for the rationale.
func Canonicalize(v any) ([]byte, error) {
	var buf bytes.Buffer
	if err := encode(&buf, v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func encode(buf *bytes.Buffer, v any) error {
	switch val := v.(type) {
	case nil:
		buf.WriteString("null")
		return nil
	case bool:
		if val {
			buf.WriteString("true")
		} else {
			buf.WriteString("false")
		}
		return nil
	case string:
		return encodeString(buf, val)
	case time.Time:
		return encodeString(buf, val.UTC().Format(time.RFC3339Nano))
	case int:
		buf.WriteString(strconv.FormatInt(int64(val), 10))
		return nil
	case int64:
		buf.WriteString(strconv.FormatInt(val, 10))
		return nil
	case float64:
		return encodeFloat(buf, val)
	case []any:
		return encodeArray(buf, val)
	case map[string]any:
		return encodeObject(buf, val)
	default:
		return fmt.Errorf("canonicalize: unsupported type %T", v)
	}
}

// encodeFloat renders the shortest round-trip decimal for f, matching
// spec §4.1 ("numbers as shortest round-trip decimal"). Whole-valued
// floats that fit losslessly in an integer are rendered without a decimal
// point, since most callers' numbers originate as JSON numbers decoded
// into float64 and a trailing ".0" would not match what a JSON-native
// caller expects to hash.
func encodeFloat(buf *bytes.Buffer, f float64) error {
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return fmt.Errorf("canonicalize: non-finite number %v is not representable in JSON", f)
	}
	if f == math.Trunc(f) && math.Abs(f) < 1e15 {
		buf.WriteString(strconv.FormatFloat(f, 'f', -1, 64))
		return nil
	}
	buf.WriteString(strconv.FormatFloat(f, 'g', -1, 64))
	return nil
}

func encodeArray(buf *bytes.Buffer, arr []any) error {
	buf.WriteByte('[')
	for i, elem := range arr {
		if i > 0 {
			buf.WriteByte(',')
		}
		if err := encode(buf, elem); err != nil {
			return fmt.Errorf("[%d]: %w", i, err)
		}
	}
	buf.WriteByte(']')
	return nil
}

// encodeObject sorts keys in code-point order before emission (spec §4.1).
// Absent keys never appear in the map in the first place; a Go map has no
// notion of "present but undefined", so omission is simply not inserting
// the key.
func encodeObject(buf *bytes.Buffer, obj map[string]any) error {
	keys := make([]string, 0, len(obj))
	for k := range obj {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	buf.WriteByte('{')
	for i, k := range keys {
		if i > 0 {
			buf.WriteByte(',')
		}
		if err := encodeString(buf, k); err != nil {
			return err
		}
		buf.WriteByte(':')
		if err := encode(buf, obj[k]); err != nil {
			return fmt.Errorf("[%q]: %w", k, err)
		}
	}
	buf.WriteByte('}')
	return nil
}

// encodeString writes s as a JSON string literal: NFC-normalized, with
// only control characters, backslash, and quote escaped — no HTML
// escaping of <, >, &, matching the teacher-sibling canonicalizer's
// RFC 8785 posture.
func encodeString(buf *bytes.Buffer, s string) error {
	normalized := norm.NFC.String(s)
	buf.WriteByte('"')
	for _, r := range normalized {
		switch r {
		case '"':
			buf.WriteString(`\"`)
		case '\\':
			buf.WriteString(`\\`)
		case '\n':
			buf.WriteString(`\n`)
		case '\r':
			buf.WriteString(`\r`)
		case '\t':
			buf.WriteString(`\t`)
		default:
			if r < 0x20 {
				fmt.Fprintf(buf, `\u%04x`, r)
			} else {
				buf.WriteRune(r)
			}
		}
	}
	buf.WriteByte('"')
	return nil
}
