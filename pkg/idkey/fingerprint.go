package idkey

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
)

// FingerprintRequest computes the canonical hash of the ordered tuple
// (UPPERCASE(method), path, selected_headers_sorted_map, body_value_or_absent)
// per spec §4.1. allowedHeaders is the configured allow-list; an empty list
// means no headers participate. body participates only when non-nil and
// len(body) > 0; its bytes are treated as a JSON value to canonicalize,
// falling back to the raw string when they are not valid JSON (so a
// non-JSON body still fingerprints deterministically).
func FingerprintRequest(method, path string, headers map[string][]string, allowedHeaders []string, body []byte) (string, error) {
	tuple := map[string]any{
		"method":  strings.ToUpper(method),
		"path":    path,
		"headers": selectedHeaders(headers, allowedHeaders),
	}

	if len(body) > 0 {
		bodyValue, err := bodyToValue(body)
		if err != nil {
			return "", fmt.Errorf("fingerprint: %w", err)
		}
		tuple["body"] = bodyValue
	}

	canonical, err := Canonicalize(tuple)
	if err != nil {
		return "", fmt.Errorf("fingerprint: canonicalize: %w", err)
	}

	sum := sha256.Sum256(canonical)
	return hex.EncodeToString(sum[:]), nil
}

// selectedHeaders builds the sorted allow-listed header map that
// participates in the fingerprint. Multi-value headers are joined with
// ", " to collapse to a single canonicalizable string per header name,
// matching net/http's own convention for presenting repeated headers.
func selectedHeaders(headers map[string][]string, allowed []string) map[string]any {
	out := make(map[string]any, len(allowed))
	if len(allowed) == 0 {
		return out
	}
	for _, name := range allowed {
		values := lookupHeader(headers, name)
		if values == nil {
			continue
		}
		out[strings.ToLower(name)] = strings.Join(values, ", ")
	}
	return out
}

func lookupHeader(headers map[string][]string, name string) []string {
	if v, ok := headers[name]; ok {
		return v
	}
	for k, v := range headers {
		if strings.EqualFold(k, name) {
			return v
		}
	}
	return nil
}

// bodyToValue decodes body as JSON into the any-tree Canonicalize expects.
// Non-JSON bodies are hashed as their raw string form instead, since the
// canonicalizer has no byte-string primitive distinct from a JSON string.
func bodyToValue(body []byte) (any, error) {
	var v any
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()
	if err := dec.Decode(&v); err != nil {
		return string(body), nil
	}
	return numberToFloat(v), nil
}

// numberToFloat walks a json.Decoder(UseNumber) tree and converts
// json.Number leaves to float64, which is what Canonicalize's encoder
// understands natively.
func numberToFloat(v any) any {
	switch val := v.(type) {
	case json.Number:
		f, err := val.Float64()
		if err != nil {
			return 0.0
		}
		return f
	case map[string]any:
		for k, elem := range val {
			val[k] = numberToFloat(elem)
		}
		return val
	case []any:
		for i, elem := range val {
			val[i] = numberToFloat(elem)
		}
		return val
	default:
		return val
	}
}
