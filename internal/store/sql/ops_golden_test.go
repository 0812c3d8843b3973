package sqlstore

import (
	"testing"

	"github.com/sebdah/goldie/v2"
)

// TestEncodeHeadersGolden pins the on-disk JSON shape of encodeHeaders
// against a fixture, so a change to header encoding (key casing, array
// vs. scalar) is caught as a diff instead of silently changing what
// sqlstore persists for already-written rows. Regenerate with
// `go test ./internal/store/sql -run TestEncodeHeadersGolden -update`.
func TestEncodeHeadersGolden(t *testing.T) {
	headers := map[string][]string{
		"Content-Type": {"application/json"},
		"X-Custom":     {"a", "b"},
	}

	ns := encodeHeaders(headers)
	if !ns.Valid {
		t.Fatal("encodeHeaders returned an invalid NullString for non-empty input")
	}

	g := goldie.New(t, goldie.WithFixtureDir("testdata/golden"))
	g.Assert(t, "encode_headers", []byte(ns.String))
}
