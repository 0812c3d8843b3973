// Package bodycodec transparently gzips stored response bodies above a
// size threshold, so the sql and rediskv backends spend less room on
// large JSON envelopes. Compression happens below the store.Store
// boundary: Manager's maxResponseSize check already ran against the
// caller's uncompressed bytes before Record reaches here, so that
// invariant is untouched by what a backend does with the bytes at rest.
package bodycodec

import (
	"bytes"
	"io"

	"github.com/klauspost/compress/gzip"
)

// threshold is the smallest body gzip is attempted on; below it the
// framing overhead of a gzip member outweighs any savings.
const threshold = 256

// Encode gzips b when it is large enough and compression actually
// shrinks it; otherwise it returns b unchanged. The gzip header's own
// magic number (0x1f 0x8b) doubles as the "is this compressed" marker,
// so no extra framing byte is needed. A body that already starts with
// that magic number is always gzipped, whatever its size, so Decode
// returns it byte-identical instead of inflating it.
func Encode(b []byte) []byte {
	if len(b) < threshold && !isGzip(b) {
		return b
	}

	var buf bytes.Buffer
	w := gzip.NewWriter(&buf)
	if _, err := w.Write(b); err != nil {
		return b
	}
	if err := w.Close(); err != nil {
		return b
	}
	if buf.Len() >= len(b) && !isGzip(b) {
		return b
	}
	return buf.Bytes()
}

// Decode reverses Encode. Bytes not carrying a gzip magic header are
// returned unchanged, so it is safe to call on every stored body
// regardless of whether Encode compressed it.
func Decode(b []byte) []byte {
	if !isGzip(b) {
		return b
	}
	r, err := gzip.NewReader(bytes.NewReader(b))
	if err != nil {
		return b
	}
	defer r.Close()
	out, err := io.ReadAll(r)
	if err != nil {
		return b
	}
	return out
}

func isGzip(b []byte) bool {
	return len(b) >= 2 && b[0] == 0x1f && b[1] == 0x8b
}
