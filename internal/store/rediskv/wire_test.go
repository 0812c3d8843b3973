package rediskv

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestHeaderEncodingRoundTrip(t *testing.T) {
	h := map[string][]string{"X-Tenant-Id": {"t1", "t2"}}
	require.Equal(t, h, decodeHeaders(encodeHeaders(h)))
	require.Empty(t, encodeHeaders(nil))
	require.Nil(t, decodeHeaders(""))
}

func TestResponseEncodingRoundTrip(t *testing.T) {
	body := []byte(`{"ok":true}`)
	require.Equal(t, body, decodeResponse(encodeResponse(body)))
	require.Empty(t, encodeResponse(nil))
	require.Nil(t, decodeResponse(""))
}
