package idkey

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"quantumlife-idempotency/pkg/idmerr"
)

func TestValidate(t *testing.T) {
	cases := []struct {
		name    string
		key     string
		maxLen  int
		wantErr error
	}{
		{name: "ok", key: "order-123_abc:v1.2", maxLen: 0},
		{name: "empty", key: "", maxLen: 0, wantErr: idmerr.ErrInvalidKeyFormat},
		{name: "bad char", key: "order 123", maxLen: 0, wantErr: idmerr.ErrInvalidKeyFormat},
		{name: "bad char slash", key: "order/123", maxLen: 0, wantErr: idmerr.ErrInvalidKeyFormat},
		{name: "too long", key: strings.Repeat("a", 257), maxLen: 0, wantErr: idmerr.ErrKeyTooLong},
		{name: "custom max", key: strings.Repeat("a", 10), maxLen: 5, wantErr: idmerr.ErrKeyTooLong},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := Validate(tc.key, tc.maxLen)
			if tc.wantErr == nil {
				require.NoError(t, err)
				return
			}
			assert.ErrorIs(t, err, tc.wantErr)
		})
	}
}

func TestWithPrefix(t *testing.T) {
	assert.Equal(t, "tenant-a:k1", WithPrefix("tenant-a:", "k1"))
	assert.Equal(t, "k1", WithPrefix("", "k1"))
}
