package pagination_test

import (
	"encoding/base64"
	"errors"
	"fmt"
	"testing"

	"github.com/illmade-knight/go-asyncops/pkg/pagination"
	"github.com/illmade-knight/go-asyncops/pkg/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCursor_RoundTrip(t *testing.T) {
	keys := []store.Key{
		{"pk": "ITEM", "sk": "item-001"},
		{"pk": "JOB#5d0c", "sk": "META", "status": "processing", "createdAt": "2024-05-01T10:00:00Z"},
		{"pk": "a/b?c=d&e", "sk": "ünïcødé ✓"},
		{"pk": "", "sk": "empty-partition"},
	}
	for i, k := range keys {
		t.Run(fmt.Sprintf("key %d", i), func(t *testing.T) {
			token, err := pagination.EncodeCursor("by-status", k)
			require.NoError(t, err)
			assert.NotContains(t, token, "+")
			assert.NotContains(t, token, "/")
			assert.NotContains(t, token, "=")

			c, err := pagination.DecodeCursor(token)
			require.NoError(t, err)
			assert.Equal(t, k, c.Key)
			assert.Equal(t, "by-status", c.Index)
		})
	}
}

func TestCursor_EmptyKeyEncodesToEmpty(t *testing.T) {
	token, err := pagination.EncodeCursor("", nil)
	require.NoError(t, err)
	assert.Empty(t, token)
}

func TestCursor_CorruptInputIsRejected(t *testing.T) {
	valid, err := pagination.EncodeCursor("", store.Key{"pk": "ITEM", "sk": "item-042"})
	require.NoError(t, err)

	raw, err := base64.RawURLEncoding.DecodeString(valid)
	require.NoError(t, err)
	flipped := append([]byte(nil), raw...)
	flipped[len(flipped)-3] ^= 0x20

	corrupt := map[string]string{
		"empty":            "",
		"not base64":       "%%%not-a-cursor%%%",
		"standard base64":  base64.StdEncoding.EncodeToString(raw) + "==",
		"truncated":        valid[:len(valid)/2],
		"too short":        base64.RawURLEncoding.EncodeToString([]byte{1, 2}),
		"bit flip":         base64.RawURLEncoding.EncodeToString(flipped),
		"checksum removed": base64.RawURLEncoding.EncodeToString(raw[4:]),
		"trailing garbage": valid + "AAAA",
	}
	for name, token := range corrupt {
		t.Run(name, func(t *testing.T) {
			var c pagination.Cursor
			require.NotPanics(t, func() { c, err = pagination.DecodeCursor(token) })
			require.Error(t, err)
			assert.True(t, errors.Is(err, pagination.ErrPaginationDecode))

			var decodeErr *pagination.DecodeError
			require.ErrorAs(t, err, &decodeErr)
			assert.Equal(t, token, decodeErr.Cursor)
			assert.Nil(t, c.Key, "no partial key on failure")
		})
	}
}
