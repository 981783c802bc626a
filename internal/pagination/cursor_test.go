package pagination

import (
	"encoding/base64"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeDecode(t *testing.T) {
	ts := time.Date(2026, 2, 15, 10, 30, 0, 0, time.UTC)

	cursor, err := Decode(Encode(ts, "dec_abc123"))
	require.NoError(t, err)
	require.NotNil(t, cursor)
	assert.Equal(t, ts, cursor.CreatedAt)
	assert.Equal(t, "dec_abc123", cursor.ID)
}

func TestDecode_Empty(t *testing.T) {
	cursor, err := Decode("")
	assert.NoError(t, err)
	assert.Nil(t, cursor)
}

func TestDecode_Invalid(t *testing.T) {
	for _, raw := range []string{
		"not-base64!!!",
		base64.RawURLEncoding.EncodeToString([]byte("nopipe")),
		base64.RawURLEncoding.EncodeToString([]byte("abc|dec_1")),
		base64.RawURLEncoding.EncodeToString([]byte("123|")),
	} {
		_, err := Decode(raw)
		assert.ErrorIs(t, err, ErrInvalidCursor, raw)
	}
}

func TestCursor_After(t *testing.T) {
	ts := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	c := &Cursor{CreatedAt: ts, ID: "dec_5"}

	assert.True(t, c.After(ts.Add(-time.Second), "dec_9"))
	assert.False(t, c.After(ts.Add(time.Second), "dec_1"))
	assert.True(t, c.After(ts, "dec_4"), "ties break on id")
	assert.False(t, c.After(ts, "dec_5"))

	var none *Cursor
	assert.True(t, none.After(ts, "anything"))
}

func TestParseLimit(t *testing.T) {
	assert.Equal(t, DefaultLimit, ParseLimit(""))
	assert.Equal(t, DefaultLimit, ParseLimit("-3"))
	assert.Equal(t, DefaultLimit, ParseLimit("ten"))
	assert.Equal(t, 10, ParseLimit("10"))
	assert.Equal(t, MaxLimit, ParseLimit("5000"))
}

func TestComputePage(t *testing.T) {
	ts := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	key := func(s string) (time.Time, string) { return ts, s }

	page := ComputePage([]string{"a", "b", "c"}, 3, key)
	assert.Len(t, page.Items, 3)
	assert.Empty(t, page.NextCursor)
	assert.False(t, page.HasMore)

	page = ComputePage([]string{"a", "b", "c", "d"}, 3, key)
	assert.Equal(t, []string{"a", "b", "c"}, page.Items)
	assert.True(t, page.HasMore)

	c, err := Decode(page.NextCursor)
	require.NoError(t, err)
	assert.Equal(t, "c", c.ID)
}
