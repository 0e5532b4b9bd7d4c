package store

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCursorRoundTrip(t *testing.T) {
	at := time.Date(2025, 6, 1, 12, 5, 0, 0, time.UTC)
	cursor := EncodeCursor(at)

	decoded, err := DecodeCursor(cursor)
	require.NoError(t, err)
	assert.True(t, at.Equal(decoded))
}

func TestCursorNormalizesToUTC(t *testing.T) {
	loc := time.FixedZone("UTC+3", 3*3600)
	at := time.Date(2025, 6, 1, 15, 0, 0, 0, loc)

	decoded, err := DecodeCursor(EncodeCursor(at))
	require.NoError(t, err)
	assert.True(t, at.Equal(decoded))
	assert.Equal(t, time.UTC, decoded.Location())
}

func TestDecodeCursorRejectsGarbage(t *testing.T) {
	_, err := DecodeCursor("not-base64!!!")
	assert.Error(t, err)

	// Valid base64 of a non-timestamp.
	_, err = DecodeCursor("aGVsbG8=")
	assert.Error(t, err)
}
