package handler

import (
	"encoding/base64"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cascadehq/conductor/internal/jobs"
)

func TestJobCursorRoundTrip(t *testing.T) {
	cursor := &jobs.Cursor{
		Created: time.Date(2026, 1, 1, 12, 0, 0, 123456789, time.UTC),
		JobID:   "6e1f9f9c-0c6a-4a8e-9a3e-6d2b8f0f1b2c",
	}

	decoded, err := DecodeJobCursor(EncodeJobCursor(cursor))
	require.NoError(t, err)
	require.NotNil(t, decoded)

	assert.True(t, decoded.Created.Equal(cursor.Created))
	assert.Equal(t, cursor.JobID, decoded.JobID)
}

func TestDecodeJobCursor(t *testing.T) {
	t.Run("empty cursor is the first page", func(t *testing.T) {
		cursor, err := DecodeJobCursor("")
		require.NoError(t, err)
		assert.Nil(t, cursor)
	})

	t.Run("not base64", func(t *testing.T) {
		_, err := DecodeJobCursor("%%%")
		assert.Error(t, err)
	})

	t.Run("wrong part count", func(t *testing.T) {
		encoded := base64.StdEncoding.EncodeToString([]byte("12345"))
		_, err := DecodeJobCursor(encoded)
		assert.ErrorContains(t, err, "invalid cursor format")
	})

	t.Run("non-numeric created", func(t *testing.T) {
		encoded := base64.StdEncoding.EncodeToString([]byte("not-a-number|job-1"))
		_, err := DecodeJobCursor(encoded)
		assert.ErrorContains(t, err, "invalid created in cursor")
	})
}
