package handler

import (
	"encoding/base64"
	"fmt"
	"strings"
	"time"

	"github.com/cascadehq/conductor/internal/jobs"
)

// DecodeJobCursor decodes an opaque pagination cursor. An empty string
// decodes to nil (first page).
func DecodeJobCursor(cursorStr string) (*jobs.Cursor, error) {
	if cursorStr == "" {
		return nil, nil
	}

	decoded, err := base64.StdEncoding.DecodeString(cursorStr)
	if err != nil {
		return nil, err
	}

	decodedParts := strings.Split(string(decoded), "|")
	if len(decodedParts) != 2 {
		return nil, fmt.Errorf("invalid cursor format")
	}

	var created int64
	_, err = fmt.Sscanf(decodedParts[0], "%d", &created)
	if err != nil {
		return nil, fmt.Errorf("invalid created in cursor: %w", err)
	}

	return &jobs.Cursor{
		Created: time.Unix(0, created),
		JobID:   decodedParts[1],
	}, nil
}

// EncodeJobCursor encodes a cursor for the client to echo back.
func EncodeJobCursor(cursor *jobs.Cursor) string {
	cs := fmt.Sprintf("%d|%s", cursor.Created.UnixNano(), cursor.JobID)
	return base64.StdEncoding.EncodeToString([]byte(cs))
}
