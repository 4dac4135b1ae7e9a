package store

import (
	"encoding/json"
	"fmt"
	"log/slog"
)

// marshalBlob serializes a JSON blob column. Nil maps become "{}" so the
// NOT NULL defaults hold.
func marshalBlob(m map[string]any) (string, error) {
	if m == nil {
		return "{}", nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return "", fmt.Errorf("marshal json blob: %w", err)
	}
	return string(b), nil
}

// parseBlob deserializes a JSON blob column. Malformed JSON degrades to an
// empty map with a warning rather than failing the read; the blobs are
// opaque user data and a corrupt one must not wedge the queue.
func parseBlob(raw, column, rowID string) map[string]any {
	if raw == "" {
		return map[string]any{}
	}
	var m map[string]any
	if err := json.Unmarshal([]byte(raw), &m); err != nil {
		slog.Warn("malformed json blob, using empty map",
			"column", column,
			"row", rowID,
			"error", err,
		)
		return map[string]any{}
	}
	if m == nil {
		return map[string]any{}
	}
	return m
}
