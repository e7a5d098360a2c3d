package protocol

import (
	"bytes"
	"io"

	"github.com/tidwall/gjson"
)

// maxErrorBody bounds how much of a non-success body is read for its message.
const maxErrorBody = 4 << 10

// ReadErrorMessage extracts a human readable message from an HTTP error body.
// {"error":{"message":...}}, {"error":"..."}, {"message":"..."} and
// {"detail":"..."} are understood; anything else is returned as trimmed text.
func ReadErrorMessage(r io.Reader) string {
	raw, _ := io.ReadAll(io.LimitReader(r, maxErrorBody))
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 {
		return ""
	}
	if gjson.ValidBytes(raw) {
		for _, path := range []string{"error.message", "error", "message", "detail"} {
			if v := gjson.GetBytes(raw, path); v.Type == gjson.String && v.String() != "" {
				return v.String()
			}
		}
	}
	return string(raw)
}
