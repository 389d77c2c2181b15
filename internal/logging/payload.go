package logging

import (
	"encoding/json"
	"strings"
)

const clipLimit = 240

// FormatHTTPPayload normalizes response bodies and raw frames for log output.
// JSON is pretty-printed; other text is clipped to a single line.
func FormatHTTPPayload(raw []byte) string {
	trimmed := strings.TrimSpace(string(raw))
	if trimmed == "" {
		return "<empty>"
	}

	// JSON string body: "\"{...}\"" or "\"error\""
	var quoted string
	if err := json.Unmarshal([]byte(trimmed), &quoted); err == nil {
		trimmed = strings.TrimSpace(quoted)
	}
	if pretty, ok := prettyJSONText(trimmed); ok {
		return pretty
	}
	return Truncate(trimmed)
}

func Truncate(value string) string {
	value = strings.TrimSpace(value)
	value = strings.ReplaceAll(value, "\n", " ")
	value = strings.ReplaceAll(value, "\r", " ")
	if value == "" {
		return "<empty>"
	}
	if len(value) > clipLimit {
		return value[:clipLimit] + "..."
	}
	return value
}
