package checkout

import (
	"bytes"
	"encoding/json"
	"strings"
)

// unwrapEnvelope returns the value under key when raw is an object carrying that key
// (e.g. {"order": {...}}), and raw itself otherwise. It is the only place that tolerates
// the backend's two response shapes.
func unwrapEnvelope(raw json.RawMessage, key string) json.RawMessage {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return trimmed
	}
	var envelope map[string]json.RawMessage
	if err := json.Unmarshal(trimmed, &envelope); err != nil {
		return trimmed
	}
	inner, ok := envelope[key]
	if !ok {
		return trimmed
	}
	inner = bytes.TrimSpace(inner)
	if len(inner) == 0 || bytes.Equal(inner, []byte("null")) {
		return trimmed
	}
	return inner
}

// serverMessage extracts a human-readable message from an error body.
func serverMessage(body []byte) string {
	var payload struct {
		Message string `json:"message"`
		Error   any    `json:"error"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return ""
	}
	if msg := strings.TrimSpace(payload.Message); msg != "" {
		return msg
	}
	switch v := payload.Error.(type) {
	case string:
		return strings.TrimSpace(v)
	case map[string]any:
		if msg, ok := v["message"].(string); ok {
			return strings.TrimSpace(msg)
		}
	}
	return ""
}
