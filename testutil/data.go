package testutil

import (
	"encoding/json"
	"fmt"
	"time"
)

// PostJSON returns a minimal post payload.
func PostJSON(id, content string) json.RawMessage {
	return mustJSON(map[string]any{
		"id":         id,
		"content":    content,
		"created_at": "2024-01-01T00:00:00Z",
		"account":    map[string]any{"id": "acct-1", "username": "alice"},
	})
}

// EditedPostJSON returns a post payload carrying edited_at.
func EditedPostJSON(id, content string, editedAt time.Time) json.RawMessage {
	return mustJSON(map[string]any{
		"id":         id,
		"content":    content,
		"created_at": "2024-01-01T00:00:00Z",
		"edited_at":  editedAt.UTC().Format(time.RFC3339Nano),
	})
}

// AccountJSON returns a minimal account payload.
func AccountJSON(id, username string) json.RawMessage {
	return mustJSON(map[string]any{"id": id, "username": username})
}

// NotificationJSON returns a notification payload of the given type.
func NotificationJSON(id, kind string) json.RawMessage {
	return mustJSON(map[string]any{
		"id":         id,
		"type":       kind,
		"created_at": "2024-01-01T00:00:00Z",
	})
}

// Frame builds a streaming wire frame. When stringPayload is true the
// payload is JSON-encoded a second time, as streaming servers send it.
func Frame(event string, payload json.RawMessage, stringPayload bool, stream ...string) []byte {
	f := map[string]any{"event": event}
	if stringPayload {
		f["payload"] = string(payload)
	} else {
		f["payload"] = payload
	}
	if len(stream) > 0 {
		f["stream"] = stream
	}
	return mustJSON(f)
}

// DeleteFrame builds a delete frame whose payload is the bare id.
func DeleteFrame(id string) []byte {
	return mustJSON(map[string]any{"event": "delete", "payload": id})
}

func mustJSON(v any) []byte {
	data, err := json.Marshal(v)
	if err != nil {
		panic(fmt.Sprintf("testutil: marshal fixture: %v", err))
	}
	return data
}
