package proxy

import (
	"encoding/json"
	"strconv"
	"strings"
)

// splitPath returns path's non-empty segments.
func splitPath(path string) []string {
	raw := strings.Split(path, "/")
	out := make([]string, 0, len(raw))
	for _, p := range raw {
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

// sessionIDFromPath extracts the client-visible session id from a path
// of the form "/session/<id>[/...]".
func sessionIDFromPath(path string) (int64, bool) {
	parts := splitPath(path)
	for i := 0; i < len(parts)-1; i++ {
		if parts[i] == "session" {
			id, err := strconv.ParseInt(parts[i+1], 10, 64)
			if err != nil {
				return 0, false
			}
			return id, true
		}
	}
	return 0, false
}

// isCreatePath reports whether path's last segment is "session", the
// create-session route when combined with POST.
func isCreatePath(path string) bool {
	parts := splitPath(path)
	return len(parts) > 0 && parts[len(parts)-1] == "session"
}

// isDeletePath reports whether path's second-to-last segment is
// "session", the close-session route when combined with DELETE.
func isDeletePath(path string) bool {
	parts := splitPath(path)
	return len(parts) >= 2 && parts[len(parts)-2] == "session"
}

// screenshotWords are the path segments that trigger a synchronous
// screenshot after a POST.
var screenshotWords = map[string]bool{"url": true, "click": true, "execute": true, "keys": true}

// wantsScreenshot reports whether any segment of path intersects
// screenshotWords, or the last segment is "session". The word match is
// on any segment, not only the last.
func wantsScreenshot(path string) bool {
	parts := splitPath(path)
	if len(parts) > 0 && parts[len(parts)-1] == "session" {
		return true
	}
	for _, p := range parts {
		if screenshotWords[p] {
			return true
		}
	}
	return false
}

// setPathSessionID replaces the session id segment in path with id.
func setPathSessionID(path, id string) string {
	raw := strings.Split(path, "/")
	for i, p := range raw {
		if p == "" {
			continue
		}
		if i > 0 && raw[i-1] == "session" {
			raw[i] = id
			break
		}
	}
	return strings.Join(raw, "/")
}

// setBodySessionID rewrites the "sessionId" field embedded in a JSON
// Wire Protocol or W3C WebDriver body. A body that is not a
// sessionId-bearing JSON object is returned unchanged.
func setBodySessionID(body []byte, id string) []byte {
	if len(body) == 0 {
		return body
	}

	var top map[string]json.RawMessage
	if err := json.Unmarshal(body, &top); err != nil {
		return body
	}

	changed := false
	if _, ok := top["sessionId"]; ok {
		encoded, _ := json.Marshal(id)
		top["sessionId"] = encoded
		changed = true
	}
	if raw, ok := top["value"]; ok {
		var value map[string]json.RawMessage
		if err := json.Unmarshal(raw, &value); err == nil {
			if _, ok := value["sessionId"]; ok {
				encoded, _ := json.Marshal(id)
				value["sessionId"] = encoded
				if reEncoded, err := json.Marshal(value); err == nil {
					top["value"] = reEncoded
					changed = true
				}
			}
		}
	}
	if !changed {
		return body
	}

	out, err := json.Marshal(top)
	if err != nil {
		return body
	}
	return out
}
