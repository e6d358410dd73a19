package proxy

import "testing"

func TestSessionIDFromPath(t *testing.T) {
	cases := []struct {
		path   string
		wantID int64
		wantOK bool
	}{
		{"/session/42/url", 42, true},
		{"/session/42", 42, true},
		{"/session", 0, false},
		{"/status", 0, false},
	}
	for _, c := range cases {
		id, ok := sessionIDFromPath(c.path)
		if id != c.wantID || ok != c.wantOK {
			t.Errorf("sessionIDFromPath(%q) = (%d, %v), want (%d, %v)", c.path, id, ok, c.wantID, c.wantOK)
		}
	}
}

func TestIsCreateAndDeletePath(t *testing.T) {
	if !isCreatePath("/session") {
		t.Error("expected /session to be a create path")
	}
	if isCreatePath("/session/42/url") {
		t.Error("did not expect /session/42/url to be a create path")
	}
	if !isDeletePath("/session/42") {
		t.Error("expected /session/42 to be a delete path")
	}
	if isDeletePath("/session/42/url") {
		t.Error("did not expect /session/42/url to be a delete path")
	}
}

func TestWantsScreenshot(t *testing.T) {
	cases := map[string]bool{
		"/session/42/url":                true,
		"/session/42/element/0/click":    true,
		"/session/42/execute":            true,
		"/session/42/keys":               true,
		"/session":                       true,
		"/session/42/element/0/attribute/value": false,
	}
	for path, want := range cases {
		if got := wantsScreenshot(path); got != want {
			t.Errorf("wantsScreenshot(%q) = %v, want %v", path, got, want)
		}
	}
}

func TestSetPathSessionID(t *testing.T) {
	got := setPathSessionID("/session/42/url", "upstream-abc")
	want := "/session/upstream-abc/url"
	if got != want {
		t.Errorf("setPathSessionID = %q, want %q", got, want)
	}
}

func TestSetBodySessionID(t *testing.T) {
	body := []byte(`{"sessionId":"42","status":0}`)
	out := setBodySessionID(body, "upstream-abc")
	if string(out) != `{"sessionId":"upstream-abc","status":0}` {
		t.Errorf("unexpected rewritten body: %s", out)
	}

	w3c := []byte(`{"value":{"sessionId":"42","capabilities":{}}}`)
	out = setBodySessionID(w3c, "upstream-abc")
	want := `{"value":{"capabilities":{},"sessionId":"upstream-abc"}}`
	if string(out) != want {
		t.Errorf("rewritten w3c body = %s, want %s", out, want)
	}

	empty := setBodySessionID(nil, "x")
	if empty != nil {
		t.Errorf("expected nil body to pass through unchanged")
	}
}
