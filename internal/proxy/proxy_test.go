package proxy

import (
	"context"
	"encoding/base64"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/vmmaster/vmmaster/internal/domain"
	"github.com/vmmaster/vmmaster/internal/pool"
	"github.com/vmmaster/vmmaster/internal/provider"
	"github.com/vmmaster/vmmaster/internal/recorder"
	"github.com/vmmaster/vmmaster/internal/session"
	"github.com/vmmaster/vmmaster/internal/store"
)

type fakeProvider struct{ ip string }

func (p *fakeProvider) Create(ctx context.Context) (provider.CreateResult, error) {
	return provider.CreateResult{Ready: true, IP: p.ip, MAC: "52:54:00:00:00:09"}, nil
}
func (p *fakeProvider) Delete(ctx context.Context) error         { return nil }
func (p *fakeProvider) Rebuild(ctx context.Context) error        { return nil }
func (p *fakeProvider) Ping(ctx context.Context, port int) error { return nil }
func (p *fakeProvider) VMHasCreated(ctx context.Context) (bool, error)  { return true, nil }
func (p *fakeProvider) CheckVMExists(ctx context.Context) (bool, error) { return true, nil }
func (p *fakeProvider) GetIP(ctx context.Context) (string, error)       { return p.ip, nil }

type fakeFactory struct{ ip string }

func (f *fakeFactory) NewProvider(platform, name string) (provider.Provider, error) {
	return &fakeProvider{ip: f.ip}, nil
}
func (f *fakeFactory) Platforms(ctx context.Context) ([]provider.PlatformInfo, error) {
	return []provider.PlatformInfo{{Name: "linux-chrome"}}, nil
}

func hostPort(rawURL string) (string, int) {
	u, _ := url.Parse(rawURL)
	host := u.Hostname()
	var port int
	fmt.Sscanf(u.Port(), "%d", &port)
	return host, port
}

// newTestHandler wires a Handler backed by a real session.Manager and
// pool.Pool, pointed at a fake upstream Selenium server so no VM
// infrastructure is needed.
func newTestHandler(t *testing.T, upstream *httptest.Server) (*Handler, *session.Manager, func()) {
	t.Helper()
	host, port := hostPort(upstream.URL)

	p := pool.New(&fakeFactory{ip: host}, pool.Config{Capacity: 4, SeleniumPort: port})
	st := store.NewStore(store.NewMemStore())
	rec := recorder.New(st)
	mgr := session.New(st, rec, p, session.Config{
		SessionTimeout: time.Hour,
		GetVMTimeout:   2 * time.Second,
		GetVMRetryWait: 10 * time.Millisecond,
		SeleniumPort:   port,
		ReaperInterval: time.Hour,
	})
	h := New(mgr, rec, Config{SeleniumPort: port, VmmasterAgentPort: port, ScreenshotsDir: t.TempDir()})

	return h, mgr, func() {
		mgr.Shutdown()
		p.Shutdown(context.Background())
	}
}

func TestHandler_CreateSession(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"sessionId":"upstream-xyz","status":0,"value":{}}`)
	}))
	defer upstream.Close()

	h, _, cleanup := newTestHandler(t, upstream)
	defer cleanup()

	body := strings.NewReader(`{"desiredCapabilities":{"platform":"linux-chrome"}}`)
	req := httptest.NewRequest(http.MethodPost, "/session", body)
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	if strings.Contains(w.Body.String(), "upstream-xyz") {
		t.Fatalf("response should not leak the upstream session id: %s", w.Body.String())
	}
	if !strings.Contains(w.Body.String(), `"sessionId":"1"`) {
		t.Fatalf("expected client-visible session id 1 in body, got %s", w.Body.String())
	}
}

func TestHandler_TransparentForwardRewritesSessionID(t *testing.T) {
	var sawPath string
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/session" {
			w.Header().Set("Content-Type", "application/json")
			fmt.Fprint(w, `{"sessionId":"upstream-1","status":0,"value":{}}`)
			return
		}
		sawPath = r.URL.Path
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"sessionId":"upstream-1","status":0,"value":null}`)
	}))
	defer upstream.Close()

	h, _, cleanup := newTestHandler(t, upstream)
	defer cleanup()

	createReq := httptest.NewRequest(http.MethodPost, "/session", strings.NewReader(`{"desiredCapabilities":{"platform":"linux-chrome"}}`))
	createW := httptest.NewRecorder()
	h.ServeHTTP(createW, createReq)
	if createW.Code != http.StatusOK {
		t.Fatalf("create failed: %d %s", createW.Code, createW.Body.String())
	}

	getReq := httptest.NewRequest(http.MethodGet, "/session/1/title", nil)
	getW := httptest.NewRecorder()
	h.ServeHTTP(getW, getReq)

	if getW.Code != http.StatusOK {
		t.Fatalf("forward failed: %d %s", getW.Code, getW.Body.String())
	}
	if sawPath != "/session/upstream-1/title" {
		t.Fatalf("expected upstream path to carry the upstream session id, got %q", sawPath)
	}
	if !strings.Contains(getW.Body.String(), `"sessionId":"1"`) {
		t.Fatalf("expected client session id in reply body, got %s", getW.Body.String())
	}
}

func TestHandler_ScreenshotCaptureOnClick(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.URL.Path == "/session":
			w.Header().Set("Content-Type", "application/json")
			fmt.Fprint(w, `{"sessionId":"upstream-9","status":0,"value":{}}`)
		case strings.HasSuffix(r.URL.Path, "/takeScreenshot"):
			_, _ = io.WriteString(w, base64.StdEncoding.EncodeToString([]byte("not-really-a-png")))
		default:
			w.Header().Set("Content-Type", "application/json")
			fmt.Fprint(w, `{"sessionId":"upstream-9","status":0,"value":null}`)
		}
	}))
	defer upstream.Close()

	h, mgr, cleanup := newTestHandler(t, upstream)
	defer cleanup()

	createReq := httptest.NewRequest(http.MethodPost, "/session", strings.NewReader(`{"desiredCapabilities":{"platform":"linux-chrome","takeScreenshot":true}}`))
	createW := httptest.NewRecorder()
	h.ServeHTTP(createW, createReq)
	if createW.Code != http.StatusOK {
		t.Fatalf("create failed: %d", createW.Code)
	}

	clickReq := httptest.NewRequest(http.MethodPost, "/session/1/element/0/click", strings.NewReader(`{}`))
	clickW := httptest.NewRecorder()
	h.ServeHTTP(clickW, clickReq)
	if clickW.Code != http.StatusOK {
		t.Fatalf("click forward failed: %d %s", clickW.Code, clickW.Body.String())
	}

	active := mgr.Active()
	if len(active) != 1 {
		t.Fatalf("expected 1 active session, got %d", len(active))
	}

	steps, err := h.rec.SessionLog(context.Background(), active[0].ID)
	if err != nil {
		t.Fatalf("SessionLog: %v", err)
	}
	found := false
	for _, s := range steps {
		if s.Screenshot != "" {
			found = true
		}
	}
	if !found {
		t.Fatal("expected a log step with a screenshot attached after a click")
	}
}

func TestHandler_LogStepsAlternateRequestReply(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"sessionId":"upstream-5","status":0,"value":{}}`)
	}))
	defer upstream.Close()

	h, mgr, cleanup := newTestHandler(t, upstream)
	defer cleanup()

	createReq := httptest.NewRequest(http.MethodPost, "/session", strings.NewReader(`{"desiredCapabilities":{"platform":"linux-chrome"}}`))
	createW := httptest.NewRecorder()
	h.ServeHTTP(createW, createReq)
	if createW.Code != http.StatusOK {
		t.Fatalf("create failed: %d", createW.Code)
	}

	getReq := httptest.NewRequest(http.MethodGet, "/session/1/title", nil)
	getW := httptest.NewRecorder()
	h.ServeHTTP(getW, getReq)
	if getW.Code != http.StatusOK {
		t.Fatalf("forward failed: %d", getW.Code)
	}

	active := mgr.Active()
	if len(active) != 1 {
		t.Fatalf("expected 1 active session, got %d", len(active))
	}
	steps, err := h.rec.SessionLog(context.Background(), active[0].ID)
	if err != nil {
		t.Fatalf("SessionLog: %v", err)
	}
	if len(steps) != 4 {
		t.Fatalf("expected 4 log steps (create req/reply, forward req/reply), got %d", len(steps))
	}
	for i, s := range steps {
		isRequest := strings.HasPrefix(s.ControlLine, "POST ") || strings.HasPrefix(s.ControlLine, "GET ")
		if (i%2 == 0) != isRequest {
			t.Fatalf("step %d breaks request/reply alternation: %q", i, s.ControlLine)
		}
	}
}

func TestHandler_UpstreamTransportErrorFailsSession(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"sessionId":"upstream-7","status":0,"value":{}}`)
	}))

	h, mgr, cleanup := newTestHandler(t, upstream)
	defer cleanup()

	createReq := httptest.NewRequest(http.MethodPost, "/session", strings.NewReader(`{"desiredCapabilities":{"platform":"linux-chrome"}}`))
	createW := httptest.NewRecorder()
	h.ServeHTTP(createW, createReq)
	if createW.Code != http.StatusOK {
		t.Fatalf("create failed: %d", createW.Code)
	}

	// Kill the upstream so the next forward hits a transport error.
	upstream.Close()

	getReq := httptest.NewRequest(http.MethodGet, "/session/1/title", nil)
	getW := httptest.NewRecorder()
	h.ServeHTTP(getW, getReq)

	if getW.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500 on transport error, got %d", getW.Code)
	}
	if len(mgr.Active()) != 0 {
		t.Fatal("expected session closed after transport error")
	}
	if _, err := mgr.GetClone(1); err == nil {
		t.Fatal("failed session must not keep its VM")
	}
}

func TestHandler_UnknownSessionRejected(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	defer upstream.Close()

	h, _, cleanup := newTestHandler(t, upstream)
	defer cleanup()

	req := httptest.NewRequest(http.MethodGet, "/session/999/title", nil)
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)

	if w.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for unknown session, got %d", w.Code)
	}
}
