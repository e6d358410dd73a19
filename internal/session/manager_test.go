package session

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/vmmaster/vmmaster/internal/apierr"
	"github.com/vmmaster/vmmaster/internal/domain"
	"github.com/vmmaster/vmmaster/internal/pool"
	"github.com/vmmaster/vmmaster/internal/provider"
	"github.com/vmmaster/vmmaster/internal/recorder"
	"github.com/vmmaster/vmmaster/internal/store"
)

// fakeProvider and fakeFactory let session tests exercise Manager against
// a real pool.Pool without any VM infrastructure.
type fakeProvider struct{ ip string }

func (p *fakeProvider) Create(ctx context.Context) (provider.CreateResult, error) {
	return provider.CreateResult{Ready: true, IP: p.ip, MAC: "52:54:00:00:00:01"}, nil
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

func newTestManager(t *testing.T, seleniumAddr string, port int) (*Manager, func()) {
	t.Helper()
	host := "127.0.0.1"
	if seleniumAddr != "" {
		host = seleniumAddr
	}
	p := pool.New(&fakeFactory{ip: host}, pool.Config{Capacity: 4, SeleniumPort: port})
	st := store.NewStore(store.NewMemStore())
	mgr := New(st, recorder.New(st), p, Config{
		SessionTimeout: time.Hour,
		GetVMTimeout:   2 * time.Second,
		GetVMRetryWait: 10 * time.Millisecond,
		SeleniumPort:   port,
		ReaperInterval: 50 * time.Millisecond,
	})
	return mgr, func() {
		mgr.Shutdown()
		p.Shutdown(context.Background())
	}
}

func TestManager_CreateSuccess(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"sessionId":"upstream-abc","status":0,"value":{}}`)
	}))
	defer upstream.Close()

	host, portStr, _ := strings.Cut(upstream.URL[len("http://"):], ":")
	var port int
	fmt.Sscanf(portStr, "%d", &port)

	mgr, cleanup := newTestManager(t, host, port)
	defer cleanup()

	caps := domain.DesiredCapabilities{Platform: "linux-chrome"}
	sess, result, err := mgr.Create(context.Background(), caps, `{"platform":"linux-chrome"}`, "alice", "POST /session HTTP/1.1")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if sess.Status != domain.StatusRunning {
		t.Fatalf("expected running, got %s", sess.Status)
	}
	if sess.SeleniumSession != "upstream-abc" {
		t.Fatalf("expected upstream session id, got %q", sess.SeleniumSession)
	}
	if result.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", result.StatusCode)
	}
	if result.Step == nil || result.Step.ControlLine != "POST /session HTTP/1.1" {
		t.Fatalf("expected the create request recorded as a log step, got %+v", result.Step)
	}

	vm, err := mgr.GetClone(sess.ID)
	if err != nil || vm == nil {
		t.Fatalf("GetClone: %v, %v", vm, err)
	}

	mgr.Close(sess.ID)
	if _, err := mgr.GetClone(sess.ID); err == nil {
		t.Fatal("expected unknown session after close")
	}
}

func TestManager_CreateUpstreamRejects(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		fmt.Fprint(w, `{"status":13,"value":{"message":"boom"}}`)
	}))
	defer upstream.Close()

	host, portStr, _ := strings.Cut(upstream.URL[len("http://"):], ":")
	var port int
	fmt.Sscanf(portStr, "%d", &port)

	mgr, cleanup := newTestManager(t, host, port)
	defer cleanup()

	caps := domain.DesiredCapabilities{Platform: "linux-chrome"}
	sess, _, err := mgr.Create(context.Background(), caps, `{}`, "bob", "POST /session HTTP/1.1")
	if err == nil {
		t.Fatal("expected error")
	}
	if sess.Status != domain.StatusFailed {
		t.Fatalf("expected failed session, got %s", sess.Status)
	}
}

func TestManager_QuotaEnforced(t *testing.T) {
	mgr, cleanup := newTestManager(t, "127.0.0.1", 1)
	defer cleanup()

	ctx := context.Background()
	user := &domain.User{Username: "quota-user", AllowedMachines: 0, IsActive: true}
	if err := mgr.store.SaveUser(ctx, user); err != nil {
		t.Fatalf("SaveUser: %v", err)
	}

	caps := domain.DesiredCapabilities{Platform: "linux-chrome"}
	_, _, err := mgr.Create(ctx, caps, `{}`, "quota-user", "POST /session HTTP/1.1")
	if err == nil {
		t.Fatal("expected quota error")
	}
}

// failingProvider simulates a provider whose Create always breaks, e.g.
// a bad domain definition.
type failingProvider struct{ fakeProvider }

func (p *failingProvider) Create(ctx context.Context) (provider.CreateResult, error) {
	return provider.CreateResult{}, errors.New("define domain: boom")
}

type failingFactory struct{}

func (f *failingFactory) NewProvider(platform, name string) (provider.Provider, error) {
	return &failingProvider{}, nil
}
func (f *failingFactory) Platforms(ctx context.Context) ([]provider.PlatformInfo, error) {
	return []provider.PlatformInfo{{Name: "linux-chrome"}}, nil
}

func TestManager_ProviderCreateErrorSurfacesCause(t *testing.T) {
	p := pool.New(&failingFactory{}, pool.Config{Capacity: 4, SeleniumPort: 1})
	defer p.Shutdown(context.Background())
	st := store.NewStore(store.NewMemStore())
	mgr := New(st, recorder.New(st), p, Config{
		SessionTimeout: time.Hour,
		GetVMTimeout:   2 * time.Second,
		GetVMRetryWait: 10 * time.Millisecond,
		SeleniumPort:   1,
		ReaperInterval: time.Hour,
	})
	defer mgr.Shutdown()

	caps := domain.DesiredCapabilities{Platform: "linux-chrome"}
	start := time.Now()
	_, _, err := mgr.Create(context.Background(), caps, `{}`, "", "POST /session HTTP/1.1")

	// The deadline must not be what ends the call; the first hard
	// provider failure does.
	if time.Since(start) > time.Second {
		t.Fatalf("provider error took %v to surface, should not wait out the deadline", time.Since(start))
	}
	var apiErr *apierr.Error
	if !errors.As(err, &apiErr) || apiErr.Kind != apierr.KindProviderError {
		t.Fatalf("expected ProviderError, got %v", err)
	}
	if !strings.Contains(err.Error(), "boom") {
		t.Fatalf("expected the provider's cause in the error, got %q", err.Error())
	}

	sessions, lerr := st.ListSessions(context.Background(), store.SessionFilter{})
	if lerr != nil {
		t.Fatalf("ListSessions: %v", lerr)
	}
	if len(sessions) != 0 {
		t.Fatalf("a failed provisioning attempt must not leave a session row, got %d", len(sessions))
	}
}

func TestManager_CapacityExceededLeavesNoSession(t *testing.T) {
	p := pool.New(&fakeFactory{ip: "127.0.0.1"}, pool.Config{Capacity: 0, SeleniumPort: 1})
	defer p.Shutdown(context.Background())
	st := store.NewStore(store.NewMemStore())
	mgr := New(st, recorder.New(st), p, Config{
		SessionTimeout: time.Hour,
		GetVMTimeout:   100 * time.Millisecond,
		GetVMRetryWait: 10 * time.Millisecond,
		SeleniumPort:   1,
		ReaperInterval: time.Hour,
	})
	defer mgr.Shutdown()

	caps := domain.DesiredCapabilities{Platform: "linux-chrome"}
	_, _, err := mgr.Create(context.Background(), caps, `{}`, "", "POST /session HTTP/1.1")

	var apiErr *apierr.Error
	if !errors.As(err, &apiErr) || apiErr.Kind != apierr.KindCapacityExceeded {
		t.Fatalf("expected CapacityExceeded, got %v", err)
	}

	sessions, err := st.ListSessions(context.Background(), store.SessionFilter{})
	if err != nil {
		t.Fatalf("ListSessions: %v", err)
	}
	if len(sessions) != 0 {
		t.Fatalf("capacity rejection must not leave a session row, got %d", len(sessions))
	}
}

func TestManager_FailMarksSessionFailed(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"sessionId":"upstream-f","status":0,"value":{}}`)
	}))
	defer upstream.Close()

	host, portStr, _ := strings.Cut(upstream.URL[len("http://"):], ":")
	var port int
	fmt.Sscanf(portStr, "%d", &port)

	mgr, cleanup := newTestManager(t, host, port)
	defer cleanup()

	caps := domain.DesiredCapabilities{Platform: "linux-chrome"}
	sess, _, err := mgr.Create(context.Background(), caps, `{}`, "", "POST /session HTTP/1.1")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	mgr.Fail(sess.ID, "upstream transport error", errors.New("connection reset"))

	stored, err := mgr.store.GetSession(context.Background(), sess.ID)
	if err != nil {
		t.Fatalf("GetSession: %v", err)
	}
	if stored.Status != domain.StatusFailed || !stored.Closed {
		t.Fatalf("expected failed+closed, got %+v", stored)
	}
	if !strings.Contains(stored.Error, "connection reset") {
		t.Fatalf("expected cause recorded in error, got %q", stored.Error)
	}
	if _, err := mgr.GetClone(sess.ID); err == nil {
		t.Fatal("failed session must not keep its VM")
	}
}
