// Package session owns per-session state: creating a session allocates
// a VM and opens an upstream Selenium session on it, and a background
// reaper closes sessions that idle past the configured timeout.
package session

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/vmmaster/vmmaster/internal/apierr"
	"github.com/vmmaster/vmmaster/internal/domain"
	"github.com/vmmaster/vmmaster/internal/logging"
	"github.com/vmmaster/vmmaster/internal/metrics"
	"github.com/vmmaster/vmmaster/internal/pool"
	"github.com/vmmaster/vmmaster/internal/recorder"
	"github.com/vmmaster/vmmaster/internal/store"
)

// Config bounds session lifetime and VM-acquisition retries.
type Config struct {
	SessionTimeout time.Duration // SESSION_TIMEOUT
	GetVMTimeout   time.Duration // GET_VM_TIMEOUT
	GetVMRetryWait time.Duration
	SeleniumPort   int
	ReaperInterval time.Duration
}

// OpenResult is the upstream Selenium server's raw response to the
// session-creation POST, returned so the proxy can rewrite the session id
// embedded in its body before relaying it to the client. Step is the
// LogStep recorded for the create request, so the proxy can attach the
// session-creation screenshot to it.
type OpenResult struct {
	StatusCode int
	Header     http.Header
	Body       []byte
	Step       *domain.LogStep
}

// runtime pairs a persisted Session with the live VM backing it. Only
// sessions with Status Waiting or Running have an entry here.
type runtime struct {
	session *domain.Session
	vm      *domain.VM
}

// Manager owns every in-flight session's VM handle and enforces
// per-user quotas and idle timeouts. The durable Session/LogStep records
// live in store.Store; Manager is the authority on which sessions still
// hold a VM.
type Manager struct {
	store  *store.Store
	rec    *recorder.Recorder
	pool   *pool.Pool
	cfg    Config
	client *http.Client

	mu     sync.Mutex
	active map[int64]*runtime
	queued int // sessions currently waiting on VM acquisition

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New constructs a Manager and starts its idle-session reaper. Callers
// must call Shutdown to stop it and close any still-open sessions.
func New(st *store.Store, rec *recorder.Recorder, p *pool.Pool, cfg Config) *Manager {
	if cfg.GetVMRetryWait == 0 {
		cfg.GetVMRetryWait = time.Second
	}
	if cfg.ReaperInterval == 0 {
		cfg.ReaperInterval = 10 * time.Second
	}
	ctx, cancel := context.WithCancel(context.Background())
	m := &Manager{
		store:  st,
		rec:    rec,
		pool:   p,
		cfg:    cfg,
		client: &http.Client{Timeout: 60 * time.Second},
		active: make(map[int64]*runtime),
		ctx:    ctx,
		cancel: cancel,
	}
	m.wg.Add(1)
	go m.reapLoop()
	return m
}

// Create allocates a VM for caps.Platform, persists the Session, opens
// an upstream Selenium session by forwarding rawDC to the VM, and on
// success marks the session running. Acquisition happens before the
// session row exists, so a pool at capacity rejects the request without
// leaving a failed session behind; once the row is persisted, any
// failure marks it failed and releases the VM. controlLine is the
// client's request line, recorded as the session's first LogStep.
func (m *Manager) Create(ctx context.Context, caps domain.DesiredCapabilities, rawDC, username, controlLine string) (*domain.Session, *OpenResult, error) {
	if err := m.checkQuota(ctx, username); err != nil {
		metrics.SessionsCreated.WithLabelValues("rejected").Inc()
		return nil, nil, err
	}

	vm, attempts, err := m.acquireVM(ctx, caps.Platform)
	if err != nil {
		metrics.SessionsCreated.WithLabelValues("rejected").Inc()
		return nil, nil, err
	}

	sess := &domain.Session{
		Name:           caps.Name,
		User:           username,
		DesiredCaps:    rawDC,
		Platform:       caps.Platform,
		TakeScreenshot: caps.TakeScreenshot,
		Status:         domain.StatusWaiting,
	}
	if caps.RunScript != nil {
		sess.RunScript = string(caps.RunScript)
	}
	if err := m.store.CreateSession(ctx, sess); err != nil {
		m.pool.Destroy(context.Background(), vm)
		metrics.SessionsCreated.WithLabelValues("error").Inc()
		return nil, nil, apierr.New(apierr.KindProviderError, "persist session", err)
	}

	step := m.rec.RecordRequest(ctx, sess.ID, controlLine, rawDC)
	if step != nil {
		// The retries it took to land a VM become sub-steps of the create
		// request, so the audit trail shows why creation was slow.
		for _, note := range attempts {
			m.rec.RecordSubStep(ctx, step.ID, "vm acquisition retry", note)
		}
	}

	result, err := m.openUpstreamSession(ctx, vm, rawDC)
	if err != nil {
		m.pool.Destroy(context.Background(), vm)
		m.fail(ctx, sess, "failed to open selenium session", err)
		metrics.SessionsCreated.WithLabelValues("failed").Inc()
		return sess, nil, apierr.UpstreamError(err.Error())
	}
	result.Step = step

	upstreamID, err := extractSessionID(result.Body)
	if err != nil || result.StatusCode >= 400 {
		m.pool.Destroy(context.Background(), vm)
		m.fail(ctx, sess, "selenium rejected session", fmt.Errorf("status %d: %w", result.StatusCode, err))
		metrics.SessionsCreated.WithLabelValues("failed").Inc()
		return sess, nil, apierr.UpstreamError("selenium server rejected the session")
	}

	sess.SeleniumSession = upstreamID
	sess.Status = domain.StatusRunning
	if err := m.store.UpdateSession(ctx, sess); err != nil {
		logging.Op().Error("session update failed after open", "session", sess.ID, "error", err)
	}

	m.mu.Lock()
	m.active[sess.ID] = &runtime{session: sess, vm: vm}
	m.mu.Unlock()

	metrics.SessionsCreated.WithLabelValues("running").Inc()
	return sess, result, nil
}

// acquireVM tries Pool.Get, falling back to Pool.Add on a miss,
// retrying a full pool until GetVMTimeout elapses and surfacing the
// deadline as CapacityExceeded. A hard provider failure from Add is not
// retried: the provider's cause goes straight back to the client
// instead of hiding behind the deadline. Returns a note per failed
// attempt for the caller to record as sub-steps.
func (m *Manager) acquireVM(ctx context.Context, platform string) (*domain.VM, []string, error) {
	m.mu.Lock()
	m.queued++
	m.mu.Unlock()
	defer func() {
		m.mu.Lock()
		m.queued--
		m.mu.Unlock()
	}()

	var attempts []string
	deadline := time.Now().Add(m.cfg.GetVMTimeout)
	for {
		vm, err := m.pool.Get(ctx, platform)
		if err != nil {
			return nil, attempts, apierr.ProviderError("get vm", err)
		}
		if vm != nil {
			return vm, attempts, nil
		}

		vm, err = m.pool.Add(ctx, platform, "", false)
		if err == nil {
			return vm, attempts, nil
		}
		attempts = append(attempts, err.Error())
		if !errors.Is(err, pool.ErrCapacityExceeded) {
			return nil, attempts, err
		}

		if time.Now().After(deadline) {
			return nil, attempts, apierr.CapacityExceeded(fmt.Sprintf("pool is at capacity, no vm available for platform %q", platform))
		}
		select {
		case <-ctx.Done():
			return nil, attempts, apierr.Timeout(ctx.Err().Error())
		case <-time.After(m.cfg.GetVMRetryWait):
		}
	}
}

// Queued reports how many sessions are currently waiting on VM
// acquisition, the admin surface's queue depth.
func (m *Manager) Queued() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.queued
}

// openUpstreamSession POSTs the client's original desiredCapabilities
// body to the VM's Selenium server, opening an upstream WebDriver
// session. vmmaster's proxy relays this request transparently in the
// live path; Manager issues it directly so session creation can be
// retried independent of the client connection.
func (m *Manager) openUpstreamSession(ctx context.Context, vm *domain.VM, rawDC string) (*OpenResult, error) {
	url := fmt.Sprintf("http://%s:%d/session", vm.IP, m.cfg.SeleniumPort)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader([]byte(rawDC)))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := m.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	vm.ResetTimer()
	return &OpenResult{StatusCode: resp.StatusCode, Header: resp.Header, Body: body}, nil
}

// extractSessionID reads the upstream session id out of either a W3C
// ({"value":{"sessionId":...}}) or JSON-Wire ({"sessionId":...}) response.
func extractSessionID(body []byte) (string, error) {
	var w3c struct {
		Value struct {
			SessionID string `json:"sessionId"`
		} `json:"value"`
	}
	if err := json.Unmarshal(body, &w3c); err == nil && w3c.Value.SessionID != "" {
		return w3c.Value.SessionID, nil
	}
	var wire struct {
		SessionID string `json:"sessionId"`
	}
	if err := json.Unmarshal(body, &wire); err == nil && wire.SessionID != "" {
		return wire.SessionID, nil
	}
	return "", fmt.Errorf("no sessionId in response")
}

func (m *Manager) fail(ctx context.Context, sess *domain.Session, reason string, cause error) {
	sess.Status = domain.StatusFailed
	sess.Reason = reason
	if cause != nil {
		sess.Error = cause.Error()
	}
	sess.Closed = true
	if err := m.store.UpdateSession(ctx, sess); err != nil {
		logging.Op().Error("session update failed after failure", "session", sess.ID, "error", err)
	}
}

// GetClone returns the VM backing an active session. Returns
// apierr.UnknownSession if the session is absent or already closed.
func (m *Manager) GetClone(sessionID int64) (*domain.VM, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rt, ok := m.active[sessionID]
	if !ok {
		return nil, apierr.UnknownSession(fmt.Sprintf("unknown session: %d", sessionID))
	}
	return rt.vm, nil
}

// GetSeleniumSession returns the upstream session id for an active
// vmmaster session.
func (m *Manager) GetSeleniumSession(sessionID int64) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rt, ok := m.active[sessionID]
	if !ok {
		return "", apierr.UnknownSession(fmt.Sprintf("unknown session: %d", sessionID))
	}
	return rt.session.SeleniumSession, nil
}

// Active returns a snapshot of every session still holding a VM.
func (m *Manager) Active() []*domain.Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*domain.Session, 0, len(m.active))
	for _, rt := range m.active {
		out = append(out, rt.session)
	}
	return out
}

// take removes and returns the runtime for sessionID, or nil if the
// session is unknown or already closed. Exactly one caller wins for a
// given session, which is what makes Close/Fail idempotent.
func (m *Manager) take(sessionID int64) *runtime {
	m.mu.Lock()
	defer m.mu.Unlock()
	rt, ok := m.active[sessionID]
	if !ok {
		return nil
	}
	delete(m.active, sessionID)
	return rt
}

// Close finalizes a session: destroys its VM and marks it succeeded
// unless it was already marked failed. Idempotent — closing an unknown
// or already-closed session id is a no-op.
func (m *Manager) Close(sessionID int64) {
	rt := m.take(sessionID)
	if rt == nil {
		return
	}
	m.finalize(rt, domain.StatusSucceeded, "")
}

// CloseWithReason is Close with a recorded reason, e.g. "client
// disconnected" when the client drops mid-forward.
func (m *Manager) CloseWithReason(sessionID int64, reason string) {
	rt := m.take(sessionID)
	if rt == nil {
		return
	}
	m.finalize(rt, domain.StatusSucceeded, reason)
}

// Fail closes a session as failed, recording the cause. The proxy calls
// this when the upstream transport breaks mid-session.
func (m *Manager) Fail(sessionID int64, reason string, cause error) {
	rt := m.take(sessionID)
	if rt == nil {
		return
	}
	rt.session.Status = domain.StatusFailed
	if cause != nil {
		rt.session.Error = cause.Error()
	}
	m.finalize(rt, domain.StatusFailed, reason)
}

func (m *Manager) finalize(rt *runtime, status domain.SessionStatus, reason string) {
	ctx := context.Background()
	m.pool.Destroy(ctx, rt.vm)

	sess := rt.session
	if sess.Status != domain.StatusFailed {
		sess.Status = status
	}
	if reason != "" {
		sess.Reason = reason
	}
	sess.Closed = true
	if err := m.store.UpdateSession(ctx, sess); err != nil {
		logging.Op().Error("session finalize failed", "session", sess.ID, "error", err)
	}

	if err := m.enforceStorageQuota(ctx, sess.User); err != nil {
		logging.Op().Warn("session storage quota enforcement failed", "user", sess.User, "error", err)
	}
}

func (m *Manager) checkQuota(ctx context.Context, username string) error {
	if username == "" {
		return nil
	}
	user, err := m.store.GetUserByUsername(ctx, username)
	if err != nil {
		return nil // users with no store record are unrestricted; the proxy does not authenticate
	}
	active, err := m.store.CountActiveSessions(ctx, username)
	if err != nil {
		return nil
	}
	if active >= user.AllowedMachines {
		return apierr.CapacityExceeded(fmt.Sprintf("user %q has reached its allowed machine quota (%d)", username, user.AllowedMachines))
	}
	return nil
}

func (m *Manager) enforceStorageQuota(ctx context.Context, username string) error {
	if username == "" {
		return nil
	}
	user, err := m.store.GetUserByUsername(ctx, username)
	if err != nil {
		return nil
	}
	if user.MaxStoredSessions <= 0 {
		return nil
	}
	_, err = m.store.PruneOldestClosedSessions(ctx, username, user.MaxStoredSessions)
	return err
}

// reapLoop closes sessions whose VM has idled past SessionTimeout,
// marking them timed out. Idle time is measured against the VM's
// activity timer, not the session's creation time.
func (m *Manager) reapLoop() {
	defer m.wg.Done()
	ticker := time.NewTicker(m.cfg.ReaperInterval)
	defer ticker.Stop()
	for {
		select {
		case <-m.ctx.Done():
			return
		case <-ticker.C:
			m.reapIdle()
		}
	}
}

func (m *Manager) reapIdle() {
	if m.cfg.SessionTimeout <= 0 {
		return
	}
	var expired []*runtime
	m.mu.Lock()
	for id, rt := range m.active {
		if rt.vm.IdleFor() > m.cfg.SessionTimeout {
			expired = append(expired, rt)
			delete(m.active, id)
		}
	}
	m.mu.Unlock()

	for _, rt := range expired {
		logging.Op().Info("reaping idle session", "session", rt.session.ID, "vm", rt.vm.Name)
		rt.session.TimedOut = true
		metrics.SessionsTimedOut.Inc()
		m.finalize(rt, domain.StatusFailed, "idle timeout exceeded")
	}
}

// Shutdown stops the reaper and releases every still-active session's VM.
func (m *Manager) Shutdown() {
	m.cancel()
	m.wg.Wait()

	m.mu.Lock()
	all := make([]*runtime, 0, len(m.active))
	for _, rt := range m.active {
		all = append(all, rt)
	}
	m.active = nil
	m.mu.Unlock()

	for _, rt := range all {
		m.finalize(rt, domain.StatusSucceeded, "server shutdown")
	}
}
