// Package proxy is vmmaster's intercepting HTTP proxy: it terminates
// client WebDriver connections, creates and destroys sessions, and
// transparently forwards every other request to the session's VM,
// rewriting the session id on the wire in both directions.
package proxy

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/vmmaster/vmmaster/internal/apierr"
	"github.com/vmmaster/vmmaster/internal/domain"
	"github.com/vmmaster/vmmaster/internal/logging"
	"github.com/vmmaster/vmmaster/internal/metrics"
	"github.com/vmmaster/vmmaster/internal/recorder"
	"github.com/vmmaster/vmmaster/internal/session"
)

// Config holds the proxy's wire-level settings.
type Config struct {
	SeleniumPort      int
	VmmasterAgentPort int
	ScreenshotsDir    string
}

// Handler is the proxy's http.Handler. Construct with New.
type Handler struct {
	sessions *session.Manager
	rec      *recorder.Recorder
	cfg      Config
	client   *http.Client
}

// New builds a Handler.
func New(sessions *session.Manager, rec *recorder.Recorder, cfg Config) *Handler {
	return &Handler{
		sessions: sessions,
		rec:      rec,
		cfg:      cfg,
		client:   &http.Client{Timeout: 2 * time.Minute},
	}
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	body, err := readBody(r)
	if err != nil {
		apierr.WriteError(w, apierr.New(apierr.KindUpstreamError, "read request body", err))
		return
	}

	if r.Method == http.MethodPost && isCreatePath(r.URL.Path) {
		h.handleCreate(w, r, body)
		return
	}

	sessID, ok := sessionIDFromPath(r.URL.Path)
	if !ok {
		apierr.WriteError(w, apierr.UnknownSession("no session id in request path"))
		return
	}
	if _, err := h.sessions.GetClone(sessID); err != nil {
		apierr.WriteError(w, err)
		return
	}

	controlLine := fmt.Sprintf("%s %s %s", r.Method, r.URL.Path, r.Proto)
	step := h.rec.RecordRequest(r.Context(), sessID, controlLine, string(body))

	if r.Method == http.MethodDelete && isDeletePath(r.URL.Path) {
		h.handleClose(w, r, sessID)
		return
	}

	h.transparent(w, r, sessID, body, step)
}

func readBody(r *http.Request) ([]byte, error) {
	if r.Body == nil {
		return nil, nil
	}
	defer r.Body.Close()
	return io.ReadAll(r.Body)
}

// handleCreate parses desiredCapabilities out of body, allocates a VM
// through the session manager, and relays the upstream Selenium server's
// response with the session id swapped back to the client-visible one.
func (h *Handler) handleCreate(w http.ResponseWriter, r *http.Request, body []byte) {
	caps, err := parseDesiredCapabilities(body)
	if err != nil {
		apierr.WriteError(w, apierr.New(apierr.KindUpstreamError, "parse desiredCapabilities", err))
		return
	}

	username := caps.User
	if username == "" {
		username = r.Header.Get("X-Vmmaster-User")
	}

	controlLine := fmt.Sprintf("%s %s %s", r.Method, r.URL.Path, r.Proto)
	sess, result, err := h.sessions.Create(r.Context(), caps, string(body), username, controlLine)
	if err != nil {
		apierr.WriteError(w, err)
		return
	}

	clientID := strconv.FormatInt(sess.ID, 10)
	respBody := setBodySessionID(result.Body, clientID)

	h.rec.RecordReply(r.Context(), sess.ID, fmt.Sprintf("%s %d", r.Proto, result.StatusCode), string(respBody))

	// The session-creation response is one of the screenshot triggers.
	if vm, gerr := h.sessions.GetClone(sess.ID); gerr == nil {
		h.captureScreenshot(r.Context(), vm, sess.ID, result.Step)
	}

	copyHeaders(w.Header(), result.Header)
	w.Header().Set("Content-Length", strconv.Itoa(len(respBody)))
	w.WriteHeader(result.StatusCode)
	_, _ = w.Write(respBody)
}

// handleClose forwards the close request to the VM's Selenium server
// (best-effort) and then always finalizes the vmmaster-side session.
func (h *Handler) handleClose(w http.ResponseWriter, r *http.Request, sessID int64) {
	vm, seleniumID, err := h.resolveSession(sessID)
	if err != nil {
		apierr.WriteError(w, err)
		return
	}

	upstreamPath := setPathSessionID(r.URL.Path, seleniumID)
	resp, respBody, err := h.forward(r.Context(), r.Method, vm.IP, upstreamPath, r.Header, nil)
	h.sessions.Close(sessID)

	if err != nil {
		logging.Op().Info("upstream close request failed, session already finalized", "session", sessID, "error", err)
		apierr.WriteResult(w, map[string]any{"sessionId": sessID, "status": 0})
		return
	}

	out := setBodySessionID(respBody, strconv.FormatInt(sessID, 10))
	h.rec.RecordReply(r.Context(), sessID, fmt.Sprintf("%s %d", r.Proto, resp.StatusCode), string(out))
	copyHeaders(w.Header(), resp.Header)
	w.Header().Set("Content-Length", strconv.Itoa(len(out)))
	w.WriteHeader(resp.StatusCode)
	_, _ = w.Write(out)
}

// transparent swaps the session id to the upstream one, forwards the
// request unmodified otherwise, swaps the id back in the reply, and
// triggers a synchronous screenshot when the path matches
// wantsScreenshot.
func (h *Handler) transparent(w http.ResponseWriter, r *http.Request, sessID int64, body []byte, step *domain.LogStep) {
	vm, seleniumID, err := h.resolveSession(sessID)
	if err != nil {
		apierr.WriteError(w, err)
		return
	}

	upstreamPath := setPathSessionID(r.URL.Path, seleniumID)
	upstreamBody := setBodySessionID(body, seleniumID)

	start := time.Now()
	resp, respBody, err := h.forward(r.Context(), r.Method, vm.IP, upstreamPath, r.Header, upstreamBody)
	if err != nil {
		logging.Recorder().Log(&logging.ForwardLog{
			SessionID:  sessID,
			Method:     r.Method,
			Path:       r.URL.Path,
			DurationMs: time.Since(start).Milliseconds(),
			Error:      err.Error(),
		})
		if r.Context().Err() != nil {
			h.sessions.CloseWithReason(sessID, "client disconnected")
			return
		}
		h.failSession(sessID, err)
		apierr.WriteError(w, apierr.UpstreamError(err.Error()))
		return
	}
	vm.ResetTimer()
	logging.Recorder().Log(&logging.ForwardLog{
		SessionID:  sessID,
		Method:     r.Method,
		Path:       r.URL.Path,
		StatusCode: resp.StatusCode,
		DurationMs: time.Since(start).Milliseconds(),
	})

	out := setBodySessionID(respBody, strconv.FormatInt(sessID, 10))
	h.rec.RecordReply(r.Context(), sessID, fmt.Sprintf("%s %d", r.Proto, resp.StatusCode), string(out))

	if r.Method == http.MethodPost && wantsScreenshot(r.URL.Path) {
		h.captureScreenshot(r.Context(), vm, sessID, step)
	}

	copyHeaders(w.Header(), resp.Header)
	w.Header().Set("Content-Length", strconv.Itoa(len(out)))
	w.WriteHeader(resp.StatusCode)
	_, _ = w.Write(out)
}

func (h *Handler) resolveSession(sessID int64) (*domain.VM, string, error) {
	vm, err := h.sessions.GetClone(sessID)
	if err != nil {
		return nil, "", err
	}
	seleniumID, err := h.sessions.GetSeleniumSession(sessID)
	if err != nil {
		return nil, "", err
	}
	return vm, seleniumID, nil
}

func (h *Handler) forward(ctx context.Context, method, ip, path string, headers http.Header, body []byte) (*http.Response, []byte, error) {
	url := fmt.Sprintf("http://%s:%d%s", ip, h.cfg.SeleniumPort, path)
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return nil, nil, err
	}
	copyHeaders(req.Header, headers)
	req.Header.Del("Content-Length")
	if body != nil {
		req.ContentLength = int64(len(body))
	}

	start := time.Now()
	resp, err := h.client.Do(req)
	metrics.ForwardedRequestDuration.WithLabelValues(method).Observe(float64(time.Since(start).Milliseconds()))
	if err != nil {
		return nil, nil, err
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, nil, err
	}
	return resp, respBody, nil
}

func (h *Handler) failSession(sessID int64, cause error) {
	logging.Op().Error("forward to vm failed, failing session", "session", sessID, "error", cause)
	h.sessions.Fail(sessID, "upstream transport error", cause)
}

// captureScreenshot fetches a screenshot from the vmmaster-agent running
// on vm and attaches it to step.
func (h *Handler) captureScreenshot(ctx context.Context, vm *domain.VM, sessID int64, step *domain.LogStep) {
	if step == nil {
		return
	}
	url := fmt.Sprintf("http://%s:%d/takeScreenshot", vm.IP, h.cfg.VmmasterAgentPort)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return
	}
	resp, err := h.client.Do(req)
	if err != nil {
		logging.Op().Info("screenshot capture failed", "session", sessID, "error", err)
		return
	}
	defer resp.Body.Close()
	encoded, err := io.ReadAll(resp.Body)
	if err != nil || resp.StatusCode != http.StatusOK {
		return
	}

	raw, err := base64.StdEncoding.DecodeString(string(encoded))
	if err != nil {
		return
	}

	path := fmt.Sprintf("%s/%d/%d.png", h.cfg.ScreenshotsDir, sessID, step.ID)
	if err := writeFile(path, raw); err != nil {
		logging.Op().Error("screenshot write failed", "path", path, "error", err)
		return
	}
	h.rec.AttachScreenshot(ctx, step, path)
}

// parseDesiredCapabilities accepts both the legacy JSON Wire
// {"desiredCapabilities": {...}} envelope and a bare capabilities object,
// preserving the platform, name, user and takeScreenshot fields vmmaster
// itself interprets.
func parseDesiredCapabilities(body []byte) (domain.DesiredCapabilities, error) {
	var wrapped struct {
		DesiredCapabilities domain.DesiredCapabilities `json:"desiredCapabilities"`
	}
	if err := json.Unmarshal(body, &wrapped); err == nil && wrapped.DesiredCapabilities.Platform != "" {
		return wrapped.DesiredCapabilities, nil
	}

	var bare domain.DesiredCapabilities
	if err := json.Unmarshal(body, &bare); err != nil {
		return domain.DesiredCapabilities{}, err
	}
	return bare, nil
}

func copyHeaders(dst, src http.Header) {
	for k, values := range src {
		for _, v := range values {
			dst.Add(k, v)
		}
	}
}
