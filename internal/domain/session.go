package domain

import (
	"encoding/json"
	"time"
)

// SessionStatus is the session state machine's current state.
// Terminal states (Succeeded, Failed) are immutable once set.
type SessionStatus string

const (
	StatusWaiting   SessionStatus = "waiting"
	StatusRunning   SessionStatus = "running"
	StatusSucceeded SessionStatus = "succeeded"
	StatusFailed    SessionStatus = "failed"
	StatusUnknown   SessionStatus = "unknown"
)

// IsTerminal reports whether the status is a final state implying the
// session's VM has been destroyed.
func (s SessionStatus) IsTerminal() bool {
	return s == StatusSucceeded || s == StatusFailed
}

// DesiredCapabilities is the subset of a WebDriver desiredCapabilities
// payload vmmaster understands. Unrecognized fields are dropped on
// decode; Raw is not populated, and the proxy forwards the original
// request body upstream instead.
type DesiredCapabilities struct {
	Name           string          `json:"name,omitempty"`
	Platform       string          `json:"platform"`
	User           string          `json:"user,omitempty"`
	TakeScreenshot bool            `json:"takeScreenshot,omitempty"`
	RunScript      json.RawMessage `json:"runScript,omitempty"`
	Raw            json.RawMessage `json:"-"`
}

// Session is a single client's WebDriver session, from the client's
// POST /session through its DELETE /session/<id>. It holds a VM reference
// for exactly as long as Status is Waiting or Running.
type Session struct {
	ID              int64         `json:"id"` // client-visible session id
	Name            string        `json:"name"`
	User            string        `json:"user,omitempty"`
	DesiredCaps     string        `json:"dc"` // raw desiredCapabilities JSON, as stored
	Platform        string        `json:"platform"`
	SeleniumSession string        `json:"selenium_session,omitempty"` // upstream session id
	TakeScreenshot  bool          `json:"take_screenshot"`
	RunScript       string        `json:"run_script,omitempty"`
	Status          SessionStatus `json:"status"`
	Reason          string        `json:"reason,omitempty"`
	Error           string        `json:"error,omitempty"`
	TimedOut        bool          `json:"timed_out"`
	Closed          bool          `json:"closed"`
	CreatedAt       time.Time     `json:"created_at"`
	ModifiedAt      time.Time     `json:"modified_at"`
	DeletedAt       *time.Time    `json:"deleted_at,omitempty"`
}

// Active reports whether the session still owns (or is acquiring) a VM.
func (s *Session) Active() bool {
	return s.Status == StatusWaiting || s.Status == StatusRunning
}

// LogStep records one request or one reply on the wire: a single control
// line ("METHOD PATH VERSION" for requests, "VERSION CODE" for replies),
// the raw body, and an optional screenshot path. LogSteps are append-only
// and ordered by CreatedAt within a session.
type LogStep struct {
	ID         int64     `json:"id"`
	SessionID  int64     `json:"session_id"`
	ControlLine string   `json:"control_line"`
	Body       string    `json:"body,omitempty"`
	Screenshot string    `json:"screenshot,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
}

// SubStep attaches to a LogStep for provider-internal retries or
// multi-stage operations (e.g. repeated vm_is_ready probes during Create).
type SubStep struct {
	ID          int64     `json:"id"`
	LogStepID   int64     `json:"log_step_id"`
	ControlLine string    `json:"control_line"`
	Body        string    `json:"body,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}
