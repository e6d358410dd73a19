// Package domain holds the plain data types shared across vmmaster's
// components: VMs, platforms, sessions, their log steps, and the
// identities allowed to create them. None of these types carry behavior
// beyond small invariant-preserving helpers; ownership and mutation rules
// live in the packages that hold them (pool, session, recorder).
package domain

import (
	"sync/atomic"
	"time"
)

// VMPrefix classifies why a VM was created. It is encoded as a prefix on
// the VM's name so it can be recovered from the name alone.
type VMPrefix string

const (
	// PrefixOndemand marks a VM created synchronously for a session.
	PrefixOndemand VMPrefix = "ondemand"
	// PrefixPreloaded marks a VM created by the background preloader.
	PrefixPreloaded VMPrefix = "preloaded"
)

// Platform is an immutable descriptor of a source image/template,
// discovered from the provider at startup.
type Platform struct {
	Name string `json:"name"`
	Node string `json:"node"` // provider-specific zone/host/origin path
}

// VM is one allocated virtual machine, cloned from an origin image. A
// VM is owned by exactly one of: the pool's ready list, the pool's
// using set, or nothing (destroyed). Fields are mutated only by the
// owner under its lock; VM itself does not synchronize access.
type VM struct {
	Name         string    `json:"name"` // "<prefix>-<uuid>"
	Platform     string    `json:"platform"`
	Prefix       string    `json:"prefix"` // "ondemand-<uuid>" or "preloaded-<uuid>"
	IP           string    `json:"ip"`
	MAC          string    `json:"mac"`
	Ready        bool      `json:"ready"`
	Checking     bool      `json:"checking"`
	CreationTime time.Time `json:"creation_time"`

	// timerNanos stores the last-activity monotonic instant as UnixNano.
	// Accessed atomically so the proxy's hot path (ResetTimer, on every
	// forwarded request) never blocks on the pool's structural lock.
	timerNanos atomic.Int64
}

// NewVM builds a VM in its not-yet-ready state. Callers must set
// IP/MAC/Ready after the provider confirms activation.
func NewVM(name, platform, prefix string) *VM {
	vm := &VM{
		Name:         name,
		Platform:     platform,
		Prefix:       prefix,
		CreationTime: time.Now(),
	}
	vm.ResetTimer()
	return vm
}

// IsPreloaded reports whether this VM was created by the preloader.
func (v *VM) IsPreloaded() bool {
	return len(v.Prefix) >= len(PrefixPreloaded) && v.Prefix[:len(PrefixPreloaded)] == string(PrefixPreloaded)
}

// ResetTimer restarts the idle timer, called on every successful
// forwarded request. Timeouts are measured against this, not wall-clock
// creation time.
func (v *VM) ResetTimer() {
	v.timerNanos.Store(time.Now().UnixNano())
}

// IdleFor reports how long the VM has been idle since its last reset.
func (v *VM) IdleFor() time.Duration {
	return time.Since(time.Unix(0, v.timerNanos.Load()))
}
