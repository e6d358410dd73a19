// Package provider defines the interface the VM pool requires from a
// concrete VM driver. vmmaster ships one adapter, openstack
// (Nova/Neutron/Glance REST); there is no KVM adapter in this module. The
// adapter's internals are not part of the pool's contract — the pool
// only ever talks to Provider.
package provider

import (
	"context"
	"errors"
	"time"
)

// ErrNotExist means the provider has no record of the VM at all (as
// opposed to a VM that exists but is not yet active). VMHasCreated and
// CheckVMExists report that case as (false, nil) rather than returning
// it; MultiFactory.NewProvider returns it for a platform no backend serves.
var ErrNotExist = errors.New("provider: vm does not exist")

// CreateResult is what Create reports back to the pool once the provider
// believes the VM is active.
type CreateResult struct {
	Ready bool
	IP    string
	MAC   string
}

// Provider manages the lifecycle of one VM on behalf of the pool. A
// Provider value is created per-VM (see Factory) and is not reused once
// Delete has been called.
type Provider interface {
	// Create provisions the VM and waits for activation. It may block for
	// a long time; it must be cancelable by the context or by a concurrent
	// call to Delete.
	Create(ctx context.Context) (CreateResult, error)

	// Delete is idempotent and safe to call on a VM that was never
	// created (e.g. Create failed partway through).
	Delete(ctx context.Context) error

	// Rebuild destructively resets the VM to its origin image. On success
	// the provider guarantees a subsequent Ping passes, or it returns an
	// error.
	Rebuild(ctx context.Context) error

	// Ping TCP-connects to the given port on the VM's IP with the
	// provider's configured retry/timeout policy.
	Ping(ctx context.Context, port int) error

	// VMHasCreated reports whether the provider has any record of this
	// VM, independent of whether it is up.
	VMHasCreated(ctx context.Context) (bool, error)

	// CheckVMExists reports whether the VM is currently running per the
	// provider's own inventory (distinct from VMHasCreated: a VM can be
	// known but not running, e.g. mid-boot or stopped).
	CheckVMExists(ctx context.Context) (bool, error)

	// GetIP returns the VM's management IP from provider metadata.
	GetIP(ctx context.Context) (string, error)
}

// Factory creates a Provider bound to one platform/name pair. The pool
// calls Factory once per VM it creates; each returned Provider is used
// for that VM's entire lifetime.
type Factory interface {
	// NewProvider returns a Provider for a not-yet-created VM named
	// name, cloned from platform.
	NewProvider(platform, name string) (Provider, error)

	// Platforms lists the platforms this factory's provider knows about,
	// discovered from the provider at startup.
	Platforms(ctx context.Context) ([]PlatformInfo, error)
}

// PlatformInfo is what a Factory reports about a discoverable platform.
type PlatformInfo struct {
	Name string
	Node string
}

// PingConfig bounds liveness probe behavior for a provider adapter.
type PingConfig struct {
	Timeout    time.Duration
	Attempts   int
	RetryPause time.Duration
}

// DefaultPingConfig mirrors the default VM_CREATE_CHECK_ATTEMPTS /
// VM_CREATE_CHECK_PAUSE / PING_TIMEOUT settings.
func DefaultPingConfig() PingConfig {
	return PingConfig{
		Timeout:    5 * time.Second,
		Attempts:   30,
		RetryPause: time.Second,
	}
}
