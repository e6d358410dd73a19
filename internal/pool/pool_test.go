package pool

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/vmmaster/vmmaster/internal/provider"
)

// scriptedProvider lets tests control Create/Ping/Rebuild outcomes and
// the provider-inventory answers per instance, and counts Delete and
// Rebuild calls to assert recovery took the intended path.
type scriptedProvider struct {
	createErr  error
	pingErr    error
	rebuildErr error
	gone           bool   // provider has no record of the VM at all
	stopped        bool   // known to the provider but not running
	ipAfterRebuild string // address the VM comes back on after a rebuild
	deleted        atomic.Bool
	rebuilds       atomic.Int32
}

func (p *scriptedProvider) Create(ctx context.Context) (provider.CreateResult, error) {
	if p.createErr != nil {
		return provider.CreateResult{}, p.createErr
	}
	return provider.CreateResult{Ready: true, IP: "10.0.0.5", MAC: "52:54:00:00:00:02"}, nil
}
func (p *scriptedProvider) Delete(ctx context.Context) error {
	p.deleted.Store(true)
	return nil
}
func (p *scriptedProvider) Rebuild(ctx context.Context) error {
	p.rebuilds.Add(1)
	return p.rebuildErr
}
func (p *scriptedProvider) Ping(ctx context.Context, port int) error { return p.pingErr }
func (p *scriptedProvider) VMHasCreated(ctx context.Context) (bool, error) {
	return !p.gone, nil
}
func (p *scriptedProvider) CheckVMExists(ctx context.Context) (bool, error) {
	return !p.gone && !p.stopped, nil
}
func (p *scriptedProvider) GetIP(ctx context.Context) (string, error) {
	if p.ipAfterRebuild != "" && p.rebuilds.Load() > 0 {
		return p.ipAfterRebuild, nil
	}
	return "10.0.0.5", nil
}

// scriptedFactory hands out a fresh scriptedProvider per VM, configured
// by a test-supplied function so different VMs can behave differently.
type scriptedFactory struct {
	mu       sync.Mutex
	configure func(name string) *scriptedProvider
	made     []*scriptedProvider
}

func (f *scriptedFactory) NewProvider(platform, name string) (provider.Provider, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	p := f.configure(name)
	f.made = append(f.made, p)
	return p, nil
}
func (f *scriptedFactory) Platforms(ctx context.Context) ([]provider.PlatformInfo, error) {
	return []provider.PlatformInfo{{Name: "linux-chrome"}}, nil
}

func healthyFactory() *scriptedFactory {
	return &scriptedFactory{configure: func(name string) *scriptedProvider { return &scriptedProvider{} }}
}

func newTestPool(f *scriptedFactory, cfg Config) *Pool {
	if cfg.Capacity == 0 {
		cfg.Capacity = 4
	}
	cfg.PreloaderFrequency = time.Hour // disable background ticking during unit tests
	cfg.VMCheckFrequency = time.Hour
	return New(f, cfg)
}

func TestPool_AddAndGet(t *testing.T) {
	f := healthyFactory()
	p := newTestPool(f, Config{})
	defer p.Shutdown(context.Background())

	vm, err := p.Add(context.Background(), "linux-chrome", "", false)
	if err != nil {
		t.Fatalf("Add: %v", err)
	}
	if !vm.Ready || vm.IP != "10.0.0.5" {
		t.Fatalf("unexpected vm state: %+v", vm)
	}
	if p.Count() != 1 {
		t.Fatalf("expected count 1, got %d", p.Count())
	}
}

func TestPool_GetMissReturnsNilNil(t *testing.T) {
	f := healthyFactory()
	p := newTestPool(f, Config{})
	defer p.Shutdown(context.Background())

	vm, err := p.Get(context.Background(), "linux-chrome")
	if vm != nil || err != nil {
		t.Fatalf("expected (nil, nil) on miss, got (%v, %v)", vm, err)
	}
}

func TestPool_PreloadThenGetMovesToUsing(t *testing.T) {
	f := healthyFactory()
	p := newTestPool(f, Config{})
	defer p.Shutdown(context.Background())

	if _, err := p.Preload(context.Background(), "linux-chrome"); err != nil {
		t.Fatalf("Preload: %v", err)
	}
	if !p.Has("linux-chrome") {
		t.Fatal("expected a ready vm for linux-chrome")
	}

	vm, err := p.Get(context.Background(), "linux-chrome")
	if err != nil || vm == nil {
		t.Fatalf("Get: %v, %v", vm, err)
	}
	if p.Has("linux-chrome") {
		t.Fatal("vm should have moved out of ready")
	}
}

func TestPool_CapacityExceeded(t *testing.T) {
	f := healthyFactory()
	p := newTestPool(f, Config{Capacity: 1})
	defer p.Shutdown(context.Background())

	if _, err := p.Add(context.Background(), "linux-chrome", "", false); err != nil {
		t.Fatalf("first Add: %v", err)
	}
	if _, err := p.Add(context.Background(), "linux-chrome", "", false); !errors.Is(err, ErrCapacityExceeded) {
		t.Fatalf("expected ErrCapacityExceeded, got %v", err)
	}
}

func TestPool_AddCreateFailureLeavesNoEntry(t *testing.T) {
	f := &scriptedFactory{configure: func(name string) *scriptedProvider {
		return &scriptedProvider{createErr: errors.New("boom")}
	}}
	p := newTestPool(f, Config{})
	defer p.Shutdown(context.Background())

	if _, err := p.Add(context.Background(), "linux-chrome", "", false); err == nil {
		t.Fatal("expected create error")
	}
	if p.Count() != 0 {
		t.Fatalf("expected count 0 after failed create, got %d", p.Count())
	}
}

func TestPool_GetRevalidatesAndDestroysDeadVM(t *testing.T) {
	f := &scriptedFactory{configure: func(name string) *scriptedProvider {
		return &scriptedProvider{pingErr: errors.New("unreachable")}
	}}
	p := newTestPool(f, Config{})
	defer p.Shutdown(context.Background())

	if _, err := p.Preload(context.Background(), "linux-chrome"); err != nil {
		t.Fatalf("Preload: %v", err)
	}

	vm, err := p.Get(context.Background(), "linux-chrome")
	if vm != nil || err != nil {
		t.Fatalf("expected (nil, nil) for a dead vm, got (%v, %v)", vm, err)
	}
	if p.Count() != 0 {
		t.Fatalf("expected dead vm removed from pool, count = %d", p.Count())
	}
}

func TestPool_GetSkipsTransitioningVM(t *testing.T) {
	f := &scriptedFactory{configure: func(name string) *scriptedProvider {
		return &scriptedProvider{pingErr: errors.New("unreachable"), stopped: true}
	}}
	p := newTestPool(f, Config{})
	defer p.Shutdown(context.Background())

	if _, err := p.Preload(context.Background(), "linux-chrome"); err != nil {
		t.Fatalf("Preload: %v", err)
	}

	vm, err := p.Get(context.Background(), "linux-chrome")
	if vm != nil || err != nil {
		t.Fatalf("expected a miss for a transitioning vm, got (%v, %v)", vm, err)
	}
	if p.Count() != 1 {
		t.Fatalf("a transitioning vm must stay in the pool, count = %d", p.Count())
	}
	if f.made[0].deleted.Load() {
		t.Fatal("a transitioning vm must not be deleted by Get")
	}
}

func TestPool_HealthCheckRebuildsBrokenVM(t *testing.T) {
	sp := &scriptedProvider{pingErr: errors.New("down"), ipAfterRebuild: "10.0.0.99"}
	f := &scriptedFactory{configure: func(name string) *scriptedProvider { return sp }}
	p := newTestPool(f, Config{VMCheck: true})
	defer p.Shutdown(context.Background())

	if _, err := p.Preload(context.Background(), "linux-chrome"); err != nil {
		t.Fatalf("Preload: %v", err)
	}

	p.checkReadyVMs()

	if sp.deleted.Load() {
		t.Fatal("rebuild succeeded, vm should not have been deleted")
	}
	if sp.rebuilds.Load() != 1 {
		t.Fatalf("expected exactly one rebuild, got %d", sp.rebuilds.Load())
	}
	if !p.Has("linux-chrome") {
		t.Fatal("rebuilt vm should be back in the ready list")
	}
	snap := p.Stats()
	if len(snap.Ready) != 1 || snap.Ready[0].IP != "10.0.0.99" {
		t.Fatalf("expected the rebuilt vm's address refreshed, got %+v", snap.Ready)
	}
}

func TestPool_HealthCheckWaitsForTransitioningVM(t *testing.T) {
	sp := &scriptedProvider{pingErr: errors.New("down"), stopped: true}
	f := &scriptedFactory{configure: func(name string) *scriptedProvider { return sp }}
	p := newTestPool(f, Config{VMCheck: true})
	defer p.Shutdown(context.Background())

	if _, err := p.Preload(context.Background(), "linux-chrome"); err != nil {
		t.Fatalf("Preload: %v", err)
	}

	p.checkReadyVMs()

	if sp.rebuilds.Load() != 0 || sp.deleted.Load() {
		t.Fatal("a vm the provider reports as not-running must be waited on, not rebuilt or deleted")
	}
	if p.Count() != 1 {
		t.Fatalf("expected vm kept in pool, count = %d", p.Count())
	}
}

func TestPool_HealthCheckRemovesVMGoneAtProvider(t *testing.T) {
	sp := &scriptedProvider{pingErr: errors.New("down"), gone: true}
	f := &scriptedFactory{configure: func(name string) *scriptedProvider { return sp }}
	p := newTestPool(f, Config{VMCheck: true})
	defer p.Shutdown(context.Background())

	if _, err := p.Preload(context.Background(), "linux-chrome"); err != nil {
		t.Fatalf("Preload: %v", err)
	}

	p.checkReadyVMs()

	if sp.rebuilds.Load() != 0 {
		t.Fatal("a vm the provider has no record of must not be rebuilt")
	}
	if !sp.deleted.Load() || p.Count() != 0 {
		t.Fatalf("expected gone vm removed, deleted=%v count=%d", sp.deleted.Load(), p.Count())
	}
}

func TestPool_HealthCheckDestroysUnrebuildableVM(t *testing.T) {
	sp := &scriptedProvider{pingErr: errors.New("down"), rebuildErr: errors.New("rebuild failed")}
	f := &scriptedFactory{configure: func(name string) *scriptedProvider { return sp }}
	p := newTestPool(f, Config{VMCheck: true})
	defer p.Shutdown(context.Background())

	if _, err := p.Preload(context.Background(), "linux-chrome"); err != nil {
		t.Fatalf("Preload: %v", err)
	}

	p.checkReadyVMs()

	if !sp.deleted.Load() {
		t.Fatal("expected unrebuildable vm to be deleted")
	}
	if p.Count() != 0 {
		t.Fatalf("expected pool empty, count = %d", p.Count())
	}
}

func TestPool_DestroyRemovesVM(t *testing.T) {
	f := healthyFactory()
	p := newTestPool(f, Config{})
	defer p.Shutdown(context.Background())

	vm, err := p.Add(context.Background(), "linux-chrome", "", false)
	if err != nil {
		t.Fatalf("Add: %v", err)
	}
	p.Destroy(context.Background(), vm)
	if p.Count() != 0 {
		t.Fatalf("expected count 0 after destroy, got %d", p.Count())
	}
}
