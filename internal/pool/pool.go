// Package pool implements the VM pool and lifecycle engine: the ready
// list and in-use set of allocated VMs, admission against a global
// capacity, a background preloader that keeps N warm VMs per platform,
// and a background health-checker that rebuilds or destroys broken VMs.
//
// # Concurrency model
//
// A single mutex guards both lists (ready, using) and the per-VM
// Checking flag. All list mutation and membership checks happen under
// that lock. Provider calls — Create, Delete, Rebuild, Ping — are made
// after releasing the lock, with the VM reachable via a local
// reference; a second critical section records the result. The lock is
// never held across blocking provider I/O.
//
// # Invariants
//
//   - A VM is in at most one of {ready, using} at any instant; once
//     destroyed it is in neither.
//   - count() == len(ready) + len(using), always.
//   - count() <= capacity, always (enforced by Add before creation).
package pool

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/vmmaster/vmmaster/internal/apierr"
	"github.com/vmmaster/vmmaster/internal/domain"
	"github.com/vmmaster/vmmaster/internal/logging"
	"github.com/vmmaster/vmmaster/internal/metrics"
	"github.com/vmmaster/vmmaster/internal/provider"
)

// ErrCapacityExceeded is returned by Add/Preload when count() >= capacity.
var ErrCapacityExceeded = errors.New("pool: capacity exceeded")

// entry pairs a domain.VM with the Provider handle that created it.
type entry struct {
	vm       *domain.VM
	provider provider.Provider
}

// Config bounds the pool's capacity and background loop frequencies.
type Config struct {
	Capacity           int
	PreloaderFrequency time.Duration
	VMCheck            bool
	VMCheckFrequency   time.Duration
	Preloaded          map[string]int // platform -> desired preloaded count
	SeleniumPort       int
}

// Pool is the central VM resource manager. The zero value is not usable;
// construct with New.
type Pool struct {
	mu      sync.Mutex
	ready   []*entry
	using   []*entry
	cfg     Config
	factory provider.Factory

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a Pool and starts its preloader and health-checker
// goroutines. Callers must call Shutdown to stop them and free all VMs.
func New(factory provider.Factory, cfg Config) *Pool {
	if cfg.PreloaderFrequency == 0 {
		cfg.PreloaderFrequency = 5 * time.Second
	}
	if cfg.VMCheckFrequency == 0 {
		cfg.VMCheckFrequency = 30 * time.Second
	}
	ctx, cancel := context.WithCancel(context.Background())
	p := &Pool{cfg: cfg, factory: factory, ctx: ctx, cancel: cancel}

	p.wg.Add(1)
	go p.preloaderLoop()
	if cfg.VMCheck {
		p.wg.Add(1)
		go p.healthCheckLoop()
	}
	return p
}

// Count returns the total number of VMs the pool currently tracks,
// across both lists.
func (p *Pool) Count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.ready) + len(p.using)
}

// CanProduce returns how many more VMs the pool may create right now.
func (p *Pool) CanProduce() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.canProduceLocked()
}

func (p *Pool) canProduceLocked() int {
	remaining := p.cfg.Capacity - (len(p.ready) + len(p.using))
	if remaining < 0 {
		return 0
	}
	return remaining
}

// Has reports whether a ready, non-checking VM for platform exists.
func (p *Pool) Has(platform string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, e := range p.ready {
		if e.vm.Platform == platform && e.vm.Ready && !e.vm.Checking {
			return true
		}
	}
	return false
}

// Add admits one new VM for platform. toPool selects the destination
// list (ready for Preload, using for a normal session Add). It creates
// the VM via the provider and blocks until the provider confirms
// activation. On any creation error the VM is deleted and left in
// neither list.
func (p *Pool) Add(ctx context.Context, platform string, prefix string, toPool bool) (*domain.VM, error) {
	p.mu.Lock()
	if p.canProduceLocked() <= 0 {
		p.mu.Unlock()
		return nil, ErrCapacityExceeded
	}
	if prefix == "" {
		prefix = fmt.Sprintf("%s-%s", domain.PrefixOndemand, uuid.NewString())
	}
	name := prefix
	vm := domain.NewVM(name, platform, prefix)
	prov, err := p.factory.NewProvider(platform, name)
	if err != nil {
		p.mu.Unlock()
		return nil, apierr.ProviderError("create provider handle", err)
	}
	e := &entry{vm: vm, provider: prov}
	// Register the entry before the blocking Create call so a concurrent
	// Count()/CanProduce() reflects in-flight creations.
	if toPool {
		p.ready = append(p.ready, e)
	} else {
		p.using = append(p.using, e)
	}
	p.updateGaugesLocked()
	p.mu.Unlock()

	result, err := prov.Create(ctx)
	if err != nil {
		logging.Op().Error("vm create failed", "platform", platform, "name", name, "error", err)
		_ = prov.Delete(context.Background())
		p.removeEntry(e)
		return nil, apierr.ProviderError("create vm", err)
	}

	p.mu.Lock()
	vm.Ready = result.Ready
	vm.IP = result.IP
	vm.MAC = result.MAC
	p.mu.Unlock()

	metrics.VMsCreated.Inc()
	return vm, nil
}

// Preload is Add with dest=ready and a preloaded-prefixed name.
func (p *Pool) Preload(ctx context.Context, platform string) (*domain.VM, error) {
	prefix := fmt.Sprintf("%s-%s", domain.PrefixPreloaded, uuid.NewString())
	return p.Add(ctx, platform, prefix, true)
}

// Get selects the oldest ready, non-checking VM for platform, re-validates
// it, and moves it to the using set. It returns (nil, nil) — not an error
// — on a miss so callers retry via Add; Get itself never creates.
func (p *Pool) Get(ctx context.Context, platform string) (*domain.VM, error) {
	p.mu.Lock()
	var oldest *entry
	for _, e := range p.ready {
		if e.vm.Platform != platform || !e.vm.Ready || e.vm.Checking {
			continue
		}
		if oldest == nil || e.vm.CreationTime.Before(oldest.vm.CreationTime) {
			oldest = e
		}
	}
	p.mu.Unlock()

	if oldest == nil {
		return nil, nil
	}

	if err := oldest.provider.Ping(ctx, p.cfg.SeleniumPort); err != nil {
		switch classifyProbeFailure(ctx, oldest.provider) {
		case vmTransitioning:
			// Known to the provider but not running yet; leave it for the
			// health checker and report a miss so the caller adds a fresh VM.
			logging.Op().Info("pooled vm not running yet, skipping", "vm", oldest.vm.Name, "error", err)
		default:
			logging.Op().Info("pooled vm failed re-validation, destroying", "vm", oldest.vm.Name, "error", err)
			p.removeEntry(oldest)
			_ = oldest.provider.Delete(context.Background())
			metrics.VMsDestroyed.Inc()
		}
		return nil, nil
	}

	p.mu.Lock()
	moved := p.moveLocked(oldest, true)
	p.mu.Unlock()
	if !moved {
		return nil, nil // lost the race to another Get/health-check
	}
	return oldest.vm, nil
}

// ReturnVM moves vm from using back to ready. Only internal
// rebuild-in-place paths call this; normal session close always
// destroys, because Selenium state is not safely reusable across
// clients.
func (p *Pool) ReturnVM(vm *domain.VM) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, e := range p.using {
		if e.vm == vm {
			p.moveLocked(e, false)
			return
		}
	}
}

// Destroy removes vm from whichever list holds it and deletes it via its
// provider. Safe to call on a VM already removed.
func (p *Pool) Destroy(ctx context.Context, vm *domain.VM) {
	e := p.removeByVM(vm)
	if e == nil {
		return
	}
	if err := e.provider.Delete(ctx); err != nil {
		logging.Op().Error("vm delete failed", "vm", vm.Name, "error", err)
	}
	metrics.VMsDestroyed.Inc()
}

// Free purges both lists, destroying every VM. Terminal: the pool should
// not be used afterward except to observe Count()==0.
func (p *Pool) Free(ctx context.Context) {
	p.mu.Lock()
	all := append(append([]*entry{}, p.using...), p.ready...)
	p.using = nil
	p.ready = nil
	p.updateGaugesLocked()
	p.mu.Unlock()

	for _, e := range all {
		if err := e.provider.Delete(ctx); err != nil {
			logging.Op().Error("vm delete failed during free", "vm", e.vm.Name, "error", err)
		}
		metrics.VMsDestroyed.Inc()
	}
}

// Shutdown stops the background loops and frees all VMs.
func (p *Pool) Shutdown(ctx context.Context) {
	p.cancel()
	p.wg.Wait()
	p.Free(ctx)
}

// moveLocked moves e between p.ready and p.using. toUsing selects the
// direction. Returns false if e was not found in the expected source
// list (it raced with a concurrent remover). Callers hold p.mu.
func (p *Pool) moveLocked(e *entry, toUsing bool) bool {
	src, dst := &p.using, &p.ready
	if toUsing {
		src, dst = &p.ready, &p.using
	}
	idx := -1
	for i, x := range *src {
		if x == e {
			idx = i
			break
		}
	}
	if idx < 0 {
		return false
	}
	*src = append((*src)[:idx:idx], (*src)[idx+1:]...)
	*dst = append(*dst, e)
	p.updateGaugesLocked()
	return true
}

func (p *Pool) removeEntry(e *entry) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.ready = removeFromSlice(p.ready, e)
	p.using = removeFromSlice(p.using, e)
	p.updateGaugesLocked()
}

func (p *Pool) removeByVM(vm *domain.VM) *entry {
	p.mu.Lock()
	defer p.mu.Unlock()
	defer p.updateGaugesLocked()
	for _, e := range p.using {
		if e.vm == vm {
			p.using = removeFromSlice(p.using, e)
			return e
		}
	}
	for _, e := range p.ready {
		if e.vm == vm {
			p.ready = removeFromSlice(p.ready, e)
			return e
		}
	}
	return nil
}

// updateGaugesLocked refreshes the exported pool-size gauges. Callers
// hold p.mu.
func (p *Pool) updateGaugesLocked() {
	metrics.PoolSize.WithLabelValues("ready").Set(float64(len(p.ready)))
	metrics.PoolSize.WithLabelValues("using").Set(float64(len(p.using)))
}

func removeFromSlice(s []*entry, target *entry) []*entry {
	for i, e := range s {
		if e == target {
			return append(s[:i:i], s[i+1:]...)
		}
	}
	return s
}
