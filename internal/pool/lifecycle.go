package pool

import (
	"context"
	"time"

	"github.com/vmmaster/vmmaster/internal/logging"
	"github.com/vmmaster/vmmaster/internal/metrics"
	"github.com/vmmaster/vmmaster/internal/provider"
)

// preloaderLoop runs every PreloaderFrequency and preloads at most one
// VM per tick: a single preload per tick keeps the loop responsive to
// shutdown and avoids bursts that starve on-demand Add calls.
func (p *Pool) preloaderLoop() {
	defer p.wg.Done()
	ticker := time.NewTicker(p.cfg.PreloaderFrequency)
	defer ticker.Stop()

	for {
		select {
		case <-p.ctx.Done():
			return
		case <-ticker.C:
			if p.CanProduce() <= 0 {
				continue
			}
			platform, need := p.needsPreload()
			if platform == "" {
				continue
			}
			logging.Op().Info("preloading vm", "platform", platform, "have_vs_need", need)
			if _, err := p.Preload(p.ctx, platform); err != nil {
				logging.Op().Error("preload failed", "platform", platform, "error", err)
			}
		}
	}
}

// needsPreload computes need = configured[p] - (ready_preloaded[p] +
// using_preloaded[p]) for every configured platform and returns the
// first platform with need > 0.
func (p *Pool) needsPreload() (platform string, need int) {
	p.mu.Lock()
	defer p.mu.Unlock()

	have := make(map[string]int, len(p.cfg.Preloaded))
	for _, e := range p.ready {
		if e.vm.IsPreloaded() {
			have[e.vm.Platform]++
		}
	}
	for _, e := range p.using {
		if e.vm.IsPreloaded() {
			have[e.vm.Platform]++
		}
	}

	for plat, configured := range p.cfg.Preloaded {
		deficit := configured - have[plat]
		if deficit > 0 {
			return plat, deficit
		}
	}
	return "", 0
}

// healthCheckLoop runs every VMCheckFrequency and probes every ready VM,
// recovering those that fail liveness (wait, rebuild in place, or
// remove, depending on what the provider reports).
func (p *Pool) healthCheckLoop() {
	defer p.wg.Done()
	ticker := time.NewTicker(p.cfg.VMCheckFrequency)
	defer ticker.Stop()

	for {
		select {
		case <-p.ctx.Done():
			return
		case <-ticker.C:
			p.checkReadyVMs()
		}
	}
}

// checkReadyVMs snapshots the ready list, probes each VM outside the
// lock, and recovers those that fail. The Checking flag is set for the
// duration of each VM's probe to suppress its allocation by Get.
func (p *Pool) checkReadyVMs() {
	type target struct {
		e     *entry
		ready bool
	}
	p.mu.Lock()
	targets := make([]target, 0, len(p.ready))
	for _, e := range p.ready {
		e.vm.Checking = true
		targets = append(targets, target{e: e, ready: e.vm.Ready})
	}
	p.mu.Unlock()

	for _, t := range targets {
		if t.ready {
			if err := t.e.provider.Ping(p.ctx, p.cfg.SeleniumPort); err != nil {
				p.recoverVM(t.e, err)
			}
		}
		p.mu.Lock()
		t.e.vm.Checking = false
		p.mu.Unlock()
	}
}

// probeState classifies a VM that failed its liveness probe, from the
// provider's own inventory.
type probeState int

const (
	// vmGone: the provider has no record of the VM, delete outright.
	vmGone probeState = iota
	// vmTransitioning: the provider knows the VM but it is not running
	// (mid-boot, mid-rebuild, stopped); wait rather than tear down.
	vmTransitioning
	// vmUnresponsive: the provider reports it running yet it does not
	// answer; it will not come back on its own.
	vmUnresponsive
)

// classifyProbeFailure decides delete-vs-wait for a VM that failed its
// probe by consulting VMHasCreated and CheckVMExists. Provider errors
// during classification fall through to vmUnresponsive, the path that
// already handles teardown.
func classifyProbeFailure(ctx context.Context, prov provider.Provider) probeState {
	if known, err := prov.VMHasCreated(ctx); err == nil && !known {
		return vmGone
	}
	if running, err := prov.CheckVMExists(ctx); err == nil && !running {
		return vmTransitioning
	}
	return vmUnresponsive
}

// recoverVM handles one ready VM that failed its health probe. A VM the
// provider lost is removed; one still transitioning is left alone for
// the next check interval; an unresponsive one is claimed out of the
// ready list, rebuilt in place, and returned — or destroyed if the
// rebuild fails.
func (p *Pool) recoverVM(e *entry, cause error) {
	switch classifyProbeFailure(p.ctx, e.provider) {
	case vmGone:
		logging.Op().Info("vm gone at provider, removing", "vm", e.vm.Name, "error", cause)
		p.removeEntry(e)
		_ = e.provider.Delete(context.Background())
		metrics.VMsDestroyed.Inc()
		return
	case vmTransitioning:
		logging.Op().Info("vm not running yet, waiting", "vm", e.vm.Name, "error", cause)
		return
	}

	// Claim the VM into the using set so it cannot be allocated while the
	// blocking rebuild runs.
	p.mu.Lock()
	claimed := p.moveLocked(e, true)
	p.mu.Unlock()
	if !claimed {
		return // lost a race to Get or Destroy
	}

	logging.Op().Info("health check failed, rebuilding", "vm", e.vm.Name, "error", cause)
	if rerr := e.provider.Rebuild(context.Background()); rerr != nil {
		logging.Op().Error("rebuild failed, destroying", "vm", e.vm.Name, "error", rerr)
		p.removeEntry(e)
		_ = e.provider.Delete(context.Background())
		metrics.VMsDestroyed.Inc()
		return
	}

	// A rebuild can land the VM on a new address (KVM rebuilds acquire a
	// fresh DHCP lease); refresh it before handing the VM back out.
	if ip, err := e.provider.GetIP(p.ctx); err == nil && ip != "" {
		p.mu.Lock()
		e.vm.IP = ip
		p.mu.Unlock()
	}
	p.ReturnVM(e.vm)
}
