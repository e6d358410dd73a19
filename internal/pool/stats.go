package pool

// Snapshot is a read-only view of pool state for the admin /api/status
// endpoint.
type Snapshot struct {
	Ready      []VMView `json:"ready"`
	Using      []VMView `json:"using"`
	CanProduce int      `json:"can_produce"`
}

// VMView is the subset of domain.VM fields the admin surface reports.
type VMView struct {
	Name     string `json:"name"`
	Platform string `json:"platform"`
	IP       string `json:"ip"`
	Ready    bool   `json:"ready"`
	Checking bool   `json:"checking"`
}

// Stats returns a point-in-time snapshot of both lists.
func (p *Pool) Stats() Snapshot {
	p.mu.Lock()
	defer p.mu.Unlock()

	snap := Snapshot{
		Ready:      make([]VMView, len(p.ready)),
		Using:      make([]VMView, len(p.using)),
		CanProduce: p.canProduceLocked(),
	}
	for i, e := range p.ready {
		snap.Ready[i] = viewOf(e)
	}
	for i, e := range p.using {
		snap.Using[i] = viewOf(e)
	}
	return snap
}

func viewOf(e *entry) VMView {
	return VMView{
		Name:     e.vm.Name,
		Platform: e.vm.Platform,
		IP:       e.vm.IP,
		Ready:    e.vm.Ready,
		Checking: e.vm.Checking,
	}
}

// CountByPlatform tallies both lists by platform.
func (p *Pool) CountByPlatform() (ready, using map[string]int) {
	p.mu.Lock()
	defer p.mu.Unlock()

	ready = make(map[string]int)
	using = make(map[string]int)
	for _, e := range p.ready {
		ready[e.vm.Platform]++
	}
	for _, e := range p.using {
		using[e.vm.Platform]++
	}
	return ready, using
}
