package provider

import "context"

// MultiFactory dispatches NewProvider to whichever backing Factory
// claims a platform, letting the pool stay agnostic to how many
// concrete drivers (KVM, OpenStack) are enabled at once. Platform
// ownership is resolved once, from each backend's own Platforms list.
type MultiFactory struct {
	backends []Factory
	owner    map[string]Factory
}

// NewMultiFactory discovers platforms from each backend and builds the
// routing table. Later backends in the list win on a platform name
// collision.
func NewMultiFactory(ctx context.Context, backends ...Factory) (*MultiFactory, error) {
	owner := make(map[string]Factory)
	for _, b := range backends {
		platforms, err := b.Platforms(ctx)
		if err != nil {
			return nil, err
		}
		for _, p := range platforms {
			owner[p.Name] = b
		}
	}
	return &MultiFactory{backends: backends, owner: owner}, nil
}

// NewProvider routes to the backend that claimed platform at discovery
// time.
func (m *MultiFactory) NewProvider(platform, name string) (Provider, error) {
	b, ok := m.owner[platform]
	if !ok {
		return nil, ErrNotExist
	}
	return b.NewProvider(platform, name)
}

// Platforms returns the union of every backend's platforms.
func (m *MultiFactory) Platforms(ctx context.Context) ([]PlatformInfo, error) {
	var all []PlatformInfo
	for _, b := range m.backends {
		platforms, err := b.Platforms(ctx)
		if err != nil {
			return nil, err
		}
		all = append(all, platforms...)
	}
	return all, nil
}
