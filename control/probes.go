// control/probes.go
// Author: momentics <momentics@gmail.com>
//
// Named snapshot probes so a host can report every route it runs in one pass.

package control

import (
	"sort"
	"sync"
)

// Probes holds one stats probe per route name.
type Probes struct {
	mu     sync.RWMutex
	probes map[string]func() Snapshot
}

// NewProbes creates an empty probe registry.
func NewProbes() *Probes {
	return &Probes{
		probes: make(map[string]func() Snapshot),
	}
}

// Register installs fn under name, replacing any previous probe.
func (p *Probes) Register(name string, fn func() Snapshot) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.probes[name] = fn
}

// Unregister drops the probe for name.
func (p *Probes) Unregister(name string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.probes, name)
}

// Names lists registered probes in sorted order.
func (p *Probes) Names() []string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	names := make([]string, 0, len(p.probes))
	for name := range p.probes {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Collect runs every probe and returns the snapshots by name.
func (p *Probes) Collect() map[string]Snapshot {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make(map[string]Snapshot, len(p.probes))
	for name, fn := range p.probes {
		out[name] = fn()
	}
	return out
}
