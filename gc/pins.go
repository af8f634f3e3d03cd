package gc

import (
	"sync"

	"github.com/cosmicboots/phoenix"
)

// Pins is a reference-counted set of chunks that must survive collection,
// because an in-flight transfer has stored them but not yet committed a manifest referencing them.
// A nil *Pins pins nothing.
type Pins struct {
	mu sync.Mutex
	m  map[phoenix.Hash]int
}

func NewPins() *Pins {
	return &Pins{m: make(map[phoenix.Hash]int)}
}

// Pin pins each of hashes once.
func (p *Pins) Pin(hashes ...phoenix.Hash) {
	if p == nil {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, h := range hashes {
		p.m[h]++
	}
}

// Unpin releases one pin on each of hashes.
func (p *Pins) Unpin(hashes ...phoenix.Hash) {
	if p == nil {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, h := range hashes {
		if n := p.m[h]; n <= 1 {
			delete(p.m, h)
		} else {
			p.m[h] = n - 1
		}
	}
}

// Pinned tells whether h has at least one pin.
func (p *Pins) Pinned(h phoenix.Hash) bool {
	if p == nil {
		return false
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.m[h] > 0
}

// Len is the number of distinct pinned hashes.
func (p *Pins) Len() int {
	if p == nil {
		return 0
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.m)
}

// UnlessPinned calls f if h has no pin, holding off new pins until f returns.
// It reports whether f was called.
// A transfer pins hashes before checking which it already has,
// so a chunk deleted by f is never counted as present by a transfer that pinned it.
func (p *Pins) UnlessPinned(h phoenix.Hash, f func() error) (bool, error) {
	if p == nil {
		return true, f()
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.m[h] > 0 {
		return false, nil
	}
	return true, f()
}
