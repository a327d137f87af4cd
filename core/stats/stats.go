// Package stats keeps running per-source frame counts for an RV-C bus.
//
// An Aggregator is not safe for concurrent use. It is owned by a single
// pipeline and driven from one goroutine.
package stats

import (
	"maps"
	"sort"

	"github.com/kabili207/rvc-go/core/codec"
)

// SourceStats is the running tally for one source address.
type SourceStats struct {
	Address    uint8
	FrameCount uint64
	PerDGN     map[uint32]uint64
	Visible    bool
}

// clone returns a deep copy so callers cannot reach the aggregator's maps.
func (s *SourceStats) clone() SourceStats {
	c := *s
	c.PerDGN = make(map[uint32]uint64, len(s.PerDGN))
	maps.Copy(c.PerDGN, s.PerDGN)
	return c
}

// Aggregator records frames by source address. Entries are created the first
// time an address is seen and survive Reset; only Clear removes them.
type Aggregator struct {
	sources map[uint8]*SourceStats
	order   []uint8 // first-seen order, used to break Snapshot ties
}

// New creates an empty Aggregator.
func New() *Aggregator {
	return &Aggregator{sources: make(map[uint8]*SourceStats)}
}

// entry returns the stats for addr, creating a visible entry if needed.
func (a *Aggregator) entry(addr uint8) *SourceStats {
	s, ok := a.sources[addr]
	if !ok {
		s = &SourceStats{
			Address: addr,
			PerDGN:  make(map[uint32]uint64),
			Visible: true,
		}
		a.sources[addr] = s
		a.order = append(a.order, addr)
	}
	return s
}

// Record counts f against its source address and DGN.
func (a *Aggregator) Record(f *codec.Frame) {
	s := a.entry(f.Source)
	s.FrameCount++
	s.PerDGN[f.DGN]++
}

// SetVisible sets whether events from addr are reported. Unknown addresses
// are created with zero counts.
func (a *Aggregator) SetVisible(addr uint8, visible bool) {
	a.entry(addr).Visible = visible
}

// Visible reports whether events from addr are reported. Addresses that have
// never been seen are visible.
func (a *Aggregator) Visible(addr uint8) bool {
	if s, ok := a.sources[addr]; ok {
		return s.Visible
	}
	return true
}

// Get returns a copy of the stats for addr.
func (a *Aggregator) Get(addr uint8) (SourceStats, bool) {
	s, ok := a.sources[addr]
	if !ok {
		return SourceStats{}, false
	}
	return s.clone(), true
}

// Reset zeroes all counts. Known addresses and their visibility are kept.
func (a *Aggregator) Reset() {
	for _, s := range a.sources {
		s.FrameCount = 0
		clear(s.PerDGN)
	}
}

// Clear forgets every address, including visibility settings.
func (a *Aggregator) Clear() {
	clear(a.sources)
	a.order = a.order[:0]
}

// Len returns the number of known addresses.
func (a *Aggregator) Len() int {
	return len(a.sources)
}

// Snapshot returns copies of all entries ordered by descending FrameCount.
// Entries with equal counts keep the order in which they were first seen.
func (a *Aggregator) Snapshot() []SourceStats {
	out := make([]SourceStats, 0, len(a.order))
	for _, addr := range a.order {
		out = append(out, a.sources[addr].clone())
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].FrameCount > out[j].FrameCount
	})
	return out
}
