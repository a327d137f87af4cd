// Package catalog holds the table of RV-C packet definitions and classifies
// DGNs against it.
//
// A definition matches a DGN when (dgn & DGNMask) == DGNFilter, so a single
// entry can cover a family of related DGNs. Definitions are scanned in
// catalog order and the first match wins; catalogs with overlapping entries
// therefore resolve deterministically.
package catalog

import (
	"github.com/kabili207/rvc-go/core/codec"
)

// MaxMask is the widest DGN mask a definition may carry (20 bits).
const MaxMask = 0xFFFFF

// ParameterSpec describes one bit field inside a packet's payload.
type ParameterSpec struct {
	Name         string
	StartBit     uint
	Length       uint
	Translations map[uint64]string // optional value -> label table
}

// Extract reads the parameter's raw value from data.
func (p *ParameterSpec) Extract(data []byte) (uint64, error) {
	return codec.ExtractBits(data, p.StartBit, p.Length)
}

// Translate returns the label for value, if the parameter has one.
func (p *ParameterSpec) Translate(value uint64) (string, bool) {
	if p.Translations == nil {
		return "", false
	}
	label, ok := p.Translations[value]
	return label, ok
}

// PacketDefinition is a named packet layout selected by DGN mask/filter.
type PacketDefinition struct {
	Name       string
	DGNMask    uint32
	DGNFilter  uint32
	Parameters []ParameterSpec

	// Display hints carried through for presentation layers.
	TextColor       string
	BackgroundColor string
}

// Matches reports whether dgn selects this definition.
func (d *PacketDefinition) Matches(dgn uint32) bool {
	return dgn&d.DGNMask == d.DGNFilter
}

// Catalog is an ordered, read-only list of packet definitions.
type Catalog struct {
	defs []PacketDefinition

	// Skipped lists the entries rejected while loading, in document order.
	Skipped []*EntryError
}

// New builds a catalog from already-validated definitions. The slice is
// copied; later changes by the caller are not observed.
func New(defs []PacketDefinition) *Catalog {
	c := &Catalog{defs: make([]PacketDefinition, len(defs))}
	copy(c.defs, defs)
	return c
}

// Classify returns the first definition matching dgn.
func (c *Catalog) Classify(dgn uint32) (*PacketDefinition, bool) {
	if c == nil {
		return nil, false
	}
	for i := range c.defs {
		if c.defs[i].Matches(dgn) {
			return &c.defs[i], true
		}
	}
	return nil, false
}

// Len returns the number of definitions.
func (c *Catalog) Len() int {
	if c == nil {
		return 0
	}
	return len(c.defs)
}

// Definitions returns the definitions in catalog order. Callers must not
// modify the returned values.
func (c *Catalog) Definitions() []PacketDefinition {
	if c == nil {
		return nil
	}
	return c.defs
}
