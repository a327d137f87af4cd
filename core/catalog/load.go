package catalog

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/kabili207/rvc-go/core/codec"
)

// Format selects the document encoding of a catalog.
type Format int

const (
	// FormatJSON is the rvc.json layout.
	FormatJSON Format = iota
	// FormatYAML is the same layout written as YAML.
	FormatYAML
)

func (f Format) String() string {
	switch f {
	case FormatJSON:
		return "json"
	case FormatYAML:
		return "yaml"
	default:
		return "unknown"
	}
}

var (
	ErrEmptyPath    = errors.New("empty catalog path")
	ErrInvalidDoc   = errors.New("invalid catalog document")
	ErrNoPackets    = errors.New("catalog has no packets")
	ErrInvalidHex   = errors.New("invalid hex value")
	ErrUnreachable  = errors.New("filter has bits outside mask")
	ErrInvalidEntry = errors.New("invalid catalog entry")
)

// Document is the on-disk catalog layout.
type Document struct {
	Packets []PacketEntry `json:"packets" yaml:"packets"`
}

// PacketEntry is one packet definition as written in a catalog document.
type PacketEntry struct {
	Name            string           `json:"name" yaml:"name"`
	DGNMask         string           `json:"dgn_mask" yaml:"dgn_mask"`
	DGNFilter       string           `json:"dgn_filter" yaml:"dgn_filter"`
	Parameters      []ParameterEntry `json:"parameters" yaml:"parameters"`
	TextColor       string           `json:"text_color,omitempty" yaml:"text_color,omitempty"`
	BackgroundColor string           `json:"background_color,omitempty" yaml:"background_color,omitempty"`
}

// ParameterEntry is one parameter as written in a catalog document.
type ParameterEntry struct {
	Name         string            `json:"name" yaml:"name"`
	StartBit     int               `json:"start_bit" yaml:"start_bit"`
	Length       int               `json:"length" yaml:"length"`
	Translations map[string]string `json:"translations,omitempty" yaml:"translations,omitempty"`
}

// EntryError describes a rejected catalog entry.
type EntryError struct {
	Index int
	Name  string
	Err   error
}

func (e *EntryError) Error() string {
	if e.Name == "" {
		return fmt.Sprintf("packets[%d]: %v", e.Index, e.Err)
	}
	return fmt.Sprintf("packets[%d] %q: %v", e.Index, e.Name, e.Err)
}

func (e *EntryError) Unwrap() error {
	return e.Err
}

// Load reads a catalog file. The format is chosen from the extension:
// .yaml and .yml are YAML, anything else is JSON.
func Load(path string, logger *slog.Logger) (*Catalog, error) {
	if strings.TrimSpace(path) == "" {
		return nil, ErrEmptyPath
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading catalog: %w", err)
	}
	return Parse(data, FormatFromPath(path), logger)
}

// FormatFromPath guesses the document format from a file name.
func FormatFromPath(path string) Format {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return FormatYAML
	default:
		return FormatJSON
	}
}

// Parse decodes a catalog document.
//
// A document that cannot be decoded, or whose packets field is not a list,
// fails the whole load. Each entry is then decoded and validated on its own:
// entries that fail either step are skipped with a warning and recorded in
// Catalog.Skipped; the remaining entries keep their relative order.
func Parse(data []byte, format Format, logger *slog.Logger) (*Catalog, error) {
	if logger == nil {
		logger = slog.Default()
	}
	log := logger.WithGroup("catalog")

	var entries []decodedEntry
	switch format {
	case FormatYAML:
		var raw struct {
			Packets []yaml.Node `yaml:"packets"`
		}
		if err := yaml.Unmarshal(data, &raw); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidDoc, err)
		}
		entries = make([]decodedEntry, len(raw.Packets))
		for i := range raw.Packets {
			entries[i].err = raw.Packets[i].Decode(&entries[i].entry)
		}
	default:
		var raw struct {
			Packets []json.RawMessage `json:"packets"`
		}
		if err := json.Unmarshal(data, &raw); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidDoc, err)
		}
		entries = make([]decodedEntry, len(raw.Packets))
		for i, msg := range raw.Packets {
			entries[i].err = json.Unmarshal(msg, &entries[i].entry)
		}
	}

	return build(entries, log)
}

// FromDocument validates a decoded document and builds a catalog from it.
func FromDocument(doc Document, log *slog.Logger) (*Catalog, error) {
	if log == nil {
		log = slog.Default()
	}
	entries := make([]decodedEntry, len(doc.Packets))
	for i, entry := range doc.Packets {
		entries[i].entry = entry
	}
	return build(entries, log)
}

// decodedEntry is one packets element and the error from decoding it, if any.
type decodedEntry struct {
	entry PacketEntry
	err   error
}

func build(entries []decodedEntry, log *slog.Logger) (*Catalog, error) {
	if len(entries) == 0 {
		return nil, ErrNoPackets
	}

	c := &Catalog{defs: make([]PacketDefinition, 0, len(entries))}
	for i, d := range entries {
		def, err := d.definition()
		if err != nil {
			entryErr := &EntryError{Index: i, Name: strings.TrimSpace(d.entry.Name), Err: err}
			log.Warn("skipping catalog entry", "index", i, "name", entryErr.Name, "error", err)
			c.Skipped = append(c.Skipped, entryErr)
			continue
		}
		c.defs = append(c.defs, def)
	}

	if len(c.defs) == 0 {
		return nil, fmt.Errorf("%w: all %d entries invalid", ErrNoPackets, len(entries))
	}
	log.Debug("catalog loaded", "definitions", len(c.defs), "skipped", len(c.Skipped))
	return c, nil
}

func (d *decodedEntry) definition() (PacketDefinition, error) {
	if d.err != nil {
		return PacketDefinition{}, fmt.Errorf("%w: %v", ErrInvalidEntry, d.err)
	}
	return d.entry.definition()
}

func (e *PacketEntry) definition() (PacketDefinition, error) {
	var def PacketDefinition

	name := strings.TrimSpace(e.Name)
	if name == "" {
		return def, errors.New("name is required")
	}
	mask, err := parseHex(e.DGNMask, MaxMask)
	if err != nil {
		return def, fmt.Errorf("dgn_mask: %w", err)
	}
	filter, err := parseHex(e.DGNFilter, MaxMask)
	if err != nil {
		return def, fmt.Errorf("dgn_filter: %w", err)
	}
	if filter&^mask != 0 {
		return def, fmt.Errorf("%w: mask %05X filter %05X", ErrUnreachable, mask, filter)
	}

	params := make([]ParameterSpec, 0, len(e.Parameters))
	for j, p := range e.Parameters {
		spec, err := p.spec()
		if err != nil {
			return def, fmt.Errorf("parameters[%d]: %w", j, err)
		}
		params = append(params, spec)
	}

	return PacketDefinition{
		Name:            name,
		DGNMask:         uint32(mask),
		DGNFilter:       uint32(filter),
		Parameters:      params,
		TextColor:       e.TextColor,
		BackgroundColor: e.BackgroundColor,
	}, nil
}

func (p *ParameterEntry) spec() (ParameterSpec, error) {
	var spec ParameterSpec

	name := strings.TrimSpace(p.Name)
	if name == "" {
		return spec, errors.New("name is required")
	}
	if p.StartBit < 0 {
		return spec, fmt.Errorf("start_bit %d is negative", p.StartBit)
	}
	if p.Length < 1 || p.Length > codec.MaxFieldBits {
		return spec, fmt.Errorf("length %d out of range 1-%d", p.Length, codec.MaxFieldBits)
	}

	spec = ParameterSpec{
		Name:     name,
		StartBit: uint(p.StartBit),
		Length:   uint(p.Length),
	}
	if len(p.Translations) > 0 {
		spec.Translations = make(map[uint64]string, len(p.Translations))
		for key, label := range p.Translations {
			value, err := parseTranslationKey(key)
			if err != nil {
				return spec, fmt.Errorf("translation key %q: %w", key, err)
			}
			spec.Translations[value] = label
		}
	}
	return spec, nil
}

// parseTranslationKey accepts decimal keys and 0x-prefixed hex keys.
func parseTranslationKey(key string) (uint64, error) {
	key = strings.TrimSpace(key)
	if rest, ok := strings.CutPrefix(strings.ToLower(key), "0x"); ok {
		return strconv.ParseUint(rest, 16, 64)
	}
	return strconv.ParseUint(key, 10, 64)
}

// parseHex parses a hex string with an optional 0x prefix, bounded by limit.
func parseHex(s string, limit uint64) (uint64, error) {
	s = strings.TrimSpace(s)
	s = strings.TrimPrefix(strings.TrimPrefix(s, "0x"), "0X")
	if s == "" {
		return 0, fmt.Errorf("%w: empty", ErrInvalidHex)
	}
	v, err := strconv.ParseUint(s, 16, 32)
	if err != nil {
		return 0, fmt.Errorf("%w: %q", ErrInvalidHex, s)
	}
	if v > limit {
		return 0, fmt.Errorf("%w: %q exceeds %X", ErrInvalidHex, s, limit)
	}
	return v, nil
}
