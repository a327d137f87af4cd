// Package pipeline turns raw adapter lines into decoded RV-C events.
//
// For every line the Pipeline:
//   - decodes the SLCAN record, dropping anything that is not a frame
//   - counts the frame against its source address
//   - classifies it against the catalog and extracts its parameters
//   - feeds transport-protocol frames to the reassembler and decodes the
//     completed payload as if it had arrived in a single frame
//
// A Pipeline is single-threaded and performs no I/O. Callers that receive
// lines on several goroutines must serialize access, as device/session does.
package pipeline

import (
	"log/slog"
	"time"

	"github.com/kabili207/rvc-go/core/catalog"
	"github.com/kabili207/rvc-go/core/codec"
	"github.com/kabili207/rvc-go/core/multipart"
	"github.com/kabili207/rvc-go/core/stats"
)

// ParameterValue is one decoded parameter of a matched frame.
type ParameterValue struct {
	Name  string
	Value uint64
	Label string // Translation label, empty when the value has none
	Err   error  // Set when the parameter lies outside the payload
}

// Available reports whether the value was extracted.
func (v ParameterValue) Available() bool {
	return v.Err == nil
}

// DecodedEvent is the result of classifying one frame.
type DecodedEvent struct {
	Time        time.Time
	Frame       *codec.Frame
	Matched     bool
	Definition  *catalog.PacketDefinition // nil when unmatched
	Parameters  []ParameterValue
	Reassembled bool // Frame was built from a multi-packet transfer
}

// Name returns the matched definition's name, or "" when unmatched.
func (e *DecodedEvent) Name() string {
	if e.Definition == nil {
		return ""
	}
	return e.Definition.Name
}

// Config configures a Pipeline.
type Config struct {
	// Catalog classifies frames. A nil catalog matches nothing.
	Catalog *catalog.Catalog

	// IncludeUnmatched emits events for frames no definition matches.
	IncludeUnmatched bool

	// Reassembly bounds incomplete multi-packet transfers. The zero value
	// keeps them until Reset.
	Reassembly multipart.Policy

	// Logger for pipeline events. Falls back to slog.Default() if nil.
	Logger *slog.Logger
}

// Pipeline decodes, classifies, reassembles and counts frames.
type Pipeline struct {
	log              *slog.Logger
	catalog          *catalog.Catalog
	includeUnmatched bool
	reassembler      *multipart.Reassembler
	sources          *stats.Aggregator

	// nowFn allows overriding time.Now() for testing.
	nowFn func() time.Time
}

// New creates a Pipeline with the given configuration.
func New(cfg Config) *Pipeline {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Pipeline{
		log:              logger.WithGroup("pipeline"),
		catalog:          cfg.Catalog,
		includeUnmatched: cfg.IncludeUnmatched,
		reassembler:      multipart.NewWithPolicy(cfg.Reassembly),
		sources:          stats.New(),
		nowFn:            time.Now,
	}
}

// Ingest processes one adapter line and returns the events it produced, in
// order: the event for the frame itself, then the event for a transfer the
// frame completed. Lines that are not frames produce nothing.
func (p *Pipeline) Ingest(line string) []DecodedEvent {
	f, err := codec.Decode(line)
	if err != nil {
		return nil
	}
	return p.IngestFrame(f)
}

// IngestFrame processes an already decoded frame.
func (p *Pipeline) IngestFrame(f *codec.Frame) []DecodedEvent {
	now := p.nowFn()
	p.sources.Record(f)
	visible := p.sources.Visible(f.Source)

	var events []DecodedEvent
	if visible {
		if ev, ok := p.classify(f, now, false); ok {
			events = append(events, ev)
		}
	}

	if !multipart.IsTransportDGN(f.DGN) {
		return events
	}

	tr := p.reassembler.HandleFrame(f)
	if tr == nil {
		return events
	}
	p.log.Debug("transfer complete",
		"source", tr.Key.Source,
		"dgn", codec.FormatDGN(tr.TargetDGN),
		"bytes", len(tr.Payload))

	if !visible {
		return events
	}
	synthetic := &codec.Frame{
		Priority: tr.Key.Priority,
		DGN:      tr.TargetDGN,
		Source:   tr.Key.Source,
		Data:     tr.Payload,
	}
	if ev, ok := p.classify(synthetic, now, true); ok {
		events = append(events, ev)
	}
	return events
}

// classify builds the event for f. It returns false when f is unmatched and
// unmatched frames are not reported.
func (p *Pipeline) classify(f *codec.Frame, now time.Time, reassembled bool) (DecodedEvent, bool) {
	ev := DecodedEvent{
		Time:        now,
		Frame:       f,
		Reassembled: reassembled,
	}

	def, ok := p.catalog.Classify(f.DGN)
	if !ok {
		return ev, p.includeUnmatched
	}
	ev.Matched = true
	ev.Definition = def
	ev.Parameters = decodeParameters(def, f.Data)
	return ev, true
}

// decodeParameters extracts every parameter of def independently; a field
// outside the payload does not stop the others.
func decodeParameters(def *catalog.PacketDefinition, data []byte) []ParameterValue {
	if len(def.Parameters) == 0 {
		return nil
	}
	values := make([]ParameterValue, len(def.Parameters))
	for i := range def.Parameters {
		spec := &def.Parameters[i]
		v := ParameterValue{Name: spec.Name}
		v.Value, v.Err = spec.Extract(data)
		if v.Err == nil {
			v.Label, _ = spec.Translate(v.Value)
		}
		values[i] = v
	}
	return values
}

// SetCatalog replaces the catalog. Events already returned keep pointing at
// definitions of the previous catalog.
func (p *Pipeline) SetCatalog(c *catalog.Catalog) {
	p.catalog = c
	p.log.Info("catalog replaced", "definitions", c.Len())
}

// Catalog returns the current catalog.
func (p *Pipeline) Catalog() *catalog.Catalog {
	return p.catalog
}

// SetIncludeUnmatched sets whether unmatched frames produce events.
func (p *Pipeline) SetIncludeUnmatched(include bool) {
	p.includeUnmatched = include
}

// Sources returns the per-source aggregator. It shares the pipeline's
// threading rules.
func (p *Pipeline) Sources() *stats.Aggregator {
	return p.sources
}

// Reset zeroes the source counts and drops in-flight transfers. Known
// addresses and their visibility are kept.
func (p *Pipeline) Reset() {
	p.sources.Reset()
	p.reassembler.Clear()
}

// PendingTransfers returns the number of incomplete multi-packet transfers.
func (p *Pipeline) PendingTransfers() int {
	return p.reassembler.PendingCount()
}
