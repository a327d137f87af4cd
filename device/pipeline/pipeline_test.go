package pipeline

import (
	"bytes"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/kabili207/rvc-go/core/catalog"
	"github.com/kabili207/rvc-go/core/codec"
	"github.com/kabili207/rvc-go/core/multipart"
)

var testTime = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

func testCatalog() *catalog.Catalog {
	return catalog.New([]catalog.PacketDefinition{
		{
			Name:      "PRODUCT_ID",
			DGNMask:   0x1FFFF,
			DGNFilter: codec.DGNProductIdentification,
			Parameters: []catalog.ParameterSpec{
				{Name: "Manufacturer", StartBit: 0, Length: 16},
			},
		},
		{
			Name:      "DC_DIMMER_STATUS_3",
			DGNMask:   0x1FFFF,
			DGNFilter: 0x1FEDA,
			Parameters: []catalog.ParameterSpec{
				{Name: "Instance", StartBit: 0, Length: 8},
				{Name: "Brightness", StartBit: 16, Length: 8},
				{Name: "Lock", StartBit: 32, Length: 2, Translations: map[uint64]string{
					0: "Unlocked",
					1: "Locked",
				}},
			},
		},
	})
}

func newTestPipeline(t *testing.T, includeUnmatched bool) *Pipeline {
	t.Helper()
	p := New(Config{
		Catalog:          testCatalog(),
		IncludeUnmatched: includeUnmatched,
		Logger:           slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	p.nowFn = func() time.Time { return testTime }
	return p
}

// line renders a frame as an adapter line.
func line(t *testing.T, priority uint8, dgn uint32, source uint8, data ...byte) string {
	t.Helper()
	s, err := codec.EncodeFrame(&codec.Frame{Priority: priority, DGN: dgn, Source: source, Data: data})
	if err != nil {
		t.Fatalf("EncodeFrame failed: %v", err)
	}
	return s
}

// productIDLines returns a BAM announcement and its three data frames.
func productIDLines(t *testing.T, source uint8) []string {
	t.Helper()
	return []string{
		line(t, 6, codec.DGNConnectionManagement, source, 0x20, 0x15, 0x00, 0x03, 0xFF, 0xEB, 0xFE, 0x00),
		line(t, 6, codec.DGNDataTransfer, source, 0x01, 0x12, 0x34, 'A', 'C', 'M', 'E', '*'),
		line(t, 6, codec.DGNDataTransfer, source, 0x02, 'M', 'o', 'd', 'e', 'l', '*', '4'),
		line(t, 6, codec.DGNDataTransfer, source, 0x03, '2', '*', 'S', 'N', '0', '1', '*'),
	}
}

func TestIngest_NotAFrame(t *testing.T) {
	p := newTestPipeline(t, true)
	for _, l := range []string{"", "\a", "z", "T19FE", "garbage line"} {
		if evs := p.Ingest(l); len(evs) != 0 {
			t.Errorf("Ingest(%q) = %d events, want 0", l, len(evs))
		}
	}
	if p.Sources().Len() != 0 {
		t.Errorf("sources = %d, want 0", p.Sources().Len())
	}
}

func TestIngest_Matched(t *testing.T) {
	p := newTestPipeline(t, false)

	evs := p.Ingest(line(t, 6, 0x1FEDA, 0x80, 0x01, 0xFF, 0xC8, 0xFF, 0x40, 0xFF, 0xFF, 0xFF))
	if len(evs) != 1 {
		t.Fatalf("got %d events, want 1", len(evs))
	}
	ev := evs[0]
	if !ev.Matched || ev.Name() != "DC_DIMMER_STATUS_3" {
		t.Fatalf("event = %+v, want DC_DIMMER_STATUS_3 match", ev)
	}
	if ev.Reassembled {
		t.Error("single frame marked as reassembled")
	}
	if !ev.Time.Equal(testTime) {
		t.Errorf("Time = %v, want %v", ev.Time, testTime)
	}

	want := []ParameterValue{
		{Name: "Instance", Value: 1},
		{Name: "Brightness", Value: 200},
		{Name: "Lock", Value: 1, Label: "Locked"},
	}
	if len(ev.Parameters) != len(want) {
		t.Fatalf("got %d parameters, want %d", len(ev.Parameters), len(want))
	}
	for i, w := range want {
		got := ev.Parameters[i]
		if got.Name != w.Name || got.Value != w.Value || got.Label != w.Label || !got.Available() {
			t.Errorf("Parameters[%d] = %+v, want %+v", i, got, w)
		}
	}
}

func TestIngest_ParameterOutOfRange(t *testing.T) {
	p := newTestPipeline(t, false)

	evs := p.Ingest(line(t, 6, 0x1FEDA, 0x80, 0x05, 0x00))
	if len(evs) != 1 {
		t.Fatalf("got %d events, want 1", len(evs))
	}
	params := evs[0].Parameters
	if !params[0].Available() || params[0].Value != 5 {
		t.Errorf("Instance = %+v, want 5", params[0])
	}
	if params[1].Available() {
		t.Error("Brightness should be unavailable for a 2-byte payload")
	}
	if params[2].Available() || params[2].Label != "" {
		t.Errorf("Lock = %+v, want unavailable without label", params[2])
	}
}

func TestIngest_Unmatched(t *testing.T) {
	p := newTestPipeline(t, false)
	if evs := p.Ingest(line(t, 6, 0x1FFB7, 0x42, 0x00)); len(evs) != 0 {
		t.Errorf("got %d events, want 0 with unmatched frames excluded", len(evs))
	}
	s, ok := p.Sources().Get(0x42)
	if !ok || s.FrameCount != 1 {
		t.Errorf("unmatched frame not counted: %+v", s)
	}

	p.SetIncludeUnmatched(true)
	evs := p.Ingest(line(t, 6, 0x1FFB7, 0x42, 0x00))
	if len(evs) != 1 {
		t.Fatalf("got %d events, want 1", len(evs))
	}
	if evs[0].Matched || evs[0].Definition != nil || evs[0].Parameters != nil {
		t.Errorf("unmatched event = %+v", evs[0])
	}
}

func TestIngest_HiddenSource(t *testing.T) {
	p := newTestPipeline(t, true)
	p.Sources().SetVisible(0x80, false)

	if evs := p.Ingest(line(t, 6, 0x1FEDA, 0x80, 0x01)); len(evs) != 0 {
		t.Errorf("got %d events from hidden source, want 0", len(evs))
	}
	s, _ := p.Sources().Get(0x80)
	if s.FrameCount != 1 {
		t.Errorf("FrameCount = %d, want 1", s.FrameCount)
	}
}

func TestIngest_Reassembly(t *testing.T) {
	p := newTestPipeline(t, false)

	lines := productIDLines(t, 0x9C)
	for _, l := range lines[:3] {
		if evs := p.Ingest(l); len(evs) != 0 {
			t.Fatalf("got %d events before completion, want 0", len(evs))
		}
	}
	if p.PendingTransfers() != 1 {
		t.Fatalf("pending = %d, want 1", p.PendingTransfers())
	}

	evs := p.Ingest(lines[3])
	if len(evs) != 1 {
		t.Fatalf("got %d events, want 1", len(evs))
	}
	ev := evs[0]
	if !ev.Reassembled {
		t.Error("expected Reassembled event")
	}
	if ev.Frame.DGN != codec.DGNProductIdentification || ev.Frame.Source != 0x9C {
		t.Errorf("synthetic frame = %v", ev.Frame)
	}
	if ev.Frame.Len() != 21 {
		t.Errorf("payload length = %d, want 21", ev.Frame.Len())
	}
	if ev.Name() != "PRODUCT_ID" {
		t.Errorf("Name = %q, want PRODUCT_ID", ev.Name())
	}
	if ev.Parameters[0].Value != 4660 {
		t.Errorf("Manufacturer = %d, want 4660", ev.Parameters[0].Value)
	}
	if p.PendingTransfers() != 0 {
		t.Errorf("pending = %d, want 0", p.PendingTransfers())
	}

	s, _ := p.Sources().Get(0x9C)
	if s.FrameCount != 4 {
		t.Errorf("FrameCount = %d, want 4", s.FrameCount)
	}
}

func TestIngest_ReassemblyOrder(t *testing.T) {
	p := newTestPipeline(t, true)

	lines := productIDLines(t, 0x9C)
	for _, l := range lines[:3] {
		p.Ingest(l)
	}
	evs := p.Ingest(lines[3])
	if len(evs) != 2 {
		t.Fatalf("got %d events, want 2", len(evs))
	}
	if evs[0].Reassembled || evs[0].Frame.DGN != codec.DGNDataTransfer {
		t.Errorf("first event = %+v, want the raw data frame", evs[0])
	}
	if !evs[1].Reassembled {
		t.Error("second event should be the reassembled frame")
	}
}

func TestIngest_HiddenSourceStillReassembles(t *testing.T) {
	p := newTestPipeline(t, false)
	p.Sources().SetVisible(0x9C, false)

	for _, l := range productIDLines(t, 0x9C) {
		if evs := p.Ingest(l); len(evs) != 0 {
			t.Fatalf("got %d events from hidden source, want 0", len(evs))
		}
	}
	if p.PendingTransfers() != 0 {
		t.Errorf("pending = %d, want 0", p.PendingTransfers())
	}
}

func TestReset(t *testing.T) {
	p := newTestPipeline(t, false)
	lines := productIDLines(t, 0x9C)
	p.Ingest(lines[0])
	p.Ingest(lines[1])
	p.Sources().SetVisible(0x9C, false)

	p.Reset()

	if p.PendingTransfers() != 0 {
		t.Errorf("pending = %d, want 0", p.PendingTransfers())
	}
	s, ok := p.Sources().Get(0x9C)
	if !ok {
		t.Fatal("Reset should keep known sources")
	}
	if s.FrameCount != 0 || s.Visible {
		t.Errorf("after Reset = %+v, want zero count and hidden", s)
	}

	// A data frame left over from before the reset has nothing to join.
	p.Sources().SetVisible(0x9C, true)
	if evs := p.Ingest(lines[2]); len(evs) != 0 {
		t.Errorf("got %d events, want 0", len(evs))
	}
}

func TestSetCatalog(t *testing.T) {
	p := newTestPipeline(t, false)
	l := line(t, 6, 0x1FFB7, 0x42, 0x2A)
	if evs := p.Ingest(l); len(evs) != 0 {
		t.Fatalf("got %d events, want 0", len(evs))
	}

	p.SetCatalog(catalog.New([]catalog.PacketDefinition{{
		Name:       "TANK_STATUS",
		DGNMask:    0x1FFFF,
		DGNFilter:  0x1FFB7,
		Parameters: []catalog.ParameterSpec{{Name: "Instance", Length: 8}},
	}}))

	evs := p.Ingest(l)
	if len(evs) != 1 || evs[0].Name() != "TANK_STATUS" {
		t.Fatalf("events = %+v, want TANK_STATUS", evs)
	}
	if evs[0].Parameters[0].Value != 0x2A {
		t.Errorf("Instance = %d, want 42", evs[0].Parameters[0].Value)
	}
}

func TestNilCatalog(t *testing.T) {
	p := New(Config{IncludeUnmatched: true})
	evs := p.Ingest("T19FEDA80111")
	if len(evs) != 1 || evs[0].Matched {
		t.Errorf("events = %+v, want one unmatched event", evs)
	}
}

func TestReassemblyPolicy(t *testing.T) {
	p := New(Config{
		Catalog:    testCatalog(),
		Reassembly: multipart.Policy{MaxPending: 1},
		Logger:     slog.New(slog.NewTextHandler(io.Discard, nil)),
	})

	p.Ingest(productIDLines(t, 0x9C)[0])
	p.Ingest(productIDLines(t, 0x9D)[0])
	if p.PendingTransfers() != 1 {
		t.Errorf("pending = %d, want 1 with MaxPending 1", p.PendingTransfers())
	}
}

func TestReassembledPayload(t *testing.T) {
	p := newTestPipeline(t, false)
	lines := productIDLines(t, 0x9C)
	var last []DecodedEvent
	for _, l := range lines {
		last = p.Ingest(l)
	}
	if len(last) != 1 {
		t.Fatalf("got %d events, want 1", len(last))
	}
	if !bytes.HasPrefix(last[0].Frame.Data, []byte{0x12, 0x34, 'A', 'C', 'M', 'E'}) {
		t.Errorf("payload = %q", last[0].Frame.Data)
	}
}
