package multipart

import (
	"bytes"
	"errors"
	"testing"
	"time"

	"github.com/kabili207/rvc-go/core/codec"
)

// announce builds a BAM announcement frame for the given target DGN.
func announce(source uint8, length uint16, segments uint8, target uint32) *codec.Frame {
	return &codec.Frame{
		Priority: 0x1,
		DGN:      codec.DGNConnectionManagement,
		Source:   source,
		Data: []byte{
			0x20, byte(length), byte(length >> 8), segments, 0xFF,
			byte(target), byte(target >> 8), byte(target >> 16),
		},
	}
}

// segment builds a data-transfer frame.
func segment(source uint8, number uint8, data []byte) *codec.Frame {
	return &codec.Frame{
		Priority: 0x1,
		DGN:      codec.DGNDataTransfer,
		Source:   source,
		Data:     append([]byte{number}, data...),
	}
}

// fakeClock returns a controllable time source.
type fakeClock struct {
	now time.Time
}

func (c *fakeClock) Now() time.Time { return c.now }

func newTestReassembler(policy Policy) (*Reassembler, *fakeClock) {
	clk := &fakeClock{now: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)}
	r := NewWithPolicy(policy)
	r.nowFn = clk.Now
	return r, clk
}

var testSegments = [][]byte{
	[]byte("ACME RV"),
	[]byte("*Model-"),
	[]byte("42*SN01"),
}

func TestParseAnnouncement(t *testing.T) {
	ann, err := ParseAnnouncement([]byte{0x20, 0x15, 0x00, 0x03, 0xFF, 0xEB, 0xFE, 0x00})
	if err != nil {
		t.Fatalf("ParseAnnouncement failed: %v", err)
	}
	if ann.Control != 0x20 {
		t.Errorf("Control = %#x, want 0x20", ann.Control)
	}
	if ann.TotalLength != 21 {
		t.Errorf("TotalLength = %d, want 21", ann.TotalLength)
	}
	if ann.TotalSegments != 3 {
		t.Errorf("TotalSegments = %d, want 3", ann.TotalSegments)
	}
	if ann.TargetDGN != codec.DGNProductIdentification {
		t.Errorf("TargetDGN = %05X, want %05X", ann.TargetDGN, codec.DGNProductIdentification)
	}
}

func TestParseAnnouncement_Errors(t *testing.T) {
	if _, err := ParseAnnouncement([]byte{0x20, 0x15}); !errors.Is(err, ErrAnnouncementTooShort) {
		t.Errorf("error = %v, want ErrAnnouncementTooShort", err)
	}
	zero := []byte{0x20, 0x15, 0x00, 0x00, 0xFF, 0xEB, 0xFE, 0x00}
	if _, err := ParseAnnouncement(zero); !errors.Is(err, ErrNoSegments) {
		t.Errorf("error = %v, want ErrNoSegments", err)
	}
}

func TestParseSegment(t *testing.T) {
	seg, err := ParseSegment([]byte{0x02, 0xAA, 0xBB})
	if err != nil {
		t.Fatalf("ParseSegment failed: %v", err)
	}
	if seg.Number != 2 {
		t.Errorf("Number = %d, want 2", seg.Number)
	}
	if !bytes.Equal(seg.Data, []byte{0xAA, 0xBB}) {
		t.Errorf("Data = %X, want AABB", seg.Data)
	}

	if _, err := ParseSegment(nil); !errors.Is(err, ErrSegmentTooShort) {
		t.Errorf("error = %v, want ErrSegmentTooShort", err)
	}
}

func TestReassembler_InOrder(t *testing.T) {
	r, _ := newTestReassembler(Policy{})

	if tr := r.HandleFrame(announce(0x80, 21, 3, codec.DGNProductIdentification)); tr != nil {
		t.Fatal("announcement should not complete a transfer")
	}
	if r.PendingCount() != 1 {
		t.Fatalf("pending = %d, want 1", r.PendingCount())
	}

	for i, data := range testSegments[:2] {
		if tr := r.HandleFrame(segment(0x80, uint8(i+1), data)); tr != nil {
			t.Fatalf("segment %d completed the transfer early", i+1)
		}
	}

	tr := r.HandleFrame(segment(0x80, 3, testSegments[2]))
	if tr == nil {
		t.Fatal("expected completed transfer after last segment")
	}
	if r.PendingCount() != 0 {
		t.Errorf("pending = %d, want 0 after completion", r.PendingCount())
	}

	want := bytes.Join(testSegments, nil)
	if !bytes.Equal(tr.Payload, want) {
		t.Errorf("Payload = %q, want %q", tr.Payload, want)
	}
	if tr.TargetDGN != codec.DGNProductIdentification {
		t.Errorf("TargetDGN = %05X, want 0FEEB", tr.TargetDGN)
	}
	wantKey := Key{Priority: 0x1, DGN: codec.DGNConnectionManagement, Source: 0x80}
	if tr.Key != wantKey {
		t.Errorf("Key = %+v, want %+v", tr.Key, wantKey)
	}
}

func TestReassembler_OutOfOrder(t *testing.T) {
	r, _ := newTestReassembler(Policy{})
	r.HandleFrame(announce(0x80, 21, 3, codec.DGNProductIdentification))

	var tr *Transfer
	for _, n := range []uint8{2, 1, 3} {
		tr = r.HandleFrame(segment(0x80, n, testSegments[n-1]))
	}
	if tr == nil {
		t.Fatal("expected completed transfer")
	}

	want := bytes.Join(testSegments, nil)
	if !bytes.Equal(tr.Payload, want) {
		t.Errorf("Payload = %q, want %q", tr.Payload, want)
	}
}

func TestReassembler_TrimsPadding(t *testing.T) {
	r, _ := newTestReassembler(Policy{})
	r.HandleFrame(announce(0x80, 9, 2, codec.DGNProductIdentification))

	r.HandleFrame(segment(0x80, 1, []byte{1, 2, 3, 4, 5, 6, 7}))
	tr := r.HandleFrame(segment(0x80, 2, []byte{8, 9, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF}))
	if tr == nil {
		t.Fatal("expected completed transfer")
	}
	if !bytes.Equal(tr.Payload, []byte{1, 2, 3, 4, 5, 6, 7, 8, 9}) {
		t.Errorf("Payload = %X, want 010203040506070809", tr.Payload)
	}
}

func TestReassembler_IgnoresOtherTargets(t *testing.T) {
	r, _ := newTestReassembler(Policy{})
	r.HandleFrame(announce(0x80, 21, 3, 0x1FECA))
	if r.PendingCount() != 0 {
		t.Errorf("pending = %d, want 0 for non product-id transfer", r.PendingCount())
	}
}

func TestReassembler_IgnoresHexOrderAnnouncement(t *testing.T) {
	// Target written as hex characters "0FEEB" at positions 10-14 and a
	// big-endian size of 21 bytes.
	data := []byte{0x20, 0x00, 0x15, 0x03, 0xFF, 0x0F, 0xEE, 0xB0}

	a, err := ParseAnnouncement(data)
	if err != nil {
		t.Fatalf("ParseAnnouncement failed: %v", err)
	}
	if a.TargetDGN == codec.DGNProductIdentification {
		t.Fatalf("TargetDGN = %05X, want it not read as product identification", a.TargetDGN)
	}

	r, _ := newTestReassembler(Policy{})
	r.HandleFrame(&codec.Frame{
		Priority: 0x1,
		DGN:      codec.DGNConnectionManagement,
		Source:   0x80,
		Data:     data,
	})
	if r.PendingCount() != 0 {
		t.Errorf("pending = %d, want 0", r.PendingCount())
	}
}

func TestReassembler_IgnoresStraySegments(t *testing.T) {
	r, _ := newTestReassembler(Policy{})
	if tr := r.HandleFrame(segment(0x80, 1, testSegments[0])); tr != nil {
		t.Error("segment without announcement should not complete")
	}
	if r.PendingCount() != 0 {
		t.Errorf("pending = %d, want 0", r.PendingCount())
	}

	// Segment numbers outside 1..total are dropped without counting.
	r.HandleFrame(announce(0x80, 7, 1, codec.DGNProductIdentification))
	if tr := r.HandleFrame(segment(0x80, 0, testSegments[0])); tr != nil {
		t.Error("segment 0 should be dropped")
	}
	if tr := r.HandleFrame(segment(0x80, 2, testSegments[0])); tr != nil {
		t.Error("segment beyond total should be dropped")
	}
	if tr := r.HandleFrame(segment(0x80, 1, testSegments[0])); tr == nil {
		t.Error("expected completion on the valid segment")
	}
}

func TestReassembler_SeparateSources(t *testing.T) {
	r, _ := newTestReassembler(Policy{})
	r.HandleFrame(announce(0x80, 7, 1, codec.DGNProductIdentification))
	r.HandleFrame(announce(0x81, 7, 1, codec.DGNProductIdentification))
	if r.PendingCount() != 2 {
		t.Fatalf("pending = %d, want 2", r.PendingCount())
	}

	tr := r.HandleFrame(segment(0x81, 1, []byte("source1")))
	if tr == nil || tr.Key.Source != 0x81 {
		t.Fatalf("expected transfer from 0x81, got %+v", tr)
	}
	if r.PendingCount() != 1 {
		t.Errorf("pending = %d, want 1", r.PendingCount())
	}
}

func TestReassembler_DuplicateSegmentsCount(t *testing.T) {
	r, _ := newTestReassembler(Policy{})
	r.HandleFrame(announce(0x80, 14, 2, codec.DGNProductIdentification))

	r.HandleFrame(segment(0x80, 1, []byte("AAAAAAA")))
	tr := r.HandleFrame(segment(0x80, 1, []byte("BBBBBBB")))
	if tr == nil {
		t.Fatal("duplicate segment should still count toward completion")
	}
	if !bytes.Equal(tr.Payload, []byte("BBBBBBB")) {
		t.Errorf("Payload = %q, want the overwritten slot only", tr.Payload)
	}
}

func TestReassembler_RestartOnNewAnnouncement(t *testing.T) {
	r, _ := newTestReassembler(Policy{})
	r.HandleFrame(announce(0x80, 14, 2, codec.DGNProductIdentification))
	r.HandleFrame(segment(0x80, 1, []byte("stale!!")))

	r.HandleFrame(announce(0x80, 7, 1, codec.DGNProductIdentification))
	tr := r.HandleFrame(segment(0x80, 1, []byte("fresh!!")))
	if tr == nil {
		t.Fatal("expected completion of restarted transfer")
	}
	if !bytes.Equal(tr.Payload, []byte("fresh!!")) {
		t.Errorf("Payload = %q, want %q", tr.Payload, "fresh!!")
	}
}

func TestReassembler_NoEvictionByDefault(t *testing.T) {
	r, clk := newTestReassembler(Policy{})
	r.HandleFrame(announce(0x80, 14, 2, codec.DGNProductIdentification))

	clk.now = clk.now.Add(24 * time.Hour)
	r.HandleFrame(&codec.Frame{DGN: 0x1FEDA})
	if r.PendingCount() != 1 {
		t.Errorf("pending = %d, want 1 (no eviction without a policy)", r.PendingCount())
	}
}

func TestReassembler_MaxAge(t *testing.T) {
	r, clk := newTestReassembler(Policy{MaxAge: 2 * time.Second})
	r.HandleFrame(announce(0x80, 14, 2, codec.DGNProductIdentification))
	r.HandleFrame(segment(0x80, 1, testSegments[0]))

	clk.now = clk.now.Add(3 * time.Second)
	if tr := r.HandleFrame(segment(0x80, 2, testSegments[1])); tr != nil {
		t.Error("expired transfer should not complete")
	}
	if r.PendingCount() != 0 {
		t.Errorf("pending = %d, want 0 after expiry", r.PendingCount())
	}
	if r.EvictedCount() != 1 {
		t.Errorf("evicted = %d, want 1", r.EvictedCount())
	}
}

func TestReassembler_MaxPending(t *testing.T) {
	r, clk := newTestReassembler(Policy{MaxPending: 2})

	r.HandleFrame(announce(0x80, 14, 2, codec.DGNProductIdentification))
	clk.now = clk.now.Add(time.Second)
	r.HandleFrame(announce(0x81, 14, 2, codec.DGNProductIdentification))
	clk.now = clk.now.Add(time.Second)
	r.HandleFrame(announce(0x82, 14, 2, codec.DGNProductIdentification))

	if r.PendingCount() != 2 {
		t.Fatalf("pending = %d, want 2", r.PendingCount())
	}
	if _, ok := r.pending[Key{Priority: 1, DGN: codec.DGNConnectionManagement, Source: 0x80}]; ok {
		t.Error("oldest transfer (0x80) should have been evicted")
	}
	if r.EvictedCount() != 1 {
		t.Errorf("evicted = %d, want 1", r.EvictedCount())
	}

	// Re-announcing a busy key does not evict anything.
	r.HandleFrame(announce(0x82, 14, 2, codec.DGNProductIdentification))
	if r.PendingCount() != 2 || r.EvictedCount() != 1 {
		t.Errorf("pending = %d evicted = %d, want 2 and 1", r.PendingCount(), r.EvictedCount())
	}
}

func TestReassembler_Clear(t *testing.T) {
	r, _ := newTestReassembler(Policy{})
	r.HandleFrame(announce(0x80, 14, 2, codec.DGNProductIdentification))
	r.Clear()
	if r.PendingCount() != 0 {
		t.Errorf("pending = %d, want 0 after Clear", r.PendingCount())
	}
}

func TestIsTransportDGN(t *testing.T) {
	if !IsTransportDGN(codec.DGNConnectionManagement) || !IsTransportDGN(codec.DGNDataTransfer) {
		t.Error("transport DGNs not recognized")
	}
	if IsTransportDGN(codec.DGNProductIdentification) {
		t.Error("product identification is not a transport DGN")
	}
}
