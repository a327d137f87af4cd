// Package multipart provides RV-C multi-packet (BAM) reassembly.
//
// Payloads longer than eight bytes are broadcast as a connection-management
// announcement on DGN 0ECFF followed by numbered data-transfer frames on DGN
// 0EBFF. The announcement carries the total byte count, the number of
// segments and the DGN of the payload being transferred. Each data frame
// carries a 1-based segment number in its first byte and up to seven payload
// bytes after it.
//
// Announcements are read in J1939 byte order: total size in bytes 1-2 and
// the target DGN in bytes 5-7, both little-endian. Announcements that place
// the target DGN at hex characters 10-14 in transmission order with a
// big-endian size are not recognised.
//
// Only product identification (DGN 0FEEB) transfers are reassembled; other
// announcements are ignored. The announcement itself contributes no payload
// bytes: segment slot 0 is filled by data frame number 1.
//
// Duplicate segment numbers overwrite the earlier data and still count
// toward completion. Transfers that never complete are kept until a Policy
// evicts them or Clear is called; the zero Policy never evicts.
package multipart

import (
	"encoding/binary"
	"errors"
	"fmt"
	"time"

	"github.com/kabili207/rvc-go/core/codec"
)

const (
	// AnnouncementSize is the minimum length of a TP.CM announcement.
	AnnouncementSize = 8
	// SegmentDataSize is the number of payload bytes carried by one data frame.
	SegmentDataSize = 7
)

var (
	ErrAnnouncementTooShort = errors.New("announcement too short")
	ErrSegmentTooShort      = errors.New("segment too short")
	ErrNoSegments           = errors.New("announcement declares zero segments")
)

// Announcement is the decoded payload of a connection-management frame.
type Announcement struct {
	Control       uint8
	TotalLength   uint16
	TotalSegments uint8
	TargetDGN     uint32
}

// ParseAnnouncement decodes a TP.CM payload:
// [control][length LE:2][segments][reserved][dgn LE:3].
func ParseAnnouncement(data []byte) (*Announcement, error) {
	if len(data) < AnnouncementSize {
		return nil, fmt.Errorf("%w: %d bytes", ErrAnnouncementTooShort, len(data))
	}
	a := &Announcement{
		Control:       data[0],
		TotalLength:   binary.LittleEndian.Uint16(data[1:3]),
		TotalSegments: data[3],
		TargetDGN:     (uint32(data[5]) | uint32(data[6])<<8 | uint32(data[7])<<16) & codec.MaxDGN,
	}
	if a.TotalSegments == 0 {
		return nil, ErrNoSegments
	}
	return a, nil
}

// Segment is the decoded payload of a data-transfer frame.
type Segment struct {
	Number uint8  // 1-based sequence number
	Data   []byte // Segment bytes (sequence byte stripped)
}

// ParseSegment decodes a TP.DT payload: [sequence][data...].
func ParseSegment(data []byte) (*Segment, error) {
	if len(data) < 1 {
		return nil, ErrSegmentTooShort
	}
	seg := &Segment{
		Number: data[0],
		Data:   make([]byte, len(data)-1),
	}
	copy(seg.Data, data[1:])
	return seg, nil
}

// Key identifies a transfer by the identity of its announcement stream.
type Key struct {
	Priority uint8
	DGN      uint32
	Source   uint8
}

// KeyFor returns the transfer key a connection-management or data-transfer
// frame belongs to.
func KeyFor(f *codec.Frame) Key {
	return Key{Priority: f.Priority, DGN: codec.DGNConnectionManagement, Source: f.Source}
}

// Transfer is a completed reassembly.
type Transfer struct {
	Key       Key
	TargetDGN uint32
	Payload   []byte
	Started   time.Time // When the announcement arrived
	Completed time.Time // When the last segment arrived
}

// Policy bounds the memory held by incomplete transfers.
type Policy struct {
	// MaxAge discards transfers older than this. Zero disables age eviction.
	MaxAge time.Duration
	// MaxPending caps concurrent transfers; the oldest is evicted to make
	// room for a new announcement. Zero means unbounded.
	MaxPending int
}

type transferState struct {
	totalLength   int
	totalSegments int
	received      int
	segments      [][]byte
	targetDGN     uint32
	started       time.Time
}

// Reassembler collects multi-packet transfers and emits complete payloads.
type Reassembler struct {
	pending map[Key]*transferState
	policy  Policy
	evicted int

	// nowFn allows overriding time.Now() for testing.
	nowFn func() time.Time
}

// New creates a Reassembler that never evicts incomplete transfers.
func New() *Reassembler {
	return NewWithPolicy(Policy{})
}

// NewWithPolicy creates a Reassembler with the given eviction policy.
func NewWithPolicy(policy Policy) *Reassembler {
	return &Reassembler{
		pending: make(map[Key]*transferState),
		policy:  policy,
		nowFn:   time.Now,
	}
}

// IsTransportDGN reports whether dgn is handled by the reassembler.
func IsTransportDGN(dgn uint32) bool {
	return dgn == codec.DGNConnectionManagement || dgn == codec.DGNDataTransfer
}

// HandleFrame processes a connection-management or data-transfer frame.
// It returns the completed transfer when f supplies the last missing
// segment, and nil otherwise. Frames of other DGNs are ignored.
func (r *Reassembler) HandleFrame(f *codec.Frame) *Transfer {
	r.expire()

	switch f.DGN {
	case codec.DGNConnectionManagement:
		r.handleAnnouncement(f)
		return nil
	case codec.DGNDataTransfer:
		return r.handleSegment(f)
	default:
		return nil
	}
}

func (r *Reassembler) handleAnnouncement(f *codec.Frame) {
	ann, err := ParseAnnouncement(f.Data)
	if err != nil {
		return
	}
	if ann.TargetDGN != codec.DGNProductIdentification {
		return
	}

	key := KeyFor(f)
	if _, busy := r.pending[key]; !busy {
		r.makeRoom()
	}

	// A fresh announcement on a busy key restarts the transfer.
	r.pending[key] = &transferState{
		totalLength:   int(ann.TotalLength),
		totalSegments: int(ann.TotalSegments),
		segments:      make([][]byte, ann.TotalSegments),
		targetDGN:     ann.TargetDGN,
		started:       r.nowFn(),
	}
}

func (r *Reassembler) handleSegment(f *codec.Frame) *Transfer {
	key := KeyFor(f)
	state, ok := r.pending[key]
	if !ok {
		return nil
	}

	seg, err := ParseSegment(f.Data)
	if err != nil {
		return nil
	}
	if seg.Number == 0 || int(seg.Number) > state.totalSegments {
		return nil
	}

	state.segments[seg.Number-1] = seg.Data
	state.received++

	if state.received < state.totalSegments {
		return nil
	}

	delete(r.pending, key)
	return &Transfer{
		Key:       key,
		TargetDGN: state.targetDGN,
		Payload:   state.assemble(),
		Started:   state.started,
		Completed: r.nowFn(),
	}
}

// assemble concatenates segments in index order. Padding beyond the
// announced length is dropped; missing slots (left by duplicates) are
// simply absent from the result.
func (s *transferState) assemble() []byte {
	total := 0
	for _, seg := range s.segments {
		total += len(seg)
	}

	payload := make([]byte, 0, total)
	for _, seg := range s.segments {
		payload = append(payload, seg...)
	}

	if s.totalLength > 0 && len(payload) > s.totalLength {
		payload = payload[:s.totalLength]
	}
	return payload
}

// expire removes transfers older than the policy's MaxAge.
func (r *Reassembler) expire() {
	if r.policy.MaxAge <= 0 {
		return
	}
	now := r.nowFn()
	for key, state := range r.pending {
		if now.Sub(state.started) > r.policy.MaxAge {
			delete(r.pending, key)
			r.evicted++
		}
	}
}

// makeRoom evicts the oldest transfer when MaxPending has been reached.
func (r *Reassembler) makeRoom() {
	if r.policy.MaxPending <= 0 {
		return
	}
	for len(r.pending) >= r.policy.MaxPending {
		var oldestKey Key
		var oldest *transferState
		for key, state := range r.pending {
			if oldest == nil || state.started.Before(oldest.started) {
				oldestKey, oldest = key, state
			}
		}
		delete(r.pending, oldestKey)
		r.evicted++
	}
}

// PendingCount returns the number of in-progress transfers.
func (r *Reassembler) PendingCount() int {
	return len(r.pending)
}

// EvictedCount returns the number of transfers discarded by the policy.
func (r *Reassembler) EvictedCount() int {
	return r.evicted
}

// Clear discards all in-progress transfers.
func (r *Reassembler) Clear() {
	clear(r.pending)
}
