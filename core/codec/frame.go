package codec

import (
	"errors"
	"fmt"
)

const (
	// DGN constants used by the core.
	DGNConnectionManagement  = 0x0ECFF // TP.CM broadcast announcement (BAM)
	DGNDataTransfer          = 0x0EBFF // TP.DT broadcast data segment
	DGNProductIdentification = 0x0FEEB // PRODUCT_IDENTIFICATION

	// MaxDGN is the largest DGN representable in five hex digits with the
	// data-page bit as the top bit.
	MaxDGN = 0x1FFFF
	// MaxDataLen is the maximum payload length of a classic CAN frame.
	MaxDataLen = 8
	// IDMask masks a 29-bit extended CAN identifier.
	IDMask = 0x1FFFFFFF
)

var (
	ErrNotAFrame      = errors.New("not a frame")
	ErrInvalidCommand = errors.New("invalid command")
	ErrDataTooLong    = errors.New("payload exceeds 8 bytes")
)

// Frame is a single extended CAN frame decoded from the adapter's ASCII
// stream. Frames are treated as immutable once built.
type Frame struct {
	ID       uint32 // Raw identifier as it appeared on the line
	Priority uint8  // First identifier hex digit
	DGN      uint32 // 17-bit Data Group Number (data-page bit + PF + PS)
	Source   uint8  // Source address
	Data     []byte // 0-8 payload bytes
}

// Len returns the payload length in bytes.
func (f *Frame) Len() int {
	return len(f.Data)
}

// DGNString returns the DGN as five upper-case hex digits.
func (f *Frame) DGNString() string {
	return FormatDGN(f.DGN)
}

// String returns a short human-readable form of the frame.
func (f *Frame) String() string {
	return fmt.Sprintf("prio=%X dgn=%05X src=%02X data=%X", f.Priority, f.DGN, f.Source, f.Data)
}

// Clone returns a deep copy of the frame.
func (f *Frame) Clone() *Frame {
	clone := *f
	if len(f.Data) > 0 {
		clone.Data = make([]byte, len(f.Data))
		copy(clone.Data, f.Data)
	}
	return &clone
}

// Validate checks that the frame can be rendered as an adapter command.
func (f *Frame) Validate() error {
	if f.Priority > 0xF {
		return fmt.Errorf("%w: priority %d does not fit one hex digit", ErrInvalidCommand, f.Priority)
	}
	if f.DGN > MaxDGN {
		return fmt.Errorf("%w: DGN %X exceeds %X", ErrInvalidCommand, f.DGN, MaxDGN)
	}
	if len(f.Data) > MaxDataLen {
		return ErrDataTooLong
	}
	return nil
}

// FormatDGN renders a DGN as five upper-case hex digits.
func FormatDGN(dgn uint32) string {
	return fmt.Sprintf("%05X", dgn&MaxDGN)
}
