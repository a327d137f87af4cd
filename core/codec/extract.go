package codec

import (
	"encoding/hex"
	"errors"
	"fmt"
)

// MaxFieldBits is the widest parameter the extractor supports.
const MaxFieldBits = 32

var (
	ErrBitRange  = errors.New("bit field exceeds payload")
	ErrBitLength = errors.New("bit field length out of range")
)

// Extract reads an unsigned bit field from a hex-encoded payload.
// See ExtractBits for the bit numbering.
func Extract(payloadHex string, startBit, length uint) (uint64, error) {
	data, err := hex.DecodeString(payloadHex)
	if err != nil {
		return 0, fmt.Errorf("decoding payload: %w", err)
	}
	return ExtractBits(data, startBit, length)
}

// ExtractBits reads length bits starting at startBit from data.
//
// The bytes covering the field are concatenated into one big-endian window
// and the field is taken MSB-first from that window, offset startBit%8 bits
// from its most significant end. Catalogs in the wild are written against
// this numbering, so it must not change.
func ExtractBits(data []byte, startBit, length uint) (uint64, error) {
	if length == 0 || length > MaxFieldBits {
		return 0, fmt.Errorf("%w: %d", ErrBitLength, length)
	}
	if startBit+length > uint(len(data))*8 {
		return 0, fmt.Errorf("%w: bits %d..%d, payload has %d bits",
			ErrBitRange, startBit, startBit+length-1, len(data)*8)
	}

	startByte := startBit / 8
	endByte := (startBit + length + 7) / 8

	// At most 5 bytes (offset 7 + 32 bits), so the window fits in a uint64.
	var window uint64
	for _, b := range data[startByte:endByte] {
		window = window<<8 | uint64(b)
	}

	windowBits := (endByte - startByte) * 8
	shift := windowBits - startBit%8 - length
	return (window >> shift) & (1<<length - 1), nil
}
