package codec

import (
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"
)

const (
	// TransmitMarker starts every extended data frame line.
	TransmitMarker = 'T'
	// Terminator ends every command sent to the adapter.
	Terminator = '\r'
	// MinLineLen is the shortest line considered for decoding.
	MinLineLen = 11

	idOffset   = 1
	idLen      = 8
	dlcOffset  = idOffset + idLen
	dataOffset = dlcOffset + 1
)

// Decode parses one adapter line of the form T{id:8}{dlc:1}{data...}.
//
// Lines that do not qualify return an error wrapping ErrNotAFrame. This is
// the normal outcome for noise, acknowledgements and partial lines.
func Decode(line string) (*Frame, error) {
	line = strings.TrimRight(line, "\r\n \t")
	if len(line) < MinLineLen {
		return nil, fmt.Errorf("%w: line too short (%d)", ErrNotAFrame, len(line))
	}
	if line[0] != TransmitMarker {
		return nil, fmt.Errorf("%w: missing transmit marker", ErrNotAFrame)
	}

	id := line[idOffset:dlcOffset]
	raw, err := strconv.ParseUint(id, 16, 32)
	if err != nil {
		return nil, fmt.Errorf("%w: identifier %q is not hex", ErrNotAFrame, id)
	}

	priority := hexNibble(id[0])
	dataPage := hexNibble(id[1]) & 0x1
	pfps, err := strconv.ParseUint(id[2:6], 16, 16)
	if err != nil {
		return nil, fmt.Errorf("%w: identifier %q is not hex", ErrNotAFrame, id)
	}
	source, err := strconv.ParseUint(id[6:8], 16, 8)
	if err != nil {
		return nil, fmt.Errorf("%w: identifier %q is not hex", ErrNotAFrame, id)
	}

	dlc := hexNibble(line[dlcOffset])
	if dlc > MaxDataLen {
		return nil, fmt.Errorf("%w: length %q out of range", ErrNotAFrame, line[dlcOffset])
	}

	payload := line[dataOffset:]
	if len(payload) != int(dlc)*2 {
		return nil, fmt.Errorf("%w: declared %d bytes, got %d hex digits", ErrNotAFrame, dlc, len(payload))
	}
	data, err := hex.DecodeString(payload)
	if err != nil {
		return nil, fmt.Errorf("%w: payload is not hex: %v", ErrNotAFrame, err)
	}

	return &Frame{
		ID:       uint32(raw) & IDMask,
		Priority: priority,
		DGN:      uint32(dataPage)<<16 | uint32(pfps),
		Source:   uint8(source),
		Data:     data,
	}, nil
}

// EncodeFrame renders a frame as the adapter transmit command
// T{priority}{dgn}{source}{len}{payload}\r.
func EncodeFrame(f *Frame) (string, error) {
	if err := f.Validate(); err != nil {
		return "", err
	}

	var b strings.Builder
	b.Grow(dataOffset + 2*len(f.Data) + 1)
	b.WriteByte(TransmitMarker)
	fmt.Fprintf(&b, "%X%05X%02X%X", f.Priority, f.DGN, f.Source, len(f.Data))
	fmt.Fprintf(&b, "%X", f.Data)
	b.WriteByte(Terminator)
	return b.String(), nil
}

// BuildCommand validates user-supplied fields and builds the transmit
// command for them. The payload may contain separators; any non-hex
// characters are stripped before encoding.
func BuildCommand(priority, dgn, source, payload string) (string, error) {
	if len(priority) != 1 || !isHex(priority) {
		return "", fmt.Errorf("%w: priority must be one hex digit", ErrInvalidCommand)
	}
	if len(dgn) != 5 || !isHex(dgn) || (dgn[0] != '0' && dgn[0] != '1') {
		return "", fmt.Errorf("%w: DGN must be 5 hex digits and start with 0 or 1", ErrInvalidCommand)
	}
	if len(source) != 2 || !isHex(source) {
		return "", fmt.Errorf("%w: source address must be 2 hex digits", ErrInvalidCommand)
	}

	cleaned := stripNonHex(payload)
	if len(cleaned)%2 != 0 {
		return "", fmt.Errorf("%w: payload has an odd number of hex digits", ErrInvalidCommand)
	}
	data, err := hex.DecodeString(cleaned)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidCommand, err)
	}
	if len(data) > MaxDataLen {
		return "", fmt.Errorf("%w: %w", ErrInvalidCommand, ErrDataTooLong)
	}

	dgnVal, _ := strconv.ParseUint(dgn, 16, 32)
	srcVal, _ := strconv.ParseUint(source, 16, 8)

	return EncodeFrame(&Frame{
		Priority: hexNibble(priority[0]),
		DGN:      uint32(dgnVal),
		Source:   uint8(srcVal),
		Data:     data,
	})
}

// hexNibble returns the value of a single hex digit, or 0xFF if c is not one.
func hexNibble(c byte) uint8 {
	switch {
	case c >= '0' && c <= '9':
		return c - '0'
	case c >= 'a' && c <= 'f':
		return c - 'a' + 10
	case c >= 'A' && c <= 'F':
		return c - 'A' + 10
	default:
		return 0xFF
	}
}

func isHex(s string) bool {
	for i := 0; i < len(s); i++ {
		if hexNibble(s[i]) == 0xFF {
			return false
		}
	}
	return true
}

func stripNonHex(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for i := 0; i < len(s); i++ {
		if hexNibble(s[i]) != 0xFF {
			b.WriteByte(s[i])
		}
	}
	return b.String()
}
