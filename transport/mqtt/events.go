package mqtt

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/fxamacker/cbor/v2"
)

// EventFormat selects how decoded events are encoded on the wire.
type EventFormat int

const (
	// EventFormatJSON encodes events as JSON objects.
	EventFormatJSON EventFormat = iota
	// EventFormatCBOR encodes events as CBOR maps with RFC 3339 timestamps.
	EventFormatCBOR
)

var ErrUnknownFormat = errors.New("unknown event format")

func (f EventFormat) String() string {
	switch f {
	case EventFormatJSON:
		return "json"
	case EventFormatCBOR:
		return "cbor"
	default:
		return "unknown"
	}
}

// ParseEventFormat parses "json" or "cbor". An empty string selects JSON.
func ParseEventFormat(s string) (EventFormat, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "json":
		return EventFormatJSON, nil
	case "cbor":
		return EventFormatCBOR, nil
	default:
		return 0, fmt.Errorf("%w: %q", ErrUnknownFormat, s)
	}
}

// EventMessage is the published form of one decoded frame.
type EventMessage struct {
	Time        time.Time          `json:"time"`
	Priority    uint8              `json:"priority"`
	DGN         string             `json:"dgn"`
	Source      uint8              `json:"source"`
	Data        []byte             `json:"data"`
	Name        string             `json:"name,omitempty"`
	Reassembled bool               `json:"reassembled,omitempty"`
	Parameters  []ParameterMessage `json:"parameters,omitempty"`
}

// ParameterMessage is the published form of one decoded parameter. Value is
// nil when the parameter could not be extracted; Error then says why.
type ParameterMessage struct {
	Name  string  `json:"name"`
	Value *uint64 `json:"value,omitempty"`
	Label string  `json:"label,omitempty"`
	Error string  `json:"error,omitempty"`
}

var cborEnc = func() cbor.EncMode {
	em, err := cbor.EncOptions{
		Time: cbor.TimeRFC3339Nano,
		Sort: cbor.SortCanonical,
	}.EncMode()
	if err != nil {
		panic(err)
	}
	return em
}()

// EncodeEvent encodes msg in the given format.
func EncodeEvent(msg *EventMessage, format EventFormat) ([]byte, error) {
	switch format {
	case EventFormatJSON:
		return json.Marshal(msg)
	case EventFormatCBOR:
		return cborEnc.Marshal(msg)
	default:
		return nil, fmt.Errorf("%w: %d", ErrUnknownFormat, format)
	}
}

// DecodeEvent decodes an event published in the given format.
func DecodeEvent(data []byte, format EventFormat) (*EventMessage, error) {
	var msg EventMessage
	var err error
	switch format {
	case EventFormatJSON:
		err = json.Unmarshal(data, &msg)
	case EventFormatCBOR:
		err = cbor.Unmarshal(data, &msg)
	default:
		return nil, fmt.Errorf("%w: %d", ErrUnknownFormat, format)
	}
	if err != nil {
		return nil, fmt.Errorf("decoding %s event: %w", format, err)
	}
	return &msg, nil
}
