// Package transport provides the line-oriented transports that connect the
// decoder to an RV-C bus adapter.
//
// Adapters speak the SLCAN ASCII protocol: each received CAN frame arrives as
// one text record terminated by CR. Transports split the incoming stream into
// records and hand them to a LineHandler without interpreting them.
package transport

import (
	"context"
)

// Transport is the base interface for all transport implementations.
type Transport interface {
	// Start begins the transport's connection and message handling.
	// The provided context controls the transport's lifetime.
	Start(ctx context.Context) error
	// Stop gracefully shuts down the transport.
	Stop() error
	// IsConnected returns true if the transport is currently connected.
	IsConnected() bool
	// SetLineHandler sets the callback for incoming adapter records.
	SetLineHandler(fn LineHandler)
	// SetStateHandler sets the callback for transport state changes.
	SetStateHandler(fn StateHandler)
	// SendCommand writes a complete adapter command, including its trailing
	// CR, to the bus.
	SendCommand(cmd string) error
}

// LineHandler is called once per received record, without its terminator.
type LineHandler func(line string, source Source)

// StateHandler is called when the transport state changes.
type StateHandler func(transport Transport, event Event)

// Event represents transport state change events.
type Event int

const (
	// EventConnected is fired when the transport connects.
	EventConnected Event = iota
	// EventDisconnected is fired when the transport disconnects.
	EventDisconnected
	// EventReconnecting is fired when the transport is attempting to reconnect.
	EventReconnecting
	// EventError is fired when an error occurs.
	EventError
)

func (e Event) String() string {
	switch e {
	case EventConnected:
		return "connected"
	case EventDisconnected:
		return "disconnected"
	case EventReconnecting:
		return "reconnecting"
	case EventError:
		return "error"
	default:
		return "unknown"
	}
}

// Source indicates where a line originated from.
type Source int

const (
	// SourceSerial indicates the line came from a local serial adapter.
	SourceSerial Source = iota
	// SourceMQTT indicates the line was relayed over MQTT.
	SourceMQTT
	// SourceLocal indicates the line was injected locally (replay, tests).
	SourceLocal
)

func (s Source) String() string {
	switch s {
	case SourceSerial:
		return "serial"
	case SourceMQTT:
		return "mqtt"
	case SourceLocal:
		return "local"
	default:
		return "unknown"
	}
}
