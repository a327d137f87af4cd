package session

import "sync/atomic"

// Counters tracks session statistics using atomic counters.
// All fields are safe for concurrent access.
type Counters struct {
	LinesRecv        atomic.Uint64 // Lines accepted into the ingest queue
	LinesDropped     atomic.Uint64 // Lines dropped because the queue was full
	NotFrames        atomic.Uint64 // Lines that did not decode as a frame
	FramesDecoded    atomic.Uint64 // Lines decoded into frames
	EventsDelivered  atomic.Uint64 // Events passed to the event handler
	EventsSuppressed atomic.Uint64 // Events discarded while paused
	CommandsSent     atomic.Uint64 // Commands written to a transport
	CommandErrors    atomic.Uint64 // Failed transport writes
}

// CountersSnapshot is a plain-value copy of Counters for reading.
type CountersSnapshot struct {
	LinesRecv        uint64
	LinesDropped     uint64
	NotFrames        uint64
	FramesDecoded    uint64
	EventsDelivered  uint64
	EventsSuppressed uint64
	CommandsSent     uint64
	CommandErrors    uint64
}

// Snapshot returns a point-in-time copy of all counters.
func (c *Counters) Snapshot() CountersSnapshot {
	return CountersSnapshot{
		LinesRecv:        c.LinesRecv.Load(),
		LinesDropped:     c.LinesDropped.Load(),
		NotFrames:        c.NotFrames.Load(),
		FramesDecoded:    c.FramesDecoded.Load(),
		EventsDelivered:  c.EventsDelivered.Load(),
		EventsSuppressed: c.EventsSuppressed.Load(),
		CommandsSent:     c.CommandsSent.Load(),
		CommandErrors:    c.CommandErrors.Load(),
	}
}

// Reset zeroes all counters.
func (c *Counters) Reset() {
	c.LinesRecv.Store(0)
	c.LinesDropped.Store(0)
	c.NotFrames.Store(0)
	c.FramesDecoded.Store(0)
	c.EventsDelivered.Store(0)
	c.EventsSuppressed.Store(0)
	c.CommandsSent.Store(0)
	c.CommandErrors.Store(0)
}
