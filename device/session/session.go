// Package session connects transports to a decode pipeline.
//
// The Session sits between transports (serial, MQTT) and the application. It
//   - queues received lines on a bounded channel, dropping and counting lines
//     that arrive while the channel is full
//   - runs a single consumer goroutine that owns the Pipeline, so the
//     pipeline itself needs no locks
//   - funnels other pipeline access (visibility, snapshots, reset) through
//     the same consumer with Do
//   - delivers decoded events to the application unless paused
//   - validates outbound commands and drains them from a priority queue to
//     every connected transport
package session

import (
	"context"
	"errors"
	"log/slog"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/kabili207/rvc-go/core/codec"
	"github.com/kabili207/rvc-go/device/pipeline"
	"github.com/kabili207/rvc-go/transport"
)

const (
	// DefaultQueueSize is the default capacity of the ingest queue.
	DefaultQueueSize = 1024

	// DefaultDrainInterval is the default interval for the send queue drain loop.
	DefaultDrainInterval = 10 * time.Millisecond
)

var ErrStopped = errors.New("session stopped")

// EventHandler is called from the consumer goroutine for every decoded
// event. It must not call Do.
type EventHandler func(ev pipeline.DecodedEvent)

// Config configures a Session.
type Config struct {
	// Pipeline configures the pipeline the session owns.
	Pipeline pipeline.Config

	// QueueSize is the capacity of the ingest queue. Default: 1024.
	QueueSize int

	// DrainInterval is how often the drain goroutine checks for ready
	// commands. Default: 10ms. Only used when Start() is called.
	DrainInterval time.Duration

	// Logger for session events. Falls back to slog.Default() if nil.
	Logger *slog.Logger
}

type lineItem struct {
	line   string
	source transport.Source
}

type operation struct {
	fn   func(p *pipeline.Pipeline)
	done chan struct{}
}

// Session serializes ingest for one pipeline and drains outbound commands.
type Session struct {
	cfg      Config
	log      *slog.Logger
	pipeline *pipeline.Pipeline
	lines    chan lineItem
	ops      chan operation
	queue    *SendQueue
	counters Counters
	paused   atomic.Bool

	mu         sync.RWMutex
	transports []transportEntry
	onEvent    EventHandler

	cancel  context.CancelFunc
	done    chan struct{} // closed when the current run's consumer exits
	wg      sync.WaitGroup
	started bool
}

type transportEntry struct {
	transport transport.Transport
	source    transport.Source
}

// New creates a Session with the given configuration.
func New(cfg Config) *Session {
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = DefaultQueueSize
	}
	if cfg.DrainInterval <= 0 {
		cfg.DrainInterval = DefaultDrainInterval
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Pipeline.Logger == nil {
		cfg.Pipeline.Logger = logger
	}

	return &Session{
		cfg:      cfg,
		log:      logger.WithGroup("session"),
		pipeline: pipeline.New(cfg.Pipeline),
		lines:    make(chan lineItem, cfg.QueueSize),
		ops:      make(chan operation),
		queue:    NewSendQueue(),
	}
}

// Start begins the ingest consumer and the queue drain goroutine. Lines
// submitted before Start are held in the queue until then.
func (s *Session) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return
	}

	ctx, s.cancel = context.WithCancel(ctx)
	done := make(chan struct{})
	s.done = done
	s.started = true

	s.wg.Go(func() {
		defer close(done)
		s.ingestLoop(ctx)
	})
	s.wg.Go(func() { s.drainLoop(ctx) })
}

// Stop cancels both goroutines and waits for them to finish.
func (s *Session) Stop() {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return
	}
	s.cancel()
	s.started = false
	s.mu.Unlock()

	s.wg.Wait()
}

// ingestLoop is the only goroutine that touches the pipeline while the
// session runs.
func (s *Session) ingestLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case item := <-s.lines:
			s.ingest(item)
		case op := <-s.ops:
			op.fn(s.pipeline)
			close(op.done)
		}
	}
}

func (s *Session) ingest(item lineItem) {
	f, err := codec.Decode(item.line)
	if err != nil {
		s.counters.NotFrames.Add(1)
		return
	}
	s.counters.FramesDecoded.Add(1)

	events := s.pipeline.IngestFrame(f)
	if len(events) == 0 {
		return
	}

	if s.paused.Load() {
		s.counters.EventsSuppressed.Add(uint64(len(events)))
		return
	}

	s.mu.RLock()
	handler := s.onEvent
	s.mu.RUnlock()
	if handler == nil {
		return
	}
	for _, ev := range events {
		handler(ev)
		s.counters.EventsDelivered.Add(1)
	}
}

// Submit queues a line for ingest. It never blocks: when the queue is full
// the line is dropped and false is returned.
func (s *Session) Submit(line string, src transport.Source) bool {
	select {
	case s.lines <- lineItem{line: line, source: src}:
		s.counters.LinesRecv.Add(1)
		return true
	default:
		s.counters.LinesDropped.Add(1)
		return false
	}
}

// Do runs fn on the consumer goroutine with exclusive access to the
// pipeline and waits for it to return. When the session is not running fn
// runs on the caller's goroutine. Do returns ErrStopped if the consumer has
// exited, either through Stop or because the Start context was cancelled.
func (s *Session) Do(fn func(p *pipeline.Pipeline)) error {
	s.mu.RLock()
	started := s.started
	done := s.done
	s.mu.RUnlock()

	if !started {
		fn(s.pipeline)
		return nil
	}

	op := operation{fn: fn, done: make(chan struct{})}
	select {
	case s.ops <- op:
	case <-done:
		return ErrStopped
	}
	<-op.done
	return nil
}

// Reset clears per-source statistics and pending transfers, keeping source
// visibility, and zeroes the session counters.
func (s *Session) Reset() error {
	if err := s.Do(func(p *pipeline.Pipeline) { p.Reset() }); err != nil {
		return err
	}
	s.counters.Reset()
	s.log.Info("statistics reset")
	return nil
}

// SetEventHandler sets the callback for decoded events.
func (s *Session) SetEventHandler(fn EventHandler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onEvent = fn
}

// Pause stops event delivery. Frames are still decoded and counted.
func (s *Session) Pause() {
	if !s.paused.Swap(true) {
		s.log.Info("event delivery paused")
	}
}

// Resume restarts event delivery.
func (s *Session) Resume() {
	if s.paused.Swap(false) {
		s.log.Info("event delivery resumed")
	}
}

// Paused reports whether event delivery is paused.
func (s *Session) Paused() bool {
	return s.paused.Load()
}

// Counters returns a snapshot of the session counters.
func (s *Session) Counters() CountersSnapshot {
	return s.counters.Snapshot()
}

// AddTransport registers a transport with the session. The session installs
// itself as the transport's line handler so that received lines are queued
// for ingest, and sends queued commands through it.
func (s *Session) AddTransport(t transport.Transport, source transport.Source) {
	s.mu.Lock()
	s.transports = append(s.transports, transportEntry{transport: t, source: source})
	s.mu.Unlock()

	t.SetLineHandler(func(line string, src transport.Source) {
		if !s.Submit(line, src) {
			s.log.Debug("ingest queue full, dropping line", "source", src)
		}
	})
}

// Send validates and queues an adapter command built from the given hex
// fields. The CAN priority doubles as the queue priority. Nothing is queued
// when validation fails.
func (s *Session) Send(priority, dgn, source, payload string) error {
	cmd, err := codec.BuildCommand(priority, dgn, source, payload)
	if err != nil {
		return err
	}
	// BuildCommand has already checked the priority is one hex digit.
	pri, _ := strconv.ParseUint(priority, 16, 8)
	s.enqueue(cmd, uint8(pri), 0)
	return nil
}

// SendFrame queues f for transmission after delay.
func (s *Session) SendFrame(f *codec.Frame, delay time.Duration) error {
	cmd, err := codec.EncodeFrame(f)
	if err != nil {
		return err
	}
	s.enqueue(cmd, f.Priority, delay)
	return nil
}

// enqueue adds a command to the send queue if the drain goroutine is
// running, otherwise sends synchronously.
func (s *Session) enqueue(cmd string, priority uint8, delay time.Duration) {
	s.mu.RLock()
	started := s.started
	s.mu.RUnlock()

	if !started {
		s.broadcast(cmd)
		return
	}
	s.queue.Push(cmd, priority, delay)
}

// drainLoop pops ready commands from the send queue and sends them.
func (s *Session) drainLoop(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.DrainInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for {
				cmd, ok := s.queue.Pop()
				if !ok {
					break
				}
				s.broadcast(cmd)
			}
		}
	}
}

// broadcast sends a command to every connected transport.
func (s *Session) broadcast(cmd string) {
	s.mu.RLock()
	entries := make([]transportEntry, len(s.transports))
	copy(entries, s.transports)
	s.mu.RUnlock()

	for _, entry := range entries {
		if !entry.transport.IsConnected() {
			continue
		}
		if err := entry.transport.SendCommand(cmd); err != nil {
			s.counters.CommandErrors.Add(1)
			s.log.Warn("failed to send command",
				"transport", entry.source, "error", err)
			continue
		}
		s.counters.CommandsSent.Add(1)
	}
}

// PendingCommands returns the number of queued commands.
func (s *Session) PendingCommands() int {
	return s.queue.Len()
}
