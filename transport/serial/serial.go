// Package serial provides a serial transport for USB/serial SLCAN adapters.
//
// The adapter is opened at a fixed bit rate in normal mode with the command
// sequence S<n>, M0, O and closed with C. Every received CAN frame arrives as
// one ASCII record terminated by CR; the transport splits the byte stream into
// records and passes each one to the line handler.
package serial

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"

	"github.com/kabili207/rvc-go/transport"
	"go.bug.st/serial"
)

// Compile-time interface check.
var _ transport.Transport = (*Transport)(nil)

const (
	// DefaultBaudRate is the line rate of the adapter's virtual serial port.
	DefaultBaudRate = 250000

	// DefaultBitRate is the SLCAN bit-rate code for 250 kbit/s, the RV-C bus rate.
	DefaultBitRate = "S5"

	// maxLineLen bounds a record that never sees a terminator.
	maxLineLen = 64

	// readBufSize is the size of the serial read buffer.
	readBufSize = 1024
)

// Config holds the configuration for a serial transport.
type Config struct {
	// Port is the serial port path (e.g., "/dev/ttyUSB0" or "COM3").
	Port string
	// BaudRate is the serial baud rate. Defaults to 250000.
	BaudRate int
	// BitRate is the SLCAN bit-rate command sent before opening the
	// channel. Defaults to "S5".
	BitRate string
	// Logger is the logger to use. If nil, slog.Default() is used.
	Logger *slog.Logger
}

// Transport implements transport.Transport over a serial connection.
type Transport struct {
	cfg          Config
	port         io.ReadWriteCloser
	log          *slog.Logger
	mu           sync.RWMutex
	writeMu      sync.Mutex
	connected    bool
	cancel       context.CancelFunc
	done         chan struct{}
	lineHandler  transport.LineHandler
	stateHandler transport.StateHandler

	// openFn allows replacing serial.Open for testing.
	openFn func(name string, mode *serial.Mode) (io.ReadWriteCloser, error)
}

// New creates a new serial transport with the given configuration.
func New(cfg Config) *Transport {
	if cfg.BaudRate == 0 {
		cfg.BaudRate = DefaultBaudRate
	}
	if cfg.BitRate == "" {
		cfg.BitRate = DefaultBitRate
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	return &Transport{
		cfg:    cfg,
		log:    cfg.Logger.WithGroup("serial"),
		openFn: openPort,
	}
}

func openPort(name string, mode *serial.Mode) (io.ReadWriteCloser, error) {
	return serial.Open(name, mode)
}

// openSequence returns the commands that put the adapter on the bus.
func (t *Transport) openSequence() []string {
	return []string{t.cfg.BitRate + "\r", "M0\r", "O\r"}
}

// Start opens the serial port, opens the CAN channel and begins reading.
func (t *Transport) Start(ctx context.Context) error {
	if t.cfg.Port == "" {
		return errors.New("serial port is required")
	}

	mode := &serial.Mode{
		BaudRate: t.cfg.BaudRate,
	}

	port, err := t.openFn(t.cfg.Port, mode)
	if err != nil {
		return fmt.Errorf("opening serial port: %w", err)
	}

	for _, cmd := range t.openSequence() {
		if _, err := io.WriteString(port, cmd); err != nil {
			port.Close()
			return fmt.Errorf("opening CAN channel: %w", err)
		}
	}

	t.mu.Lock()
	t.port = port
	t.connected = true
	t.done = make(chan struct{})
	handler := t.stateHandler
	t.mu.Unlock()

	readCtx, cancel := context.WithCancel(ctx)
	t.cancel = cancel

	go t.readLoop(readCtx, port)

	t.log.Info("connected to serial port",
		"port", t.cfg.Port, "baud", t.cfg.BaudRate, "bitrate", t.cfg.BitRate)

	if handler != nil {
		handler(t, transport.EventConnected)
	}

	return nil
}

// Stop closes the CAN channel and the serial port and stops the read loop.
func (t *Transport) Stop() error {
	t.mu.Lock()
	handler := t.stateHandler
	t.mu.Unlock()

	if t.cancel != nil {
		t.cancel()
	}

	t.mu.Lock()
	wasConnected := t.connected
	t.connected = false
	port := t.port
	t.port = nil
	done := t.done
	t.mu.Unlock()

	var err error
	if port != nil {
		if wasConnected {
			t.writeMu.Lock()
			if _, werr := io.WriteString(port, "C\r"); werr != nil {
				t.log.Debug("failed to close CAN channel", "error", werr)
			}
			t.writeMu.Unlock()
		}
		err = port.Close()
	}

	// Wait for read loop to finish
	if done != nil {
		<-done
	}

	if handler != nil {
		handler(t, transport.EventDisconnected)
	}

	return err
}

// IsConnected returns true if the serial port is open.
func (t *Transport) IsConnected() bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.connected
}

// SetLineHandler sets the callback for incoming adapter records.
func (t *Transport) SetLineHandler(fn transport.LineHandler) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.lineHandler = fn
}

// SetStateHandler sets the callback for transport state changes.
func (t *Transport) SetStateHandler(fn transport.StateHandler) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.stateHandler = fn
}

// SendCommand writes an adapter command to the serial port.
func (t *Transport) SendCommand(cmd string) error {
	t.mu.RLock()
	port := t.port
	connected := t.connected
	t.mu.RUnlock()

	if !connected || port == nil {
		return errors.New("not connected")
	}

	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	if _, err := io.WriteString(port, cmd); err != nil {
		return fmt.Errorf("writing to serial port: %w", err)
	}
	return nil
}

// readLoop continuously reads from the serial port and splits records.
func (t *Transport) readLoop(ctx context.Context, port io.Reader) {
	defer close(t.done)

	buf := make([]byte, readBufSize)
	var assemblyBuf []byte

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		n, err := port.Read(buf)
		if err != nil {
			if ctx.Err() != nil {
				return // context cancelled, clean shutdown
			}
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrClosedPipe) {
				t.handleDisconnect(err)
				return
			}
			t.log.Error("serial read error", "error", err)
			t.handleDisconnect(err)
			return
		}

		if n == 0 {
			continue
		}

		assemblyBuf = append(assemblyBuf, buf[:n]...)
		assemblyBuf = t.processLines(assemblyBuf)
	}
}

// processLines dispatches every complete record in data and returns the
// unterminated remainder. Empty records are skipped. A remainder longer
// than any valid record is discarded.
func (t *Transport) processLines(data []byte) []byte {
	t.mu.RLock()
	handler := t.lineHandler
	t.mu.RUnlock()

	for {
		idx := indexTerminator(data)
		if idx < 0 {
			break
		}
		line := strings.TrimSpace(string(data[:idx]))
		data = data[idx+1:]

		if line == "" || handler == nil {
			continue
		}
		handler(line, transport.SourceSerial)
	}

	if len(data) > maxLineLen {
		t.log.Debug("discarding unterminated record", "bytes", len(data))
		return nil
	}
	return data
}

// indexTerminator returns the index of the first CR or LF in data, or -1.
func indexTerminator(data []byte) int {
	for i, b := range data {
		if b == '\r' || b == '\n' {
			return i
		}
	}
	return -1
}

func (t *Transport) handleDisconnect(err error) {
	t.mu.Lock()
	t.connected = false
	handler := t.stateHandler
	t.mu.Unlock()

	if err != nil {
		t.log.Error("serial disconnected", "error", err)
	}

	if handler != nil {
		handler(t, transport.EventDisconnected)
	}
}
