package main

import (
	"context"
	"log/slog"
	"sync/atomic"

	"github.com/kabili207/rvc-go/transport/mqtt"
)

const publishQueueSize = 256

// eventPublisher moves broker publishes off the ingest goroutine. Events
// offered while the queue is full are dropped.
type eventPublisher struct {
	publish   func(*mqtt.EventMessage) error
	connected func() bool
	queue     chan *mqtt.EventMessage
	log       *slog.Logger

	sent    atomic.Uint64
	dropped atomic.Uint64
	failed  atomic.Uint64
}

func newEventPublisher(mt *mqtt.Transport, size int, logger *slog.Logger) *eventPublisher {
	return newPublisherFunc(mt.PublishEvent, mt.IsConnected, size, logger)
}

func newPublisherFunc(publish func(*mqtt.EventMessage) error, connected func() bool, size int, logger *slog.Logger) *eventPublisher {
	if size <= 0 {
		size = publishQueueSize
	}
	return &eventPublisher{
		publish:   publish,
		connected: connected,
		queue:     make(chan *mqtt.EventMessage, size),
		log:       logger.WithGroup("publish"),
	}
}

// Offer queues msg without blocking.
func (p *eventPublisher) Offer(msg *mqtt.EventMessage) bool {
	if !p.connected() {
		p.dropped.Add(1)
		return false
	}
	select {
	case p.queue <- msg:
		return true
	default:
		p.dropped.Add(1)
		return false
	}
}

// Run publishes queued events until ctx is done.
func (p *eventPublisher) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg := <-p.queue:
			if err := p.publish(msg); err != nil {
				p.failed.Add(1)
				p.log.Debug("publish failed", "dgn", msg.DGN, "error", err)
				continue
			}
			p.sent.Add(1)
		}
	}
}
