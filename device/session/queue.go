package session

import (
	"sync"
	"time"
)

// SendQueue is a priority-ordered outbound command queue.
// Lower priority numbers are dequeued first, matching CAN arbitration where
// priority 0 wins the bus. Items with a future readyAt time are held until
// that time has passed.
type SendQueue struct {
	mu    sync.Mutex
	items []queueItem

	// nowFn allows overriding time.Now() for testing.
	nowFn func() time.Time
}

type queueItem struct {
	cmd      string
	priority uint8
	readyAt  time.Time
}

// NewSendQueue creates an empty send queue.
func NewSendQueue() *SendQueue {
	return &SendQueue{nowFn: time.Now}
}

// Push adds a command to the queue with the given priority and delay.
// The command will not be returned by Pop until the delay has elapsed.
func (q *SendQueue) Push(cmd string, priority uint8, delay time.Duration) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.items = append(q.items, queueItem{
		cmd:      cmd,
		priority: priority,
		readyAt:  q.nowFn().Add(delay),
	})
}

// Pop returns the highest-priority ready command. Among items with equal
// priority, the earliest-inserted item is returned. ok is false when nothing
// is ready.
func (q *SendQueue) Pop() (cmd string, ok bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	now := q.nowFn()
	bestIdx := -1
	var bestPri uint8 = 255

	for i, item := range q.items {
		if now.Before(item.readyAt) {
			continue
		}
		if bestIdx == -1 || item.priority < bestPri {
			bestIdx = i
			bestPri = item.priority
		}
	}

	if bestIdx == -1 {
		return "", false
	}

	cmd = q.items[bestIdx].cmd
	q.items = append(q.items[:bestIdx], q.items[bestIdx+1:]...)
	return cmd, true
}

// Len returns the total number of items in the queue (ready or not).
func (q *SendQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Clear drops every queued command.
func (q *SendQueue) Clear() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.items = nil
}
