// Package notify publishes request completions to interested callers. It is
// the only channel through which an apply-time outcome, such as a withdrawal
// rejected for insufficient balance, becomes visible.
package notify

import (
	"sync"

	"github.com/blackbox-ledger/blackbox/internal/protocol"
)

// Notifier receives one Completion per request that reaches a terminal state.
// Publish must not block.
type Notifier interface {
	Publish(c protocol.Completion)
}

// Func adapts a function to Notifier.
type Func func(c protocol.Completion)

func (f Func) Publish(c protocol.Completion) { f(c) }

// Nop discards completions.
type Nop struct{}

func (Nop) Publish(protocol.Completion) {}

// Multi fans a completion out to several notifiers.
type Multi []Notifier

func (m Multi) Publish(c protocol.Completion) {
	for _, n := range m {
		n.Publish(c)
	}
}

// Channel buffers completions for in-process consumers. When the buffer is
// full new completions are dropped and counted.
type Channel struct {
	ch      chan protocol.Completion
	mu      sync.Mutex
	dropped int
}

func NewChannel(size int) *Channel {
	return &Channel{ch: make(chan protocol.Completion, size)}
}

func (c *Channel) Publish(comp protocol.Completion) {
	select {
	case c.ch <- comp:
	default:
		c.mu.Lock()
		c.dropped++
		c.mu.Unlock()
	}
}

// C returns the receive side.
func (c *Channel) C() <-chan protocol.Completion { return c.ch }

// Dropped reports how many completions did not fit the buffer.
func (c *Channel) Dropped() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.dropped
}
