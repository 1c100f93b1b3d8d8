package control

import "fmt"

// CommandChannel is the FIFO between command producers and the flight loop.
// Send never blocks; TryReceive never blocks. Any number of producers may
// send concurrently.
type CommandChannel struct {
	ch chan Message
}

func NewCommandChannel(capacity int) *CommandChannel {
	if capacity <= 0 {
		capacity = DefaultLoopConfig().QueueCapacity
	}
	return &CommandChannel{ch: make(chan Message, capacity)}
}

// Send validates m and enqueues it, returning ErrQueueFull when the buffer
// is at capacity.
func (c *CommandChannel) Send(m Message) error {
	if err := m.Validate(); err != nil {
		return err
	}
	select {
	case c.ch <- m:
		return nil
	default:
		return fmt.Errorf("%w (capacity %d)", ErrQueueFull, cap(c.ch))
	}
}

// TryReceive returns the oldest message, or false when none is waiting.
func (c *CommandChannel) TryReceive() (Message, bool) {
	select {
	case m := <-c.ch:
		return m, true
	default:
		return Message{}, false
	}
}

func (c *CommandChannel) Len() int { return len(c.ch) }
func (c *CommandChannel) Cap() int { return cap(c.ch) }
