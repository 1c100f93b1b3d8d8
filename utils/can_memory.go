package utils

import (
	"context"
	"sync"

	"go.einride.tech/can"
)

// MemoryCANBus is an in-process bus for simulation and tests. Every frame
// written is delivered to every reader opened before the write; a full
// reader drops the frame.
type MemoryCANBus struct {
	mu      sync.Mutex
	readers map[*MemoryCANReader]struct{}
	closed  bool
}

func NewMemoryCANBus() *MemoryCANBus {
	return &MemoryCANBus{readers: map[*MemoryCANReader]struct{}{}}
}

// WriteFrame implements CANWriter.
func (b *MemoryCANBus) WriteFrame(ctx context.Context, frame can.Frame) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return ErrCANClosed
	}
	for r := range b.readers {
		select {
		case r.frames <- frame:
		default:
		}
	}
	return nil
}

// Close closes the bus and every reader on it.
func (b *MemoryCANBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	for r := range b.readers {
		close(r.frames)
	}
	b.readers = nil
	return nil
}

// Reader opens a reader with the given buffer size.
func (b *MemoryCANBus) Reader(buffer int) *MemoryCANReader {
	r := &MemoryCANReader{bus: b, frames: make(chan can.Frame, buffer)}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		close(r.frames)
		return r
	}
	b.readers[r] = struct{}{}
	return r
}

type MemoryCANReader struct {
	bus    *MemoryCANBus
	frames chan can.Frame
}

func (r *MemoryCANReader) ReadFrame(ctx context.Context) (can.Frame, error) {
	select {
	case <-ctx.Done():
		return can.Frame{}, ctx.Err()
	case f, ok := <-r.frames:
		if !ok {
			return can.Frame{}, ErrCANClosed
		}
		return f, nil
	}
}

func (r *MemoryCANReader) Close() error {
	r.bus.mu.Lock()
	defer r.bus.mu.Unlock()
	if _, ok := r.bus.readers[r]; ok {
		delete(r.bus.readers, r)
		close(r.frames)
	}
	return nil
}
