package ws

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sync"

	"github.com/AlbertoSB-Dev/deploy-manager-sub002/internal/domain"
)

// ChannelSubscriber buffers events for in-process consumers.
type ChannelSubscriber struct {
	mu     sync.Mutex
	ch     chan []byte
	closed bool
}

// NewChannelSubscriber returns a subscriber holding up to buffer events.
func NewChannelSubscriber(buffer int) *ChannelSubscriber {
	if buffer <= 0 {
		buffer = 64
	}
	return &ChannelSubscriber{ch: make(chan []byte, buffer)}
}

// Send enqueues payload without blocking.
func (c *ChannelSubscriber) Send(payload []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return io.EOF
	}
	select {
	case c.ch <- payload:
		return nil
	default:
		return ErrBufferFull
	}
}

// Close ends the stream; buffered events remain readable.
func (c *ChannelSubscriber) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.ch)
	}
}

// Next returns the next event, io.EOF once closed and drained.
func (c *ChannelSubscriber) Next(ctx context.Context) (domain.Event, error) {
	select {
	case <-ctx.Done():
		return domain.Event{}, ctx.Err()
	case payload, ok := <-c.ch:
		if !ok {
			return domain.Event{}, io.EOF
		}
		var ev domain.Event
		if err := json.Unmarshal(payload, &ev); err != nil {
			return domain.Event{}, fmt.Errorf("decode event: %w", err)
		}
		return ev, nil
	}
}

// Pending reports how many events are buffered.
func (c *ChannelSubscriber) Pending() int {
	return len(c.ch)
}
