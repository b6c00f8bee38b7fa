package ws

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"
)

// SSEClient streams Server-Sent Events over an HTTP response writer. Events
// are queued by Send and written by Serve on the request goroutine.
type SSEClient struct {
	mu      sync.Mutex
	writer  io.Writer
	flusher http.Flusher
	log     *slog.Logger
	queue   chan []byte
	done    chan struct{}
	closed  bool
}

// NewSSEClient builds an SSE client instance.
func NewSSEClient(writer io.Writer, flusher http.Flusher, buffer int, logger *slog.Logger) *SSEClient {
	if buffer <= 0 {
		buffer = 64
	}
	return &SSEClient{
		writer:  writer,
		flusher: flusher,
		log:     logger,
		queue:   make(chan []byte, buffer),
		done:    make(chan struct{}),
	}
}

// Send queues a data event without blocking.
func (c *SSEClient) Send(payload []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return io.EOF
	}
	select {
	case c.queue <- payload:
		return nil
	default:
		return ErrBufferFull
	}
}

// Serve writes queued events and periodic heartbeats until ctx ends or the
// client is closed.
func (c *SSEClient) Serve(ctx context.Context, heartbeat time.Duration) error {
	if heartbeat <= 0 {
		heartbeat = 15 * time.Second
	}
	ticker := time.NewTicker(heartbeat)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-c.done:
			return nil
		case payload := <-c.queue:
			if err := c.write(fmt.Sprintf("data: %s\n\n", payload)); err != nil {
				return err
			}
		case <-ticker.C:
			if err := c.write(": ping\n\n"); err != nil {
				return err
			}
		}
	}
}

func (c *SSEClient) write(frame string) error {
	if _, err := io.WriteString(c.writer, frame); err != nil {
		c.log.Warn("sse send failed", "error", err)
		c.Close()
		return err
	}
	c.flusher.Flush()
	return nil
}

// Close marks the stream as closed.
func (c *SSEClient) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.done)
	}
}
