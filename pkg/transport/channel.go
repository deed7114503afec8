package transport

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/MrWong99/parley/pkg/audio"
)

const (
	// DefaultQueueSize bounds the number of outbound frames waiting to be
	// written. At 4096 samples per 16 kHz frame this is roughly a minute of
	// audio.
	DefaultQueueSize = 256

	defaultEventBuffer = 64
)

// Option configures a channel created by [Start].
type Option func(*conn)

// WithQueueSize sets the maximum number of queued outbound frames.
func WithQueueSize(n int) Option {
	return func(c *conn) {
		if n > 0 {
			c.maxQueue = n
		}
	}
}

// WithEventBuffer sets the capacity of the event channel.
func WithEventBuffer(n int) Option {
	return func(c *conn) {
		if n >= 0 {
			c.events = make(chan Event, n)
		}
	}
}

// WithLogger sets the logger used for dropped frames and lifecycle messages.
func WithLogger(l *slog.Logger) Option {
	return func(c *conn) {
		if l != nil {
			c.log = l
		}
	}
}

// Start runs w in the background and returns its [Channel]. The connection
// attempt is bounded by ctx; once open, the channel lives until it is closed
// or fails.
func Start(ctx context.Context, w Wire, cfg Config, opts ...Option) Channel {
	connCtx, cancel := context.WithCancel(context.Background())
	c := &conn{
		wire:     w,
		events:   make(chan Event, defaultEventBuffer),
		maxQueue: DefaultQueueSize,
		notify:   make(chan struct{}, 1),
		ctx:      connCtx,
		cancel:   cancel,
		log:      slog.Default(),
	}
	for _, o := range opts {
		o(c)
	}
	go c.run(ctx, cfg)
	return c
}

// conn implements Channel on top of a Wire. Only the run goroutine sends on
// events, so ordering and the single terminal event follow from program order.
type conn struct {
	wire   Wire
	events chan Event
	log    *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	queue    []audio.OutboundFrame
	maxQueue int
	closed   bool  // Close called
	failErr  error // first local failure (write error, queue overflow)
	dropped  int
	notify   chan struct{}
	wireOnce sync.Once
}

func (c *conn) Events() <-chan Event { return c.events }

func (c *conn) Send(frame audio.OutboundFrame) {
	c.mu.Lock()
	if c.closed || c.failErr != nil {
		c.dropped++
		c.mu.Unlock()
		return
	}
	if len(c.queue) >= c.maxQueue {
		c.mu.Unlock()
		c.fail(fmt.Errorf("%w: %w (%d frames)", ErrTransport, ErrSendQueueFull, c.maxQueue))
		return
	}
	c.queue = append(c.queue, frame)
	c.mu.Unlock()

	select {
	case c.notify <- struct{}{}:
	default:
	}
}

func (c *conn) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.queue = nil
	c.mu.Unlock()

	c.cancel()
	return c.closeWire()
}

func (c *conn) closeWire() error {
	var err error
	c.wireOnce.Do(func() { err = c.wire.Close() })
	return err
}

// fail records the first local failure and tears the wire down so that the
// reader observes it.
func (c *conn) fail(err error) {
	c.mu.Lock()
	if c.failErr != nil || c.closed {
		c.mu.Unlock()
		return
	}
	c.failErr = err
	c.queue = nil
	c.mu.Unlock()

	c.cancel()
	_ = c.closeWire()
}

func (c *conn) run(dialCtx context.Context, cfg Config) {
	defer close(c.events)

	openCtx, stop := context.WithCancel(dialCtx)
	defer stop()
	unhook := context.AfterFunc(c.ctx, stop)
	defer unhook()

	err := cfg.Validate()
	if err == nil {
		err = c.wire.Open(openCtx, cfg)
	}
	if err != nil {
		_ = c.closeWire()
		c.mu.Lock()
		failErr, closed := c.failErr, c.closed
		c.mu.Unlock()
		switch {
		case closed:
			c.events <- Event{Kind: EventClose}
		case failErr != nil:
			c.events <- Event{Kind: EventError, Err: fmt.Errorf("%w: %w", ErrConnectFailed, failErr)}
		default:
			c.events <- Event{Kind: EventError, Err: fmt.Errorf("%w: %w", ErrConnectFailed, err)}
		}
		return
	}

	c.mu.Lock()
	if c.closed {
		// Resolved after Close: discard without promoting to open.
		c.mu.Unlock()
		_ = c.closeWire()
		c.events <- Event{Kind: EventClose}
		return
	}
	c.mu.Unlock()

	if !c.emit(Event{Kind: EventOpen}) {
		c.finish(nil)
		return
	}

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		c.writeLoop()
	}()

	var readErr error
	for readErr == nil {
		var chunks []audio.InboundChunk
		chunks, readErr = c.wire.Read(c.ctx)
		for _, ch := range chunks {
			if !c.emit(Event{Kind: EventMessage, Chunk: ch}) {
				break
			}
		}
		if readErr == nil && c.ctx.Err() != nil {
			readErr = c.ctx.Err()
		}
	}

	c.cancel()
	_ = c.closeWire()
	wg.Wait()
	c.finish(readErr)
}

// emit delivers a non-terminal event unless the channel is shutting down.
func (c *conn) emit(ev Event) bool {
	select {
	case c.events <- ev:
		return true
	case <-c.ctx.Done():
		return false
	}
}

// finish emits the single terminal event. Local failures take precedence over
// whatever the reader saw while the wire was being torn down.
func (c *conn) finish(readErr error) {
	c.mu.Lock()
	failErr, closed, dropped := c.failErr, c.closed, c.dropped
	c.mu.Unlock()

	if dropped > 0 {
		c.log.Debug("transport: dropped frames sent after shutdown", "frames", dropped)
	}

	switch {
	case failErr != nil:
		c.events <- Event{Kind: EventError, Err: failErr}
	case closed, readErr == nil, errors.Is(readErr, ErrRemoteClosed):
		c.events <- Event{Kind: EventClose}
	default:
		c.events <- Event{Kind: EventError, Err: fmt.Errorf("%w: receive: %w", ErrTransport, readErr)}
	}
}

func (c *conn) writeLoop() {
	for {
		select {
		case <-c.ctx.Done():
			return
		case <-c.notify:
		}
		for {
			frame, ok := c.pop()
			if !ok {
				break
			}
			if err := c.wire.Write(c.ctx, frame); err != nil {
				if c.ctx.Err() == nil {
					c.fail(fmt.Errorf("%w: send: %w", ErrTransport, err))
				}
				return
			}
		}
	}
}

func (c *conn) pop() (audio.OutboundFrame, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.queue) == 0 {
		return audio.OutboundFrame{}, false
	}
	f := c.queue[0]
	c.queue[0] = audio.OutboundFrame{}
	c.queue = c.queue[1:]
	return f, true
}
