// Package mock provides test doubles for the transport package interfaces.
//
// Use Dialer to verify Dial calls and hand out controlled channels. Use
// Channel to drive the event stream from a test (Open, Deliver, Fail,
// RemoteClose) and to inspect which frames the session sent.
//
// Example:
//
//	ch := mock.NewChannel()
//	d := &mock.Dialer{Channels: []*mock.Channel{ch}}
//	// ... start the session with d ...
//	ch.Open()
//	ch.Deliver(audio.InboundChunk{Data: pcm})
package mock

import (
	"context"
	"sync"

	"github.com/MrWong99/parley/pkg/audio"
	"github.com/MrWong99/parley/pkg/transport"
)

// Compile-time interface assertions.
var (
	_ transport.Dialer  = (*Dialer)(nil)
	_ transport.Channel = (*Channel)(nil)
)

// DialCall records a single invocation of Dialer.Dial.
type DialCall struct {
	// Ctx is the context passed to Dial.
	Ctx context.Context
	// Cfg is the Config passed to Dial.
	Cfg transport.Config
}

// Dialer is a mock implementation of transport.Dialer.
type Dialer struct {
	mu sync.Mutex

	// Channels are handed out by Dial in order. When exhausted, Dial creates a
	// fresh Channel.
	Channels []*Channel

	// DialCalls records every call to Dial in order.
	DialCalls []DialCall

	dialed []*Channel
	notify chan struct{}
}

// Dial records the call and returns the next prepared channel.
func (d *Dialer) Dial(ctx context.Context, cfg transport.Config) transport.Channel {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.DialCalls = append(d.DialCalls, DialCall{Ctx: ctx, Cfg: cfg})
	var ch *Channel
	if len(d.Channels) > 0 {
		ch, d.Channels = d.Channels[0], d.Channels[1:]
	} else {
		ch = NewChannel()
	}
	d.dialed = append(d.dialed, ch)
	if d.notify != nil {
		close(d.notify)
		d.notify = nil
	}
	return ch
}

// Dialed returns the channels handed out so far.
func (d *Dialer) Dialed() []*Channel {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]*Channel, len(d.dialed))
	copy(out, d.dialed)
	return out
}

// WaitDial blocks until at least n channels have been dialed or ctx is done,
// and returns the n-th one (1-based).
func (d *Dialer) WaitDial(ctx context.Context, n int) (*Channel, error) {
	for {
		d.mu.Lock()
		if len(d.dialed) >= n {
			ch := d.dialed[n-1]
			d.mu.Unlock()
			return ch, nil
		}
		if d.notify == nil {
			d.notify = make(chan struct{})
		}
		wait := d.notify
		d.mu.Unlock()

		select {
		case <-wait:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// Channel is a mock implementation of transport.Channel. It honours the
// channel contract: at most one terminal event, nothing after it.
type Channel struct {
	mu         sync.Mutex
	events     chan transport.Event
	terminated bool

	// Sent records every frame passed to Send before the channel terminated.
	Sent []audio.OutboundFrame

	// CallCountSend records every call to Send, including dropped ones.
	CallCountSend int

	// CallCountClose records how many times Close was called.
	CallCountClose int
}

// NewChannel returns a Channel with a generously buffered event stream.
func NewChannel() *Channel {
	return &Channel{events: make(chan transport.Event, 256)}
}

// Events implements transport.Channel.
func (c *Channel) Events() <-chan transport.Event { return c.events }

// Send implements transport.Channel.
func (c *Channel) Send(frame audio.OutboundFrame) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.CallCountSend++
	if c.terminated {
		return
	}
	c.Sent = append(c.Sent, frame)
}

// Close implements transport.Channel. The first call emits EventClose.
func (c *Channel) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.CallCountClose++
	c.terminateLocked(transport.Event{Kind: transport.EventClose})
	return nil
}

// Open emits EventOpen. It is a no-op after the channel terminated.
func (c *Channel) Open() { c.emit(transport.Event{Kind: transport.EventOpen}) }

// Deliver emits an EventMessage carrying chunk.
func (c *Channel) Deliver(chunk audio.InboundChunk) {
	c.emit(transport.Event{Kind: transport.EventMessage, Chunk: chunk})
}

// Fail emits a terminal EventError.
func (c *Channel) Fail(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.terminateLocked(transport.Event{Kind: transport.EventError, Err: err})
}

// RemoteClose emits a terminal EventClose as if the endpoint hung up.
func (c *Channel) RemoteClose() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.terminateLocked(transport.Event{Kind: transport.EventClose})
}

// Frames returns a copy of Sent.
func (c *Channel) Frames() []audio.OutboundFrame {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]audio.OutboundFrame, len(c.Sent))
	copy(out, c.Sent)
	return out
}

// Closes returns CallCountClose under the lock.
func (c *Channel) Closes() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.CallCountClose
}

func (c *Channel) emit(ev transport.Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.terminated {
		return
	}
	c.events <- ev
}

func (c *Channel) terminateLocked(ev transport.Event) {
	if c.terminated {
		return
	}
	c.terminated = true
	c.events <- ev
	close(c.events)
}
