package resilience

import (
	"context"
	"errors"
	"fmt"

	"github.com/MrWong99/parley/pkg/audio"
	"github.com/MrWong99/parley/pkg/transport"
)

var (
	_ transport.Dialer  = (*Dialer)(nil)
	_ transport.Channel = (*guardedChannel)(nil)
	_ transport.Channel = (*refusedChannel)(nil)
)

// Dialer wraps a [transport.Dialer] with a [Breaker]. Connect outcomes are
// read off each channel's event stream: EventOpen is a success, a terminal
// error wrapping [transport.ErrConnectFailed] is a failure, and a local close
// before resolution counts as neither.
//
// While the breaker is open Dial does not reach the inner dialer; it returns
// a channel that fails at once with an error wrapping both
// [transport.ErrConnectFailed] and [ErrCircuitOpen].
type Dialer struct {
	inner   transport.Dialer
	breaker *Breaker
}

// NewDialer returns a Dialer guarding inner with a breaker built from cfg.
func NewDialer(inner transport.Dialer, cfg BreakerConfig) *Dialer {
	return &Dialer{inner: inner, breaker: NewBreaker(cfg)}
}

// Breaker returns the breaker guarding this dialer.
func (d *Dialer) Breaker() *Breaker { return d.breaker }

// Dial implements [transport.Dialer].
func (d *Dialer) Dial(ctx context.Context, cfg transport.Config) transport.Channel {
	if err := d.breaker.Allow(); err != nil {
		return newRefusedChannel(fmt.Errorf("%w: %w", transport.ErrConnectFailed, err))
	}
	inner := d.inner.Dial(ctx, cfg)
	g := &guardedChannel{
		Channel: inner,
		events:  make(chan transport.Event, cap(inner.Events())),
	}
	go d.watch(inner.Events(), g.events)
	return g
}

// watch forwards events from in to out and reports the connect outcome to
// the breaker on the first resolving event.
func (d *Dialer) watch(in <-chan transport.Event, out chan<- transport.Event) {
	defer close(out)
	resolved := false
	for ev := range in {
		if !resolved {
			resolved = d.resolve(ev)
		}
		out <- ev
	}
	if !resolved {
		d.breaker.Release()
	}
}

func (d *Dialer) resolve(ev transport.Event) bool {
	switch ev.Kind {
	case transport.EventOpen:
		d.breaker.Success()
	case transport.EventError:
		if errors.Is(ev.Err, transport.ErrConnectFailed) {
			d.breaker.Failure()
		} else {
			d.breaker.Release()
		}
	case transport.EventClose:
		d.breaker.Release()
	default:
		return false
	}
	return true
}

// guardedChannel replaces the event stream of the wrapped channel with the
// forwarded one.
type guardedChannel struct {
	transport.Channel
	events chan transport.Event
}

func (g *guardedChannel) Events() <-chan transport.Event { return g.events }

// refusedChannel is a channel whose only event is its terminal error.
type refusedChannel struct {
	events chan transport.Event
}

func newRefusedChannel(err error) *refusedChannel {
	c := &refusedChannel{events: make(chan transport.Event, 1)}
	c.events <- transport.Event{Kind: transport.EventError, Err: err}
	close(c.events)
	return c
}

func (c *refusedChannel) Events() <-chan transport.Event { return c.events }

func (c *refusedChannel) Send(audio.OutboundFrame) {}

func (c *refusedChannel) Close() error { return nil }
