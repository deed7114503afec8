package transport_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/MrWong99/parley/pkg/audio"
	"github.com/MrWong99/parley/pkg/transport"
)

// fakeWire is a scripted transport.Wire.
type fakeWire struct {
	openErr   error
	openBlock chan struct{}
	writeErr  error

	inbound chan []audio.InboundChunk
	readErr chan error
	closed  chan struct{}
	once    sync.Once

	mu      sync.Mutex
	written []audio.OutboundFrame
	closes  int
	opened  bool
}

func newFakeWire() *fakeWire {
	return &fakeWire{
		inbound: make(chan []audio.InboundChunk, 16),
		readErr: make(chan error, 1),
		closed:  make(chan struct{}),
	}
}

func (w *fakeWire) Open(ctx context.Context, _ transport.Config) error {
	if w.openBlock != nil {
		select {
		case <-w.openBlock:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if w.openErr != nil {
		return w.openErr
	}
	w.mu.Lock()
	w.opened = true
	w.mu.Unlock()
	return nil
}

func (w *fakeWire) Write(ctx context.Context, f audio.OutboundFrame) error {
	if w.writeErr != nil {
		return w.writeErr
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	w.written = append(w.written, f)
	return nil
}

func (w *fakeWire) Read(ctx context.Context) ([]audio.InboundChunk, error) {
	select {
	case c := <-w.inbound:
		return c, nil
	case err := <-w.readErr:
		return nil, err
	case <-w.closed:
		return nil, errors.New("use of closed connection")
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (w *fakeWire) Close() error {
	w.mu.Lock()
	w.closes++
	w.mu.Unlock()
	w.once.Do(func() { close(w.closed) })
	return nil
}

func (w *fakeWire) frames() []audio.OutboundFrame {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]audio.OutboundFrame(nil), w.written...)
}

func next(t *testing.T, ch transport.Channel) transport.Event {
	t.Helper()
	select {
	case ev, ok := <-ch.Events():
		if !ok {
			t.Fatal("event stream closed unexpectedly")
		}
		return ev
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for event")
	}
	return transport.Event{}
}

// collect reads until the stream closes and returns everything seen.
func collect(t *testing.T, ch transport.Channel) []transport.Event {
	t.Helper()
	var out []transport.Event
	timeout := time.After(3 * time.Second)
	for {
		select {
		case ev, ok := <-ch.Events():
			if !ok {
				return out
			}
			out = append(out, ev)
		case <-timeout:
			t.Fatalf("timed out; events so far: %v", out)
		}
	}
}

func assertSingleTerminal(t *testing.T, evs []transport.Event) transport.Event {
	t.Helper()
	if len(evs) == 0 {
		t.Fatal("no events")
	}
	for i, ev := range evs[:len(evs)-1] {
		if ev.Terminal() {
			t.Fatalf("terminal event %v at position %d of %d", ev.Kind, i, len(evs))
		}
	}
	last := evs[len(evs)-1]
	if !last.Terminal() {
		t.Fatalf("last event %v is not terminal", last.Kind)
	}
	return last
}

func TestChannel_OpenMessageClose(t *testing.T) {
	t.Parallel()
	w := newFakeWire()
	ch := transport.Start(context.Background(), w, transport.Config{})

	if ev := next(t, ch); ev.Kind != transport.EventOpen {
		t.Fatalf("first event = %v; want OPEN", ev.Kind)
	}
	w.inbound <- []audio.InboundChunk{{Interrupted: true}, {Data: []byte{1, 2}}}

	ev := next(t, ch)
	if ev.Kind != transport.EventMessage || !ev.Chunk.Interrupted {
		t.Errorf("event = %+v; want interrupted MESSAGE", ev)
	}
	ev = next(t, ch)
	if ev.Kind != transport.EventMessage || len(ev.Chunk.Data) != 2 {
		t.Errorf("event = %+v; want 2-byte MESSAGE", ev)
	}

	if err := ch.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := ch.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
	last := assertSingleTerminal(t, collect(t, ch))
	if last.Kind != transport.EventClose {
		t.Errorf("terminal = %v; want CLOSE", last.Kind)
	}
	w.mu.Lock()
	closes := w.closes
	w.mu.Unlock()
	if closes != 1 {
		t.Errorf("wire closed %d times; want 1", closes)
	}
}

func TestChannel_SendOrderedAndQueuedBeforeOpen(t *testing.T) {
	t.Parallel()
	w := newFakeWire()
	w.openBlock = make(chan struct{})
	ch := transport.Start(context.Background(), w, transport.Config{})
	defer ch.Close()

	for i := range 5 {
		ch.Send(audio.OutboundFrame{MIMEType: "audio/pcm;rate=16000", Data: []byte{byte(i), 0}})
	}
	close(w.openBlock)
	if ev := next(t, ch); ev.Kind != transport.EventOpen {
		t.Fatalf("first event = %v; want OPEN", ev.Kind)
	}
	for i := 5; i < 10; i++ {
		ch.Send(audio.OutboundFrame{Data: []byte{byte(i), 0}})
	}

	deadline := time.After(3 * time.Second)
	for len(w.frames()) < 10 {
		select {
		case <-deadline:
			t.Fatalf("only %d of 10 frames written", len(w.frames()))
		case <-time.After(time.Millisecond):
		}
	}
	for i, f := range w.frames() {
		if f.Data[0] != byte(i) {
			t.Errorf("frame %d carries %d; want %d (capture order)", i, f.Data[0], i)
		}
	}
}

func TestChannel_ConnectFailed(t *testing.T) {
	t.Parallel()
	w := newFakeWire()
	w.openErr = errors.New("401 unauthorized")
	ch := transport.Start(context.Background(), w, transport.Config{})

	last := assertSingleTerminal(t, collect(t, ch))
	if last.Kind != transport.EventError || !errors.Is(last.Err, transport.ErrConnectFailed) {
		t.Errorf("terminal = %v (%v); want ERROR wrapping ErrConnectFailed", last.Kind, last.Err)
	}
}

func TestChannel_UnsupportedModality(t *testing.T) {
	t.Parallel()
	ch := transport.Start(context.Background(), newFakeWire(), transport.Config{Modality: "text"})
	last := assertSingleTerminal(t, collect(t, ch))
	if !errors.Is(last.Err, transport.ErrConnectFailed) {
		t.Errorf("err = %v; want ErrConnectFailed", last.Err)
	}
}

func TestChannel_ConnectTimeout(t *testing.T) {
	t.Parallel()
	w := newFakeWire()
	w.openBlock = make(chan struct{})
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	ch := transport.Start(ctx, w, transport.Config{})

	last := assertSingleTerminal(t, collect(t, ch))
	if !errors.Is(last.Err, transport.ErrConnectFailed) || !errors.Is(last.Err, context.DeadlineExceeded) {
		t.Errorf("err = %v; want ErrConnectFailed wrapping DeadlineExceeded", last.Err)
	}
}

func TestChannel_CloseDuringConnect(t *testing.T) {
	t.Parallel()
	w := newFakeWire()
	w.openBlock = make(chan struct{})
	ch := transport.Start(context.Background(), w, transport.Config{})

	if err := ch.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	close(w.openBlock)

	evs := collect(t, ch)
	for _, ev := range evs {
		if ev.Kind == transport.EventOpen {
			t.Fatal("channel promoted to OPEN after Close")
		}
	}
	if last := assertSingleTerminal(t, evs); last.Kind != transport.EventClose {
		t.Errorf("terminal = %v; want CLOSE", last.Kind)
	}
}

func TestChannel_RemoteCloseIsClean(t *testing.T) {
	t.Parallel()
	w := newFakeWire()
	ch := transport.Start(context.Background(), w, transport.Config{})
	next(t, ch)

	w.readErr <- fmt.Errorf("gemini: %w", transport.ErrRemoteClosed)
	last := assertSingleTerminal(t, collect(t, ch))
	if last.Kind != transport.EventClose {
		t.Errorf("terminal = %v (%v); want CLOSE", last.Kind, last.Err)
	}
}

func TestChannel_ReadErrorIsTransportError(t *testing.T) {
	t.Parallel()
	w := newFakeWire()
	ch := transport.Start(context.Background(), w, transport.Config{})
	next(t, ch)

	w.readErr <- errors.New("connection reset by peer")
	last := assertSingleTerminal(t, collect(t, ch))
	if last.Kind != transport.EventError || !errors.Is(last.Err, transport.ErrTransport) {
		t.Errorf("terminal = %v (%v); want ERROR wrapping ErrTransport", last.Kind, last.Err)
	}

	// Sends after termination are dropped silently.
	ch.Send(audio.OutboundFrame{Data: []byte{0, 0}})
	if err := ch.Close(); err != nil {
		t.Errorf("Close after terminal: %v", err)
	}
}

func TestChannel_WriteErrorIsTransportError(t *testing.T) {
	t.Parallel()
	w := newFakeWire()
	w.writeErr = errors.New("broken pipe")
	ch := transport.Start(context.Background(), w, transport.Config{})
	next(t, ch)

	ch.Send(audio.OutboundFrame{Data: []byte{0, 0}})
	last := assertSingleTerminal(t, collect(t, ch))
	if last.Kind != transport.EventError || !errors.Is(last.Err, transport.ErrTransport) {
		t.Errorf("terminal = %v (%v); want ERROR wrapping ErrTransport", last.Kind, last.Err)
	}
}

func TestChannel_QueueOverflow(t *testing.T) {
	t.Parallel()
	w := newFakeWire()
	w.openBlock = make(chan struct{})
	ch := transport.Start(context.Background(), w, transport.Config{}, transport.WithQueueSize(2))

	for range 3 {
		ch.Send(audio.OutboundFrame{Data: []byte{0, 0}})
	}
	last := assertSingleTerminal(t, collect(t, ch))
	if !errors.Is(last.Err, transport.ErrSendQueueFull) {
		t.Errorf("err = %v; want ErrSendQueueFull", last.Err)
	}
}

func TestEventKind_String(t *testing.T) {
	t.Parallel()
	cases := map[transport.EventKind]string{
		transport.EventOpen:     "OPEN",
		transport.EventMessage:  "MESSAGE",
		transport.EventError:    "ERROR",
		transport.EventClose:    "CLOSE",
		transport.EventKind(99): "UNKNOWN",
	}
	for k, want := range cases {
		if got := k.String(); got != want {
			t.Errorf("EventKind(%d).String() = %q; want %q", int(k), got, want)
		}
	}
}
