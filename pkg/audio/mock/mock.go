// Package mock provides in-memory implementations of the capture and playback
// device interfaces for use in unit tests.
//
// All mocks are safe for concurrent use. They record every method call so that
// tests can assert on call counts and arguments, and they expose exported fields
// that the test can set to control return values.
//
// Typical usage:
//
//	mic := &mock.Mic{}
//	opener := &mock.MicOpener{Result: mic}
//	g := capture.New(opener, audio.WireInput, 4096)
//	_ = g.Open(ctx)
//	_ = g.OnBlock(handle, onFatal)
//	mic.Push(make([]float32, 4096))
package mock

import (
	"context"
	"sync"
	"time"

	"github.com/MrWong99/parley/pkg/audio"
	"github.com/MrWong99/parley/pkg/audio/capture"
	"github.com/MrWong99/parley/pkg/audio/playback"
)

// Compile-time interface assertions.
var (
	_ capture.Opener  = (*MicOpener)(nil)
	_ capture.Source  = (*Mic)(nil)
	_ playback.Opener = (*SinkOpener)(nil)
	_ playback.Sink   = (*Sink)(nil)
	_ playback.Voice  = (*Voice)(nil)
)

// ─── Mic ──────────────────────────────────────────────────────────────────────

// Mic is a mock [capture.Source]. Tests feed it samples with [Mic.Push] and
// device failures with [Mic.Fail].
type Mic struct {
	mu sync.Mutex

	// StartError is returned by Start.
	StartError error

	// CloseError is returned by Close.
	CloseError error

	// CloseBlock, when non-nil, makes Close wait until it is closed.
	CloseBlock chan struct{}

	// CallCountStart records how many times Start was called.
	CallCountStart int

	// CallCountClose records how many times Close was called.
	CallCountClose int

	onSamples func([]float32)
	onError   func(error)
}

// Start implements [capture.Source].
func (m *Mic) Start(onSamples func([]float32), onError func(error)) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.CallCountStart++
	if m.StartError != nil {
		return m.StartError
	}
	m.onSamples = onSamples
	m.onError = onError
	return nil
}

// Close implements [capture.Source].
func (m *Mic) Close() error {
	m.mu.Lock()
	m.CallCountClose++
	m.onSamples = nil
	m.onError = nil
	block, err := m.CloseBlock, m.CloseError
	m.mu.Unlock()
	if block != nil {
		<-block
	}
	return err
}

// Push delivers samples as if the device produced them. It is a no-op when
// the mic is not started or already closed.
func (m *Mic) Push(samples []float32) {
	m.mu.Lock()
	cb := m.onSamples
	m.mu.Unlock()
	if cb != nil {
		cb(samples)
	}
}

// Fail reports a device error as if the driver raised it.
func (m *Mic) Fail(err error) {
	m.mu.Lock()
	cb := m.onError
	m.mu.Unlock()
	if cb != nil {
		cb(err)
	}
}

// Closes returns CallCountClose under the lock.
func (m *Mic) Closes() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.CallCountClose
}

// Started reports whether Start succeeded and Close has not been called since.
func (m *Mic) Started() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.onSamples != nil
}

// OpenInputCall records the arguments of a single [MicOpener.OpenInput] call.
type OpenInputCall struct {
	Format    audio.Format
	BlockSize int
}

// MicOpener is a mock [capture.Opener].
type MicOpener struct {
	mu sync.Mutex

	// Result is returned by OpenInput. A fresh [Mic] is created when nil.
	Result *Mic

	// Error is returned by OpenInput instead of Result when non-nil.
	Error error

	// Block, when non-nil, makes OpenInput wait until it is closed or the
	// context is done.
	Block chan struct{}

	// Calls records all OpenInput invocations.
	Calls []OpenInputCall
}

// OpenInput implements [capture.Opener].
func (o *MicOpener) OpenInput(ctx context.Context, format audio.Format, blockSize int) (capture.Source, error) {
	o.mu.Lock()
	o.Calls = append(o.Calls, OpenInputCall{Format: format, BlockSize: blockSize})
	block, err := o.Block, o.Error
	if o.Result == nil {
		o.Result = &Mic{}
	}
	mic := o.Result
	o.mu.Unlock()

	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if err != nil {
		return nil, err
	}
	return mic, nil
}

// OpenCalls returns the number of OpenInput invocations so far.
func (o *MicOpener) OpenCalls() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.Calls)
}

// Mic returns the mic handed out by OpenInput, creating it if needed.
func (o *MicOpener) Mic() *Mic {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.Result == nil {
		o.Result = &Mic{}
	}
	return o.Result
}

// ─── Sink ─────────────────────────────────────────────────────────────────────

// PlayCall records the arguments of a single [Sink.Play] call.
type PlayCall struct {
	Buffer audio.PlaybackBuffer
	At     time.Duration
	Voice  *Voice
}

// Voice is a mock [playback.Voice].
type Voice struct {
	mu      sync.Mutex
	stopped bool
	ended   func()
	done    bool
}

// Stop implements [playback.Voice].
func (v *Voice) Stop() {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.stopped = true
}

// Stopped reports whether Stop was called.
func (v *Voice) Stopped() bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.stopped
}

// Finish simulates natural completion by invoking the ended callback once.
// It does nothing for a voice that was stopped.
func (v *Voice) Finish() {
	v.mu.Lock()
	if v.stopped || v.done {
		v.mu.Unlock()
		return
	}
	v.done = true
	ended := v.ended
	v.mu.Unlock()
	if ended != nil {
		ended()
	}
}

// Sink is a mock [playback.Sink] with a manually driven clock.
type Sink struct {
	mu  sync.Mutex
	now time.Duration

	// PlayError is returned by Play when non-nil.
	PlayError error

	// CloseError is returned by Close.
	CloseError error

	// Plays records every successful Play call in order.
	Plays []PlayCall

	// CallCountClose records how many times Close was called.
	CallCountClose int
}

// SetNow sets the sink clock.
func (s *Sink) SetNow(d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = d
}

// Advance moves the sink clock forward by d.
func (s *Sink) Advance(d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now += d
}

// Now implements [playback.Sink].
func (s *Sink) Now() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.now
}

// Play implements [playback.Sink].
func (s *Sink) Play(buf audio.PlaybackBuffer, at time.Duration, ended func()) (playback.Voice, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.PlayError != nil {
		return nil, s.PlayError
	}
	v := &Voice{ended: ended}
	s.Plays = append(s.Plays, PlayCall{Buffer: buf, At: at, Voice: v})
	return v, nil
}

// Close implements [playback.Sink].
func (s *Sink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.CallCountClose++
	return s.CloseError
}

// PlayCalls returns a copy of Plays.
func (s *Sink) PlayCalls() []PlayCall {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]PlayCall, len(s.Plays))
	copy(out, s.Plays)
	return out
}

// Closes returns CallCountClose under the lock.
func (s *Sink) Closes() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.CallCountClose
}

// SinkOpener is a mock [playback.Opener].
type SinkOpener struct {
	mu sync.Mutex

	// Result is returned by OpenOutput. A fresh [Sink] is created when nil.
	Result *Sink

	// Error is returned by OpenOutput instead of Result when non-nil.
	Error error

	// Formats records the format of every OpenOutput call.
	Formats []audio.Format

	onError func(error)
}

// OpenOutput implements [playback.Opener].
func (o *SinkOpener) OpenOutput(_ context.Context, format audio.Format, onError func(error)) (playback.Sink, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.Formats = append(o.Formats, format)
	if o.Error != nil {
		return nil, o.Error
	}
	if o.Result == nil {
		o.Result = &Sink{}
	}
	o.onError = onError
	return o.Result, nil
}

// Sink returns the sink handed out by OpenOutput, creating it if needed.
func (o *SinkOpener) Sink() *Sink {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.Result == nil {
		o.Result = &Sink{}
	}
	return o.Result
}

// Fail reports an asynchronous device error through the registered callback.
func (o *SinkOpener) Fail(err error) {
	o.mu.Lock()
	cb := o.onError
	o.mu.Unlock()
	if cb != nil {
		cb(err)
	}
}
