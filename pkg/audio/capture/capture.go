// Package capture turns a raw microphone stream into fixed-size sample blocks.
//
// A device backend supplies a [Source] through an [Opener]. The [Graph] owns
// that source for the lifetime of one voice session: it re-frames whatever
// buffer sizes the device produces into blocks of exactly BlockSize samples and
// delivers them, in capture order, to a single consumer callback.
package capture

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/MrWong99/parley/pkg/audio"
)

// DefaultBlockSize is the number of samples per delivered block.
const DefaultBlockSize = 4096

// ErrNotOpen is returned by [Graph.OnBlock] before a successful [Graph.Open].
var ErrNotOpen = errors.New("capture: graph not open")

// Source is an opened microphone stream.
//
// Start begins delivering samples. onSamples is called from the device's own
// thread with mono float samples in [-1, 1]; the slice may be reused after the
// call returns. onError reports fatal device failures such as
// [audio.ErrDeviceUnderrun]. Close stops delivery and releases the device; no
// callback may run after Close returns.
type Source interface {
	Start(onSamples func([]float32), onError func(error)) error
	Close() error
}

// Opener acquires microphone streams. Errors must wrap one of
// [audio.ErrMicPermissionDenied], [audio.ErrMicNotFound] or [audio.ErrMicBusy].
type Opener interface {
	OpenInput(ctx context.Context, format audio.Format, blockSize int) (Source, error)
}

// Graph owns one microphone stream and delivers fixed-size blocks.
//
// All methods are safe for concurrent use. Close may be called at any time,
// including before Open or while Open is still in progress.
type Graph struct {
	opener    Opener
	format    audio.Format
	blockSize int

	mu      sync.Mutex
	src     Source
	closed  bool
	failed  bool
	pending []float32
	onBlock func([]float32)
	onFatal func(error)
}

// New creates an unopened Graph. A blockSize <= 0 selects [DefaultBlockSize].
func New(opener Opener, format audio.Format, blockSize int) *Graph {
	if blockSize <= 0 {
		blockSize = DefaultBlockSize
	}
	return &Graph{opener: opener, format: format, blockSize: blockSize}
}

// BlockSize returns the number of samples in each delivered block.
func (g *Graph) BlockSize() int { return g.blockSize }

// Format returns the capture format.
func (g *Graph) Format() audio.Format { return g.format }

// Open acquires the microphone. If Close was called first, or is called while
// the device is being acquired, the device is released and an error returned.
func (g *Graph) Open(ctx context.Context) error {
	g.mu.Lock()
	if g.closed {
		g.mu.Unlock()
		return errors.New("capture: graph closed")
	}
	if g.src != nil {
		g.mu.Unlock()
		return errors.New("capture: graph already open")
	}
	g.mu.Unlock()

	src, err := g.opener.OpenInput(ctx, g.format, g.blockSize)
	if err != nil {
		return fmt.Errorf("capture: open microphone: %w", err)
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	if g.closed {
		_ = src.Close()
		return errors.New("capture: graph closed during open")
	}
	g.src = src
	g.pending = make([]float32, 0, g.blockSize)
	return nil
}

// OnBlock starts delivery. cb receives every block of exactly BlockSize
// samples, in order, from the device thread; it owns the slice it is given.
// onFatal is called at most once, after which no further blocks are delivered.
func (g *Graph) OnBlock(cb func([]float32), onFatal func(error)) error {
	g.mu.Lock()
	src := g.src
	if src == nil || g.closed {
		g.mu.Unlock()
		return ErrNotOpen
	}
	g.onBlock = cb
	g.onFatal = onFatal
	g.mu.Unlock()

	if err := src.Start(g.push, g.fail); err != nil {
		return fmt.Errorf("capture: start stream: %w", err)
	}
	return nil
}

// push re-frames device buffers into fixed blocks. Holding mu for the whole
// call serialises it against Close.
func (g *Graph) push(samples []float32) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.closed || g.failed || g.onBlock == nil {
		return
	}
	for len(samples) > 0 {
		n := min(g.blockSize-len(g.pending), len(samples))
		g.pending = append(g.pending, samples[:n]...)
		samples = samples[n:]
		if len(g.pending) == g.blockSize {
			block := g.pending
			g.pending = make([]float32, 0, g.blockSize)
			g.onBlock(block)
		}
	}
}

func (g *Graph) fail(err error) {
	g.mu.Lock()
	if g.closed || g.failed {
		g.mu.Unlock()
		return
	}
	g.failed = true
	g.pending = g.pending[:0]
	onFatal := g.onFatal
	g.mu.Unlock()

	if onFatal != nil {
		onFatal(err)
	}
}

// Close stops delivery and releases the microphone. Close is idempotent and
// safe to call on a Graph that was never opened.
func (g *Graph) Close() error {
	g.mu.Lock()
	if g.closed {
		g.mu.Unlock()
		return nil
	}
	g.closed = true
	src := g.src
	g.src = nil
	g.pending = nil
	g.mu.Unlock()

	if src == nil {
		return nil
	}
	if err := src.Close(); err != nil {
		return fmt.Errorf("capture: close microphone: %w", err)
	}
	return nil
}
