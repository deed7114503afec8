package device

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/MrWong99/parley/pkg/audio"
	"github.com/MrWong99/parley/pkg/audio/capture"
	"github.com/MrWong99/parley/pkg/audio/playback"
)

// Compile-time interface assertions.
var (
	_ Backend        = (*Null)(nil)
	_ capture.Source = (*nullMic)(nil)
	_ playback.Sink  = (*nullSink)(nil)
)

// DefaultRenderPeriod is the output period of the [Null] backend's sink.
const DefaultRenderPeriod = 20 * time.Millisecond

// Null is a hardware-free [Backend]. Its microphone produces silence at the
// real-time rate of the requested format and its speaker renders a [Timeline]
// into a discarded buffer on a wall-clock ticker. A [Watchdog] reports the
// speaker as failed if rendering stops.
type Null struct {
	// Period is the output render period. Zero selects DefaultRenderPeriod.
	Period time.Duration

	// StallTimeout is passed to [Watch]. Zero selects DefaultStallTimeout.
	StallTimeout time.Duration
}

// OpenInput implements [capture.Opener].
func (n *Null) OpenInput(_ context.Context, format audio.Format, blockSize int) (capture.Source, error) {
	if format.SampleRate <= 0 || blockSize <= 0 {
		return nil, errors.New("device: null input needs a sample rate and block size")
	}
	return &nullMic{
		block:  blockSize,
		period: format.Duration(blockSize),
		done:   make(chan struct{}),
	}, nil
}

// OpenOutput implements [playback.Opener].
func (n *Null) OpenOutput(_ context.Context, format audio.Format, onError func(error)) (playback.Sink, error) {
	if format.SampleRate <= 0 {
		return nil, errors.New("device: null output needs a sample rate")
	}
	period := n.Period
	if period <= 0 {
		period = DefaultRenderPeriod
	}
	s := &nullSink{
		Timeline: NewTimeline(format),
		done:     make(chan struct{}),
	}
	frames := int(int64(period) * int64(format.SampleRate) / int64(time.Second))
	s.wg.Add(1)
	go s.run(period, make([]float32, frames*s.Format().Channels))
	s.watch = Watch(s.Timeline, n.StallTimeout, onError)
	return s, nil
}

// Close implements [Backend].
func (n *Null) Close() error { return nil }

type nullMic struct {
	block  int
	period time.Duration

	once sync.Once
	done chan struct{}
	wg   sync.WaitGroup
}

func (m *nullMic) Start(onSamples func([]float32), _ func(error)) error {
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		ticker := time.NewTicker(m.period)
		defer ticker.Stop()
		for {
			select {
			case <-m.done:
				return
			case <-ticker.C:
				onSamples(make([]float32, m.block))
			}
		}
	}()
	return nil
}

func (m *nullMic) Close() error {
	m.once.Do(func() { close(m.done) })
	m.wg.Wait()
	return nil
}

type nullSink struct {
	*Timeline
	watch *Watchdog

	once sync.Once
	done chan struct{}
	wg   sync.WaitGroup
}

func (s *nullSink) run(period time.Duration, buf []float32) {
	defer s.wg.Done()
	ticker := time.NewTicker(period)
	defer ticker.Stop()
	for {
		select {
		case <-s.done:
			return
		case <-ticker.C:
			s.Render(buf)
		}
	}
}

func (s *nullSink) Close() error {
	s.watch.Stop()
	s.once.Do(func() { close(s.done) })
	s.wg.Wait()
	return s.Timeline.Close()
}
