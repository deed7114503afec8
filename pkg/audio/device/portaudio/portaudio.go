// Package portaudio implements [device.Backend] on top of the PortAudio C
// library via github.com/gordonklaus/portaudio.
//
// Capture uses a callback stream whose buffers are handed to the capture graph
// unchanged. Playback uses an output-only callback stream that pulls mixed
// audio from a [device.Timeline], so the sink clock is driven by the sound
// card itself.
package portaudio

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	pa "github.com/gordonklaus/portaudio"

	"github.com/MrWong99/parley/pkg/audio"
	"github.com/MrWong99/parley/pkg/audio/capture"
	"github.com/MrWong99/parley/pkg/audio/device"
	"github.com/MrWong99/parley/pkg/audio/playback"
)

// Compile-time interface assertions.
var (
	_ device.Backend = (*Backend)(nil)
	_ device.Lister  = (*Backend)(nil)
)

// ── Options ──────────────────────────────────────────────────────────────────

// Option is a functional option for [New].
type Option func(*Backend)

// WithInputDevice selects the capture device by name. Empty means the host's
// default input device.
func WithInputDevice(name string) Option {
	return func(b *Backend) { b.inputName = name }
}

// WithOutputDevice selects the playback device by name. Empty means the
// host's default output device.
func WithOutputDevice(name string) Option {
	return func(b *Backend) { b.outputName = name }
}

// WithOutputBuffer sets the number of frames per output callback. Zero lets
// PortAudio choose.
func WithOutputBuffer(frames int) Option {
	return func(b *Backend) { b.outputFrames = frames }
}

// WithStallTimeout sets how long the output callback may stop firing before
// the sink is reported as failed. Zero selects [device.DefaultStallTimeout].
func WithStallTimeout(d time.Duration) Option {
	return func(b *Backend) { b.stallTimeout = d }
}

// ── Backend ──────────────────────────────────────────────────────────────────

// Backend is a PortAudio-backed [device.Backend].
type Backend struct {
	inputName    string
	outputName   string
	outputFrames int
	stallTimeout time.Duration

	mu         sync.Mutex
	terminated bool
}

// New initialises PortAudio. Call [Backend.Close] to terminate it.
func New(opts ...Option) (*Backend, error) {
	b := &Backend{}
	for _, o := range opts {
		o(b)
	}
	if err := pa.Initialize(); err != nil {
		return nil, fmt.Errorf("portaudio: initialize: %w", err)
	}
	return b, nil
}

// Close terminates PortAudio. Close is idempotent.
func (b *Backend) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.terminated {
		return nil
	}
	b.terminated = true
	if err := pa.Terminate(); err != nil {
		return fmt.Errorf("portaudio: terminate: %w", err)
	}
	return nil
}

// Devices implements [device.Lister].
func (b *Backend) Devices() ([]device.Info, error) {
	devs, err := pa.Devices()
	if err != nil {
		return nil, fmt.Errorf("portaudio: list devices: %w", err)
	}
	defIn, _ := pa.DefaultInputDevice()
	defOut, _ := pa.DefaultOutputDevice()

	out := make([]device.Info, 0, len(devs))
	for _, d := range devs {
		info := device.Info{
			Name:              d.Name,
			MaxInputChannels:  d.MaxInputChannels,
			MaxOutputChannels: d.MaxOutputChannels,
			DefaultSampleRate: d.DefaultSampleRate,
			DefaultInput:      defIn != nil && defIn.Index == d.Index,
			DefaultOutput:     defOut != nil && defOut.Index == d.Index,
		}
		if d.HostApi != nil {
			info.HostAPI = d.HostApi.Name
		}
		out = append(out, info)
	}
	return out, nil
}

// findDevice resolves name to a device, falling back to def when name is empty.
func findDevice(name string, def func() (*pa.DeviceInfo, error), input bool) (*pa.DeviceInfo, error) {
	if name == "" {
		return def()
	}
	devs, err := pa.Devices()
	if err != nil {
		return nil, err
	}
	for _, d := range devs {
		if d.Name != name {
			continue
		}
		if input && d.MaxInputChannels > 0 || !input && d.MaxOutputChannels > 0 {
			return d, nil
		}
	}
	return nil, pa.InvalidDevice
}

// ── Capture ──────────────────────────────────────────────────────────────────

// OpenInput implements [capture.Opener]. The stream is opened but not started.
func (b *Backend) OpenInput(_ context.Context, format audio.Format, blockSize int) (capture.Source, error) {
	dev, err := findDevice(b.inputName, pa.DefaultInputDevice, true)
	if err != nil {
		return nil, fmt.Errorf("portaudio: input device: %w: %w", audio.ErrMicNotFound, err)
	}
	p := pa.LowLatencyParameters(dev, nil)
	p.Input.Channels = format.Channels
	p.SampleRate = float64(format.SampleRate)
	p.FramesPerBuffer = blockSize

	m := &mic{}
	stream, err := pa.OpenStream(p, m.callback)
	if err != nil {
		return nil, fmt.Errorf("portaudio: open input stream on %q: %w", dev.Name, classifyInput(err))
	}
	m.stream = stream
	m.channels = format.Channels
	slog.Debug("portaudio: input stream opened", "device", dev.Name, "format", format.String(), "block", blockSize)
	return m, nil
}

type mic struct {
	stream   *pa.Stream
	channels int

	mu        sync.Mutex
	onSamples func([]float32)
	onError   func(error)
	closed    bool
	mono      []float32
}

func (m *mic) callback(in []float32, _ pa.StreamCallbackTimeInfo, flags pa.StreamCallbackFlags) {
	m.mu.Lock()
	onSamples, onError := m.onSamples, m.onError
	m.mu.Unlock()
	if onSamples == nil {
		return
	}
	if flags&(pa.InputOverflow|pa.InputUnderflow) != 0 {
		if onError != nil {
			onError(fmt.Errorf("portaudio: %w (flags %#x)", audio.ErrDeviceUnderrun, flags))
		}
		return
	}
	onSamples(m.downmix(in))
}

// downmix averages interleaved channels into mono. Mono input is returned
// as-is.
func (m *mic) downmix(in []float32) []float32 {
	if m.channels <= 1 {
		return in
	}
	n := len(in) / m.channels
	if cap(m.mono) < n {
		m.mono = make([]float32, n)
	}
	out := m.mono[:n]
	for i := range n {
		var sum float32
		for c := range m.channels {
			sum += in[i*m.channels+c]
		}
		out[i] = sum / float32(m.channels)
	}
	return out
}

func (m *mic) Start(onSamples func([]float32), onError func(error)) error {
	m.mu.Lock()
	m.onSamples, m.onError = onSamples, onError
	m.mu.Unlock()
	if err := m.stream.Start(); err != nil {
		return fmt.Errorf("portaudio: start input: %w", classifyInput(err))
	}
	return nil
}

func (m *mic) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	m.onSamples, m.onError = nil, nil
	m.mu.Unlock()

	// Stop waits for the in-flight callback to return.
	stopErr := m.stream.Stop()
	if errors.Is(stopErr, pa.StreamIsStopped) {
		stopErr = nil
	}
	return errors.Join(stopErr, m.stream.Close())
}

// classifyInput maps PortAudio errors onto the capture error taxonomy.
func classifyInput(err error) error {
	var hostErr pa.UnanticipatedHostError
	switch {
	case errors.As(err, &hostErr):
		// Host APIs report blocked access (e.g. macOS privacy settings,
		// PulseAudio access control) as unanticipated host errors.
		return fmt.Errorf("%w: %s", audio.ErrMicPermissionDenied, hostErr.Text)
	case errors.Is(err, pa.InvalidDevice):
		return fmt.Errorf("%w: %w", audio.ErrMicNotFound, err)
	case errors.Is(err, pa.DeviceUnavailable):
		return fmt.Errorf("%w: %w", audio.ErrMicBusy, err)
	}
	return err
}

// maxUnderflows is the number of consecutive underflowing output callbacks
// after which the sink is reported as failed.
const maxUnderflows = 50

// ── Playback ─────────────────────────────────────────────────────────────────

// OpenOutput implements [playback.Opener]. The stream is started immediately
// and renders silence until voices are scheduled.
func (b *Backend) OpenOutput(_ context.Context, format audio.Format, onError func(error)) (playback.Sink, error) {
	dev, err := findDevice(b.outputName, pa.DefaultOutputDevice, false)
	if err != nil {
		return nil, fmt.Errorf("portaudio: output device: %w: %w", audio.ErrOutputUnavailable, err)
	}
	p := pa.LowLatencyParameters(nil, dev)
	p.Output.Channels = format.Channels
	p.SampleRate = float64(format.SampleRate)
	if b.outputFrames > 0 {
		p.FramesPerBuffer = b.outputFrames
	}

	s := &speaker{Timeline: device.NewTimeline(format), onError: onError}
	stream, err := pa.OpenStream(p, s.callback)
	if err != nil {
		return nil, fmt.Errorf("portaudio: open output stream on %q: %w: %w", dev.Name, audio.ErrOutputUnavailable, err)
	}
	s.stream = stream
	if err := stream.Start(); err != nil {
		_ = stream.Close()
		return nil, fmt.Errorf("portaudio: start output: %w: %w", audio.ErrOutputUnavailable, err)
	}
	s.watch = device.Watch(s.Timeline, b.stallTimeout, s.fail)
	slog.Debug("portaudio: output stream started", "device", dev.Name, "format", format.String())
	return s, nil
}

type speaker struct {
	*device.Timeline
	stream  *pa.Stream
	onError func(error)
	watch   *device.Watchdog

	underflows int // consecutive underflowing callbacks; audio thread only
	failOnce   sync.Once
	warnOnce   sync.Once
	closeOnce  sync.Once
	closeErr   error
}

func (s *speaker) callback(out []float32, _ pa.StreamCallbackTimeInfo, flags pa.StreamCallbackFlags) {
	if flags&pa.OutputUnderflow != 0 {
		s.underflows++
		s.warnOnce.Do(func() { slog.Warn("portaudio: output underflow") })
		if s.underflows == maxUnderflows {
			s.fail(fmt.Errorf("%w: %d consecutive output underflows", audio.ErrSinkFailed, s.underflows))
		}
	} else {
		s.underflows = 0
	}
	s.Render(out)
}

func (s *speaker) fail(err error) {
	if s.onError == nil {
		return
	}
	s.failOnce.Do(func() { s.onError(err) })
}

func (s *speaker) Close() error {
	s.closeOnce.Do(func() {
		s.watch.Stop()
		stopErr := s.stream.Stop()
		if errors.Is(stopErr, pa.StreamIsStopped) {
			stopErr = nil
		}
		s.closeErr = errors.Join(stopErr, s.stream.Close(), s.Timeline.Close())
	})
	return s.closeErr
}
