package device

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/MrWong99/parley/pkg/audio"
	"github.com/MrWong99/parley/pkg/audio/playback"
)

// Compile-time interface assertion.
var _ playback.Sink = (*Timeline)(nil)

// Timeline is a software output mixer. Voices are placed at absolute sample
// offsets and mixed into whatever buffers the device asks for via
// [Timeline.Render]. Its clock is the number of frames rendered so far, so
// [Timeline.Now] advances exactly as fast as the device consumes audio.
//
// All methods are safe for concurrent use. Render is meant to be called from a
// device callback and never blocks on anything but the internal mutex.
type Timeline struct {
	format audio.Format

	mu       sync.Mutex
	cursor   int64 // frames rendered
	voices   []*voice
	closed   bool
	rendered time.Time // wall clock of the last Render
}

type voice struct {
	t       *Timeline
	samples []float32
	start   int64
	ended   func()
	stopped bool
}

// NewTimeline creates a Timeline producing interleaved samples in format.
func NewTimeline(format audio.Format) *Timeline {
	if format.Channels <= 0 {
		format.Channels = 1
	}
	return &Timeline{format: format, rendered: time.Now()}
}

// Format returns the output format.
func (t *Timeline) Format() audio.Format { return t.format }

// Now implements [playback.Sink].
func (t *Timeline) Now() time.Duration {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.framesToDuration(t.cursor)
}

func (t *Timeline) framesToDuration(frames int64) time.Duration {
	return time.Duration(frames * int64(time.Second) / int64(t.format.SampleRate))
}

// durationToFrames rounds to the nearest frame. Scheduler cursors are sums of
// truncated buffer durations and sit just below the exact frame boundary.
func (t *Timeline) durationToFrames(d time.Duration) int64 {
	return (int64(d)*int64(t.format.SampleRate) + int64(time.Second)/2) / int64(time.Second)
}

// Play implements [playback.Sink]. Buffers at a different sample rate are
// resampled to the output rate.
func (t *Timeline) Play(buf audio.PlaybackBuffer, at time.Duration, ended func()) (playback.Voice, error) {
	samples := buf.Samples
	if buf.SampleRate != t.format.SampleRate {
		samples = resample(samples, buf.SampleRate, t.format.SampleRate)
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil, errors.New("device: timeline closed")
	}
	v := &voice{
		t:       t,
		samples: samples,
		start:   max(t.durationToFrames(at), t.cursor),
		ended:   ended,
	}
	t.voices = append(t.voices, v)
	return v, nil
}

// Stop implements [playback.Voice].
func (v *voice) Stop() {
	t := v.t
	t.mu.Lock()
	defer t.mu.Unlock()
	if v.stopped {
		return
	}
	v.stopped = true
	t.removeLocked(v)
}

func (t *Timeline) removeLocked(v *voice) {
	for i, o := range t.voices {
		if o == v {
			t.voices = append(t.voices[:i], t.voices[i+1:]...)
			return
		}
	}
}

// Render fills out with the next len(out)/channels frames of mixed audio and
// advances the clock. Voices that finish inside this period are removed and
// their ended callbacks run after the internal lock is released.
func (t *Timeline) Render(out []float32) {
	clear(out)
	ch := t.format.Channels
	frames := int64(len(out) / ch)

	t.mu.Lock()
	from, to := t.cursor, t.cursor+frames
	var finished []*voice
	kept := t.voices[:0]
	for _, v := range t.voices {
		end := v.start + int64(len(v.samples))
		lo, hi := max(v.start, from), min(end, to)
		for f := lo; f < hi; f++ {
			s := v.samples[f-v.start]
			base := (f - from) * int64(ch)
			for c := range int64(ch) {
				out[base+c] += s
			}
		}
		if end <= to {
			v.stopped = true
			finished = append(finished, v)
			continue
		}
		kept = append(kept, v)
	}
	clear(t.voices[len(kept):])
	t.voices = kept
	t.cursor = to
	t.rendered = time.Now()
	t.mu.Unlock()

	for i := range out {
		out[i] = clamp(out[i])
	}
	for _, v := range finished {
		if v.ended != nil {
			v.ended()
		}
	}
}

// LastRender returns the wall-clock time of the most recent [Timeline.Render],
// or of creation if nothing was rendered yet.
func (t *Timeline) LastRender() time.Time {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.rendered
}

// Pending returns the number of voices that have not finished.
func (t *Timeline) Pending() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.voices)
}

// Close implements [playback.Sink]. Pending voices are dropped without their
// ended callbacks.
func (t *Timeline) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.closed = true
	t.voices = nil
	return nil
}

func clamp(s float32) float32 {
	if s > 1 {
		return 1
	}
	if s < -1 {
		return -1
	}
	return s
}

// resample converts mono float samples between rates with linear interpolation.
func resample(in []float32, src, dst int) []float32 {
	if src <= 0 || dst <= 0 || src == dst || len(in) == 0 {
		return in
	}
	n := int(int64(len(in)) * int64(dst) / int64(src))
	out := make([]float32, n)
	ratio := float64(src) / float64(dst)
	for i := range out {
		pos := float64(i) * ratio
		idx := int(pos)
		frac := float32(pos - float64(idx))
		s0 := in[idx]
		s1 := s0
		if idx+1 < len(in) {
			s1 = in[idx+1]
		}
		out[i] = s0*(1-frac) + s1*frac
	}
	return out
}

// String implements [fmt.Stringer].
func (t *Timeline) String() string {
	return fmt.Sprintf("timeline(%s)", t.format)
}
