// Package playback schedules decoded audio buffers back-to-back on an output
// sink.
//
// The [Scheduler] keeps a timeline cursor (the time at which the next buffer
// should start) and a registry of voices that are scheduled or playing. Each
// new buffer starts at max(cursor, now), so consecutive buffers play without
// gaps or overlap, and a buffer that arrives late starts immediately instead of
// in the past. [Scheduler.Interrupt] stops everything and pulls the cursor back
// to now.
package playback

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/MrWong99/parley/pkg/audio"
)

// ErrDrained is returned by [Scheduler.ScheduleNext] after [Scheduler.Drain].
var ErrDrained = errors.New("playback: scheduler drained")

// Voice is one buffer scheduled on a [Sink].
type Voice interface {
	// Stop cancels the voice whether it is pending or playing. Stop is
	// idempotent and may be called after the voice ended on its own.
	Stop()
}

// Sink is an output device with its own clock.
type Sink interface {
	// Now reports the sink's current playback time.
	Now() time.Duration

	// Play schedules buf to start at time at (which may be in the past, in
	// which case it starts immediately). ended is called exactly once when the
	// voice finishes naturally; it is not called for voices stopped via
	// [Voice.Stop]. ended may be invoked from any goroutine but never from
	// within Play itself.
	Play(buf audio.PlaybackBuffer, at time.Duration, ended func()) (Voice, error)

	// Close stops all output and releases the device.
	Close() error
}

// Opener acquires output sinks. onError receives asynchronous device failures
// and should be treated as fatal by the caller.
type Opener interface {
	OpenOutput(ctx context.Context, format audio.Format, onError func(error)) (Sink, error)
}

// Scheduler places buffers contiguously on a [Sink]'s timeline.
//
// All methods are safe for concurrent use.
type Scheduler struct {
	sink Sink

	mu      sync.Mutex
	next    time.Duration
	active  map[uint64]Voice
	seq     uint64
	drained bool
}

// NewScheduler returns a Scheduler that owns sink. The sink is closed by
// [Scheduler.Drain].
func NewScheduler(sink Sink) *Scheduler {
	return &Scheduler{
		sink:   sink,
		active: make(map[uint64]Voice),
	}
}

// ScheduleNext schedules buf immediately after everything already scheduled,
// or at the sink's current time if the timeline has fallen behind. It returns
// the start time assigned to buf. Sink failures are returned wrapped with
// [audio.ErrSinkFailed].
func (s *Scheduler) ScheduleNext(buf audio.PlaybackBuffer) (time.Duration, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.drained {
		return 0, ErrDrained
	}

	startAt := max(s.next, s.sink.Now())

	s.seq++
	id := s.seq
	voice, err := s.sink.Play(buf, startAt, func() { s.release(id) })
	if err != nil {
		return 0, fmt.Errorf("playback: schedule buffer: %w: %w", audio.ErrSinkFailed, err)
	}
	s.active[id] = voice
	s.next = startAt + buf.Duration()
	return startAt, nil
}

// release removes a voice that ended naturally. Voices already removed by
// Interrupt are ignored.
func (s *Scheduler) release(id uint64) {
	s.mu.Lock()
	delete(s.active, id)
	s.mu.Unlock()
}

// Interrupt stops every scheduled or playing voice, empties the registry and
// resets the cursor to the sink's current time. It returns the number of
// voices stopped; interrupting an idle scheduler is a no-op that returns 0.
func (s *Scheduler) Interrupt() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.interruptLocked()
}

func (s *Scheduler) interruptLocked() int {
	n := len(s.active)
	for id, v := range s.active {
		v.Stop()
		delete(s.active, id)
	}
	if !s.drained {
		s.next = s.sink.Now()
	}
	return n
}

// Drain stops all voices and closes the sink. Drain is idempotent.
func (s *Scheduler) Drain() error {
	s.mu.Lock()
	if s.drained {
		s.mu.Unlock()
		return nil
	}
	s.interruptLocked()
	s.drained = true
	s.mu.Unlock()

	if err := s.sink.Close(); err != nil {
		return fmt.Errorf("playback: close sink: %w", err)
	}
	return nil
}

// Active returns the number of voices currently scheduled or playing.
func (s *Scheduler) Active() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.active)
}

// NextStartTime returns the timeline cursor.
func (s *Scheduler) NextStartTime() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.next
}
