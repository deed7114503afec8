// Package device provides audio device backends for voice sessions.
//
// A [Backend] supplies both halves of a session's audio: microphone streams
// for [capture.Graph] and output sinks for [playback.Scheduler]. Hardware
// backends live in sub-packages (see device/portaudio); this package contains
// the shared software output mixer ([Timeline]) and the [Null] backend, which
// runs the full pipeline in real time without touching any hardware.
package device

import (
	"github.com/MrWong99/parley/pkg/audio/capture"
	"github.com/MrWong99/parley/pkg/audio/playback"
)

// Backend opens microphone and speaker streams.
//
// Implementations must be safe for concurrent use. Close releases any
// host-level audio resources; streams opened from the backend must be closed
// first.
type Backend interface {
	capture.Opener
	playback.Opener
	Close() error
}

// Info describes one audio device as reported by a [Lister].
type Info struct {
	Name              string
	HostAPI           string
	MaxInputChannels  int
	MaxOutputChannels int
	DefaultSampleRate float64
	DefaultInput      bool
	DefaultOutput     bool
}

// Lister is implemented by backends that can enumerate host devices.
type Lister interface {
	Devices() ([]Info, error)
}
