package audio

import "errors"

// Device acquisition failures. Backends wrap their native errors with one of
// these so callers can classify them with [errors.Is].
var (
	// ErrMicPermissionDenied is returned when the host refuses access to the
	// capture device.
	ErrMicPermissionDenied = errors.New("audio: microphone permission denied")

	// ErrMicNotFound is returned when no usable capture device exists.
	ErrMicNotFound = errors.New("audio: microphone not found")

	// ErrMicBusy is returned when the capture device is held by another process.
	ErrMicBusy = errors.New("audio: microphone busy")

	// ErrOutputUnavailable is returned when the playback device cannot be opened.
	ErrOutputUnavailable = errors.New("audio: output device unavailable")
)

// Runtime failures.
var (
	// ErrDeviceUnderrun reports that the capture device dropped or failed to
	// deliver samples. Capture ordering can no longer be guaranteed.
	ErrDeviceUnderrun = errors.New("audio: capture device underrun")

	// ErrSinkFailed reports that the playback device stopped accepting audio.
	ErrSinkFailed = errors.New("audio: output sink failed")

	// ErrMalformedAudioChunk is returned when a received payload cannot be
	// decoded into PCM16 samples. Callers drop the chunk and carry on.
	ErrMalformedAudioChunk = errors.New("audio: malformed audio chunk")
)
