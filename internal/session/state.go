// Package session runs real-time voice sessions.
//
// A [Controller] owns at most one live session at a time. Each session ties a
// microphone ([capture.Graph]), an output sink ([playback.Scheduler]) and a
// transport channel together and moves through an explicit state machine:
//
//	Idle ──Start──▶ Connecting ──open──▶ Active ──Stop / remote close──▶ Closing ──▶ Idle
//	                    │                   │
//	                    └──failure──▶ Error ◀──transport or device failure
//	                                    │
//	                                    └──teardown──▶ Idle
//
// All transitions happen on one control goroutine per session. The capture
// and playback data paths only read the current state.
package session

import (
	"errors"
	"time"
)

// State is the lifecycle state of a voice session.
type State int32

const (
	// Idle means no session holds the microphone, sink or transport.
	Idle State = iota

	// Connecting means devices are being acquired and the transport dialed.
	Connecting

	// Active means audio is flowing in both directions.
	Active

	// Closing means a clean teardown is in progress.
	Closing

	// Error means a failed session is being torn down.
	Error
)

// String returns the lowercase name of the state.
func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Connecting:
		return "connecting"
	case Active:
		return "active"
	case Closing:
		return "closing"
	case Error:
		return "error"
	default:
		return "unknown"
	}
}

var (
	// ErrAlreadyActive is returned by Start while a session is connecting or
	// active.
	ErrAlreadyActive = errors.New("session: already active")

	// ErrStopped is returned by Start when Stop ended the session before it
	// became active.
	ErrStopped = errors.New("session: stopped before becoming active")
)

// Outcome labels used for the finished-session metric.
const (
	outcomeStopped      = "stopped"
	outcomeRemoteClosed = "remote_closed"
	outcomeError        = "error"
	outcomeStartFailed  = "start_failed"
)

// Info is a snapshot of the current or most recent session.
type Info struct {
	// ID is the session identifier. Empty when no session ran yet.
	ID string

	// State is the controller state at the time of the snapshot.
	State State

	// Transport is the configured transport name.
	Transport string

	// StartedAt is when Start was called.
	StartedAt time.Time

	// ActiveAt is when the session became active. Zero if it never did.
	ActiveAt time.Time

	// FramesSent counts outbound frames handed to the transport.
	FramesSent int64

	// ChunksPlayed counts inbound chunks scheduled for playback.
	ChunksPlayed int64

	// ChunksDropped counts malformed inbound chunks.
	ChunksDropped int64

	// Interruptions counts barge-in signals.
	Interruptions int64

	// Err is the terminal error of a finished session, if any.
	Err error
}
