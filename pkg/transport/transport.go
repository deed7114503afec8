// Package transport defines the bidirectional channel between a voice session
// and a remote speech-to-speech endpoint.
//
// A [Dialer] returns a [Channel] immediately; the connection resolves in the
// background and reports its outcome on [Channel.Events]: either an
// [EventOpen] followed by zero or more [EventMessage] values, or a terminal
// event right away. Every channel emits exactly one terminal event
// ([EventError] or [EventClose]) and then closes its event stream.
//
// Protocol bindings implement the small [Wire] interface and get the ordering,
// queueing and terminal-event guarantees from [Start]. Bindings live in the
// gemini, genai and openai sub-packages.
package transport

import (
	"context"
	"errors"
	"fmt"

	"github.com/MrWong99/parley/pkg/audio"
)

var (
	// ErrConnectFailed wraps every failure that prevents a channel from
	// reaching the open state.
	ErrConnectFailed = errors.New("transport: connect failed")

	// ErrTransport wraps every failure of an open channel.
	ErrTransport = errors.New("transport: channel failed")

	// ErrRemoteClosed is returned by [Wire.Read] when the endpoint ended the
	// connection cleanly.
	ErrRemoteClosed = errors.New("transport: closed by remote")

	// ErrSendQueueFull reports that outbound frames piled up faster than the
	// connection could write them.
	ErrSendQueueFull = errors.New("transport: send queue full")
)

// EventKind classifies the events delivered by a [Channel].
type EventKind int

const (
	// EventOpen is delivered once when the connection is ready for audio.
	EventOpen EventKind = iota

	// EventMessage carries one inbound chunk.
	EventMessage

	// EventError is terminal: the channel failed.
	EventError

	// EventClose is terminal: the channel closed cleanly, either locally or
	// by the remote endpoint.
	EventClose
)

// String returns the human-readable name of the event kind.
func (k EventKind) String() string {
	switch k {
	case EventOpen:
		return "OPEN"
	case EventMessage:
		return "MESSAGE"
	case EventError:
		return "ERROR"
	case EventClose:
		return "CLOSE"
	default:
		return "UNKNOWN"
	}
}

// Event is one notification from a [Channel].
type Event struct {
	Kind EventKind

	// Chunk is set for EventMessage.
	Chunk audio.InboundChunk

	// Err is set for EventError.
	Err error
}

// Terminal reports whether the event ends the channel.
func (e Event) Terminal() bool {
	return e.Kind == EventError || e.Kind == EventClose
}

// Config is the connect request sent to the endpoint.
type Config struct {
	// Model is the endpoint-specific model identifier. Empty selects the
	// binding's default.
	Model string

	// Instructions is the system instruction for the conversation.
	Instructions string

	// Voice is the prebuilt voice name. Empty selects the endpoint default.
	Voice string

	// Modality is the requested response modality. Only "audio" is supported.
	Modality string
}

// Channel is one connection to a speech-to-speech endpoint.
//
// Implementations must be safe for concurrent use.
type Channel interface {
	// Events returns the event stream. Consumers must keep reading until the
	// stream is closed (see [audio.Drain]) or the producer blocks.
	Events() <-chan Event

	// Send queues a frame for delivery. Send never blocks; frames are written
	// in call order, and frames sent before EventOpen are held until the
	// connection opens. Write failures surface as EventError. Frames sent
	// after the channel terminated are dropped.
	Send(frame audio.OutboundFrame)

	// Close ends the channel. If the connection has not resolved yet it is
	// discarded when it does. Close is idempotent.
	Close() error
}

// Dialer opens channels.
type Dialer interface {
	Dial(ctx context.Context, cfg Config) Channel
}

// Wire is a protocol binding driven by [Start].
//
// Start calls Open once, then Read from one goroutine and Write from another.
// Close may be called concurrently with any other method, including Open, and
// more than once; it must unblock pending Read and Write calls.
type Wire interface {
	// Open connects and completes the protocol handshake.
	Open(ctx context.Context, cfg Config) error

	// Write sends one frame.
	Write(ctx context.Context, frame audio.OutboundFrame) error

	// Read blocks until at least one chunk arrives. A clean remote close is
	// reported with an error wrapping [ErrRemoteClosed].
	Read(ctx context.Context) ([]audio.InboundChunk, error)

	// Close tears the connection down.
	Close() error
}

// DefaultModality is the only response modality voice sessions request.
const DefaultModality = "audio"

// Validate reports whether cfg can be sent to an endpoint.
func (c Config) Validate() error {
	if c.Modality != "" && c.Modality != DefaultModality {
		return fmt.Errorf("transport: unsupported response modality %q", c.Modality)
	}
	return nil
}
