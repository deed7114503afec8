package audio

import (
	"fmt"
	"mime"
	"strconv"
	"time"
)

// Format describes the sample rate and channel count of an audio stream.
type Format struct {
	SampleRate int
	Channels   int
}

var (
	// WireInput is the format of audio sent to the inference endpoint:
	// 16 kHz mono PCM16.
	WireInput = Format{SampleRate: 16000, Channels: 1}

	// WireOutput is the format of audio received from the inference endpoint:
	// 24 kHz mono PCM16.
	WireOutput = Format{SampleRate: 24000, Channels: 1}
)

// MIMEType returns the wire MIME tag for PCM16 audio in this format,
// e.g. "audio/pcm;rate=16000".
func (f Format) MIMEType() string {
	return fmt.Sprintf("audio/pcm;rate=%d", f.SampleRate)
}

// Duration returns the playback length of n samples per channel.
func (f Format) Duration(n int) time.Duration {
	if f.SampleRate <= 0 {
		return 0
	}
	return time.Duration(int64(n) * int64(time.Second) / int64(f.SampleRate))
}

// ParseMIMEType reads the sample rate from a PCM MIME tag such as
// "audio/pcm;rate=24000". Missing or unparsable parameters fall back to the
// corresponding field of def. The result is always mono.
func ParseMIMEType(tag string, def Format) Format {
	f := Format{SampleRate: def.SampleRate, Channels: 1}
	if tag == "" {
		return f
	}
	_, params, err := mime.ParseMediaType(tag)
	if err != nil {
		return f
	}
	if rate, err := strconv.Atoi(params["rate"]); err == nil && rate > 0 {
		f.SampleRate = rate
	}
	return f
}

// String returns a human-readable form such as "16000Hz mono".
func (f Format) String() string {
	ch := "mono"
	if f.Channels == 2 {
		ch = "stereo"
	} else if f.Channels > 2 {
		ch = fmt.Sprintf("%dch", f.Channels)
	}
	return fmt.Sprintf("%dHz %s", f.SampleRate, ch)
}

// OutboundFrame is one captured block on its way to the inference endpoint.
// Data holds little-endian PCM16; transports apply the text encoding required
// by their wire protocol. A frame is immutable once built and is sent at most
// once, in capture order.
type OutboundFrame struct {
	MIMEType string
	Data     []byte
}

// NewOutboundFrame encodes a block of float samples in format f.
func NewOutboundFrame(samples []float32, f Format) OutboundFrame {
	return OutboundFrame{MIMEType: f.MIMEType(), Data: EncodeSamples(samples)}
}

// InboundChunk is one unit of synthesized audio received from the endpoint.
// Data holds little-endian PCM16 (already text-decoded by the transport).
// A chunk with Interrupted set tells the player to discard everything it has
// queued; such a chunk usually carries no audio. DecodeErr reports audio the
// transport received but could not decode; Data is empty then.
type InboundChunk struct {
	MIMEType    string
	Data        []byte
	Interrupted bool
	DecodeErr   error
}

// PlaybackBuffer is decoded audio ready to be scheduled on an output sink.
type PlaybackBuffer struct {
	Samples    []float32
	SampleRate int
}

// Duration returns the playback length of the buffer.
func (b PlaybackBuffer) Duration() time.Duration {
	return Format{SampleRate: b.SampleRate, Channels: 1}.Duration(len(b.Samples))
}
