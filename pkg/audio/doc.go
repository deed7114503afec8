// Package audio defines the sample formats, wire frames and PCM codec shared by
// the capture and playback halves of a voice session.
//
// Audio moves through the system in two directions:
//
//   - Outbound: microphone blocks of float samples are encoded with
//     [EncodeSamples] into an [OutboundFrame] tagged with [WireInput]'s MIME type.
//   - Inbound: an [InboundChunk] from the transport is decoded with
//     [DecodeSamples] into a [PlaybackBuffer] at [WireOutput]'s rate.
//
// Device access lives in the capture, playback and device sub-packages. This
// package lives under pkg/ because third-party device backends are expected to
// produce and consume these types.
package audio
