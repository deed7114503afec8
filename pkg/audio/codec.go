package audio

import (
	"encoding/base64"
	"encoding/binary"
	"fmt"
	"math"
)

// pcmScale maps the float range [-1, 1) onto signed 16-bit integers.
const pcmScale = 32768

// EncodeSamples converts float samples in [-1, 1] to little-endian PCM16.
// Each sample is multiplied by 32768 and truncated toward zero; values outside
// the int16 range are clamped.
func EncodeSamples(samples []float32) []byte {
	out := make([]byte, len(samples)*2)
	for i, s := range samples {
		binary.LittleEndian.PutUint16(out[i*2:], uint16(quantize(s)))
	}
	return out
}

func quantize(s float32) int16 {
	v := float64(s) * pcmScale
	if math.IsNaN(v) {
		return 0
	}
	v = math.Trunc(v)
	if v > math.MaxInt16 {
		return math.MaxInt16
	}
	if v < math.MinInt16 {
		return math.MinInt16
	}
	return int16(v)
}

// DecodeSamples converts little-endian PCM16 to float samples by dividing
// each value by 32768. An odd byte count yields [ErrMalformedAudioChunk].
func DecodeSamples(pcm []byte) ([]float32, error) {
	if len(pcm)%2 != 0 {
		return nil, fmt.Errorf("%w: odd byte count %d", ErrMalformedAudioChunk, len(pcm))
	}
	out := make([]float32, len(pcm)/2)
	for i := range out {
		out[i] = float32(int16(binary.LittleEndian.Uint16(pcm[i*2:]))) / pcmScale
	}
	return out, nil
}

// EncodeText applies the wire text encoding (standard base64) to PCM bytes.
func EncodeText(pcm []byte) string {
	return base64.StdEncoding.EncodeToString(pcm)
}

// DecodeText reverses [EncodeText]. Invalid input yields [ErrMalformedAudioChunk].
func DecodeText(s string) ([]byte, error) {
	b, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedAudioChunk, err)
	}
	return b, nil
}

// Encode converts float samples to their text-encoded PCM16 wire form.
func Encode(samples []float32) string {
	return EncodeText(EncodeSamples(samples))
}

// Decode reverses [Encode]. For every sample that is an exact multiple of
// 1/32768 inside the int16 range, Decode(Encode(x)) == x.
func Decode(s string) ([]float32, error) {
	pcm, err := DecodeText(s)
	if err != nil {
		return nil, err
	}
	return DecodeSamples(pcm)
}
