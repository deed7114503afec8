package audio

import (
	"log/slog"
	"sync"
)

// Resampler converts PCM16 mono frames from one rate to another. It logs a
// single warning the first time it sees misaligned PCM data and drops such
// frames. Create one per stream; not designed for shared use across goroutines.
type Resampler struct {
	From, To Format

	warnedCorrupt sync.Once
}

// Convert resamples one frame of PCM16 mono. It returns nil for frames with an
// odd byte count. When the rates match the input is returned unchanged.
func (r *Resampler) Convert(pcm []byte) []byte {
	if len(pcm)%2 != 0 {
		r.warnedCorrupt.Do(func() {
			slog.Warn("audio resampler: odd byte count in PCM data, dropping frame",
				"bytes", len(pcm),
				"from", r.From.String(),
				"to", r.To.String(),
			)
		})
		return nil
	}
	return ResampleMono16(pcm, r.From.SampleRate, r.To.SampleRate)
}

// ResampleMono16 resamples 16-bit mono PCM from srcRate to dstRate using linear
// interpolation. The input must be little-endian int16 samples. If srcRate ==
// dstRate, the input is returned unchanged.
func ResampleMono16(pcm []byte, srcRate, dstRate int) []byte {
	if srcRate <= 0 || dstRate <= 0 {
		return pcm
	}
	if srcRate == dstRate || len(pcm) < 2 {
		return pcm
	}
	srcSamples := len(pcm) / 2
	dstSamples := int(int64(srcSamples) * int64(dstRate) / int64(srcRate))
	if dstSamples == 0 {
		return nil
	}

	out := make([]byte, dstSamples*2)
	ratio := float64(srcRate) / float64(dstRate)

	for i := range dstSamples {
		pos := float64(i) * ratio
		idx := int(pos)
		frac := pos - float64(idx)

		s0 := sampleAt(pcm, idx)
		s1 := s0
		if idx+1 < srcSamples {
			s1 = sampleAt(pcm, idx+1)
		}

		v := int16(float64(s0)*(1-frac) + float64(s1)*frac)
		out[i*2] = byte(v)
		out[i*2+1] = byte(v >> 8)
	}
	return out
}

func sampleAt(pcm []byte, i int) int16 {
	return int16(pcm[i*2]) | int16(pcm[i*2+1])<<8
}
