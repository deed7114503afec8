package audio_test

import (
	"errors"
	"testing"

	"github.com/MrWong99/parley/pkg/audio"
)

func TestEncodeSamples_Quantization(t *testing.T) {
	t.Parallel()
	cases := []struct {
		name string
		in   float32
		want int16
	}{
		{"zero", 0, 0},
		{"half", 0.5, 16384},
		{"negative half", -0.5, -16384},
		{"minus one", -1, -32768},
		{"plus one clamps", 1, 32767},
		{"over range clamps", 1.5, 32767},
		{"under range clamps", -2, -32768},
		{"truncates toward zero", 0.00004, 1},
		{"truncates negative toward zero", -0.00004, -1},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			got := bytesToSamples(audio.EncodeSamples([]float32{tc.in}))
			if len(got) != 1 || got[0] != tc.want {
				t.Errorf("EncodeSamples(%v) = %v; want [%d]", tc.in, got, tc.want)
			}
		})
	}
}

func TestEncodeSamples_Empty(t *testing.T) {
	t.Parallel()
	if got := audio.EncodeSamples(nil); len(got) != 0 {
		t.Errorf("EncodeSamples(nil) = %d bytes; want 0", len(got))
	}
	if got := audio.Encode(nil); got != "" {
		t.Errorf("Encode(nil) = %q; want empty", got)
	}
}

func TestEncodeSamples_ByteLength(t *testing.T) {
	t.Parallel()
	block := make([]float32, 4096)
	if got := len(audio.EncodeSamples(block)); got != 8192 {
		t.Errorf("4096-sample block encoded to %d bytes; want 8192", got)
	}
}

func TestCodec_RoundTrip(t *testing.T) {
	t.Parallel()
	in := make([]float32, 0, 65536)
	for k := -32768; k <= 32767; k++ {
		in = append(in, float32(k)/32768)
	}
	out, err := audio.Decode(audio.Encode(in))
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if len(out) != len(in) {
		t.Fatalf("length = %d; want %d", len(out), len(in))
	}
	for i := range in {
		if out[i] != in[i] {
			t.Fatalf("sample %d: got %v, want %v", i, out[i], in[i])
		}
	}
}

func TestDecodeSamples_OddLength(t *testing.T) {
	t.Parallel()
	_, err := audio.DecodeSamples([]byte{0x01, 0x02, 0x03})
	if !errors.Is(err, audio.ErrMalformedAudioChunk) {
		t.Errorf("err = %v; want ErrMalformedAudioChunk", err)
	}
}

func TestDecode_InvalidText(t *testing.T) {
	t.Parallel()
	_, err := audio.Decode("not base64!!")
	if !errors.Is(err, audio.ErrMalformedAudioChunk) {
		t.Errorf("err = %v; want ErrMalformedAudioChunk", err)
	}
}

func TestDecodeSamples_Values(t *testing.T) {
	t.Parallel()
	got, err := audio.DecodeSamples(samplesToBytes([]int16{0, 16384, -32768, 32767}))
	if err != nil {
		t.Fatalf("DecodeSamples: %v", err)
	}
	want := []float32{0, 0.5, -1, 32767.0 / 32768}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("sample %d: got %v, want %v", i, got[i], want[i])
		}
	}
}

func TestFormat(t *testing.T) {
	t.Parallel()
	if got := audio.WireInput.MIMEType(); got != "audio/pcm;rate=16000" {
		t.Errorf("WireInput.MIMEType() = %q", got)
	}
	if got := audio.WireOutput.Duration(12000); got.Seconds() != 0.5 {
		t.Errorf("WireOutput.Duration(12000) = %v; want 500ms", got)
	}
	b := audio.PlaybackBuffer{Samples: make([]float32, 24000), SampleRate: 24000}
	if got := b.Duration().Seconds(); got != 1 {
		t.Errorf("PlaybackBuffer.Duration() = %vs; want 1s", got)
	}
	f := audio.NewOutboundFrame(make([]float32, 4096), audio.WireInput)
	if f.MIMEType != "audio/pcm;rate=16000" || len(f.Data) != 8192 {
		t.Errorf("NewOutboundFrame = {%q, %d bytes}; want {audio/pcm;rate=16000, 8192 bytes}", f.MIMEType, len(f.Data))
	}
}

func TestParseMIMEType(t *testing.T) {
	t.Parallel()
	cases := []struct {
		tag  string
		want int
	}{
		{"audio/pcm;rate=24000", 24000},
		{"audio/pcm; rate=16000", 16000},
		{"audio/pcm", 24000},
		{"", 24000},
		{"audio/pcm;rate=fast", 24000},
		{"audio/pcm;rate=-1", 24000},
		{";;;", 24000},
	}
	for _, tc := range cases {
		got := audio.ParseMIMEType(tc.tag, audio.WireOutput)
		if got.SampleRate != tc.want || got.Channels != 1 {
			t.Errorf("ParseMIMEType(%q) = %v; want %dHz mono", tc.tag, got, tc.want)
		}
	}
}
