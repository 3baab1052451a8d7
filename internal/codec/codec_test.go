package codec

import (
	"math"
	"testing"

	"github.com/koedame/jamlink/internal/jamerr"
)

func TestPCMF32RoundTrip(t *testing.T) {
	c, err := New(NamePCMF32, 48000, 1, 64)
	if err != nil {
		t.Fatal(err)
	}
	pcm := []float32{0, 0.5, -0.5, 1.0, -1.0, 0.123456}
	data, err := c.Encode(nil, pcm)
	if err != nil {
		t.Fatal(err)
	}
	if len(data) != len(pcm)*4 {
		t.Fatalf("encoded len = %d", len(data))
	}
	got, err := c.Decode(nil, data)
	if err != nil {
		t.Fatal(err)
	}
	for i := range pcm {
		if got[i] != pcm[i] {
			t.Errorf("sample %d: %f != %f", i, got[i], pcm[i])
		}
	}
	if c.LatencyMS() != 0 {
		t.Errorf("pcm latency = %f", c.LatencyMS())
	}
}

func TestPCMS16RoundTrip(t *testing.T) {
	c, err := New(NamePCMS16, 48000, 2, 64)
	if err != nil {
		t.Fatal(err)
	}
	pcm := []float32{0, 0.5, -0.5, 0.999}
	data, err := c.Encode(nil, pcm)
	if err != nil {
		t.Fatal(err)
	}
	if len(data) != len(pcm)*2 {
		t.Fatalf("encoded len = %d", len(data))
	}
	got, err := c.Decode(nil, data)
	if err != nil {
		t.Fatal(err)
	}
	for i := range pcm {
		if math.Abs(float64(got[i]-pcm[i])) > 1.0/32000 {
			t.Errorf("sample %d: %f vs %f beyond 16-bit tolerance", i, got[i], pcm[i])
		}
	}
}

func TestPCMS16ClampsOverrange(t *testing.T) {
	c, _ := New(NamePCMS16, 48000, 1, 64)
	data, err := c.Encode(nil, []float32{2.0, -2.0})
	if err != nil {
		t.Fatal(err)
	}
	got, err := c.Decode(nil, data)
	if err != nil {
		t.Fatal(err)
	}
	if got[0] < 0.99 || got[1] > -0.99 {
		t.Errorf("overrange not clamped: %v", got)
	}
}

func TestDecodeRejectsRaggedPayload(t *testing.T) {
	f32, _ := New(NamePCMF32, 48000, 1, 64)
	if _, err := f32.Decode(nil, []byte{1, 2, 3}); !jamerr.Is(err, jamerr.MalformedPacket) {
		t.Errorf("f32 err = %v", err)
	}
	s16, _ := New(NamePCMS16, 48000, 1, 64)
	if _, err := s16.Decode(nil, []byte{1}); !jamerr.Is(err, jamerr.MalformedPacket) {
		t.Errorf("s16 err = %v", err)
	}
}

func TestUnknownCodec(t *testing.T) {
	if _, err := New("flac", 48000, 1, 64); !jamerr.Is(err, jamerr.ConfigurationInvalid) {
		t.Errorf("err = %v", err)
	}
}

func TestOpusRejectsUnsupportedFrameSize(t *testing.T) {
	// 64 samples at 48 kHz is 1.33 ms, not a valid Opus frame duration.
	if _, err := New(NameOpus, 48000, 1, 64); !jamerr.Is(err, jamerr.UnsupportedAudioFormat) {
		t.Errorf("err = %v, want unsupported_audio_format", err)
	}
}

func TestOpusRoundTrip(t *testing.T) {
	// 120 samples at 48 kHz is the 2.5 ms low-delay frame.
	c, err := New(NameOpus, 48000, 1, 120)
	if err != nil {
		t.Fatal(err)
	}
	if c.LatencyMS() != 2.5 {
		t.Errorf("latency = %f, want 2.5", c.LatencyMS())
	}

	pcm := make([]float32, 120)
	for i := range pcm {
		pcm[i] = float32(math.Sin(2 * math.Pi * 440 * float64(i) / 48000))
	}
	data, err := c.Encode(nil, pcm)
	if err != nil {
		t.Fatal(err)
	}
	if len(data) == 0 {
		t.Fatal("empty opus packet")
	}
	got, err := c.Decode(nil, data)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 120 {
		t.Errorf("decoded %d samples, want 120", len(got))
	}
}
