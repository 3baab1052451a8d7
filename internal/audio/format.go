package audio

import "github.com/koedame/jamlink/internal/jamerr"

// BitDepth selects the sample encoding on the wire. Capture and playback
// always run in 32-bit float; the codec layer converts.
type BitDepth int

const (
	DepthF32 BitDepth = 32
	DepthS16 BitDepth = 16
	DepthS24 BitDepth = 24
)

// Format is the session audio format. All peers in a room agree on
// SampleRate and Channels; mismatch is rejected at join.
type Format struct {
	SampleRate int
	Channels   int
	FrameSize  int // samples per callback
	BitDepth   BitDepth
}

// DefaultFormat is 48 kHz mono float with 128-sample frames.
func DefaultFormat() Format {
	return Format{SampleRate: 48000, Channels: 1, FrameSize: 128, BitDepth: DepthF32}
}

// Validate rejects unsupported formats with a structured error.
func (f Format) Validate() error {
	switch f.FrameSize {
	case 8, 16, 32, 64, 128, 256:
	default:
		return jamerr.New(jamerr.UnsupportedAudioFormat, "frame size %d not in {8,16,32,64,128,256}", f.FrameSize)
	}
	if f.Channels != 1 && f.Channels != 2 {
		return jamerr.New(jamerr.UnsupportedAudioFormat, "channel count %d not 1 or 2", f.Channels)
	}
	if f.SampleRate < 8000 || f.SampleRate > 192000 {
		return jamerr.New(jamerr.UnsupportedAudioFormat, "sample rate %d outside 8000–192000", f.SampleRate)
	}
	switch f.BitDepth {
	case DepthF32, DepthS16, DepthS24:
	default:
		return jamerr.New(jamerr.UnsupportedAudioFormat, "bit depth %d", f.BitDepth)
	}
	return nil
}

// FrameDurationMS returns the duration of one callback frame.
func (f Format) FrameDurationMS() float64 {
	return float64(f.FrameSize) / float64(f.SampleRate) * 1000.0
}

// SamplesPerFrame returns FrameSize × Channels, the float count per buffer.
func (f Format) SamplesPerFrame() int { return f.FrameSize * f.Channels }
