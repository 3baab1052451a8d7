// Package codec converts between interleaved float32 frames and wire
// payloads. PCM passes through unprocessed; Opus is available for
// constrained links at the cost of one frame of algorithmic latency.
package codec

import (
	"encoding/binary"
	"math"

	"github.com/koedame/jamlink/internal/jamerr"
)

// Names of the built-in codecs, as they appear in LatencyInfo.
const (
	NamePCMF32 = "pcm_f32"
	NamePCMS16 = "pcm_s16"
	NameOpus   = "opus"
)

// Codec encodes capture frames for the wire and decodes received payloads.
// Implementations are used from the sender/receiver tasks, one instance per
// direction per peer, so there is no internal locking.
type Codec interface {
	Name() string
	// Encode appends the wire payload for pcm to dst and returns it.
	Encode(dst []byte, pcm []float32) ([]byte, error)
	// Decode appends decoded samples to dst and returns it.
	Decode(dst []float32, payload []byte) ([]float32, error)
	// LatencyMS is the algorithmic latency this codec adds per direction.
	LatencyMS() float64
}

// New constructs the named codec for the given format.
func New(name string, sampleRate, channels, frameSize int) (Codec, error) {
	switch name {
	case NamePCMF32:
		return pcmF32{}, nil
	case NamePCMS16:
		return pcmS16{}, nil
	case NameOpus:
		return newOpus(sampleRate, channels, frameSize)
	}
	return nil, jamerr.New(jamerr.ConfigurationInvalid, "unknown codec %q", name)
}

// pcmF32 is the default: samples travel as little-endian float32, untouched.
type pcmF32 struct{}

func (pcmF32) Name() string       { return NamePCMF32 }
func (pcmF32) LatencyMS() float64 { return 0 }

func (pcmF32) Encode(dst []byte, pcm []float32) ([]byte, error) {
	for _, s := range pcm {
		dst = binary.LittleEndian.AppendUint32(dst, math.Float32bits(s))
	}
	return dst, nil
}

func (pcmF32) Decode(dst []float32, payload []byte) ([]float32, error) {
	if len(payload)%4 != 0 {
		return dst, jamerr.New(jamerr.MalformedPacket, "pcm_f32 payload len %d", len(payload))
	}
	for i := 0; i+4 <= len(payload); i += 4 {
		dst = append(dst, math.Float32frombits(binary.LittleEndian.Uint32(payload[i:])))
	}
	return dst, nil
}

// pcmS16 halves bandwidth: 16-bit little-endian PCM.
type pcmS16 struct{}

func (pcmS16) Name() string       { return NamePCMS16 }
func (pcmS16) LatencyMS() float64 { return 0 }

func (pcmS16) Encode(dst []byte, pcm []float32) ([]byte, error) {
	for _, s := range pcm {
		dst = binary.LittleEndian.AppendUint16(dst, uint16(int16(clamp(s)*32767)))
	}
	return dst, nil
}

func (pcmS16) Decode(dst []float32, payload []byte) ([]float32, error) {
	if len(payload)%2 != 0 {
		return dst, jamerr.New(jamerr.MalformedPacket, "pcm_s16 payload len %d", len(payload))
	}
	for i := 0; i+2 <= len(payload); i += 2 {
		v := int16(binary.LittleEndian.Uint16(payload[i:]))
		dst = append(dst, float32(v)/32767.0)
	}
	return dst, nil
}

func clamp(v float32) float32 {
	if v > 1.0 {
		return 1.0
	}
	if v < -1.0 {
		return -1.0
	}
	return v
}
