// Package preset defines the named pipeline configurations and the
// quality-driven recommender that maps measured network conditions to one.
package preset

import (
	"fmt"
	"time"

	"github.com/koedame/jamlink/internal/jamerr"
	"github.com/koedame/jamlink/internal/jitter"
)

// ID names a preset.
type ID string

const (
	ZeroLatency     ID = "zero-latency"
	UltraLowLatency ID = "ultra-low-latency"
	Balanced        ID = "balanced"
	HighQuality     ID = "high-quality"
	Custom          ID = "custom"
)

// Preset is a named bundle of pipeline knobs.
type Preset struct {
	ID               ID
	BufferSize       int         // device frame size in samples
	JitterMode       jitter.Mode // Passthrough means zero buffering
	JitterFrames     int         // initial/fixed depth; ignored in Passthrough
	MaxJitterFrames  int         // adaptation ceiling
	FECEnabled       bool
	FECRedundancy    float64 // parity fraction: 0.10 → one parity per 10 data
}

// Builtin returns the preset for id, or an error for unknown ids. Custom has
// no fixed values; callers construct it themselves.
func Builtin(id ID) (Preset, error) {
	switch id {
	case ZeroLatency:
		return Preset{ID: id, BufferSize: 32, JitterMode: jitter.Passthrough}, nil
	case UltraLowLatency:
		return Preset{ID: id, BufferSize: 64, JitterMode: jitter.Adaptive, JitterFrames: 1, MaxJitterFrames: 4}, nil
	case Balanced:
		return Preset{ID: id, BufferSize: 128, JitterMode: jitter.Adaptive, JitterFrames: 4, MaxJitterFrames: 10, FECEnabled: true, FECRedundancy: 0.10}, nil
	case HighQuality:
		return Preset{ID: id, BufferSize: 256, JitterMode: jitter.Adaptive, JitterFrames: 8, MaxJitterFrames: 16, FECEnabled: true, FECRedundancy: 0.20}, nil
	}
	return Preset{}, jamerr.New(jamerr.ConfigurationInvalid, "unknown preset %q", id)
}

// Validate checks a (possibly custom) preset's fields.
func (p Preset) Validate() error {
	if !ValidBufferSize(p.BufferSize) {
		return jamerr.New(jamerr.ConfigurationInvalid, "buffer size %d not in {8,16,32,64,128,256}", p.BufferSize)
	}
	if p.FECEnabled && (p.FECRedundancy <= 0 || p.FECRedundancy > 0.5) {
		return jamerr.New(jamerr.ConfigurationInvalid, "fec redundancy %.2f outside (0, 0.5]", p.FECRedundancy)
	}
	if p.JitterMode != jitter.Passthrough && p.JitterFrames < 1 {
		return jamerr.New(jamerr.ConfigurationInvalid, "jitter depth %d < 1", p.JitterFrames)
	}
	return nil
}

// FECGroupSize converts the redundancy fraction to an XOR group size:
// one parity packet per round(1/redundancy) data packets, clamped to [2, 32].
func (p Preset) FECGroupSize() int {
	if !p.FECEnabled || p.FECRedundancy <= 0 {
		return 0
	}
	g := int(1/p.FECRedundancy + 0.5)
	if g < 2 {
		g = 2
	}
	if g > 32 {
		g = 32
	}
	return g
}

// JitterConfig translates the preset to a jitter buffer configuration for
// the given frame duration.
func (p Preset) JitterConfig(frameDurationMS float64) jitter.Config {
	if p.JitterMode == jitter.Passthrough {
		return jitter.Config{Mode: jitter.Passthrough, FrameDurationMS: frameDurationMS}
	}
	max := p.MaxJitterFrames
	if max < p.JitterFrames {
		max = p.JitterFrames
	}
	return jitter.Config{
		Mode:            p.JitterMode,
		MinDelayFrames:  1,
		MaxDelayFrames:  max,
		InitialDelay:    p.JitterFrames,
		FrameDurationMS: frameDurationMS,
	}
}

func (p Preset) String() string {
	return fmt.Sprintf("%s (buffer=%d jitter=%s/%d fec=%v)", p.ID, p.BufferSize, p.JitterMode, p.JitterFrames, p.FECEnabled)
}

// ValidBufferSize reports whether n is a supported device frame size.
func ValidBufferSize(n int) bool {
	switch n {
	case 8, 16, 32, 64, 128, 256:
		return true
	}
	return false
}

// stabilityWindow is how long a new bucket must hold before the recommender
// surfaces it. Prevents a single jitter spike from flapping the suggestion.
const stabilityWindow = 3 * time.Second

// Recommender maps smoothed jitter and loss measurements to a suggested
// preset with hysteresis. It never applies anything itself; the orchestrator
// surfaces the suggestion.
type Recommender struct {
	current    ID
	candidate  ID
	stableSince time.Time
	haveCurrent bool
}

// NewRecommender returns a recommender with no suggestion yet.
func NewRecommender() *Recommender { return &Recommender{} }

// bucket maps one measurement to its preset bucket.
func bucket(jitterMS, lossRate float64) ID {
	if jitterMS >= 10 || lossRate > 0.01 {
		return HighQuality
	}
	switch {
	case jitterMS < 1:
		return ZeroLatency
	case jitterMS < 3:
		return UltraLowLatency
	default:
		return Balanced
	}
}

// Observe feeds one measurement (typically once per second) and returns the
// newly recommended preset id and true when the recommendation changes. A
// change is surfaced only after the new bucket has been stable for the whole
// stability window.
func (r *Recommender) Observe(jitterMS, lossRate float64) (ID, bool) {
	return r.observeAt(jitterMS, lossRate, time.Now())
}

func (r *Recommender) observeAt(jitterMS, lossRate float64, now time.Time) (ID, bool) {
	b := bucket(jitterMS, lossRate)

	if !r.haveCurrent {
		// First measurement seeds the recommendation immediately.
		r.haveCurrent = true
		r.current = b
		r.candidate = b
		r.stableSince = now
		return r.current, true
	}

	if b != r.candidate {
		r.candidate = b
		r.stableSince = now
		return r.current, false
	}
	if b != r.current && now.Sub(r.stableSince) >= stabilityWindow {
		r.current = b
		return r.current, true
	}
	return r.current, false
}

// Current returns the standing recommendation ("" before any measurement).
func (r *Recommender) Current() ID {
	if !r.haveCurrent {
		return ""
	}
	return r.current
}
