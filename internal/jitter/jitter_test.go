package jitter

import (
	"math"
	"math/rand"
	"testing"
	"time"
)

func adaptiveConfig(min, max, initial int) Config {
	return Config{
		Mode:            Adaptive,
		MinDelayFrames:  min,
		MaxDelayFrames:  max,
		InitialDelay:    initial,
		FrameDurationMS: 64.0 / 48.0, // 64 samples @ 48 kHz
	}
}

func TestNormalizePassthrough(t *testing.T) {
	cfg := Config{Mode: Passthrough, MinDelayFrames: 3, MaxDelayFrames: 9, InitialDelay: 5}.Normalize()
	if cfg.MinDelayFrames != 0 || cfg.MaxDelayFrames != 0 || cfg.InitialDelay != 0 {
		t.Errorf("passthrough delays not zeroed: %+v", cfg)
	}
}

func TestNormalizeClamps(t *testing.T) {
	cfg := Config{Mode: Adaptive, MinDelayFrames: 0, MaxDelayFrames: -3, InitialDelay: 99}.Normalize()
	if cfg.MinDelayFrames != 1 {
		t.Errorf("min = %d, want 1", cfg.MinDelayFrames)
	}
	if cfg.MaxDelayFrames != 1 {
		t.Errorf("max = %d, want 1", cfg.MaxDelayFrames)
	}
	if cfg.InitialDelay != 1 {
		t.Errorf("initial = %d, want 1", cfg.InitialDelay)
	}
}

func TestInOrderPlayback(t *testing.T) {
	b := New(adaptiveConfig(1, 10, 1))
	for seq := uint32(0); seq < 50; seq++ {
		b.Push(seq, seq*64, []byte{byte(seq)})
		ev := b.Pop()
		if ev.Kind != EventPacket {
			t.Fatalf("seq %d: kind %d", seq, ev.Kind)
		}
		if ev.Seq != seq || ev.Payload[0] != byte(seq) {
			t.Fatalf("seq %d: got %d/%v", seq, ev.Seq, ev.Payload)
		}
	}
}

func TestStrictSeqOrderUnderReorder(t *testing.T) {
	b := New(adaptiveConfig(4, 10, 4))
	order := []uint32{2, 0, 3, 1, 5, 4, 7, 6, 8, 9}
	for _, seq := range order {
		b.Push(seq, seq*64, []byte{byte(seq)})
	}
	var last int64 = -1
	for i := 0; i < 10; i++ {
		ev := b.Pop()
		if ev.Kind != EventPacket {
			t.Fatalf("tick %d: kind %d", i, ev.Kind)
		}
		if int64(ev.Seq) <= last {
			t.Fatalf("emission out of order: %d after %d", ev.Seq, last)
		}
		last = int64(ev.Seq)
	}
}

func TestLossDeclaredPastWindow(t *testing.T) {
	b := New(adaptiveConfig(1, 10, 2))
	// 0,1 prime the buffer; 2 is never pushed; 3.. queue up behind it.
	b.Push(0, 0, []byte{0})
	b.Push(1, 64, []byte{1})
	if ev := b.Pop(); ev.Kind != EventPacket || ev.Seq != 0 {
		t.Fatalf("first pop: %+v", ev)
	}
	if ev := b.Pop(); ev.Kind != EventPacket || ev.Seq != 1 {
		t.Fatalf("second pop: %+v", ev)
	}

	b.Push(3, 3*64, []byte{3})
	if ev := b.Pop(); ev.Kind != EventUnderrun {
		// Only one future packet queued: still inside the delay window.
		t.Fatalf("expected underrun while waiting, got %+v", ev)
	}
	b.Push(4, 4*64, []byte{4})
	ev := b.Pop()
	if ev.Kind != EventLost || ev.Seq != 2 {
		t.Fatalf("expected Lost{2}, got %+v", ev)
	}
	for want := uint32(3); want <= 4; want++ {
		ev = b.Pop()
		if ev.Kind != EventPacket || ev.Seq != want {
			t.Fatalf("after loss: %+v, want packet %d", ev, want)
		}
	}
}

func TestUnderrunWhenEmpty(t *testing.T) {
	b := New(adaptiveConfig(1, 10, 1))
	if ev := b.Pop(); ev.Kind != EventUnderrun {
		t.Fatalf("expected underrun on empty buffer, got %+v", ev)
	}
	if b.Stats().Underruns != 1 {
		t.Errorf("underruns = %d", b.Stats().Underruns)
	}
}

func TestPassthroughZeroDelay(t *testing.T) {
	b := New(Config{Mode: Passthrough, FrameDurationMS: 1.33})
	b.Push(10, 640, []byte{1})
	ev := b.Pop()
	if ev.Kind != EventPacket || ev.Seq != 10 {
		t.Fatalf("pop = %+v", ev)
	}
	// Depth is zero immediately after the entry is consumed.
	if b.DelayFrames() != 0 {
		t.Errorf("delay frames = %d, want 0", b.DelayFrames())
	}
	if ev = b.Pop(); ev.Kind != EventUnderrun {
		t.Fatalf("expected underrun after consume, got %+v", ev)
	}
}

func TestPassthroughDropsOlderThanPlayed(t *testing.T) {
	b := New(Config{Mode: Passthrough, FrameDurationMS: 1.33})
	b.Push(10, 0, []byte{1})
	b.Pop()
	b.Push(9, 0, []byte{2}) // older than last played
	if ev := b.Pop(); ev.Kind != EventUnderrun {
		t.Fatalf("stale packet surfaced: %+v", ev)
	}
	if b.Stats().LateArrivals != 1 {
		t.Errorf("late arrivals = %d, want 1", b.Stats().LateArrivals)
	}
}

func TestPassthroughNewestWins(t *testing.T) {
	b := New(Config{Mode: Passthrough, FrameDurationMS: 1.33})
	b.Push(1, 0, []byte{1})
	b.Push(2, 0, []byte{2})
	ev := b.Pop()
	if ev.Kind != EventPacket || ev.Seq != 2 {
		t.Fatalf("pop = %+v, want newest (2)", ev)
	}
}

func TestMinEqualsMaxBehavesFixed(t *testing.T) {
	b := New(adaptiveConfig(3, 3, 3))
	// Pump a large jitter estimate; depth must not move off 3.
	base := time.Now()
	for i := 0; i < 200; i++ {
		gap := time.Duration(i%2) * 20 * time.Millisecond
		b.pushAt(uint32(i), uint32(i*64), []byte{0}, base.Add(time.Duration(i)*time.Millisecond+gap))
		b.Adapt()
		if d := b.DelayFrames(); d != 3 {
			t.Fatalf("delay = %d, want 3 (min==max)", d)
		}
	}
}

func TestAdaptGrowsUnderJitter(t *testing.T) {
	// Adaptive mode, min=1 max=10 initial=2, inter-arrival jitter drawn from
	// a normal distribution with σ = 8 ms. After ~1 s of packets the depth
	// target must cover three sigma.
	b := New(adaptiveConfig(1, 10, 2))
	rng := rand.New(rand.NewSource(7))
	now := time.Now()
	frame := 64.0 / 48.0 // ms

	for i := 0; i < 750; i++ { // ~1 s at 48kHz/64
		jitterMS := rng.NormFloat64() * 8
		arrival := now.Add(time.Duration((float64(i)*frame + jitterMS) * float64(time.Millisecond)))
		b.pushAt(uint32(i), uint32(i*64), []byte{0}, arrival)
		if i%75 == 0 { // ~every 100 ms
			b.Adapt()
		}
	}
	b.Adapt()
	if d := b.DelayFrames(); d < 6 {
		t.Errorf("delay frames = %d, want ≥ 6 (three-sigma at %0.2f ms frames)", d, frame)
	}
}

func TestAdaptShrinksSlowly(t *testing.T) {
	b := New(adaptiveConfig(1, 10, 8))
	// Perfectly regular arrivals: jitter estimate stays ~0, so the target is
	// min. Shrinkage runs one frame per shrinkHoldTicks.
	base := time.Now()
	for i := 0; i < 100; i++ {
		b.pushAt(uint32(i), uint32(i*64), []byte{0}, base.Add(time.Duration(i)*1333*time.Microsecond))
	}
	if b.DelayFrames() != 8 {
		t.Fatalf("delay moved before Adapt: %d", b.DelayFrames())
	}
	for tick := 1; tick <= shrinkHoldTicks; tick++ {
		b.Adapt()
	}
	if d := b.DelayFrames(); d != 7 {
		t.Errorf("after %d stable ticks: delay = %d, want 7", shrinkHoldTicks, d)
	}
	// Growth is immediate by contrast.
	b.jitterMS = 20
	b.Adapt()
	if d := b.DelayFrames(); d != 10 {
		t.Errorf("growth not immediate: delay = %d, want 10 (clamped)", d)
	}
}

func TestJitterEstimatorEWMA(t *testing.T) {
	b := New(adaptiveConfig(1, 10, 2))
	base := time.Now()
	b.pushAt(0, 0, []byte{0}, base)
	// Second packet 10 ms late relative to the 1.33 ms frame cadence.
	b.pushAt(1, 64, []byte{0}, base.Add(time.Duration(10+1)*time.Millisecond))
	dev := math.Abs(11.0 - 64.0/48.0)
	want := jitterAlpha * dev
	if got := b.JitterMS(); math.Abs(got-want) > 0.05 {
		t.Errorf("jitter = %f, want ≈ %f", got, want)
	}
}

func TestReleaseHookFires(t *testing.T) {
	var released [][]byte
	b := New(adaptiveConfig(1, 4, 1))
	b.Release = func(p []byte) { released = append(released, p) }

	b.Push(0, 0, []byte{0})
	b.Push(0, 0, []byte{1}) // duplicate
	if len(released) != 1 || released[0][0] != 1 {
		t.Fatalf("duplicate not released: %v", released)
	}

	b.Pop()
	b.Push(0, 0, []byte{2}) // late (already played)
	if len(released) != 2 {
		t.Fatalf("late arrival not released: %v", released)
	}
}

func TestWrapEmitsModularOrder(t *testing.T) {
	// Sequence run crossing 2^32: emissions continue in modular order.
	b := New(adaptiveConfig(1, 10, 1))
	start := uint32(0xFFFFFFFF - 4)
	for i := uint32(0); i < 10; i++ {
		seq := start + i
		b.Push(seq, seq*64, []byte{byte(i)})
		ev := b.Pop()
		if ev.Kind != EventPacket || ev.Seq != seq {
			t.Fatalf("wrap: tick %d got %+v, want seq %d", i, ev, seq)
		}
	}
}

func TestReconfigurePreservesPeers(t *testing.T) {
	b := New(adaptiveConfig(1, 10, 2))
	b.Push(0, 0, []byte{0})
	b.Reconfigure(Config{Mode: Fixed, MinDelayFrames: 2, MaxDelayFrames: 6, InitialDelay: 4, FrameDurationMS: 2.67})
	if got := b.Config().Mode; got != Fixed {
		t.Errorf("mode = %v", got)
	}
	if b.DelayFrames() != 4 {
		t.Errorf("delay = %d, want 4", b.DelayFrames())
	}
	if len(b.entries) != 1 || b.entries[0].Seq != 0 {
		t.Errorf("buffered entries lost across reconfigure: %+v", b.entries)
	}
	// Adapt is a no-op outside Adaptive mode.
	b.jitterMS = 50
	b.Adapt()
	if b.DelayFrames() != 4 {
		t.Errorf("fixed mode adapted: %d", b.DelayFrames())
	}
}
