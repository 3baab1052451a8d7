package audio

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/gordonklaus/portaudio"

	"github.com/koedame/jamlink/internal/jamerr"
)

func TestFormatValidate(t *testing.T) {
	good := []Format{
		{SampleRate: 48000, Channels: 1, FrameSize: 8, BitDepth: DepthF32},
		{SampleRate: 48000, Channels: 2, FrameSize: 256, BitDepth: DepthS16},
		{SampleRate: 96000, Channels: 1, FrameSize: 64, BitDepth: DepthS24},
	}
	for _, f := range good {
		if err := f.Validate(); err != nil {
			t.Errorf("%+v rejected: %v", f, err)
		}
	}
	bad := []Format{
		{SampleRate: 48000, Channels: 1, FrameSize: 100, BitDepth: DepthF32},
		{SampleRate: 48000, Channels: 3, FrameSize: 64, BitDepth: DepthF32},
		{SampleRate: 4000, Channels: 1, FrameSize: 64, BitDepth: DepthF32},
		{SampleRate: 48000, Channels: 1, FrameSize: 64, BitDepth: 12},
	}
	for _, f := range bad {
		if err := f.Validate(); !jamerr.Is(err, jamerr.UnsupportedAudioFormat) {
			t.Errorf("%+v: err = %v, want unsupported_audio_format", f, err)
		}
	}
}

func TestFrameDuration(t *testing.T) {
	f := Format{SampleRate: 48000, Channels: 1, FrameSize: 64}
	if d := f.FrameDurationMS(); d < 1.33 || d > 1.34 {
		t.Errorf("duration = %f", d)
	}
	f.FrameSize = 8
	if d := f.FrameDurationMS(); d < 0.166 || d > 0.167 {
		t.Errorf("duration = %f", d)
	}
}

// mockStream implements paStream. Read/Write tick at a fixed cadence until
// the stream is stopped, mimicking PortAudio's blocking calls.
type mockStream struct {
	stopped atomic.Bool
	closed  atomic.Bool
	ticks   atomic.Int64
	xrunAt  int64 // tick index that reports an xrun, 0 = never
	xrunErr error
}

func (m *mockStream) Start() error { return nil }
func (m *mockStream) Stop() error  { m.stopped.Store(true); return nil }
func (m *mockStream) Close() error { m.closed.Store(true); return nil }

func (m *mockStream) tick() error {
	if m.stopped.Load() {
		return errStopped
	}
	time.Sleep(time.Millisecond)
	n := m.ticks.Add(1)
	if m.xrunAt != 0 && n == m.xrunAt {
		return m.xrunErr
	}
	return nil
}

func (m *mockStream) Read() error  { return m.tick() }
func (m *mockStream) Write() error { return m.tick() }

var errStopped = &mockError{"stream stopped"}

type mockError struct{ s string }

func (e *mockError) Error() string { return e.s }

// withMockStreams swaps the stream opener for the test.
func withMockStreams(t *testing.T, capture, playback *mockStream) {
	t.Helper()
	prev := openStreams
	openStreams = func(Format, int, int, []float32, []float32) (paStream, paStream, error) {
		return capture, playback, nil
	}
	t.Cleanup(func() { openStreams = prev })
}

func TestEngineStartStop(t *testing.T) {
	capture := &mockStream{}
	playback := &mockStream{}
	withMockStreams(t, capture, playback)

	e := NewEngine(DefaultFormat())
	var captured, played atomic.Int64
	e.CaptureFn = func(buf []float32, ts uint32) { captured.Add(1) }
	e.PlaybackFn = func(buf []float32, ts uint32) { played.Add(1) }

	if err := e.Start(); err != nil {
		t.Fatal(err)
	}
	// Idempotent start.
	if err := e.Start(); err != nil {
		t.Fatal(err)
	}

	deadline := time.After(2 * time.Second)
	for captured.Load() < 3 || played.Load() < 3 {
		select {
		case <-deadline:
			t.Fatalf("callbacks stalled: captured=%d played=%d", captured.Load(), played.Load())
		case <-time.After(5 * time.Millisecond):
		}
	}

	e.Stop()
	if !capture.stopped.Load() || !playback.stopped.Load() {
		t.Error("streams not stopped")
	}
	if !capture.closed.Load() || !playback.closed.Load() {
		t.Error("streams not closed after goroutines exited")
	}
	// Idempotent stop.
	e.Stop()
}

func TestEngineRejectsInvalidFormat(t *testing.T) {
	e := NewEngine(Format{SampleRate: 48000, Channels: 1, FrameSize: 100, BitDepth: DepthF32})
	if err := e.Start(); !jamerr.Is(err, jamerr.UnsupportedAudioFormat) {
		t.Fatalf("err = %v, want unsupported_audio_format", err)
	}
	if err := e.SetFormat(Format{SampleRate: 48000, Channels: 1, FrameSize: 100, BitDepth: DepthF32}); err == nil {
		t.Error("SetFormat accepted invalid format")
	}
}

func TestEngineTimestampsAdvance(t *testing.T) {
	capture := &mockStream{}
	playback := &mockStream{}
	withMockStreams(t, capture, playback)

	e := NewEngine(DefaultFormat())
	frame := uint32(e.Format().FrameSize)

	type stamp struct{ ts uint32 }
	stamps := make(chan stamp, 16)
	e.CaptureFn = func(buf []float32, ts uint32) {
		select {
		case stamps <- stamp{ts}:
		default:
		}
	}
	if err := e.Start(); err != nil {
		t.Fatal(err)
	}
	defer e.Stop()

	first := <-stamps
	second := <-stamps
	if second.ts-first.ts != frame {
		t.Errorf("ts step = %d, want %d", second.ts-first.ts, frame)
	}
}

func TestEnginePlaybackBufferZeroed(t *testing.T) {
	capture := &mockStream{}
	playback := &mockStream{}
	withMockStreams(t, capture, playback)

	e := NewEngine(DefaultFormat())
	dirty := make(chan bool, 1)
	e.PlaybackFn = func(buf []float32, ts uint32) {
		clean := true
		for _, v := range buf {
			if v != 0 {
				clean = false
			}
		}
		select {
		case dirty <- !clean:
		default:
		}
		// Scribble so the next callback would see garbage if not re-zeroed.
		for i := range buf {
			buf[i] = 0.7
		}
	}
	if err := e.Start(); err != nil {
		t.Fatal(err)
	}
	defer e.Stop()

	for i := 0; i < 3; i++ {
		if <-dirty {
			t.Fatal("playback buffer not zeroed before callback")
		}
	}
}

func TestEngineCountsXruns(t *testing.T) {
	capture := &mockStream{xrunAt: 2, xrunErr: portaudio.InputOverflowed}
	playback := &mockStream{xrunAt: 2, xrunErr: portaudio.OutputUnderflowed}
	withMockStreams(t, capture, playback)

	e := NewEngine(DefaultFormat())
	if err := e.Start(); err != nil {
		t.Fatal(err)
	}
	defer e.Stop()

	deadline := time.After(2 * time.Second)
	var capTotal, playTotal uint64
	for capTotal < 1 || playTotal < 1 {
		capX, playX := e.Xruns() // Xruns resets, so accumulate
		capTotal += capX
		playTotal += playX
		select {
		case <-deadline:
			t.Fatalf("xruns not counted: capture=%d playback=%d", capTotal, playTotal)
		case <-time.After(5 * time.Millisecond):
		}
	}
}

func TestEngineSwap(t *testing.T) {
	capture := &mockStream{}
	playback := &mockStream{}
	withMockStreams(t, capture, playback)

	e := NewEngine(DefaultFormat())
	if err := e.Start(); err != nil {
		t.Fatal(err)
	}

	next := DefaultFormat()
	next.FrameSize = 64
	if err := e.Swap(next, 2, 3); err != nil {
		t.Fatal(err)
	}
	defer e.Stop()

	if got := e.Format().FrameSize; got != 64 {
		t.Errorf("frame size after swap = %d", got)
	}
	if !capture.stopped.Load() {
		t.Error("old capture stream not stopped during swap")
	}
}
