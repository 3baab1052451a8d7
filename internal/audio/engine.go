// Package audio drives PortAudio capture and playback at the session frame
// size. The capture and playback loops run on their own goroutines and call
// back into the session; the callbacks must not allocate, block, or log.
package audio

import (
	"log"
	"sync"
	"sync/atomic"

	"github.com/gordonklaus/portaudio"

	"github.com/koedame/jamlink/internal/jamerr"
)

// Device describes an available audio device.
type Device struct {
	ID   int    `json:"id"`
	Name string `json:"name"`
}

// paStream abstracts a PortAudio stream for testing.
type paStream interface {
	Start() error
	Stop() error
	Close() error
	Read() error
	Write() error
}

// openStreams opens the capture and playback streams; swapped in tests.
var openStreams = openPortAudioStreams

// Engine owns the device streams. CaptureFn runs on the capture goroutine
// with the freshly read frame; PlaybackFn must fill its buffer (already
// zeroed) before it is written to the device.
type Engine struct {
	mu sync.Mutex

	format         Format
	inputDeviceID  int
	outputDeviceID int

	captureStream  paStream
	playbackStream paStream
	captureBuf     []float32
	playbackBuf    []float32

	// CaptureFn and PlaybackFn are set before Start. ts is the monotonic
	// sample-count timestamp of the frame.
	CaptureFn  func(buf []float32, ts uint32)
	PlaybackFn func(buf []float32, ts uint32)

	running atomic.Bool
	stopCh  chan struct{}
	wg      sync.WaitGroup

	captureXruns  atomic.Uint64
	playbackXruns atomic.Uint64
}

// NewEngine returns an engine with default devices selected.
func NewEngine(format Format) *Engine {
	return &Engine{
		format:         format,
		inputDeviceID:  -1,
		outputDeviceID: -1,
	}
}

// Format returns the engine's current format.
func (e *Engine) Format() Format {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.format
}

// SetDevices selects devices by enumeration index; -1 means system default.
// Takes effect on the next Start.
func (e *Engine) SetDevices(inputID, outputID int) {
	e.mu.Lock()
	e.inputDeviceID = inputID
	e.outputDeviceID = outputID
	e.mu.Unlock()
}

// SetFormat changes the format. Takes effect on the next Start.
func (e *Engine) SetFormat(f Format) error {
	if err := f.Validate(); err != nil {
		return err
	}
	e.mu.Lock()
	e.format = f
	e.mu.Unlock()
	return nil
}

// ListInputDevices returns available audio input devices.
func ListInputDevices() []Device {
	return listDevices(func(d *portaudio.DeviceInfo) bool { return d.MaxInputChannels > 0 })
}

// ListOutputDevices returns available audio output devices.
func ListOutputDevices() []Device {
	return listDevices(func(d *portaudio.DeviceInfo) bool { return d.MaxOutputChannels > 0 })
}

// listDevices returns devices matching the given predicate. Enumeration
// failures surface as an empty list, never a crash.
func listDevices(match func(*portaudio.DeviceInfo) bool) []Device {
	devices, err := portaudio.Devices()
	if err != nil {
		log.Printf("[audio] list devices: %v", err)
		return nil
	}
	var out []Device
	for i, d := range devices {
		if match(d) {
			out = append(out, Device{ID: i, Name: d.Name})
		}
	}
	return out
}

// resolveDevice returns the device at idx if valid, otherwise calls fallback.
func resolveDevice(devices []*portaudio.DeviceInfo, idx int, fallback func() (*portaudio.DeviceInfo, error)) (*portaudio.DeviceInfo, error) {
	if idx >= 0 && idx < len(devices) {
		return devices[idx], nil
	}
	return fallback()
}

// openPortAudioStreams opens real device streams for the format.
func openPortAudioStreams(format Format, inputID, outputID int, captureBuf, playbackBuf []float32) (capture, playback paStream, err error) {
	devices, err := portaudio.Devices()
	if err != nil {
		return nil, nil, jamerr.Wrap(jamerr.DeviceNotFound, err)
	}

	inputDev, err := resolveDevice(devices, inputID, portaudio.DefaultInputDevice)
	if err != nil {
		return nil, nil, jamerr.Wrap(jamerr.DeviceNotFound, err)
	}
	outputDev, err := resolveDevice(devices, outputID, portaudio.DefaultOutputDevice)
	if err != nil {
		return nil, nil, jamerr.Wrap(jamerr.DeviceNotFound, err)
	}

	captureParams := portaudio.StreamParameters{
		Input: portaudio.StreamDeviceParameters{
			Device:   inputDev,
			Channels: format.Channels,
			Latency:  inputDev.DefaultLowInputLatency,
		},
		SampleRate:      float64(format.SampleRate),
		FramesPerBuffer: format.FrameSize,
	}
	captureStream, err := portaudio.OpenStream(captureParams, captureBuf)
	if err != nil {
		return nil, nil, jamerr.Wrap(jamerr.DeviceOpenFailed, err)
	}

	playbackParams := portaudio.StreamParameters{
		Output: portaudio.StreamDeviceParameters{
			Device:   outputDev,
			Channels: format.Channels,
			Latency:  outputDev.DefaultLowOutputLatency,
		},
		SampleRate:      float64(format.SampleRate),
		FramesPerBuffer: format.FrameSize,
	}
	playbackStream, err := portaudio.OpenStream(playbackParams, playbackBuf)
	if err != nil {
		captureStream.Close()
		return nil, nil, jamerr.Wrap(jamerr.DeviceOpenFailed, err)
	}
	return captureStream, playbackStream, nil
}

// Start opens the streams and spawns the capture and playback loops.
func (e *Engine) Start() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.running.Load() {
		return nil
	}
	if err := e.format.Validate(); err != nil {
		return err
	}

	e.captureBuf = make([]float32, e.format.SamplesPerFrame())
	e.playbackBuf = make([]float32, e.format.SamplesPerFrame())

	capture, playback, err := openStreams(e.format, e.inputDeviceID, e.outputDeviceID, e.captureBuf, e.playbackBuf)
	if err != nil {
		return err
	}

	if err := capture.Start(); err != nil {
		capture.Close()
		playback.Close()
		return jamerr.Wrap(jamerr.DeviceOpenFailed, err)
	}
	if err := playback.Start(); err != nil {
		capture.Stop()
		capture.Close()
		playback.Close()
		return jamerr.Wrap(jamerr.DeviceOpenFailed, err)
	}

	e.captureStream = capture
	e.playbackStream = playback
	e.stopCh = make(chan struct{})
	e.running.Store(true)

	e.wg.Add(2)
	go func() { defer e.wg.Done(); e.captureLoop() }()
	go func() { defer e.wg.Done(); e.playbackLoop() }()

	log.Printf("[audio] started %d Hz ch=%d frame=%d", e.format.SampleRate, e.format.Channels, e.format.FrameSize)
	return nil
}

// Stop halts capture and playback.
//
// Sequence matters: stopping the streams first unblocks any Read/Write calls
// so the goroutines can exit; only then is it safe to free the native stream
// objects.
func (e *Engine) Stop() {
	if !e.running.CompareAndSwap(true, false) {
		return
	}
	close(e.stopCh)

	e.mu.Lock()
	if e.captureStream != nil {
		e.captureStream.Stop()
	}
	if e.playbackStream != nil {
		e.playbackStream.Stop()
	}
	e.mu.Unlock()

	e.wg.Wait()

	e.mu.Lock()
	if e.captureStream != nil {
		e.captureStream.Close()
		e.captureStream = nil
	}
	if e.playbackStream != nil {
		e.playbackStream.Close()
		e.playbackStream = nil
	}
	e.mu.Unlock()
	log.Println("[audio] stopped")
}

// Swap performs a device/format hot-swap: stop, reconfigure, start. The
// session keeps running through the brief output interruption.
func (e *Engine) Swap(format Format, inputID, outputID int) error {
	if err := format.Validate(); err != nil {
		return err
	}
	e.Stop()
	e.mu.Lock()
	e.format = format
	e.inputDeviceID = inputID
	e.outputDeviceID = outputID
	e.mu.Unlock()
	return e.Start()
}

// Xruns returns and resets the capture and playback xrun counters.
func (e *Engine) Xruns() (capture, playback uint64) {
	return e.captureXruns.Swap(0), e.playbackXruns.Swap(0)
}

func (e *Engine) captureLoop() {
	var ts uint32
	frame := uint32(e.format.FrameSize)
	for e.running.Load() {
		if err := e.captureStream.Read(); err != nil {
			// Overflow means the device dropped input while we were busy:
			// count it and keep the loop alive with a silent frame.
			if err == portaudio.InputOverflowed {
				e.captureXruns.Add(1)
				zero(e.captureBuf)
			} else {
				if e.running.Load() {
					log.Printf("[audio] capture read: %v", err)
				}
				return
			}
		}
		if e.CaptureFn != nil {
			e.CaptureFn(e.captureBuf, ts)
		}
		ts += frame
	}
}

func (e *Engine) playbackLoop() {
	var ts uint32
	frame := uint32(e.format.FrameSize)
	for {
		select {
		case <-e.stopCh:
			return
		default:
		}

		zero(e.playbackBuf)
		if e.PlaybackFn != nil {
			e.PlaybackFn(e.playbackBuf, ts)
		}
		ts += frame

		if err := e.playbackStream.Write(); err != nil {
			if err == portaudio.OutputUnderflowed {
				e.playbackXruns.Add(1)
				continue
			}
			if e.running.Load() {
				log.Printf("[audio] playback write: %v", err)
			}
			return
		}
	}
}

// zero zeroes all elements of buf.
func zero(buf []float32) {
	for i := range buf {
		buf[i] = 0
	}
}

// Initialize starts the PortAudio runtime. Call once at process start.
func Initialize() error { return portaudio.Initialize() }

// Terminate shuts the PortAudio runtime down. Call once at process exit.
func Terminate() error { return portaudio.Terminate() }
