package jamerr

import (
	"errors"
	"fmt"
	"testing"
)

func TestCategories(t *testing.T) {
	cases := map[Kind]Category{
		SignalingTransport:     CategoryConnection,
		SignalingTimeout:       CategoryConnection,
		NATTraversalFailed:     CategoryConnection,
		PeerUnreachable:        CategoryConnection,
		RoomNotFound:           CategoryRoom,
		RoomFull:               CategoryRoom,
		InvalidPassword:        CategoryRoom,
		DeviceNotFound:         CategoryAudio,
		DeviceOpenFailed:       CategoryAudio,
		UnsupportedAudioFormat: CategoryAudio,
		MalformedPacket:        CategoryGeneric,
		SendQueueFull:          CategoryGeneric,
		FECUnrecoverable:       CategoryGeneric,
		JitterBufferUnderrun:   CategoryGeneric,
		ConfigurationInvalid:   CategoryGeneric,
		SignalingProtocol:      CategoryGeneric,
	}
	for kind, want := range cases {
		if got := kind.Category(); got != want {
			t.Errorf("%s category = %s, want %s", kind, got, want)
		}
	}
}

func TestWrapAndUnwrap(t *testing.T) {
	cause := errors.New("socket hangup")
	err := Wrap(SignalingTransport, cause)
	if !Is(err, SignalingTransport) {
		t.Errorf("kind = %q", KindOf(err))
	}
	if !errors.Is(err, cause) {
		t.Error("cause not reachable through Unwrap")
	}
	if Wrap(SignalingTransport, nil) != nil {
		t.Error("Wrap(nil) must be nil")
	}
}

func TestKindOfForeignError(t *testing.T) {
	if KindOf(errors.New("plain")) != "" {
		t.Error("foreign error has a kind")
	}
	wrapped := fmt.Errorf("outer: %w", New(RoomFull, "8 of 8 seats taken"))
	if !Is(wrapped, RoomFull) {
		t.Error("kind lost through fmt.Errorf wrapping")
	}
}

func TestErrorString(t *testing.T) {
	err := New(DeviceOpenFailed, "device %d busy", 3)
	want := "device_open_failed: device 3 busy"
	if err.Error() != want {
		t.Errorf("msg = %q, want %q", err.Error(), want)
	}
	bare := &Error{Kind: RoomFull}
	if bare.Error() != "room_full" {
		t.Errorf("bare = %q", bare.Error())
	}
}
