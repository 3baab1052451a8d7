// Command jamlink is the CLI shell around the session engine: it creates or
// joins a room (or streams directly to an address), prints live stats, and
// maps fatal errors to stable exit codes.
package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	flag "github.com/spf13/pflag"

	"github.com/koedame/jamlink/internal/audio"
	"github.com/koedame/jamlink/internal/config"
	"github.com/koedame/jamlink/internal/jamerr"
	"github.com/koedame/jamlink/internal/preset"
	"github.com/koedame/jamlink/internal/session"
)

// Exit codes. 0 is a clean disconnect; nonzero encodes the failure class so
// scripts can react without parsing log output.
const (
	exitOK        = 0
	exitGeneric   = 1
	exitAudio     = 2
	exitSignaling = 3
	exitRoom      = 4
)

func main() {
	os.Exit(run())
}

func run() int {
	var (
		serverURL   = flag.String("server", "", "signaling server URL (overrides config)")
		createName  = flag.String("create", "", "create a room with the given name")
		joinCode    = flag.String("join", "", "join a room by invite code")
		password    = flag.String("password", "", "room password, if required")
		connectAddr = flag.String("connect", "", "stream directly to host:port, no signaling")
		peerName    = flag.String("name", "", "display name (overrides config)")
		listDevices = flag.Bool("list-devices", false, "list audio devices and exit")
		inputDev    = flag.Int("input", -2, "input device id (-1 = system default)")
		outputDev   = flag.Int("output", -2, "output device id (-1 = system default)")
		bufferSize  = flag.Int("buffer", 0, "frame size in samples (8..256, power of two)")
		presetID    = flag.String("preset", "", "preset: zero-latency, ultra-low-latency, balanced, high-quality")
		monitor     = flag.Bool("monitor", false, "mix local input into playback")
	)
	flag.Parse()

	log.SetFlags(log.Ltime | log.Lmicroseconds)

	if err := audio.Initialize(); err != nil {
		log.Printf("[main] portaudio: %v", err)
		return exitAudio
	}
	defer audio.Terminate() //nolint:errcheck

	if *listDevices {
		fmt.Println("input devices:")
		for _, d := range audio.ListInputDevices() {
			fmt.Printf("  %3d  %s\n", d.ID, d.Name)
		}
		fmt.Println("output devices:")
		for _, d := range audio.ListOutputDevices() {
			fmt.Printf("  %3d  %s\n", d.ID, d.Name)
		}
		return exitOK
	}

	cfg := config.Load()
	if *peerName != "" {
		cfg.PeerName = *peerName
	}
	if *inputDev != -2 {
		cfg.InputDeviceID = *inputDev
	}
	if *outputDev != -2 {
		cfg.OutputDeviceID = *outputDev
	}
	if *bufferSize != 0 {
		if !preset.ValidBufferSize(*bufferSize) {
			log.Printf("[main] invalid buffer size %d", *bufferSize)
			return exitGeneric
		}
		cfg.BufferSize = *bufferSize
		cfg.Preset = string(preset.Custom)
	}
	if *presetID != "" {
		if _, err := preset.Builtin(preset.ID(*presetID)); err != nil {
			log.Printf("[main] %v", err)
			return exitGeneric
		}
		cfg.Preset = *presetID
	}

	sess, err := session.New(cfg)
	if err != nil {
		return fail(err)
	}
	defer sess.Close()

	sess.OnChat = func(m session.ChatMessage) {
		fmt.Printf("[%s] %s: %s\n", m.TS.Format("15:04:05"), m.Sender, m.Content)
	}
	sess.OnPeerGone = func(id string) { log.Printf("[main] peer %s gone", id) }
	sess.OnSuggestion = func(id preset.ID) {
		log.Printf("[main] network conditions suggest preset %q (apply with --preset next run)", id)
	}

	downCh := make(chan string, 1)
	sess.OnSessionDown = func(reason string) {
		select {
		case downCh <- reason:
		default:
		}
	}
	sess.SetMonitor(*monitor)

	ctx := context.Background()

	switch {
	case *connectAddr != "":
		if err := sess.StartStreaming(*connectAddr); err != nil {
			return fail(err)
		}
		log.Printf("[main] streaming directly with %s", *connectAddr)

	case *createName != "":
		if err := sess.ConnectSignaling(ctx, *serverURL); err != nil {
			return fail(err)
		}
		room, err := sess.CreateRoom(*createName)
		if err != nil {
			return fail(err)
		}
		fmt.Printf("room %s created, invite code %s\n", room.RoomID, room.InviteCode)

	case *joinCode != "":
		if err := sess.ConnectSignaling(ctx, *serverURL); err != nil {
			return fail(err)
		}
		room, err := sess.JoinRoom(*joinCode, *password)
		if err != nil {
			return fail(err)
		}
		fmt.Printf("joined room %s (%d peers)\n", room.RoomID, len(room.Peers))

	default:
		flag.Usage()
		return exitGeneric
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	statusTick := time.NewTicker(2 * time.Second)
	defer statusTick.Stop()

	for {
		select {
		case <-sigCh:
			log.Println("[main] interrupted, leaving")
			sess.LeaveRoom() //nolint:errcheck // best-effort on the way out
			return exitOK
		case reason := <-downCh:
			log.Printf("[main] session ended: %s", reason)
			return exitSignaling
		case <-statusTick.C:
			printStatus(sess.GetStatus())
		}
	}
}

// fail logs the error and maps its category to an exit code.
func fail(err error) int {
	log.Printf("[main] fatal: %v", err)
	switch jamerr.KindOf(err).Category() {
	case jamerr.CategoryAudio:
		return exitAudio
	case jamerr.CategoryConnection:
		return exitSignaling
	case jamerr.CategoryRoom:
		return exitRoom
	}
	return exitGeneric
}

// printStatus renders one status line per peer plus a latency breakdown.
func printStatus(st session.Status) {
	if len(st.Peers) == 0 {
		fmt.Printf("waiting for peers (%s, preset %s)\n", st.SignalingState, st.Preset)
		return
	}
	for _, p := range st.Peers {
		partial := ""
		if p.Latency.Partial {
			partial = " (partial)"
		}
		fmt.Printf("%-12s rtt %5.1f ms  jitter %4.1f ms  loss %4.1f%%  depth %d  up %5.1f ms  down %5.1f ms%s\n",
			p.Name, p.RTTMs, p.JitterMs, p.LossRate*100, p.DelayFrames,
			p.Latency.UpstreamMS, p.Latency.DownstreamMS, partial)
	}
	if st.Suggestion != "" && st.Suggestion != st.Preset {
		fmt.Printf("suggested preset: %s\n", st.Suggestion)
	}
}
