// Package session orchestrates the whole pipeline: audio devices, the UDP
// socket, per-peer state (sequence tracking, FEC, jitter buffers, latency),
// the mixer, the signaling client, and the preset recommender.
//
// All exported methods are non-real-time and may block briefly; the capture
// and playback callbacks touch only lock-free or briefly-locked state.
package session

import (
	"log"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/koedame/jamlink/internal/audio"
	"github.com/koedame/jamlink/internal/codec"
	"github.com/koedame/jamlink/internal/config"
	"github.com/koedame/jamlink/internal/fec"
	"github.com/koedame/jamlink/internal/jitter"
	"github.com/koedame/jamlink/internal/latency"
	"github.com/koedame/jamlink/internal/mixer"
	"github.com/koedame/jamlink/internal/preset"
	"github.com/koedame/jamlink/internal/protocol"
	"github.com/koedame/jamlink/internal/seqtrack"
	"github.com/koedame/jamlink/internal/signaling"
	"github.com/koedame/jamlink/internal/transport"
)

const (
	// sendQueueFrames bounds each per-peer send queue. At 48 kHz / 64
	// samples this is ~85 ms of audio; anything older is stale.
	sendQueueFrames = 64
	// stunTimeout bounds public-address discovery at session start.
	stunTimeout = 5 * time.Second
	// framePoolSize is the preallocated capture frame budget.
	framePoolSize = 64
)

// defaultSTUNServer is used when the caller does not supply one.
const defaultSTUNServer = "stun.l.google.com:19302"

// ChatMessage is a received room chat line.
type ChatMessage struct {
	MsgID   uint64
	Sender  string
	Content string
	TS      time.Time
}

// peer bundles all per-peer pipeline state. jb, tracker, and fecDec are
// shared between the receiver, the telemetry task, the playback callback,
// and preset application under jmu, whose critical sections are a few slice
// moves.
type peer struct {
	id   string
	name string
	addr *net.UDPAddr

	queue *transport.Queue
	strip *mixer.Strip

	jmu sync.Mutex
	jb  *jitter.Buffer

	tracker *seqtrack.Tracker
	fecDec  *fec.Decoder
	lat     *latency.Tracker

	// Playback-owned concealment state: the last played frame, replayed
	// with a fade on loss so a gap never clicks.
	lastFrame []float32
	haveLast  bool

	dec        codec.Codec
	decScratch []float32

	recoveredByFEC atomic.Uint64
	lateDrops      atomic.Uint64
}

// Session is the orchestrator. Create with New, then either drive the room
// flow (ConnectSignaling → CreateRoom/JoinRoom) or StartStreaming directly
// to a known address.
type Session struct {
	mu sync.Mutex

	cfg    config.Config
	format audio.Format
	pre    preset.Preset

	engine *audio.Engine
	mix    *mixer.Mixer
	conn   *transport.Conn
	keeper *transport.Keeper
	sig    *signaling.Client

	// peers is the live peer table keyed by peer id; peersByAddr indexes
	// the same peers by UDP address string for the receive path.
	peersMu     sync.RWMutex
	peers       map[string]*peer
	peersByAddr map[string]*peer

	// pendingPeers maps advertised candidate addresses to peers being hole
	// punched; the first keepalive back selects the path.
	pendingMu    sync.Mutex
	pendingPeers map[string]pendingPeer

	localPeerID string
	roomID      string
	inviteCode  string
	publicAddr  *net.UDPAddr

	enc    codec.Codec
	seq    atomic.Uint32
	fecEnc     *fec.Encoder // nil when FEC is off; guarded by fecMu
	fecMu      sync.Mutex

	muted     atomic.Bool
	active    atomic.Bool
	sendWake  chan struct{}
	stopCh    chan struct{}
	wg        sync.WaitGroup

	rec    *preset.Recommender
	status atomic.Pointer[Status]

	chatSeq        atomic.Uint64
	malformedCount atomic.Uint64
	unknownSource  atomic.Uint64

	// masterLevel holds the post-master-gain RMS of the last playback frame
	// (float32 bits), written by the playback callback, read by the status
	// snapshot.
	masterLevel atomic.Uint32

	// monBuf carries the latest capture frame to the playback callback for
	// input monitoring. Guarded by monMu; the critical section is one copy.
	monMu  sync.Mutex
	monBuf []float32

	// Callbacks to the shell; may be nil. Fired from background tasks.
	OnChat        func(ChatMessage)
	OnPeerGone    func(peerID string)
	OnSuggestion  func(preset.ID)
	OnSessionDown func(reason string)

	// bufFree recycles datagram/payload buffers between the capture,
	// receiver, sender, and playback paths.
	bufFree chan []byte
}

// pendingPeer is a hole-punch candidate not yet bound to an address.
// Probes past the deadline are abandoned.
type pendingPeer struct {
	id       string
	name     string
	deadline time.Time
}

// New builds a session from persisted configuration.
func New(cfg config.Config) (*Session, error) {
	p, err := presetFromConfig(cfg)
	if err != nil {
		return nil, err
	}
	format := audio.DefaultFormat()
	format.FrameSize = p.BufferSize
	if err := format.Validate(); err != nil {
		return nil, err
	}

	enc, err := codec.New(codec.NamePCMF32, format.SampleRate, format.Channels, format.FrameSize)
	if err != nil {
		return nil, err
	}

	s := &Session{
		cfg:          cfg,
		format:       format,
		pre:          p,
		engine:       audio.NewEngine(format),
		mix:          mixer.New(),
		keeper:       transport.NewKeeper(),
		peers:        make(map[string]*peer),
		peersByAddr:  make(map[string]*peer),
		pendingPeers: make(map[string]pendingPeer),
		enc:          enc,
		sendWake:     make(chan struct{}, 1),
		rec:          preset.NewRecommender(),
	}
	s.engine.SetDevices(cfg.InputDeviceID, cfg.OutputDeviceID)
	s.monBuf = make([]float32, format.SamplesPerFrame())
	s.bufFree = make(chan []byte, 4*framePoolSize)
	for i := 0; i < cap(s.bufFree); i++ {
		s.bufFree <- make([]byte, 0, 16+protocol.MaxPayload)
	}
	if p.FECEnabled {
		s.fecEnc = fec.NewEncoder(p.FECGroupSize())
	}
	s.status.Store(&Status{})
	return s, nil
}

// presetFromConfig resolves the persisted preset id, falling back to
// balanced if the file holds an unknown id.
func presetFromConfig(cfg config.Config) (preset.Preset, error) {
	if cfg.Preset == string(preset.Custom) {
		p := preset.Preset{
			ID:           preset.Custom,
			BufferSize:   cfg.BufferSize,
			JitterMode:   jitter.Adaptive,
			JitterFrames: 4, MaxJitterFrames: 16,
		}
		return p, p.Validate()
	}
	p, err := preset.Builtin(preset.ID(cfg.Preset))
	if err != nil {
		log.Printf("[session] unknown preset %q, using balanced", cfg.Preset)
		return preset.Builtin(preset.Balanced)
	}
	return p, nil
}

// Format returns the session audio format.
func (s *Session) Format() audio.Format {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.format
}

// Preset returns the active preset.
func (s *Session) Preset() preset.Preset {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pre
}

// IsActive reports whether streaming is running.
func (s *Session) IsActive() bool { return s.active.Load() }

// start brings up the socket, audio engine, and background tasks. The peer
// table may still be empty; peers attach as hole punching completes.
// STUN discovery (when a server is given) runs before the receiver task
// starts, because it reads replies directly off the socket.
func (s *Session) start(bindAddr, stunServer string) error {
	if s.active.Load() {
		return nil
	}

	conn, err := transport.Listen(bindAddr)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.conn = conn
	s.mu.Unlock()

	if stunServer != "" {
		pub, err := conn.DiscoverPublicAddr(stunServer, stunTimeout)
		if err != nil {
			// A LAN-only session can still work; candidates fall back to
			// the local address.
			log.Printf("[session] stun: %v", err)
		} else {
			s.mu.Lock()
			s.publicAddr = pub
			s.mu.Unlock()
			log.Printf("[session] public address %s", pub)
		}
	}

	s.engine.CaptureFn = s.onCapture
	s.engine.PlaybackFn = s.onPlayback
	if err := s.engine.Start(); err != nil {
		conn.Close()
		return err
	}

	s.stopCh = make(chan struct{})
	s.active.Store(true)

	s.wg.Add(3)
	go func() { defer s.wg.Done(); s.senderLoop() }()
	go func() { defer s.wg.Done(); s.receiverLoop() }()
	go func() { defer s.wg.Done(); s.telemetryLoop() }()

	log.Printf("[session] streaming on %s (%s)", conn.LocalAddr(), s.pre.ID)
	return nil
}

// Stop tears streaming down but keeps signaling (if any) connected, so a
// device swap or preset change can resume without re-joining.
func (s *Session) Stop() {
	if !s.active.CompareAndSwap(true, false) {
		return
	}
	close(s.stopCh)
	s.engine.Stop()

	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()
	if conn != nil {
		conn.Close() // unblocks the receiver task
	}
	s.wg.Wait()
	log.Println("[session] streaming stopped")
}

// Close ends the session entirely: streaming, signaling, everything.
func (s *Session) Close() {
	s.Stop()
	s.mu.Lock()
	sig := s.sig
	s.sig = nil
	s.mu.Unlock()
	if sig != nil {
		sig.LeaveRoom() //nolint:errcheck // best-effort notify
		sig.Close()
	}
}

// addPeer installs a new peer with the session's current pipeline settings.
func (s *Session) addPeer(id, name string, addr *net.UDPAddr) *peer {
	s.mu.Lock()
	pre := s.pre
	format := s.format
	s.mu.Unlock()

	dec, err := codec.New(codec.NamePCMF32, format.SampleRate, format.Channels, format.FrameSize)
	if err != nil {
		// Unreachable for PCM; guard anyway.
		log.Printf("[session] decoder for %s: %v", id, err)
		return nil
	}

	p := &peer{
		id:         id,
		name:       name,
		addr:       addr,
		queue:      transport.NewQueueShared(sendQueueFrames, s.sendWake),
		strip:      s.mix.Strip(id),
		jb:         jitter.New(pre.JitterConfig(format.FrameDurationMS())),
		tracker:    seqtrack.New(),
		fecDec:     fec.NewDecoder(maxInt(pre.FECGroupSize(), 1)),
		lat:        latency.NewTracker(),
		lastFrame:  make([]float32, format.SamplesPerFrame()),
		dec:        dec,
		decScratch: make([]float32, 0, format.SamplesPerFrame()),
	}

	s.peersMu.Lock()
	s.peers[id] = p
	s.peersByAddr[addr.String()] = p
	s.peersMu.Unlock()
	s.keeper.Track(addr)
	log.Printf("[session] peer %s (%s) at %s", name, id, addr)
	return p
}

// evictPeer removes one peer; the session survives.
func (s *Session) evictPeer(id string, reason string) {
	s.peersMu.Lock()
	p, ok := s.peers[id]
	if ok {
		delete(s.peers, id)
		delete(s.peersByAddr, p.addr.String())
	}
	s.peersMu.Unlock()
	if !ok {
		return
	}
	s.keeper.Forget(p.addr)
	s.mix.Remove(id)
	log.Printf("[session] peer %s evicted: %s", id, reason)
	if s.OnPeerGone != nil {
		s.OnPeerGone(id)
	}
}

// peerByAddr resolves the receive-path peer for a source address.
func (s *Session) peerByAddr(addr *net.UDPAddr) *peer {
	s.peersMu.RLock()
	p := s.peersByAddr[addr.String()]
	s.peersMu.RUnlock()
	return p
}

// eachPeer calls fn for every live peer.
func (s *Session) eachPeer(fn func(*peer)) {
	s.peersMu.RLock()
	for _, p := range s.peers {
		fn(p)
	}
	s.peersMu.RUnlock()
}

// peerCount returns the live peer count.
func (s *Session) peerCount() int {
	s.peersMu.RLock()
	defer s.peersMu.RUnlock()
	return len(s.peers)
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}

