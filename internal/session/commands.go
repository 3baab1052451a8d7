package session

import (
	"context"
	"log"
	"net"
	"time"

	"github.com/google/uuid"

	"github.com/koedame/jamlink/internal/config"
	"github.com/koedame/jamlink/internal/fec"
	"github.com/koedame/jamlink/internal/jamerr"
	"github.com/koedame/jamlink/internal/preset"
	"github.com/koedame/jamlink/internal/protocol"
	"github.com/koedame/jamlink/internal/signaling"
	"github.com/koedame/jamlink/internal/transport"
)

// defaultSignalingURL is used when the config carries no override.
const defaultSignalingURL = "wss://signal.jamlink.dev/ws"

// punchTimeout is how long hole-punch candidates are probed before the peer
// is declared unreachable.
const punchTimeout = 30 * time.Second

// RoomResult is returned by CreateRoom and JoinRoom.
type RoomResult struct {
	RoomID     string
	PeerID     string
	InviteCode string
	Peers      []signaling.Participant
}

// ConnectSignaling dials the signaling server and wires its events into the
// session. URL resolution order: explicit argument, config override, default.
func (s *Session) ConnectSignaling(ctx context.Context, url string) error {
	if url == "" {
		url = s.cfg.SignalingServerURL
	}
	if url == "" {
		url = defaultSignalingURL
	}

	sig := signaling.NewClient(url)
	sig.SetOnParticipantJoined(s.onParticipantJoined)
	sig.SetOnParticipantLeft(func(peerID string) { s.evictPeer(peerID, "left room") })
	sig.SetOnCandidate(s.onCandidate)
	sig.SetOnRoomClosed(func() { s.sessionDown("room closed") })
	sig.SetOnDisconnected(s.sessionDown)

	if err := sig.Connect(ctx); err != nil {
		return err
	}
	s.mu.Lock()
	s.sig = sig
	s.mu.Unlock()
	return nil
}

// sessionDown tears the session down after an unrecoverable signaling loss.
func (s *Session) sessionDown(reason string) {
	log.Printf("[session] down: %s", reason)
	s.Stop()
	if s.OnSessionDown != nil {
		s.OnSessionDown(reason)
	}
}

// onParticipantJoined registers a new room member's candidates for hole
// punching.
func (s *Session) onParticipantJoined(part signaling.Participant) {
	s.mu.Lock()
	format := s.format
	s.mu.Unlock()
	if part.SampleRate != 0 && (part.SampleRate != format.SampleRate || part.Channels != format.Channels) {
		// The server screens formats at join; a mismatch reaching here is a
		// server bug. Refuse the peer rather than produce garbled audio.
		log.Printf("[session] peer %s format %d/%d mismatches %d/%d, ignoring",
			part.PeerID, part.SampleRate, part.Channels, format.SampleRate, format.Channels)
		return
	}
	s.addCandidates(part.PeerID, part.Name, part.PublicAddr, part.LANAddr)
}

// onCandidate registers addresses from an ice_candidate exchange.
func (s *Session) onCandidate(c signaling.Candidate) {
	s.addCandidates(c.PeerID, "", c.PublicAddr, c.LANAddr)
}

// addCandidates queues candidate addresses for hole punching and punches
// immediately rather than waiting for the next keepalive tick.
func (s *Session) addCandidates(peerID, name string, addrs ...string) {
	if name == "" {
		name = peerID
	}
	punch := protocol.Encode(protocol.Keepalive{})
	for _, a := range addrs {
		if a == "" {
			continue
		}
		udp, err := net.ResolveUDPAddr("udp4", a)
		if err != nil {
			log.Printf("[session] bad candidate %q for %s: %v", a, peerID, err)
			continue
		}
		s.pendingMu.Lock()
		s.pendingPeers[udp.String()] = pendingPeer{id: peerID, name: name, deadline: time.Now().Add(punchTimeout)}
		s.pendingMu.Unlock()
		if s.active.Load() {
			s.conn.WriteTo(punch, udp) //nolint:errcheck // best-effort punch
		}
	}
}

// candidate returns the local Candidate advertisement (public + LAN addrs).
func (s *Session) candidate() signaling.Candidate {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := signaling.Candidate{PeerID: s.localPeerID}
	if s.publicAddr != nil {
		c.PublicAddr = s.publicAddr.String()
	}
	if s.conn != nil {
		c.LANAddr = s.conn.LocalAddr().String()
	}
	return c
}

// CreateRoom starts streaming infrastructure, opens a room, and advertises
// this endpoint's addresses.
func (s *Session) CreateRoom(name string) (RoomResult, error) {
	return s.enterRoom(func(sig *signaling.Client, format formatInfo) (signaling.RoomInfo, error) {
		return sig.CreateRoom(signaling.CreateRoom{
			Name:       name,
			PeerName:   s.cfg.PeerName,
			SampleRate: format.sampleRate,
			Channels:   format.channels,
		})
	}, name)
}

// JoinRoom starts streaming infrastructure and joins by invite code.
func (s *Session) JoinRoom(inviteCode, password string) (RoomResult, error) {
	return s.enterRoom(func(sig *signaling.Client, format formatInfo) (signaling.RoomInfo, error) {
		return sig.JoinRoom(signaling.JoinRoom{
			InviteCode: inviteCode,
			PeerName:   s.cfg.PeerName,
			Password:   password,
			SampleRate: format.sampleRate,
			Channels:   format.channels,
		})
	}, inviteCode)
}

type formatInfo struct{ sampleRate, channels int }

// enterRoom is the shared create/join flow: bring up the socket and STUN,
// run the signaling exchange, seed hole punching, record history.
func (s *Session) enterRoom(exchange func(*signaling.Client, formatInfo) (signaling.RoomInfo, error), historyLabel string) (RoomResult, error) {
	s.mu.Lock()
	sig := s.sig
	format := s.format
	s.mu.Unlock()
	if sig == nil {
		return RoomResult{}, jamerr.New(jamerr.SignalingTransport, "signaling not connected")
	}

	if err := s.start(":0", defaultSTUNServer); err != nil {
		return RoomResult{}, err
	}

	info, err := exchange(sig, formatInfo{format.SampleRate, format.Channels})
	if err != nil {
		return RoomResult{}, err
	}

	s.mu.Lock()
	s.roomID = info.RoomID
	s.inviteCode = info.InviteCode
	s.localPeerID = info.PeerID
	if s.localPeerID == "" {
		s.localPeerID = uuid.NewString()
	}
	s.mu.Unlock()

	for _, part := range info.Peers {
		if part.PeerID == info.PeerID {
			continue
		}
		s.onParticipantJoined(part)
	}

	if err := sig.AdvertiseCandidate(s.candidate()); err != nil {
		log.Printf("[session] advertise candidate: %v", err)
	}

	s.mu.Lock()
	s.cfg.AddHistory(info.InviteCode, historyLabel, time.Now())
	cfg := s.cfg
	s.mu.Unlock()
	if err := config.Save(cfg); err != nil {
		log.Printf("[session] save config: %v", err)
	}

	return RoomResult{
		RoomID:     info.RoomID,
		PeerID:     info.PeerID,
		InviteCode: info.InviteCode,
		Peers:      info.Peers,
	}, nil
}

// LeaveRoom leaves the room and stops streaming; signaling stays connected.
func (s *Session) LeaveRoom() error {
	s.mu.Lock()
	sig := s.sig
	s.roomID = ""
	s.inviteCode = ""
	s.mu.Unlock()

	s.peersMu.Lock()
	ids := make([]string, 0, len(s.peers))
	for id := range s.peers {
		ids = append(ids, id)
	}
	s.peersMu.Unlock()
	for _, id := range ids {
		s.evictPeer(id, "leaving room")
	}

	s.Stop()
	if sig != nil {
		return sig.LeaveRoom()
	}
	return nil
}

// StartStreaming connects directly to a known address, bypassing signaling
// (LAN sessions, tests, or manual NAT setups).
func (s *Session) StartStreaming(remoteAddr string) error {
	udp, err := net.ResolveUDPAddr("udp4", remoteAddr)
	if err != nil {
		return jamerr.Wrap(jamerr.ConfigurationInvalid, err)
	}
	if err := s.start(":0", ""); err != nil {
		return err
	}
	if p := s.addPeer(uuid.NewString(), remoteAddr, udp); p == nil {
		return jamerr.New(jamerr.ConfigurationInvalid, "could not install peer %s", remoteAddr)
	}
	return nil
}

// StopStreaming is the command-surface alias for Stop.
func (s *Session) StopStreaming() { s.Stop() }

// SetMute mutes or unmutes the local microphone.
func (s *Session) SetMute(muted bool) { s.muted.Store(muted) }

// SetPeerVolume sets one peer's gain (0.0–2.0).
func (s *Session) SetPeerVolume(peerID string, gain float32) {
	s.mix.Strip(peerID).SetGain(gain)
}

// SetPeerPan sets one peer's stereo pan (-1.0–1.0).
func (s *Session) SetPeerPan(peerID string, pan float32) {
	s.mix.Strip(peerID).SetPan(pan)
}

// SetPeerMute mutes one peer locally.
func (s *Session) SetPeerMute(peerID string, muted bool) {
	s.mix.Strip(peerID).SetMute(muted)
}

// SetPeerSolo solos one peer.
func (s *Session) SetPeerSolo(peerID string, solo bool) {
	s.mix.SetSolo(peerID, solo)
}

// SetMasterVolume sets the master bus gain.
func (s *Session) SetMasterVolume(gain float32) { s.mix.SetMasterGain(gain) }

// SetMonitor toggles local input monitoring.
func (s *Session) SetMonitor(on bool) { s.mix.SetMonitor(on) }

// SendChat broadcasts a chat message over the audio socket.
func (s *Session) SendChat(content string) error {
	if content == "" {
		return jamerr.New(jamerr.ConfigurationInvalid, "empty chat message")
	}
	if len(content) > 500 {
		return jamerr.New(jamerr.ConfigurationInvalid, "chat message over 500 bytes")
	}
	msg := protocol.Chat{
		MsgID:   s.chatSeq.Add(1),
		Sender:  s.cfg.PeerName,
		Content: content,
		TS:      uint64(time.Now().UnixMilli()),
	}
	data := protocol.Encode(msg)
	s.eachPeer(func(p *peer) {
		p.queue.PushControl(transport.Datagram{Addr: p.addr, Data: data})
	})
	return nil
}

// SetDevices hot-swaps the audio devices. Streaming continues through a
// short output interruption; network state is untouched.
func (s *Session) SetDevices(inputID, outputID int) error {
	s.mu.Lock()
	s.cfg.InputDeviceID = inputID
	s.cfg.OutputDeviceID = outputID
	format := s.format
	cfg := s.cfg
	s.mu.Unlock()

	var err error
	if s.active.Load() {
		err = s.engine.Swap(format, inputID, outputID)
	} else {
		s.engine.SetDevices(inputID, outputID)
	}
	if err != nil {
		return err
	}
	if err := config.Save(cfg); err != nil {
		log.Printf("[session] save config: %v", err)
	}
	return nil
}

// SetBufferSize changes the device frame size, reopening the devices if
// streaming. Marks the active preset custom, since it no longer matches.
func (s *Session) SetBufferSize(samples int) error {
	if !preset.ValidBufferSize(samples) {
		return jamerr.New(jamerr.ConfigurationInvalid, "buffer size %d not in {8,16,32,64,128,256}", samples)
	}
	s.mu.Lock()
	p := s.pre
	p.ID = preset.Custom
	p.BufferSize = samples
	s.mu.Unlock()
	return s.ApplyPreset(p)
}

// ApplyPreset reconfigures the pipeline for the preset: jitter buffers,
// device frame size, FEC, and persistence. Idempotent: applying the active
// preset twice leaves the pipeline unchanged. Audio may blip during the
// device reopen; network state and peers survive.
func (s *Session) ApplyPreset(p preset.Preset) error {
	if err := p.Validate(); err != nil {
		return err
	}

	s.mu.Lock()
	format := s.format
	format.FrameSize = p.BufferSize
	if err := format.Validate(); err != nil {
		s.mu.Unlock()
		return err
	}
	frameChanged := format.FrameSize != s.format.FrameSize
	s.format = format
	s.pre = p
	s.cfg.Preset = string(p.ID)
	s.cfg.BufferSize = p.BufferSize
	cfg := s.cfg
	s.mu.Unlock()

	// (1) Jitter buffers, and the receive-side FEC decoders: each peer's
	// decoder must track the group size its remote encoder switches to, or
	// the group/index arithmetic diverges and recovery silently stops.
	jcfg := p.JitterConfig(format.FrameDurationMS())
	decGroup := maxInt(p.FECGroupSize(), 1)
	s.eachPeer(func(pr *peer) {
		pr.jmu.Lock()
		pr.jb.Reconfigure(jcfg)
		if pr.fecDec.GroupSize() != decGroup {
			pr.fecDec = fec.NewDecoder(decGroup)
		}
		pr.jmu.Unlock()
	})

	// (2) Device reopen at the new frame size.
	if frameChanged && s.active.Load() {
		if err := s.engine.Swap(format, cfg.InputDeviceID, cfg.OutputDeviceID); err != nil {
			return err
		}
	} else if err := s.engine.SetFormat(format); err != nil {
		return err
	}

	s.monMu.Lock()
	if len(s.monBuf) != format.SamplesPerFrame() {
		s.monBuf = make([]float32, format.SamplesPerFrame())
	}
	s.monMu.Unlock()

	// (3) FEC.
	s.fecMu.Lock()
	if p.FECEnabled {
		if s.fecEnc == nil || s.fecEnc.GroupSize() != p.FECGroupSize() {
			s.fecEnc = fec.NewEncoder(p.FECGroupSize())
		}
	} else {
		s.fecEnc = nil
	}
	s.fecMu.Unlock()

	// (4) Persist.
	if err := config.Save(cfg); err != nil {
		log.Printf("[session] save config: %v", err)
	}
	log.Printf("[session] preset %s applied", p.ID)
	return nil
}

// SetPreset resolves a builtin preset id and applies it.
func (s *Session) SetPreset(id preset.ID) (preset.Preset, error) {
	p, err := preset.Builtin(id)
	if err != nil {
		return preset.Preset{}, err
	}
	if err := s.ApplyPreset(p); err != nil {
		return preset.Preset{}, err
	}
	return p, nil
}

// Config returns a copy of the session's current configuration.
func (s *Session) Config() config.Config {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg
}
