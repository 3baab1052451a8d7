package session

import (
	"log"
	"net"
	"time"

	"github.com/koedame/jamlink/internal/latency"
	"github.com/koedame/jamlink/internal/protocol"
	"github.com/koedame/jamlink/internal/transport"
)

const (
	adaptInterval     = 100 * time.Millisecond
	secondInterval    = time.Second
	latencyInfoPeriod = 5 * time.Second
)

// telemetryLoop runs the periodic machinery: jitter adaptation (100 ms),
// ping emission + keepalives + recommendation + stats snapshot (1 s), and
// LatencyInfo broadcast (5 s).
func (s *Session) telemetryLoop() {
	adaptTick := time.NewTicker(adaptInterval)
	secondTick := time.NewTicker(secondInterval)
	infoTick := time.NewTicker(latencyInfoPeriod)
	defer adaptTick.Stop()
	defer secondTick.Stop()
	defer infoTick.Stop()

	for {
		select {
		case <-s.stopCh:
			return

		case <-adaptTick.C:
			s.eachPeer(func(p *peer) {
				p.jmu.Lock()
				p.jb.Adapt()
				p.jmu.Unlock()
			})

		case <-secondTick.C:
			s.sendPings()
			s.sendKeepalives()
			s.evaluateRecommendation()
			s.publishStatus()

		case <-infoTick.C:
			s.broadcastLatencyInfo()
		}
	}
}

// sendPings issues one RTT probe per peer.
func (s *Session) sendPings() {
	s.eachPeer(func(p *peer) {
		data := protocol.Encode(p.lat.NextPing())
		p.queue.PushControl(transport.Datagram{Addr: p.addr, Data: data})
	})
}

// sendKeepalives pings every live peer and every outstanding hole-punch
// candidate, and evicts peers that went silent past the miss limit.
func (s *Session) sendKeepalives() {
	keepalive := protocol.Encode(protocol.Keepalive{})

	_, unreachable := s.keeper.Tick()
	for _, addrStr := range unreachable {
		s.peersMu.RLock()
		p := s.peersByAddr[addrStr]
		s.peersMu.RUnlock()
		if p != nil {
			s.evictPeer(p.id, "keepalive timeout")
		}
	}

	s.eachPeer(func(p *peer) {
		p.queue.PushControl(transport.Datagram{Addr: p.addr, Data: keepalive})
	})

	// Hole punching: keep hammering every advertised candidate until one
	// answers or its probe deadline passes. Sent directly, not through a
	// peer queue: there is no peer yet.
	now := time.Now()
	s.pendingMu.Lock()
	addrs := make([]string, 0, len(s.pendingPeers))
	for a, pend := range s.pendingPeers {
		if now.After(pend.deadline) {
			log.Printf("[session] hole punch to %s (%s) timed out", a, pend.id)
			delete(s.pendingPeers, a)
			continue
		}
		addrs = append(addrs, a)
	}
	s.pendingMu.Unlock()
	for _, a := range addrs {
		if udp, err := net.ResolveUDPAddr("udp4", a); err == nil {
			s.conn.WriteTo(keepalive, udp) //nolint:errcheck // best-effort punch
		}
	}
}

// localLatency derives this endpoint's pipeline contributions from the
// configured format and codec, plus the deepest current jitter buffer.
func (s *Session) localLatency() latency.Local {
	s.mu.Lock()
	format := s.format
	encLatency := s.enc.LatencyMS()
	s.mu.Unlock()

	frameMS := format.FrameDurationMS()
	var jitterMS float64
	s.eachPeer(func(p *peer) {
		p.jmu.Lock()
		if d := float64(p.jb.DelayFrames()) * frameMS; d > jitterMS {
			jitterMS = d
		}
		p.jmu.Unlock()
	})

	return latency.Local{
		CaptureMS:   frameMS,
		PlaybackMS:  frameMS,
		EncodeMS:    encLatency,
		DecodeMS:    encLatency,
		JitterBufMS: jitterMS,
	}
}

// broadcastLatencyInfo discloses local contributions to every peer.
func (s *Session) broadcastLatencyInfo() {
	local := s.localLatency()
	s.mu.Lock()
	format := s.format
	codecName := s.enc.Name()
	s.mu.Unlock()

	info := protocol.LatencyInfo{
		CaptureMS:   float32(local.CaptureMS),
		PlaybackMS:  float32(local.PlaybackMS),
		EncodeMS:    float32(local.EncodeMS),
		DecodeMS:    float32(local.DecodeMS),
		JitterBufMS: float32(local.JitterBufMS),
		FrameSize:   uint32(format.FrameSize),
		SampleRate:  uint32(format.SampleRate),
		Codec:       codecName,
	}
	data := protocol.Encode(info)
	s.eachPeer(func(p *peer) {
		p.queue.PushControl(transport.Datagram{Addr: p.addr, Data: data})
	})
}

// evaluateRecommendation feeds the worst per-peer conditions to the
// recommender and surfaces bucket changes to the shell. The recommender
// never applies a preset itself.
func (s *Session) evaluateRecommendation() {
	var worstJitter, worstLoss float64
	any := false
	s.eachPeer(func(p *peer) {
		any = true
		p.jmu.Lock()
		j := p.jb.JitterMS()
		l := p.tracker.LossRate()
		p.jmu.Unlock()
		if j > worstJitter {
			worstJitter = j
		}
		if l > worstLoss {
			worstLoss = l
		}
	})
	if !any {
		return
	}

	id, changed := s.rec.Observe(worstJitter, worstLoss)
	if changed && s.OnSuggestion != nil && id != s.Preset().ID {
		s.OnSuggestion(id)
	}
}

