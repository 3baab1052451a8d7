package session

import (
	"log"
	"math"
	"net"
	"time"

	"github.com/koedame/jamlink/internal/jitter"
	"github.com/koedame/jamlink/internal/latency"
	"github.com/koedame/jamlink/internal/protocol"
	"github.com/koedame/jamlink/internal/transport"
)

// getBuf takes a recycled byte buffer, or nil when the free list is empty
// (the caller drops the frame; the hot paths never allocate).
func (s *Session) getBuf() []byte {
	select {
	case b := <-s.bufFree:
		return b[:0]
	default:
		return nil
	}
}

// putBuf returns a buffer to the free list. Foreign buffers are dropped.
func (s *Session) putBuf(b []byte) {
	if cap(b) < 16+protocol.MaxPayload {
		return
	}
	select {
	case s.bufFree <- b:
	default:
	}
}

// onCapture runs on the capture goroutine for every device frame. It encodes
// the frame once and fans the datagram out to every peer's send queue. No
// allocation, no blocking I/O, no logging.
func (s *Session) onCapture(buf []float32, ts uint32) {
	if s.mix.Monitoring() {
		s.monMu.Lock()
		copy(s.monBuf, buf)
		s.monMu.Unlock()
	}

	if s.muted.Load() || s.peerCount() == 0 {
		return
	}

	payload := s.getBuf()
	if payload == nil {
		return // free list exhausted: drop rather than allocate
	}
	payload, err := s.enc.Encode(payload, buf)
	if err != nil {
		s.putBuf(payload)
		return
	}

	seq := s.seq.Add(1) - 1

	s.eachPeer(func(p *peer) {
		dgram := s.getBuf()
		if dgram == nil {
			return
		}
		dgram = protocol.AppendAudio(dgram, seq, ts, payload)
		p.queue.PushAudio(transport.Datagram{Addr: p.addr, Data: dgram})
	})

	s.fecMu.Lock()
	enc := s.fecEnc
	if enc != nil {
		if groupID, mask, parity, ready := enc.Add(seq, payload); ready {
			s.eachPeer(func(p *peer) {
				dgram := s.getBuf()
				if dgram == nil {
					return
				}
				dgram = protocol.AppendFEC(dgram, groupID, mask, parity)
				p.queue.PushControl(transport.Datagram{Addr: p.addr, Data: dgram})
			})
		}
	}
	s.fecMu.Unlock()

	s.putBuf(payload)
}

// onPlayback runs on the playback goroutine for every output frame. It pops
// one event per peer jitter buffer, decodes, conceals losses, mixes, and
// applies the master bus.
func (s *Session) onPlayback(out []float32, ts uint32) {
	channels := s.Format().Channels

	s.eachPeer(func(p *peer) {
		p.jmu.Lock()
		ev := p.jb.Pop()
		p.jmu.Unlock()

		switch ev.Kind {
		case jitter.EventPacket:
			p.decScratch = p.decScratch[:0]
			pcm, err := p.dec.Decode(p.decScratch, ev.Payload)
			s.putBuf(ev.Payload)
			if err != nil {
				return
			}
			p.decScratch = pcm
			s.mix.MixInto(out, pcm, p.strip, channels)
			copy(p.lastFrame, pcm)
			p.haveLast = true
		case jitter.EventLost:
			// Concealment: replay the last frame with a linear fade to
			// silence. One replay only: consecutive losses stay silent,
			// and the fade means the gap never clicks.
			if p.haveLast {
				n := len(p.lastFrame)
				for i := range p.lastFrame {
					p.lastFrame[i] *= float32(n-i) / float32(n)
				}
				s.mix.MixInto(out, p.lastFrame, p.strip, channels)
				p.haveLast = false
			}
		case jitter.EventUnderrun:
			// Silence. Never a stale frame: replaying here would
			// desynchronize the playback clock.
		}
	})

	if s.mix.Monitoring() {
		s.monMu.Lock()
		s.mix.MixInto(out, s.monBuf, s.mix.MonitorStrip(), channels)
		s.monMu.Unlock()
	}

	s.masterLevel.Store(math.Float32bits(s.mix.FinishMaster(out)))
}

// senderLoop drains every peer's send queue onto the socket. Runs until
// Stop. Socket sends may block briefly under pressure; that is tolerated
// here because it is off the audio path.
func (s *Session) senderLoop() {
	for {
		select {
		case <-s.stopCh:
			return
		case <-s.sendWake:
		}

		for {
			sent := false
			s.eachPeer(func(p *peer) {
				for {
					d, ok := p.queue.Pop()
					if !ok {
						return
					}
					sent = true
					// Fire-and-forget: send errors are not actionable
					// here; the keepalive machinery notices dead paths.
					s.conn.WriteTo(d.Data, d.Addr) //nolint:errcheck
					s.putBuf(d.Data)
				}
			})
			if !sent {
				break
			}
		}
	}
}

// receiverLoop reads datagrams and dispatches them to the per-peer pipeline
// state. Malformed packets are counted and dropped; the loop only exits when
// the socket closes.
func (s *Session) receiverLoop() {
	buf := make([]byte, 4096)
	for {
		n, addr, err := s.conn.ReadFrom(buf)
		if err != nil {
			if s.active.Load() {
				log.Printf("[session] receive: %v", err)
			}
			return
		}
		s.handleDatagram(addr, buf[:n])
	}
}

// handleDatagram dispatches one received datagram to the per-peer pipeline.
func (s *Session) handleDatagram(addr *net.UDPAddr, data []byte) {
	if len(data) == 0 {
		return
	}

	s.keeper.Heard(addr)

	p := s.peerByAddr(addr)
	if p == nil {
		// Possibly a hole-punch reply from a candidate address.
		if data[0] == protocol.TypeKeepalive {
			s.promotePending(addr)
		} else {
			s.unknownSource.Add(1)
		}
		return
	}

	frameSize := uint32(s.Format().FrameSize)

	switch data[0] {
	case protocol.TypeAudio:
		seq, ts, payload, ok := protocol.ParseAudio(data)
		if !ok || len(payload) == 0 || len(payload) > protocol.MaxPayload {
			s.malformedCount.Add(1)
			return
		}
		p.jmu.Lock()
		p.tracker.Observe(seq)
		rec := p.fecDec.AddData(seq, payload)
		p.jmu.Unlock()
		if rec != nil {
			p.recoveredByFEC.Add(1)
			s.pushJitter(p, rec.Seq, rec.Seq*frameSize, rec.Payload)
		}
		s.pushJitter(p, seq, ts, payload)

	case protocol.TypeFEC:
		groupID, mask, parity, ok := protocol.ParseFEC(data)
		if !ok || mask == 0 {
			s.malformedCount.Add(1)
			return
		}
		p.jmu.Lock()
		rec := p.fecDec.AddParity(groupID, mask, parity)
		p.jmu.Unlock()
		if rec != nil {
			p.recoveredByFEC.Add(1)
			s.pushJitter(p, rec.Seq, rec.Seq*frameSize, rec.Payload)
		}

	case protocol.TypeKeepalive:
		// Liveness already recorded above.

	default:
		s.dispatchControl(p, data)
	}
}

// pushJitter copies payload into a recycled buffer and inserts it into the
// peer's jitter buffer.
func (s *Session) pushJitter(p *peer, seq, ts uint32, payload []byte) {
	dst := s.getBuf()
	if dst == nil {
		p.lateDrops.Add(1)
		return
	}
	dst = append(dst, payload...)
	p.jmu.Lock()
	p.jb.Push(seq, ts, dst)
	p.jmu.Unlock()
}

// dispatchControl handles the non-audio packet types off the fast path.
func (s *Session) dispatchControl(p *peer, data []byte) {
	pkt, err := protocol.Decode(data)
	if err != nil {
		s.malformedCount.Add(1)
		return
	}
	switch v := pkt.(type) {
	case protocol.LatencyPing:
		pong := protocol.Encode(latency.Pong(v))
		p.queue.PushControl(transport.Datagram{Addr: p.addr, Data: pong})
	case protocol.LatencyPong:
		p.lat.ObservePong(v)
	case protocol.LatencyInfo:
		p.lat.SetPeerInfo(v)
	case protocol.Chat:
		if s.OnChat != nil {
			s.OnChat(ChatMessage{
				MsgID:   v.MsgID,
				Sender:  v.Sender,
				Content: v.Content,
				TS:      time.UnixMilli(int64(v.TS)),
			})
		}
	}
}

// promotePending binds a hole-punch candidate address to its peer once the
// first keepalive comes back, and discards the peer's other candidates.
func (s *Session) promotePending(addr *net.UDPAddr) {
	s.pendingMu.Lock()
	pend, ok := s.pendingPeers[addr.String()]
	if ok {
		for a, q := range s.pendingPeers {
			if q.id == pend.id {
				delete(s.pendingPeers, a)
			}
		}
	}
	s.pendingMu.Unlock()
	if !ok {
		s.unknownSource.Add(1)
		return
	}

	s.addPeer(pend.id, pend.name, addr)
	s.mu.Lock()
	sig := s.sig
	s.mu.Unlock()
	if sig != nil {
		sig.MarkConnected()
	}
}
