// Package latency measures round-trip time per peer and assembles the
// end-to-end latency breakdown from local pipeline contributions, the peer's
// disclosed contributions, and the smoothed RTT.
package latency

import (
	"sync"
	"time"

	"github.com/koedame/jamlink/internal/protocol"
)

// rttBeta is the EWMA gain for RTT smoothing (RFC 6298 style).
const rttBeta = 0.125

// outstandingLimit caps the unanswered-ping map so a peer that never pongs
// cannot grow it without bound.
const outstandingLimit = 16

// Tracker measures RTT to one peer via ping/pong probes and retains the
// peer's last LatencyInfo disclosure. Safe for concurrent use: the telemetry
// task pings while the receiver task delivers pongs.
type Tracker struct {
	mu          sync.Mutex
	pingSeq     uint32
	outstanding map[uint32]time.Time
	srttMS      float64
	haveRTT     bool

	peerInfo     protocol.LatencyInfo
	havePeerInfo bool
}

// NewTracker returns an empty tracker.
func NewTracker() *Tracker {
	return &Tracker{outstanding: make(map[uint32]time.Time)}
}

// NextPing issues a new probe. Called once per second by the telemetry task.
func (t *Tracker) NextPing() protocol.LatencyPing {
	return t.nextPingAt(time.Now())
}

func (t *Tracker) nextPingAt(now time.Time) protocol.LatencyPing {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.pingSeq++
	if len(t.outstanding) >= outstandingLimit {
		// Forget the stalest probes; their pongs would skew srtt anyway.
		for seq := range t.outstanding {
			if seq+outstandingLimit <= t.pingSeq {
				delete(t.outstanding, seq)
			}
		}
	}
	t.outstanding[t.pingSeq] = now
	return protocol.LatencyPing{
		SentTimeUS: uint64(now.UnixMicro()),
		PingSeq:    t.pingSeq,
	}
}

// Pong builds the reply for a received ping. Pure echo per the wire contract.
func Pong(ping protocol.LatencyPing) protocol.LatencyPong {
	return protocol.LatencyPong{OriginalSentTimeUS: ping.SentTimeUS, PingSeq: ping.PingSeq}
}

// ObservePong folds a pong into the smoothed RTT. Unmatched pongs (unknown
// seq, or echoed timestamp that does not match the probe) are ignored.
func (t *Tracker) ObservePong(pong protocol.LatencyPong) {
	t.observePongAt(pong, time.Now())
}

func (t *Tracker) observePongAt(pong protocol.LatencyPong, now time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	sent, ok := t.outstanding[pong.PingSeq]
	if !ok || uint64(sent.UnixMicro()) != pong.OriginalSentTimeUS {
		return
	}
	delete(t.outstanding, pong.PingSeq)

	sampleMS := float64(now.Sub(sent).Microseconds()) / 1000.0
	if !t.haveRTT {
		t.srttMS = sampleMS
		t.haveRTT = true
		return
	}
	t.srttMS = (1-rttBeta)*t.srttMS + rttBeta*sampleMS
}

// SmoothedRTTMS returns the smoothed RTT in milliseconds (0 before any pong).
func (t *Tracker) SmoothedRTTMS() float64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.srttMS
}

// SetPeerInfo stores the peer's latest LatencyInfo disclosure.
func (t *Tracker) SetPeerInfo(info protocol.LatencyInfo) {
	t.mu.Lock()
	t.peerInfo = info
	t.havePeerInfo = true
	t.mu.Unlock()
}

// PeerInfo returns the last disclosure and whether one was ever received.
func (t *Tracker) PeerInfo() (protocol.LatencyInfo, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.peerInfo, t.havePeerInfo
}

// Breakdown is the per-direction latency decomposition for one peer. All
// values are milliseconds. NetOneWayMS is srtt/2 under a symmetric-network
// assumption; on asymmetric links it is an estimate, not a measurement.
type Breakdown struct {
	UpstreamMS   float64 // local capture+encode → net → peer jitter+decode+playback
	DownstreamMS float64 // peer capture+encode → net → local jitter+decode+playback
	RoundtripMS  float64
	NetOneWayMS  float64
	// Partial is true when the peer has not disclosed its contributions yet;
	// peer-side terms are then zero.
	Partial bool
}

// Local describes this endpoint's own pipeline contributions.
type Local struct {
	CaptureMS   float64
	PlaybackMS  float64
	EncodeMS    float64
	DecodeMS    float64
	JitterBufMS float64
}

// ComputeBreakdown combines local contributions, the peer's last disclosure,
// and the smoothed RTT into the upstream/downstream decomposition.
func (t *Tracker) ComputeBreakdown(local Local) Breakdown {
	t.mu.Lock()
	srtt := t.srttMS
	info := t.peerInfo
	have := t.havePeerInfo
	t.mu.Unlock()

	oneWay := srtt / 2
	b := Breakdown{NetOneWayMS: oneWay, Partial: !have}

	var peer Local
	if have {
		peer = Local{
			CaptureMS:   float64(info.CaptureMS),
			PlaybackMS:  float64(info.PlaybackMS),
			EncodeMS:    float64(info.EncodeMS),
			DecodeMS:    float64(info.DecodeMS),
			JitterBufMS: float64(info.JitterBufMS),
		}
	}

	b.UpstreamMS = local.CaptureMS + local.EncodeMS + oneWay +
		peer.JitterBufMS + peer.DecodeMS + peer.PlaybackMS
	b.DownstreamMS = peer.CaptureMS + peer.EncodeMS + oneWay +
		local.JitterBufMS + local.DecodeMS + local.PlaybackMS
	b.RoundtripMS = b.UpstreamMS + b.DownstreamMS
	return b
}

// FrameDurationMS returns the duration of one frame in milliseconds.
func FrameDurationMS(frameSize, sampleRate int) float64 {
	if sampleRate <= 0 {
		return 0
	}
	return float64(frameSize) / float64(sampleRate) * 1000.0
}
