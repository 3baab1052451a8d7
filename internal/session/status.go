package session

import (
	"math"

	"github.com/koedame/jamlink/internal/latency"
	"github.com/koedame/jamlink/internal/preset"
	"github.com/koedame/jamlink/internal/signaling"
)

// PeerStatus is the per-peer slice of a status snapshot.
type PeerStatus struct {
	PeerID string  `json:"peer_id"`
	Name   string  `json:"name"`
	Addr   string  `json:"addr"`
	RTTMs  float64 `json:"rtt_ms"`

	JitterMs    float64 `json:"jitter_ms"`
	LossRate    float64 `json:"loss_rate"`
	DelayFrames int     `json:"delay_frames"`

	PacketsReceived uint64 `json:"packets_received"`
	PacketsLost     uint64 `json:"packets_lost"`
	RecoveredByFEC  uint64 `json:"recovered_by_fec"`
	Underruns       uint64 `json:"underruns"`

	Muted bool    `json:"muted"`
	Gain  float32 `json:"gain"`
	Pan   float32 `json:"pan"`
	Level float32 `json:"level"`

	Latency latency.Breakdown `json:"latency"`
}

// Status is the session snapshot the shell polls. Published via an atomic
// pointer swap, so readers always see a consistent copy without touching
// any real-time state.
type Status struct {
	IsActive   bool   `json:"is_active"`
	RoomID     string `json:"room_id,omitempty"`
	InviteCode string `json:"invite_code,omitempty"`
	PeerID     string `json:"peer_id,omitempty"`
	PublicAddr string `json:"public_addr,omitempty"`

	SampleRate int    `json:"sample_rate"`
	Channels   int    `json:"channels"`
	FrameSize  int    `json:"frame_size"`
	Codec      string `json:"codec"`

	Preset     preset.ID `json:"preset"`
	Suggestion preset.ID `json:"suggestion,omitempty"`

	Muted       bool    `json:"muted"`
	MasterGain  float32 `json:"master_gain"`
	Monitoring  bool    `json:"monitoring"`
	MasterLevel float32 `json:"master_level"`

	SignalingState string `json:"signaling_state,omitempty"`
	SignalingError string `json:"signaling_error,omitempty"`

	CaptureXruns    uint64 `json:"capture_xruns"`
	PlaybackXruns   uint64 `json:"playback_xruns"`
	MalformedDrops  uint64 `json:"malformed_drops"`
	AudioQuality    string `json:"audio_quality"`

	Peers []PeerStatus `json:"peers"`
}

// GetStatus returns the most recent published snapshot.
func (s *Session) GetStatus() Status { return *s.status.Load() }

// publishStatus assembles a fresh snapshot and swaps it in. Runs on the
// telemetry task once per second.
func (s *Session) publishStatus() {
	s.mu.Lock()
	st := Status{
		IsActive:   s.active.Load(),
		RoomID:     s.roomID,
		InviteCode: s.inviteCode,
		PeerID:     s.localPeerID,
		SampleRate: s.format.SampleRate,
		Channels:   s.format.Channels,
		FrameSize:  s.format.FrameSize,
		Codec:      s.enc.Name(),
		Preset:     s.pre.ID,
	}
	if s.publicAddr != nil {
		st.PublicAddr = s.publicAddr.String()
	}
	sig := s.sig
	s.mu.Unlock()

	st.Suggestion = s.rec.Current()
	st.Muted = s.muted.Load()
	st.MasterGain = s.mix.MasterGain()
	st.Monitoring = s.mix.Monitoring()
	st.MasterLevel = math.Float32frombits(s.masterLevel.Load())
	st.MalformedDrops = s.malformedCount.Load()
	capX, playX := s.engine.Xruns()
	st.CaptureXruns = capX
	st.PlaybackXruns = playX

	if sig != nil {
		st.SignalingState = sig.State().String()
		st.SignalingError = sig.LastError()
	} else {
		st.SignalingState = signaling.StateDisconnected.String()
	}

	local := s.localLatency()
	var worst float64
	s.eachPeer(func(p *peer) {
		p.jmu.Lock()
		jstats := p.jb.Stats()
		tstats := p.tracker.Stats()
		loss := p.tracker.LossRate()
		p.jmu.Unlock()

		ps := PeerStatus{
			PeerID:          p.id,
			Name:            p.name,
			Addr:            p.addr.String(),
			RTTMs:           p.lat.SmoothedRTTMS(),
			JitterMs:        jstats.JitterMS,
			LossRate:        loss,
			DelayFrames:     jstats.DelayFrames,
			PacketsReceived: tstats.Received,
			PacketsLost:     tstats.Lost,
			RecoveredByFEC:  p.recoveredByFEC.Load(),
			Underruns:       jstats.Underruns,
			Muted:           p.strip.Muted(),
			Gain:            p.strip.Gain(),
			Pan:             p.strip.Pan(),
			Level:           p.strip.Level(),
			Latency:         p.lat.ComputeBreakdown(local),
		}
		if jstats.JitterMS > worst {
			worst = jstats.JitterMS
		}
		if loss*100 > worst { // crude: loss dominates quality too
			worst = loss * 100
		}
		st.Peers = append(st.Peers, ps)
	})

	st.AudioQuality = qualityLabel(worst)
	s.status.Store(&st)
}

// qualityLabel buckets the worst observed jitter/loss figure for the UI.
func qualityLabel(worst float64) string {
	switch {
	case worst < 1:
		return "excellent"
	case worst < 3:
		return "good"
	case worst < 10:
		return "moderate"
	}
	return "poor"
}
