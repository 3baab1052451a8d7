// Package protocol encodes and decodes the UDP wire format.
//
// Every datagram starts with a 1-byte type tag followed by a fixed
// little-endian header; the audio/FEC payload length is whatever remains of
// the datagram. Sequence numbers and sample timestamps wrap at 2^32.
package protocol

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/koedame/jamlink/internal/jamerr"
)


// Packet type tags (first byte of every datagram).
const (
	TypeAudio       byte = 0x01
	TypeFEC         byte = 0x02
	TypeControl     byte = 0x03
	TypeKeepalive   byte = 0x04
	TypeLatencyPing byte = 0x05
	TypeLatencyPong byte = 0x06
	TypeLatencyInfo byte = 0x07
	TypeChat        byte = 0x08
)

// Header lengths per type, excluding the tag byte.
const (
	audioHeaderLen = 8  // seq:u32 ts:u32
	fecHeaderLen   = 8  // group_id:u32 mask:u32
	pingLen        = 12 // sent_time_us:u64 ping_seq:u32
	pongLen        = 12 // original_sent_time_us:u64 ping_seq:u32
)

// MaxPayload bounds the audio payload of one datagram: 256 stereo float32
// samples. Anything larger must be a malformed or hostile packet.
const MaxPayload = 256 * 2 * 4

// Packet is implemented by every decoded wire record.
type Packet interface {
	WireType() byte
}

// Audio carries one frame of encoded audio.
type Audio struct {
	Seq     uint32
	TS      uint32 // sample-count timestamp
	Payload []byte
}

// FEC carries the XOR parity of a group of audio payloads.
type FEC struct {
	GroupID uint32
	Mask    uint32 // bit i set = covers seq group_base+i
	Payload []byte
}

// Keepalive holds NAT mappings open and signals liveness.
type Keepalive struct{}

// LatencyPing is an RTT probe.
type LatencyPing struct {
	SentTimeUS uint64
	PingSeq    uint32
}

// LatencyPong echoes a ping.
type LatencyPong struct {
	OriginalSentTimeUS uint64
	PingSeq            uint32
}

// LatencyInfo discloses a peer's local pipeline latency contributions.
type LatencyInfo struct {
	CaptureMS   float32
	PlaybackMS  float32
	EncodeMS    float32
	DecodeMS    float32
	JitterBufMS float32
	FrameSize   uint32
	SampleRate  uint32
	Codec       string
}

// Chat is a room chat message; it shares the audio socket.
type Chat struct {
	MsgID   uint64
	Sender  string
	Content string
	TS      uint64
}

func (Audio) WireType() byte       { return TypeAudio }
func (FEC) WireType() byte         { return TypeFEC }
func (Keepalive) WireType() byte   { return TypeKeepalive }
func (LatencyPing) WireType() byte { return TypeLatencyPing }
func (LatencyPong) WireType() byte { return TypeLatencyPong }
func (LatencyInfo) WireType() byte { return TypeLatencyInfo }
func (Chat) WireType() byte        { return TypeChat }

// AppendAudio appends an encoded audio datagram to dst and returns the
// extended slice. Used on the send hot path with pooled buffers so no
// allocation happens per frame.
func AppendAudio(dst []byte, seq, ts uint32, payload []byte) []byte {
	dst = append(dst, TypeAudio)
	dst = binary.LittleEndian.AppendUint32(dst, seq)
	dst = binary.LittleEndian.AppendUint32(dst, ts)
	return append(dst, payload...)
}

// AppendFEC appends an encoded FEC datagram to dst.
func AppendFEC(dst []byte, groupID, mask uint32, payload []byte) []byte {
	dst = append(dst, TypeFEC)
	dst = binary.LittleEndian.AppendUint32(dst, groupID)
	dst = binary.LittleEndian.AppendUint32(dst, mask)
	return append(dst, payload...)
}

// ParseAudio parses an audio datagram without allocating. The payload slice
// aliases data; copy it if it must outlive the receive buffer.
func ParseAudio(data []byte) (seq, ts uint32, payload []byte, ok bool) {
	if len(data) < 1+audioHeaderLen || data[0] != TypeAudio {
		return 0, 0, nil, false
	}
	seq = binary.LittleEndian.Uint32(data[1:5])
	ts = binary.LittleEndian.Uint32(data[5:9])
	return seq, ts, data[9:], true
}

// ParseFEC parses an FEC datagram. The payload aliases data.
func ParseFEC(data []byte) (groupID, mask uint32, payload []byte, ok bool) {
	if len(data) < 1+fecHeaderLen || data[0] != TypeFEC {
		return 0, 0, nil, false
	}
	groupID = binary.LittleEndian.Uint32(data[1:5])
	mask = binary.LittleEndian.Uint32(data[5:9])
	return groupID, mask, data[9:], true
}

// Encode marshals p into a fresh datagram. For the audio hot path prefer
// AppendAudio with a pooled buffer.
func Encode(p Packet) []byte {
	switch v := p.(type) {
	case Audio:
		return AppendAudio(make([]byte, 0, 1+audioHeaderLen+len(v.Payload)), v.Seq, v.TS, v.Payload)
	case FEC:
		return AppendFEC(make([]byte, 0, 1+fecHeaderLen+len(v.Payload)), v.GroupID, v.Mask, v.Payload)
	case Keepalive:
		return []byte{TypeKeepalive}
	case LatencyPing:
		b := make([]byte, 0, 1+pingLen)
		b = append(b, TypeLatencyPing)
		b = binary.LittleEndian.AppendUint64(b, v.SentTimeUS)
		return binary.LittleEndian.AppendUint32(b, v.PingSeq)
	case LatencyPong:
		b := make([]byte, 0, 1+pongLen)
		b = append(b, TypeLatencyPong)
		b = binary.LittleEndian.AppendUint64(b, v.OriginalSentTimeUS)
		return binary.LittleEndian.AppendUint32(b, v.PingSeq)
	case LatencyInfo:
		b := make([]byte, 0, 1+5*4+2*4+1+len(v.Codec))
		b = append(b, TypeLatencyInfo)
		for _, f := range [5]float32{v.CaptureMS, v.PlaybackMS, v.EncodeMS, v.DecodeMS, v.JitterBufMS} {
			b = binary.LittleEndian.AppendUint32(b, math.Float32bits(f))
		}
		b = binary.LittleEndian.AppendUint32(b, v.FrameSize)
		b = binary.LittleEndian.AppendUint32(b, v.SampleRate)
		b = append(b, byte(len(v.Codec)))
		return append(b, v.Codec...)
	case Chat:
		b := make([]byte, 0, 1+8+1+len(v.Sender)+2+len(v.Content)+8)
		b = append(b, TypeChat)
		b = binary.LittleEndian.AppendUint64(b, v.MsgID)
		b = append(b, byte(len(v.Sender)))
		b = append(b, v.Sender...)
		b = binary.LittleEndian.AppendUint16(b, uint16(len(v.Content)))
		b = append(b, v.Content...)
		return binary.LittleEndian.AppendUint64(b, v.TS)
	}
	panic(fmt.Sprintf("protocol: unknown packet %T", p))
}

// Decode parses a datagram into its typed record. Malformed datagrams
// (unknown tag, short header, inconsistent lengths) return a
// jamerr.MalformedPacket error; the receiver counts and drops them.
func Decode(data []byte) (Packet, error) {
	if len(data) == 0 {
		return nil, jamerr.New(jamerr.MalformedPacket, "empty datagram")
	}
	switch data[0] {
	case TypeAudio:
		seq, ts, payload, ok := ParseAudio(data)
		if !ok || len(payload) == 0 || len(payload) > MaxPayload {
			return nil, jamerr.New(jamerr.MalformedPacket, "audio datagram len %d", len(data))
		}
		return Audio{Seq: seq, TS: ts, Payload: payload}, nil
	case TypeFEC:
		groupID, mask, payload, ok := ParseFEC(data)
		if !ok || len(payload) == 0 || len(payload) > MaxPayload || mask == 0 {
			return nil, jamerr.New(jamerr.MalformedPacket, "fec datagram len %d", len(data))
		}
		return FEC{GroupID: groupID, Mask: mask, Payload: payload}, nil
	case TypeKeepalive:
		if len(data) != 1 {
			return nil, jamerr.New(jamerr.MalformedPacket, "keepalive len %d", len(data))
		}
		return Keepalive{}, nil
	case TypeLatencyPing:
		if len(data) != 1+pingLen {
			return nil, jamerr.New(jamerr.MalformedPacket, "ping len %d", len(data))
		}
		return LatencyPing{
			SentTimeUS: binary.LittleEndian.Uint64(data[1:9]),
			PingSeq:    binary.LittleEndian.Uint32(data[9:13]),
		}, nil
	case TypeLatencyPong:
		if len(data) != 1+pongLen {
			return nil, jamerr.New(jamerr.MalformedPacket, "pong len %d", len(data))
		}
		return LatencyPong{
			OriginalSentTimeUS: binary.LittleEndian.Uint64(data[1:9]),
			PingSeq:            binary.LittleEndian.Uint32(data[9:13]),
		}, nil
	case TypeLatencyInfo:
		return decodeLatencyInfo(data)
	case TypeChat:
		return decodeChat(data)
	}
	return nil, jamerr.New(jamerr.MalformedPacket, "unknown packet type 0x%02x", data[0])
}

func decodeLatencyInfo(data []byte) (Packet, error) {
	const fixed = 1 + 5*4 + 2*4 + 1
	if len(data) < fixed {
		return nil, jamerr.New(jamerr.MalformedPacket, "latency info len %d", len(data))
	}
	var f [5]float32
	for i := range f {
		f[i] = math.Float32frombits(binary.LittleEndian.Uint32(data[1+i*4 : 5+i*4]))
	}
	frameSize := binary.LittleEndian.Uint32(data[21:25])
	sampleRate := binary.LittleEndian.Uint32(data[25:29])
	codecLen := int(data[29])
	if len(data) != fixed+codecLen {
		return nil, jamerr.New(jamerr.MalformedPacket, "latency info codec len %d vs %d", codecLen, len(data)-fixed)
	}
	return LatencyInfo{
		CaptureMS:   f[0],
		PlaybackMS:  f[1],
		EncodeMS:    f[2],
		DecodeMS:    f[3],
		JitterBufMS: f[4],
		FrameSize:   frameSize,
		SampleRate:  sampleRate,
		Codec:       string(data[fixed:]),
	}, nil
}

func decodeChat(data []byte) (Packet, error) {
	if len(data) < 1+8+1 {
		return nil, jamerr.New(jamerr.MalformedPacket, "chat len %d", len(data))
	}
	msgID := binary.LittleEndian.Uint64(data[1:9])
	off := 9
	senderLen := int(data[off])
	off++
	if len(data) < off+senderLen+2 {
		return nil, jamerr.New(jamerr.MalformedPacket, "chat sender len %d", senderLen)
	}
	sender := string(data[off : off+senderLen])
	off += senderLen
	contentLen := int(binary.LittleEndian.Uint16(data[off : off+2]))
	off += 2
	if len(data) != off+contentLen+8 {
		return nil, jamerr.New(jamerr.MalformedPacket, "chat content len %d vs %d", contentLen, len(data)-off-8)
	}
	content := string(data[off : off+contentLen])
	off += contentLen
	return Chat{
		MsgID:   msgID,
		Sender:  sender,
		Content: content,
		TS:      binary.LittleEndian.Uint64(data[off:]),
	}, nil
}
