package codec

import (
	"github.com/koedame/jamlink/internal/jamerr"
	"gopkg.in/hraban/opus.v2"
)

// opusBitrate is the fixed target for the optional Opus codec. Music needs
// more headroom than VoIP defaults.
const opusBitrate = 96000

// opusMaxPacketBytes is the RFC 6716 maximum Opus packet size.
const opusMaxPacketBytes = 1275

// opusCodec wraps hraban/opus. Opus only supports frame sizes that are
// 2.5/5/10/20/40/60 ms, so at 48 kHz the device frame must be ≥ 120 samples;
// New rejects anything smaller.
type opusCodec struct {
	enc       *opus.Encoder
	dec       *opus.Decoder
	frameSize int
	channels  int
	frameMS   float64
	pcmScratch []int16
	outScratch []byte
}

func newOpus(sampleRate, channels, frameSize int) (Codec, error) {
	frameMS := float64(frameSize) / float64(sampleRate) * 1000.0
	// Valid Opus frame durations are 2.5/5/10/20/40/60 ms; compare in tenths
	// of a millisecond to dodge float rounding.
	tenths := frameSize * 10000 / sampleRate
	exact := frameSize*10000%sampleRate == 0
	switch {
	case exact && (tenths == 25 || tenths == 50 || tenths == 100 || tenths == 200 || tenths == 400 || tenths == 600):
	default:
		return nil, jamerr.New(jamerr.UnsupportedAudioFormat,
			"opus cannot encode %d samples at %d Hz (%.3g ms frames)", frameSize, sampleRate, frameMS)
	}
	enc, err := opus.NewEncoder(sampleRate, channels, opus.AppRestrictedLowdelay)
	if err != nil {
		return nil, jamerr.Wrap(jamerr.ConfigurationInvalid, err)
	}
	if err := enc.SetBitrate(opusBitrate); err != nil {
		return nil, jamerr.Wrap(jamerr.ConfigurationInvalid, err)
	}
	dec, err := opus.NewDecoder(sampleRate, channels)
	if err != nil {
		return nil, jamerr.Wrap(jamerr.ConfigurationInvalid, err)
	}
	return &opusCodec{
		enc:        enc,
		dec:        dec,
		frameSize:  frameSize,
		channels:   channels,
		frameMS:    frameMS,
		pcmScratch: make([]int16, frameSize*channels),
		outScratch: make([]byte, opusMaxPacketBytes),
	}, nil
}

func (c *opusCodec) Name() string       { return NameOpus }
func (c *opusCodec) LatencyMS() float64 { return c.frameMS }

func (c *opusCodec) Encode(dst []byte, pcm []float32) ([]byte, error) {
	for i, s := range pcm {
		if i >= len(c.pcmScratch) {
			break
		}
		c.pcmScratch[i] = int16(clamp(s) * 32767)
	}
	n, err := c.enc.Encode(c.pcmScratch, c.outScratch)
	if err != nil {
		return dst, err
	}
	return append(dst, c.outScratch[:n]...), nil
}

func (c *opusCodec) Decode(dst []float32, payload []byte) ([]float32, error) {
	n, err := c.dec.Decode(payload, c.pcmScratch)
	if err != nil {
		return dst, err
	}
	for _, v := range c.pcmScratch[:n*c.channels] {
		dst = append(dst, float32(v)/32768.0)
	}
	return dst, nil
}
