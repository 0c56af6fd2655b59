package wire

import (
	"bytes"
	"fmt"

	"github.com/mewkiz/flac"
)

// pcmFrameMillis is the fixed PCM frame duration. Slicing to a fixed duration
// keeps frame timing exact regardless of irregular chunk boundaries from the
// transcoder pipe.
const pcmFrameMillis = 25

// opusPacketMicros is the Opus encoder's fixed packet duration.
const opusPacketMicros = 20_000

// defaultPacketMicros seeds the measured-gap estimate until the first real
// inter-packet gap is observed.
const defaultPacketMicros = 20_000

// gapSmoothing is the EMA coefficient for measured inter-packet gaps.
const gapSmoothing = 0.2

// StreamFormat is the negotiated output format of one wire stream.
type StreamFormat struct {
	Codec      string `json:"codec"`
	SampleRate int    `json:"sample_rate"`
	Channels   int    `json:"channels"`
	BitDepth   int    `json:"bit_depth"`
}

func (f StreamFormat) String() string {
	return fmt.Sprintf("%s/%dHz/%dch/%dbit", f.Codec, f.SampleRate, f.Channels, f.BitDepth)
}

// Packet is one framed unit of audio with its playback duration.
type Packet struct {
	Payload    []byte
	DurationUs int64
}

// Framer turns the session's raw byte chunks into wire packets.
type Framer interface {
	// Push consumes one upstream chunk and returns zero or more complete
	// packets.
	Push(chunk []byte) []Packet
	// Flush returns any buffered partial packet at stream end.
	Flush() []Packet
	// CodecHeader returns the out-of-band codec header once known, nil
	// otherwise. PCM streams never have one.
	CodecHeader() []byte
}

// NewFramer selects the framing strategy for a format.
func NewFramer(format StreamFormat, clock Clock) (Framer, error) {
	switch format.Codec {
	case "pcm":
		if format.SampleRate <= 0 || format.Channels <= 0 || format.BitDepth <= 0 {
			return nil, fmt.Errorf("pcm framing needs a complete format, got %s", format)
		}
		frameSamples := format.SampleRate * pcmFrameMillis / 1000
		return &pcmFramer{
			frameBytes: frameSamples * format.Channels * format.BitDepth / 8,
			format:     format,
		}, nil
	case "opus":
		return &packetFramer{clock: clock, format: format, hasHeader: true, fixedUs: opusPacketMicros}, nil
	case "flac":
		return &packetFramer{clock: clock, format: format, hasHeader: true}, nil
	case "mp3", "aac":
		return &packetFramer{clock: clock, format: format}, nil
	default:
		return nil, fmt.Errorf("no framing strategy for codec %q", format.Codec)
	}
}

// pcmFramer slices raw PCM into fixed-duration frames.
type pcmFramer struct {
	frameBytes int
	format     StreamFormat
	buf        bytes.Buffer
}

func (p *pcmFramer) Push(chunk []byte) []Packet {
	p.buf.Write(chunk)

	var packets []Packet
	for p.buf.Len() >= p.frameBytes {
		frame := make([]byte, p.frameBytes)
		_, _ = p.buf.Read(frame)
		packets = append(packets, Packet{Payload: frame, DurationUs: pcmFrameMillis * 1000})
	}
	return packets
}

// Flush emits the trailing partial frame with a duration proportional to its
// sample count.
func (p *pcmFramer) Flush() []Packet {
	if p.buf.Len() == 0 {
		return nil
	}
	frame := make([]byte, p.buf.Len())
	_, _ = p.buf.Read(frame)
	bytesPerSample := p.format.Channels * p.format.BitDepth / 8
	samples := len(frame) / bytesPerSample
	duration := int64(samples) * 1_000_000 / int64(p.format.SampleRate)
	return []Packet{{Payload: frame, DurationUs: duration}}
}

func (p *pcmFramer) CodecHeader() []byte { return nil }

// packetFramer forwards encoded chunks as natural packets. Duration comes
// from the codec's fixed packet size when one exists, from FLAC STREAMINFO
// for flac, and otherwise from smoothed wall-clock inter-packet gaps. The
// measured-gap path is a heuristic: it drifts under delivery jitter and is
// only used when nothing better is derivable.
type packetFramer struct {
	clock  Clock
	format StreamFormat

	// hasHeader marks codecs whose first packet is a codec header to be sent
	// out-of-band with the stream-start announcement.
	hasHeader  bool
	header     []byte
	headerSeen bool

	fixedUs int64
	gapEma  float64
	lastUs  int64
}

func (p *packetFramer) Push(chunk []byte) []Packet {
	if len(chunk) == 0 {
		return nil
	}

	if p.hasHeader && !p.headerSeen {
		p.headerSeen = true
		p.header = append([]byte(nil), chunk...)
		if p.format.Codec == "flac" && p.fixedUs == 0 {
			p.fixedUs = flacPacketMicros(p.header)
		}
		return nil
	}

	return []Packet{{Payload: chunk, DurationUs: p.packetDuration()}}
}

func (p *packetFramer) Flush() []Packet { return nil }

func (p *packetFramer) CodecHeader() []byte { return p.header }

// packetDuration returns the fixed duration when known, otherwise the
// smoothed measured gap.
func (p *packetFramer) packetDuration() int64 {
	if p.fixedUs > 0 {
		return p.fixedUs
	}

	now := p.clock.NowMicros()
	if p.lastUs == 0 {
		p.lastUs = now
		p.gapEma = defaultPacketMicros
		return defaultPacketMicros
	}
	gap := float64(now - p.lastUs)
	p.lastUs = now
	p.gapEma = p.gapEma*(1-gapSmoothing) + gap*gapSmoothing
	return int64(p.gapEma)
}

// flacPacketMicros derives the packet duration from the STREAMINFO block in
// a FLAC header packet. Returns 0 when the header cannot be parsed.
func flacPacketMicros(header []byte) int64 {
	stream, err := flac.New(bytes.NewReader(header))
	if err != nil {
		return 0
	}
	defer stream.Close()
	info := stream.Info
	if info == nil || info.SampleRate == 0 || info.BlockSizeMax == 0 {
		return 0
	}
	return int64(info.BlockSizeMax) * 1_000_000 / int64(info.SampleRate)
}
