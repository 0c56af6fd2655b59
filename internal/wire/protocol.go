package wire

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
)

// Binary frame layout: [slot:1][timestamp:8 big-endian microseconds][payload].
const frameHeaderSize = 9

// Frame slots. Receivers log and drop slots they do not understand instead of
// interpreting them as audio.
const (
	SlotAudio   byte = 0x01
	SlotControl byte = 0x02
)

// ErrFrameTooShort reports a binary frame smaller than its header.
var ErrFrameTooShort = errors.New("frame shorter than header")

// Frame is one timestamped payload on the wire.
type Frame struct {
	Slot        byte
	TimestampUs int64
	Payload     []byte
}

// EncodeFrame renders a frame into its binary wire form.
func EncodeFrame(slot byte, timestampUs int64, payload []byte) []byte {
	buf := make([]byte, frameHeaderSize+len(payload))
	buf[0] = slot
	binary.BigEndian.PutUint64(buf[1:9], uint64(timestampUs))
	copy(buf[frameHeaderSize:], payload)
	return buf
}

// DecodeFrame parses a binary wire frame. The payload aliases the input.
func DecodeFrame(data []byte) (Frame, error) {
	if len(data) < frameHeaderSize {
		return Frame{}, fmt.Errorf("%w: %d bytes", ErrFrameTooShort, len(data))
	}
	return Frame{
		Slot:        data[0],
		TimestampUs: int64(binary.BigEndian.Uint64(data[1:9])),
		Payload:     data[frameHeaderSize:],
	}, nil
}

// Control message types carried as JSON text frames.
const (
	// Client to server.
	MsgIdentify     = "client/identify"
	MsgPlay         = "client/play"
	MsgStop         = "client/stop"
	MsgFormatChange = "client/format-change"
	MsgTimeSync     = "client/time"

	// Server to client.
	MsgStreamStart     = "stream/start"
	MsgStreamEnd       = "stream/end"
	MsgMetadata        = "stream/metadata"
	MsgPlaybackState   = "zone/playback-state"
	MsgControllerState = "zone/controller-state"
	MsgTimeSyncReply   = "server/time"
	MsgError           = "server/error"
)

// Envelope wraps every JSON control message.
type Envelope struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// NewEnvelope marshals a payload into an envelope.
func NewEnvelope(msgType string, payload any) (Envelope, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, fmt.Errorf("encoding %s payload: %w", msgType, err)
	}
	return Envelope{Type: msgType, Payload: raw}, nil
}

// IdentifyPayload announces a client and the zone it renders.
type IdentifyPayload struct {
	ClientID string `json:"client_id,omitempty"`
	Name     string `json:"name"`
	Zone     string `json:"zone"`
}

// PlayPayload asks the server to begin streaming to this client.
type PlayPayload struct {
	// Codec requested by the client; empty means the zone default.
	Codec      string `json:"codec,omitempty"`
	SampleRate int    `json:"sample_rate,omitempty"`
	Channels   int    `json:"channels,omitempty"`
	BitDepth   int    `json:"bit_depth,omitempty"`
}

// FormatChangePayload renegotiates the stream format mid-connection. The
// server tears the stream down and restarts it with the new format.
type FormatChangePayload struct {
	Codec      string `json:"codec"`
	SampleRate int    `json:"sample_rate"`
	Channels   int    `json:"channels"`
	BitDepth   int    `json:"bit_depth"`
}

// TimeSyncPayload is the client half of an NTP-style clock exchange.
type TimeSyncPayload struct {
	ClientTransmitUs int64 `json:"client_transmit_us"`
}

// TimeSyncReplyPayload carries the server receive and transmit timestamps so
// the client can estimate offset and round trip.
type TimeSyncReplyPayload struct {
	ClientTransmitUs int64 `json:"client_transmit_us"`
	ServerReceiveUs  int64 `json:"server_receive_us"`
	ServerTransmitUs int64 `json:"server_transmit_us"`
}

// StreamStartPayload announces a new stream. For encoded codecs CodecHeader
// carries the base64 codec header delivered out-of-band from the audio
// frames.
type StreamStartPayload struct {
	Codec       string `json:"codec"`
	SampleRate  int    `json:"sample_rate"`
	Channels    int    `json:"channels"`
	BitDepth    int    `json:"bit_depth"`
	CodecHeader string `json:"codec_header,omitempty"`
}

// MetadataPayload describes the currently playing content.
type MetadataPayload struct {
	Title      string `json:"title,omitempty"`
	Artist     string `json:"artist,omitempty"`
	Album      string `json:"album,omitempty"`
	ArtworkURL string `json:"artwork_url,omitempty"`
}

// PlaybackStatePayload reports zone playback state to clients and peers.
type PlaybackStatePayload struct {
	State     string `json:"state"`
	GroupID   string `json:"group_id,omitempty"`
	GroupName string `json:"group_name,omitempty"`
}

// ControllerStatePayload reports zone controller state (volume and modes).
type ControllerStatePayload struct {
	ZoneName string `json:"zone_name"`
	Volume   int    `json:"volume"`
	Muted    bool   `json:"muted"`
	Repeat   bool   `json:"repeat"`
	Shuffle  bool   `json:"shuffle"`
}

// ErrorPayload reports a generic failure to the client. Internal diagnostics
// stay in the server log.
type ErrorPayload struct {
	Message string `json:"message"`
}
