package wire

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFrameRoundTrip(t *testing.T) {
	payload := []byte{0xde, 0xad, 0xbe, 0xef}
	data := EncodeFrame(SlotAudio, 1_234_567_890_123, payload)

	frame, err := DecodeFrame(data)
	require.NoError(t, err)
	assert.Equal(t, SlotAudio, frame.Slot)
	assert.Equal(t, int64(1_234_567_890_123), frame.TimestampUs)
	assert.Equal(t, payload, frame.Payload)
}

func TestFrameLayout(t *testing.T) {
	data := EncodeFrame(SlotControl, 0x0102030405060708, []byte{0xAA})
	require.Len(t, data, 10)
	assert.Equal(t, SlotControl, data[0])
	// Big-endian timestamp.
	assert.Equal(t, []byte{0x01, 0x02, 0x03, 0x04, 0x05, 0x06, 0x07, 0x08}, data[1:9])
	assert.Equal(t, byte(0xAA), data[9])
}

func TestFrameEmptyPayload(t *testing.T) {
	frame, err := DecodeFrame(EncodeFrame(SlotAudio, 42, nil))
	require.NoError(t, err)
	assert.Equal(t, int64(42), frame.TimestampUs)
	assert.Empty(t, frame.Payload)
}

func TestDecodeFrameTooShort(t *testing.T) {
	_, err := DecodeFrame([]byte{0x01, 0x02})
	assert.ErrorIs(t, err, ErrFrameTooShort)
}

func TestEnvelopeRoundTrip(t *testing.T) {
	env, err := NewEnvelope(MsgStreamStart, StreamStartPayload{
		Codec:       "opus",
		SampleRate:  48000,
		Channels:    2,
		BitDepth:    16,
		CodecHeader: "T3B1c0hlYWQ=",
	})
	require.NoError(t, err)

	data, err := json.Marshal(env)
	require.NoError(t, err)

	var decoded Envelope
	require.NoError(t, json.Unmarshal(data, &decoded))
	assert.Equal(t, MsgStreamStart, decoded.Type)

	var payload StreamStartPayload
	require.NoError(t, json.Unmarshal(decoded.Payload, &payload))
	assert.Equal(t, "opus", payload.Codec)
	assert.Equal(t, 48000, payload.SampleRate)
	assert.Equal(t, "T3B1c0hlYWQ=", payload.CodecHeader)
}
