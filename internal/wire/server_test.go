package wire

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ogglobi/zonecast/internal/zone"
)

// fakeProvider serves one channel-backed upstream per OpenStream call.
type fakeProvider struct {
	ch       chan []byte
	err      error
	released chan struct{}
}

func (p *fakeProvider) OpenStream(zoneKey string, format StreamFormat) (StreamHandle, error) {
	if p.err != nil {
		return StreamHandle{}, p.err
	}
	return StreamHandle{
		Upstream: &chanUpstream{ch: p.ch},
		Release: func() {
			select {
			case p.released <- struct{}{}:
			default:
			}
		},
	}, nil
}

func startTestServer(t *testing.T, provider StreamProvider, zones zone.Provider) *Server {
	t.Helper()
	s := NewServer(ServerConfig{
		Host: "127.0.0.1",
		Port: 0,
		DefaultFormat: StreamFormat{
			Codec:      "pcm",
			SampleRate: 48000,
			Channels:   2,
			BitDepth:   16,
		},
		Scheduler: relaxedConfig(),
	}, NewClock(), provider, zones, nil)
	require.NoError(t, s.Start())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = s.Shutdown(ctx)
	})
	return s
}

func dialTestServer(t *testing.T, s *Server) *websocket.Conn {
	t.Helper()
	url := fmt.Sprintf("ws://%s/ws", s.Addr())
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func sendEnvelope(t *testing.T, conn *websocket.Conn, msgType string, payload any) {
	t.Helper()
	env, err := NewEnvelope(msgType, payload)
	require.NoError(t, err)
	require.NoError(t, conn.WriteJSON(env))
}

// readEnvelope skips binary frames until the next control message.
func readEnvelope(t *testing.T, conn *websocket.Conn) Envelope {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(3*time.Second)))
	for {
		msgType, data, err := conn.ReadMessage()
		require.NoError(t, err)
		if msgType != websocket.TextMessage {
			continue
		}
		var env Envelope
		require.NoError(t, json.Unmarshal(data, &env))
		return env
	}
}

// readEnvelopeOfType skips frames and other control messages until a control
// message of the wanted type arrives.
func readEnvelopeOfType(t *testing.T, conn *websocket.Conn, msgType string) Envelope {
	t.Helper()
	for {
		env := readEnvelope(t, conn)
		if env.Type == msgType {
			return env
		}
	}
}

// readBinaryFrame skips control messages until the next binary frame.
func readBinaryFrame(t *testing.T, conn *websocket.Conn) Frame {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(3*time.Second)))
	for {
		msgType, data, err := conn.ReadMessage()
		require.NoError(t, err)
		if msgType != websocket.BinaryMessage {
			continue
		}
		frame, err := DecodeFrame(data)
		require.NoError(t, err)
		return frame
	}
}

func TestServerStreamLifecycle(t *testing.T) {
	provider := &fakeProvider{ch: make(chan []byte, 8), released: make(chan struct{}, 1)}
	s := startTestServer(t, provider, nil)
	conn := dialTestServer(t, s)

	sendEnvelope(t, conn, MsgIdentify, IdentifyPayload{Name: "speaker-1", Zone: "living-room"})
	require.Eventually(t, func() bool { return s.ClientCount() == 1 }, 2*time.Second, 10*time.Millisecond)

	// One full 25 ms PCM frame at 48 kHz stereo 16-bit.
	provider.ch <- make([]byte, 4800)
	sendEnvelope(t, conn, MsgPlay, PlayPayload{})

	env := readEnvelopeOfType(t, conn, MsgPlaybackState)
	var playing PlaybackStatePayload
	require.NoError(t, json.Unmarshal(env.Payload, &playing))
	assert.Equal(t, "playing", playing.State)
	assert.Equal(t, "living-room", playing.GroupID)

	env = readEnvelopeOfType(t, conn, MsgStreamStart)
	var start StreamStartPayload
	require.NoError(t, json.Unmarshal(env.Payload, &start))
	assert.Equal(t, "pcm", start.Codec)
	assert.Equal(t, 48000, start.SampleRate)
	assert.Empty(t, start.CodecHeader)

	frame := readBinaryFrame(t, conn)
	assert.Equal(t, SlotAudio, frame.Slot)
	assert.Len(t, frame.Payload, 4800)
	assert.Positive(t, frame.TimestampUs)

	// Stop releases the upstream and reports the state change.
	sendEnvelope(t, conn, MsgStop, struct{}{})
	select {
	case <-provider.released:
	case <-time.After(2 * time.Second):
		t.Fatal("upstream never released after stop")
	}
	env = readEnvelopeOfType(t, conn, MsgPlaybackState)
	var stopped PlaybackStatePayload
	require.NoError(t, json.Unmarshal(env.Payload, &stopped))
	assert.Equal(t, "stopped", stopped.State)
}

func TestServerTimestampsIncrease(t *testing.T) {
	provider := &fakeProvider{ch: make(chan []byte, 8), released: make(chan struct{}, 1)}
	s := startTestServer(t, provider, nil)
	conn := dialTestServer(t, s)

	sendEnvelope(t, conn, MsgIdentify, IdentifyPayload{Name: "speaker-1", Zone: "den"})
	provider.ch <- make([]byte, 3*4800)
	sendEnvelope(t, conn, MsgPlay, PlayPayload{})

	first := readBinaryFrame(t, conn)
	second := readBinaryFrame(t, conn)
	third := readBinaryFrame(t, conn)
	assert.Equal(t, first.TimestampUs+25_000, second.TimestampUs)
	assert.Equal(t, second.TimestampUs+25_000, third.TimestampUs)
}

func TestServerPlayBeforeIdentify(t *testing.T) {
	provider := &fakeProvider{ch: make(chan []byte, 1), released: make(chan struct{}, 1)}
	s := startTestServer(t, provider, nil)
	conn := dialTestServer(t, s)

	sendEnvelope(t, conn, MsgPlay, PlayPayload{})
	env := readEnvelope(t, conn)
	assert.Equal(t, MsgError, env.Type)
}

func TestServerUpstreamUnavailable(t *testing.T) {
	provider := &fakeProvider{err: errors.New("zone has no active session")}
	s := startTestServer(t, provider, nil)
	conn := dialTestServer(t, s)

	sendEnvelope(t, conn, MsgIdentify, IdentifyPayload{Name: "speaker-1", Zone: "attic"})
	sendEnvelope(t, conn, MsgPlay, PlayPayload{})

	env := readEnvelope(t, conn)
	require.Equal(t, MsgError, env.Type)
	var payload ErrorPayload
	require.NoError(t, json.Unmarshal(env.Payload, &payload))
	// Internal diagnostics stay server-side.
	assert.Equal(t, "unavailable", payload.Message)
}

func TestServerSendsControllerState(t *testing.T) {
	zones := zone.NewRegistry()
	zones.Set("living-room", zone.State{Name: "Living Room", Volume: 40, Repeat: true})

	provider := &fakeProvider{ch: make(chan []byte, 1), released: make(chan struct{}, 1)}
	s := startTestServer(t, provider, zones)
	conn := dialTestServer(t, s)

	sendEnvelope(t, conn, MsgIdentify, IdentifyPayload{Name: "speaker-1", Zone: "living-room"})

	env := readEnvelope(t, conn)
	require.Equal(t, MsgControllerState, env.Type)
	var state ControllerStatePayload
	require.NoError(t, json.Unmarshal(env.Payload, &state))
	assert.Equal(t, "Living Room", state.ZoneName)
	assert.Equal(t, 40, state.Volume)
	assert.True(t, state.Repeat)
}

func TestServerPublishMetadata(t *testing.T) {
	provider := &fakeProvider{ch: make(chan []byte, 1), released: make(chan struct{}, 1)}
	s := startTestServer(t, provider, nil)
	conn := dialTestServer(t, s)

	sendEnvelope(t, conn, MsgIdentify, IdentifyPayload{Name: "speaker-1", Zone: "study"})
	// Messages are handled in order, so a time-sync round trip proves the
	// identify landed.
	sendEnvelope(t, conn, MsgTimeSync, TimeSyncPayload{})
	readEnvelopeOfType(t, conn, MsgTimeSyncReply)

	other := dialTestServer(t, s)
	sendEnvelope(t, other, MsgIdentify, IdentifyPayload{Name: "speaker-2", Zone: "den"})
	sendEnvelope(t, other, MsgTimeSync, TimeSyncPayload{})
	readEnvelopeOfType(t, other, MsgTimeSyncReply)

	s.PublishMetadata("study", MetadataPayload{Title: "Blue in Green", Artist: "Miles Davis"})

	env := readEnvelopeOfType(t, conn, MsgMetadata)
	var meta MetadataPayload
	require.NoError(t, json.Unmarshal(env.Payload, &meta))
	assert.Equal(t, "Blue in Green", meta.Title)
	assert.Equal(t, "Miles Davis", meta.Artist)

	// The den client gets nothing.
	require.NoError(t, other.SetReadDeadline(time.Now().Add(200*time.Millisecond)))
	_, _, err := other.ReadMessage()
	require.Error(t, err)
}

func TestServerTimeSync(t *testing.T) {
	provider := &fakeProvider{ch: make(chan []byte, 1), released: make(chan struct{}, 1)}
	s := startTestServer(t, provider, nil)
	conn := dialTestServer(t, s)

	sendEnvelope(t, conn, MsgTimeSync, TimeSyncPayload{ClientTransmitUs: 777})

	env := readEnvelope(t, conn)
	require.Equal(t, MsgTimeSyncReply, env.Type)
	var reply TimeSyncReplyPayload
	require.NoError(t, json.Unmarshal(env.Payload, &reply))
	assert.Equal(t, int64(777), reply.ClientTransmitUs)
	assert.GreaterOrEqual(t, reply.ServerTransmitUs, reply.ServerReceiveUs)
}
