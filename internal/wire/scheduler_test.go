package wire

import (
	"context"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// captureSink records everything the scheduler emits.
type captureSink struct {
	mu       sync.Mutex
	frames   []Frame
	controls []Envelope
}

func (s *captureSink) SendFrame(frame Frame) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.frames = append(s.frames, frame)
	return nil
}

func (s *captureSink) SendControl(env Envelope) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.controls = append(s.controls, env)
	return nil
}

func (s *captureSink) frameCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.frames)
}

func (s *captureSink) frameAt(i int) Frame {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.frames[i]
}

func (s *captureSink) controlTypes() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	types := make([]string, 0, len(s.controls))
	for _, env := range s.controls {
		types = append(types, env.Type)
	}
	return types
}

// relaxedConfig disables both gates so timeline behavior can be tested with a
// static clock.
func relaxedConfig() SchedulerConfig {
	return SchedulerConfig{
		TargetLeadUs:      3_600_000_000,
		LeadMarginUs:      1,
		AnchorLeadUs:      500_000,
		TransmitMarginUs:  20_000,
		ClientBufferBytes: 1 << 30,
		FrameHistoryLimit: 8,
		RestartDebounce:   3 * time.Second,
	}
}

func TestTimestampsRegularWithinToken(t *testing.T) {
	clock := &fakeClock{nowUs: 1_000_000}
	sink := &captureSink{}
	s := NewScheduler(clock, relaxedConfig(), sink, nil)

	token := s.StartStream()
	for i := 0; i < 5; i++ {
		require.NoError(t, s.emit(context.Background(), token, Packet{Payload: []byte{1}, DurationUs: 25_000}))
	}

	require.Equal(t, 5, sink.frameCount())
	// Anchor is clock + anchor lead; each frame advances by exactly its
	// duration regardless of when it was emitted.
	first := sink.frameAt(0)
	assert.Equal(t, int64(1_000_000+500_000), first.TimestampUs)
	for i := 1; i < 5; i++ {
		assert.Equal(t, first.TimestampUs+int64(i)*25_000, sink.frameAt(i).TimestampUs)
	}
}

func TestTokenBumpEstablishesNewAnchor(t *testing.T) {
	clock := &fakeClock{nowUs: 1_000_000}
	sink := &captureSink{}
	s := NewScheduler(clock, relaxedConfig(), sink, nil)

	token := s.StartStream()
	require.NoError(t, s.emit(context.Background(), token, Packet{Payload: []byte{1}, DurationUs: 25_000}))

	clock.Advance(10_000_000)
	token2 := s.StartStream()
	require.NoError(t, s.emit(context.Background(), token2, Packet{Payload: []byte{1}, DurationUs: 25_000}))

	assert.Equal(t, int64(11_000_000+500_000), sink.frameAt(1).TimestampUs)
}

func TestEmitWithSupersededToken(t *testing.T) {
	clock := &fakeClock{}
	s := NewScheduler(clock, relaxedConfig(), &captureSink{}, nil)

	old := s.StartStream()
	s.StartStream()

	err := s.emit(context.Background(), old, Packet{Payload: []byte{1}, DurationUs: 25_000})
	assert.ErrorIs(t, err, ErrSuperseded)
}

func TestAnchorLeadClamped(t *testing.T) {
	tests := []struct {
		name       string
		anchorUs   int64
		expectedUs int64
	}{
		{name: "below minimum", anchorUs: 1_000, expectedUs: minAnchorLeadUs},
		{name: "within range", anchorUs: 900_000, expectedUs: 900_000},
		{name: "above maximum", anchorUs: 20_000_000, expectedUs: maxAnchorLeadUs},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			clock := &fakeClock{}
			sink := &captureSink{}
			cfg := relaxedConfig()
			cfg.AnchorLeadUs = tt.anchorUs
			s := NewScheduler(clock, cfg, sink, nil)

			token := s.StartStream()
			require.NoError(t, s.emit(context.Background(), token, Packet{Payload: []byte{1}, DurationUs: 25_000}))
			assert.Equal(t, tt.expectedUs, sink.frameAt(0).TimestampUs)
		})
	}
}

func TestTimelineShiftOnStall(t *testing.T) {
	clock := &fakeClock{nowUs: 1_000_000}
	sink := &captureSink{}
	s := NewScheduler(clock, relaxedConfig(), sink, nil)

	token := s.StartStream()
	require.NoError(t, s.emit(context.Background(), token, Packet{Payload: []byte{1}, DurationUs: 25_000}))

	// Stall far past the cursor; the next timestamp must be shifted to stay
	// ahead of the clock rather than going out stale.
	clock.Advance(5_000_000)
	require.NoError(t, s.emit(context.Background(), token, Packet{Payload: []byte{1}, DurationUs: 25_000}))

	second := sink.frameAt(1)
	assert.Equal(t, clock.NowMicros()+20_000, second.TimestampUs)
	assert.GreaterOrEqual(t, second.TimestampUs, sink.frameAt(0).TimestampUs, "timestamps stay non-decreasing")

	// The shifted timeline keeps its regular spacing afterwards.
	require.NoError(t, s.emit(context.Background(), token, Packet{Payload: []byte{1}, DurationUs: 25_000}))
	assert.Equal(t, second.TimestampUs+25_000, sink.frameAt(2).TimestampUs)
}

func TestLeadGatePausesAndConverges(t *testing.T) {
	clock := NewClock()
	sink := &captureSink{}
	cfg := SchedulerConfig{
		TargetLeadUs:      50_000,
		LeadMarginUs:      10_000,
		AnchorLeadUs:      300_000,
		TransmitMarginUs:  5_000,
		ClientBufferBytes: 1 << 30,
		FrameHistoryLimit: 64,
		RestartDebounce:   3 * time.Second,
	}
	s := NewScheduler(clock, cfg, sink, nil)

	token := s.StartStream()
	for i := 0; i < 6; i++ {
		require.NoError(t, s.emit(context.Background(), token, Packet{Payload: []byte{1}, DurationUs: 25_000}))
	}

	stats := s.Stats()
	// The anchor put the first frame 300 ms ahead while the gate allows only
	// 60 ms, so the upstream was paused at least once, and the lead settled
	// within the target window once frames flowed.
	assert.GreaterOrEqual(t, stats.Pauses, int64(1))
	assert.LessOrEqual(t, stats.LeadUs, cfg.TargetLeadUs+cfg.LeadMarginUs+int64(2*gatePollInterval.Microseconds()))
	assert.False(t, stats.Paused)
}

func TestCapacityGateWaits(t *testing.T) {
	clock := &fakeClock{nowUs: 1_000_000}
	sink := &captureSink{}
	cfg := relaxedConfig()
	cfg.ClientBufferBytes = 100
	s := NewScheduler(clock, cfg, sink, nil)

	token := s.StartStream()
	require.NoError(t, s.emit(context.Background(), token, Packet{Payload: make([]byte, 80), DurationUs: 25_000}))

	// A second frame would project 160 outstanding bytes against a 100 byte
	// budget, so emit must wait until the first frame's end time passes.
	done := make(chan error, 1)
	go func() {
		done <- s.emit(context.Background(), token, Packet{Payload: make([]byte, 80), DurationUs: 25_000})
	}()

	select {
	case <-done:
		t.Fatal("emit completed despite exhausted client capacity")
	case <-time.After(50 * time.Millisecond):
	}

	// Advance past the first frame's end time; its bytes are assumed played.
	clock.Advance(600_000)
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("emit never completed after capacity freed")
	}
	assert.Equal(t, 2, sink.frameCount())
}

func TestHistoryReturnsOnlyFutureFrames(t *testing.T) {
	clock := &fakeClock{nowUs: 1_000_000}
	sink := &captureSink{}
	s := NewScheduler(clock, relaxedConfig(), sink, nil)

	token := s.StartStream()
	for i := 0; i < 4; i++ {
		require.NoError(t, s.emit(context.Background(), token, Packet{Payload: []byte{byte(i)}, DurationUs: 25_000}))
	}

	require.Len(t, s.History(), 4)

	// Two frames play out; a late joiner must only receive the rest.
	clock.Advance(500_000 + 2*25_000)
	history := s.History()
	require.Len(t, history, 2)
	assert.Equal(t, []byte{2}, history[0].Payload)
	assert.Equal(t, []byte{3}, history[1].Payload)
}

func TestHistoryBounded(t *testing.T) {
	clock := &fakeClock{nowUs: 1_000_000}
	cfg := relaxedConfig()
	cfg.FrameHistoryLimit = 3
	s := NewScheduler(clock, cfg, &captureSink{}, nil)

	token := s.StartStream()
	for i := 0; i < 10; i++ {
		require.NoError(t, s.emit(context.Background(), token, Packet{Payload: []byte{byte(i)}, DurationUs: 25_000}))
	}
	assert.Len(t, s.History(), 3)
}

func TestShouldRestartDebounce(t *testing.T) {
	cfg := relaxedConfig()
	cfg.RestartDebounce = 50 * time.Millisecond
	s := NewScheduler(&fakeClock{}, cfg, &captureSink{}, nil)

	assert.True(t, s.ShouldRestart())
	assert.False(t, s.ShouldRestart(), "second restart inside the debounce window")

	time.Sleep(60 * time.Millisecond)
	assert.True(t, s.ShouldRestart())
}

// chanUpstream feeds Run from a channel; closing it ends the stream.
type chanUpstream struct {
	ch chan []byte
}

func (u *chanUpstream) Next(ctx context.Context) ([]byte, error) {
	select {
	case data, ok := <-u.ch:
		if !ok {
			return nil, io.EOF
		}
		return data, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func TestRunAnnouncesStartAndEnd(t *testing.T) {
	clock := &fakeClock{nowUs: 1_000_000}
	sink := &captureSink{}
	s := NewScheduler(clock, relaxedConfig(), sink, nil)

	upstream := &chanUpstream{ch: make(chan []byte, 4)}
	format := StreamFormat{Codec: "opus", SampleRate: 48000, Channels: 2, BitDepth: 16}
	framer, err := NewFramer(format, clock)
	require.NoError(t, err)

	upstream.ch <- []byte("opus-header")
	upstream.ch <- []byte("packet-1")
	upstream.ch <- []byte("packet-2")
	close(upstream.ch)

	token := s.StartStream()
	err = s.Run(context.Background(), token, upstream, framer, format)
	assert.ErrorIs(t, err, ErrUpstreamEnded)

	types := sink.controlTypes()
	require.Len(t, types, 2)
	assert.Equal(t, MsgStreamStart, types[0])
	assert.Equal(t, MsgStreamEnd, types[1])

	// The header went out-of-band, not as an audio frame.
	require.Equal(t, 2, sink.frameCount())
	assert.Equal(t, []byte("packet-1"), sink.frameAt(0).Payload)
}

func TestRunAnnouncesBeforeFlushedTail(t *testing.T) {
	clock := &fakeClock{nowUs: 1_000_000}
	sink := &captureSink{}
	s := NewScheduler(clock, relaxedConfig(), sink, nil)

	upstream := &chanUpstream{ch: make(chan []byte, 1)}
	format := pcmFormat()
	framer, err := NewFramer(format, clock)
	require.NoError(t, err)

	// Less than one full frame, so the only audio goes out via the flush
	// on upstream end.
	upstream.ch <- make([]byte, 1000)
	close(upstream.ch)

	token := s.StartStream()
	err = s.Run(context.Background(), token, upstream, framer, format)
	assert.ErrorIs(t, err, ErrUpstreamEnded)

	types := sink.controlTypes()
	require.Len(t, types, 2)
	assert.Equal(t, MsgStreamStart, types[0])
	assert.Equal(t, MsgStreamEnd, types[1])
	require.Equal(t, 1, sink.frameCount())
	assert.Len(t, sink.frameAt(0).Payload, 1000)
}

func TestRunSupersededStandsDownSilently(t *testing.T) {
	clock := &fakeClock{nowUs: 1_000_000}
	sink := &captureSink{}
	s := NewScheduler(clock, relaxedConfig(), sink, nil)

	upstream := &chanUpstream{ch: make(chan []byte, 4)}
	format := pcmFormat()
	framer, err := NewFramer(format, clock)
	require.NoError(t, err)

	token := s.StartStream()
	s.StartStream()

	upstream.ch <- make([]byte, 4800)
	err = s.Run(context.Background(), token, upstream, framer, format)
	assert.ErrorIs(t, err, ErrSuperseded)
	assert.Zero(t, sink.frameCount())
}
