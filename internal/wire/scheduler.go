package wire

import (
	"context"
	"encoding/base64"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// Anchor lead clamp bounds.
const (
	minAnchorLeadUs = 250_000
	maxAnchorLeadUs = 8_000_000
)

// gatePollInterval is the re-check period of the lead and capacity gates.
// Short sleeps in a loop rather than one long wait, so token bumps and
// disconnects are observed promptly.
const gatePollInterval = 10 * time.Millisecond

// jitterSmoothing is the EMA coefficient for inter-send jitter.
const jitterSmoothing = 0.1

// Scheduler errors.
var (
	// ErrSuperseded reports that the stream token was bumped while work was
	// in flight; the work must silently stand down.
	ErrSuperseded = errors.New("stream superseded")
	// ErrUpstreamEnded reports that the upstream byte stream finished.
	ErrUpstreamEnded = errors.New("upstream ended")
)

// Upstream is the scheduler's byte source. engine.Consumer satisfies it.
type Upstream interface {
	Next(ctx context.Context) ([]byte, error)
}

// StreamSink is the transport the scheduler emits into.
type StreamSink interface {
	SendFrame(frame Frame) error
	SendControl(env Envelope) error
}

// SchedulerConfig tunes one client's frame pacing.
type SchedulerConfig struct {
	// TargetLeadUs is how far ahead of the wall clock frames should be
	// delivered.
	TargetLeadUs int64
	// LeadMarginUs is the tolerance above TargetLeadUs before the upstream
	// is paused.
	LeadMarginUs int64
	// AnchorLeadUs is the initial lead of a new timeline, clamped to
	// [250ms, 8s].
	AnchorLeadUs int64
	// TransmitMarginUs is the minimum future distance of a frame timestamp;
	// staler timestamps shift the whole timeline forward.
	TransmitMarginUs int64
	// ClientBufferBytes bounds the projected unconsumed bytes at the client.
	ClientBufferBytes int64
	// FrameHistoryLimit bounds the retained sent-but-future frames for
	// late-joining group peers.
	FrameHistoryLimit int
	// RestartDebounce is the minimum spacing between upstream restarts.
	RestartDebounce time.Duration
	// Logger for structured logging.
	Logger *slog.Logger
}

// SchedulerStats is an observability snapshot.
type SchedulerStats struct {
	Token      int64 `json:"token"`
	LeadUs     int64 `json:"lead_us"`
	JitterUs   int64 `json:"jitter_us"`
	FramesSent int64 `json:"frames_sent"`
	Pauses     int64 `json:"pauses"`
	Paused     bool  `json:"paused"`
}

// ledgerEntry is one outstanding frame in the client capacity ledger.
type ledgerEntry struct {
	endUs int64
	bytes int64
}

// Scheduler paces timestamped frames for one wire client. Frame timestamps
// form a strictly regular virtual timeline anchored once per stream; they are
// never sampled from the wall clock per frame, so transcoder micro-jitter
// cannot drift the timeline.
type Scheduler struct {
	clock  Clock
	config SchedulerConfig
	sink   StreamSink
	group  GroupBroadcaster
	logger *slog.Logger

	token atomic.Int64

	mu       sync.Mutex
	anchorUs int64
	cursorUs int64
	history  []Frame
	ledger   []ledgerEntry

	paused     atomic.Bool
	pauses     atomic.Int64
	leadUs     atomic.Int64
	jitterUs   atomic.Int64
	framesSent atomic.Int64

	jitterEma    float64
	lastSendUs   int64
	lastDuration int64

	restartMu     sync.Mutex
	lastRestartAt time.Time
}

// NewScheduler creates a frame scheduler. group may be nil for ungrouped
// zones.
func NewScheduler(clock Clock, config SchedulerConfig, sink StreamSink, group GroupBroadcaster) *Scheduler {
	if config.Logger == nil {
		config.Logger = slog.Default()
	}
	if config.TargetLeadUs <= 0 {
		config.TargetLeadUs = 250_000
	}
	if config.LeadMarginUs <= 0 {
		config.LeadMarginUs = 100_000
	}
	if config.TransmitMarginUs <= 0 {
		config.TransmitMarginUs = 20_000
	}
	if config.ClientBufferBytes <= 0 {
		config.ClientBufferBytes = 1 << 20
	}
	if config.FrameHistoryLimit <= 0 {
		config.FrameHistoryLimit = 512
	}
	if config.RestartDebounce <= 0 {
		config.RestartDebounce = 3 * time.Second
	}
	if group == nil {
		group = NopBroadcaster{}
	}
	return &Scheduler{
		clock:  clock,
		config: config,
		sink:   sink,
		group:  group,
		logger: config.Logger,
	}
}

// StartStream bumps the stream token and resets the virtual timeline. The
// returned token authorizes one Run; in-flight work holding an older token
// silently stands down.
func (s *Scheduler) StartStream() int64 {
	token := s.token.Add(1)

	s.mu.Lock()
	s.anchorUs = 0
	s.cursorUs = 0
	s.history = nil
	s.ledger = nil
	s.mu.Unlock()

	s.paused.Store(false)
	return token
}

// Cancel invalidates any in-flight work without starting a new stream.
func (s *Scheduler) Cancel() {
	s.token.Add(1)
}

// Token returns the current stream token.
func (s *Scheduler) Token() int64 {
	return s.token.Load()
}

// Run consumes the upstream, frames it and emits paced frames until the
// upstream ends, ctx is done or the token is superseded. The stream-start
// announcement is sent once the codec header (if any) is known; stream-end is
// sent on a graceful upstream end while the token is still current.
func (s *Scheduler) Run(ctx context.Context, token int64, upstream Upstream, framer Framer, format StreamFormat) error {
	announced := false
	announce := func() error {
		if announced {
			return nil
		}
		if s.token.Load() != token {
			return ErrSuperseded
		}
		announced = true
		return s.announceStart(format, framer.CodecHeader())
	}

	for {
		chunk, err := upstream.Next(ctx)
		if err != nil {
			if flushed := framer.Flush(); len(flushed) > 0 {
				if annErr := announce(); annErr != nil {
					return annErr
				}
				for _, pkt := range flushed {
					if emitErr := s.emit(ctx, token, pkt); emitErr != nil {
						return emitErr
					}
				}
			}
			if s.token.Load() == token {
				s.announceEnd()
			}
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return err
			}
			return ErrUpstreamEnded
		}

		packets := framer.Push(chunk)
		if framer.CodecHeader() != nil || len(packets) > 0 {
			if err := announce(); err != nil {
				return err
			}
		}
		for _, pkt := range packets {
			if err := s.emit(ctx, token, pkt); err != nil {
				return err
			}
		}
	}
}

// announceStart sends the stream-start control message directly and to the
// group.
func (s *Scheduler) announceStart(format StreamFormat, codecHeader []byte) error {
	payload := StreamStartPayload{
		Codec:      format.Codec,
		SampleRate: format.SampleRate,
		Channels:   format.Channels,
		BitDepth:   format.BitDepth,
	}
	if len(codecHeader) > 0 {
		payload.CodecHeader = base64.StdEncoding.EncodeToString(codecHeader)
	}
	env, err := NewEnvelope(MsgStreamStart, payload)
	if err != nil {
		return err
	}
	if err := s.sink.SendControl(env); err != nil {
		return err
	}
	s.group.NotifyStreamStart(format, codecHeader)
	return nil
}

func (s *Scheduler) announceEnd() {
	if env, err := NewEnvelope(MsgStreamEnd, struct{}{}); err == nil {
		_ = s.sink.SendControl(env)
	}
	s.group.NotifyStreamEnd()
}

// emit assigns a timestamp from the virtual timeline, applies both
// backpressure gates and transmits the frame.
func (s *Scheduler) emit(ctx context.Context, token int64, pkt Packet) error {
	if s.token.Load() != token {
		return ErrSuperseded
	}

	now := s.clock.NowMicros()

	s.mu.Lock()
	if s.cursorUs == 0 {
		lead := clampInt64(s.config.AnchorLeadUs, minAnchorLeadUs, maxAnchorLeadUs)
		s.anchorUs = now + lead
		s.cursorUs = s.anchorUs
	}

	// A stale timestamp means the pipeline stalled. Shift the remaining
	// timeline forward by the shortfall instead of dropping audio.
	floor := now + s.config.TransmitMarginUs
	if s.cursorUs <= floor {
		shift := floor - s.cursorUs
		s.cursorUs += shift
		s.logger.Debug("timeline shifted after stall", slog.Int64("shift_us", shift))
	}
	ts := s.cursorUs
	s.mu.Unlock()

	// Lead gate: never race arbitrarily far ahead of the wall clock.
	if err := s.waitLead(ctx, token, ts); err != nil {
		return err
	}
	// Capacity gate: never overrun the client's projected receive buffer.
	if err := s.waitCapacity(ctx, token, int64(len(pkt.Payload))); err != nil {
		return err
	}

	if s.token.Load() != token {
		return ErrSuperseded
	}

	frame := Frame{Slot: SlotAudio, TimestampUs: ts, Payload: pkt.Payload}
	if err := s.sink.SendFrame(frame); err != nil {
		return err
	}
	s.group.BroadcastFrame(frame)

	s.recordSend(ts, pkt.DurationUs)

	s.mu.Lock()
	s.cursorUs = ts + pkt.DurationUs
	s.ledger = append(s.ledger, ledgerEntry{endUs: ts + pkt.DurationUs, bytes: int64(len(pkt.Payload))})
	s.history = append(s.history, frame)
	if len(s.history) > s.config.FrameHistoryLimit {
		s.history = s.history[len(s.history)-s.config.FrameHistoryLimit:]
	}
	s.mu.Unlock()

	return nil
}

// waitLead pauses until the frame timestamp is within targetLead + margin of
// the wall clock.
func (s *Scheduler) waitLead(ctx context.Context, token int64, ts int64) error {
	limit := s.config.TargetLeadUs + s.config.LeadMarginUs
	entered := false
	for {
		if s.token.Load() != token {
			s.setPaused(false, entered)
			return ErrSuperseded
		}
		if ts-s.clock.NowMicros() <= limit {
			s.setPaused(false, entered)
			return nil
		}
		if !entered {
			entered = true
			s.setPaused(true, false)
		}
		select {
		case <-ctx.Done():
			s.setPaused(false, entered)
			return ctx.Err()
		case <-time.After(gatePollInterval):
		}
	}
}

// waitCapacity waits until the client's projected free buffer fits the next
// payload.
func (s *Scheduler) waitCapacity(ctx context.Context, token int64, payloadBytes int64) error {
	for {
		if s.token.Load() != token {
			return ErrSuperseded
		}
		if s.outstandingBytes(s.clock.NowMicros())+payloadBytes <= s.config.ClientBufferBytes {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(gatePollInterval):
		}
	}
}

// setPaused flips the pause flag, counting only real transitions into pause.
func (s *Scheduler) setPaused(paused, wasPaused bool) {
	if paused && !wasPaused {
		s.pauses.Add(1)
	}
	s.paused.Store(paused)
}

// outstandingBytes prunes consumed ledger entries and sums the rest. A frame
// is assumed consumed once its end time has passed.
func (s *Scheduler) outstandingBytes(nowUs int64) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()

	kept := s.ledger[:0]
	var total int64
	for _, entry := range s.ledger {
		if entry.endUs <= nowUs {
			continue
		}
		kept = append(kept, entry)
		total += entry.bytes
	}
	s.ledger = kept
	return total
}

// recordSend updates jitter and lead observability after a transmit.
func (s *Scheduler) recordSend(ts, durationUs int64) {
	now := s.clock.NowMicros()
	s.leadUs.Store(ts - now)
	s.framesSent.Add(1)

	s.mu.Lock()
	if s.lastSendUs != 0 && s.lastDuration != 0 {
		actual := float64(now - s.lastSendUs)
		expected := float64(s.lastDuration)
		deviation := actual - expected
		if deviation < 0 {
			deviation = -deviation
		}
		s.jitterEma = s.jitterEma*(1-jitterSmoothing) + deviation*jitterSmoothing
		s.jitterUs.Store(int64(s.jitterEma))
	}
	s.lastSendUs = now
	s.lastDuration = durationUs
	s.mu.Unlock()
}

// History returns the sent-but-still-future frames so a late-joining group
// peer starts from the same position as everyone else.
func (s *Scheduler) History() []Frame {
	now := s.clock.NowMicros()

	s.mu.Lock()
	defer s.mu.Unlock()

	var future []Frame
	for _, frame := range s.history {
		if frame.TimestampUs > now {
			future = append(future, frame)
		}
	}
	return future
}

// ShouldRestart reports whether an upstream restart is allowed now, debounced
// so a broken upstream cannot restart in a tight loop. A true return claims
// the slot.
func (s *Scheduler) ShouldRestart() bool {
	s.restartMu.Lock()
	defer s.restartMu.Unlock()

	now := time.Now()
	if !s.lastRestartAt.IsZero() && now.Sub(s.lastRestartAt) < s.config.RestartDebounce {
		return false
	}
	s.lastRestartAt = now
	return true
}

// Stats returns an observability snapshot.
func (s *Scheduler) Stats() SchedulerStats {
	return SchedulerStats{
		Token:      s.token.Load(),
		LeadUs:     s.leadUs.Load(),
		JitterUs:   s.jitterUs.Load(),
		FramesSent: s.framesSent.Load(),
		Pauses:     s.pauses.Load(),
		Paused:     s.paused.Load(),
	}
}

func clampInt64(v, lo, hi int64) int64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
