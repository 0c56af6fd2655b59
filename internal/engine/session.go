// Package engine owns transcoding sessions: one external ffmpeg process per
// zone and output profile, a rolling buffer of recent output, and a consumer
// fan-out with independent backpressure per consumer.
package engine

import (
	"bufio"
	"context"
	"errors"
	"io"
	"log/slog"
	"math/rand"
	"os/exec"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/ogglobi/zonecast/internal/source"
)

// Session errors.
var (
	ErrSessionStarted    = errors.New("session already started")
	ErrSessionNotRunning = errors.New("session not running")
)

// maxStderrLines bounds the retained transcoder diagnostic lines.
const maxStderrLines = 50

// restartBackoffStep is the per-attempt increment of the failure-restart
// backoff. The total delay is capped by SessionConfig.RestartBackoffCap.
const restartBackoffStep = 100 * time.Millisecond

// StopReason describes why a session terminated.
type StopReason string

// Stop reasons reported to the termination handler.
const (
	StopReasonStop     StopReason = "stop"
	StopReasonSwitch   StopReason = "switch"
	StopReasonShutdown StopReason = "shutdown"
	StopReasonEnded    StopReason = "ended"
	StopReasonFailed   StopReason = "failed"
)

// SessionConfig configures a transcoding session. All fields are resolved
// before construction; the session never consults global state.
type SessionConfig struct {
	// FFmpegPath is the transcoder binary path.
	FFmpegPath string
	// KillTimeout is the grace period between the terminate signal and a
	// forced kill.
	KillTimeout time.Duration
	// RestartBackoffCap caps the linear backoff between failure restarts.
	RestartBackoffCap time.Duration
	// ConsumerLagLimit is the pending-byte threshold past which a slow
	// consumer is dropped.
	ConsumerLagLimit int64
	// Logger for structured logging.
	Logger *slog.Logger
}

// TerminationInfo is delivered to the termination handler when a session ends.
type TerminationInfo struct {
	Stats      SessionStats
	Reason     StopReason
	Unexpected bool
}

// SessionStats is a snapshot of session counters.
type SessionStats struct {
	ID            string             `json:"id"`
	Zone          string             `json:"zone"`
	Profile       source.Profile     `json:"profile"`
	Source        string             `json:"source"`
	StartedAt     time.Time          `json:"started_at"`
	BytesPerSec   int64              `json:"bytes_per_sec"`
	BufferedBytes int64              `json:"buffered_bytes"`
	TotalBytes    int64              `json:"total_bytes"`
	Consumers     int                `json:"consumers"`
	Drops         int64              `json:"drops"`
	Restarts      int64              `json:"restarts"`
	LastError     string             `json:"last_error,omitempty"`
	ExitCode      int                `json:"exit_code"`
	ExitSignal    string             `json:"exit_signal,omitempty"`
	Process       *ProcessUsageStats `json:"process,omitempty"`
}

// ConsumerOptions controls consumer attachment.
type ConsumerOptions struct {
	// Prime replays the current rolling buffer into the new consumer so it
	// does not start from silence.
	Prime bool
}

// Session owns one external transcoder process for one zone/profile pair.
type Session struct {
	id       string
	zone     string
	profile  source.Profile
	src      source.Source
	settings source.OutputSettings
	config   SessionConfig
	logger   *slog.Logger

	buffer    *RollingBuffer
	consumers *consumerSet

	// emitMu serializes chunk emission against consumer priming so a primed
	// consumer neither misses nor duplicates a chunk.
	emitMu sync.Mutex

	procMu sync.Mutex
	cmd    *exec.Cmd
	stdin  io.WriteCloser

	stderrMu    sync.RWMutex
	stderrLines []string

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	started    atomic.Bool
	stopping   atomic.Bool
	terminated atomic.Bool
	discard    atomic.Bool
	stopReason atomic.Value // StopReason

	firstChunkOnce sync.Once
	firstChunk     chan struct{}

	startedAt  time.Time
	totalBytes atomic.Int64
	byteRate   atomic.Int64
	restarts   atomic.Int64
	exitCode   atomic.Int64
	exitSignal atomic.Value // string

	// Signal accounting: exactly one terminate and at most one force kill
	// per session lifetime.
	termSignals atomic.Int64
	forceKills  atomic.Int64

	onTerminate func(TerminationInfo)
}

// NewSession creates a session for the given zone, source and profile.
// onTerminate is invoked once, after the process has exited and consumers are
// released.
func NewSession(zone string, src source.Source, profile source.Profile, settings source.OutputSettings, config SessionConfig, onTerminate func(TerminationInfo)) *Session {
	if config.Logger == nil {
		config.Logger = slog.Default()
	}
	if config.KillTimeout <= 0 {
		config.KillTimeout = 2 * time.Second
	}
	if config.RestartBackoffCap <= 0 {
		config.RestartBackoffCap = 500 * time.Millisecond
	}
	if config.ConsumerLagLimit <= 0 {
		config.ConsumerLagLimit = 4 * 1024 * 1024
	}

	id := ulid.MustNew(ulid.Timestamp(time.Now()), rand.New(rand.NewSource(time.Now().UnixNano()))).String()

	ctx, cancel := context.WithCancel(context.Background())
	s := &Session{
		id:          id,
		zone:        zone,
		profile:     profile,
		src:         src,
		settings:    settings,
		config:      config,
		logger:      config.Logger.With(slog.String("session_id", id), slog.String("zone", zone), slog.String("profile", profile.String())),
		buffer:      NewRollingBuffer(settings.PrebufferBytes, settings.PreserveInitialBuffer),
		consumers:   newConsumerSet(),
		ctx:         ctx,
		cancel:      cancel,
		firstChunk:  make(chan struct{}),
		onTerminate: onTerminate,
	}
	s.stopReason.Store(StopReasonEnded)
	s.exitSignal.Store("")
	return s
}

// ID returns the session identifier.
func (s *Session) ID() string { return s.id }

// Zone returns the owning zone key.
func (s *Session) Zone() string { return s.zone }

// Profile returns the session's output profile.
func (s *Session) Profile() source.Profile { return s.profile }

// Start spawns the transcoder process and begins emitting chunks. Idempotent:
// a second call returns ErrSessionStarted.
func (s *Session) Start() error {
	if !s.started.CompareAndSwap(false, true) {
		return ErrSessionStarted
	}
	s.startedAt = time.Now()

	if err := s.spawn(); err != nil {
		s.finalize(StopReasonFailed, true)
		return err
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.measureRate()
	}()

	return nil
}

// spawn builds the command and starts one process instance. Called for the
// initial start and for failure restarts.
func (s *Session) spawn() error {
	cmd, err := buildCommand(s.config.FFmpegPath, s.src, s.profile, s.settings)
	if err != nil {
		return err
	}

	proc := exec.CommandContext(s.ctx, cmd.Binary, cmd.Args...)

	var stdin io.WriteCloser
	if pipe, ok := s.src.(source.PipeSource); ok && pipe.Live != nil {
		stdin, err = proc.StdinPipe()
		if err != nil {
			return err
		}
	}
	stdout, err := proc.StdoutPipe()
	if err != nil {
		return err
	}
	stderr, err := proc.StderrPipe()
	if err != nil {
		return err
	}

	if err := proc.Start(); err != nil {
		s.logger.Error("transcoder process could not be spawned",
			slog.String("binary", cmd.Binary),
			slog.String("error", err.Error()))
		return err
	}

	s.procMu.Lock()
	s.cmd = proc
	s.stdin = stdin
	s.procMu.Unlock()

	s.logger.Debug("transcoder started",
		slog.Int("pid", proc.Process.Pid),
		slog.String("command", cmd.String()))

	if stdin != nil {
		live := s.src.(source.PipeSource).Live
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			defer stdin.Close()
			_, _ = io.Copy(stdin, live)
		}()
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.readStderr(stderr)
	}()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.runOutputLoop(proc, stdout)
	}()

	return nil
}

// runOutputLoop reads transcoder output and fans it out until the process
// exits, then decides between restart and termination.
func (s *Session) runOutputLoop(proc *exec.Cmd, stdout io.ReadCloser) {
	buf := make([]byte, 32*1024)
	for {
		n, err := stdout.Read(buf)
		if n > 0 {
			chunk := make([]byte, n)
			copy(chunk, buf[:n])
			s.emit(chunk)
		}
		if err != nil {
			break
		}
	}

	waitErr := proc.Wait()
	code, sig := exitStatus(proc, waitErr)
	s.exitCode.Store(int64(code))
	s.exitSignal.Store(sig)

	if s.stopping.Load() {
		reason, _ := s.stopReason.Load().(StopReason)
		s.finalize(reason, false)
		return
	}

	if s.src.RestartsOnFailure() && code != 0 {
		s.scheduleRestart()
		return
	}

	if code != 0 {
		s.logger.Warn("transcoder exited unexpectedly",
			slog.Int("exit_code", code),
			slog.String("signal", sig),
			slog.String("last_error", s.LastStderrLine()))
		s.finalize(StopReasonFailed, true)
		return
	}
	s.finalize(StopReasonEnded, true)
}

// scheduleRestart restarts the process after a linear backoff capped by
// RestartBackoffCap. Deliberate stops observed during the delay win.
func (s *Session) scheduleRestart() {
	attempt := s.restarts.Add(1)
	delay := time.Duration(attempt) * restartBackoffStep
	if delay > s.config.RestartBackoffCap {
		delay = s.config.RestartBackoffCap
	}

	s.logger.Info("restarting transcoder after failure",
		slog.Int64("attempt", attempt),
		slog.Duration("backoff", delay),
		slog.String("last_error", s.LastStderrLine()))

	select {
	case <-time.After(delay):
	case <-s.ctx.Done():
		reason, _ := s.stopReason.Load().(StopReason)
		s.finalize(reason, false)
		return
	}
	if s.stopping.Load() {
		reason, _ := s.stopReason.Load().(StopReason)
		s.finalize(reason, false)
		return
	}

	if err := s.spawn(); err != nil {
		s.logger.Error("transcoder restart failed", slog.String("error", err.Error()))
		s.finalize(StopReasonFailed, true)
		return
	}

	// Stop may have raced the respawn: its signal went to the previous,
	// already dead process. Take down the one just started.
	if s.stopping.Load() {
		s.procMu.Lock()
		proc := s.cmd
		s.procMu.Unlock()
		if proc != nil && proc.Process != nil {
			s.signalProcess(proc)
		}
	}
}

// emit appends a chunk to the rolling buffer and broadcasts it to consumers.
func (s *Session) emit(chunk []byte) {
	s.emitMu.Lock()
	s.buffer.Append(chunk)
	s.consumers.broadcast(chunk, s.config.ConsumerLagLimit)
	s.emitMu.Unlock()

	s.totalBytes.Add(int64(len(chunk)))
	s.firstChunkOnce.Do(func() { close(s.firstChunk) })
}

// CreateConsumer attaches a new consumer to the session's output. Returns nil
// when no process is running.
func (s *Session) CreateConsumer(opts ConsumerOptions) *Consumer {
	if !s.Running() {
		return nil
	}

	c := newConsumer()

	s.emitMu.Lock()
	if opts.Prime {
		for _, chunk := range s.buffer.Snapshot() {
			// Priming a fresh consumer cannot exceed the lag limit unless
			// the rolling buffer itself is larger; drop overflow silently.
			if !c.offer(chunk, s.config.ConsumerLagLimit) {
				break
			}
		}
	}
	s.consumers.add(c)
	s.emitMu.Unlock()

	return c
}

// RemoveConsumer detaches and destroys a consumer.
func (s *Session) RemoveConsumer(c *Consumer) {
	if c == nil {
		return
	}
	s.consumers.remove(c.ID)
	c.destroy(false)
}

// WaitForFirstChunk blocks until the first output chunk has been observed,
// the timeout elapses or ctx is done. Returns true only in the first case.
func (s *Session) WaitForFirstChunk(ctx context.Context, timeout time.Duration) bool {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-s.firstChunk:
		return true
	case <-timer.C:
		return false
	case <-ctx.Done():
		return false
	}
}

// Stop terminates the session. Idempotent: the first call sends one terminate
// signal and arms the kill timer; later calls are no-ops. With discard set,
// consumers are destroyed immediately instead of drained.
func (s *Session) Stop(reason StopReason, discardConsumers bool) {
	if !s.stopping.CompareAndSwap(false, true) {
		return
	}
	s.stopReason.Store(reason)
	s.discard.Store(discardConsumers)

	s.procMu.Lock()
	proc := s.cmd
	stdin := s.stdin
	s.procMu.Unlock()

	if stdin != nil {
		_ = stdin.Close()
	}

	if proc == nil || proc.Process == nil {
		s.finalize(reason, false)
		return
	}
	s.signalProcess(proc)
}

// signalProcess sends one terminate signal to the process and arms the kill
// timer for it.
func (s *Session) signalProcess(proc *exec.Cmd) {
	s.termSignals.Add(1)
	if err := proc.Process.Signal(syscall.SIGTERM); err != nil {
		// Already gone; the output loop finalizes.
		return
	}

	killTimeout := s.config.KillTimeout
	pid := proc.Process.Pid
	time.AfterFunc(killTimeout, func() {
		if s.terminated.Load() {
			return
		}
		if s.forceKills.CompareAndSwap(0, 1) {
			s.logger.Warn("transcoder did not exit in time, killing",
				slog.Int("pid", pid),
				slog.Duration("kill_timeout", killTimeout))
			_ = proc.Process.Kill()
		}
	})
}

// finalize releases consumers and reports termination exactly once.
func (s *Session) finalize(reason StopReason, unexpected bool) {
	if !s.terminated.CompareAndSwap(false, true) {
		return
	}
	s.cancel()

	s.consumers.closeAll(s.discard.Load())

	stats := s.Stats()
	s.logger.Info("session terminated",
		slog.String("reason", string(reason)),
		slog.Bool("unexpected", unexpected),
		slog.Int64("total_bytes", stats.TotalBytes),
		slog.Int64("restarts", stats.Restarts))

	if s.onTerminate != nil {
		s.onTerminate(TerminationInfo{Stats: stats, Reason: reason, Unexpected: unexpected})
	}
}

// Running reports whether the session has a live process.
func (s *Session) Running() bool {
	if !s.started.Load() || s.terminated.Load() {
		return false
	}
	s.procMu.Lock()
	defer s.procMu.Unlock()
	return s.cmd != nil && s.cmd.Process != nil
}

// Terminated reports whether the session has fully ended.
func (s *Session) Terminated() bool {
	return s.terminated.Load()
}

// Stats returns a snapshot of session counters.
func (s *Session) Stats() SessionStats {
	sig, _ := s.exitSignal.Load().(string)
	stats := SessionStats{
		ID:            s.id,
		Zone:          s.zone,
		Profile:       s.profile,
		Source:        s.src.Describe(),
		StartedAt:     s.startedAt,
		BytesPerSec:   s.byteRate.Load(),
		BufferedBytes: s.buffer.Bytes(),
		TotalBytes:    s.totalBytes.Load(),
		Consumers:     s.consumers.count(),
		Drops:         s.consumers.dropCount(),
		Restarts:      s.restarts.Load(),
		LastError:     s.LastStderrLine(),
		ExitCode:      int(s.exitCode.Load()),
		ExitSignal:    sig,
	}

	s.procMu.Lock()
	proc := s.cmd
	s.procMu.Unlock()
	if !s.terminated.Load() && proc != nil && proc.Process != nil {
		stats.Process = processUsage(int32(proc.Process.Pid))
	}

	return stats
}

// measureRate samples total bytes at 1 Hz for the bytes/sec stat.
func (s *Session) measureRate() {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	last := s.totalBytes.Load()
	for {
		select {
		case <-s.ctx.Done():
			s.byteRate.Store(0)
			return
		case <-ticker.C:
			now := s.totalBytes.Load()
			s.byteRate.Store(now - last)
			last = now
		}
	}
}

// readStderr captures recent transcoder diagnostic lines. The transcoder uses
// carriage returns for progress updates, so both \r and \n delimit lines.
func (s *Session) readStderr(stderr io.Reader) {
	scanner := bufio.NewScanner(stderr)
	scanner.Split(scanLinesWithCR)

	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.Contains(line, "size=") {
			continue
		}
		s.stderrMu.Lock()
		s.stderrLines = append(s.stderrLines, line)
		if len(s.stderrLines) > maxStderrLines {
			s.stderrLines = s.stderrLines[1:]
		}
		s.stderrMu.Unlock()
	}
}

// LastStderrLine returns the most recent diagnostic line, if any.
func (s *Session) LastStderrLine() string {
	s.stderrMu.RLock()
	defer s.stderrMu.RUnlock()
	if len(s.stderrLines) == 0 {
		return ""
	}
	return s.stderrLines[len(s.stderrLines)-1]
}

// StderrLines returns a copy of the retained diagnostic lines.
func (s *Session) StderrLines() []string {
	s.stderrMu.RLock()
	defer s.stderrMu.RUnlock()
	lines := make([]string, len(s.stderrLines))
	copy(lines, s.stderrLines)
	return lines
}

// exitStatus extracts the exit code and terminating signal name of a process.
func exitStatus(proc *exec.Cmd, waitErr error) (int, string) {
	if proc.ProcessState == nil {
		if waitErr != nil {
			return -1, ""
		}
		return 0, ""
	}
	code := proc.ProcessState.ExitCode()
	if ws, ok := proc.ProcessState.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
		return code, ws.Signal().String()
	}
	return code, ""
}

// scanLinesWithCR is a bufio.Scanner split function treating both \r and \n
// as line delimiters, needed because the transcoder rewrites progress lines
// with carriage returns.
func scanLinesWithCR(data []byte, atEOF bool) (advance int, token []byte, err error) {
	if atEOF && len(data) == 0 {
		return 0, nil, nil
	}
	for i := 0; i < len(data); i++ {
		if data[i] == '\r' || data[i] == '\n' {
			advance = i + 1
			for advance < len(data) && (data[advance] == '\r' || data[advance] == '\n') {
				advance++
			}
			return advance, data[0:i], nil
		}
	}
	if atEOF {
		return len(data), data, nil
	}
	return 0, nil, nil
}
