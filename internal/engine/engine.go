package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/ogglobi/zonecast/internal/source"
)

// Engine errors.
var (
	ErrEngineClosed   = errors.New("engine closed")
	ErrNoProfiles     = errors.New("no output profiles requested")
	ErrUnknownSession = errors.New("no session for zone and profile")
)

// sessionKey identifies one live session in the registry.
type sessionKey struct {
	zone    string
	profile source.Profile
}

// TerminationHandler receives final statistics whenever a session ends.
type TerminationHandler func(zone string, profile source.Profile, info TerminationInfo)

// EngineConfig configures the session registry.
type EngineConfig struct {
	// FFmpegPath is the resolved transcoder binary.
	FFmpegPath string
	// KillTimeout, RestartBackoffCap and ConsumerLagLimit are forwarded to
	// each session.
	KillTimeout       time.Duration
	RestartBackoffCap time.Duration
	ConsumerLagLimit  int64
	// HandoffTimeout bounds the readiness wait of StartWithHandoff.
	HandoffTimeout time.Duration
	// Logger for structured logging.
	Logger *slog.Logger
}

// HandoffOptions tunes StartWithHandoff.
type HandoffOptions struct {
	// WaitProfile designates which profile's first chunk gates the switch.
	// Defaults to the first requested profile.
	WaitProfile source.Profile
	// Timeout overrides EngineConfig.HandoffTimeout when positive.
	Timeout time.Duration
}

// Engine is the session registry, keyed by zone and output profile. The
// registry map is the single source of truth for what is live; all map
// updates happen atomically under the engine mutex.
type Engine struct {
	config EngineConfig
	logger *slog.Logger

	mu       sync.RWMutex
	sessions map[sessionKey]*Session
	closed   bool

	onTerminate TerminationHandler
}

// NewEngine creates a session registry. onTerminate may be nil.
func NewEngine(config EngineConfig, onTerminate TerminationHandler) *Engine {
	if config.Logger == nil {
		config.Logger = slog.Default()
	}
	if config.HandoffTimeout <= 0 {
		config.HandoffTimeout = 8 * time.Second
	}
	return &Engine{
		config:      config,
		logger:      config.Logger,
		sessions:    make(map[sessionKey]*Session),
		onTerminate: onTerminate,
	}
}

// sessionConfig derives the per-session configuration.
func (e *Engine) sessionConfig() SessionConfig {
	return SessionConfig{
		FFmpegPath:        e.config.FFmpegPath,
		KillTimeout:       e.config.KillTimeout,
		RestartBackoffCap: e.config.RestartBackoffCap,
		ConsumerLagLimit:  e.config.ConsumerLagLimit,
		Logger:            e.logger,
	}
}

// newSession builds a session whose termination callback removes it from the
// registry, but only while it is still the registered entry for its key.
func (e *Engine) newSession(zone string, src source.Source, profile source.Profile, settings source.OutputSettings) *Session {
	key := sessionKey{zone: zone, profile: profile}
	var s *Session
	s = NewSession(zone, src, profile, settings, e.sessionConfig(), func(info TerminationInfo) {
		e.mu.Lock()
		if e.sessions[key] == s {
			delete(e.sessions, key)
		}
		e.mu.Unlock()

		if e.onTerminate != nil {
			e.onTerminate(zone, profile, info)
		}
	})
	return s
}

// Start tears down any existing sessions for the zone and starts one new
// session per requested profile.
func (e *Engine) Start(zone string, src source.Source, profiles []source.Profile, settings source.OutputSettings) error {
	if len(profiles) == 0 {
		return ErrNoProfiles
	}

	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return ErrEngineClosed
	}
	old := e.takeZoneLocked(zone)
	e.mu.Unlock()

	for _, prev := range old {
		prev.Stop(StopReasonStop, true)
	}

	started, err := e.startSet(zone, src, profiles, settings)
	if err != nil {
		return err
	}

	e.mu.Lock()
	for _, s := range started {
		// A session that died before registration already ran its
		// termination callback; registering it would leave a stale entry.
		if s.Terminated() {
			continue
		}
		e.sessions[sessionKey{zone: zone, profile: s.Profile()}] = s
	}
	e.mu.Unlock()

	return nil
}

// StartWithHandoff replaces the zone's sessions without first tearing them
// down. The new sessions are published immediately so new consumers bind to
// the new stream; the old ones are retired only once the designated profile
// has produced its first chunk. On timeout the switch is rolled back and the
// previous sessions stay registered. Rollback is not an error: playback
// continuity is preserved and the outcome is logged.
func (e *Engine) StartWithHandoff(ctx context.Context, zone string, src source.Source, profiles []source.Profile, settings source.OutputSettings, opts HandoffOptions) error {
	if len(profiles) == 0 {
		return ErrNoProfiles
	}
	waitProfile := opts.WaitProfile
	if waitProfile == "" {
		waitProfile = profiles[0]
	} else if !containsProfile(profiles, waitProfile) {
		return fmt.Errorf("wait profile %s is not among the requested profiles", waitProfile)
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = e.config.HandoffTimeout
	}

	started, err := e.startSet(zone, src, profiles, settings)
	if err != nil {
		return err
	}

	var waitSession *Session
	old := make(map[sessionKey]*Session)

	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		for _, s := range started {
			s.Stop(StopReasonShutdown, true)
		}
		return ErrEngineClosed
	}
	for _, s := range started {
		if s.Profile() == waitProfile {
			waitSession = s
		}
		if s.Terminated() {
			continue
		}
		key := sessionKey{zone: zone, profile: s.Profile()}
		if prev, ok := e.sessions[key]; ok {
			old[key] = prev
		}
		e.sessions[key] = s
	}
	e.mu.Unlock()

	ready := waitSession.WaitForFirstChunk(ctx, timeout)
	if ready {
		for _, prev := range old {
			prev.Stop(StopReasonSwitch, false)
		}
		e.logger.Info("handoff complete",
			slog.String("zone", zone),
			slog.String("source", src.Describe()))
		return nil
	}

	// Roll back: restore the previous set atomically, then stop the
	// replacements. Keys that had no previous session are cleared, as are
	// keys whose previous session died during the wait; its termination
	// callback could not unregister it while the key pointed at the
	// replacement.
	e.mu.Lock()
	for _, s := range started {
		key := sessionKey{zone: zone, profile: s.Profile()}
		if e.sessions[key] != s {
			continue
		}
		if prev, ok := old[key]; ok && !prev.Terminated() {
			e.sessions[key] = prev
		} else {
			delete(e.sessions, key)
		}
	}
	e.mu.Unlock()

	for _, s := range started {
		s.Stop(StopReasonFailed, true)
	}

	e.logger.Warn("handoff rolled back, previous sessions remain active",
		slog.String("zone", zone),
		slog.String("source", src.Describe()),
		slog.Duration("timeout", timeout))
	return nil
}

func containsProfile(profiles []source.Profile, want source.Profile) bool {
	for _, p := range profiles {
		if p == want {
			return true
		}
	}
	return false
}

// startSet creates and starts one session per profile. If any session fails
// to start, the already started ones are stopped and the error is returned.
func (e *Engine) startSet(zone string, src source.Source, profiles []source.Profile, settings source.OutputSettings) ([]*Session, error) {
	started := make([]*Session, 0, len(profiles))
	for _, profile := range profiles {
		if !profile.Valid() {
			for _, s := range started {
				s.Stop(StopReasonFailed, true)
			}
			return nil, fmt.Errorf("invalid output profile %q", profile)
		}
		s := e.newSession(zone, src, profile, settings)
		if err := s.Start(); err != nil {
			for _, prev := range started {
				prev.Stop(StopReasonFailed, true)
			}
			return nil, fmt.Errorf("starting %s session for zone %s: %w", profile, zone, err)
		}
		started = append(started, s)
	}
	return started, nil
}

// EnsureSession starts a session for one profile if none is live, leaving
// the zone's other sessions untouched. Used when a wire client asks for a
// profile the zone is not transcoding yet.
func (e *Engine) EnsureSession(zone string, src source.Source, profile source.Profile, settings source.OutputSettings) error {
	key := sessionKey{zone: zone, profile: profile}

	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return ErrEngineClosed
	}
	if _, ok := e.sessions[key]; ok {
		e.mu.Unlock()
		return nil
	}
	e.mu.Unlock()

	started, err := e.startSet(zone, src, []source.Profile{profile}, settings)
	if err != nil {
		return err
	}

	e.mu.Lock()
	if _, ok := e.sessions[key]; ok {
		// Lost the race; keep the established session.
		e.mu.Unlock()
		started[0].Stop(StopReasonStop, true)
		return nil
	}
	if started[0].Terminated() {
		e.mu.Unlock()
		return fmt.Errorf("%s session for zone %s ended before registration", profile, zone)
	}
	e.sessions[key] = started[0]
	e.mu.Unlock()
	return nil
}

// RestartEligible reports whether the zone's session for this profile uses a
// source that restarts on failure.
func (e *Engine) RestartEligible(zone string, profile source.Profile) bool {
	s := e.session(zone, profile)
	return s != nil && s.src.RestartsOnFailure()
}

// Stop tears down all sessions for a zone. Missing sessions are not an error.
func (e *Engine) Stop(zone string) {
	e.mu.Lock()
	old := e.takeZoneLocked(zone)
	e.mu.Unlock()

	for _, s := range old {
		s.Stop(StopReasonStop, false)
	}
}

// takeZoneLocked removes and returns all of a zone's sessions. Caller holds mu.
func (e *Engine) takeZoneLocked(zone string) []*Session {
	var taken []*Session
	for key, s := range e.sessions {
		if key.zone == zone {
			taken = append(taken, s)
			delete(e.sessions, key)
		}
	}
	return taken
}

// CreateStream attaches a consumer to the zone's session for the given
// profile. Returns nil when no session is live.
func (e *Engine) CreateStream(zone string, profile source.Profile, opts ConsumerOptions) *Consumer {
	s := e.session(zone, profile)
	if s == nil {
		return nil
	}
	return s.CreateConsumer(opts)
}

// ReleaseStream detaches a consumer from the zone's session, if still live.
func (e *Engine) ReleaseStream(zone string, profile source.Profile, c *Consumer) {
	s := e.session(zone, profile)
	if s == nil {
		if c != nil {
			c.destroy(false)
		}
		return
	}
	s.RemoveConsumer(c)
}

// WaitForFirstChunk delegates to the zone's session for the given profile.
// Returns false when no session is live.
func (e *Engine) WaitForFirstChunk(ctx context.Context, zone string, profile source.Profile, timeout time.Duration) bool {
	s := e.session(zone, profile)
	if s == nil {
		return false
	}
	return s.WaitForFirstChunk(ctx, timeout)
}

// HasSession reports whether a live session exists for zone and profile.
func (e *Engine) HasSession(zone string, profile source.Profile) bool {
	return e.session(zone, profile) != nil
}

// SessionStats returns statistics for one session.
func (e *Engine) SessionStats(zone string, profile source.Profile) (SessionStats, error) {
	s := e.session(zone, profile)
	if s == nil {
		return SessionStats{}, ErrUnknownSession
	}
	return s.Stats(), nil
}

// AllStats returns statistics for every registered session.
func (e *Engine) AllStats() []SessionStats {
	e.mu.RLock()
	sessions := make([]*Session, 0, len(e.sessions))
	for _, s := range e.sessions {
		sessions = append(sessions, s)
	}
	e.mu.RUnlock()

	stats := make([]SessionStats, 0, len(sessions))
	for _, s := range sessions {
		stats = append(stats, s.Stats())
	}
	return stats
}

// session looks up the live session for a key.
func (e *Engine) session(zone string, profile source.Profile) *Session {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.sessions[sessionKey{zone: zone, profile: profile}]
}

// Close stops every session and rejects further starts.
func (e *Engine) Close() {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	e.closed = true
	all := make([]*Session, 0, len(e.sessions))
	for key, s := range e.sessions {
		all = append(all, s)
		delete(e.sessions, key)
	}
	e.mu.Unlock()

	for _, s := range all {
		s.Stop(StopReasonShutdown, true)
	}
}
