// Package server wires the engine, wire server and zone state together.
package server

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/ogglobi/zonecast/internal/engine"
	"github.com/ogglobi/zonecast/internal/source"
	"github.com/ogglobi/zonecast/internal/wire"
)

// EngineProvider opens engine byte streams for wire clients. It remembers
// each zone's active source so a client asking for a profile the zone is not
// transcoding yet can have a session spawned on demand.
type EngineProvider struct {
	engine *engine.Engine
	logger *slog.Logger

	mu      sync.Mutex
	sources map[string]zonePlayback
}

type zonePlayback struct {
	src      source.Source
	settings source.OutputSettings
}

// NewEngineProvider creates the engine-backed stream provider.
func NewEngineProvider(eng *engine.Engine, logger *slog.Logger) *EngineProvider {
	if logger == nil {
		logger = slog.Default()
	}
	return &EngineProvider{
		engine:  eng,
		logger:  logger,
		sources: make(map[string]zonePlayback),
	}
}

// RecordPlayback remembers what a zone is currently playing. Called by the
// playback control path on every start.
func (p *EngineProvider) RecordPlayback(zone string, src source.Source, settings source.OutputSettings) {
	p.mu.Lock()
	p.sources[zone] = zonePlayback{src: src, settings: settings}
	p.mu.Unlock()
}

// ForgetPlayback clears a zone's remembered source. Called on stop.
func (p *EngineProvider) ForgetPlayback(zone string) {
	p.mu.Lock()
	delete(p.sources, zone)
	p.mu.Unlock()
}

// profileForCodec maps a negotiated wire codec to an output profile.
func profileForCodec(codec string) (source.Profile, error) {
	profile := source.Profile(codec)
	if !profile.Valid() {
		return "", fmt.Errorf("no output profile for codec %q", codec)
	}
	return profile, nil
}

// OpenStream attaches a wire client to the zone's session for the negotiated
// codec, spawning a session for that profile when the zone is playing but not
// yet transcoding it.
func (p *EngineProvider) OpenStream(zoneKey string, format wire.StreamFormat) (wire.StreamHandle, error) {
	profile, err := profileForCodec(format.Codec)
	if err != nil {
		return wire.StreamHandle{}, err
	}

	if !p.engine.HasSession(zoneKey, profile) {
		p.mu.Lock()
		playback, ok := p.sources[zoneKey]
		p.mu.Unlock()
		if !ok {
			return wire.StreamHandle{}, fmt.Errorf("zone %s has no active playback", zoneKey)
		}
		if err := p.engine.EnsureSession(zoneKey, playback.src, profile, playback.settings); err != nil {
			return wire.StreamHandle{}, fmt.Errorf("spawning %s session for zone %s: %w", profile, zoneKey, err)
		}
		p.logger.Info("spawned session for wire client",
			slog.String("zone", zoneKey),
			slog.String("profile", profile.String()))
	}

	// Prime so late joiners do not start from silence and encoded consumers
	// still observe the codec header chunk while it is buffered.
	consumer := p.engine.CreateStream(zoneKey, profile, engine.ConsumerOptions{Prime: true})
	if consumer == nil {
		return wire.StreamHandle{}, fmt.Errorf("zone %s session for %s is not running", zoneKey, profile)
	}

	var releaseOnce sync.Once
	return wire.StreamHandle{
		Upstream: consumer,
		Release: func() {
			releaseOnce.Do(func() {
				p.engine.ReleaseStream(zoneKey, profile, consumer)
			})
		},
		RestartEligible: p.engine.RestartEligible(zoneKey, profile),
	}, nil
}
