package handlers

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/danielgtaylor/huma/v2"

	"github.com/ogglobi/zonecast/internal/engine"
	"github.com/ogglobi/zonecast/internal/source"
	"github.com/ogglobi/zonecast/internal/wire"
	"github.com/ogglobi/zonecast/internal/zone"
)

// PlaybackRecorder learns what each zone is playing so wire clients can have
// sessions spawned on demand.
type PlaybackRecorder interface {
	RecordPlayback(zone string, src source.Source, settings source.OutputSettings)
	ForgetPlayback(zone string)
}

// MetadataPublisher pushes now-playing metadata to a zone's connected clients.
type MetadataPublisher interface {
	PublishMetadata(zone string, meta wire.MetadataPayload)
}

// ZonesHandler maps zone playback operations onto the engine.
type ZonesHandler struct {
	engine   *engine.Engine
	zones    *zone.Registry
	recorder PlaybackRecorder
	metadata MetadataPublisher
	settings source.OutputSettings
	logger   *slog.Logger
}

// NewZonesHandler creates a zones handler. settings are the server's default
// output settings, applied to every started session. recorder and metadata
// may be nil.
func NewZonesHandler(eng *engine.Engine, zones *zone.Registry, recorder PlaybackRecorder, metadata MetadataPublisher, settings source.OutputSettings, logger *slog.Logger) *ZonesHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &ZonesHandler{engine: eng, zones: zones, recorder: recorder, metadata: metadata, settings: settings, logger: logger}
}

// SourceSpec is the request-side playback source descriptor.
type SourceSpec struct {
	Type string `json:"type" enum:"file,url,pipe" doc:"Source kind"`

	// File and pipe sources.
	Path string `json:"path,omitempty"`

	// File sources.
	Loop       bool    `json:"loop,omitempty"`
	PadTailSec float64 `json:"pad_tail_sec,omitempty"`
	PreDelayMs int     `json:"pre_delay_ms,omitempty"`

	// URL sources.
	URL              string            `json:"url,omitempty"`
	Headers          map[string]string `json:"headers,omitempty"`
	DecryptionKey    string            `json:"decryption_key,omitempty"`
	TLSVerifyHost    *bool             `json:"tls_verify_host,omitempty"`
	InputFormat      string            `json:"input_format,omitempty"`
	LowLatency       bool              `json:"low_latency,omitempty"`
	RestartOnFailure bool              `json:"restart_on_failure,omitempty"`

	// Pipe sources.
	Format     string `json:"format,omitempty"`
	SampleRate int    `json:"sample_rate,omitempty"`
	Channels   int    `json:"channels,omitempty"`

	// Common.
	StartAtSec float64 `json:"start_at_sec,omitempty"`
	RealTime   bool    `json:"real_time,omitempty"`
}

// toSource converts the descriptor into a playback source.
func (s SourceSpec) toSource() (source.Source, error) {
	switch s.Type {
	case "file":
		if s.Path == "" {
			return nil, fmt.Errorf("file source needs a path")
		}
		return source.FileSource{
			Path:       s.Path,
			Loop:       s.Loop,
			PadTailSec: s.PadTailSec,
			PreDelayMs: s.PreDelayMs,
			StartAtSec: s.StartAtSec,
			RealTime:   s.RealTime,
		}, nil
	case "url":
		if s.URL == "" {
			return nil, fmt.Errorf("url source needs a url")
		}
		verify := true
		if s.TLSVerifyHost != nil {
			verify = *s.TLSVerifyHost
		}
		return source.URLSource{
			URL:              s.URL,
			Headers:          s.Headers,
			DecryptionKey:    s.DecryptionKey,
			TLSVerifyHost:    verify,
			InputFormat:      s.InputFormat,
			StartAtSec:       s.StartAtSec,
			RealTime:         s.RealTime,
			LowLatency:       s.LowLatency,
			RestartOnFailure: s.RestartOnFailure,
		}, nil
	case "pipe":
		if s.Path == "" {
			return nil, fmt.Errorf("pipe source needs a path")
		}
		return source.PipeSource{
			Path:       s.Path,
			Format:     s.Format,
			SampleRate: s.SampleRate,
			Channels:   s.Channels,
			RealTime:   s.RealTime,
		}, nil
	default:
		return nil, fmt.Errorf("unknown source type %q", s.Type)
	}
}

// PlayInput starts playback on a zone.
type PlayInput struct {
	Zone string `path:"zone" doc:"Zone key"`
	Body struct {
		Source   SourceSpec            `json:"source"`
		Profiles []string              `json:"profiles,omitempty" doc:"Output profiles; defaults to pcm"`
		Handoff  bool                  `json:"handoff,omitempty" doc:"Switch without tearing the current stream down first"`
		Metadata *wire.MetadataPayload `json:"metadata,omitempty" doc:"Now-playing metadata pushed to the zone's clients"`
	}
}

// PlayOutput reports what was started.
type PlayOutput struct {
	Body struct {
		Zone     string   `json:"zone"`
		Profiles []string `json:"profiles"`
	}
}

// StopInput stops playback on a zone.
type StopInput struct {
	Zone string `path:"zone" doc:"Zone key"`
}

// StopOutput is the empty stop response.
type StopOutput struct{}

// ZoneListInput is the (empty) input of the zone list.
type ZoneListInput struct{}

// ZoneListOutput wraps zone states keyed by zone.
type ZoneListOutput struct {
	Body struct {
		Zones map[string]zone.State `json:"zones"`
	}
}

// Register registers the zone routes.
func (h *ZonesHandler) Register(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "playZone",
		Method:      "POST",
		Path:        "/api/v1/zones/{zone}/play",
		Summary:     "Start playback on a zone",
		Tags:        []string{"Zones"},
	}, h.Play)

	huma.Register(api, huma.Operation{
		OperationID:   "stopZone",
		Method:        "POST",
		Path:          "/api/v1/zones/{zone}/stop",
		Summary:       "Stop playback on a zone",
		Tags:          []string{"Zones"},
		DefaultStatus: 204,
	}, h.Stop)

	huma.Register(api, huma.Operation{
		OperationID: "listZones",
		Method:      "GET",
		Path:        "/api/v1/zones",
		Summary:     "List zones and their states",
		Tags:        []string{"Zones"},
	}, h.ListZones)
}

// Play starts or switches playback on a zone.
func (h *ZonesHandler) Play(ctx context.Context, input *PlayInput) (*PlayOutput, error) {
	src, err := input.Body.Source.toSource()
	if err != nil {
		return nil, huma.Error422UnprocessableEntity(err.Error())
	}

	names := input.Body.Profiles
	if len(names) == 0 {
		names = []string{string(source.ProfilePCM)}
	}
	profiles := make([]source.Profile, 0, len(names))
	for _, name := range names {
		profile, err := source.ParseProfile(name)
		if err != nil {
			return nil, huma.Error422UnprocessableEntity(err.Error())
		}
		profiles = append(profiles, profile)
	}

	if input.Body.Handoff {
		err = h.engine.StartWithHandoff(ctx, input.Zone, src, profiles, h.settings, engine.HandoffOptions{})
	} else {
		err = h.engine.Start(input.Zone, src, profiles, h.settings)
	}
	if err != nil {
		h.logger.Error("zone playback failed to start",
			slog.String("zone", input.Zone),
			slog.String("error", err.Error()))
		return nil, huma.Error503ServiceUnavailable("zone unavailable")
	}

	if h.recorder != nil {
		h.recorder.RecordPlayback(input.Zone, src, h.settings)
	}
	h.zones.Update(input.Zone, func(state *zone.State) {
		if state.Name == "" {
			state.Name = input.Zone
		}
		state.Playing = true
	})
	if h.metadata != nil && input.Body.Metadata != nil {
		h.metadata.PublishMetadata(input.Zone, *input.Body.Metadata)
	}

	out := &PlayOutput{}
	out.Body.Zone = input.Zone
	out.Body.Profiles = names
	return out, nil
}

// Stop stops playback on a zone.
func (h *ZonesHandler) Stop(ctx context.Context, input *StopInput) (*StopOutput, error) {
	h.engine.Stop(input.Zone)
	if h.recorder != nil {
		h.recorder.ForgetPlayback(input.Zone)
	}
	h.zones.Update(input.Zone, func(state *zone.State) {
		state.Playing = false
	})
	return &StopOutput{}, nil
}

// ListZones returns every known zone's state.
func (h *ZonesHandler) ListZones(ctx context.Context, input *ZoneListInput) (*ZoneListOutput, error) {
	out := &ZoneListOutput{}
	out.Body.Zones = make(map[string]zone.State)
	for _, key := range h.zones.Zones() {
		if state, ok := h.zones.State(key); ok {
			out.Body.Zones[key] = state
		}
	}
	return out, nil
}
