package handlers

import (
	"context"
	"sort"

	"github.com/danielgtaylor/huma/v2"

	"github.com/ogglobi/zonecast/internal/engine"
	"github.com/ogglobi/zonecast/internal/source"
	"github.com/ogglobi/zonecast/internal/wire"
)

// SchedulerStatsSource exposes per-client scheduler snapshots. The wire
// server satisfies it.
type SchedulerStatsSource interface {
	SchedulerStats() map[string]wire.SchedulerStats
	ClientCount() int
}

// SessionsHandler exposes transcoding session and scheduler statistics.
type SessionsHandler struct {
	engine    *engine.Engine
	scheduler SchedulerStatsSource
}

// NewSessionsHandler creates a sessions handler. scheduler may be nil.
func NewSessionsHandler(eng *engine.Engine, scheduler SchedulerStatsSource) *SessionsHandler {
	return &SessionsHandler{engine: eng, scheduler: scheduler}
}

// SessionsListInput is the (empty) input of the session list.
type SessionsListInput struct{}

// SessionsListOutput wraps the session list.
type SessionsListOutput struct {
	Body struct {
		Sessions []engine.SessionStats `json:"sessions"`
	}
}

// SessionStatsInput addresses a single session.
type SessionStatsInput struct {
	Zone    string `path:"zone" doc:"Zone key"`
	Profile string `path:"profile" doc:"Output profile" enum:"mp3,aac,pcm,opus,flac"`
}

// SessionStatsOutput wraps one session's statistics.
type SessionStatsOutput struct {
	Body engine.SessionStats
}

// WireStatsInput is the (empty) input of the wire stats endpoint.
type WireStatsInput struct{}

// WireStatsOutput wraps wire client scheduler statistics.
type WireStatsOutput struct {
	Body struct {
		Clients    int                            `json:"clients"`
		Schedulers map[string]wire.SchedulerStats `json:"schedulers"`
	}
}

// Register registers the statistics routes.
func (h *SessionsHandler) Register(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "listSessions",
		Method:      "GET",
		Path:        "/api/v1/sessions",
		Summary:     "List transcoding sessions",
		Tags:        []string{"Sessions"},
	}, h.ListSessions)

	huma.Register(api, huma.Operation{
		OperationID: "getSessionStats",
		Method:      "GET",
		Path:        "/api/v1/zones/{zone}/sessions/{profile}",
		Summary:     "Get one session's statistics",
		Tags:        []string{"Sessions"},
	}, h.GetSessionStats)

	huma.Register(api, huma.Operation{
		OperationID: "getWireStats",
		Method:      "GET",
		Path:        "/api/v1/wire/stats",
		Summary:     "Get wire client scheduler statistics",
		Tags:        []string{"Wire"},
	}, h.GetWireStats)
}

// ListSessions returns statistics for every live session, ordered by zone.
func (h *SessionsHandler) ListSessions(ctx context.Context, input *SessionsListInput) (*SessionsListOutput, error) {
	stats := h.engine.AllStats()
	sort.Slice(stats, func(i, j int) bool {
		if stats[i].Zone != stats[j].Zone {
			return stats[i].Zone < stats[j].Zone
		}
		return stats[i].Profile < stats[j].Profile
	})

	out := &SessionsListOutput{}
	out.Body.Sessions = stats
	return out, nil
}

// GetSessionStats returns one session's statistics.
func (h *SessionsHandler) GetSessionStats(ctx context.Context, input *SessionStatsInput) (*SessionStatsOutput, error) {
	stats, err := h.engine.SessionStats(input.Zone, source.Profile(input.Profile))
	if err != nil {
		return nil, huma.Error404NotFound("no session for zone and profile")
	}
	return &SessionStatsOutput{Body: stats}, nil
}

// GetWireStats returns per-client scheduler snapshots.
func (h *SessionsHandler) GetWireStats(ctx context.Context, input *WireStatsInput) (*WireStatsOutput, error) {
	out := &WireStatsOutput{}
	out.Body.Schedulers = map[string]wire.SchedulerStats{}
	if h.scheduler != nil {
		out.Body.Clients = h.scheduler.ClientCount()
		out.Body.Schedulers = h.scheduler.SchedulerStats()
	}
	return out, nil
}
