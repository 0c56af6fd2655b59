package handlers

import (
	"context"
	"testing"

	"github.com/ogglobi/zonecast/internal/engine"
	"github.com/ogglobi/zonecast/internal/source"
	"github.com/ogglobi/zonecast/internal/wire"
	"github.com/ogglobi/zonecast/internal/zone"
)

func TestHealthHandler_GetHealth(t *testing.T) {
	handler := NewHealthHandler("1.0.0")

	output, err := handler.GetHealth(context.Background(), &HealthInput{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if output == nil {
		t.Fatal("expected non-nil output")
	}

	if output.Body.Status != "ok" {
		t.Errorf("expected status 'ok', got '%s'", output.Body.Status)
	}
	if output.Body.Version != "1.0.0" {
		t.Errorf("expected version '1.0.0', got '%s'", output.Body.Version)
	}
	if output.Body.Goroutines <= 0 {
		t.Errorf("expected positive goroutine count, got %d", output.Body.Goroutines)
	}
}

func testEngineForHandlers(t *testing.T) *engine.Engine {
	t.Helper()
	eng := engine.NewEngine(engine.EngineConfig{FFmpegPath: "/bin/false"}, nil)
	t.Cleanup(eng.Close)
	return eng
}

func TestSessionsHandler_ListSessionsEmpty(t *testing.T) {
	handler := NewSessionsHandler(testEngineForHandlers(t), nil)

	output, err := handler.ListSessions(context.Background(), &SessionsListInput{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(output.Body.Sessions) != 0 {
		t.Errorf("expected no sessions, got %d", len(output.Body.Sessions))
	}
}

func TestSessionsHandler_GetSessionStatsNotFound(t *testing.T) {
	handler := NewSessionsHandler(testEngineForHandlers(t), nil)

	_, err := handler.GetSessionStats(context.Background(), &SessionStatsInput{Zone: "kitchen", Profile: "pcm"})
	if err == nil {
		t.Fatal("expected error for unknown session")
	}
}

type stubSchedulerStats struct {
	clients int
	stats   map[string]wire.SchedulerStats
}

func (s stubSchedulerStats) SchedulerStats() map[string]wire.SchedulerStats { return s.stats }
func (s stubSchedulerStats) ClientCount() int                              { return s.clients }

func TestSessionsHandler_GetWireStats(t *testing.T) {
	stub := stubSchedulerStats{
		clients: 2,
		stats:   map[string]wire.SchedulerStats{"c1": {FramesSent: 7}},
	}
	handler := NewSessionsHandler(testEngineForHandlers(t), stub)

	output, err := handler.GetWireStats(context.Background(), &WireStatsInput{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if output.Body.Clients != 2 {
		t.Errorf("expected 2 clients, got %d", output.Body.Clients)
	}
	if output.Body.Schedulers["c1"].FramesSent != 7 {
		t.Errorf("expected 7 frames sent, got %d", output.Body.Schedulers["c1"].FramesSent)
	}
}

func TestSourceSpec_ToSource(t *testing.T) {
	tests := []struct {
		name    string
		spec    SourceSpec
		want    string
		wantErr bool
	}{
		{"file", SourceSpec{Type: "file", Path: "/a.mp3"}, "file:/a.mp3", false},
		{"url", SourceSpec{Type: "url", URL: "http://r/s"}, "url:http://r/s", false},
		{"pipe", SourceSpec{Type: "pipe", Path: "/tmp/fifo"}, "pipe:/tmp/fifo", false},
		{"file without path", SourceSpec{Type: "file"}, "", true},
		{"url without url", SourceSpec{Type: "url"}, "", true},
		{"pipe without path", SourceSpec{Type: "pipe"}, "", true},
		{"unknown type", SourceSpec{Type: "cassette"}, "", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			src, err := tt.spec.toSource()
			if tt.wantErr {
				if err == nil {
					t.Fatal("expected error")
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if src.Describe() != tt.want {
				t.Errorf("expected %q, got %q", tt.want, src.Describe())
			}
		})
	}
}

func TestSourceSpec_URLKeepsTLSVerifyDefault(t *testing.T) {
	src, err := SourceSpec{Type: "url", URL: "https://r/s"}.toSource()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !src.(source.URLSource).TLSVerifyHost {
		t.Error("expected TLS host verification to default on")
	}
}

func TestZonesHandler_PlayValidation(t *testing.T) {
	handler := NewZonesHandler(testEngineForHandlers(t), zone.NewRegistry(), nil, nil, source.OutputSettings{
		SampleRate: 44100, Channels: 2, PCMBitDepth: 16, BitrateKbps: 192, PrebufferBytes: 64 * 1024,
	}, nil)

	badSource := &PlayInput{Zone: "kitchen"}
	badSource.Body.Source = SourceSpec{Type: "file"}
	if _, err := handler.Play(context.Background(), badSource); err == nil {
		t.Error("expected error for invalid source")
	}

	badProfile := &PlayInput{Zone: "kitchen"}
	badProfile.Body.Source = SourceSpec{Type: "file", Path: "/a.mp3"}
	badProfile.Body.Profiles = []string{"wav"}
	if _, err := handler.Play(context.Background(), badProfile); err == nil {
		t.Error("expected error for unknown profile")
	}
}

func TestZonesHandler_StopAndList(t *testing.T) {
	zones := zone.NewRegistry()
	zones.Set("kitchen", zone.State{Name: "Kitchen", Playing: true})
	handler := NewZonesHandler(testEngineForHandlers(t), zones, nil, nil, source.OutputSettings{
		SampleRate: 44100, Channels: 2, PCMBitDepth: 16,
	}, nil)

	if _, err := handler.Stop(context.Background(), &StopInput{Zone: "kitchen"}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	state, ok := zones.State("kitchen")
	if !ok || state.Playing {
		t.Error("expected kitchen to stop playing")
	}

	output, err := handler.ListZones(context.Background(), &ZoneListInput{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, ok := output.Body.Zones["kitchen"]; !ok {
		t.Error("expected kitchen in zone list")
	}
}
