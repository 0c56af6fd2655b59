package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/ogglobi/zonecast/internal/config"
	"github.com/ogglobi/zonecast/internal/discovery"
	"github.com/ogglobi/zonecast/internal/engine"
	"github.com/ogglobi/zonecast/internal/ffmpeg"
	internalhttp "github.com/ogglobi/zonecast/internal/http"
	"github.com/ogglobi/zonecast/internal/http/handlers"
	"github.com/ogglobi/zonecast/internal/server"
	"github.com/ogglobi/zonecast/internal/source"
	"github.com/ogglobi/zonecast/internal/version"
	"github.com/ogglobi/zonecast/internal/wire"
	"github.com/ogglobi/zonecast/internal/zone"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the zonecast server",
	Long: `Start the zonecast control API and wire server.

The server provides:
- REST API for starting and stopping zone playback
- Websocket wire endpoint delivering timestamped audio frames
- Health check endpoint
- OpenAPI documentation at /docs`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)

	// Server flags
	serveCmd.Flags().String("host", "0.0.0.0", "Host to bind the control API to")
	serveCmd.Flags().Int("port", 7091, "Control API port")
	serveCmd.Flags().Int("wire-port", 7095, "Wire protocol port")
	serveCmd.Flags().String("ffmpeg", "", "Path to the ffmpeg binary (default: auto-detect)")
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return fmt.Errorf("loading configuration: %w", err)
	}

	// CLI flags override config/env only when explicitly set.
	if cmd.Flags().Changed("host") {
		cfg.Server.Host, _ = cmd.Flags().GetString("host")
	}
	if cmd.Flags().Changed("port") {
		cfg.Server.Port, _ = cmd.Flags().GetInt("port")
	}
	if cmd.Flags().Changed("wire-port") {
		cfg.Wire.Port, _ = cmd.Flags().GetInt("wire-port")
	}
	if cmd.Flags().Changed("ffmpeg") {
		cfg.FFmpeg.BinaryPath, _ = cmd.Flags().GetString("ffmpeg")
	}

	logger := slog.Default()

	detector := ffmpeg.NewBinaryDetector(cfg.FFmpeg.BinaryPath)
	binary, err := detector.Detect(cmd.Context())
	if err != nil {
		return fmt.Errorf("detecting ffmpeg binary: %w", err)
	}
	logger.Info("detected ffmpeg",
		slog.String("path", binary.FFmpegPath),
		slog.String("version", binary.Version),
	)

	eng := engine.NewEngine(engine.EngineConfig{
		FFmpegPath:        binary.FFmpegPath,
		KillTimeout:       cfg.Engine.KillTimeout,
		RestartBackoffCap: cfg.Engine.RestartBackoffCap,
		ConsumerLagLimit:  int64(cfg.Engine.ConsumerLagLimit),
		HandoffTimeout:    cfg.Engine.HandoffTimeout,
		Logger:            logger,
	}, nil)

	zones := zone.NewRegistry()
	provider := server.NewEngineProvider(eng, logger)

	wireServer := wire.NewServer(wire.ServerConfig{
		Host: cfg.Wire.Host,
		Port: cfg.Wire.Port,
		DefaultFormat: wire.StreamFormat{
			Codec:      "pcm",
			SampleRate: cfg.Audio.SampleRate,
			Channels:   cfg.Audio.Channels,
			BitDepth:   cfg.Audio.BitDepth,
		},
		Scheduler: wire.SchedulerConfig{
			TargetLeadUs:      cfg.Wire.TargetLead.Microseconds(),
			LeadMarginUs:      cfg.Wire.LeadMargin.Microseconds(),
			AnchorLeadUs:      cfg.Wire.AnchorLead.Microseconds(),
			ClientBufferBytes: int64(cfg.Wire.ClientBufferDefault),
			FrameHistoryLimit: cfg.Wire.FrameHistoryLimit,
			RestartDebounce:   cfg.Wire.RestartDebounce,
			Logger:            logger,
		},
		Logger: logger,
	}, wire.NewClock(), provider, zones, nil)

	if err := wireServer.Start(); err != nil {
		return fmt.Errorf("starting wire server: %w", err)
	}

	httpServer := internalhttp.NewServer(internalhttp.ServerConfig{
		Host:            cfg.Server.Host,
		Port:            cfg.Server.Port,
		ReadTimeout:     cfg.Server.ReadTimeout,
		WriteTimeout:    cfg.Server.WriteTimeout,
		ShutdownTimeout: cfg.Server.ShutdownTimeout,
	}, logger, version.Version)

	defaultSettings := source.OutputSettings{
		SampleRate:     cfg.Audio.SampleRate,
		Channels:       cfg.Audio.Channels,
		PCMBitDepth:    cfg.Audio.BitDepth,
		BitrateKbps:    cfg.Audio.BitrateKbps,
		PrebufferBytes: int64(cfg.Engine.RollingBuffer),
		GainDB:         cfg.Audio.GainDB,
	}

	healthHandler := handlers.NewHealthHandler(version.Version)
	healthHandler.Register(httpServer.API())

	sessionsHandler := handlers.NewSessionsHandler(eng, wireServer)
	sessionsHandler.Register(httpServer.API())

	zonesHandler := handlers.NewZonesHandler(eng, zones, provider, wireServer, defaultSettings, logger)
	zonesHandler.Register(httpServer.API())

	var advertiser *discovery.Advertiser
	if cfg.Discovery.Enabled {
		advertiser = discovery.NewAdvertiser(discovery.Config{
			InstanceName: cfg.Discovery.Name,
			Port:         cfg.Wire.Port,
			Logger:       logger,
		})
		if err := advertiser.Start(); err != nil {
			logger.Warn("mdns advertisement unavailable", slog.String("error", err.Error()))
			advertiser = nil
		}
	}

	// Setup graceful shutdown
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	serveErr := make(chan error, 1)
	go func() {
		serveErr <- httpServer.Start()
	}()

	logger.Info("zonecast server started",
		slog.String("api", cfg.Server.Address()),
		slog.String("wire", wireServer.Addr()),
		slog.String("version", version.Version),
	)

	select {
	case sig := <-sigChan:
		logger.Info("received shutdown signal", slog.String("signal", sig.String()))
	case err := <-serveErr:
		if err != nil {
			return err
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	if advertiser != nil {
		advertiser.Stop()
	}
	if err := wireServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("wire server shutdown", slog.String("error", err.Error()))
	}
	if err := httpServer.Stop(shutdownCtx); err != nil {
		logger.Warn("control API shutdown", slog.String("error", err.Error()))
	}
	eng.Close()

	logger.Info("zonecast server stopped")
	return nil
}
