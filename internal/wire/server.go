package wire

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/ogglobi/zonecast/internal/zone"
)

const (
	writeTimeout    = 10 * time.Second
	idleTimeout     = 60 * time.Second
	pingInterval    = 25 * time.Second
	sendQueueDepth  = 256
	maxControlBytes = 64 * 1024
)

// ErrClientGone reports a send to a disconnected client.
var ErrClientGone = errors.New("client disconnected")

// Client connection states.
const (
	stateIdle int32 = iota
	stateStreaming
	stateDisconnected
)

// StreamHandle is an open upstream byte stream plus its release hook.
type StreamHandle struct {
	Upstream Upstream
	// Release detaches the upstream. Idempotent.
	Release func()
	// RestartEligible marks sources whose streams may be restarted after an
	// unexpected end.
	RestartEligible bool
}

// StreamProvider opens upstream byte streams for wire clients, spawning or
// reusing transcoding sessions as needed.
type StreamProvider interface {
	OpenStream(zoneKey string, format StreamFormat) (StreamHandle, error)
}

// ServerConfig configures the wire server.
type ServerConfig struct {
	Host string
	Port int
	// DefaultFormat fills unset fields of a client's requested format.
	DefaultFormat StreamFormat
	// Scheduler is the per-client pacing template.
	Scheduler SchedulerConfig
	// Logger for structured logging.
	Logger *slog.Logger
}

// Server accepts websocket wire clients and runs one scheduler per client.
type Server struct {
	config   ServerConfig
	clock    Clock
	provider StreamProvider
	zones    zone.Provider
	group    GroupBroadcaster
	logger   *slog.Logger

	upgrader websocket.Upgrader

	mu      sync.Mutex
	clients map[uuid.UUID]*Client

	httpServer *http.Server
	listener   net.Listener
}

// NewServer creates a wire server. zones and group may be nil.
func NewServer(config ServerConfig, clock Clock, provider StreamProvider, zones zone.Provider, group GroupBroadcaster) *Server {
	if config.Logger == nil {
		config.Logger = slog.Default()
	}
	if group == nil {
		group = NopBroadcaster{}
	}
	return &Server{
		config:   config,
		clock:    clock,
		provider: provider,
		zones:    zones,
		group:    group,
		logger:   config.Logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// Local-network playback clients, not browsers.
			CheckOrigin: func(*http.Request) bool { return true },
		},
		clients: make(map[uuid.UUID]*Client),
	}
}

// Addr returns the bound listen address once Start has been called.
func (s *Server) Addr() string {
	if s.listener == nil {
		return fmt.Sprintf("%s:%d", s.config.Host, s.config.Port)
	}
	return s.listener.Addr().String()
}

// Start binds the listener and serves until Shutdown.
func (s *Server) Start() error {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWS)

	addr := fmt.Sprintf("%s:%d", s.config.Host, s.config.Port)
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("binding wire listener on %s: %w", addr, err)
	}
	s.listener = listener
	s.httpServer = &http.Server{Handler: mux, ReadHeaderTimeout: 10 * time.Second}

	s.logger.Info("wire server listening", slog.String("address", listener.Addr().String()))

	go func() {
		if err := s.httpServer.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("wire server failed", slog.String("error", err.Error()))
		}
	}()
	return nil
}

// Shutdown disconnects every client and stops the listener.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	clients := make([]*Client, 0, len(s.clients))
	for _, c := range s.clients {
		clients = append(clients, c)
	}
	s.mu.Unlock()

	for _, c := range clients {
		c.close()
	}

	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}

// ClientCount returns the number of connected clients.
func (s *Server) ClientCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.clients)
}

// PublishMetadata sends now-playing metadata to every client in a zone and to
// the zone's group peers.
func (s *Server) PublishMetadata(zoneKey string, meta MetadataPayload) {
	env, err := NewEnvelope(MsgMetadata, meta)
	if err != nil {
		return
	}

	s.mu.Lock()
	clients := make([]*Client, 0, len(s.clients))
	for _, c := range s.clients {
		if c.zoneKey() == zoneKey {
			clients = append(clients, c)
		}
	}
	s.mu.Unlock()

	for _, c := range clients {
		_ = c.SendControl(env)
	}
	s.group.BroadcastMetadata(meta)
}

// SchedulerStats returns per-client scheduler snapshots keyed by client ID.
func (s *Server) SchedulerStats() map[string]SchedulerStats {
	s.mu.Lock()
	defer s.mu.Unlock()
	stats := make(map[string]SchedulerStats, len(s.clients))
	for id, c := range s.clients {
		stats[id.String()] = c.scheduler.Stats()
	}
	return stats
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", slog.String("error", err.Error()))
		return
	}

	c := newClient(s, conn)

	s.mu.Lock()
	s.clients[c.id] = c
	s.mu.Unlock()

	s.logger.Info("wire client connected",
		slog.String("client_id", c.id.String()),
		slog.String("remote", conn.RemoteAddr().String()))

	go c.writeLoop()
	c.readLoop()

	s.mu.Lock()
	delete(s.clients, c.id)
	s.mu.Unlock()
}

// outMessage is one queued transmit: either a binary frame or a JSON control
// envelope.
type outMessage struct {
	frame   []byte
	control *Envelope
}

// Client is one connected wire client. State machine: idle after
// identification, streaming while a play is active, disconnected after the
// socket drops. Frames and control messages are serialized through a single
// write loop.
type Client struct {
	id     uuid.UUID
	server *Server
	conn   *websocket.Conn
	logger *slog.Logger

	state atomic.Int32

	// identity fields are written once on identify but read from other
	// goroutines (metadata publication, stats).
	idMu sync.Mutex
	name string
	zone string

	scheduler *Scheduler

	send      chan outMessage
	closeOnce sync.Once
	closed    chan struct{}

	streamMu sync.Mutex
	cancel   context.CancelFunc
}

func newClient(s *Server, conn *websocket.Conn) *Client {
	c := &Client{
		id:     uuid.New(),
		server: s,
		conn:   conn,
		send:   make(chan outMessage, sendQueueDepth),
		closed: make(chan struct{}),
	}
	c.logger = s.logger.With(slog.String("client_id", c.id.String()))
	c.scheduler = NewScheduler(s.clock, s.config.Scheduler, c, s.group)
	return c
}

// zoneKey returns the zone the client identified with.
func (c *Client) zoneKey() string {
	c.idMu.Lock()
	defer c.idMu.Unlock()
	return c.zone
}

// SendFrame queues a binary frame. Never blocks the scheduler; a full queue
// means the socket writer has stalled and the connection is torn down.
func (c *Client) SendFrame(frame Frame) error {
	data := EncodeFrame(frame.Slot, frame.TimestampUs, frame.Payload)
	select {
	case c.send <- outMessage{frame: data}:
		return nil
	case <-c.closed:
		return ErrClientGone
	default:
		c.logger.Warn("send queue overflow, dropping client")
		c.close()
		return ErrClientGone
	}
}

// SendControl queues a JSON control message.
func (c *Client) SendControl(env Envelope) error {
	select {
	case c.send <- outMessage{control: &env}:
		return nil
	case <-c.closed:
		return ErrClientGone
	}
}

func (c *Client) close() {
	c.closeOnce.Do(func() {
		c.state.Store(stateDisconnected)
		c.stopStream()
		close(c.closed)
		_ = c.conn.Close()
	})
}

func (c *Client) writeLoop() {
	ping := time.NewTicker(pingInterval)
	defer ping.Stop()

	for {
		select {
		case msg := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			var err error
			if msg.frame != nil {
				err = c.conn.WriteMessage(websocket.BinaryMessage, msg.frame)
			} else {
				err = c.conn.WriteJSON(msg.control)
			}
			if err != nil {
				c.close()
				return
			}
		case <-ping.C:
			_ = c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeTimeout))
		case <-c.closed:
			return
		}
	}
}

func (c *Client) readLoop() {
	defer c.close()

	c.conn.SetReadLimit(maxControlBytes)
	_ = c.conn.SetReadDeadline(time.Now().Add(idleTimeout))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(idleTimeout))
	})

	for {
		msgType, data, err := c.conn.ReadMessage()
		if err != nil {
			c.logger.Debug("wire client read ended", slog.String("error", err.Error()))
			return
		}
		_ = c.conn.SetReadDeadline(time.Now().Add(idleTimeout))

		if msgType != websocket.TextMessage {
			// Binary from clients is not part of the protocol.
			c.logger.Debug("dropping non-text client message", slog.Int("type", msgType))
			continue
		}

		var env Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			c.logger.Warn("malformed control message", slog.String("error", err.Error()))
			continue
		}
		c.handleControl(env)
	}
}

func (c *Client) handleControl(env Envelope) {
	switch env.Type {
	case MsgIdentify:
		var payload IdentifyPayload
		if err := json.Unmarshal(env.Payload, &payload); err != nil {
			c.sendError("invalid identify payload")
			return
		}
		c.idMu.Lock()
		c.name = payload.Name
		c.zone = payload.Zone
		c.idMu.Unlock()
		c.state.Store(stateIdle)
		c.logger.Info("wire client identified",
			slog.String("name", payload.Name),
			slog.String("zone", payload.Zone))
		c.sendZoneState()

	case MsgTimeSync:
		receiveUs := c.server.clock.NowMicros()
		var payload TimeSyncPayload
		_ = json.Unmarshal(env.Payload, &payload)
		reply := TimeSyncReplyPayload{
			ClientTransmitUs: payload.ClientTransmitUs,
			ServerReceiveUs:  receiveUs,
			ServerTransmitUs: c.server.clock.NowMicros(),
		}
		if env, err := NewEnvelope(MsgTimeSyncReply, reply); err == nil {
			_ = c.SendControl(env)
		}

	case MsgPlay:
		if c.zoneKey() == "" {
			c.sendError("identify before play")
			return
		}
		var payload PlayPayload
		_ = json.Unmarshal(env.Payload, &payload)
		c.startStream(c.resolveFormat(payload.Codec, payload.SampleRate, payload.Channels, payload.BitDepth))

	case MsgFormatChange:
		var payload FormatChangePayload
		if err := json.Unmarshal(env.Payload, &payload); err != nil {
			c.sendError("invalid format-change payload")
			return
		}
		// Renegotiation is a full teardown and restart with the new format.
		c.stopStream()
		c.startStream(c.resolveFormat(payload.Codec, payload.SampleRate, payload.Channels, payload.BitDepth))

	case MsgStop:
		c.stopStream()
		c.state.Store(stateIdle)
		c.sendPlaybackState("stopped")

	default:
		c.logger.Debug("unhandled control message", slog.String("type", env.Type))
	}
}

// resolveFormat fills unset requested fields from the server defaults.
func (c *Client) resolveFormat(codec string, sampleRate, channels, bitDepth int) StreamFormat {
	format := c.server.config.DefaultFormat
	if codec != "" {
		format.Codec = codec
	}
	if sampleRate > 0 {
		format.SampleRate = sampleRate
	}
	if channels > 0 {
		format.Channels = channels
	}
	if bitDepth > 0 {
		format.BitDepth = bitDepth
	}
	return format
}

// startStream opens the upstream and runs the scheduler for it. Any previous
// stream of this client is superseded by the token bump.
func (c *Client) startStream(format StreamFormat) {
	c.streamMu.Lock()
	if c.cancel != nil {
		c.cancel()
		c.cancel = nil
	}
	token := c.scheduler.StartStream()

	framer, err := NewFramer(format, c.server.clock)
	if err != nil {
		c.streamMu.Unlock()
		c.logger.Warn("stream format rejected", slog.String("format", format.String()), slog.String("error", err.Error()))
		c.sendError("unavailable")
		return
	}

	zoneKey := c.zoneKey()
	handle, err := c.server.provider.OpenStream(zoneKey, format)
	if err != nil {
		c.streamMu.Unlock()
		c.logger.Warn("upstream unavailable",
			slog.String("zone", zoneKey),
			slog.String("format", format.String()),
			slog.String("error", err.Error()))
		c.sendError("unavailable")
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel
	c.state.Store(stateStreaming)
	c.streamMu.Unlock()

	c.logger.Info("streaming started", slog.String("format", format.String()))
	c.sendPlaybackState("playing")

	go func() {
		err := c.scheduler.Run(ctx, token, handle.Upstream, framer, format)
		handle.Release()

		if errors.Is(err, ErrSuperseded) || errors.Is(err, context.Canceled) {
			return
		}

		stillCurrent := c.scheduler.Token() == token
		stillStreaming := c.state.Load() == stateStreaming
		if errors.Is(err, ErrUpstreamEnded) && stillCurrent && stillStreaming && handle.RestartEligible {
			if c.scheduler.ShouldRestart() {
				c.logger.Info("upstream ended, restarting stream")
				c.startStream(format)
				return
			}
			c.logger.Warn("upstream ended, restart debounced")
		}
		if stillCurrent {
			c.state.CompareAndSwap(stateStreaming, stateIdle)
		}
	}()
}

// stopStream cancels the active stream, if any.
func (c *Client) stopStream() {
	c.streamMu.Lock()
	defer c.streamMu.Unlock()
	c.scheduler.Cancel()
	if c.cancel != nil {
		c.cancel()
		c.cancel = nil
	}
}

// sendZoneState pushes current controller state for the client's zone.
func (c *Client) sendZoneState() {
	zoneKey := c.zoneKey()
	if c.server.zones == nil || zoneKey == "" {
		return
	}
	state, ok := c.server.zones.State(zoneKey)
	if !ok {
		return
	}
	payload := ControllerStatePayload{
		ZoneName: state.Name,
		Volume:   state.Volume,
		Muted:    state.Muted,
		Repeat:   state.Repeat,
		Shuffle:  state.Shuffle,
	}
	if env, err := NewEnvelope(MsgControllerState, payload); err == nil {
		_ = c.SendControl(env)
	}
	c.server.group.BroadcastControllerState(payload)
}

// sendPlaybackState reports the zone's playback state to the client and its
// group peers.
func (c *Client) sendPlaybackState(state string) {
	zoneKey := c.zoneKey()
	payload := PlaybackStatePayload{State: state, GroupID: zoneKey, GroupName: zoneKey}
	if env, err := NewEnvelope(MsgPlaybackState, payload); err == nil {
		_ = c.SendControl(env)
	}
	c.server.group.BroadcastPlaybackState(state, zoneKey, zoneKey)
}

func (c *Client) sendError(message string) {
	if env, err := NewEnvelope(MsgError, ErrorPayload{Message: message}); err == nil {
		_ = c.SendControl(env)
	}
}
