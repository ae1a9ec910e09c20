package signal

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"peerlink/internal/core/domain"
	"peerlink/internal/core/ports"
	"peerlink/pkg/config"
	applog "peerlink/pkg/logger"
	"peerlink/pkg/tracing"
	"peerlink/pkg/turn"
	"peerlink/pkg/utils"
	"peerlink/pkg/validation"
)

// Reasons passed to RelayMetrics.RecordFrameRejected.
const (
	RejectRateLimited  = "rate_limited"
	RejectMalformed    = "malformed"
	RejectUnknownEvent = "unknown_event"
	RejectSlowConsumer = "slow_consumer"
)

// RelayMetrics is implemented by monitoring.PrometheusCollector.
type RelayMetrics interface {
	RecordPeerConnected(room string)
	RecordPeerDisconnected(room string, connected time.Duration)
	RecordRoomClosed(room string)
	RecordSignalForwarded(kind string)
	RecordFrameRejected(reason string)
}

// ServerConfig holds the relay's connection settings.
type ServerConfig struct {
	PingInterval      time.Duration
	PongTimeout       time.Duration
	WriteTimeout      time.Duration
	SendBuffer        int
	MaxRoomPeers      int
	MaxMessageSize    int64
	MaxConnections    int
	MessagesPerSecond float64
	MessageBurst      int
	AllowedOrigins    []string
	TurnSecret        string
	TurnTTL           time.Duration
}

// ServerConfigFrom extracts the relay settings from the application config.
func ServerConfigFrom(cfg *config.Config) ServerConfig {
	sc := ServerConfig{
		PingInterval:   cfg.Signal.PingInterval,
		PongTimeout:    cfg.Signal.PongTimeout,
		WriteTimeout:   cfg.Signal.WriteTimeout,
		SendBuffer:     cfg.Signal.SendBuffer,
		MaxRoomPeers:   cfg.Signal.MaxRoomPeers,
		AllowedOrigins: cfg.Auth.AllowedOrigins,
		TurnSecret:     cfg.Turn.Secret,
		TurnTTL:        cfg.Turn.TTL,
	}
	if cfg.RateLimiting.Enabled {
		sc.MessagesPerSecond = cfg.RateLimiting.WebSocket.MessagesPerSecond
		sc.MessageBurst = cfg.RateLimiting.WebSocket.Burst
		sc.MaxConnections = cfg.RateLimiting.WebSocket.MaxConcurrent
		sc.MaxMessageSize = cfg.RateLimiting.WebSocket.MaxMessageSizeBytes
	}
	return sc
}

func (c ServerConfig) withDefaults() ServerConfig {
	if c.PingInterval <= 0 {
		c.PingInterval = 25 * time.Second
	}
	if c.PongTimeout <= c.PingInterval {
		c.PongTimeout = c.PingInterval * 2
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = 10 * time.Second
	}
	if c.SendBuffer <= 0 {
		c.SendBuffer = 64
	}
	if c.MessageBurst <= 0 {
		c.MessageBurst = 1
	}
	return c
}

// RelayServer forwards signaling envelopes between the peers of a room.
// It never looks inside a signal beyond its addressing.
type RelayServer struct {
	cfg      ServerConfig
	rooms    ports.RoomRepository
	bus      ports.RelayBus
	turn     *turn.Issuer
	metrics  RelayMetrics
	logger   *zap.SugaredLogger
	peerLogs *applog.ContextLogger
	upgrader websocket.Upgrader
	slots    chan struct{}

	mu    sync.RWMutex
	local map[domain.RoomID]map[domain.PeerID]*socket
}

// NewRelayServer creates a relay. bus may be nil for a single instance.
func NewRelayServer(cfg ServerConfig, rooms ports.RoomRepository, bus ports.RelayBus, metrics RelayMetrics, logger *zap.SugaredLogger) *RelayServer {
	if metrics == nil {
		metrics = nopRelayMetrics{}
	}

	cfg = cfg.withDefaults()
	s := &RelayServer{
		cfg:      cfg,
		rooms:    rooms,
		bus:      bus,
		metrics:  metrics,
		logger:   logger,
		peerLogs: applog.NewContextLogger(logger.Desugar()),
		local:    make(map[domain.RoomID]map[domain.PeerID]*socket),
	}
	if cfg.TurnSecret != "" {
		s.turn = turn.NewIssuer(cfg.TurnSecret, cfg.TurnTTL)
	}
	if cfg.MaxConnections > 0 {
		s.slots = make(chan struct{}, cfg.MaxConnections)
	}

	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin:     s.checkOrigin,
	}
	return s
}

func (s *RelayServer) checkOrigin(r *http.Request) bool {
	if len(s.cfg.AllowedOrigins) == 0 {
		return true
	}
	origin := r.Header.Get("Origin")
	for _, allowed := range s.cfg.AllowedOrigins {
		if allowed == "*" || allowed == origin {
			return true
		}
	}
	return false
}

// Run receives deliveries from other relay instances until ctx is done.
func (s *RelayServer) Run(ctx context.Context) error {
	if s.bus == nil {
		<-ctx.Done()
		return ctx.Err()
	}
	return s.bus.Subscribe(ctx, func(d domain.RelayDelivery) {
		s.deliverLocal(d)
	})
}

// HandleRoom upgrades GET /ws/:room to a relay connection.
func (s *RelayServer) HandleRoom(c *gin.Context) {
	room := c.Param("room")
	if err := validation.ValidateRoomName(room); err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}

	if s.slots != nil {
		select {
		case s.slots <- struct{}{}:
			defer func() { <-s.slots }()
		default:
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": "too many connections"})
			return
		}
	}

	conn, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.logger.Warnw("websocket upgrade failed", "room", room, "error", err)
		return
	}

	s.serve(conn, domain.RoomID(room))
}

func (s *RelayServer) serve(conn *websocket.Conn, room domain.RoomID) {
	var limiter *rate.Limiter
	if s.cfg.MessagesPerSecond > 0 {
		limiter = rate.NewLimiter(rate.Limit(s.cfg.MessagesPerSecond), s.cfg.MessageBurst)
	}
	id := domain.PeerID(uuid.NewString())

	ctx, span := tracing.TraceRelayEvent(context.Background(), "join", string(room), string(id))
	logCtx := applog.WithPeer(ctx, string(room), string(id))
	if sc := span.SpanContext(); sc.HasTraceID() {
		logCtx = applog.WithTraceID(logCtx, sc.TraceID().String())
	}
	sock := newSocket(id, room, conn, s.cfg.SendBuffer, limiter, s.peerLogs.WithContext(logCtx).Sugar())

	err := s.rooms.Join(ctx, room, sock.id, s.cfg.MaxRoomPeers)
	if err != nil {
		tracing.RecordError(ctx, err)
	}
	span.End()
	if err != nil {
		s.refuse(sock, err)
		return
	}

	s.register(sock)
	s.metrics.RecordPeerConnected(string(room))
	sock.log.Info("peer connected")

	go s.writePump(sock)

	if err := s.greet(sock); err != nil {
		sock.log.Warnw("failed to greet peer", "error", err)
	} else {
		s.readPump(sock)
	}
	s.leave(sock)
}

func (s *RelayServer) refuse(sock *socket, cause error) {
	code := "join_failed"
	if errors.Is(cause, domain.ErrRoomFull) {
		code = "room_full"
	}
	sock.log.Infow("refusing relay connection", "reason", code, "error", cause)

	conn := sock.conn
	deadline := time.Now().Add(s.cfg.WriteTimeout)
	conn.SetWriteDeadline(deadline)
	if frame, err := domain.NewRelayFrame(domain.RelayEventError, domain.RelayError{Code: code, Message: cause.Error()}); err == nil {
		conn.WriteJSON(frame)
	}
	conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseTryAgainLater, code), deadline)
	conn.Close()
}

// greet sends the new peer its id and the roster, then tells the room.
// The roster includes the new peer itself; clients skip their own id.
func (s *RelayServer) greet(sock *socket) error {
	ctx := context.Background()

	if err := s.sendTo(sock, domain.RelayEventConnect, domain.RelayHello{ID: sock.id}); err != nil {
		return err
	}

	peers, err := s.rooms.Members(ctx, sock.room)
	if err != nil {
		return err
	}
	roster := domain.Roster{Peers: peers}
	if s.turn != nil {
		creds := s.turn.Issue()
		roster.Credentials = &creds
	}
	if err := s.sendTo(sock, domain.RelayEventConnectedPeers, roster); err != nil {
		return err
	}

	return s.broadcast(ctx, sock.room, sock.id, domain.RelayEventConnectedPeer, sock.id)
}

func (s *RelayServer) sendTo(sock *socket, event string, data any) error {
	frame, err := domain.NewRelayFrame(event, data)
	if err != nil {
		return err
	}
	msg, err := json.Marshal(frame)
	if err != nil {
		return err
	}
	if !sock.enqueue(msg) {
		return domain.ErrRelayClosed
	}
	return nil
}

func (s *RelayServer) broadcast(ctx context.Context, room domain.RoomID, exclude domain.PeerID, event string, data any) error {
	frame, err := domain.NewRelayFrame(event, data)
	if err != nil {
		return err
	}
	s.route(ctx, domain.RelayDelivery{Room: room, Exclude: exclude, Frame: frame})
	return nil
}

func (s *RelayServer) readPump(sock *socket) {
	conn := sock.conn
	if s.cfg.MaxMessageSize > 0 {
		conn.SetReadLimit(s.cfg.MaxMessageSize)
	}
	conn.SetReadDeadline(time.Now().Add(s.cfg.PongTimeout))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(s.cfg.PongTimeout))
	})

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				sock.log.Infow("error reading from peer", "error", err)
			}
			return
		}
		conn.SetReadDeadline(time.Now().Add(s.cfg.PongTimeout))
		s.handleFrame(sock, data)
	}
}

func (s *RelayServer) writePump(sock *socket) {
	ticker := time.NewTicker(s.cfg.PingInterval)
	defer func() {
		ticker.Stop()
		sock.conn.Close()
	}()

	for {
		select {
		case msg := <-sock.send:
			sock.conn.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout))
			if err := sock.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				sock.log.Debugw("error writing to peer", "error", err)
				sock.close()
				return
			}

		case <-ticker.C:
			deadline := time.Now().Add(s.cfg.WriteTimeout)
			if err := sock.conn.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				sock.log.Debugw("error sending ping", "error", err)
				sock.close()
				return
			}

		case <-sock.done:
			deadline := time.Now().Add(s.cfg.WriteTimeout)
			sock.conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)
			return
		}
	}
}

func (s *RelayServer) handleFrame(sock *socket, data []byte) {
	if !sock.allow() {
		s.metrics.RecordFrameRejected(RejectRateLimited)
		sock.log.Debug("rate limited relay frame")
		return
	}

	var frame domain.RelayFrame
	if err := json.Unmarshal(data, &frame); err != nil {
		s.reject(sock, RejectMalformed, err)
		return
	}

	switch frame.Event {
	case domain.RelayEventSignal:
		s.handleSignal(sock, frame)
	default:
		s.reject(sock, RejectUnknownEvent, errors.New(frame.Event))
	}
}

// handleSignal forwards an envelope to its recipient, or to the rest of
// the room when it has none. Sender is always the socket's own id.
func (s *RelayServer) handleSignal(sock *socket, frame domain.RelayFrame) {
	var envelope domain.SignalEnvelope
	if err := json.Unmarshal(frame.Data, &envelope); err != nil {
		s.reject(sock, RejectMalformed, err)
		return
	}
	if envelope.Signal.Description == nil && envelope.Signal.Candidate == nil {
		s.reject(sock, RejectMalformed, domain.ErrInvalidSignal)
		return
	}
	if envelope.Recipient != "" {
		if err := validation.ValidatePeerID(string(envelope.Recipient)); err != nil {
			s.reject(sock, RejectMalformed, err)
			return
		}
	}
	envelope.Sender = sock.id

	ctx, span := tracing.TraceRelayEvent(context.Background(), "signal", string(sock.room), string(sock.id))
	defer span.End()

	out, err := domain.NewRelayFrame(domain.RelayEventSignal, envelope)
	if err != nil {
		s.reject(sock, RejectMalformed, err)
		return
	}

	delivery := domain.RelayDelivery{
		Room:      sock.room,
		Recipient: envelope.Recipient,
		Exclude:   sock.id,
		Frame:     out,
	}
	s.route(ctx, delivery)
	s.metrics.RecordSignalForwarded(signalKind(envelope.Signal))
}

func signalKind(signal domain.Signal) string {
	if signal.Description != nil {
		return signal.Description.Type
	}
	return "candidate"
}

func (s *RelayServer) reject(sock *socket, reason string, cause error) {
	s.metrics.RecordFrameRejected(reason)
	sock.log.Debugw("rejected relay frame", "reason", reason, "error", cause)
	s.sendTo(sock, domain.RelayEventError, domain.RelayError{Code: reason, Message: cause.Error()})
}

// route delivers locally and, unless a direct recipient was found here,
// to the other relay instances.
func (s *RelayServer) route(ctx context.Context, d domain.RelayDelivery) {
	delivered := s.deliverLocal(d)
	if s.bus == nil || (d.Recipient != "" && delivered > 0) {
		return
	}
	if err := s.bus.Publish(ctx, d); err != nil {
		s.logger.Warnw("failed to publish relay delivery", "room", d.Room, "event", d.Frame.Event, "error", err)
	}
}

func (s *RelayServer) deliverLocal(d domain.RelayDelivery) int {
	msg, err := json.Marshal(d.Frame)
	if err != nil {
		s.logger.Errorw("failed to encode relay frame", "event", d.Frame.Event, "error", err)
		return 0
	}

	s.mu.RLock()
	var targets []*socket
	for id, sock := range s.local[d.Room] {
		if id == d.Exclude || (d.Recipient != "" && id != d.Recipient) {
			continue
		}
		targets = append(targets, sock)
	}
	s.mu.RUnlock()

	for _, sock := range targets {
		if !sock.enqueue(msg) {
			s.metrics.RecordFrameRejected(RejectSlowConsumer)
			sock.log.Warn("dropping slow peer")
			sock.close()
		}
	}
	return len(targets)
}

func (s *RelayServer) register(sock *socket) {
	s.mu.Lock()
	defer s.mu.Unlock()

	members, ok := s.local[sock.room]
	if !ok {
		members = make(map[domain.PeerID]*socket)
		s.local[sock.room] = members
	}
	members[sock.id] = sock
}

func (s *RelayServer) unregister(sock *socket) {
	s.mu.Lock()
	defer s.mu.Unlock()

	members := s.local[sock.room]
	delete(members, sock.id)
	if len(members) == 0 {
		delete(s.local, sock.room)
		s.metrics.RecordRoomClosed(string(sock.room))
	}
}

func (s *RelayServer) leave(sock *socket) {
	sock.close()
	s.metrics.RecordPeerDisconnected(string(sock.room), time.Since(sock.joinedAt))
	s.unregister(sock)

	ctx, span := tracing.TraceRelayEvent(context.Background(), "leave", string(sock.room), string(sock.id))
	defer span.End()
	tracing.MeasureDuration(ctx, sock.joinedAt, "session")

	if err := s.rooms.Leave(ctx, sock.room, sock.id); err != nil {
		sock.log.Warnw("failed to remove peer from room", "error", err)
	}
	if err := s.broadcast(ctx, sock.room, "", domain.RelayEventDisconnectedPeer, sock.id); err != nil {
		sock.log.Warnw("failed to announce departure", "error", err)
	}

	sock.log.Infow("peer disconnected", "connected_for", utils.FormatDuration(time.Since(sock.joinedAt)))
}

// Shutdown closes every local connection.
func (s *RelayServer) Shutdown() {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, members := range s.local {
		for _, sock := range members {
			sock.close()
		}
	}
}

// Stats returns the number of local rooms and connections.
func (s *RelayServer) Stats() (rooms, peers int) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, members := range s.local {
		peers += len(members)
	}
	return len(s.local), peers
}

type nopRelayMetrics struct{}

func (nopRelayMetrics) RecordPeerConnected(string)                   {}
func (nopRelayMetrics) RecordPeerDisconnected(string, time.Duration) {}
func (nopRelayMetrics) RecordRoomClosed(string)                      {}
func (nopRelayMetrics) RecordSignalForwarded(string)                 {}
func (nopRelayMetrics) RecordFrameRejected(string)                   {}
