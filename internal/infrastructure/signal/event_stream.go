package signal

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"lanscreen/internal/core/domain"
	"lanscreen/internal/core/ports"
	"lanscreen/internal/infrastructure/middleware"
	apperrors "lanscreen/pkg/errors"
	"lanscreen/pkg/validation"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

type EventStreamConfig struct {
	PingInterval      time.Duration
	PongTimeout       time.Duration
	WriteTimeout      time.Duration
	SendBuffer        int
	AllowedOrigins    []string
	MessagesPerSecond float64
	Burst             int
	MaxMessageSize    int64
}

// Message is a command sent by a client.
type Message struct {
	Type    string          `json:"type"`
	ID      string          `json:"id,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// OutMessage is everything the server writes to a client.
type OutMessage struct {
	Type     string                   `json:"type"`
	ID       string                   `json:"id,omitempty"`
	Event    *domain.Event            `json:"event,omitempty"`
	Registry *domain.RegistrySnapshot `json:"registry,omitempty"`
	Session  *domain.SessionSnapshot  `json:"session,omitempty"`
	Code     string                   `json:"code,omitempty"`
	Message  string                   `json:"message,omitempty"`

	// set on snapshots: events of the matching type at or below these
	// sequence numbers are already reflected
	RegistrySeq uint64 `json:"registry_seq,omitempty"`
	SessionSeq  uint64 `json:"session_seq,omitempty"`
}

type setStatusPayload struct {
	DeviceID string `json:"device_id"`
	Status   string `json:"status"`
}

type sharePayload struct {
	DeviceID string `json:"device_id"`
}

// EventStreamServer pushes every committed change to websocket clients and
// accepts the same commands as the control API.
type EventStreamServer struct {
	registry    ports.DeviceRegistry
	coordinator ports.SessionCoordinator
	events      ports.EventPublisher
	cfg         EventStreamConfig
	upgrader    websocket.Upgrader
	logger      *zap.SugaredLogger

	mu      sync.RWMutex
	clients map[string]*client
}

type client struct {
	id      string
	conn    *websocket.Conn
	send    chan []byte
	done    chan struct{}
	limiter *rate.Limiter
	once    sync.Once

	// gate orders snapshots against live events. Until the first snapshot
	// is out, events wait in backlog.
	gate        sync.Mutex
	primed      bool
	backlog     []domain.Event
	registrySeq uint64
	sessionSeq  uint64
}

func (c *client) close() {
	c.once.Do(func() { close(c.done) })
}

// staleLocked reports whether evt is already reflected in a snapshot the
// client has received.
func (c *client) staleLocked(evt domain.Event) bool {
	switch evt.Type {
	case domain.EventRegistryChanged:
		return evt.Seq <= c.registrySeq
	case domain.EventSessionChanged:
		return evt.Seq <= c.sessionSeq
	}
	return false
}

// enqueue never blocks the notifier; a client that cannot keep up is cut off.
func (c *client) enqueue(data []byte) bool {
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.send <- data:
		return true
	default:
		c.close()
		return false
	}
}

func NewEventStreamServer(
	registry ports.DeviceRegistry,
	coordinator ports.SessionCoordinator,
	events ports.EventPublisher,
	cfg EventStreamConfig,
	logger *zap.SugaredLogger,
) *EventStreamServer {
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 10 * time.Second
	}
	if cfg.SendBuffer <= 0 {
		cfg.SendBuffer = 64
	}

	s := &EventStreamServer{
		registry:    registry,
		coordinator: coordinator,
		events:      events,
		cfg:         cfg,
		logger:      logger,
		clients:     make(map[string]*client),
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     s.checkOrigin,
	}
	return s
}

func (s *EventStreamServer) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" || len(s.cfg.AllowedOrigins) == 0 {
		return true
	}
	for _, allowed := range s.cfg.AllowedOrigins {
		if allowed == "*" || allowed == origin {
			return true
		}
	}
	return false
}

func (s *EventStreamServer) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Errorw("websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	c := &client{
		id:   uuid.NewString(),
		conn: conn,
		send: make(chan []byte, s.cfg.SendBuffer),
		done: make(chan struct{}),
	}
	if s.cfg.MessagesPerSecond > 0 && s.cfg.Burst > 0 {
		c.limiter = rate.NewLimiter(rate.Limit(s.cfg.MessagesPerSecond), s.cfg.Burst)
	}

	s.mu.Lock()
	s.clients[c.id] = c
	s.mu.Unlock()
	s.logger.Infow("event stream client connected", "client_id", c.id, "remote_addr", r.RemoteAddr)

	// subscribe before the snapshot so nothing committed in between is lost;
	// the gate holds events back until the snapshot is out
	unsubscribe := s.events.Subscribe(func(evt domain.Event) {
		c.gate.Lock()
		defer c.gate.Unlock()
		if !c.primed {
			c.backlog = append(c.backlog, evt)
			return
		}
		if c.staleLocked(evt) {
			return
		}
		s.sendTo(c, OutMessage{Type: "event", Event: &evt})
	})
	s.sendSnapshot(c, "")

	if s.cfg.MaxMessageSize > 0 {
		conn.SetReadLimit(s.cfg.MaxMessageSize)
	}
	conn.SetReadDeadline(time.Now().Add(s.cfg.PongTimeout))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(s.cfg.PongTimeout))
		return nil
	})

	go s.readLoop(c)
	s.writeLoop(c)

	unsubscribe()
	s.mu.Lock()
	delete(s.clients, c.id)
	s.mu.Unlock()
	s.logger.Infow("event stream client disconnected", "client_id", c.id)
}

func (s *EventStreamServer) writeLoop(c *client) {
	pingTicker := time.NewTicker(s.cfg.PingInterval)
	defer pingTicker.Stop()

	for {
		select {
		case data := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout))
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				s.logger.Infow("error writing to client", "client_id", c.id, "error", err)
				c.close()
				return
			}

		case <-pingTicker.C:
			c.conn.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				s.logger.Infow("error sending ping", "client_id", c.id, "error", err)
				c.close()
				return
			}

		case <-c.done:
			c.conn.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout))
			_ = c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		}
	}
}

func (s *EventStreamServer) readLoop(c *client) {
	defer c.close()

	for {
		var msg Message
		if err := c.conn.ReadJSON(&msg); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				s.logger.Infow("error reading from client", "client_id", c.id, "error", err)
			}
			return
		}
		c.conn.SetReadDeadline(time.Now().Add(s.cfg.PongTimeout))

		if c.limiter != nil && !c.limiter.Allow() {
			s.sendError(c, msg.ID, "RATE_LIMIT_EXCEEDED", "rate limit exceeded")
			continue
		}

		if err := s.handleMessage(c, msg); err != nil {
			appErr := middleware.FromDomainError(err)
			s.logger.Infow("command failed", "client_id", c.id, "type", msg.Type, "error", err)
			s.sendError(c, msg.ID, string(appErr.Code), appErr.Message)
		}
	}
}

func (s *EventStreamServer) handleMessage(c *client, msg Message) error {
	ctx := context.Background()

	switch msg.Type {
	case "snapshot":
		s.sendSnapshot(c, msg.ID)
		return nil
	case "start_discovery":
		s.registry.StartDiscovery()
	case "stop_discovery":
		s.registry.StopDiscovery()
	case "reset_devices":
		s.registry.ResetDevices()
	case "set_status":
		var p setStatusPayload
		if err := json.Unmarshal(msg.Payload, &p); err != nil {
			return apperrors.NewInvalidInputError("invalid payload")
		}
		if err := validation.ValidateDeviceStatus(p.Status); err != nil {
			return apperrors.NewInvalidInputError(err.Error())
		}
		if err := s.registry.SetStatus(domain.DeviceID(p.DeviceID), domain.DeviceStatus(p.Status)); err != nil {
			return err
		}
	case "start_preview":
		opts := domain.DefaultCaptureOptions()
		if len(msg.Payload) > 0 {
			if err := json.Unmarshal(msg.Payload, &opts); err != nil {
				return apperrors.NewInvalidInputError("invalid payload")
			}
		}
		if err := validation.ValidateCaptureOptions(opts.FPS, string(opts.Quality), string(opts.Codec)); err != nil {
			return apperrors.NewInvalidInputError(err.Error())
		}
		// the consent prompt may take a while; the result arrives as events
		s.coordinator.StartLocalPreviewAsync(ctx, opts)
	case "stop_preview":
		s.coordinator.StopLocalPreview()
	case "start_sharing":
		var p sharePayload
		if err := json.Unmarshal(msg.Payload, &p); err != nil {
			return apperrors.NewInvalidInputError("invalid payload")
		}
		if err := validation.ValidateDeviceID(p.DeviceID); err != nil {
			return apperrors.NewInvalidInputError(err.Error())
		}
		go func() {
			if err := s.coordinator.StartSharingTo(ctx, domain.DeviceID(p.DeviceID)); err != nil {
				appErr := middleware.FromDomainError(err)
				s.sendError(c, msg.ID, string(appErr.Code), appErr.Message)
			}
		}()
	case "stop_sharing":
		s.coordinator.StopSharing()
	default:
		return apperrors.NewInvalidInputError(fmt.Sprintf("unknown message type %q", msg.Type))
	}

	s.sendTo(c, OutMessage{Type: "ack", ID: msg.ID})
	return nil
}

// sendSnapshot holds the client gate while reading state, so no event newer
// than the snapshot can be sent ahead of it.
func (s *EventStreamServer) sendSnapshot(c *client, id string) {
	c.gate.Lock()
	defer c.gate.Unlock()

	registry, registrySeq := s.registry.SnapshotAt()
	session, sessionSeq := s.coordinator.SnapshotAt()
	c.registrySeq = registrySeq
	c.sessionSeq = sessionSeq

	s.sendTo(c, OutMessage{
		Type:        "snapshot",
		ID:          id,
		Registry:    &registry,
		Session:     &session,
		RegistrySeq: registrySeq,
		SessionSeq:  sessionSeq,
	})

	if c.primed {
		return
	}
	for _, evt := range c.backlog {
		if c.staleLocked(evt) {
			continue
		}
		evt := evt
		s.sendTo(c, OutMessage{Type: "event", Event: &evt})
	}
	c.backlog = nil
	c.primed = true
}

func (s *EventStreamServer) sendError(c *client, id, code, message string) {
	s.sendTo(c, OutMessage{Type: "error", ID: id, Code: code, Message: message})
}

func (s *EventStreamServer) sendTo(c *client, msg OutMessage) {
	data, err := json.Marshal(msg)
	if err != nil {
		s.logger.Errorw("failed to encode message", "type", msg.Type, "error", err)
		return
	}
	if !c.enqueue(data) {
		s.logger.Debugw("dropped message for closed or slow client", "client_id", c.id, "type", msg.Type)
	}
}

// ConnectionCount returns the number of connected clients.
func (s *EventStreamServer) ConnectionCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.clients)
}

// Close disconnects every client.
func (s *EventStreamServer) Close() {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, c := range s.clients {
		c.close()
	}
}
