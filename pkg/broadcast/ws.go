package broadcast

import (
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/speedrun-hq/speedrun-auctioneer/pkg/apperr"
	"github.com/speedrun-hq/speedrun-auctioneer/pkg/logger"
)

const maxInboundFrame = 4096

// Inbound operations
const (
	OpAuth        = "auth"
	OpSubscribe   = "subscribe"
	OpUnsubscribe = "unsubscribe"
	OpPing        = "ping"
)

// Command is a frame sent by the client
type Command struct {
	Op      string `json:"op"`
	Token   string `json:"token,omitempty"`
	Channel string `json:"channel,omitempty"`
}

// Reply answers a command
type Reply struct {
	Type    string `json:"type"`
	Op      string `json:"op,omitempty"`
	Channel string `json:"channel,omitempty"`
	Error   string `json:"error,omitempty"`
}

// WSConfig tunes the websocket transport
type WSConfig struct {
	PingInterval     time.Duration
	HeartbeatTimeout time.Duration
	WriteTimeout     time.Duration
}

// WSServer upgrades HTTP requests and bridges connections to the hub
type WSServer struct {
	hub      *Hub
	auth     Authenticator
	cfg      WSConfig
	logger   logger.Logger
	upgrader websocket.Upgrader
}

// NewWSServer creates the websocket endpoint
func NewWSServer(hub *Hub, auth Authenticator, cfg WSConfig, log logger.Logger) *WSServer {
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = 30 * time.Second
	}
	if cfg.HeartbeatTimeout <= 0 {
		cfg.HeartbeatTimeout = 2 * cfg.PingInterval
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 10 * time.Second
	}
	return &WSServer{
		hub:    hub,
		auth:   auth,
		cfg:    cfg,
		logger: log,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}
}

// ServeHTTP upgrades the connection. A bearer token in the Authorization
// header or the token query parameter authenticates it straight away;
// otherwise the client must send an auth command before subscribing.
func (s *WSServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Debug("Websocket upgrade failed: %v", err)
		return
	}

	client := s.hub.Connect(uuid.NewString())
	if token := bearerToken(r); token != "" {
		if subject, err := s.auth.Authenticate(token); err == nil {
			_ = s.hub.Authenticate(client.ID, subject)
		} else {
			s.reply(client, Reply{Type: "error", Op: OpAuth, Error: apperr.Public(err)})
		}
	}

	go s.writePump(conn, client)
	s.readPump(conn, client)
}

func (s *WSServer) readPump(conn *websocket.Conn, client *Client) {
	defer s.hub.Remove(client.ID, ReasonClosed)

	conn.SetReadLimit(maxInboundFrame)
	_ = conn.SetReadDeadline(time.Now().Add(s.cfg.HeartbeatTimeout))
	conn.SetPongHandler(func(string) error {
		s.hub.Heartbeat(client.ID)
		return conn.SetReadDeadline(time.Now().Add(s.cfg.HeartbeatTimeout))
	})

	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				s.logger.Debug("Websocket read error for %s: %v", client.ID, err)
			}
			return
		}
		s.hub.Heartbeat(client.ID)
		_ = conn.SetReadDeadline(time.Now().Add(s.cfg.HeartbeatTimeout))
		s.handle(client, msg)
	}
}

func (s *WSServer) handle(client *Client, msg []byte) {
	var cmd Command
	if err := json.Unmarshal(msg, &cmd); err != nil {
		s.reply(client, Reply{Type: "error", Error: "malformed command"})
		return
	}

	var err error
	switch cmd.Op {
	case OpAuth:
		var subject string
		subject, err = s.auth.Authenticate(cmd.Token)
		if err == nil {
			err = s.hub.Authenticate(client.ID, subject)
		}
	case OpSubscribe:
		err = s.hub.Subscribe(client.ID, cmd.Channel)
	case OpUnsubscribe:
		err = s.hub.Unsubscribe(client.ID, cmd.Channel)
	case OpPing:
		s.reply(client, Reply{Type: "pong"})
		return
	default:
		err = apperr.Validation("unknown op %q", cmd.Op)
	}

	if err != nil {
		s.reply(client, Reply{Type: "error", Op: cmd.Op, Channel: cmd.Channel, Error: apperr.Public(err)})
		return
	}
	s.reply(client, Reply{Type: "ack", Op: cmd.Op, Channel: cmd.Channel})
}

func (s *WSServer) reply(client *Client, r Reply) {
	frame, err := json.Marshal(r)
	if err != nil {
		return
	}
	client.enqueue(frame, s.hub.cfg.MaxDrops)
}

func (s *WSServer) writePump(conn *websocket.Conn, client *Client) {
	ticker := time.NewTicker(s.cfg.PingInterval)
	defer func() {
		ticker.Stop()
		conn.Close()
	}()

	for {
		select {
		case frame, ok := <-client.Outbound():
			_ = conn.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout))
			if !ok {
				_ = conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				s.hub.Remove(client.ID, ReasonClosed)
				return
			}
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(s.cfg.WriteTimeout)); err != nil {
				s.hub.Remove(client.ID, ReasonClosed)
				return
			}
		}
	}
}

func bearerToken(r *http.Request) string {
	if h := r.Header.Get("Authorization"); strings.HasPrefix(h, "Bearer ") {
		return strings.TrimPrefix(h, "Bearer ")
	}
	return r.URL.Query().Get("token")
}
