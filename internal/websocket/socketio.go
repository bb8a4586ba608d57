// Package websocket is the connection gateway: it accepts Socket.IO
// connections, validates them against the session store, manages room
// membership and dispatches session events to the per-session runtime and
// the sandbox manager.
package websocket

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	socket "github.com/zishang520/socket.io/servers/socket/v3"
	sockettypes "github.com/zishang520/socket.io/v3/pkg/types"

	"github.com/yutakobayashidev/kids-code-tutorial/internal/config"
	"github.com/yutakobayashidev/kids-code-tutorial/internal/sandbox"
	sessionruntime "github.com/yutakobayashidev/kids-code-tutorial/internal/session/runtime"
	"github.com/yutakobayashidev/kids-code-tutorial/internal/store"
	"github.com/yutakobayashidev/kids-code-tutorial/pkg/logger"
)

// SocketPath is where the session channel is mounted, matching what the
// frontend connects to.
const SocketPath = "/session/socket/connect"

// SandboxController is the subset of the sandbox manager driven directly by
// client events.
type SandboxController interface {
	Start(ctx context.Context, code, identity, script string) sandbox.Result
	Update(ctx context.Context, code, identity, script string) sandbox.Result
	Stop(ctx context.Context, code, identity string) sandbox.Result
}

// SocketIOServer wraps the Socket.IO server for the session channel.
type SocketIOServer struct {
	store    store.Store
	cfg      *config.Config
	server   *socket.Server
	sessions *sessionruntime.Manager

	mu      sync.Mutex
	sandbox SandboxController

	socketData sync.Map // socket ID -> *SocketData
}

// SocketData stores connection metadata for each socket.
type SocketData struct {
	Code   string
	UUID   string
	Socket *socket.Socket

	// stopScreenshots cancels the periodic screenshot timer on disconnect.
	stopScreenshots chan struct{}
}

// NewSocketIOServer creates the gateway and its per-session runtime
// manager.
func NewSocketIOServer(st store.Store, cfg *config.Config, generator sessionruntime.Generator) *SocketIOServer {
	opts := socket.DefaultServerOptions()

	opts.SetCors(&sockettypes.Cors{
		Origin:      "*",
		Credentials: false,
	})

	// How quickly stale sockets are detected determines how quickly an
	// abandoned session's sandbox is torn down.
	const pingInterval = 5 * time.Second
	const pingTimeout = 15 * time.Second
	opts.SetPingInterval(pingInterval)
	opts.SetPingTimeout(pingTimeout)

	opts.SetPath(SocketPath)

	server := socket.NewServer(nil, opts)

	s := &SocketIOServer{
		store:  st,
		cfg:    cfg,
		server: server,
	}
	s.sessions = sessionruntime.NewManager(st, s, generator)

	server.On("connection", func(clients ...any) {
		client := clients[0].(*socket.Socket)
		s.handleConnection(client)
	})

	return s
}

// Sessions exposes the runtime manager for wiring (sandbox notifications).
func (s *SocketIOServer) Sessions() *sessionruntime.Manager {
	return s.sessions
}

// SetSandbox wires the sandbox manager in after construction.
func (s *SocketIOServer) SetSandbox(ctrl SandboxController) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sandbox = ctrl
}

func (s *SocketIOServer) sandboxController() SandboxController {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sandbox
}

func decodeAny(input any, out any) error {
	raw, err := json.Marshal(input)
	if err != nil {
		return err
	}
	return json.Unmarshal(raw, out)
}

// getSocketData retrieves socket metadata by socket ID.
func (s *SocketIOServer) getSocketData(socketID string) *SocketData {
	if data, ok := s.socketData.Load(socketID); ok {
		if sd, ok := data.(*SocketData); ok {
			return sd
		}
	}
	return &SocketData{}
}

// EmitToSession fans an event out to every connection joined to the session
// code, optionally skipping one socket.
func (s *SocketIOServer) EmitToSession(code, event string, payload any, skipSocketID string) {
	s.socketData.Range(func(key, value any) bool {
		sd, ok := value.(*SocketData)
		if !ok {
			return true
		}
		if skipSocketID != "" && key == skipSocketID {
			return true
		}
		if sd.Code != code || sd.Socket == nil {
			return true
		}
		logger.Tracef("Emitting %s to session %s (socket %v)", event, code, key)
		sd.Socket.Emit(event, payload)
		return true
	})
}

// EmitToSocket targets a single connection.
func (s *SocketIOServer) EmitToSocket(socketID, event string, payload any) {
	sd := s.getSocketData(socketID)
	if sd.Socket == nil {
		return
	}
	sd.Socket.Emit(event, payload)
}

// HandleSocketIO creates a Gin handler for the Socket.IO endpoint.
func (s *SocketIOServer) HandleSocketIO() gin.HandlerFunc {
	httpHandler := s.server.ServeHandler(nil)

	return func(c *gin.Context) {
		c.Writer.Header().Set("Access-Control-Allow-Origin", "*")
		c.Writer.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		c.Writer.Header().Set("Access-Control-Allow-Headers", "Authorization, Content-Type")

		if c.Request.Method == "OPTIONS" {
			c.Status(http.StatusOK)
			return
		}

		logger.Tracef("Socket.IO request: %s %s", c.Request.Method, c.Request.URL.Path)
		httpHandler.ServeHTTP(c.Writer, c.Request)
	}
}

// Close shuts down the Socket.IO server.
func (s *SocketIOServer) Close() error {
	s.server.Close(nil)
	return nil
}
