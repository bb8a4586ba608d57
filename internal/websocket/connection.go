package websocket

import (
	"context"
	"time"

	socket "github.com/zishang520/socket.io/servers/socket/v3"

	"github.com/yutakobayashidev/kids-code-tutorial/pkg/logger"
)

// ConnectParams are the connection parameters carried in the Socket.IO
// handshake.
type ConnectParams struct {
	Code string `json:"code"`
	UUID string `json:"uuid"`
}

func (s *SocketIOServer) handleConnection(client *socket.Socket) {
	socketID := string(client.Id())

	logger.Infof("Socket.IO connection attempt (socket ID: %s)", socketID)

	handshake := client.Handshake()
	authMap := handshake.Auth
	if len(authMap) == 0 {
		logger.Warnf("Socket.IO missing connection params (socket %s)", socketID)
		client.Emit("error", errorMessage("Missing connection parameters"))
		client.Disconnect(true)
		return
	}

	var params ConnectParams
	if err := decodeAny(authMap, &params); err != nil || params.Code == "" || params.UUID == "" {
		logger.Warnf("Socket.IO invalid connection params (socket %s): %v", socketID, err)
		client.Emit("error", errorMessage("Invalid connection parameters"))
		client.Disconnect(true)
		return
	}

	value, err := s.store.Get(context.Background(), params.Code)
	if err != nil {
		logger.Errorf("Socket.IO session lookup failed (socket %s): %v", socketID, err)
		client.Emit("error", errorMessage("Server error"))
		client.Disconnect(true)
		return
	}
	if value == nil {
		logger.Warnf("Socket.IO unknown session %s (socket %s)", params.Code, socketID)
		client.Emit("error", errorMessage("Session not found"))
		client.Disconnect(true)
		return
	}
	if value.UUID != params.UUID {
		logger.Warnf("Socket.IO identity mismatch for session %s (socket %s)", params.Code, socketID)
		client.Emit("error", errorMessage("Invalid uuid"))
		client.Disconnect(true)
		return
	}

	sd := &SocketData{
		Code:            params.Code,
		UUID:            params.UUID,
		Socket:          client,
		stopScreenshots: make(chan struct{}),
	}
	s.socketData.Store(socketID, sd)

	logger.Infof("Socket.IO client joined session %s (socket %s)", params.Code, socketID)

	s.sessions.EnqueueClientJoin(context.Background(), params.Code, socketID)

	go s.screenshotLoop(socketID, sd)

	s.registerClientHandlers(client, socketID)
}

// screenshotLoop periodically asks the connection to produce a screenshot
// artifact. Fire-and-forget: ignoring the request has no effect on
// correctness.
func (s *SocketIOServer) screenshotLoop(socketID string, sd *SocketData) {
	ticker := time.NewTicker(s.cfg.ScreenshotInterval)
	defer ticker.Stop()
	for {
		select {
		case <-sd.stopScreenshots:
			return
		case <-ticker.C:
			logger.Tracef("Requesting screenshot from socket %s", socketID)
			s.EmitToSocket(socketID, "screenshot-request", nil)
		}
	}
}

func errorMessage(message string) map[string]string {
	return map[string]string{"message": message}
}
