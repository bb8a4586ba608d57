package websocket

import (
	"context"
	"encoding/json"

	socket "github.com/zishang520/socket.io/servers/socket/v3"

	"github.com/yutakobayashidev/kids-code-tutorial/internal/sandbox"
	"github.com/yutakobayashidev/kids-code-tutorial/internal/session"
	"github.com/yutakobayashidev/kids-code-tutorial/pkg/logger"
)

// ScriptPayload carries a user script for run/update events.
type ScriptPayload struct {
	Script string `json:"script"`
}

// ScreenshotResultPayload is the client's answer to a screenshot request.
type ScreenshotResultPayload struct {
	Image  string          `json:"image"`
	Clicks []session.Click `json:"clicks"`
}

func getFirstAnyWithAck(data []any) (any, func(...any)) {
	var ack func(...any)
	if len(data) == 0 {
		return nil, nil
	}
	if cb, ok := data[len(data)-1].(func(...any)); ok {
		ack = cb
		data = data[:len(data)-1]
	} else if cb, ok := data[len(data)-1].(socket.Ack); ok {
		ack = func(args ...any) {
			cb(args, nil)
		}
		data = data[:len(data)-1]
	}
	if len(data) == 0 {
		return nil, ack
	}
	return data[0], ack
}

func decodeScript(raw any) (string, bool) {
	if str, ok := raw.(string); ok {
		return str, true
	}
	var payload ScriptPayload
	if err := decodeAny(raw, &payload); err != nil {
		return "", false
	}
	return payload.Script, true
}

func (s *SocketIOServer) registerClientHandlers(client *socket.Socket, socketID string) {
	// Structural patch against the authoritative state.
	client.On("submit-diff", func(data ...any) {
		sd := s.getSocketData(socketID)
		raw, _ := getFirstAnyWithAck(data)
		patch, err := json.Marshal(raw)
		if err != nil || raw == nil {
			logger.Warnf("submit-diff decode error from socket %s: %v", socketID, err)
			s.EmitToSocket(socketID, "error", errorMessage("Invalid patch"))
			return
		}
		s.sessions.EnqueueDiff(context.Background(), sd.Code, sd.UUID, socketID, patch)
	})

	// Run the produced program in a fresh sandbox.
	client.On("run", func(data ...any) {
		sd := s.getSocketData(socketID)
		raw, ack := getFirstAnyWithAck(data)
		script, ok := decodeScript(raw)
		if !ok {
			s.EmitToSocket(socketID, "error", errorMessage("Invalid script payload"))
			return
		}
		if script == "" {
			s.sessions.AppendTurn(context.Background(), sd.Code,
				session.NewTextTurn(session.ContentError, false, "There is nothing to run yet."))
			return
		}

		ctrl := s.sandboxController()
		if ctrl == nil {
			s.EmitToSocket(socketID, "error", errorMessage("Sandbox unavailable"))
			return
		}

		result := ctrl.Start(context.Background(), sd.Code, sd.UUID, script)
		logger.Debugf("run for session %s: %s", sd.Code, result)
		if result == sandbox.ResultAccepted {
			s.sessions.SetVMRunning(context.Background(), sd.Code, true)
		} else {
			s.sessions.AppendTurn(context.Background(), sd.Code,
				session.NewTextTurn(session.ContentError, false, "Failed to start the program."))
		}
		if ack != nil {
			ack(string(result))
		}
	})

	// Hot-swap the running program's script without a restart.
	client.On("update-script", func(data ...any) {
		sd := s.getSocketData(socketID)
		raw, ack := getFirstAnyWithAck(data)
		script, ok := decodeScript(raw)
		if !ok {
			s.EmitToSocket(socketID, "error", errorMessage("Invalid script payload"))
			return
		}

		ctrl := s.sandboxController()
		if ctrl == nil {
			s.EmitToSocket(socketID, "error", errorMessage("Sandbox unavailable"))
			return
		}

		result := ctrl.Update(context.Background(), sd.Code, sd.UUID, script)
		logger.Debugf("update-script for session %s: %s", sd.Code, result)
		if ack != nil {
			ack(string(result))
		}
	})

	// Stop the sandbox. Stopping an idle session is informational, not an
	// error.
	client.On("stop", func(data ...any) {
		sd := s.getSocketData(socketID)
		_, ack := getFirstAnyWithAck(data)

		ctrl := s.sandboxController()
		if ctrl == nil {
			s.EmitToSocket(socketID, "error", errorMessage("Sandbox unavailable"))
			return
		}

		result := ctrl.Stop(context.Background(), sd.Code, sd.UUID)
		logger.Debugf("stop for session %s: %s", sd.Code, result)
		if ack != nil {
			ack(string(result))
		}
	})

	// Screenshot artifact produced in response to a screenshot-request.
	client.On("screenshot-result", func(data ...any) {
		sd := s.getSocketData(socketID)
		raw, _ := getFirstAnyWithAck(data)
		var payload ScreenshotResultPayload
		if err := decodeAny(raw, &payload); err != nil {
			logger.Warnf("screenshot-result decode error from socket %s: %v", socketID, err)
			return
		}
		s.sessions.EnqueueScreenshot(context.Background(), sd.Code, socketID, payload.Image, payload.Clicks)
	})

	client.On("disconnect", func(data ...any) {
		sd := s.getSocketData(socketID)
		reason := ""
		if len(data) > 0 {
			if r, ok := data[0].(string); ok {
				reason = r
			}
		}
		logger.Infof("Client disconnected from session %s (socket %s, reason: %s)", sd.Code, socketID, reason)

		if sd.stopScreenshots != nil {
			close(sd.stopScreenshots)
		}
		s.socketData.Delete(socketID)

		if sd.Code != "" {
			s.sessions.EnqueueClientLeave(context.Background(), sd.Code, socketID)
		}
	})
}
