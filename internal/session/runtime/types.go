package runtime

import (
	"context"
	"encoding/json"

	"github.com/yutakobayashidev/kids-code-tutorial/internal/session"
)

// UpdateEmitter delivers events to connected clients.
type UpdateEmitter interface {
	// EmitToSession fans an event out to every connection in the session's
	// room, optionally skipping one socket.
	EmitToSession(code, event string, payload any, skipSocketID string)
	// EmitToSocket targets a single connection.
	EmitToSocket(socketID, event string, payload any)
}

// Generator is the external AI-generation collaborator, invoked with the
// session context and returning one dialogue turn.
type Generator interface {
	Generate(ctx context.Context, value *session.Value) (session.Dialogue, error)
}

// SandboxControl is the subset of the sandbox manager the runtime needs for
// last-client-disconnect teardown.
type SandboxControl interface {
	Stop(ctx context.Context, code, identity string)
}

type joinEvent struct {
	ctx      context.Context
	socketID string
}

type leaveEvent struct {
	ctx      context.Context
	socketID string
}

type diffEvent struct {
	ctx      context.Context
	identity string
	socketID string
	patch    json.RawMessage
}

type replyDoneEvent struct {
	ctx  context.Context
	turn session.Dialogue
}

type appendTurnEvent struct {
	ctx  context.Context
	turn session.Dialogue
}

type screenshotEvent struct {
	ctx      context.Context
	socketID string
	image    string
	clicks   []session.Click
}

type setVMRunningEvent struct {
	ctx     context.Context
	running bool
}
