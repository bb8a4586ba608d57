package runtime

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/yutakobayashidev/kids-code-tutorial/internal/session"
	"github.com/yutakobayashidev/kids-code-tutorial/internal/store"
	"github.com/yutakobayashidev/kids-code-tutorial/pkg/logger"
)

// Manager owns per-session runtimes and provides serialized entrypoints.
//
// Every mutation of a session's state (read, apply patch, decide reply,
// persist, broadcast) runs on that session's runtime goroutine, so two
// concurrently arriving patches can never interleave into a corrupted
// intermediate state.
type Manager struct {
	store     store.Store
	emitter   UpdateEmitter
	generator Generator

	mu       sync.Mutex
	sandbox  SandboxControl
	runtimes map[string]*sessionRuntime
}

// NewManager creates a new per-session runtime manager.
func NewManager(st store.Store, emitter UpdateEmitter, generator Generator) *Manager {
	return &Manager{
		store:     st,
		emitter:   emitter,
		generator: generator,
		runtimes:  make(map[string]*sessionRuntime),
	}
}

// SetSandbox wires the sandbox manager in after construction (the sandbox
// manager itself depends on this manager for notifications).
func (m *Manager) SetSandbox(ctrl SandboxControl) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sandbox = ctrl
}

// EnqueueClientJoin schedules room membership for a validated connection:
// the full state goes to the joining socket, the membership diff to the rest
// of the room.
func (m *Manager) EnqueueClientJoin(ctx context.Context, code, socketID string) {
	m.getOrCreate(code).enqueue(joinEvent{ctx: ctx, socketID: socketID})
}

// EnqueueClientLeave schedules removal of a connection from the room,
// including sandbox teardown when the room empties.
func (m *Manager) EnqueueClientLeave(ctx context.Context, code, socketID string) {
	m.getOrCreate(code).enqueue(leaveEvent{ctx: ctx, socketID: socketID})
}

// EnqueueDiff schedules application of a client-submitted patch against the
// authoritative state.
func (m *Manager) EnqueueDiff(ctx context.Context, code, identity, socketID string, patch json.RawMessage) {
	m.getOrCreate(code).enqueue(diffEvent{ctx: ctx, identity: identity, socketID: socketID, patch: patch})
}

// EnqueueScreenshot schedules storage of a screenshot artifact reported by a
// client.
func (m *Manager) EnqueueScreenshot(ctx context.Context, code, socketID, image string, clicks []session.Click) {
	m.getOrCreate(code).enqueue(screenshotEvent{ctx: ctx, socketID: socketID, image: image, clicks: clicks})
}

// AppendTurn schedules appending a dialogue turn (sandbox logs, error
// notices) through the same patch-and-broadcast path used for user edits.
func (m *Manager) AppendTurn(ctx context.Context, code string, turn session.Dialogue) {
	m.getOrCreate(code).enqueue(appendTurnEvent{ctx: ctx, turn: turn})
}

// SetVMRunning schedules persisting and broadcasting the sandbox lifecycle
// flag.
func (m *Manager) SetVMRunning(ctx context.Context, code string, running bool) {
	m.getOrCreate(code).enqueue(setVMRunningEvent{ctx: ctx, running: running})
}

func (m *Manager) getOrCreate(code string) *sessionRuntime {
	m.mu.Lock()
	defer m.mu.Unlock()
	if rt, ok := m.runtimes[code]; ok {
		return rt
	}
	rt := newSessionRuntime(m, code)
	m.runtimes[code] = rt
	return rt
}

func (m *Manager) sandboxControl() SandboxControl {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sandbox
}

type sessionRuntime struct {
	mgr  *Manager
	code string

	events chan any

	startOnce sync.Once
}

func newSessionRuntime(mgr *Manager, code string) *sessionRuntime {
	return &sessionRuntime{
		mgr:    mgr,
		code:   code,
		events: make(chan any, 256),
	}
}

func (r *sessionRuntime) enqueue(evt any) {
	r.startOnce.Do(func() { go r.loop() })
	select {
	case r.events <- evt:
	default:
		// Avoid blocking Socket.IO callbacks indefinitely; drop under overload.
		logger.Warnf("[runtime] session %s queue full; dropping event %T", r.code, evt)
	}
}

func (r *sessionRuntime) loop() {
	for evt := range r.events {
		switch e := evt.(type) {
		case joinEvent:
			r.handleJoin(e)
		case leaveEvent:
			r.handleLeave(e)
		case diffEvent:
			r.handleDiff(e)
		case replyDoneEvent:
			r.handleReplyDone(e)
		case appendTurnEvent:
			r.handleAppendTurn(e)
		case screenshotEvent:
			r.handleScreenshot(e)
		case setVMRunningEvent:
			r.handleSetVMRunning(e)
		default:
			logger.Warnf("[runtime] session %s: unknown event %T", r.code, evt)
		}
	}
}
