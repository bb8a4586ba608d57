// Package sandbox owns the lifecycle of per-session execution units: spawn,
// hot update, stop, crash handling and the proxy routes that expose their
// embedded services.
package sandbox

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/yutakobayashidev/kids-code-tutorial/internal/logbuffer"
	"github.com/yutakobayashidev/kids-code-tutorial/internal/session"
	"github.com/yutakobayashidev/kids-code-tutorial/internal/store"
	"github.com/yutakobayashidev/kids-code-tutorial/internal/vmproxy"
	"github.com/yutakobayashidev/kids-code-tutorial/pkg/logger"
)

// Result is the outcome of a manager operation. Not-running outcomes are
// informational, not errors.
type Result string

const (
	ResultAccepted        Result = "accepted"
	ResultUpdated         Result = "updated"
	ResultStopped         Result = "stopped"
	ResultNotRunning      Result = "not-running"
	ResultInvalidSession  Result = "invalid-session"
	ResultInvalidIdentity Result = "invalid-identity"
	ResultFailed          Result = "failed"
)

// Notifier funnels sandbox side effects back through the session's
// serialized patch-and-broadcast path. Implemented by the session runtime.
type Notifier interface {
	AppendTurn(ctx context.Context, code string, turn session.Dialogue)
	SetVMRunning(ctx context.Context, code string, running bool)
}

// Config tunes the manager.
type Config struct {
	Limits        ResourceLimits
	StopGrace     time.Duration
	FlushInterval time.Duration
	FlushMaxLines int
}

type instance struct {
	code     string
	identity string
	running  bool
	unit     Unit
	logs     *logbuffer.Buffer
}

// Manager supervises execution units, one live instance per client identity.
type Manager struct {
	store    store.Store
	routes   *vmproxy.Table
	notifier Notifier
	newUnit  UnitFactory
	cfg      Config

	mu        sync.Mutex
	instances map[string]*instance
}

// NewManager creates a sandbox manager.
func NewManager(st store.Store, routes *vmproxy.Table, notifier Notifier, newUnit UnitFactory, cfg Config) *Manager {
	return &Manager{
		store:     st,
		routes:    routes,
		notifier:  notifier,
		newUnit:   newUnit,
		cfg:       cfg,
		instances: make(map[string]*instance),
	}
}

func (m *Manager) validate(ctx context.Context, code, identity string) Result {
	value, err := m.store.Get(ctx, code)
	if err != nil {
		logger.Errorf("[sandbox] session lookup failed for %s: %v", code, err)
		return ResultInvalidSession
	}
	if value == nil {
		return ResultInvalidSession
	}
	if value.UUID != identity {
		return ResultInvalidIdentity
	}
	return ResultAccepted
}

// Start validates the caller's identity, allocates a new execution unit for
// the script and schedules it. It returns as soon as the unit is scheduled;
// readiness of the unit's embedded service is reported asynchronously
// through the proxy route table.
func (m *Manager) Start(ctx context.Context, code, identity, script string) Result {
	if res := m.validate(ctx, code, identity); res != ResultAccepted {
		return res
	}

	// A new run supersedes any live unit for this identity.
	m.mu.Lock()
	prev := m.instances[identity]
	m.mu.Unlock()
	if prev != nil {
		m.stopInstance(ctx, prev)
	}

	logs := logbuffer.New(m.cfg.FlushInterval, m.cfg.FlushMaxLines, func(entries []logbuffer.Entry) {
		m.notifier.AppendTurn(context.Background(), code, groupTurn(entries))
	})

	unit, err := m.newUnit(script, m.cfg.Limits)
	if err != nil {
		logger.Errorf("[sandbox] failed to allocate unit for %s: %v", code, err)
		m.notifier.AppendTurn(ctx, code, session.NewTextTurn(session.ContentError, false, "Failed to start the sandbox"))
		return ResultFailed
	}

	inst := &instance{
		code:     code,
		identity: identity,
		running:  true,
		unit:     unit,
		logs:     logs,
	}

	m.mu.Lock()
	m.instances[identity] = inst
	m.mu.Unlock()

	logs.Start()
	go m.supervise(inst)

	logger.Infof("[sandbox] unit scheduled for session %s", code)
	return ResultAccepted
}

// Update hot-swaps the script of a running unit. The caller's identity is
// re-validated first; with nothing running it returns ResultNotRunning
// without side effects.
func (m *Manager) Update(ctx context.Context, code, identity, script string) Result {
	if res := m.validate(ctx, code, identity); res != ResultAccepted {
		return res
	}

	m.mu.Lock()
	inst := m.instances[identity]
	m.mu.Unlock()
	if inst == nil || !inst.running {
		return ResultNotRunning
	}

	if err := inst.unit.UpdateScript(script); err != nil {
		logger.Warnf("[sandbox] script update failed for %s: %v", code, err)
		return ResultFailed
	}
	logger.Debugf("[sandbox] script updated for session %s", code)
	return ResultUpdated
}

// Stop terminates the unit for identity and clears all bookkeeping: route,
// instance record, persisted isVMRunning flag and a broadcast to the room.
// Stop is idempotent; with nothing running it returns ResultNotRunning.
func (m *Manager) Stop(ctx context.Context, code, identity string) Result {
	m.mu.Lock()
	inst := m.instances[identity]
	m.mu.Unlock()
	if inst == nil || !m.stopInstance(ctx, inst) {
		return ResultNotRunning
	}
	m.notifier.SetVMRunning(ctx, code, false)
	return ResultStopped
}

// stopInstance tears inst down without touching session state, but only if
// it is still the live instance for its identity: a superseded unit's late
// exit must not take down its replacement. Reports whether inst was
// actually stopped.
func (m *Manager) stopInstance(ctx context.Context, inst *instance) bool {
	m.mu.Lock()
	if m.instances[inst.identity] != inst || !inst.running {
		m.mu.Unlock()
		return false
	}
	inst.running = false
	delete(m.instances, inst.identity)
	m.mu.Unlock()

	inst.logs.Stop()
	inst.unit.Terminate(m.cfg.StopGrace)
	m.routes.Unregister(inst.code)
	logger.Infof("[sandbox] unit stopped for session %s", inst.code)
	return true
}

// supervise consumes a unit's output until it exits, then clears the unit's
// own bookkeeping. Superseded units find their registry slot already taken
// by the replacement and clean up nothing beyond themselves.
func (m *Manager) supervise(inst *instance) {
	for msg := range inst.unit.Messages() {
		switch msg.Type {
		case "log":
			inst.logs.Add(msg.Content)
		case "error":
			inst.logs.Error(msg.Content)
		case "info":
			inst.logs.Info(msg.Content)
		case "service-ready":
			if msg.Port == 0 {
				continue
			}
			m.mu.Lock()
			live := m.instances[inst.identity] == inst
			m.mu.Unlock()
			if !live {
				// A superseded unit's late readiness must not hijack the
				// replacement's route.
				continue
			}
			host := msg.Host
			if host == "" {
				host = "127.0.0.1"
			}
			m.routes.Register(inst.code, vmproxy.Endpoint{Host: host, Port: msg.Port})
			logger.Infof("[sandbox] service ready for %s at %s:%d", inst.code, host, msg.Port)
		default:
			logger.Tracef("[sandbox] session %s: unknown unit message %q", inst.code, msg.Type)
		}
	}

	exit := <-inst.unit.Exit()
	if exit.Err != nil {
		if IsOutOfMemory(exit.Diagnostic) || IsOutOfMemory(exit.Err.Error()) {
			inst.logs.Error("out of memory: " + exit.Err.Error())
		} else {
			diag := exit.Err.Error()
			if exit.Diagnostic != "" {
				diag = exit.Diagnostic
			}
			inst.logs.Error(diag)
		}
	}

	inst.logs.Stop()
	if m.stopInstance(context.Background(), inst) {
		m.notifier.SetVMRunning(context.Background(), inst.code, false)
	}
}

// IsOutOfMemory classifies a unit diagnostic as a memory-limit violation.
func IsOutOfMemory(diagnostic string) bool {
	return strings.Contains(diagnostic, "JavaScript heap out of memory") ||
		strings.Contains(diagnostic, "ERR_WORKER_OUT_OF_MEMORY")
}

func groupTurn(entries []logbuffer.Entry) session.Dialogue {
	lines := make([]session.Dialogue, 0, len(entries))
	for _, e := range entries {
		lines = append(lines, session.NewTextTurn(session.ContentType(e.Kind), false, e.Text))
	}
	return session.NewGroupLogTurn(lines)
}
