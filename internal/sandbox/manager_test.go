package sandbox

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/yutakobayashidev/kids-code-tutorial/internal/session"
	"github.com/yutakobayashidev/kids-code-tutorial/internal/vmproxy"
)

type fakeUnit struct {
	mu         sync.Mutex
	script     string
	updates    []string
	terminated bool

	msgs   chan Message
	exitCh chan ExitStatus
}

func newFakeUnit(script string) *fakeUnit {
	return &fakeUnit{
		script: script,
		msgs:   make(chan Message, 16),
		exitCh: make(chan ExitStatus, 1),
	}
}

func (u *fakeUnit) Messages() <-chan Message { return u.msgs }
func (u *fakeUnit) Exit() <-chan ExitStatus  { return u.exitCh }

func (u *fakeUnit) UpdateScript(script string) error {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.terminated {
		return errors.New("unit exited")
	}
	u.updates = append(u.updates, script)
	return nil
}

func (u *fakeUnit) Terminate(time.Duration) {
	u.mu.Lock()
	if u.terminated {
		u.mu.Unlock()
		return
	}
	u.terminated = true
	u.mu.Unlock()
	close(u.msgs)
	u.exitCh <- ExitStatus{}
}

// exit simulates the unit dying on its own.
func (u *fakeUnit) exit(status ExitStatus) {
	u.mu.Lock()
	if u.terminated {
		u.mu.Unlock()
		return
	}
	u.terminated = true
	u.mu.Unlock()
	close(u.msgs)
	u.exitCh <- status
}

func (u *fakeUnit) isTerminated() bool {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.terminated
}

type fakeUnitFactory struct {
	mu    sync.Mutex
	units []*fakeUnit
	err   error
}

func (f *fakeUnitFactory) factory(script string, _ ResourceLimits) (Unit, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	u := newFakeUnit(script)
	f.units = append(f.units, u)
	return u, nil
}

func (f *fakeUnitFactory) unit(i int) *fakeUnit {
	f.mu.Lock()
	defer f.mu.Unlock()
	if i >= len(f.units) {
		return nil
	}
	return f.units[i]
}

func (f *fakeUnitFactory) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.units)
}

type memStore struct {
	mu       sync.Mutex
	sessions map[string]*session.Value
}

func newMemStore() *memStore {
	return &memStore{sessions: make(map[string]*session.Value)}
}

func (s *memStore) Get(_ context.Context, code string) (*session.Value, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.sessions[code]
	if !ok {
		return nil, nil
	}
	return v.Clone()
}

func (s *memStore) Put(_ context.Context, value *session.Value) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	clone, err := value.Clone()
	if err != nil {
		return err
	}
	s.sessions[value.SessionCode] = clone
	return nil
}

func (s *memStore) Delete(_ context.Context, code string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sessions, code)
	return nil
}

func (s *memStore) List(_ context.Context) ([]*session.Value, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*session.Value, 0, len(s.sessions))
	for _, v := range s.sessions {
		out = append(out, v)
	}
	return out, nil
}

type recordingNotifier struct {
	mu      sync.Mutex
	turns   []session.Dialogue
	vmFlags []bool
}

func (n *recordingNotifier) AppendTurn(_ context.Context, _ string, turn session.Dialogue) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.turns = append(n.turns, turn)
}

func (n *recordingNotifier) SetVMRunning(_ context.Context, _ string, running bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.vmFlags = append(n.vmFlags, running)
}

func (n *recordingNotifier) allTurns() []session.Dialogue {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make([]session.Dialogue, len(n.turns))
	copy(out, n.turns)
	return out
}

func (n *recordingNotifier) flags() []bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make([]bool, len(n.vmFlags))
	copy(out, n.vmFlags)
	return out
}

func testConfig() Config {
	return Config{
		Limits:        ResourceLimits{MaxOldGenerationMB: 64, MaxYoungGenerationMB: 16, MaxCodeRangeMB: 16},
		StopGrace:     time.Second,
		FlushInterval: 10 * time.Millisecond,
		FlushMaxLines: 4,
	}
}

func newTestManager(t *testing.T) (*Manager, *memStore, *vmproxy.Table, *recordingNotifier, *fakeUnitFactory) {
	t.Helper()
	st := newMemStore()
	_ = st.Put(context.Background(), session.New("ABC123", "u-1", "en"))
	routes := vmproxy.NewTable()
	notifier := &recordingNotifier{}
	factory := &fakeUnitFactory{}
	mgr := NewManager(st, routes, notifier, factory.factory, testConfig())
	return mgr, st, routes, notifier, factory
}

func waitFor(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("condition never met: %s", msg)
}

func TestManager_StartValidatesSessionAndIdentity(t *testing.T) {
	mgr, _, _, _, factory := newTestManager(t)
	ctx := context.Background()

	if res := mgr.Start(ctx, "NOSUCH", "u-1", "code"); res != ResultInvalidSession {
		t.Fatalf("expected invalid-session, got %s", res)
	}
	if res := mgr.Start(ctx, "ABC123", "intruder", "code"); res != ResultInvalidIdentity {
		t.Fatalf("expected invalid-identity, got %s", res)
	}
	if factory.count() != 0 {
		t.Fatalf("unit allocated despite rejection")
	}
}

func TestManager_StartFailureProducesErrorTurn(t *testing.T) {
	mgr, _, _, notifier, factory := newTestManager(t)
	factory.err = errors.New("node not found")

	if res := mgr.Start(context.Background(), "ABC123", "u-1", "code"); res != ResultFailed {
		t.Fatalf("expected failed, got %s", res)
	}

	turns := notifier.allTurns()
	if len(turns) != 1 || turns[0].ContentType != session.ContentError {
		t.Fatalf("expected error turn, got %+v", turns)
	}
}

func TestManager_ServiceReadyRegistersRoute(t *testing.T) {
	mgr, _, routes, _, factory := newTestManager(t)

	if res := mgr.Start(context.Background(), "ABC123", "u-1", "code"); res != ResultAccepted {
		t.Fatalf("start: %s", res)
	}
	unit := factory.unit(0)
	unit.msgs <- Message{Type: "service-ready", Port: 4123}

	waitFor(t, func() bool {
		_, ok := routes.Route("ABC123")
		return ok
	}, "route registered")

	ep, _ := routes.Route("ABC123")
	if ep.Host != "127.0.0.1" || ep.Port != 4123 {
		t.Fatalf("unexpected endpoint %+v", ep)
	}
}

func TestManager_OutputIsCoalescedIntoGroupTurns(t *testing.T) {
	mgr, _, _, notifier, factory := newTestManager(t)

	if res := mgr.Start(context.Background(), "ABC123", "u-1", "code"); res != ResultAccepted {
		t.Fatalf("start: %s", res)
	}
	unit := factory.unit(0)
	unit.msgs <- Message{Type: "log", Content: "hello"}
	unit.msgs <- Message{Type: "error", Content: "oops"}

	waitFor(t, func() bool { return len(notifier.allTurns()) >= 1 }, "group turn flushed")

	turn := notifier.allTurns()[0]
	if turn.ContentType != session.ContentGroupLog {
		t.Fatalf("expected group_log turn, got %s", turn.ContentType)
	}
	if len(turn.Group) != 2 || turn.Group[0].Content != "hello" || turn.Group[1].ContentType != session.ContentError {
		t.Fatalf("unexpected group %+v", turn.Group)
	}
}

func TestManager_RestartSupersedesPreviousUnit(t *testing.T) {
	mgr, _, routes, _, factory := newTestManager(t)
	ctx := context.Background()

	if res := mgr.Start(ctx, "ABC123", "u-1", "v1"); res != ResultAccepted {
		t.Fatalf("first start: %s", res)
	}
	first := factory.unit(0)
	first.msgs <- Message{Type: "service-ready", Port: 4001}
	waitFor(t, func() bool {
		_, ok := routes.Route("ABC123")
		return ok
	}, "first route registered")

	if res := mgr.Start(ctx, "ABC123", "u-1", "v2"); res != ResultAccepted {
		t.Fatalf("second start: %s", res)
	}
	if !first.isTerminated() {
		t.Fatalf("first unit still alive after restart")
	}
	if factory.count() != 2 {
		t.Fatalf("expected 2 units, got %d", factory.count())
	}

	second := factory.unit(1)
	second.msgs <- Message{Type: "service-ready", Port: 4002}
	waitFor(t, func() bool {
		ep, ok := routes.Route("ABC123")
		return ok && ep.Port == 4002
	}, "route points at the new unit")
}

func TestManager_SupersededUnitExitLeavesReplacementAlone(t *testing.T) {
	mgr, _, routes, notifier, factory := newTestManager(t)
	ctx := context.Background()

	if res := mgr.Start(ctx, "ABC123", "u-1", "v1"); res != ResultAccepted {
		t.Fatalf("first start: %s", res)
	}
	if res := mgr.Start(ctx, "ABC123", "u-1", "v2"); res != ResultAccepted {
		t.Fatalf("second start: %s", res)
	}

	first, second := factory.unit(0), factory.unit(1)
	if !first.isTerminated() {
		t.Fatalf("first unit survived supersede")
	}

	second.msgs <- Message{Type: "service-ready", Port: 4002}
	waitFor(t, func() bool {
		ep, ok := routes.Route("ABC123")
		return ok && ep.Port == 4002
	}, "replacement route registered")

	// Let the superseded unit's exit handling run to completion. It must
	// not terminate the replacement, drop its route or flip the vm flag.
	time.Sleep(100 * time.Millisecond)

	if second.isTerminated() {
		t.Fatalf("replacement unit was terminated by the superseded unit's exit handling")
	}
	if ep, ok := routes.Route("ABC123"); !ok || ep.Port != 4002 {
		t.Fatalf("replacement route lost: %+v ok=%v", ep, ok)
	}
	if len(notifier.flags()) != 0 {
		t.Fatalf("vm flag touched by superseded unit: %v", notifier.flags())
	}

	// The replacement is still addressable through the manager.
	if res := mgr.Stop(ctx, "ABC123", "u-1"); res != ResultStopped {
		t.Fatalf("expected stopped, got %s", res)
	}
}

func TestManager_UpdateRequiresRunningUnit(t *testing.T) {
	mgr, _, _, _, factory := newTestManager(t)
	ctx := context.Background()

	if res := mgr.Update(ctx, "NOSUCH", "u-1", "v2"); res != ResultInvalidSession {
		t.Fatalf("expected invalid-session, got %s", res)
	}
	if res := mgr.Update(ctx, "ABC123", "intruder", "v2"); res != ResultInvalidIdentity {
		t.Fatalf("expected invalid-identity with no unit running, got %s", res)
	}
	if res := mgr.Update(ctx, "ABC123", "u-1", "v2"); res != ResultNotRunning {
		t.Fatalf("expected not-running, got %s", res)
	}

	if res := mgr.Start(ctx, "ABC123", "u-1", "v1"); res != ResultAccepted {
		t.Fatalf("start: %s", res)
	}
	if res := mgr.Update(ctx, "ABC123", "intruder", "v2"); res != ResultInvalidIdentity {
		t.Fatalf("expected invalid-identity, got %s", res)
	}
	if res := mgr.Update(ctx, "ABC123", "u-1", "v2"); res != ResultUpdated {
		t.Fatalf("expected updated, got %s", res)
	}

	unit := factory.unit(0)
	unit.mu.Lock()
	updates := append([]string(nil), unit.updates...)
	unit.mu.Unlock()
	if len(updates) != 1 || updates[0] != "v2" {
		t.Fatalf("unexpected updates %v", updates)
	}
}

func TestManager_StopClearsRouteAndFlag(t *testing.T) {
	mgr, _, routes, notifier, factory := newTestManager(t)
	ctx := context.Background()

	if res := mgr.Start(ctx, "ABC123", "u-1", "code"); res != ResultAccepted {
		t.Fatalf("start: %s", res)
	}
	unit := factory.unit(0)
	unit.msgs <- Message{Type: "service-ready", Port: 4001}
	waitFor(t, func() bool {
		_, ok := routes.Route("ABC123")
		return ok
	}, "route registered")

	if res := mgr.Stop(ctx, "ABC123", "u-1"); res != ResultStopped {
		t.Fatalf("expected stopped, got %s", res)
	}
	if _, ok := routes.Route("ABC123"); ok {
		t.Fatalf("route survived stop")
	}
	if !unit.isTerminated() {
		t.Fatalf("unit survived stop")
	}

	waitFor(t, func() bool {
		flags := notifier.flags()
		return len(flags) >= 1 && !flags[len(flags)-1]
	}, "vm flag cleared")

	// Second stop finds nothing.
	if res := mgr.Stop(ctx, "ABC123", "u-1"); res != ResultNotRunning {
		t.Fatalf("expected not-running, got %s", res)
	}
}

func TestManager_UnsolicitedExitCleansUp(t *testing.T) {
	mgr, _, routes, notifier, factory := newTestManager(t)
	ctx := context.Background()

	if res := mgr.Start(ctx, "ABC123", "u-1", "code"); res != ResultAccepted {
		t.Fatalf("start: %s", res)
	}
	unit := factory.unit(0)
	unit.msgs <- Message{Type: "service-ready", Port: 4001}
	waitFor(t, func() bool {
		_, ok := routes.Route("ABC123")
		return ok
	}, "route registered")

	unit.exit(ExitStatus{Err: errors.New("exit status 1"), Diagnostic: "TypeError: boom"})

	waitFor(t, func() bool {
		_, ok := routes.Route("ABC123")
		return !ok
	}, "route cleared after crash")
	waitFor(t, func() bool {
		flags := notifier.flags()
		return len(flags) >= 1 && !flags[len(flags)-1]
	}, "vm flag cleared after crash")

	var sawDiag bool
	for _, turn := range notifier.allTurns() {
		for _, line := range turn.Group {
			if line.ContentType == session.ContentError && line.Content == "TypeError: boom" {
				sawDiag = true
			}
		}
	}
	if !sawDiag {
		t.Fatalf("crash diagnostic never surfaced in dialogue")
	}
}

func TestManager_OutOfMemoryExitIsClassified(t *testing.T) {
	mgr, _, _, notifier, factory := newTestManager(t)

	if res := mgr.Start(context.Background(), "ABC123", "u-1", "code"); res != ResultAccepted {
		t.Fatalf("start: %s", res)
	}
	factory.unit(0).exit(ExitStatus{
		Err:        errors.New("exit status 134"),
		Diagnostic: "FATAL ERROR: Reached heap limit Allocation failed - JavaScript heap out of memory",
	})

	waitFor(t, func() bool {
		for _, turn := range notifier.allTurns() {
			for _, line := range turn.Group {
				if line.ContentType == session.ContentError &&
					line.Content == "out of memory: exit status 134" {
					return true
				}
			}
		}
		return false
	}, "oom surfaced in dialogue")
}

func TestIsOutOfMemory(t *testing.T) {
	cases := []struct {
		diag string
		want bool
	}{
		{"FATAL ERROR: JavaScript heap out of memory", true},
		{"Worker terminated due to reaching memory limit: ERR_WORKER_OUT_OF_MEMORY", true},
		{"TypeError: undefined is not a function", false},
		{"", false},
	}
	for _, c := range cases {
		if got := IsOutOfMemory(c.diag); got != c.want {
			t.Fatalf("IsOutOfMemory(%q) = %v, want %v", c.diag, got, c.want)
		}
	}
}
