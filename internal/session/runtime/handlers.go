package runtime

import (
	"context"

	"github.com/yutakobayashidev/kids-code-tutorial/internal/diff"
	"github.com/yutakobayashidev/kids-code-tutorial/internal/session"
	"github.com/yutakobayashidev/kids-code-tutorial/pkg/logger"
)

func errorPayload(message string) map[string]string {
	return map[string]string{"message": message}
}

// load fetches the authoritative state, reporting lookup failures to the
// originating socket when one is known.
func (r *sessionRuntime) load(ctx context.Context, socketID string) *session.Value {
	value, err := r.mgr.store.Get(ctx, r.code)
	if err != nil {
		logger.Errorf("[runtime] session %s load error: %v", r.code, err)
		if socketID != "" {
			r.mgr.emitter.EmitToSocket(socketID, "error", errorPayload("Server error"))
		}
		return nil
	}
	if value == nil {
		if socketID != "" {
			r.mgr.emitter.EmitToSocket(socketID, "error", errorPayload("Session not found"))
		}
		return nil
	}
	return value
}

// persistAndBroadcast writes the new state to the store, then fans the
// structural diff out to the room. The store write happens first: an
// in-memory mutation is not considered committed until mirrored to the
// store. originSocketID receives persistence errors; skipSocketID is
// excluded from the broadcast.
func (r *sessionRuntime) persistAndBroadcast(ctx context.Context, old, new *session.Value, originSocketID, skipSocketID string) bool {
	if err := r.mgr.store.Put(ctx, new); err != nil {
		logger.Errorf("[runtime] session %s persist error: %v", r.code, err)
		if originSocketID != "" {
			r.mgr.emitter.EmitToSocket(originSocketID, "error", errorPayload("Server error"))
		}
		return false
	}

	patch, err := diff.Diff(old, new)
	if err != nil {
		logger.Errorf("[runtime] session %s diff error: %v", r.code, err)
		return false
	}
	r.mgr.emitter.EmitToSession(r.code, "state-diff", patch, skipSocketID)
	return true
}

func (r *sessionRuntime) handleJoin(e joinEvent) {
	cur := r.load(e.ctx, e.socketID)
	if cur == nil {
		return
	}

	next, err := cur.Clone()
	if err != nil {
		logger.Errorf("[runtime] session %s clone error: %v", r.code, err)
		return
	}
	next.AddClient(e.socketID)
	next.Touch()

	// The joining connection gets the full snapshot; the rest of the room
	// only needs the membership diff.
	r.mgr.emitter.EmitToSocket(e.socketID, "full-state", next)
	r.persistAndBroadcast(e.ctx, cur, next, e.socketID, e.socketID)
}

func (r *sessionRuntime) handleLeave(e leaveEvent) {
	cur := r.load(e.ctx, "")
	if cur == nil {
		return
	}

	next, err := cur.Clone()
	if err != nil {
		logger.Errorf("[runtime] session %s clone error: %v", r.code, err)
		return
	}
	next.RemoveClient(e.socketID)

	// A sandbox must not outlive its room.
	if next.IsVMRunning && len(next.Clients) == 0 {
		if ctrl := r.mgr.sandboxControl(); ctrl != nil {
			logger.Infof("[runtime] session %s: last client left, stopping sandbox", r.code)
			ctrl.Stop(e.ctx, r.code, cur.UUID)
		}
		next.IsVMRunning = false
	}

	next.Touch()
	r.persistAndBroadcast(e.ctx, cur, next, "", e.socketID)
}

func (r *sessionRuntime) handleDiff(e diffEvent) {
	cur := r.load(e.ctx, e.socketID)
	if cur == nil {
		return
	}
	if cur.UUID != e.identity {
		r.mgr.emitter.EmitToSocket(e.socketID, "error", errorPayload("Invalid uuid"))
		return
	}

	next, err := diff.ApplyTo(cur, e.patch)
	if err != nil {
		// All-or-nothing: the authoritative state is untouched and only the
		// originator hears about the failure.
		logger.Warnf("[runtime] session %s patch rejected: %v", r.code, err)
		r.mgr.emitter.EmitToSocket(e.socketID, "error", errorPayload("Failed to apply patch"))
		return
	}
	if next.UUID != cur.UUID || next.SessionCode != cur.SessionCode {
		r.mgr.emitter.EmitToSocket(e.socketID, "error", errorPayload("Invalid uuid"))
		return
	}

	if r.shouldReply(cur, next) {
		// The guard is set synchronously, before any asynchronous work, so a
		// second trigger while a reply is in flight finds isReplying already
		// true.
		next.IsReplying = true
		next.Stats.TotalInvokedLLM++
		next.Touch()
		if !r.persistAndBroadcast(e.ctx, cur, next, e.socketID, e.socketID) {
			return
		}

		// The sender already renders its own optimistic state; it only needs
		// the lightweight notice to flip its local flag.
		r.mgr.emitter.EmitToSocket(e.socketID, "reply-started", nil)

		snapshot, err := next.Clone()
		if err != nil {
			logger.Errorf("[runtime] session %s clone error: %v", r.code, err)
			snapshot = next
		}
		go r.invokeGenerator(snapshot)
		return
	}

	next.Touch()
	r.persistAndBroadcast(e.ctx, cur, next, e.socketID, e.socketID)
}

// shouldReply reports whether this patch must start an AI turn: the dialogue
// changed, its last entry is user-authored and no reply is in flight.
func (r *sessionRuntime) shouldReply(cur, next *session.Value) bool {
	if cur.IsReplying || next.IsReplying {
		return false
	}
	last := next.LastTurn()
	if last == nil || !last.IsUser {
		return false
	}
	return !dialogueEqual(cur.Dialogue, next.Dialogue)
}

func dialogueEqual(a, b []session.Dialogue) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if !turnEqual(a[i], b[i]) {
			return false
		}
	}
	return true
}

func turnEqual(a, b session.Dialogue) bool {
	if a.ID != b.ID || a.ContentType != b.ContentType || a.IsUser != b.IsUser ||
		a.Content != b.Content || a.UI != b.UI {
		return false
	}
	return dialogueEqual(a.Group, b.Group)
}

// invokeGenerator runs the external AI collaborator off the runtime
// goroutine and feeds the outcome back in as an event. A collaborator
// failure produces an error turn instead of wedging the session: isReplying
// is always cleared by handleReplyDone.
func (r *sessionRuntime) invokeGenerator(snapshot *session.Value) {
	turn, err := r.mgr.generator.Generate(context.Background(), snapshot)
	if err != nil {
		logger.Errorf("[runtime] session %s generation failed: %v", r.code, err)
		turn = session.NewTextTurn(session.ContentError, false, "The tutor could not respond. Please try again.")
	}
	r.enqueue(replyDoneEvent{ctx: context.Background(), turn: turn})
}

func (r *sessionRuntime) handleReplyDone(e replyDoneEvent) {
	cur := r.load(e.ctx, "")
	if cur == nil {
		return
	}

	next, err := cur.Clone()
	if err != nil {
		logger.Errorf("[runtime] session %s clone error: %v", r.code, err)
		return
	}
	next.AppendDialogue(e.turn)
	next.IsReplying = false
	next.Touch()

	// Everyone, including the original sender, receives the completed turn.
	r.persistAndBroadcast(e.ctx, cur, next, "", "")
}

func (r *sessionRuntime) handleAppendTurn(e appendTurnEvent) {
	cur := r.load(e.ctx, "")
	if cur == nil {
		return
	}

	next, err := cur.Clone()
	if err != nil {
		logger.Errorf("[runtime] session %s clone error: %v", r.code, err)
		return
	}
	next.AppendDialogue(e.turn)
	next.Touch()

	r.persistAndBroadcast(e.ctx, cur, next, "", "")
}

func (r *sessionRuntime) handleScreenshot(e screenshotEvent) {
	cur := r.load(e.ctx, e.socketID)
	if cur == nil {
		return
	}

	next, err := cur.Clone()
	if err != nil {
		logger.Errorf("[runtime] session %s clone error: %v", r.code, err)
		return
	}
	next.Screenshot = e.image
	next.Clicks = append(next.Clicks, e.clicks...)
	next.Touch()

	r.persistAndBroadcast(e.ctx, cur, next, e.socketID, e.socketID)
}

func (r *sessionRuntime) handleSetVMRunning(e setVMRunningEvent) {
	cur := r.load(e.ctx, "")
	if cur == nil {
		return
	}

	next, err := cur.Clone()
	if err != nil {
		logger.Errorf("[runtime] session %s clone error: %v", r.code, err)
		return
	}
	if e.running && !cur.IsVMRunning {
		next.Stats.TotalCodeExecutions++
	}
	next.IsVMRunning = e.running
	next.Touch()

	r.persistAndBroadcast(e.ctx, cur, next, "", "")
}
