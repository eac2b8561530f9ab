package wsrep

import (
	"github.com/codership/wsrep-go/pkg/wsreplog"
	"github.com/codership/wsrep-go/pkg/wsrepmetrics"
)

// bfAbortableStates are the only source states from which an external
// certifier may preempt a transaction (spec §4.3).
var bfAbortableStates = map[TransactionState]bool{
	StateExecuting:  true,
	StatePreparing:  true,
	StatePrepared:   true,
	StateCertifying: true,
	StateCommitting: true,
}

// BFAbort is the asynchronous aborter entry point (spec §4.3). The caller
// — an external certification context, not the session's owner — must
// hold cs's mutex (or otherwise prove exclusive access) before calling
// this, exactly as the session's own hooks do.
func (t *Transaction) BFAbort(cs *ClientState, bySeqno Seqno) error {
	return t.bfAbort(cs, bySeqno, false)
}

// TotalOrderBFAbort is BFAbort for a preemption that arrived through the
// total-order stream itself: it additionally marks the transaction so
// AfterRollback knows never to emit a rollback fragment (spec §4.3).
func (t *Transaction) TotalOrderBFAbort(cs *ClientState, bySeqno Seqno) error {
	return t.bfAbort(cs, bySeqno, true)
}

func (t *Transaction) bfAbort(cs *ClientState, bySeqno Seqno, totalOrder bool) error {
	if !bfAbortableStates[t.sm.state] {
		// Ignored: the victim has already left a state from which
		// abort is meaningful.
		wsreplog.Logger.Debug().Stringer("state", t.sm.state).Msg("BF-abort ignored, transaction not abortable")
		return nil
	}

	var victimSeqno Seqno
	status := cs.provider.BFAbort(bySeqno, t.id, &victimSeqno)
	if status != StatusSuccess {
		return nil
	}
	wsrepmetrics.BFAbortTotal.Inc()

	t.preAbortState = t.sm.state
	t.sessionStateAtAbort = cs.state
	t.bfAbortState = victimSeqno
	if totalOrder {
		t.bfAbortedInTotalOrder = true
	}

	wasExecuting := t.sm.state == StateExecuting
	t.sm.transition(StateMustAbort)

	if wasExecuting && t.IsStreaming() {
		_ = t.streamingRollback(cs)
	}

	if (cs.state == SessionIdle && cs.srvSvc.RollbackMode() == RollbackModeSync) ||
		(cs.mode == ModeHighPriority && t.IsStreaming()) {
		// Changing state under the lock here (rather than leaving it to
		// the rollbacker) avoids a race between this thread releasing the
		// lock and the background rollbacker acquiring it.
		if t.IsXA() && t.preAbortState == StatePrepared {
			t.sm.transition(StateMustReplay)
		} else {
			t.sm.transition(StateAborting)
		}
		cs.rollbackerActive = true
		cs.srvSvc.BackgroundRollback(cs)
	}

	return nil
}
