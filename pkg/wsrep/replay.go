package wsrep

import "github.com/codership/wsrep-go/pkg/wsrepmetrics"

// replayLocked drives the general (non-XA) replay path (spec §4.1
// "Replay"): must_replay -> replaying via client_service.Replay, which in
// turn calls provider.Replay(handle, high_priority_service).
func (t *Transaction) replayLocked(cs *ClientState) error {
	t.sm.transition(StateReplaying)

	timer := wsrepmetrics.NewTimer()
	status := cs.cliSvc.Replay(t)
	timer.ObserveDuration(wsrepmetrics.ReplayDuration)
	wsrepmetrics.ReplayTotal.WithLabelValues(status.String()).Inc()

	switch status {
	case StatusSuccess:
		t.streaming.ClearFragments()
		cs.mu.Unlock()
		cs.provider.Release(&t.handle)
		cs.mu.Lock()
		t.sm.transition(StateCommitted)
		cs.lastWrittenGTID = t.meta.GTID
		return nil

	case StatusCertificationFailed:
		_ = cs.cliSvc.RemoveFragments(t)
		t.sm.transition(StateAborted)
		return &ClientError{Kind: ErrDeadlock, ProviderStatus: status}

	default:
		cs.cliSvc.EmergencyShutdown()
		return &ClientError{Kind: ErrUnknown, ProviderStatus: status}
	}
}

// xaReplay drives the XA-specific replay path taken when a prepared
// streaming XA transaction is BF-aborted (spec §4.1 "XA replay").
func (t *Transaction) xaReplay(cs *ClientState) error {
	cs.transitionMode(ModeHighPriority)
	t.sm.transition(StateReplaying)

	timer := wsrepmetrics.NewTimer()
	status := cs.cliSvc.ReplayUnordered(t)
	timer.ObserveDuration(wsrepmetrics.ReplayDuration)
	wsrepmetrics.ReplayTotal.WithLabelValues(status.String()).Inc()
	if status != StatusSuccess {
		t.sm.transition(StatePrepared)
		return &ClientError{Kind: ErrDeadlock, ProviderStatus: status}
	}

	if cs.state == SessionIdle {
		t.sm.transition(StateAborted)
		t.cleanup()
		return nil
	}

	commitStatus := cs.cliSvc.CommitByXID(t.xid)
	if commitStatus == StatusSuccess {
		t.sm.transition(StateCommitted)
		cs.lastWrittenGTID = t.meta.GTID
		return nil
	}

	t.sm.transition(StatePrepared)
	return &ClientError{Kind: ErrDuringCommit, ProviderStatus: commitStatus}
}
