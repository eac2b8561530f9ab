package wsrep

import "github.com/codership/wsrep-go/pkg/wsrepmetrics"

// certifyForCommit runs the certify-for-commit sequence (spec §4.1
// "Certify-for-commit"): wait for replayers, re-seed keys for streaming
// commit, flush replication payload, then certify and map the resulting
// provider status onto a transaction-state transition.
func (t *Transaction) certifyForCommit(cs *ClientState) (Status, error) {
	cs.cliSvc.WaitForReplayers(&cs.mu)

	if t.IsStreaming() && !t.IsXA() {
		t.appendStoredKeysForCommit(cs)
	}

	t.flags |= FlagCommit
	t.flags &^= FlagPrepare
	if t.implicitDeps {
		t.flags |= FlagImplicitDeps
	}

	if err := cs.cliSvc.PrepareDataForReplication(t); err != nil {
		t.sm.transition(StateMustAbort)
		return StatusSizeExceeded, &ClientError{Kind: ErrSizeExceeded, ProviderStatus: StatusSizeExceeded}
	}

	t.sm.transition(StateCertifying)

	timer := wsrepmetrics.NewTimer()
	cs.mu.Unlock()
	status := cs.provider.Certify(cs.ID, &t.handle, t.flags, &t.meta)
	cs.mu.Lock()
	timer.ObserveDuration(wsrepmetrics.CertifyDuration)
	wsrepmetrics.CertifyTotal.WithLabelValues(status.String()).Inc()

	switch status {
	case StatusSuccess:
		t.certified = true
		t.fragmentsThisStatement++
		if t.IsXA() {
			t.sm.transition(StateCommitting)
		} else {
			t.sm.transition(StatePreparing)
		}
		return status, nil

	case StatusBFAbort:
		t.sm.transition(StateMustAbort)
		t.sm.transition(StateMustReplay)
		return status, &ClientError{Kind: ErrDeadlock, ProviderStatus: status}

	case StatusCertificationFailed:
		t.sm.transition(StateCertFailed)
		return status, &ClientError{Kind: ErrDeadlock, ProviderStatus: status}

	case StatusConnectionFailed:
		// Matches transaction.cpp's case error_connection_failed: only an
		// XA transaction caught in must_abort is routed to a replay; a
		// non-XA transaction stays at must_abort with the deadlock error.
		if t.sm.state == StateMustAbort {
			if t.IsXA() {
				t.sm.transition(StateMustReplay)
			}
			return status, &ClientError{Kind: ErrDeadlock, ProviderStatus: status}
		}
		if t.IsXA() {
			t.sm.transition(StatePrepared)
		} else {
			t.sm.transition(StateMustAbort)
		}
		return status, &ClientError{Kind: ErrDuringCommit, ProviderStatus: status}

	default: // size_exceeded, provider_failed, fatal, not_implemented, not_allowed
		t.sm.transition(StateMustAbort)
		if status == StatusFatal {
			cs.cliSvc.EmergencyShutdown()
		}
		return status, &ClientError{Kind: ErrDuringCommit, ProviderStatus: status}
	}
}

// streamingStep is invoked per row/statement, or on a byte threshold, per
// spec §4.1 "Streaming step".
func (t *Transaction) streamingStep(cs *ClientState, force bool) error {
	met, err := t.streaming.Step(cs.cliSvc.BytesGenerated(), force)
	if err != nil {
		t.sm.transition(StateMustAbort)
		return &ClientError{Kind: ErrUnknown, ProviderStatus: StatusUnknown}
	}
	if !met {
		return nil
	}
	return t.certifyFragment(cs)
}

// certifyFragment replicates and certifies one streaming fragment (spec
// §4.1 "Certify-fragment"). On success it records the certified seqno and
// releases the write-set handle so the next fragment may proceed; on
// failure it routes to streaming rollback.
func (t *Transaction) certifyFragment(cs *ClientState) error {
	preState := t.sm.state
	t.sm.transition(StateCertifying)

	data, logPos, err := cs.cliSvc.PrepareFragmentForReplication(t)
	if err != nil {
		t.sm.transition(StateMustAbort)
		return &ClientError{Kind: ErrSizeExceeded, ProviderStatus: StatusSizeExceeded}
	}

	cs.mu.Unlock()
	appendStatus := cs.provider.AppendData(&t.handle, data)
	cs.mu.Lock()
	if appendStatus != StatusSuccess {
		t.sm.transition(StateMustAbort)
		return &ClientError{Kind: ErrAppendFragment, ProviderStatus: appendStatus}
	}
	wsrepmetrics.StreamingFragmentsTotal.Inc()

	var status Status
	if ss := cs.srvSvc.SharedStorageService(); ss != nil {
		func() {
			defer cs.srvSvc.ReleaseStorageService(ss)
			if gErr := ss.StoreGlobals(); gErr != nil {
				status = StatusProviderFailed
				return
			}
			defer ss.ResetGlobals()

			ss.StartTransaction(t.handle)
			ss.AppendFragment(t.serverID, cs.ID, t.flags, data, t.xid)

			cs.mu.Unlock()
			status = cs.provider.Certify(cs.ID, &t.handle, t.flags, &t.meta)
			cs.mu.Lock()

			// Open question (spec §9, preserved): the fragment is
			// marked certified even when certify reports
			// certification_failed, matching the documented
			// upstream quirk rather than normalizing it away.
			if status == StatusSuccess || status == StatusCertificationFailed {
				ss.UpdateFragmentMeta(t.meta)
				ss.Commit(t.handle, t.meta)
				if status == StatusSuccess {
					t.streaming.AddCertifiedFragment(CertifiedFragment{Seqno: t.meta.GTID.Seqno, ApplySeqno: t.meta.DependsOn})
					t.fragmentsThisStatement++
				}
			} else {
				ss.Rollback(t.handle, t.meta)
			}
		}()
	}

	t.streaming.SetLogPosition(logPos)

	if status == StatusSuccess {
		cs.mu.Unlock()
		cs.provider.Release(&t.handle)
		cs.mu.Lock()
		t.sm.transition(preState)
		return nil
	}

	t.sm.transition(StateMustAbort)
	if len(t.streaming.CertifiedFragments()) == 0 {
		// First fragment never made it: nothing to roll back via
		// fragment, just stop treating the session as streaming.
		t.streaming.ClearFragments()
		return &ClientError{Kind: ErrAppendFragment, ProviderStatus: status}
	}
	if err := t.streamingRollback(cs); err != nil {
		return err
	}
	return &ClientError{Kind: ErrAppendFragment, ProviderStatus: status}
}

// streamingRollback emits a rollback fragment (spec §4.1 "Streaming
// rollback"), idempotent via StreamingContext.RolledBack.
func (t *Transaction) streamingRollback(cs *ClientState) error {
	if t.streaming.RolledBack(t.id) {
		return nil
	}

	if t.bfAbortedInTotalOrder {
		t.streaming.MarkRolledBack(t.id)
		return nil
	}

	cs.transitionMode(ModeHighPriority)
	t.streaming.ClearFragments()
	t.streaming.MarkRolledBack(t.id)

	cs.mu.Unlock()
	status := cs.provider.Rollback(t.id)
	cs.mu.Lock()

	if status != StatusSuccess {
		return &ClientError{Kind: ErrDuringRollback, ProviderStatus: status}
	}
	return nil
}
